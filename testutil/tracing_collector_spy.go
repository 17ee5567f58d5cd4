package testutil

import (
	"context"
	"maps"
	"sync"

	"github.com/tenantfleet/loadgen/observability"
)

// TracingCollectorSpy is a TracingCollector that records started and finished spans.
type TracingCollectorSpy struct {
	mu    sync.Mutex
	spans []*SpySpan
}

// SpySpan is a span captured by TracingCollectorSpy.
type SpySpan struct {
	Name     string
	Attrs    map[string]string
	Status   string
	Finished bool
}

// SetStatus implements observability.SpanContext.
func (s *SpySpan) SetStatus(status string) {
	s.Status = status
}

// AddAttribute implements observability.SpanContext.
func (s *SpySpan) AddAttribute(key, value string) {
	s.Attrs[key] = value
}

// NewTracingCollectorSpy creates a new TracingCollectorSpy.
func NewTracingCollectorSpy() *TracingCollectorSpy {
	return &TracingCollectorSpy{}
}

// StartSpan implements observability.TracingCollector.
func (s *TracingCollectorSpy) StartSpan(
	ctx context.Context,
	name string,
	attrs map[string]string,
) (context.Context, observability.SpanContext) {
	s.mu.Lock()
	defer s.mu.Unlock()

	span := &SpySpan{Name: name, Attrs: maps.Clone(attrs)}
	if span.Attrs == nil {
		span.Attrs = make(map[string]string)
	}
	s.spans = append(s.spans, span)

	return ctx, span
}

// FinishSpan implements observability.TracingCollector.
func (s *TracingCollectorSpy) FinishSpan(spanCtx observability.SpanContext, status string, attrs map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	span, ok := spanCtx.(*SpySpan)
	if !ok {
		return
	}

	maps.Copy(span.Attrs, attrs)
	span.Status = status
	span.Finished = true
}

// Spans returns the captured spans.
func (s *TracingCollectorSpy) Spans() []*SpySpan {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*SpySpan(nil), s.spans...)
}

// SpansNamed returns the captured spans with the given name.
func (s *TracingCollectorSpy) SpansNamed(name string) []*SpySpan {
	var matched []*SpySpan
	for _, span := range s.Spans() {
		if span.Name == name {
			matched = append(matched, span)
		}
	}

	return matched
}

var _ observability.TracingCollector = (*TracingCollectorSpy)(nil)
