package testutil

import (
	"context"
	"sync"

	"github.com/tenantfleet/loadgen/observability"
)

// ContextualLoggerSpy is a ContextualLogger that captures every log call for inspection in tests.
type ContextualLoggerSpy struct {
	mu      sync.Mutex
	records []SpyLogRecord
}

// SpyLogRecord represents a recorded log call.
type SpyLogRecord struct {
	Level   string
	Message string
	Args    []any
}

// Attr returns the value logged for key, or nil.
func (r SpyLogRecord) Attr(key string) any {
	for i := 0; i+1 < len(r.Args); i += 2 {
		if k, ok := r.Args[i].(string); ok && k == key {
			return r.Args[i+1]
		}
	}

	return nil
}

// NewContextualLoggerSpy creates a new ContextualLoggerSpy.
func NewContextualLoggerSpy() *ContextualLoggerSpy {
	return &ContextualLoggerSpy{}
}

// DebugContext implements observability.ContextualLogger.
func (s *ContextualLoggerSpy) DebugContext(_ context.Context, msg string, args ...any) {
	s.record("debug", msg, args)
}

// InfoContext implements observability.ContextualLogger.
func (s *ContextualLoggerSpy) InfoContext(_ context.Context, msg string, args ...any) {
	s.record("info", msg, args)
}

// WarnContext implements observability.ContextualLogger.
func (s *ContextualLoggerSpy) WarnContext(_ context.Context, msg string, args ...any) {
	s.record("warn", msg, args)
}

// ErrorContext implements observability.ContextualLogger.
func (s *ContextualLoggerSpy) ErrorContext(_ context.Context, msg string, args ...any) {
	s.record("error", msg, args)
}

func (s *ContextualLoggerSpy) record(level, msg string, args []any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, SpyLogRecord{Level: level, Message: msg, Args: append([]any(nil), args...)})
}

// Records returns a copy of all captured records.
func (s *ContextualLoggerSpy) Records() []SpyLogRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]SpyLogRecord(nil), s.records...)
}

// RecordsWithMessage returns the captured records whose message equals msg.
func (s *ContextualLoggerSpy) RecordsWithMessage(msg string) []SpyLogRecord {
	var matched []SpyLogRecord
	for _, record := range s.Records() {
		if record.Message == msg {
			matched = append(matched, record)
		}
	}

	return matched
}

// RecordsAtLevel returns the captured records logged at level ("debug", "info", "warn", "error").
func (s *ContextualLoggerSpy) RecordsAtLevel(level string) []SpyLogRecord {
	var matched []SpyLogRecord
	for _, record := range s.Records() {
		if record.Level == level {
			matched = append(matched, record)
		}
	}

	return matched
}

var _ observability.ContextualLogger = (*ContextualLoggerSpy)(nil)
