// Package promadapter provides a Prometheus implementation of observability.MetricsCollector
// and an optional HTTP server that exposes the registry on /metrics.
package promadapter

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tenantfleet/loadgen/observability"
)

// Collector maps metric names onto Prometheus vectors that are registered on first use.
// The label names of a vector are fixed by the first call for that metric; later calls
// with a different label set are dropped.
type Collector struct {
	registerer prometheus.Registerer
	namespace  string
	mu         sync.Mutex
	histograms map[string]*prometheus.HistogramVec
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewCollector creates a Collector registering its vectors on registerer under namespace.
func NewCollector(registerer prometheus.Registerer, namespace string) *Collector {
	return &Collector{
		registerer: registerer,
		namespace:  namespace,
		histograms: make(map[string]*prometheus.HistogramVec),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

// RecordDuration observes duration in seconds on a histogram.
func (c *Collector) RecordDuration(metric string, duration time.Duration, labels map[string]string) {
	c.mu.Lock()
	vec, ok := c.histograms[metric]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: c.namespace,
			Name:      metric,
			Help:      "Operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, labelNames(labels))
		vec = registerOrExisting(c.registerer, vec)
		c.histograms[metric] = vec
	}
	c.mu.Unlock()

	if observer, err := vec.GetMetricWith(labels); err == nil {
		observer.Observe(duration.Seconds())
	}
}

// IncrementCounter adds one to a counter.
func (c *Collector) IncrementCounter(metric string, labels map[string]string) {
	c.mu.Lock()
	vec, ok := c.counters[metric]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.namespace,
			Name:      metric,
			Help:      "Operation counter",
		}, labelNames(labels))
		vec = registerOrExisting(c.registerer, vec)
		c.counters[metric] = vec
	}
	c.mu.Unlock()

	if counter, err := vec.GetMetricWith(labels); err == nil {
		counter.Inc()
	}
}

// RecordValue sets a gauge.
func (c *Collector) RecordValue(metric string, value float64, labels map[string]string) {
	c.mu.Lock()
	vec, ok := c.gauges[metric]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: c.namespace,
			Name:      metric,
			Help:      "Current value",
		}, labelNames(labels))
		vec = registerOrExisting(c.registerer, vec)
		c.gauges[metric] = vec
	}
	c.mu.Unlock()

	if gauge, err := vec.GetMetricWith(labels); err == nil {
		gauge.Set(value)
	}
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// registerOrExisting returns the already registered collector when vec collides with one.
func registerOrExisting[T prometheus.Collector](registerer prometheus.Registerer, vec T) T {
	if err := registerer.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
	}

	return vec
}

var _ observability.MetricsCollector = (*Collector)(nil)
