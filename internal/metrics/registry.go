// Package metrics owns the Prometheus registry the agent exposes on /metrics.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric the agent registers.
const Namespace = "pvedge"

// Registry tracks collectors per component so duplicate registrations are
// reported with a readable key instead of a Prometheus descriptor dump.
type Registry struct {
	prom       *prometheus.Registry
	registered map[string]prometheus.Collector
	mu         sync.RWMutex
}

// NewRegistry creates a registry preloaded with Go runtime and process collectors.
func NewRegistry() *Registry {
	r := &Registry{
		prom:       prometheus.NewRegistry(),
		registered: make(map[string]prometheus.Collector),
	}
	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Register adds a collector under component.name.
func (r *Registry) Register(component, name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := component + "." + name
	if _, exists := r.registered[key]; exists {
		return fmt.Errorf("metric %s already registered", key)
	}
	if err := r.prom.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return fmt.Errorf("prometheus conflict for %s: %w", key, err)
		}
		return fmt.Errorf("register %s: %w", key, err)
	}
	r.registered[key] = c
	return nil
}

// Unregister removes a collector registered under component.name.
func (r *Registry) Unregister(component, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := component + "." + name
	c, ok := r.registered[key]
	if !ok {
		return false
	}
	delete(r.registered, key)
	return r.prom.Unregister(c)
}

// Names lists registered component.name keys in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.registered))
	for k := range r.registered {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Prometheus returns the underlying registry, mainly for tests.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.prom
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{Registry: r.prom})
}

// RequestMetrics counts routed requests by strategy and status class.
type RequestMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewRequestMetrics registers the router request counters.
func NewRequestMetrics(r *Registry) (*RequestMetrics, error) {
	m := &RequestMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "router",
			Name:      "requests_total",
			Help:      "Requests handled by the router, by strategy and status code",
		}, []string{"strategy", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "router",
			Name:      "request_duration_seconds",
			Help:      "Time spent producing a response, by strategy",
			Buckets:   prometheus.DefBuckets,
		}, []string{"strategy"}),
	}
	if err := r.Register("router", "requests", m.requests); err != nil {
		return nil, err
	}
	if err := r.Register("router", "duration", m.duration); err != nil {
		return nil, err
	}
	return m, nil
}

// Observe records one finished request. A nil receiver is a no-op.
func (m *RequestMetrics) Observe(strategy string, code int, seconds float64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(strategy, fmt.Sprint(code)).Inc()
	m.duration.WithLabelValues(strategy).Observe(seconds)
}

// RequestsFor returns the counter for one strategy and status code.
func (m *RequestMetrics) RequestsFor(strategy string, code int) prometheus.Counter {
	return m.requests.WithLabelValues(strategy, fmt.Sprint(code))
}
