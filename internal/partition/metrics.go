package partition

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stellarlinkco/pvedge/internal/metrics"
	"github.com/stellarlinkco/pvedge/internal/resource"
)

// Metrics counts partition traffic by purpose.
type Metrics struct {
	prefix    string
	hits      *prometheus.CounterVec
	misses    *prometheus.CounterVec
	puts      *prometheus.CounterVec
	deletes   *prometheus.CounterVec
	evictions *prometheus.CounterVec
}

// NewMetrics registers the partition counters with r.
func NewMetrics(r *metrics.Registry, prefix string) (*Metrics, error) {
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "partition",
			Name:      name,
			Help:      help,
		}, []string{"purpose"})
	}
	m := &Metrics{
		prefix:    prefix,
		hits:      counter("hits_total", "Total number of partition hits"),
		misses:    counter("misses_total", "Total number of partition misses"),
		puts:      counter("puts_total", "Total number of entries written"),
		deletes:   counter("deletes_total", "Total number of entries deleted"),
		evictions: counter("evictions_total", "Total number of entries evicted by the size bound"),
	}
	for name, c := range map[string]prometheus.Collector{
		"hits":      m.hits,
		"misses":    m.misses,
		"puts":      m.puts,
		"deletes":   m.deletes,
		"evictions": m.evictions,
	} {
		if err := r.Register("partition", name, c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordEvictions adds n evictions for the partition called name.
func (m *Metrics) RecordEvictions(name string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.evictions.WithLabelValues(m.purpose(name)).Add(float64(n))
}

func (m *Metrics) purpose(name string) string {
	p, _, ok := Parse(m.prefix, name)
	if !ok {
		return "other"
	}
	return string(p)
}

// Instrument wraps s so every partition it opens reports to m. A nil m
// returns s unchanged.
func Instrument(s Store, m *Metrics) Store {
	if m == nil {
		return s
	}
	return &instrumentedStore{Store: s, m: m}
}

type instrumentedStore struct {
	Store
	m *Metrics
}

func (s *instrumentedStore) Open(ctx context.Context, name string) (Partition, error) {
	p, err := s.Store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &instrumentedPartition{Partition: p, m: s.m, label: s.m.purpose(name)}, nil
}

type instrumentedPartition struct {
	Partition
	m     *Metrics
	label string
}

func (p *instrumentedPartition) Match(ctx context.Context, key string) (*resource.Response, bool, error) {
	resp, ok, err := p.Partition.Match(ctx, key)
	if err == nil {
		if ok {
			p.m.hits.WithLabelValues(p.label).Inc()
		} else {
			p.m.misses.WithLabelValues(p.label).Inc()
		}
	}
	return resp, ok, err
}

func (p *instrumentedPartition) Put(ctx context.Context, key string, resp *resource.Response) error {
	err := p.Partition.Put(ctx, key, resp)
	if err == nil {
		p.m.puts.WithLabelValues(p.label).Inc()
	}
	return err
}

func (p *instrumentedPartition) Delete(ctx context.Context, key string) (bool, error) {
	ok, err := p.Partition.Delete(ctx, key)
	if ok {
		p.m.deletes.WithLabelValues(p.label).Inc()
	}
	return ok, err
}
