// Package metrics provides a Prometheus-backed metrics sink for the bus
// client's tagged counters.
package metrics

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements messaging.MetricsSink on Prometheus counter
// vectors. Counters are created lazily on first increment; the tag keys of
// that first call fix the label set for the metric's lifetime.
type PrometheusSink struct {
	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	registerer prometheus.Registerer
	namespace  string
	logger     *slog.Logger
}

// SinkOption configures the PrometheusSink.
type SinkOption func(*PrometheusSink)

// WithNamespace prefixes all metric names.
func WithNamespace(namespace string) SinkOption {
	return func(s *PrometheusSink) {
		s.namespace = namespace
	}
}

// WithSinkLogger sets the logger.
func WithSinkLogger(logger *slog.Logger) SinkOption {
	return func(s *PrometheusSink) {
		s.logger = logger
	}
}

// NewPrometheusSink creates a sink registering on the given registerer,
// typically prometheus.DefaultRegisterer.
func NewPrometheusSink(registerer prometheus.Registerer, options ...SinkOption) *PrometheusSink {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	s := &PrometheusSink{
		counters:   make(map[string]*prometheus.CounterVec),
		registerer: registerer,
		namespace:  "eventbus",
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Increment implements messaging.MetricsSink. Tag keys absent from the
// metric's fixed label set are dropped; fixed labels absent from tags are
// reported empty.
func (s *PrometheusSink) Increment(name string, value float64, tags map[string]string) {
	if value < 0 {
		return
	}

	labelNames := sortedKeys(tags)
	vec := s.counterVec(sanitize(name), labelNames)
	if vec == nil {
		return
	}

	counter, err := vec.GetMetricWith(labelValues(tags, labelNames))
	if err != nil {
		// The metric was created with a different tag set.
		s.logger.Warn("metric increment dropped",
			"metric", name,
			"error", err,
		)
		return
	}
	counter.Add(value)
}

func (s *PrometheusSink) counterVec(name string, labelNames []string) *prometheus.CounterVec {
	s.mu.Lock()
	defer s.mu.Unlock()

	if vec, ok := s.counters[name]; ok {
		return vec
	}

	vec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: s.namespace,
			Name:      name + "_total",
			Help:      "Event bus counter " + name + ".",
		},
		labelNames,
	)
	if err := s.registerer.Register(vec); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				s.counters[name] = existing
				return existing
			}
		}
		s.logger.Warn("metric registration failed", "metric", name, "error", err)
		return nil
	}

	s.counters[name] = vec
	return vec
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

func sortedKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func labelValues(tags map[string]string, labelNames []string) prometheus.Labels {
	labels := make(prometheus.Labels, len(labelNames))
	for _, k := range labelNames {
		labels[k] = tags[k]
	}
	return labels
}
