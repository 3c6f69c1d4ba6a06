// Package metric manages Prometheus metric registration for engines and
// transports, and serves them over HTTP. A nil *MetricsRegistry disables
// collection everywhere without branching at call sites.
package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rupertnash/adios2/errors"
)

// MetricsRegistry manages the registration and lifecycle of metrics.
type MetricsRegistry struct {
	prometheusRegistry *prometheus.Registry
	registeredMetrics  map[string]prometheus.Collector
	mu                 sync.RWMutex
}

// NewMetricsRegistry creates a metrics registry with Go runtime collectors
// attached.
func NewMetricsRegistry() *MetricsRegistry {
	r := &MetricsRegistry{
		prometheusRegistry: prometheus.NewRegistry(),
		registeredMetrics:  make(map[string]prometheus.Collector),
	}
	r.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// register adds one collector under an owner-qualified key.
func (r *MetricsRegistry) register(owner, name, kind string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", owner, name)
	if _, exists := r.registeredMetrics[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for %s", name, owner),
			"MetricsRegistry", kind, "duplicate metric registration")
	}
	if err := r.prometheusRegistry.Register(c); err != nil {
		var dup prometheus.AlreadyRegisteredError
		if stderrors.As(err, &dup) {
			return errors.WrapInvalid(err, "MetricsRegistry", kind,
				fmt.Sprintf("prometheus conflict for metric %s", name))
		}
		return errors.WrapFatal(err, "MetricsRegistry", kind, "prometheus registration")
	}
	r.registeredMetrics[key] = c
	return nil
}

// RegisterCounter registers a counter metric for an owner.
func (r *MetricsRegistry) RegisterCounter(owner, name string, counter prometheus.Counter) error {
	return r.register(owner, name, "RegisterCounter", counter)
}

// RegisterGauge registers a gauge metric for an owner.
func (r *MetricsRegistry) RegisterGauge(owner, name string, gauge prometheus.Gauge) error {
	return r.register(owner, name, "RegisterGauge", gauge)
}

// RegisterHistogram registers a histogram metric for an owner.
func (r *MetricsRegistry) RegisterHistogram(owner, name string, histogram prometheus.Histogram) error {
	return r.register(owner, name, "RegisterHistogram", histogram)
}

// RegisterCounterVec registers a labeled counter metric for an owner.
func (r *MetricsRegistry) RegisterCounterVec(owner, name string, vec *prometheus.CounterVec) error {
	return r.register(owner, name, "RegisterCounterVec", vec)
}

// RegisterGaugeVec registers a labeled gauge metric for an owner.
func (r *MetricsRegistry) RegisterGaugeVec(owner, name string, vec *prometheus.GaugeVec) error {
	return r.register(owner, name, "RegisterGaugeVec", vec)
}

// Unregister removes a metric. It returns true if the metric existed.
func (r *MetricsRegistry) Unregister(owner, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", owner, name)
	c, exists := r.registeredMetrics[key]
	if !exists {
		return false
	}
	delete(r.registeredMetrics, key)
	return r.prometheusRegistry.Unregister(c)
}

// UnregisterOwner removes every metric an owner registered.
func (r *MetricsRegistry) UnregisterOwner(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	prefix := owner + "."
	n := 0
	for key, c := range r.registeredMetrics {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(r.registeredMetrics, key)
			if r.prometheusRegistry.Unregister(c) {
				n++
			}
		}
	}
	return n
}
