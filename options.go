package adios2

import (
	"log/slog"

	"github.com/rupertnash/adios2/metric"
)

// Option configures an ADIOS instance at construction.
type Option func(*ADIOS)

// WithLogger sets the structured logger every scope and engine inherits.
func WithLogger(logger *slog.Logger) Option {
	return func(a *ADIOS) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics enables engine metrics collection into the given registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(a *ADIOS) {
		a.metrics = registry
	}
}

// WithMetricsServer enables metrics collection and serves them over HTTP at
// addr. An empty path defaults to /metrics.
func WithMetricsServer(addr, path string) Option {
	return func(a *ADIOS) {
		if a.metrics == nil {
			a.metrics = metric.NewMetricsRegistry()
		}
		a.metricsServer = metric.NewServer(addr, path, a.metrics)
	}
}
