package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "adios"

// EngineMetrics tracks one engine instance's data movement. All methods are
// safe on a nil receiver, so engines built without a registry skip
// collection entirely.
type EngineMetrics struct {
	owner string

	stepsWritten  prometheus.Counter
	stepsRead     prometheus.Counter
	stepsMissed   prometheus.Counter
	bytesWritten  prometheus.Counter
	bytesRead     prometheus.Counter
	framesDropped prometheus.Counter
	queueDepth    prometheus.Gauge
	encodeSeconds prometheus.Histogram
	decodeSeconds prometheus.Histogram

	registry *MetricsRegistry
}

// NewEngineMetrics registers per-engine metrics under the stream name.
// A nil registry yields a nil EngineMetrics, which is valid to use.
func NewEngineMetrics(registry *MetricsRegistry, engineType, stream string) (*EngineMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	labels := prometheus.Labels{"engine": engineType, "stream": stream}
	m := &EngineMetrics{
		owner:    engineType + ":" + stream,
		registry: registry,
		stepsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "steps_written_total",
			Help: "Steps published by this engine", ConstLabels: labels,
		}),
		stepsRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "steps_read_total",
			Help: "Steps consumed by this engine", ConstLabels: labels,
		}),
		stepsMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "steps_missed_total",
			Help: "Steps skipped because the receive queue overflowed", ConstLabels: labels,
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "bytes_written_total",
			Help: "Serialized frame bytes published", ConstLabels: labels,
		}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "bytes_read_total",
			Help: "Serialized frame bytes consumed", ConstLabels: labels,
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "frames_dropped_total",
			Help: "Frames discarded as duplicate or malformed", ConstLabels: labels,
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "engine", Name: "queue_depth",
			Help: "Steps waiting in the receive queue", ConstLabels: labels,
		}),
		encodeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "engine", Name: "step_encode_seconds",
			Help: "Time to stage, transform and serialize one step", ConstLabels: labels,
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		decodeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "engine", Name: "step_decode_seconds",
			Help: "Time to deserialize and extract one step", ConstLabels: labels,
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}

	regs := []struct {
		name string
		err  error
	}{
		{"steps_written", registry.RegisterCounter(m.owner, "steps_written", m.stepsWritten)},
		{"steps_read", registry.RegisterCounter(m.owner, "steps_read", m.stepsRead)},
		{"steps_missed", registry.RegisterCounter(m.owner, "steps_missed", m.stepsMissed)},
		{"bytes_written", registry.RegisterCounter(m.owner, "bytes_written", m.bytesWritten)},
		{"bytes_read", registry.RegisterCounter(m.owner, "bytes_read", m.bytesRead)},
		{"frames_dropped", registry.RegisterCounter(m.owner, "frames_dropped", m.framesDropped)},
		{"queue_depth", registry.RegisterGauge(m.owner, "queue_depth", m.queueDepth)},
		{"encode_seconds", registry.RegisterHistogram(m.owner, "encode_seconds", m.encodeSeconds)},
		{"decode_seconds", registry.RegisterHistogram(m.owner, "decode_seconds", m.decodeSeconds)},
	}
	for _, reg := range regs {
		if reg.err != nil {
			registry.UnregisterOwner(m.owner)
			return nil, reg.err
		}
	}
	return m, nil
}

// StepWritten records one published step of the given serialized size.
func (m *EngineMetrics) StepWritten(bytes int) {
	if m == nil {
		return
	}
	m.stepsWritten.Inc()
	m.bytesWritten.Add(float64(bytes))
}

// StepRead records one consumed step of the given serialized size.
func (m *EngineMetrics) StepRead(bytes int) {
	if m == nil {
		return
	}
	m.stepsRead.Inc()
	m.bytesRead.Add(float64(bytes))
}

// StepMissed records a step lost to queue overflow.
func (m *EngineMetrics) StepMissed() {
	if m == nil {
		return
	}
	m.stepsMissed.Inc()
}

// FrameDropped records a duplicate or malformed frame.
func (m *EngineMetrics) FrameDropped() {
	if m == nil {
		return
	}
	m.framesDropped.Inc()
}

// QueueDepth reports the current receive queue depth.
func (m *EngineMetrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// ObserveEncode records the duration of one step encode.
func (m *EngineMetrics) ObserveEncode(d time.Duration) {
	if m == nil {
		return
	}
	m.encodeSeconds.Observe(d.Seconds())
}

// ObserveDecode records the duration of one step decode.
func (m *EngineMetrics) ObserveDecode(d time.Duration) {
	if m == nil {
		return
	}
	m.decodeSeconds.Observe(d.Seconds())
}

// Release unregisters every metric this instance owns.
func (m *EngineMetrics) Release() {
	if m == nil {
		return
	}
	m.registry.UnregisterOwner(m.owner)
}
