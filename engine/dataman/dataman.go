// Package dataman is the streaming engine: steps move over the scope's
// attached transports while both ends are live. The writer publishes each
// step on every established channel; a reader deduplicates by stream and
// step, so attaching the same step stream to several transports adds
// redundancy, not replays. Channels that fail to establish at Open degrade
// the engine rather than stopping it, as long as at least one survives.
package dataman

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/rupertnash/adios2/core"
	"github.com/rupertnash/adios2/engine"
	"github.com/rupertnash/adios2/errors"
	"github.com/rupertnash/adios2/metric"
	"github.com/rupertnash/adios2/pkg/buffer"
	"github.com/rupertnash/adios2/transport"
	"github.com/rupertnash/adios2/types"
)

// Type is the registered engine type.
const Type = "dataman"

// Engine parameters.
const (
	// KeyQueueLimit caps the reader's step queue
	KeyQueueLimit = "queuelimit"
	// KeyQueuePolicy selects the overflow policy: oldest, newest or block
	KeyQueuePolicy = "queuefullpolicy"
	// KeyOpenTimeout bounds channel establishment at Open
	KeyOpenTimeout = "opentimeout"
)

const defaultQueueLimit = 128

// Register installs the dataman engine into an engine registry.
func Register(r *engine.Registry) error {
	return r.Register(Type, New)
}

// Engine is an open dataman stream.
type Engine struct {
	name    string
	mode    types.Mode
	io      *core.IO
	logger  *slog.Logger
	metrics *metric.EngineMetrics

	transports []transport.Transport
	writer     *engine.StepWriter
	reader     *engine.StepReader
	sink       *engine.FrameSink

	closed bool
}

// New opens a dataman engine over the scope's attached transports.
func New(name string, mode types.Mode, io *core.IO, deps engine.Deps) (engine.Engine, error) {
	if mode == types.ModeAppend {
		return nil, errors.WrapInvalid(
			fmt.Errorf("streaming engines cannot append: %w", errors.ErrUnsupportedOperation),
			"dataman", "New", "mode check")
	}
	specs := io.TransportSpecs()
	if len(specs) == 0 {
		return nil, errors.WrapInvalid(errors.ErrNoTransport, "dataman", "New", "transport check")
	}

	params := io.Parameters()
	openTimeout, err := parseOpenTimeout(params)
	if err != nil {
		return nil, err
	}

	em, err := metric.NewEngineMetrics(deps.Metrics, Type, name)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		name:    name,
		mode:    mode,
		io:      io,
		logger:  deps.Logger,
		metrics: em,
	}

	if mode.IsWriter() {
		e.writer = engine.NewStepWriter(e.fanOut, io, deps.Logger, em)
	} else {
		capacity, policy, err := queueConfig(params)
		if err != nil {
			em.Release()
			return nil, err
		}
		e.sink, err = engine.NewFrameSink(capacity, policy, deps.Logger, em)
		if err != nil {
			em.Release()
			return nil, err
		}
		e.reader = engine.NewStepReader(e.sink, io, deps.Logger, em)
	}

	if err := e.establish(specs, openTimeout); err != nil {
		em.Release()
		return nil, err
	}
	return e, nil
}

// establish opens every attached transport, tolerating individual failures
// as long as one channel comes up.
func (e *Engine) establish(specs []core.TransportSpec, timeout time.Duration) error {
	role := transport.RoleReader
	if e.mode.IsWriter() {
		role = transport.RoleWriter
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var lastErr error
	for _, spec := range specs {
		t, err := e.io.TransportRegistry().New(spec.Index, spec.Protocol, spec.Params, e.logger)
		if err != nil {
			lastErr = err
			e.logger.Warn("transport skipped", "protocol", spec.Protocol, "index", spec.Index, "error", err)
			continue
		}
		if role == transport.RoleReader {
			t.SetDeliver(e.sink.Deliver)
		}
		if err := t.Open(ctx, role, e.name); err != nil {
			lastErr = err
			e.logger.Warn("transport failed to establish",
				"protocol", spec.Protocol, "index", spec.Index, "error", err)
			t.Close()
			continue
		}
		e.transports = append(e.transports, t)
	}

	if len(e.transports) == 0 {
		return errors.WrapTransient(
			fmt.Errorf("none of %d attached transports established: %w", len(specs), errors.ErrConnectionRefused),
			"dataman", "establish", "channel establishment")
	}
	if len(e.transports) < len(specs) {
		e.logger.Warn("engine degraded",
			"established", len(e.transports), "attached", len(specs), "last_error", lastErr)
	}
	return nil
}

// fanOut publishes one frame on every established channel. A channel error
// degrades the step, not the engine; the step fails only when every channel
// rejects it.
func (e *Engine) fanOut(ctx context.Context, frame []byte) error {
	delivered := 0
	var lastErr error
	for _, t := range e.transports {
		if err := t.WriteStep(ctx, frame); err != nil {
			lastErr = err
			e.logger.Warn("step not delivered on channel",
				"protocol", t.Protocol(), "index", t.Index(), "error", err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return errors.WrapTransient(lastErr, "dataman", "fanOut", "step delivery")
	}
	return nil
}

// Name implements engine.Engine
func (e *Engine) Name() string { return e.name }

// Type implements engine.Engine
func (e *Engine) Type() string { return Type }

// Mode implements engine.Engine
func (e *Engine) Mode() types.Mode { return e.mode }

// BeginStep implements engine.Engine
func (e *Engine) BeginStep(_ context.Context, timeout time.Duration) (types.StepStatus, error) {
	if e.mode.IsWriter() {
		return e.writer.BeginStep()
	}
	return e.reader.BeginStep(timeout)
}

// CurrentStep implements engine.Engine
func (e *Engine) CurrentStep() uint64 {
	if e.mode.IsWriter() {
		return e.writer.CurrentStep()
	}
	return e.reader.CurrentStep()
}

// Put implements engine.Engine
func (e *Engine) Put(v *core.Variable, data any) error {
	if !e.mode.IsWriter() {
		return errors.WrapInvalid(errors.ErrUnsupportedOperation, "dataman", "Put", "mode check")
	}
	return e.writer.Put(v, data)
}

// Get implements engine.Engine
func (e *Engine) Get(v *core.Variable, dst any) error {
	if e.mode.IsWriter() {
		return errors.WrapInvalid(errors.ErrUnsupportedOperation, "dataman", "Get", "mode check")
	}
	return e.reader.Get(v, dst)
}

// EndStep implements engine.Engine
func (e *Engine) EndStep(ctx context.Context) error {
	if e.mode.IsWriter() {
		return e.writer.EndStep(ctx)
	}
	return e.reader.EndStep()
}

// AvailableVariables implements engine.Engine
func (e *Engine) AvailableVariables() []string {
	if e.mode.IsWriter() {
		return nil
	}
	return e.reader.AvailableVariables()
}

// Close implements engine.Engine
func (e *Engine) Close(ctx context.Context) error {
	if e.closed {
		return nil
	}
	e.closed = true

	var firstErr error
	if e.mode.IsWriter() {
		if err := e.writer.Close(ctx); err != nil {
			firstErr = err
		}
		for _, t := range e.transports {
			if err := t.Drain(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	} else {
		e.reader.Close()
	}
	for _, t := range e.transports {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.metrics.Release()
	e.logger.Info("engine closed", "last_step", e.CurrentStep())
	return firstErr
}

func parseOpenTimeout(params map[string]string) (time.Duration, error) {
	raw, ok := params[KeyOpenTimeout]
	if !ok {
		return 10 * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.WrapInvalid(
			fmt.Errorf("open timeout %q: %w", raw, errors.ErrInvalidArgument),
			"dataman", "parseOpenTimeout", "parameter parse")
	}
	return d, nil
}

func queueConfig(params map[string]string) (int, buffer.OverflowPolicy, error) {
	capacity := defaultQueueLimit
	if raw, ok := params[KeyQueueLimit]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return 0, 0, errors.WrapInvalid(
				fmt.Errorf("queue limit %q: %w", raw, errors.ErrInvalidArgument),
				"dataman", "queueConfig", "parameter parse")
		}
		capacity = n
	}

	policy := buffer.DropOldest
	if raw, ok := params[KeyQueuePolicy]; ok {
		switch raw {
		case "oldest":
			policy = buffer.DropOldest
		case "newest":
			policy = buffer.DropNewest
		case "block":
			policy = buffer.Block
		default:
			return 0, 0, errors.WrapInvalid(
				fmt.Errorf("queue policy %q: %w", raw, errors.ErrInvalidArgument),
				"dataman", "queueConfig", "parameter parse")
		}
	}
	return capacity, policy, nil
}
