package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rupertnash/adios2/core"
	"github.com/rupertnash/adios2/errors"
	"github.com/rupertnash/adios2/metric"
	"github.com/rupertnash/adios2/pkg/wire"
	"github.com/rupertnash/adios2/types"
)

// PublishFunc delivers one encoded step frame to wherever the engine sends
// steps: a transport fan-out, a log file, a key-value store.
type PublishFunc func(ctx context.Context, frame []byte) error

// requireOwned rejects a variable handle that does not come from the bound
// scope. Handles are compared by identity, so a same-named variable defined
// on another scope still fails.
func requireOwned(io *core.IO, v *core.Variable, component, method string) error {
	owned, ok := io.InquireVariable(v.Name())
	if !ok || owned != v {
		return errors.WrapInvalid(
			fmt.Errorf("variable %q not defined on scope %q: %w", v.Name(), io.Name(), errors.ErrNotFound),
			component, method, "scope ownership")
	}
	return nil
}

// StepWriter implements the writer half of step semantics independently of
// the medium. Blocks accumulate between BeginStep and EndStep; EndStep
// serializes them into one frame and hands it to the publish function, so a
// step reaches the medium entirely or not at all.
type StepWriter struct {
	tracker  StepTracker
	streamID uuid.UUID
	publish  PublishFunc
	io       *core.IO
	logger   *slog.Logger
	metrics  *metric.EngineMetrics

	blocks []wire.VarBlock
}

// NewStepWriter creates a writer with a fresh stream identity, bound to the
// scope whose variables it accepts.
func NewStepWriter(publish PublishFunc, io *core.IO, logger *slog.Logger, metrics *metric.EngineMetrics) *StepWriter {
	return &StepWriter{
		streamID: uuid.New(),
		publish:  publish,
		io:       io,
		logger:   logger,
		metrics:  metrics,
	}
}

// StreamID returns the writer's stream identity, carried in every frame.
func (w *StepWriter) StreamID() uuid.UUID { return w.streamID }

// Resume positions the writer so its next step is the given index, for
// append mode over an existing stream.
func (w *StepWriter) Resume(next uint64) {
	w.tracker.Resume(next)
}

// BeginStep opens the next step. Writers never wait.
func (w *StepWriter) BeginStep() (types.StepStatus, error) {
	if _, err := w.tracker.Begin(); err != nil {
		return types.StepOK, err
	}
	w.blocks = w.blocks[:0]
	return types.StepOK, nil
}

// CurrentStep returns the active or last step index.
func (w *StepWriter) CurrentStep() uint64 { return w.tracker.Current() }

// Put stages one variable for the active step. The variable must belong to
// the writer's bound scope. A variable may contribute several blocks to a
// step by changing its selection between Puts.
func (w *StepWriter) Put(v *core.Variable, data any) error {
	if err := w.tracker.Require(); err != nil {
		return err
	}
	if err := requireOwned(w.io, v, "StepWriter", "Put"); err != nil {
		return err
	}
	blk, err := BuildBlock(v, data)
	if err != nil {
		return err
	}
	w.blocks = append(w.blocks, blk)
	return nil
}

// EndStep serializes and publishes the active step.
func (w *StepWriter) EndStep(ctx context.Context) error {
	if err := w.tracker.Require(); err != nil {
		return err
	}

	start := time.Now()
	frame := wire.StepFrame{
		StreamID: w.streamID,
		Step:     w.tracker.Current(),
		Blocks:   w.blocks,
	}
	encoded, err := frame.Encode()
	if err != nil {
		return err
	}
	w.metrics.ObserveEncode(time.Since(start))

	if err := w.publish(ctx, encoded); err != nil {
		return errors.Wrap(err, "StepWriter", "EndStep",
			fmt.Sprintf("publishing step %d", frame.Step))
	}
	w.metrics.StepWritten(len(encoded))
	w.logger.Debug("step published", "step", frame.Step, "blocks", len(frame.Blocks), "bytes", len(encoded))

	w.blocks = w.blocks[:0]
	return w.tracker.End()
}

// Close publishes the end-of-stream marker and seals the writer. The marker
// uses the step index after the last published step so readers can key it
// uniquely.
func (w *StepWriter) Close(ctx context.Context) error {
	if w.tracker.Active() {
		return errors.WrapInvalid(
			fmt.Errorf("step %d still active: %w", w.tracker.Current(), errors.ErrStepActive),
			"StepWriter", "Close", "close ordering")
	}
	if !w.tracker.Close() {
		return nil
	}

	marker := wire.StepFrame{
		StreamID:    w.streamID,
		Step:        w.tracker.Current() + 1,
		EndOfStream: true,
	}
	encoded, err := marker.Encode()
	if err != nil {
		return err
	}
	if err := w.publish(ctx, encoded); err != nil {
		return errors.Wrap(err, "StepWriter", "Close", "publishing end-of-stream marker")
	}
	w.logger.Debug("end of stream published", "after_step", w.tracker.Current())
	return nil
}

// StepReader implements the reader half of step semantics over a FrameSink.
// BeginStep surfaces the next whole step; Get extracts variable blocks from
// it; EndStep releases it.
type StepReader struct {
	tracker StepTracker
	sink    *FrameSink
	io      *core.IO
	logger  *slog.Logger
	metrics *metric.EngineMetrics

	current *wire.StepFrame
	known   map[string]struct{}
}

// NewStepReader creates a reader draining the given sink.
func NewStepReader(sink *FrameSink, io *core.IO, logger *slog.Logger, metrics *metric.EngineMetrics) *StepReader {
	return &StepReader{
		sink:    sink,
		io:      io,
		logger:  logger,
		metrics: metrics,
		known:   make(map[string]struct{}),
	}
}

// BeginStep waits for the next step up to the timeout. On StepOK the step's
// variables become visible through the scope; StepNotReady and
// StepEndOfStream leave no step active.
func (r *StepReader) BeginStep(timeout time.Duration) (types.StepStatus, error) {
	if r.tracker.Active() {
		return types.StepNotReady, errors.WrapInvalid(
			fmt.Errorf("step %d still active: %w", r.tracker.Current(), errors.ErrStepActive),
			"StepReader", "BeginStep", "step nesting")
	}

	frame, status := r.sink.Next(timeout)
	if status != types.StepOK {
		return status, nil
	}

	start := time.Now()
	for i := range frame.Blocks {
		blk := &frame.Blocks[i]
		if _, err := r.io.DeclareFromStream(blk.Name, blk.Type, blk.Kind, blk.Shape); err != nil {
			return types.StepNotReady, err
		}
		r.known[blk.Name] = struct{}{}
	}
	r.metrics.ObserveDecode(time.Since(start))

	if err := r.tracker.BeginAt(frame.Step); err != nil {
		return types.StepNotReady, err
	}
	r.current = frame
	r.logger.Debug("step received", "step", frame.Step, "blocks", len(frame.Blocks))
	return types.StepOK, nil
}

// CurrentStep returns the active or last step index.
func (r *StepReader) CurrentStep() uint64 { return r.tracker.Current() }

// Get extracts a variable from the active step into dst. The variable must
// belong to the reader's bound scope. Every block the variable contributed
// is applied, so a reader window spanning several writer blocks assembles
// from all of them. A variable absent from the current step reports
// ErrNotYetAvailable when it appeared in an earlier step and ErrNotFound
// when it never has.
func (r *StepReader) Get(v *core.Variable, dst any) error {
	if err := r.tracker.Require(); err != nil {
		return err
	}
	if err := requireOwned(r.io, v, "StepReader", "Get"); err != nil {
		return err
	}

	reg := r.io.OperatorRegistry()
	found := false
	for i := range r.current.Blocks {
		blk := &r.current.Blocks[i]
		if blk.Name != v.Name() {
			continue
		}
		found = true
		if err := ExtractBlock(reg, blk, v, dst); err != nil {
			return err
		}
	}
	if !found {
		if _, ever := r.known[v.Name()]; !ever {
			return errors.WrapInvalid(
				fmt.Errorf("variable %q has not appeared in any step: %w", v.Name(), errors.ErrNotFound),
				"StepReader", "Get", "variable lookup")
		}
		return errors.WrapInvalid(
			fmt.Errorf("variable %q not in step %d: %w", v.Name(), r.current.Step, errors.ErrNotYetAvailable),
			"StepReader", "Get", "variable lookup")
	}
	v.NoteIO()
	return nil
}

// EndStep releases the active step.
func (r *StepReader) EndStep() error {
	if err := r.tracker.Require(); err != nil {
		return err
	}
	r.current = nil
	return r.tracker.End()
}

// AvailableVariables lists the names present in the active step, sorted.
func (r *StepReader) AvailableVariables() []string {
	if r.tracker.Require() != nil || r.current == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(r.current.Blocks))
	for i := range r.current.Blocks {
		seen[r.current.Blocks[i].Name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close seals the reader and releases the sink.
func (r *StepReader) Close() {
	r.tracker.Close()
	r.sink.Close()
	r.current = nil
}
