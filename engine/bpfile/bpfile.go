// Package bpfile persists a step stream to a frame log on disk. A writer
// appends one record per step and one end-of-stream marker on Close; a
// reader tails the log, so it can start before the writer and follow the
// stream as it grows. Append mode reopens an existing log and continues
// step numbering where the previous run stopped.
package bpfile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/rupertnash/adios2/core"
	"github.com/rupertnash/adios2/engine"
	"github.com/rupertnash/adios2/errors"
	"github.com/rupertnash/adios2/metric"
	"github.com/rupertnash/adios2/pkg/buffer"
	"github.com/rupertnash/adios2/pkg/framelog"
	"github.com/rupertnash/adios2/pkg/wire"
	"github.com/rupertnash/adios2/types"
)

// Type is the registered engine type.
const Type = "bpfile"

// KeyPath overrides where the frame log lives. Without it the log is the
// stream name with a ".bp" suffix in the working directory.
const KeyPath = "path"

const (
	pollInterval = 50 * time.Millisecond
	readerQueue  = 256
)

// Register installs the bpfile engine into an engine registry.
func Register(r *engine.Registry) error {
	return r.Register(Type, New)
}

// Engine is an open bpfile stream.
type Engine struct {
	name    string
	path    string
	mode    types.Mode
	logger  *slog.Logger
	metrics *metric.EngineMetrics

	log    *framelog.Log
	writer *engine.StepWriter

	reader *engine.StepReader
	sink   *engine.FrameSink
	stop   chan struct{}
	done   sync.WaitGroup

	closed bool
}

// New opens a bpfile engine backed by a frame log on disk.
func New(name string, mode types.Mode, io *core.IO, deps engine.Deps) (engine.Engine, error) {
	path := logPath(name, io.Parameters())

	em, err := metric.NewEngineMetrics(deps.Metrics, Type, name)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		name:    name,
		path:    path,
		mode:    mode,
		logger:  deps.Logger,
		metrics: em,
	}

	if mode.IsWriter() {
		if err := e.openWriter(io, deps, mode == types.ModeAppend); err != nil {
			em.Release()
			return nil, err
		}
		return e, nil
	}

	e.sink, err = engine.NewFrameSink(readerQueue, buffer.Block, deps.Logger, em)
	if err != nil {
		em.Release()
		return nil, err
	}
	e.reader = engine.NewStepReader(e.sink, io, deps.Logger, em)
	e.stop = make(chan struct{})
	e.done.Add(1)
	go e.tail()
	return e, nil
}

func (e *Engine) openWriter(io *core.IO, deps engine.Deps, resume bool) error {
	log, err := framelog.Create(e.path, resume)
	if err != nil {
		return err
	}
	e.log = log
	e.writer = engine.NewStepWriter(e.publish, io, deps.Logger, e.metrics)

	if resume {
		next, err := nextStep(log)
		if err != nil {
			log.Close()
			return err
		}
		e.writer.Resume(next)
		e.logger.Info("appending to existing stream", "path", e.path, "next_step", next)
	}
	return nil
}

// nextStep counts the data records already in the log so an appending
// writer continues the numbering. End-of-stream markers from earlier runs
// are not steps.
func nextStep(log *framelog.Log) (uint64, error) {
	var steps uint64
	err := log.Scan(func(raw []byte) error {
		frame, err := wire.DecodeFrame(raw)
		if err != nil {
			return err
		}
		if !frame.EndOfStream {
			steps++
		}
		return nil
	})
	if err != nil {
		return 0, errors.WrapFatal(
			fmt.Errorf("existing log unreadable: %w", err),
			"bpfile", "nextStep", "log scan")
	}
	return steps, nil
}

func (e *Engine) publish(_ context.Context, frame []byte) error {
	return e.log.Append(frame)
}

// tail follows the log from the start, delivering each record to the sink
// exactly once. The log may not exist yet when the reader starts.
func (e *Engine) tail() {
	defer e.done.Done()

	var log *framelog.Log
	defer func() {
		if log != nil {
			log.Close()
		}
	}()

	var offset int64
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if log == nil {
			l, err := framelog.Open(e.path)
			if err == nil {
				log = l
			} else if !errors.Is(err, errors.ErrFileNotFound) {
				e.logger.Error("stream file unreadable", "path", e.path, "error", err)
				return
			}
		}

		for log != nil {
			frame, next, err := log.ReadAt(offset)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					e.logger.Error("stream file corrupt", "path", e.path, "offset", offset, "error", err)
					return
				}
				break
			}
			offset = next
			e.sink.Deliver(frame)
		}

		select {
		case <-e.stop:
			return
		case <-ticker.C:
		}
	}
}

// Name implements engine.Engine
func (e *Engine) Name() string { return e.name }

// Type implements engine.Engine
func (e *Engine) Type() string { return Type }

// Mode implements engine.Engine
func (e *Engine) Mode() types.Mode { return e.mode }

// Path returns the frame log location backing this stream.
func (e *Engine) Path() string { return e.path }

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
		return errors.WrapInvalid(errors.ErrUnsupportedOperation, "bpfile", "Put", "mode check")
	}
	return e.writer.Put(v, data)
}

// Get implements engine.Engine
func (e *Engine) Get(v *core.Variable, dst any) error {
	if e.mode.IsWriter() {
		return errors.WrapInvalid(errors.ErrUnsupportedOperation, "bpfile", "Get", "mode check")
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
		if err := e.log.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	} else {
		close(e.stop)
		e.done.Wait()
		e.reader.Close()
	}
	e.metrics.Release()
	e.logger.Info("engine closed", "path", e.path, "last_step", e.CurrentStep())
	return firstErr
}

func logPath(name string, params map[string]string) string {
	if p, ok := params[KeyPath]; ok && p != "" {
		return p
	}
	if filepath.Ext(name) != "" {
		return name
	}
	return name + ".bp"
}
