// Package bpkv stores a step stream in an embedded BadgerDB key-value
// store, one record per step under an ordered key. Unlike bpfile the
// stream is not tailable: a reader sees whatever steps the database holds
// at Open, so the expected lifecycle is write, close, then read. Append
// mode reopens the database and continues from the highest stored step.
package bpkv

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/rupertnash/adios2/core"
	"github.com/rupertnash/adios2/engine"
	"github.com/rupertnash/adios2/errors"
	"github.com/rupertnash/adios2/metric"
	"github.com/rupertnash/adios2/pkg/buffer"
	"github.com/rupertnash/adios2/pkg/wire"
	"github.com/rupertnash/adios2/types"
)

// Type is the registered engine type.
const Type = "bpkv"

// KeyPath overrides the database directory. Without it the directory is
// the stream name with a ".bpkv" suffix in the working directory.
const KeyPath = "path"

// Step records sort by key, so readers iterate them in step order.
const (
	stepKeyPrefix = "step/"
	eosKey        = "eos"
)

// Register installs the bpkv engine into an engine registry.
func Register(r *engine.Registry) error {
	return r.Register(Type, New)
}

// Engine is an open bpkv stream.
type Engine struct {
	name    string
	path    string
	mode    types.Mode
	logger  *slog.Logger
	metrics *metric.EngineMetrics

	db     *badger.DB
	writer *engine.StepWriter

	reader *engine.StepReader
	sink   *engine.FrameSink

	closed bool
}

// New opens a bpkv engine backed by a BadgerDB directory.
func New(name string, mode types.Mode, io *core.IO, deps engine.Deps) (engine.Engine, error) {
	path := dbPath(name, io.Parameters())

	em, err := metric.NewEngineMetrics(deps.Metrics, Type, name)
	if err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.DetectConflicts = false
	if mode == types.ModeRead {
		opts = opts.WithReadOnly(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		em.Release()
		return nil, errors.WrapTransient(
			fmt.Errorf("badger open %s: %w", path, err),
			"bpkv", "New", "database open")
	}

	e := &Engine{
		name:    name,
		path:    path,
		mode:    mode,
		logger:  deps.Logger,
		metrics: em,
		db:      db,
	}

	if mode.IsWriter() {
		e.writer = engine.NewStepWriter(e.publish, io, deps.Logger, em)
		if mode == types.ModeAppend {
			if err := e.resume(); err != nil {
				db.Close()
				em.Release()
				return nil, err
			}
		}
		return e, nil
	}

	if err := e.load(); err != nil {
		db.Close()
		em.Release()
		return nil, err
	}
	e.reader = engine.NewStepReader(e.sink, io, deps.Logger, em)
	return e, nil
}

func stepKey(step uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", stepKeyPrefix, step))
}

// publish routes data frames to ordered step keys and the end-of-stream
// marker to its own key.
func (e *Engine) publish(_ context.Context, raw []byte) error {
	frame, err := wire.DecodeFrame(raw)
	if err != nil {
		return err
	}
	key := stepKey(frame.Step)
	if frame.EndOfStream {
		key = []byte(eosKey)
	}
	err = e.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, raw)
	})
	if err != nil {
		return errors.WrapTransient(
			fmt.Errorf("store step %d: %w", frame.Step, err),
			"bpkv", "publish", "step write")
	}
	return nil
}

// resume positions an appending writer after the highest stored step and
// clears the end-of-stream marker left by the run being extended.
func (e *Engine) resume() error {
	var next uint64
	err := e.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(stepKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			next++
		}
		if err := txn.Delete([]byte(eosKey)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return nil
	})
	if err != nil {
		return errors.WrapFatal(
			fmt.Errorf("existing database unreadable: %w", err),
			"bpkv", "resume", "step scan")
	}
	e.writer.Resume(next)
	e.logger.Info("appending to existing stream", "path", e.path, "next_step", next)
	return nil
}

// load drains every stored step into the sink in key order. The sink is
// sized to hold the whole stream so nothing is dropped.
func (e *Engine) load() error {
	var frames [][]byte
	var sawEOS bool
	err := e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(stepKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			frames = append(frames, raw)
		}
		if _, err := txn.Get([]byte(eosKey)); err == nil {
			sawEOS = true
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return nil
	})
	if err != nil {
		return errors.WrapFatal(
			fmt.Errorf("database unreadable: %w", err),
			"bpkv", "load", "step scan")
	}

	capacity := len(frames) + 1
	sink, err := engine.NewFrameSink(capacity, buffer.Block, e.logger, e.metrics)
	if err != nil {
		return err
	}
	e.sink = sink
	for _, raw := range frames {
		e.sink.Deliver(raw)
	}
	if sawEOS {
		err = e.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get([]byte(eosKey))
			if err != nil {
				return err
			}
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			e.sink.Deliver(raw)
			return nil
		})
		if err != nil {
			return errors.WrapFatal(
				fmt.Errorf("end-of-stream marker unreadable: %w", err),
				"bpkv", "load", "marker read")
		}
	}
	return nil
}

// Name implements engine.Engine
func (e *Engine) Name() string { return e.name }

// Type implements engine.Engine
func (e *Engine) Type() string { return Type }

// Mode implements engine.Engine
func (e *Engine) Mode() types.Mode { return e.mode }

// Path returns the database directory backing this stream.
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
		return errors.WrapInvalid(errors.ErrUnsupportedOperation, "bpkv", "Put", "mode check")
	}
	return e.writer.Put(v, data)
}

// Get implements engine.Engine
func (e *Engine) Get(v *core.Variable, dst any) error {
	if e.mode.IsWriter() {
		return errors.WrapInvalid(errors.ErrUnsupportedOperation, "bpkv", "Get", "mode check")
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
	} else {
		e.reader.Close()
	}
	if err := e.db.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "bpkv", "Close", "database close")
	}
	e.metrics.Release()
	e.logger.Info("engine closed", "path", e.path, "last_step", e.CurrentStep())
	return firstErr
}

func dbPath(name string, params map[string]string) string {
	if p, ok := params[KeyPath]; ok && p != "" {
		return p
	}
	return name + ".bpkv"
}
