// Package engine defines the step-oriented data movement engine: the object
// a simulation or analysis holds between Open and Close. An engine moves
// whole steps - every variable Put between BeginStep and EndStep travels as
// one atomically-published frame, and a reader observes a step entirely or
// not at all. Implementations register by type name; the scope's engine
// binding selects one at Open.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rupertnash/adios2/core"
	"github.com/rupertnash/adios2/errors"
	"github.com/rupertnash/adios2/metric"
	"github.com/rupertnash/adios2/types"
)

// Engine is an open step stream.
type Engine interface {
	// Name returns the stream name given at Open.
	Name() string

	// Type returns the registered engine type.
	Type() string

	// Mode returns the open mode.
	Mode() types.Mode

	// BeginStep opens the next step. Writers always get StepOK; readers
	// get StepOK when a step is available within the timeout,
	// StepNotReady when the timeout lapses first, and StepEndOfStream
	// once the writer has closed and every step is consumed. A zero
	// timeout polls; a negative timeout waits indefinitely.
	BeginStep(ctx context.Context, timeout time.Duration) (types.StepStatus, error)

	// CurrentStep returns the step index of the active or last step.
	CurrentStep() uint64

	// Put stages one variable's data for the active step. data is []byte
	// for host memory or *devmem.Buffer when the variable's memory space
	// is the device. The bytes are consumed immediately; the caller may
	// reuse the buffer after Put returns.
	Put(v *core.Variable, data any) error

	// Get retrieves one variable's data from the active step into dst,
	// honoring the variable's selection. dst is []byte or *devmem.Buffer
	// under the same rules as Put.
	Get(v *core.Variable, dst any) error

	// EndStep publishes (writer) or releases (reader) the active step.
	EndStep(ctx context.Context) error

	// AvailableVariables lists the variables present in the active step,
	// sorted by name. Readers only.
	AvailableVariables() []string

	// Close ends the stream. A writer publishes its end-of-stream marker;
	// a reader releases its channels. Close is idempotent.
	Close(ctx context.Context) error
}

// Deps carries the shared services an engine needs, injected at Open.
type Deps struct {
	Logger  *slog.Logger
	Metrics *metric.MetricsRegistry
}

// Factory builds an engine of one type. The scope is frozen before the
// factory runs.
type Factory func(name string, mode types.Mode, io *core.IO, deps Deps) (Engine, error)

// Registry maps engine type names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty engine registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds an engine type.
func (r *Registry) Register(engineType string, factory Factory) error {
	if engineType == "" || factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidArgument, "Registry", "Register", "engine type registration")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.factories[engineType]; dup {
		return errors.WrapInvalid(
			fmt.Errorf("engine type %q already registered: %w", engineType, errors.ErrInvalidArgument),
			"Registry", "Register", "duplicate engine type")
	}
	r.factories[engineType] = factory
	return nil
}

// Open freezes the scope and builds an engine of the named type. An empty
// type falls back to the default streaming engine.
func (r *Registry) Open(name string, engineType string, mode types.Mode, io *core.IO, deps Deps) (Engine, error) {
	// engine names are case-insensitive, matching common usage like "BPFile"
	engineType = strings.ToLower(engineType)
	if engineType == "" {
		engineType = DefaultType
	}

	r.mu.RLock()
	factory, ok := r.factories[engineType]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("no engine type %q (known: %v): %w", engineType, r.Types(), errors.ErrInvalidArgument),
			"Registry", "Open", "engine type lookup")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With("engine", engineType, "stream", name, "mode", mode.String())

	io.Freeze()
	eng, err := factory(name, mode, io, deps)
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "Open", "opening "+engineType+" engine")
	}
	deps.Logger.Info("engine open")
	return eng, nil
}

// Types returns the registered engine type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultType is the engine used when a scope never calls SetEngine.
const DefaultType = "dataman"
