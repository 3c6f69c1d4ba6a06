package adios2

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rupertnash/adios2/core"
	"github.com/rupertnash/adios2/engine"
	"github.com/rupertnash/adios2/engine/bpfile"
	"github.com/rupertnash/adios2/engine/bpkv"
	"github.com/rupertnash/adios2/engine/dataman"
	"github.com/rupertnash/adios2/errors"
	"github.com/rupertnash/adios2/metric"
	"github.com/rupertnash/adios2/operator"
	"github.com/rupertnash/adios2/operator/quantize"
	"github.com/rupertnash/adios2/operator/zstd"
	"github.com/rupertnash/adios2/transport"
	"github.com/rupertnash/adios2/transport/file"
	"github.com/rupertnash/adios2/transport/inproc"
	"github.com/rupertnash/adios2/transport/natspub"
	"github.com/rupertnash/adios2/transport/ws"
	"github.com/rupertnash/adios2/types"
)

// ADIOS is the top-level object an application holds. It owns the operator,
// transport and engine registries and the IO scopes declared on it.
type ADIOS struct {
	logger        *slog.Logger
	metrics       *metric.MetricsRegistry
	metricsServer *metric.Server

	operators  *operator.Registry
	transports *transport.Registry
	engines    *engine.Registry

	mu  sync.Mutex
	ios map[string]*IO
}

// New creates an ADIOS instance with the built-in operators, transports and
// engines registered.
func New(opts ...Option) (*ADIOS, error) {
	a := &ADIOS{
		logger:     slog.Default(),
		operators:  operator.NewRegistry(),
		transports: transport.NewRegistry(),
		engines:    engine.NewRegistry(),
		ios:        make(map[string]*IO),
	}
	for _, opt := range opts {
		opt(a)
	}

	for _, register := range []func(*operator.Registry) error{
		quantize.Register,
		zstd.Register,
	} {
		if err := register(a.operators); err != nil {
			return nil, err
		}
	}
	for _, register := range []func(*transport.Registry) error{
		inproc.Register,
		natspub.Register,
		ws.Register,
		file.Register,
	} {
		if err := register(a.transports); err != nil {
			return nil, err
		}
	}
	for _, register := range []func(*engine.Registry) error{
		dataman.Register,
		bpfile.Register,
		bpkv.Register,
	} {
		if err := register(a.engines); err != nil {
			return nil, err
		}
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Start(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// OperatorRegistry exposes the operator registry for external plugins.
func (a *ADIOS) OperatorRegistry() *operator.Registry { return a.operators }

// TransportRegistry exposes the transport registry for external plugins.
func (a *ADIOS) TransportRegistry() *transport.Registry { return a.transports }

// EngineRegistry exposes the engine registry for external plugins.
func (a *ADIOS) EngineRegistry() *engine.Registry { return a.engines }

// DeclareIO creates a named IO scope. Scope names are unique per instance.
func (a *ADIOS) DeclareIO(name string) (*IO, error) {
	if name == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidArgument, "ADIOS", "DeclareIO", "empty scope name")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, dup := a.ios[name]; dup {
		return nil, errors.WrapInvalid(
			fmt.Errorf("scope %q already declared: %w", name, errors.ErrInvalidArgument),
			"ADIOS", "DeclareIO", "scope declaration")
	}
	io := &IO{
		IO:    core.NewIO(name, a.operators, a.transports, a.logger.With("io", name)),
		adios: a,
	}
	a.ios[name] = io
	return io, nil
}

// AtIO returns a previously declared scope.
func (a *ADIOS) AtIO(name string) (*IO, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	io, ok := a.ios[name]
	return io, ok
}

// Close releases instance-wide resources. Engines opened from this instance
// must be closed first; Close does not track them.
func (a *ADIOS) Close(ctx context.Context) error {
	if a.metricsServer != nil {
		return a.metricsServer.Stop(ctx)
	}
	return nil
}

// IO is a declared scope bound to its owning instance. It embeds the core
// scope, so variable definition, operator attachment and transport
// attachment all happen directly on it; Open turns the declaration into a
// live engine.
type IO struct {
	*core.IO
	adios *ADIOS
}

// Open builds the scope's bound engine over a named stream. The scope
// freezes: no definitions may be added after the first Open.
func (io *IO) Open(name string, mode types.Mode) (engine.Engine, error) {
	return io.adios.engines.Open(name, io.EngineType(), mode, io.IO, engine.Deps{
		Logger:  io.adios.logger,
		Metrics: io.adios.metrics,
	})
}
