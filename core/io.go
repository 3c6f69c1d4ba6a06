package core

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/rupertnash/adios2/errors"
	"github.com/rupertnash/adios2/operator"
	"github.com/rupertnash/adios2/transport"
	"github.com/rupertnash/adios2/types"
)

// TransportSpec records one attached transport: its protocol, stable index
// and the parameters validated at attach time.
type TransportSpec struct {
	Protocol string
	Index    int
	Params   map[string]string
}

// IO is a named configuration scope. It owns variable and operator
// definitions, the engine type binding and the attached transport set. For
// streaming engines the scope freezes at the first Open; definitions made
// after that fail with ErrInvalidState.
type IO struct {
	name       string
	logger     *slog.Logger
	operators  *operator.Registry
	transports *transport.Registry

	mu           sync.RWMutex
	engineType   string
	engineParams map[string]string
	specs        []TransportSpec
	vars         map[string]*Variable
	frozen       bool
}

// NewIO creates an IO scope bound to the given operator and transport
// registries.
func NewIO(name string, operators *operator.Registry, transports *transport.Registry, logger *slog.Logger) *IO {
	if logger == nil {
		logger = slog.Default().With("io", name)
	}
	return &IO{
		name:         name,
		logger:       logger,
		operators:    operators,
		transports:   transports,
		engineParams: make(map[string]string),
		vars:         make(map[string]*Variable),
	}
}

// Name returns the scope name.
func (io *IO) Name() string { return io.name }

// Logger returns the scope's logger.
func (io *IO) Logger() *slog.Logger { return io.logger }

// OperatorRegistry returns the registry operators are resolved against.
func (io *IO) OperatorRegistry() *operator.Registry { return io.operators }

// TransportRegistry returns the registry transports are resolved against.
func (io *IO) TransportRegistry() *transport.Registry { return io.transports }

// DefineVariable declares a variable on this scope. Re-defining a name
// replaces the definition; re-defining a name an engine has already moved
// data for in this run is an error, as is any definition after the scope
// froze.
func (io *IO) DefineVariable(name string, dtype types.DataType, kind types.ShapeKind, shape types.Dims) (*Variable, error) {
	io.mu.Lock()
	defer io.mu.Unlock()

	if io.frozen {
		return nil, errors.WrapInvalid(
			fmt.Errorf("scope %q frozen by engine open: %w", io.name, errors.ErrInvalidState),
			"IO", "DefineVariable", "definition ordering")
	}
	if existing, ok := io.vars[name]; ok && existing.Touched() {
		return nil, errors.WrapInvalid(
			fmt.Errorf("variable %q already carried data this run: %w", name, errors.ErrInvalidState),
			"IO", "DefineVariable", "redefinition check")
	}

	v, err := newVariable(name, dtype, kind, shape)
	if err != nil {
		return nil, err
	}
	io.vars[name] = v
	io.logger.Debug("variable defined",
		"name", name, "type", dtype.String(), "kind", kind.String(), "shape", shape.String())
	return v, nil
}

// AddOperation resolves an operator kind against the registry, validating
// kind name, parameter keys and parameter values, then attaches it to the
// named variable. All validation happens here, at definition time.
func (io *IO) AddOperation(varName, kind string, params map[string]string) error {
	io.mu.RLock()
	v, ok := io.vars[varName]
	frozen := io.frozen
	io.mu.RUnlock()

	if frozen {
		return errors.WrapInvalid(errors.ErrInvalidState, "IO", "AddOperation", "definition ordering")
	}
	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("variable %q: %w", varName, errors.ErrNotFound),
			"IO", "AddOperation", "variable lookup")
	}
	op, err := io.operators.New(kind, params)
	if err != nil {
		return err
	}
	return v.AddOperation(op)
}

// DeclareFromStream registers a variable discovered in an incoming step.
// Unlike DefineVariable it works on a frozen scope, because the definition
// comes from the stream rather than the user. An existing definition must
// agree on type and shape kind; its shape follows the stream.
func (io *IO) DeclareFromStream(name string, dtype types.DataType, kind types.ShapeKind, shape types.Dims) (*Variable, error) {
	io.mu.Lock()
	defer io.mu.Unlock()

	if existing, ok := io.vars[name]; ok {
		if existing.Type() != dtype || existing.ShapeKind() != kind {
			return nil, errors.WrapInvalid(
				fmt.Errorf("variable %q is %s/%s in the stream but %s/%s locally: %w",
					name, dtype, kind, existing.Type(), existing.ShapeKind(), errors.ErrInvalidArgument),
				"IO", "DeclareFromStream", "definition agreement")
		}
		if kind != types.ShapeValue && !existing.Shape().Equal(shape) {
			if err := existing.SetShape(shape); err != nil {
				return nil, err
			}
		}
		return existing, nil
	}

	v, err := newVariable(name, dtype, kind, shape)
	if err != nil {
		return nil, err
	}
	io.vars[name] = v
	io.logger.Debug("variable discovered in stream",
		"name", name, "type", dtype.String(), "kind", kind.String(), "shape", shape.String())
	return v, nil
}

// InquireVariable looks up a definition by name.
func (io *IO) InquireVariable(name string) (*Variable, bool) {
	io.mu.RLock()
	defer io.mu.RUnlock()
	v, ok := io.vars[name]
	return v, ok
}

// Variables returns a snapshot of the defined variables.
func (io *IO) Variables() map[string]*Variable {
	io.mu.RLock()
	defer io.mu.RUnlock()
	out := make(map[string]*Variable, len(io.vars))
	for k, v := range io.vars {
		out[k] = v
	}
	return out
}

// SetEngine binds the engine type opened on this scope. Names are
// matched case-insensitively at Open.
func (io *IO) SetEngine(engineType string) error {
	io.mu.Lock()
	defer io.mu.Unlock()
	if io.frozen {
		return errors.WrapInvalid(errors.ErrInvalidState, "IO", "SetEngine", "definition ordering")
	}
	io.engineType = engineType
	return nil
}

// EngineType returns the bound engine type.
func (io *IO) EngineType() string {
	io.mu.RLock()
	defer io.mu.RUnlock()
	return io.engineType
}

// SetParameters merges engine-level parameters into the scope.
func (io *IO) SetParameters(params map[string]string) {
	io.mu.Lock()
	defer io.mu.Unlock()
	for k, v := range params {
		io.engineParams[k] = v
	}
}

// Parameters returns a copy of the engine-level parameters.
func (io *IO) Parameters() map[string]string {
	io.mu.RLock()
	defer io.mu.RUnlock()
	out := make(map[string]string, len(io.engineParams))
	for k, v := range io.engineParams {
		out[k] = v
	}
	return out
}

// AddTransport attaches a transport to the scope and returns its stable
// index. The protocol name and every parameter key are validated against the
// transport registry now; an unrecognized protocol or key never survives to
// Open.
func (io *IO) AddTransport(protocol string, params map[string]string) (int, error) {
	io.mu.Lock()
	defer io.mu.Unlock()

	if io.frozen {
		return 0, errors.WrapInvalid(errors.ErrInvalidState, "IO", "AddTransport", "definition ordering")
	}
	if err := io.transports.Validate(protocol, params); err != nil {
		return 0, err
	}

	index := len(io.specs)
	copied := make(map[string]string, len(params))
	for k, v := range params {
		copied[k] = v
	}
	io.specs = append(io.specs, TransportSpec{Protocol: protocol, Index: index, Params: copied})
	io.logger.Debug("transport attached", "protocol", protocol, "index", index)
	return index, nil
}

// TransportSpecs returns the attached transports in attachment order.
func (io *IO) TransportSpecs() []TransportSpec {
	io.mu.RLock()
	defer io.mu.RUnlock()
	out := make([]TransportSpec, len(io.specs))
	copy(out, io.specs)
	return out
}

// Freeze fixes the scope's topology. Streaming engines call this at Open;
// blocking engines may leave the scope open for late definition.
func (io *IO) Freeze() {
	io.mu.Lock()
	io.frozen = true
	io.mu.Unlock()
}

// Frozen reports whether the topology is fixed.
func (io *IO) Frozen() bool {
	io.mu.RLock()
	defer io.mu.RUnlock()
	return io.frozen
}
