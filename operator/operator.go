// Package operator defines the per-variable transform pipeline: a named,
// parameterized, reversible byte-stream transform (possibly lossy within a
// declared tolerance) applied on the write path and mirrored on the read
// path. Operators only ever see host-addressable bytes; device staging
// happens outside the pipeline.
package operator

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/rupertnash/adios2/errors"
	"github.com/rupertnash/adios2/types"
)

// Operator is a reversible transform over a variable's payload bytes.
//
// Encode may alter values within the operator's declared tolerance; Decode
// must be exact with respect to the encoded data, so lossy error is
// introduced only once, at Encode. The side metadata returned by Encode must
// make Decode self-sufficient: given only (encoded, meta, shape, type) the
// payload is recoverable.
type Operator interface {
	// Kind returns the registered kind name (compression family).
	Kind() string

	// CheckType reports whether the operator can transform payloads of the
	// given element type. Called at attachment time so incompatible
	// combinations fail before any data moves.
	CheckType(dt types.DataType) error

	// Encode transforms src and returns the encoded bytes plus side metadata.
	Encode(src []byte, shape types.Dims, dt types.DataType) (enc []byte, meta []byte, err error)

	// Decode reverses Encode given the encoded bytes and side metadata.
	Decode(enc []byte, meta []byte, shape types.Dims, dt types.DataType) ([]byte, error)
}

// Factory constructs an operator of some kind from its parameter map.
// Factories must accept an empty parameter map: read-side decoding
// reconstructs operators from the wire kind name alone, and all state Decode
// needs travels in the side metadata.
type Factory func(params map[string]string) (Operator, error)

type registration struct {
	factory      Factory
	acceptedKeys map[string]struct{}
}

// Registry maps operator kind names to factories, validating parameter keys
// against each kind's accepted set at definition time.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]registration
}

// NewRegistry creates an empty operator registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]registration)}
}

// Register adds an operator kind with its accepted parameter keys.
func (r *Registry) Register(kind string, acceptedKeys []string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if kind == "" || factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidArgument,
			"OperatorRegistry", "Register", "kind and factory validation")
	}
	if _, exists := r.kinds[kind]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("operator kind %q already registered: %w", kind, errors.ErrInvalidArgument),
			"OperatorRegistry", "Register", "duplicate kind")
	}

	keys := make(map[string]struct{}, len(acceptedKeys))
	for _, k := range acceptedKeys {
		keys[k] = struct{}{}
	}
	r.kinds[kind] = registration{factory: factory, acceptedKeys: keys}
	return nil
}

// Kinds returns the registered kind names, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New constructs an operator, failing fast on unknown kinds and unknown
// parameter keys. Parameter value validation (e.g. a malformed tolerance)
// is the factory's responsibility and also fails here, at definition time.
func (r *Registry) New(kind string, params map[string]string) (Operator, error) {
	r.mu.RLock()
	reg, ok := r.kinds[kind]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("operator kind %q: %w", kind, errors.ErrInvalidArgument),
			"OperatorRegistry", "New", "kind lookup")
	}
	for k := range params {
		if _, accepted := reg.acceptedKeys[k]; !accepted {
			return nil, errors.WrapInvalid(
				fmt.Errorf("operator kind %q does not accept key %q: %w",
					kind, k, errors.ErrUnknownParameter),
				"OperatorRegistry", "New", "parameter validation")
		}
	}
	return reg.factory(params)
}

// Decoder constructs an operator of the given kind suitable for the read
// path. Parameters are not needed: Decode runs entirely off side metadata.
func (r *Registry) Decoder(kind string) (Operator, error) {
	return r.New(kind, nil)
}

// ParseTolerance validates a tolerance parameter value: it must parse as a
// finite, non-negative real. Used by lossy operator factories.
func ParseTolerance(raw string) (float64, error) {
	tol, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.WrapInvalid(
			fmt.Errorf("tolerance %q does not parse: %w", raw, errors.ErrInvalidArgument),
			"Operator", "ParseTolerance", "tolerance parsing")
	}
	if tol < 0 || tol != tol || tol > 1e308 {
		return 0, errors.WrapInvalid(
			fmt.Errorf("tolerance %v must be a finite non-negative real: %w", tol, errors.ErrInvalidArgument),
			"Operator", "ParseTolerance", "tolerance validation")
	}
	return tol, nil
}
