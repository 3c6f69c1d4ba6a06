package transport

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/rupertnash/adios2/errors"
)

// Factory builds a transport from validated parameters. Index is the stable
// position the engine assigned the transport at attach time.
type Factory func(index int, params map[string]string, logger *slog.Logger) (Transport, error)

// VetFunc runs protocol-specific parameter checks beyond key acceptance.
// It must not perform I/O: attach-time validation is cheap, establishment
// is deferred to Open.
type VetFunc func(params map[string]string) error

type registration struct {
	accepted map[string]struct{}
	factory  Factory
	vet      VetFunc
}

// Registry maps protocol names to transport factories. Validation at attach
// time rejects unknown protocols and unknown parameter keys so configuration
// mistakes surface before any channel is established.
type Registry struct {
	mu        sync.RWMutex
	protocols map[string]registration
}

// NewRegistry creates an empty protocol registry.
func NewRegistry() *Registry {
	return &Registry{protocols: make(map[string]registration)}
}

// Register adds a protocol. acceptedKeys lists every parameter key the
// protocol understands; vet may be nil.
func (r *Registry) Register(protocol string, acceptedKeys []string, factory Factory, vet VetFunc) error {
	if protocol == "" {
		return errors.WrapInvalid(errors.ErrInvalidArgument, "Registry", "Register", "protocol name is empty")
	}
	if factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidArgument, "Registry", "Register", "nil factory for "+protocol)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.protocols[protocol]; dup {
		return errors.WrapInvalid(errors.ErrInvalidArgument, "Registry", "Register", "protocol already registered: "+protocol)
	}
	accepted := make(map[string]struct{}, len(acceptedKeys))
	for _, k := range acceptedKeys {
		accepted[k] = struct{}{}
	}
	r.protocols[protocol] = registration{accepted: accepted, factory: factory, vet: vet}
	return nil
}

// Validate checks a protocol name and its parameter keys without building
// anything.
func (r *Registry) Validate(protocol string, params map[string]string) error {
	r.mu.RLock()
	reg, ok := r.protocols[protocol]
	r.mu.RUnlock()

	if !ok {
		return errors.WrapInvalid(errors.ErrUnknownProtocol, "Registry", "Validate",
			fmt.Sprintf("no transport protocol %q (known: %v)", protocol, r.Protocols()))
	}
	for k := range params {
		if _, accepted := reg.accepted[k]; !accepted {
			return errors.WrapInvalid(errors.ErrUnknownParameter, "Registry", "Validate",
				fmt.Sprintf("protocol %q does not accept parameter %q", protocol, k))
		}
	}
	if reg.vet != nil {
		if err := reg.vet(params); err != nil {
			return errors.WrapInvalid(err, "Registry", "Validate", "parameters rejected for "+protocol)
		}
	}
	return nil
}

// New validates and builds a transport instance.
func (r *Registry) New(index int, protocol string, params map[string]string, logger *slog.Logger) (Transport, error) {
	if err := r.Validate(protocol, params); err != nil {
		return nil, err
	}
	r.mu.RLock()
	reg := r.protocols[protocol]
	r.mu.RUnlock()

	if logger == nil {
		logger = slog.Default()
	}
	t, err := reg.factory(index, params, logger.With("transport", protocol, "index", index))
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "New", "building "+protocol+" transport failed")
	}
	return t, nil
}

// Protocols returns the registered protocol names, sorted.
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.protocols))
	for name := range r.protocols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
