// Package config loads declarative scope configuration. A config file
// describes IO scopes the way code would: variables with their types and
// shapes, operator chains, attached transports, the engine binding and its
// parameters. Applications load one file and materialize every scope from
// it instead of repeating Define/Add calls per run.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rupertnash/adios2/errors"
	"github.com/rupertnash/adios2/types"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "ADIOS2"

// Config is the root of a configuration file.
type Config struct {
	Version string                 `yaml:"version"`
	Metrics MetricsConfig          `yaml:"metrics"`
	Scopes  map[string]ScopeConfig `yaml:"scopes"`
}

// MetricsConfig controls the optional metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// ScopeConfig declares one IO scope.
type ScopeConfig struct {
	Engine     string                    `yaml:"engine"`
	Parameters map[string]string         `yaml:"parameters"`
	Variables  map[string]VariableConfig `yaml:"variables"`
	Transports []TransportConfig         `yaml:"transports"`
}

// VariableConfig declares one variable inside a scope.
type VariableConfig struct {
	Type       string            `yaml:"type"`
	Kind       string            `yaml:"kind"`
	Shape      []uint64          `yaml:"shape"`
	Operations []OperationConfig `yaml:"operations"`
}

// OperationConfig declares one operator on a variable's chain.
type OperationConfig struct {
	Kind   string            `yaml:"kind"`
	Params map[string]string `yaml:"params"`
}

// TransportConfig declares one attached transport.
type TransportConfig struct {
	Protocol string            `yaml:"protocol"`
	Params   map[string]string `yaml:"params"`
}

// Load reads, parses and validates a configuration file. Environment
// overrides are applied before validation.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapInvalid(
				fmt.Errorf("config %s: %w", path, errors.ErrFileNotFound),
				"config", "Load", "file read")
		}
		return nil, errors.Wrap(err, "config", "Load", "file read")
	}
	return Parse(raw)
}

// Parse builds a validated Config from raw YAML.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%v: %w", err, errors.ErrInvalidArgument),
			"config", "Parse", "yaml decode")
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays environment variables on file values. Only settings
// that make sense per deployment rather than per experiment are
// overridable.
func (c *Config) applyEnv() {
	if val := os.Getenv(EnvPrefix + "_METRICS_ADDR"); val != "" {
		c.Metrics.Addr = val
		c.Metrics.Enabled = true
	}
	if val := os.Getenv(EnvPrefix + "_METRICS_PATH"); val != "" {
		c.Metrics.Path = val
	}
}

// Validate checks every scope declaration for well-formed types, kinds and
// shapes. Protocol and operator names are checked later against live
// registries; the file alone cannot know what is compiled in.
func (c *Config) Validate() error {
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return invalid("metrics enabled without an addr")
	}

	for name, scope := range c.Scopes {
		if name == "" {
			return invalid("scope with empty name")
		}
		if err := scope.validate(); err != nil {
			return errors.Wrap(err, "config", "Validate", "scope "+name)
		}
	}
	return nil
}

func (s *ScopeConfig) validate() error {
	for name, v := range s.Variables {
		if name == "" {
			return invalid("variable with empty name")
		}
		if _, err := types.ParseDataType(v.Type); err != nil {
			return invalid(fmt.Sprintf("variable %s: %v", name, err))
		}
		kind, err := types.ParseShapeKind(v.kindOrDefault())
		if err != nil {
			return invalid(fmt.Sprintf("variable %s: %v", name, err))
		}
		if kind == types.ShapeValue && len(v.Shape) != 0 {
			return invalid(fmt.Sprintf("variable %s: scalar with a shape", name))
		}
		if kind != types.ShapeValue && len(v.Shape) == 0 {
			return invalid(fmt.Sprintf("variable %s: array without a shape", name))
		}
		for _, op := range v.Operations {
			if op.Kind == "" {
				return invalid(fmt.Sprintf("variable %s: operation without a kind", name))
			}
		}
	}
	for i, tr := range s.Transports {
		if tr.Protocol == "" {
			return invalid(fmt.Sprintf("transport %d: no protocol", i))
		}
	}
	return nil
}

// DataType resolves the declared type name.
func (v *VariableConfig) DataType() (types.DataType, error) {
	return types.ParseDataType(v.Type)
}

// ShapeKind resolves the declared kind name. An omitted kind means a
// global array when a shape is present and a scalar otherwise.
func (v *VariableConfig) ShapeKind() (types.ShapeKind, error) {
	return types.ParseShapeKind(v.kindOrDefault())
}

func (v *VariableConfig) kindOrDefault() string {
	if v.Kind != "" {
		return strings.ToLower(v.Kind)
	}
	if len(v.Shape) == 0 {
		return types.ShapeValue.String()
	}
	return types.ShapeGlobalArray.String()
}

func invalid(msg string) error {
	return errors.WrapInvalid(
		fmt.Errorf("%s: %w", msg, errors.ErrInvalidArgument),
		"config", "Validate", "declaration check")
}
