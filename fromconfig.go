package adios2

import (
	"context"

	"github.com/rupertnash/adios2/config"
	"github.com/rupertnash/adios2/errors"
	"github.com/rupertnash/adios2/types"
)

// NewFromConfig builds an ADIOS instance from a configuration file and
// declares every scope it describes. Options apply before the file, so a
// WithMetricsServer option loses to the file's metrics section only when
// the file enables one.
func NewFromConfig(path string, opts ...Option) (*ADIOS, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return NewFromParsed(cfg, opts...)
}

// NewFromParsed builds an ADIOS instance from an already parsed config.
func NewFromParsed(cfg *config.Config, opts ...Option) (*ADIOS, error) {
	if cfg.Metrics.Enabled {
		opts = append(opts, WithMetricsServer(cfg.Metrics.Addr, cfg.Metrics.Path))
	}

	a, err := New(opts...)
	if err != nil {
		return nil, err
	}

	for name, scope := range cfg.Scopes {
		if err := a.declareScope(name, &scope); err != nil {
			a.Close(context.Background())
			return nil, errors.Wrap(err, "ADIOS", "NewFromParsed", "declaring scope "+name)
		}
	}
	return a, nil
}

func (a *ADIOS) declareScope(name string, scope *config.ScopeConfig) error {
	io, err := a.DeclareIO(name)
	if err != nil {
		return err
	}

	if scope.Engine != "" {
		if err := io.SetEngine(scope.Engine); err != nil {
			return err
		}
	}
	if len(scope.Parameters) > 0 {
		io.SetParameters(scope.Parameters)
	}

	for varName, v := range scope.Variables {
		dt, err := v.DataType()
		if err != nil {
			return err
		}
		kind, err := v.ShapeKind()
		if err != nil {
			return err
		}
		if _, err := io.DefineVariable(varName, dt, kind, types.Dims(v.Shape)); err != nil {
			return err
		}
		for _, op := range v.Operations {
			if err := io.AddOperation(varName, op.Kind, op.Params); err != nil {
				return err
			}
		}
	}

	for _, tr := range scope.Transports {
		if _, err := io.AddTransport(tr.Protocol, tr.Params); err != nil {
			return err
		}
	}
	return nil
}
