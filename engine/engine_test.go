package engine

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rupertnash/adios2/core"
	"github.com/rupertnash/adios2/errors"
	"github.com/rupertnash/adios2/operator"
	"github.com/rupertnash/adios2/transport"
	"github.com/rupertnash/adios2/types"
)

type stubEngine struct {
	name string
	mode types.Mode
}

func (s *stubEngine) Name() string      { return s.name }
func (s *stubEngine) Type() string      { return "stub" }
func (s *stubEngine) Mode() types.Mode  { return s.mode }
func (s *stubEngine) BeginStep(context.Context, time.Duration) (types.StepStatus, error) {
	return types.StepOK, nil
}
func (s *stubEngine) CurrentStep() uint64                 { return 0 }
func (s *stubEngine) Put(*core.Variable, any) error       { return nil }
func (s *stubEngine) Get(*core.Variable, any) error       { return nil }
func (s *stubEngine) EndStep(context.Context) error       { return nil }
func (s *stubEngine) AvailableVariables() []string        { return nil }
func (s *stubEngine) Close(context.Context) error         { return nil }

func stubFactory(name string, mode types.Mode, _ *core.IO, _ Deps) (Engine, error) {
	return &stubEngine{name: name, mode: mode}, nil
}

func newRegistryIO() *core.IO {
	return core.NewIO("scope", operator.NewRegistry(), transport.NewRegistry(), slog.Default())
}

func TestRegistryOpen(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("stub", stubFactory))

	io := newRegistryIO()
	eng, err := r.Open("stream", "stub", types.ModeWrite, io, Deps{})
	require.NoError(t, err)
	assert.Equal(t, "stream", eng.Name())
	assert.Equal(t, types.ModeWrite, eng.Mode())
	assert.True(t, io.Frozen())
}

func TestRegistryTypeCaseInsensitive(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("stub", stubFactory))

	eng, err := r.Open("stream", "StUb", types.ModeWrite, newRegistryIO(), Deps{})
	require.NoError(t, err)
	assert.Equal(t, "stub", eng.Type())
}

func TestRegistryUnknownType(t *testing.T) {
	r := NewRegistry()

	_, err := r.Open("stream", "nope", types.ModeRead, newRegistryIO(), Deps{})
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestRegistryEmptyTypeUsesDefault(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(DefaultType, stubFactory))

	eng, err := r.Open("stream", "", types.ModeRead, newRegistryIO(), Deps{})
	require.NoError(t, err)
	assert.Equal(t, "stub", eng.Type())
}

func TestRegistryDuplicateType(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("stub", stubFactory))
	assert.ErrorIs(t, r.Register("stub", stubFactory), errors.ErrInvalidArgument)
}

func TestRegistryTypes(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("b", stubFactory))
	require.NoError(t, r.Register("a", stubFactory))
	assert.Equal(t, []string{"a", "b"}, r.Types())
}
