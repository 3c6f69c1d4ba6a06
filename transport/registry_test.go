package transport

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rupertnash/adios2/errors"
)

type nopTransport struct{ index int }

func (t *nopTransport) Protocol() string                         { return "nop" }
func (t *nopTransport) Index() int                               { return t.index }
func (t *nopTransport) SetDeliver(DeliverFunc)                   {}
func (t *nopTransport) Open(context.Context, Role, string) error { return nil }
func (t *nopTransport) WriteStep(context.Context, []byte) error  { return nil }
func (t *nopTransport) Drain(context.Context) error              { return nil }
func (t *nopTransport) Close() error                             { return nil }

func nopFactory(index int, _ map[string]string, _ *slog.Logger) (Transport, error) {
	return &nopTransport{index: index}, nil
}

func TestRegistryValidate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("nop", []string{KeyLocal, KeyTimeout}, nopFactory, nil))

	tests := []struct {
		name     string
		protocol string
		params   map[string]string
		wantErr  error
	}{
		{
			name:     "known protocol no params",
			protocol: "nop",
		},
		{
			name:     "known protocol accepted keys",
			protocol: "nop",
			params:   map[string]string{KeyLocal: "a", KeyTimeout: "1s"},
		},
		{
			name:     "unknown protocol",
			protocol: "carrier-pigeon",
			wantErr:  errors.ErrUnknownProtocol,
		},
		{
			name:     "unknown parameter key",
			protocol: "nop",
			params:   map[string]string{"bandwidth": "11"},
			wantErr:  errors.ErrUnknownParameter,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Validate(tt.protocol, tt.params)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRegistryVetRuns(t *testing.T) {
	r := NewRegistry()
	vetFn := func(params map[string]string) error {
		if params[KeyLocal] == "" {
			return errors.ErrInvalidArgument
		}
		return nil
	}
	require.NoError(t, r.Register("strict", []string{KeyLocal}, nopFactory, vetFn))

	assert.NoError(t, r.Validate("strict", map[string]string{KeyLocal: "x"}))
	assert.ErrorIs(t, r.Validate("strict", nil), errors.ErrInvalidArgument)
}

func TestRegistryDuplicateProtocol(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("nop", nil, nopFactory, nil))
	assert.ErrorIs(t, r.Register("nop", nil, nopFactory, nil), errors.ErrInvalidArgument)
}

func TestRegistryNewBuildsWithIndex(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("nop", []string{KeyLocal}, nopFactory, nil))

	tr, err := r.New(3, "nop", map[string]string{KeyLocal: "addr"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, tr.Index())

	_, err = r.New(0, "nop", map[string]string{"mystery": "1"}, nil)
	assert.ErrorIs(t, err, errors.ErrUnknownParameter)
}

func TestParseTolerances(t *testing.T) {
	got, err := ParseTolerances("0.01, 0.5,0")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.01, 0.5, 0}, got)

	got, err = ParseTolerances("")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = ParseTolerances("-1")
	assert.Error(t, err)
	_, err = ParseTolerances("lossless")
	assert.Error(t, err)
}

func TestParseTimeout(t *testing.T) {
	d, err := ParseTimeout(map[string]string{KeyTimeout: "250ms"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	d, err = ParseTimeout(nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	_, err = ParseTimeout(map[string]string{KeyTimeout: "soon"}, time.Second)
	assert.Error(t, err)
}
