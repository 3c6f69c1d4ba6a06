package operator_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rupertnash/adios2/errors"
	"github.com/rupertnash/adios2/operator"
	"github.com/rupertnash/adios2/operator/quantize"
	"github.com/rupertnash/adios2/operator/zstd"
	"github.com/rupertnash/adios2/types"
)

func newRegistry(t *testing.T) *operator.Registry {
	t.Helper()
	r := operator.NewRegistry()
	require.NoError(t, quantize.Register(r))
	require.NoError(t, zstd.Register(r))
	return r
}

func TestRegistryUnknownKind(t *testing.T) {
	r := newRegistry(t)
	_, err := r.New("sz", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))
}

func TestRegistryUnknownParameterKey(t *testing.T) {
	r := newRegistry(t)
	_, err := r.New("zstd", map[string]string{"accuracy": "0.1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownParameter),
		"unknown keys must fail at definition time")
}

func TestRegistryDuplicateKind(t *testing.T) {
	r := newRegistry(t)
	err := zstd.Register(r)
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))
}

func TestRegistryKinds(t *testing.T) {
	r := newRegistry(t)
	assert.Equal(t, []string{"quantize", "zstd"}, r.Kinds())
}

func TestParseTolerance(t *testing.T) {
	v, err := operator.ParseTolerance("0.25")
	require.NoError(t, err)
	assert.Equal(t, 0.25, v)

	for _, bad := range []string{"-1", "abc", "NaN", "+Inf"} {
		_, err := operator.ParseTolerance(bad)
		assert.Error(t, err, bad)
	}
}

// Losslessly chained operators must reproduce the input exactly, applying in
// attachment order on encode and the mirror order on decode.
func TestChainRoundTripLossless(t *testing.T) {
	r := newRegistry(t)

	z1, err := r.New("zstd", map[string]string{"level": "1"})
	require.NoError(t, err)
	z2, err := r.New("zstd", nil)
	require.NoError(t, err)

	src := make([]byte, 4096)
	for i := range src {
		src[i] = byte(i % 7)
	}
	shape := types.Dims{512}

	payload, recs, err := operator.ApplyChain([]operator.Operator{z1, z2}, src, shape, types.TypeInt64)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "zstd", recs[0].Kind)

	out, err := operator.ReverseChain(r, recs, payload, shape, types.TypeInt64)
	require.NoError(t, err)
	assert.Equal(t, src, out)
}

// A lossy stage followed by a lossless stage must decode to exactly what the
// lossy stage encoded: error is introduced once, at the lossy Encode.
func TestChainLossyThenLossless(t *testing.T) {
	r := newRegistry(t)

	q, err := r.New("quantize", map[string]string{"tolerance": "0.01"})
	require.NoError(t, err)
	z, err := r.New("zstd", nil)
	require.NoError(t, err)

	src := make([]byte, 800)
	for i := 0; i < 100; i++ {
		v := uint64(0x3ff0000000000000 + i) // distinct doubles near 1.0
		for b := 0; b < 8; b++ {
			src[i*8+b] = byte(v >> (8 * b))
		}
	}
	shape := types.Dims{100}

	// Reference: quantize alone
	qEnc, qMeta, err := q.Encode(src, shape, types.TypeFloat64)
	require.NoError(t, err)
	want, err := q.Decode(qEnc, qMeta, shape, types.TypeFloat64)
	require.NoError(t, err)

	payload, recs, err := operator.ApplyChain([]operator.Operator{q, z}, src, shape, types.TypeFloat64)
	require.NoError(t, err)
	got, err := operator.ReverseChain(r, recs, payload, shape, types.TypeFloat64)
	require.NoError(t, err)

	assert.Equal(t, want, got, "chained decode must equal the lossy stage's own decode")
}

func TestReverseChainUnknownKind(t *testing.T) {
	r := newRegistry(t)

	z, err := r.New("zstd", nil)
	require.NoError(t, err)
	payload, wireRecs, err := operator.ApplyChain([]operator.Operator{z}, []byte("data"), types.Dims{4}, types.TypeUint8)
	require.NoError(t, err)

	wireRecs[0].Kind = "mystery"
	_, err = operator.ReverseChain(r, wireRecs, payload, types.Dims{4}, types.TypeUint8)
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))
}
