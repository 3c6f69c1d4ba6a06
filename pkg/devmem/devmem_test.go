package devmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rupertnash/adios2/errors"
)

func TestStageRoundTrip(t *testing.T) {
	buf, err := Alloc(8)
	require.NoError(t, err)
	defer buf.Free()

	src := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, buf.CopyFromHost(src))

	dst := make([]byte, 8)
	require.NoError(t, buf.CopyToHost(dst))
	assert.Equal(t, src, dst)
}

func TestSizeMismatchRejected(t *testing.T) {
	buf, err := Alloc(4)
	require.NoError(t, err)
	defer buf.Free()

	assert.True(t, errors.Is(buf.CopyFromHost(make([]byte, 2)), errors.ErrShortBuffer))
	assert.True(t, errors.Is(buf.CopyToHost(make([]byte, 8)), errors.ErrShortBuffer))
}

func TestUseAfterFree(t *testing.T) {
	buf, err := Alloc(4)
	require.NoError(t, err)
	buf.Free()
	buf.Free() // idempotent

	assert.True(t, errors.Is(buf.CopyFromHost(make([]byte, 4)), errors.ErrInvalidState))
	assert.True(t, errors.Is(buf.CopyToHost(make([]byte, 4)), errors.ErrInvalidState))
}

func TestNegativeAlloc(t *testing.T) {
	_, err := Alloc(-1)
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))
}

func TestLiveBytesAccounting(t *testing.T) {
	before := LiveBytes()
	buf, err := Alloc(1024)
	require.NoError(t, err)
	assert.Equal(t, before+1024, LiveBytes())
	buf.Free()
	assert.Equal(t, before, LiveBytes())
}
