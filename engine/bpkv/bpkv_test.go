package bpkv

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rupertnash/adios2/core"
	"github.com/rupertnash/adios2/engine"
	"github.com/rupertnash/adios2/errors"
	"github.com/rupertnash/adios2/operator"
	"github.com/rupertnash/adios2/transport"
	"github.com/rupertnash/adios2/types"
)

func newScope(t *testing.T, path string) *core.IO {
	t.Helper()
	io := core.NewIO("scope", operator.NewRegistry(), transport.NewRegistry(), slog.Default())
	io.SetParameters(map[string]string{KeyPath: path})
	return io
}

func deps() engine.Deps {
	return engine.Deps{Logger: slog.Default()}
}

func f64bytes(vals ...float64) []byte {
	out := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
	}
	return out
}

func f64vals(raw []byte) []float64 {
	out := make([]float64, len(raw)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return out
}

func writeSteps(t *testing.T, path string, first, count int) {
	t.Helper()
	ctx := context.Background()

	io := newScope(t, path)
	v, err := io.DefineVariable("T", types.TypeFloat64, types.ShapeGlobalArray, types.Dims{2})
	require.NoError(t, err)

	mode := types.ModeWrite
	if first > 0 {
		mode = types.ModeAppend
	}
	writer, err := New("stream", mode, io, deps())
	require.NoError(t, err)

	for s := first; s < first+count; s++ {
		status, err := writer.BeginStep(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, types.StepOK, status)
		assert.Equal(t, uint64(s), writer.CurrentStep())
		require.NoError(t, writer.Put(v, f64bytes(float64(s), float64(s)+0.5)))
		require.NoError(t, writer.EndStep(ctx))
	}
	require.NoError(t, writer.Close(ctx))
}

func TestWriteCloseRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.bpkv")
	writeSteps(t, path, 0, 3)

	ctx := context.Background()
	io := newScope(t, path)
	reader, err := New("stream", types.ModeRead, io, deps())
	require.NoError(t, err)

	for s := 0; s < 3; s++ {
		status, err := reader.BeginStep(ctx, time.Second)
		require.NoError(t, err)
		require.Equal(t, types.StepOK, status)
		assert.Equal(t, uint64(s), reader.CurrentStep())
		assert.Equal(t, []string{"T"}, reader.AvailableVariables())

		rv, ok := io.InquireVariable("T")
		require.True(t, ok)
		dst := make([]byte, 16)
		require.NoError(t, reader.Get(rv, dst))
		assert.Equal(t, []float64{float64(s), float64(s) + 0.5}, f64vals(dst))
		require.NoError(t, reader.EndStep(ctx))
	}

	status, err := reader.BeginStep(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.StepEndOfStream, status)
	require.NoError(t, reader.Close(ctx))
}

func TestAppendContinuesNumbering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.bpkv")
	writeSteps(t, path, 0, 2)
	writeSteps(t, path, 2, 2)

	ctx := context.Background()
	io := newScope(t, path)
	reader, err := New("stream", types.ModeRead, io, deps())
	require.NoError(t, err)
	defer reader.Close(ctx)

	// append mode clears the old marker, so all four steps read as one stream
	for s := 0; s < 4; s++ {
		status, err := reader.BeginStep(ctx, time.Second)
		require.NoError(t, err)
		require.Equal(t, types.StepOK, status, "step %d", s)
		assert.Equal(t, uint64(s), reader.CurrentStep())
		require.NoError(t, reader.EndStep(ctx))
	}

	status, err := reader.BeginStep(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.StepEndOfStream, status)
}

func TestReadWithoutMarkerDrainsThenNotReady(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.bpkv")
	ctx := context.Background()

	// a writer that never closed cleanly leaves steps but no marker
	io := newScope(t, path)
	v, err := io.DefineVariable("T", types.TypeFloat64, types.ShapeGlobalArray, types.Dims{2})
	require.NoError(t, err)
	writer, err := New("stream", types.ModeWrite, io, deps())
	require.NoError(t, err)
	_, err = writer.BeginStep(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, writer.Put(v, f64bytes(1, 2)))
	require.NoError(t, writer.EndStep(ctx))
	require.NoError(t, writer.(*Engine).db.Close())

	readIO := newScope(t, path)
	reader, err := New("stream", types.ModeRead, readIO, deps())
	require.NoError(t, err)
	defer reader.Close(ctx)

	status, err := reader.BeginStep(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, types.StepOK, status)
	require.NoError(t, reader.EndStep(ctx))

	status, err = reader.BeginStep(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, types.StepNotReady, status)
}

func TestModeMismatchedCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.bpkv")
	ctx := context.Background()

	io := newScope(t, path)
	v, err := io.DefineVariable("T", types.TypeFloat64, types.ShapeGlobalArray, types.Dims{2})
	require.NoError(t, err)

	writer, err := New("stream", types.ModeWrite, io, deps())
	require.NoError(t, err)
	defer writer.Close(ctx)

	assert.ErrorIs(t, writer.Get(v, make([]byte, 16)), errors.ErrUnsupportedOperation)
	assert.ErrorIs(t, writer.Put(v, f64bytes(1, 2)), errors.ErrNoStep)
}

func TestDefaultDBPath(t *testing.T) {
	assert.Equal(t, "out.bpkv", dbPath("out", nil))
	assert.Equal(t, "x/db", dbPath("out", map[string]string{KeyPath: "x/db"}))
}
