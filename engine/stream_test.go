package engine

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rupertnash/adios2/core"
	"github.com/rupertnash/adios2/errors"
	"github.com/rupertnash/adios2/operator"
	"github.com/rupertnash/adios2/operator/zstd"
	"github.com/rupertnash/adios2/pkg/buffer"
	"github.com/rupertnash/adios2/transport"
	"github.com/rupertnash/adios2/types"
)

func newStreamIO(t *testing.T, name string) *core.IO {
	t.Helper()
	ops := operator.NewRegistry()
	require.NoError(t, zstd.Register(ops))
	return core.NewIO(name, ops, transport.NewRegistry(), slog.Default())
}

// loopback wires a StepWriter's publish directly into a FrameSink. The
// returned scopes are the writer's and the reader's bound IOs.
func loopback(t *testing.T) (*StepWriter, *StepReader, *core.IO, *core.IO) {
	t.Helper()
	sink, err := NewFrameSink(16, buffer.DropOldest, slog.Default(), nil)
	require.NoError(t, err)

	writerIO := newStreamIO(t, "writer")
	readerIO := newStreamIO(t, "reader")
	readerIO.Freeze()

	w := NewStepWriter(func(_ context.Context, frame []byte) error {
		sink.Deliver(frame)
		return nil
	}, writerIO, slog.Default(), nil)
	r := NewStepReader(sink, readerIO, slog.Default(), nil)
	return w, r, writerIO, readerIO
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

func TestStepRoundTrip(t *testing.T) {
	w, r, writerIO, readerIO := loopback(t)
	ctx := context.Background()

	v, err := writerIO.DefineVariable("T", types.TypeFloat64, types.ShapeGlobalArray, types.Dims{4})
	require.NoError(t, err)
	writerIO.Freeze()

	status, err := w.BeginStep()
	require.NoError(t, err)
	require.Equal(t, types.StepOK, status)
	require.NoError(t, w.Put(v, f64bytes(1, 2, 3, 4)))
	require.NoError(t, w.EndStep(ctx))

	status, err = r.BeginStep(time.Second)
	require.NoError(t, err)
	require.Equal(t, types.StepOK, status)
	assert.Equal(t, uint64(0), r.CurrentStep())
	assert.Equal(t, []string{"T"}, r.AvailableVariables())

	rv, ok := readerIO.InquireVariable("T")
	require.True(t, ok)
	assert.Equal(t, types.TypeFloat64, rv.Type())
	assert.Equal(t, types.Dims{4}, rv.Shape())

	dst := make([]byte, 32)
	require.NoError(t, r.Get(rv, dst))
	assert.Equal(t, []float64{1, 2, 3, 4}, f64vals(dst))
	require.NoError(t, r.EndStep())
}

func TestStepReaderWindow(t *testing.T) {
	w, r, writerIO, readerIO := loopback(t)
	ctx := context.Background()

	v, err := writerIO.DefineVariable("T", types.TypeFloat64, types.ShapeGlobalArray, types.Dims{4})
	require.NoError(t, err)
	writerIO.Freeze()

	_, err = w.BeginStep()
	require.NoError(t, err)
	require.NoError(t, w.Put(v, f64bytes(10, 11, 12, 13)))
	require.NoError(t, w.EndStep(ctx))

	_, err = r.BeginStep(time.Second)
	require.NoError(t, err)

	rv, ok := readerIO.InquireVariable("T")
	require.True(t, ok)
	require.NoError(t, rv.SetSelection(types.Dims{1}, types.Dims{2}))

	dst := make([]byte, 16)
	require.NoError(t, r.Get(rv, dst))
	assert.Equal(t, []float64{11, 12}, f64vals(dst))
}

func TestStepReaderMissingVariable(t *testing.T) {
	w, r, writerIO, readerIO := loopback(t)
	ctx := context.Background()

	v, err := writerIO.DefineVariable("T", types.TypeFloat64, types.ShapeGlobalArray, types.Dims{2})
	require.NoError(t, err)
	u, err := writerIO.DefineVariable("U", types.TypeFloat64, types.ShapeGlobalArray, types.Dims{2})
	require.NoError(t, err)
	writerIO.Freeze()

	// U appears in step 0 only
	_, err = w.BeginStep()
	require.NoError(t, err)
	require.NoError(t, w.Put(v, f64bytes(1, 2)))
	require.NoError(t, w.Put(u, f64bytes(3, 4)))
	require.NoError(t, w.EndStep(ctx))

	_, err = w.BeginStep()
	require.NoError(t, err)
	require.NoError(t, w.Put(v, f64bytes(5, 6)))
	require.NoError(t, w.EndStep(ctx))

	_, err = r.BeginStep(time.Second)
	require.NoError(t, err)
	require.NoError(t, r.EndStep())
	_, err = r.BeginStep(time.Second)
	require.NoError(t, err)

	ru, ok := readerIO.InquireVariable("U")
	require.True(t, ok)
	err = r.Get(ru, make([]byte, 16))
	assert.ErrorIs(t, err, errors.ErrNotYetAvailable)

	never, err := readerIO.DeclareFromStream("absent", types.TypeFloat64, types.ShapeGlobalArray, types.Dims{2})
	require.NoError(t, err)
	err = r.Get(never, make([]byte, 16))
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestStepWriterPutOutsideStep(t *testing.T) {
	w, _, writerIO, _ := loopback(t)

	v, err := writerIO.DefineVariable("T", types.TypeFloat64, types.ShapeGlobalArray, types.Dims{2})
	require.NoError(t, err)

	err = w.Put(v, f64bytes(1, 2))
	assert.ErrorIs(t, err, errors.ErrNoStep)
}

func TestStepWriterRejectsForeignVariable(t *testing.T) {
	w, _, writerIO, _ := loopback(t)

	otherIO := newStreamIO(t, "other")
	foreign, err := otherIO.DefineVariable("F", types.TypeFloat64, types.ShapeGlobalArray, types.Dims{2})
	require.NoError(t, err)
	writerIO.Freeze()

	_, err = w.BeginStep()
	require.NoError(t, err)
	err = w.Put(foreign, f64bytes(1, 2))
	assert.ErrorIs(t, err, errors.ErrNotFound)

	// a same-named variable on another scope is still foreign
	shadow, err := writerIO.DeclareFromStream("F", types.TypeFloat64, types.ShapeGlobalArray, types.Dims{2})
	require.NoError(t, err)
	require.NoError(t, w.Put(shadow, f64bytes(1, 2)))
	assert.ErrorIs(t, w.Put(foreign, f64bytes(1, 2)), errors.ErrNotFound)
}

func TestStepReaderRejectsForeignVariable(t *testing.T) {
	w, r, writerIO, _ := loopback(t)
	ctx := context.Background()

	v, err := writerIO.DefineVariable("T", types.TypeFloat64, types.ShapeGlobalArray, types.Dims{2})
	require.NoError(t, err)
	writerIO.Freeze()

	_, err = w.BeginStep()
	require.NoError(t, err)
	require.NoError(t, w.Put(v, f64bytes(1, 2)))
	require.NoError(t, w.EndStep(ctx))

	_, err = r.BeginStep(time.Second)
	require.NoError(t, err)

	err = r.Get(v, make([]byte, 16))
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestStepWriterShortBuffer(t *testing.T) {
	w, _, writerIO, _ := loopback(t)

	v, err := writerIO.DefineVariable("T", types.TypeFloat64, types.ShapeGlobalArray, types.Dims{4})
	require.NoError(t, err)

	_, err = w.BeginStep()
	require.NoError(t, err)
	err = w.Put(v, f64bytes(1, 2))
	assert.ErrorIs(t, err, errors.ErrShortBuffer)
}

func TestStepWriterCloseDuringStep(t *testing.T) {
	w, _, _, _ := loopback(t)
	ctx := context.Background()

	_, err := w.BeginStep()
	require.NoError(t, err)
	assert.ErrorIs(t, w.Close(ctx), errors.ErrStepActive)
}

func TestWriterCloseEndsStream(t *testing.T) {
	w, r, writerIO, _ := loopback(t)
	ctx := context.Background()

	v, err := writerIO.DefineVariable("T", types.TypeFloat64, types.ShapeGlobalArray, types.Dims{2})
	require.NoError(t, err)
	writerIO.Freeze()

	_, err = w.BeginStep()
	require.NoError(t, err)
	require.NoError(t, w.Put(v, f64bytes(1, 2)))
	require.NoError(t, w.EndStep(ctx))
	require.NoError(t, w.Close(ctx))
	require.NoError(t, w.Close(ctx))

	status, err := r.BeginStep(time.Second)
	require.NoError(t, err)
	require.Equal(t, types.StepOK, status)
	require.NoError(t, r.EndStep())

	status, err = r.BeginStep(time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.StepEndOfStream, status)
}

func TestOperatorPipelineRoundTrip(t *testing.T) {
	w, r, writerIO, readerIO := loopback(t)
	ctx := context.Background()

	v, err := writerIO.DefineVariable("T", types.TypeFloat64, types.ShapeGlobalArray, types.Dims{64})
	require.NoError(t, err)
	require.NoError(t, writerIO.AddOperation("T", "zstd", nil))
	writerIO.Freeze()

	vals := make([]float64, 64)
	for i := range vals {
		vals[i] = float64(i % 8)
	}

	_, err = w.BeginStep()
	require.NoError(t, err)
	require.NoError(t, w.Put(v, f64bytes(vals...)))
	require.NoError(t, w.EndStep(ctx))

	_, err = r.BeginStep(time.Second)
	require.NoError(t, err)

	rv, ok := readerIO.InquireVariable("T")
	require.True(t, ok)
	dst := make([]byte, 64*8)
	require.NoError(t, r.Get(rv, dst))
	assert.Equal(t, vals, f64vals(dst))
}
