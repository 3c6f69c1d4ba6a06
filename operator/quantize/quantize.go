// Package quantize implements a bounded-error lossy compressor for floating
// point arrays. Values are quantized uniformly against tolerance * max|v|,
// delta coded, and entropy compressed; the reconstruction error of every
// element divided by the maximum original magnitude is strictly below the
// declared tolerance. Side metadata carries the quantization step and element
// count so decoding needs nothing else.
package quantize

import (
	"encoding/binary"
	"fmt"
	"math"

	kzstd "github.com/klauspost/compress/zstd"

	"github.com/rupertnash/adios2/errors"
	"github.com/rupertnash/adios2/operator"
	"github.com/rupertnash/adios2/types"
)

// KindName is the registered operator kind.
const KindName = "quantize"

// KeyTolerance declares the relative error bound.
const KeyTolerance = "tolerance"

// AcceptedKeys lists the parameter keys the factory recognizes.
var AcceptedKeys = []string{KeyTolerance}

const (
	metaVersion = 1

	modeRaw       = 0 // tolerance zero: payload is compressed raw bytes
	modeQuantized = 1
	modeAllZero   = 2

	// Below this tolerance the quantization index no longer fits an int64
	minTolerance = 1e-18
)

// Op is the quantizing operator instance.
type Op struct {
	tolerance float64
	enc       *kzstd.Encoder
	dec       *kzstd.Decoder
}

// New constructs a quantize operator. The tolerance parameter must parse as
// a finite non-negative real; tolerances too small to quantize are rejected
// here, at definition time.
func New(params map[string]string) (operator.Operator, error) {
	tol := 0.0
	if raw, ok := params[KeyTolerance]; ok {
		var err error
		if tol, err = operator.ParseTolerance(raw); err != nil {
			return nil, err
		}
		if tol > 0 && tol < minTolerance {
			return nil, errors.WrapInvalid(
				fmt.Errorf("tolerance %v below quantizable minimum %v: %w",
					tol, minTolerance, errors.ErrInvalidArgument),
				"Quantize", "New", "tolerance validation")
		}
	}

	enc, err := kzstd.NewWriter(nil, kzstd.WithEncoderLevel(kzstd.SpeedDefault))
	if err != nil {
		return nil, errors.WrapFatal(err, "Quantize", "New", "zstd encoder init")
	}
	dec, err := kzstd.NewReader(nil)
	if err != nil {
		return nil, errors.WrapFatal(err, "Quantize", "New", "zstd decoder init")
	}
	return &Op{tolerance: tol, enc: enc, dec: dec}, nil
}

// Register adds the quantize kind to a registry.
func Register(r *operator.Registry) error {
	return r.Register(KindName, AcceptedKeys, New)
}

// Kind returns the registered kind name.
func (o *Op) Kind() string { return KindName }

// CheckType restricts lossy quantization to floating point payloads.
func (o *Op) CheckType(dt types.DataType) error {
	if !dt.IsFloat() {
		return errors.WrapInvalid(
			fmt.Errorf("element type %s cannot be lossy-compressed: %w",
				dt, errors.ErrUnsupportedOperation),
			"Quantize", "CheckType", "element type validation")
	}
	return nil
}

// Encode quantizes src within the declared tolerance.
func (o *Op) Encode(src []byte, _ types.Dims, dt types.DataType) ([]byte, []byte, error) {
	if err := o.CheckType(dt); err != nil {
		return nil, nil, err
	}
	if len(src)%dt.Size() != 0 {
		return nil, nil, errors.WrapInvalid(
			fmt.Errorf("payload %d bytes not a multiple of element size %d: %w",
				len(src), dt.Size(), errors.ErrInvalidArgument),
			"Quantize", "Encode", "payload size validation")
	}

	vals := unpackFloats(src, dt)
	count := uint64(len(vals))

	maxAbs := 0.0
	for _, v := range vals {
		if a := math.Abs(v); a > maxAbs {
			maxAbs = a
		}
	}

	if maxAbs == 0 {
		return nil, packMeta(modeAllZero, 0, count), nil
	}
	if o.tolerance == 0 {
		// Exact mode: compress the raw bytes, no value change
		return o.enc.EncodeAll(src, nil), packMeta(modeRaw, 0, count), nil
	}

	step := o.tolerance * maxAbs
	var prev int64
	stream := make([]byte, 0, len(vals)*2)
	for _, v := range vals {
		q := int64(math.Round(v / step))
		stream = binary.AppendVarint(stream, q-prev)
		prev = q
	}

	return o.enc.EncodeAll(stream, nil), packMeta(modeQuantized, step, count), nil
}

// Decode reconstructs the payload exactly as encoded: the lossy error was
// introduced once at Encode and does not grow here.
func (o *Op) Decode(enc []byte, meta []byte, _ types.Dims, dt types.DataType) ([]byte, error) {
	if err := o.CheckType(dt); err != nil {
		return nil, err
	}
	mode, step, count, err := unpackMeta(meta)
	if err != nil {
		return nil, err
	}

	switch mode {
	case modeAllZero:
		return make([]byte, count*uint64(dt.Size())), nil

	case modeRaw:
		raw, err := o.dec.DecodeAll(enc, nil)
		if err != nil {
			return nil, errors.WrapFatal(err, "Quantize", "Decode", "zstd decompression")
		}
		return raw, nil

	case modeQuantized:
		stream, err := o.dec.DecodeAll(enc, nil)
		if err != nil {
			return nil, errors.WrapFatal(err, "Quantize", "Decode", "zstd decompression")
		}
		vals := make([]float64, count)
		var q int64
		pos := 0
		for i := range vals {
			delta, n := binary.Varint(stream[pos:])
			if n <= 0 {
				return nil, errors.WrapFatal(errors.ErrDataCorrupted,
					"Quantize", "Decode", "varint stream")
			}
			pos += n
			q += delta
			vals[i] = float64(q) * step
		}
		return packFloats(vals, dt), nil

	default:
		return nil, errors.WrapFatal(
			fmt.Errorf("metadata mode %d: %w", mode, errors.ErrDataCorrupted),
			"Quantize", "Decode", "metadata validation")
	}
}

func packMeta(mode uint8, step float64, count uint64) []byte {
	meta := make([]byte, 0, 18)
	meta = append(meta, metaVersion, mode)
	meta = binary.LittleEndian.AppendUint64(meta, math.Float64bits(step))
	meta = binary.LittleEndian.AppendUint64(meta, count)
	return meta
}

func unpackMeta(meta []byte) (mode uint8, step float64, count uint64, err error) {
	if len(meta) != 18 || meta[0] != metaVersion {
		return 0, 0, 0, errors.WrapFatal(errors.ErrDataCorrupted,
			"Quantize", "Decode", "metadata layout")
	}
	mode = meta[1]
	step = math.Float64frombits(binary.LittleEndian.Uint64(meta[2:]))
	count = binary.LittleEndian.Uint64(meta[10:])
	return mode, step, count, nil
}

func unpackFloats(src []byte, dt types.DataType) []float64 {
	switch dt {
	case types.TypeFloat32:
		out := make([]float64, len(src)/4)
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:])))
		}
		return out
	default:
		out := make([]float64, len(src)/8)
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(src[i*8:]))
		}
		return out
	}
}

func packFloats(vals []float64, dt types.DataType) []byte {
	switch dt {
	case types.TypeFloat32:
		out := make([]byte, len(vals)*4)
		for i, v := range vals {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(float32(v)))
		}
		return out
	default:
		out := make([]byte, len(vals)*8)
		for i, v := range vals {
			binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
		}
		return out
	}
}
