// Package zstd implements the lossless compression operator backed by
// Zstandard. Any element type is accepted; the round trip is exact.
package zstd

import (
	"fmt"
	"strconv"

	kzstd "github.com/klauspost/compress/zstd"

	"github.com/rupertnash/adios2/errors"
	"github.com/rupertnash/adios2/operator"
	"github.com/rupertnash/adios2/types"
)

// KindName is the registered operator kind.
const KindName = "zstd"

// KeyLevel selects the compression level (1 fastest .. 4 best).
const KeyLevel = "level"

// AcceptedKeys lists the parameter keys the factory recognizes.
var AcceptedKeys = []string{KeyLevel}

// Op is the lossless zstd operator instance.
type Op struct {
	enc *kzstd.Encoder
	dec *kzstd.Decoder
}

// New constructs a zstd operator. The optional level parameter must parse as
// an integer in [1,4]; a malformed level fails here, at definition time.
func New(params map[string]string) (operator.Operator, error) {
	level := kzstd.SpeedDefault
	if raw, ok := params[KeyLevel]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 4 {
			return nil, errors.WrapInvalid(
				fmt.Errorf("level %q must be an integer in [1,4]: %w", raw, errors.ErrInvalidArgument),
				"Zstd", "New", "level validation")
		}
		level = kzstd.EncoderLevel(n)
	}

	enc, err := kzstd.NewWriter(nil, kzstd.WithEncoderLevel(level))
	if err != nil {
		return nil, errors.WrapFatal(err, "Zstd", "New", "encoder init")
	}
	dec, err := kzstd.NewReader(nil)
	if err != nil {
		return nil, errors.WrapFatal(err, "Zstd", "New", "decoder init")
	}
	return &Op{enc: enc, dec: dec}, nil
}

// Register adds the zstd kind to a registry.
func Register(r *operator.Registry) error {
	return r.Register(KindName, AcceptedKeys, New)
}

// Kind returns the registered kind name.
func (o *Op) Kind() string { return KindName }

// CheckType accepts every element type; lossless compression is type-blind.
func (o *Op) CheckType(types.DataType) error { return nil }

// Encode compresses src. No side metadata is needed.
func (o *Op) Encode(src []byte, _ types.Dims, _ types.DataType) ([]byte, []byte, error) {
	return o.enc.EncodeAll(src, nil), nil, nil
}

// Decode decompresses enc exactly.
func (o *Op) Decode(enc []byte, _ []byte, _ types.Dims, _ types.DataType) ([]byte, error) {
	out, err := o.dec.DecodeAll(enc, nil)
	if err != nil {
		return nil, errors.WrapFatal(err, "Zstd", "Decode", "decompression")
	}
	return out, nil
}
