package operator

import (
	"fmt"

	"github.com/rupertnash/adios2/errors"
	"github.com/rupertnash/adios2/pkg/wire"
	"github.com/rupertnash/adios2/types"
)

// ApplyChain runs the operators over src in attachment order and returns the
// final payload together with the per-operator wire records (kind plus side
// metadata, in application order) that must accompany it.
func ApplyChain(ops []Operator, src []byte, shape types.Dims, dt types.DataType) ([]byte, []wire.OpRecord, error) {
	payload := src
	records := make([]wire.OpRecord, 0, len(ops))
	for _, op := range ops {
		enc, meta, err := op.Encode(payload, shape, dt)
		if err != nil {
			return nil, nil, errors.Wrap(err, "OperatorPipeline", "ApplyChain",
				fmt.Sprintf("encode with %q", op.Kind()))
		}
		records = append(records, wire.OpRecord{Kind: op.Kind(), Meta: meta})
		payload = enc
	}
	return payload, records, nil
}

// ReverseChain undoes a recorded operator chain in reverse application order,
// constructing decode-side operators from the registry by kind name.
func ReverseChain(reg *Registry, records []wire.OpRecord, payload []byte, shape types.Dims, dt types.DataType) ([]byte, error) {
	out := payload
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		op, err := reg.Decoder(rec.Kind)
		if err != nil {
			return nil, err
		}
		out, err = op.Decode(out, rec.Meta, shape, dt)
		if err != nil {
			return nil, errors.Wrap(err, "OperatorPipeline", "ReverseChain",
				fmt.Sprintf("decode with %q", rec.Kind))
		}
	}
	return out, nil
}
