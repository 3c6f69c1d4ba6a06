// Package wire implements the serialized step frame moved by transports and
// persisted by the blocking engines. A frame carries one complete step: the
// producer's stream identity, the step index, and every variable block written
// in that step together with its shape, block selection, operator chain side
// metadata and encoded payload. Frames are self-describing: a reader needs
// nothing beyond the frame to decode a step.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/rupertnash/adios2/errors"
	"github.com/rupertnash/adios2/types"
)

const (
	frameMagic   = "ADSF"
	frameVersion = 1

	flagEndOfStream = 1 << 0

	maxNameLen  = 1 << 16
	maxRank     = 32
	maxOpChain  = 16
	maxBlocks   = 1 << 20
	maxPayload  = 1 << 31
	maxMetaSize = 1 << 20
)

// OpRecord records one applied operator: its registered kind and the side
// metadata its Encode produced. Records are stored in application order;
// decoders walk them in reverse.
type OpRecord struct {
	Kind string
	Meta []byte
}

// VarBlock is one variable's contribution to a step.
type VarBlock struct {
	Name    string
	Type    types.DataType
	Kind    types.ShapeKind
	Shape   types.Dims // global shape for global arrays, local extent otherwise
	Start   types.Dims // writer block offset within Shape
	Count   types.Dims // writer block extent
	Ops     []OpRecord
	Payload []byte // payload after the operator pipeline
}

// StepFrame is one atomically-published step.
type StepFrame struct {
	StreamID    uuid.UUID
	Step        uint64
	EndOfStream bool
	Blocks      []VarBlock
}

// Encode serializes the frame with a trailing xxhash64 integrity checksum.
func (f *StepFrame) Encode() ([]byte, error) {
	if len(f.Blocks) > maxBlocks {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%d blocks exceeds frame limit: %w", len(f.Blocks), errors.ErrInvalidArgument),
			"StepFrame", "Encode", "block count validation")
	}

	e := &frameEncoder{}
	e.bytes([]byte(frameMagic))
	e.u8(frameVersion)
	var flags uint8
	if f.EndOfStream {
		flags |= flagEndOfStream
	}
	e.u8(flags)
	e.bytes(f.StreamID[:])
	e.u64(f.Step)
	e.u32(uint32(len(f.Blocks)))

	for i := range f.Blocks {
		if err := e.block(&f.Blocks[i]); err != nil {
			return nil, err
		}
	}

	sum := xxhash.Sum64(e.buf)
	e.u64(sum)
	return e.buf, nil
}

// DecodeFrame parses and verifies a serialized frame.
func DecodeFrame(data []byte) (*StepFrame, error) {
	if len(data) < len(frameMagic)+2+16+8+4+8 {
		return nil, errors.WrapFatal(
			fmt.Errorf("frame truncated at %d bytes: %w", len(data), errors.ErrDataCorrupted),
			"StepFrame", "Decode", "length validation")
	}

	body, tail := data[:len(data)-8], data[len(data)-8:]
	if xxhash.Sum64(body) != binary.LittleEndian.Uint64(tail) {
		return nil, errors.WrapFatal(errors.ErrChecksumFailed,
			"StepFrame", "Decode", "frame checksum")
	}

	d := &frameDecoder{buf: body}
	magic, err := d.take(len(frameMagic))
	if err != nil {
		return nil, err
	}
	if string(magic) != frameMagic {
		return nil, errors.WrapFatal(
			fmt.Errorf("bad magic %q: %w", magic, errors.ErrDataCorrupted),
			"StepFrame", "Decode", "magic validation")
	}
	version, err := d.u8()
	if err != nil {
		return nil, err
	}
	if version != frameVersion {
		return nil, errors.WrapInvalid(
			fmt.Errorf("frame version %d not supported: %w", version, errors.ErrInvalidArgument),
			"StepFrame", "Decode", "version validation")
	}
	flags, err := d.u8()
	if err != nil {
		return nil, err
	}

	f := &StepFrame{EndOfStream: flags&flagEndOfStream != 0}
	id, err := d.take(16)
	if err != nil {
		return nil, err
	}
	copy(f.StreamID[:], id)
	if f.Step, err = d.u64(); err != nil {
		return nil, err
	}
	nblocks, err := d.u32()
	if err != nil {
		return nil, err
	}
	if nblocks > maxBlocks {
		return nil, errors.WrapFatal(
			fmt.Errorf("%d blocks exceeds frame limit: %w", nblocks, errors.ErrDataCorrupted),
			"StepFrame", "Decode", "block count validation")
	}

	f.Blocks = make([]VarBlock, 0, nblocks)
	for i := uint32(0); i < nblocks; i++ {
		blk, err := d.block()
		if err != nil {
			return nil, err
		}
		f.Blocks = append(f.Blocks, blk)
	}
	return f, nil
}

// Block returns the named variable block, if present in the frame.
func (f *StepFrame) Block(name string) (*VarBlock, bool) {
	for i := range f.Blocks {
		if f.Blocks[i].Name == name {
			return &f.Blocks[i], true
		}
	}
	return nil, false
}

type frameEncoder struct {
	buf []byte
}

func (e *frameEncoder) bytes(b []byte) { e.buf = append(e.buf, b...) }
func (e *frameEncoder) u8(v uint8)     { e.buf = append(e.buf, v) }

func (e *frameEncoder) u16(v uint16) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
}

func (e *frameEncoder) u32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *frameEncoder) u64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

func (e *frameEncoder) str(s string) error {
	if len(s) >= maxNameLen {
		return errors.WrapInvalid(
			fmt.Errorf("string length %d: %w", len(s), errors.ErrInvalidArgument),
			"StepFrame", "Encode", "string length validation")
	}
	e.u16(uint16(len(s)))
	e.bytes([]byte(s))
	return nil
}

func (e *frameEncoder) dims(d types.Dims) error {
	if len(d) > maxRank {
		return errors.WrapInvalid(
			fmt.Errorf("rank %d exceeds limit %d: %w", len(d), maxRank, errors.ErrInvalidArgument),
			"StepFrame", "Encode", "rank validation")
	}
	e.u8(uint8(len(d)))
	for _, n := range d {
		e.u64(n)
	}
	return nil
}

func (e *frameEncoder) block(b *VarBlock) error {
	if err := e.str(b.Name); err != nil {
		return err
	}
	e.u8(uint8(b.Type))
	e.u8(uint8(b.Kind))
	if err := e.dims(b.Shape); err != nil {
		return err
	}
	if err := e.dims(b.Start); err != nil {
		return err
	}
	if err := e.dims(b.Count); err != nil {
		return err
	}

	if len(b.Ops) > maxOpChain {
		return errors.WrapInvalid(
			fmt.Errorf("%d operators exceeds chain limit: %w", len(b.Ops), errors.ErrInvalidArgument),
			"StepFrame", "Encode", "operator chain validation")
	}
	e.u8(uint8(len(b.Ops)))
	for _, op := range b.Ops {
		if err := e.str(op.Kind); err != nil {
			return err
		}
		if len(op.Meta) > maxMetaSize {
			return errors.WrapInvalid(
				fmt.Errorf("side metadata %d bytes: %w", len(op.Meta), errors.ErrInvalidArgument),
				"StepFrame", "Encode", "side metadata validation")
		}
		e.u32(uint32(len(op.Meta)))
		e.bytes(op.Meta)
	}

	if len(b.Payload) > maxPayload {
		return errors.WrapInvalid(
			fmt.Errorf("payload %d bytes: %w", len(b.Payload), errors.ErrInvalidArgument),
			"StepFrame", "Encode", "payload size validation")
	}
	e.u64(uint64(len(b.Payload)))
	e.bytes(b.Payload)
	// Per-payload checksum so corruption is attributable to one variable
	e.u64(xxhash.Sum64(b.Payload))
	return nil
}

type frameDecoder struct {
	buf []byte
	pos int
}

func (d *frameDecoder) take(n int) ([]byte, error) {
	if d.pos+n > len(d.buf) {
		return nil, errors.WrapFatal(
			fmt.Errorf("frame truncated at offset %d: %w", d.pos, errors.ErrDataCorrupted),
			"StepFrame", "Decode", "buffer bounds")
	}
	out := d.buf[d.pos : d.pos+n]
	d.pos += n
	return out, nil
}

func (d *frameDecoder) u8() (uint8, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *frameDecoder) u16() (uint16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (d *frameDecoder) u32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *frameDecoder) u64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (d *frameDecoder) str() (string, error) {
	n, err := d.u16()
	if err != nil {
		return "", err
	}
	b, err := d.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *frameDecoder) dims() (types.Dims, error) {
	rank, err := d.u8()
	if err != nil {
		return nil, err
	}
	if rank > maxRank {
		return nil, errors.WrapFatal(
			fmt.Errorf("rank %d exceeds limit %d: %w", rank, maxRank, errors.ErrDataCorrupted),
			"StepFrame", "Decode", "rank validation")
	}
	if rank == 0 {
		return nil, nil
	}
	out := make(types.Dims, rank)
	for i := range out {
		if out[i], err = d.u64(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (d *frameDecoder) block() (VarBlock, error) {
	var b VarBlock
	var err error

	if b.Name, err = d.str(); err != nil {
		return b, err
	}
	dt, err := d.u8()
	if err != nil {
		return b, err
	}
	b.Type = types.DataType(dt)
	kind, err := d.u8()
	if err != nil {
		return b, err
	}
	b.Kind = types.ShapeKind(kind)
	if b.Shape, err = d.dims(); err != nil {
		return b, err
	}
	if b.Start, err = d.dims(); err != nil {
		return b, err
	}
	if b.Count, err = d.dims(); err != nil {
		return b, err
	}

	nops, err := d.u8()
	if err != nil {
		return b, err
	}
	if nops > maxOpChain {
		return b, errors.WrapFatal(
			fmt.Errorf("%d operators exceeds chain limit: %w", nops, errors.ErrDataCorrupted),
			"StepFrame", "Decode", "operator chain validation")
	}
	for i := uint8(0); i < nops; i++ {
		var op OpRecord
		if op.Kind, err = d.str(); err != nil {
			return b, err
		}
		mlen, err := d.u32()
		if err != nil {
			return b, err
		}
		if mlen > maxMetaSize {
			return b, errors.WrapFatal(
				fmt.Errorf("side metadata %d bytes: %w", mlen, errors.ErrDataCorrupted),
				"StepFrame", "Decode", "side metadata validation")
		}
		meta, err := d.take(int(mlen))
		if err != nil {
			return b, err
		}
		op.Meta = append([]byte(nil), meta...)
		b.Ops = append(b.Ops, op)
	}

	plen, err := d.u64()
	if err != nil {
		return b, err
	}
	if plen > maxPayload {
		return b, errors.WrapFatal(
			fmt.Errorf("payload %d bytes: %w", plen, errors.ErrDataCorrupted),
			"StepFrame", "Decode", "payload size validation")
	}
	payload, err := d.take(int(plen))
	if err != nil {
		return b, err
	}
	sum, err := d.u64()
	if err != nil {
		return b, err
	}
	if xxhash.Sum64(payload) != sum {
		return b, errors.WrapFatal(errors.ErrChecksumFailed,
			"StepFrame", "Decode", fmt.Sprintf("payload checksum for %q", b.Name))
	}
	b.Payload = append([]byte(nil), payload...)
	return b, nil
}
