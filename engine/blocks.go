package engine

import (
	"fmt"

	"github.com/rupertnash/adios2/core"
	"github.com/rupertnash/adios2/errors"
	"github.com/rupertnash/adios2/operator"
	"github.com/rupertnash/adios2/pkg/devmem"
	"github.com/rupertnash/adios2/pkg/wire"
	"github.com/rupertnash/adios2/selection"
	"github.com/rupertnash/adios2/types"
)

// resolveHost produces the host-side bytes for data under the variable's
// memory space. Device-space variables must supply a device buffer, which is
// staged down to a fresh host slice; host-space variables must supply a byte
// slice directly.
func resolveHost(v *core.Variable, data any) ([]byte, error) {
	switch v.MemorySpace() {
	case types.SpaceDevice:
		buf, ok := data.(*devmem.Buffer)
		if !ok {
			return nil, errors.WrapInvalid(
				fmt.Errorf("variable %q is in device memory but got %T: %w",
					v.Name(), data, errors.ErrUnsupportedOperation),
				"engine", "resolveHost", "memory space check")
		}
		host := make([]byte, buf.Size())
		if err := buf.CopyToHost(host); err != nil {
			return nil, err
		}
		return host, nil
	default:
		b, ok := data.([]byte)
		if !ok {
			return nil, errors.WrapInvalid(
				fmt.Errorf("variable %q is in host memory but got %T: %w",
					v.Name(), data, errors.ErrUnsupportedOperation),
				"engine", "resolveHost", "memory space check")
		}
		return b, nil
	}
}

// BuildBlock stages one variable's data for the active step: resolves host
// bytes, verifies the selection's byte volume, runs the operator chain and
// captures shape and block coordinates as they are right now, so later
// SetShape/SetSelection calls cannot reach into a published step.
func BuildBlock(v *core.Variable, data any) (wire.VarBlock, error) {
	shape := v.Shape()
	sel := v.Selection()
	dt := v.Type()

	host, err := resolveHost(v, data)
	if err != nil {
		return wire.VarBlock{}, err
	}

	need := sel.Volume() * uint64(dt.Size())
	if uint64(len(host)) < need {
		return wire.VarBlock{}, errors.WrapInvalid(
			fmt.Errorf("variable %q: %d bytes supplied, selection %s needs %d: %w",
				v.Name(), len(host), sel.Count, need, errors.ErrShortBuffer),
			"engine", "BuildBlock", "buffer size validation")
	}

	payload, records, err := operator.ApplyChain(v.Operations(), host[:need], sel.Count, dt)
	if err != nil {
		return wire.VarBlock{}, err
	}

	v.NoteIO()
	return wire.VarBlock{
		Name:    v.Name(),
		Type:    dt,
		Kind:    v.ShapeKind(),
		Shape:   shape,
		Start:   sel.Start,
		Count:   sel.Count,
		Ops:     records,
		Payload: payload,
	}, nil
}

// ExtractBlock reverses one block's operator chain and copies the portion
// overlapping the reader's window into dst. Elements of dst outside the
// overlap keep their previous contents, so a window spanning several writer
// blocks fills in as each block is extracted.
func ExtractBlock(reg *operator.Registry, blk *wire.VarBlock, v *core.Variable, dst any) error {
	dt := v.Type()
	if blk.Type != dt {
		return errors.WrapInvalid(
			fmt.Errorf("variable %q is %s in the step but %s locally: %w",
				v.Name(), blk.Type, dt, errors.ErrInvalidArgument),
			"engine", "ExtractBlock", "type agreement")
	}

	restored, err := operator.ReverseChain(reg, blk.Ops, blk.Payload, blk.Count, dt)
	if err != nil {
		return err
	}
	blkSel := selection.Selection{Start: blk.Start.Clone(), Count: blk.Count.Clone()}
	if want := blkSel.Volume() * uint64(dt.Size()); uint64(len(restored)) < want {
		return errors.WrapFatal(
			fmt.Errorf("variable %q: block restores to %d bytes, coordinates need %d: %w",
				v.Name(), len(restored), want, errors.ErrDataCorrupted),
			"engine", "ExtractBlock", "restored size validation")
	}

	window := v.Selection()

	switch v.MemorySpace() {
	case types.SpaceDevice:
		buf, ok := dst.(*devmem.Buffer)
		if !ok {
			return errors.WrapInvalid(
				fmt.Errorf("variable %q is in device memory but got %T: %w",
					v.Name(), dst, errors.ErrUnsupportedOperation),
				"engine", "ExtractBlock", "memory space check")
		}
		// round-trip through the host so untouched elements survive
		host := make([]byte, buf.Size())
		if err := buf.CopyToHost(host); err != nil {
			return err
		}
		if _, err := selection.CopyOverlap(host, window, restored, blkSel, dt.Size()); err != nil {
			return err
		}
		return buf.CopyFromHost(host)
	default:
		b, ok := dst.([]byte)
		if !ok {
			return errors.WrapInvalid(
				fmt.Errorf("variable %q is in host memory but got %T: %w",
					v.Name(), dst, errors.ErrUnsupportedOperation),
				"engine", "ExtractBlock", "memory space check")
		}
		_, err := selection.CopyOverlap(b, window, restored, blkSel, dt.Size())
		return err
	}
}
