// Package core holds the definition layer of the data movement engine: typed,
// shaped variables and the named IO scope that owns variable, operator and
// transport definitions before any engine opens. Engines reference these
// definitions; they never own them.
package core

import (
	"fmt"
	"sync"

	"github.com/rupertnash/adios2/errors"
	"github.com/rupertnash/adios2/operator"
	"github.com/rupertnash/adios2/selection"
	"github.com/rupertnash/adios2/types"
)

// Variable is a typed, shaped, named handle owned by one IO scope. The
// selection and memory space are per-call state mutated between Puts/Gets;
// the operator attachment list is immutable once an engine has opened.
type Variable struct {
	name  string
	dtype types.DataType
	kind  types.ShapeKind

	mu    sync.RWMutex
	shape types.Dims
	sel   *selection.Selection
	space types.MemorySpace
	ops   []operator.Operator
	// set once an engine performs I/O on this name; redefinition is then an error
	touched bool
}

// newVariable validates and constructs a variable definition.
func newVariable(name string, dtype types.DataType, kind types.ShapeKind, shape types.Dims) (*Variable, error) {
	if name == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidArgument,
			"Variable", "Define", "name validation")
	}
	if dtype.Size() == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("variable %q has no element type: %w", name, errors.ErrInvalidArgument),
			"Variable", "Define", "type validation")
	}
	if kind == types.ShapeValue && len(shape) != 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("value variable %q cannot carry shape %s: %w", name, shape, errors.ErrInvalidArgument),
			"Variable", "Define", "shape validation")
	}
	if kind != types.ShapeValue && len(shape) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("array variable %q needs a shape: %w", name, errors.ErrInvalidArgument),
			"Variable", "Define", "shape validation")
	}
	return &Variable{name: name, dtype: dtype, kind: kind, shape: shape.Clone()}, nil
}

// Name returns the variable's name, unique within its IO scope.
func (v *Variable) Name() string { return v.name }

// Type returns the element type.
func (v *Variable) Type() types.DataType { return v.dtype }

// ShapeKind returns the shape classification.
func (v *Variable) ShapeKind() types.ShapeKind { return v.kind }

// Shape returns the current shape.
func (v *Variable) Shape() types.Dims {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.shape.Clone()
}

// SetShape updates the shape of an array variable. Shapes may evolve across
// steps; the engine rejects mid-step changes at Put time by capturing the
// shape when the step's first block is built.
func (v *Variable) SetShape(shape types.Dims) error {
	if v.kind == types.ShapeValue {
		return errors.WrapInvalid(errors.ErrInvalidArgument,
			"Variable", "SetShape", "value variables have no shape")
	}
	if len(shape) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidArgument,
			"Variable", "SetShape", "shape validation")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(shape) != len(v.shape) {
		return errors.WrapInvalid(
			fmt.Errorf("rank %d differs from defined rank %d: %w",
				len(shape), len(v.shape), errors.ErrInvalidArgument),
			"Variable", "SetShape", "rank check")
	}
	if v.sel != nil {
		for i := range shape {
			if v.sel.Start[i]+v.sel.Count[i] > shape[i] {
				return errors.WrapInvalid(
					fmt.Errorf("selection [%d,%d) exceeds dimension %d of new shape %s: %w",
						v.sel.Start[i], v.sel.Start[i]+v.sel.Count[i], i, shape, errors.ErrRange),
					"Variable", "SetShape", "selection compatibility")
			}
		}
	}
	v.shape = shape.Clone()
	return nil
}

// SetSelection declares the block of the variable the next Puts/Gets cover.
// Bounds are validated against the current shape here, never lazily.
func (v *Variable) SetSelection(start, count types.Dims) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	sel, err := selection.New(v.shape, start, count)
	if err != nil {
		return err
	}
	v.sel = &sel
	return nil
}

// ClearSelection reverts to whole-shape transfers.
func (v *Variable) ClearSelection() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sel = nil
}

// Selection returns the active block selection, defaulting to the whole shape.
func (v *Variable) Selection() selection.Selection {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.sel != nil {
		return v.sel.Clone()
	}
	return selection.Whole(v.shape)
}

// SetMemorySpace declares where the next Put's source or Get's destination
// buffer lives.
func (v *Variable) SetMemorySpace(space types.MemorySpace) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.space = space
}

// MemorySpace returns the current memory space designation.
func (v *Variable) MemorySpace() types.MemorySpace {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.space
}

// AddOperation attaches an operator to the end of the variable's pipeline.
// Type compatibility is checked here, at attachment time: an operator that
// cannot transform this element type never reaches first use.
func (v *Variable) AddOperation(op operator.Operator) error {
	if op == nil {
		return errors.WrapInvalid(errors.ErrInvalidArgument,
			"Variable", "AddOperation", "operator validation")
	}
	if err := op.CheckType(v.dtype); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.touched {
		return errors.WrapInvalid(
			fmt.Errorf("variable %q already in use: %w", v.name, errors.ErrInvalidState),
			"Variable", "AddOperation", "attachment ordering")
	}
	v.ops = append(v.ops, op)
	return nil
}

// Operations returns the attached operators in application order.
func (v *Variable) Operations() []operator.Operator {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]operator.Operator, len(v.ops))
	copy(out, v.ops)
	return out
}

// NoteIO marks the variable as having carried data in this run. Called by
// engines on Put/Get.
func (v *Variable) NoteIO() {
	v.mu.Lock()
	v.touched = true
	v.mu.Unlock()
}

// Touched reports whether an engine has performed I/O on this variable.
func (v *Variable) Touched() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.touched
}
