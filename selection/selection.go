// Package selection implements the half-open multidimensional box used both
// to declare a producer's block within a global shape and to request a
// sub-region on the read side. The engine transfers only the componentwise
// intersection of the two boxes, which is what lets a reader request an
// arbitrary window independent of how the writer decomposed the array.
package selection

import (
	"fmt"

	"github.com/rupertnash/adios2/errors"
	"github.com/rupertnash/adios2/types"
)

// Selection is a half-open box: for each dimension i it covers
// [Start[i], Start[i]+Count[i]).
type Selection struct {
	Start types.Dims
	Count types.Dims
}

// New constructs a Selection validated against the given shape. Rank mismatch
// or out-of-bounds offsets fail with ErrRange at construction time, never
// lazily at transfer time.
func New(shape, start, count types.Dims) (Selection, error) {
	if len(start) != len(shape) || len(count) != len(shape) {
		return Selection{}, errors.WrapInvalid(
			fmt.Errorf("rank mismatch: shape rank %d, start rank %d, count rank %d: %w",
				len(shape), len(start), len(count), errors.ErrRange),
			"Selection", "New", "rank validation")
	}
	for i := range shape {
		if start[i]+count[i] < start[i] {
			return Selection{}, errors.WrapInvalid(
				fmt.Errorf("dimension %d: start %d + count %d overflows: %w",
					i, start[i], count[i], errors.ErrRange),
				"Selection", "New", "bounds validation")
		}
		if start[i]+count[i] > shape[i] {
			return Selection{}, errors.WrapInvalid(
				fmt.Errorf("dimension %d: start %d + count %d exceeds extent %d: %w",
					i, start[i], count[i], shape[i], errors.ErrRange),
				"Selection", "New", "bounds validation")
		}
	}
	return Selection{Start: start.Clone(), Count: count.Clone()}, nil
}

// Whole returns the selection covering an entire shape.
func Whole(shape types.Dims) Selection {
	return Selection{Start: make(types.Dims, len(shape)), Count: shape.Clone()}
}

// Rank returns the dimensionality of the selection.
func (s Selection) Rank() int {
	return len(s.Count)
}

// Volume returns the number of elements covered by the selection.
func (s Selection) Volume() uint64 {
	return s.Count.Volume()
}

// Empty reports whether the selection covers no elements.
func (s Selection) Empty() bool {
	return s.Rank() > 0 && s.Volume() == 0
}

// Clone returns a deep copy of the selection.
func (s Selection) Clone() Selection {
	return Selection{Start: s.Start.Clone(), Count: s.Count.Clone()}
}

// String formats the selection as "start[..]+count[..]".
func (s Selection) String() string {
	return fmt.Sprintf("start%s+count%s", s.Start, s.Count)
}

// Intersect computes the componentwise interval intersection of two
// selections of equal rank. An empty intersection in any dimension yields a
// degenerate zero-volume selection, which is valid but transfers no data.
// Intersection is commutative and idempotent.
func (s Selection) Intersect(other Selection) (Selection, error) {
	if s.Rank() != other.Rank() {
		return Selection{}, errors.WrapInvalid(
			fmt.Errorf("rank mismatch %d vs %d: %w", s.Rank(), other.Rank(), errors.ErrRange),
			"Selection", "Intersect", "rank validation")
	}
	out := Selection{
		Start: make(types.Dims, s.Rank()),
		Count: make(types.Dims, s.Rank()),
	}
	for i := range s.Count {
		lo := max(s.Start[i], other.Start[i])
		hi := min(s.Start[i]+s.Count[i], other.Start[i]+other.Count[i])
		out.Start[i] = lo
		if hi > lo {
			out.Count[i] = hi - lo
		}
	}
	// Normalize degenerate boxes so volume is zero in every dimension's terms
	if out.Empty() {
		for i := range out.Count {
			out.Count[i] = 0
		}
	}
	return out, nil
}

// Contains reports whether other lies entirely within s.
func (s Selection) Contains(other Selection) bool {
	if s.Rank() != other.Rank() {
		return false
	}
	for i := range s.Count {
		if other.Start[i] < s.Start[i] ||
			other.Start[i]+other.Count[i] > s.Start[i]+s.Count[i] {
			return false
		}
	}
	return true
}
