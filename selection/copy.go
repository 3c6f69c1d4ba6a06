package selection

import (
	"fmt"

	"github.com/rupertnash/adios2/errors"
)

// CopyOverlap copies the intersection of srcSel and dstSel between two
// row-major buffers. src holds exactly the elements of srcSel (the writer's
// block), dst holds exactly the elements of dstSel (the reader's window);
// both selections are expressed in the same global coordinate system.
// Returns the number of elements copied, which is zero for a degenerate
// overlap.
func CopyOverlap(dst []byte, dstSel Selection, src []byte, srcSel Selection, elemSize int) (uint64, error) {
	if elemSize <= 0 {
		return 0, errors.WrapInvalid(
			fmt.Errorf("element size %d: %w", elemSize, errors.ErrInvalidArgument),
			"Selection", "CopyOverlap", "element size validation")
	}
	if want := srcSel.Volume() * uint64(elemSize); uint64(len(src)) < want {
		return 0, errors.WrapInvalid(
			fmt.Errorf("source buffer %d bytes, selection needs %d: %w",
				len(src), want, errors.ErrShortBuffer),
			"Selection", "CopyOverlap", "source size validation")
	}
	if want := dstSel.Volume() * uint64(elemSize); uint64(len(dst)) < want {
		return 0, errors.WrapInvalid(
			fmt.Errorf("destination buffer %d bytes, selection needs %d: %w",
				len(dst), want, errors.ErrShortBuffer),
			"Selection", "CopyOverlap", "destination size validation")
	}

	overlap, err := srcSel.Intersect(dstSel)
	if err != nil {
		return 0, err
	}
	if overlap.Rank() == 0 {
		// Scalars: the whole value is the overlap
		copy(dst[:elemSize], src[:elemSize])
		return 1, nil
	}
	if overlap.Empty() {
		return 0, nil
	}

	c := overlapCopier{
		dst: dst, dstSel: dstSel,
		src: src, srcSel: srcSel,
		overlap:  overlap,
		elemSize: uint64(elemSize),
	}
	c.run(0, 0, 0)
	return overlap.Volume(), nil
}

type overlapCopier struct {
	dst, src       []byte
	dstSel, srcSel Selection
	overlap        Selection
	elemSize       uint64
}

// run walks all dimensions but the innermost, translating the global overlap
// coordinates into each buffer's local row-major offsets. The innermost
// dimension is contiguous in both buffers, so it moves as one copy.
func (c *overlapCopier) run(dim int, srcOff, dstOff uint64) {
	last := c.overlap.Rank() - 1

	srcStride := uint64(1)
	dstStride := uint64(1)
	for i := dim + 1; i < c.overlap.Rank(); i++ {
		srcStride *= c.srcSel.Count[i]
		dstStride *= c.dstSel.Count[i]
	}

	srcBase := srcOff + (c.overlap.Start[dim]-c.srcSel.Start[dim])*srcStride
	dstBase := dstOff + (c.overlap.Start[dim]-c.dstSel.Start[dim])*dstStride

	if dim == last {
		n := c.overlap.Count[dim] * c.elemSize
		copy(c.dst[dstBase*c.elemSize:dstBase*c.elemSize+n],
			c.src[srcBase*c.elemSize:srcBase*c.elemSize+n])
		return
	}

	for i := uint64(0); i < c.overlap.Count[dim]; i++ {
		c.run(dim+1, srcBase+i*srcStride, dstBase+i*dstStride)
	}
}
