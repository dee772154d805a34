// Package chunk provides row-major array geometry: element strides, chunk
// grids, hyperslab run enumeration, and N-dimensional region copies. It has
// no knowledge of files or dtypes; callers work in element units.
package chunk

import "fmt"

// NumElements returns the product of the dimensions in shape.
// A zero-rank shape has one element.
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Strides returns row-major element strides for shape.
func Strides(shape []int) []int {
	ndims := len(shape)
	strides := make([]int, ndims)
	if ndims == 0 {
		return strides
	}
	strides[ndims-1] = 1
	for d := ndims - 2; d >= 0; d-- {
		strides[d] = strides[d+1] * shape[d+1]
	}
	return strides
}

// ValidRegion reports whether the hyperslab [start, start+count) lies within
// an array of the given shape.
func ValidRegion(shape, start, count []int) bool {
	if len(start) != len(shape) || len(count) != len(shape) {
		return false
	}
	for d := range shape {
		if start[d] < 0 || count[d] < 0 || start[d]+count[d] > shape[d] {
			return false
		}
	}
	return true
}

// ContiguousRuns enumerates the contiguous element runs of the hyperslab
// [start, start+count) within a row-major array of the given shape. For each
// run, fn receives the element offset into the array, the element offset into
// a dense region buffer of shape count, and the run length. Runs are emitted
// in region order, so the region offsets are strictly increasing.
func ContiguousRuns(shape, start, count []int, fn func(arrOff, regOff, n int) error) error {
	if !ValidRegion(shape, start, count) {
		return fmt.Errorf("chunk: region start=%v count=%v out of bounds for shape %v", start, count, shape)
	}
	ndims := len(shape)
	if ndims == 0 {
		return fn(0, 0, 1)
	}
	if NumElements(count) == 0 {
		return nil
	}

	strides := Strides(shape)
	runLen := count[ndims-1]

	// Odometer over all outer-dimension positions.
	idx := make([]int, ndims-1)
	regOff := 0
	for {
		arrOff := start[ndims-1]
		for d := 0; d < ndims-1; d++ {
			arrOff += (start[d] + idx[d]) * strides[d]
		}
		if err := fn(arrOff, regOff, runLen); err != nil {
			return err
		}
		regOff += runLen

		d := ndims - 2
		for ; d >= 0; d-- {
			idx[d]++
			if idx[d] < count[d] {
				break
			}
			idx[d] = 0
		}
		if d < 0 {
			return nil
		}
	}
}

// CopyRegion copies a count-shaped block from src (row-major, srcShape) at
// srcStart into dst (row-major, dstShape) at dstStart. Both regions must lie
// within their arrays.
func CopyRegion(dst []float64, dstShape, dstStart []int, src []float64, srcShape, srcStart, count []int) error {
	if !ValidRegion(dstShape, dstStart, count) {
		return fmt.Errorf("chunk: destination region start=%v count=%v out of bounds for shape %v", dstStart, count, dstShape)
	}
	if !ValidRegion(srcShape, srcStart, count) {
		return fmt.Errorf("chunk: source region start=%v count=%v out of bounds for shape %v", srcStart, count, srcShape)
	}
	ndims := len(count)
	if ndims == 0 || NumElements(count) == 0 {
		if ndims == 0 {
			dst[0] = src[0]
		}
		return nil
	}
	copyRecursive(dst, Strides(dstShape), dstStart, src, Strides(srcShape), srcStart, count, 0, 0, 0)
	return nil
}

// copyRecursive walks one dimension per level and copies the innermost
// dimension as a single contiguous block.
func copyRecursive(dst []float64, dstStrides, dstStart []int, src []float64, srcStrides, srcStart, count []int, dstOff, srcOff, dim int) {
	ndims := len(count)
	if dim == ndims-1 {
		d0 := dstOff + dstStart[dim]
		s0 := srcOff + srcStart[dim]
		copy(dst[d0:d0+count[dim]], src[s0:s0+count[dim]])
		return
	}
	for i := 0; i < count[dim]; i++ {
		copyRecursive(dst, dstStrides, dstStart, src, srcStrides, srcStart, count,
			dstOff+(dstStart[dim]+i)*dstStrides[dim],
			srcOff+(srcStart[dim]+i)*srcStrides[dim],
			dim+1)
	}
}
