package chunk

import "fmt"

// Grid describes how a row-major array of a given shape is tiled into
// fixed-shape chunks. Edge chunks are clipped at the array boundary.
type Grid struct {
	Shape      []int
	ChunkShape []int

	counts []int // chunks per dimension
}

// NewGrid creates a chunk grid. The chunk shape must have the same rank as
// the array shape, with every chunk dimension positive.
func NewGrid(shape, chunkShape []int) (*Grid, error) {
	if len(chunkShape) != len(shape) {
		return nil, fmt.Errorf("chunk: chunk shape rank %d does not match array rank %d", len(chunkShape), len(shape))
	}
	for d, c := range chunkShape {
		if c <= 0 {
			return nil, fmt.Errorf("chunk: chunk dimension %d must be positive, got %d", d, c)
		}
		if shape[d] < 0 {
			return nil, fmt.Errorf("chunk: array dimension %d must be non-negative, got %d", d, shape[d])
		}
	}
	counts := make([]int, len(shape))
	for d := range shape {
		counts[d] = (shape[d] + chunkShape[d] - 1) / chunkShape[d]
		if counts[d] == 0 {
			counts[d] = 1
		}
	}
	return &Grid{Shape: shape, ChunkShape: chunkShape, counts: counts}, nil
}

// NumChunks returns the total number of chunks in the grid.
func (g *Grid) NumChunks() int {
	return NumElements(g.counts)
}

// Coord returns the grid coordinate of the chunk with linear index i,
// in row-major chunk order.
func (g *Grid) Coord(i int) []int {
	ndims := len(g.counts)
	coord := make([]int, ndims)
	for d := ndims - 1; d >= 0; d-- {
		coord[d] = i % g.counts[d]
		i /= g.counts[d]
	}
	return coord
}

// Index returns the linear index of the chunk at the given grid coordinate.
func (g *Grid) Index(coord []int) int {
	i := 0
	for d := range g.counts {
		i = i*g.counts[d] + coord[d]
	}
	return i
}

// Bounds returns the element start and count of the chunk with linear index
// i, clipped at the array boundary.
func (g *Grid) Bounds(i int) (start, count []int) {
	coord := g.Coord(i)
	ndims := len(g.Shape)
	start = make([]int, ndims)
	count = make([]int, ndims)
	for d := 0; d < ndims; d++ {
		start[d] = coord[d] * g.ChunkShape[d]
		count[d] = g.ChunkShape[d]
		if start[d]+count[d] > g.Shape[d] {
			count[d] = g.Shape[d] - start[d]
		}
	}
	return start, count
}

// Overlapping returns the linear indices of all chunks intersecting the
// hyperslab [start, start+count), in ascending order.
func (g *Grid) Overlapping(start, count []int) []int {
	ndims := len(g.Shape)
	lo := make([]int, ndims)
	hi := make([]int, ndims) // inclusive chunk coordinate bounds
	for d := 0; d < ndims; d++ {
		if count[d] <= 0 {
			return nil
		}
		lo[d] = start[d] / g.ChunkShape[d]
		hi[d] = (start[d] + count[d] - 1) / g.ChunkShape[d]
	}

	var out []int
	coord := make([]int, ndims)
	copy(coord, lo)
	for {
		out = append(out, g.Index(coord))
		d := ndims - 1
		for ; d >= 0; d-- {
			coord[d]++
			if coord[d] <= hi[d] {
				break
			}
			coord[d] = lo[d]
		}
		if d < 0 {
			return out
		}
	}
}

// Intersect returns the overlap of the hyperslab [start, start+count) with
// the chunk at linear index i, as an element start and count. The returned
// count is all zeros when there is no overlap.
func (g *Grid) Intersect(i int, start, count []int) (isectStart, isectCount []int) {
	cStart, cCount := g.Bounds(i)
	ndims := len(g.Shape)
	isectStart = make([]int, ndims)
	isectCount = make([]int, ndims)
	for d := 0; d < ndims; d++ {
		lo := max(start[d], cStart[d])
		hi := min(start[d]+count[d], cStart[d]+cCount[d])
		isectStart[d] = lo
		if hi > lo {
			isectCount[d] = hi - lo
		}
	}
	return isectStart, isectCount
}
