package trellis

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/spikeworks/trellis/internal/chunk"
)

// targetChunkBytes sizes the default chunk so one chunk holds roughly this
// many raw bytes (full trailing dimensions, time rows grouped).
const targetChunkBytes = 1 << 20

// -----------------------------------------------------------------------------
// ArrayStore
// -----------------------------------------------------------------------------

// ArrayStore wraps a single on-disk chunked sample array plus its sidecar
// header. It has no knowledge of trials or computation.
//
// Lifecycle: a store created with CreateArrayStore is in the building state
// and accepts writes; Finalize repacks the data into chunks, makes the shape
// immutable, and transitions it irreversibly to read-only. A store opened
// with OpenArrayStore is always finalized.
//
// During building, concurrent WriteSlice calls on disjoint regions are safe
// without locking: the building layout is raw row-major, so disjoint element
// regions map to disjoint byte ranges.
type ArrayStore struct {
	path       string
	shape      []int
	dtype      DType
	chunkShape []int
	dimLabels  []string
	codec      ChunkCodec
	grid       *chunk.Grid

	mu        sync.Mutex // guards state transitions, not data writes
	file      *os.File
	finalized bool
	index     []chunkRef
	closed    bool
}

// storeConfig holds resolved CreateArrayStore configuration.
type storeConfig struct {
	dtype      DType
	chunkShape []int
	chunkRows  int
	codec      ChunkCodec
	dimLabels  []string
}

// CreateArrayStore allocates a new store in the building state. The data
// file is created at path, the sidecar header at path+".json"; both must not
// exist. Defaults: float64 samples, raw (uncompressed) chunks, chunk rows
// sized so one chunk holds about 1 MiB.
func CreateArrayStore(path string, shape []int, opts ...Option) (*ArrayStore, error) {
	if len(shape) == 0 {
		return nil, &StorageError{Op: "create", Path: path, Err: fmt.Errorf("shape must have at least one dimension")}
	}
	for d, n := range shape {
		if n <= 0 {
			return nil, &StorageError{Op: "create", Path: path, Err: fmt.Errorf("shape dimension %d must be positive, got %d", d, n)}
		}
	}

	cfg := &storeConfig{dtype: Float64, codec: NewRawCodec()}
	for _, opt := range opts {
		if err := opt.applyStore(cfg); err != nil {
			return nil, fmt.Errorf("trellis: %w", err)
		}
	}

	chunkShape := cfg.chunkShape
	if chunkShape == nil {
		rows := cfg.chunkRows
		if rows <= 0 {
			rows = defaultChunkRows(shape, cfg.dtype)
		}
		if int64(rows) > int64(shape[0]) {
			rows = shape[0]
		}
		chunkShape = make([]int, len(shape))
		chunkShape[0] = rows
		copy(chunkShape[1:], shape[1:])
	}
	grid, err := chunk.NewGrid(shape, chunkShape)
	if err != nil {
		return nil, &StorageError{Op: "create", Path: path, Err: err}
	}
	if len(cfg.dimLabels) > 0 && len(cfg.dimLabels) != len(shape) {
		return nil, &StorageError{Op: "create", Path: path,
			Err: fmt.Errorf("%d dimension labels for rank-%d array", len(cfg.dimLabels), len(shape))}
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, &StorageError{Op: "create", Path: path, Err: err}
	}
	// Reserve the full raw extent so concurrent writers never extend the file.
	rawBytes := int64(chunk.NumElements(shape)) * int64(cfg.dtype.Size())
	if err := file.Truncate(rawBytes); err != nil {
		_ = file.Close()
		return nil, &StorageError{Op: "create", Path: path, Err: err}
	}

	s := &ArrayStore{
		path:       path,
		shape:      append([]int(nil), shape...),
		dtype:      cfg.dtype,
		chunkShape: chunkShape,
		dimLabels:  cfg.dimLabels,
		codec:      cfg.codec,
		grid:       grid,
		file:       file,
	}
	if err := writeSidecar(sidecarPath(path), s.header()); err != nil {
		_ = file.Close()
		return nil, &StorageError{Op: "create", Path: sidecarPath(path), Err: err}
	}
	return s, nil
}

// OpenArrayStore opens an existing finalized store read-only.
func OpenArrayStore(path string) (*ArrayStore, error) {
	var hdr arrayHeader
	if err := readSidecar(sidecarPath(path), &hdr); err != nil {
		return nil, &StorageError{Op: "open", Path: sidecarPath(path), Err: err}
	}
	if hdr.SchemaName != arraySchemaName {
		return nil, &StorageError{Op: "open", Path: sidecarPath(path),
			Err: fmt.Errorf("unexpected schema %q", hdr.SchemaName)}
	}
	if !hdr.Finalized {
		return nil, &StorageError{Op: "open", Path: path, Err: ErrNotFinalized}
	}
	dtype, ok := parseDType(hdr.DType)
	if !ok {
		return nil, &StorageError{Op: "open", Path: path, Err: fmt.Errorf("unknown dtype %q", hdr.DType)}
	}
	codec, err := codecByName(hdr.Codec)
	if err != nil {
		return nil, &StorageError{Op: "open", Path: path, Err: err}
	}
	grid, err := chunk.NewGrid(hdr.Shape, hdr.ChunkShape)
	if err != nil {
		return nil, &StorageError{Op: "open", Path: path, Err: err}
	}
	if len(hdr.Chunks) != grid.NumChunks() {
		return nil, &StorageError{Op: "open", Path: path,
			Err: fmt.Errorf("chunk index has %d entries, grid has %d chunks", len(hdr.Chunks), grid.NumChunks())}
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, &StorageError{Op: "open", Path: path, Err: err}
	}
	return &ArrayStore{
		path:       path,
		shape:      hdr.Shape,
		dtype:      dtype,
		chunkShape: hdr.ChunkShape,
		dimLabels:  hdr.DimLabels,
		codec:      codec,
		grid:       grid,
		file:       file,
		finalized:  true,
		index:      hdr.Chunks,
	}, nil
}

// Path returns the data file path.
func (s *ArrayStore) Path() string { return s.path }

// Shape returns a copy of the declared array shape.
func (s *ArrayStore) Shape() []int { return append([]int(nil), s.shape...) }

// DType returns the on-disk sample type.
func (s *ArrayStore) DType() DType { return s.dtype }

// ChunkShape returns a copy of the chunk tile shape.
func (s *ArrayStore) ChunkShape() []int { return append([]int(nil), s.chunkShape...) }

// DimLabels returns the dimension semantics recorded in the sidecar
// (for example ["time", "channel"]). May be empty.
func (s *ArrayStore) DimLabels() []string { return append([]string(nil), s.dimLabels...) }

// Finalized reports whether the store has left the building state.
func (s *ArrayStore) Finalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}

// -----------------------------------------------------------------------------
// Write surface
// -----------------------------------------------------------------------------

// WriteSlice stores blk at the element position start. Only legal in the
// building state. The block's rank must match the store's; regions past the
// declared shape fail with *OutOfBoundsError.
func (s *ArrayStore) WriteSlice(start []int, blk *Block) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &StorageError{Op: "write", Path: s.path, Err: os.ErrClosed}
	}
	if s.finalized {
		s.mu.Unlock()
		return &StorageError{Op: "write", Path: s.path, Err: ErrFinalized}
	}
	s.mu.Unlock()

	if len(blk.Shape) != len(s.shape) {
		return &ShapeMismatchError{Trial: -1, Want: s.shape, Got: blk.Shape}
	}
	if len(blk.Data) != blk.NumElements() {
		return &ShapeMismatchError{Trial: -1, Want: blk.Shape, Got: []int{len(blk.Data)}}
	}
	if !chunk.ValidRegion(s.shape, start, blk.Shape) {
		return &OutOfBoundsError{Start: start, Count: blk.Shape, Shape: s.shape}
	}

	elemSize := s.dtype.Size()
	err := chunk.ContiguousRuns(s.shape, start, blk.Shape, func(arrOff, regOff, n int) error {
		raw := encodeSamples(s.dtype, blk.Data[regOff:regOff+n])
		_, werr := s.file.WriteAt(raw, int64(arrOff)*int64(elemSize))
		return werr
	})
	if err != nil {
		return &StorageError{Op: "write", Path: s.path, Err: err}
	}
	return nil
}

// Finalize repacks the building file into chunks (applying the configured
// codec), writes the chunk index to the sidecar, and transitions the store
// irreversibly to read-only. All data is durable when Finalize returns.
func (s *ArrayStore) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &StorageError{Op: "finalize", Path: s.path, Err: os.ErrClosed}
	}
	if s.finalized {
		return &StorageError{Op: "finalize", Path: s.path, Err: ErrFinalized}
	}
	if err := s.file.Sync(); err != nil {
		return &StorageError{Op: "finalize", Path: s.path, Err: err}
	}

	packPath := s.path + ".pack"
	packed, err := os.OpenFile(packPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &StorageError{Op: "finalize", Path: packPath, Err: err}
	}

	index := make([]chunkRef, s.grid.NumChunks())
	var off int64
	for i := range index {
		cStart, cCount := s.grid.Bounds(i)
		raw, err := s.readRawRegion(cStart, cCount)
		if err != nil {
			_ = packed.Close()
			_ = os.Remove(packPath)
			return err
		}
		enc, err := s.codec.Encode(raw)
		if err != nil {
			_ = packed.Close()
			_ = os.Remove(packPath)
			return &StorageError{Op: "finalize", Path: s.path, Err: err}
		}
		if _, err := packed.WriteAt(enc, off); err != nil {
			_ = packed.Close()
			_ = os.Remove(packPath)
			return &StorageError{Op: "finalize", Path: packPath, Err: err}
		}
		index[i] = chunkRef{Offset: off, Length: int64(len(enc))}
		off += int64(len(enc))
	}

	if err := packed.Sync(); err != nil {
		_ = packed.Close()
		return &StorageError{Op: "finalize", Path: packPath, Err: err}
	}
	if err := packed.Close(); err != nil {
		return &StorageError{Op: "finalize", Path: packPath, Err: err}
	}
	if err := s.file.Close(); err != nil {
		return &StorageError{Op: "finalize", Path: s.path, Err: err}
	}
	if err := os.Rename(packPath, s.path); err != nil {
		return &StorageError{Op: "finalize", Path: s.path, Err: err}
	}

	file, err := os.Open(s.path)
	if err != nil {
		return &StorageError{Op: "finalize", Path: s.path, Err: err}
	}
	s.file = file
	s.finalized = true
	s.index = index

	if err := writeSidecar(sidecarPath(s.path), s.header()); err != nil {
		return &StorageError{Op: "finalize", Path: sidecarPath(s.path), Err: err}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Read surface
// -----------------------------------------------------------------------------

// ReadSlice reads the hyperslab [start, start+count) into a dense block,
// transparently across chunk boundaries and in either lifecycle state.
func (s *ArrayStore) ReadSlice(start, count []int) (*Block, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &StorageError{Op: "read", Path: s.path, Err: os.ErrClosed}
	}
	finalized := s.finalized
	s.mu.Unlock()

	if !chunk.ValidRegion(s.shape, start, count) {
		return nil, &OutOfBoundsError{Start: append([]int(nil), start...), Count: append([]int(nil), count...), Shape: s.shape}
	}

	if !finalized {
		raw, err := s.readRawRegion(start, count)
		if err != nil {
			return nil, err
		}
		out := NewBlock(count...)
		decodeSamples(s.dtype, raw, out.Data)
		return out, nil
	}

	out := NewBlock(count...)
	elemSize := s.dtype.Size()
	for _, ci := range s.grid.Overlapping(start, count) {
		ref := s.index[ci]
		enc := make([]byte, ref.Length)
		if _, err := s.file.ReadAt(enc, ref.Offset); err != nil {
			return nil, &StorageError{Op: "read", Path: s.path, Err: err}
		}
		cStart, cCount := s.grid.Bounds(ci)
		raw, err := s.codec.Decode(enc, chunk.NumElements(cCount)*elemSize)
		if err != nil {
			return nil, &StorageError{Op: "read", Path: s.path, Err: err}
		}
		samples := make([]float64, chunk.NumElements(cCount))
		decodeSamples(s.dtype, raw, samples)

		iStart, iCount := s.grid.Intersect(ci, start, count)
		srcStart := make([]int, len(iStart))
		dstStart := make([]int, len(iStart))
		for d := range iStart {
			srcStart[d] = iStart[d] - cStart[d]
			dstStart[d] = iStart[d] - start[d]
		}
		if err := chunk.CopyRegion(out.Data, count, dstStart, samples, cCount, srcStart, iCount); err != nil {
			return nil, &StorageError{Op: "read", Path: s.path, Err: err}
		}
	}
	return out, nil
}

// readRawRegion gathers a hyperslab from the raw row-major building layout.
func (s *ArrayStore) readRawRegion(start, count []int) ([]byte, error) {
	elemSize := s.dtype.Size()
	raw := make([]byte, chunk.NumElements(count)*elemSize)
	err := chunk.ContiguousRuns(s.shape, start, count, func(arrOff, regOff, n int) error {
		_, rerr := s.file.ReadAt(raw[regOff*elemSize:(regOff+n)*elemSize], int64(arrOff)*int64(elemSize))
		return rerr
	})
	if err != nil {
		return nil, &StorageError{Op: "read", Path: s.path, Err: err}
	}
	return raw, nil
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Close releases the store's file handle. The on-disk artifact remains.
func (s *ArrayStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.file.Close(); err != nil {
		return &StorageError{Op: "close", Path: s.path, Err: err}
	}
	return nil
}

// Remove closes the store and deletes its data file and sidecar. Used to
// discard abandoned building-state output.
func (s *ArrayStore) Remove() error {
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return &StorageError{Op: "remove", Path: s.path, Err: err}
	}
	if err := os.Remove(sidecarPath(s.path)); err != nil && !os.IsNotExist(err) {
		return &StorageError{Op: "remove", Path: sidecarPath(s.path), Err: err}
	}
	return nil
}

// header snapshots the sidecar representation of the store.
func (s *ArrayStore) header() *arrayHeader {
	return &arrayHeader{
		SchemaName:    arraySchemaName,
		FormatVersion: sidecarFormatVersion,
		Shape:         s.shape,
		DType:         s.dtype.String(),
		ChunkShape:    s.chunkShape,
		DimLabels:     s.dimLabels,
		Codec:         s.codec.Name(),
		Finalized:     s.finalized,
		Chunks:        s.index,
		CreatedAt:     time.Now().UTC(),
	}
}

// defaultChunkRows sizes the default chunk along the time axis.
func defaultChunkRows(shape []int, dtype DType) int {
	rowBytes := dtype.Size()
	for _, d := range shape[1:] {
		rowBytes *= d
	}
	rows := targetChunkBytes / rowBytes
	if rows < 1 {
		rows = 1
	}
	return rows
}

// -----------------------------------------------------------------------------
// Sample encoding
// -----------------------------------------------------------------------------

// encodeSamples serializes samples little-endian at the given dtype.
func encodeSamples(t DType, src []float64) []byte {
	out := make([]byte, len(src)*t.Size())
	switch t {
	case Float32:
		for i, v := range src {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(float32(v)))
		}
	default:
		for i, v := range src {
			binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
		}
	}
	return out
}

// decodeSamples deserializes little-endian samples into dst.
func decodeSamples(t DType, src []byte, dst []float64) {
	switch t {
	case Float32:
		for i := range dst {
			dst[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:])))
		}
	default:
		for i := range dst {
			dst[i] = math.Float64frombits(binary.LittleEndian.Uint64(src[i*8:]))
		}
	}
}
