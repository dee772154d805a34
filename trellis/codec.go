package trellis

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// -----------------------------------------------------------------------------
// Chunk codec interface
// -----------------------------------------------------------------------------

// ChunkCodec compresses and decompresses individual chunks at finalize and
// read time. Codecs are pluggable and orthogonal to shape, dtype, and trial
// structure; the building-state data file is always raw.
type ChunkCodec interface {
	// Name returns the codec identifier recorded in the sidecar
	// (for example, "zstd", "gzip", "raw").
	Name() string

	// Encode compresses one raw chunk.
	Encode(chunk []byte) ([]byte, error)

	// Decode decompresses one chunk. rawSize is the expected decoded size in
	// bytes, known from the chunk grid.
	Decode(chunk []byte, rawSize int) ([]byte, error)
}

// codecByName resolves the codec recorded in a sidecar header.
func codecByName(name string) (ChunkCodec, error) {
	switch name {
	case "", "raw":
		return NewRawCodec(), nil
	case "gzip":
		return NewGzipCodec(), nil
	case "zstd":
		return NewZstdCodec(), nil
	default:
		return nil, fmt.Errorf("trellis: unknown chunk codec %q", name)
	}
}

// -----------------------------------------------------------------------------
// Raw codec
// -----------------------------------------------------------------------------

// rawCodec passes chunks through unchanged.
type rawCodec struct{}

// NewRawCodec creates the identity codec. Finalized chunks are stored
// uncompressed at grid-deterministic offsets.
func NewRawCodec() ChunkCodec { return &rawCodec{} }

func (rawCodec) Name() string { return "raw" }

func (rawCodec) Encode(chunk []byte) ([]byte, error) { return chunk, nil }

func (rawCodec) Decode(chunk []byte, rawSize int) ([]byte, error) {
	if len(chunk) != rawSize {
		return nil, fmt.Errorf("trellis: raw chunk is %d bytes, want %d", len(chunk), rawSize)
	}
	return chunk, nil
}

// -----------------------------------------------------------------------------
// Zstd codec
// -----------------------------------------------------------------------------

// zstdCodec compresses chunks with Zstandard.
type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstdCodec creates a zstd chunk codec. Zstd gives higher ratios and
// faster decompression than gzip on waveform data.
func NewZstdCodec() ChunkCodec {
	// Both constructors only fail on invalid options; none are passed.
	enc, _ := zstd.NewWriter(nil)
	dec, _ := zstd.NewReader(nil)
	return &zstdCodec{enc: enc, dec: dec}
}

func (*zstdCodec) Name() string { return "zstd" }

func (z *zstdCodec) Encode(chunk []byte) ([]byte, error) {
	return z.enc.EncodeAll(chunk, make([]byte, 0, len(chunk)/2)), nil
}

func (z *zstdCodec) Decode(chunk []byte, rawSize int) ([]byte, error) {
	out, err := z.dec.DecodeAll(chunk, make([]byte, 0, rawSize))
	if err != nil {
		return nil, err
	}
	if len(out) != rawSize {
		return nil, fmt.Errorf("trellis: zstd chunk decoded to %d bytes, want %d", len(out), rawSize)
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Gzip codec
// -----------------------------------------------------------------------------

// gzipCodec compresses chunks with standard gzip.
type gzipCodec struct{}

// NewGzipCodec creates a gzip chunk codec.
func NewGzipCodec() ChunkCodec { return &gzipCodec{} }

func (gzipCodec) Name() string { return "gzip" }

func (gzipCodec) Encode(chunk []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(chunk); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCodec) Decode(chunk []byte, rawSize int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(chunk))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	out := make([]byte, rawSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	// A well-formed chunk ends exactly at rawSize.
	if n, _ := r.Read(make([]byte, 1)); n != 0 {
		return nil, fmt.Errorf("trellis: gzip chunk longer than expected %d bytes", rawSize)
	}
	return out, nil
}
