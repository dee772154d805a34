package trellis

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// rawBinaryHeader is the fixed preamble of a raw binary recording file:
// version (u8), header length (u16), dtype code (u8), N samples (u64),
// M channels (u64), sampling interval in nanoseconds (u64), all
// little-endian. Sample data starts at the header-length offset,
// channel-major: channel 0's N samples first, then channel 1, and so on.
type rawBinaryHeader struct {
	Version   uint8
	HeaderLen uint16
	DTypeCode uint8
	N         uint64 // samples per channel
	M         uint64 // channels
	TSample   uint64 // sampling interval, ns
}

// SampleRate derives the sampling rate in Hz.
func (h *rawBinaryHeader) SampleRate() float64 {
	return 1e9 / float64(h.TSample)
}

// readRawBinaryHeader parses the preamble from r.
func readRawBinaryHeader(r io.Reader) (*rawBinaryHeader, error) {
	var h rawBinaryHeader
	fields := []any{&h.Version, &h.HeaderLen, &h.DTypeCode, &h.N, &h.M, &h.TSample}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, err
		}
	}
	if h.N == 0 || h.M == 0 {
		return nil, fmt.Errorf("header declares %d samples x %d channels", h.N, h.M)
	}
	if h.TSample == 0 {
		return nil, fmt.Errorf("header declares zero sampling interval")
	}
	return &h, nil
}

// rawDTypeSize maps raw binary dtype codes to sample widths in bytes.
// Codes 1-10: int8, uint8, int16, uint16, int32, uint32, int64, uint64,
// float32, float64.
func rawDTypeSize(code uint8) (int, error) {
	switch code {
	case 1, 2:
		return 1, nil
	case 3, 4:
		return 2, nil
	case 5, 6:
		return 4, nil
	case 7, 8:
		return 8, nil
	case 9:
		return 4, nil
	case 10:
		return 8, nil
	default:
		return 0, fmt.Errorf("unknown dtype code %d", code)
	}
}

// decodeRawSamples converts one channel's raw little-endian samples to
// float64.
func decodeRawSamples(code uint8, src []byte, dst []float64) {
	switch code {
	case 1:
		for i := range dst {
			dst[i] = float64(int8(src[i]))
		}
	case 2:
		for i := range dst {
			dst[i] = float64(src[i])
		}
	case 3:
		for i := range dst {
			dst[i] = float64(int16(binary.LittleEndian.Uint16(src[i*2:])))
		}
	case 4:
		for i := range dst {
			dst[i] = float64(binary.LittleEndian.Uint16(src[i*2:]))
		}
	case 5:
		for i := range dst {
			dst[i] = float64(int32(binary.LittleEndian.Uint32(src[i*4:])))
		}
	case 6:
		for i := range dst {
			dst[i] = float64(binary.LittleEndian.Uint32(src[i*4:]))
		}
	case 7:
		for i := range dst {
			dst[i] = float64(int64(binary.LittleEndian.Uint64(src[i*8:])))
		}
	case 8:
		for i := range dst {
			dst[i] = float64(binary.LittleEndian.Uint64(src[i*8:]))
		}
	case 9:
		for i := range dst {
			dst[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:])))
		}
	case 10:
		for i := range dst {
			dst[i] = math.Float64frombits(binary.LittleEndian.Uint64(src[i*8:]))
		}
	}
}

// LoadRawBinary imports a raw binary recording at srcPath into a finalized
// store at destPath and wraps it in a container. The channel-major source
// layout is transposed to the time x channel store layout, one channel at a
// time. Channel labels are auto-generated ("channel1", ...); def nil defines
// a single trial spanning the whole recording. Options configure the
// created store.
func LoadRawBinary(srcPath, destPath string, def Trialdef, opts ...Option) (*Container, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return nil, &StorageError{Op: "import", Path: srcPath, Err: err}
	}
	defer src.Close()

	hdr, err := readRawBinaryHeader(src)
	if err != nil {
		return nil, &StorageError{Op: "import", Path: srcPath, Err: err}
	}
	elemSize, err := rawDTypeSize(hdr.DTypeCode)
	if err != nil {
		return nil, &StorageError{Op: "import", Path: srcPath, Err: err}
	}

	n, m := int(hdr.N), int(hdr.M)
	store, err := CreateArrayStore(destPath, []int{n, m}, opts...)
	if err != nil {
		return nil, err
	}

	raw := make([]byte, n*elemSize)
	col := NewBlock(n, 1)
	for ch := 0; ch < m; ch++ {
		off := int64(hdr.HeaderLen) + int64(ch)*int64(n*elemSize)
		if _, err := src.ReadAt(raw, off); err != nil {
			_ = store.Remove()
			return nil, &StorageError{Op: "import", Path: srcPath, Err: err}
		}
		decodeRawSamples(hdr.DTypeCode, raw, col.Data)
		if err := store.WriteSlice([]int{0, ch}, col); err != nil {
			_ = store.Remove()
			return nil, err
		}
	}
	if err := store.Finalize(); err != nil {
		_ = store.Remove()
		return nil, err
	}

	if def == nil {
		def = Trialdef{{Start: 0, Stop: int64(n)}}
	}
	labels := make([]string, m)
	for i := range labels {
		labels[i] = fmt.Sprintf("channel%d", i+1)
	}
	meta := Metadata{"source": srcPath, "source_version": int(hdr.Version)}
	c, err := NewContainer([]*ArrayStore{store}, def, hdr.SampleRate(), labels, meta)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return c, nil
}
