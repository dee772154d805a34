package trellis

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// writeRawBinary synthesizes a recording file: header, then channel-major
// samples. samples[ch][i] is channel ch, sample i.
func writeRawBinary(t *testing.T, path string, dtypeCode uint8, tSample uint64, samples [][]float64) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	m := uint64(len(samples))
	n := uint64(len(samples[0]))
	const headerLen = 1 + 2 + 1 + 8 + 8 + 8

	for _, v := range []any{uint8(1), uint16(headerLen), dtypeCode, n, m, tSample} {
		if err := binary.Write(f, binary.LittleEndian, v); err != nil {
			t.Fatalf("write header: %v", err)
		}
	}
	for _, ch := range samples {
		for _, v := range ch {
			var err error
			switch dtypeCode {
			case 3: // int16
				err = binary.Write(f, binary.LittleEndian, int16(v))
			case 9: // float32
				err = binary.Write(f, binary.LittleEndian, float32(v))
			case 10: // float64
				err = binary.Write(f, binary.LittleEndian, v)
			default:
				t.Fatalf("unsupported test dtype %d", dtypeCode)
			}
			if err != nil {
				t.Fatalf("write sample: %v", err)
			}
		}
	}
}

func TestLoadRawBinary(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "rec.lfp")
	samples := [][]float64{
		{1, 2, 3, 4, 5, 6},
		{10, 20, 30, 40, 50, 60},
		{-1, -2, -3, -4, -5, -6},
	}
	writeRawBinary(t, src, 10, 1_000_000, samples) // 1 ms sampling interval

	c, err := LoadRawBinary(src, filepath.Join(dir, "rec.dat"), nil)
	if err != nil {
		t.Fatalf("LoadRawBinary: %v", err)
	}
	defer func() { _ = c.Close() }()

	if got := c.SampleRate(); got != 1000 {
		t.Errorf("sample rate %v, want 1000", got)
	}
	if got := c.Channels(); len(got) != 3 || got[0] != "channel1" || got[2] != "channel3" {
		t.Errorf("channels %v", got)
	}
	if c.NumTrials() != 1 {
		t.Fatalf("default trial count %d, want 1", c.NumTrials())
	}

	// Channel-major source is transposed to time x channel.
	blk, err := c.Trials()[0].Materialize()
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if got := blk.Shape; got[0] != 6 || got[1] != 3 {
		t.Fatalf("trial shape %v, want [6 3]", got)
	}
	for i := 0; i < 6; i++ {
		for ch := 0; ch < 3; ch++ {
			if got := blk.At(i, ch); got != samples[ch][i] {
				t.Fatalf("sample (%d, %d) = %v, want %v", i, ch, got, samples[ch][i])
			}
		}
	}
}

func TestLoadRawBinaryDtypes(t *testing.T) {
	samples := [][]float64{{-7, 0, 127}, {3, -3, 11}}
	for _, code := range []uint8{3, 9, 10} {
		dir := t.TempDir()
		src := filepath.Join(dir, "rec.lfp")
		writeRawBinary(t, src, code, 2_000_000, samples)

		c, err := LoadRawBinary(src, filepath.Join(dir, "rec.dat"), nil)
		if err != nil {
			t.Fatalf("dtype %d: LoadRawBinary: %v", code, err)
		}
		if got := c.SampleRate(); got != 500 {
			t.Errorf("dtype %d: sample rate %v, want 500", code, got)
		}
		blk, err := c.Trials()[0].Materialize()
		if err != nil {
			t.Fatalf("dtype %d: Materialize: %v", code, err)
		}
		if got := blk.At(2, 0); got != 127 {
			t.Errorf("dtype %d: sample = %v, want 127", code, got)
		}
		_ = c.Close()
	}
}

func TestLoadRawBinaryWithTrialdef(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "rec.lfp")
	writeRawBinary(t, src, 10, 1_000_000, [][]float64{{1, 2, 3, 4, 5, 6, 7, 8}})

	def := Trialdef{{Start: 0, Stop: 4, Offset: -2}, {Start: 4, Stop: 8, Offset: -2}}
	c, err := LoadRawBinary(src, filepath.Join(dir, "rec.dat"), def)
	if err != nil {
		t.Fatalf("LoadRawBinary: %v", err)
	}
	defer func() { _ = c.Close() }()
	if c.NumTrials() != 2 {
		t.Errorf("trials %d, want 2", c.NumTrials())
	}
	if got := c.Trialdef()[1].Offset; got != -2 {
		t.Errorf("offset %d, want -2", got)
	}
}

func TestLoadRawBinaryRejectsBadHeader(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "bad.lfp")
	if err := os.WriteFile(src, []byte{1, 2}, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadRawBinary(src, filepath.Join(dir, "bad.dat"), nil); err == nil {
		t.Error("expected error for truncated header")
	}

	// Unknown dtype code.
	src2 := filepath.Join(dir, "odd.lfp")
	writeRawBinaryHeaderOnly(t, src2, 42)
	if _, err := LoadRawBinary(src2, filepath.Join(dir, "odd.dat"), nil); err == nil {
		t.Error("expected error for unknown dtype code")
	}
}

func writeRawBinaryHeaderOnly(t *testing.T, path string, dtypeCode uint8) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	for _, v := range []any{uint8(1), uint16(28), dtypeCode, uint64(4), uint64(1), uint64(1000)} {
		if err := binary.Write(f, binary.LittleEndian, v); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func TestRawBinaryHeaderSampleRate(t *testing.T) {
	h := &rawBinaryHeader{TSample: 1_000_000_000}
	if got := h.SampleRate(); math.Abs(got-1) > 1e-12 {
		t.Errorf("SampleRate = %v, want 1", got)
	}
}
