package trellis

import (
	"bytes"
	"strings"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i % 7)
	}

	for _, codec := range []ChunkCodec{NewRawCodec(), NewGzipCodec(), NewZstdCodec()} {
		t.Run(codec.Name(), func(t *testing.T) {
			enc, err := codec.Encode(payload)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			dec, err := codec.Decode(enc, len(payload))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !bytes.Equal(dec, payload) {
				t.Error("decoded chunk differs from original")
			}
		})
	}
}

func TestCodecByName(t *testing.T) {
	for _, name := range []string{"raw", "gzip", "zstd"} {
		codec, err := codecByName(name)
		if err != nil {
			t.Fatalf("codecByName(%q): %v", name, err)
		}
		if codec.Name() != name {
			t.Errorf("codecByName(%q).Name() = %q", name, codec.Name())
		}
	}

	// Empty means raw (pre-codec sidecars).
	codec, err := codecByName("")
	if err != nil {
		t.Fatalf("codecByName(\"\"): %v", err)
	}
	if codec.Name() != "raw" {
		t.Errorf("empty codec name resolved to %q, want raw", codec.Name())
	}

	if _, err := codecByName("lz77"); err == nil {
		t.Error("expected error for unknown codec name")
	} else if !strings.Contains(err.Error(), "lz77") {
		t.Errorf("error should name the codec: %v", err)
	}
}

func TestRawCodecSizeCheck(t *testing.T) {
	codec := NewRawCodec()
	if _, err := codec.Decode([]byte{1, 2, 3}, 8); err == nil {
		t.Error("expected size mismatch error")
	}
}

func TestZstdCompresses(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 1<<16)
	enc, err := NewZstdCodec().Encode(payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(enc) >= len(payload) {
		t.Errorf("zstd did not shrink a constant payload: %d >= %d", len(enc), len(payload))
	}
}
