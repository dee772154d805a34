package trellis

import (
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
)

// seqBlock builds a block whose samples encode their row-major position.
func seqBlock(shape ...int) *Block {
	b := NewBlock(shape...)
	for i := range b.Data {
		b.Data[i] = float64(i)
	}
	return b
}

func createTestStore(t *testing.T, shape []int, opts ...Option) *ArrayStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.dat")
	s, err := CreateArrayStore(path, shape, opts...)
	if err != nil {
		t.Fatalf("CreateArrayStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestArrayStoreRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts []Option
	}{
		{"raw_float64", nil},
		{"zstd", []Option{WithChunkCodec(NewZstdCodec())}},
		{"gzip", []Option{WithChunkCodec(NewGzipCodec())}},
		{"small_chunks", []Option{WithChunkRows(3)}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := createTestStore(t, []int{10, 4}, tc.opts...)
			in := seqBlock(10, 4)
			// Sprinkle NaN and infinities; round trips must be bit-exact.
			in.Data[5] = math.NaN()
			in.Data[17] = math.Inf(1)
			in.Data[23] = math.Inf(-1)

			if err := s.WriteSlice([]int{0, 0}, in); err != nil {
				t.Fatalf("WriteSlice: %v", err)
			}
			if err := s.Finalize(); err != nil {
				t.Fatalf("Finalize: %v", err)
			}

			out, err := s.ReadSlice([]int{0, 0}, []int{10, 4})
			if err != nil {
				t.Fatalf("ReadSlice: %v", err)
			}
			for i := range in.Data {
				if math.Float64bits(out.Data[i]) != math.Float64bits(in.Data[i]) {
					t.Fatalf("sample %d: got %v bits, want %v bits", i, out.Data[i], in.Data[i])
				}
			}
		})
	}
}

func TestArrayStoreReadAcrossChunks(t *testing.T) {
	s := createTestStore(t, []int{20, 3}, WithChunkRows(4))
	if err := s.WriteSlice([]int{0, 0}, seqBlock(20, 3)); err != nil {
		t.Fatalf("WriteSlice: %v", err)
	}
	if err := s.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	// Slice [3, 11) x [1, 3) straddles three chunk boundaries.
	out, err := s.ReadSlice([]int{3, 1}, []int{8, 2})
	if err != nil {
		t.Fatalf("ReadSlice: %v", err)
	}
	for r := 0; r < 8; r++ {
		for c := 0; c < 2; c++ {
			want := float64((r+3)*3 + c + 1)
			if got := out.At(r, c); got != want {
				t.Fatalf("out[%d][%d] = %v, want %v", r, c, got, want)
			}
		}
	}
}

func TestArrayStoreReadBeforeFinalize(t *testing.T) {
	s := createTestStore(t, []int{6, 2})
	if err := s.WriteSlice([]int{2, 0}, seqBlock(2, 2)); err != nil {
		t.Fatalf("WriteSlice: %v", err)
	}
	out, err := s.ReadSlice([]int{2, 0}, []int{2, 2})
	if err != nil {
		t.Fatalf("ReadSlice (building): %v", err)
	}
	if out.At(1, 1) != 3 {
		t.Errorf("building-state read: got %v, want 3", out.At(1, 1))
	}
}

func TestArrayStoreConcurrentDisjointWrites(t *testing.T) {
	s := createTestStore(t, []int{40, 2})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			blk := NewBlock(10, 2)
			for i := range blk.Data {
				blk.Data[i] = float64(w)
			}
			if err := s.WriteSlice([]int{w * 10, 0}, blk); err != nil {
				t.Errorf("writer %d: %v", w, err)
			}
		}(w)
	}
	wg.Wait()

	if err := s.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	out, err := s.ReadSlice([]int{0, 0}, []int{40, 2})
	if err != nil {
		t.Fatalf("ReadSlice: %v", err)
	}
	for w := 0; w < 4; w++ {
		if got := out.At(w*10+5, 1); got != float64(w) {
			t.Errorf("region %d holds %v, want %v", w, got, float64(w))
		}
	}
}

func TestArrayStoreLifecycle(t *testing.T) {
	s := createTestStore(t, []int{4, 2})
	if err := s.WriteSlice([]int{0, 0}, seqBlock(4, 2)); err != nil {
		t.Fatalf("WriteSlice: %v", err)
	}
	if err := s.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	// Writes after finalize are rejected.
	err := s.WriteSlice([]int{0, 0}, seqBlock(1, 2))
	if !errors.Is(err, ErrFinalized) {
		t.Errorf("write after finalize: got %v, want ErrFinalized", err)
	}

	// Finalize is not repeatable.
	if err := s.Finalize(); !errors.Is(err, ErrFinalized) {
		t.Errorf("second finalize: got %v, want ErrFinalized", err)
	}
}

func TestOpenArrayStoreRequiresFinalized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "building.dat")
	s, err := CreateArrayStore(path, []int{4, 2})
	if err != nil {
		t.Fatalf("CreateArrayStore: %v", err)
	}
	defer func() { _ = s.Close() }()

	if _, err := OpenArrayStore(path); !errors.Is(err, ErrNotFinalized) {
		t.Errorf("open of building store: got %v, want ErrNotFinalized", err)
	}
}

func TestOpenArrayStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.dat")
	s, err := CreateArrayStore(path, []int{8, 3},
		WithChunkCodec(NewZstdCodec()), WithDimLabels("time", "channel"))
	if err != nil {
		t.Fatalf("CreateArrayStore: %v", err)
	}
	in := seqBlock(8, 3)
	if err := s.WriteSlice([]int{0, 0}, in); err != nil {
		t.Fatalf("WriteSlice: %v", err)
	}
	if err := s.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	_ = s.Close()

	reopened, err := OpenArrayStore(path)
	if err != nil {
		t.Fatalf("OpenArrayStore: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	if got := reopened.Shape(); got[0] != 8 || got[1] != 3 {
		t.Errorf("reopened shape %v", got)
	}
	if labels := reopened.DimLabels(); len(labels) != 2 || labels[0] != "time" {
		t.Errorf("reopened labels %v", labels)
	}
	out, err := reopened.ReadSlice([]int{0, 0}, []int{8, 3})
	if err != nil {
		t.Fatalf("ReadSlice: %v", err)
	}
	for i := range in.Data {
		if out.Data[i] != in.Data[i] {
			t.Fatalf("sample %d: got %v, want %v", i, out.Data[i], in.Data[i])
		}
	}
}

func TestArrayStoreFloat32(t *testing.T) {
	s := createTestStore(t, []int{4, 2}, WithDType(Float32))
	in := NewBlock(4, 2)
	for i := range in.Data {
		in.Data[i] = float64(float32(0.1 * float64(i+1)))
	}
	if err := s.WriteSlice([]int{0, 0}, in); err != nil {
		t.Fatalf("WriteSlice: %v", err)
	}
	if err := s.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	out, err := s.ReadSlice([]int{0, 0}, []int{4, 2})
	if err != nil {
		t.Fatalf("ReadSlice: %v", err)
	}
	for i := range in.Data {
		if out.Data[i] != in.Data[i] {
			t.Fatalf("sample %d: got %v, want %v after float32 round trip", i, out.Data[i], in.Data[i])
		}
	}
}

func TestArrayStoreBoundsChecks(t *testing.T) {
	s := createTestStore(t, []int{4, 2})

	var oob *OutOfBoundsError
	if err := s.WriteSlice([]int{3, 0}, seqBlock(2, 2)); !errors.As(err, &oob) {
		t.Errorf("overhanging write: got %v, want OutOfBoundsError", err)
	}
	if _, err := s.ReadSlice([]int{0, 0}, []int{5, 2}); !errors.As(err, &oob) {
		t.Errorf("overhanging read: got %v, want OutOfBoundsError", err)
	}

	var sm *ShapeMismatchError
	if err := s.WriteSlice([]int{0, 0}, seqBlock(4)); !errors.As(err, &sm) {
		t.Errorf("rank mismatch: got %v, want ShapeMismatchError", err)
	}
}

func TestCreateArrayStoreRejectsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dup.dat")
	s, err := CreateArrayStore(path, []int{2, 2})
	if err != nil {
		t.Fatalf("CreateArrayStore: %v", err)
	}
	defer func() { _ = s.Close() }()

	if _, err := CreateArrayStore(path, []int{2, 2}); err == nil {
		t.Error("expected error creating store over existing file")
	}
}

func TestStoreOptionValidation(t *testing.T) {
	dir := t.TempDir()
	if _, err := CreateArrayStore(filepath.Join(dir, "a.dat"), []int{2, 2}, WithChunkRows(-1)); err == nil {
		t.Error("expected error for negative chunk rows")
	}
	if _, err := CreateArrayStore(filepath.Join(dir, "b.dat"), []int{2, 2}, WithKeepTrials(false)); !errors.Is(err, ErrOptionNotValidForStore) {
		t.Errorf("routine option on store: got %v, want ErrOptionNotValidForStore", err)
	}
	if _, err := CreateArrayStore(filepath.Join(dir, "c.dat"), []int{2, 0}); err == nil {
		t.Error("expected error for non-positive shape dimension")
	}
}
