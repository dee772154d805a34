// Package trellis represents trial-structured, multi-channel time-series
// recordings backed by chunked on-disk storage, and schedules analysis
// routines over them.
//
// Trellis focuses on the computation-and-storage engine: array stores,
// trial views, dataset containers, and the routine framework that applies a
// transform per trial under a pluggable executor. It does not implement any
// specific signal-processing algorithm.
package trellis

import "context"

// -----------------------------------------------------------------------------
// Core types
// -----------------------------------------------------------------------------

// Metadata holds user-defined key-value pairs stored with a container.
type Metadata map[string]any

// clone copies the map; derived containers never share metadata, so an
// annotation on one cannot leak into another.
func (m Metadata) clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// DType enumerates on-disk sample types. In-memory blocks are always
// []float64; narrower disk types are converted on read and write.
type DType int

// Supported on-disk sample types.
const (
	Float64 DType = iota
	Float32
)

// String returns the dtype identifier used in sidecar headers.
func (t DType) String() string {
	switch t {
	case Float64:
		return "float64"
	case Float32:
		return "float32"
	default:
		return "unknown"
	}
}

// Size returns the on-disk size of one sample in bytes.
func (t DType) Size() int {
	if t == Float32 {
		return 4
	}
	return 8
}

// parseDType resolves a sidecar dtype identifier.
func parseDType(s string) (DType, bool) {
	switch s {
	case "float64":
		return Float64, true
	case "float32":
		return Float32, true
	default:
		return 0, false
	}
}

// -----------------------------------------------------------------------------
// Block
// -----------------------------------------------------------------------------

// Block is a dense in-memory sample array in row-major order. Blocks are the
// currency between stores, trial views, and transforms.
type Block struct {
	// Shape lists the block's dimensions. By convention dimension 0 is time
	// and dimension 1 is channel for recording data.
	Shape []int

	// Data holds the samples in row-major order; len(Data) equals the
	// product of Shape.
	Data []float64
}

// NewBlock allocates a zero-filled block of the given shape.
func NewBlock(shape ...int) *Block {
	n := 1
	for _, d := range shape {
		n *= d
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Block{Shape: s, Data: make([]float64, n)}
}

// NumElements returns the total number of samples in the block.
func (b *Block) NumElements() int {
	n := 1
	for _, d := range b.Shape {
		n *= d
	}
	return n
}

// At returns the sample at the given multi-dimensional index.
// Intended for tests and small inspections, not bulk access.
func (b *Block) At(idx ...int) float64 {
	off := 0
	for d, i := range idx {
		off = off*b.Shape[d] + i
	}
	return b.Data[off]
}

// -----------------------------------------------------------------------------
// Trial definition
// -----------------------------------------------------------------------------

// Span locates one trial on the concatenated sample axis of a store.
// Offset is the trigger position relative to Start (samples; may be
// negative for pre-trigger baselines).
type Span struct {
	Start  int64 `json:"start"`
	Stop   int64 `json:"stop"`
	Offset int64 `json:"offset"`
}

// Len returns the trial length in samples.
func (s Span) Len() int64 { return s.Stop - s.Start }

// Trialdef is an ordered trial table over a concatenated sample axis.
// Trialdefs are immutable once a container is finalized; operations that
// change the trial structure replace the table wholesale.
type Trialdef []Span

// -----------------------------------------------------------------------------
// Transform
// -----------------------------------------------------------------------------

// Transform computes one output block from one materialized trial block.
// Transforms must be pure: no global mutable state, safe for concurrent
// invocation across trials. The output's dimension 0 is time; all other
// dimensions must be identical for every trial.
type Transform func(in *Block) (*Block, error)

// -----------------------------------------------------------------------------
// Executor
// -----------------------------------------------------------------------------

// WorkUnit is one independent, schedulable invocation of a transform.
type WorkUnit struct {
	// Index is the unit's deterministic slot; results are keyed by it
	// regardless of completion order.
	Index int

	// Fn performs the unit's work.
	Fn func(ctx context.Context) (*Block, error)
}

// Result carries a unit's outcome back from an executor. Exactly one of
// Block and Err is set.
type Result struct {
	Index int
	Block *Block
	Err   error
}

// Executor runs independent work units. Implementations vary from
// single-threaded immediate execution to externally managed worker pools;
// routines are unaware of which variant is active.
//
// All variants honor: results delivered exactly once per submitted unit,
// unit failures surfaced as Result.Err rather than aborting siblings, and
// Cancel dropping not-yet-started units while letting running units finish.
type Executor interface {
	// Submit schedules one unit. It fails with *ExecutorError when the
	// backend cannot accept work.
	Submit(ctx context.Context, u WorkUnit) error

	// Gather blocks until every unit submitted since the previous Gather is
	// accounted for and returns one result per unit. Ordering is
	// backend-specific; consumers key on Result.Index. Units dropped by a
	// cancellation report ErrCancelled.
	Gather(ctx context.Context) ([]Result, error)

	// Cancel stops not-yet-started units. Best effort: already-running
	// units complete or are abandoned.
	Cancel()

	// Shutdown releases executor resources. No Submit may follow.
	Shutdown() error
}
