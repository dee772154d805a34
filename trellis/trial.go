package trellis

import (
	"fmt"
	"math"

	"github.com/spikeworks/trellis/internal/chunk"
)

// validate checks the trial-table invariants against a sample-axis extent:
// every span non-empty and in bounds. Ordering is deliberately not checked
// here: selections may reorder trials, and a reordered table must still
// validate.
func (td Trialdef) validate(extent int64) error {
	if len(td) == 0 {
		return &ConsistencyError{Reason: "trial definition is empty"}
	}
	for i, sp := range td {
		if sp.Start < 0 {
			return &ConsistencyError{Reason: fmt.Sprintf("trial %d starts at %d, before sample 0", i, sp.Start)}
		}
		if sp.Stop <= sp.Start {
			return &ConsistencyError{Reason: fmt.Sprintf("trial %d has stop %d <= start %d", i, sp.Stop, sp.Start)}
		}
		if sp.Stop > extent {
			return &ConsistencyError{Reason: fmt.Sprintf("trial %d stops at %d, past sample extent %d", i, sp.Stop, extent)}
		}
	}
	return nil
}

// ordered reports the first start-monotonicity violation. Tables handed in
// at container boundaries describe a physical concatenation and must keep
// non-decreasing starts; tables derived by selection are exempt.
func (td Trialdef) ordered() error {
	prev := int64(0)
	for i, sp := range td {
		if sp.Start < prev {
			return &ConsistencyError{Reason: fmt.Sprintf("trial %d starts at %d, before trial %d start %d", i, sp.Start, i-1, prev)}
		}
		prev = sp.Start
	}
	return nil
}

// clone copies the trial table; replacement semantics never share backing
// arrays between containers.
func (td Trialdef) clone() Trialdef {
	out := make(Trialdef, len(td))
	copy(out, td)
	return out
}

// -----------------------------------------------------------------------------
// Padding
// -----------------------------------------------------------------------------

// PadMode selects what synthetic samples are filled with.
type PadMode int

// Pad fill policies.
const (
	// PadNaN marks pad positions with NaN so downstream code can
	// distinguish them from data.
	PadNaN PadMode = iota

	// PadConstant fills pad positions with Pad.Value.
	PadConstant
)

// Pad extends a trial with synthetic samples before and after its span.
type Pad struct {
	Before int
	After  int
	Mode   PadMode
	Value  float64 // used when Mode is PadConstant
}

// fill returns the sample value for pad positions.
func (p Pad) fill() float64 {
	if p.Mode == PadConstant {
		return p.Value
	}
	return math.NaN()
}

// -----------------------------------------------------------------------------
// TrialView
// -----------------------------------------------------------------------------

// TrialView is a logical window into one trial of a store: trial span,
// channel selection, and padding. It owns no samples; a dense block exists
// only while a Materialize result is held. Views are the unit of work
// dispatched to transforms and live for one execution unit.
type TrialView struct {
	store    *ArrayStore
	index    int
	span     Span
	channels []int // store channel indices, always explicit
	pad      Pad
}

// NewTrialView creates a view of one trial. channels lists store channel
// indices to include, in order; nil selects all channels.
func NewTrialView(store *ArrayStore, index int, span Span, channels []int, pad Pad) *TrialView {
	if channels == nil {
		channels = make([]int, store.shape[1])
		for i := range channels {
			channels[i] = i
		}
	}
	return &TrialView{store: store, index: index, span: span, channels: channels, pad: pad}
}

// Index returns the trial index within the container's trial definition.
func (v *TrialView) Index() int { return v.index }

// Span returns the trial's location on the concatenated sample axis.
func (v *TrialView) Span() Span { return v.span }

// NumChannels returns the number of selected channels.
func (v *TrialView) NumChannels() int { return len(v.channels) }

// Shape returns the materialized shape without reading any samples:
// padded time rows, selected channels, then any trailing store dimensions.
func (v *TrialView) Shape() []int {
	shape := make([]int, len(v.store.shape))
	shape[0] = v.pad.Before + int(v.span.Len()) + v.pad.After
	shape[1] = len(v.channels)
	copy(shape[2:], v.store.shape[2:])
	return shape
}

// Materialize reads the view's region into a dense block, applying channel
// subsetting and padding. Idempotent; never mutates the store; results are
// not cached.
func (v *TrialView) Materialize() (*Block, error) {
	shape := v.Shape()
	out := NewBlock(shape...)

	if v.pad.Before > 0 || v.pad.After > 0 {
		fill := v.pad.fill()
		rowLen := chunk.NumElements(shape[1:])
		for i := 0; i < v.pad.Before*rowLen; i++ {
			out.Data[i] = fill
		}
		for i := (v.pad.Before + int(v.span.Len())) * rowLen; i < len(out.Data); i++ {
			out.Data[i] = fill
		}
	}

	rows := int(v.span.Len())
	start := make([]int, len(v.store.shape))
	count := make([]int, len(v.store.shape))
	start[0] = int(v.span.Start)
	count[0] = rows
	copy(count[2:], v.store.shape[2:])

	// Gather channels one contiguous run at a time to bound peak memory.
	dstStart := make([]int, len(shape))
	dstStart[0] = v.pad.Before
	for _, run := range contiguousIndexRuns(v.channels) {
		start[1] = run.first
		count[1] = run.n
		blk, err := v.store.ReadSlice(start, count)
		if err != nil {
			return nil, err
		}
		dstStart[1] = run.at
		srcStart := make([]int, len(shape))
		if err := chunk.CopyRegion(out.Data, shape, dstStart, blk.Data, count, srcStart, count); err != nil {
			return nil, &StorageError{Op: "read", Path: v.store.path, Err: err}
		}
	}
	return out, nil
}

// indexRun is a maximal ascending run of consecutive indices.
type indexRun struct {
	first int // first store index in the run
	n     int // run length
	at    int // position of the run in the selection order
}

// contiguousIndexRuns groups a selection into consecutive-index runs so
// gathers can use wide reads.
func contiguousIndexRuns(idx []int) []indexRun {
	var runs []indexRun
	for i := 0; i < len(idx); {
		j := i + 1
		for j < len(idx) && idx[j] == idx[j-1]+1 {
			j++
		}
		runs = append(runs, indexRun{first: idx[i], n: j - i, at: i})
		i = j
	}
	return runs
}
