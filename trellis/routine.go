package trellis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// routineConfig holds resolved NewRoutine configuration.
type routineConfig struct {
	dtype         DType
	codec         ChunkCodec
	chunkRows     int
	declared      []int // declared non-time output shape; nil = infer
	keepTrials    bool
	chanBlock     int // 0 = whole-trial units
	inferSmallest bool
	logger        *zap.Logger
	workDir       string
}

// Routine applies one transform to every trial of a container and assembles
// the outputs into a new container. The routine owns shape inference, output
// allocation, work-unit partitioning, deterministic write-back, and error
// aggregation; the executor only runs units.
type Routine struct {
	fn  Transform
	cfg routineConfig
}

// NewRoutine wraps a transform for execution over containers.
func NewRoutine(fn Transform, opts ...Option) (*Routine, error) {
	if fn == nil {
		return nil, errors.New("trellis: transform must not be nil")
	}
	cfg := routineConfig{
		dtype:      Float64,
		codec:      NewRawCodec(),
		keepTrials: true,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt.applyRoutine(&cfg); err != nil {
			return nil, fmt.Errorf("trellis: %w", err)
		}
	}
	return &Routine{fn: fn, cfg: cfg}, nil
}

// RunError aggregates per-trial transform failures from one run. The output
// store is withheld from finalization and left in the building state under
// Partial so callers can inspect or Remove it.
type RunError struct {
	// Failures holds one entry per failed trial, ordered by trial index.
	Failures []*TransformError

	// Partial is the unfinalized output store, nil when allocation never
	// happened.
	Partial *ArrayStore
}

func (e *RunError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "trellis: run failed on %d trial(s):", len(e.Failures))
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "\n  trial %d: %v", f.Trial, f.Err)
	}
	return b.String()
}

// -----------------------------------------------------------------------------
// Run
// -----------------------------------------------------------------------------

// plan is the resolved geometry of one run, fixed before any unit executes.
type plan struct {
	nonTime  []int // output shape past the time dimension, full channel width
	outRows  []int // output time rows per trial
	rowStart []int // output row offset per trial
	total    int   // total output rows
	uniform  bool  // all trials produce the same number of rows
}

// unit is one schedulable slice of the run: a trial, optionally restricted
// to a channel block.
type unit struct {
	trial     int
	chanFirst int // first selected-channel index of the block
	chanCount int
}

// Run executes the routine over every trial of c using exec and returns a
// new container over a freshly allocated, finalized store. The input is
// never mutated.
//
// Transform failures do not stop sibling trials: all units are attempted,
// and failures come back aggregated in a *RunError. Storage and executor
// failures abort the run immediately.
func (r *Routine) Run(ctx context.Context, c *Container, exec Executor) (*Container, error) {
	log := r.cfg.logger

	pl, err := r.infer(c)
	if err != nil {
		return nil, err
	}
	if !r.cfg.keepTrials && !pl.uniform {
		return nil, &ConsistencyError{Reason: "trial averaging requires identical output shapes across trials"}
	}

	units := r.partition(c, pl)
	log.Info("run starting",
		zap.Int("trials", c.NumTrials()),
		zap.Int("units", len(units)),
		zap.Ints("non_time_shape", pl.nonTime),
		zap.Bool("keep_trials", r.cfg.keepTrials))

	out, err := r.allocate(c, pl)
	if err != nil {
		return nil, err
	}

	// Write-back starts only after a complete gather, so at this point the
	// output holds no trial data and can be discarded outright. Transform
	// failures surface later, through RunError with the partial store intact.
	results, runErr := r.execute(ctx, c, pl, units, exec)
	if runErr != nil {
		_ = out.Remove()
		return nil, runErr
	}

	failures, err := r.writeBack(c, pl, units, results, out)
	if err != nil {
		_ = out.Remove()
		return nil, err
	}
	if len(failures) > 0 {
		log.Warn("run had trial failures", zap.Int("failed", len(failures)))
		return nil, &RunError{Failures: failures, Partial: out}
	}

	if err := out.Finalize(); err != nil {
		return nil, err
	}
	log.Info("run finalized", zap.String("store", out.Path()), zap.Int("rows", pl.total))

	return r.assemble(c, pl, out)
}

// infer resolves the run's output geometry: from the declared output shape
// when given, otherwise by a dry run of the transform on one trial.
func (r *Routine) infer(c *Container) (*plan, error) {
	views := c.Trials()
	if len(views) == 0 {
		return nil, &ConsistencyError{Reason: "container has no trials"}
	}

	pl := &plan{}
	timePreserving := true
	fixedRows := 0

	if r.cfg.declared != nil {
		if len(r.cfg.declared) == 0 {
			return nil, &ShapeMismatchError{Trial: -1, Want: []int{-1, 1}, Got: []int{-1}}
		}
		pl.nonTime = append([]int(nil), r.cfg.declared...)
	} else {
		probe := 0
		if r.cfg.inferSmallest {
			for i, v := range views {
				if v.Span().Len() < views[probe].Span().Len() {
					probe = i
				}
			}
		}
		view := views[probe]
		if r.cfg.chanBlock > 0 {
			// Units see channel blocks, so the dry run must too.
			blockChans := r.cfg.chanBlock
			if blockChans > view.NumChannels() {
				blockChans = view.NumChannels()
			}
			blockView, err := c.Select(nil, seq(0, blockChans))
			if err != nil {
				return nil, err
			}
			view = blockView.Trials()[probe]
		}
		in, err := view.Materialize()
		if err != nil {
			return nil, err
		}
		got, err := r.fn(in)
		if err != nil {
			return nil, &TransformError{Trial: view.Index(), Err: err}
		}
		if len(got.Shape) < 2 {
			return nil, &ShapeMismatchError{Trial: view.Index(), Want: []int{-1, 1}, Got: got.Shape}
		}
		pl.nonTime = append([]int(nil), got.Shape[1:]...)
		if r.cfg.chanBlock > 0 {
			if got.Shape[1] != in.Shape[1] {
				return nil, &ShapeMismatchError{Trial: view.Index(),
					Want: []int{got.Shape[0], in.Shape[1]}, Got: got.Shape[:2]}
			}
			pl.nonTime[0] = len(c.channels)
		}
		if got.Shape[0] != in.Shape[0] {
			timePreserving = false
			fixedRows = got.Shape[0]
		}
	}

	pl.outRows = make([]int, len(views))
	pl.rowStart = make([]int, len(views))
	pl.uniform = true
	for i, v := range views {
		rows := fixedRows
		if timePreserving {
			rows = int(v.Span().Len())
		}
		pl.outRows[i] = rows
		pl.rowStart[i] = pl.total
		pl.total += rows
		if rows != pl.outRows[0] {
			pl.uniform = false
		}
	}
	return pl, nil
}

// partition slices the run into units: one per trial, or one per trial and
// channel block when channel blocking is enabled.
func (r *Routine) partition(c *Container, pl *plan) []unit {
	nchan := len(c.channels)
	if r.cfg.chanBlock <= 0 || r.cfg.chanBlock >= nchan {
		units := make([]unit, c.NumTrials())
		for i := range units {
			units[i] = unit{trial: i, chanFirst: 0, chanCount: nchan}
		}
		return units
	}
	var units []unit
	for t := 0; t < c.NumTrials(); t++ {
		for first := 0; first < nchan; first += r.cfg.chanBlock {
			n := r.cfg.chanBlock
			if first+n > nchan {
				n = nchan - first
			}
			units = append(units, unit{trial: t, chanFirst: first, chanCount: n})
		}
	}
	return units
}

// allocate creates the building-state output store, chunk rows aligned to
// trial boundaries when the output is uniform.
func (r *Routine) allocate(c *Container, pl *plan) (*ArrayStore, error) {
	rows := pl.total
	if r.cfg.keepTrials {
		if !pl.uniform || pl.outRows[0] == 0 {
			rows = 0 // fall back to the byte-size default
		} else {
			rows = pl.outRows[0]
		}
	} else {
		rows = pl.outRows[0]
	}
	total := pl.total
	if !r.cfg.keepTrials {
		total = pl.outRows[0]
	}

	shape := append([]int{total}, pl.nonTime...)
	opts := []Option{WithDType(r.cfg.dtype), WithChunkCodec(r.cfg.codec)}
	if r.cfg.chunkRows > 0 {
		opts = append(opts, WithChunkRows(r.cfg.chunkRows))
	} else if rows > 0 {
		opts = append(opts, WithChunkRows(rows))
	}

	dir := r.cfg.workDir
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, fmt.Sprintf("trellis-%s.dat", uuid.NewString()))
	return CreateArrayStore(path, shape, opts...)
}

// execute submits all units and gathers their results, keyed by unit index.
// Storage, executor, and cancellation errors abort; transform errors pass
// through inside results.
func (r *Routine) execute(ctx context.Context, c *Container, pl *plan, units []unit, exec Executor) (map[int]Result, error) {
	for i, u := range units {
		if err := ctx.Err(); err != nil {
			exec.Cancel()
			_, _ = exec.Gather(context.Background())
			return nil, &ExecutorError{Op: "submit", Err: ErrCancelled}
		}
		fn := r.unitFn(c, u)
		if err := exec.Submit(ctx, WorkUnit{Index: i, Fn: fn}); err != nil {
			exec.Cancel()
			_, _ = exec.Gather(context.Background())
			return nil, err
		}
	}

	gathered, err := exec.Gather(ctx)
	if err != nil {
		return nil, err
	}
	results := make(map[int]Result, len(gathered))
	for _, res := range gathered {
		if _, dup := results[res.Index]; dup {
			return nil, &ExecutorError{Op: "gather", Err: fmt.Errorf("duplicate result for unit %d", res.Index)}
		}
		results[res.Index] = res
	}
	for i := range units {
		if _, ok := results[i]; !ok {
			return nil, &ExecutorError{Op: "gather", Err: fmt.Errorf("no result for unit %d", i)}
		}
	}
	return results, nil
}

// unitFn builds the closure for one unit: materialize the trial slice, run
// the transform, tag its failures with the trial index.
func (r *Routine) unitFn(c *Container, u unit) func(context.Context) (*Block, error) {
	store := c.stores[0]
	span := c.trialdef[u.trial]
	channels := make([]int, u.chanCount)
	for i := range channels {
		sel := u.chanFirst + i
		if c.chanIdx != nil {
			channels[i] = c.chanIdx[sel]
		} else {
			channels[i] = sel
		}
	}
	trial := u.trial
	return func(ctx context.Context) (*Block, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		view := NewTrialView(store, trial, span, channels, Pad{})
		in, err := view.Materialize()
		if err != nil {
			return nil, err
		}
		out, err := r.fn(in)
		if err != nil {
			return nil, &TransformError{Trial: trial, Err: err}
		}
		return out, nil
	}
}

// writeBack places unit outputs into the store at their deterministic
// positions. Transform failures are collected; any other failure aborts.
func (r *Routine) writeBack(c *Container, pl *plan, units []unit, results map[int]Result, out *ArrayStore) ([]*TransformError, error) {
	rank := 1 + len(pl.nonTime)
	var failures []*TransformError
	failed := make(map[int]bool)

	var sum *Block
	if !r.cfg.keepTrials {
		sum = NewBlock(append([]int{pl.outRows[0]}, pl.nonTime...)...)
	}

	for i, u := range units {
		res := results[i]
		if res.Err != nil {
			var terr *TransformError
			if errors.As(res.Err, &terr) {
				if !failed[terr.Trial] {
					failed[terr.Trial] = true
					failures = append(failures, terr)
				}
				continue
			}
			return nil, res.Err
		}

		want := make([]int, rank)
		want[0] = pl.outRows[u.trial]
		copy(want[1:], pl.nonTime)
		if r.cfg.chanBlock > 0 {
			want[1] = u.chanCount
		}
		if !shapeEqual(res.Block.Shape, want) {
			return nil, &ShapeMismatchError{Trial: u.trial, Want: want, Got: res.Block.Shape}
		}

		if r.cfg.keepTrials {
			start := make([]int, rank)
			start[0] = pl.rowStart[u.trial]
			start[1] = u.chanFirst
			if err := out.WriteSlice(start, res.Block); err != nil {
				return nil, err
			}
		} else {
			accumulate(sum, res.Block, u.chanFirst)
		}
	}

	if len(failures) > 0 {
		sortFailures(failures)
		return failures, nil
	}

	if !r.cfg.keepTrials {
		n := float64(c.NumTrials())
		for i := range sum.Data {
			sum.Data[i] /= n
		}
		if err := out.WriteSlice(make([]int, rank), sum); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// assemble wraps the finalized store in a result container: consecutive
// trial spans, carried-over sample rate and metadata.
func (r *Routine) assemble(c *Container, pl *plan, out *ArrayStore) (*Container, error) {
	var def Trialdef
	if r.cfg.keepTrials {
		def = make(Trialdef, len(pl.outRows))
		for i, rows := range pl.outRows {
			start := int64(pl.rowStart[i])
			def[i] = Span{Start: start, Stop: start + int64(rows), Offset: c.trialdef[i].Offset}
		}
	} else {
		def = Trialdef{{Start: 0, Stop: int64(pl.outRows[0])}}
	}

	labels := c.Channels()
	if len(pl.nonTime) == 0 || pl.nonTime[0] != len(labels) {
		labels = make([]string, pl.nonTime[0])
		for i := range labels {
			labels[i] = fmt.Sprintf("channel%d", i+1)
		}
	}

	return NewContainer([]*ArrayStore{out}, def, c.sampleRate, labels, c.meta.clone())
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// accumulate adds blk into sum at channel offset chanFirst. Shapes match
// except possibly the channel dimension.
func accumulate(sum, blk *Block, chanFirst int) {
	rows := blk.Shape[0]
	trail := 1
	for _, d := range blk.Shape[2:] {
		trail *= d
	}
	sumRow := sum.Shape[1] * trail
	blkRow := blk.Shape[1] * trail
	for r := 0; r < rows; r++ {
		dst := sum.Data[r*sumRow+chanFirst*trail:]
		src := blk.Data[r*blkRow : (r+1)*blkRow]
		for i, v := range src {
			dst[i] += v
		}
	}
}

// sortFailures orders failures by trial index (insertion sort; failure
// counts are small).
func sortFailures(fs []*TransformError) {
	for i := 1; i < len(fs); i++ {
		for j := i; j > 0 && fs[j].Trial < fs[j-1].Trial; j-- {
			fs[j], fs[j-1] = fs[j-1], fs[j]
		}
	}
}

// seq returns [from, from+n) as a slice.
func seq(from, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = from + i
	}
	return out
}
