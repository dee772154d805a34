package trellis

import (
	"context"
	"fmt"
	"sync"
)

// -----------------------------------------------------------------------------
// Sequential executor
// -----------------------------------------------------------------------------

// sequentialExecutor runs every unit inline at Submit time, in submission
// order. It is the default strategy and the reference for result semantics:
// exactly one Result per submitted unit, failures captured rather than
// aborting the batch.
type sequentialExecutor struct {
	mu        sync.Mutex
	results   []Result
	cancelled bool
	shutdown  bool
}

// NewSequentialExecutor returns an executor that runs units one at a time on
// the submitting goroutine.
func NewSequentialExecutor() Executor {
	return &sequentialExecutor{}
}

func (e *sequentialExecutor) Submit(ctx context.Context, unit WorkUnit) error {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return &ExecutorError{Op: "submit", Err: ErrExecutorClosed}
	}
	if e.cancelled {
		e.mu.Unlock()
		return &ExecutorError{Op: "submit", Err: ErrCancelled}
	}
	e.mu.Unlock()

	var res Result
	res.Index = unit.Index
	if err := ctx.Err(); err != nil {
		res.Err = err
	} else {
		res.Block, res.Err = runUnit(ctx, unit)
	}

	e.mu.Lock()
	e.results = append(e.results, res)
	e.mu.Unlock()
	return nil
}

func (e *sequentialExecutor) Gather(context.Context) ([]Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.results
	e.results = nil
	return out, nil
}

func (e *sequentialExecutor) Cancel() {
	e.mu.Lock()
	e.cancelled = true
	e.mu.Unlock()
}

func (e *sequentialExecutor) Shutdown() error {
	e.mu.Lock()
	e.shutdown = true
	e.mu.Unlock()
	return nil
}

// -----------------------------------------------------------------------------
// Pool executor
// -----------------------------------------------------------------------------

// poolExecutor fans units out to a bounded set of worker goroutines. Results
// arrive in completion order; the routine reorders by unit index on
// write-back, so the executor makes no ordering promise.
//
// Completed results accumulate in a slice rather than a channel: workers
// never block on delivery, so Submit-everything-then-Gather never deadlocks
// regardless of batch size.
type poolExecutor struct {
	units chan poolUnit

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	pending  int
	results  []Result
	notify   chan struct{}
	shutdown bool
	done     sync.WaitGroup
}

type poolUnit struct {
	ctx  context.Context
	unit WorkUnit
}

// NewPoolExecutor returns an executor backed by workers goroutines. Submit
// blocks when all workers are busy and the queue is full, providing natural
// backpressure on wide containers.
func NewPoolExecutor(workers int) (Executor, error) {
	if workers <= 0 {
		return nil, &ExecutorError{Op: "create", Err: fmt.Errorf("worker count must be positive, got %d", workers)}
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &poolExecutor{
		units:  make(chan poolUnit, workers),
		notify: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	e.done.Add(workers)
	for i := 0; i < workers; i++ {
		go e.worker()
	}
	return e, nil
}

func (e *poolExecutor) worker() {
	defer e.done.Done()
	for pu := range e.units {
		var res Result
		res.Index = pu.unit.Index
		if err := e.ctx.Err(); err != nil {
			res.Err = ErrCancelled
		} else if err := pu.ctx.Err(); err != nil {
			res.Err = err
		} else {
			res.Block, res.Err = runUnit(pu.ctx, pu.unit)
		}

		e.mu.Lock()
		e.results = append(e.results, res)
		e.mu.Unlock()
		select {
		case e.notify <- struct{}{}:
		default:
		}
	}
}

func (e *poolExecutor) Submit(ctx context.Context, unit WorkUnit) error {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return &ExecutorError{Op: "submit", Err: ErrExecutorClosed}
	}
	e.pending++
	e.mu.Unlock()

	select {
	case e.units <- poolUnit{ctx: ctx, unit: unit}:
		return nil
	case <-e.ctx.Done():
		e.mu.Lock()
		e.pending--
		e.mu.Unlock()
		return &ExecutorError{Op: "submit", Err: ErrCancelled}
	case <-ctx.Done():
		e.mu.Lock()
		e.pending--
		e.mu.Unlock()
		return &ExecutorError{Op: "submit", Err: ctx.Err()}
	}
}

// Gather collects one Result per submitted unit since the previous Gather.
// It blocks until all in-flight units finish or ctx expires.
func (e *poolExecutor) Gather(ctx context.Context) ([]Result, error) {
	for {
		e.mu.Lock()
		if len(e.results) >= e.pending {
			out := e.results
			e.results = nil
			e.pending = 0
			e.mu.Unlock()
			return out, nil
		}
		e.mu.Unlock()

		select {
		case <-e.notify:
		case <-ctx.Done():
			e.mu.Lock()
			out := e.results
			e.results = nil
			e.pending = 0
			e.mu.Unlock()
			return out, &ExecutorError{Op: "gather", Err: ctx.Err()}
		}
	}
}

// Cancel stops in-flight work at the next unit boundary; already queued
// units complete with ErrCancelled so Gather still sees one result each.
func (e *poolExecutor) Cancel() {
	e.cancel()
}

func (e *poolExecutor) Shutdown() error {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return nil
	}
	e.shutdown = true
	e.mu.Unlock()

	close(e.units)
	e.done.Wait()
	e.cancel()
	return nil
}

// runUnit executes a unit's function, converting a panic into an error so a
// misbehaving transform fails its own unit instead of the process.
func runUnit(ctx context.Context, unit WorkUnit) (blk *Block, err error) {
	defer func() {
		if r := recover(); r != nil {
			blk = nil
			err = fmt.Errorf("work unit %d panicked: %v", unit.Index, r)
		}
	}()
	return unit.Fn(ctx)
}
