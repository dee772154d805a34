package trellis

import (
	"context"
	"sync"
)

// -----------------------------------------------------------------------------
// Worker pools
// -----------------------------------------------------------------------------

// Job is one unit of work handed to a worker pool.
type Job struct {
	// ID identifies the job in its batch; pools echo it back unchanged.
	ID int

	// Run performs the job.
	Run func(ctx context.Context) (*Block, error)
}

// JobResult is a pool's report for one job.
type JobResult struct {
	ID    int
	Block *Block
	Err   error
}

// WorkerPool is the scheduling surface an external cluster system must
// provide to back a queue executor. Pools own worker lifecycle and placement;
// the executor only enqueues jobs and drains results.
type WorkerPool interface {
	// Enqueue hands one job to the pool. It may block for backpressure and
	// fails when the pool cannot accept work.
	Enqueue(ctx context.Context, job Job) error

	// Results delivers one JobResult per enqueued job, in completion order.
	Results() <-chan JobResult

	// Close stops the pool after in-flight jobs finish. No Enqueue may
	// follow.
	Close() error
}

// -----------------------------------------------------------------------------
// Queue executor
// -----------------------------------------------------------------------------

// queueExecutor adapts a WorkerPool to the Executor interface, translating
// units to jobs and job results back to unit results.
type queueExecutor struct {
	pool   WorkerPool
	cancel context.CancelFunc
	ctx    context.Context

	mu       sync.Mutex
	pending  int
	shutdown bool
}

// NewQueueExecutor returns an executor that schedules units on an external
// worker pool. The executor does not own the pool's workers; Shutdown closes
// the pool.
func NewQueueExecutor(pool WorkerPool) Executor {
	ctx, cancel := context.WithCancel(context.Background())
	return &queueExecutor{pool: pool, ctx: ctx, cancel: cancel}
}

func (e *queueExecutor) Submit(ctx context.Context, unit WorkUnit) error {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return &ExecutorError{Op: "submit", Err: ErrExecutorClosed}
	}
	if e.ctx.Err() != nil {
		e.mu.Unlock()
		return &ExecutorError{Op: "submit", Err: ErrCancelled}
	}
	e.mu.Unlock()

	job := Job{
		ID: unit.Index,
		Run: func(jctx context.Context) (*Block, error) {
			if e.ctx.Err() != nil {
				return nil, ErrCancelled
			}
			return runUnit(jctx, WorkUnit{Index: unit.Index, Fn: unit.Fn})
		},
	}
	if err := e.pool.Enqueue(ctx, job); err != nil {
		return &ExecutorError{Op: "submit", Err: err}
	}
	e.mu.Lock()
	e.pending++
	e.mu.Unlock()
	return nil
}

func (e *queueExecutor) Gather(ctx context.Context) ([]Result, error) {
	e.mu.Lock()
	n := e.pending
	e.pending = 0
	e.mu.Unlock()

	out := make([]Result, 0, n)
	for len(out) < n {
		select {
		case jr, ok := <-e.pool.Results():
			if !ok {
				return out, &ExecutorError{Op: "gather", Err: ErrExecutorClosed}
			}
			out = append(out, Result{Index: jr.ID, Block: jr.Block, Err: jr.Err})
		case <-ctx.Done():
			return out, &ExecutorError{Op: "gather", Err: ctx.Err()}
		}
	}
	return out, nil
}

func (e *queueExecutor) Cancel() {
	e.cancel()
}

func (e *queueExecutor) Shutdown() error {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return nil
	}
	e.shutdown = true
	e.mu.Unlock()

	e.cancel()
	if err := e.pool.Close(); err != nil {
		return &ExecutorError{Op: "shutdown", Err: err}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Local pool
// -----------------------------------------------------------------------------

// localPool is an in-process WorkerPool over plain goroutines. It stands in
// for a cluster scheduler in tests and single-machine runs.
//
// A forwarder goroutine sits between the workers and the results channel and
// buffers finished jobs, so workers never block on an unread result and a
// caller may enqueue an entire batch before draining any of it.
type localPool struct {
	jobs    chan localJob
	inbox   chan JobResult
	results chan JobResult

	closeOnce sync.Once
	done      sync.WaitGroup
}

type localJob struct {
	ctx context.Context
	job Job
}

// NewLocalPool returns a WorkerPool running jobs on workers goroutines in
// the current process.
func NewLocalPool(workers int) WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	p := &localPool{
		jobs:    make(chan localJob, workers),
		inbox:   make(chan JobResult, workers),
		results: make(chan JobResult),
	}
	p.done.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	go p.forward()
	return p
}

func (p *localPool) worker() {
	defer p.done.Done()
	for lj := range p.jobs {
		blk, err := lj.job.Run(lj.ctx)
		p.inbox <- JobResult{ID: lj.job.ID, Block: blk, Err: err}
	}
}

// forward drains the inbox into an in-memory queue and feeds the results
// channel from it, closing the channel once the workers are gone and the
// queue is empty.
func (p *localPool) forward() {
	var queue []JobResult
	inbox := p.inbox
	for inbox != nil || len(queue) > 0 {
		var out chan JobResult
		var head JobResult
		if len(queue) > 0 {
			out = p.results
			head = queue[0]
		}
		select {
		case jr, ok := <-inbox:
			if !ok {
				inbox = nil
				continue
			}
			queue = append(queue, jr)
		case out <- head:
			queue = queue[1:]
		}
	}
	close(p.results)
}

func (p *localPool) Enqueue(ctx context.Context, job Job) error {
	select {
	case p.jobs <- localJob{ctx: ctx, job: job}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *localPool) Results() <-chan JobResult { return p.results }

func (p *localPool) Close() error {
	p.closeOnce.Do(func() {
		close(p.jobs)
		p.done.Wait()
		close(p.inbox)
	})
	return nil
}
