package trellis

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// submitSquares submits n units computing i*i into a 1x1 block.
func submitSquares(t *testing.T, exec Executor, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		i := i
		err := exec.Submit(context.Background(), WorkUnit{
			Index: i,
			Fn: func(context.Context) (*Block, error) {
				b := NewBlock(1, 1)
				b.Data[0] = float64(i * i)
				return b, nil
			},
		})
		if err != nil {
			t.Fatalf("Submit(%d): %v", i, err)
		}
	}
}

func checkSquares(t *testing.T, results []Result, n int) {
	t.Helper()
	if len(results) != n {
		t.Fatalf("got %d results, want %d", len(results), n)
	}
	seen := make(map[int]bool, n)
	for _, res := range results {
		if seen[res.Index] {
			t.Fatalf("duplicate result for unit %d", res.Index)
		}
		seen[res.Index] = true
		if res.Err != nil {
			t.Fatalf("unit %d failed: %v", res.Index, res.Err)
		}
		if want := float64(res.Index * res.Index); res.Block.Data[0] != want {
			t.Errorf("unit %d = %v, want %v", res.Index, res.Block.Data[0], want)
		}
	}
}

func TestExecutorsRunUnits(t *testing.T) {
	pool, err := NewPoolExecutor(3)
	if err != nil {
		t.Fatalf("NewPoolExecutor: %v", err)
	}
	for _, tc := range []struct {
		name string
		exec Executor
	}{
		{"sequential", NewSequentialExecutor()},
		{"pool", pool},
		{"queue", NewQueueExecutor(NewLocalPool(2))},
	} {
		t.Run(tc.name, func(t *testing.T) {
			defer func() { _ = tc.exec.Shutdown() }()
			submitSquares(t, tc.exec, 8)
			results, err := tc.exec.Gather(context.Background())
			if err != nil {
				t.Fatalf("Gather: %v", err)
			}
			checkSquares(t, results, 8)
		})
	}
}

func TestExecutorIsolatesFailures(t *testing.T) {
	boom := errors.New("boom")
	pool, err := NewPoolExecutor(2)
	if err != nil {
		t.Fatalf("NewPoolExecutor: %v", err)
	}
	defer func() { _ = pool.Shutdown() }()

	for i := 0; i < 5; i++ {
		i := i
		err := pool.Submit(context.Background(), WorkUnit{
			Index: i,
			Fn: func(context.Context) (*Block, error) {
				if i == 2 {
					return nil, boom
				}
				return NewBlock(1), nil
			},
		})
		if err != nil {
			t.Fatalf("Submit(%d): %v", i, err)
		}
	}

	results, err := pool.Gather(context.Background())
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("got %d results, want 5 despite failure", len(results))
	}
	for _, res := range results {
		if res.Index == 2 {
			if !errors.Is(res.Err, boom) {
				t.Errorf("unit 2 error %v, want boom", res.Err)
			}
		} else if res.Err != nil {
			t.Errorf("unit %d failed: %v", res.Index, res.Err)
		}
	}
}

func TestExecutorRecoversPanics(t *testing.T) {
	exec := NewSequentialExecutor()
	defer func() { _ = exec.Shutdown() }()

	err := exec.Submit(context.Background(), WorkUnit{
		Index: 0,
		Fn:    func(context.Context) (*Block, error) { panic("transform bug") },
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	results, err := exec.Gather(context.Background())
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if results[0].Err == nil {
		t.Fatal("panicking unit reported no error")
	}
}

func TestExecutorSubmitAfterShutdown(t *testing.T) {
	pool, err := NewPoolExecutor(1)
	if err != nil {
		t.Fatalf("NewPoolExecutor: %v", err)
	}
	if err := pool.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	err = pool.Submit(context.Background(), WorkUnit{Index: 0, Fn: func(context.Context) (*Block, error) {
		return NewBlock(1), nil
	}})
	if !errors.Is(err, ErrExecutorClosed) {
		t.Errorf("submit after shutdown: got %v, want ErrExecutorClosed", err)
	}
}

func TestSequentialExecutorCancel(t *testing.T) {
	exec := NewSequentialExecutor()
	defer func() { _ = exec.Shutdown() }()

	submitSquares(t, exec, 2)
	exec.Cancel()
	err := exec.Submit(context.Background(), WorkUnit{Index: 2, Fn: func(context.Context) (*Block, error) {
		return NewBlock(1), nil
	}})
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("submit after cancel: got %v, want ErrCancelled", err)
	}

	// Units that ran before Cancel are still gathered.
	results, err := exec.Gather(context.Background())
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("got %d results, want 2", len(results))
	}
}

func TestNewPoolExecutorValidatesWorkers(t *testing.T) {
	if _, err := NewPoolExecutor(0); err == nil {
		t.Error("expected error for zero workers")
	}
}

func TestPoolExecutorGatherTwice(t *testing.T) {
	pool, err := NewPoolExecutor(2)
	if err != nil {
		t.Fatalf("NewPoolExecutor: %v", err)
	}
	defer func() { _ = pool.Shutdown() }()

	// Two batches through the same executor; Gather covers only its batch.
	for batch := 0; batch < 2; batch++ {
		submitSquares(t, pool, 4)
		results, err := pool.Gather(context.Background())
		if err != nil {
			t.Fatalf("batch %d Gather: %v", batch, err)
		}
		checkSquares(t, results, 4)
	}
}

func TestQueueExecutorErrorsPassThrough(t *testing.T) {
	exec := NewQueueExecutor(NewLocalPool(2))
	defer func() { _ = exec.Shutdown() }()

	for i := 0; i < 3; i++ {
		i := i
		err := exec.Submit(context.Background(), WorkUnit{
			Index: i,
			Fn: func(context.Context) (*Block, error) {
				if i == 1 {
					return nil, fmt.Errorf("job %d failed", i)
				}
				return NewBlock(1), nil
			},
		})
		if err != nil {
			t.Fatalf("Submit(%d): %v", i, err)
		}
	}
	results, err := exec.Gather(context.Background())
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			if res.Index != 1 {
				t.Errorf("unexpected failure on unit %d", res.Index)
			}
		}
	}
	if failed != 1 {
		t.Errorf("got %d failures, want 1", failed)
	}
}
