package trellis

import (
	"errors"
	"fmt"
)

// Error sentinel values for lifecycle violations.
var (
	// ErrFinalized indicates a write to a store that has left the building
	// state.
	ErrFinalized = errors.New("trellis: store is finalized")

	// ErrNotFinalized indicates a read-open of a store still in the building
	// state, or packing of an unfinalized container.
	ErrNotFinalized = errors.New("trellis: store is not finalized")

	// ErrCancelled indicates a run stopped before all units were attempted.
	ErrCancelled = errors.New("trellis: run cancelled")

	// ErrExecutorClosed indicates a submit after Shutdown.
	ErrExecutorClosed = errors.New("trellis: executor is shut down")
)

// StorageError reports an I/O, permission, or corruption failure on the
// backing files. Any StorageError aborts the enclosing run.
type StorageError struct {
	Op   string // "open", "read", "write", "finalize", ...
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("trellis: storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// OutOfBoundsError reports a slice exceeding a store's declared shape.
type OutOfBoundsError struct {
	Start []int
	Count []int
	Shape []int
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("trellis: slice start=%v count=%v exceeds shape %v", e.Start, e.Count, e.Shape)
}

// ShapeMismatchError reports data inconsistent with a declared or inferred
// shape. Trial is the offending trial index, or -1 when the mismatch is not
// trial-specific.
type ShapeMismatchError struct {
	Trial int
	Want  []int
	Got   []int
}

func (e *ShapeMismatchError) Error() string {
	if e.Trial >= 0 {
		return fmt.Sprintf("trellis: trial %d produced shape %v, want %v", e.Trial, e.Got, e.Want)
	}
	return fmt.Sprintf("trellis: shape %v does not match %v", e.Got, e.Want)
}

// SelectionError reports an invalid trial or channel subset.
type SelectionError struct {
	Axis   string // "trial" or "channel"
	Index  int
	Reason string
}

func (e *SelectionError) Error() string {
	return fmt.Sprintf("trellis: %s selection index %d: %s", e.Axis, e.Index, e.Reason)
}

// ConsistencyError reports the first invariant violation found across the
// stores of a container.
type ConsistencyError struct {
	Reason string
}

func (e *ConsistencyError) Error() string {
	return "trellis: inconsistent container: " + e.Reason
}

// TransformError wraps a failure raised by a user transform for one trial.
// Transform errors are collected across the whole run, never fail-fast.
type TransformError struct {
	Trial int
	Err   error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("trellis: transform failed on trial %d: %v", e.Trial, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// ExecutorError reports a backend submission or communication failure.
type ExecutorError struct {
	Op  string
	Err error
}

func (e *ExecutorError) Error() string {
	return fmt.Sprintf("trellis: executor %s: %v", e.Op, e.Err)
}

func (e *ExecutorError) Unwrap() error { return e.Err }
