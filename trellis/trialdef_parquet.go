package trellis

import (
	"errors"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
)

// trialRow is the Parquet row layout for trial definition exchange.
type trialRow struct {
	Start  int64 `parquet:"start"`
	Stop   int64 `parquet:"stop"`
	Offset int64 `parquet:"offset"`
}

// WriteTrialdefParquet stores a trial definition table as a Parquet file
// with columns start, stop, offset (snappy-compressed).
func WriteTrialdefParquet(path string, def Trialdef) error {
	f, err := os.Create(path)
	if err != nil {
		return &StorageError{Op: "write", Path: path, Err: err}
	}
	w := parquet.NewGenericWriter[trialRow](f, parquet.Compression(&parquet.Snappy))
	rows := make([]trialRow, len(def))
	for i, sp := range def {
		rows[i] = trialRow{Start: sp.Start, Stop: sp.Stop, Offset: sp.Offset}
	}
	if _, err := w.Write(rows); err != nil {
		_ = w.Close()
		_ = f.Close()
		return &StorageError{Op: "write", Path: path, Err: err}
	}
	if err := w.Close(); err != nil {
		_ = f.Close()
		return &StorageError{Op: "write", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &StorageError{Op: "write", Path: path, Err: err}
	}
	return nil
}

// ReadTrialdefParquet loads a trial definition table from a Parquet file
// written by WriteTrialdefParquet (or any file with compatible columns).
// The table is returned as read; validation against a store happens when it
// is attached to a container.
func ReadTrialdefParquet(path string) (Trialdef, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &StorageError{Op: "read", Path: path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, &StorageError{Op: "read", Path: path, Err: err}
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return nil, &StorageError{Op: "read", Path: path, Err: err}
	}

	r := parquet.NewGenericReader[trialRow](pf)
	defer func() { _ = r.Close() }()

	def := make(Trialdef, 0, pf.NumRows())
	buf := make([]trialRow, 64)
	for {
		n, err := r.Read(buf)
		for i := 0; i < n; i++ {
			def = append(def, Span{Start: buf[i].Start, Stop: buf[i].Stop, Offset: buf[i].Offset})
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, &StorageError{Op: "read", Path: path, Err: err}
		}
	}
	return def, nil
}
