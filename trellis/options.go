package trellis

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Option configures store or routine construction.
// Options implement methods for the constructors they support.
// Using an option with an unsupported constructor returns an error.
type Option interface {
	applyStore(*storeConfig) error
	applyRoutine(*routineConfig) error
}

// ErrOptionNotValidForStore indicates an option was used with
// CreateArrayStore that only applies to NewRoutine.
var ErrOptionNotValidForStore = errors.New("option not valid for array store")

// ErrOptionNotValidForRoutine indicates an option was used with NewRoutine
// that only applies to CreateArrayStore.
var ErrOptionNotValidForRoutine = errors.New("option not valid for routine")

// -----------------------------------------------------------------------------
// Shared options (store and routine output store)
// -----------------------------------------------------------------------------

// dtypeOption implements Option for WithDType.
type dtypeOption struct {
	dtype DType
}

// WithDType sets the on-disk sample type. For routines it applies to the
// output store. Default: Float64.
func WithDType(t DType) Option {
	return &dtypeOption{dtype: t}
}

func (o *dtypeOption) applyStore(cfg *storeConfig) error {
	cfg.dtype = o.dtype
	return nil
}

func (o *dtypeOption) applyRoutine(cfg *routineConfig) error {
	cfg.dtype = o.dtype
	return nil
}

// codecOption implements Option for WithChunkCodec.
type codecOption struct {
	codec ChunkCodec
}

// WithChunkCodec sets the chunk compression codec applied at finalize.
// For routines it applies to the output store. Default: NewRawCodec().
func WithChunkCodec(c ChunkCodec) Option {
	return &codecOption{codec: c}
}

func (o *codecOption) applyStore(cfg *storeConfig) error {
	if o.codec == nil {
		return errors.New("chunk codec must not be nil")
	}
	cfg.codec = o.codec
	return nil
}

func (o *codecOption) applyRoutine(cfg *routineConfig) error {
	if o.codec == nil {
		return errors.New("chunk codec must not be nil")
	}
	cfg.codec = o.codec
	return nil
}

// chunkRowsOption implements Option for WithChunkRows.
type chunkRowsOption struct {
	rows int
}

// WithChunkRows sets how many time rows one chunk holds, with full trailing
// dimensions. For routines it applies to the output store, overriding the
// trial-aligned default.
func WithChunkRows(rows int) Option {
	return &chunkRowsOption{rows: rows}
}

func (o *chunkRowsOption) applyStore(cfg *storeConfig) error {
	if o.rows <= 0 {
		return fmt.Errorf("chunk rows must be positive, got %d", o.rows)
	}
	cfg.chunkRows = o.rows
	return nil
}

func (o *chunkRowsOption) applyRoutine(cfg *routineConfig) error {
	if o.rows <= 0 {
		return fmt.Errorf("chunk rows must be positive, got %d", o.rows)
	}
	cfg.chunkRows = o.rows
	return nil
}

// -----------------------------------------------------------------------------
// Store-only options
// -----------------------------------------------------------------------------

// chunkShapeOption implements Option for WithChunkShape (store-only).
type chunkShapeOption struct {
	shape []int
}

// WithChunkShape sets the full chunk tile shape, overriding the row-based
// default. This option is only valid for CreateArrayStore.
func WithChunkShape(shape []int) Option {
	return &chunkShapeOption{shape: shape}
}

func (o *chunkShapeOption) applyStore(cfg *storeConfig) error {
	cfg.chunkShape = append([]int(nil), o.shape...)
	return nil
}

func (o *chunkShapeOption) applyRoutine(*routineConfig) error {
	return fmt.Errorf("WithChunkShape: %w", ErrOptionNotValidForRoutine)
}

// dimLabelsOption implements Option for WithDimLabels (store-only).
type dimLabelsOption struct {
	labels []string
}

// WithDimLabels records dimension semantics (for example "time", "channel")
// in the sidecar. This option is only valid for CreateArrayStore; routines
// label output dimensions themselves.
func WithDimLabels(labels ...string) Option {
	return &dimLabelsOption{labels: labels}
}

func (o *dimLabelsOption) applyStore(cfg *storeConfig) error {
	cfg.dimLabels = append([]string(nil), o.labels...)
	return nil
}

func (o *dimLabelsOption) applyRoutine(*routineConfig) error {
	return fmt.Errorf("WithDimLabels: %w", ErrOptionNotValidForRoutine)
}

// -----------------------------------------------------------------------------
// Routine-only options
// -----------------------------------------------------------------------------

// outputSpecOption implements Option for WithOutputSpec (routine-only).
type outputSpecOption struct {
	shape []int
}

// WithOutputSpec declares the per-trial output shape up front, skipping the
// dry-run inference pass. The shape covers the non-time dimensions only;
// dimension 0 (time) may vary per trial. This option is only valid for
// NewRoutine.
func WithOutputSpec(nonTimeShape ...int) Option {
	return &outputSpecOption{shape: nonTimeShape}
}

func (o *outputSpecOption) applyStore(*storeConfig) error {
	return fmt.Errorf("WithOutputSpec: %w", ErrOptionNotValidForStore)
}

func (o *outputSpecOption) applyRoutine(cfg *routineConfig) error {
	cfg.declared = append([]int(nil), o.shape...)
	return nil
}

// keepTrialsOption implements Option for WithKeepTrials (routine-only).
type keepTrialsOption struct {
	keep bool
}

// WithKeepTrials controls whether per-trial outputs are kept (default) or
// averaged into a single aggregate. Averaging requires every trial to
// produce an identically shaped output, including the time dimension.
// This option is only valid for NewRoutine.
func WithKeepTrials(keep bool) Option {
	return &keepTrialsOption{keep: keep}
}

func (o *keepTrialsOption) applyStore(*storeConfig) error {
	return fmt.Errorf("WithKeepTrials: %w", ErrOptionNotValidForStore)
}

func (o *keepTrialsOption) applyRoutine(cfg *routineConfig) error {
	cfg.keepTrials = o.keep
	return nil
}

// channelBlocksOption implements Option for WithChannelBlocks (routine-only).
type channelBlocksOption struct {
	size int
}

// WithChannelBlocks splits each trial into work units of at most size
// channels, bounding peak memory on very wide recordings. Requires a
// transform that computes channels independently and preserves the channel
// count on dimension 1. Explicit opt-in; no automatic heuristic is applied.
// This option is only valid for NewRoutine.
func WithChannelBlocks(size int) Option {
	return &channelBlocksOption{size: size}
}

func (o *channelBlocksOption) applyStore(*storeConfig) error {
	return fmt.Errorf("WithChannelBlocks: %w", ErrOptionNotValidForStore)
}

func (o *channelBlocksOption) applyRoutine(cfg *routineConfig) error {
	if o.size <= 0 {
		return fmt.Errorf("channel block size must be positive, got %d", o.size)
	}
	cfg.chanBlock = o.size
	return nil
}

// inferSmallestOption implements Option for WithInferSmallest (routine-only).
type inferSmallestOption struct{}

// WithInferSmallest runs shape inference on the shortest trial instead of
// the first, keeping the dry run cheap on ragged data. This option is only
// valid for NewRoutine.
func WithInferSmallest() Option {
	return &inferSmallestOption{}
}

func (o *inferSmallestOption) applyStore(*storeConfig) error {
	return fmt.Errorf("WithInferSmallest: %w", ErrOptionNotValidForStore)
}

func (o *inferSmallestOption) applyRoutine(cfg *routineConfig) error {
	cfg.inferSmallest = true
	return nil
}

// loggerOption implements Option for WithLogger (routine-only).
type loggerOption struct {
	logger *zap.Logger
}

// WithLogger attaches a structured logger to the run. Default: no logging.
// This option is only valid for NewRoutine.
func WithLogger(l *zap.Logger) Option {
	return &loggerOption{logger: l}
}

func (o *loggerOption) applyStore(*storeConfig) error {
	return fmt.Errorf("WithLogger: %w", ErrOptionNotValidForStore)
}

func (o *loggerOption) applyRoutine(cfg *routineConfig) error {
	if o.logger == nil {
		return errors.New("logger must not be nil")
	}
	cfg.logger = o.logger
	return nil
}

// workDirOption implements Option for WithWorkDir (routine-only).
type workDirOption struct {
	dir string
}

// WithWorkDir sets the directory where output stores are allocated.
// Default: the system temporary directory. This option is only valid for
// NewRoutine.
func WithWorkDir(dir string) Option {
	return &workDirOption{dir: dir}
}

func (o *workDirOption) applyStore(*storeConfig) error {
	return fmt.Errorf("WithWorkDir: %w", ErrOptionNotValidForStore)
}

func (o *workDirOption) applyRoutine(cfg *routineConfig) error {
	cfg.workDir = o.dir
	return nil
}
