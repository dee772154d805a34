package trellis

import (
	"fmt"
	"path/filepath"
	"time"
)

// -----------------------------------------------------------------------------
// Container
// -----------------------------------------------------------------------------

// Container is the user-facing handle for a dataset: one or more array
// stores sharing a trial definition, a sample rate, channel labels, and
// free-form metadata.
//
// Containers are logically immutable: Select and Redefine produce new
// containers over the same stores, and routine runs produce new containers
// over new stores. Only metadata annotations may be added in place.
type Container struct {
	stores     []*ArrayStore
	trialdef   Trialdef
	sampleRate float64
	channels   []string
	chanIdx    []int // store channel indices behind the selection; nil = all
	meta       Metadata
}

// NewContainer assembles a container. All stores must share the sample-axis
// extent, every trial must fit it, and channels must label the full channel
// extent of the stores. The trial table describes a physical concatenation
// here, so starts must be monotonically non-decreasing.
func NewContainer(stores []*ArrayStore, def Trialdef, sampleRate float64, channels []string, meta Metadata) (*Container, error) {
	if len(stores) == 0 {
		return nil, &ConsistencyError{Reason: "container needs at least one store"}
	}
	if sampleRate <= 0 {
		return nil, &ConsistencyError{Reason: fmt.Sprintf("sample rate must be positive, got %g", sampleRate)}
	}
	if meta == nil {
		meta = Metadata{}
	}
	c := &Container{
		stores:     stores,
		trialdef:   def.clone(),
		sampleRate: sampleRate,
		channels:   append([]string(nil), channels...),
		meta:       meta,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := c.trialdef.ordered(); err != nil {
		return nil, err
	}
	return c, nil
}

// SampleRate returns the shared sampling rate in Hz.
func (c *Container) SampleRate() float64 { return c.sampleRate }

// Channels returns a copy of the selected channel labels.
func (c *Container) Channels() []string { return append([]string(nil), c.channels...) }

// Trialdef returns a copy of the trial definition table.
func (c *Container) Trialdef() Trialdef { return c.trialdef.clone() }

// NumTrials returns the number of defined trials.
func (c *Container) NumTrials() int { return len(c.trialdef) }

// Store returns the primary backing store.
func (c *Container) Store() *ArrayStore { return c.stores[0] }

// Meta returns the container's metadata map. Annotations may be added in
// place; everything else about a container is immutable.
func (c *Container) Meta() Metadata { return c.meta }

// Annotate records a metadata annotation, the only permitted in-place
// mutation of a container.
func (c *Container) Annotate(key string, value any) { c.meta[key] = value }

// -----------------------------------------------------------------------------
// Trial iteration
// -----------------------------------------------------------------------------

// Trials produces one view per defined trial over the primary store, in
// trial-definition order. Each call builds a fresh slice of lazy views over
// the immutable trial table, so concurrent consumers iterate independently.
func (c *Container) Trials() []*TrialView {
	return c.TrialsPadded(Pad{})
}

// TrialsPadded is Trials with a pad applied to every view.
func (c *Container) TrialsPadded(pad Pad) []*TrialView {
	views := make([]*TrialView, len(c.trialdef))
	for i := range c.trialdef {
		views[i] = c.trialView(i, pad)
	}
	return views
}

// Trial returns the view for one trial of the primary store.
func (c *Container) Trial(i int) (*TrialView, error) {
	if i < 0 || i >= len(c.trialdef) {
		return nil, &SelectionError{Axis: "trial", Index: i, Reason: fmt.Sprintf("out of range [0, %d)", len(c.trialdef))}
	}
	return c.trialView(i, Pad{}), nil
}

func (c *Container) trialView(i int, pad Pad) *TrialView {
	return NewTrialView(c.stores[0], i, c.trialdef[i], c.chanIdx, pad)
}

// -----------------------------------------------------------------------------
// Selection
// -----------------------------------------------------------------------------

// Select returns a new container restricted to the given trial and channel
// subsets (nil keeps an axis untouched). Indices refer to the current
// selection, may reorder, and must be unique; violations fail with
// *SelectionError. The source container is never mutated: the stores are
// shared, metadata is copied.
func (c *Container) Select(trials, channels []int) (*Container, error) {
	def := c.trialdef
	if trials != nil {
		if err := checkSubset("trial", trials, len(c.trialdef)); err != nil {
			return nil, err
		}
		def = make(Trialdef, len(trials))
		for i, t := range trials {
			def[i] = c.trialdef[t]
		}
	} else {
		def = c.trialdef.clone()
	}

	chanIdx := c.chanIdx
	labels := c.channels
	if channels != nil {
		if err := checkSubset("channel", channels, len(c.channels)); err != nil {
			return nil, err
		}
		chanIdx = make([]int, len(channels))
		labels = make([]string, len(channels))
		for i, ch := range channels {
			labels[i] = c.channels[ch]
			if c.chanIdx != nil {
				chanIdx[i] = c.chanIdx[ch]
			} else {
				chanIdx[i] = ch
			}
		}
	}

	return &Container{
		stores:     c.stores,
		trialdef:   def,
		sampleRate: c.sampleRate,
		channels:   append([]string(nil), labels...),
		chanIdx:    chanIdx,
		meta:       c.meta.clone(),
	}, nil
}

// Redefine returns a new container over the same stores with a wholesale
// replacement trial table. The replacement describes a physical
// concatenation, so starts must be monotonically non-decreasing.
func (c *Container) Redefine(def Trialdef) (*Container, error) {
	out := &Container{
		stores:     c.stores,
		trialdef:   def.clone(),
		sampleRate: c.sampleRate,
		channels:   append([]string(nil), c.channels...),
		chanIdx:    c.chanIdx,
		meta:       c.meta.clone(),
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	if err := out.trialdef.ordered(); err != nil {
		return nil, err
	}
	return out, nil
}

// checkSubset validates subset indices: in range and unique.
func checkSubset(axis string, idx []int, extent int) error {
	seen := make(map[int]struct{}, len(idx))
	for _, i := range idx {
		if i < 0 || i >= extent {
			return &SelectionError{Axis: axis, Index: i, Reason: fmt.Sprintf("out of range [0, %d)", extent)}
		}
		if _, dup := seen[i]; dup {
			return &SelectionError{Axis: axis, Index: i, Reason: "duplicate index"}
		}
		seen[i] = struct{}{}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Validation
// -----------------------------------------------------------------------------

// Validate checks the container's invariants and returns the first
// *ConsistencyError found: every store shares the sample-axis extent, the
// trial table fits it, and the channel selection fits every store. Trial
// order is not an invariant here: a container derived by Select may carry
// a reordered table and still validates.
func (c *Container) Validate() error {
	extent := c.stores[0].shape[0]
	for k, s := range c.stores {
		if len(s.shape) < 2 {
			return &ConsistencyError{Reason: fmt.Sprintf("store %d has rank %d, need at least time x channel", k, len(s.shape))}
		}
		if s.shape[0] != extent {
			return &ConsistencyError{Reason: fmt.Sprintf("store %d has sample extent %d, store 0 has %d", k, s.shape[0], extent)}
		}
		width := len(c.channels)
		if c.chanIdx != nil {
			for _, ch := range c.chanIdx {
				if ch >= s.shape[1] {
					return &ConsistencyError{Reason: fmt.Sprintf("channel index %d exceeds store %d width %d", ch, k, s.shape[1])}
				}
			}
		} else if width != s.shape[1] {
			return &ConsistencyError{Reason: fmt.Sprintf("%d channel labels for store %d width %d", width, k, s.shape[1])}
		}
	}
	if c.chanIdx != nil && len(c.chanIdx) != len(c.channels) {
		return &ConsistencyError{Reason: fmt.Sprintf("%d channel labels for %d selected channels", len(c.channels), len(c.chanIdx))}
	}
	return c.trialdef.validate(int64(extent))
}

// Close releases the file handles of all backing stores.
func (c *Container) Close() error {
	for _, s := range c.stores {
		if err := s.Close(); err != nil {
			return err
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Persistence
// -----------------------------------------------------------------------------

// containerRecord is the JSON sidecar persisted for a container. Store
// paths are kept relative to the record so container directories can move.
type containerRecord struct {
	SchemaName    string    `json:"schema_name"`
	FormatVersion string    `json:"format_version"`
	Stores        []string  `json:"stores"`
	Trialdef      []Span    `json:"trialdef"`
	SampleRate    float64   `json:"samplerate"`
	Channels      []string  `json:"channels"`
	ChanIndex     []int     `json:"chan_index,omitempty"`
	Metadata      Metadata  `json:"metadata"`
	CreatedAt     time.Time `json:"created_at"`
}

// Save writes the container record to path. All backing stores must be
// finalized; the record only references their files, it does not copy them.
func (c *Container) Save(path string) error {
	dir := filepath.Dir(path)
	rec := &containerRecord{
		SchemaName:    containerSchemaName,
		FormatVersion: sidecarFormatVersion,
		Trialdef:      c.trialdef,
		SampleRate:    c.sampleRate,
		Channels:      c.channels,
		ChanIndex:     c.chanIdx,
		Metadata:      c.meta,
		CreatedAt:     time.Now().UTC(),
	}
	for _, s := range c.stores {
		if !s.Finalized() {
			return &StorageError{Op: "save", Path: s.path, Err: ErrNotFinalized}
		}
		rel, err := filepath.Rel(dir, s.path)
		if err != nil {
			return &StorageError{Op: "save", Path: s.path, Err: err}
		}
		rec.Stores = append(rec.Stores, filepath.ToSlash(rel))
	}
	if err := writeSidecar(path, rec); err != nil {
		return &StorageError{Op: "save", Path: path, Err: err}
	}
	return nil
}

// OpenContainer loads a container record and opens its finalized stores.
func OpenContainer(path string) (*Container, error) {
	var rec containerRecord
	if err := readSidecar(path, &rec); err != nil {
		return nil, &StorageError{Op: "open", Path: path, Err: err}
	}
	if rec.SchemaName != containerSchemaName {
		return nil, &StorageError{Op: "open", Path: path, Err: fmt.Errorf("unexpected schema %q", rec.SchemaName)}
	}

	dir := filepath.Dir(path)
	stores := make([]*ArrayStore, 0, len(rec.Stores))
	for _, rel := range rec.Stores {
		s, err := OpenArrayStore(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			for _, open := range stores {
				_ = open.Close()
			}
			return nil, err
		}
		stores = append(stores, s)
	}

	meta := rec.Metadata
	if meta == nil {
		meta = Metadata{}
	}
	c := &Container{
		stores:     stores,
		trialdef:   Trialdef(rec.Trialdef),
		sampleRate: rec.SampleRate,
		channels:   rec.Channels,
		chanIdx:    rec.ChanIndex,
		meta:       meta,
	}
	if err := c.Validate(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}
