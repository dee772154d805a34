package archive

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"

	"github.com/spikeworks/trellis/trellis"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// recordName is the fixed key of the container record inside an archive.
// It doubles as the archive's commit marker: Pack uploads it last, so a
// readable record implies complete data objects.
const recordName = "container.json"

// containerFiles is the subset of the container record Pack needs: the
// store data paths, relative to the record.
type containerFiles struct {
	Stores []string `json:"stores"`
}

// Pack publishes the finalized container recorded at recordPath under key.
// Layout under key: every store's data file and sidecar at its
// record-relative path, plus the record itself as "container.json",
// uploaded last. Store paths must not escape the record's directory.
//
// Keys are write-once; re-packing an existing key fails with ErrKeyExists.
func Pack(ctx context.Context, store Store, key, recordPath string) error {
	// Validates the record, the sidecars, and that every store is finalized.
	c, err := trellis.OpenContainer(recordPath)
	if err != nil {
		return err
	}
	_ = c.Close()

	recordData, err := os.ReadFile(recordPath)
	if err != nil {
		return err
	}
	var files containerFiles
	if err := json.Unmarshal(recordData, &files); err != nil {
		return fmt.Errorf("archive: parse record %s: %w", recordPath, err)
	}

	dir := filepath.Dir(recordPath)
	for _, rel := range files.Stores {
		if _, err := cleanKey(rel); err != nil {
			return fmt.Errorf("archive: store path %q: %w", rel, err)
		}
		local := filepath.Join(dir, filepath.FromSlash(rel))
		for _, suffix := range []string{"", ".json"} {
			if err := putFile(ctx, store, path.Join(key, rel)+suffix, local+suffix); err != nil {
				return err
			}
		}
	}

	f, err := os.Open(recordPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return store.Put(ctx, path.Join(key, recordName), f)
}

// Unpack restores the archive at key into destDir and opens the container.
// destDir must exist; files are laid out exactly as packed.
func Unpack(ctx context.Context, store Store, key, destDir string) (*trellis.Container, error) {
	prefix := key + "/"
	keys, err := store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, ErrNotFound
	}

	seenRecord := false
	for _, k := range keys {
		rel := k[len(prefix):]
		if _, err := cleanKey(rel); err != nil {
			return nil, fmt.Errorf("archive: key %q: %w", k, err)
		}
		if rel == recordName {
			seenRecord = true
		}
		if err := getFile(ctx, store, k, filepath.Join(destDir, filepath.FromSlash(rel))); err != nil {
			return nil, err
		}
	}
	if !seenRecord {
		return nil, fmt.Errorf("archive: %s missing under %q: %w", recordName, key, ErrNotFound)
	}

	return trellis.OpenContainer(filepath.Join(destDir, recordName))
}

// putFile uploads one local file.
func putFile(ctx context.Context, store Store, key, local string) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()
	return store.Put(ctx, key, f)
}

// getFile downloads one object to a local path, creating parent directories.
func getFile(ctx context.Context, store Store, key, local string) error {
	r, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	f, err := os.Create(local)
	if err != nil {
		return err
	}
	if _, err := f.ReadFrom(r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
