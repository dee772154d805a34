// Package archive publishes finalized containers to shared object storage
// and restores them to local directories. Storage backends are pluggable:
// local filesystem, in-memory, and S3-compatible object stores.
package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store sentinel errors.
var (
	// ErrNotFound indicates a key with no object behind it.
	ErrNotFound = errors.New("archive: not found")

	// ErrKeyExists indicates a put on an already-published key. Published
	// objects are immutable.
	ErrKeyExists = errors.New("archive: key exists")

	// ErrInvalidKey indicates an empty key or one that would escape the
	// storage root.
	ErrInvalidKey = errors.New("archive: invalid key")
)

// Store is the object-storage surface archives are published through. Keys
// are slash-separated relative paths. Objects are write-once: Put never
// overwrites.
type Store interface {
	// Put writes one object. Fails with ErrKeyExists when the key is taken.
	Put(ctx context.Context, key string, r io.Reader) error

	// Get opens one object for reading. Fails with ErrNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists reports whether a key has an object.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys under the prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes a key. Idempotent on missing keys.
	Delete(ctx context.Context, key string) error
}

// cleanKey normalizes a key and rejects escapes.
func cleanKey(key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	cleaned := filepath.ToSlash(filepath.Clean(key))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidKey
	}
	return cleaned, nil
}

// cleanPrefix normalizes a list prefix; empty means everything.
func cleanPrefix(prefix string) (string, error) {
	if prefix == "" {
		return "", nil
	}
	cleaned := filepath.ToSlash(filepath.Clean(prefix))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "." {
		return "", nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidKey
	}
	return cleaned, nil
}

// -----------------------------------------------------------------------------
// Filesystem store
// -----------------------------------------------------------------------------

// fsStore keeps objects as plain files under a root directory.
type fsStore struct {
	root string
}

// NewFS returns a Store rooted at an existing directory. Read-after-write is
// immediate on local filesystems.
func NewFS(root string) (Store, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, os.ErrNotExist
	}
	return &fsStore{root: root}, nil
}

func (f *fsStore) resolve(key string) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(f.root, filepath.FromSlash(cleaned)), nil
}

func (f *fsStore) Put(_ context.Context, key string, r io.Reader) error {
	full, err := f.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return ErrKeyExists
		}
		return err
	}
	if _, err := io.Copy(file, r); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func (f *fsStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	full, err := f.resolve(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return file, nil
}

func (f *fsStore) Exists(_ context.Context, key string) (bool, error) {
	full, err := f.resolve(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (f *fsStore) List(_ context.Context, prefix string) ([]string, error) {
	cleaned, err := cleanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	searchRoot := filepath.Join(f.root, filepath.FromSlash(cleaned))

	var keys []string
	err = filepath.Walk(searchRoot, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (f *fsStore) Delete(_ context.Context, key string) error {
	full, err := f.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// -----------------------------------------------------------------------------
// Memory store
// -----------------------------------------------------------------------------

// memoryStore keeps objects in a map. Safe for concurrent use; intended for
// tests and single-process pipelines.
type memoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory returns an in-memory Store.
func NewMemory() Store {
	return &memoryStore{data: make(map[string][]byte)}
}

func (m *memoryStore) Put(_ context.Context, key string, r io.Reader) error {
	cleaned, err := cleanKey(key)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.data[cleaned]; exists {
		return ErrKeyExists
	}
	m.data[cleaned] = data
	return nil
}

func (m *memoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	data, exists := m.data[cleaned]
	m.mu.RUnlock()
	if !exists {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return io.NopCloser(bytes.NewReader(cp)), nil
}

func (m *memoryStore) Exists(_ context.Context, key string) (bool, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	_, exists := m.data[cleaned]
	m.mu.RUnlock()
	return exists, nil
}

func (m *memoryStore) List(_ context.Context, prefix string) ([]string, error) {
	cleaned, err := cleanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, cleaned) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	cleaned, err := cleanKey(key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.data, cleaned)
	m.mu.Unlock()
	return nil
}
