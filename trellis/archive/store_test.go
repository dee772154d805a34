package archive

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"testing"
)

func newFSStore(t *testing.T) Store {
	t.Helper()
	s, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return s
}

func testBackends(t *testing.T) map[string]Store {
	return map[string]Store{
		"fs":     newFSStore(t),
		"memory": NewMemory(),
	}
}

func TestStorePutGet(t *testing.T) {
	ctx := context.Background()
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Put(ctx, "runs/a/data.dat", strings.NewReader("payload")); err != nil {
				t.Fatalf("Put: %v", err)
			}

			r, err := s.Get(ctx, "runs/a/data.dat")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			data, err := io.ReadAll(r)
			_ = r.Close()
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if string(data) != "payload" {
				t.Errorf("got %q", data)
			}

			exists, err := s.Exists(ctx, "runs/a/data.dat")
			if err != nil || !exists {
				t.Errorf("Exists = %v, %v", exists, err)
			}
			exists, err = s.Exists(ctx, "runs/b/data.dat")
			if err != nil || exists {
				t.Errorf("Exists(absent) = %v, %v", exists, err)
			}
		})
	}
}

func TestStoreNoOverwrite(t *testing.T) {
	ctx := context.Background()
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Put(ctx, "k", strings.NewReader("v1")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := s.Put(ctx, "k", strings.NewReader("v2")); !errors.Is(err, ErrKeyExists) {
				t.Errorf("second Put: got %v, want ErrKeyExists", err)
			}
		})
	}
}

func TestStoreGetMissing(t *testing.T) {
	ctx := context.Background()
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get(absent): got %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreList(t *testing.T) {
	ctx := context.Background()
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"runs/a/1", "runs/a/2", "runs/b/1"} {
				if err := s.Put(ctx, k, strings.NewReader("x")); err != nil {
					t.Fatalf("Put(%s): %v", k, err)
				}
			}
			keys, err := s.List(ctx, "runs/a")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			sort.Strings(keys)
			if len(keys) != 2 || keys[0] != "runs/a/1" || keys[1] != "runs/a/2" {
				t.Errorf("List = %v", keys)
			}
		})
	}
}

func TestStoreDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Put(ctx, "k", strings.NewReader("v")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := s.Delete(ctx, "k"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := s.Delete(ctx, "k"); err != nil {
				t.Errorf("repeated Delete: %v", err)
			}
			if exists, _ := s.Exists(ctx, "k"); exists {
				t.Error("key still exists after delete")
			}
		})
	}
}

func TestStoreInvalidKeys(t *testing.T) {
	ctx := context.Background()
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"", "..", "../escape", "a/../../b"} {
				if err := s.Put(ctx, key, strings.NewReader("x")); !errors.Is(err, ErrInvalidKey) {
					t.Errorf("Put(%q): got %v, want ErrInvalidKey", key, err)
				}
				if _, err := s.Get(ctx, key); !errors.Is(err, ErrInvalidKey) {
					t.Errorf("Get(%q): got %v, want ErrInvalidKey", key, err)
				}
			}
		})
	}
}
