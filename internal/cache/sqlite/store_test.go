package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ehr/medcalc/internal/cache"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	})
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error")
	}
}

func TestStore_PutGetDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Get(ctx, "b", "k"); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Put(ctx, "b", "k", []byte("v1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, "b", "k", []byte("v2")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := store.Get(ctx, "b", "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "v2" {
		t.Errorf("expected last write to win, got %q", got)
	}
	if err := store.Delete(ctx, "b", "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "b", "k"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestStore_KeysAndClearAreBucketScoped(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_ = store.Put(ctx, "a", "2", []byte("x"))
	_ = store.Put(ctx, "a", "1", []byte("x"))
	_ = store.Put(ctx, "b", "1", []byte("x"))

	keys, err := store.Keys(ctx, "a")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "1" || keys[1] != "2" {
		t.Errorf("expected [1 2], got %v", keys)
	}

	if err := store.Clear(ctx, "a"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if keys, _ := store.Keys(ctx, "a"); len(keys) != 0 {
		t.Errorf("expected bucket a empty, got %v", keys)
	}
	if keys, _ := store.Keys(ctx, "b"); len(keys) != 1 {
		t.Errorf("expected bucket b untouched, got %v", keys)
	}
}

func TestStore_BacksManagerAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	first, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	cache.NewManager(cache.WithStore(first)).Set(ctx, cache.Calculators, "calc/gfr.js", "module", time.Hour)
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()

	var got string
	if !cache.NewManager(cache.WithStore(second)).Get(ctx, cache.Calculators, "calc/gfr.js", &got) {
		t.Fatal("expected entry to survive reopen")
	}
	if got != "module" {
		t.Errorf("expected module, got %q", got)
	}
}
