package artifact

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestLocalStorePutAndGet(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir, nil, OverwriteAllow, 0, 0)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	content := []byte("diff --git a/foo b/foo\n")
	info, err := store.Put(context.Background(), "scm/proj/1/git/abc123.patch", bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if info.SHA256 != HashBytes(content) {
		t.Errorf("expected sha256 %s, got %s", HashBytes(content), info.SHA256)
	}
	if info.Size != int64(len(content)) {
		t.Errorf("expected size %d, got %d", len(content), info.Size)
	}

	got, err := store.Get(context.Background(), "scm/proj/1/git/abc123.patch")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("Get returned %q, want %q", got, content)
	}

	exists, err := store.Exists(context.Background(), "scm/proj/1/git/abc123.patch")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !exists {
		t.Error("expected Exists to be true")
	}
}

func TestLocalStoreNoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir, nil, OverwriteAllow, 0, 0)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	if _, err := store.Put(context.Background(), "a/b.patch", bytes.NewReader([]byte("x"))); err != nil {
		t.Fatalf("Put: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "a"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly 1 entry in dir, got %d: %v", len(entries), entries)
	}
	if entries[0].Name() != "b.patch" {
		t.Errorf("expected only b.patch to remain, found %s", entries[0].Name())
	}
}

func TestLocalStoreOverwriteDeny(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir, nil, OverwriteDeny, 0, 0)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()
	if _, err := store.Put(ctx, "x.patch", bytes.NewReader([]byte("first"))); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	_, err = store.Put(ctx, "x.patch", bytes.NewReader([]byte("second")))
	var denied *ErrOverwriteDenied
	if !errors.As(err, &denied) {
		t.Fatalf("expected ErrOverwriteDenied, got %v", err)
	}
}

func TestLocalStoreOverwriteAllowSameHash(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir, nil, OverwriteAllowSameHash, 0, 0)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()
	content := []byte("identical")
	if _, err := store.Put(ctx, "y.patch", bytes.NewReader(content)); err != nil {
		t.Fatalf("first Put: %v", err)
	}

	info, err := store.Put(ctx, "y.patch", bytes.NewReader(content))
	if err != nil {
		t.Fatalf("second Put with identical content should succeed: %v", err)
	}
	if info.SHA256 != HashBytes(content) {
		t.Errorf("expected sha256 %s, got %s", HashBytes(content), info.SHA256)
	}

	_, err = store.Put(ctx, "y.patch", bytes.NewReader([]byte("different")))
	var mismatch *ErrHashMismatch
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected ErrHashMismatch for differing content, got %v", err)
	}
}

// TestLocalStoreConcurrentDenyWrites exercises the boundary behavior from
// spec §8: under OverwriteDeny, N concurrent Puts to the same key must leave
// success_count in [1, N] (no corruption, no double-write silently lost),
// never zero and never more successes than writers.
func TestLocalStoreConcurrentDenyWrites(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir, nil, OverwriteDeny, 0, 0)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	const writers = 2
	var wg sync.WaitGroup
	var mu sync.Mutex
	successCount := 0

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := store.Put(context.Background(), "concurrent.patch", bytes.NewReader([]byte("payload")))
			if err == nil {
				mu.Lock()
				successCount++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if successCount < 1 || successCount > writers {
		t.Errorf("expected success_count in [1, %d], got %d", writers, successCount)
	}

	exists, err := store.Exists(context.Background(), "concurrent.patch")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !exists {
		t.Error("expected final artifact to exist after concurrent writes")
	}
}

func TestLocalStoreGetNotFound(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir, nil, OverwriteAllow, 0, 0)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	_, err = store.Get(context.Background(), "missing.patch")
	var notFound *ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLocalStoreSymlinkEscapeDenied(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("secret"), 0o600); err != nil {
		t.Fatalf("seed outside file: %v", err)
	}

	escapeDir := filepath.Join(dir, "escape")
	if err := os.Symlink(outside, escapeDir); err != nil {
		t.Skipf("symlinks unsupported in this environment: %v", err)
	}

	store, err := NewLocalStore(dir, nil, OverwriteAllow, 0, 0)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	_, err = store.Put(context.Background(), "escape/pwned.patch", bytes.NewReader([]byte("x")))
	var invalid *ErrInvalidPath
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ErrInvalidPath for symlink escape, got %v", err)
	}
}

func TestLocalStoreMaxSizeEnforced(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir, nil, OverwriteAllow, 4, 0)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	_, err = store.Put(context.Background(), "big.patch", bytes.NewReader([]byte("way too much content")))
	var tooLarge *ErrContentTooLarge
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected ErrContentTooLarge, got %v", err)
	}
}
