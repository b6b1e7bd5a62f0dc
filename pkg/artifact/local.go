package artifact

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/onlyfeng/engram-sub004/internal/dberrors"
)

// LocalStore is rooted at a configured directory; URIs are relative paths.
type LocalStore struct {
	root            string
	allowedPrefixes []string
	overwrite       OverwritePolicy
	maxSizeBytes    int64
	fileMode        os.FileMode
}

// NewLocalStore constructs a LocalStore rooted at root.
func NewLocalStore(root string, allowedPrefixes []string, overwrite OverwritePolicy, maxSizeBytes int64, fileMode os.FileMode) (*LocalStore, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, dberrors.FailedToWithDetails("resolve artifact root", "artifact", root, err)
	}
	if fileMode == 0 {
		fileMode = 0o600
	}
	return &LocalStore{
		root:            absRoot,
		allowedPrefixes: allowedPrefixes,
		overwrite:       overwrite,
		maxSizeBytes:    maxSizeBytes,
		fileMode:        fileMode,
	}, nil
}

func (s *LocalStore) resolvePath(uri string) (string, error) {
	rel, err := validateRelPath(uri, s.allowedPrefixes)
	if err != nil {
		return "", err
	}
	target := filepath.Join(s.root, filepath.FromSlash(rel))

	// Defeat symlink escape: resolve the parent directory (which must exist
	// by the time of a read; for a write the parent is created first, so
	// this check runs on the final path once the directory tree is in
	// place) and confirm it's still under root.
	resolved, err := filepath.EvalSymlinks(filepath.Dir(target))
	if err == nil {
		resolvedRoot, rootErr := filepath.EvalSymlinks(s.root)
		if rootErr == nil {
			rel2, relErr := filepath.Rel(resolvedRoot, resolved)
			if relErr != nil || rel2 == ".." || (len(rel2) >= 3 && rel2[:3] == "../") {
				return "", &ErrInvalidPath{Path: uri, Reason: "symlink escape from store root"}
			}
		}
	}

	return target, nil
}

func (s *LocalStore) Put(ctx context.Context, uri string, r io.Reader) (Info, error) {
	target, err := s.resolvePath(uri)
	if err != nil {
		return Info{}, err
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Info{}, dberrors.FailedToWithDetails("create artifact directory", "artifact", dir, err)
	}
	if _, err := s.resolvePath(uri); err != nil {
		return Info{}, err
	}

	tmpName := fmt.Sprintf(".%s.%d.%s.tmp", filepath.Base(target), os.Getpid(), randomHex(16))
	tmpPath := filepath.Join(dir, tmpName)

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, s.fileMode)
	if err != nil {
		return Info{}, dberrors.FailedToWithDetails("create temp artifact file", "artifact", tmpPath, err)
	}
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	hashing := newSHA256Reader(r, s.maxSizeBytes)
	size, copyErr := io.Copy(f, hashing)
	if copyErr != nil {
		f.Close()
		return Info{}, dberrors.FailedToWithDetails("write artifact bytes", "artifact", uri, copyErr)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return Info{}, dberrors.FailedToWithDetails("fsync artifact temp file", "artifact", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		return Info{}, dberrors.FailedToWithDetails("close artifact temp file", "artifact", tmpPath, err)
	}

	newHash := hashing.Sum()

	switch s.overwrite {
	case OverwriteDeny:
		if _, statErr := os.Stat(target); statErr == nil {
			return Info{}, &ErrOverwriteDenied{URI: uri}
		}
	case OverwriteAllowSameHash:
		if existing, statErr := os.ReadFile(target); statErr == nil {
			existingHash := HashBytes(existing)
			if existingHash == newHash {
				cleanup = true
				return Info{URI: uri, SHA256: existingHash, Size: int64(len(existing))}, nil
			}
			return Info{}, &ErrHashMismatch{URI: uri, Existing: existingHash, New: newHash}
		}
	}

	if err := os.Rename(tmpPath, target); err != nil {
		return Info{}, dberrors.FailedToWithDetails("rename artifact into place", "artifact", uri, err)
	}
	cleanup = false

	if err := os.Chmod(target, s.fileMode); err != nil {
		return Info{}, dberrors.FailedToWithDetails("chmod artifact", "artifact", uri, err)
	}

	return Info{URI: uri, SHA256: newHash, Size: size}, nil
}

func (s *LocalStore) Get(ctx context.Context, uri string) ([]byte, error) {
	target, err := s.resolvePath(uri)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &ErrNotFound{URI: uri}
		}
		return nil, dberrors.FailedToWithDetails("read artifact", "artifact", uri, err)
	}
	return data, nil
}

func (s *LocalStore) GetStream(ctx context.Context, uri string) (io.ReadCloser, error) {
	target, err := s.resolvePath(uri)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &ErrNotFound{URI: uri}
		}
		return nil, dberrors.FailedToWithDetails("open artifact stream", "artifact", uri, err)
	}
	return f, nil
}

func (s *LocalStore) GetInfo(ctx context.Context, uri string) (Info, error) {
	data, err := s.Get(ctx, uri)
	if err != nil {
		return Info{}, err
	}
	return Info{URI: uri, SHA256: HashBytes(data), Size: int64(len(data))}, nil
}

func (s *LocalStore) Exists(ctx context.Context, uri string) (bool, error) {
	target, err := s.resolvePath(uri)
	if err != nil {
		return false, err
	}
	_, statErr := os.Stat(target)
	if statErr == nil {
		return true, nil
	}
	if errors.Is(statErr, os.ErrNotExist) {
		return false, nil
	}
	return false, dberrors.FailedToWithDetails("stat artifact", "artifact", uri, statErr)
}

func (s *LocalStore) Resolve(uri string) (string, error) {
	return s.resolvePath(uri)
}

func randomHex(n int) string {
	b := make([]byte, n/2)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failure is effectively unrecoverable; fall back to a
		// fixed-but-unique-enough suffix derived from the pid so Put still
		// makes progress instead of panicking mid-write.
		return hex.EncodeToString([]byte(fmt.Sprintf("%016x", os.Getpid())))
	}
	return hex.EncodeToString(b)
}
