// Package artifact implements the content-addressed byte store described in
// spec §4.A: a shared Store interface with local filesystem, file://, and
// S3-compatible backends, a common atomic-write protocol, and a pluggable
// overwrite policy.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

// Info is the metadata returned by a successful write or a metadata lookup.
type Info struct {
	URI    string
	SHA256 string
	Size   int64
}

// OverwritePolicy controls what happens when a write targets a path that
// already has content (spec §4.A).
type OverwritePolicy string

const (
	OverwriteAllow         OverwritePolicy = "allow"
	OverwriteDeny          OverwritePolicy = "deny"
	OverwriteAllowSameHash OverwritePolicy = "allow_same_hash"
)

// Store is the common interface implemented by every backend.
type Store interface {
	Put(ctx context.Context, uri string, r io.Reader) (Info, error)
	Get(ctx context.Context, uri string) ([]byte, error)
	GetStream(ctx context.Context, uri string) (io.ReadCloser, error)
	GetInfo(ctx context.Context, uri string) (Info, error)
	Exists(ctx context.Context, uri string) (bool, error)
	Resolve(uri string) (string, error)
}

// ErrOverwriteDenied is returned by Put under OverwriteDeny when the target
// already exists.
type ErrOverwriteDenied struct{ URI string }

func (e *ErrOverwriteDenied) Error() string { return fmt.Sprintf("overwrite denied: %s", e.URI) }

// ErrHashMismatch is returned by Put under OverwriteAllowSameHash when the
// existing content's hash differs from the new content's hash.
type ErrHashMismatch struct {
	URI      string
	Existing string
	New      string
}

func (e *ErrHashMismatch) Error() string {
	return fmt.Sprintf("hash mismatch at %s: existing=%s new=%s", e.URI, e.Existing, e.New)
}

// ErrNotFound is returned by Get/GetInfo when the object doesn't exist.
type ErrNotFound struct{ URI string }

func (e *ErrNotFound) Error() string { return fmt.Sprintf("not found: %s", e.URI) }

// sha256Reader wraps a reader, accumulating a running SHA-256 digest and
// (optionally) rejecting reads past maxSize.
type sha256Reader struct {
	r       io.Reader
	h       hash.Hash
	n       int64
	maxSize int64
}

func newSHA256Reader(r io.Reader, maxSize int64) *sha256Reader {
	return &sha256Reader{r: r, h: sha256.New(), maxSize: maxSize}
}

func (s *sha256Reader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 {
		s.h.Write(p[:n])
		s.n += int64(n)
		if s.maxSize > 0 && s.n > s.maxSize {
			return n, &ErrContentTooLarge{Limit: s.maxSize}
		}
	}
	return n, err
}

func (s *sha256Reader) Sum() string {
	return hex.EncodeToString(s.h.Sum(nil))
}

// ErrContentTooLarge is returned when a write exceeds the configured
// max_size_bytes.
type ErrContentTooLarge struct{ Limit int64 }

func (e *ErrContentTooLarge) Error() string {
	return fmt.Sprintf("content exceeds max size of %d bytes", e.Limit)
}

// HashBytes returns the lowercase hex SHA-256 digest of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
