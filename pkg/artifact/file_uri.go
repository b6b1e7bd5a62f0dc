package artifact

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FileURIStore accepts absolute file:// URIs, each validated against an
// optional allow-list of roots, sharing LocalStore's atomic-write protocol.
type FileURIStore struct {
	allowedRoots []string
	overwrite    OverwritePolicy
	maxSizeBytes int64
	fileMode     uint32
}

func NewFileURIStore(allowedRoots []string, overwrite OverwritePolicy, maxSizeBytes int64, fileMode uint32) *FileURIStore {
	return &FileURIStore{allowedRoots: allowedRoots, overwrite: overwrite, maxSizeBytes: maxSizeBytes, fileMode: fileMode}
}

func (s *FileURIStore) pathFor(uri string) (string, error) {
	if !strings.HasPrefix(uri, "file://") {
		return "", &ErrInvalidPath{Path: uri, Reason: "not a file:// URI"}
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", &ErrInvalidPath{Path: uri, Reason: "unparseable file:// URI"}
	}
	p := parsed.Path
	if (parsed.Host != "" && parsed.Host != "localhost") || !filepath.IsAbs(p) {
		return "", &ErrInvalidPath{Path: uri, Reason: "file:// URI must be absolute"}
	}

	if len(s.allowedRoots) > 0 {
		ok := false
		for _, root := range s.allowedRoots {
			if strings.HasPrefix(p, root) {
				ok = true
				break
			}
		}
		if !ok {
			return "", &ErrInvalidPath{Path: uri, Reason: "path outside allowed_roots"}
		}
	}
	return p, nil
}

// localStoreFor builds a throwaway LocalStore rooted at the target file's
// parent directory so the shared atomic-write/overwrite-policy logic in
// local.go is reused verbatim instead of duplicated.
func (s *FileURIStore) localStoreFor(absPath string) (*LocalStore, string, error) {
	dir, file := filepath.Split(absPath)
	ls, err := NewLocalStore(dir, nil, s.overwrite, s.maxSizeBytes, os.FileMode(s.fileMode))
	if err != nil {
		return nil, "", err
	}
	return ls, file, nil
}

func (s *FileURIStore) Put(ctx context.Context, uri string, r io.Reader) (Info, error) {
	absPath, err := s.pathFor(uri)
	if err != nil {
		return Info{}, err
	}
	ls, file, err := s.localStoreFor(absPath)
	if err != nil {
		return Info{}, err
	}
	info, err := ls.Put(ctx, file, r)
	if err != nil {
		return Info{}, err
	}
	info.URI = uri
	return info, nil
}

func (s *FileURIStore) Get(ctx context.Context, uri string) ([]byte, error) {
	absPath, err := s.pathFor(uri)
	if err != nil {
		return nil, err
	}
	ls, file, err := s.localStoreFor(absPath)
	if err != nil {
		return nil, err
	}
	return ls.Get(ctx, file)
}

func (s *FileURIStore) GetStream(ctx context.Context, uri string) (io.ReadCloser, error) {
	absPath, err := s.pathFor(uri)
	if err != nil {
		return nil, err
	}
	ls, file, err := s.localStoreFor(absPath)
	if err != nil {
		return nil, err
	}
	return ls.GetStream(ctx, file)
}

func (s *FileURIStore) GetInfo(ctx context.Context, uri string) (Info, error) {
	data, err := s.Get(ctx, uri)
	if err != nil {
		return Info{}, err
	}
	return Info{URI: uri, SHA256: HashBytes(data), Size: int64(len(data))}, nil
}

func (s *FileURIStore) Exists(ctx context.Context, uri string) (bool, error) {
	absPath, err := s.pathFor(uri)
	if err != nil {
		return false, err
	}
	ls, file, err := s.localStoreFor(absPath)
	if err != nil {
		return false, err
	}
	return ls.Exists(ctx, file)
}

func (s *FileURIStore) Resolve(uri string) (string, error) {
	return s.pathFor(uri)
}
