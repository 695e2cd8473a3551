// pkg/transport/file.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/arc-language/mpkg/pkg/core"
)

// File serves file:// URLs and bare paths from the local filesystem
type File struct{}

// LocalPath converts a file URL or bare path to a filesystem path
func LocalPath(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		return filepath.FromSlash(raw), nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("not a file url: %s", raw)
	}
	p := u.Path
	if u.Host != "" && u.Host != "localhost" {
		p = "//" + u.Host + p
	}
	return filepath.FromSlash(p), nil
}

func (File) Fetch(ctx context.Context, raw string, r *core.ByteRange) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := LocalPath(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrTransport, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, mapFileErr(raw, err)
	}
	if r != nil && r.Offset > 0 {
		if _, err := f.Seek(r.Offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: %s: %v", core.ErrTransport, raw, err)
		}
	}
	if r != nil && r.Length > 0 {
		return struct {
			io.Reader
			io.Closer
		}{io.LimitReader(f, r.Length), f}, nil
	}
	return f, nil
}

func (File) Head(ctx context.Context, raw string) (*core.ResourceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := LocalPath(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrTransport, err)
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, mapFileErr(raw, err)
	}
	if st.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", core.ErrNotFound, raw)
	}
	return &core.ResourceInfo{Size: st.Size(), LastModified: st.ModTime()}, nil
}

func mapFileErr(raw string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s", core.ErrNotFound, raw)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s", core.ErrAuthRequired, raw)
	}
	return fmt.Errorf("%w: %s: %v", core.ErrTransport, raw, err)
}
