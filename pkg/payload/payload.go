// pkg/payload/payload.go
package payload

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/arc-language/mpkg/pkg/core"
	"zombiezen.com/go/nix/nar"
)

// Entry is one regular file inside a payload
type Entry struct {
	Path       string
	Data       []byte
	Executable bool
}

// Pack writes entries as a NAR rooted at a directory. Output is
// deterministic for a given set of entries.
func Pack(entries []Entry) ([]byte, error) {
	files := make(map[string]Entry, len(entries))
	dirs := make(map[string]bool)
	for _, e := range entries {
		p := path.Clean(e.Path)
		if p == "." || strings.HasPrefix(p, "/") || strings.HasPrefix(p, "../") || p == ".." {
			return nil, fmt.Errorf("%w: payload path %q", core.ErrInvalidMetadata, e.Path)
		}
		if _, dup := files[p]; dup {
			return nil, fmt.Errorf("%w: duplicate payload path %q", core.ErrInvalidMetadata, p)
		}
		e.Path = p
		files[p] = e
		for d := path.Dir(p); d != "."; d = path.Dir(d) {
			dirs[d] = true
		}
	}
	for p := range files {
		if dirs[p] {
			return nil, fmt.Errorf("%w: payload path %q is both file and directory", core.ErrInvalidMetadata, p)
		}
	}

	paths := make([]string, 0, len(files)+len(dirs))
	for p := range files {
		paths = append(paths, p)
	}
	for d := range dirs {
		paths = append(paths, d)
	}
	sort.Slice(paths, func(i, j int) bool { return pathLess(paths[i], paths[j]) })

	var buf bytes.Buffer
	nw := nar.NewWriter(&buf)
	if err := nw.WriteHeader(&nar.Header{Path: "", Mode: fs.ModeDir | 0o755}); err != nil {
		return nil, fmt.Errorf("writing payload root: %w", err)
	}
	for _, p := range paths {
		if dirs[p] {
			if err := nw.WriteHeader(&nar.Header{Path: p, Mode: fs.ModeDir | 0o755}); err != nil {
				return nil, fmt.Errorf("writing payload dir %s: %w", p, err)
			}
			continue
		}
		e := files[p]
		mode := fs.FileMode(0o644)
		if e.Executable {
			mode = 0o755
		}
		if err := nw.WriteHeader(&nar.Header{Path: p, Mode: mode, Size: int64(len(e.Data))}); err != nil {
			return nil, fmt.Errorf("writing payload file %s: %w", p, err)
		}
		if _, err := nw.Write(e.Data); err != nil {
			return nil, fmt.Errorf("writing payload file %s: %w", p, err)
		}
	}
	if err := nw.Close(); err != nil {
		return nil, fmt.Errorf("closing payload: %w", err)
	}
	return buf.Bytes(), nil
}

// pathLess orders slash-separated paths component by component, the order
// NAR requires for directory entries.
func pathLess(a, b string) bool {
	ac := strings.Split(a, "/")
	bc := strings.Split(b, "/")
	for i := 0; i < len(ac) && i < len(bc); i++ {
		if ac[i] != bc[i] {
			return ac[i] < bc[i]
		}
	}
	return len(ac) < len(bc)
}

// Unpack reads every regular file in a payload NAR
func Unpack(data []byte) (map[string]Entry, error) {
	nr := nar.NewReader(bufio.NewReader(bytes.NewReader(data)))
	out := make(map[string]Entry)
	for {
		hdr, err := nr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading payload: %v", core.ErrPackageCorrupted, err)
		}

		switch hdr.Mode.Type() {
		case fs.ModeDir, fs.ModeSymlink:
			continue
		case 0:
		default:
			return nil, fmt.Errorf("%w: unsupported payload entry %s", core.ErrPackageCorrupted, hdr.Path)
		}

		body, err := io.ReadAll(nr)
		if err != nil {
			return nil, fmt.Errorf("%w: reading payload file %s: %v", core.ErrPackageCorrupted, hdr.Path, err)
		}
		out[hdr.Path] = Entry{Path: hdr.Path, Data: body, Executable: hdr.Mode&0o111 != 0}
	}
	return out, nil
}
