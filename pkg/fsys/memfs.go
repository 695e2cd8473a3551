// pkg/fsys/memfs.go
package fsys

import (
	"fmt"
	"io/fs"
	"math"
	"path"
	"sort"
	"sync"

	"github.com/arc-language/mpkg/pkg/core"
)

// MemFile is a file held by MemFS
type MemFile struct {
	Data  []byte
	Mode  fs.FileMode
	Owner string
	Group string
}

// MemFS is an in-memory filesystem for tests and dry runs
type MemFS struct {
	mu    sync.Mutex
	files map[string]MemFile

	// Free is reported by FreeSpace; zero means unlimited
	Free uint64
	// FailWrite returns an error for a path before it is written
	FailWrite func(path string) error
	// CorruptWrite alters data as it is stored, simulating a bad disk
	CorruptWrite func(path string, data []byte) []byte
}

// NewMemFS returns an empty filesystem
func NewMemFS() *MemFS {
	return &MemFS{files: make(map[string]MemFile)}
}

func memKey(p string) string {
	return path.Clean("/" + p)[1:]
}

func (m *MemFS) WriteAtomic(p string, data []byte, mode fs.FileMode, owner, group string) error {
	key := memKey(p)
	if key == "" {
		return fmt.Errorf("%w: empty path", core.ErrPermissionDenied)
	}
	if m.FailWrite != nil {
		if err := m.FailWrite(key); err != nil {
			return err
		}
	}
	stored := append([]byte(nil), data...)
	if m.CorruptWrite != nil {
		stored = m.CorruptWrite(key, stored)
	}
	m.mu.Lock()
	m.files[key] = MemFile{Data: stored, Mode: mode, Owner: owner, Group: group}
	m.mu.Unlock()
	return nil
}

func (m *MemFS) Remove(p string) error {
	key := memKey(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[key]; !ok {
		return fmt.Errorf("%s: %w", p, fs.ErrNotExist)
	}
	delete(m.files, key)
	return nil
}

func (m *MemFS) ReadFile(p string) ([]byte, error) {
	key := memKey(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, fs.ErrNotExist)
	}
	return append([]byte(nil), f.Data...), nil
}

func (m *MemFS) FreeSpace(string) (uint64, error) {
	if m.Free == 0 {
		return math.MaxUint64, nil
	}
	return m.Free, nil
}

func (m *MemFS) Stat(p string) (core.FileInfo, error) {
	f, ok := m.File(p)
	if !ok {
		return core.FileInfo{}, fmt.Errorf("%s: %w", p, fs.ErrNotExist)
	}
	return core.FileInfo{Mode: f.Mode, Owner: f.Owner, Group: f.Group}, nil
}

// File returns the stored file
func (m *MemFS) File(p string) (MemFile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[memKey(p)]
	return f, ok
}

// Paths lists stored files, sorted
func (m *MemFS) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.files))
	for k := range m.files {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
