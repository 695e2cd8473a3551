// pkg/delta/registry.go

// Package delta reconstructs package payloads from a cached or installed
// base and a binary patch.
package delta

import (
	"fmt"
	"sort"
	"sync"

	"github.com/arc-language/mpkg/pkg/core"
)

// ApplyFunc rebuilds the target payload from base and patch. A positive
// limit caps the size of the rebuilt payload.
type ApplyFunc func(base, patch []byte, limit int64) ([]byte, error)

// DiffFunc produces a patch turning base into target
type DiffFunc func(base, target []byte) ([]byte, error)

// Algorithm is a registered patch format. Tag is the byte stored in delta
// archives; Name is the string used in metadata.
type Algorithm struct {
	Name  string
	Tag   byte
	Apply ApplyFunc
	Diff  DiffFunc
}

// Registry maps algorithm names and tags to implementations
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Algorithm
	byTag  map[byte]Algorithm
}

// NewRegistry returns a registry holding the built-in algorithms
func NewRegistry() *Registry {
	r := &Registry{
		byName: make(map[string]Algorithm),
		byTag:  make(map[byte]Algorithm),
	}
	for _, a := range builtins() {
		if err := r.Register(a); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a. Names and tags must be unique; tag 0 is reserved.
func (r *Registry) Register(a Algorithm) error {
	if a.Name == "" || a.Tag == 0 || a.Apply == nil {
		return fmt.Errorf("%w: delta algorithm needs a name, a non-zero tag and an apply function", core.ErrConfig)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[a.Name]; ok {
		return fmt.Errorf("%w: delta algorithm %q already registered", core.ErrConfig, a.Name)
	}
	if prev, ok := r.byTag[a.Tag]; ok {
		return fmt.Errorf("%w: delta tag %d already used by %q", core.ErrConfig, a.Tag, prev.Name)
	}
	r.byName[a.Name] = a
	r.byTag[a.Tag] = a
	return nil
}

// Lookup finds an algorithm by name
func (r *Registry) Lookup(name string) (Algorithm, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byName[name]
	return a, ok
}

// ByTag finds an algorithm by archive tag
func (r *Registry) ByTag(tag byte) (Algorithm, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byTag[tag]
	return a, ok
}

// Names lists registered algorithm names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Diff produces a patch with the named algorithm
func (r *Registry) Diff(name string, base, target []byte) ([]byte, byte, error) {
	a, ok := r.Lookup(name)
	if !ok {
		return nil, 0, fmt.Errorf("%w: unknown delta algorithm %q", core.ErrUnsupportedOperation, name)
	}
	if a.Diff == nil {
		return nil, 0, fmt.Errorf("%w: delta algorithm %q cannot produce patches", core.ErrUnsupportedOperation, name)
	}
	patch, err := a.Diff(base, target)
	if err != nil {
		return nil, 0, err
	}
	return patch, a.Tag, nil
}
