// pkg/installdb/store.go
package installdb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/arc-language/mpkg/pkg/core"
	"github.com/arc-language/mpkg/pkg/graph"
	"github.com/arc-language/mpkg/pkg/metadata"
	"github.com/charmbracelet/log"
)

// Store is the installed set and its dependency graph behind one
// reader/writer lock.
type Store struct {
	backend Backend
	log     *log.Logger

	mu        sync.RWMutex
	installed map[string]*metadata.InstalledStatus
	graph     *graph.Graph
}

// Open loads the installed set from backend and checks it is consistent
func Open(ctx context.Context, backend Backend, logger *log.Logger) (*Store, error) {
	recs, err := backend.Load(ctx)
	if err != nil {
		return nil, err
	}
	s := &Store{
		backend: backend,
		log:     core.LoggerOr(logger).WithPrefix("installdb"),
	}
	g, err := BuildGraph(recs)
	if err != nil {
		return nil, err
	}
	s.installed, s.graph = recs, g
	s.log.Debug("installed set loaded", "packages", len(recs))
	return s, nil
}

// Close closes the backend
func (s *Store) Close() error {
	return s.backend.Close()
}

// Get returns the installed record for name
func (s *Store) Get(name string) (*metadata.InstalledStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.installed[name]
	return st, ok && st.Installed
}

// List returns installed records sorted by name
func (s *Store) List() []*metadata.InstalledStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*metadata.InstalledStatus, 0, len(s.installed))
	for _, st := range s.installed {
		if st.Installed {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Snapshot returns a copy of the installed map. Records are shared and must
// not be modified.
func (s *Store) Snapshot() map[string]*metadata.InstalledStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*metadata.InstalledStatus, len(s.installed))
	for k, v := range s.installed {
		out[k] = v
	}
	return out
}

// Graph returns a copy of the dependency graph
func (s *Store) Graph() *graph.Graph {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.graph.Clone()
}

// DependentsOf lists installed packages depending on name directly
func (s *Store) DependentsOf(name string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.graph.DependentsOf(name)
}

// TransitiveDependents lists installed packages depending on name
// directly or indirectly
func (s *Store) TransitiveDependents(name string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.graph.TransitiveDependents(name)
}

// Mutation collects changes made inside Update
type Mutation struct {
	base    map[string]*metadata.InstalledStatus
	puts    map[string]*metadata.InstalledStatus
	deletes map[string]bool
}

// Put records st as installed
func (m *Mutation) Put(st *metadata.InstalledStatus) {
	delete(m.deletes, st.Name)
	m.puts[st.Name] = st
}

// Delete removes name from the installed set
func (m *Mutation) Delete(name string) {
	delete(m.puts, name)
	m.deletes[name] = true
}

// Get sees the mutation's own changes over the current set
func (m *Mutation) Get(name string) (*metadata.InstalledStatus, bool) {
	if m.deletes[name] {
		return nil, false
	}
	if st, ok := m.puts[name]; ok {
		return st, true
	}
	st, ok := m.base[name]
	return st, ok
}

func (m *Mutation) result() map[string]*metadata.InstalledStatus {
	next := make(map[string]*metadata.InstalledStatus, len(m.base)+len(m.puts))
	for k, v := range m.base {
		if !m.deletes[k] {
			next[k] = v
		}
	}
	for k, v := range m.puts {
		next[k] = v
	}
	return next
}

// Update applies fn copy-on-write: the resulting set must pass the
// consistency checks, is persisted, and only then becomes visible.
func (s *Store) Update(ctx context.Context, fn func(*Mutation) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := &Mutation{
		base:    s.installed,
		puts:    make(map[string]*metadata.InstalledStatus),
		deletes: make(map[string]bool),
	}
	if err := fn(m); err != nil {
		return err
	}
	next := m.result()
	g, err := BuildGraph(next)
	if err != nil {
		return err
	}

	puts := make([]*metadata.InstalledStatus, 0, len(m.puts))
	for _, st := range m.puts {
		puts = append(puts, st)
	}
	sort.Slice(puts, func(i, j int) bool { return puts[i].Name < puts[j].Name })
	deletes := make([]string, 0, len(m.deletes))
	for name := range m.deletes {
		deletes = append(deletes, name)
	}
	sort.Strings(deletes)

	if err := s.backend.Commit(ctx, puts, deletes); err != nil {
		return err
	}
	s.installed, s.graph = next, g
	return nil
}

// AppendLog persists transaction log records
func (s *Store) AppendLog(ctx context.Context, recs []LogRecord) error {
	return s.backend.AppendLog(ctx, recs)
}

// Log returns the transaction log for txID, or all of it
func (s *Store) Log(ctx context.Context, txID string) ([]LogRecord, error) {
	return s.backend.Log(ctx, txID)
}

// BuildGraph derives dependency edges from installed records and checks
// that every required dependency is installed at a satisfying version,
// that no two installed packages conflict, and that there is no cycle.
func BuildGraph(installed map[string]*metadata.InstalledStatus) (*graph.Graph, error) {
	names := make([]string, 0, len(installed))
	for name, st := range installed {
		if st.Installed {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	g := graph.New()
	var problems []string
	for _, name := range names {
		g.AddNode(name)
	}
	for _, name := range names {
		st := installed[name]
		for _, d := range st.Dependencies {
			target, ok := satisfying(installed, names, d)
			if !ok {
				if !d.Optional {
					problems = append(problems, fmt.Sprintf("%s requires %s", st.ID(), d))
				}
				continue
			}
			if target != name {
				g.AddEdge(name, target)
			}
		}
		for _, c := range st.Conflicts {
			if other, ok := installed[c]; ok && other.Installed && c != name {
				problems = append(problems, fmt.Sprintf("%s conflicts with installed %s", st.ID(), other.ID()))
			}
		}
	}
	if len(problems) > 0 {
		return nil, core.Errorf(core.ErrConsistencyViolation, "check installed set", "", "", "%s", strings.Join(problems, "; "))
	}
	if err := g.CheckInverse(); err != nil {
		return nil, err
	}
	if cycle := g.FindCycle(); cycle != nil {
		return nil, core.Wrap(core.ErrConsistencyViolation, "check installed set", "", "",
			errors.New("dependency cycle "+strings.Join(cycle, " -> ")))
	}
	return g, nil
}

// satisfying finds the installed package meeting d: the named package, or
// else a package providing the name.
func satisfying(installed map[string]*metadata.InstalledStatus, names []string, d metadata.Dependency) (string, bool) {
	if st, ok := installed[d.Package]; ok && st.Installed {
		return d.Package, d.Constraint.Matches(st.Version)
	}
	for _, name := range names {
		for _, pv := range installed[name].AsPackage().Provided() {
			if pv.Name == d.Package && d.Constraint.Matches(pv.Version) {
				return name, true
			}
		}
	}
	return "", false
}
