// pkg/repository/sync.go
package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/arc-language/mpkg/pkg/core"
	"github.com/arc-language/mpkg/pkg/metadata"
	"github.com/arc-language/mpkg/pkg/security"
	"github.com/arc-language/mpkg/pkg/version"
	"github.com/ulikunitz/xz"
	"golang.org/x/sync/errgroup"
)

// requestOverhead approximates the fixed cost of one request when the
// smart strategy compares transfer sizes
const requestOverhead = 512

// SyncResult reports what one sync changed
type SyncResult struct {
	Repository string
	Strategy   string // strategy actually used
	Generation int64
	Updated    int
	Removed    int
	Bytes      int64
	Rejected   []error // records dropped by validation
}

// Sync refreshes the catalog of repository id. An empty strategy uses the
// configured one. Syncs of the same repository are serialized.
func (c *Client) Sync(ctx context.Context, id, strategy string) (*SyncResult, error) {
	lock := c.syncLock(id)
	lock.Lock()
	defer lock.Unlock()

	r, err := c.get(id)
	if err != nil {
		return nil, err
	}
	if !r.spec.IsEnabled() {
		return nil, fmt.Errorf("%w: repository %s is disabled", core.ErrConfig, id)
	}
	if strategy == "" {
		strategy = c.opts.Sync.Strategy
	}
	switch strategy {
	case core.SyncFull, core.SyncIncremental, core.SyncDeltaBased, core.SyncSmart:
	default:
		return nil, fmt.Errorf("%w: unknown sync strategy %q", core.ErrConfig, strategy)
	}

	c.log.Info("syncing", "repository", id, "strategy", strategy)
	c.notify(core.EventSyncStarted, id, "", strategy, nil)
	c.setStatus(id, nil, true)
	res, st, err := c.sync(ctx, r, strategy)
	if err == nil {
		err = saveState(c.opts.CacheDir, st)
	}
	if err != nil {
		c.log.Error("sync failed", "repository", id, "err", err)
		c.notify(core.EventSyncFailed, id, "", "", err)
		c.setStatus(id, err, false)
		return nil, fmt.Errorf("syncing %s: %w", id, err)
	}
	c.swap(id, st)
	c.setStatus(id, nil, false)

	c.log.Info("synced", "repository", id, "strategy", res.Strategy, "generation", res.Generation,
		"updated", res.Updated, "removed", res.Removed, "rejected", len(res.Rejected), "bytes", res.Bytes)
	c.notify(core.EventSyncCompleted, id, "", fmt.Sprintf("%s generation %d", res.Strategy, res.Generation), nil)
	return res, nil
}

// SyncAll syncs every enabled repository concurrently. Results are in
// (priority, id) order; failed repositories are omitted and their errors
// joined.
func (c *Client) SyncAll(ctx context.Context, strategy string) ([]*SyncResult, error) {
	rs := c.ordered(true)
	results := make([]*SyncResult, len(rs))
	errs := make([]error, len(rs))

	var g errgroup.Group
	for i, r := range rs {
		i, r := i, r
		g.Go(func() error {
			results[i], errs[i] = c.Sync(ctx, r.spec.ID, strategy)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*SyncResult, 0, len(rs))
	for _, res := range results {
		if res != nil {
			out = append(out, res)
		}
	}
	return out, errors.Join(errs...)
}

// syncRun carries one sync's inputs
type syncRun struct {
	c     *Client
	id    string
	srcs  []Source
	prev  *State
	bytes int64
}

func (s *syncRun) get(ctx context.Context, rel string) ([]byte, error) {
	data, _, err := s.c.fetch(ctx, s.id, s.srcs, rel)
	s.bytes += int64(len(data))
	return data, err
}

func (s *syncRun) getJSON(ctx context.Context, rel string, v any) error {
	data, err := s.get(ctx, rel)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", core.ErrPackageCorrupted, rel, err)
	}
	return nil
}

func (c *Client) sync(ctx context.Context, r *repo, strategy string) (*SyncResult, *State, error) {
	id := r.spec.ID
	if IsGit(r.spec) {
		if err := GitSync(ctx, r.spec.URL, r.spec.Branch, c.checkoutDir(id)); err != nil {
			return nil, nil, err
		}
	}
	run := &syncRun{c: c, id: id, srcs: c.sourcesOf(r), prev: r.state}

	var idx Index
	if err := run.getJSON(ctx, IndexFile, &idx); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %s has no %s", core.ErrRepositoryUnavailable, id, IndexFile)
		}
		return nil, nil, err
	}

	chosen := strategy
	if chosen == core.SyncSmart {
		chosen = c.chooseStrategy(ctx, run, &idx)
		c.log.Debug("smart sync picked", "repository", id, "strategy", chosen)
	}

	var (
		pkgs []*metadata.Package
		err  error
	)
	switch chosen {
	case core.SyncFull:
		pkgs, err = run.full(ctx)
	case core.SyncIncremental:
		pkgs, err = run.incremental(ctx, &idx)
	case core.SyncDeltaBased:
		pkgs, chosen, err = run.deltaBased(ctx, &idx)
	}
	if err != nil {
		return nil, nil, err
	}

	kept, rejected := c.admit(id, pkgs)
	res := &SyncResult{Repository: id, Strategy: chosen, Generation: idx.Generation, Rejected: rejected}
	res.Updated, res.Removed = diffCounts(run.prev, kept)

	keyErrs := run.keys(ctx, idx.Keys)
	res.Rejected = append(res.Rejected, keyErrs...)
	res.Bytes = run.bytes

	sortPackages(kept)
	st := &State{
		ID:         id,
		Generation: idx.Generation,
		LastSync:   c.opts.Now(),
		Strategy:   chosen,
		Packages:   kept,
		Keys:       idx.Keys,
	}
	return res, st, nil
}

// chooseStrategy estimates the bytes each strategy would transfer and
// picks the cheapest. Never-synced repositories always sync in full.
func (c *Client) chooseStrategy(ctx context.Context, run *syncRun, idx *Index) string {
	prev := run.prev
	if prev == nil {
		return core.SyncFull
	}
	if idx.Generation == prev.Generation {
		return core.SyncIncremental
	}

	known := make(map[Ref]bool, len(prev.Packages))
	for _, p := range prev.Packages {
		known[Ref{p.Name, p.Version}] = true
	}
	incremental := int64(0)
	for _, e := range idx.Packages {
		if !known[Ref{e.Name, e.Version}] || e.UpdatedAt.After(prev.LastSync) {
			incremental += e.Size + requestOverhead
		}
	}

	best, choice := incremental, core.SyncIncremental
	if idx.Generation == prev.Generation+1 {
		if n := c.head(ctx, run.id, run.srcs, CatalogDeltaPath(prev.Generation)); n >= 0 && n+requestOverhead < best {
			best, choice = n+requestOverhead, core.SyncDeltaBased
		}
	}
	full := c.head(ctx, run.id, run.srcs, CatalogXZFile)
	if full < 0 {
		full = c.head(ctx, run.id, run.srcs, CatalogFile)
	}
	if full >= 0 && full+requestOverhead < best {
		choice = core.SyncFull
	}
	return choice
}

// full downloads the whole catalog, compressed when available
func (s *syncRun) full(ctx context.Context) ([]*metadata.Package, error) {
	var cat metadata.Catalog
	data, err := s.get(ctx, CatalogXZFile)
	switch {
	case err == nil:
		zr, zerr := xz.NewReader(bytes.NewReader(data))
		if zerr != nil {
			return nil, fmt.Errorf("%w: %s: %v", core.ErrPackageCorrupted, CatalogXZFile, zerr)
		}
		raw, zerr := io.ReadAll(zr)
		if zerr != nil {
			return nil, fmt.Errorf("%w: %s: %v", core.ErrPackageCorrupted, CatalogXZFile, zerr)
		}
		if err := json.Unmarshal(raw, &cat); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", core.ErrPackageCorrupted, CatalogXZFile, err)
		}
	case errors.Is(err, core.ErrNotFound):
		if err := s.getJSON(ctx, CatalogFile, &cat); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	return cat.Packages, nil
}

// incremental keeps unchanged records and fetches the metadata of every
// record updated since the last sync. Records missing from the index are
// dropped.
func (s *syncRun) incremental(ctx context.Context, idx *Index) ([]*metadata.Package, error) {
	have := make(map[Ref]*metadata.Package)
	if s.prev != nil {
		for _, p := range s.prev.Packages {
			have[Ref{p.Name, p.Version}] = p
		}
	}

	var (
		out   []*metadata.Package
		fetch []IndexEntry
	)
	for _, e := range idx.Packages {
		p, ok := have[Ref{e.Name, e.Version}]
		if ok && !e.UpdatedAt.After(s.prev.LastSync) {
			out = append(out, p)
			continue
		}
		fetch = append(fetch, e)
	}

	fetched := make([]*metadata.Package, len(fetch))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, e := range fetch {
		i, e := i, e
		g.Go(func() error {
			data, _, err := s.c.fetch(gctx, s.id, s.srcs, MetaPath(e.Name, e.Version))
			mu.Lock()
			s.bytes += int64(len(data))
			mu.Unlock()
			if err != nil {
				return err
			}
			var p metadata.Package
			if err := json.Unmarshal(data, &p); err != nil {
				return fmt.Errorf("%w: %s: %v", core.ErrPackageCorrupted, MetaPath(e.Name, e.Version), err)
			}
			if p.Name != e.Name || p.Version != e.Version {
				return core.Errorf(core.ErrInvalidMetadata, "sync", e.Name, e.Version.String(),
					"metadata document describes %s", p.ID())
			}
			fetched[i] = &p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return append(out, fetched...), nil
}

// deltaBased applies the catalog delta from the last synced generation and
// falls back to incremental when none matches
func (s *syncRun) deltaBased(ctx context.Context, idx *Index) ([]*metadata.Package, string, error) {
	if s.prev == nil {
		pkgs, err := s.full(ctx)
		return pkgs, core.SyncFull, err
	}
	if s.prev.Generation == idx.Generation {
		return s.prev.Packages, core.SyncDeltaBased, nil
	}

	var cd CatalogDelta
	err := s.getJSON(ctx, CatalogDeltaPath(s.prev.Generation), &cd)
	switch {
	case err == nil && cd.From == s.prev.Generation && cd.To == idx.Generation:
	case err == nil || errors.Is(err, core.ErrNotFound) || errors.Is(err, core.ErrPackageCorrupted):
		s.c.log.Debug("no usable catalog delta, syncing incrementally", "repository", s.id,
			"from", s.prev.Generation, "to", idx.Generation)
		pkgs, err := s.incremental(ctx, idx)
		return pkgs, core.SyncIncremental, err
	default:
		return nil, "", err
	}

	byRef := make(map[Ref]*metadata.Package, len(s.prev.Packages))
	for _, p := range s.prev.Packages {
		byRef[Ref{p.Name, p.Version}] = p
	}
	for _, ref := range cd.Removed {
		delete(byRef, ref)
	}
	for _, p := range cd.Updated {
		byRef[Ref{p.Name, p.Version}] = p
	}
	out := make([]*metadata.Package, 0, len(byRef))
	for _, p := range byRef {
		out = append(out, p)
	}
	return out, core.SyncDeltaBased, nil
}

// keys mirrors the published keys and adds those the store lacks
func (s *syncRun) keys(ctx context.Context, ids []string) []error {
	var errs []error
	for _, kid := range ids {
		data, err := s.get(ctx, KeyPath(kid))
		if err != nil {
			errs = append(errs, fmt.Errorf("key %s: %w", kid, err))
			continue
		}
		k, err := security.ParsePublicKey(kid, data)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := saveKey(s.c.opts.CacheDir, s.id, kid, data); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, ok := s.c.keys.Lookup(kid); !ok {
			s.c.keys.Add(k)
		}
	}
	return errs
}

// admit validates records and drops the invalid ones, duplicates and those
// whose deltas reference versions absent from the catalog
func (c *Client) admit(id string, pkgs []*metadata.Package) ([]*metadata.Package, []error) {
	var (
		kept     []*metadata.Package
		rejected []error
	)
	seen := make(map[Ref]bool)
	versions := make(map[string]map[version.Version]bool)
	for _, p := range pkgs {
		if p == nil {
			continue
		}
		if err := metadata.Validate(p, c.opts.Validate); err != nil {
			rejected = append(rejected, err)
			continue
		}
		ref := Ref{p.Name, p.Version}
		if seen[ref] {
			rejected = append(rejected, core.Errorf(core.ErrInvalidMetadata, "sync", p.Name, p.Version.String(), "duplicate record"))
			continue
		}
		seen[ref] = true
		if versions[p.Name] == nil {
			versions[p.Name] = make(map[version.Version]bool)
		}
		versions[p.Name][p.Version] = true
		kept = append(kept, p)
	}

	out := kept[:0]
	for _, p := range kept {
		if err := metadata.ValidateDeltaBases(p, versions[p.Name]); err != nil {
			rejected = append(rejected, err)
			continue
		}
		out = append(out, p)
	}
	for _, err := range rejected {
		c.log.Warn("rejected record", "repository", id, "err", err)
	}
	return out, rejected
}

// diffCounts compares the previous state with the new record set
func diffCounts(prev *State, next []*metadata.Package) (updated, removed int) {
	old := make(map[Ref]*metadata.Package)
	if prev != nil {
		for _, p := range prev.Packages {
			old[Ref{p.Name, p.Version}] = p
		}
	}
	cur := make(map[Ref]bool, len(next))
	for _, p := range next {
		ref := Ref{p.Name, p.Version}
		cur[ref] = true
		if o, ok := old[ref]; !ok || o != p && !o.UpdatedAt.Equal(p.UpdatedAt) {
			updated++
		}
	}
	for ref := range old {
		if !cur[ref] {
			removed++
		}
	}
	return updated, removed
}
