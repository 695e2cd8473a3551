// pkg/transaction/install.go
package transaction

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/arc-language/mpkg/pkg/cache"
	"github.com/arc-language/mpkg/pkg/core"
	"github.com/arc-language/mpkg/pkg/installdb"
	"github.com/arc-language/mpkg/pkg/metadata"
	"github.com/arc-language/mpkg/pkg/payload"
	"github.com/arc-language/mpkg/pkg/resolver"
	"github.com/arc-language/mpkg/pkg/security"
	"golang.org/x/sync/errgroup"
)

// item is one plan entry moving through the phases
type item struct {
	entry   resolver.Entry
	pkg     *metadata.Package
	old     *metadata.InstalledStatus // installed record being replaced
	payload []byte
	source  string
	files   []plannedFile
}

type plannedFile struct {
	meta metadata.File
	data []byte
}

func (it *item) name() string    { return it.pkg.Name }
func (it *item) version() string { return it.pkg.Version.String() }

// script returns the pre or post body and its phase name. Updates run the
// update pair instead of install.
func (it *item) script(post bool) (string, string) {
	s := it.pkg.Scripts
	if s == nil {
		return "", ""
	}
	switch {
	case it.old != nil && post:
		return s.PostUpdate, "post_update"
	case it.old != nil:
		return s.PreUpdate, "pre_update"
	case post:
		return s.PostInstall, "post_install"
	default:
		return s.PreInstall, "pre_install"
	}
}

func (t *Transaction) runPlan(ctx context.Context) error {
	if t.plan.Empty() {
		t.record(LevelInfo, PhaseBegin, "", "", "nothing to do")
		t.markCommitted()
		return nil
	}

	items := make([]*item, len(t.plan.Entries))
	for i, e := range t.plan.Entries {
		it := &item{entry: e, pkg: e.Package}
		if old, ok := t.deps.Store.Get(e.Package.Name); ok {
			it.old = old
		}
		items[i] = it
	}

	steps := []struct {
		phase string
		run   func(context.Context, []*item) error
	}{
		{PhaseAcquire, t.acquire},
		{PhaseVerify, t.verify},
		{PhaseDiskCheck, t.checkDisk},
		{PhasePreScript, t.preScripts},
		{PhaseApply, t.apply},
		{PhasePostScript, t.postScripts},
		{PhaseCommit, t.commit},
	}
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return t.fail(ctx, s.phase, err)
		}
		if err := s.run(ctx, items); err != nil {
			return t.fail(ctx, s.phase, err)
		}
	}
	return nil
}

// acquire fetches every payload in parallel: cache, then delta, then the
// repository
func (t *Transaction) acquire(ctx context.Context, items []*item) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.deps.Concurrency)
	for _, it := range items {
		it := it
		g.Go(func() error { return t.acquireOne(gctx, it) })
	}
	return g.Wait()
}

func (t *Transaction) acquireOne(ctx context.Context, it *item) error {
	pkg, repo := it.pkg, it.entry.Repository
	key := cache.Key{Repo: repo, Name: pkg.Name, Version: pkg.Version}

	if c := t.deps.Cache; c != nil {
		data, ok, err := c.Get(key, pkg.Checksum)
		switch {
		case err != nil:
			t.record(LevelWarn, PhaseAcquire, it.name(), it.version(), "cache read failed: "+err.Error())
		case ok:
			it.payload, it.source = data, "cache"
			t.record(LevelInfo, PhaseAcquire, it.name(), it.version(), "payload from cache")
			return nil
		}
	}

	if t.deps.Delta != nil && len(pkg.Deltas) > 0 {
		res, err := t.deps.Delta.Acquire(ctx, pkg, &bases{t: t, repo: repo}, t.deps.Source.DeltaFetcher(repo, pkg))
		if err != nil {
			return err
		}
		switch {
		case res.Payload != nil:
			it.payload, it.source = res.Payload, "delta"
			t.record(LevelInfo, PhaseAcquire, it.name(), it.version(),
				fmt.Sprintf("payload rebuilt from %s with a %d byte delta", res.Delta.BaseVersion, res.Delta.DeltaSize))
			if c := t.deps.Cache; c != nil {
				if err := c.Put(key, res.Payload, pkg.Checksum); err != nil {
					t.record(LevelWarn, PhaseAcquire, it.name(), it.version(), "cache write failed: "+err.Error())
				}
			}
			return nil
		case res.Fallback:
			t.record(LevelWarn, PhaseAcquire, it.name(), it.version(),
				fmt.Sprintf("delta %s -> %s discarded, fetching full payload: %s", res.Delta.BaseVersion, res.Delta.TargetVersion, res.Reason))
		}
	}

	art, err := t.deps.Source.FetchArtifact(ctx, repo, pkg)
	if err != nil {
		return err
	}
	it.payload, it.source = art.Payload, art.Source
	t.record(LevelInfo, PhaseAcquire, it.name(), it.version(), "payload fetched from "+art.Source)
	return nil
}

// verify checks payload checksums and signatures on the pool, then the
// declared files against the unpacked payloads
func (t *Transaction) verify(ctx context.Context, items []*item) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.deps.Concurrency)
	for _, it := range items {
		it := it
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return t.verifyOne(it)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return t.checkOwnership(items)
}

func (t *Transaction) verifyOne(it *item) error {
	if err := t.deps.Verifier.VerifyPackage(it.pkg, it.payload, t.deps.Source.KeyIDs(it.entry.Repository)); err != nil {
		return err
	}
	entries, err := payload.Unpack(it.payload)
	if err != nil {
		return core.Wrap(core.ErrPackageCorrupted, PhaseVerify, it.name(), it.version(), err)
	}
	files, err := planFiles(it.pkg, entries)
	if err != nil {
		return err
	}
	it.files = files

	// The installed record lists what was written, declared or not.
	pkg := it.pkg.Clone()
	pkg.Files = pkg.Files[:0]
	for _, f := range files {
		pkg.Files = append(pkg.Files, f.meta)
	}
	it.pkg = pkg
	t.record(LevelInfo, PhaseVerify, it.name(), it.version(), fmt.Sprintf("verified %d files", len(files)))
	return nil
}

// planFiles matches declared files to payload entries. A package that
// declares no files installs the whole payload.
func planFiles(pkg *metadata.Package, entries map[string]payload.Entry) ([]plannedFile, error) {
	ver := pkg.Version.String()
	if len(pkg.Files) == 0 {
		paths := make([]string, 0, len(entries))
		for p := range entries {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		out := make([]plannedFile, 0, len(paths))
		for _, p := range paths {
			e := entries[p]
			mode := fs.FileMode(0o644)
			if e.Executable {
				mode = 0o755
			}
			out = append(out, plannedFile{
				meta: metadata.File{Path: p, Size: int64(len(e.Data)), Mode: mode, Checksum: metadata.SHA256Sum(e.Data)},
				data: e.Data,
			})
		}
		return out, nil
	}

	out := make([]plannedFile, 0, len(pkg.Files))
	for _, f := range pkg.Files {
		e, ok := entries[f.Path]
		if !ok {
			return nil, core.Errorf(core.ErrPackageCorrupted, PhaseVerify, pkg.Name, ver, "declared file %s is missing from the payload", f.Path)
		}
		if err := security.VerifyChecksum(e.Data, f.Checksum); err != nil {
			return nil, core.Wrap(core.ErrChecksumMismatch, PhaseVerify, pkg.Name, ver, fmt.Errorf("file %s: %w", f.Path, err))
		}
		if f.Mode == 0 {
			f.Mode = 0o644
			if e.Executable {
				f.Mode = 0o755
			}
		}
		f.Size = int64(len(e.Data))
		out = append(out, plannedFile{meta: f, data: e.Data})
	}
	return out, nil
}

// checkOwnership rejects paths owned by another installed package or
// claimed twice within the plan
func (t *Transaction) checkOwnership(items []*item) error {
	replaced := make(map[string]bool, len(items))
	for _, it := range items {
		replaced[it.name()] = true
	}
	owner := make(map[string]string)
	for _, st := range t.deps.Store.List() {
		if replaced[st.Name] {
			continue
		}
		for _, f := range st.Files {
			owner[f.Path] = st.Name
		}
	}

	var conflicts []core.Conflict
	for _, it := range items {
		for _, f := range it.files {
			if o, ok := owner[f.meta.Path]; ok && o != it.name() {
				conflicts = append(conflicts, core.Conflict{Package: it.name(), With: o, Reason: "both own " + f.meta.Path})
				continue
			}
			owner[f.meta.Path] = it.name()
		}
	}
	if len(conflicts) > 0 {
		return &core.ConflictError{Op: PhaseVerify, Conflicts: conflicts}
	}
	return nil
}

// checkDisk needs room for every payload plus the configured headroom
func (t *Transaction) checkDisk(_ context.Context, items []*item) error {
	var need uint64
	for _, it := range items {
		need += uint64(len(it.payload))
	}
	if t.deps.DiskHeadroom > 0 {
		need += uint64(t.deps.DiskHeadroom)
	}
	free, err := t.deps.FS.FreeSpace(t.deps.InstallRoot)
	if err != nil {
		return &core.Error{Op: PhaseDiskCheck, Err: err}
	}
	if need > free {
		return core.Errorf(core.ErrDiskSpaceInsufficient, PhaseDiskCheck, "", "",
			"%s: need %d bytes, %d free", t.deps.InstallRoot, need, free)
	}
	t.record(LevelInfo, PhaseDiskCheck, "", "", fmt.Sprintf("%d bytes needed, %d free", need, free))
	return nil
}

func (t *Transaction) preScripts(ctx context.Context, items []*item) error {
	for _, it := range items {
		body, phase := it.script(false)
		if err := t.runScript(ctx, it.name(), it.version(), body, phase); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transaction) postScripts(ctx context.Context, items []*item) error {
	for _, it := range items {
		body, phase := it.script(true)
		if err := t.runScript(ctx, it.name(), it.version(), body, phase); err != nil {
			return err
		}
		if it.old == nil && it.pkg.Scripts != nil {
			t.journal.addInstalled(installed{
				name:      it.name(),
				version:   it.version(),
				preRemove: it.pkg.Scripts.PreRemove,
				postRm:    it.pkg.Scripts.PostRemove,
			})
		}
	}
	return nil
}

// apply writes every planned file and checks it on disk. Files of a
// replaced version that the new one no longer ships are removed after all
// new files are in place.
func (t *Transaction) apply(ctx context.Context, items []*item) error {
	for _, it := range items {
		for _, f := range it.files {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := t.writeFile(it, f); err != nil {
				return err
			}
		}
		t.record(LevelInfo, PhaseApply, it.name(), it.version(), fmt.Sprintf("wrote %d files", len(it.files)))
	}

	for _, it := range items {
		if it.old == nil {
			continue
		}
		keep := make(map[string]bool, len(it.files))
		for _, f := range it.files {
			keep[f.meta.Path] = true
		}
		for _, of := range it.old.Files {
			if keep[of.Path] {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := t.removeFile(it.name(), it.version(), of); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Transaction) writeFile(it *item, f plannedFile) error {
	path := f.meta.Path
	step := fileStep{path: path}
	prev, err := t.deps.FS.ReadFile(path)
	switch {
	case err == nil:
		info, err := t.deps.FS.Stat(path)
		if err != nil {
			return &core.Error{Op: PhaseApply, Package: it.name(), Version: it.version(), Err: err}
		}
		step.existed, step.data = true, prev
		step.mode, step.owner, step.group = info.Mode, info.Owner, info.Group
	case !errors.Is(err, fs.ErrNotExist):
		return &core.Error{Op: PhaseApply, Package: it.name(), Version: it.version(), Err: err}
	}
	t.journal.addFile(step)

	if err := t.deps.FS.WriteAtomic(path, f.data, f.meta.Mode, f.meta.Owner, f.meta.Group); err != nil {
		return &core.Error{Op: PhaseApply, Package: it.name(), Version: it.version(), Err: err}
	}
	got, err := t.deps.FS.ReadFile(path)
	if err != nil {
		return &core.Error{Op: PhaseApply, Package: it.name(), Version: it.version(), Err: err}
	}
	if err := security.VerifyChecksum(got, f.meta.Checksum); err != nil {
		return core.Wrap(core.ErrChecksumMismatch, PhaseApply, it.name(), it.version(), fmt.Errorf("file %s after write: %w", path, err))
	}
	return nil
}

// removeFile deletes an installed file, journaling its content. A file
// that is already gone is logged and skipped.
func (t *Transaction) removeFile(name, ver string, f metadata.InstalledFile) error {
	data, err := t.deps.FS.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		t.record(LevelWarn, PhaseApply, name, ver, f.Path+" is already gone")
		return nil
	}
	if err != nil {
		return &core.Error{Op: "remove file", Package: name, Version: ver, Err: err}
	}
	t.journal.addFile(fileStep{path: f.Path, existed: true, data: data, mode: f.Mode, owner: f.Owner, group: f.Group})
	if err := t.deps.FS.Remove(f.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &core.Error{Op: "remove file", Package: name, Version: ver, Err: err}
	}
	return nil
}

// commit writes the installed records; the store rebuilds and checks the
// graph before the new set becomes visible
func (t *Transaction) commit(ctx context.Context, items []*item) error {
	now := t.deps.Now()
	err := t.deps.Store.Update(context.WithoutCancel(ctx), func(m *installdb.Mutation) error {
		for _, it := range items {
			explicit := it.entry.Reason == resolver.ReasonRequested
			if prev, ok := m.Get(it.name()); ok && prev.Explicit {
				explicit = true
			}
			m.Put(metadata.NewInstalledStatus(it.pkg, it.entry.Repository, explicit, now))
		}
		return nil
	})
	if err != nil {
		return err
	}
	t.markCommitted()
	for _, it := range items {
		msg := "installed from " + it.source
		if it.old != nil {
			msg = fmt.Sprintf("updated from %s via %s", it.old.Version, it.source)
		}
		t.record(LevelInfo, PhaseCommit, it.name(), it.version(), msg)
	}
	return nil
}
