// pkg/repository/builder.go
package repository

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/arc-language/mpkg/pkg/core"
	"github.com/arc-language/mpkg/pkg/delta"
	"github.com/arc-language/mpkg/pkg/metadata"
	"github.com/arc-language/mpkg/pkg/security"
	"github.com/arc-language/mpkg/pkg/version"
	"github.com/ulikunitz/xz"
)

// Builder writes a repository as a file tree that the file or HTTP
// transport can serve. Each Write bumps the generation and publishes a
// catalog delta from the previous one.
type Builder struct {
	Dir      string
	ID       string
	Compress bool // also write catalog.json.xz
	Now      func() time.Time
	Registry *delta.Registry

	entries map[Ref]*buildEntry
	removed map[Ref]string // archive path to delete
	keys    map[string][]byte
	signer  ed25519.PrivateKey
	keyID   string
}

type buildEntry struct {
	pkg     *metadata.Package
	payload []byte
	patches map[version.Version]deltaPatch
}

type deltaPatch struct {
	desc  metadata.Delta
	tag   byte
	patch []byte
}

// NewBuilder returns a builder for the repository id rooted at dir
func NewBuilder(dir, id string) *Builder {
	return &Builder{
		Dir:      dir,
		ID:       id,
		Compress: true,
		Now:      func() time.Time { return time.Now().UTC() },
		Registry: delta.NewRegistry(),
		entries:  make(map[Ref]*buildEntry),
		removed:  make(map[Ref]string),
		keys:     make(map[string][]byte),
	}
}

// Add publishes pkg with payload. Unset checksum, size and update time are
// derived. Re-adding a version replaces it and marks it updated.
func (b *Builder) Add(pkg *metadata.Package, payload []byte) (*metadata.Package, error) {
	p := pkg.Clone()
	if p.Checksum.IsZero() {
		p.Checksum = metadata.SHA256Sum(payload)
	}
	if p.Size == 0 {
		p.Size = int64(len(payload))
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = b.Now()
	}
	p.Signature = nil
	p.Deltas = nil
	if err := metadata.Validate(p, metadata.ValidateOptions{}); err != nil {
		return nil, err
	}
	ref := Ref{p.Name, p.Version}
	delete(b.removed, ref)
	b.entries[ref] = &buildEntry{pkg: p, payload: append([]byte(nil), payload...), patches: make(map[version.Version]deltaPatch)}
	return p, nil
}

// Touch marks a published version as updated now
func (b *Builder) Touch(name string, v version.Version) {
	if e, ok := b.entries[Ref{name, v}]; ok {
		e.pkg.UpdatedAt = b.Now()
	}
}

// Remove unpublishes a version
func (b *Builder) Remove(name string, v version.Version) {
	ref := Ref{name, v}
	if e, ok := b.entries[ref]; ok {
		b.removed[ref] = e.pkg.ArchivePath()
		delete(b.entries, ref)
	}
}

// AddDelta diffs two published versions and attaches the descriptor to the
// target
func (b *Builder) AddDelta(name string, base, target version.Version, algorithm string) (*metadata.Delta, error) {
	be, ok := b.entries[Ref{name, base}]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s is not published", core.ErrInvalidMetadata, name, base)
	}
	te, ok := b.entries[Ref{name, target}]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s is not published", core.ErrInvalidMetadata, name, target)
	}
	patch, tag, err := b.Registry.Diff(algorithm, be.payload, te.payload)
	if err != nil {
		return nil, err
	}
	d := metadata.Delta{
		TargetVersion:  target,
		BaseVersion:    base,
		Algorithm:      algorithm,
		DeltaSize:      int64(len(patch)),
		FullSize:       int64(len(te.payload)),
		DeltaChecksum:  metadata.SHA256Sum(patch),
		ResultChecksum: te.pkg.Checksum,
	}
	if d.FullSize > 0 {
		d.CompressionRatio = float64(d.DeltaSize) / float64(d.FullSize)
	}
	te.patches[base] = deltaPatch{desc: d, tag: tag, patch: patch}
	return &d, nil
}

// SignWith signs every package with priv and publishes the public key as id
func (b *Builder) SignWith(id string, priv ed25519.PrivateKey) {
	b.signer, b.keyID = priv, id
	b.keys[id] = security.FormatEd25519(priv.Public().(ed25519.PublicKey))
}

// AddKey publishes a public key file as is
func (b *Builder) AddKey(id string, data []byte) {
	b.keys[id] = append([]byte(nil), data...)
}

// Package returns the metadata of a published version as last written
func (b *Builder) Package(name string, v version.Version) (*metadata.Package, bool) {
	e, ok := b.entries[Ref{name, v}]
	if !ok {
		return nil, false
	}
	return b.finalize(e)
}

func (b *Builder) finalize(e *buildEntry) (*metadata.Package, bool) {
	p := e.pkg.Clone()
	bases := make([]version.Version, 0, len(e.patches))
	for v := range e.patches {
		bases = append(bases, v)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i].Less(bases[j]) })
	p.Deltas = p.Deltas[:0]
	for _, v := range bases {
		p.Deltas = append(p.Deltas, e.patches[v].desc)
	}
	if b.signer != nil {
		blob, err := p.SigningBlob()
		if err != nil {
			return nil, false
		}
		p.Signature = &metadata.Signature{
			Algorithm: security.Ed25519,
			KeyID:     b.keyID,
			Data:      ed25519.Sign(b.signer, blob),
		}
	}
	return p, true
}

// Write publishes the repository and returns its new index
func (b *Builder) Write() (*Index, error) {
	var prevIdx Index
	hasPrev, err := b.readJSON(IndexFile, &prevIdx)
	if err != nil {
		return nil, err
	}
	var prevCat metadata.Catalog
	if hasPrev {
		if _, err := b.readJSON(CatalogFile, &prevCat); err != nil {
			return nil, err
		}
	}

	now := b.Now()
	idx := &Index{Repository: b.ID, Generation: prevIdx.Generation + 1, GeneratedAt: now}
	cat := &metadata.Catalog{Repository: b.ID, Generation: idx.Generation, GeneratedAt: now}

	refs := make([]Ref, 0, len(b.entries))
	for ref := range b.entries {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Name != refs[j].Name {
			return refs[i].Name < refs[j].Name
		}
		return refs[i].Version.Less(refs[j].Version)
	})

	for _, ref := range refs {
		e := b.entries[ref]
		p, ok := b.finalize(e)
		if !ok {
			return nil, fmt.Errorf("%w: signing %s", core.ErrInvalidMetadata, ref)
		}
		var buf bytes.Buffer
		if err := metadata.EncodeArchive(&buf, p, e.payload); err != nil {
			return nil, err
		}
		if err := b.writeFile(p.ArchivePath(), buf.Bytes()); err != nil {
			return nil, err
		}
		for _, d := range p.Deltas {
			dp := e.patches[d.BaseVersion]
			buf.Reset()
			hdr := &metadata.DeltaHeader{Package: p.Name, Delta: d}
			if err := metadata.EncodeDeltaArchive(&buf, hdr, dp.tag, dp.patch); err != nil {
				return nil, err
			}
			if err := b.writeFile(p.DeltaPath(d), buf.Bytes()); err != nil {
				return nil, err
			}
		}
		meta, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		if err := b.writeFile(MetaPath(p.Name, p.Version), meta); err != nil {
			return nil, err
		}
		idx.Packages = append(idx.Packages, IndexEntry{Name: p.Name, Version: p.Version, UpdatedAt: p.UpdatedAt, Size: int64(len(meta))})
		cat.Packages = append(cat.Packages, p)
	}
	if err := metadata.ValidateCatalog(cat, metadata.ValidateOptions{}); err != nil {
		return nil, err
	}

	for ref, path := range b.removed {
		os.Remove(filepath.Join(b.Dir, filepath.FromSlash(path)))
		os.Remove(filepath.Join(b.Dir, filepath.FromSlash(MetaPath(ref.Name, ref.Version))))
	}
	b.removed = make(map[Ref]string)

	catJSON, err := json.Marshal(cat)
	if err != nil {
		return nil, err
	}
	if err := b.writeFile(CatalogFile, catJSON); err != nil {
		return nil, err
	}
	if b.Compress {
		var zbuf bytes.Buffer
		zw, err := xz.NewWriter(&zbuf)
		if err != nil {
			return nil, err
		}
		if _, err := zw.Write(catJSON); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		if err := b.writeFile(CatalogXZFile, zbuf.Bytes()); err != nil {
			return nil, err
		}
	} else {
		os.Remove(filepath.Join(b.Dir, CatalogXZFile))
	}

	// Only the delta from the previous generation is kept.
	if err := os.RemoveAll(filepath.Join(b.Dir, "catalog-delta")); err != nil {
		return nil, err
	}
	if hasPrev {
		cd := catalogDelta(b.ID, prevIdx.Generation, idx.Generation, prevCat.Packages, cat.Packages)
		data, err := json.Marshal(cd)
		if err != nil {
			return nil, err
		}
		if err := b.writeFile(CatalogDeltaPath(prevIdx.Generation), data); err != nil {
			return nil, err
		}
	}

	for _, id := range sortedKeys(b.keys) {
		if err := b.writeFile(KeyPath(id), b.keys[id]); err != nil {
			return nil, err
		}
		idx.Keys = append(idx.Keys, id)
	}

	data, err := json.Marshal(idx)
	if err != nil {
		return nil, err
	}
	if err := b.writeFile(IndexFile, data); err != nil {
		return nil, err
	}
	return idx, nil
}

// catalogDelta lists records added or updated since prev and those removed
func catalogDelta(id string, from, to int64, prev, next []*metadata.Package) *CatalogDelta {
	old := make(map[Ref]*metadata.Package, len(prev))
	for _, p := range prev {
		old[Ref{p.Name, p.Version}] = p
	}
	cd := &CatalogDelta{Repository: id, From: from, To: to, Updated: []*metadata.Package{}, Removed: []Ref{}}
	for _, p := range next {
		ref := Ref{p.Name, p.Version}
		if o, ok := old[ref]; !ok || !o.UpdatedAt.Equal(p.UpdatedAt) || !o.Checksum.Equal(p.Checksum) || len(o.Deltas) != len(p.Deltas) {
			cd.Updated = append(cd.Updated, p)
		}
		delete(old, ref)
	}
	for ref := range old {
		cd.Removed = append(cd.Removed, ref)
	}
	sort.Slice(cd.Removed, func(i, j int) bool { return cd.Removed[i].String() < cd.Removed[j].String() })
	return cd
}

func (b *Builder) readJSON(rel string, v any) (bool, error) {
	data, err := os.ReadFile(filepath.Join(b.Dir, filepath.FromSlash(rel)))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("%w: %s: %v", core.ErrPackageCorrupted, rel, err)
	}
	return true, nil
}

func (b *Builder) writeFile(rel string, data []byte) error {
	path := filepath.Join(b.Dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func sortedKeys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
