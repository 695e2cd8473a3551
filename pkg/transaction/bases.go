// pkg/transaction/bases.go
package transaction

import (
	"context"
	"fmt"

	"github.com/arc-language/mpkg/pkg/cache"
	"github.com/arc-language/mpkg/pkg/core"
	"github.com/arc-language/mpkg/pkg/metadata"
	"github.com/arc-language/mpkg/pkg/payload"
	"github.com/arc-language/mpkg/pkg/version"
)

// bases offers the installed file tree and cached payloads of a package as
// delta bases
type bases struct {
	t    *Transaction
	repo string
}

func (b *bases) BaseVersions(name string) map[version.Version]int64 {
	out := make(map[version.Version]int64)
	if c := b.t.deps.Cache; c != nil {
		for _, v := range c.Versions(b.repo, name) {
			if p, ok := b.t.deps.Source.Lookup(b.repo, name, v); ok {
				out[v] = p.Size
			}
		}
	}
	if st, ok := b.t.deps.Store.Get(name); ok {
		if _, seen := out[st.Version]; !seen {
			out[st.Version] = st.Size
		}
	}
	return out
}

func (b *bases) BaseData(ctx context.Context, name string, v version.Version) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if st, ok := b.t.deps.Store.Get(name); ok && st.Version.Equal(v) {
		if data, ok := b.cached(st.Repository, name, v, st.Checksum); ok {
			return data, nil
		}
		return b.repack(st)
	}
	p, ok := b.t.deps.Source.Lookup(b.repo, name, v)
	if !ok {
		return nil, core.Errorf(core.ErrPackageNotFound, "delta base", name, v.String(), "not in repository %s", b.repo)
	}
	if data, ok := b.cached(b.repo, name, v, p.Checksum); ok {
		return data, nil
	}
	return nil, core.Errorf(core.ErrCache, "delta base", name, v.String(), "payload is no longer cached")
}

func (b *bases) cached(repo, name string, v version.Version, sum metadata.Checksum) ([]byte, bool) {
	c := b.t.deps.Cache
	if c == nil {
		return nil, false
	}
	data, ok, err := c.Get(cache.Key{Repo: repo, Name: name, Version: v}, sum)
	return data, ok && err == nil
}

// repack rebuilds the payload of an installed package from its files. It
// only serves as a base when the files are unchanged since install.
func (b *bases) repack(st *metadata.InstalledStatus) ([]byte, error) {
	entries := make([]payload.Entry, 0, len(st.Files))
	for _, f := range st.Files {
		data, err := b.t.deps.FS.ReadFile(f.Path)
		if err != nil {
			return nil, err
		}
		entries = append(entries, payload.Entry{Path: f.Path, Data: data, Executable: f.Mode&0o111 != 0})
	}
	data, err := payload.Pack(entries)
	if err != nil {
		return nil, err
	}
	if !st.Checksum.Matches(data) {
		return nil, fmt.Errorf("%w: installed files of %s differ from its payload", core.ErrChecksumMismatch, st.ID())
	}
	return data, nil
}
