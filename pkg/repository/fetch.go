// pkg/repository/fetch.go
package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/arc-language/mpkg/pkg/cache"
	"github.com/arc-language/mpkg/pkg/core"
	"github.com/arc-language/mpkg/pkg/delta"
	"github.com/arc-language/mpkg/pkg/metadata"
	"github.com/arc-language/mpkg/pkg/transport"
)

// Artifact is a fetched package payload
type Artifact struct {
	Payload []byte
	Source  string // "cache" or the source URL it was read from
	Cached  bool
}

// sourcesOf returns the URLs a repository is read from. Git repositories
// are read from their local checkout.
func (c *Client) sourcesOf(r *repo) []Source {
	if IsGit(r.spec) {
		return []Source{{URL: c.checkoutDir(r.spec.ID), Primary: true}}
	}
	return sources(r.spec)
}

func (c *Client) checkoutDir(id string) string {
	return filepath.Join(stateDir(c.opts.CacheDir, id), "git")
}

// fetch reads rel from the sources of repository id. One attempt walks
// every source in selection order; attempts are spaced by the retry
// policy. A source that rejects our credentials is skipped for the rest of
// the call. When every source reports the path missing the error wraps
// core.ErrNotFound.
func (c *Client) fetch(ctx context.Context, id string, srcs []Source, rel string) ([]byte, string, error) {
	skip := make(map[string]bool)
	bo := c.retry.BackOff()
	var lastErr error

	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			d := bo.NextBackOff()
			c.log.Debug("retrying", "repository", id, "path", rel, "attempt", attempt+1, "delay", d)
			if err := c.opts.Sleep(ctx, d); err != nil {
				return nil, "", err
			}
		}

		tried, missing := 0, 0
		prev := ""
		for _, s := range c.selector.Order(id, srcs) {
			if skip[s.URL] {
				continue
			}
			if prev != "" {
				c.notify(core.EventMirrorSwitch, id, "", prev+" -> "+s.URL, lastErr)
			}
			prev = s.URL
			tried++

			data, err := c.read(ctx, s.URL, rel)
			if err == nil {
				return data, s.URL, nil
			}
			if ctx.Err() != nil {
				return nil, "", ctx.Err()
			}
			lastErr = err
			switch {
			case errors.Is(err, core.ErrNotFound):
				missing++
			case errors.Is(err, core.ErrAuthRequired):
				skip[s.URL] = true
				c.log.Warn("authentication failed", "repository", id, "source", s.URL)
				c.notify(core.EventAuthFailure, id, "", s.URL, err)
			default:
				c.log.Debug("fetch failed", "repository", id, "source", s.URL, "path", rel, "err", err)
			}
		}

		if tried == 0 {
			return nil, "", fmt.Errorf("%w: %s: every source rejected our credentials: %v", core.ErrRepositoryUnavailable, id, lastErr)
		}
		if missing == tried {
			return nil, "", fmt.Errorf("%s in repository %s: %w", rel, id, core.ErrNotFound)
		}
	}
	return nil, "", fmt.Errorf("%w: %s from %s after %d attempts: %v", core.ErrNetwork, rel, id, c.retry.MaxAttempts, lastErr)
}

// read fetches one URL, capped by the bandwidth limit, and feeds the
// measured latency to the mirror selector
func (c *Client) read(ctx context.Context, base, rel string) ([]byte, error) {
	start := time.Now()
	rc, err := c.opts.Transport.Fetch(ctx, joinURL(base, rel), nil)
	if err != nil {
		c.selector.Observe(base, 0, err)
		return nil, err
	}
	rc = transport.Throttle(ctx, rc, c.opts.Sync.BandwidthLimit)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		c.selector.Observe(base, 0, err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: reading %s: %v", core.ErrTransport, joinURL(base, rel), err)
	}
	c.selector.Observe(base, time.Since(start), nil)
	return data, nil
}

// head returns the size of rel on the first source that answers, or -1
func (c *Client) head(ctx context.Context, id string, srcs []Source, rel string) int64 {
	for _, s := range c.selector.Order(id, srcs) {
		info, err := c.opts.Transport.Head(ctx, joinURL(s.URL, rel))
		if err == nil {
			return info.Size
		}
		if errors.Is(err, core.ErrNotFound) {
			return -1
		}
	}
	return -1
}

// FetchArtifact returns the payload of pkg from the cache, the primary or a
// mirror. The archive must describe the requested name and version; the
// payload checksum is checked by the caller before use, and only payloads
// matching the catalog checksum are cached.
func (c *Client) FetchArtifact(ctx context.Context, repoID string, pkg *metadata.Package) (*Artifact, error) {
	key := cache.Key{Repo: repoID, Name: pkg.Name, Version: pkg.Version}
	if c.opts.Cache != nil {
		data, ok, err := c.opts.Cache.Get(key, pkg.Checksum)
		switch {
		case err != nil:
			c.log.Warn("cache read failed", "package", pkg.Name, "version", pkg.Version.String(), "err", err)
		case ok:
			return &Artifact{Payload: data, Source: "cache", Cached: true}, nil
		}
	}

	r, err := c.get(repoID)
	if err != nil {
		return nil, err
	}
	data, src, err := c.fetch(ctx, repoID, c.sourcesOf(r), pkg.ArchivePath())
	if err != nil {
		return nil, artifactErr(pkg, repoID, err)
	}
	meta, payload, err := metadata.DecodeArchive(bytes.NewReader(data))
	if err != nil {
		return nil, core.Wrap(core.ErrPackageCorrupted, "fetch", pkg.Name, pkg.Version.String(), err)
	}
	if meta.Name != pkg.Name || meta.Version != pkg.Version {
		return nil, core.Errorf(core.ErrSecurityViolation, "fetch", pkg.Name, pkg.Version.String(),
			"archive from %s carries %s", src, meta.ID())
	}

	if c.opts.Cache != nil && pkg.Checksum.Matches(payload) {
		if err := c.opts.Cache.Put(key, payload, pkg.Checksum); err != nil {
			c.log.Warn("cache write failed", "package", pkg.Name, "version", pkg.Version.String(), "err", err)
		}
	}
	c.log.Debug("fetched artifact", "package", pkg.Name, "version", pkg.Version.String(), "source", src, "bytes", len(data))
	return &Artifact{Payload: payload, Source: src}, nil
}

// FetchDelta returns the algorithm tag and patch of delta d of pkg
func (c *Client) FetchDelta(ctx context.Context, repoID string, pkg *metadata.Package, d metadata.Delta) (byte, []byte, error) {
	r, err := c.get(repoID)
	if err != nil {
		return 0, nil, err
	}
	data, src, err := c.fetch(ctx, repoID, c.sourcesOf(r), pkg.DeltaPath(d))
	if err != nil {
		return 0, nil, artifactErr(pkg, repoID, err)
	}
	hdr, tag, patch, err := metadata.DecodeDeltaArchive(bytes.NewReader(data))
	if err != nil {
		return 0, nil, core.Wrap(core.ErrPackageCorrupted, "fetch delta", pkg.Name, pkg.Version.String(), err)
	}
	if hdr.Package != pkg.Name || hdr.Delta.BaseVersion != d.BaseVersion || hdr.Delta.TargetVersion != d.TargetVersion {
		return 0, nil, core.Errorf(core.ErrSecurityViolation, "fetch delta", pkg.Name, pkg.Version.String(),
			"delta archive from %s is for %s %s -> %s", src, hdr.Package, hdr.Delta.BaseVersion, hdr.Delta.TargetVersion)
	}
	return tag, patch, nil
}

// DeltaFetcher binds FetchDelta to one package for the delta engine
func (c *Client) DeltaFetcher(repoID string, pkg *metadata.Package) delta.Fetcher {
	return func(ctx context.Context, d metadata.Delta) (byte, []byte, error) {
		return c.FetchDelta(ctx, repoID, pkg, d)
	}
}

func artifactErr(pkg *metadata.Package, repoID string, err error) error {
	if errors.Is(err, core.ErrNotFound) {
		return core.Errorf(core.ErrPackageNotFound, "fetch", pkg.Name, pkg.Version.String(), "not served by repository %s", repoID)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &core.Error{Op: "fetch", Package: pkg.Name, Version: pkg.Version.String(), Err: err}
}
