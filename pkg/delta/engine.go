// pkg/delta/engine.go
package delta

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/arc-language/mpkg/pkg/core"
	"github.com/arc-language/mpkg/pkg/metadata"
	"github.com/arc-language/mpkg/pkg/version"
	"github.com/charmbracelet/log"
)

// DefaultThreshold is the fraction of the full size a delta must stay under
const DefaultThreshold = 0.9

// BaseSource exposes payloads that can serve as a delta base, typically
// the installed version and cached versions of a package.
type BaseSource interface {
	// BaseVersions maps each reachable version of name to its payload size
	BaseVersions(name string) map[version.Version]int64
	// BaseData returns the payload of name at v
	BaseData(ctx context.Context, name string, v version.Version) ([]byte, error)
}

// Fetcher downloads the delta archive described by d and returns its tag
// and patch bytes.
type Fetcher func(ctx context.Context, d metadata.Delta) (tag byte, patch []byte, err error)

// Result reports what Acquire did. A nil Payload means the caller must
// download the full archive; Fallback is set when a delta was attempted.
type Result struct {
	Payload  []byte
	Delta    *metadata.Delta
	Fallback bool
	Reason   string
}

// Options configures an Engine
type Options struct {
	Registry  *Registry
	Threshold float64
	// BaseReadCost estimates the cost in bytes of reading a base payload.
	// Defaults to one percent of its size.
	BaseReadCost func(baseSize int64) int64
	Disabled     bool
	// Monitor records every delta attempt; nil keeps counts in memory
	Monitor *Monitor
	Now     func() time.Time
	Logger  *log.Logger
}

// Engine selects and applies delta patches
type Engine struct {
	reg       *Registry
	threshold float64
	cost      func(int64) int64
	disabled  bool
	monitor   *Monitor
	now       func() time.Time
	log       *log.Logger
}

// NewEngine returns an engine with opts applied over the defaults
func NewEngine(opts Options) *Engine {
	e := &Engine{
		reg:       opts.Registry,
		threshold: opts.Threshold,
		cost:      opts.BaseReadCost,
		disabled:  opts.Disabled,
		monitor:   opts.Monitor,
		now:       opts.Now,
		log:       core.LoggerOr(opts.Logger).WithPrefix("delta"),
	}
	if e.monitor == nil {
		e.monitor, _ = NewMonitor("")
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.reg == nil {
		e.reg = NewRegistry()
	}
	if e.threshold <= 0 || e.threshold > 1 {
		e.threshold = DefaultThreshold
	}
	if e.cost == nil {
		e.cost = func(n int64) int64 { return n / 100 }
	}
	return e
}

// Registry returns the algorithm registry
func (e *Engine) Registry() *Registry { return e.reg }

// Monitor returns the bandwidth monitor
func (e *Engine) Monitor() *Monitor { return e.monitor }

func (e *Engine) record(pkg *metadata.Package, d *metadata.Delta, bytes, full int64, fallback bool) {
	t := Transfer{
		Time:      e.now(),
		Package:   pkg.Name,
		Base:      d.BaseVersion.String(),
		Target:    d.TargetVersion.String(),
		Algorithm: d.Algorithm,
		Bytes:     bytes,
		FullBytes: full,
		Fallback:  fallback,
	}
	if err := e.monitor.Record(t); err != nil {
		e.log.Warn("recording delta transfer", "package", pkg.Name, "err", err)
	}
}

// Select picks the smallest worthwhile delta for pkg whose base is among
// bases (version to payload size). It returns false when the full payload
// should be downloaded.
func (e *Engine) Select(pkg *metadata.Package, bases map[version.Version]int64) (*metadata.Delta, bool) {
	if e.disabled || len(pkg.Deltas) == 0 || len(bases) == 0 {
		return nil, false
	}

	var candidates []metadata.Delta
	for _, d := range pkg.Deltas {
		if !d.TargetVersion.Equal(pkg.Version) {
			continue
		}
		baseSize, ok := bases[d.BaseVersion]
		if !ok {
			continue
		}
		if _, ok := e.reg.Lookup(d.Algorithm); !ok {
			e.log.Debug("skipping delta with unknown algorithm", "package", pkg.Name, "algorithm", d.Algorithm)
			continue
		}
		full := d.FullSize
		if full <= 0 {
			full = pkg.Size
		}
		if float64(d.DeltaSize+e.cost(baseSize)) >= float64(full)*e.threshold {
			continue
		}
		candidates = append(candidates, d)
	}
	if len(candidates) == 0 {
		return nil, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].DeltaSize != candidates[j].DeltaSize {
			return candidates[i].DeltaSize < candidates[j].DeltaSize
		}
		return candidates[j].BaseVersion.Less(candidates[i].BaseVersion)
	})
	d := candidates[0]
	return &d, true
}

// Acquire tries to rebuild pkg's payload from a delta. Any failure after a
// delta was selected yields a Fallback result carrying the reason; only
// context cancellation is returned as an error.
func (e *Engine) Acquire(ctx context.Context, pkg *metadata.Package, src BaseSource, fetch Fetcher) (Result, error) {
	if src == nil || fetch == nil {
		return Result{}, nil
	}
	d, ok := e.Select(pkg, src.BaseVersions(pkg.Name))
	if !ok {
		return Result{}, nil
	}

	full := d.FullSize
	if full <= 0 {
		full = pkg.Size
	}
	var patch []byte
	fallback := func(format string, args ...any) (Result, error) {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		// the full archive is downloaded on top of whatever patch was fetched
		e.record(pkg, d, int64(len(patch))+full, full, true)
		reason := fmt.Sprintf(format, args...)
		e.log.Warn("delta failed, falling back to full download",
			"package", pkg.Name, "base", d.BaseVersion.String(), "target", d.TargetVersion.String(), "reason", reason)
		return Result{Delta: d, Fallback: true, Reason: reason}, nil
	}

	alg, _ := e.reg.Lookup(d.Algorithm)
	base, err := src.BaseData(ctx, pkg.Name, d.BaseVersion)
	if err != nil {
		return fallback("reading base %s: %v", d.BaseVersion, err)
	}
	tag, patch, err := fetch(ctx, *d)
	if err != nil {
		patch = nil
		return fallback("fetching delta: %v", err)
	}
	if tag != alg.Tag {
		return fallback("archive tag %d does not match algorithm %s", tag, alg.Name)
	}
	if !d.DeltaChecksum.Matches(patch) {
		return fallback("delta checksum mismatch")
	}
	out, err := alg.Apply(base, patch, full)
	if err != nil {
		return fallback("applying %s: %v", alg.Name, err)
	}
	if !d.ResultChecksum.Matches(out) {
		return fallback("result checksum mismatch")
	}

	e.record(pkg, d, int64(len(patch)), full, false)
	e.log.Debug("delta applied", "package", pkg.Name, "base", d.BaseVersion.String(), "bytes", len(patch))
	return Result{Payload: out, Delta: d}, nil
}
