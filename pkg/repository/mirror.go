// pkg/repository/mirror.go
package repository

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/arc-language/mpkg/pkg/core"
)

// Source is one URL serving a repository: the primary or a mirror
type Source struct {
	URL      string
	Priority int
	Region   string
	Primary  bool
}

// sources lists the primary followed by mirrors in configured priority order
func sources(spec core.RepositorySpec) []Source {
	out := []Source{{URL: spec.URL, Priority: math.MinInt, Region: spec.Region, Primary: true}}
	for _, m := range spec.Mirrors {
		out = append(out, Source{URL: m.URL, Priority: m.Priority, Region: m.Region})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// ewmaWeight is the share of a new latency sample
const ewmaWeight = 0.3

// failurePenalty is recorded as the latency of a failed request
const failurePenalty = 30 * time.Second

// Selector orders sources according to a mirror strategy
type Selector struct {
	strategy string
	region   string

	mu      sync.Mutex
	latency map[string]time.Duration
	next    map[string]int
}

// NewSelector returns a selector for strategy (fastest, priority,
// load_balanced or geographic). Unknown strategies fall back to priority.
func NewSelector(strategy, region string) *Selector {
	return &Selector{
		strategy: strategy,
		region:   region,
		latency:  make(map[string]time.Duration),
		next:     make(map[string]int),
	}
}

// Observe records the outcome of a request to url
func (s *Selector) Observe(url string, d time.Duration, err error) {
	if err != nil {
		d = failurePenalty
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.latency[url]
	if !ok {
		s.latency[url] = d
		return
	}
	s.latency[url] = time.Duration(ewmaWeight*float64(d) + (1-ewmaWeight)*float64(prev))
}

// Latency returns the smoothed latency of url, if measured
func (s *Selector) Latency(url string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.latency[url]
	return d, ok
}

// Order returns srcs in the order they should be tried for repository id.
// srcs must already be in priority order.
func (s *Selector) Order(id string, srcs []Source) []Source {
	out := append([]Source(nil), srcs...)
	if len(out) < 2 {
		return out
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.strategy {
	case core.MirrorFastest:
		// Unmeasured sources sort first so every source gets sampled.
		sort.SliceStable(out, func(i, j int) bool {
			return s.latency[out[i].URL] < s.latency[out[j].URL]
		})
	case core.MirrorLoadBalanced:
		n := s.next[id] % len(out)
		s.next[id] = n + 1
		out = append(out[n:], out[:n]...)
	case core.MirrorGeographic:
		if s.region != "" {
			sort.SliceStable(out, func(i, j int) bool {
				return out[i].Region == s.region && out[j].Region != s.region
			})
		}
	}
	return out
}
