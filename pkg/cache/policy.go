// pkg/cache/policy.go
package cache

import (
	"fmt"

	"github.com/arc-language/mpkg/pkg/core"
)

// Policy selects which entry is evicted first
type Policy string

const (
	LRU     Policy = "lru"     // least recently accessed
	LFU     Policy = "lfu"     // least frequently accessed
	FIFO    Policy = "fifo"    // oldest insertion
	Largest Policy = "largest" // biggest payload
)

// ParsePolicy validates a configured policy name
func ParsePolicy(s string) (Policy, error) {
	p := Policy(s)
	if p == "" {
		return LRU, nil
	}
	if _, err := p.less(); err != nil {
		return "", err
	}
	return p, nil
}

// less returns the victim ordering: a sorts before b when a should be
// evicted first. Logical ticks break ties so ordering never depends on
// clock resolution.
func (p Policy) less() (func(a, b *Entry) bool, error) {
	switch p {
	case LRU:
		return func(a, b *Entry) bool { return a.accessTick < b.accessTick }, nil
	case LFU:
		return func(a, b *Entry) bool {
			if a.AccessCount != b.AccessCount {
				return a.AccessCount < b.AccessCount
			}
			return a.accessTick < b.accessTick
		}, nil
	case FIFO:
		return func(a, b *Entry) bool { return a.createTick < b.createTick }, nil
	case Largest:
		return func(a, b *Entry) bool {
			if a.Size != b.Size {
				return a.Size > b.Size
			}
			return a.accessTick < b.accessTick
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown eviction policy %q", core.ErrConfig, string(p))
}
