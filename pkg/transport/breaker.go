// pkg/transport/breaker.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/arc-language/mpkg/pkg/core"
	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"
)

// Breaker wraps a Transport with per-host circuit breakers. Not-found and
// auth errors are answers from a healthy host and never trip a breaker.
type Breaker struct {
	next      core.Transport
	threshold int64
	breakers  map[string]*circuit.Breaker
	mu        sync.RWMutex
}

// NewBreaker wraps next; a host trips after threshold failures
func NewBreaker(next core.Transport, threshold int64) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	return &Breaker{
		next:      next,
		threshold: threshold,
		breakers:  make(map[string]*circuit.Breaker),
	}
}

func (b *Breaker) breaker(host string) *circuit.Breaker {
	b.mu.RLock()
	cb, ok := b.breakers[host]
	b.mu.RUnlock()
	if ok {
		return cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[host]; ok {
		return cb
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	cb = circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(b.threshold),
	})
	b.breakers[host] = cb
	return cb
}

func (b *Breaker) call(rawURL string, fn func() error) error {
	host := hostOf(rawURL)
	cb := b.breaker(host)
	if !cb.Ready() {
		return fmt.Errorf("%w: circuit open for %s", core.ErrTransport, host)
	}

	var answer error
	err := cb.Call(func() error {
		err := fn()
		if errors.Is(err, core.ErrNotFound) || errors.Is(err, core.ErrAuthRequired) {
			answer = err
			return nil
		}
		return err
	}, 0)
	if err != nil {
		return err
	}
	return answer
}

// Fetch implements core.Transport
func (b *Breaker) Fetch(ctx context.Context, rawURL string, r *core.ByteRange) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := b.call(rawURL, func() error {
		var err error
		rc, err = b.next.Fetch(ctx, rawURL, r)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// Head implements core.Transport
func (b *Breaker) Head(ctx context.Context, rawURL string) (*core.ResourceInfo, error) {
	var info *core.ResourceInfo
	err := b.call(rawURL, func() error {
		var err error
		info, err = b.next.Head(ctx, rawURL)
		return err
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// States reports "open" or "closed" per host
func (b *Breaker) States() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	states := make(map[string]string, len(b.breakers))
	for host, cb := range b.breakers {
		if cb.Tripped() {
			states[host] = "open"
		} else {
			states[host] = "closed"
		}
	}
	return states
}

// Hosts lists hosts with a breaker, sorted
func (b *Breaker) Hosts() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	hosts := make([]string, 0, len(b.breakers))
	for h := range b.breakers {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		if len(rawURL) > 50 {
			return rawURL[:50]
		}
		return rawURL
	}
	return parsed.Host
}
