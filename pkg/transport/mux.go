// pkg/transport/mux.go
package transport

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/arc-language/mpkg/pkg/core"
)

// Mux routes requests to a transport by URL scheme. URLs without a scheme
// are local paths.
type Mux struct {
	schemes map[string]core.Transport
}

// NewMux returns a Mux with file and bare-path handling registered
func NewMux() *Mux {
	m := &Mux{schemes: make(map[string]core.Transport)}
	m.Handle("file", File{})
	return m
}

// NewDefault returns a Mux serving file, http and https, with circuit
// breakers in front of the network transport.
func NewDefault(opts ...Option) (*Mux, *HTTP) {
	h := NewHTTP(opts...)
	b := NewBreaker(h, 5)
	m := NewMux()
	m.Handle("http", b)
	m.Handle("https", b)
	return m, h
}

// Handle registers t for scheme
func (m *Mux) Handle(scheme string, t core.Transport) {
	m.schemes[strings.ToLower(scheme)] = t
}

func (m *Mux) route(url string) (core.Transport, error) {
	scheme, _, ok := strings.Cut(url, "://")
	if !ok {
		scheme = "file"
	}
	t, found := m.schemes[strings.ToLower(scheme)]
	if !found {
		return nil, fmt.Errorf("%w: no transport for scheme %q", core.ErrTransport, scheme)
	}
	return t, nil
}

func (m *Mux) Fetch(ctx context.Context, url string, r *core.ByteRange) (io.ReadCloser, error) {
	t, err := m.route(url)
	if err != nil {
		return nil, err
	}
	return t.Fetch(ctx, url, r)
}

func (m *Mux) Head(ctx context.Context, url string) (*core.ResourceInfo, error) {
	t, err := m.route(url)
	if err != nil {
		return nil, err
	}
	return t.Head(ctx, url)
}
