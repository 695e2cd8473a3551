// pkg/transport/http.go

// Package transport provides the network and file transports used to reach
// repositories, plus wrappers for circuit breaking and bandwidth limits.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/arc-language/mpkg/pkg/core"
	"github.com/rs/dnscache"
)

const userAgent = "mpkg/0.1"

// HTTP fetches over http and https. Each call is a single attempt; retry
// policy belongs to the repository client.
type HTTP struct {
	client    *http.Client
	userAgent string
	authFn    func(url string) (headerName, headerValue string)

	stop     chan struct{}
	stopOnce sync.Once
}

// Option configures an HTTP transport
type Option func(*HTTP)

// WithHTTPClient sets a custom HTTP client. The DNS cache is not used.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTP) {
		h.client = c
	}
}

// WithUserAgent sets the User-Agent header
func WithUserAgent(ua string) Option {
	return func(h *HTTP) {
		h.userAgent = ua
	}
}

// WithTimeout sets the per-request network timeout
func WithTimeout(d time.Duration) Option {
	return func(h *HTTP) {
		h.client.Timeout = d
	}
}

// WithAuthFunc sets a function returning an auth header for a URL.
// Return empty strings to skip authentication.
func WithAuthFunc(fn func(url string) (headerName, headerValue string)) Option {
	return func(h *HTTP) {
		h.authFn = fn
	}
}

// NewHTTP creates an HTTP transport with a DNS-caching dialer. Close stops
// the cache refresher.
func NewHTTP(opts ...Option) *HTTP {
	resolver := &dnscache.Resolver{}
	h := &HTTP{
		userAgent: userAgent,
		stop:      make(chan struct{}),
	}

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				resolver.Refresh(true)
			case <-h.stop:
				return
			}
		}
	}()

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	h.client = &http.Client{
		Timeout: 5 * time.Minute,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, err
				}
				ips, err := resolver.LookupHost(ctx, host)
				if err != nil {
					return nil, err
				}
				for _, ip := range ips {
					conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
					if err == nil {
						return conn, nil
					}
				}
				return nil, fmt.Errorf("failed to dial any resolved IP for %s", host)
			},
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Close releases idle connections and stops the DNS refresher
func (h *HTTP) Close() error {
	h.stopOnce.Do(func() { close(h.stop) })
	h.client.CloseIdleConnections()
	return nil
}

// Fetch GETs url. The caller must close the returned body.
func (h *HTTP) Fetch(ctx context.Context, url string, r *core.ByteRange) (io.ReadCloser, error) {
	req, err := h.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}
	if r != nil && (r.Offset > 0 || r.Length > 0) {
		if r.Length > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", r.Offset, r.Offset+r.Length-1))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", r.Offset))
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", core.ErrTransport, url, err)
	}
	if err := statusError(url, resp.StatusCode); err != nil {
		resp.Body.Close()
		return nil, err
	}

	// A server that ignores Range answers 200 with the whole body.
	if r != nil && r.Offset > 0 && resp.StatusCode == http.StatusOK {
		if _, err := io.CopyN(io.Discard, resp.Body, r.Offset); err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: %s: skipping to offset: %v", core.ErrTransport, url, err)
		}
	}
	if r != nil && r.Length > 0 && resp.StatusCode == http.StatusOK {
		return struct {
			io.Reader
			io.Closer
		}{io.LimitReader(resp.Body, r.Length), resp.Body}, nil
	}
	return resp.Body, nil
}

// Head returns the size, modification time and etag of url
func (h *HTTP) Head(ctx context.Context, url string) (*core.ResourceInfo, error) {
	req, err := h.newRequest(ctx, http.MethodHead, url)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", core.ErrTransport, url, err)
	}
	defer resp.Body.Close()

	if err := statusError(url, resp.StatusCode); err != nil {
		return nil, err
	}

	info := &core.ResourceInfo{Size: -1, ETag: resp.Header.Get("ETag")}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			info.Size = n
		}
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			info.LastModified = t
		}
	}
	return info, nil
}

func (h *HTTP) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", core.ErrTransport, err)
	}
	req.Header.Set("User-Agent", h.userAgent)
	req.Header.Set("Accept", "*/*")
	if h.authFn != nil {
		if name, value := h.authFn(url); name != "" && value != "" {
			req.Header.Set(name, value)
		}
	}
	return req, nil
}

func statusError(url string, code int) error {
	switch {
	case code == http.StatusOK || code == http.StatusPartialContent:
		return nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return fmt.Errorf("%w: %s", core.ErrNotFound, url)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %s: status %d", core.ErrAuthRequired, url, code)
	default:
		return fmt.Errorf("%w: %s: status %d", core.ErrTransport, url, code)
	}
}
