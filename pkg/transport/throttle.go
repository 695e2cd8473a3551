// pkg/transport/throttle.go
package transport

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// Throttle limits reads from rc to bytesPerSec. A limit of zero or less
// returns rc unchanged.
func Throttle(ctx context.Context, rc io.ReadCloser, bytesPerSec int64) io.ReadCloser {
	if bytesPerSec <= 0 {
		return rc
	}
	burst := int(min(bytesPerSec, 64<<10))
	return &throttled{
		ctx:     ctx,
		rc:      rc,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		burst:   burst,
	}
}

type throttled struct {
	ctx     context.Context
	rc      io.ReadCloser
	limiter *rate.Limiter
	burst   int
}

func (t *throttled) Read(p []byte) (int, error) {
	if len(p) > t.burst {
		p = p[:t.burst]
	}
	n, err := t.rc.Read(p)
	if n > 0 {
		if werr := t.limiter.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (t *throttled) Close() error {
	return t.rc.Close()
}
