package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"github.com/commatea/SBus-Link/pkg/sbus"
)

// WatchContext interrupts a blocked read or write on conn when ctx is
// cancelled by forcing the connection deadline into the past. The returned
// stop function must be called once the exchange finishes; it restores the
// deadline so the connection stays usable.
func WatchContext(ctx context.Context, conn net.Conn) (stop func()) {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Now())
		case <-done:
		}
	}()
	return func() {
		close(done)
		conn.SetDeadline(time.Time{})
	}
}

// WireError maps a raw socket error to the session-facing taxonomy: an
// expired deadline becomes sbus.ErrTimeout (or the context's own error when
// the caller cancelled), anything else a sbus.TransportError.
func WireError(ctx context.Context, op string, err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		if ctx.Err() == context.Canceled {
			return ctx.Err()
		}
		return sbus.ErrTimeout
	}
	if ctx.Err() == context.Canceled {
		return ctx.Err()
	}
	return &sbus.TransportError{Op: op, Err: err}
}
