package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

// Acceptor accepts peer connections from a Listener and runs one Handler per
// connection. A failing handler only ends its own connection.
type Acceptor struct {
	Listener Listener
	Handler  *Handler
	Logger   *slog.Logger

	wg sync.WaitGroup
}

// Serve blocks until ctx is done or the listener is closed. Other accept
// errors are logged and retried with backoff. Handlers still running at that
// point are waited for before returning.
func (a *Acceptor) Serve(ctx context.Context) error {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	defer a.wg.Wait()

	logger.Info("tunnel: accepting peers", "addr", addrString(a.Listener.Addr()))
	b := &backoff.Backoff{Min: 5 * time.Millisecond, Max: time.Second, Factor: 2}
	for {
		connecting, err := a.Listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			d := b.Duration()
			logger.Warn("tunnel: accept failed", "err", err, "retry_in", d.String())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
			}
			continue
		}
		b.Reset()

		a.wg.Add(1)
		go func(c Connecting) {
			defer a.wg.Done()
			a.handle(ctx, c, logger)
		}(connecting)
	}
}

func (a *Acceptor) handle(ctx context.Context, c Connecting, logger *slog.Logger) {
	remote := addrString(c.RemoteAddr())
	err := a.Handler.Serve(ctx, c)
	switch {
	case err == nil, ctx.Err() != nil:
		logger.Debug("tunnel: peer handler stopped", "remote", remote)
	case errors.Is(err, ErrHandshakeTimeout):
		logger.Warn("tunnel: peer handshake timed out", "remote", remote, "err", err)
	case errors.Is(err, ErrPeerGone):
		logger.Info("tunnel: peer disconnected", "remote", remote)
	default:
		logger.Warn("tunnel: peer handler ended", "remote", remote, "err", err)
	}
}
