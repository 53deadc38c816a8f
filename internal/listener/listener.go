// Package listener accepts local user connections and feeds them into the
// shared pending-stream queue.
package listener

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"quictunnel/internal/stream"
)

var ErrUDPUnsupported = errors.New("listener: udp forwarding is not supported")

// Listener is one local front-end listener of a given network family.
type Listener struct {
	network string
	addr    string
	queue   *stream.Queue
	logger  *slog.Logger

	ln        net.Listener
	pc        net.PacketConn
	listening atomic.Bool
}

type Options struct {
	// Network is "tcp", "unix" or "udp".
	Network string
	Addr    string
	Queue   *stream.Queue
	Logger  *slog.Logger
}

func New(opts Options) (*Listener, error) {
	switch opts.Network {
	case "tcp", "unix", "udp":
	default:
		return nil, fmt.Errorf("listener: unknown network %q", opts.Network)
	}
	if opts.Addr == "" {
		return nil, fmt.Errorf("listener: %s address is required", opts.Network)
	}
	if opts.Queue == nil {
		return nil, errors.New("listener: queue is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Listener{network: opts.Network, addr: opts.Addr, queue: opts.Queue, logger: opts.Logger}, nil
}

func (l *Listener) Network() string { return l.network }

func (l *Listener) IsListening() bool { return l.listening.Load() }

// Addr returns the bound address, or nil before Bind.
func (l *Listener) Addr() net.Addr {
	switch {
	case l.ln != nil:
		return l.ln.Addr()
	case l.pc != nil:
		return l.pc.LocalAddr()
	default:
		return nil
	}
}

// Bind opens the socket. Serve must follow; Close releases it.
func (l *Listener) Bind() error {
	var err error
	switch l.network {
	case "udp":
		l.pc, err = net.ListenPacket("udp", l.addr)
	case "unix":
		if err := removeStaleSocket(l.addr); err != nil {
			return err
		}
		l.ln, err = net.Listen("unix", l.addr)
	default:
		l.ln, err = net.Listen(l.network, l.addr)
	}
	if err != nil {
		return fmt.Errorf("listener: bind %s %s: %w", l.network, l.addr, err)
	}
	l.listening.Store(true)
	l.logger.Info("listener: listening", "network", l.network, "addr", l.Addr().String())
	return nil
}

// removeStaleSocket deletes a socket file nobody is accepting on, as left
// behind by an unclean exit.
func removeStaleSocket(path string) error {
	st, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if st.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("listener: %s exists and is not a socket", path)
	}
	if c, err := net.DialTimeout("unix", path, time.Second); err == nil {
		_ = c.Close()
		return fmt.Errorf("listener: %s is already in use", path)
	}
	return os.Remove(path)
}

// Serve accepts until ctx is done. Every accepted connection is pushed onto
// the queue; accept errors are logged and retried with backoff. A udp
// listener stays bound but returns ErrUDPUnsupported immediately.
func (l *Listener) Serve(ctx context.Context) error {
	if l.pc != nil {
		l.logger.Error("listener: udp forwarding is not implemented", "addr", l.Addr().String())
		return ErrUDPUnsupported
	}
	if l.ln == nil {
		return fmt.Errorf("listener: %s %s is not bound", l.network, l.addr)
	}
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	b := &backoff.Backoff{Min: 5 * time.Millisecond, Max: time.Second, Factor: 2}
	for {
		c, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("listener: %s %s: %w", l.network, l.addr, err)
			}
			d := b.Duration()
			l.logger.Error("listener: accept failed", "network", l.network, "err", err, "retry_in", d.String())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
			}
			continue
		}
		b.Reset()

		ps, err := stream.Wrap(c)
		if err != nil {
			_ = c.Close()
			l.logger.Warn("listener: unexpected connection type", "network", l.network, "err", err)
			continue
		}
		if err := l.queue.Push(ctx, ps); err != nil {
			_ = c.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("listener: %s %s: %w", l.network, l.addr, err)
		}
		l.logger.Debug("listener: queued local connection", "from", ps.String(), "queued", l.queue.Len())
	}
}

// Close stops accepting. Unix socket files are unlinked.
func (l *Listener) Close() error {
	l.listening.Store(false)
	var err error
	if l.ln != nil {
		err = l.ln.Close()
	}
	if l.pc != nil {
		err = l.pc.Close()
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Placeholder stands in for a listener that is not configured: it blocks
// until ctx is done so it never wins the supervisor's race.
func Placeholder(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
