package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
)

type ClientOptions struct {
	ServerAddr string
	Transport  Transport
	Dial       DialOptions

	// Target is where each tunnel stream is delivered, e.g. "127.0.0.1:8080"
	// or a socket path when TargetNetwork is "unix".
	Target        string
	TargetNetwork string

	Forwarder   StreamForwarder
	Logger      *slog.Logger
	DialTimeout time.Duration

	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Client is the tunnel peer: it keeps a connection to the relay open and
// delivers every stream the relay opens to the local target.
type Client struct {
	opts      ClientOptions
	connected atomic.Bool
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Transport == nil {
		opts.Transport = NewQUICTransport()
	}
	if strings.TrimSpace(opts.ServerAddr) == "" {
		return nil, errors.New("tunnel: client server address is required")
	}
	if strings.TrimSpace(opts.Target) == "" {
		return nil, errors.New("tunnel: client target is required")
	}
	if opts.Forwarder == nil {
		return nil, errors.New("tunnel: client forwarder is required")
	}
	switch opts.TargetNetwork {
	case "":
		opts.TargetNetwork = "tcp"
	case "tcp", "unix":
	default:
		return nil, errors.New("tunnel: client target network must be tcp or unix")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 1 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Second
	}
	return &Client{opts: opts}, nil
}

func (c *Client) Connected() bool { return c.connected.Load() }

// Run reconnects until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: c.opts.MinBackoff, Max: c.opts.MaxBackoff, Factor: 2, Jitter: true}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		served, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if served {
			b.Reset()
		}
		d := b.Duration()
		c.opts.Logger.Warn("tunnel: disconnected; retrying", "transport", c.opts.Transport.Name(), "server", c.opts.ServerAddr, "err", err, "backoff", d.String())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
}

// runOnce serves one connection. served reports whether the connection was
// established at all.
func (c *Client) runOnce(ctx context.Context) (served bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	conn, err := c.opts.Transport.Dial(dialCtx, c.opts.ServerAddr, c.opts.Dial)
	cancel()
	if err != nil {
		return false, err
	}

	var wg sync.WaitGroup
	defer func() {
		c.connected.Store(false)
		_ = conn.Close(0, "client done")
		wg.Wait()
	}()

	c.connected.Store(true)
	c.opts.Logger.Info("tunnel: connected", "transport", c.opts.Transport.Name(), "server", c.opts.ServerAddr, "used_0rtt", conn.Used0RTT())

	for {
		st, err := conn.AcceptStream(ctx)
		if err != nil {
			return true, err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.handleStream(ctx, st)
		}()
	}
}

func (c *Client) handleStream(ctx context.Context, st Stream) {
	dctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	var d net.Dialer
	local, err := d.DialContext(dctx, c.opts.TargetNetwork, c.opts.Target)
	cancel()
	if err != nil {
		_ = st.Close()
		c.opts.Logger.Warn("tunnel: dial target failed", "target", c.opts.Target, "err", err)
		return
	}
	_, _ = c.opts.Forwarder.Forward(ctx, st, local)
}
