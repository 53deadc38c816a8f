package tunnel

import (
	"context"
	"errors"
	"net"

	"github.com/xtaci/kcp-go/v5"
)

// kcpTransport carries the tunnel over KCP (reliable UDP). It shares the
// TLS + yamux layering of the tcp transport.
type kcpTransport struct{}

func NewKCPTransport() Transport { return kcpTransport{} }

func (kcpTransport) Name() string { return "kcp" }

func tuneKCP(c net.Conn) {
	s, ok := c.(*kcp.UDPSession)
	if !ok {
		return
	}
	s.SetNoDelay(1, 20, 2, 1)
	s.SetWindowSize(1024, 1024)
	s.SetStreamMode(true)
}

func (kcpTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	if opts.TLS == nil {
		return nil, errors.New("tunnel: kcp requires a TLS config")
	}
	ln, err := kcp.ListenWithOptions(addr, nil, 10, 3)
	if err != nil {
		return nil, err
	}
	return &streamListener{ln: ln, tls: opts.TLS, tune: tuneKCP}, nil
}

func (kcpTransport) Dial(ctx context.Context, addr string, opts DialOptions) (Conn, error) {
	if opts.TLS == nil {
		return nil, errors.New("tunnel: kcp requires a TLS config")
	}
	// kcp-go does not accept a context; emulate with a goroutine.
	type res struct {
		sess *kcp.UDPSession
		err  error
	}
	ch := make(chan res, 1)
	go func() {
		c, err := kcp.DialWithOptions(addr, nil, 10, 3)
		if err == nil {
			tuneKCP(c)
		}
		ch <- res{sess: c, err: err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.sess != nil {
				_ = r.sess.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return yamuxClient(ctx, r.sess, opts.TLS)
	}
}
