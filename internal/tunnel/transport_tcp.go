package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"net"

	"github.com/hashicorp/yamux"
)

type tcpTransport struct{}

func NewTCPTransport() Transport { return tcpTransport{} }

func (tcpTransport) Name() string { return "tcp" }

func (tcpTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	if opts.TLS == nil {
		return nil, errors.New("tunnel: tcp requires a TLS config")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &streamListener{ln: ln, tls: opts.TLS}, nil
}

func (tcpTransport) Dial(ctx context.Context, addr string, opts DialOptions) (Conn, error) {
	if opts.TLS == nil {
		return nil, errors.New("tunnel: tcp requires a TLS config")
	}
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return yamuxClient(ctx, c, opts.TLS)
}

// streamListener accepts reliable byte-stream connections (TCP or KCP) and
// runs TLS and yamux on top of them.
type streamListener struct {
	ln    net.Listener
	tls   *tls.Config
	conns connSet

	// tune is applied to each raw connection before the TLS handshake.
	tune func(net.Conn)
}

func (l *streamListener) Accept(ctx context.Context) (Connecting, error) {
	type res struct {
		c   net.Conn
		err error
	}
	ch := make(chan res, 1)
	go func() {
		c, err := l.ln.Accept()
		ch <- res{c: c, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if l.tune != nil {
			l.tune(r.c)
		}
		return &yamuxConnecting{raw: r.c, listener: l}, nil
	}
}

func (l *streamListener) Close(code uint64, reason string) error {
	if !l.conns.closeAll(code, reason) {
		return nil
	}
	err := l.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (l *streamListener) Addr() net.Addr { return l.ln.Addr() }

// yamuxConnecting has no early-data phase: the connection is usable only once
// the TLS handshake is done.
type yamuxConnecting struct {
	raw      net.Conn
	listener *streamListener
}

func (y *yamuxConnecting) Into0RTT() (Conn, bool) { return nil, false }

func (y *yamuxConnecting) Handshake(ctx context.Context) (Conn, error) {
	tc := tls.Server(y.raw, y.listener.tls)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = y.raw.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	sess, err := yamux.Server(tc, nil)
	if err != nil {
		_ = tc.Close()
		return nil, err
	}
	c := &yamuxConn{sess: sess, raw: tc}
	if !y.listener.conns.add(c) {
		_ = c.Close(0, "server done")
		return nil, net.ErrClosed
	}
	return c, nil
}

func (y *yamuxConnecting) Reject(string)        { _ = y.raw.Close() }
func (y *yamuxConnecting) RemoteAddr() net.Addr { return y.raw.RemoteAddr() }

func yamuxClient(ctx context.Context, raw net.Conn, conf *tls.Config) (Conn, error) {
	tc := tls.Client(raw, conf)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	sess, err := yamux.Client(tc, nil)
	if err != nil {
		_ = tc.Close()
		return nil, err
	}
	return &yamuxConn{sess: sess, raw: tc}, nil
}

// yamuxConn carries no application close codes; Close just tears the session
// down.
type yamuxConn struct {
	sess *yamux.Session
	raw  net.Conn
}

func (s *yamuxConn) OpenStream(ctx context.Context) (Stream, error) {
	type res struct {
		st  *yamux.Stream
		err error
	}
	ch := make(chan res, 1)
	go func() {
		st, err := s.sess.OpenStream()
		ch <- res{st: st, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return yamuxStream{r.st}, nil
	}
}

func (s *yamuxConn) AcceptStream(ctx context.Context) (Stream, error) {
	type res struct {
		st  *yamux.Stream
		err error
	}
	ch := make(chan res, 1)
	go func() {
		st, err := s.sess.AcceptStream()
		ch <- res{st: st, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return yamuxStream{r.st}, nil
	}
}

func (s *yamuxConn) Close(uint64, string) error {
	// Close session first to unblock Open/Accept.
	err := s.sess.Close()
	if err2 := s.raw.Close(); err == nil {
		err = err2
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *yamuxConn) Done() <-chan struct{} { return s.sess.CloseChan() }
func (s *yamuxConn) Used0RTT() bool        { return false }
func (s *yamuxConn) RemoteAddr() net.Addr  { return s.raw.RemoteAddr() }
func (s *yamuxConn) LocalAddr() net.Addr   { return s.raw.LocalAddr() }

// yamuxStream maps CloseWrite onto yamux's Close, which only half-closes: the
// peer's remaining data stays readable until it sends its own FIN.
type yamuxStream struct {
	*yamux.Stream
}

func (s yamuxStream) CloseWrite() error { return s.Stream.Close() }

var _ Stream = yamuxStream{}
