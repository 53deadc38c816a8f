package tunnel

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

type quicTransport struct{}

func NewQUICTransport() Transport { return quicTransport{} }

func (quicTransport) Name() string { return "quic" }

func quicConfig(idle, keepAlive time.Duration, allow0RTT bool) *quic.Config {
	if idle <= 0 {
		idle = 60 * time.Second
	}
	if keepAlive <= 0 {
		keepAlive = 20 * time.Second
	}
	return &quic.Config{
		MaxIdleTimeout:  idle,
		KeepAlivePeriod: keepAlive,
		Allow0RTT:       allow0RTT,
		// The relay opens streams towards peers; peers need room to accept them.
		MaxIncomingStreams: 1024,
	}
}

// Listen binds an early listener: accepted connections are handed out before
// handshake confirmation so 0-RTT peers can be served immediately.
func (quicTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	if opts.TLS == nil {
		return nil, errors.New("tunnel: quic requires a TLS config")
	}
	ln, err := quic.ListenAddrEarly(addr, opts.TLS, quicConfig(opts.IdleTimeout, opts.KeepAlivePeriod, opts.Allow0RTT))
	if err != nil {
		return nil, err
	}
	return &quicListener{ln: ln, allow0RTT: opts.Allow0RTT}, nil
}

func (quicTransport) Dial(ctx context.Context, addr string, opts DialOptions) (Conn, error) {
	if opts.TLS == nil {
		return nil, errors.New("tunnel: quic requires a TLS config")
	}
	c, err := quic.DialAddrEarly(ctx, addr, opts.TLS, quicConfig(opts.IdleTimeout, opts.KeepAlivePeriod, true))
	if err != nil {
		return nil, err
	}
	// Early dial returns before the handshake is done; make sure the server
	// actually accepted us before reporting success.
	select {
	case <-c.HandshakeComplete():
	case <-c.Context().Done():
		return nil, context.Cause(c.Context())
	case <-ctx.Done():
		_ = c.CloseWithError(0, "dial cancelled")
		return nil, ctx.Err()
	}
	return &quicConn{c: c}, nil
}

type quicListener struct {
	ln        *quic.EarlyListener
	allow0RTT bool
	conns     connSet
}

func (l *quicListener) Accept(ctx context.Context) (Connecting, error) {
	c, err := l.ln.Accept(ctx)
	if err != nil {
		if errors.Is(err, quic.ErrServerClosed) {
			return nil, net.ErrClosed
		}
		return nil, err
	}
	qc := &quicConn{c: c}
	if !l.conns.add(qc) {
		_ = c.CloseWithError(0, "server done")
		return nil, net.ErrClosed
	}
	return &quicConnecting{conn: qc, allow0RTT: l.allow0RTT}, nil
}

func (l *quicListener) Close(code uint64, reason string) error {
	if !l.conns.closeAll(code, reason) {
		return nil
	}
	return l.ln.Close()
}

func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }

type quicConnecting struct {
	conn      *quicConn
	allow0RTT bool
}

func (q *quicConnecting) Into0RTT() (Conn, bool) {
	if q.allow0RTT && q.conn.c.ConnectionState().Used0RTT {
		return q.conn, true
	}
	return nil, false
}

func (q *quicConnecting) Handshake(ctx context.Context) (Conn, error) {
	select {
	case <-q.conn.c.HandshakeComplete():
		return q.conn, nil
	case <-q.conn.c.Context().Done():
		return nil, context.Cause(q.conn.c.Context())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *quicConnecting) Reject(reason string) {
	_ = q.conn.c.CloseWithError(1, reason)
}

func (q *quicConnecting) RemoteAddr() net.Addr { return q.conn.c.RemoteAddr() }

type quicConn struct {
	c *quic.Conn
}

func (s *quicConn) OpenStream(ctx context.Context) (Stream, error) {
	st, err := s.c.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &quicStreamConn{st: st, local: s.c.LocalAddr(), remote: s.c.RemoteAddr()}, nil
}

func (s *quicConn) AcceptStream(ctx context.Context) (Stream, error) {
	st, err := s.c.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &quicStreamConn{st: st, local: s.c.LocalAddr(), remote: s.c.RemoteAddr()}, nil
}

func (s *quicConn) Close(code uint64, reason string) error {
	// CloseWithError also unblocks pending stream operations.
	err := s.c.CloseWithError(quic.ApplicationErrorCode(code), reason)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *quicConn) Done() <-chan struct{} { return s.c.Context().Done() }
func (s *quicConn) Used0RTT() bool        { return s.c.ConnectionState().Used0RTT }
func (s *quicConn) RemoteAddr() net.Addr  { return s.c.RemoteAddr() }
func (s *quicConn) LocalAddr() net.Addr   { return s.c.LocalAddr() }

type quicStreamConn struct {
	st     *quic.Stream
	local  net.Addr
	remote net.Addr
}

func (c *quicStreamConn) Read(p []byte) (int, error)  { return c.st.Read(p) }
func (c *quicStreamConn) Write(p []byte) (int, error) { return c.st.Write(p) }

// CloseWrite sends FIN; the receive side stays readable.
func (c *quicStreamConn) CloseWrite() error { return c.st.Close() }

func (c *quicStreamConn) Close() error {
	c.st.CancelRead(0)
	return c.st.Close()
}

func (c *quicStreamConn) LocalAddr() net.Addr  { return c.local }
func (c *quicStreamConn) RemoteAddr() net.Addr { return c.remote }
func (c *quicStreamConn) SetDeadline(t time.Time) error {
	return c.st.SetDeadline(t)
}
func (c *quicStreamConn) SetReadDeadline(t time.Time) error {
	return c.st.SetReadDeadline(t)
}
func (c *quicStreamConn) SetWriteDeadline(t time.Time) error {
	return c.st.SetWriteDeadline(t)
}

var _ Stream = (*quicStreamConn)(nil)
