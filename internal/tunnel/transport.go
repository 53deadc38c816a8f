package tunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// Transport is the wire transport between tunnel peers and the relay.
//
// The relay only needs to accept long-lived peer connections and open
// independent bidirectional streams on them.
//
// Implementations:
// - quic: QUIC native streams, 0-RTT capable
// - tcp: TLS over TCP + yamux
// - kcp: TLS over KCP (reliable UDP) + yamux
type Transport interface {
	Listen(addr string, opts ListenOptions) (Listener, error)
	Dial(ctx context.Context, addr string, opts DialOptions) (Conn, error)
	Name() string
}

type ListenOptions struct {
	TLS        *tls.Config
	Allow0RTT  bool
	Congestion CongestionMode

	IdleTimeout     time.Duration
	KeepAlivePeriod time.Duration
}

type DialOptions struct {
	TLS        *tls.Config
	Congestion CongestionMode

	IdleTimeout     time.Duration
	KeepAlivePeriod time.Duration
}

// Listener yields inbound connection attempts.
type Listener interface {
	Accept(ctx context.Context) (Connecting, error)
	// Close closes every live connection with the given application code and
	// reason, then stops listening. Subsequent calls are no-ops.
	Close(code uint64, reason string) error
	Addr() net.Addr
}

// Connecting is an inbound connection attempt whose handshake may still be in
// progress.
type Connecting interface {
	// Into0RTT returns the connection without waiting for handshake
	// confirmation, if the transport allows it for this attempt.
	Into0RTT() (Conn, bool)
	// Handshake blocks until the handshake is confirmed.
	Handshake(ctx context.Context) (Conn, error)
	// Reject abandons the attempt.
	Reject(reason string)
	RemoteAddr() net.Addr
}

// Conn is an established peer connection.
type Conn interface {
	OpenStream(ctx context.Context) (Stream, error)
	AcceptStream(ctx context.Context) (Stream, error)
	Close(code uint64, reason string) error
	// Done is closed once the connection is gone.
	Done() <-chan struct{}
	Used0RTT() bool
	RemoteAddr() net.Addr
	LocalAddr() net.Addr
}

// Stream is one bidirectional stream. CloseWrite ends the send direction only;
// Close releases both directions.
type Stream interface {
	net.Conn
	CloseWrite() error
}

func ParseTransport(name string) (string, error) {
	n := strings.TrimSpace(strings.ToLower(name))
	if n == "" {
		n = "quic"
	}
	switch n {
	case "quic", "tcp", "kcp":
		return n, nil
	case "udp":
		// KCP runs over UDP; older configs call it that.
		return "kcp", nil
	default:
		return "", fmt.Errorf("tunnel: unknown transport %q (expected quic|tcp|kcp)", name)
	}
}

func TransportByName(name string) (Transport, error) {
	n, err := ParseTransport(name)
	if err != nil {
		return nil, err
	}
	switch n {
	case "quic":
		return NewQUICTransport(), nil
	case "tcp":
		return NewTCPTransport(), nil
	case "kcp":
		return NewKCPTransport(), nil
	default:
		return nil, fmt.Errorf("tunnel: transport not implemented: %s", n)
	}
}

// CongestionMode names a congestion controller.
type CongestionMode string

const (
	CongestionNewReno CongestionMode = "newreno"
	CongestionCubic   CongestionMode = "cubic"
	CongestionBBR     CongestionMode = "bbr"
)

func ParseCongestionMode(s string) (CongestionMode, error) {
	switch m := CongestionMode(strings.TrimSpace(strings.ToLower(s))); m {
	case "":
		return CongestionNewReno, nil
	case CongestionNewReno, CongestionCubic, CongestionBBR:
		return m, nil
	default:
		return "", fmt.Errorf("tunnel: unknown congestion mode %q (expected newreno|cubic|bbr)", s)
	}
}

// connSet tracks live connections so a listener can close them all with an
// application code.
type connSet struct {
	mu     sync.Mutex
	conns  map[Conn]struct{}
	closed bool
}

// add registers c and forgets it once it is done. It returns false if the set
// is already closed; the caller must then close c itself.
func (s *connSet) add(c Conn) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.conns == nil {
		s.conns = map[Conn]struct{}{}
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-c.Done()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()
	return true
}

// closeAll marks the set closed and closes every tracked connection. It
// reports whether this call did the closing.
func (s *connSet) closeAll(code uint64, reason string) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	conns := make([]Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(code, reason)
	}
	return true
}
