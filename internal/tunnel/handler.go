package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"quictunnel/internal/forward"
	"quictunnel/internal/stream"
)

const DefaultHandshakeTimeout = 30 * time.Second

var (
	ErrHandshakeTimeout = errors.New("tunnel: handshake timeout")
	ErrPeerGone         = errors.New("tunnel: peer connection closed")
)

// State is the lifecycle of one peer connection inside the relay.
type State int

const (
	StateAccepting State = iota
	StateHandshakeConfirming
	StateServing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepting:
		return "accepting"
	case StateHandshakeConfirming:
		return "handshake_confirming"
	case StateServing:
		return "serving"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StreamForwarder relays one tunnel stream to its local connection.
// *forward.Forwarder satisfies it.
type StreamForwarder interface {
	Forward(ctx context.Context, remote net.Conn, local net.Conn) (forward.Result, error)
}

// Handler serves one peer connection: it confirms the handshake, then pulls
// pending local connections off the shared queue and opens one tunnel stream
// for each.
type Handler struct {
	Queue            *stream.Queue
	Forwarder        StreamForwarder
	Registry         *Registry
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// Serve runs until the connection fails, the queue closes, or ctx is done.
// It never panics on peer errors; the returned error only describes why this
// peer's handling ended.
func (h *Handler) Serve(ctx context.Context, connecting Connecting) error {
	reg := h.Registry
	if reg == nil {
		reg = NewRegistry()
	}
	id := reg.NextID()
	remote := addrString(connecting.RemoteAddr())
	logger := h.logger().With("peer", id, "remote", remote)

	reg.Register(id, remote)
	defer reg.Unregister(id)

	reg.SetState(id, StateHandshakeConfirming)
	conn, err := h.confirm(ctx, connecting, logger)
	if err != nil {
		reg.SetState(id, StateClosed)
		connecting.Reject("handshake failed")
		return err
	}
	if conn.Used0RTT() {
		reg.MarkUsed0RTT(id)
	}

	reg.SetState(id, StateServing)
	logger.Info("tunnel: peer connected", "used_0rtt", conn.Used0RTT())

	var wg sync.WaitGroup
	defer func() {
		reg.SetState(id, StateClosed)
		_ = conn.Close(0, "")
		wg.Wait()
	}()

	// Stop waiting on the queue as soon as the peer goes away, so no local
	// connection is dequeued for a dead peer.
	recvCtx, cancelRecv := context.WithCancel(ctx)
	defer cancelRecv()
	go func() {
		select {
		case <-conn.Done():
			cancelRecv()
		case <-recvCtx.Done():
		}
	}()

	for {
		ps, err := h.Queue.Receive(recvCtx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if recvCtx.Err() != nil {
				return fmt.Errorf("tunnel: peer %s: %w", id, ErrPeerGone)
			}
			return fmt.Errorf("tunnel: peer %s: %w", id, err)
		}
		logger.Debug("tunnel: dispatching local connection", "family", string(ps.Family()), "from", ps.String())

		st, err := conn.OpenStream(ctx)
		if err != nil {
			// The dequeued connection cannot be handed back; drop it.
			_ = ps.NetConn().Close()
			logger.Warn("tunnel: open stream failed; local connection dropped", "from", ps.String(), "err", err)
			return fmt.Errorf("tunnel: peer %s: open stream: %w", id, err)
		}
		reg.AddStream(id)

		wg.Add(1)
		go func(st Stream, ps stream.PendingStream) {
			defer wg.Done()
			_, _ = h.Forwarder.Forward(ctx, st, ps.NetConn())
		}(st, ps)
	}
}

// confirm prefers 0-RTT and otherwise waits for the handshake, bounded by the
// handshake timeout.
func (h *Handler) confirm(ctx context.Context, connecting Connecting, logger *slog.Logger) (Conn, error) {
	if conn, ok := connecting.Into0RTT(); ok {
		logger.Debug("tunnel: accepted 0-rtt connection")
		return conn, nil
	}

	timeout := h.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := connecting.Handshake(hctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if hctx.Err() != nil {
			return nil, fmt.Errorf("%w after %s", ErrHandshakeTimeout, timeout)
		}
		return nil, fmt.Errorf("tunnel: handshake: %w", err)
	}
	return conn, nil
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
