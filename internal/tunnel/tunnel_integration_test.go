package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"quictunnel/internal/compress"
	"quictunnel/internal/forward"
	"quictunnel/internal/stream"
)

func testTLS(t *testing.T) (server, client *tls.Config) {
	t.Helper()
	name := filepath.Join(t.TempDir(), "test")
	if err := GenerateCertificates(name, nil); err != nil {
		t.Fatalf("GenerateCertificates: %v", err)
	}
	server, err := ServerTLSConfig(ServerCertPaths(name))
	if err != nil {
		t.Fatalf("ServerTLSConfig: %v", err)
	}
	client, err = ClientTLSConfig(ClientCertPaths(name), "localhost")
	if err != nil {
		t.Fatalf("ClientTLSConfig: %v", err)
	}
	return server, client
}

type relay struct {
	ln    Listener
	queue *stream.Queue
	reg   *Registry
	done  chan error
}

func startRelay(t *testing.T, ctx context.Context, tr Transport, serverTLS *tls.Config, algo compress.Algo) *relay {
	t.Helper()
	ln, err := tr.Listen("127.0.0.1:0", ListenOptions{TLS: serverTLS, Allow0RTT: true})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	r := &relay{ln: ln, queue: stream.NewQueue(context.Background()), reg: NewRegistry(), done: make(chan error, 1)}
	t.Cleanup(func() {
		_ = ln.Close(0, "server done")
		r.queue.Close()
	})
	a := &Acceptor{
		Listener: ln,
		Handler: &Handler{
			Queue:     r.queue,
			Forwarder: &forward.Forwarder{Compress: algo},
			Registry:  r.reg,
		},
	}
	go func() { r.done <- a.Serve(ctx) }()
	return r
}

func waitServing(t *testing.T, reg *Registry, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for reg.Serving() < n {
		if time.Now().After(deadline) {
			t.Fatalf("serving peers=%d want %d", reg.Serving(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestQUICTunnel_LocalBytesReachPeerStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	serverTLS, clientTLS := testTLS(t)
	tr := NewQUICTransport()
	r := startRelay(t, ctx, tr, serverTLS, compress.None)

	peer, err := tr.Dial(ctx, r.ln.Addr().String(), DialOptions{TLS: clientTLS})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer peer.Close(0, "")
	waitServing(t, r.reg, 1)

	user, accepted := tcpPair(t)
	if err := r.queue.Push(ctx, stream.TCP{Conn: accepted}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := user.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	st, err := peer.AcceptStream(ctx)
	if err != nil {
		t.Fatalf("accept stream: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(st, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("peer got %q want hello", buf)
	}

	// And back.
	if _, err := st.Write([]byte("world")); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	_ = st.CloseWrite()
	back, err := io.ReadAll(user)
	if err != nil {
		t.Fatalf("user read: %v", err)
	}
	if string(back) != "world" {
		t.Fatalf("user got %q want world", back)
	}
}

func TestQUICListener_CloseSendsApplicationReason(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	serverTLS, clientTLS := testTLS(t)
	tr := NewQUICTransport()
	r := startRelay(t, ctx, tr, serverTLS, compress.None)

	peer, err := tr.Dial(ctx, r.ln.Addr().String(), DialOptions{TLS: clientTLS})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitServing(t, r.reg, 1)

	if err := r.ln.Close(0, "server done"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := r.ln.Close(0, "server done"); err != nil {
		t.Fatalf("second close: %v", err)
	}

	select {
	case <-peer.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("peer connection was not closed")
	}
	var appErr *quic.ApplicationError
	qc := peer.(*quicConn).c
	if !errors.As(context.Cause(qc.Context()), &appErr) {
		t.Fatalf("cause=%v want application error", context.Cause(qc.Context()))
	}
	if appErr.ErrorCode != 0 || appErr.ErrorMessage != "server done" {
		t.Fatalf("close code=%d reason=%q", appErr.ErrorCode, appErr.ErrorMessage)
	}

	select {
	case err := <-r.done:
		if !errors.Is(err, net.ErrClosed) {
			t.Fatalf("acceptor err=%v want net.ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("acceptor did not stop after listener close")
	}
}

func TestQUICTunnel_ResumedPeerUsesZeroRTT(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	serverTLS, clientTLS := testTLS(t)
	tr := NewQUICTransport()
	r := startRelay(t, ctx, tr, serverTLS, compress.None)

	first, err := tr.Dial(ctx, r.ln.Addr().String(), DialOptions{TLS: clientTLS})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitServing(t, r.reg, 1)
	if first.Used0RTT() {
		t.Fatalf("first connection cannot use 0-RTT")
	}

	// The session ticket arrives after the handshake; reconnect with the same
	// client config until the cached session is used.
	prev := first
	for attempt := 0; attempt < 5; attempt++ {
		time.Sleep(100 * time.Millisecond)
		_ = prev.Close(0, "")
		peer, err := tr.Dial(ctx, r.ln.Addr().String(), DialOptions{TLS: clientTLS})
		if err != nil {
			t.Fatalf("redial: %v", err)
		}
		prev = peer

		deadline := time.Now().Add(5 * time.Second)
		for {
			for _, p := range r.reg.Snapshot() {
				if p.Used0RTT && p.State == StateServing.String() {
					_ = peer.Close(0, "")
					return
				}
			}
			if r.reg.Serving() >= 1 && len(r.reg.Snapshot()) == 1 || time.Now().After(deadline) {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	_ = prev.Close(0, "")
	t.Fatalf("relay never accepted a 0-RTT peer; peers=%+v", r.reg.Snapshot())
}

func TestClient_EchoThroughTunnel(t *testing.T) {
	for _, tc := range []struct {
		transport string
		algo      compress.Algo
	}{
		{"quic", compress.Zstd},
		{"tcp", compress.Snappy},
		{"kcp", compress.None},
	} {
		t.Run(tc.transport+"/"+tc.algo.String(), func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()

			backend := startEcho(t)
			serverTLS, clientTLS := testTLS(t)
			tr, err := TransportByName(tc.transport)
			if err != nil {
				t.Fatalf("transport: %v", err)
			}
			r := startRelay(t, ctx, tr, serverTLS, tc.algo)

			client, err := NewClient(ClientOptions{
				ServerAddr: r.ln.Addr().String(),
				Transport:  tr,
				Dial:       DialOptions{TLS: clientTLS},
				Target:     backend,
				Forwarder:  &forward.Forwarder{Compress: tc.algo},
				MinBackoff: 50 * time.Millisecond,
			})
			if err != nil {
				t.Fatalf("NewClient: %v", err)
			}
			clientDone := make(chan error, 1)
			go func() { clientDone <- client.Run(ctx) }()
			waitServing(t, r.reg, 1)

			user, accepted := tcpPair(t)
			if err := r.queue.Push(ctx, stream.TCP{Conn: accepted}); err != nil {
				t.Fatalf("push: %v", err)
			}
			payload := []byte("hello over tunnel")
			if _, err := user.Write(payload); err != nil {
				t.Fatalf("write: %v", err)
			}
			_ = user.SetReadDeadline(time.Now().Add(10 * time.Second))
			got := make([]byte, len(payload))
			if _, err := io.ReadFull(user, got); err != nil {
				t.Fatalf("read: %v", err)
			}
			if string(got) != string(payload) {
				t.Fatalf("echo=%q", got)
			}

			cancel()
			select {
			case err := <-clientDone:
				if !errors.Is(err, context.Canceled) {
					t.Fatalf("client err=%v", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("client did not exit")
			}
		})
	}
}

func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen backend: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}(c)
		}
	}()
	return ln.Addr().String()
}

func TestParseCongestionMode(t *testing.T) {
	for in, want := range map[string]CongestionMode{"": CongestionNewReno, "NewReno": CongestionNewReno, "cubic": CongestionCubic, "bbr": CongestionBBR} {
		got, err := ParseCongestionMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseCongestionMode(%q)=%q,%v want %q", in, got, err, want)
		}
	}
	if _, err := ParseCongestionMode("vegas"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestGenerateCertificates_RefusesToOverwrite(t *testing.T) {
	name := filepath.Join(t.TempDir(), "dup")
	if err := GenerateCertificates(name, nil); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := GenerateCertificates(name, nil); !errors.Is(err, ErrCertificatesExist) {
		t.Fatalf("err=%v want ErrCertificatesExist", err)
	}
}
