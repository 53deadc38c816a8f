// Package forward relays bytes between a tunnel stream and a local
// connection, compressing the tunnel side.
package forward

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"quictunnel/internal/compress"
	"quictunnel/internal/telemetry"
)

// Recorder receives traffic accounting. *telemetry.TrafficCounters satisfies it.
type Recorder interface {
	Record(d telemetry.Direction, n int64)
	StreamOpened()
	StreamClosed(err error)
}

// Result holds uncompressed byte counts per direction.
type Result struct {
	LocalToRemote int64
	RemoteToLocal int64
}

type Forwarder struct {
	Compress   compress.Algo
	Counters   Recorder
	BufferPool BufferPool
	// Logger receives one line per finished stream; nil means slog.Default().
	Logger *slog.Logger
}

type halfCloser interface {
	CloseWrite() error
}

// closeWrite signals EOF to the peer of c while keeping its read side open.
// Connections without half-close support are left alone so the other
// direction can still drain.
func closeWrite(c net.Conn) error {
	if hc, ok := c.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return nil
}

type pumpResult struct {
	dir telemetry.Direction
	n   int64
	err error
}

// Forward copies local→remote through the encoder and remote→local through
// the decoder until both directions reach EOF, either fails, or ctx is done.
// A direction that reaches EOF half-closes its destination, so the opposite
// direction keeps draining. Both connections are closed on return.
func (f *Forwarder) Forward(ctx context.Context, remote net.Conn, local net.Conn) (res Result, err error) {
	if f.Counters != nil {
		f.Counters.StreamOpened()
		defer func() { f.Counters.StreamClosed(err) }()
	}
	defer func() { f.report(ctx, remote, local, res, err) }()
	defer remote.Close()
	defer local.Close()

	enc, err := compress.NewWriter(f.Compress, remote)
	if err != nil {
		return Result{}, err
	}
	dec, err := compress.NewReader(f.Compress, remote)
	if err != nil {
		return Result{}, err
	}
	defer dec.Close()

	var closeOnce sync.Once
	abort := func() {
		closeOnce.Do(func() {
			_ = remote.Close()
			_ = local.Close()
		})
	}

	results := make(chan pumpResult, 2)
	go func() {
		n, err := f.pump(enc, enc.Flush, local, telemetry.LocalToRemote)
		if err == nil {
			// Closing the encoder writes any trailer before the FIN.
			err = enc.Close()
		}
		if err == nil {
			err = closeWrite(remote)
		}
		results <- pumpResult{dir: telemetry.LocalToRemote, n: n, err: err}
	}()
	go func() {
		n, err := f.pump(local, nil, dec, telemetry.RemoteToLocal)
		if err == nil {
			err = closeWrite(local)
		}
		results <- pumpResult{dir: telemetry.RemoteToLocal, n: n, err: err}
	}()

	done := ctx.Done()
	for pending := 2; pending > 0; {
		select {
		case r := <-results:
			pending--
			switch r.dir {
			case telemetry.LocalToRemote:
				res.LocalToRemote = r.n
			case telemetry.RemoteToLocal:
				res.RemoteToLocal = r.n
			}
			if r.err != nil {
				if err == nil {
					err = r.err
				}
				abort()
			}
		case <-done:
			done = nil
			if err == nil {
				err = ctx.Err()
			}
			abort()
		}
	}
	return res, err
}

// pump copies src to dst, flushing after every chunk so interactive traffic is
// not held back by the encoder. It returns nil on a clean EOF.
func (f *Forwarder) pump(dst io.Writer, flush func() error, src io.Reader, dir telemetry.Direction) (int64, error) {
	buf := f.buffer()
	defer f.putBuffer(buf)

	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			if wn > 0 {
				total += int64(wn)
				if f.Counters != nil {
					f.Counters.Record(dir, int64(wn))
				}
			}
			if werr != nil {
				return total, werr
			}
			if wn != n {
				return total, io.ErrShortWrite
			}
			if flush != nil {
				if err := flush(); err != nil {
					return total, err
				}
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return total, nil
			}
			return total, rerr
		}
	}
}

func (f *Forwarder) report(ctx context.Context, remote, local net.Conn, res Result, err error) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"local", addrString(local.RemoteAddr()),
		"remote", addrString(remote.RemoteAddr()),
		"sent", res.LocalToRemote,
		"received", res.RemoteToLocal,
	}
	switch {
	case err == nil:
		logger.Debug("forward: stream done", attrs...)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		logger.Debug("forward: stream cancelled", attrs...)
	default:
		logger.Error("forward: stream failed", append(attrs, "err", err)...)
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func (f *Forwarder) buffer() []byte {
	if f.BufferPool != nil {
		return f.BufferPool.Get()
	}
	return make([]byte, DefaultBufferSize)
}

func (f *Forwarder) putBuffer(buf []byte) {
	if f.BufferPool != nil {
		f.BufferPool.Put(buf)
	}
}
