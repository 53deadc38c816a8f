package compress

import (
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Algo selects the compression applied to tunneled stream payloads.
//
// Compressing attacker-influenced plaintext together with secrets on the same
// stream leaks information (CRIME). Leave it off unless the payload is known
// to be safe.
type Algo int

const (
	None Algo = iota
	Snappy
	Zstd
)

func ParseAlgo(s string) (Algo, error) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "", "none", "off":
		return None, nil
	case "snappy":
		return Snappy, nil
	case "zstd", "zstandard":
		return Zstd, nil
	default:
		return None, fmt.Errorf("compress: unknown algorithm %q (expected none|snappy|zstd)", s)
	}
}

func (a Algo) String() string {
	switch a {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("algo(%d)", int(a))
	}
}

func (a Algo) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Algo) UnmarshalText(b []byte) error {
	v, err := ParseAlgo(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Set implements flag.Value.
func (a *Algo) Set(s string) error { return a.UnmarshalText([]byte(s)) }

// Writer encodes bytes written to it onto an underlying stream.
//
// Flush pushes everything written so far to the underlying writer so the peer
// can decode it without waiting for more input. Close flushes and ends the
// encoded stream; it does not close the underlying writer.
type Writer interface {
	io.Writer
	Flush() error
	Close() error
}

// NewWriter returns an encoder for algo writing to w.
func NewWriter(algo Algo, w io.Writer) (Writer, error) {
	switch algo {
	case None:
		return passthroughWriter{w: w}, nil
	case Snappy:
		return snappy.NewBufferedWriter(w), nil
	case Zstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("compress: zstd writer: %w", err)
		}
		return enc, nil
	default:
		return nil, fmt.Errorf("compress: unsupported algorithm %v", algo)
	}
}

// NewReader returns a decoder for algo reading from r. Closing the returned
// reader releases decoder resources; it does not close r.
func NewReader(algo Algo, r io.Reader) (io.ReadCloser, error) {
	switch algo {
	case None:
		return io.NopCloser(r), nil
	case Snappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	case Zstd:
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("compress: zstd reader: %w", err)
		}
		return zstdReader{dec: dec}, nil
	default:
		return nil, fmt.Errorf("compress: unsupported algorithm %v", algo)
	}
}

type passthroughWriter struct {
	w io.Writer
}

func (p passthroughWriter) Write(b []byte) (int, error) { return p.w.Write(b) }
func (passthroughWriter) Flush() error                  { return nil }
func (passthroughWriter) Close() error                  { return nil }

type zstdReader struct {
	dec *zstd.Decoder
}

func (z zstdReader) Read(p []byte) (int, error) { return z.dec.Read(p) }

func (z zstdReader) Close() error {
	z.dec.Close()
	return nil
}
