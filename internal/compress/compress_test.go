package compress

import (
	"bytes"
	"io"
	"math/rand"
	"testing"
)

func roundTrip(t *testing.T, algo Algo, chunks [][]byte) []byte {
	t.Helper()
	var wire bytes.Buffer
	w, err := NewWriter(algo, &wire)
	if err != nil {
		t.Fatalf("NewWriter(%v): %v", algo, err)
	}
	for _, c := range chunks {
		if _, err := w.Write(c); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := w.Flush(); err != nil {
			t.Fatalf("Flush: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := NewReader(algo, &wire)
	if err != nil {
		t.Fatalf("NewReader(%v): %v", algo, err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll(%v): %v", algo, err)
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	random := make([]byte, 3<<20) // spans many internal buffer fills
	rng.Read(random)
	repetitive := bytes.Repeat([]byte("quictunnel "), 200_000)

	cases := map[string][][]byte{
		"empty":      nil,
		"hello":      {[]byte("hello")},
		"random":     {random},
		"repetitive": {repetitive},
		"chunked":    {[]byte("a"), nil, []byte("bc"), random[:70_000], []byte("tail")},
	}

	for _, algo := range []Algo{None, Snappy, Zstd} {
		for name, chunks := range cases {
			want := bytes.Join(chunks, nil)
			got := roundTrip(t, algo, chunks)
			if !bytes.Equal(got, want) {
				t.Fatalf("%v/%s: round trip mismatch (got %d bytes want %d)", algo, name, len(got), len(want))
			}
		}
	}
}

func TestFlushMakesDataDecodable(t *testing.T) {
	for _, algo := range []Algo{Snappy, Zstd} {
		pr, pw := io.Pipe()
		w, err := NewWriter(algo, pw)
		if err != nil {
			t.Fatalf("NewWriter: %v", err)
		}
		r, err := NewReader(algo, pr)
		if err != nil {
			t.Fatalf("NewReader: %v", err)
		}

		go func() {
			_, _ = w.Write([]byte("ping"))
			_ = w.Flush()
		}()

		buf := make([]byte, 4)
		if _, err := io.ReadFull(r, buf); err != nil {
			t.Fatalf("%v: ReadFull: %v", algo, err)
		}
		if string(buf) != "ping" {
			t.Fatalf("%v: got %q want ping", algo, buf)
		}
		_ = r.Close()
		_ = pw.Close()
	}
}

func TestParseAlgo(t *testing.T) {
	for in, want := range map[string]Algo{"": None, "none": None, "Snappy": Snappy, " zstd ": Zstd} {
		got, err := ParseAlgo(in)
		if err != nil {
			t.Fatalf("ParseAlgo(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseAlgo(%q)=%v want %v", in, got, want)
		}
	}
	if _, err := ParseAlgo("brotli"); err == nil {
		t.Fatalf("ParseAlgo(brotli) succeeded")
	}

	var a Algo
	if err := a.Set("zstd"); err != nil || a != Zstd {
		t.Fatalf("Set(zstd)=%v,%v", a, err)
	}
}
