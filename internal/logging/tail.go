package logging

import (
	"bytes"
	"sync"
)

// Tail keeps the most recent complete log lines for GET /logs.
// Safe for concurrent use.
type Tail struct {
	mu      sync.Mutex
	ring    []string
	start   int // index of the oldest line
	n       int
	partial []byte
	dropped uint64
}

func NewTail(capacity int) *Tail {
	if capacity < 0 {
		capacity = 0
	}
	return &Tail{ring: make([]string, capacity)}
}

// Write splits p on '\n'. An unterminated trailing fragment is held until the
// rest of its line arrives.
func (t *Tail) Write(p []byte) (int, error) {
	if t == nil || len(t.ring) == 0 {
		return len(p), nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	rest := p
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			t.partial = append(t.partial, rest...)
			return len(p), nil
		}
		line := rest[:i]
		if len(t.partial) > 0 {
			line = append(t.partial, line...)
			t.partial = t.partial[:0]
		}
		t.push(string(bytes.TrimSuffix(line, []byte{'\r'})))
		rest = rest[i+1:]
	}
}

func (t *Tail) push(line string) {
	c := len(t.ring)
	if t.n < c {
		t.ring[(t.start+t.n)%c] = line
		t.n++
		return
	}
	t.ring[t.start] = line
	t.start = (t.start + 1) % c
	t.dropped++
}

// Snapshot returns up to limit of the newest lines, oldest first. A limit of
// zero or less returns everything buffered.
func (t *Tail) Snapshot(limit int) []string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.n
	if limit > 0 && limit < n {
		n = limit
	}
	if n == 0 {
		return nil
	}
	out := make([]string, n)
	skip := t.n - n
	for i := range out {
		out[i] = t.ring[(t.start+skip+i)%len(t.ring)]
	}
	return out
}

// Dropped counts lines evicted to make room for newer ones.
func (t *Tail) Dropped() uint64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}
