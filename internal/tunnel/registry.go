package tunnel

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Registry tracks the tunnel peers currently handled by the relay.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*peerEntry
	idSeq atomic.Uint64
}

type peerEntry struct {
	id       string
	remote   string
	state    State
	used0RTT bool
	streams  uint64
	started  time.Time
}

// PeerSnapshot is the JSON view served on the admin /peers endpoint.
type PeerSnapshot struct {
	ID        string    `json:"id"`
	Remote    string    `json:"remote"`
	State     string    `json:"state"`
	Used0RTT  bool      `json:"used_0rtt"`
	Streams   uint64    `json:"streams"`
	Connected time.Time `json:"connected"`
}

func NewRegistry() *Registry {
	return &Registry{peers: map[string]*peerEntry{}}
}

func (r *Registry) NextID() string {
	return fmt.Sprintf("p-%d", r.idSeq.Add(1))
}

func (r *Registry) Register(id, remote string) {
	r.mu.Lock()
	r.peers[id] = &peerEntry{id: id, remote: remote, state: StateAccepting, started: time.Now()}
	r.mu.Unlock()
}

func (r *Registry) SetState(id string, state State) {
	r.mu.Lock()
	if p := r.peers[id]; p != nil {
		p.state = state
	}
	r.mu.Unlock()
}

func (r *Registry) MarkUsed0RTT(id string) {
	r.mu.Lock()
	if p := r.peers[id]; p != nil {
		p.used0RTT = true
	}
	r.mu.Unlock()
}

func (r *Registry) AddStream(id string) {
	r.mu.Lock()
	if p := r.peers[id]; p != nil {
		p.streams++
	}
	r.mu.Unlock()
}

func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.peers, id)
	r.mu.Unlock()
}

// Serving counts peers that are ready to take streams.
func (r *Registry) Serving() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, p := range r.peers {
		if p.state == StateServing {
			n++
		}
	}
	return n
}

func (r *Registry) Snapshot() []PeerSnapshot {
	r.mu.RLock()
	out := make([]PeerSnapshot, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, PeerSnapshot{
			ID:        p.id,
			Remote:    p.remote,
			State:     p.state.String(),
			Used0RTT:  p.used0RTT,
			Streams:   p.streams,
			Connected: p.started,
		})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Connected.Before(out[j].Connected) })
	return out
}
