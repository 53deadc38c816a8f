package forward

import "sync"

const DefaultBufferSize = 32 * 1024

type BufferPool interface {
	Get() []byte
	Put([]byte)
}

// SyncPoolBufferPool hands out fixed-size copy buffers. Slices are pooled by
// pointer so Put does not allocate.
type SyncPoolBufferPool struct {
	size int
	p    sync.Pool
}

func NewSyncPoolBufferPool(size int) *SyncPoolBufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	bp := &SyncPoolBufferPool{size: size}
	bp.p.New = func() any {
		b := make([]byte, bp.size)
		return &b
	}
	return bp
}

func (p *SyncPoolBufferPool) Size() int { return p.size }

func (p *SyncPoolBufferPool) Get() []byte {
	return *(p.p.Get().(*[]byte))
}

func (p *SyncPoolBufferPool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	// Normalize len so callers don't accidentally keep huge slices alive.
	b = b[:p.size]
	p.p.Put(&b)
}
