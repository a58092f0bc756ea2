// Package bufpool provides pooled scratch byte buffers for the engine's
// read path.
//
// Grounded on pool/bytepool.go's BytePool (Get/Put over a fallback
// make([]byte, n)), with the teacher's optional NUMA placement layer
// dropped — spec.md has no NUMA concern.
//
// Author: momentics <momentics@gmail.com>
package bufpool

import "sync"

// Pool hands out fixed-size byte slices backed by a sync.Pool.
type Pool struct {
	size int
	pool sync.Pool
}

// New creates a Pool that hands out buffers of size n.
func New(n int) *Pool {
	p := &Pool{size: n}
	p.pool.New = func() any {
		return make([]byte, n)
	}
	return p
}

// Get returns a buffer of the pool's configured size.
func (p *Pool) Get() []byte {
	return p.pool.Get().([]byte)
}

// Put returns buf to the pool if it matches the configured size;
// mismatched sizes are dropped for the GC to reclaim.
func (p *Pool) Put(buf []byte) {
	if cap(buf) != p.size {
		return
	}
	p.pool.Put(buf[:p.size])
}
