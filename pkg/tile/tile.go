// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package tile provides reference-counted payload buffers served from a
// free-list. Tiles are the only payload type the wire protocol carries.
package tile

import (
	"sync"
	"sync/atomic"
)

// Tile is an opaque contiguous payload buffer with an atomic reference
// count. Ref and Unref are the only mutators of the count; when it reaches
// zero the buffer returns to its pool's free-list.
type Tile struct {
	buf  []byte
	refs atomic.Int32
	pool *Pool
}

// New allocates a pool-less tile with a reference count of one. Data
// descriptors use it for buffers whose lifetime they manage themselves.
func New(size int) *Tile {
	t := &Tile{buf: make([]byte, size)}
	t.refs.Store(1)
	return t
}

// Bytes returns the tile's backing storage.
func (t *Tile) Bytes() []byte { return t.buf }

// Len returns the tile's size in bytes.
func (t *Tile) Len() int { return len(t.buf) }

// Refs returns the current reference count.
func (t *Tile) Refs() int { return int(t.refs.Load()) }

// Ref takes an additional reference on the tile.
func (t *Tile) Ref() {
	t.refs.Add(1)
}

// Unref drops one reference. The caller that drops the last reference
// returns the tile to its free-list.
func (t *Tile) Unref() {
	if n := t.refs.Add(-1); n == 0 {
		if t.pool != nil {
			t.pool.release(t)
		}
	} else if n < 0 {
		panic("tile: negative refcount")
	}
}

// Pool is a LIFO free-list of retired tiles. All payloads within a program
// use the same class-determined tile size, so Acquire may hand out any
// retired buffer regardless of the requested size.
type Pool struct {
	mu     sync.Mutex
	free   []*Tile
	hits   atomic.Int64
	misses atomic.Int64
	// retired counts every tile that ever entered the free-list; reported
	// when the pool is drained at shutdown.
	retired atomic.Int64
}

// NewPool creates an empty tile pool.
func NewPool() *Pool {
	return &Pool{}
}

// Acquire returns a tile with a reference count of one. It pops the
// free-list if possible and allocates fresh on a miss.
func (p *Pool) Acquire(size int) *Tile {
	p.mu.Lock()
	var t *Tile
	if n := len(p.free); n > 0 {
		t = p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
	}
	p.mu.Unlock()

	if t != nil {
		p.hits.Add(1)
		t.refs.Store(1)
		return t
	}
	p.misses.Add(1)
	t = &Tile{buf: make([]byte, size), pool: p}
	t.refs.Store(1)
	return t
}

// release pushes a tile whose refcount dropped to zero back onto the LIFO.
func (p *Pool) release(t *Tile) {
	p.retired.Add(1)
	p.mu.Lock()
	p.free = append(p.free, t)
	p.mu.Unlock()
}

// Drain empties the free-list and returns the number of tiles that passed
// through it over the pool's lifetime.
func (p *Pool) Drain() int {
	p.mu.Lock()
	p.free = nil
	p.mu.Unlock()
	return int(p.retired.Load())
}

// Outstanding returns the number of tiles currently sitting in the
// free-list.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Stats reports free-list hit and miss counts.
func (p *Pool) Stats() (hits, misses int64) {
	return p.hits.Load(), p.misses.Load()
}
