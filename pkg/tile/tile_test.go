// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package tile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRecycle(t *testing.T) {
	p := NewPool()

	a := p.Acquire(64)
	require.NotNil(t, a)
	assert.Equal(t, 64, a.Len())
	assert.Equal(t, 1, a.Refs())

	a.Unref()
	assert.Equal(t, 1, p.Outstanding())

	// The LIFO hands the same buffer back, regardless of requested size.
	b := p.Acquire(8)
	assert.Same(t, a, b)
	assert.Equal(t, 1, b.Refs())
	assert.Equal(t, 0, p.Outstanding())

	hits, misses := p.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestRefcountBalance(t *testing.T) {
	p := NewPool()
	a := p.Acquire(16)

	a.Ref()
	a.Ref()
	a.Unref()
	a.Unref()
	assert.Equal(t, 0, p.Outstanding(), "still referenced")

	a.Unref()
	assert.Equal(t, 1, p.Outstanding())
}

func TestUnrefBelowZeroPanics(t *testing.T) {
	p := NewPool()
	a := p.Acquire(16)
	a.Unref()
	assert.Panics(t, func() { a.Unref() })
}

func TestDrainReportsRetired(t *testing.T) {
	p := NewPool()
	for i := 0; i < 3; i++ {
		p.Acquire(32).Unref()
	}
	assert.Equal(t, 3, p.Drain())
	assert.Equal(t, 0, p.Outstanding())
}

func TestUnpooledTile(t *testing.T) {
	a := New(24)
	assert.Equal(t, 24, a.Len())
	assert.Equal(t, 1, a.Refs())

	a.Ref()
	a.Unref()
	a.Unref()
	// Dropping the last reference of a pool-less tile just lets it go.
	assert.Equal(t, 0, a.Refs())
}
