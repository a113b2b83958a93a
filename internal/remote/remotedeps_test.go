// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jontk/ptg-runtime/pkg/graph"
	"github.com/jontk/ptg-runtime/pkg/tile"
)

func TestAddRemoteAndWhich(t *testing.T) {
	fl := NewFreeList(4)
	d := fl.Get()
	typ := graph.DataType{Name: "tile", Size: 8}

	t0 := tile.New(8)
	t1 := tile.New(8)

	d.AddRemote(0, 1, t0, typ)
	d.AddRemote(0, 2, t0, typ)
	d.AddRemote(1, 2, t1, typ)

	// One ref per destination rank on top of the creator's.
	assert.Equal(t, 3, t0.Refs())
	assert.Equal(t, 2, t1.Refs())

	assert.Equal(t, 3, d.OutputCount)
	assert.Equal(t, uint32(0b01), d.WhichFor(1))
	assert.Equal(t, uint32(0b11), d.WhichFor(2))
	assert.Equal(t, uint32(0), d.WhichFor(3))
	assert.ElementsMatch(t, []int{1, 2}, d.Ranks())
}

func TestAddRemoteIdempotentPerRank(t *testing.T) {
	fl := NewFreeList(2)
	d := fl.Get()
	tl := tile.New(8)

	d.AddRemote(0, 1, tl, graph.DataType{Size: 8})
	d.AddRemote(0, 1, tl, graph.DataType{Size: 8})

	assert.Equal(t, 1, d.OutputCount, "a rank is owed each output once")
	assert.Equal(t, 2, tl.Refs())
}

func TestRecycleReturnsToFreeList(t *testing.T) {
	fl := NewFreeList(2)
	d := fl.Get()
	d.Msg.Deps = 42
	d.AddRemote(0, 1, tile.New(8), graph.DataType{Size: 8})

	require.Equal(t, 0, fl.Len())
	d.Recycle()
	assert.Equal(t, 1, fl.Len())

	again := fl.Get()
	assert.Same(t, d, again, "LIFO reuse")
	assert.Equal(t, uint64(0), again.Msg.Deps)
	assert.Equal(t, 0, again.OutputCount)
	assert.Equal(t, uint32(0), again.WhichFor(1))
}
