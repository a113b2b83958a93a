// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package deparray

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedRange covers [0,max] at every level.
func fixedRange(max int) RangeFn {
	return func(level int, prefix []int) (int, int, error) {
		return 0, max, nil
	}
}

// raggedRange covers [0,3] at the root and [prefix[0], 3] below it.
func raggedRange(level int, prefix []int) (int, int, error) {
	if level == 0 {
		return 0, 3, nil
	}
	return prefix[0], 3, nil
}

func TestLookupAllocatesLazily(t *testing.T) {
	a := New(2)
	assert.Equal(t, 0, a.Nodes())

	_, err := a.Lookup([]int{1, 2}, fixedRange(3))
	require.NoError(t, err)
	assert.Equal(t, 2, a.Nodes(), "root plus one sub-array")

	// A second instance under the same root slot allocates nothing new.
	_, err = a.Lookup([]int{1, 3}, fixedRange(3))
	require.NoError(t, err)
	assert.Equal(t, 2, a.Nodes())

	// A different root slot allocates one more sub-array.
	_, err = a.Lookup([]int{2, 0}, fixedRange(3))
	require.NoError(t, err)
	assert.Equal(t, 3, a.Nodes())
}

func TestLookupRagged(t *testing.T) {
	a := New(2)

	// (2,1) is outside the ragged slice [2,3].
	_, err := a.Lookup([]int{2, 1}, raggedRange)
	assert.ErrorIs(t, err, ErrUnreachable)

	_, err = a.Lookup([]int{2, 3}, raggedRange)
	assert.NoError(t, err)
}

func TestLookupOutOfRange(t *testing.T) {
	a := New(1)
	_, err := a.Lookup([]int{7}, fixedRange(3))
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestLookupEmptyRootRange(t *testing.T) {
	a := New(1)
	_, err := a.Lookup([]int{0}, func(level int, prefix []int) (int, int, error) {
		return 1, 0, nil
	})
	assert.ErrorIs(t, err, ErrEmptyRange)
}

func TestMarkMonotonic(t *testing.T) {
	a := New(1)
	leaf, err := a.Lookup([]int{0}, fixedRange(0))
	require.NoError(t, err)

	prior := leaf.Mark(0b01)
	assert.Equal(t, uint32(0), prior)
	assert.Equal(t, uint32(0b01), leaf.Value())

	prior = leaf.Mark(0b10)
	assert.Equal(t, uint32(0b01), prior&0b11)
	assert.Equal(t, uint32(0b11), leaf.Value())

	// Re-marking an existing bit changes nothing.
	leaf.Mark(0b01)
	assert.Equal(t, uint32(0b11), leaf.Value())
}

func TestSetInitOnce(t *testing.T) {
	a := New(1)
	leaf, err := a.Lookup([]int{0}, fixedRange(0))
	require.NoError(t, err)

	assert.False(t, leaf.InitDone())
	assert.True(t, leaf.SetInit(), "first caller wins")
	assert.False(t, leaf.SetInit(), "second caller loses")
	assert.True(t, leaf.InitDone())

	// The init flag is not a dependency bit.
	assert.Equal(t, uint32(0), leaf.Value())
}

func TestReady(t *testing.T) {
	a := New(1)
	leaf, err := a.Lookup([]int{0}, fixedRange(0))
	require.NoError(t, err)

	leaf.Mark(0b11)
	prior := leaf.Mark(0)
	assert.False(t, Ready(prior, 0b11), "not ready before init applied")

	leaf.SetInit()
	prior = leaf.Mark(0)
	assert.True(t, Ready(prior, 0b11))
	assert.False(t, Ready(prior, 0b111))
}

func TestConcurrentMarks(t *testing.T) {
	a := New(2)
	const bits = 16

	var wg sync.WaitGroup
	winners := make(chan int, bits)
	for b := 0; b < bits; b++ {
		wg.Add(1)
		go func(b int) {
			defer wg.Done()
			leaf, err := a.Lookup([]int{1, 1}, fixedRange(2))
			if err != nil {
				t.Error(err)
				return
			}
			leaf.SetInit()
			prior := leaf.Mark(1 << uint(b))
			if prior&(1<<uint(b)) == 0 && Ready(prior|1<<uint(b), 1<<bits-1) {
				winners <- b
			}
		}(b)
	}
	wg.Wait()
	close(winners)

	var n int
	for range winners {
		n++
	}
	assert.Equal(t, 1, n, "exactly one marker observes readiness")

	leaf, err := a.Lookup([]int{1, 1}, fixedRange(2))
	require.NoError(t, err)
	assert.Equal(t, uint32(1<<bits-1), leaf.Value())
}

func TestFinalize(t *testing.T) {
	a := New(3)
	_, err := a.Lookup([]int{0, 0, 0}, fixedRange(1))
	require.NoError(t, err)
	_, err = a.Lookup([]int{1, 1, 1}, fixedRange(1))
	require.NoError(t, err)

	released := a.Finalize()
	assert.Equal(t, a.Nodes(), released)
	assert.Equal(t, 5, released, "one root, two mid arrays, two leaf arrays")
}
