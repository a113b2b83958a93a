// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"math/bits"
	"sync"

	"github.com/jontk/ptg-runtime/pkg/graph"
	"github.com/jontk/ptg-runtime/pkg/tile"
)

// OutputSlot tracks one output parameter of an in-flight rendezvous: its
// payload, its datatype, and the set of destination ranks.
type OutputSlot struct {
	Data *tile.Tile
	Type graph.DataType

	// RankBits is a bitset of the destination ranks of this output. Bits
	// are not cleared as payloads go out, only when the aggregator is
	// recycled.
	RankBits []uint64

	// Count is the number of destination ranks.
	Count int
}

func (s *OutputSlot) setRank(rank int) bool {
	word, bit := rank/64, uint64(1)<<uint(rank%64)
	if s.RankBits[word]&bit != 0 {
		return false
	}
	s.RankBits[word] |= bit
	return true
}

func (s *OutputSlot) hasRank(rank int) bool {
	return s.RankBits[rank/64]&(uint64(1)<<uint(rank%64)) != 0
}

func (s *OutputSlot) clear() {
	s.Data = nil
	s.Type = graph.DataType{}
	for i := range s.RankBits {
		s.RankBits[i] = 0
	}
	s.Count = 0
}

// Deps is the per-rendezvous aggregator. On the send side it is created by
// the release engine and recycled when every peer has acknowledged every
// payload; on the receive side it is created when an activation arrives and
// recycled after all payloads have been received and released locally.
type Deps struct {
	// Msg is the wire activation.
	Msg Activate

	// Output holds one slot per output parameter of the producer class.
	Output [MaxParams]OutputSlot

	// OutputCount is the expected number of payload sends; OutputSent
	// counts completions.
	OutputCount int
	OutputSent  int

	// Recv is the receive-side bitmask of payloads that have arrived.
	Recv uint32

	// From is the sending rank, receive side only.
	From int

	origin *FreeList

	// agent and composite identify a receive-side aggregator in its
	// agent's in-flight table until it is recycled.
	agent     *Agent
	composite uint64
}

// AddRemote records that output k must reach rank. The payload tile takes
// one reference per distinct destination rank.
func (d *Deps) AddRemote(k, rank int, data *tile.Tile, typ graph.DataType) {
	slot := &d.Output[k]
	if !slot.setRank(rank) {
		return
	}
	if slot.Data == nil {
		slot.Data = data
		slot.Type = typ
	}
	data.Ref()
	slot.Count++
	d.OutputCount++
}

// Ranks returns the union of destination ranks across all output slots.
func (d *Deps) Ranks() []int {
	var out []int
	seen := make(map[int]bool)
	for k := range d.Output {
		for w, word := range d.Output[k].RankBits {
			for word != 0 {
				b := bits.TrailingZeros64(word)
				word &^= 1 << uint(b)
				r := w*64 + b
				if !seen[r] {
					seen[r] = true
					out = append(out, r)
				}
			}
		}
	}
	return out
}

// WhichFor computes the bitmask of outputs destined for the given rank.
func (d *Deps) WhichFor(rank int) uint32 {
	var which uint32
	for k := range d.Output {
		if d.Output[k].Count > 0 && d.Output[k].hasRank(rank) {
			which |= 1 << uint(k)
		}
	}
	return which
}

// Recycle zeroes the aggregator and pushes it back onto its free-list.
func (d *Deps) Recycle() {
	for k := range d.Output {
		d.Output[k].clear()
	}
	d.Msg = Activate{}
	d.OutputCount = 0
	d.OutputSent = 0
	d.Recv = 0
	d.From = 0
	if d.agent != nil {
		d.agent.forgetRecv(d.composite)
		d.agent = nil
		d.composite = 0
	}
	if d.origin != nil {
		d.origin.Put(d)
	}
}

// FreeList is a LIFO of recycled aggregators, sized for a given number of
// ranks.
type FreeList struct {
	mu     sync.Mutex
	items  []*Deps
	nranks int
}

// NewFreeList creates a free-list producing aggregators whose rank bitsets
// cover nranks ranks.
func NewFreeList(nranks int) *FreeList {
	if nranks < 1 {
		nranks = 1
	}
	return &FreeList{nranks: nranks}
}

// Get pops a recycled aggregator or allocates a fresh one.
func (f *FreeList) Get() *Deps {
	f.mu.Lock()
	if n := len(f.items); n > 0 {
		d := f.items[n-1]
		f.items = f.items[:n-1]
		f.mu.Unlock()
		return d
	}
	f.mu.Unlock()
	d := &Deps{origin: f}
	words := (f.nranks + 63) / 64
	for k := range d.Output {
		d.Output[k].RankBits = make([]uint64, words)
	}
	return d
}

// Put pushes a zeroed aggregator back.
func (f *FreeList) Put(d *Deps) {
	f.mu.Lock()
	f.items = append(f.items, d)
	f.mu.Unlock()
}

// Len returns the number of parked aggregators.
func (f *FreeList) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}
