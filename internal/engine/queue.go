// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"sync"

	"github.com/jontk/ptg-runtime/pkg/graph"
)

// readyTask is a ready instance queued for execution. owned marks the input
// tiles whose reference the engine holds and must drop after the hook;
// ownedOut marks scratch output tiles the engine acquired for it.
type readyTask struct {
	tc       *graph.Context
	owned    uint32
	ownedOut uint32
}

// readyQueue is the per-rank FIFO of ready instances. Instances released by
// a firing edge are enqueued, never executed inline, to preserve fairness.
type readyQueue struct {
	mu     sync.Mutex
	items  []readyTask
	notify chan struct{}
}

func newReadyQueue() *readyQueue {
	return &readyQueue{notify: make(chan struct{}, 1)}
}

func (q *readyQueue) push(t readyTask) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
	q.wake()
}

func (q *readyQueue) pop() (readyTask, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return readyTask{}, false
	}
	t := q.items[0]
	q.items = q.items[1:]
	rearm := len(q.items) > 0
	q.mu.Unlock()
	if rearm {
		q.wake()
	}
	return t, true
}

func (q *readyQueue) Notify() <-chan struct{} { return q.notify }

func (q *readyQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
