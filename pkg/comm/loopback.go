// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package comm

import (
	"context"
	"errors"
	"sync"
)

// loopbackMaxTag mirrors a transport with an effectively unbounded tag
// space.
const loopbackMaxTag = 1 << 30

// Loopback is an in-process communicator. A mesh of n ranks shares one set
// of channels; frames sent to a peer appear on that peer's Inbox in send
// order.
type Loopback struct {
	rank  int
	size  int
	inbox chan Message
	mesh  *loopbackMesh
}

type loopbackMesh struct {
	mu     sync.Mutex
	closed bool
	ranks  []*Loopback
}

// NewLoopbackMesh creates n fully-connected in-process communicators.
func NewLoopbackMesh(n int) []*Loopback {
	mesh := &loopbackMesh{ranks: make([]*Loopback, n)}
	for i := 0; i < n; i++ {
		mesh.ranks[i] = &Loopback{
			rank:  i,
			size:  n,
			inbox: make(chan Message, 1024),
			mesh:  mesh,
		}
	}
	return mesh.ranks
}

// Rank returns this endpoint's rank.
func (l *Loopback) Rank() int { return l.rank }

// Size returns the mesh size.
func (l *Loopback) Size() int { return l.size }

// MaxTag returns the largest usable tag.
func (l *Loopback) MaxTag() int { return loopbackMaxTag }

// Send delivers a frame to the peer's inbox. The payload is copied so the
// caller may reuse its buffer.
func (l *Loopback) Send(ctx context.Context, to, tag int, data []byte) error {
	if to < 0 || to >= l.size {
		return errors.New("comm: no such rank")
	}
	l.mesh.mu.Lock()
	closed := l.mesh.closed
	peer := l.mesh.ranks[to]
	l.mesh.mu.Unlock()
	if closed {
		return errors.New("comm: mesh closed")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case peer.inbox <- Message{From: l.rank, Tag: tag, Data: buf}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inbox streams inbound frames.
func (l *Loopback) Inbox() <-chan Message { return l.inbox }

// SelfCopy copies src into dst, the loopback rendition of a self
// send/recv pair.
func (l *Loopback) SelfCopy(dst, src []byte) error {
	if len(dst) < len(src) {
		return errors.New("comm: self copy destination too small")
	}
	copy(dst, src)
	return nil
}

// Close shuts the whole mesh down. Closing any endpoint closes all of them.
func (l *Loopback) Close() error {
	l.mesh.mu.Lock()
	defer l.mesh.mu.Unlock()
	if l.mesh.closed {
		return nil
	}
	l.mesh.closed = true
	for _, r := range l.mesh.ranks {
		close(r.inbox)
	}
	return nil
}
