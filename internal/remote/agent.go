// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/jontk/ptg-runtime/internal/keymap"
	"github.com/jontk/ptg-runtime/pkg/comm"
	rterrors "github.com/jontk/ptg-runtime/pkg/errors"
	"github.com/jontk/ptg-runtime/pkg/graph"
	"github.com/jontk/ptg-runtime/pkg/logging"
	"github.com/jontk/ptg-runtime/pkg/metrics"
	"github.com/jontk/ptg-runtime/pkg/tile"
)

// Config carries the agent's tunables.
type Config struct {
	// Window is the number of concurrent inbound activations.
	Window int

	// Yield is the bounded idle sleep between progress polls.
	Yield time.Duration

	// MaxCollisions is the resize threshold of the in-flight key tables.
	MaxCollisions int
}

// recvSlot is one of the agent's W concurrent inbound rendezvous.
type recvSlot struct {
	busy bool
	deps *Deps
	base int
}

type tagRoute struct {
	slot *recvSlot
	k    int
}

type pendingAct struct {
	from int
	msg  *Activate
}

// Agent is the single-threaded communication agent. It owns a private
// communicator and drives the ACTIVATE / GET / PUT state machines with a
// fixed concurrency window; no other goroutine touches the transport.
type Agent struct {
	comm comm.Communicator
	reg  *graph.Registry
	pool *tile.Pool
	log  logging.Logger
	met  metrics.Collector

	cmdQ *Queue
	relQ *Queue

	window  int
	yield   time.Duration
	maxTag  int
	nextTag int
	enabled bool

	keySeq   atomic.Uint64
	sendKeys *keymap.Map[*Deps]
	recvKeys *keymap.Map[*Deps]
	sendFree *FreeList
	recvFree *FreeList

	slots     []*recvSlot
	busySlots atomic.Int32
	pending   []pendingAct
	nPending  atomic.Int32
	tags      map[int]tagRoute

	done chan struct{}
	err  atomic.Value
}

// New creates an agent bound to a communicator, a registry and the shared
// queues. It fails with TAG_SPACE_EXHAUSTED if the transport's tag space
// cannot hold the concurrency window.
func New(c comm.Communicator, reg *graph.Registry, pool *tile.Pool, cmdQ, relQ *Queue, cfg Config, log logging.Logger, met metrics.Collector) (*Agent, error) {
	if cfg.Window < 1 {
		cfg.Window = 3
	}
	if cfg.Yield <= 0 {
		cfg.Yield = 5 * time.Microsecond
	}
	if log == nil {
		log = logging.NoOpLogger{}
	}
	if met == nil {
		met = metrics.NoOpCollector{}
	}
	maxTag := c.MaxTag()
	if FirstDataTag+cfg.Window*MaxParams-1 > maxTag {
		return nil, rterrors.Newf(rterrors.ErrorCodeTagSpaceExhausted,
			"transport tag space %d cannot hold window %d x %d params", maxTag, cfg.Window, MaxParams)
	}
	a := &Agent{
		comm:     c,
		reg:      reg,
		pool:     pool,
		log:      log.With("component", "remote-deps"),
		met:      met,
		cmdQ:     cmdQ,
		relQ:     relQ,
		window:   cfg.Window,
		yield:    cfg.Yield,
		maxTag:   maxTag,
		nextTag:  FirstDataTag,
		sendKeys: keymap.New[*Deps](cfg.MaxCollisions),
		recvKeys: keymap.New[*Deps](cfg.MaxCollisions),
		sendFree: NewFreeList(c.Size()),
		recvFree: NewFreeList(c.Size()),
		tags:     make(map[int]tagRoute),
		done:     make(chan struct{}),
	}
	a.slots = make([]*recvSlot, a.window)
	for i := range a.slots {
		a.slots[i] = &recvSlot{}
	}
	return a, nil
}

// NewSendDeps hands out a send-side aggregator with a fresh rendezvous key,
// registered in the in-flight table.
func (a *Agent) NewSendDeps() *Deps {
	d := a.sendFree.Get()
	d.Msg.Deps = a.keySeq.Add(1)
	a.sendKeys.Insert(d.Msg.Deps, d)
	return d
}

// DropSendDeps unregisters and recycles an aggregator that turned out to
// have no remote destinations.
func (a *Agent) DropSendDeps(d *Deps) {
	a.sendKeys.Remove(d.Msg.Deps)
	d.Recycle()
}

// PostActivate asks the agent to announce the aggregator to one peer rank.
func (a *Agent) PostActivate(rank int, d *Deps) {
	a.cmdQ.Push(&Command{Kind: CmdActivate, Rank: rank, Deps: d})
}

// Memcpy schedules a local loopback copy on the agent thread. The source
// tile is referenced until the copy completes.
func (a *Agent) Memcpy(dst []byte, src *tile.Tile) {
	src.Ref()
	a.cmdQ.Push(&Command{Kind: CmdMemcpy, Src: src, Dst: dst})
}

// Enable arms the agent: persistent receives are considered posted from
// here on.
func (a *Agent) Enable() {
	a.cmdQ.Push(&Command{Kind: CmdCtl, Enable: 1})
}

// Disable disarms the agent, cancelling in-flight inbound rendezvous.
func (a *Agent) Disable() {
	a.cmdQ.Push(&Command{Kind: CmdCtl, Enable: 0})
}

// Shutdown disarms the agent and makes Run return.
func (a *Agent) Shutdown() {
	a.cmdQ.Push(&Command{Kind: CmdCtl, Enable: -1})
}

// Done is closed when the agent's loop has exited.
func (a *Agent) Done() <-chan struct{} { return a.done }

// Err returns the fatal error that stopped the agent, if any.
func (a *Agent) Err() error {
	if v := a.err.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Quiescent reports whether no rendezvous is in flight on either side and
// no command is pending.
func (a *Agent) Quiescent() bool {
	return a.sendKeys.Len() == 0 &&
		a.busySlots.Load() == 0 &&
		a.nPending.Load() == 0 &&
		a.cmdQ.Len() == 0 &&
		a.relQ.Len() == 0
}

// Run is the agent's progress loop. It must run on its own goroutine and
// exits on a CTL(-1) command or a transport failure.
func (a *Agent) Run() {
	defer close(a.done)
	ctx := context.Background()
	for {
		// Messages are only consumed while enabled, mirroring posted
		// persistent receives.
		var inbox <-chan comm.Message
		if a.enabled {
			inbox = a.comm.Inbox()
		}
		select {
		case msg, ok := <-inbox:
			if !ok {
				a.fail(rterrors.New(rterrors.ErrorCodeTransportFailure, "communicator closed under the agent"))
				return
			}
			if err := a.handleMessage(ctx, msg); err != nil {
				a.fail(err)
				return
			}
		case <-a.cmdQ.Notify():
			if cmd := a.cmdQ.Pop(); cmd != nil {
				exit, err := a.handleCommand(ctx, cmd)
				if err != nil {
					a.fail(err)
					return
				}
				if exit {
					return
				}
			}
		case <-time.After(a.yield):
			// Bounded idle sleep; pick up a command the wake token may
			// have missed.
			if cmd := a.cmdQ.Pop(); cmd != nil {
				exit, err := a.handleCommand(ctx, cmd)
				if err != nil {
					a.fail(err)
					return
				}
				if exit {
					return
				}
			}
		}
	}
}

func (a *Agent) fail(err error) {
	a.log.Error("agent aborting", "error", err)
	a.err.Store(err)
}

func (a *Agent) handleMessage(ctx context.Context, msg comm.Message) error {
	switch msg.Tag {
	case TagActivate:
		act, err := DecodeActivate(msg.Data)
		if err != nil {
			return rterrors.WithCause(rterrors.ErrorCodeTransportFailure, "undecodable activate frame", err)
		}
		a.met.RecordActivation(false)
		a.handleActivate(ctx, msg.From, act)
		return nil
	case TagGet:
		get, err := DecodeGet(msg.Data)
		if err != nil {
			return rterrors.WithCause(rterrors.ErrorCodeTransportFailure, "undecodable get frame", err)
		}
		return a.handleGet(ctx, msg.From, get)
	default:
		a.handleData(msg)
		return nil
	}
}

// composeKey folds the sending rank into the sender-local rendezvous key so
// keys from distinct peers cannot collide in the receive table.
func composeKey(from int, deps uint64) uint64 {
	return deps&0x00ffffffffffffff | uint64(from+1)<<56
}

func (a *Agent) handleActivate(ctx context.Context, from int, act *Activate) {
	if act.Which == 0 {
		return
	}
	ck := composeKey(from, act.Deps)
	if _, dup := a.recvKeys.Find(ck); dup {
		// The transport is not supposed to duplicate; be idempotent anyway.
		a.log.Debug("duplicate activate dropped", "from", from, "key", act.Deps)
		return
	}
	for _, p := range a.pending {
		if p.from == from && p.msg.Deps == act.Deps {
			return
		}
	}
	if slot := a.freeSlot(); slot != nil {
		if err := a.startRecv(ctx, slot, from, act); err != nil {
			a.log.Error("activation rejected", "from", from, "error", err)
		}
		return
	}
	a.pending = append(a.pending, pendingAct{from: from, msg: act})
	a.nPending.Store(int32(len(a.pending)))
}

func (a *Agent) freeSlot() *recvSlot {
	for _, s := range a.slots {
		if !s.busy {
			return s
		}
	}
	return nil
}

// startRecv is the ACT_RX -> ISSUE_GET transition: derive the datatypes,
// allocate receive buffers from the tile free-list, reserve a tag block and
// reply with a GET.
func (a *Agent) startRecv(ctx context.Context, slot *recvSlot, from int, act *Activate) error {
	cls := a.reg.ElementAt(int(act.Class))

	deps := a.recvFree.Get()
	deps.Msg = *act
	deps.From = from
	deps.Recv = 0
	deps.agent = a
	deps.composite = composeKey(from, act.Deps)

	base := a.allocTagBlock()
	for k := 0; k < MaxParams && act.Which>>uint(k) != 0; k++ {
		if act.Which&(1<<uint(k)) == 0 {
			continue
		}
		typ := cls.Outputs[k].Type
		deps.Output[k].Data = a.pool.Acquire(typ.Size)
		deps.Output[k].Type = typ
		a.tags[base+k] = tagRoute{slot: slot, k: k}
	}

	slot.busy = true
	slot.deps = deps
	slot.base = base
	a.busySlots.Add(1)
	a.recvKeys.Insert(deps.composite, deps)

	get := &Get{Deps: act.Deps, Which: act.Which, Tag: int32(base)}
	frame, err := EncodeGet(get)
	if err != nil {
		return pkgerrors.Wrap(err, "encode get")
	}
	if err := a.comm.Send(ctx, from, TagGet, frame); err != nil {
		return rterrors.WithCause(rterrors.ErrorCodeTransportFailure, "send get", err)
	}
	a.log.Debug("get issued", "from", from, "which", act.Which, "tag", base)
	return nil
}

// allocTagBlock reserves a contiguous block of MaxParams payload tags,
// wrapping below the transport's upper bound. The fixed window keeps live
// blocks from aliasing.
func (a *Agent) allocTagBlock() int {
	t := a.nextTag
	if a.nextTag+2*MaxParams-1 <= a.maxTag {
		a.nextTag += MaxParams
	} else {
		a.nextTag = FirstDataTag
	}
	return t
}

// handleGet is the WAIT_GET -> ISSUE_PUT transition on the send side: one
// payload send per requested output, then completion bookkeeping.
func (a *Agent) handleGet(ctx context.Context, from int, get *Get) error {
	deps, ok := a.sendKeys.Find(get.Deps)
	if !ok {
		// Duplicate or stale GET; the rendezvous already completed.
		a.log.Debug("stale get dropped", "from", from, "key", get.Deps)
		return nil
	}
	for k := 0; k < MaxParams && get.Which>>uint(k) != 0; k++ {
		if get.Which&(1<<uint(k)) == 0 {
			continue
		}
		data := deps.Output[k].Data
		if err := a.comm.Send(ctx, from, int(get.Tag)+k, data.Bytes()); err != nil {
			return rterrors.WithCause(rterrors.ErrorCodeTransportFailure, "send payload", err)
		}
		a.met.RecordPayload(true, data.Len())
		data.Unref()
		deps.OutputSent++
	}
	a.log.Debug("payloads sent", "to", from, "which", get.Which, "tag", get.Tag)
	if deps.OutputSent == deps.OutputCount {
		a.sendKeys.Remove(get.Deps)
		deps.Recycle()
	}
	return nil
}

// handleData completes one payload receive: copy into the prepared tile,
// mark the bit, and when the mask is full hand the aggregator to the local
// release engine and recycle the slot.
func (a *Agent) handleData(msg comm.Message) {
	route, ok := a.tags[msg.Tag]
	if !ok {
		a.log.Debug("payload on unknown tag dropped", "from", msg.From, "tag", msg.Tag)
		return
	}
	delete(a.tags, msg.Tag)
	slot := route.slot
	deps := slot.deps
	copy(deps.Output[route.k].Data.Bytes(), msg.Data)
	deps.Recv |= 1 << uint(route.k)
	a.met.RecordPayload(false, len(msg.Data))

	if deps.Recv == deps.Msg.Which {
		slot.busy = false
		slot.deps = nil
		a.busySlots.Add(-1)
		a.relQ.Push(&Command{Kind: CmdRelease, Deps: deps})
		a.promotePending()
	}
}

func (a *Agent) promotePending() {
	for len(a.pending) > 0 {
		slot := a.freeSlot()
		if slot == nil {
			break
		}
		next := a.pending[0]
		a.pending = a.pending[1:]
		a.nPending.Store(int32(len(a.pending)))
		if err := a.startRecv(context.Background(), slot, next.from, next.msg); err != nil {
			a.log.Error("activation rejected", "from", next.from, "error", err)
		}
	}
}

func (a *Agent) handleCommand(ctx context.Context, cmd *Command) (exit bool, err error) {
	switch cmd.Kind {
	case CmdActivate:
		msg := cmd.Deps.Msg
		msg.Which = cmd.Deps.WhichFor(cmd.Rank)
		frame, err := EncodeActivate(&msg)
		if err != nil {
			return false, pkgerrors.Wrap(err, "encode activate")
		}
		if err := a.comm.Send(ctx, cmd.Rank, TagActivate, frame); err != nil {
			return false, rterrors.WithCause(rterrors.ErrorCodeTransportFailure, "send activate", err)
		}
		a.met.RecordActivation(true)
		a.log.Debug("activate sent", "to", cmd.Rank, "which", msg.Which, "key", msg.Deps)
		return false, nil

	case CmdCtl:
		switch cmd.Enable {
		case 1:
			a.enabled = true
			a.log.Debug("agent enabled", "window", a.window)
		case 0:
			a.disarm()
		case -1:
			a.disarm()
			a.log.Debug("agent exiting")
			return true, nil
		}
		return false, nil

	case CmdMemcpy:
		if err := a.comm.SelfCopy(cmd.Dst, cmd.Src.Bytes()); err != nil {
			return false, rterrors.WithCause(rterrors.ErrorCodeTransportFailure, "loopback copy", err)
		}
		cmd.Src.Unref()
		return false, nil

	default:
		// Release commands travel on the release queue, not here.
		return false, nil
	}
}

// disarm cancels the posted receives: in-flight inbound rendezvous are
// dropped, their tiles released, and parked activations discarded.
func (a *Agent) disarm() {
	if !a.enabled {
		return
	}
	a.enabled = false
	for _, slot := range a.slots {
		if !slot.busy {
			continue
		}
		deps := slot.deps
		for k := range deps.Output {
			if deps.Output[k].Data != nil {
				deps.Output[k].Data.Unref()
			}
		}
		for t := slot.base; t < slot.base+MaxParams; t++ {
			delete(a.tags, t)
		}
		slot.busy = false
		slot.deps = nil
		a.busySlots.Add(-1)
		deps.Recycle()
	}
	a.pending = nil
	a.nPending.Store(0)
	a.log.Debug("agent disabled")
}

// forgetRecv removes a recycled receive-side aggregator from the in-flight
// table. Called from Deps.Recycle, possibly on a worker thread; the table
// is locked.
func (a *Agent) forgetRecv(composite uint64) {
	a.recvKeys.Remove(composite)
}
