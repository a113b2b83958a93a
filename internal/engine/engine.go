// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package engine schedules task instances on a single rank: it enumerates
// the valid instances of every registered class, runs ready instances on a
// pool of workers, and translates each completion into dependency releases,
// local or remote.
package engine

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jontk/ptg-runtime/internal/remote"
	rterrors "github.com/jontk/ptg-runtime/pkg/errors"
	"github.com/jontk/ptg-runtime/pkg/graph"
	"github.com/jontk/ptg-runtime/pkg/logging"
	"github.com/jontk/ptg-runtime/pkg/metrics"
	"github.com/jontk/ptg-runtime/pkg/tile"
)

// idleWait bounds how long an idle worker sleeps before re-polling the
// release queue.
const idleWait = 200 * time.Microsecond

// Engine runs one rank's share of the task graph.
type Engine struct {
	reg     *graph.Registry
	rank    int
	size    int
	globals map[string]int

	agent *remote.Agent
	relQ  *remote.Queue
	pool  *tile.Pool
	log   logging.Logger
	met   metrics.Collector

	ready   *readyQueue
	workers int

	remaining   atomic.Int64
	unreachable atomic.Int64

	doneCh    chan struct{}
	closeOnce sync.Once

	// parked holds input tiles delivered before their consumer became
	// ready, keyed by instance and input index.
	parkedMu sync.Mutex
	parked   map[string]*tile.Tile
}

// Options configures an engine.
type Options struct {
	Rank    int
	Size    int
	Workers int
	Globals map[string]int
	Agent   *remote.Agent
	RelQ    *remote.Queue
	Pool    *tile.Pool
	Logger  logging.Logger
	Metrics metrics.Collector
}

// New creates an engine over a frozen registry.
func New(reg *graph.Registry, opts Options) *Engine {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Size < 1 {
		opts.Size = 1
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NoOpCollector{}
	}
	if opts.Pool == nil {
		opts.Pool = tile.NewPool()
	}
	if opts.RelQ == nil {
		opts.RelQ = remote.NewQueue()
	}
	return &Engine{
		reg:     reg,
		rank:    opts.Rank,
		size:    opts.Size,
		globals: opts.Globals,
		agent:   opts.Agent,
		relQ:    opts.RelQ,
		pool:    opts.Pool,
		log:     opts.Logger.With("component", "engine"),
		met:     opts.Metrics,
		ready:   newReadyQueue(),
		workers: opts.Workers,
		doneCh:  make(chan struct{}),
		parked:  make(map[string]*tile.Tile),
	}
}

// Remaining returns the number of local instances not yet completed.
func (e *Engine) Remaining() int64 { return e.remaining.Load() }

// Unreachable returns the count of silently dropped release bindings.
func (e *Engine) Unreachable() int64 { return e.unreachable.Load() }

// Run executes the rank's local tasks to completion. It returns when every
// enumerated local instance has run, or with the first fatal error.
func (e *Engine) Run(ctx context.Context) error {
	if e.remaining.Load() == 0 {
		e.closeOnce.Do(func() { close(e.doneCh) })
	}
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < e.workers; w++ {
		g.Go(func() error { return e.worker(ctx) })
	}
	return g.Wait()
}

func (e *Engine) worker(ctx context.Context) error {
	for {
		select {
		case <-e.doneCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if rt, ok := e.ready.pop(); ok {
			if err := e.execute(ctx, rt); err != nil {
				return err
			}
			continue
		}
		// No ready work: make progress on releases handed over by the
		// agent, then wait for something to happen.
		if cmd := e.relQ.Pop(); cmd != nil {
			if err := e.releaseRemote(cmd.Deps); err != nil {
				return err
			}
			continue
		}
		select {
		case <-e.doneCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-e.ready.Notify():
		case <-e.relQ.Notify():
		case <-time.After(idleWait):
		}
	}
}

// execute materializes the instance's data, runs the hook, and on success
// releases the instance's outputs.
func (e *Engine) execute(ctx context.Context, rt readyTask) error {
	tc := rt.tc
	cls := tc.Class

	for i, p := range cls.Inputs {
		if tc.In[i] == nil && p.Source != nil {
			key, err := p.Source.Key(cls, tc.Locals, e.globals)
			if err != nil {
				return rterrors.WithCause(rterrors.ErrorCodeInvalidProgram, "input key of "+tc.String(), err)
			}
			tc.In[i] = p.Source.Desc.DataOf(key...)
		}
	}
	for j, p := range cls.Outputs {
		if tc.Out[j] != nil {
			continue
		}
		if p.Source != nil {
			key, err := p.Source.Key(cls, tc.Locals, e.globals)
			if err != nil {
				return rterrors.WithCause(rterrors.ErrorCodeInvalidProgram, "output key of "+tc.String(), err)
			}
			tc.Out[j] = p.Source.Desc.DataOf(key...)
		} else if len(p.Edges) > 0 {
			tc.Out[j] = e.pool.Acquire(p.Type.Size)
			rt.ownedOut |= 1 << uint(j)
		}
	}

	status := graph.Done
	if cls.Hook != nil {
		status = cls.Hook(ctx, tc)
	}
	switch status {
	case graph.Again:
		// The instance keeps its tiles across requeues.
		e.ready.push(rt)
		return nil
	case graph.Error:
		return rterrors.New(rterrors.ErrorCodeHookFailed, "hook of "+tc.String()+" failed").WithRank(e.rank)
	}

	e.met.RecordTask(cls.Name)
	allOut := uint32(1)<<uint(len(cls.Outputs)) - 1
	if _, err := e.ReleaseDeps(tc, ReleaseLocal|ReleaseRemote, allOut); err != nil {
		return err
	}

	// Drop the references this rank held for the instance.
	for i := range cls.Inputs {
		if rt.owned&(1<<uint(i)) != 0 && tc.In[i] != nil {
			tc.In[i].Unref()
		}
	}
	for j := range cls.Outputs {
		if rt.ownedOut&(1<<uint(j)) != 0 && tc.Out[j] != nil {
			tc.Out[j].Unref()
		}
	}

	if e.remaining.Add(-1) == 0 {
		e.closeOnce.Do(func() { close(e.doneCh) })
	}
	return nil
}

// DrainReleases serves any releases the agent handed over after the
// workers stopped, so shutdown does not strand an inbound rendezvous.
func (e *Engine) DrainReleases() error {
	for {
		cmd := e.relQ.Pop()
		if cmd == nil {
			return nil
		}
		if err := e.releaseRemote(cmd.Deps); err != nil {
			return err
		}
	}
}

// parkKey identifies one input of one instance.
func parkKey(c *graph.Class, vals []int, input int) string {
	tc := graph.Context{Class: c, Locals: vals}
	return tc.String() + "#" + strconv.Itoa(input)
}

func (e *Engine) parkInput(c *graph.Class, vals []int, input int, t *tile.Tile) {
	t.Ref()
	e.parkedMu.Lock()
	if old, ok := e.parked[parkKey(c, vals, input)]; ok && old != t {
		old.Unref()
	}
	e.parked[parkKey(c, vals, input)] = t
	e.parkedMu.Unlock()
}

func (e *Engine) takeParked(c *graph.Class, vals []int, input int) *tile.Tile {
	e.parkedMu.Lock()
	defer e.parkedMu.Unlock()
	key := parkKey(c, vals, input)
	if t, ok := e.parked[key]; ok {
		delete(e.parked, key)
		return t
	}
	return nil
}

// enqueueReady builds the execution context of a now-ready instance,
// collecting any input tiles parked for it, and pushes it on the ready
// queue.
func (e *Engine) enqueueReady(c *graph.Class, vals []int) {
	tc := graph.NewContext(c, vals)
	var owned uint32
	for i := range c.Inputs {
		if t := e.takeParked(c, vals, i); t != nil {
			tc.In[i] = t
			owned |= 1 << uint(i)
		}
	}
	e.log.Debug("instance ready", "task", tc.String())
	e.ready.push(readyTask{tc: tc, owned: owned})
}
