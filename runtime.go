// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package ptg

import (
	"context"
	"log/slog"
	"time"

	"github.com/jontk/ptg-runtime/internal/engine"
	"github.com/jontk/ptg-runtime/internal/remote"
	"github.com/jontk/ptg-runtime/pkg/comm"
	"github.com/jontk/ptg-runtime/pkg/config"
	rterrors "github.com/jontk/ptg-runtime/pkg/errors"
	"github.com/jontk/ptg-runtime/pkg/graph"
	"github.com/jontk/ptg-runtime/pkg/logging"
	"github.com/jontk/ptg-runtime/pkg/metrics"
	"github.com/jontk/ptg-runtime/pkg/tile"
)

// drainPoll is the interval at which shutdown polls the agent for
// quiescence.
const drainPoll = 500 * time.Microsecond

// ProgramDescription is the contract a DSL compiler fulfills: it populates
// the registry with task classes and installs their hooks.
type ProgramDescription interface {
	LoadObjects(reg *graph.Registry) error
}

// Runtime is the per-process handle over the scheduling engine, the tile
// allocator and the remote-deps agent. Create it once per process, before
// any worker starts, and Close it after Run has returned.
type Runtime struct {
	cfg  *config.Config
	log  logging.Logger
	met  metrics.Collector
	reg  *graph.Registry
	pool *tile.Pool

	comm  comm.Communicator
	cmdQ  *remote.Queue
	relQ  *remote.Queue
	agent *remote.Agent
	eng   *engine.Engine

	globals map[string]int
	loaded  bool
	closed  bool
}

// New builds a runtime from the configuration. Multi-rank configurations
// open the communicator mesh here; the call returns once the mesh is
// complete.
func New(cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, rterrors.WithCause(rterrors.ErrorCodeInvalidConfiguration, "invalid runtime configuration", err)
	}

	r := &Runtime{
		cfg:     cfg,
		reg:     graph.NewRegistry(),
		pool:    tile.NewPool(),
		cmdQ:    remote.NewQueue(),
		relQ:    remote.NewQueue(),
		globals: make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		level := slog.LevelInfo
		if cfg.Debug {
			level = slog.LevelDebug
		}
		r.log = logging.NewLogger(&logging.Config{
			Level:  level,
			Format: logging.Format(cfg.LogFormat),
			Output: logging.DefaultConfig().Output,
			Rank:   cfg.Rank,
		})
	}
	if r.met == nil {
		r.met = metrics.NewInMemoryCollector()
	}

	if r.comm == nil && cfg.Size() > 1 {
		mesh, err := comm.NewWSMesh(context.Background(), comm.WSConfig{
			Rank:   cfg.Rank,
			Listen: cfg.ListenAddr,
			Peers:  cfg.Peers,
		})
		if err != nil {
			return nil, rterrors.WithCause(rterrors.ErrorCodeTransportFailure, "mesh formation failed", err)
		}
		r.comm = mesh
	}

	if r.comm != nil && r.comm.Size() > 1 {
		agent, err := remote.New(r.comm, r.reg, r.pool, r.cmdQ, r.relQ, remote.Config{
			Window:        cfg.WindowSize,
			Yield:         cfg.Yield,
			MaxCollisions: cfg.MaxCollisions,
		}, r.log, r.met)
		if err != nil {
			return nil, err
		}
		r.agent = agent
	}

	return r, nil
}

// AssignGlobal binds a global symbol before enumeration.
func (r *Runtime) AssignGlobal(name string, value int) {
	r.globals[name] = value
}

// Registry exposes the process-wide class table.
func (r *Runtime) Registry() *graph.Registry { return r.reg }

// Pool exposes the tile allocator.
func (r *Runtime) Pool() *tile.Pool { return r.pool }

// Rank returns this process's rank.
func (r *Runtime) Rank() int { return r.cfg.Rank }

// Size returns the number of ranks.
func (r *Runtime) Size() int {
	if r.comm != nil {
		return r.comm.Size()
	}
	return 1
}

// Load populates the registry from the program description and freezes it.
func (r *Runtime) Load(prog ProgramDescription) error {
	if r.loaded {
		return rterrors.New(rterrors.ErrorCodeInvalidProgram, "program already loaded")
	}
	if err := prog.LoadObjects(r.reg); err != nil {
		return rterrors.WithCause(rterrors.ErrorCodeInvalidProgram, "program load failed", err)
	}
	r.reg.Freeze()
	r.loaded = true
	r.log.Info("program loaded", "classes", r.reg.Len())
	return nil
}

// Enumerate counts this rank's task instances and initializes their
// dependency counters. The count is Run's stopping condition.
func (r *Runtime) Enumerate() (int, error) {
	if !r.loaded {
		return 0, rterrors.New(rterrors.ErrorCodeNotInitialized, "no program loaded")
	}
	r.eng = engine.New(r.reg, engine.Options{
		Rank:    r.cfg.Rank,
		Size:    r.Size(),
		Workers: r.cfg.Workers,
		Globals: r.globals,
		Agent:   r.agent,
		RelQ:    r.relQ,
		Pool:    r.pool,
		Logger:  r.log,
		Metrics: r.met,
	})
	return r.eng.Enumerate()
}

// Run starts the agent and the workers and blocks until every local
// instance has executed. On the way out it drains in-flight rendezvous and
// joins the agent thread.
func (r *Runtime) Run(ctx context.Context) error {
	if r.eng == nil {
		return rterrors.New(rterrors.ErrorCodeNotInitialized, "enumerate before running")
	}

	if r.agent != nil {
		go r.agent.Run()
		r.agent.Enable()
	}

	runErr := r.eng.Run(ctx)

	if r.agent != nil {
		if runErr == nil {
			runErr = r.drain(ctx)
		}
		r.agent.Shutdown()
		<-r.agent.Done()
		if runErr == nil {
			runErr = r.agent.Err()
		}
	}
	return runErr
}

// drain keeps serving releases and waits for the agent to go quiescent, so
// peers still owed payloads get them before shutdown.
func (r *Runtime) drain(ctx context.Context) error {
	quiet := 0
	for quiet < 2 {
		if err := r.eng.DrainReleases(); err != nil {
			return err
		}
		if r.agent.Quiescent() {
			quiet++
		} else {
			quiet = 0
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(drainPoll):
		}
	}
	return nil
}

// Memcpy copies a tile into a caller buffer through the agent's loopback
// path, or directly when no agent is running.
func (r *Runtime) Memcpy(dst []byte, src *tile.Tile) {
	if r.agent != nil {
		r.agent.Memcpy(dst, src)
		return
	}
	copy(dst, src.Bytes())
}

// Unreachable returns the debug counter of silently dropped release
// bindings.
func (r *Runtime) Unreachable() int64 {
	if r.eng == nil {
		return 0
	}
	return r.eng.Unreachable()
}

// Stats returns the collector's current statistics.
func (r *Runtime) Stats() *metrics.Stats { return r.met.GetStats() }

// Close releases the process-wide resources: the tile free-list is drained
// and the communicator closed. Call after Run has returned.
func (r *Runtime) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	released := 0
	for i := 0; i < r.reg.Len(); i++ {
		if deps := r.reg.ElementAt(i).Deps; deps != nil {
			released += deps.Finalize()
		}
	}
	retired := r.pool.Drain()
	r.log.Info("runtime closed", "dep_arrays_released", released, "retired_tiles", retired)

	if r.comm != nil {
		return r.comm.Close()
	}
	return nil
}
