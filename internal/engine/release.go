// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"

	"github.com/jontk/ptg-runtime/internal/deparray"
	"github.com/jontk/ptg-runtime/internal/remote"
	rterrors "github.com/jontk/ptg-runtime/pkg/errors"
	"github.com/jontk/ptg-runtime/pkg/expr"
	"github.com/jontk/ptg-runtime/pkg/graph"
	"github.com/jontk/ptg-runtime/pkg/tile"
)

// Action selects what a release call does. The bits are independent and
// may be combined.
type Action int

const (
	// ReleaseLocal marks dependency bits of same-rank destinations.
	ReleaseLocal Action = 1 << iota

	// ReleaseRemote forwards cross-rank destinations to the agent.
	ReleaseRemote

	// GetTypes returns the output datatype vector without firing anything.
	GetTypes
)

// ReleaseDeps visits every destination edge of the completed instance's
// outputs selected by outMask, in declaration order. Local destinations get
// their dependency bit marked and are enqueued when they become ready;
// remote destinations accumulate on an aggregator that is announced to each
// peer rank once all edges have been visited.
func (e *Engine) ReleaseDeps(tc *graph.Context, actions Action, outMask uint32) ([]graph.DataType, error) {
	cls := tc.Class

	if actions&GetTypes != 0 {
		types := make([]graph.DataType, len(cls.Outputs))
		for j, p := range cls.Outputs {
			types[j] = p.Type
		}
		return types, nil
	}

	a := cls.Assignment(tc.Locals, e.globals)
	var agg *remote.Deps

	for j, p := range cls.Outputs {
		if outMask&(1<<uint(j)) == 0 {
			continue
		}
		for _, edge := range p.Edges {
			ok, err := expr.EvalPredicate(edge.Guard, a)
			if err != nil {
				return nil, rterrors.WithCause(rterrors.ErrorCodeInvalidProgram,
					"guard of edge from "+tc.String(), err)
			}
			if !ok {
				continue
			}

			dstVals := make([]int, len(edge.Binding))
			for i, b := range edge.Binding {
				v, err := b.Eval(a)
				if err != nil {
					return nil, rterrors.WithCause(rterrors.ErrorCodeInvalidProgram,
						"binding of edge from "+tc.String(), err)
				}
				dstVals[i] = v
			}

			dc := edge.Dst
			leaf, err := dc.Deps.Lookup(dstVals, dc.RangeFn(e.globals))
			if err != nil {
				if errors.Is(err, deparray.ErrUnreachable) || errors.Is(err, deparray.ErrEmptyRange) {
					// Bindings outside the declared ranges are discarded;
					// the program's guards are expected to avoid them.
					e.unreachable.Add(1)
					e.met.RecordUnreachable()
					continue
				}
				return nil, rterrors.WithCause(rterrors.ErrorCodeInvalidProgram,
					"dependency array of "+dc.Name, err)
			}

			rank, err := dc.OwnerRank(dstVals, e.globals)
			if err != nil {
				return nil, rterrors.WithCause(rterrors.ErrorCodeInvalidProgram,
					"affinity of "+dc.Name, err)
			}

			if rank == e.rank {
				if actions&ReleaseLocal == 0 {
					continue
				}
				e.markLocal(dc, dstVals, leaf, edge.DstInput, tc.Out[j])
				e.met.RecordRelease(false)
				continue
			}

			if actions&ReleaseRemote == 0 {
				continue
			}
			if agg == nil {
				if e.agent == nil {
					return nil, rterrors.New(rterrors.ErrorCodeTransportFailure,
						"remote destination from "+tc.String()+" but no agent is running")
				}
				agg = e.agent.NewSendDeps()
				agg.Msg.Class = int32(cls.Index)
				agg.Msg.Locals = make([]int32, len(tc.Locals))
				for i, v := range tc.Locals {
					agg.Msg.Locals[i] = int32(v)
				}
			}
			agg.AddRemote(j, rank, tc.Out[j], p.Type)
		}
	}

	if agg != nil {
		if agg.OutputCount > 0 {
			for _, r := range agg.Ranks() {
				e.agent.PostActivate(r, agg)
				e.met.RecordRelease(true)
			}
		} else {
			e.agent.DropSendDeps(agg)
		}
	}
	return nil, nil
}

// markLocal applies the initial-IN contributions exactly once, then marks
// the edge's dependency bit. Only the marking that sets the last expected
// bit observes readiness; that instance is enqueued, never run inline.
func (e *Engine) markLocal(dc *graph.Class, dstVals []int, leaf deparray.Leaf, input int, payload *tile.Tile) {
	if leaf.SetInit() {
		if im := dc.InitialMask(); im != 0 {
			leaf.Mark(im)
		}
	}
	if payload != nil {
		e.parkInput(dc, dstVals, input, payload)
	}
	bit := uint32(1) << uint(input)
	prior := leaf.Mark(bit)
	if prior&bit == 0 && deparray.Ready(prior|bit, dc.ExpectedMask()) {
		e.enqueueReady(dc, dstVals)
	}
}

// releaseRemote feeds a completed inbound rendezvous back into the local
// release engine: the producer's context is reconstructed from the wire
// activation and its arrived outputs are released as if it had run here.
func (e *Engine) releaseRemote(deps *remote.Deps) error {
	cls := e.reg.ElementAt(int(deps.Msg.Class))
	vals := make([]int, len(deps.Msg.Locals))
	for i, v := range deps.Msg.Locals {
		vals[i] = int(v)
	}
	tc := graph.NewContext(cls, vals)
	for k := range cls.Outputs {
		if deps.Recv&(1<<uint(k)) != 0 {
			tc.Out[k] = deps.Output[k].Data
		}
	}
	e.log.Debug("remote release", "task", tc.String(), "mask", deps.Recv, "from", deps.From)

	_, err := e.ReleaseDeps(tc, ReleaseLocal|ReleaseRemote, deps.Recv)

	// The aggregator's references on the received tiles are dropped whether
	// or not the release succeeded; consumers took their own.
	for k := range cls.Outputs {
		if deps.Recv&(1<<uint(k)) != 0 && deps.Output[k].Data != nil {
			deps.Output[k].Data.Unref()
		}
	}
	deps.Recycle()
	return err
}
