// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package graph holds the static description of a parameterized task graph:
// task classes with their symbolic locals, guards, parameters and edges, the
// process-wide class registry, and the execution context naming one concrete
// task instance.
package graph

import (
	"context"

	"github.com/jontk/ptg-runtime/internal/deparray"
	"github.com/jontk/ptg-runtime/pkg/expr"
)

// HookStatus is returned by a task body.
type HookStatus int

const (
	// Done means the task completed and its outputs may be released.
	Done HookStatus = iota

	// Again asks the scheduler to requeue the instance.
	Again

	// Error aborts the runtime; hooks never panic across the boundary.
	Error
)

// Hook is an opaque compute body. The runtime never inspects what it does.
type Hook func(ctx context.Context, tc *Context) HookStatus

// Class flags.
const (
	// FlagRemoteIn marks a class with inbound edges from other ranks.
	FlagRemoteIn = 1 << iota

	// FlagRemoteOut marks a class with outbound edges to other ranks.
	FlagRemoteOut

	// FlagStrongRemote marks remote inbound edges counted into the fan-in.
	FlagStrongRemote
)

// Class is the immutable template of a family of task instances. Instances
// are produced by the Cartesian product of the locals' ranges filtered by
// the guards.
type Class struct {
	// Name identifies the class in the registry and in formatted contexts.
	Name string

	// Index is the class's position in the registry, used as the wire
	// class-id.
	Index int

	// Locals are the symbolic index variables, in declaration order. The
	// order defines the indexing order of the dependency array.
	Locals []expr.Symbol

	// Guards must all evaluate non-zero for an instance to be valid.
	Guards []expr.Expr

	// Inputs and Outputs are the class's parameters. An input's position is
	// its dependency bit; an output's position is its slot in activation
	// masks.
	Inputs  []*Param
	Outputs []*Param

	// Hook is the compute body invoked for each ready instance.
	Hook Hook

	// Affinity determines the owner rank of each instance.
	Affinity *Affinity

	// Flags carries the FlagRemote* bits.
	Flags int

	// Deps is the root of the dependency array for instances of this class.
	// It is installed when the registry is frozen.
	Deps *deparray.Array
}

// ExpectedMask returns the activation bitmask of a fully-satisfied instance:
// one bit per input parameter.
func (c *Class) ExpectedMask() uint32 {
	return (1 << uint(len(c.Inputs))) - 1
}

// InitialMask returns the bits of inputs satisfied directly from a data
// descriptor rather than by a producing task.
func (c *Class) InitialMask() uint32 {
	var m uint32
	for i, p := range c.Inputs {
		if p.Initial {
			m |= 1 << uint(i)
		}
	}
	return m
}

// Assignment builds an evaluation assignment binding the class's locals to
// the given values, on top of the provided globals.
func (c *Class) Assignment(vals []int, globals map[string]int) *expr.Assignment {
	a := expr.NewAssignment(globals)
	for i := range c.Locals {
		if i < len(vals) {
			a.Bind(c.Locals[i].Name, vals[i])
		}
	}
	return a
}

// RangeFn returns the deparray range function for this class: level i's
// range is the i-th local's bounds evaluated under the values chosen for the
// earlier locals.
func (c *Class) RangeFn(globals map[string]int) deparray.RangeFn {
	return func(level int, prefix []int) (int, int, error) {
		a := c.Assignment(prefix, globals)
		return c.Locals[level].Range(a)
	}
}

// Valid evaluates all guards of the class under the given values. Guards
// referencing unbound symbols fail with expr.ErrUndefinedSymbol.
func (c *Class) Valid(vals []int, globals map[string]int) (bool, error) {
	a := c.Assignment(vals, globals)
	for _, g := range c.Guards {
		ok, err := expr.EvalPredicate(g, a)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// OwnerRank evaluates the affinity key under the instance's locals and asks
// the data descriptor which rank owns it.
func (c *Class) OwnerRank(vals []int, globals map[string]int) (int, error) {
	key, err := c.Affinity.Key(c, vals, globals)
	if err != nil {
		return 0, err
	}
	return c.Affinity.Desc.RankOf(key...), nil
}
