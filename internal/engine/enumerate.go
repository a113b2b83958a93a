// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"

	pkgerrors "github.com/pkg/errors"

	"github.com/jontk/ptg-runtime/internal/deparray"
	rterrors "github.com/jontk/ptg-runtime/pkg/errors"
	"github.com/jontk/ptg-runtime/pkg/expr"
	"github.com/jontk/ptg-runtime/pkg/graph"
)

// Enumerate walks the Cartesian product of every class's local ranges,
// prunes instances failing predicates, counts the instances owned by this
// rank and initializes their dependency counters. The returned count is the
// scheduler's stopping condition.
func (e *Engine) Enumerate() (int, error) {
	if !e.reg.Frozen() {
		return 0, rterrors.New(rterrors.ErrorCodeNotInitialized, "registry not frozen before enumeration")
	}
	total := 0
	for i := 0; i < e.reg.Len(); i++ {
		cls := e.reg.ElementAt(i)
		if len(cls.Locals) == 0 {
			return 0, rterrors.Newf(rterrors.ErrorCodeInvalidProgram, "class %s has no locals", cls.Name)
		}
		n, err := e.enumClass(cls, nil)
		if err != nil {
			return 0, pkgerrors.Wrapf(err, "enumerating %s", cls.Name)
		}
		total += n
	}
	e.remaining.Store(int64(total))
	e.log.Info("enumeration complete", "local_tasks", total)
	return total, nil
}

// enumClass recurses over the class's locals in declaration order,
// accumulating the partial assignment in prefix.
func (e *Engine) enumClass(cls *graph.Class, prefix []int) (int, error) {
	level := len(prefix)
	a := cls.Assignment(prefix, e.globals)
	min, max, err := cls.Locals[level].Range(a)
	if err != nil {
		return 0, rterrors.WithCause(rterrors.ErrorCodeInvalidProgram,
			"range of "+cls.Name+"."+cls.Locals[level].Name, err)
	}
	if min > max {
		if level == 0 {
			return 0, rterrors.Newf(rterrors.ErrorCodeInvalidProgram,
				"empty root range [%d,%d] for %s.%s", min, max, cls.Name, cls.Locals[level].Name)
		}
		// A ragged interior slice may legitimately be empty.
		return 0, nil
	}

	count := 0
	vals := make([]int, level+1)
	copy(vals, prefix)
	for v := min; v <= max; v++ {
		vals[level] = v
		pruned, err := e.pruned(cls, vals, level+1 == len(cls.Locals))
		if err != nil {
			return 0, err
		}
		if pruned {
			continue
		}
		if level+1 < len(cls.Locals) {
			n, err := e.enumClass(cls, vals)
			if err != nil {
				return 0, err
			}
			count += n
			continue
		}
		n, err := e.visitLeaf(cls, vals)
		if err != nil {
			return 0, err
		}
		count += n
	}
	return count, nil
}

// pruned evaluates the class guards under the partial assignment. At
// interior levels a guard that still references unbound locals is deferred;
// at the leaf every guard must evaluate.
func (e *Engine) pruned(cls *graph.Class, vals []int, leaf bool) (bool, error) {
	a := cls.Assignment(vals, e.globals)
	for _, g := range cls.Guards {
		ok, err := expr.EvalPredicate(g, a)
		if err != nil {
			if !leaf && errors.Is(err, expr.ErrUndefinedSymbol) {
				continue
			}
			return false, rterrors.WithCause(rterrors.ErrorCodeInvalidProgram,
				"guard of "+cls.Name, err)
		}
		if !ok {
			return true, nil
		}
	}
	return false, nil
}

// visitLeaf accounts for one valid instance: instances owned by this rank
// are counted, their counters initialized, and those with no pending
// producers seeded onto the ready queue.
func (e *Engine) visitLeaf(cls *graph.Class, vals []int) (int, error) {
	rank, err := cls.OwnerRank(vals, e.globals)
	if err != nil {
		return 0, rterrors.WithCause(rterrors.ErrorCodeInvalidProgram, "affinity of "+cls.Name, err)
	}
	if rank != e.rank {
		return 0, nil
	}

	leaf, err := cls.Deps.Lookup(vals, cls.RangeFn(e.globals))
	if err != nil {
		if errors.Is(err, deparray.ErrEmptyRange) || errors.Is(err, deparray.ErrUnreachable) {
			return 0, rterrors.Newf(rterrors.ErrorCodeInvalidProgram,
				"instance %v of %s outside its own declared ranges", vals, cls.Name)
		}
		return 0, err
	}
	if leaf.SetInit() {
		im := cls.InitialMask()
		if im != 0 {
			leaf.Mark(im)
		}
		// Enumeration precedes execution, so the instance is ready now iff
		// every input is satisfied by the initial contributions.
		if im == cls.ExpectedMask() {
			e.enqueueReady(cls, vals)
		}
	}
	return 1, nil
}
