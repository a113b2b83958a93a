// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/jontk/ptg-runtime/pkg/expr"
	"github.com/jontk/ptg-runtime/pkg/tile"
)

// AccessMode describes how a parameter touches its data.
type AccessMode int

const (
	// Read marks an input-only parameter.
	Read AccessMode = iota

	// Write marks an output-only parameter.
	Write

	// ReadWrite marks a parameter that is both consumed and produced.
	ReadWrite
)

// DataType is the opaque datatype handle carried by a parameter. The wire
// protocol only needs its size; the name shows up in logs.
type DataType struct {
	Name string
	Size int
}

// Param is a named input or output of a task class.
type Param struct {
	// Name identifies the parameter within its class.
	Name string

	// Mode is the access mode.
	Mode AccessMode

	// Type is the payload datatype of this parameter.
	Type DataType

	// Edges lists the destination edges of an output parameter, in
	// declaration order. Empty for inputs.
	Edges []*Edge

	// Initial marks an input satisfied directly from a data descriptor; its
	// dependency bit is applied exactly once by the init step, never by a
	// producing task.
	Initial bool

	// Source locates the parameter's data in a descriptor. An input that
	// received no tile from a producer reads from it; an output writes into
	// it instead of a scratch tile from the pool.
	Source *Affinity
}

// Edge is a static relation from one class's output parameter to another
// class's input parameter, conditioned by a guard and re-mapped by a
// binding.
type Edge struct {
	// Guard must evaluate non-zero under the source instance's locals for
	// the edge to fire. Nil means always.
	Guard expr.Expr

	// Dst is the destination class.
	Dst *Class

	// DstInput is the index of the destination input parameter; it is the
	// dependency bit this edge sets.
	DstInput int

	// Binding maps the destination locals as expressions over the source
	// locals, one per destination local.
	Binding []expr.Expr
}

// DataDesc exposes the placement and storage of distributed data. It is an
// external collaborator: the runtime only ever asks which rank owns a key
// and for the tile behind a key.
type DataDesc interface {
	// RankOf returns the rank owning the data identified by key.
	RankOf(key ...int) int

	// DataOf returns the tile identified by key. Only meaningful on the
	// owning rank.
	DataOf(key ...int) *tile.Tile
}

// Affinity binds a class or parameter to a data descriptor through key
// expressions over the instance's locals.
type Affinity struct {
	Desc DataDesc
	Keys []expr.Expr
}

// Key evaluates the affinity key under the instance's locals.
func (af *Affinity) Key(c *Class, vals []int, globals map[string]int) ([]int, error) {
	a := c.Assignment(vals, globals)
	key := make([]int, len(af.Keys))
	for i, e := range af.Keys {
		v, err := e.Eval(a)
		if err != nil {
			return nil, err
		}
		key[i] = v
	}
	return key, nil
}
