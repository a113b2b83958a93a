// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package graph

import (
	"strconv"

	"github.com/jontk/ptg-runtime/pkg/tile"
)

// Context identifies one concrete task instance: a class plus an assignment
// of integers to the class's locals. Contexts are small value objects; they
// never own data buffers.
type Context struct {
	Class  *Class
	Locals []int

	// In carries the input tiles of a ready instance, one per input
	// parameter. The tiles are borrowed, not owned.
	In []*tile.Tile

	// Out carries the output tiles the hook writes into, one per output
	// parameter. Borrowed as well.
	Out []*tile.Tile
}

// NewContext builds a context for the given class and local values. The
// values slice is copied.
func NewContext(c *Class, vals []int) *Context {
	locals := make([]int, len(vals))
	copy(locals, vals)
	return &Context{
		Class:  c,
		Locals: locals,
		In:     make([]*tile.Tile, len(c.Inputs)),
		Out:    make([]*tile.Tile, len(c.Outputs)),
	}
}

// Equal reports structural equality: same class and same local values.
func (tc *Context) Equal(other *Context) bool {
	if tc.Class != other.Class || len(tc.Locals) != len(other.Locals) {
		return false
	}
	for i := range tc.Locals {
		if tc.Locals[i] != other.Locals[i] {
			return false
		}
	}
	return true
}

// Format writes "CLASSNAME(l0,l1,...)" into buf, truncating at its length,
// and returns the number of bytes written. The rendering is stable and is
// what logs and tests match on.
func (tc *Context) Format(buf []byte) int {
	return copyTrunc(buf, 0, tc.appendTo(nil))
}

// String renders the context without a caller buffer.
func (tc *Context) String() string {
	return string(tc.appendTo(nil))
}

func (tc *Context) appendTo(dst []byte) []byte {
	dst = append(dst, tc.Class.Name...)
	dst = append(dst, '(')
	for i, v := range tc.Locals {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = strconv.AppendInt(dst, int64(v), 10)
	}
	return append(dst, ')')
}

// FormatDependency writes "SRC(..)->DST(..)" into buf, truncating at its
// length, and returns the number of bytes written.
func FormatDependency(buf []byte, src, dst *Context) int {
	s := src.appendTo(nil)
	s = append(s, "->"...)
	s = dst.appendTo(s)
	return copyTrunc(buf, 0, s)
}

func copyTrunc(dst []byte, off int, src []byte) int {
	n := copy(dst[off:], src)
	return off + n
}
