// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jontk/ptg-runtime/pkg/expr"
	"github.com/jontk/ptg-runtime/pkg/tile"
)

// constDesc owns everything on one rank.
type constDesc struct{ rank int }

func (d constDesc) RankOf(key ...int) int       { return d.rank }
func (d constDesc) DataOf(key ...int) *tile.Tile { return nil }

func testClass(name string, nLocals int) *Class {
	c := &Class{Name: name}
	names := []string{"i", "j", "k"}
	for l := 0; l < nLocals; l++ {
		c.Locals = append(c.Locals, expr.Symbol{
			Name: names[l],
			Lo:   expr.Const(0),
			Hi:   expr.Const(3),
		})
	}
	return c
}

func TestContextFormat(t *testing.T) {
	c := testClass("GEMM", 3)
	tc := NewContext(c, []int{1, 2, 3})

	assert.Equal(t, "GEMM(1,2,3)", tc.String())

	buf := make([]byte, 64)
	n := tc.Format(buf)
	assert.Equal(t, "GEMM(1,2,3)", string(buf[:n]))
}

func TestContextFormatTruncates(t *testing.T) {
	c := testClass("POTRF", 1)
	tc := NewContext(c, []int{12})

	buf := make([]byte, 4)
	n := tc.Format(buf)
	assert.Equal(t, 4, n)
	assert.Equal(t, "POTR", string(buf[:n]))
}

func TestFormatDependency(t *testing.T) {
	src := NewContext(testClass("A", 1), []int{0})
	dst := NewContext(testClass("B", 2), []int{1, 2})

	buf := make([]byte, 64)
	n := FormatDependency(buf, src, dst)
	assert.Equal(t, "A(0)->B(1,2)", string(buf[:n]))
}

func TestContextEqual(t *testing.T) {
	c := testClass("T", 2)
	a := NewContext(c, []int{1, 2})
	b := NewContext(c, []int{1, 2})
	d := NewContext(c, []int{1, 3})

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(d))
	assert.False(t, a.Equal(NewContext(testClass("U", 2), []int{1, 2})))
}

func TestRegistryOrderAndLookup(t *testing.T) {
	r := NewRegistry()

	a := r.Register(testClass("A", 1))
	b := r.Register(testClass("B", 1))

	assert.Equal(t, 0, a.Index)
	assert.Equal(t, 1, b.Index)
	assert.Equal(t, 2, r.Len())
	assert.Same(t, a, r.Find("A"))
	assert.Same(t, b, r.ElementAt(1))
	assert.Nil(t, r.Find("C"))
}

func TestRegistryFindOrCreate(t *testing.T) {
	r := NewRegistry()
	a := r.FindOrCreate("A")
	again := r.FindOrCreate("A")
	assert.Same(t, a, again)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryFreeze(t *testing.T) {
	r := NewRegistry()
	c := r.Register(testClass("A", 2))
	require.Nil(t, c.Deps)

	r.Freeze()
	assert.True(t, r.Frozen())
	assert.NotNil(t, c.Deps, "freeze installs the dependency array root")

	assert.Panics(t, func() { r.Register(testClass("B", 1)) })
}

func TestRegistryDuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.Register(testClass("A", 1))
	assert.Panics(t, func() { r.Register(testClass("A", 1)) })
}

func TestExpectedAndInitialMasks(t *testing.T) {
	c := testClass("T", 1)
	c.Inputs = []*Param{
		{Name: "a", Mode: Read},
		{Name: "b", Mode: Read, Initial: true},
		{Name: "c", Mode: ReadWrite},
	}
	assert.Equal(t, uint32(0b111), c.ExpectedMask())
	assert.Equal(t, uint32(0b010), c.InitialMask())
}

func TestClassValid(t *testing.T) {
	c := testClass("T", 2)
	c.Guards = []expr.Expr{
		expr.Le(expr.Ref("i"), expr.Ref("j")),
		expr.Eq(expr.Mod(expr.Ref("i"), expr.Const(2)), expr.Const(0)),
	}

	ok, err := c.Valid([]int{2, 3}, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Valid([]int{3, 3}, nil)
	require.NoError(t, err)
	assert.False(t, ok, "odd i fails the second guard")

	ok, err = c.Valid([]int{2, 1}, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOwnerRank(t *testing.T) {
	c := testClass("T", 1)
	c.Affinity = &Affinity{Desc: constDesc{rank: 2}, Keys: []expr.Expr{expr.Ref("i")}}

	rank, err := c.OwnerRank([]int{1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, rank)
}

func TestRangeFnFollowsDeclarationOrder(t *testing.T) {
	c := &Class{
		Name: "TRI",
		Locals: []expr.Symbol{
			{Name: "i", Lo: expr.Const(0), Hi: expr.Const(3)},
			{Name: "j", Lo: expr.Ref("i"), Hi: expr.Const(3)},
		},
	}
	rf := c.RangeFn(nil)

	min, max, err := rf(0, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, min)
	assert.Equal(t, 3, max)

	min, max, err = rf(1, []int{2})
	require.NoError(t, err)
	assert.Equal(t, 2, min)
	assert.Equal(t, 3, max)
}
