// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEval(t *testing.T) {
	a := NewAssignment(map[string]int{"N": 10})
	a.Bind("i", 3)
	a.Bind("j", 4)

	tests := []struct {
		name     string
		expr     Expr
		expected int
	}{
		{"constant", Const(7), 7},
		{"local reference", Ref("i"), 3},
		{"global reference", Ref("N"), 10},
		{"addition", Add(Ref("i"), Ref("j")), 7},
		{"subtraction", Sub(Ref("N"), Const(1)), 9},
		{"multiplication", Mul(Ref("i"), Ref("j")), 12},
		{"division", Div(Ref("N"), Const(3)), 3},
		{"modulo", Mod(Ref("j"), Const(3)), 1},
		{"equal true", Eq(Ref("i"), Const(3)), 1},
		{"equal false", Eq(Ref("i"), Const(4)), 0},
		{"less than", Lt(Ref("i"), Ref("j")), 1},
		{"and", And(Lt(Ref("i"), Ref("j")), Eq(Ref("N"), Const(10))), 1},
		{"or short", Or(Const(0), Const(1)), 1},
		{"not", Not(Const(0)), 1},
		{"nested", Add(Mul(Ref("i"), Const(2)), Mod(Ref("j"), Const(2))), 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := tt.expr.Eval(a)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, v)
		})
	}
}

func TestEvalUndefinedSymbol(t *testing.T) {
	a := NewAssignment(nil)
	_, err := Add(Ref("k"), Const(1)).Eval(a)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUndefinedSymbol)
}

func TestEvalDivisionByZero(t *testing.T) {
	a := NewAssignment(nil)
	_, err := Div(Const(1), Const(0)).Eval(a)
	assert.Error(t, err)

	_, err = Mod(Const(1), Const(0)).Eval(a)
	assert.Error(t, err)
}

func TestBindShadowsGlobal(t *testing.T) {
	a := NewAssignment(map[string]int{"i": 99})
	a.Bind("i", 1)

	v, err := Ref("i").Eval(a)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	a.Unbind("i")
	v, err = Ref("i").Eval(a)
	require.NoError(t, err)
	assert.Equal(t, 99, v)
}

func TestEvalPredicate(t *testing.T) {
	a := NewAssignment(nil)
	a.Bind("i", 2)

	ok, err := EvalPredicate(Eq(Mod(Ref("i"), Const(2)), Const(0)), a)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvalPredicate(Gt(Ref("i"), Const(5)), a)
	require.NoError(t, err)
	assert.False(t, ok)

	// Nil predicate is vacuously true.
	ok, err = EvalPredicate(nil, a)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSymbolRange(t *testing.T) {
	a := NewAssignment(map[string]int{"N": 4})
	a.Bind("i", 2)

	s := &Symbol{Name: "j", Lo: Ref("i"), Hi: Sub(Ref("N"), Const(1))}
	min, max, err := s.Range(a)
	require.NoError(t, err)
	assert.Equal(t, 2, min)
	assert.Equal(t, 3, max)

	// An empty range is representable; callers decide what it means.
	s = &Symbol{Name: "k", Lo: Const(5), Hi: Const(1)}
	min, max, err = s.Range(a)
	require.NoError(t, err)
	assert.Greater(t, min, max)
}

func TestString(t *testing.T) {
	e := Add(Mul(Ref("i"), Const(2)), Const(1))
	assert.Equal(t, "((i*2)+1)", e.String())
	assert.Equal(t, "!x", Not(Ref("x")).String())
}
