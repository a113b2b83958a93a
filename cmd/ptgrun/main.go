// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Command ptgrun runs a small built-in task graph, a pipeline of dependent
// instances, and prints a run summary. It exists to smoke-test a runtime
// build and to show the minimal wiring a program needs.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	ptg "github.com/jontk/ptg-runtime"
	"github.com/jontk/ptg-runtime/pkg/config"
	"github.com/jontk/ptg-runtime/pkg/expr"
	"github.com/jontk/ptg-runtime/pkg/graph"
	"github.com/jontk/ptg-runtime/pkg/tile"
)

// localDesc owns every key on rank 0 and backs each key with one tile.
type localDesc struct {
	tiles map[int]*tile.Tile
	size  int
}

func newLocalDesc(size int) *localDesc {
	return &localDesc{tiles: make(map[int]*tile.Tile), size: size}
}

func (d *localDesc) RankOf(key ...int) int { return 0 }

func (d *localDesc) DataOf(key ...int) *tile.Tile {
	if t, ok := d.tiles[key[0]]; ok {
		return t
	}
	t := tile.New(d.size)
	d.tiles[key[0]] = t
	return t
}

// chainProgram is a pipeline: ROOT(0) seeds STEP(0), and STEP(i) passes a
// running sum to STEP(i+1) while i < N-1.
type chainProgram struct {
	desc *localDesc
}

func (p *chainProgram) LoadObjects(reg *graph.Registry) error {
	sum := graph.DataType{Name: "sum", Size: 8}
	aff := func(keys ...expr.Expr) *graph.Affinity {
		return &graph.Affinity{Desc: p.desc, Keys: keys}
	}

	step := &graph.Class{
		Name: "STEP",
		Locals: []expr.Symbol{
			{Name: "i", Lo: expr.Const(0), Hi: expr.Sub(expr.Ref("N"), expr.Const(1))},
		},
		Affinity: aff(expr.Ref("i")),
	}
	stepIn := &graph.Param{Name: "prev", Mode: graph.Read, Type: sum}
	stepOut := &graph.Param{
		Name:   "next",
		Mode:   graph.Write,
		Type:   sum,
		Source: aff(expr.Ref("i")),
		Edges: []*graph.Edge{{
			Guard:    expr.Lt(expr.Ref("i"), expr.Sub(expr.Ref("N"), expr.Const(1))),
			Dst:      step,
			DstInput: 0,
			Binding:  []expr.Expr{expr.Add(expr.Ref("i"), expr.Const(1))},
		}},
	}
	step.Inputs = []*graph.Param{stepIn}
	step.Outputs = []*graph.Param{stepOut}
	step.Hook = func(ctx context.Context, tc *graph.Context) graph.HookStatus {
		sum := binary.LittleEndian.Uint64(tc.In[0].Bytes())
		sum += uint64(tc.Locals[0])
		binary.LittleEndian.PutUint64(tc.Out[0].Bytes(), sum)
		return graph.Done
	}

	root := &graph.Class{
		Name: "ROOT",
		Locals: []expr.Symbol{
			{Name: "r", Lo: expr.Const(0), Hi: expr.Const(0)},
		},
		Affinity: aff(expr.Const(0)),
	}
	rootOut := &graph.Param{
		Name: "seed",
		Mode: graph.Write,
		Type: sum,
		Edges: []*graph.Edge{{
			Dst:      step,
			DstInput: 0,
			Binding:  []expr.Expr{expr.Const(0)},
		}},
	}
	root.Outputs = []*graph.Param{rootOut}
	root.Hook = func(ctx context.Context, tc *graph.Context) graph.HookStatus {
		binary.LittleEndian.PutUint64(tc.Out[0].Bytes(), 0)
		return graph.Done
	}

	reg.Register(root)
	reg.Register(step)
	return nil
}

func main() {
	const n = 16

	cfg := config.NewDefault()
	cfg.Load()

	rt, err := ptg.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ptgrun:", err)
		os.Exit(1)
	}
	defer rt.Close()

	desc := newLocalDesc(8)
	prog := &chainProgram{desc: desc}

	rt.AssignGlobal("N", n)
	if err := rt.Load(prog); err != nil {
		fmt.Fprintln(os.Stderr, "ptgrun:", err)
		os.Exit(1)
	}

	count, err := rt.Enumerate()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ptgrun:", err)
		os.Exit(1)
	}

	if err := rt.Run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "ptgrun:", err)
		os.Exit(1)
	}

	final := binary.LittleEndian.Uint64(desc.DataOf(n - 1).Bytes())
	stats := rt.Stats()

	p := message.NewPrinter(language.English)
	p.Printf("ran %d tasks in %v\n", count, stats.Duration)
	p.Printf("releases: %d local, %d remote\n", stats.LocalReleases, stats.RemoteReleases)
	p.Printf("chain sum: %d\n", final)
}
