// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package ptg is a distributed-memory task scheduling runtime for
// parameterized task graphs. A program is a collection of named task
// classes, each with symbolic index ranges, guards, parameters and a
// compute hook; the runtime enumerates the concrete instances, schedules
// ready instances across a pool of workers on each rank, and exchanges the
// outputs of cross-rank edges through a three-phase ACTIVATE / GET / PUT
// rendezvous.
//
// A minimal single-rank run:
//
//	cfg := config.NewDefault()
//	rt, err := ptg.New(cfg)
//	if err != nil { ... }
//	defer rt.Close()
//
//	rt.AssignGlobal("N", 4)
//	if err := rt.Load(program); err != nil { ... }
//	n, err := rt.Enumerate()
//	if err != nil { ... }
//	if err := rt.Run(ctx); err != nil { ... }
//
// Multi-rank runs additionally configure a listen address and a peer table
// (or inject a Communicator); every rank loads the same program and the
// data descriptors decide which rank owns which instance.
package ptg
