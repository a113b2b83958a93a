// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package ptg

import (
	"github.com/jontk/ptg-runtime/pkg/comm"
	"github.com/jontk/ptg-runtime/pkg/logging"
	"github.com/jontk/ptg-runtime/pkg/metrics"
)

// Option customizes a Runtime.
type Option func(*Runtime)

// WithLogger sets the runtime's logger.
func WithLogger(log logging.Logger) Option {
	return func(r *Runtime) { r.log = log }
}

// WithMetrics sets the runtime's metrics collector.
func WithMetrics(met metrics.Collector) Option {
	return func(r *Runtime) { r.met = met }
}

// WithCommunicator injects a communicator, bypassing the WebSocket mesh.
// Tests use this with a loopback mesh.
func WithCommunicator(c comm.Communicator) Option {
	return func(r *Runtime) { r.comm = c }
}
