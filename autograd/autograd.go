// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package autograd exposes the reverse-mode autodiff execution engine.
//
// The engine evaluates the gradients of a backward graph: the caller hands
// it root edges plus seed gradients, and the engine traverses the graph in
// reverse topological order across per-device workers, accumulating each
// node's input gradients and invoking its backward exactly once.
//
// Example:
//
//	eng := autograd.GetDefaultEngine()
//	grads, err := eng.Execute(context.Background(),
//	    []graph.Edge{{Node: lossBackward, InputNr: 0}}, // roots
//	    []*tensor.RawTensor{seed},                      // seed gradients
//	    false, // keepGraph
//	    false, // createGraph
//	    []graph.Edge{leafX.GradEdge(nil)},              // requested outputs
//	)
//
// A backward function may call Execute again through the context it
// received (reentrant backward); the engine keeps its workers live and
// off-loads overly deep nests to a dedicated pool.
package autograd

import (
	"github.com/born-ml/autograd/internal/engine"
)

// Engine owns the per-device ready queues and the reentrant worker pool and
// exposes Execute.
type Engine = engine.Engine

// New creates a fresh engine. Most callers want GetDefaultEngine.
var New = engine.New

// Factory produces the process-default engine.
type Factory = engine.Factory

// SetDefaultEngineFactory installs the factory GetDefaultEngine uses.
var SetDefaultEngineFactory = engine.SetDefaultEngineFactory

// GetDefaultEngine returns the process-default engine.
var GetDefaultEngine = engine.GetDefaultEngine

// GradEnabled reports whether backwards should record a gradient graph of
// their own (the driving Execute had createGraph set).
var GradEnabled = engine.GradEnabled

// IsCheckpointValid reports whether the current stack of engine invocations
// has been purely imperative.
var IsCheckpointValid = engine.IsCheckpointValid

// EnableAnomalyMode turns on NaN detection for backward outputs.
var EnableAnomalyMode = engine.EnableAnomalyMode

// DisableAnomalyMode turns NaN detection back off.
var DisableAnomalyMode = engine.DisableAnomalyMode

// AnomalyModeEnabled reports whether anomaly detection is on.
var AnomalyModeEnabled = engine.AnomalyModeEnabled

// GraphTask is the shared state of one backward invocation.
type GraphTask = engine.GraphTask

// NodeTask is a unit of engine work, exposed for external dispatchers using
// Engine.EnqueueBlockedTaskOnCPU.
type NodeTask = engine.NodeTask

// NewNodeTask builds a task for external dispatch.
var NewNodeTask = engine.NewNodeTask

// InputBuffer accumulates gradient contributions for one node.
type InputBuffer = engine.InputBuffer

// NewInputBuffer creates a buffer with the given number of input slots.
var NewInputBuffer = engine.NewInputBuffer
