// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package graph exposes the autograd graph surface: the Node interface for
// backward functions, edges between them, and the built-in GraphRoot and
// AccumulateGrad nodes.
//
// A backward function implements Node (usually by embedding NodeBase and
// providing Name and Apply); the engine traverses NextEdges, validates
// gradients against InputMetadata and invokes Apply at most once per
// backward pass.
//
// Example:
//
//	type mulBackward struct {
//	    graph.NodeBase
//	    other *tensor.RawTensor
//	}
//
//	func (m *mulBackward) Name() string { return "MulBackward" }
//
//	func (m *mulBackward) Apply(ctx context.Context, grads []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
//	    // one output gradient per outgoing edge
//	    ...
//	}
package graph

import (
	"github.com/born-ml/autograd/internal/graph"
)

// Node is a backward function in the autograd graph.
type Node = graph.Node

// Edge points at one input slot of a successor node.
type Edge = graph.Edge

// InputMetadata describes one input slot of a node.
type InputMetadata = graph.InputMetadata

// NodeBase carries the bookkeeping shared by all nodes; embed it and
// implement Name and Apply.
type NodeBase = graph.NodeBase

// Metadata holds the forward traceback recorded for anomaly detection.
type Metadata = graph.Metadata

// PreHook transforms input gradients before a node's backward runs.
type PreHook = graph.PreHook

// PostHook transforms output gradients after a node's backward ran.
type PostHook = graph.PostHook

// GraphRoot is the synthetic node a backward pass starts from.
type GraphRoot = graph.GraphRoot

// NewGraphRoot builds the root node for one backward invocation.
var NewGraphRoot = graph.NewGraphRoot

// Leaf is a differentiable leaf value whose gradient arrives as a side
// effect of the backward pass.
type Leaf = graph.Leaf

// NewLeaf creates a named leaf holding a value.
var NewLeaf = graph.NewLeaf

// AccumulateGrad is the terminal node folding gradients into a Leaf.
type AccumulateGrad = graph.AccumulateGrad
