// Package graph defines the autograd graph surface the engine executes:
// the Node interface for backward functions, edges between them, and the
// built-in GraphRoot and AccumulateGrad nodes.
//
// Nodes are produced elsewhere (by an op library or a test); the engine only
// traverses NextEdges, checks InputMetadata and invokes Apply.
package graph

import (
	"context"

	"github.com/born-ml/autograd/internal/device"
	"github.com/born-ml/autograd/internal/tensor"
)

// InputMetadata describes one input slot of a node: the shape, dtype and
// device a gradient delivered to that slot must have after validation.
type InputMetadata struct {
	Shape  tensor.Shape
	DType  tensor.DataType
	Device device.Device
}

// PreHook transforms the input gradients before a node's backward runs.
type PreHook func(grads []*tensor.RawTensor) []*tensor.RawTensor

// PostHook transforms the output gradients after a node's backward ran.
// It receives the (pre-hooked) inputs for context.
type PostHook func(outputs, inputs []*tensor.RawTensor) []*tensor.RawTensor

// Node is a backward function in the autograd graph.
//
// Implementations usually embed NodeBase, which provides everything except
// Name and Apply.
type Node interface {
	// Name identifies the node in errors and logs.
	Name() string

	// Apply runs the backward: given gradients for the node's inputs
	// (one per input slot, nil for undefined), it produces one gradient per
	// outgoing edge. The context carries engine worker state; a backward
	// that re-enters the engine must pass it through.
	Apply(ctx context.Context, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error)

	// NumInputs returns the node's arity: the size of its input buffer.
	NumInputs() int

	// NextEdges returns the outgoing edges, one per produced gradient.
	NextEdges() []Edge

	// NextEdge returns the i-th outgoing edge.
	NextEdge(i int) Edge

	// InputMetadata describes input slot i.
	InputMetadata(i int) InputMetadata

	// Stream returns the stream the node ran on during forward for the
	// given device kind, or nil.
	Stream(t device.Type) device.Stream

	// PreHooks and PostHooks return the node's hook chains.
	PreHooks() []PreHook
	PostHooks() []PostHook

	// WillReleaseVariables warns the node that its saved state will be
	// released after this application; ReleaseVariables performs it.
	WillReleaseVariables()
	ReleaseVariables()

	// Metadata returns the node's anomaly metadata, allocating it if needed.
	Metadata() *Metadata
}

// Edge points at one input slot of a successor node. A zero Edge (nil Node)
// is invalid: it marks a position that takes no gradient, and the engine
// discards any gradient produced along it.
type Edge struct {
	Node    Node
	InputNr int
}

// IsValid reports whether the edge points at a node.
func (e Edge) IsValid() bool {
	return e.Node != nil
}
