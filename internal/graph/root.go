package graph

import (
	"context"

	"github.com/born-ml/autograd/internal/tensor"
)

// Compile-time checks that the built-in nodes implement Node.
var (
	_ Node = (*GraphRoot)(nil)
	_ Node = (*AccumulateGrad)(nil)
)

// GraphRoot is the synthetic node a backward pass starts from: its outgoing
// edges are the caller's root edges and its backward simply hands out the
// seed gradients.
type GraphRoot struct {
	NodeBase
	seeds []*tensor.RawTensor
}

// NewGraphRoot builds the root node for one backward invocation.
func NewGraphRoot(roots []Edge, seeds []*tensor.RawTensor) *GraphRoot {
	r := &GraphRoot{seeds: seeds}
	r.SetNextEdges(roots)
	return r
}

// Name implements Node.
func (r *GraphRoot) Name() string {
	return "GraphRoot"
}

// Apply yields the seed gradients on the root edges.
func (r *GraphRoot) Apply(_ context.Context, _ []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	return r.seeds, nil
}
