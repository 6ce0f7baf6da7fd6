package graph

import (
	"context"
	"sync"

	"github.com/born-ml/autograd/internal/device"
	"github.com/born-ml/autograd/internal/tensor"
)

// Leaf is a differentiable leaf value: a tensor the caller owns, whose
// gradient is delivered as a side effect of the backward pass via an
// AccumulateGrad node.
type Leaf struct {
	name  string
	value *tensor.RawTensor

	mu   sync.Mutex
	grad *tensor.RawTensor

	accOnce sync.Once
	acc     *AccumulateGrad
}

// NewLeaf creates a named leaf holding value.
func NewLeaf(name string, value *tensor.RawTensor) *Leaf {
	return &Leaf{name: name, value: value}
}

// Name returns the leaf's name.
func (l *Leaf) Name() string {
	return l.name
}

// Value returns the leaf's tensor.
func (l *Leaf) Value() *tensor.RawTensor {
	return l.value
}

// Grad returns the accumulated gradient, or nil if none arrived yet.
func (l *Leaf) Grad() *tensor.RawTensor {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.grad
}

// ZeroGrad clears the accumulated gradient.
func (l *Leaf) ZeroGrad() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.grad = nil
}

// accumulate sums g into the stored gradient.
func (l *Leaf) accumulate(g *tensor.RawTensor) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.grad == nil {
		l.grad = g
		return nil
	}
	sum, err := tensor.Accumulate(l.grad, g)
	if err != nil {
		return err
	}
	l.grad = sum
	return nil
}

// GradEdge returns the edge pointing at the leaf's AccumulateGrad node,
// creating the node on first use.
func (l *Leaf) GradEdge(stream device.Stream) Edge {
	l.accOnce.Do(func() {
		l.acc = newAccumulateGrad(l, stream)
	})
	return Edge{Node: l.acc, InputNr: 0}
}

// AccumulateGrad is the terminal node for a leaf: arity one, no outgoing
// edges, and a backward that folds the incoming gradient into the leaf.
type AccumulateGrad struct {
	NodeBase
	leaf *Leaf
}

func newAccumulateGrad(l *Leaf, stream device.Stream) *AccumulateGrad {
	a := &AccumulateGrad{leaf: l}
	a.AddInputMetadata(InputMetadata{
		Shape:  l.value.Shape(),
		DType:  l.value.DType(),
		Device: l.value.Device(),
	})
	if stream != nil {
		a.SetStream(stream)
	}
	return a
}

// Name implements Node.
func (a *AccumulateGrad) Name() string {
	return "AccumulateGrad(" + a.leaf.name + ")"
}

// Apply folds the incoming gradient into the leaf and produces no outputs.
func (a *AccumulateGrad) Apply(_ context.Context, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) > 0 && inputs[0].Defined() {
		if err := a.leaf.accumulate(inputs[0]); err != nil {
			return nil, err
		}
	}
	return nil, nil
}
