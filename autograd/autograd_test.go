package autograd_test

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/autograd/autograd"
	"github.com/born-ml/autograd/device"
	"github.com/born-ml/autograd/graph"
	"github.com/born-ml/autograd/tensor"
)

// scaleNode multiplies its input gradient by a factor on every outgoing edge.
type scaleNode struct {
	graph.NodeBase
	factor float64
}

func newScaleNode(factor float64, nexts ...graph.Edge) *scaleNode {
	n := &scaleNode{factor: factor}
	n.AddInputMetadata(graph.InputMetadata{
		Shape:  tensor.Shape{1},
		DType:  tensor.Float64,
		Device: device.CPUDevice,
	})
	n.SetNextEdges(nexts)
	return n
}

func (n *scaleNode) Name() string { return "Scale" }

func (n *scaleNode) Apply(_ context.Context, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	outputs := make([]*tensor.RawTensor, len(n.NextEdges()))
	for i := range outputs {
		out, err := tensor.NewRaw(inputs[0].Shape(), tensor.Float64, inputs[0].Device())
		if err != nil {
			return nil, err
		}
		src := inputs[0].AsFloat64()
		dst := out.AsFloat64()
		for j := range src {
			dst[j] = src[j] * n.factor
		}
		outputs[i] = out
	}
	return outputs, nil
}

func TestPublicAPI_BackwardThroughChain(t *testing.T) {
	value, err := tensor.FromFloat64([]float64{0}, tensor.Shape{1}, device.CPUDevice)
	require.NoError(t, err)
	leaf := graph.NewLeaf("x", value)

	inner := newScaleNode(3, leaf.GradEdge(nil))
	outer := newScaleNode(2, graph.Edge{Node: inner, InputNr: 0})

	seed, err := tensor.Ones(tensor.Shape{1}, tensor.Float64, device.CPUDevice)
	require.NoError(t, err)

	eng := autograd.New()
	res, err := eng.Execute(context.Background(),
		[]graph.Edge{{Node: outer, InputNr: 0}},
		[]*tensor.RawTensor{seed},
		false, false, nil)
	require.NoError(t, err)
	assert.Empty(t, res)
	assert.Equal(t, []float64{6}, leaf.Grad().AsFloat64())
}

func TestPublicAPI_RequestedOutputs(t *testing.T) {
	value, err := tensor.FromFloat64([]float64{0}, tensor.Shape{1}, device.CPUDevice)
	require.NoError(t, err)
	leaf := graph.NewLeaf("x", value)

	n := newScaleNode(5, leaf.GradEdge(nil))
	seed, err := tensor.Ones(tensor.Shape{1}, tensor.Float64, device.CPUDevice)
	require.NoError(t, err)

	res, err := autograd.New().Execute(context.Background(),
		[]graph.Edge{{Node: n, InputNr: 0}},
		[]*tensor.RawTensor{seed},
		false, false,
		[]graph.Edge{leaf.GradEdge(nil)})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, []float64{5}, res[0].AsFloat64())
	assert.Nil(t, leaf.Grad(), "requested outputs are captured, not accumulated")
}

func TestPublicAPI_AnomalyMode(t *testing.T) {
	autograd.EnableAnomalyMode()
	defer autograd.DisableAnomalyMode()
	require.True(t, autograd.AnomalyModeEnabled())

	nan := &nanNode{}
	nan.AddInputMetadata(graph.InputMetadata{
		Shape:  tensor.Shape{1},
		DType:  tensor.Float64,
		Device: device.CPUDevice,
	})
	sink := newScaleNode(1)
	nan.SetNextEdges([]graph.Edge{{Node: sink, InputNr: 0}})

	seed, err := tensor.Ones(tensor.Shape{1}, tensor.Float64, device.CPUDevice)
	require.NoError(t, err)

	_, err = autograd.New().Execute(context.Background(),
		[]graph.Edge{{Node: nan, InputNr: 0}},
		[]*tensor.RawTensor{seed},
		false, false, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nan values")
}

type nanNode struct {
	graph.NodeBase
}

func (n *nanNode) Name() string { return "NaNProducer" }

func (n *nanNode) Apply(_ context.Context, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	out, err := tensor.Full(inputs[0].Shape(), tensor.Float64, inputs[0].Device(), 1)
	if err != nil {
		return nil, err
	}
	data := out.AsFloat64()
	for i := range data {
		data[i] = math.NaN()
	}
	return []*tensor.RawTensor{out}, nil
}
