package engine

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/autograd/internal/device"
	"github.com/born-ml/autograd/internal/graph"
	"github.com/born-ml/autograd/internal/tensor"
)

func TestComputeDependencies_Chain(t *testing.T) {
	c := cpuNode("C", 1)
	b := cpuNode("B", 1, graph.Edge{Node: c, InputNr: 0})
	a := cpuNode("A", 1, graph.Edge{Node: b, InputNr: 0})
	root := graph.NewGraphRoot([]graph.Edge{{Node: a, InputNr: 0}}, nil)

	gt := newGraphTask(false, false, 0, NewReadyQueue())
	computeDependencies(root, gt)

	assert.Equal(t, 1, gt.dependencies[a])
	assert.Equal(t, 1, gt.dependencies[b])
	assert.Equal(t, 1, gt.dependencies[c])
	assert.NotContains(t, gt.dependencies, graph.Node(root))
}

func TestComputeDependencies_Diamond(t *testing.T) {
	a := cpuNode("A", 1)
	b := cpuNode("B", 1, graph.Edge{Node: a, InputNr: 0})
	c := cpuNode("C", 1, graph.Edge{Node: a, InputNr: 0})
	d := cpuNode("D", 1, graph.Edge{Node: b, InputNr: 0}, graph.Edge{Node: c, InputNr: 0})
	root := graph.NewGraphRoot([]graph.Edge{{Node: d, InputNr: 0}}, nil)

	gt := newGraphTask(false, false, 0, NewReadyQueue())
	computeDependencies(root, gt)

	assert.Equal(t, 1, gt.dependencies[d])
	assert.Equal(t, 1, gt.dependencies[b])
	assert.Equal(t, 1, gt.dependencies[c])
	assert.Equal(t, 2, gt.dependencies[a], "A has two predecessors in the reachable sub-graph")
}

func TestInitToExecute_MarksNeededSubgraph(t *testing.T) {
	// Fan: F feeds five sinks; only sinks 0 and 2 are requested.
	sinks := make([]*testNode, 5)
	edges := make([]graph.Edge, 5)
	for i := range sinks {
		sinks[i] = cpuNode("S", 1)
		edges[i] = graph.Edge{Node: sinks[i], InputNr: 0}
	}
	f := cpuNode("F", 1, edges...)
	// A second branch nothing is requested from.
	dead := cpuNode("dead", 1)
	deadMid := cpuNode("deadMid", 1, graph.Edge{Node: dead, InputNr: 0})

	root := graph.NewGraphRoot([]graph.Edge{
		{Node: f, InputNr: 0},
		{Node: deadMid, InputNr: 0},
	}, nil)

	gt := newGraphTask(false, false, 0, NewReadyQueue())
	computeDependencies(root, gt)
	gt.initToExecute(root, []graph.Edge{edges[2], edges[0]})

	require.Len(t, gt.capturedVars, 2)

	assert.True(t, gt.execInfo[graph.Node(root)].needed)
	assert.True(t, gt.execInfo[f].needed, "F feeds captured sinks")
	assert.False(t, gt.execInfo[deadMid].needed)
	assert.False(t, gt.execInfo[dead].needed)

	// The captured sinks should execute (for capture) but are not needed.
	for i, s := range sinks {
		info := gt.execInfo[s]
		require.NotNil(t, info, "sink %d", i)
		assert.False(t, info.needed, "sink %d", i)
		if i == 0 || i == 2 {
			assert.True(t, info.shouldExecute(), "sink %d carries a capture", i)
		} else {
			assert.False(t, info.shouldExecute(), "sink %d", i)
		}
	}

	// Capture bookkeeping: output order is the caller's.
	assert.Equal(t, []capture{{inputIdx: 0, outputIdx: 0}}, gt.execInfo[sinks[2]].captures)
	assert.Equal(t, []capture{{inputIdx: 0, outputIdx: 1}}, gt.execInfo[sinks[0]].captures)
}

func TestGraphTask_Completed(t *testing.T) {
	gt := newGraphTask(false, false, 0, NewReadyQueue())
	assert.True(t, gt.completed(), "no outstanding work")

	gt.outstanding.Add(1)
	assert.False(t, gt.completed())

	// Errors complete the task early only when configured to.
	gt.hasError.Store(true)
	assert.False(t, gt.completed())
	gt.exitOnError = true
	assert.True(t, gt.completed())
}

func TestMarkGraphTaskCompleted_Idempotent(t *testing.T) {
	e := New()
	gt := newGraphTask(false, false, 0, NewReadyQueue())
	gt.capturedVars = []*tensor.RawTensor{scalar64(t, 42, device.CPUDevice)}

	e.markGraphTaskCompleted(gt)
	res, err := gt.fut.Wait()
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, 42.0, value64(t, res[0]))

	// Second call is a no-op.
	e.markGraphTaskCompleted(gt)
	res2, err := gt.fut.Wait()
	require.NoError(t, err)
	assert.Equal(t, res, res2)
}

func TestMarkGraphTaskCompleted_NotReadyIsAnError(t *testing.T) {
	e := New()
	gt := newGraphTask(false, false, 0, NewReadyQueue())
	gt.notReady[cpuNode("stuck", 1)] = NewInputBuffer(1)

	e.markGraphTaskCompleted(gt)
	_, err := gt.fut.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not compute gradients")
}

func TestGraphTask_SetErrorFirstWins(t *testing.T) {
	gt := newGraphTask(false, false, 0, NewReadyQueue())

	first := errors.New("first failure")
	gt.setError(first, nil)
	gt.setError(errors.New("second failure"), nil)

	assert.True(t, gt.hasError.Load())
	_, err := gt.fut.Wait()
	assert.ErrorIs(t, err, first)
}
