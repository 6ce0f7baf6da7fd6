package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/autograd/internal/backend/sim"
	"github.com/born-ml/autograd/internal/device"
	"github.com/born-ml/autograd/internal/graph"
	"github.com/born-ml/autograd/internal/tensor"
)

// Shared runtimes for the whole package: a simulated CUDA runtime with two
// devices, and a spy Metal runtime recording event traffic. The registry is
// process-global, so registration happens once.
var (
	runtimesOnce sync.Once
	simRT        *sim.Runtime
	spyRT        *spyRuntime
)

func setupRuntimes() {
	runtimesOnce.Do(func() {
		simRT = sim.Register(device.CUDA, 2, 3)
		spyRT = newSpyRuntime()
		device.Register(device.Metal, spyRT)
	})
}

// testNode is a scripted backward function. By default it multiplies its
// single input gradient by factor and emits the product on every outgoing
// edge; applyFn overrides that. It tracks invocation and overlap counts.
type testNode struct {
	graph.NodeBase
	name    string
	factor  float64
	applyFn func(ctx context.Context, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error)

	calls    atomic.Int32
	running  atomic.Int32
	overlaps atomic.Int32

	mu        sync.Mutex
	lastInput *tensor.RawTensor
}

func (n *testNode) Name() string { return n.name }

func (n *testNode) Apply(ctx context.Context, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if n.running.Add(1) != 1 {
		n.overlaps.Add(1)
	}
	defer n.running.Add(-1)
	n.calls.Add(1)

	if len(inputs) > 0 {
		n.mu.Lock()
		n.lastInput = inputs[0]
		n.mu.Unlock()
	}

	if n.applyFn != nil {
		return n.applyFn(ctx, inputs)
	}

	if len(n.NextEdges()) == 0 {
		return nil, nil
	}
	if len(inputs) == 0 || !inputs[0].Defined() {
		return nil, errors.Errorf("%s: undefined input gradient", n.name)
	}
	outputs := make([]*tensor.RawTensor, len(n.NextEdges()))
	for i := range outputs {
		outputs[i] = scaled(inputs[0], n.factor)
	}
	return outputs, nil
}

func (n *testNode) input(t *testing.T) *tensor.RawTensor {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotNil(t, n.lastInput)
	return n.lastInput
}

// newTestNode builds a float64 node of arity one on dev with the given
// outgoing edges.
func newTestNode(name string, factor float64, shape tensor.Shape, dev device.Device, nexts ...graph.Edge) *testNode {
	n := &testNode{name: name, factor: factor}
	n.AddInputMetadata(graph.InputMetadata{Shape: shape, DType: tensor.Float64, Device: dev})
	n.SetNextEdges(nexts)
	return n
}

func cpuNode(name string, factor float64, nexts ...graph.Edge) *testNode {
	return newTestNode(name, factor, tensor.Shape{1}, device.CPUDevice, nexts...)
}

// scaled returns g*f as a fresh float64 tensor on g's device.
func scaled(g *tensor.RawTensor, f float64) *tensor.RawTensor {
	out, err := tensor.NewRaw(g.Shape(), tensor.Float64, g.Device())
	if err != nil {
		panic(err)
	}
	src := g.AsFloat64()
	dst := out.AsFloat64()
	for i := range src {
		dst[i] = src[i] * f
	}
	return out
}

func scalar64(t *testing.T, v float64, dev device.Device) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.FromFloat64([]float64{v}, tensor.Shape{1}, dev)
	require.NoError(t, err)
	return r
}

func value64(t *testing.T, r *tensor.RawTensor) float64 {
	t.Helper()
	require.NotNil(t, r)
	return r.AsFloat64()[0]
}

// spyRuntime is a device.Runtime whose streams run work inline and whose
// events record every Record/Block call.
type spyRuntime struct {
	mu      sync.Mutex
	current *spyStream
	def     *spyStream
	events  []*spyEvent
}

func newSpyRuntime() *spyRuntime {
	rt := &spyRuntime{}
	rt.def = &spyStream{id: 0}
	rt.current = rt.def
	return rt
}

func (rt *spyRuntime) reset() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.events = nil
	rt.current = rt.def
}

func (rt *spyRuntime) recordedEvents() []*spyEvent {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]*spyEvent(nil), rt.events...)
}

func (rt *spyRuntime) stream(id int) *spyStream {
	return &spyStream{id: id}
}

func (rt *spyRuntime) DeviceCount() int { return 1 }
func (rt *spyRuntime) SetDevice(int)    {}

func (rt *spyRuntime) CurrentStream(int) device.Stream {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.current
}

func (rt *spyRuntime) SetCurrentStream(s device.Stream) device.Stream {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	prev := rt.current
	rt.current = s.(*spyStream)
	return prev
}

func (rt *spyRuntime) DefaultStream(int) device.Stream { return rt.def }

func (rt *spyRuntime) NewEvent() device.Event {
	ev := &spyEvent{}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.events = append(rt.events, ev)
	return ev
}

type spyStream struct {
	id int
}

func (s *spyStream) Device() device.Device { return device.Device{Type: device.Metal, Index: 0} }
func (s *spyStream) ID() int               { return s.id }
func (s *spyStream) Run(fn func())         { fn() }
func (s *spyStream) Synchronize()          {}

type spyEvent struct {
	mu         sync.Mutex
	recordedOn device.Stream
	blockedOn  []device.Stream
}

func (e *spyEvent) Record(s device.Stream) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recordedOn = s
}

func (e *spyEvent) Block(s device.Stream) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.blockedOn = append(e.blockedOn, s)
}

func (e *spyEvent) Synchronize() {}
