package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/autograd/internal/device"
	"github.com/born-ml/autograd/internal/graph"
	"github.com/born-ml/autograd/internal/tensor"
)

// Worker device sentinels. Device workers use their device index; the thread
// driving a non-reentrant backward is cpuDevice. A context without worker
// state corresponds to the original's "no device".
const (
	noDevice  = -2
	cpuDevice = -1
)

// maxRecursionDepth bounds how many reentrant backwards may nest on one
// worker before the engine off-loads to the pool instead of growing the
// call stack further.
const maxRecursionDepth = 100

// Engine owns the per-device ready queues and the reentrant worker pool, and
// exposes Execute. Workers are started lazily on the first Execute.
//
// Engines are safe for concurrent use: each non-reentrant Execute gets a
// private CPU queue so concurrent backwards only share the per-device queues.
// A reentrant Execute reuses the queue of the worker it runs on.
type Engine struct {
	startOnce    sync.Once
	deviceQueues []*ReadyQueue
	stopping     atomic.Bool

	poolMu          sync.Mutex
	poolWork        *sync.Cond
	poolQueue       []weak.Pointer[GraphTask]
	poolIdleWorkers int

	cbMu      sync.Mutex
	callbacks []func()
}

// New creates an engine. Most callers want GetDefaultEngine.
func New() *Engine {
	e := &Engine{}
	e.poolWork = sync.NewCond(&e.poolMu)
	return e
}

// Factory produces the process-default engine. Front-ends install their own
// via SetDefaultEngineFactory before the first GetDefaultEngine call.
type Factory func() *Engine

var (
	baseOnce   sync.Once
	baseEngine *Engine

	defaultFactory atomic.Value // Factory
)

func baseFactory() *Engine {
	baseOnce.Do(func() { baseEngine = New() })
	return baseEngine
}

// SetDefaultEngineFactory installs the factory GetDefaultEngine uses.
func SetDefaultEngineFactory(f Factory) {
	defaultFactory.Store(f)
}

// GetDefaultEngine returns the process-default engine.
func GetDefaultEngine() *Engine {
	if f, ok := defaultFactory.Load().(Factory); ok && f != nil {
		return f()
	}
	return baseFactory()
}

// Execute runs a backward pass: starting from the root edges with the given
// seed gradients, it evaluates every needed node and returns one gradient
// per requested output edge, in the caller's order. With no outputs it
// returns an empty slice and gradients reach leaves through AccumulateGrad
// side effects.
//
// keepGraph prevents nodes from releasing saved state after running;
// createGraph asks backwards to record a graph of their own (exposed to them
// via GradEnabled). Execute blocks until completion or the first error.
//
// Calling Execute from inside a backward (passing through the ctx the
// backward received) is a reentrant call: the current worker keeps draining
// work while the nested task runs, and beyond maxRecursionDepth the nested
// task moves to the reentrant pool.
func (e *Engine) Execute(ctx context.Context, roots []graph.Edge, seeds []*tensor.RawTensor, keepGraph, createGraph bool, outputs []graph.Edge) ([]*tensor.RawTensor, error) {
	grads := append([]*tensor.RawTensor(nil), seeds...)
	if err := validateOutputs(roots, grads, func(msg string) string { return msg }); err != nil {
		return nil, err
	}

	// Callbacks are only valid for the duration of this run.
	e.clearCallbacks()
	defer e.clearCallbacks()

	ws := workerStateFrom(ctx)
	var cpuQueue *ReadyQueue
	reentrantDepth := 0
	if ws != nil {
		// Reentrant call: reuse the worker's queue as this task's CPU queue.
		cpuQueue = ws.queue
		reentrantDepth = ws.totalDepth + 1
	} else {
		cpuQueue = NewReadyQueue()
	}

	gt := newGraphTask(keepGraph, createGraph, reentrantDepth, cpuQueue)
	klog.V(2).Infof("graph task %s: executing %d root(s), %d requested output(s), reentrant depth %d",
		gt.id, len(roots), len(outputs), reentrantDepth)

	root := graph.NewGraphRoot(roots, grads)
	computeDependencies(root, gt)
	if len(outputs) > 0 {
		gt.initToExecute(root, outputs)
	}
	return e.executeWithGraphTask(ctx, gt, root)
}

// executeWithGraphTask seeds the task's CPU queue with the root and drives
// the worker loop: on the calling goroutine when possible, on the reentrant
// pool when the nesting depth is exhausted.
func (e *Engine) executeWithGraphTask(ctx context.Context, gt *GraphTask, root graph.Node) ([]*tensor.RawTensor, error) {
	e.startOnce.Do(e.startDeviceWorkers)

	ws := workerStateFrom(ctx)
	if ws == nil {
		// Not reentrant: this goroutine becomes the CPU owner worker until
		// its task completes.
		ws = &workerState{device: cpuDevice, queue: gt.cpuReadyQueue, checkpointValid: true}
		gt.owner = cpuDevice
		gt.cpuReadyQueue.Push(newNodeTask(gt, root, NewInputBuffer(0)), true)
		e.threadMain(ctx, nil, false, ws)
		return gt.fut.Wait()
	}

	gt.owner = ws.device
	gt.cpuReadyQueue.Push(newNodeTask(gt, root, NewInputBuffer(0)), true)

	if ws.currentDepth >= maxRecursionDepth {
		// Stack relief: hand the task to the pool and block on the future.
		e.addThreadPoolTask(gt)
		return gt.fut.Wait()
	}

	ws.totalDepth++
	ws.currentDepth++
	e.threadMain(ctx, gt, true, ws)
	ws.currentDepth--
	ws.totalDepth--
	return gt.fut.Wait()
}

// EnqueueBlockedTaskOnCPU pushes an externally built task onto its graph
// task's CPU queue without touching the outstanding counter: external
// dispatchers account for their tasks before handing them over.
func (e *Engine) EnqueueBlockedTaskOnCPU(t *NodeTask) {
	e.startOnce.Do(e.startDeviceWorkers)
	gt := t.base.Value()
	if gt == nil {
		klog.Fatalf("enqueue blocked task: graph task is no longer valid")
	}
	e.readyQueue(gt, device.CPUDevice).Push(t, false)
}

// NewNodeTask builds a task for external dispatch (EnqueueBlockedTaskOnCPU).
func NewNodeTask(gt *GraphTask, fn graph.Node, inputs *InputBuffer) *NodeTask {
	return newNodeTask(gt, fn, inputs)
}

// QueueCallback registers a callback to run after graph execution, before
// the future is fulfilled. Callbacks may register further callbacks. The
// list is scoped to the surrounding Execute.
func (e *Engine) QueueCallback(cb func()) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.callbacks = append(e.callbacks, cb)
}

func (e *Engine) clearCallbacks() {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.callbacks = nil
}

// Shutdown latches the stopping flag and wakes every worker so it can exit.
// Idempotent; pending work is abandoned at the next pop.
func (e *Engine) Shutdown() {
	if e.stopping.Swap(true) {
		return
	}
	for _, q := range e.deviceQueues {
		q.PushShutdown()
	}
	e.poolWork.Broadcast()
}

// startDeviceWorkers allocates one shared ready queue and one worker per
// device slot. Device kinds with the same index share a worker.
func (e *Engine) startDeviceWorkers() {
	n := device.MaxDeviceCount()
	e.deviceQueues = make([]*ReadyQueue, n)
	for i := range e.deviceQueues {
		e.deviceQueues[i] = NewReadyQueue()
	}
	for i := 0; i < n; i++ {
		go e.deviceWorker(i, e.deviceQueues[i])
	}
	if n > 0 {
		klog.V(1).Infof("autograd engine: started %d device worker(s)", n)
	}
}

func (e *Engine) deviceWorker(index int, q *ReadyQueue) {
	setDevice(index)
	ws := &workerState{device: index, queue: q, checkpointValid: true}
	e.threadMain(context.Background(), nil, false, ws)
}

// setDevice makes index current on every runtime that has it; device kinds
// sharing an index share the worker.
func setDevice(index int) {
	if index == cpuDevice || index == noDevice {
		return
	}
	device.ForEach(func(_ device.Type, rt device.Runtime) {
		if index < rt.DeviceCount() {
			rt.SetDevice(index)
		}
	})
}

// readyQueue routes a dispatch: CPU tasks go to the graph task's private
// queue, device tasks to the engine-wide per-device queue.
func (e *Engine) readyQueue(gt *GraphTask, dev device.Device) *ReadyQueue {
	if dev.IsCPU() {
		return gt.cpuReadyQueue
	}
	return e.deviceQueues[dev.Index]
}

func (e *Engine) readyQueueByIndex(gt *GraphTask, index int) *ReadyQueue {
	if index == cpuDevice {
		return gt.cpuReadyQueue
	}
	return e.deviceQueues[index]
}

// addThreadPoolTask hands a graph task to the reentrant pool, growing the
// pool when every worker is busy.
func (e *Engine) addThreadPoolTask(gt *GraphTask) {
	e.poolMu.Lock()
	grow := e.poolIdleWorkers <= len(e.poolQueue)
	e.poolQueue = append(e.poolQueue, weak.Make(gt))
	e.poolMu.Unlock()
	if grow {
		go e.reentrantWorker()
	}
	e.poolWork.Signal()
}

// reentrantWorker waits for off-loaded graph tasks and drives each to
// completion bound to the owner's device and queue.
func (e *Engine) reentrantWorker() {
	for {
		e.poolMu.Lock()
		e.poolIdleWorkers++
		for len(e.poolQueue) == 0 && !e.stopping.Load() {
			e.poolWork.Wait()
		}
		e.poolIdleWorkers--
		if len(e.poolQueue) == 0 {
			e.poolMu.Unlock()
			return // stopping
		}
		wgt := e.poolQueue[0]
		e.poolQueue = e.poolQueue[1:]
		e.poolMu.Unlock()

		gt := wgt.Value()
		if gt == nil {
			klog.Warningf("graph task expired before reentrant execution, skipping")
			continue
		}
		setDevice(gt.owner)
		ws := &workerState{
			device:          gt.owner,
			queue:           gt.cpuReadyQueue,
			totalDepth:      gt.reentrantDepth,
			checkpointValid: true,
		}
		e.threadMain(context.Background(), gt, true, ws)
	}
}

// markGraphTaskCompleted fulfills the task's future exactly once, after
// post-processing. Safe to call from several workers; later calls no-op.
func (e *Engine) markGraphTaskCompleted(gt *GraphTask) {
	gt.mu.Lock()
	defer gt.mu.Unlock()
	if gt.fut.Completed() {
		return
	}
	result, err := e.graphTaskExecPostProcessing(gt)
	if err != nil {
		gt.fut.setError(err)
		return
	}
	gt.fut.markCompleted(result)
	klog.V(2).Infof("graph task %s: completed with %d captured gradient(s)", gt.id, len(result))
}

// graphTaskExecPostProcessing verifies the schedule drained, runs queued
// callbacks, and syncs leaf streams with their device's default stream.
func (e *Engine) graphTaskExecPostProcessing(gt *GraphTask) ([]*tensor.RawTensor, error) {
	if len(gt.notReady) > 0 {
		return nil, errors.New("could not compute gradients for some functions")
	}

	// Callbacks run unlocked and may register more callbacks, so iterate by
	// index and re-check the length each round.
	e.cbMu.Lock()
	for i := 0; i < len(e.callbacks); i++ {
		cb := e.callbacks[i]
		e.cbMu.Unlock()
		cb()
		e.cbMu.Lock()
	}
	e.cbMu.Unlock()

	// Leaf streams are synced with the default stream so that, as before
	// stream-aware backwards, syncing with default streams suffices to
	// observe the whole backward.
	for s := range gt.leafStreams {
		rt := device.Get(s.Device().Type)
		if rt == nil {
			continue
		}
		def := rt.DefaultStream(s.Device().Index)
		if !device.SameStream(s, def) {
			ev := rt.NewEvent()
			ev.Record(s)
			ev.Block(def)
		}
	}

	return gt.capturedVars, nil
}
