package engine

import (
	"context"
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/autograd/internal/device"
	"github.com/born-ml/autograd/internal/graph"
	"github.com/born-ml/autograd/internal/tensor"
)

// workerState is the per-worker bookkeeping the original keeps in
// thread-locals: which device the worker serves, which queue is "mine", the
// reentrant depth counters, and the flags visible to backwards through the
// context.
type workerState struct {
	device          int // device index, or cpuDevice for the owner thread
	queue           *ReadyQueue
	currentDepth    int
	totalDepth      int
	checkpointValid bool
	gradMode        bool
}

type workerStateKey struct{}

func withWorkerState(ctx context.Context, ws *workerState) context.Context {
	return context.WithValue(ctx, workerStateKey{}, ws)
}

func workerStateFrom(ctx context.Context) *workerState {
	ws, _ := ctx.Value(workerStateKey{}).(*workerState)
	return ws
}

// GradEnabled reports whether gradient recording is requested for work done
// inside the current backward (true when the driving Execute had createGraph
// set). Outside the engine it returns false.
func GradEnabled(ctx context.Context) bool {
	ws := workerStateFrom(ctx)
	return ws != nil && ws.gradMode
}

// IsCheckpointValid reports whether the current stack of engine invocations
// has been purely imperative, i.e. recompute-checkpointing is sound here.
func IsCheckpointValid(ctx context.Context) bool {
	ws := workerStateFrom(ctx)
	if ws == nil {
		return true
	}
	return ws.checkpointValid
}

// threadMain drains the worker's queue. Device workers and the owner thread
// run it with a nil graphTask; a reentrant invocation passes the graph task
// it must finish and exits as soon as that task has drained.
func (e *Engine) threadMain(ctx context.Context, graphTask *GraphTask, reentrant bool, ws *workerState) {
	if reentrant == (graphTask == nil) {
		klog.Fatalf("thread main: reentrant flag and graph task presence disagree")
	}

	for !reentrant || graphTask.outstanding.Load() > 0 {
		task := ws.queue.Pop()
		if task.shutdown || e.stopping.Load() {
			klog.V(2).Infof("worker on device %d: shutting down", ws.device)
			break
		}

		// localTask is the graph task behind the popped item; graphTask (if
		// any) is the one this reentrant invocation is waiting on. They are
		// unrelated when unrelated backwards share a queue.
		localTask := task.base.Value()
		if localTask == nil {
			name := "(no-op)"
			if task.fn != nil {
				name = task.fn.Name()
			}
			klog.Warningf("graph task for function %s is no longer valid, skipping execution", name)
			continue
		}

		if task.fn != nil && !localTask.hasError.Load() {
			prevGradMode := ws.gradMode
			ws.gradMode = localTask.gradMode
			err := e.evaluateFunction(withWorkerState(ctx, ws), localTask, task.fn, task.inputs, ws)
			ws.gradMode = prevGradMode
			if err != nil {
				localTask.setError(err, task.fn)
			}
		}

		localTask.outstanding.Add(-1)

		completed := localTask.completed()
		if completed {
			e.markGraphTaskCompleted(localTask)
			// The CPU owner thread is the caller of Execute: once done it
			// must return to the calling code instead of draining forever.
			// Reentrant invocations instead exit through the loop condition
			// when their own task drains.
			if !reentrant && ws.device == cpuDevice {
				break
			}
		}

		// If the owner runs on a different device it may be parked in Pop
		// with nothing left to hand it; a no-op task nudges it awake so it
		// observes completion.
		if owner := localTask.owner; completed && owner != ws.device {
			e.readyQueueByIndex(localTask, owner).Push(newNodeTask(localTask, nil, NewInputBuffer(0)), true)
		}
	}
}

// evaluateFunction applies one ready node and routes its outputs into the
// successors' input buffers, dispatching each successor the moment its last
// dependency arrives.
func (e *Engine) evaluateFunction(ctx context.Context, gt *GraphTask, fn graph.Node, inputBuf *InputBuffer, ws *workerState) error {
	// When the caller requested specific outputs, record captures and skip
	// nodes the requested sub-graph does not need.
	if len(gt.execInfo) > 0 {
		gt.mu.Lock()
		info := gt.execInfo[fn]
		if info != nil {
			for _, c := range info.captures {
				gt.capturedVars[c.outputIdx] = inputBuf.Get(c.inputIdx)
			}
		}
		needed := info != nil && info.needed
		gt.mu.Unlock()
		if !needed {
			return nil
		}
	}

	// Run the backward on the stream it used in forward.
	parentStream := nodeStream(fn)
	if parentStream != nil {
		rt := device.Get(parentStream.Device().Type)
		if rt != nil {
			prev := rt.SetCurrentStream(parentStream)
			defer rt.SetCurrentStream(prev)
		}
	}

	outputs, err := e.callFunction(ctx, gt, fn, inputBuf, ws)
	if err != nil {
		return err
	}

	if !gt.keepGraph {
		fn.ReleaseVariables()
	}

	if len(outputs) == 0 {
		// Leaf node: remember its stream so completion can sync it with the
		// device's default stream.
		if parentStream != nil {
			gt.mu.Lock()
			gt.leafStreams[parentStream] = struct{}{}
			gt.mu.Unlock()
		}
		return nil
	}

	if AnomalyModeEnabled() {
		for i, out := range outputs {
			if out.Defined() && out.HasNaN() {
				return errors.Errorf("Function '%s' returned nan values in its %dth output.", fn.Name(), i)
			}
		}
	}

	gt.mu.Lock()
	defer gt.mu.Unlock()
	for i, output := range outputs {
		next := fn.NextEdge(i)
		if !next.IsValid() {
			continue
		}

		isReady := false
		deps, ok := gt.dependencies[next.Node]
		switch {
		case !ok:
			return errors.Errorf("dependency not found for %s", next.Node.Name())
		case deps == 1:
			delete(gt.dependencies, next.Node)
			isReady = true
		default:
			gt.dependencies[next.Node] = deps - 1
		}

		nextStream := nodeStream(next.Node)
		buf, buffered := gt.notReady[next.Node]
		if !buffered {
			// Skip successors the requested sub-graph excludes.
			if len(gt.execInfo) > 0 {
				info := gt.execInfo[next.Node]
				if info == nil || !info.shouldExecute() {
					continue
				}
			}
			buf = NewInputBuffer(next.Node.NumInputs())
			if err := buf.Add(next.InputNr, output, parentStream, nextStream); err != nil {
				return err
			}
			if isReady {
				e.readyQueue(gt, buf.Device()).Push(newNodeTask(gt, next.Node, buf), true)
			} else {
				gt.notReady[next.Node] = buf
			}
		} else {
			if err := buf.Add(next.InputNr, output, parentStream, nextStream); err != nil {
				return err
			}
			if isReady {
				e.readyQueue(gt, buf.Device()).Push(newNodeTask(gt, next.Node, buf), true)
				delete(gt.notReady, next.Node)
			}
		}
	}
	return nil
}

// callFunction runs hooks and the node's backward, converting panics into
// errors and validating the produced gradients against edge metadata.
func (e *Engine) callFunction(ctx context.Context, gt *GraphTask, fn graph.Node, inputBuf *InputBuffer, ws *workerState) ([]*tensor.RawTensor, error) {
	prevCheckpointValid := ws.checkpointValid
	ws.checkpointValid = gt.canCheckpoint() && prevCheckpointValid
	defer func() { ws.checkpointValid = prevCheckpointValid }()

	inputs := inputBuf.Variables()
	for _, hook := range fn.PreHooks() {
		inputs = hook(inputs)
	}

	if !gt.keepGraph {
		fn.WillReleaseVariables()
	}

	var outputs []*tensor.RawTensor
	var applyErr error
	exception := exceptions.Try(func() {
		outputs, applyErr = fn.Apply(ctx, inputs)
	})
	if exception != nil {
		return nil, errors.Errorf("Function %s panicked: %v", fn.Name(), exception)
	}
	if applyErr != nil {
		return nil, errors.Wrapf(applyErr, "Function %s failed", fn.Name())
	}

	if err := validateOutputs(fn.NextEdges(), outputs, func(msg string) string {
		return fmt.Sprintf("Function %s returned an %s", fn.Name(), msg)
	}); err != nil {
		return nil, err
	}

	for _, hook := range fn.PostHooks() {
		outputs = hook(outputs, inputs)
	}
	return outputs, nil
}

// validateOutputs checks each produced gradient against the metadata of the
// edge it flows along, reducing broadcast shapes by summation and coercing
// dtype. grads is modified in place.
func validateOutputs(edges []graph.Edge, grads []*tensor.RawTensor, formatError func(string) string) error {
	if len(grads) != len(edges) {
		return errors.New(formatError(fmt.Sprintf(
			"invalid number of gradients - expected %d, but got %d", len(edges), len(grads))))
	}
	for i := range grads {
		edge := edges[i]
		if !edge.IsValid() {
			continue
		}
		metadata := edge.Node.InputMetadata(edge.InputNr)
		grad := grads[i]
		if !grad.Defined() {
			continue
		}
		if !grad.Shape().Equal(metadata.Shape) {
			if !metadata.Shape.ExpandableTo(grad.Shape()) {
				return errors.New(formatError(fmt.Sprintf(
					"invalid gradient at index %d - got %v but expected shape compatible with %v",
					i, grad.Shape(), metadata.Shape)))
			}
			reduced, err := grad.SumTo(metadata.Shape)
			if err != nil {
				return errors.New(formatError(err.Error()))
			}
			grads[i] = reduced
			grad = reduced
		}
		if !grad.DType().IsFloatingPoint() {
			return errors.New(formatError(fmt.Sprintf(
				"invalid gradient at index %d - expected a floating point type, but got %s",
				i, grad.DType())))
		}
		if grad.DType() != metadata.DType {
			cast, err := grad.CastTo(metadata.DType)
			if err != nil {
				return errors.New(formatError(err.Error()))
			}
			grads[i] = cast
			grad = cast
		}
		if grad.Device() != metadata.Device {
			return errors.New(formatError(fmt.Sprintf(
				"invalid gradient at index %d - expected device %s but got %s",
				i, metadata.Device, grad.Device())))
		}
	}
	return nil
}

// nodeStream returns the stream the node recorded during forward for any
// registered accelerator kind, or nil.
func nodeStream(fn graph.Node) device.Stream {
	var s device.Stream
	device.ForEach(func(t device.Type, _ device.Runtime) {
		if s == nil {
			s = fn.Stream(t)
		}
	})
	return s
}
