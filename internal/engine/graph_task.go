package engine

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/born-ml/autograd/internal/device"
	"github.com/born-ml/autograd/internal/graph"
	"github.com/born-ml/autograd/internal/tensor"
)

// capture marks one input slot of a node as one of the caller's requested
// outputs.
type capture struct {
	inputIdx  int // slot in the node's input buffer
	outputIdx int // position in capturedVars
}

// execInfo instruments one node when the caller requested a subset of
// outputs: nodes that are not needed are skipped, captured slots are copied
// into capturedVars.
type execInfo struct {
	needed   bool
	captures []capture
}

func (e *execInfo) shouldExecute() bool {
	return e.needed || len(e.captures) > 0
}

// GraphTask is the shared state of one backward invocation.
//
// Invariants: a reachable node is accounted for in exactly one of
// dependencies, notReady, or an already dispatched NodeTask; notReady holds
// a node only while dependencies[node] > 0 and at least one contribution
// arrived; outstanding equals the NodeTasks in flight across all queues plus
// the ones currently executing.
type GraphTask struct {
	id uuid.UUID

	// mu guards dependencies, notReady, execInfo, capturedVars and
	// leafStreams. owner is not guarded by mu: it is written once, before the
	// root task is pushed, and only read afterwards.
	mu sync.Mutex

	dependencies map[graph.Node]int
	notReady     map[graph.Node]*InputBuffer
	execInfo     map[graph.Node]*execInfo
	capturedVars []*tensor.RawTensor
	leafStreams  map[device.Stream]struct{}

	outstanding atomic.Int64
	hasError    atomic.Bool
	exitOnError bool

	keepGraph bool
	gradMode  bool // backward-of-backward graphs are recorded iff set

	reentrantDepth int
	owner          int // device index of the driving worker, or cpuDevice

	// cpuReadyQueue receives CPU-bound successors. A non-reentrant task gets
	// a private queue so concurrent backwards do not interleave CPU work; a
	// reentrant task shares the queue of the worker that started it.
	cpuReadyQueue *ReadyQueue

	fut *future
}

func newGraphTask(keepGraph, createGraph bool, reentrantDepth int, cpuReadyQueue *ReadyQueue) *GraphTask {
	return &GraphTask{
		id:             uuid.New(),
		dependencies:   make(map[graph.Node]int),
		notReady:       make(map[graph.Node]*InputBuffer),
		execInfo:       make(map[graph.Node]*execInfo),
		leafStreams:    make(map[device.Stream]struct{}),
		keepGraph:      keepGraph,
		gradMode:       createGraph,
		reentrantDepth: reentrantDepth,
		owner:          noDevice,
		cpuReadyQueue:  cpuReadyQueue,
		fut:            newFuture(),
	}
}

// completed reports whether the task has drained (or errored out, when
// configured to exit early).
func (gt *GraphTask) completed() bool {
	return gt.outstanding.Load() == 0 || (gt.exitOnError && gt.hasError.Load())
}

// canCheckpoint reports whether recompute-checkpointing is sound while this
// task runs: only when the whole graph is executed (no output filtering).
func (gt *GraphTask) canCheckpoint() bool {
	return len(gt.execInfo) == 0
}

// setError latches the first error onto the task and its future. Later
// errors are dropped. When anomaly mode is on, the failing node's recorded
// forward stack is printed.
func (gt *GraphTask) setError(err error, fn graph.Node) {
	gt.mu.Lock()
	defer gt.mu.Unlock()
	if gt.hasError.Load() {
		return
	}
	if AnomalyModeEnabled() && fn != nil {
		fn.Metadata().PrintStack(fn.Name())
	}
	gt.hasError.Store(true)
	if !gt.fut.setError(err) && !gt.fut.hasError() {
		klog.Errorf("graph task %s: error after successful completion: %v", gt.id, err)
	}
}

// computeDependencies counts, for every node reachable from root, how many
// predecessors will deliver a gradient to it: its in-degree in the reachable
// sub-graph.
func computeDependencies(root graph.Node, gt *GraphTask) {
	seen := map[graph.Node]bool{root: true}
	queue := []graph.Node{root}

	for len(queue) > 0 {
		fn := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		for _, edge := range fn.NextEdges() {
			next := edge.Node
			if next == nil {
				continue
			}
			gt.dependencies[next]++
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
}

// initToExecute instruments the task for a caller-requested subset of
// outputs: records captures on the target nodes, sizes capturedVars, and
// computes the "needed" flag for every reachable node — a node is needed iff
// any successor should execute.
func (gt *GraphTask) initToExecute(root graph.Node, outputs []graph.Edge) {
	gt.execInfoFor(root).needed = true

	outputIdx := 0
	for _, edge := range outputs {
		info := gt.execInfoFor(edge.Node)
		info.captures = append(info.captures, capture{inputIdx: edge.InputNr, outputIdx: outputIdx})
		outputIdx++
	}
	gt.capturedVars = make([]*tensor.RawTensor, outputIdx)

	// Iterative post-order: a frame's needed flag is derived from its
	// successors once they have all been visited.
	type frame struct {
		fn   graph.Node
		next int
	}
	nextChild := func(f *frame) graph.Node {
		edges := f.fn.NextEdges()
		for f.next < len(edges) {
			fn := edges[f.next].Node
			f.next++
			if fn != nil {
				return fn
			}
		}
		return nil
	}

	seen := make(map[graph.Node]bool)
	for _, input := range root.NextEdges() {
		if input.Node == nil || seen[input.Node] {
			continue
		}
		seen[input.Node] = true
		stack := []*frame{{fn: input.Node}}
		for len(stack) > 0 {
			f := stack[len(stack)-1]
			if child := nextChild(f); child != nil {
				if !seen[child] {
					seen[child] = true
					stack = append(stack, &frame{fn: child})
				}
				continue
			}
			needed := false
			for _, edge := range f.fn.NextEdges() {
				if info, ok := gt.execInfo[edge.Node]; ok && info.shouldExecute() {
					needed = true
					break
				}
			}
			gt.execInfoFor(f.fn).needed = needed
			stack = stack[:len(stack)-1]
		}
	}
}

// execInfoFor returns the node's exec info entry, creating it if absent.
// Callers hold gt.mu or have exclusive access during setup.
func (gt *GraphTask) execInfoFor(fn graph.Node) *execInfo {
	info, ok := gt.execInfo[fn]
	if !ok {
		info = &execInfo{}
		gt.execInfo[fn] = info
	}
	return info
}
