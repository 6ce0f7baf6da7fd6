package engine

import (
	"container/heap"
	"math"
	"sync"
	"weak"

	"k8s.io/klog/v2"

	"github.com/born-ml/autograd/internal/graph"
)

// NodeTask is one unit of work: apply fn to the gradients collected in
// inputs, on behalf of the graph task behind base.
//
// The back-pointer to the graph task is weak on purpose: the owner of the
// backward call holds the only strong reference, and if it disappears
// (external enqueue paths), tasks still in queues degrade to no-ops.
type NodeTask struct {
	base     weak.Pointer[GraphTask]
	fn       graph.Node // nil for the owner-wakeup no-op
	inputs   *InputBuffer
	shutdown bool

	// reentrantDepth orders the queue: deeper reentrant work first, so
	// nested backwards unwind before their parents continue.
	reentrantDepth int
}

func newNodeTask(gt *GraphTask, fn graph.Node, inputs *InputBuffer) *NodeTask {
	return &NodeTask{
		base:           weak.Make(gt),
		fn:             fn,
		inputs:         inputs,
		reentrantDepth: gt.reentrantDepth,
	}
}

// priority: shutdown sentinels beat everything, then deeper reentrant work.
// Ties within one depth are intentionally unordered (heap order).
func (t *NodeTask) priority() int {
	if t.shutdown {
		return math.MaxInt
	}
	return t.reentrantDepth
}

type taskHeap []*NodeTask

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].priority() > h[j].priority() }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)         { *h = append(*h, x.(*NodeTask)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// ReadyQueue is a blocking priority queue of NodeTasks. One exists per
// device worker; additionally every non-reentrant GraphTask owns a private
// CPU queue so concurrent backwards do not interleave their CPU work.
type ReadyQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	heap     taskHeap
}

// NewReadyQueue creates an empty queue.
func NewReadyQueue() *ReadyQueue {
	q := &ReadyQueue{}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Push enqueues a task and wakes one waiter. When incrementOutstanding is
// set, the target graph task's outstanding counter is bumped under the queue
// lock, so a worker that later observes zero has seen this push.
func (q *ReadyQueue) Push(t *NodeTask, incrementOutstanding bool) {
	q.mu.Lock()
	if incrementOutstanding {
		gt := t.base.Value()
		if gt == nil {
			q.mu.Unlock()
			klog.Fatalf("ready queue: push for an expired graph task")
		}
		gt.outstanding.Add(1)
	}
	heap.Push(&q.heap, t)
	q.mu.Unlock()
	q.notEmpty.Signal()
}

// PushShutdown enqueues a sentinel that makes one worker exit its loop.
func (q *ReadyQueue) PushShutdown() {
	q.mu.Lock()
	heap.Push(&q.heap, &NodeTask{shutdown: true, inputs: NewInputBuffer(0)})
	q.mu.Unlock()
	q.notEmpty.Signal()
}

// Pop blocks until a task is available and returns the highest-priority one.
func (q *ReadyQueue) Pop() *NodeTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.heap) == 0 {
		q.notEmpty.Wait()
	}
	return heap.Pop(&q.heap).(*NodeTask)
}

// Len returns the number of queued tasks.
func (q *ReadyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Empty reports whether the queue has no tasks.
func (q *ReadyQueue) Empty() bool {
	return q.Len() == 0
}
