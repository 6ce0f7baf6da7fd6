package graph

import (
	"sync"

	"k8s.io/klog/v2"

	"github.com/born-ml/autograd/internal/device"
)

// NodeBase carries the bookkeeping shared by all nodes: edges, input
// metadata, the recorded forward stream, hooks and anomaly metadata.
// Embed it and implement Name and Apply.
type NodeBase struct {
	edges     []Edge
	inputs    []InputMetadata
	stream    device.Stream
	preHooks  []PreHook
	postHooks []PostHook

	metaOnce sync.Once
	meta     *Metadata
}

// SetNextEdges replaces the node's outgoing edges.
func (n *NodeBase) SetNextEdges(edges []Edge) {
	n.edges = edges
}

// AddInputMetadata appends metadata for the next input slot and returns its
// index. Arity is the number of registered input slots.
func (n *NodeBase) AddInputMetadata(m InputMetadata) int {
	n.inputs = append(n.inputs, m)
	return len(n.inputs) - 1
}

// SetStream records the stream the node ran on during forward.
func (n *NodeBase) SetStream(s device.Stream) {
	n.stream = s
}

// AddPreHook appends a pre-hook.
func (n *NodeBase) AddPreHook(h PreHook) {
	n.preHooks = append(n.preHooks, h)
}

// AddPostHook appends a post-hook.
func (n *NodeBase) AddPostHook(h PostHook) {
	n.postHooks = append(n.postHooks, h)
}

// NumInputs returns the node's arity.
func (n *NodeBase) NumInputs() int {
	return len(n.inputs)
}

// NextEdges returns the outgoing edges.
func (n *NodeBase) NextEdges() []Edge {
	return n.edges
}

// NextEdge returns the i-th outgoing edge.
func (n *NodeBase) NextEdge(i int) Edge {
	return n.edges[i]
}

// InputMetadata describes input slot i.
func (n *NodeBase) InputMetadata(i int) InputMetadata {
	return n.inputs[i]
}

// Stream returns the recorded forward stream if it belongs to kind t.
func (n *NodeBase) Stream(t device.Type) device.Stream {
	if n.stream != nil && n.stream.Device().Type == t {
		return n.stream
	}
	return nil
}

// PreHooks returns the pre-hook chain.
func (n *NodeBase) PreHooks() []PreHook {
	return n.preHooks
}

// PostHooks returns the post-hook chain.
func (n *NodeBase) PostHooks() []PostHook {
	return n.postHooks
}

// WillReleaseVariables is a no-op by default.
func (n *NodeBase) WillReleaseVariables() {}

// ReleaseVariables is a no-op by default.
func (n *NodeBase) ReleaseVariables() {}

// Metadata returns the node's anomaly metadata, allocating it on first use.
func (n *NodeBase) Metadata() *Metadata {
	n.metaOnce.Do(func() {
		n.meta = &Metadata{}
	})
	return n.meta
}

// Metadata holds the forward-pass traceback recorded for a node when anomaly
// detection is enabled.
type Metadata struct {
	mu        sync.Mutex
	traceback string
}

// SetTraceback records where the node was created.
func (m *Metadata) SetTraceback(tb string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.traceback = tb
}

// PrintStack logs the recorded traceback for the named node. Called by the
// engine when anomaly mode is on and the node's backward failed.
func (m *Metadata) PrintStack(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.traceback == "" {
		klog.Errorf("Error detected in %s. No forward traceback was recorded.", name)
		return
	}
	klog.Errorf("Error detected in %s. Traceback of forward call that caused the error:\n%s", name, m.traceback)
}
