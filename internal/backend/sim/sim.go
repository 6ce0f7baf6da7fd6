// Package sim implements an in-process accelerator runtime for the autograd
// engine: simulated devices whose streams are FIFO work queues drained by one
// goroutine each, with channel-latch events for cross-stream ordering.
//
// It exists so stream-ordered backward execution is exercisable and testable
// on machines without an accelerator. The engine never imports this package;
// it reaches it through the device registry.
package sim

import (
	"sync"
	"sync/atomic"

	"k8s.io/klog/v2"

	"github.com/born-ml/autograd/internal/device"
)

// Compile-time check that Runtime implements device.Runtime.
var _ device.Runtime = (*Runtime)(nil)

// Runtime is a simulated device runtime for one device kind.
type Runtime struct {
	kind    device.Type
	devices []*simDevice
	current atomic.Int64 // runtime-wide current device index
}

// New creates a runtime with numDevices simulated devices of the given kind,
// each owning streamsPerDevice streams. Stream 0 is the default stream.
func New(kind device.Type, numDevices, streamsPerDevice int) *Runtime {
	if numDevices < 1 || streamsPerDevice < 1 {
		panic("sim: need at least one device and one stream")
	}
	r := &Runtime{kind: kind}
	for i := 0; i < numDevices; i++ {
		d := &simDevice{}
		for sid := 0; sid < streamsPerDevice; sid++ {
			s := newStream(device.Device{Type: kind, Index: i}, sid)
			d.streams = append(d.streams, s)
		}
		d.current = d.streams[0]
		r.devices = append(r.devices, d)
	}
	klog.V(2).Infof("sim: created %s runtime with %d device(s), %d stream(s) each",
		kind, numDevices, streamsPerDevice)
	return r
}

// Register creates a runtime and installs it in the device registry.
func Register(kind device.Type, numDevices, streamsPerDevice int) *Runtime {
	r := New(kind, numDevices, streamsPerDevice)
	device.Register(kind, r)
	return r
}

type simDevice struct {
	mu      sync.Mutex
	streams []*Stream
	current *Stream
}

// DeviceCount implements device.Runtime.
func (r *Runtime) DeviceCount() int {
	return len(r.devices)
}

// SetDevice implements device.Runtime.
func (r *Runtime) SetDevice(index int) {
	r.current.Store(int64(index))
}

// CurrentStream implements device.Runtime.
func (r *Runtime) CurrentStream(index int) device.Stream {
	d := r.devices[index]
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// SetCurrentStream implements device.Runtime.
func (r *Runtime) SetCurrentStream(s device.Stream) device.Stream {
	d := r.devices[s.Device().Index]
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.current
	d.current = s.(*Stream)
	return prev
}

// DefaultStream implements device.Runtime.
func (r *Runtime) DefaultStream(index int) device.Stream {
	return r.devices[index].streams[0]
}

// Stream returns stream id on device index. For tests and forward passes.
func (r *Runtime) Stream(index, id int) *Stream {
	return r.devices[index].streams[id]
}

// NewEvent implements device.Runtime.
func (r *Runtime) NewEvent() device.Event {
	return &Event{ready: make(chan struct{})}
}

// Synchronize drains every stream of every device.
func (r *Runtime) Synchronize() {
	for _, d := range r.devices {
		for _, s := range d.streams {
			s.Synchronize()
		}
	}
}

// Close stops all stream goroutines. Pending work is drained first.
func (r *Runtime) Close() {
	for _, d := range r.devices {
		for _, s := range d.streams {
			s.close()
		}
	}
}
