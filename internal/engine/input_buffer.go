// Package engine implements the reverse-mode autodiff execution engine: a
// device-partitioned, multi-worker scheduler that traverses a backward graph
// in reverse topological order, accumulates gradient contributions per node,
// and completes a future with the captured results.
package engine

import (
	"github.com/pkg/errors"

	"github.com/born-ml/autograd/internal/device"
	"github.com/born-ml/autograd/internal/tensor"
)

// InputBuffer accumulates gradient contributions for one node, one slot per
// input. It is filled by (possibly several) predecessor evaluations and
// drained once when the node becomes ready.
type InputBuffer struct {
	vars []*tensor.RawTensor

	// Device of the first defined contribution; decides which ready queue
	// the node's task is dispatched to.
	dev    device.Device
	hasDev bool
}

// NewInputBuffer creates a buffer with size input slots.
func NewInputBuffer(size int) *InputBuffer {
	return &InputBuffer{vars: make([]*tensor.RawTensor, size)}
}

// Add records a gradient contribution for slot pos. An empty slot stores the
// value; an occupied slot is replaced by the sum. Undefined (nil) values are
// ignored.
//
// When producer and consumer are distinct accelerator streams, the consumer
// stream is made to wait on an event recorded on the producer stream before
// the sum is considered ordered after the producing work.
func (b *InputBuffer) Add(pos int, value *tensor.RawTensor, producer, consumer device.Stream) error {
	if pos < 0 || pos >= len(b.vars) {
		return errors.Errorf("input buffer: slot %d out of range (size %d)", pos, len(b.vars))
	}
	if !value.Defined() {
		return nil
	}

	if producer != nil && consumer != nil && !device.SameStream(producer, consumer) {
		rt := device.Get(consumer.Device().Type)
		if rt != nil {
			ev := rt.NewEvent()
			ev.Record(producer)
			ev.Block(consumer)
		}
	}

	if !b.hasDev {
		b.dev = value.Device()
		b.hasDev = true
	}

	old := b.vars[pos]
	if old == nil {
		b.vars[pos] = value
		return nil
	}
	sum, err := tensor.Accumulate(value, old)
	if err != nil {
		return errors.Wrapf(err, "input buffer: accumulating into slot %d", pos)
	}
	b.vars[pos] = sum
	return nil
}

// Device returns the buffer's device: the device of the first defined
// contribution, or CPU when the buffer is empty.
func (b *InputBuffer) Device() device.Device {
	if b.hasDev {
		return b.dev
	}
	return device.CPUDevice
}

// Get returns the value in slot i without draining it.
func (b *InputBuffer) Get(i int) *tensor.RawTensor {
	return b.vars[i]
}

// Variables drains the buffer into the ordered list of values; empty slots
// stay nil (undefined).
func (b *InputBuffer) Variables() []*tensor.RawTensor {
	vars := b.vars
	b.vars = nil
	return vars
}
