package sim

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/autograd/internal/device"
)

func TestStream_FIFOOrder(t *testing.T) {
	rt := New(device.CUDA, 1, 1)
	defer rt.Close()

	s := rt.Stream(0, 0)
	var order []int
	for i := 0; i < 100; i++ {
		i := i
		s.Run(func() { order = append(order, i) })
	}
	s.Synchronize()

	require.Len(t, order, 100)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestStream_SynchronizeWaitsForRunning(t *testing.T) {
	rt := New(device.CUDA, 1, 1)
	defer rt.Close()

	s := rt.Stream(0, 0)
	var done atomic.Bool
	s.Run(func() {
		time.Sleep(20 * time.Millisecond)
		done.Store(true)
	})
	s.Synchronize()
	assert.True(t, done.Load())
}

func TestEvent_OrdersAcrossStreams(t *testing.T) {
	rt := New(device.CUDA, 1, 2)
	defer rt.Close()

	producer := rt.Stream(0, 0)
	consumer := rt.Stream(0, 1)

	var produced atomic.Bool
	var observedProduced atomic.Bool

	producer.Run(func() {
		time.Sleep(20 * time.Millisecond)
		produced.Store(true)
	})

	ev := rt.NewEvent()
	ev.Record(producer)
	ev.Block(consumer)
	consumer.Run(func() {
		observedProduced.Store(produced.Load())
	})
	consumer.Synchronize()

	assert.True(t, observedProduced.Load(),
		"consumer work ran before the producer stream reached the recorded event")
}

func TestEvent_Synchronize(t *testing.T) {
	rt := New(device.CUDA, 1, 1)
	defer rt.Close()

	s := rt.Stream(0, 0)
	var done atomic.Bool
	s.Run(func() {
		time.Sleep(10 * time.Millisecond)
		done.Store(true)
	})

	ev := rt.NewEvent()
	ev.Record(s)
	ev.Synchronize()
	assert.True(t, done.Load())
}

func TestRuntime_CurrentStream(t *testing.T) {
	rt := New(device.CUDA, 2, 3)
	defer rt.Close()

	require.Equal(t, 2, rt.DeviceCount())

	def := rt.CurrentStream(0)
	assert.Equal(t, 0, def.ID())
	assert.True(t, device.SameStream(def, rt.DefaultStream(0)))

	s2 := rt.Stream(0, 2)
	prev := rt.SetCurrentStream(s2)
	assert.True(t, device.SameStream(prev, def))
	assert.True(t, device.SameStream(rt.CurrentStream(0), s2))

	// Device 1 is unaffected.
	assert.Equal(t, 0, rt.CurrentStream(1).ID())
}

func TestSameStream(t *testing.T) {
	rt := New(device.CUDA, 1, 2)
	defer rt.Close()

	a := rt.Stream(0, 0)
	b := rt.Stream(0, 1)
	assert.True(t, device.SameStream(a, a))
	assert.False(t, device.SameStream(a, b))
	assert.False(t, device.SameStream(a, nil))
	assert.True(t, device.SameStream(nil, nil))
}
