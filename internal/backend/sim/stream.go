package sim

import (
	"sync"

	"github.com/born-ml/autograd/internal/device"
)

// Compile-time checks against the device interfaces.
var (
	_ device.Stream = (*Stream)(nil)
	_ device.Event  = (*Event)(nil)
)

// Stream is a FIFO work queue drained by a single goroutine, giving the
// submission-order guarantee accelerator streams have.
type Stream struct {
	dev device.Device
	id  int

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	pending int // queued plus currently running
	closed  bool
}

func newStream(dev device.Device, id int) *Stream {
	s := &Stream{dev: dev, id: id}
	s.cond = sync.NewCond(&s.mu)
	go s.loop()
	return s
}

// Device implements device.Stream.
func (s *Stream) Device() device.Device {
	return s.dev
}

// ID implements device.Stream.
func (s *Stream) ID() int {
	return s.id
}

// Run implements device.Stream.
func (s *Stream) Run(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		panic("sim: Run on closed stream")
	}
	s.queue = append(s.queue, fn)
	s.pending++
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Synchronize implements device.Stream: blocks until all submitted work ran.
func (s *Stream) Synchronize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pending > 0 {
		s.cond.Wait()
	}
}

func (s *Stream) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
	s.Synchronize()
}

func (s *Stream) loop() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		fn()

		s.mu.Lock()
		s.pending--
		s.mu.Unlock()
		s.cond.Broadcast()
	}
}

// Event is a one-shot latch between streams.
type Event struct {
	once  sync.Once
	ready chan struct{}
}

// Record implements device.Event: the latch opens once everything submitted
// to s before this call has run.
func (e *Event) Record(s device.Stream) {
	s.Run(func() {
		e.once.Do(func() { close(e.ready) })
	})
}

// Block implements device.Event: work submitted to s after this call waits
// for the latch. The event must be recorded (before or concurrently),
// otherwise the stream stalls forever.
func (e *Event) Block(s device.Stream) {
	s.Run(func() { <-e.ready })
}

// Synchronize implements device.Event: the caller waits for the latch.
func (e *Event) Synchronize() {
	<-e.ready
}
