package device

// Stream is an ordered queue of device work. Work submitted to one stream
// runs in submission order; work on different streams is unordered unless an
// Event is used to order it.
type Stream interface {
	// Device returns the device the stream belongs to.
	Device() Device

	// ID distinguishes streams on the same device. The default stream has ID 0.
	ID() int

	// Run enqueues fn on the stream. fn runs after all previously enqueued
	// work on this stream has finished.
	Run(fn func())

	// Synchronize blocks the caller until all work enqueued so far has run.
	Synchronize()
}

// Event is a one-shot synchronization marker between streams.
type Event interface {
	// Record marks the event as "after everything enqueued on s so far".
	Record(s Stream)

	// Block makes work enqueued on s after this call wait until the
	// recorded point has been reached.
	Block(s Stream)

	// Synchronize blocks the caller until the recorded point has been reached.
	Synchronize()
}

// SameStream reports whether a and b refer to the same stream. Either may be nil.
func SameStream(a, b Stream) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Device() == b.Device() && a.ID() == b.ID()
}
