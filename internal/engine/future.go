package engine

import (
	"sync"

	"github.com/born-ml/autograd/internal/tensor"
)

// future is the single-assignment completion cell of a GraphTask: it carries
// either the captured gradients or the first error.
type future struct {
	mu        sync.Mutex
	done      chan struct{}
	completed bool
	result    []*tensor.RawTensor
	err       error
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

// markCompleted fulfills the future with a result. Returns false if it was
// already completed.
func (f *future) markCompleted(result []*tensor.RawTensor) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completed {
		return false
	}
	f.completed = true
	f.result = result
	close(f.done)
	return true
}

// setError fulfills the future with an error. Returns false if it was
// already completed.
func (f *future) setError(err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completed {
		return false
	}
	f.completed = true
	f.err = err
	close(f.done)
	return true
}

// Completed reports whether the future has been fulfilled.
func (f *future) Completed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

// hasError reports whether the future completed with an error.
func (f *future) hasError() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed && f.err != nil
}

// Wait blocks until the future is fulfilled and returns its payload.
func (f *future) Wait() ([]*tensor.RawTensor, error) {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.err
}
