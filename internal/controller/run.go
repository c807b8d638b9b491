package controller

import "sync"

// Run is the awaitable handle returned by every lifecycle operation.
type Run struct {
	done    chan struct{}
	mu      sync.Mutex
	err     error
	outputs map[string]any
}

func newRun() *Run {
	return &Run{done: make(chan struct{})}
}

// completedRun is pre-finished; returned when an operation never starts.
func completedRun() *Run {
	r := newRun()
	close(r.done)
	return r
}

// Wait blocks until the operation completes, then reports its error.
func (r *Run) Wait() error {
	<-r.done
	return r.Err()
}

// Done returns a channel closed when the operation completes.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Err reports the operation's error without blocking. It is meaningful only
// after Done is closed.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Outputs returns the flat outputs produced by the operation, if any.
func (r *Run) Outputs() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outputs
}

func (r *Run) finish(err error, outputs map[string]any) {
	r.mu.Lock()
	r.err = err
	r.outputs = outputs
	r.mu.Unlock()
	close(r.done)
}

func (r *Run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}
