package pool

import (
	"context"
	"sync"
)

type handleState int

const (
	statePending handleState = iota
	stateRunning
	stateDone
)

// Handle is the cancellable reference to a submitted task
type Handle struct {
	task   Task
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	state     handleState
	cancelled bool
	ran       bool
}

func newHandle(task Task) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handle{
		task:   task,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// start moves a pending handle to running. It returns false if the handle was cancelled first.
func (h *Handle) start() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != statePending {
		return false
	}
	h.state = stateRunning
	h.ran = true
	return true
}

func (h *Handle) finish() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == stateDone {
		return
	}
	h.state = stateDone
	h.cancel()
	close(h.done)
}

// Cancel stops the task. A task that has not started never will: it is discarded, if it is a
// Discarder, and its handle is done once that returns. A running task has its context cancelled and, if it is Preemptible, is
// preempted. Cancel returns false if the task had already finished.
func (h *Handle) Cancel() bool {
	h.mu.Lock()
	switch h.state {
	case statePending:
		h.cancelled = true
		h.state = stateDone
		h.cancel()
		h.mu.Unlock()

		if d, ok := h.task.(Discarder); ok {
			d.Discard()
		}
		close(h.done)
		return true
	case stateRunning:
		h.cancelled = true
		h.mu.Unlock()
	default:
		h.mu.Unlock()
		return false
	}

	h.cancel()
	if p, ok := h.task.(Preemptible); ok {
		p.Preempt()
	}
	return true
}

// Done is closed once the task has returned or was cancelled before starting
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// IsDone reports whether Done is closed
func (h *Handle) IsDone() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Started reports whether a worker picked up the task
func (h *Handle) Started() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ran
}

// Cancelled reports whether Cancel was called before the task finished
func (h *Handle) Cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// Wait blocks until the task is done or ctx is cancelled
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
