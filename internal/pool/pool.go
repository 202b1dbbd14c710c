// Package pool is a fixed-size worker pool whose task handles can preempt running work.
//
// Jobs and their steps share one pool. A running job holds a worker while it waits on its own
// steps, so the pool must be sized for every concurrently running job plus the widest parallel
// section of each job's step list. The pool does not enforce this.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

var ErrPoolClosed = errors.New("pool is closed")

// Task is a unit of work run by the pool. ctx is cancelled when the task's handle is cancelled.
type Task interface {
	Run(ctx context.Context)
}

// Preemptible is implemented by tasks whose blocking work (a statement, a child process, a wait
// loop) can be told to stop right away. Preempt must be idempotent and safe to call
// concurrently with Run, including after Run has returned.
type Preemptible interface {
	Preempt()
}

// Discarder is implemented by tasks that must record something when they are cancelled before a
// worker picks them up. Discard is called once, in place of Run.
type Discarder interface {
	Discard()
}

// TaskFunc adapts a function to Task
type TaskFunc func(ctx context.Context)

func (f TaskFunc) Run(ctx context.Context) { f(ctx) }

type Pool struct {
	size int

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*Handle
	closed  bool

	wg       sync.WaitGroup
	inFlight int32
}

// New starts a pool with size workers. Submissions beyond size queue without bound.
func New(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{size: size}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

// Size is the number of workers
func (p *Pool) Size() int {
	return p.size
}

// InFlight is the number of tasks currently running
func (p *Pool) InFlight() int {
	return int(atomic.LoadInt32(&p.inFlight))
}

// Queued is the number of tasks waiting for a worker
func (p *Pool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Submit queues task and returns its handle
func (p *Pool) Submit(task Task) (*Handle, error) {
	if task == nil {
		return nil, errors.New("task is nil")
	}
	h := newHandle(task)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	p.pending = append(p.pending, h)
	p.cond.Signal()
	return h, nil
}

// Close stops accepting work, cancels everything still queued (discarding it) and waits for
// running tasks to return. Running tasks are not cancelled.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	pending := p.pending
	p.pending = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, h := range pending {
		h.Cancel()
	}
	p.wg.Wait()
}

func (p *Pool) next() (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.pending) == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		return nil, false
	}
	h := p.pending[0]
	p.pending[0] = nil
	p.pending = p.pending[1:]
	return h, true
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		h, ok := p.next()
		if !ok {
			return
		}
		if !h.start() {
			// cancelled while queued
			continue
		}
		atomic.AddInt32(&p.inFlight, 1)
		p.exec(h)
		atomic.AddInt32(&p.inFlight, -1)
	}
}

func (p *Pool) exec(h *Handle) {
	defer h.finish()
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("panic", fmt.Sprint(r)).
				Str("stack", string(debug.Stack())).
				Msg("Task panicked")
		}
	}()
	h.task.Run(h.ctx)
}
