package worker

import (
	"context"
	"sync"
)

// Pool is the fixed-size set of workers. Borrow dequeues an idle
// worker, blocking if none are available; Return enqueues it back. The
// pool doubles as a semaphore: "all workers idle" is exactly "every
// worker is in the idle set".
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond
	idle []*Worker
	all  []*Worker
}

// NewPool creates a pool holding exactly workers, all initially idle.
func NewPool(workers []*Worker) *Pool {
	p := &Pool{
		idle: append([]*Worker(nil), workers...),
		all:  workers,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Borrow removes one idle worker from the pool, blocking indefinitely
// if none is available.
func (p *Pool) Borrow(ctx context.Context) (*Worker, error) {
	p.mu.Lock()
	for len(p.idle) == 0 {
		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			return nil, err
		}
		p.cond.Wait()
	}
	w := p.idle[len(p.idle)-1]
	p.idle = p.idle[:len(p.idle)-1]
	p.mu.Unlock()
	return w, nil
}

// Return puts w back in the idle set and signals any goroutine waiting
// either to borrow a worker or for the pool to become fully idle.
func (p *Pool) Return(w *Worker) {
	p.mu.Lock()
	p.idle = append(p.idle, w)
	p.mu.Unlock()
	p.cond.Broadcast()
}

// AwaitIdle blocks until every worker in the pool is idle, used by
// DiscardCompletedSegments and GetContext to observe a consistent
// replay position with no append mid-flight.
func (p *Pool) AwaitIdle(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.idle) != len(p.all) {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.cond.Wait()
	}
	return nil
}

// All returns every worker the pool manages, for shutdown.
func (p *Pool) All() []*Worker {
	return p.all
}
