package workers

import (
	"sync"
)

// Pool runs queued jobs on a fixed set of goroutines. Enqueueing never
// blocks; jobs beyond the buffer are dropped and reported to the caller.
type Pool struct {
	mu     sync.Mutex
	jobCh  chan func()
	wg     sync.WaitGroup
	closed bool
}

// NewPool starts workerCount goroutines draining a buffer of jobBufferSize.
func NewPool(workerCount, jobBufferSize int) *Pool {
	p := &Pool{
		jobCh: make(chan func(), jobBufferSize),
	}
	for i := 0; i < workerCount; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for job := range p.jobCh {
		job()
	}
}

// Submit enqueues a job without blocking. Returns false when the buffer is
// full or the pool has stopped.
func (p *Pool) Submit(job func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}

	p.wg.Add(1)
	select {
	case p.jobCh <- func() {
		defer p.wg.Done()
		job()
	}:
		return true
	default:
		p.wg.Done()
		return false
	}
}

// Wait blocks until every accepted job has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Stop closes the queue and waits for in-flight jobs. Safe to call twice.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobCh)
	p.mu.Unlock()

	p.wg.Wait()
}
