package core

import (
	"sync"
)

// workerPool is a small fixed-size pool with a bounded queue. Batch
// analysis may block on AI calls, so overflow is dropped rather than
// letting the queue grow without bound; the caller logs the drop.
type workerPool struct {
	tasks  chan func()
	wg     sync.WaitGroup
	logger Logger

	// mu orders Submit's send against Stop's close of the channel
	mu      sync.RWMutex
	stopped bool
}

func newWorkerPool(workers, queueSize int, logger Logger) *workerPool {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	p := &workerPool{
		tasks:  make(chan func(), queueSize),
		logger: logger,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *workerPool) run() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.execute(task)
	}
}

func (p *workerPool) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Async task panicked", map[string]interface{}{
				"panic": r,
			})
		}
	}()
	task()
}

// Submit enqueues a task without blocking. Returns false when the queue
// is full or the pool is stopped.
func (p *workerPool) Submit(task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// Stop drains queued tasks and waits for the workers to finish.
// Safe to call more than once; Submit returns false afterwards.
func (p *workerPool) Stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.tasks)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
