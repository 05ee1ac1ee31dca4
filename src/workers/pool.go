package workers

import (
	"sync"

	"go.uber.org/zap"
)

// Pool is a fixed-size worker pool. Tasks are executed in submission
// order by whichever worker frees up first; a client session enqueued
// here runs on one worker for its whole lifetime.
type Pool struct {
	tasks  chan func()
	wg     sync.WaitGroup
	logger *zap.SugaredLogger
}

// NewPool starts size workers draining the task queue.
func NewPool(size int, logger *zap.SugaredLogger) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		tasks:  make(chan func(), size),
		logger: logger,
	}

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}

	logger.Debugf("Workers: pool started with %d workers", size)
	return p
}

// Enqueue submits a task. Blocks while all workers are busy and the
// queue is full. Must not be called after Shutdown.
func (p *Pool) Enqueue(task func()) {
	p.tasks <- task
}

// Shutdown stops accepting tasks and joins every worker once all
// tasks already queued have run.
func (p *Pool) Shutdown() {
	close(p.tasks)
	p.wg.Wait()
	p.logger.Debug("Workers: pool drained")
}
