package transport

import (
	"sync"
	"sync/atomic"
)

// WorkerPool runs continuations of suspended exchanges on a fixed set of
// workers. A continuation is never dropped: when the queue is full, or the
// pool is stopped, it gets a goroutine of its own.
type WorkerPool struct {
	tasks    chan func()
	stop     chan struct{}
	overflow atomic.Uint64
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewWorkerPool(workers, queueSize int) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	p := &WorkerPool{
		tasks: make(chan func(), queueSize),
		stop:  make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p
}

func (p *WorkerPool) run() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			task()
		case <-p.stop:
			return
		}
	}
}

// Execute implements pipeline.Executor.
func (p *WorkerPool) Execute(task func()) {
	select {
	case <-p.stop:
		go task()
		return
	default:
	}
	select {
	case p.tasks <- task:
	default:
		p.overflow.Add(1)
		go task()
	}
}

// Overflow is the number of tasks that ran outside the pool.
func (p *WorkerPool) Overflow() uint64 {
	return p.overflow.Load()
}

// Stop waits for the workers to finish their current task. Queued tasks
// that no worker picked up run on their own goroutines.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.wg.Wait()
		for {
			select {
			case task := <-p.tasks:
				go task()
			default:
				return
			}
		}
	})
}
