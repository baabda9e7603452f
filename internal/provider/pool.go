package provider

import (
	"sync"

	"github.com/couchcryptid/weather-tile-service/internal/observability"
)

// task is one unit of queued work. abort is called instead of run when the
// pool closes before the task starts.
type task struct {
	run   func()
	abort func()
}

// workerPool runs tasks on a fixed number of goroutines.
type workerPool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []task
	closed  bool
	wg      sync.WaitGroup
	metrics *observability.Metrics
}

func newWorkerPool(workers int, metrics *observability.Metrics) *workerPool {
	p := &workerPool{metrics: metrics}
	p.cond = sync.NewCond(&p.mu)
	for range max(workers, 1) {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

// submit queues t. It reports false if the pool is closed.
func (p *workerPool) submit(t task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.queue = append(p.queue, t)
	p.metrics.QueueDepth.Set(float64(len(p.queue)))
	p.cond.Signal()
	return true
}

func (p *workerPool) work() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		t := p.queue[0]
		p.queue[0] = task{}
		p.queue = p.queue[1:]
		p.metrics.QueueDepth.Set(float64(len(p.queue)))
		p.mu.Unlock()

		t.run()
	}
}

// close stops accepting work, aborts queued tasks and waits for running
// tasks to return.
func (p *workerPool) close() {
	p.mu.Lock()
	p.closed = true
	queued := p.queue
	p.queue = nil
	p.metrics.QueueDepth.Set(0)
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, t := range queued {
		t.abort()
	}
	p.wg.Wait()
}
