package workerpool

import (
	"context"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Error is the class of worker pool failures.
var Error = errs.Class("workerpool")

// Task is a unit of work run by the pool.
type Task = func(ctx context.Context)

// Pool runs tasks on a fixed number of workers. Submit never drops and
// never blocks: when every worker is busy the task waits in the backlog.
type Pool struct {
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cond    *sync.Cond
	backlog []Task
	closed  bool

	wg sync.WaitGroup
}

// New creates a new pool and starts its workers. backlogHint is only the
// initial capacity of the backlog, which grows without bound.
func New(workers, backlogHint int, log *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if backlogHint < 0 {
		backlogHint = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		log:     log.Named("workerpool"),
		ctx:     ctx,
		cancel:  cancel,
		backlog: make([]Task, 0, backlogHint),
	}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func(idx int) {
			defer p.wg.Done()
			p.work(idx)
		}(i)
	}
	return p
}

// Submit queues task. It fails only after Shutdown.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return Error.New("pool is shut down")
	}
	p.backlog = append(p.backlog, task)
	p.cond.Signal()
	return nil
}

// Pending returns the number of tasks waiting for a worker.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.backlog)
}

// Shutdown stops accepting tasks and waits for queued ones to finish. When
// ctx ends first, running tasks see their context cancelled and queued
// tasks are discarded.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		dropped := len(p.backlog)
		p.backlog = nil
		p.mu.Unlock()
		p.cancel()
		<-done
		if dropped > 0 {
			p.log.Warn("discarded queued tasks on shutdown", zap.Int("dropped", dropped))
		}
		return Error.Wrap(ctx.Err())
	}
}

func (p *Pool) work(idx int) {
	for {
		p.mu.Lock()
		for len(p.backlog) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.backlog) == 0 {
			p.mu.Unlock()
			return
		}
		task := p.backlog[0]
		p.backlog[0] = nil
		p.backlog = p.backlog[1:]
		p.mu.Unlock()

		p.run(idx, task)
	}
}

func (p *Pool) run(idx int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("task panicked", zap.Int("worker", idx), zap.Any("panic", r))
		}
	}()
	task(p.ctx)
}
