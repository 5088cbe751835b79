package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// dispatchPool is a bounded goroutine pool used to fan events out to
// global listeners without spawning one goroutine per event. Trimmed and
// adapted from the teacher's internal/workers/pool.go (Pipeline and
// BatchProcessor helpers dropped — this domain only needs Submit/Stop).
type dispatchPool struct {
	logger *zap.Logger
	tasks  chan func()

	running atomic.Bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	shutdownTimeout time.Duration
}

func newDispatchPool(logger *zap.Logger, workers, queueSize int) *dispatchPool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &dispatchPool{
		logger:          logger,
		tasks:           make(chan func(), queueSize),
		ctx:             ctx,
		cancel:          cancel,
		shutdownTimeout: 5 * time.Second,
	}
	p.start(workers)
	return p
}

func (p *dispatchPool) start(workers int) {
	p.running.Store(true)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
}

func (p *dispatchPool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.execute(task)
		}
	}
}

func (p *dispatchPool) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("recovered panic in event dispatch", zap.Any("panic", r))
		}
	}()
	task()
}

// Submit enqueues a task, dropping it (with a log) if the queue is full —
// per spec.md §5's back-pressure policy, excess work is rejected, never
// silently lost without trace.
func (p *dispatchPool) Submit(task func()) {
	if !p.running.Load() {
		return
	}
	select {
	case p.tasks <- task:
	default:
		p.logger.Warn("event dispatch queue full, dropping task")
	}
}

func (p *dispatchPool) Stop() {
	if !p.running.Swap(false) {
		return
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.shutdownTimeout):
		p.logger.Warn("dispatch pool shutdown timed out")
	}
}
