// Package worker runs generation jobs on a fixed set of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrStopped   = errors.New("worker pool stopped")
	ErrQueueFull = errors.New("worker queue full")
)

// Job is one unit of work. Run receives a context that is cancelled when the
// pool stops.
type Job struct {
	ID   string
	Type string
	Run  func(ctx context.Context) error
}

type Pool struct {
	jobs        chan Job
	workerCount int
	logger      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	stopped  bool
	stopOnce sync.Once
}

func NewPool(workerCount, queueSize int, logger *zap.Logger) *Pool {
	if workerCount <= 0 {
		workerCount = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		jobs:        make(chan Job, queueSize),
		workerCount: workerCount,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("started worker goroutines", zap.Int("count", p.workerCount))
}

// Submit enqueues a job. It blocks while the queue is full until ctx is done.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrStopped
	}

	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrQueueFull, ctx.Err())
	case <-p.ctx.Done():
		return ErrStopped
	}
}

// Stop cancels running jobs and waits for the workers to exit. Queued jobs
// that have not started are dropped.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()

		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()

		p.wg.Wait()
		p.logger.Info("worker pool stopped")
	})
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for job := range p.jobs {
		if p.ctx.Err() != nil {
			p.logger.Debug("dropping job after shutdown", zap.Int("worker", id), zap.String("job_id", job.ID))
			continue
		}
		p.run(id, job)
	}

	p.logger.Debug("worker shutting down", zap.Int("worker", id))
}

func (p *Pool) run(id int, job Job) {
	start := time.Now()
	log := p.logger.With(zap.Int("worker", id), zap.String("job_id", job.ID), zap.String("type", job.Type))

	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", zap.Any("panic", r))
		}
	}()

	log.Debug("processing job")
	if err := job.Run(p.ctx); err != nil {
		log.Warn("job failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return
	}
	log.Debug("job completed", zap.Duration("elapsed", time.Since(start)))
}
