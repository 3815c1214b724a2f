package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

type Job struct {
	TaskID string
	URL    string
}

// Processor executes one job to completion.
type Processor interface {
	Process(ctx context.Context, taskID, url string) error
}

type PoolStats struct {
	Workers int `json:"workers"`
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

// Pool feeds jobs from a bounded queue to a fixed number of workers.
// With workers <= 0 every job gets its own goroutine and nothing is queued.
type Pool struct {
	proc    Processor
	workers int
	jobs    chan Job
	log     *zap.Logger

	wg      sync.WaitGroup
	running atomic.Int64
}

func NewPool(proc Processor, workers, queueSize int, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	if queueSize < 1 {
		queueSize = 1
	}
	p := &Pool{
		proc:    proc,
		workers: workers,
		log:     log.Named("pool"),
	}
	if workers > 0 {
		p.jobs = make(chan Job, queueSize)
	}
	return p
}

// Submit hands a job over without waiting for it to run.
func (p *Pool) Submit(job Job) error {
	if p.workers <= 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.execute(job)
		}()
		return nil
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run starts the workers and returns once ctx is done and every worker has
// left its loop. Jobs already executing are not interrupted; see Wait.
func (p *Pool) Run(ctx context.Context) error {
	if p.workers <= 0 {
		p.log.Warn("worker pool unbounded, one goroutine per job")
		<-ctx.Done()
		return nil
	}

	p.log.Info("worker pool started", zap.Int("workers", p.workers), zap.Int("queue", cap(p.jobs)))
	var loops sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		loops.Add(1)
		go func() {
			defer loops.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-p.jobs:
					p.wg.Add(1)
					p.execute(job)
					p.wg.Done()
				}
			}
		}()
	}
	loops.Wait()

	if n := len(p.jobs); n > 0 {
		p.log.Warn("dropping queued jobs on shutdown", zap.Int("count", n))
	}
	return nil
}

// Wait blocks until every started job has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) Stats() PoolStats {
	s := PoolStats{Workers: p.workers, Running: int(p.running.Load())}
	if p.jobs != nil {
		s.Queued = len(p.jobs)
	}
	return s
}

func (p *Pool) execute(job Job) {
	p.running.Add(1)
	defer p.running.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("job panicked", zap.String("task_id", job.TaskID), zap.Any("panic", r))
		}
	}()

	// Jobs are never cancelled once started.
	if err := p.proc.Process(context.Background(), job.TaskID, job.URL); err != nil {
		p.log.Debug("job finished with error", zap.String("task_id", job.TaskID), zap.Error(err))
	}
}
