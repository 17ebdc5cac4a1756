// Package worker runs fetch jobs on a bounded pool of goroutines.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/crawl-scheduler/internal/metrics"
)

// Job is one unit of work. ctx is cancelled only when a drain times out.
type Job func(ctx context.Context)

// Pool bounds concurrent jobs. Submission never blocks: a full pool rejects.
type Pool struct {
	size     int64
	sem      *semaphore.Weighted
	inFlight atomic.Int64
	closed   atomic.Bool
	wg       sync.WaitGroup
	base     context.Context
	cancel   context.CancelFunc
	logger   *zap.Logger
}

// New creates a pool of size slots.
func New(size int, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// Jobs run detached from the caller's lifecycle so shutdown can let
	// in-flight fetches finish.
	base, cancel := context.WithCancel(context.Background())
	return &Pool{
		size:   int64(size),
		sem:    semaphore.NewWeighted(int64(size)),
		base:   base,
		cancel: cancel,
		logger: logger.Named("worker"),
	}
}

// TrySubmit starts job if a slot is free.
func (p *Pool) TrySubmit(job Job) bool {
	if p.closed.Load() {
		return false
	}
	if !p.sem.TryAcquire(1) {
		return false
	}
	p.inFlight.Add(1)
	metrics.IncInFlight()
	p.wg.Add(1)
	go p.run(job)
	return true
}

func (p *Pool) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked", zap.Error(fmt.Errorf("panic: %v", r)))
		}
		p.inFlight.Add(-1)
		metrics.DecInFlight()
		p.sem.Release(1)
		p.wg.Done()
	}()
	job(p.base)
}

// Size returns the slot count.
func (p *Pool) Size() int {
	return int(p.size)
}

// InFlight returns the number of running jobs.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

// Available returns the number of free slots.
func (p *Pool) Available() int {
	return p.Size() - p.InFlight()
}

// Drain stops accepting jobs and waits up to timeout for running ones. On
// timeout the job context is cancelled and Drain waits for the jobs to return
// before reporting false.
func (p *Pool) Drain(timeout time.Duration) bool {
	p.closed.Store(true)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		p.cancel()
		return true
	case <-timer.C:
		p.logger.Warn("drain timed out; cancelling in-flight jobs", zap.Int("in_flight", p.InFlight()))
		p.cancel()
		<-done
		return false
	}
}
