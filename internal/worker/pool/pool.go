// Package pool provides a fixed-size worker pool for heavy frame analysis.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultSize is the default number of workers.
	DefaultSize = 4

	// DefaultQueueDepth is the default number of jobs that may wait for a worker.
	DefaultQueueDepth = 64
)

// Job is a unit of work. ctx is cancelled only when the pool is force-closed.
type Job func(ctx context.Context)

// Stats is a point-in-time view of pool activity.
type Stats struct {
	Size       int   `json:"size"`
	QueueDepth int   `json:"queue_depth"`
	Queued     int64 `json:"queued"`
	InFlight   int64 `json:"in_flight"`
	Completed  int64 `json:"completed"`
	Rejected   int64 `json:"rejected"`
	Panics     int64 `json:"panics"`
}

// Pool runs jobs on a fixed set of goroutines fed from a bounded queue.
// Submission never blocks: a full queue rejects the job.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan Job
	group  errgroup.Group

	size       int
	queueDepth int

	queued    atomic.Int64
	inFlight  atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
	panics    atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// New starts a pool with size workers and room for queueDepth waiting jobs.
func New(size, queueDepth int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	if queueDepth < 0 {
		queueDepth = DefaultQueueDepth
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		ctx:        ctx,
		cancel:     cancel,
		jobs:       make(chan Job, queueDepth),
		size:       size,
		queueDepth: queueDepth,
	}

	for i := 0; i < size; i++ {
		workerID := i
		p.group.Go(func() error {
			p.work(workerID)
			return nil
		})
	}

	log.Debug().Int("size", size).Int("queueDepth", queueDepth).Msg("Worker pool started")
	return p
}

// TrySubmit enqueues job without blocking. It returns false when the queue is
// full or the pool is closed.
func (p *Pool) TrySubmit(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false
	}

	// Count before the send so a fast worker never drives the gauge negative.
	p.queued.Add(1)
	select {
	case p.jobs <- job:
		return true
	default:
		p.queued.Add(-1)
		p.rejected.Add(1)
		return false
	}
}

func (p *Pool) work(id int) {
	for job := range p.jobs {
		p.queued.Add(-1)
		p.inFlight.Add(1)
		p.run(id, job)
		p.inFlight.Add(-1)
		p.completed.Add(1)
	}
}

// run executes a job, containing any panic to that job.
func (p *Pool) run(id int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			log.Error().
				Int("worker", id).
				Str("panic", fmt.Sprint(r)).
				Msg("Recovered panic in pool job")
		}
	}()
	job(p.ctx)
}

// Close stops accepting jobs and waits for queued and running jobs to finish.
// If ctx expires first, running jobs see their context cancelled and Close
// returns ctx.Err() without waiting further.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Stats returns current pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Size:       p.size,
		QueueDepth: p.queueDepth,
		Queued:     p.queued.Load(),
		InFlight:   p.inFlight.Load(),
		Completed:  p.completed.Load(),
		Rejected:   p.rejected.Load(),
		Panics:     p.panics.Load(),
	}
}
