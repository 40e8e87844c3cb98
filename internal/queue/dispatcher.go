package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pagesnap/pagesnap/internal/metrics"
	"github.com/pagesnap/pagesnap/internal/snap"
)

// Dispatcher polls one queue for due jobs and hands them to the worker,
// keeping at most limit jobs in flight.
type Dispatcher struct {
	queue    snap.Queue
	limit    int
	poll     time.Duration
	jobs     snap.JobStore
	worker   *Worker
	log      *zap.Logger
	inflight atomic.Int64
}

// NewDispatcher creates a Dispatcher for the queue.
func NewDispatcher(queue snap.Queue, limit int, poll time.Duration, jobs snap.JobStore, worker *Worker, log *zap.Logger) *Dispatcher {
	if limit < 1 {
		limit = 1
	}
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &Dispatcher{
		queue:  queue,
		limit:  limit,
		poll:   poll,
		jobs:   jobs,
		worker: worker,
		log:    log.With(zap.String("queue", string(queue))),
	}
}

// Run polls until the context is cancelled, then waits for in-flight
// jobs to drain.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info("dispatcher started",
		zap.Int("concurrency", d.limit),
		zap.Duration("poll", d.poll))

	var wg sync.WaitGroup
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			d.log.Info("dispatcher stopped")
			return
		case <-ticker.C:
			d.claimAndRun(ctx, &wg)
		}
	}
}

func (d *Dispatcher) claimAndRun(ctx context.Context, wg *sync.WaitGroup) {
	free := d.limit - int(d.inflight.Load())
	if free <= 0 {
		return
	}
	claimed, err := d.jobs.ClaimDue(ctx, d.queue, free)
	if err != nil {
		if ctx.Err() == nil {
			d.log.Error("claim failed", zap.Error(err))
		}
		return
	}
	for _, job := range claimed {
		job := job
		d.inflight.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer d.inflight.Add(-1)
			if err := d.worker.Process(ctx, job); err != nil {
				d.log.Error("job processing failed",
					zap.String("job_id", job.ID),
					zap.Error(err))
			}
		}()
	}
}

// Engine runs a dispatcher per queue plus a periodic queue depth gauge
// refresh.
type Engine struct {
	dispatchers []*Dispatcher
	jobs        snap.JobStore
	log         *zap.Logger
}

// NewEngine builds dispatchers for every queue. The concurrency func
// maps a queue to its in-flight limit.
func NewEngine(jobs snap.JobStore, worker *Worker, poll time.Duration, concurrency func(snap.Queue) int, log *zap.Logger) *Engine {
	e := &Engine{jobs: jobs, log: log}
	for _, q := range snap.Queues() {
		e.dispatchers = append(e.dispatchers,
			NewDispatcher(q, concurrency(q), poll, jobs, worker, log))
	}
	return e
}

// Run blocks until the context is cancelled and all dispatchers drain.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, d := range e.dispatchers {
		d := d
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Run(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.refreshGauges(ctx)
	}()
	wg.Wait()
}

func (e *Engine) refreshGauges(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := e.jobs.Stats(ctx)
			if err != nil {
				if ctx.Err() == nil {
					e.log.Warn("queue stats refresh failed", zap.Error(err))
				}
				continue
			}
			metrics.ResetQueueSize()
			for _, qs := range stats.Queues {
				metrics.SetQueueSize(string(qs.Queue), qs.Count)
			}
		}
	}
}
