// Package service is the application facade: it accepts crawl
// requests, routes them to queues with fingerprint deduplication, and
// serves formatted snapshots back out.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pagesnap/pagesnap/internal/content"
	"github.com/pagesnap/pagesnap/internal/metrics"
	"github.com/pagesnap/pagesnap/internal/queue"
	"github.com/pagesnap/pagesnap/internal/snap"
)

// ErrWaitTimeout is returned when a synchronous crawl outlives its
// client timeout. The job keeps running in the background.
var ErrWaitTimeout = errors.New("timed out waiting for crawl result")

// Service wires the stores, the queue engine, and the content layer
// behind one API.
type Service struct {
	jobs      snap.JobStore
	snapshots snap.SnapshotStore
	content   *content.Store
	registry  *queue.Registry
	clock     snap.Clock
	ids       snap.IDGenerator
	appURL    string
	log       *zap.Logger
}

// New creates a Service. appURL is the public base URL used to build
// absolute screenshot links.
func New(jobs snap.JobStore, snapshots snap.SnapshotStore, store *content.Store,
	registry *queue.Registry, clock snap.Clock, ids snap.IDGenerator,
	appURL string, log *zap.Logger) *Service {
	return &Service{
		jobs:      jobs,
		snapshots: snapshots,
		content:   store,
		registry:  registry,
		clock:     clock,
		ids:       ids,
		appURL:    strings.TrimRight(appURL, "/"),
		log:       log,
	}
}

// EnqueueResult reports where a crawl request ended up.
type EnqueueResult struct {
	JobID   string `json:"jobId"`
	Queue   string `json:"queue"`
	Deduped bool   `json:"deduped"`
}

// Crawl accepts a page crawl request. Matching in-flight jobs are
// coalesced unless the request is synchronous; sync requests always
// get their own job so the caller can wait on it.
func (s *Service) Crawl(ctx context.Context, p snap.Payload) (EnqueueResult, error) {
	p.URL = snap.NormalizeURL(p.URL)
	if p.URL == "" {
		return EnqueueResult{}, fmt.Errorf("url is required")
	}
	q := snap.QueueURLCrawler
	if p.Sync {
		q = snap.QueueSyncCrawler
	}
	return s.enqueue(ctx, q, p, !p.Sync)
}

// EnqueueTo places a payload on an explicit queue with deduplication.
// The sitemap scheduler uses it to route re-crawls to cronJobs.
func (s *Service) EnqueueTo(ctx context.Context, q snap.Queue, p snap.Payload) (EnqueueResult, error) {
	p.URL = snap.NormalizeURL(p.URL)
	if p.URL == "" {
		return EnqueueResult{}, fmt.Errorf("url is required")
	}
	return s.enqueue(ctx, q, p, true)
}

func (s *Service) enqueue(ctx context.Context, q snap.Queue, p snap.Payload, dedup bool) (EnqueueResult, error) {
	fingerprint := snap.Fingerprint(p)
	if dedup {
		existing, err := s.jobs.FindByFingerprint(ctx, fingerprint)
		if err != nil {
			return EnqueueResult{}, fmt.Errorf("dedup lookup: %w", err)
		}
		if existing != nil {
			s.log.Debug("request coalesced onto existing job",
				zap.String("job_id", existing.ID),
				zap.String("url", p.URL))
			return EnqueueResult{JobID: existing.ID, Queue: string(existing.Queue), Deduped: true}, nil
		}
	}

	id, err := s.ids.NewID()
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("mint job id: %w", err)
	}
	now := s.clock.Now()
	runAt := now
	if p.Delay > 0 {
		runAt = now.Add(time.Duration(p.Delay) * time.Millisecond)
	}
	job := snap.Job{
		ID:          id,
		Queue:       q,
		Payload:     p,
		Fingerprint: fingerprint,
		State:       snap.JobStateQueued,
		RunAt:       runAt,
		EnqueuedAt:  now,
	}
	if err := s.jobs.Enqueue(ctx, job); err != nil {
		if errors.Is(err, snap.ErrDuplicateJob) {
			// Lost a race with an identical request; hand back the
			// winner's job.
			existing, ferr := s.jobs.FindByFingerprint(ctx, fingerprint)
			if ferr == nil && existing != nil {
				return EnqueueResult{JobID: existing.ID, Queue: string(existing.Queue), Deduped: true}, nil
			}
		}
		return EnqueueResult{}, fmt.Errorf("enqueue job: %w", err)
	}
	metrics.ObserveEnqueue(string(q))
	s.log.Info("job enqueued",
		zap.String("job_id", id),
		zap.String("queue", string(q)),
		zap.String("url", p.URL))
	return EnqueueResult{JobID: id, Queue: string(q)}, nil
}

// WaitForResult blocks until the job finishes or the timeout elapses.
func (s *Service) WaitForResult(ctx context.Context, jobID string, timeout time.Duration) (*SnapshotView, error) {
	ch, cancel := s.registry.Register(jobID)
	defer cancel()

	// The job may have finished before the waiter registered.
	view, err := s.GetSnapshot(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if view != nil && view.Status != string(snap.StatusPending) {
		return view, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case sn := <-ch:
		return s.format(ctx, sn)
	case <-timer.C:
		return nil, ErrWaitTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetSnapshot returns the formatted snapshot for a job. A job still in
// the queue yields a pending view; an unknown id yields nil.
func (s *Service) GetSnapshot(ctx context.Context, jobID string) (*SnapshotView, error) {
	sn, err := s.snapshots.FindByJobID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("find snapshot: %w", err)
	}
	if sn != nil {
		return s.format(ctx, *sn)
	}

	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("find job: %w", err)
	}
	if job == nil {
		metrics.ObserveSnapshotRead("miss")
		return nil, nil
	}
	metrics.ObserveSnapshotRead("pending")
	return &SnapshotView{
		JobID:  job.ID,
		URL:    job.Payload.URL,
		Status: string(snap.StatusPending),
	}, nil
}

// GetLatestSnapshot returns the freshest successful snapshot for the
// URL, or nil.
func (s *Service) GetLatestSnapshot(ctx context.Context, url string) (*SnapshotView, error) {
	sn, err := s.snapshots.LatestByURL(ctx, snap.NormalizeURL(url))
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	if sn == nil {
		metrics.ObserveSnapshotRead("miss")
		return nil, nil
	}
	return s.format(ctx, *sn)
}

// LatestSnapshotRow returns the raw latest successful snapshot row for
// the URL without formatting. The sitemap scheduler reads it for
// staleness checks.
func (s *Service) LatestSnapshotRow(ctx context.Context, url string) (*snap.Snapshot, error) {
	return s.snapshots.LatestByURL(ctx, snap.NormalizeURL(url))
}

// Stats returns job counts across queues.
func (s *Service) Stats(ctx context.Context) (snap.Stats, error) {
	return s.jobs.Stats(ctx)
}

// Paginate lists jobs for the admin API.
func (s *Service) Paginate(ctx context.Context, page, pageSize int, q snap.Queue) (snap.JobPage, error) {
	return s.jobs.Paginate(ctx, page, pageSize, q)
}

// DeleteByQueue removes every job of the queue.
func (s *Service) DeleteByQueue(ctx context.Context, q snap.Queue) (int, error) {
	n, err := s.jobs.DeleteByQueue(ctx, q)
	if err != nil {
		return 0, err
	}
	s.log.Info("queue purged", zap.String("queue", string(q)), zap.Int("jobs", n))
	return n, nil
}

// DeleteByIDs removes the given jobs and their snapshots, unlinking
// content files that lost their last reference.
func (s *Service) DeleteByIDs(ctx context.Context, ids []string) (int, error) {
	n, err := s.jobs.DeleteByIDs(ctx, ids)
	if err != nil {
		return 0, err
	}
	orphaned, err := s.snapshots.Delete(ctx, ids)
	if err != nil {
		return n, fmt.Errorf("delete snapshots: %w", err)
	}
	if len(orphaned) > 0 {
		reclaimed := s.content.Remove(orphaned)
		metrics.ObserveContentReclaimed(reclaimed)
	}
	return n, nil
}
