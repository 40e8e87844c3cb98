// Package memory provides in-memory job and snapshot stores for
// development and tests. Claim semantics match the Postgres store: a
// single critical section flips due jobs to running, so concurrent
// dispatchers never observe the same job twice.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/pagesnap/pagesnap/internal/snap"
)

// ErrJobExists is returned when enqueueing a duplicate job id.
var ErrJobExists = errors.New("job already exists")

// ErrJobNotFound is returned for operations on unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// JobStore is an in-memory snap.JobStore.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]snap.Job
	now  func() time.Time
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]snap.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source, for tests.
func (s *JobStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Enqueue stores a new queued job. Matches the Postgres partial unique
// index: one live job per fingerprint outside the sync queue.
func (s *JobStore) Enqueue(_ context.Context, job snap.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return ErrJobExists
	}
	if job.Queue != snap.QueueSyncCrawler && job.Fingerprint != "" {
		for _, existing := range s.jobs {
			if existing.Fingerprint == job.Fingerprint && !existing.Cancelled &&
				existing.Queue != snap.QueueSyncCrawler {
				return snap.ErrDuplicateJob
			}
		}
	}
	job.State = snap.JobStateQueued
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = s.now()
	}
	if job.RunAt.IsZero() {
		job.RunAt = job.EnqueuedAt
	}
	s.jobs[job.ID] = job
	return nil
}

// ClaimDue atomically claims up to limit due jobs of the queue, oldest
// RunAt first.
func (s *JobStore) ClaimDue(_ context.Context, queue snap.Queue, limit int) ([]snap.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		return nil, nil
	}
	now := s.now()

	var due []snap.Job
	for _, job := range s.jobs {
		if job.Queue != queue || job.State != snap.JobStateQueued || job.Cancelled {
			continue
		}
		if job.RunAt.After(now) {
			continue
		}
		due = append(due, job)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].RunAt.Equal(due[j].RunAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].RunAt.Before(due[j].RunAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].State = snap.JobStateRunning
		s.jobs[due[i].ID] = due[i]
	}
	return due, nil
}

// FindByFingerprint returns the newest non-cancelled job with the
// fingerprint, or nil.
func (s *JobStore) FindByFingerprint(_ context.Context, fingerprint string) (*snap.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *snap.Job
	for id := range s.jobs {
		job := s.jobs[id]
		if job.Fingerprint != fingerprint || job.Cancelled {
			continue
		}
		if found == nil || job.EnqueuedAt.After(found.EnqueuedAt) {
			j := job
			found = &j
		}
	}
	return found, nil
}

// GetJob returns the job by id, or nil.
func (s *JobStore) GetJob(_ context.Context, id string) (*snap.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return &job, nil
}

// Retry returns a job to the claimable pool with an incremented retry
// counter and a new run time.
func (s *JobStore) Retry(_ context.Context, id string, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.RetryCount++
	job.RunAt = runAt
	job.State = snap.JobStateQueued
	s.jobs[id] = job
	return nil
}

// Complete removes a finished job.
func (s *JobStore) Complete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}

// ReleaseStale returns running jobs to the queued state.
func (s *JobStore) ReleaseStale(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	released := 0
	for id, job := range s.jobs {
		if job.State == snap.JobStateRunning {
			job.State = snap.JobStateQueued
			s.jobs[id] = job
			released++
		}
	}
	return released, nil
}

// DeleteByQueue removes every job of the queue and returns the count.
func (s *JobStore) DeleteByQueue(_ context.Context, queue snap.Queue) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, job := range s.jobs {
		if job.Queue == queue {
			delete(s.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

// DeleteByIDs removes the given jobs and returns the count removed.
func (s *JobStore) DeleteByIDs(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for _, id := range ids {
		if _, ok := s.jobs[id]; ok {
			delete(s.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

// Paginate lists jobs newest first, optionally filtered by queue.
func (s *JobStore) Paginate(_ context.Context, page, pageSize int, queue snap.Queue) (snap.JobPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	var items []snap.Job
	for _, job := range s.jobs {
		if queue != "" && job.Queue != queue {
			continue
		}
		items = append(items, job)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].EnqueuedAt.After(items[j].EnqueuedAt)
	})

	total := len(items)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return snap.JobPage{Items: items[start:end], Total: total}, nil
}

// Stats returns total and per-queue job counts.
func (s *JobStore) Stats(_ context.Context) (snap.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[snap.Queue]int)
	for _, job := range s.jobs {
		counts[job.Queue]++
	}
	stats := snap.Stats{Total: len(s.jobs)}
	for queue, n := range counts {
		stats.Queues = append(stats.Queues, snap.QueueStat{Queue: queue, Count: n})
	}
	sort.Slice(stats.Queues, func(i, j int) bool {
		return stats.Queues[i].Queue < stats.Queues[j].Queue
	})
	return stats, nil
}
