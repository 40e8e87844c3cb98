package snap

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateJob is returned by Enqueue when a live job with the same
// fingerprint already exists. Synchronous-queue jobs are exempt: each
// sync request gets its own job to wait on.
var ErrDuplicateJob = errors.New("job with this fingerprint already queued")

// JobStore persists queued work. Implementations must make ClaimDue
// atomic: a job handed to one claimant is never handed to another
// until it is retried or released. Enqueue enforces fingerprint
// uniqueness across live non-sync jobs, so two racing identical
// requests create exactly one job even across processes.
type JobStore interface {
	// Enqueue stores a new queued job.
	Enqueue(ctx context.Context, job Job) error
	// ClaimDue atomically moves up to limit due jobs of the queue from
	// queued to running and returns them, oldest run time first.
	ClaimDue(ctx context.Context, queue Queue, limit int) ([]Job, error)
	// FindByFingerprint returns the newest live job with the
	// fingerprint, or nil when none exists.
	FindByFingerprint(ctx context.Context, fingerprint string) (*Job, error)
	// GetJob returns the job by id, or nil when it does not exist.
	GetJob(ctx context.Context, id string) (*Job, error)
	// Retry returns a running job to the queued state with an
	// incremented retry counter and the given next run time.
	Retry(ctx context.Context, id string, runAt time.Time) error
	// Complete removes a finished job.
	Complete(ctx context.Context, id string) error
	// ReleaseStale requeues jobs left running by a crashed process and
	// returns how many were released.
	ReleaseStale(ctx context.Context) (int, error)
	// DeleteByQueue removes every job of the queue.
	DeleteByQueue(ctx context.Context, queue Queue) (int, error)
	// DeleteByIDs removes the given jobs.
	DeleteByIDs(ctx context.Context, ids []string) (int, error)
	// Paginate lists jobs newest first. An empty queue matches all.
	Paginate(ctx context.Context, page, pageSize int, queue Queue) (JobPage, error)
	// Stats returns total and per-queue job counts.
	Stats(ctx context.Context) (Stats, error)
}

// SnapshotStore persists crawl results. Methods returning []string
// report content paths that lost their last snapshot reference; the
// caller is responsible for unlinking those files after the store
// change is durable.
type SnapshotStore interface {
	Upsert(ctx context.Context, sn Snapshot) error
	// ReplaceUpsert removes prior snapshots of the same URL and writes
	// the new row in a single transaction.
	ReplaceUpsert(ctx context.Context, sn Snapshot) ([]string, error)
	FindByJobID(ctx context.Context, jobID string) (*Snapshot, error)
	// LatestByURL returns the freshest successful snapshot for the
	// URL, or nil.
	LatestByURL(ctx context.Context, url string) (*Snapshot, error)
	Delete(ctx context.Context, jobIDs []string) ([]string, error)
}

// PageRenderer loads a page in a browser and captures its content.
// A returned error is treated as transient and retried; a nil error
// with an empty result is a permanent failure for the URL.
type PageRenderer interface {
	Render(ctx context.Context, p Payload) (RenderResult, error)
}

// RobotsPolicy decides whether a URL may be crawled.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints job ids.
type IDGenerator interface {
	NewID() (string, error)
}
