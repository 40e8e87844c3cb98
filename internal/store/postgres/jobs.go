package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pagesnap/pagesnap/internal/snap"
)

const jobColumns = `id, queue, payload, fingerprint, state, retry_count, run_at, enqueued_at, cancelled`

// JobStore is a Postgres-backed snap.JobStore.
type JobStore struct {
	pool Pool
}

// NewJobStore constructs a JobStore over an existing pool.
func NewJobStore(pool Pool) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// Enqueue inserts a new queued job.
func (s *JobStore) Enqueue(ctx context.Context, job snap.Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	if job.RunAt.IsZero() {
		job.RunAt = job.EnqueuedAt
	}
	query := `
INSERT INTO snap_jobs (id, queue, payload, fingerprint, state, retry_count, run_at, enqueued_at, cancelled)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = s.pool.Exec(ctx, query,
		job.ID, string(job.Queue), payload, job.Fingerprint,
		string(snap.JobStateQueued), job.RetryCount, job.RunAt, job.EnqueuedAt, job.Cancelled)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "snap_jobs_fingerprint_uniq" {
			return snap.ErrDuplicateJob
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// ClaimDue flips up to limit due jobs of the queue to running and
// returns them. SKIP LOCKED keeps concurrent dispatchers from claiming
// the same row.
func (s *JobStore) ClaimDue(ctx context.Context, queue snap.Queue, limit int) ([]snap.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `
UPDATE snap_jobs SET state = 'running'
WHERE id IN (
	SELECT id FROM snap_jobs
	WHERE queue = $1 AND state = 'queued' AND NOT cancelled AND run_at <= now()
	ORDER BY run_at, id
	FOR UPDATE SKIP LOCKED
	LIMIT $2
)
RETURNING ` + jobColumns
	rows, err := s.pool.Query(ctx, query, string(queue), limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// FindByFingerprint returns the newest live job with the fingerprint,
// or nil.
func (s *JobStore) FindByFingerprint(ctx context.Context, fingerprint string) (*snap.Job, error) {
	query := `
SELECT ` + jobColumns + ` FROM snap_jobs
WHERE fingerprint = $1 AND NOT cancelled
ORDER BY enqueued_at DESC
LIMIT 1`
	return s.queryOne(ctx, query, fingerprint)
}

// GetJob returns the job by id, or nil.
func (s *JobStore) GetJob(ctx context.Context, id string) (*snap.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM snap_jobs WHERE id = $1`
	return s.queryOne(ctx, query, id)
}

func (s *JobStore) queryOne(ctx context.Context, query string, args ...any) (*snap.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}
	defer rows.Close()
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

// Retry requeues the job with an incremented retry counter.
func (s *JobStore) Retry(ctx context.Context, id string, runAt time.Time) error {
	query := `
UPDATE snap_jobs
SET state = 'queued', retry_count = retry_count + 1, run_at = $2
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, runAt)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("retry job %s: not found", id)
	}
	return nil
}

// Complete deletes the finished job row.
func (s *JobStore) Complete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM snap_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete job %s: not found", id)
	}
	return nil
}

// ReleaseStale requeues jobs left running by a previous process.
func (s *JobStore) ReleaseStale(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE snap_jobs SET state = 'queued' WHERE state = 'running'`)
	if err != nil {
		return 0, fmt.Errorf("release stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteByQueue removes every job of the queue.
func (s *JobStore) DeleteByQueue(ctx context.Context, queue snap.Queue) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM snap_jobs WHERE queue = $1`, string(queue))
	if err != nil {
		return 0, fmt.Errorf("delete jobs by queue: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteByIDs removes the given jobs.
func (s *JobStore) DeleteByIDs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM snap_jobs WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("delete jobs by ids: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Paginate lists jobs newest first, optionally filtered by queue.
func (s *JobStore) Paginate(ctx context.Context, page, pageSize int, queue snap.Queue) (snap.JobPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	var (
		total int
		err   error
	)
	if queue == "" {
		err = s.pool.QueryRow(ctx, `SELECT count(*) FROM snap_jobs`).Scan(&total)
	} else {
		err = s.pool.QueryRow(ctx, `SELECT count(*) FROM snap_jobs WHERE queue = $1`, string(queue)).Scan(&total)
	}
	if err != nil {
		return snap.JobPage{}, fmt.Errorf("count jobs: %w", err)
	}

	var rows pgx.Rows
	if queue == "" {
		rows, err = s.pool.Query(ctx, `
SELECT `+jobColumns+` FROM snap_jobs
ORDER BY enqueued_at DESC
LIMIT $1 OFFSET $2`, pageSize, offset)
	} else {
		rows, err = s.pool.Query(ctx, `
SELECT `+jobColumns+` FROM snap_jobs
WHERE queue = $1
ORDER BY enqueued_at DESC
LIMIT $2 OFFSET $3`, string(queue), pageSize, offset)
	}
	if err != nil {
		return snap.JobPage{}, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	items, err := scanJobs(rows)
	if err != nil {
		return snap.JobPage{}, err
	}
	return snap.JobPage{Items: items, Total: total}, nil
}

// Stats returns total and per-queue job counts.
func (s *JobStore) Stats(ctx context.Context) (snap.Stats, error) {
	rows, err := s.pool.Query(ctx, `SELECT queue, count(*) FROM snap_jobs GROUP BY queue ORDER BY queue`)
	if err != nil {
		return snap.Stats{}, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	var stats snap.Stats
	for rows.Next() {
		var (
			queue string
			count int
		)
		if err := rows.Scan(&queue, &count); err != nil {
			return snap.Stats{}, fmt.Errorf("scan job stats: %w", err)
		}
		stats.Queues = append(stats.Queues, snap.QueueStat{Queue: snap.Queue(queue), Count: count})
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return snap.Stats{}, fmt.Errorf("job stats rows: %w", err)
	}
	return stats, nil
}

func scanJobs(rows pgx.Rows) ([]snap.Job, error) {
	var jobs []snap.Job
	for rows.Next() {
		var (
			job     snap.Job
			queue   string
			payload []byte
			state   string
		)
		if err := rows.Scan(&job.ID, &queue, &payload, &job.Fingerprint, &state,
			&job.RetryCount, &job.RunAt, &job.EnqueuedAt, &job.Cancelled); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload for job %s: %w", job.ID, err)
		}
		job.Queue = snap.Queue(queue)
		job.State = snap.JobState(state)
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job rows: %w", err)
	}
	return jobs, nil
}
