package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pagesnap/pagesnap/internal/snap"
)

const snapshotColumns = `job_id, url, status, html, screenshot, error, last_modified, replace, meta, options, created_at, updated_at`

// SnapshotStore is a Postgres-backed snap.SnapshotStore.
type SnapshotStore struct {
	pool Pool
}

// NewSnapshotStore constructs a SnapshotStore over an existing pool.
func NewSnapshotStore(pool Pool) (*SnapshotStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &SnapshotStore{pool: pool}, nil
}

// Upsert inserts or replaces the snapshot row keyed by job id.
func (s *SnapshotStore) Upsert(ctx context.Context, sn snap.Snapshot) error {
	query, args, err := upsertQuery(sn)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// ReplaceUpsert deletes prior snapshots of the same URL, writes the new
// row, and returns content paths no remaining snapshot references. The
// whole exchange runs in one transaction; reference counts are measured
// after the deletes so a path reused by the new row is never orphaned.
func (s *SnapshotStore) ReplaceUpsert(ctx context.Context, sn snap.Snapshot) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback(ctx)

	candidates, err := contentPaths(ctx, tx, `
SELECT html, screenshot FROM snap_snapshots
WHERE url = $1 AND job_id <> $2
FOR UPDATE`, sn.URL, sn.JobID)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM snap_snapshots WHERE url = $1 AND job_id <> $2`, sn.URL, sn.JobID); err != nil {
		return nil, fmt.Errorf("delete replaced snapshots: %w", err)
	}

	query, args, err := upsertQuery(sn)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("upsert snapshot: %w", err)
	}

	orphaned, err := orphanedPaths(ctx, tx, candidates)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit replace: %w", err)
	}
	return orphaned, nil
}

// FindByJobID returns the snapshot for the job, or nil.
func (s *SnapshotStore) FindByJobID(ctx context.Context, jobID string) (*snap.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snap_snapshots WHERE job_id = $1`
	return s.queryOne(ctx, query, jobID)
}

// LatestByURL returns the freshest successful snapshot for the URL, or
// nil.
func (s *SnapshotStore) LatestByURL(ctx context.Context, url string) (*snap.Snapshot, error) {
	query := `
SELECT ` + snapshotColumns + ` FROM snap_snapshots
WHERE url = $1 AND status = 'success'
ORDER BY last_modified DESC, updated_at DESC
LIMIT 1`
	return s.queryOne(ctx, query, url)
}

func (s *SnapshotStore) queryOne(ctx context.Context, query string, args ...any) (*snap.Snapshot, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	defer rows.Close()
	snapshots, err := scanSnapshots(rows)
	if err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		return nil, nil
	}
	return &snapshots[0], nil
}

// Delete removes the snapshot rows in one transaction and returns
// content paths that lost their last reference.
func (s *SnapshotStore) Delete(ctx context.Context, jobIDs []string) ([]string, error) {
	if len(jobIDs) == 0 {
		return nil, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback(ctx)

	candidates, err := contentPaths(ctx, tx, `
SELECT html, screenshot FROM snap_snapshots
WHERE job_id = ANY($1)
FOR UPDATE`, jobIDs)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM snap_snapshots WHERE job_id = ANY($1)`, jobIDs); err != nil {
		return nil, fmt.Errorf("delete snapshots: %w", err)
	}

	orphaned, err := orphanedPaths(ctx, tx, candidates)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit delete: %w", err)
	}
	return orphaned, nil
}

func upsertQuery(sn snap.Snapshot) (string, []any, error) {
	meta, err := json.Marshal(sn.Meta)
	if err != nil {
		return "", nil, fmt.Errorf("marshal meta: %w", err)
	}
	options, err := json.Marshal(sn.Options)
	if err != nil {
		return "", nil, fmt.Errorf("marshal options: %w", err)
	}
	now := time.Now().UTC()
	query := `
INSERT INTO snap_snapshots (job_id, url, status, html, screenshot, error, last_modified, replace, meta, options, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
ON CONFLICT (job_id) DO UPDATE SET
	url = EXCLUDED.url,
	status = EXCLUDED.status,
	html = EXCLUDED.html,
	screenshot = EXCLUDED.screenshot,
	error = EXCLUDED.error,
	last_modified = EXCLUDED.last_modified,
	replace = EXCLUDED.replace,
	meta = EXCLUDED.meta,
	options = EXCLUDED.options,
	updated_at = EXCLUDED.updated_at`
	args := []any{
		sn.JobID, sn.URL, string(sn.Status), sn.HTML, sn.Screenshot,
		sn.Error, sn.LastModified, sn.Replace, meta, options, now,
	}
	return query, args, nil
}

func contentPaths(ctx context.Context, tx pgx.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select content paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	seen := make(map[string]bool)
	for rows.Next() {
		var html, screenshot string
		if err := rows.Scan(&html, &screenshot); err != nil {
			return nil, fmt.Errorf("scan content paths: %w", err)
		}
		for _, p := range []string{html, screenshot} {
			if p != "" && !seen[p] {
				seen[p] = true
				paths = append(paths, p)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("content path rows: %w", err)
	}
	return paths, nil
}

func orphanedPaths(ctx context.Context, tx pgx.Tx, candidates []string) ([]string, error) {
	var orphaned []string
	for _, path := range candidates {
		var refs int
		err := tx.QueryRow(ctx,
			`SELECT count(*) FROM snap_snapshots WHERE html = $1 OR screenshot = $1`, path).Scan(&refs)
		if err != nil {
			return nil, fmt.Errorf("count references for %s: %w", path, err)
		}
		if refs == 0 {
			orphaned = append(orphaned, path)
		}
	}
	return orphaned, nil
}

func scanSnapshots(rows pgx.Rows) ([]snap.Snapshot, error) {
	var snapshots []snap.Snapshot
	for rows.Next() {
		var (
			sn      snap.Snapshot
			status  string
			meta    []byte
			options []byte
		)
		if err := rows.Scan(&sn.JobID, &sn.URL, &status, &sn.HTML, &sn.Screenshot,
			&sn.Error, &sn.LastModified, &sn.Replace, &meta, &options,
			&sn.CreatedAt, &sn.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if err := json.Unmarshal(meta, &sn.Meta); err != nil {
			return nil, fmt.Errorf("unmarshal meta for snapshot %s: %w", sn.JobID, err)
		}
		if err := json.Unmarshal(options, &sn.Options); err != nil {
			return nil, fmt.Errorf("unmarshal options for snapshot %s: %w", sn.JobID, err)
		}
		sn.Status = snap.SnapshotStatus(status)
		snapshots = append(snapshots, sn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot rows: %w", err)
	}
	return snapshots, nil
}
