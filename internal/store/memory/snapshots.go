package memory

import (
	"context"
	"sync"
	"time"

	"github.com/pagesnap/pagesnap/internal/snap"
)

// SnapshotStore is an in-memory snap.SnapshotStore.
type SnapshotStore struct {
	mu   sync.Mutex
	rows map[string]snap.Snapshot
	now  func() time.Time
}

// NewSnapshotStore constructs a SnapshotStore.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{
		rows: make(map[string]snap.Snapshot),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source, for tests.
func (s *SnapshotStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Upsert inserts or replaces the snapshot row keyed by job id.
func (s *SnapshotStore) Upsert(_ context.Context, sn snap.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(sn)
	return nil
}

// ReplaceUpsert removes prior snapshots of the same URL, writes the new
// row, and returns content paths no remaining snapshot references.
func (s *SnapshotStore) ReplaceUpsert(_ context.Context, sn snap.Snapshot) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []string
	for jobID, row := range s.rows {
		if jobID == sn.JobID || row.URL != sn.URL {
			continue
		}
		if row.HTML != "" {
			candidates = append(candidates, row.HTML)
		}
		if row.Screenshot != "" {
			candidates = append(candidates, row.Screenshot)
		}
		delete(s.rows, jobID)
	}
	s.upsertLocked(sn)

	var orphaned []string
	seen := make(map[string]bool)
	for _, path := range candidates {
		if seen[path] {
			continue
		}
		seen[path] = true
		if s.refCountLocked(path) == 0 {
			orphaned = append(orphaned, path)
		}
	}
	return orphaned, nil
}

func (s *SnapshotStore) upsertLocked(sn snap.Snapshot) {
	now := s.now()
	if existing, ok := s.rows[sn.JobID]; ok {
		sn.CreatedAt = existing.CreatedAt
	} else if sn.CreatedAt.IsZero() {
		sn.CreatedAt = now
	}
	sn.UpdatedAt = now
	s.rows[sn.JobID] = sn
}

// refCountLocked counts live snapshots referencing the content path.
func (s *SnapshotStore) refCountLocked(path string) int {
	n := 0
	for _, row := range s.rows {
		if row.HTML == path || row.Screenshot == path {
			n++
		}
	}
	return n
}

// FindByJobID returns the snapshot for the job, or nil.
func (s *SnapshotStore) FindByJobID(_ context.Context, jobID string) (*snap.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[jobID]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

// LatestByURL returns the freshest successful snapshot for the URL, or
// nil when none exists.
func (s *SnapshotStore) LatestByURL(_ context.Context, url string) (*snap.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *snap.Snapshot
	for jobID := range s.rows {
		row := s.rows[jobID]
		if row.URL != url || row.Status != snap.StatusSuccess {
			continue
		}
		if latest == nil || newerLocked(row, *latest) {
			r := row
			latest = &r
		}
	}
	return latest, nil
}

func newerLocked(a, b snap.Snapshot) bool {
	if a.LastModified != b.LastModified {
		return a.LastModified > b.LastModified
	}
	return a.UpdatedAt.After(b.UpdatedAt)
}

// Delete removes the snapshot rows and returns content paths that lost
// their last reference.
func (s *SnapshotStore) Delete(_ context.Context, jobIDs []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []string
	for _, jobID := range jobIDs {
		row, ok := s.rows[jobID]
		if !ok {
			continue
		}
		if row.HTML != "" {
			candidates = append(candidates, row.HTML)
		}
		if row.Screenshot != "" {
			candidates = append(candidates, row.Screenshot)
		}
		delete(s.rows, jobID)
	}

	var orphaned []string
	seen := make(map[string]bool)
	for _, path := range candidates {
		if seen[path] {
			continue
		}
		seen[path] = true
		if s.refCountLocked(path) == 0 {
			orphaned = append(orphaned, path)
		}
	}
	return orphaned, nil
}
