package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagesnap/pagesnap/internal/snap"
)

func newSnapshot(jobID, url, html, screenshot string) snap.Snapshot {
	return snap.Snapshot{
		JobID:      jobID,
		URL:        url,
		Status:     snap.StatusSuccess,
		HTML:       html,
		Screenshot: screenshot,
	}
}

func TestUpsertKeepsCreatedAt(t *testing.T) {
	s := NewSnapshotStore()
	first := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return first })
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, newSnapshot("j1", "https://example.com/", "a.html", "")))

	second := first.Add(time.Hour)
	s.SetClock(func() time.Time { return second })
	require.NoError(t, s.Upsert(ctx, newSnapshot("j1", "https://example.com/", "b.html", "")))

	row, err := s.FindByJobID(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "b.html", row.HTML)
	assert.Equal(t, first, row.CreatedAt)
	assert.Equal(t, second, row.UpdatedAt)
}

func TestReplaceUpsertOrphansOldContent(t *testing.T) {
	s := NewSnapshotStore()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, newSnapshot("old", "https://example.com/", "old.html", "old.webp")))

	orphaned, err := s.ReplaceUpsert(ctx, newSnapshot("new", "https://example.com/", "new.html", "new.webp"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"old.html", "old.webp"}, orphaned)

	row, err := s.FindByJobID(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, row)

	row, err = s.FindByJobID(ctx, "new")
	require.NoError(t, err)
	require.NotNil(t, row)
}

func TestReplaceUpsertKeepsSharedContent(t *testing.T) {
	s := NewSnapshotStore()
	ctx := context.Background()

	// Content-addressed storage: a different URL shares the same file.
	require.NoError(t, s.Upsert(ctx, newSnapshot("old", "https://example.com/", "shared.html", "old.webp")))
	require.NoError(t, s.Upsert(ctx, newSnapshot("peer", "https://example.org/", "shared.html", "")))

	orphaned, err := s.ReplaceUpsert(ctx, newSnapshot("new", "https://example.com/", "new.html", "new.webp"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"old.webp"}, orphaned)
}

func TestReplaceUpsertReusedByNewRow(t *testing.T) {
	s := NewSnapshotStore()
	ctx := context.Background()

	// Page content did not change: new snapshot hashes to the same file.
	require.NoError(t, s.Upsert(ctx, newSnapshot("old", "https://example.com/", "same.html", "same.webp")))

	orphaned, err := s.ReplaceUpsert(ctx, newSnapshot("new", "https://example.com/", "same.html", "same.webp"))
	require.NoError(t, err)
	assert.Empty(t, orphaned)
}

func TestLatestByURL(t *testing.T) {
	s := NewSnapshotStore()
	ctx := context.Background()

	older := newSnapshot("a", "https://example.com/", "a.html", "")
	older.LastModified = "2026-08-01T00:00:00Z"
	newer := newSnapshot("b", "https://example.com/", "b.html", "")
	newer.LastModified = "2026-08-02T00:00:00Z"
	failed := newSnapshot("c", "https://example.com/", "", "")
	failed.Status = snap.StatusFailed
	failed.LastModified = "2026-08-03T00:00:00Z"
	require.NoError(t, s.Upsert(ctx, older))
	require.NoError(t, s.Upsert(ctx, newer))
	require.NoError(t, s.Upsert(ctx, failed))

	latest, err := s.LatestByURL(ctx, "https://example.com/")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "b", latest.JobID)

	latest, err = s.LatestByURL(ctx, "https://nowhere.test/")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestDeleteRefCounts(t *testing.T) {
	s := NewSnapshotStore()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, newSnapshot("a", "https://example.com/1", "shared.html", "a.webp")))
	require.NoError(t, s.Upsert(ctx, newSnapshot("b", "https://example.com/2", "shared.html", "b.webp")))

	orphaned, err := s.Delete(ctx, []string{"a"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.webp"}, orphaned)

	orphaned, err = s.Delete(ctx, []string{"b", "missing"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"shared.html", "b.webp"}, orphaned)
}
