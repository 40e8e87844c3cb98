package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pagesnap/pagesnap/internal/clock/system"
	"github.com/pagesnap/pagesnap/internal/content"
	"github.com/pagesnap/pagesnap/internal/id/uuid"
	"github.com/pagesnap/pagesnap/internal/queue"
	"github.com/pagesnap/pagesnap/internal/snap"
	"github.com/pagesnap/pagesnap/internal/store/memory"
)

type fixture struct {
	svc       *Service
	jobs      *memory.JobStore
	snapshots *memory.SnapshotStore
	content   *content.Store
	registry  *queue.Registry
	dir       string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := content.New(dir, zap.NewNop())
	require.NoError(t, err)
	jobs := memory.NewJobStore()
	snapshots := memory.NewSnapshotStore()
	registry := queue.NewRegistry()
	svc := New(jobs, snapshots, store, registry, system.New(), uuid.New(),
		"https://snaps.example.com", zap.NewNop())
	return &fixture{svc: svc, jobs: jobs, snapshots: snapshots, content: store, registry: registry, dir: dir}
}

func TestCrawlDeduplicatesAsyncRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Crawl(ctx, snap.Payload{URL: "https://Example.com", IncludeHTML: true})
	require.NoError(t, err)
	assert.False(t, first.Deduped)
	assert.Equal(t, "urlCrawler", first.Queue)

	second, err := f.svc.Crawl(ctx, snap.Payload{URL: "https://example.com/", IncludeHTML: true})
	require.NoError(t, err)
	assert.True(t, second.Deduped)
	assert.Equal(t, first.JobID, second.JobID)

	stats, err := f.jobs.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}

func TestCrawlDelayPostponesFirstAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Crawl(ctx, snap.Payload{
		URL:         "https://example.com/later",
		IncludeHTML: true,
		Delay:       1500,
	})
	require.NoError(t, err)

	job, err := f.jobs.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, job.EnqueuedAt.Add(1500*time.Millisecond), job.RunAt)

	// The delay is scheduling only: an identical immediate request
	// still coalesces onto the delayed job.
	again, err := f.svc.Crawl(ctx, snap.Payload{URL: "https://example.com/later", IncludeHTML: true})
	require.NoError(t, err)
	assert.True(t, again.Deduped)
	assert.Equal(t, res.JobID, again.JobID)
}

func TestCrawlConcurrentIdenticalRequestsCreateOneJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := snap.Payload{URL: "https://example.com/raced", IncludeHTML: true}

	const callers = 16
	results := make([]EnqueueResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Crawl(ctx, payload)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	for _, res := range results {
		assert.Equal(t, results[0].JobID, res.JobID)
	}
	stats, err := f.jobs.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}

func TestCrawlSyncBypassesDedup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Crawl(ctx, snap.Payload{URL: "https://example.com/", IncludeHTML: true})
	require.NoError(t, err)

	synced, err := f.svc.Crawl(ctx, snap.Payload{URL: "https://example.com/", IncludeHTML: true, Sync: true})
	require.NoError(t, err)
	assert.False(t, synced.Deduped)
	assert.NotEqual(t, first.JobID, synced.JobID)
	assert.Equal(t, "syncCrawler", synced.Queue)
}

func TestCrawlRejectsEmptyURL(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Crawl(context.Background(), snap.Payload{})
	require.Error(t, err)
}

func TestGetSnapshotPendingShape(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Crawl(ctx, snap.Payload{URL: "https://example.com/", IncludeHTML: true})
	require.NoError(t, err)

	view, err := f.svc.GetSnapshot(ctx, res.JobID)
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Equal(t, "pending", view.Status)
	assert.Equal(t, "https://example.com/", view.URL)
	assert.Empty(t, view.HTML)

	missing, err := f.svc.GetSnapshot(ctx, "no-such-job")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFormatInlinesHTMLAndStripsSecrets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	htmlPath, err := f.content.WriteHTML("<html><body>served</body></html>")
	require.NoError(t, err)
	require.NoError(t, f.snapshots.Upsert(ctx, snap.Snapshot{
		JobID:      "j1",
		URL:        "https://example.com/",
		Status:     snap.StatusSuccess,
		HTML:       htmlPath,
		Screenshot: "data/screenshot/abc.webp",
		Options: snap.Options{
			Width:   1440,
			Headers: map[string]string{"Authorization": "secret"},
			Cookies: []snap.Cookie{{Name: "session", Value: "secret"}},
		},
	}))

	view, err := f.svc.GetSnapshot(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Contains(t, view.HTML, "served")
	assert.Equal(t, "https://snaps.example.com/data/screenshot/abc.webp", view.ScreenshotURL)
	assert.Equal(t, 1440, view.Options.Width)
}

func TestFormatSelfHealsMissingContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	htmlPath, err := f.content.WriteHTML("<html>gone soon</html>")
	require.NoError(t, err)
	require.NoError(t, f.snapshots.Upsert(ctx, snap.Snapshot{
		JobID:  "j1",
		URL:    "https://example.com/",
		Status: snap.StatusSuccess,
		HTML:   htmlPath,
	}))

	require.NoError(t, os.Remove(filepath.Join(f.dir, htmlPath)))

	view, err := f.svc.GetSnapshot(ctx, "j1")
	require.NoError(t, err)
	assert.Nil(t, view, "broken snapshot treated as missing")

	row, err := f.snapshots.FindByJobID(ctx, "j1")
	require.NoError(t, err)
	assert.Nil(t, row, "broken snapshot row purged")
}

func TestWaitForResultReceivesNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Crawl(ctx, snap.Payload{URL: "https://example.com/", Sync: true, IncludeHTML: true})
	require.NoError(t, err)

	htmlPath, err := f.content.WriteHTML("<html>done</html>")
	require.NoError(t, err)
	final := snap.Snapshot{
		JobID:  res.JobID,
		URL:    "https://example.com/",
		Status: snap.StatusSuccess,
		HTML:   htmlPath,
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, f.snapshots.Upsert(context.Background(), final))
		f.registry.Notify(res.JobID, final)
	}()

	view, err := f.svc.WaitForResult(ctx, res.JobID, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Equal(t, "success", view.Status)
	assert.Contains(t, view.HTML, "done")
}

func TestWaitForResultTimesOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Crawl(ctx, snap.Payload{URL: "https://example.com/", Sync: true})
	require.NoError(t, err)

	_, err = f.svc.WaitForResult(ctx, res.JobID, 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)
}

func TestDeleteByIDsRemovesSnapshotsAndContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Crawl(ctx, snap.Payload{URL: "https://example.com/", IncludeHTML: true})
	require.NoError(t, err)
	htmlPath, err := f.content.WriteHTML("<html>bye</html>")
	require.NoError(t, err)
	require.NoError(t, f.snapshots.Upsert(ctx, snap.Snapshot{
		JobID:  res.JobID,
		URL:    "https://example.com/",
		Status: snap.StatusSuccess,
		HTML:   htmlPath,
	}))

	n, err := f.svc.DeleteByIDs(ctx, []string{res.JobID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, f.content.Exists(htmlPath))
}

func TestCrawlCodeBuildsCarbonURL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.CrawlCode(ctx, CodeRequest{Code: "fmt.Println(\"hi\")", Language: "go"})
	require.NoError(t, err)
	assert.Equal(t, "codeCrawler", res.Queue)

	job, err := f.jobs.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.True(t, strings.HasPrefix(job.Payload.URL, "https://carbon.now.sh/?"))
	assert.Contains(t, job.Payload.URL, "l=go")
	assert.True(t, job.Payload.IncludeScreenshot)
	assert.True(t, job.Payload.IgnoreRobots, "carbon screenshots bypass robots")
	assert.False(t, job.Payload.IncludeHTML)

	_, err = f.svc.CrawlCode(ctx, CodeRequest{})
	require.Error(t, err)
}
