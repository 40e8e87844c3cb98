package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pagesnap/pagesnap/internal/content"
	"github.com/pagesnap/pagesnap/internal/snap"
	"github.com/pagesnap/pagesnap/internal/store/memory"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeRenderer struct {
	mu     sync.Mutex
	calls  int
	render func(snap.Payload) (snap.RenderResult, error)
}

func (r *fakeRenderer) Render(_ context.Context, p snap.Payload) (snap.RenderResult, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return r.render(p)
}

func (r *fakeRenderer) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeRobots struct{ allow bool }

func (r fakeRobots) Allowed(context.Context, string) bool { return r.allow }

type harness struct {
	jobs      *memory.JobStore
	snapshots *memory.SnapshotStore
	renderer  *fakeRenderer
	content   *content.Store
	clock     *fakeClock
	registry  *Registry
	worker    *Worker
}

func newHarness(t *testing.T, renderer *fakeRenderer) *harness {
	t.Helper()
	clock := newFakeClock()
	jobs := memory.NewJobStore()
	jobs.SetClock(clock.Now)
	snapshots := memory.NewSnapshotStore()
	snapshots.SetClock(clock.Now)
	store, err := content.New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	registry := NewRegistry()
	return &harness{
		jobs:      jobs,
		snapshots: snapshots,
		renderer:  renderer,
		content:   store,
		clock:     clock,
		registry:  registry,
		worker: &Worker{
			Jobs:      jobs,
			Snapshots: snapshots,
			Renderer:  renderer,
			Robots:    fakeRobots{allow: true},
			Content:   store,
			Clock:     clock,
			Registry:  registry,
			Log:       zap.NewNop(),
		},
	}
}

func (h *harness) enqueueAndClaim(t *testing.T, p snap.Payload) snap.Job {
	t.Helper()
	ctx := context.Background()
	job := snap.Job{
		ID:          "job-1",
		Queue:       snap.QueueURLCrawler,
		Payload:     p,
		Fingerprint: snap.Fingerprint(p),
		RunAt:       h.clock.Now(),
		EnqueuedAt:  h.clock.Now(),
	}
	require.NoError(t, h.jobs.Enqueue(ctx, job))
	claimed, err := h.jobs.ClaimDue(ctx, job.Queue, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return claimed[0]
}

func TestWorkerSuccess(t *testing.T) {
	renderer := &fakeRenderer{render: func(snap.Payload) (snap.RenderResult, error) {
		return snap.RenderResult{
			HTML: "<html><body>hi</body></html>",
			Meta: snap.Meta{Title: "Hi"},
		}, nil
	}}
	h := newHarness(t, renderer)
	ctx := context.Background()

	job := h.enqueueAndClaim(t, snap.Payload{URL: "https://example.com/", IncludeHTML: true})
	ch, cancel := h.registry.Register(job.ID)
	defer cancel()

	require.NoError(t, h.worker.Process(ctx, job))

	sn, err := h.snapshots.FindByJobID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, sn)
	assert.Equal(t, snap.StatusSuccess, sn.Status)
	assert.Equal(t, "Hi", sn.Meta.Title)
	assert.NotEmpty(t, sn.HTML)
	assert.True(t, h.content.Exists(sn.HTML))

	left, err := h.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, left)

	select {
	case got := <-ch:
		assert.Equal(t, snap.StatusSuccess, got.Status)
	default:
		t.Fatal("waiter not notified")
	}
}

func TestWorkerRobotsDeniedIsFatal(t *testing.T) {
	renderer := &fakeRenderer{render: func(snap.Payload) (snap.RenderResult, error) {
		return snap.RenderResult{HTML: "x"}, nil
	}}
	h := newHarness(t, renderer)
	h.worker.Robots = fakeRobots{allow: false}
	ctx := context.Background()

	job := h.enqueueAndClaim(t, snap.Payload{URL: "https://example.com/private", IncludeHTML: true})
	require.NoError(t, h.worker.Process(ctx, job))

	sn, err := h.snapshots.FindByJobID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, sn)
	assert.Equal(t, snap.StatusFailed, sn.Status)
	assert.Equal(t, "Denied by robots.txt", sn.Error)
	assert.Zero(t, renderer.callCount())

	left, err := h.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, left, "fatal jobs are not retried")
}

func TestWorkerIgnoreRobotsSkipsGate(t *testing.T) {
	renderer := &fakeRenderer{render: func(snap.Payload) (snap.RenderResult, error) {
		return snap.RenderResult{HTML: "x"}, nil
	}}
	h := newHarness(t, renderer)
	h.worker.Robots = fakeRobots{allow: false}
	ctx := context.Background()

	job := h.enqueueAndClaim(t, snap.Payload{URL: "https://example.com/", IncludeHTML: true, IgnoreRobots: true})
	require.NoError(t, h.worker.Process(ctx, job))

	sn, err := h.snapshots.FindByJobID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, sn)
	assert.Equal(t, snap.StatusSuccess, sn.Status)
}

func TestWorkerEmptyContentIsFatal(t *testing.T) {
	renderer := &fakeRenderer{render: func(snap.Payload) (snap.RenderResult, error) {
		return snap.RenderResult{}, nil
	}}
	h := newHarness(t, renderer)
	ctx := context.Background()

	job := h.enqueueAndClaim(t, snap.Payload{URL: "https://example.com/empty", IncludeHTML: true})
	require.NoError(t, h.worker.Process(ctx, job))

	sn, err := h.snapshots.FindByJobID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, sn)
	assert.Equal(t, snap.StatusFailed, sn.Status)
	assert.Equal(t, "Failed to crawl content", sn.Error)
}

func TestWorkerTransientRetriesThenInternalError(t *testing.T) {
	renderer := &fakeRenderer{render: func(snap.Payload) (snap.RenderResult, error) {
		return snap.RenderResult{}, errors.New("browser crashed")
	}}
	h := newHarness(t, renderer)
	ctx := context.Background()

	job := h.enqueueAndClaim(t, snap.Payload{URL: "https://example.com/flaky", IncludeHTML: true})

	// First attempt requeues with backoff.
	require.NoError(t, h.worker.Process(ctx, job))
	requeued, err := h.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, requeued)
	assert.Equal(t, 1, requeued.RetryCount)
	assert.Equal(t, snap.JobStateQueued, requeued.State)
	assert.Equal(t, h.clock.Now().Add(5*time.Second), requeued.RunAt)

	// Second attempt backs off twice as long.
	h.clock.Advance(5 * time.Second)
	claimed, err := h.jobs.ClaimDue(ctx, job.Queue, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, h.worker.Process(ctx, claimed[0]))
	requeued, err = h.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, requeued)
	assert.Equal(t, 2, requeued.RetryCount)
	assert.Equal(t, h.clock.Now().Add(10*time.Second), requeued.RunAt)

	// Third retry is still within the budget.
	h.clock.Advance(10 * time.Second)
	claimed, err = h.jobs.ClaimDue(ctx, job.Queue, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, h.worker.Process(ctx, claimed[0]))
	requeued, err = h.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, requeued)
	assert.Equal(t, 3, requeued.RetryCount)
	assert.Equal(t, h.clock.Now().Add(15*time.Second), requeued.RunAt)

	// Fourth render exhausts the budget: one initial attempt plus
	// three retries.
	h.clock.Advance(15 * time.Second)
	claimed, err = h.jobs.ClaimDue(ctx, job.Queue, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, h.worker.Process(ctx, claimed[0]))

	sn, err := h.snapshots.FindByJobID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, sn)
	assert.Equal(t, snap.StatusFailed, sn.Status)
	assert.Equal(t, "Internal error", sn.Error)

	left, err := h.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, left)
	assert.Equal(t, 4, renderer.callCount())
}

func TestWorkerReplaceReclaimsOrphanedContent(t *testing.T) {
	renderer := &fakeRenderer{render: func(snap.Payload) (snap.RenderResult, error) {
		return snap.RenderResult{HTML: "<html>new</html>"}, nil
	}}
	h := newHarness(t, renderer)
	ctx := context.Background()

	oldPath, err := h.content.WriteHTML("<html>old</html>")
	require.NoError(t, err)
	require.NoError(t, h.snapshots.Upsert(ctx, snap.Snapshot{
		JobID:  "old-job",
		URL:    "https://example.com/page",
		Status: snap.StatusSuccess,
		HTML:   oldPath,
	}))

	job := h.enqueueAndClaim(t, snap.Payload{URL: "https://example.com/page", IncludeHTML: true, Replace: true})
	require.NoError(t, h.worker.Process(ctx, job))

	old, err := h.snapshots.FindByJobID(ctx, "old-job")
	require.NoError(t, err)
	assert.Nil(t, old, "replaced snapshot row removed")
	assert.False(t, h.content.Exists(oldPath), "orphaned content unlinked")

	sn, err := h.snapshots.FindByJobID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, sn)
	assert.True(t, h.content.Exists(sn.HTML))
}

func TestWorkerMergesGlobals(t *testing.T) {
	var seen snap.Payload
	renderer := &fakeRenderer{render: func(p snap.Payload) (snap.RenderResult, error) {
		seen = p
		return snap.RenderResult{HTML: "x"}, nil
	}}
	h := newHarness(t, renderer)
	h.worker.Globals = Globals{
		Cookies: []snap.Cookie{
			{Name: "session", Value: "global"},
			{Name: "theme", Value: "dark"},
		},
		LocalStorage: []snap.LocalStorageItem{{Key: "seen", Value: "now()"}},
	}
	ctx := context.Background()

	job := h.enqueueAndClaim(t, snap.Payload{
		URL:         "https://example.com/",
		IncludeHTML: true,
		Cookies:     []snap.Cookie{{Name: "session", Value: "mine"}},
	})
	require.NoError(t, h.worker.Process(ctx, job))

	require.Len(t, seen.Cookies, 2)
	assert.Equal(t, "mine", seen.Cookies[0].Value, "job cookie wins on collision")
	assert.Equal(t, "theme", seen.Cookies[1].Name)
	require.Len(t, seen.LocalStorage, 1)
}

func TestRegistryAtMostOnce(t *testing.T) {
	r := NewRegistry()
	ch, cancel := r.Register("j")
	defer cancel()

	r.Notify("j", snap.Snapshot{JobID: "j"})
	r.Notify("j", snap.Snapshot{JobID: "j"}) // second delivery is dropped

	<-ch
	select {
	case <-ch:
		t.Fatal("waiter notified twice")
	default:
	}
}

func TestRegistryCancelRemovesWaiter(t *testing.T) {
	r := NewRegistry()
	ch, cancel := r.Register("j")
	cancel()
	r.Notify("j", snap.Snapshot{JobID: "j"})
	select {
	case <-ch:
		t.Fatal("cancelled waiter notified")
	default:
	}
}
