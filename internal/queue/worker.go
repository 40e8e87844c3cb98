// Package queue implements the job dispatch engine: per-queue pollers
// that claim due work from the store and a worker that runs the crawl
// handler protocol against each claimed job.
package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pagesnap/pagesnap/internal/content"
	"github.com/pagesnap/pagesnap/internal/metrics"
	"github.com/pagesnap/pagesnap/internal/snap"
)

// Disposition classifies a handler attempt.
type Disposition int

const (
	// Success means the snapshot was captured and stored.
	Success Disposition = iota
	// Fatal means the URL can never succeed; the job is finished with
	// a failed snapshot and never retried.
	Fatal
	// Transient means the attempt failed for a reason that may clear;
	// the job is retried with backoff until the attempt budget runs out.
	Transient
)

// Globals are cookies and localStorage entries merged into every crawl.
// Per-job values win on name collisions.
type Globals struct {
	Cookies      []snap.Cookie
	LocalStorage []snap.LocalStorageItem
}

// Worker runs one claimed job through the handler protocol.
type Worker struct {
	Jobs      snap.JobStore
	Snapshots snap.SnapshotStore
	Renderer  snap.PageRenderer
	Robots    snap.RobotsPolicy
	Content   *content.Store
	Clock     snap.Clock
	Registry  *Registry
	Globals   Globals
	Log       *zap.Logger
}

// Process executes the job and records its outcome. The job must be in
// the running state, freshly claimed by the caller.
func (w *Worker) Process(ctx context.Context, job snap.Job) error {
	start := w.Clock.Now()
	sn := snap.FromJob(job, start)

	disposition, err := w.attempt(ctx, job, &sn)
	switch disposition {
	case Success:
		return w.finish(ctx, job, sn, start, "success")
	case Fatal:
		sn.Status = snap.StatusFailed
		sn.HTML = ""
		sn.Screenshot = ""
		return w.finish(ctx, job, sn, start, "failed")
	default:
		return w.retry(ctx, job, sn, start, err)
	}
}

// attempt runs one crawl: robots gate, render, content persistence.
// On Success the snapshot is filled in and stored; on Fatal sn.Error
// carries the user-facing message.
func (w *Worker) attempt(ctx context.Context, job snap.Job, sn *snap.Snapshot) (Disposition, error) {
	payload := w.merged(job.Payload.Normalized())

	if !payload.IgnoreRobots && !w.Robots.Allowed(ctx, payload.URL) {
		sn.Error = snap.ErrTextRobotsDenied
		return Fatal, nil
	}

	result, err := w.Renderer.Render(ctx, payload)
	if err != nil {
		return Transient, fmt.Errorf("render %s: %w", payload.URL, err)
	}
	if result.Empty() {
		sn.Error = snap.ErrTextEmptyContent
		return Fatal, nil
	}

	if result.HTML != "" {
		path, err := w.Content.WriteHTML(result.HTML)
		if err != nil {
			return Transient, fmt.Errorf("persist html: %w", err)
		}
		sn.HTML = path
	}
	if len(result.Screenshot) > 0 {
		path, err := w.Content.WriteScreenshot(result.Screenshot, payload.Format)
		if err != nil {
			return Transient, fmt.Errorf("persist screenshot: %w", err)
		}
		sn.Screenshot = path
	}

	sn.Status = snap.StatusSuccess
	sn.Meta = result.Meta
	return Success, nil
}

// finish stores the terminal snapshot, removes the job, and notifies
// any waiter. Orphaned content files are unlinked only after the store
// change is durable.
func (w *Worker) finish(ctx context.Context, job snap.Job, sn snap.Snapshot, start time.Time, status string) error {
	if sn.Replace && sn.Status == snap.StatusSuccess {
		orphaned, err := w.Snapshots.ReplaceUpsert(ctx, sn)
		if err != nil {
			return fmt.Errorf("replace snapshot for job %s: %w", job.ID, err)
		}
		if len(orphaned) > 0 {
			reclaimed := w.Content.Remove(orphaned)
			metrics.ObserveContentReclaimed(reclaimed)
		}
	} else {
		if err := w.Snapshots.Upsert(ctx, sn); err != nil {
			return fmt.Errorf("store snapshot for job %s: %w", job.ID, err)
		}
	}

	if err := w.Jobs.Complete(ctx, job.ID); err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}

	now := w.Clock.Now()
	metrics.ObserveJob(string(job.Queue), status, now.Sub(start), now.Sub(job.EnqueuedAt))
	w.Log.Info("job finished",
		zap.String("job_id", job.ID),
		zap.String("queue", string(job.Queue)),
		zap.String("url", sn.URL),
		zap.String("status", status),
		zap.String("error", sn.Error))
	w.Registry.Notify(job.ID, sn)
	return nil
}

// retry requeues a transient failure with linear backoff, or gives up
// and records an internal error once the attempt budget is spent.
func (w *Worker) retry(ctx context.Context, job snap.Job, sn snap.Snapshot, start time.Time, cause error) error {
	if job.RetryCount >= snap.MaxRetries {
		w.Log.Warn("job exhausted retries",
			zap.String("job_id", job.ID),
			zap.String("url", sn.URL),
			zap.Int("attempts", job.RetryCount+1),
			zap.Error(cause))
		sn.Status = snap.StatusFailed
		sn.Error = snap.ErrTextInternal
		sn.HTML = ""
		sn.Screenshot = ""
		return w.finish(ctx, job, sn, start, "failed")
	}

	attempt := job.RetryCount + 1
	runAt := w.Clock.Now().Add(time.Duration(attempt) * snap.RetryBackoff)
	if err := w.Jobs.Retry(ctx, job.ID, runAt); err != nil {
		return fmt.Errorf("requeue job %s: %w", job.ID, err)
	}
	metrics.ObserveJob(string(job.Queue), "retry", w.Clock.Now().Sub(start), 0)
	w.Log.Warn("job retry scheduled",
		zap.String("job_id", job.ID),
		zap.String("url", sn.URL),
		zap.Int("attempt", attempt),
		zap.Time("run_at", runAt),
		zap.Error(cause))
	return nil
}

// merged overlays the global cookies and localStorage under the job's
// own entries.
func (w *Worker) merged(p snap.Payload) snap.Payload {
	if len(w.Globals.Cookies) > 0 {
		names := make(map[string]bool, len(p.Cookies))
		for _, c := range p.Cookies {
			names[c.Name] = true
		}
		merged := append([]snap.Cookie(nil), p.Cookies...)
		for _, c := range w.Globals.Cookies {
			if !names[c.Name] {
				merged = append(merged, c)
			}
		}
		p.Cookies = merged
	}
	if len(w.Globals.LocalStorage) > 0 {
		keys := make(map[string]bool, len(p.LocalStorage))
		for _, item := range p.LocalStorage {
			keys[item.Key] = true
		}
		merged := append([]snap.LocalStorageItem(nil), p.LocalStorage...)
		for _, item := range w.Globals.LocalStorage {
			if !keys[item.Key] {
				merged = append(merged, item)
			}
		}
		p.LocalStorage = merged
	}
	return p
}
