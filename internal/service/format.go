package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pagesnap/pagesnap/internal/content"
	"github.com/pagesnap/pagesnap/internal/metrics"
	"github.com/pagesnap/pagesnap/internal/snap"
)

// SnapshotView is the outward snapshot shape: HTML inlined from the
// content store, the screenshot as an absolute URL, and render options
// with credentials stripped.
type SnapshotView struct {
	JobID         string    `json:"jobId"`
	URL           string    `json:"url"`
	Status        string    `json:"status"`
	HTML          string    `json:"html,omitempty"`
	ScreenshotURL string    `json:"screenshotUrl,omitempty"`
	Error         string    `json:"error,omitempty"`
	LastModified  string    `json:"lastModified,omitempty"`
	Meta          snap.Meta `json:"meta"`
	Options       Options   `json:"options"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Options is the sanitized render option subset served to clients.
// Headers, cookies, and localStorage never leave the store.
type Options struct {
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	Quality  int    `json:"quality,omitempty"`
	Format   string `json:"format,omitempty"`
	FullPage bool   `json:"fullPage,omitempty"`
}

// format builds the outward view. A successful snapshot whose HTML
// file vanished from disk is purged and reported as missing so the
// next request re-crawls instead of serving a broken record.
func (s *Service) format(ctx context.Context, sn snap.Snapshot) (*SnapshotView, error) {
	view := &SnapshotView{
		JobID:        sn.JobID,
		URL:          sn.URL,
		Status:       string(sn.Status),
		Error:        sn.Error,
		LastModified: sn.LastModified,
		Meta:         sn.Meta,
		Options: Options{
			Width:    sn.Options.Width,
			Height:   sn.Options.Height,
			Quality:  sn.Options.Quality,
			Format:   sn.Options.Format,
			FullPage: sn.Options.FullPage,
		},
		CreatedAt: sn.CreatedAt,
		UpdatedAt: sn.UpdatedAt,
	}

	if sn.HTML != "" {
		html, err := s.content.ReadHTML(sn.HTML)
		if errors.Is(err, content.ErrMissing) {
			s.log.Warn("snapshot content vanished, purging row",
				zap.String("job_id", sn.JobID),
				zap.String("path", sn.HTML))
			if orphaned, derr := s.snapshots.Delete(ctx, []string{sn.JobID}); derr == nil {
				s.content.Remove(orphaned)
			}
			metrics.ObserveSnapshotRead("self_heal")
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read snapshot html: %w", err)
		}
		view.HTML = html
	}

	if sn.Screenshot != "" {
		view.ScreenshotURL = s.appURL + "/" + sn.Screenshot
	}

	metrics.ObserveSnapshotRead("hit")
	return view, nil
}
