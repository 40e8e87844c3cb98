// Package snap defines the core domain types for the snapshot service:
// jobs, snapshots, crawl payloads, and the interfaces the queue engine
// is built against.
package snap

import "time"

// Queue identifies a named work queue.
type Queue string

// The four queues the service dispatches.
const (
	QueueURLCrawler  Queue = "urlCrawler"
	QueueSyncCrawler Queue = "syncCrawler"
	QueueCodeCrawler Queue = "codeCrawler"
	QueueCronJobs    Queue = "cronJobs"
)

// Queues lists every dispatchable queue.
func Queues() []Queue {
	return []Queue{QueueURLCrawler, QueueSyncCrawler, QueueCodeCrawler, QueueCronJobs}
}

// JobState is the lifecycle state of a queued job.
type JobState string

const (
	JobStateQueued  JobState = "queued"
	JobStateRunning JobState = "running"
)

// SnapshotStatus is the outcome state of a snapshot row.
type SnapshotStatus string

const (
	StatusPending SnapshotStatus = "pending"
	StatusSuccess SnapshotStatus = "success"
	StatusFailed  SnapshotStatus = "failed"
)

// CrawlHeader marks requests made by the service's own renderer so
// downstream middleware never intercepts them.
const CrawlHeader = "X-Crawler"

// User-facing failure messages recorded on failed snapshots.
const (
	ErrTextRobotsDenied = "Denied by robots.txt"
	ErrTextEmptyContent = "Failed to crawl content"
	ErrTextInternal     = "Internal error"
)

// Retry policy for transient crawl failures.
const (
	MaxRetries   = 3
	RetryBackoff = 5 * time.Second
)

// Cookie is a browser cookie seeded before navigation.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
}

// LocalStorageItem is a localStorage entry seeded before page scripts
// run. A value of "now()" expands to the current Unix milliseconds.
type LocalStorageItem struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Payload describes one crawl request. Field names follow the public
// API wire format.
type Payload struct {
	URL               string             `json:"url"`
	IncludeHTML       bool               `json:"includeHtml,omitempty"`
	IncludeScreenshot bool               `json:"includeScreenshot,omitempty"`
	Width             int                `json:"width,omitempty"`
	Height            int                `json:"height,omitempty"`
	Quality           int                `json:"quality,omitempty"`
	Format            string             `json:"format,omitempty"`
	Timeout           int                `json:"timeout,omitempty"`
	WaitTime          int                `json:"waitTime,omitempty"`
	FullPage          bool               `json:"fullPage,omitempty"`
	Headers           map[string]string  `json:"headers,omitempty"`
	Cookies           []Cookie           `json:"cookies,omitempty"`
	LocalStorage      []LocalStorageItem `json:"localStorage,omitempty"`
	IgnoreRobots      bool               `json:"ignoreRobots,omitempty"`
	Replace           bool               `json:"replace,omitempty"`
	Sync              bool               `json:"sync,omitempty"`
	LastModified      string             `json:"lastModified,omitempty"`
	// Delay postpones the first crawl attempt by this many milliseconds.
	Delay int `json:"delay,omitempty"`
}

// Render defaults applied by Normalized.
const (
	DefaultWidth     = 1440
	DefaultHeight    = 900
	DefaultQuality   = 80
	DefaultFormat    = "webp"
	DefaultTimeoutMs = 90_000
)

// Normalized returns a copy with render defaults filled in.
func (p Payload) Normalized() Payload {
	if p.Width <= 0 {
		p.Width = DefaultWidth
	}
	if p.Height <= 0 {
		p.Height = DefaultHeight
	}
	if p.Quality <= 0 || p.Quality > 100 {
		p.Quality = DefaultQuality
	}
	if p.Format == "" {
		p.Format = DefaultFormat
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeoutMs
	}
	return p
}

// RenderTimeout returns the navigation timeout as a duration.
func (p Payload) RenderTimeout() time.Duration {
	if p.Timeout <= 0 {
		return DefaultTimeoutMs * time.Millisecond
	}
	return time.Duration(p.Timeout) * time.Millisecond
}

// Job is one unit of queued work.
type Job struct {
	ID          string    `json:"id"`
	Queue       Queue     `json:"queue"`
	Payload     Payload   `json:"payload"`
	Fingerprint string    `json:"fingerprint"`
	State       JobState  `json:"state"`
	RetryCount  int       `json:"retryCount"`
	RunAt       time.Time `json:"runAt"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
	Cancelled   bool      `json:"cancelled"`
}

// Meta holds page metadata extracted during the crawl.
type Meta struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// Options is the subset of the payload stored alongside a snapshot.
// It keeps the secrets too, which the read path strips before serving.
type Options struct {
	Width        int                `json:"width,omitempty"`
	Height       int                `json:"height,omitempty"`
	Quality      int                `json:"quality,omitempty"`
	Format       string             `json:"format,omitempty"`
	FullPage     bool               `json:"fullPage,omitempty"`
	Headers      map[string]string  `json:"headers,omitempty"`
	Cookies      []Cookie           `json:"cookies,omitempty"`
	LocalStorage []LocalStorageItem `json:"localStorage,omitempty"`
}

// Snapshot is the stored result of a crawl job, keyed by job id. HTML
// and Screenshot are content-store paths, not inline bodies.
type Snapshot struct {
	JobID        string         `json:"jobId"`
	URL          string         `json:"url"`
	Status       SnapshotStatus `json:"status"`
	HTML         string         `json:"html,omitempty"`
	Screenshot   string         `json:"screenshot,omitempty"`
	Error        string         `json:"error,omitempty"`
	LastModified string         `json:"lastModified,omitempty"`
	Replace      bool           `json:"replace,omitempty"`
	Meta         Meta           `json:"meta"`
	Options      Options        `json:"options"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// FromJob builds the snapshot skeleton for a job: url, options, and
// the replace flag carried over, lastModified defaulted to now.
func FromJob(job Job, now time.Time) Snapshot {
	p := job.Payload.Normalized()
	lastModified := p.LastModified
	if lastModified == "" {
		lastModified = now.UTC().Format(time.RFC3339)
	}
	return Snapshot{
		JobID:        job.ID,
		URL:          p.URL,
		LastModified: lastModified,
		Replace:      p.Replace,
		Options: Options{
			Width:        p.Width,
			Height:       p.Height,
			Quality:      p.Quality,
			Format:       p.Format,
			FullPage:     p.FullPage,
			Headers:      p.Headers,
			Cookies:      p.Cookies,
			LocalStorage: p.LocalStorage,
		},
	}
}

// RenderResult is what a page renderer produces.
type RenderResult struct {
	HTML       string
	Screenshot []byte
	Meta       Meta
}

// Empty reports whether the render yielded no usable content.
func (r RenderResult) Empty() bool {
	return r.HTML == "" && len(r.Screenshot) == 0
}

// QueueStat is a per-queue job count.
type QueueStat struct {
	Queue Queue `json:"queue"`
	Count int   `json:"count"`
}

// Stats aggregates job counts across queues.
type Stats struct {
	Total  int         `json:"total"`
	Queues []QueueStat `json:"queues"`
}

// JobPage is one page of a job listing.
type JobPage struct {
	Items []Job `json:"items"`
	Total int   `json:"total"`
}
