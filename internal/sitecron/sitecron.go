// Package sitecron schedules incremental re-crawls of configured sites
// from their sitemaps.
package sitecron

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"golang.org/x/sync/errgroup"

	"github.com/pagesnap/pagesnap/internal/config"
	"github.com/pagesnap/pagesnap/internal/service"
	"github.com/pagesnap/pagesnap/internal/sitemap"
	"github.com/pagesnap/pagesnap/internal/snap"
)

// SitemapSource discovers sitemap URLs for a site, usually from its
// robots.txt.
type SitemapSource interface {
	Sitemaps(ctx context.Context, siteURL string) ([]string, error)
}

// EntryLister fetches and flattens sitemap entries.
type EntryLister interface {
	ListEntries(ctx context.Context, sitemapURLs []string) ([]sitemap.Entry, error)
}

// Enqueuer is the service surface the scheduler needs.
type Enqueuer interface {
	EnqueueTo(ctx context.Context, q snap.Queue, p snap.Payload) (service.EnqueueResult, error)
	LatestSnapshotRow(ctx context.Context, url string) (*snap.Snapshot, error)
}

// Scheduler runs the site re-crawl on a cron schedule. A (site,
// pathname) pair never runs twice concurrently: an overlapping run is
// skipped, not queued.
type Scheduler struct {
	cfg      config.SiteCronConfig
	source   SitemapSource
	lister   EntryLister
	enqueuer Enqueuer
	clock    snap.Clock
	log      *zap.Logger
	cron     *cron.Cron

	mu      sync.Mutex
	running map[string]bool
}

// New creates a Scheduler.
func New(cfg config.SiteCronConfig, source SitemapSource, lister EntryLister,
	enqueuer Enqueuer, clock snap.Clock, log *zap.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		source:   source,
		lister:   lister,
		enqueuer: enqueuer,
		clock:    clock,
		log:      log,
		cron:     cron.New(),
		running:  make(map[string]bool),
	}
}

// Start registers the cron entry and begins scheduling. When
// RunOnInit is set, one run fires immediately in the background.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Info("site scheduler disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() { s.RunAll(ctx) }); err != nil {
		return fmt.Errorf("register cron schedule %q: %w", s.cfg.Schedule, err)
	}
	s.cron.Start()
	s.log.Info("site scheduler started",
		zap.String("schedule", s.cfg.Schedule),
		zap.Int("sites", len(s.cfg.Sites)))
	if s.cfg.RunOnInit {
		go s.RunAll(ctx)
	}
	return nil
}

// Stop halts scheduling and returns once the running cron entries are
// done.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunAll crawls every configured site. Sites fail independently: one
// broken sitemap never stops the others.
func (s *Scheduler) RunAll(ctx context.Context) {
	for _, site := range s.cfg.Sites {
		if err := s.CrawlSite(ctx, site); err != nil {
			s.log.Error("site crawl failed",
				zap.String("site", site.URL),
				zap.Error(err))
		}
	}
}

// CrawlSite walks one site's sitemaps and enqueues re-crawls for stale
// URLs.
func (s *Scheduler) CrawlSite(ctx context.Context, site config.SiteConfig) error {
	key := site.URL + "|" + site.Pathname
	if !s.claim(key) {
		s.log.Warn("site crawl already running, skipped", zap.String("site", site.URL))
		return nil
	}
	defer s.release(key)

	var pathRe *regexp.Regexp
	if site.Pathname != "" {
		re, err := regexp.Compile(site.Pathname)
		if err != nil {
			return fmt.Errorf("compile pathname %q: %w", site.Pathname, err)
		}
		pathRe = re
	}

	sitemapURLs, err := s.source.Sitemaps(ctx, site.URL)
	if err != nil {
		return fmt.Errorf("discover sitemaps for %s: %w", site.URL, err)
	}
	entries, err := s.lister.ListEntries(ctx, sitemapURLs)
	if err != nil {
		return fmt.Errorf("list sitemap entries for %s: %w", site.URL, err)
	}

	candidates := flatten(entries, pathRe)
	s.log.Info("site sitemap walked",
		zap.String("site", site.URL),
		zap.Int("entries", len(entries)),
		zap.Int("candidates", len(candidates)))

	stale := s.filterStale(ctx, site, candidates)
	if len(stale) == 0 {
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(limitOr(s.cfg.CrawlConcurrency, 3))
	for _, c := range stale {
		c := c
		group.Go(func() error {
			payload := snap.Payload{
				URL:          c.URL,
				IncludeHTML:  true,
				Replace:      true,
				LastModified: c.LastMod,
			}
			if _, err := s.enqueuer.EnqueueTo(groupCtx, snap.QueueCronJobs, payload); err != nil {
				return fmt.Errorf("enqueue %s: %w", c.URL, err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	s.log.Info("stale urls enqueued",
		zap.String("site", site.URL),
		zap.Int("count", len(stale)))
	return nil
}

type candidate struct {
	URL     string
	LastMod string
}

// flatten expands entries and their alternate links into a deduped
// candidate list, filtered by the pathname pattern.
func flatten(entries []sitemap.Entry, pathRe *regexp.Regexp) []candidate {
	var out []candidate
	seen := make(map[string]bool)
	add := func(raw, lastMod string) {
		normalized := snap.NormalizeURL(raw)
		if normalized == "" || seen[normalized] {
			return
		}
		if pathRe != nil {
			u, err := url.Parse(normalized)
			if err != nil || !pathRe.MatchString(u.Path) {
				return
			}
		}
		seen[normalized] = true
		out = append(out, candidate{URL: normalized, LastMod: lastMod})
	}
	for _, e := range entries {
		add(e.URL, e.LastMod)
		for _, link := range e.Links {
			add(link, e.LastMod)
		}
	}
	return out
}

// filterStale keeps candidates whose stored snapshot is older than the
// sitemap says and past the site's re-crawl interval. Lookups run
// concurrently, bounded by SitemapConcurrency.
func (s *Scheduler) filterStale(ctx context.Context, site config.SiteConfig, candidates []candidate) []candidate {
	results := make([]bool, len(candidates))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(limitOr(s.cfg.SitemapConcurrency, 30))
	for i, c := range candidates {
		i, c := i, c
		group.Go(func() error {
			latest, err := s.enqueuer.LatestSnapshotRow(groupCtx, c.URL)
			if err != nil {
				s.log.Warn("snapshot lookup failed, assuming stale",
					zap.String("url", c.URL), zap.Error(err))
				results[i] = true
				return nil
			}
			results[i] = s.needsCrawl(latest, c.LastMod, site.Interval())
			return nil
		})
	}
	_ = group.Wait()

	var stale []candidate
	for i, keep := range results {
		if keep {
			stale = append(stale, candidates[i])
		}
	}
	return stale
}

// needsCrawl decides whether a URL is due. No snapshot means yes. An
// existing snapshot is skipped when it is at least as fresh as the
// sitemap lastmod, or when it is younger than the site interval.
func (s *Scheduler) needsCrawl(latest *snap.Snapshot, entryLastMod string, interval time.Duration) bool {
	if latest == nil {
		return true
	}
	snapTime, ok := parseLastMod(latest.LastModified)
	if !ok {
		return true
	}
	if entryTime, ok := parseLastMod(entryLastMod); ok && !snapTime.Before(entryTime) {
		return false
	}
	if interval > 0 && s.clock.Now().Sub(snapTime) < interval {
		return false
	}
	return true
}

func (s *Scheduler) claim(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[key] {
		return false
	}
	s.running[key] = true
	return true
}

func (s *Scheduler) release(key string) {
	s.mu.Lock()
	delete(s.running, key)
	s.mu.Unlock()
}

// parseLastMod accepts the timestamp shapes sitemaps use in practice:
// RFC 3339 or a bare date.
func parseLastMod(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func limitOr(n, fallback int) int {
	if n > 0 {
		return n
	}
	return fallback
}
