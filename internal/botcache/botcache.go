// Package botcache serves stored page snapshots to crawler bots so
// client-rendered sites stay indexable. Human traffic passes through
// untouched.
package botcache

import (
	"context"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/pagesnap/pagesnap/internal/service"
	"github.com/pagesnap/pagesnap/internal/snap"
)

// CrawlHeader marks the service's own render requests so they bypass
// the middleware and never recurse.
const CrawlHeader = snap.CrawlHeader

var botPattern = regexp.MustCompile(`(?i)(googlebot|bingbot|yandex|baiduspider|duckduckbot|slurp|facebookexternalhit|twitterbot|linkedinbot|embedly|quora link preview|showyoubot|outbrain|pinterest\/0\.|slackbot|vkshare|w3c_validator|whatsapp|telegrambot|applebot|discordbot|petalbot)`)

var staticExtensions = map[string]bool{
	".js": true, ".css": true, ".xml": true, ".less": true, ".png": true,
	".jpg": true, ".jpeg": true, ".gif": true, ".pdf": true, ".doc": true,
	".txt": true, ".ico": true, ".rss": true, ".zip": true, ".mp3": true,
	".rar": true, ".exe": true, ".wmv": true, ".avi": true, ".ppt": true,
	".mpg": true, ".mpeg": true, ".tif": true, ".wav": true, ".mov": true,
	".psd": true, ".ai": true, ".xls": true, ".mp4": true, ".m4a": true,
	".swf": true, ".dat": true, ".dmg": true, ".iso": true, ".flv": true,
	".m4v": true, ".torrent": true, ".ttf": true, ".woff": true,
	".woff2": true, ".svg": true, ".eot": true,
}

// SnapshotSource is the service surface the middleware reads from.
type SnapshotSource interface {
	GetLatestSnapshot(ctx context.Context, url string) (*service.SnapshotView, error)
	Crawl(ctx context.Context, p snap.Payload) (service.EnqueueResult, error)
}

// Config tunes the middleware cache.
type Config struct {
	// CacheSize caps the number of cached pages.
	CacheSize int
	// CacheTTL bounds how long a cached page is served.
	CacheTTL time.Duration
}

// Middleware intercepts bot requests and answers them with snapshot
// HTML.
type Middleware struct {
	source SnapshotSource
	cache  *expirable.LRU[string, string]
	log    *zap.Logger
}

// New creates a Middleware.
func New(cfg Config, source SnapshotSource, log *zap.Logger) *Middleware {
	size := cfg.CacheSize
	if size <= 0 {
		size = 1000
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Middleware{
		source: source,
		cache:  expirable.NewLRU[string, string](size, nil, ttl),
		log:    log,
	}
}

// Handler wraps next, serving snapshots to bots and passing everything
// else through.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.shouldIntercept(r) {
			next.ServeHTTP(w, r)
			return
		}

		pageURL := requestURL(r)
		if html, ok := m.cache.Get(pageURL); ok {
			serveHTML(w, html)
			return
		}

		view, err := m.source.GetLatestSnapshot(r.Context(), pageURL)
		if err != nil {
			m.log.Warn("bot snapshot lookup failed",
				zap.String("url", pageURL), zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if view != nil && view.Status == string(snap.StatusSuccess) && view.HTML != "" {
			m.cache.Add(pageURL, view.HTML)
			serveHTML(w, view.HTML)
			return
		}

		// No snapshot to serve; warm one for the next bot visit.
		go m.warm(pageURL)
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) shouldIntercept(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if r.Header.Get(CrawlHeader) != "" {
		return false
	}
	ua := r.UserAgent()
	if strings.Contains(strings.ToLower(ua), "headless") {
		return false
	}
	if staticExtensions[strings.ToLower(path.Ext(r.URL.Path))] {
		return false
	}
	return botPattern.MatchString(ua)
}

func (m *Middleware) warm(pageURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := m.source.Crawl(ctx, snap.Payload{URL: pageURL, IncludeHTML: true}); err != nil {
		m.log.Warn("bot cache warm failed", zap.String("url", pageURL), zap.Error(err))
	}
}

func requestURL(r *http.Request) string {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		if r.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	return snap.NormalizeURL(scheme + "://" + r.Host + r.URL.RequestURI())
}

func serveHTML(w http.ResponseWriter, html string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(html))
}
