// Package robots enforces robots.txt directives and discovers
// robots-declared sitemaps, with a per-host cache.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

const maxRobotsBody = 1 << 20

// Checker fetches, caches and evaluates robots.txt per host.
type Checker struct {
	client    *http.Client
	cache     sync.Map
	userAgent string
	logger    *zap.Logger
}

// New builds a Checker using the given user agent for fetches and
// group matching.
func New(userAgent string, logger *zap.Logger) *Checker {
	return &Checker{
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		userAgent: userAgent,
		logger:    logger,
	}
}

// Allowed implements snap.RobotsPolicy. A missing or unreachable
// robots.txt allows access.
func (c *Checker) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false
	}
	data, err := c.load(ctx, parsed)
	if err != nil {
		c.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		return true
	}
	group := data.FindGroup(c.userAgent)
	if group == nil {
		return true
	}
	// Directives may match on query strings, so test the full
	// path-plus-query form.
	target := parsed.Path
	if target == "" {
		target = "/"
	}
	if parsed.RawQuery != "" {
		target += "?" + parsed.RawQuery
	}
	return group.Test(target)
}

// Sitemaps returns the sitemap URLs declared in the site's robots.txt,
// falling back to <origin>/sitemap.xml when none are declared.
func (c *Checker) Sitemaps(ctx context.Context, siteURL string) ([]string, error) {
	parsed, err := url.Parse(siteURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("parse site url %q: %w", siteURL, err)
	}

	fallback := *parsed
	fallback.Path = "/sitemap.xml"
	fallback.RawQuery = ""
	fallback.Fragment = ""

	data, err := c.load(ctx, parsed)
	if err != nil || len(data.Sitemaps) == 0 {
		return []string{fallback.String()}, nil
	}
	return data.Sitemaps, nil
}

func (c *Checker) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	hostKey := strings.ToLower(parsed.Host)
	if cached, ok := c.cache.Load(hostKey); ok {
		data, assertOK := cached.(*robotstxt.RobotsData)
		if !assertOK {
			return nil, fmt.Errorf("robots cache type mismatch: %T", cached)
		}
		return data, nil
	}

	robotsURL := *parsed
	robotsURL.Path = path.Join("/", "robots.txt")
	robotsURL.RawQuery = ""
	robotsURL.Fragment = ""
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close robots body failed", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBody))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	c.cache.Store(hostKey, data)
	return data, nil
}
