// Package chromedp renders pages with headless Chrome via the DevTools
// protocol.
package chromedp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pagesnap/pagesnap/internal/snap"
)

// Config controls the headless renderer.
type Config struct {
	// MaxParallel bounds concurrent tabs; 0 means unbounded.
	MaxParallel int
	// UserAgent overrides the browser user agent when non-empty.
	UserAgent string
	// DomainQPS throttles navigations per host; 0 disables throttling.
	DomainQPS float64
	// ExecPath points at a Chrome binary; empty uses the default lookup.
	ExecPath string
	// Idle is how long to let the page settle after the body is ready
	// when the payload carries no waitTime of its own.
	Idle time.Duration
}

// Renderer implements snap.PageRenderer using chromedp. One exec
// allocator is shared across renders; each render gets its own tab.
type Renderer struct {
	cfg         Config
	log         *zap.Logger
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a Renderer. Close must be called to release the browser.
func New(cfg Config, log *zap.Logger) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Renderer{
		cfg:         cfg,
		log:         log,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		limiters:    make(map[string]*rate.Limiter),
	}, nil
}

// Close releases the browser allocator.
func (r *Renderer) Close() {
	r.allocCancel()
}

// Render navigates to the payload URL in a fresh tab and captures the
// requested artifacts. Navigation failures and timeouts return an
// error; a page that answers with a non-2xx/304 document returns an
// empty result and no error.
func (r *Renderer) Render(ctx context.Context, p snap.Payload) (snap.RenderResult, error) {
	p = p.Normalized()
	if err := r.acquire(ctx); err != nil {
		return snap.RenderResult{}, err
	}
	defer r.release()

	if err := r.waitDomain(ctx, p.URL); err != nil {
		return snap.RenderResult{}, err
	}

	taskCtx, taskCancel := chromedp.NewContext(r.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, p.RenderTimeout())
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	var (
		result      snap.RenderResult
		description string
	)
	actions := []chromedp.Action{
		r.setupAction(p),
		chromedp.Navigate(p.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if p.WaitTime > 0 {
		actions = append(actions, chromedp.Sleep(time.Duration(p.WaitTime)*time.Millisecond))
	} else if r.cfg.Idle > 0 {
		actions = append(actions, chromedp.Sleep(r.cfg.Idle))
	}
	actions = append(actions,
		chromedp.Title(&result.Meta.Title),
		chromedp.Evaluate(
			`document.querySelector('meta[name="description"]')?.getAttribute('content') || ''`,
			&description),
	)
	if p.IncludeHTML {
		actions = append(actions, chromedp.OuterHTML("html", &result.HTML, chromedp.ByQuery))
	}
	if p.IncludeScreenshot {
		actions = append(actions, r.screenshotAction(p, &result.Screenshot))
	}

	start := time.Now()
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return snap.RenderResult{}, fmt.Errorf("chromedp run: %w", err)
	}
	result.Meta.Description = description

	status := meta.status()
	if err := statusErr(status); err != nil {
		r.log.Warn("document answered with error status",
			zap.String("url", p.URL), zap.Int("status", status))
		return snap.RenderResult{}, fmt.Errorf("navigate %s: %w", p.URL, err)
	}

	r.log.Debug("rendered page",
		zap.String("url", p.URL),
		zap.Int("status", status),
		zap.Duration("took", time.Since(start)))
	return result, nil
}

// setupAction enables the network domain and seeds user agent,
// viewport, headers, cookies, and localStorage before navigation.
func (r *Renderer) setupAction(p snap.Payload) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if err := emulation.SetDeviceMetricsOverride(int64(p.Width), int64(p.Height), 2, false).Do(ctx); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
		headers := toNetworkHeaders(p.Headers)
		headers[snap.CrawlHeader] = "1"
		if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
			return fmt.Errorf("set extra headers: %w", err)
		}
		if err := seedCookies(ctx, p.URL, p.Cookies); err != nil {
			return err
		}
		if err := seedLocalStorage(ctx, p.LocalStorage); err != nil {
			return err
		}
		return nil
	})
}

func (r *Renderer) screenshotAction(p snap.Payload, out *[]byte) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		capture := page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormat(p.Format)).
			WithCaptureBeyondViewport(p.FullPage)
		if p.Format != "png" {
			capture = capture.WithQuality(int64(p.Quality))
		}
		buf, err := capture.Do(ctx)
		if err != nil {
			return fmt.Errorf("capture screenshot: %w", err)
		}
		*out = buf
		return nil
	})
}

func seedCookies(ctx context.Context, rawURL string, cookies []snap.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Hostname()
	}
	for _, c := range cookies {
		domain := c.Domain
		if domain == "" {
			domain = host
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		set := network.SetCookie(c.Name, c.Value).
			WithDomain(domain).
			WithPath(path).
			WithHTTPOnly(c.HTTPOnly).
			WithSecure(c.Secure)
		if c.Expires > 0 {
			expires := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
			set = set.WithExpires(&expires)
		}
		if err := set.Do(ctx); err != nil {
			return fmt.Errorf("set cookie %s: %w", c.Name, err)
		}
	}
	return nil
}

// seedLocalStorage installs the entries before any page script runs.
// The "now()" sentinel expands to the current Unix milliseconds.
func seedLocalStorage(ctx context.Context, items []snap.LocalStorageItem) error {
	if len(items) == 0 {
		return nil
	}
	var sb strings.Builder
	for _, item := range items {
		value := item.Value
		if value == "now()" {
			value = strconv.FormatInt(time.Now().UnixMilli(), 10)
		}
		fmt.Fprintf(&sb, "window.localStorage.setItem(%s, %s);",
			jsString(item.Key), jsString(value))
	}
	_, err := page.AddScriptToEvaluateOnNewDocument(sb.String()).Do(ctx)
	if err != nil {
		return fmt.Errorf("seed localStorage: %w", err)
	}
	return nil
}

func jsString(s string) string {
	return strconv.Quote(s)
}

func (r *Renderer) acquire(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	select {
	case r.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("render slot wait canceled: %w", ctx.Err())
	}
}

func (r *Renderer) release() {
	if r.limiter == nil {
		return
	}
	select {
	case <-r.limiter:
	default:
	}
}

// waitDomain blocks until the per-host rate limiter admits the
// navigation.
func (r *Renderer) waitDomain(ctx context.Context, rawURL string) error {
	if r.cfg.DomainQPS <= 0 {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return nil
	}
	host := strings.ToLower(u.Hostname())

	r.mu.Lock()
	limiter, ok := r.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(r.cfg.DomainQPS), 1)
		r.limiters[host] = limiter
	}
	r.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("domain rate wait for %s: %w", host, err)
	}
	return nil
}

// statusErr rejects any document status other than 200 or 304. Zero
// means no document response was observed, which navigation errors
// already cover.
func statusErr(status int) error {
	switch status {
	case 0, http.StatusOK, http.StatusNotModified:
		return nil
	}
	return fmt.Errorf("document status %d", status)
}

type responseMeta struct {
	mu     sync.RWMutex
	code   int
	docURL string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.code = int(resp.Response.Status)
	m.docURL = resp.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) status() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.code
}

func toNetworkHeaders(h map[string]string) network.Headers {
	headers := network.Headers{}
	for key, value := range h {
		headers[key] = value
	}
	return headers
}
