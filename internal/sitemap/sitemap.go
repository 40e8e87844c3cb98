// Package sitemap fetches and parses sitemap.xml documents, including
// sitemap index files and xhtml alternate links.
package sitemap

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Entry is one URL discovered in a sitemap. Links holds alternate
// (xhtml:link) URLs that share the entry's lastmod.
type Entry struct {
	URL     string
	LastMod string
	Links   []string
}

const (
	maxBody     = 16 << 20
	maxIndexRec = 2
)

// Fetcher retrieves sitemap documents over HTTP.
type Fetcher struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger
}

// NewFetcher builds a sitemap Fetcher.
func NewFetcher(userAgent string, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		userAgent: userAgent,
		logger:    logger,
	}
}

// ListEntries fetches every given sitemap URL, following sitemap index
// files, and returns the flattened, de-duplicated entry list. A single
// unreachable or malformed sitemap is logged and skipped.
func (f *Fetcher) ListEntries(ctx context.Context, sitemapURLs []string) ([]Entry, error) {
	var entries []Entry
	seen := make(map[string]struct{})
	for _, u := range sitemapURLs {
		got, err := f.fetch(ctx, u, 0)
		if err != nil {
			f.logger.Warn("sitemap fetch failed", zap.String("url", u), zap.Error(err))
			continue
		}
		for _, e := range got {
			if _, dup := seen[e.URL]; dup {
				continue
			}
			seen[e.URL] = struct{}{}
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string, depth int) ([]Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new sitemap request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch sitemap: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sitemap status %d for %s", resp.StatusCode, rawURL)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read sitemap body: %w", err)
	}

	entries, children, err := Parse(body)
	if err != nil {
		return nil, err
	}
	if len(children) > 0 && depth < maxIndexRec {
		for _, child := range children {
			got, childErr := f.fetch(ctx, child, depth+1)
			if childErr != nil {
				f.logger.Warn("child sitemap fetch failed", zap.String("url", child), zap.Error(childErr))
				continue
			}
			entries = append(entries, got...)
		}
	}
	return entries, nil
}

type urlsetXML struct {
	URLs []urlXML `xml:"url"`
}

type urlXML struct {
	Loc     string    `xml:"loc"`
	LastMod string    `xml:"lastmod"`
	Links   []linkXML `xml:"link"`
}

type linkXML struct {
	Href string `xml:"href,attr"`
}

type indexXML struct {
	Sitemaps []locXML `xml:"sitemap"`
}

type locXML struct {
	Loc string `xml:"loc"`
}

// Parse decodes a sitemap document. It returns the URL entries for a
// urlset, or the child sitemap URLs for a sitemapindex.
func Parse(body []byte) (entries []Entry, children []string, err error) {
	root, err := rootElement(body)
	if err != nil {
		return nil, nil, err
	}

	switch root {
	case "urlset":
		var set urlsetXML
		if err := xml.Unmarshal(body, &set); err != nil {
			return nil, nil, fmt.Errorf("parse urlset: %w", err)
		}
		for _, u := range set.URLs {
			if u.Loc == "" {
				continue
			}
			entry := Entry{URL: u.Loc, LastMod: u.LastMod}
			for _, l := range u.Links {
				if l.Href != "" && l.Href != u.Loc {
					entry.Links = append(entry.Links, l.Href)
				}
			}
			entries = append(entries, entry)
		}
		return entries, nil, nil
	case "sitemapindex":
		var idx indexXML
		if err := xml.Unmarshal(body, &idx); err != nil {
			return nil, nil, fmt.Errorf("parse sitemapindex: %w", err)
		}
		for _, sm := range idx.Sitemaps {
			if sm.Loc != "" {
				children = append(children, sm.Loc)
			}
		}
		return nil, children, nil
	default:
		return nil, nil, fmt.Errorf("unexpected sitemap root element %q", root)
	}
}

func rootElement(body []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", fmt.Errorf("scan sitemap root: %w", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local, nil
		}
	}
}
