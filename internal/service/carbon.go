package service

import (
	"context"
	"fmt"
	"net/url"

	"github.com/pagesnap/pagesnap/internal/snap"
)

const carbonBase = "https://carbon.now.sh/"

// CodeRequest describes a code screenshot request rendered through
// carbon.now.sh.
type CodeRequest struct {
	Code     string `json:"code"`
	Language string `json:"language,omitempty"`
	Theme    string `json:"theme,omitempty"`
	Width    int    `json:"width,omitempty"`
	Sync     bool   `json:"sync,omitempty"`
}

// CarbonURL builds the carbon.now.sh URL for the request.
func CarbonURL(req CodeRequest) string {
	values := url.Values{}
	values.Set("code", req.Code)
	if req.Language != "" {
		values.Set("l", req.Language)
	}
	if req.Theme != "" {
		values.Set("t", req.Theme)
	}
	return carbonBase + "?" + values.Encode()
}

// CrawlCode enqueues a screenshot crawl of the rendered code image on
// the code queue.
func (s *Service) CrawlCode(ctx context.Context, req CodeRequest) (EnqueueResult, error) {
	if req.Code == "" {
		return EnqueueResult{}, fmt.Errorf("code is required")
	}
	payload := snap.Payload{
		URL:               CarbonURL(req),
		IncludeScreenshot: true,
		Format:            "png",
		Width:             req.Width,
		// Carbon renders client side; give the editor time to paint.
		WaitTime: 2000,
		// Carbon is a rendering tool, not crawled content.
		IgnoreRobots: true,
		Sync:         req.Sync,
	}
	return s.enqueue(ctx, snap.QueueCodeCrawler, payload, !req.Sync)
}
