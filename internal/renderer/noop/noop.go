// Package noop provides a renderer stub for environments without a
// browser, such as tests and local development.
package noop

import (
	"context"

	"github.com/pagesnap/pagesnap/internal/snap"
)

// Renderer returns a fixed result for every URL.
type Renderer struct {
	// Result is returned from every Render call.
	Result snap.RenderResult
	// Err, when set, is returned instead.
	Err error
}

// New creates a Renderer with a minimal successful result.
func New() *Renderer {
	return &Renderer{
		Result: snap.RenderResult{HTML: "<html><body></body></html>"},
	}
}

// Render implements snap.PageRenderer.
func (r *Renderer) Render(_ context.Context, _ snap.Payload) (snap.RenderResult, error) {
	if r.Err != nil {
		return snap.RenderResult{}, r.Err
	}
	return r.Result, nil
}
