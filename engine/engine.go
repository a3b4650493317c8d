// Package engine provides the page fetch engines and the escalation
// dispatcher that picks between them: a utls-based HTTP fast path for
// pages that arrive server-rendered, and browser engines (plain and
// stealth) for everything else.
package engine

import (
	"context"
	"time"

	"github.com/tokwatch/tokwatch/models"
	"github.com/tokwatch/tokwatch/session"
)

// Engine is the interface all fetch engines implement.
type Engine interface {
	// Name returns the engine identifier ("http", "browser", "browser-stealth").
	Name() string

	// Fetch retrieves the page content for the given request.
	Fetch(ctx context.Context, req *FetchRequest) (*FetchResult, error)
}

// FetchRequest contains everything an engine needs to fetch a page.
type FetchRequest struct {
	Target  models.Target
	Session *session.Session

	// ScrollRounds forces browser rendering: scroll depth cannot be
	// expressed over plain HTTP.
	ScrollRounds int

	// WaitSelector, when set, must be present before capture.
	WaitSelector string

	Timeout time.Duration
}

// FetchResult is the output of a successful engine fetch.
type FetchResult struct {
	HTML       string
	FinalURL   string
	StatusCode int
	EngineName string
}
