package engine

import (
	"context"
	"fmt"

	"github.com/tokwatch/tokwatch/session"
)

// BrowserEngine renders pages through the worker's session. The
// forceStealth flag distinguishes the plain tier from the stealth tier;
// the stealth tier always injects the stealth JS regardless of what the
// caller asked for.
type BrowserEngine struct {
	forceStealth bool
	name         string
}

// NewBrowserEngine creates a browser engine tier.
func NewBrowserEngine(forceStealth bool) *BrowserEngine {
	name := "browser"
	if forceStealth {
		name = "browser-stealth"
	}
	return &BrowserEngine{forceStealth: forceStealth, name: name}
}

func (e *BrowserEngine) Name() string { return e.name }

func (e *BrowserEngine) Fetch(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
	if req.Session == nil {
		return nil, fmt.Errorf("%s: request carries no session", e.name)
	}

	res, err := req.Session.Visit(ctx, req.Target.URL, session.VisitOptions{
		ScrollRounds: req.ScrollRounds,
		WaitSelector: req.WaitSelector,
		Stealth:      e.forceStealth,
		Timeout:      req.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.name, err)
	}

	return &FetchResult{
		HTML:       res.HTML,
		FinalURL:   res.FinalURL,
		StatusCode: res.StatusCode,
		EngineName: e.name,
	}, nil
}
