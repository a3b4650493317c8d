// Package nav drives page loads: it turns targets into snapshots via
// the engine dispatcher, classifies failures into the pipeline's error
// taxonomy, and manages pagination cursors for profile grids.
package nav

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/tokwatch/tokwatch/config"
	"github.com/tokwatch/tokwatch/engine"
	"github.com/tokwatch/tokwatch/fingerprint"
	"github.com/tokwatch/tokwatch/models"
	"github.com/tokwatch/tokwatch/session"
)

// Wait selectors per target kind. The follower count renders with the
// profile header even for accounts with zero posts, so it is a safe
// readiness signal; waiting on grid tiles would hang on empty accounts.
const (
	profileWaitSelector = `strong[data-e2e="followers-count"]`
	videoWaitSelector   = `strong[data-e2e="like-count"]`
)

var blockedMarkers = []string{
	"verify to continue",
	"security check",
	"captcha-verify",
	"access denied",
	"too many requests",
}

var notFoundMarkers = []string{
	"couldn't find this account",
	"couldn't find this video",
	"video currently unavailable",
	"page not available",
}

// Controller loads pages for targets. It owns cursor semantics; callers
// treat cursors as opaque strings.
type Controller struct {
	dispatcher *engine.Dispatcher
	scrape     config.ScrapeConfig
}

// NewController creates a navigation controller.
func NewController(dispatcher *engine.Dispatcher, scrape config.ScrapeConfig) *Controller {
	return &Controller{dispatcher: dispatcher, scrape: scrape}
}

// Load fetches the target's page through the given session and returns
// a snapshot. Failures come back as PipelineErrors with a navigation
// code; a snapshot is returned only for pages worth extracting.
func (c *Controller) Load(ctx context.Context, sess *session.Session, target models.Target) (*models.PageSnapshot, error) {
	cur, err := DecodeCursor(target.Cursor)
	if err != nil {
		return nil, models.NewPipelineError(models.ErrCodeInternal, "undecodable pagination cursor", err)
	}

	req := &engine.FetchRequest{
		Target:  target,
		Session: sess,
		Timeout: c.scrape.NavigationTimeout,
	}
	switch target.Kind {
	case models.TargetProfile:
		req.ScrollRounds = cur.Depth
		req.WaitSelector = profileWaitSelector
	case models.TargetVideo:
		req.WaitSelector = videoWaitSelector
	}

	navCtx, cancel := context.WithTimeout(ctx, c.scrape.NavigationTimeout)
	defer cancel()

	result, err := c.dispatcher.Dispatch(navCtx, req)
	if err != nil {
		return nil, classifyFetchError(err, ctx)
	}

	if err := classifyPage(result); err != nil {
		return nil, err
	}

	snap := &models.PageSnapshot{
		Target:     target,
		HTML:       result.HTML,
		FinalURL:   result.FinalURL,
		StatusCode: result.StatusCode,
		SessionID:  sessionID(sess),
		CapturedAt: time.Now().UTC(),
	}

	if target.Kind == models.TargetProfile {
		snap.NextCursor = c.nextCursor(cur, result.HTML, target)
	}
	return snap, nil
}

// NextTarget builds the follow-up target for a snapshot that has more
// content, or reports false when pagination is done.
func (c *Controller) NextTarget(snap *models.PageSnapshot) (models.Target, bool) {
	if snap.NextCursor == "" || snap.Target.Kind != models.TargetProfile {
		return models.Target{}, false
	}
	next := snap.Target
	next.Cursor = snap.NextCursor
	next.Depth = snap.Target.Depth + 1
	return next, true
}

// nextCursor decides whether the grid has more content past this
// capture. Pagination ends at the scroll depth cap or when the grid's
// link fingerprint stops changing between hops.
func (c *Controller) nextCursor(cur Cursor, html string, target models.Target) string {
	nextDepth := cur.Depth + 1
	if nextDepth > c.scrape.MaxScrollDepth {
		return ""
	}

	fp := fingerprint.OfSnapshot(html)
	if cur.Depth > 0 && fingerprint.Similar(fp, cur.Fingerprint, fingerprint.SameContentThreshold) {
		slog.Debug("grid exhausted, fingerprint stable",
			"handle", target.Handle, "depth", cur.Depth)
		return ""
	}
	return Cursor{Depth: nextDepth, Fingerprint: fp}.Encode()
}

// classifyFetchError maps a dispatcher failure onto the navigation
// error taxonomy. Errors that already carry a pipeline code pass
// through untouched.
func classifyFetchError(err error, parent context.Context) error {
	var pe *models.PipelineError
	if errors.As(err, &pe) {
		return err
	}
	if parent.Err() != nil {
		// Caller shutdown, not a page problem.
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewPipelineError(models.ErrCodeNavTimeout, "page load deadline exceeded", err)
	}
	return models.NewPipelineError(models.ErrCodeNavTransient, "page load failed", err)
}

// classifyPage inspects a successfully fetched page for block walls and
// tombstones. TikTok serves both with a 200 status, so the body text is
// the only reliable signal.
func classifyPage(result *engine.FetchResult) error {
	if result.StatusCode == 404 {
		return models.NewPipelineError(models.ErrCodeNavNotFound, "page returned 404", nil)
	}
	if result.StatusCode == 403 || result.StatusCode == 429 {
		return models.NewPipelineError(models.ErrCodeNavBlocked, "page returned anti-bot status", nil)
	}
	if strings.Contains(result.FinalURL, "/login") || strings.Contains(result.FinalURL, "/verify") {
		return models.NewPipelineError(models.ErrCodeNavBlocked, "redirected to "+result.FinalURL, nil)
	}

	lower := strings.ToLower(result.HTML)
	for _, m := range notFoundMarkers {
		if strings.Contains(lower, m) {
			return models.NewPipelineError(models.ErrCodeNavNotFound, "page reports: "+m, nil)
		}
	}
	for _, m := range blockedMarkers {
		if strings.Contains(lower, m) {
			return models.NewPipelineError(models.ErrCodeNavBlocked, "page reports: "+m, nil)
		}
	}
	return nil
}

func sessionID(sess *session.Session) string {
	if sess == nil {
		return ""
	}
	return sess.ID
}
