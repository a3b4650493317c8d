// Package runner orchestrates a scrape run: it seeds the work queue
// from the configured accounts, drives a bounded worker pool through
// navigate/extract/persist, and aggregates counters into a run summary.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tokwatch/tokwatch/config"
	"github.com/tokwatch/tokwatch/extract"
	"github.com/tokwatch/tokwatch/models"
	"github.com/tokwatch/tokwatch/nav"
	"github.com/tokwatch/tokwatch/ratelimit"
	"github.com/tokwatch/tokwatch/session"
	"github.com/tokwatch/tokwatch/sink"
)

// SinkFactory opens the sink for one run.
type SinkFactory func(runID string) (sink.Sink, error)

// Runner executes scrape runs. One Runner serves the whole process;
// RunOnce must not be called concurrently with itself.
type Runner struct {
	cfg       *config.Config
	sessions  *session.Manager
	nav       *nav.Controller
	extractor *extract.Engine
	limiter   *ratelimit.Limiter
	policy    ratelimit.Policy
	newSink   SinkFactory

	mu          sync.Mutex
	state       *models.RunState
	lastSummary *models.RunSummary
}

// New creates a Runner.
func New(
	cfg *config.Config,
	sessions *session.Manager,
	navc *nav.Controller,
	extractor *extract.Engine,
	limiter *ratelimit.Limiter,
	policy ratelimit.Policy,
	newSink SinkFactory,
) *Runner {
	return &Runner{
		cfg:       cfg,
		sessions:  sessions,
		nav:       navc,
		extractor: extractor,
		limiter:   limiter,
		policy:    policy,
		newSink:   newSink,
	}
}

// runEvent is one worker's report to the collector. Exactly one of the
// groups is set.
type runEvent struct {
	queued    int
	processed bool
	outcomes  []models.PersistOutcome
	failKind  string
	fatal     string
}

// run carries the per-run mutable pieces shared by the workers.
type run struct {
	id     string
	queue  *targetQueue
	events chan runEvent
	cancel context.CancelFunc
	sink   sink.Sink

	mu            sync.Mutex
	detailSeen    map[string]bool
	consecutiveIO int
	fatalOnce     sync.Once
}

// RunOnce executes one full run and returns its summary. A fatal error
// (unopenable sink, repeated persistence failures) fails the run; per-
// target failures only land in the summary's failure counters.
func (r *Runner) RunOnce(ctx context.Context) (*models.RunSummary, error) {
	runID := fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102T150405"), uuid.NewString()[:8])

	state := &models.RunState{
		RunID:          runID,
		Phase:          models.RunPending,
		FailuresByKind: make(map[string]int),
		StartedAt:      time.Now().UTC(),
	}
	r.setState(state)

	snk, err := r.newSink(runID)
	if err != nil {
		return r.finish(state, models.RunFailed, err.Error()), err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rn := &run{
		id:         runID,
		queue:      newTargetQueue(),
		events:     make(chan runEvent, 64),
		cancel:     cancel,
		sink:       snk,
		detailSeen: make(map[string]bool),
	}

	seeded := 0
	for _, handle := range r.cfg.Accounts {
		if rn.queue.push(models.ProfileTarget(handle)) {
			seeded++
		}
	}
	state.TargetsQueued = seeded
	slog.Info("run started", "run_id", runID, "accounts", seeded)

	if seeded == 0 {
		rn.queue.drain()
	}

	r.transition(state, models.RunRunning)

	var collectorWg sync.WaitGroup
	collectorWg.Add(1)
	go func() {
		defer collectorWg.Done()
		r.collect(state, rn.events)
	}()

	var workerWg sync.WaitGroup
	for i := 0; i < r.cfg.Session.PoolSize; i++ {
		workerWg.Add(1)
		go func() {
			defer workerWg.Done()
			r.worker(runCtx, rn)
		}()
	}

	// Cancellation starts the draining phase immediately: no new targets
	// are picked up, in-flight ones finish. The watcher is a no-op once
	// the run has moved past Running.
	go func() {
		<-runCtx.Done()
		r.markDraining(state)
	}()

	workerWg.Wait()
	r.markDraining(state)
	close(rn.events)
	collectorWg.Wait()

	if err := snk.Close(); err != nil {
		slog.Error("sink close failed", "run_id", runID, "error", err)
		if state.FailReason == "" {
			state.FailReason = err.Error()
		}
	}

	// A canceled run drains and completes; only unrecoverable errors
	// (unopenable sink, repeated persistence failures) fail it.
	phase := models.RunCompleted
	if state.FailReason != "" {
		phase = models.RunFailed
	}
	if ctx.Err() != nil {
		slog.Info("run stopped early", "run_id", runID, "cause", ctx.Err())
	}

	summary := r.finish(state, phase, state.FailReason)
	slog.Info("run finished",
		"run_id", runID,
		"phase", summary.Phase,
		"targets", summary.TargetsProcessed,
		"inserted", summary.RecordsInserted,
		"updated", summary.RecordsUpdated,
		"duplicate", summary.RecordsDuplicate,
		"failures", state.Failures(),
		"duration", summary.Duration.Round(time.Millisecond),
	)
	return summary, nil
}

// Status returns a copy of the current run state (nil when no run has
// started) and the latest finished summary.
func (r *Runner) Status() (*models.RunState, *models.RunSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var state *models.RunState
	if r.state != nil {
		clone := *r.state
		clone.FailuresByKind = make(map[string]int, len(r.state.FailuresByKind))
		for k, v := range r.state.FailuresByKind {
			clone.FailuresByKind[k] = v
		}
		state = &clone
	}
	return state, r.lastSummary
}

// PoolStats exposes the session pool snapshot for the status API.
func (r *Runner) PoolStats() models.SessionPoolStats {
	return r.sessions.Stats()
}

// collect is the single writer of the run state. Workers never touch
// the counters directly.
func (r *Runner) collect(state *models.RunState, events <-chan runEvent) {
	for ev := range events {
		r.mu.Lock()
		if ev.queued > 0 {
			state.TargetsQueued += ev.queued
		}
		if ev.processed {
			state.TargetsProcessed++
		}
		for _, o := range ev.outcomes {
			switch o {
			case models.PersistInserted:
				state.RecordsInserted++
			case models.PersistUpdated:
				state.RecordsUpdated++
			case models.PersistDuplicate:
				state.RecordsDuplicate++
			}
		}
		if ev.failKind != "" {
			state.FailuresByKind[ev.failKind]++
		}
		if ev.fatal != "" && state.FailReason == "" {
			state.FailReason = ev.fatal
		}
		r.mu.Unlock()
	}
}

// worker pulls targets until the queue drains, handling each one
// through the full navigate/extract/persist pipeline.
func (r *Runner) worker(ctx context.Context, rn *run) {
	for {
		target, ok := rn.queue.pop(ctx)
		if !ok {
			return
		}
		r.handleTarget(ctx, rn, target)
		rn.queue.done()
	}
}

func (r *Runner) handleTarget(ctx context.Context, rn *run, target models.Target) {
	snap, err := r.loadWithRetry(ctx, rn, target)
	if err != nil {
		if ctx.Err() != nil {
			rn.events <- runEvent{processed: true}
			return
		}
		kind := models.ErrCode(err)
		slog.Warn("target failed",
			"run_id", rn.id, "target", target.Key(), "kind", kind, "error", err)
		rn.events <- runEvent{processed: true, failKind: kind}
		return
	}

	records, err := r.extractor.Extract(snap)
	if err != nil {
		kind := models.ErrCode(err)
		slog.Warn("extraction failed",
			"run_id", rn.id, "target", target.Key(), "kind", kind, "error", err)
		rn.events <- runEvent{processed: true, failKind: kind}
		return
	}

	outcomes, persistFail := r.persistAll(rn, records)
	queued := r.enqueueFollowUps(rn, snap, records)

	ev := runEvent{processed: true, outcomes: outcomes, queued: queued}
	if persistFail != "" {
		ev.failKind = persistFail
	}
	rn.events <- ev
}

// loadWithRetry acquires a session, paces it, and loads the target,
// retrying per the policy. Blocked responses and consecutive transient
// network failures feed the session's failure counters and trigger
// cooldown at their thresholds; crashes expire the session so the pool
// rebuilds it.
func (r *Runner) loadWithRetry(ctx context.Context, rn *run, target models.Target) (*models.PageSnapshot, error) {
	var lastErr error

	for attempt := 1; ; attempt++ {
		sess, err := r.sessions.Acquire(ctx)
		if err != nil {
			return nil, err
		}

		if err := r.limiter.Wait(ctx, sess.ID); err != nil {
			r.sessions.Release(sess)
			return nil, err
		}

		snap, err := r.nav.Load(ctx, sess, target)
		if err == nil {
			sess.ResetFailures()
			r.sessions.Release(sess)
			return snap, nil
		}
		lastErr = err

		switch models.ErrCode(err) {
		case models.ErrCodeNavBlocked:
			if sess.RecordBlocked(r.cfg.Session.BlockedThreshold) {
				r.sessions.MarkCoolingDown(sess, r.cfg.Session.Cooldown)
			}
		case models.ErrCodeNavTransient:
			if sess.RecordTransient(r.cfg.Session.TransientThreshold) {
				r.sessions.MarkCoolingDown(sess, r.cfg.Session.Cooldown)
			}
		case models.ErrCodeBrowserCrash:
			sess.MarkExpired()
			r.limiter.Forget(sess.ID)
		}
		r.sessions.Release(sess)

		decision := r.policy.Decide(models.ErrCode(err), attempt)
		if !decision.Retry {
			return nil, lastErr
		}
		if err := ratelimit.SleepWithJitter(ctx, decision.Delay, r.cfg.RateLimit.JitterFraction); err != nil {
			return nil, lastErr
		}
	}
}

// persistAll stores the records and tracks consecutive IO failures.
// Reaching the fatal threshold drains the run.
func (r *Runner) persistAll(rn *run, records []models.Record) ([]models.PersistOutcome, string) {
	outcomes := make([]models.PersistOutcome, 0, len(records))
	failKind := ""

	for _, rec := range records {
		outcome, err := rn.sink.Persist(rec)
		if err != nil {
			kind := models.ErrCode(err)
			failKind = kind
			slog.Error("persist failed", "run_id", rn.id, "entity", rec.EntityID, "error", err)

			if kind == models.ErrCodePersistIO {
				rn.mu.Lock()
				rn.consecutiveIO++
				fatal := rn.consecutiveIO >= r.cfg.Sink.FatalIOThreshold
				rn.mu.Unlock()
				if fatal {
					rn.fatalOnce.Do(func() {
						rn.events <- runEvent{fatal: "persistence failing repeatedly: " + err.Error()}
						rn.queue.drain()
						rn.cancel()
					})
				}
			}
			continue
		}
		rn.mu.Lock()
		rn.consecutiveIO = 0
		rn.mu.Unlock()
		outcomes = append(outcomes, outcome)
	}
	return outcomes, failKind
}

// enqueueFollowUps appends pagination and video detail targets derived
// from this snapshot. Pagination stops early when the grid already
// shows an unpinned video older than the new-video horizon.
func (r *Runner) enqueueFollowUps(rn *run, snap *models.PageSnapshot, records []models.Record) int {
	queued := 0

	if r.cfg.Scrape.FetchVideoDetails {
		for _, rec := range records {
			if rec.Kind != models.RecordVideoStub {
				continue
			}
			url := rec.Fields[extract.FieldVideoURL]
			if url == "" {
				continue
			}
			rn.mu.Lock()
			seen := rn.detailSeen[rec.EntityID]
			rn.detailSeen[rec.EntityID] = true
			rn.mu.Unlock()
			if seen {
				continue
			}
			if rn.queue.push(models.VideoTarget(snap.Target.Handle, absoluteVideoURL(url))) {
				queued++
			}
		}
	}

	if next, ok := r.nav.NextTarget(snap); ok && !gridPastHorizon(records, r.cfg.Scrape.NewVideoThreshold) {
		if rn.queue.push(next) {
			queued++
		}
	}
	return queued
}

// gridPastHorizon reports whether the grid already reaches back past
// the new-video threshold. Pinned videos are ignored: they surface at
// the top of the grid regardless of age.
func gridPastHorizon(records []models.Record, threshold time.Duration) bool {
	if threshold <= 0 {
		return false
	}
	cutoff := time.Now().UTC().Add(-threshold)
	for _, rec := range records {
		if rec.Kind != models.RecordVideoStub {
			continue
		}
		if rec.Fields[extract.FieldPinned] == "true" {
			continue
		}
		posted, err := time.Parse(time.RFC3339, rec.Fields[extract.FieldPostingTime])
		if err != nil {
			continue
		}
		if posted.Before(cutoff) {
			return true
		}
	}
	return false
}

// absoluteVideoURL resolves grid-relative hrefs against the site root.
func absoluteVideoURL(href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	return "https://www.tiktok.com" + href
}

func (r *Runner) setState(state *models.RunState) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
}

func (r *Runner) transition(state *models.RunState, phase models.RunPhase) {
	r.mu.Lock()
	state.Phase = phase
	r.mu.Unlock()
}

// markDraining moves a running run into Draining. It refuses any other
// transition so a late cancellation watcher cannot rewind a finished
// run.
func (r *Runner) markDraining(state *models.RunState) {
	r.mu.Lock()
	if state.Phase == models.RunRunning {
		state.Phase = models.RunDraining
	}
	r.mu.Unlock()
}

func (r *Runner) finish(state *models.RunState, phase models.RunPhase, reason string) *models.RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	state.Phase = phase
	state.FailReason = reason
	state.FinishedAt = time.Now().UTC()
	summary := state.Summary()
	r.lastSummary = summary
	return summary
}
