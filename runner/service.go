package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tokwatch/tokwatch/config"
	"github.com/tokwatch/tokwatch/models"
)

// Exporter pushes a finished run summary to an external receiver.
type Exporter interface {
	Export(ctx context.Context, summary *models.RunSummary) error
}

// Service wraps the runner in the periodic scheduling loop: run, export
// the summary, wait out the interval, repeat. A failed run waits the
// shorter recovery pause instead of the full interval.
type Service struct {
	runner   *Runner
	cfg      config.RunConfig
	exporter Exporter

	mu        sync.Mutex
	nextRunAt time.Time
	trigger   chan struct{}
}

// NewService creates the scheduling loop around the runner. exporter
// may be nil when no summary export is configured.
func NewService(r *Runner, cfg config.RunConfig, exporter Exporter) *Service {
	return &Service{
		runner:   r,
		cfg:      cfg,
		exporter: exporter,
		trigger:  make(chan struct{}, 1),
	}
}

// Run executes the service loop until ctx is canceled. With a zero
// interval it performs exactly one run and returns its summary.
func (s *Service) Run(ctx context.Context) (*models.RunSummary, error) {
	for {
		summary, err := s.runner.RunOnce(ctx)
		if err == nil {
			s.export(ctx, summary)
		}

		if s.cfg.Interval <= 0 {
			return summary, err
		}
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}

		pause := s.cfg.Interval
		if summary == nil || !summary.Succeeded() {
			pause = s.cfg.RecoveryPause
			slog.Warn("run did not complete, pausing before retry", "pause", pause)
		}

		s.mu.Lock()
		s.nextRunAt = time.Now().Add(pause)
		s.mu.Unlock()

		if err := s.sleep(ctx, pause); err != nil {
			return summary, err
		}
	}
}

// Trigger requests an immediate run, cutting the current wait short.
// It is a no-op when a run is already pending.
func (s *Service) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// NextRunAt reports when the next scheduled run starts. The zero time
// means a run is in progress or the service runs once only.
func (s *Service) NextRunAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRunAt
}

func (s *Service) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.trigger:
		return nil
	case <-t.C:
		return nil
	}
}

func (s *Service) export(ctx context.Context, summary *models.RunSummary) {
	if s.exporter == nil || summary == nil {
		return
	}
	exportCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := s.exporter.Export(exportCtx, summary); err != nil {
		slog.Warn("run summary export failed", "run_id", summary.RunID, "error", err)
	}
}
