package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cellarsync/internal/models"

	"github.com/robfig/cron/v3"
)

// Runner runs one synchronization cycle.
type Runner interface {
	Run(ctx context.Context) (*models.SyncReport, error)
}

// ReportSink receives the report of every scheduled run.
type ReportSink interface {
	Store(ctx context.Context, report *models.SyncReport) error
}

// Scheduler triggers runs on a cron schedule evaluated in the business
// timezone. Overlapping runs are not prevented; reconciliation is idempotent.
type Scheduler struct {
	logger  *slog.Logger
	runner  Runner
	sink    ReportSink
	timeout time.Duration
	cron    *cron.Cron
}

// NewScheduler creates a scheduler for spec (for example "@hourly"). sink
// may be nil.
func NewScheduler(logger *slog.Logger, runner Runner, spec string, loc *time.Location, sink ReportSink) (*Scheduler, error) {
	s := &Scheduler{
		logger:  logger,
		runner:  runner,
		sink:    sink,
		timeout: 30 * time.Minute,
		cron:    cron.New(cron.WithLocation(loc)),
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("invalid sync schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins scheduling in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Sync scheduler started.")
}

// Stop stops scheduling and waits for a running cycle to finish or ctx to
// expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("Timed out waiting for running sync to finish.")
	}
	s.logger.Info("Sync scheduler stopped.")
}

// RunNow runs a cycle immediately with the same semantics as a scheduled one.
func (s *Scheduler) RunNow(ctx context.Context) (*models.SyncReport, error) {
	report, err := s.runner.Run(ctx)
	if err != nil {
		return nil, err
	}
	if s.sink != nil {
		if err := s.sink.Store(ctx, report); err != nil {
			s.logger.Error("Failed to store sync report", "error", err)
		}
	}
	return report, nil
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.RunNow(ctx); err != nil {
		s.logger.Error("Scheduled sync failed", "error", err)
	}
}
