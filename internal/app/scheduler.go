/**
 * @description
 * Cron scheduler setup for the settlement and recovery jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/cloudkserg/middleware-eth-nem-action-processor/internal/config"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	schedule := s.config.SettlementSchedule()

	if _, err := s.cron.AddFunc(schedule, s.jobs.SettleAccounts); err != nil {
		s.logger.Error("failed to schedule settlement job", "error", err)
	} else {
		s.logger.Info("scheduled settlement job", "schedule", schedule)
	}

	if _, err := s.cron.AddFunc(schedule, s.jobs.ReleaseStaleSettlements); err != nil {
		s.logger.Error("failed to schedule stale claim recovery job", "error", err)
	} else {
		s.logger.Info("scheduled stale claim recovery job", "schedule", schedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler. The returned context is done
// once in-flight jobs have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
