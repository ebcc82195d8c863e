// Package scheduler runs background jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gigvault/escrowd/internal/escrow"
)

// Sweeper is the expiry monitor as seen by the scheduler.
type Sweeper interface {
	Sweep(ctx context.Context) escrow.SweepResult
}

// Scheduler owns a cron runner. Jobs run with a context that is cancelled
// by Stop; a job still running when its next tick arrives is skipped, and a
// panicking job is logged and recovered.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. Nothing runs until Start.
func New(logger *slog.Logger) *Scheduler {
	cl := cronLogger{logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddSweep schedules m.Sweep on spec ("@every 30s", "*/5 * * * *", ...).
func (s *Scheduler) AddSweep(spec string, m Sweeper) error {
	if _, err := s.cron.AddJob(spec, sweepJob{ctx: s.ctx, monitor: m, logger: s.logger}); err != nil {
		return fmt.Errorf("schedule expiry sweep %q: %w", spec, err)
	}
	s.logger.Info("scheduled expiry sweep", "schedule", spec)
	return nil
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type sweepJob struct {
	ctx     context.Context
	monitor Sweeper
	logger  *slog.Logger
}

func (j sweepJob) Run() {
	if j.ctx.Err() != nil {
		return
	}
	start := time.Now()
	res := j.monitor.Sweep(j.ctx)
	level := slog.LevelDebug
	if len(res.Refunded) > 0 || len(res.Failed) > 0 {
		level = slog.LevelInfo
	}
	j.logger.Log(j.ctx, level, "expiry sweep finished",
		"checked", res.Checked,
		"refunded", len(res.Refunded),
		"skipped", len(res.Skipped),
		"failed", len(res.Failed),
		"duration", time.Since(start),
	)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
