// Package jobs runs the daily batch jobs under a cross-instance lock and a
// deadline, for both the cron endpoints and the CLI.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/vetcare/scheduling/internal/domain/maintenance"
	"github.com/vetcare/scheduling/internal/domain/recurrence"
	"github.com/vetcare/scheduling/internal/platform/joblock"
)

const (
	JobGenerate    = "generate-recurring"
	JobMaintenance = "maintenance"
)

// ErrAlreadyRunning is returned when another instance holds the job's lock.
var ErrAlreadyRunning = errors.New("job already running")

// Runner wraps a job with its lock, deadline and start/finish logging.
type Runner struct {
	locker   joblock.Locker
	deadline time.Duration
	logger   zerolog.Logger
}

func NewRunner(locker joblock.Locker, deadline time.Duration, logger zerolog.Logger) *Runner {
	return &Runner{locker: locker, deadline: deadline, logger: logger}
}

func (r *Runner) Run(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	lease, err := r.locker.Acquire(ctx, name, r.deadline+time.Minute)
	if errors.Is(err, joblock.ErrHeld) {
		r.logger.Warn().Str("job", name).Msg("job skipped, lock held elsewhere")
		return fmt.Errorf("%s: %w", name, ErrAlreadyRunning)
	}
	if err != nil {
		return fmt.Errorf("acquire lock for %s: %w", name, err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			r.logger.Warn().Err(err).Str("job", name).Msg("job lock release failed")
		}
	}()

	started := time.Now()
	err = fn(ctx)
	ev := r.logger.Info()
	if err != nil {
		ev = r.logger.Error().Err(err)
	}
	ev.Str("job", name).Dur("duration", time.Since(started)).Msg("job finished")
	return err
}

type Generator interface {
	RunDaily(ctx context.Context, horizonDays int) (*recurrence.Report, error)
}

type Maintainer interface {
	RunDaily(ctx context.Context) (*maintenance.Report, error)
}

// Jobs binds the batch jobs to a Runner.
type Jobs struct {
	runner      *Runner
	generator   Generator
	maintainer  Maintainer
	horizonDays int
}

func New(runner *Runner, generator Generator, maintainer Maintainer, horizonDays int) *Jobs {
	return &Jobs{runner: runner, generator: generator, maintainer: maintainer, horizonDays: horizonDays}
}

// Generate fills the horizon of every schedulable pattern. days <= 0 uses the
// configured horizon.
func (j *Jobs) Generate(ctx context.Context, days int) (*recurrence.Report, error) {
	if days <= 0 {
		days = j.horizonDays
	}
	var report *recurrence.Report
	err := j.runner.Run(ctx, JobGenerate, func(ctx context.Context) error {
		var err error
		report, err = j.generator.RunDaily(ctx, days)
		return err
	})
	return report, err
}

func (j *Jobs) Sweep(ctx context.Context) (*maintenance.Report, error) {
	var report *maintenance.Report
	err := j.runner.Run(ctx, JobMaintenance, func(ctx context.Context) error {
		var err error
		report, err = j.maintainer.RunDaily(ctx)
		return err
	})
	return report, err
}

// DailyReport keeps each job's outcome apart so callers can classify them
// individually.
type DailyReport struct {
	Generation    *recurrence.Report
	Maintenance   *maintenance.Report
	GenerationErr error
	SweepErr      error
}

// Err combines both job errors.
func (r *DailyReport) Err() error {
	return multierr.Combine(r.GenerationErr, r.SweepErr)
}

// Daily runs generation then maintenance. The second job runs even when the
// first fails.
func (j *Jobs) Daily(ctx context.Context) *DailyReport {
	r := &DailyReport{}
	r.Generation, r.GenerationErr = j.Generate(ctx, 0)
	r.Maintenance, r.SweepErr = j.Sweep(ctx)
	return r
}
