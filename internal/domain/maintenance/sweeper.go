// Package maintenance runs the daily housekeeping over waitlist offers and
// recurrence patterns.
package maintenance

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/vetcare/scheduling/internal/apperr"
	"github.com/vetcare/scheduling/internal/domain/waitlist"
)

type OfferExpirer interface {
	ExpireOffers(ctx context.Context) (waitlist.ExpiryReport, error)
}

type PatternMaintainer interface {
	ResumeExpiredPauses(ctx context.Context) (int, error)
	WarnNearLimit(ctx context.Context, threshold int) (int, error)
}

type Report struct {
	ExpiredOffers     int      `json:"expired_offers_processed"`
	Reoffered         int      `json:"reoffered"`
	ResumedPatterns   int      `json:"resumed_patterns"`
	NearLimitWarnings int      `json:"near_limit_warnings"`
	Errors            []string `json:"errors,omitempty"`
}

// Sweeper runs three independent subtasks. A failing subtask is logged and
// reported; the others still run to completion.
type Sweeper struct {
	offers    OfferExpirer
	patterns  PatternMaintainer
	threshold int
	logger    zerolog.Logger
}

func NewSweeper(offers OfferExpirer, patterns PatternMaintainer, nearLimitThreshold int, logger zerolog.Logger) *Sweeper {
	return &Sweeper{offers: offers, patterns: patterns, threshold: nearLimitThreshold, logger: logger}
}

func (s *Sweeper) RunDaily(ctx context.Context) (*Report, error) {
	s.logger.Info().Msg("starting maintenance sweep")

	var (
		report Report
		mu     sync.Mutex
		failed []string
		errs   error
		g      errgroup.Group
	)
	run := func(name string, fn func(ctx context.Context) error) {
		g.Go(func() error {
			if err := fn(ctx); err != nil {
				s.logger.Error().Err(err).Str("task", name).Msg("maintenance task failed")
				mu.Lock()
				failed = append(failed, name)
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
				report.Errors = append(report.Errors, name+": "+err.Error())
				mu.Unlock()
			}
			return nil
		})
	}

	run("expire-offers", func(ctx context.Context) error {
		r, err := s.offers.ExpireOffers(ctx)
		mu.Lock()
		report.ExpiredOffers, report.Reoffered = r.Expired, r.Reoffered
		mu.Unlock()
		return err
	})
	run("resume-patterns", func(ctx context.Context) error {
		n, err := s.patterns.ResumeExpiredPauses(ctx)
		mu.Lock()
		report.ResumedPatterns = n
		mu.Unlock()
		return err
	})
	run("near-limit-warnings", func(ctx context.Context) error {
		n, err := s.patterns.WarnNearLimit(ctx, s.threshold)
		mu.Lock()
		report.NearLimitWarnings = n
		mu.Unlock()
		return err
	})
	_ = g.Wait()

	s.logger.Info().
		Int("expired_offers", report.ExpiredOffers).
		Int("reoffered", report.Reoffered).
		Int("resumed_patterns", report.ResumedPatterns).
		Int("near_limit_warnings", report.NearLimitWarnings).
		Int("failed_tasks", len(failed)).
		Msg("completed maintenance sweep")

	if errs != nil {
		return &report, &apperr.PartialBatchFailure{Job: "maintenance", Failed: failed, Cause: errs}
	}
	return &report, nil
}
