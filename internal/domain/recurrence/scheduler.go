package recurrence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/vetcare/scheduling/internal/apperr"
	"github.com/vetcare/scheduling/internal/domain/appointment"
	"github.com/vetcare/scheduling/internal/platform/db"
)

// errCapReached stops a pattern's run once its counter hits the cap.
var errCapReached = errors.New("occurrence cap reached")

// PatternResult is the outcome of generating one pattern.
type PatternResult struct {
	Created          int    `json:"created"`
	SkippedConflicts int    `json:"skipped_conflicts"`
	AlreadyGenerated int    `json:"already_generated"`
	Error            string `json:"error,omitempty"`
}

// Report summarises a scheduler run.
type Report struct {
	Created          int                      `json:"created"`
	SkippedConflicts int                      `json:"skipped_conflicts"`
	Processed        int                      `json:"recurrences_processed"`
	ByRecurrenceID   map[string]PatternResult `json:"by_recurrence_id"`
	Failed           []string                 `json:"failed_recurrences"`
	Unprocessed      []string                 `json:"unprocessed_recurrences"`
}

// Scheduler fills the booking horizon of every schedulable pattern.
type Scheduler struct {
	repo        Repository
	booker      *appointment.Booker
	tx          db.TxRunner
	expander    *Expander
	concurrency int
	logger      zerolog.Logger
}

func NewScheduler(repo Repository, booker *appointment.Booker, tx db.TxRunner, expander *Expander, concurrency int, logger zerolog.Logger) *Scheduler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scheduler{repo: repo, booker: booker, tx: tx, expander: expander, concurrency: concurrency, logger: logger}
}

// RunDaily generates occurrences over [today, today+horizonDays] for every
// schedulable pattern. One pattern failing does not stop the others; failed
// and unprocessed patterns are reported through a PartialBatchFailure
// alongside the report.
func (s *Scheduler) RunDaily(ctx context.Context, horizonDays int) (*Report, error) {
	today := s.expander.Today()
	s.logger.Info().Time("today", today).Int("horizon_days", horizonDays).Msg("starting recurrence generation")

	patterns, err := s.repo.ListSchedulable(ctx, today)
	if err != nil {
		return nil, fmt.Errorf("list schedulable patterns: %w", err)
	}

	report := &Report{ByRecurrenceID: make(map[string]PatternResult, len(patterns))}
	var (
		mu    sync.Mutex
		cause error
	)

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, p := range patterns {
		if ctx.Err() != nil {
			mu.Lock()
			for _, rest := range patterns[i:] {
				report.Unprocessed = append(report.Unprocessed, rest.ID.String())
			}
			mu.Unlock()
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				report.Unprocessed = append(report.Unprocessed, p.ID.String())
				mu.Unlock()
				return nil
			}

			res, err := s.GeneratePattern(ctx, p, horizonDays)

			mu.Lock()
			defer mu.Unlock()
			report.Created += res.Created
			report.SkippedConflicts += res.SkippedConflicts
			switch {
			case err == nil:
				report.Processed++
			case ctx.Err() != nil:
				report.Unprocessed = append(report.Unprocessed, p.ID.String())
			default:
				report.Failed = append(report.Failed, p.ID.String())
				res.Error = err.Error()
				cause = multierr.Append(cause, fmt.Errorf("recurrence %s: %w", p.ID, err))
				s.logger.Error().Err(err).Str("tenant_id", p.TenantID).Str("recurrence_id", p.ID.String()).
					Msg("recurrence generation failed")
			}
			report.ByRecurrenceID[p.ID.String()] = res
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(report.Failed)
	sort.Strings(report.Unprocessed)

	s.logger.Info().
		Int("generated", report.Created).
		Int("skipped_conflicts", report.SkippedConflicts).
		Int("processed", report.Processed).
		Int("failed", len(report.Failed)).
		Int("unprocessed", len(report.Unprocessed)).
		Msg("completed recurrence generation")

	if len(report.Failed) > 0 || len(report.Unprocessed) > 0 {
		if len(report.Unprocessed) > 0 {
			cause = multierr.Append(cause, ctx.Err())
		}
		return report, &apperr.PartialBatchFailure{
			Job:         "generate-recurring",
			Failed:      report.Failed,
			Unprocessed: report.Unprocessed,
			Cause:       cause,
		}
	}
	return report, nil
}

// GeneratePattern books the pattern's candidates over the horizon. Each
// candidate is one transaction: the booking and the counter increment commit
// together. Conflicts and already generated occurrences do not count against
// the cap.
func (s *Scheduler) GeneratePattern(ctx context.Context, p *Pattern, horizonDays int) (PatternResult, error) {
	var res PatternResult
	if err := CheckExpandable(p); err != nil {
		return res, err
	}
	today := s.expander.Today()
	now := s.expander.Now()

	for c := range s.expander.Candidates(p, today, today.AddDate(0, 0, horizonDays)) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if c.StartTime.Before(now) {
			continue
		}

		err := s.generateOne(ctx, p, c)
		switch {
		case err == nil:
			res.Created++
		case errors.Is(err, errCapReached):
			return res, nil
		case errors.Is(err, appointment.ErrDuplicateOccurrence):
			res.AlreadyGenerated++
		case apperr.IsConflict(err):
			res.SkippedConflicts++
			s.logger.Info().Str("tenant_id", p.TenantID).Str("recurrence_id", p.ID.String()).
				Time("start_time", c.StartTime).Msg("skipping conflicting occurrence")
		default:
			return res, err
		}
	}
	return res, nil
}

func (s *Scheduler) generateOne(ctx context.Context, p *Pattern, c Candidate) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := s.repo.GetForUpdate(ctx, p.TenantID, p.ID)
		if err != nil {
			return err
		}
		if !cur.IsActive || cur.Exhausted() {
			return errCapReached
		}

		a := &appointment.Appointment{
			TenantID:     cur.TenantID,
			PetID:        cur.PetID,
			ServiceID:    cur.ServiceID,
			VetID:        cur.PreferredVetID,
			StartTime:    c.StartTime,
			EndTime:      c.EndTime,
			RecurrenceID: &cur.ID,
		}
		if err := s.booker.Book(ctx, a); err != nil {
			return err
		}

		ok, err := s.repo.IncrementGenerated(ctx, cur.TenantID, cur.ID)
		if err != nil {
			return fmt.Errorf("increment counter: %w", err)
		}
		if !ok {
			return errCapReached
		}
		return nil
	})
}
