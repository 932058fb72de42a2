package recurrence

import (
	"fmt"
	"iter"
	"time"
)

type Overflow string

const (
	// OverflowClamp moves day 29-31 to the last day of a shorter month.
	OverflowClamp Overflow = "clamp"
	// OverflowSkip emits nothing for a month without the configured day.
	OverflowSkip Overflow = "skip"
)

// Candidate is one concrete occurrence a pattern would produce.
type Candidate struct {
	Date      time.Time `json:"date"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Expander turns a pattern into candidate occurrences. It holds no cursor:
// every call recomputes from the pattern and the window, so sequences can be
// restarted and ranged over more than once.
type Expander struct {
	Now             func() time.Time
	Location        *time.Location
	MonthlyOverflow Overflow
}

func NewExpander(loc *time.Location, overflow Overflow) *Expander {
	if loc == nil {
		loc = time.UTC
	}
	if overflow == "" {
		overflow = OverflowClamp
	}
	return &Expander{Now: time.Now, Location: loc, MonthlyOverflow: overflow}
}

// Today is the current civil date in the clinic time zone.
func (e *Expander) Today() time.Time {
	return DateOf(e.Now().In(e.Location))
}

// Expand yields candidates within [from, to] (inclusive dates), stopping once
// the pattern's remaining occurrence budget is used up.
func (e *Expander) Expand(p *Pattern, from, to time.Time) iter.Seq[Candidate] {
	return func(yield func(Candidate) bool) {
		limit := p.Remaining()
		if limit == 0 {
			return
		}
		emitted := 0
		for c := range e.Candidates(p, from, to) {
			if !yield(c) {
				return
			}
			emitted++
			if limit > 0 && emitted >= limit {
				return
			}
		}
	}
}

// Candidates yields every candidate within [from, to] without applying the
// occurrence cap. The scheduler uses it and enforces the cap against the
// stored counter, since some candidates turn out to be duplicates or
// conflicts. A pattern without a usable preferred time yields nothing;
// callers that need the reason call CheckExpandable first.
func (e *Expander) Candidates(p *Pattern, from, to time.Time) iter.Seq[Candidate] {
	return func(yield func(Candidate) bool) {
		hh, mm, err := p.clock()
		if err != nil {
			return
		}
		if p.PausedUntil != nil && e.Today().Before(DateOf(*p.PausedUntil)) {
			return
		}

		lower := maxDate(DateOf(from), DateOf(p.StartDate))
		if p.PausedUntil != nil {
			lower = maxDate(lower, DateOf(*p.PausedUntil))
		}
		upper := DateOf(to)
		if p.EndDate != nil && DateOf(*p.EndDate).Before(upper) {
			upper = DateOf(*p.EndDate)
		}
		if lower.After(upper) {
			return
		}

		for d := range e.dates(p, lower, upper) {
			start := time.Date(d.Year(), d.Month(), d.Day(), hh, mm, 0, 0, e.Location).UTC()
			c := Candidate{
				Date:      d,
				StartTime: start,
				EndTime:   start.Add(time.Duration(p.DurationMinutes) * time.Minute),
			}
			if !yield(c) {
				return
			}
		}
	}
}

// CheckExpandable reports a stored pattern that cannot produce occurrences
// because its preferred time does not parse.
func CheckExpandable(p *Pattern) error {
	if _, _, err := p.clock(); err != nil {
		return fmt.Errorf("recurrence %s cannot be expanded: %w", p.ID, err)
	}
	return nil
}

// dates yields matching civil dates in [lower, upper] in ascending order.
func (e *Expander) dates(p *Pattern, lower, upper time.Time) iter.Seq[time.Time] {
	switch p.Frequency {
	case FrequencyDaily, FrequencyCustom:
		return dailyDates(p, lower, upper)
	case FrequencyWeekly:
		return weeklyDates(p, 7*p.IntervalValue, lower, upper)
	case FrequencyBiweekly:
		return weeklyDates(p, 14*p.IntervalValue, lower, upper)
	case FrequencyMonthly:
		return monthlyDates(p, e.MonthlyOverflow, lower, upper)
	default:
		return func(func(time.Time) bool) {}
	}
}

func dailyDates(p *Pattern, lower, upper time.Time) iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		start := DateOf(p.StartDate)
		step := p.IntervalValue
		if step < 1 {
			step = 1
		}
		// First step on or after lower.
		k := (daysBetween(start, lower) + step - 1) / step
		if k < 0 {
			k = 0
		}
		for d := start.AddDate(0, 0, k*step); !d.After(upper); d = d.AddDate(0, 0, step) {
			if len(p.DaysOfWeek) > 0 && !containsDay(p.DaysOfWeek, int(d.Weekday())) {
				continue
			}
			if !yield(d) {
				return
			}
		}
	}
}

func weeklyDates(p *Pattern, stepDays int, lower, upper time.Time) iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		if stepDays < 7 {
			stepDays = 7
		}
		start := DateOf(p.StartDate)
		anchor := start.AddDate(0, 0, -int(start.Weekday()))

		// Skip whole stepped weeks that end before lower.
		n := 0
		if gap := daysBetween(anchor, lower) - 6; gap > 0 {
			n = (gap + stepDays - 1) / stepDays
		}
		for week := anchor.AddDate(0, 0, n*stepDays); !week.After(upper); week = week.AddDate(0, 0, stepDays) {
			for _, dow := range p.DaysOfWeek {
				d := week.AddDate(0, 0, dow)
				if d.Before(lower) {
					continue
				}
				if d.After(upper) {
					return
				}
				if !yield(d) {
					return
				}
			}
		}
	}
}

func monthlyDates(p *Pattern, overflow Overflow, lower, upper time.Time) iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		if p.DayOfMonth == nil {
			return
		}
		day := *p.DayOfMonth
		step := p.IntervalValue
		if step < 1 {
			step = 1
		}
		start := DateOf(p.StartDate)
		anchor := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)

		n := monthsBetween(anchor, lower) / step
		if n < 0 {
			n = 0
		}
		for month := anchor.AddDate(0, n*step, 0); !month.After(upper); month = month.AddDate(0, step, 0) {
			last := daysIn(month)
			dd := day
			if dd > last {
				if overflow == OverflowSkip {
					continue
				}
				dd = last
			}
			d := time.Date(month.Year(), month.Month(), dd, 0, 0, 0, 0, time.UTC)
			if d.Before(lower) {
				continue
			}
			if d.After(upper) {
				return
			}
			if !yield(d) {
				return
			}
		}
	}
}

func daysBetween(a, b time.Time) int {
	return int(b.Sub(a).Hours() / 24)
}

func monthsBetween(a, b time.Time) int {
	return (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
}

func daysIn(month time.Time) int {
	return time.Date(month.Year(), month.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func containsDay(days []int, d int) bool {
	for _, x := range days {
		if x == d {
			return true
		}
	}
	return false
}

func maxDate(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
