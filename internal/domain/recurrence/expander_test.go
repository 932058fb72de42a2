package recurrence

import (
	"strings"
	"testing"
	"time"
)

func fixedExpander(now time.Time) *Expander {
	e := NewExpander(time.UTC, OverflowClamp)
	e.Now = func() time.Time { return now }
	return e
}

func collectDates(e *Expander, p *Pattern, from, to time.Time) []string {
	var out []string
	for c := range e.Expand(p, from, to) {
		out = append(out, c.Date.Format(time.DateOnly))
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestExpand_WeeklyMonWed(t *testing.T) {
	p := &Pattern{
		Frequency:       FrequencyWeekly,
		IntervalValue:   1,
		DaysOfWeek:      []int{1, 3},
		PreferredTime:   "09:00",
		DurationMinutes: 30,
		StartDate:       date(2024, 1, 1),
	}
	e := fixedExpander(date(2024, 1, 1))

	var got []Candidate
	for c := range e.Expand(p, date(2024, 1, 1), date(2024, 1, 15)) {
		got = append(got, c)
	}
	want := []string{"2024-01-01", "2024-01-03", "2024-01-08", "2024-01-10", "2024-01-15"}
	if len(got) != len(want) {
		t.Fatalf("expected %d candidates, got %d", len(want), len(got))
	}
	for i, c := range got {
		if c.Date.Format(time.DateOnly) != want[i] {
			t.Errorf("candidate %d: expected %s, got %s", i, want[i], c.Date.Format(time.DateOnly))
		}
		if c.StartTime.Hour() != 9 || c.StartTime.Minute() != 0 {
			t.Errorf("candidate %d: expected 09:00 start, got %s", i, c.StartTime)
		}
		if c.EndTime.Sub(c.StartTime) != 30*time.Minute {
			t.Errorf("candidate %d: expected 30 minutes, got %s", i, c.EndTime.Sub(c.StartTime))
		}
	}
}

func TestExpand_Restartable(t *testing.T) {
	p := &Pattern{Frequency: FrequencyDaily, IntervalValue: 1, PreferredTime: "10:00", DurationMinutes: 15, StartDate: date(2024, 1, 1)}
	e := fixedExpander(date(2024, 1, 1))
	seq := e.Expand(p, date(2024, 1, 1), date(2024, 1, 5))

	first, second := 0, 0
	for range seq {
		first++
	}
	for range seq {
		second++
	}
	if first != 5 || second != 5 {
		t.Errorf("expected 5 on both passes, got %d and %d", first, second)
	}

	// Stopping early must not panic or leak.
	for range seq {
		break
	}
}

func TestExpand_DailyInterval(t *testing.T) {
	p := &Pattern{Frequency: FrequencyDaily, IntervalValue: 3, PreferredTime: "08:00", DurationMinutes: 15, StartDate: date(2024, 1, 1)}
	e := fixedExpander(date(2024, 1, 1))

	got := collectDates(e, p, date(2024, 1, 5), date(2024, 1, 14))
	want := []string{"2024-01-07", "2024-01-10", "2024-01-13"}
	if !equalStrings(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestExpand_BiweeklyStaysPhaseAligned(t *testing.T) {
	p := &Pattern{
		Frequency: FrequencyBiweekly, IntervalValue: 1, DaysOfWeek: []int{2},
		PreferredTime: "11:00", DurationMinutes: 30, StartDate: date(2024, 1, 1),
	}
	e := fixedExpander(date(2024, 1, 1))

	// Tuesdays in the weeks of Dec 31, Jan 14, Jan 28, Feb 11.
	got := collectDates(e, p, date(2024, 1, 1), date(2024, 2, 15))
	want := []string{"2024-01-02", "2024-01-16", "2024-01-30", "2024-02-13"}
	if !equalStrings(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	// A later window keeps the same phase.
	got = collectDates(e, p, date(2024, 1, 20), date(2024, 2, 15))
	if !equalStrings(got, want[2:]) {
		t.Errorf("expected %v, got %v", want[2:], got)
	}
}

func TestExpand_WeeklySkipsDaysBeforeStart(t *testing.T) {
	p := &Pattern{
		Frequency: FrequencyWeekly, IntervalValue: 1, DaysOfWeek: []int{0, 3, 5},
		PreferredTime: "09:00", DurationMinutes: 30, StartDate: date(2024, 1, 3),
	}
	e := fixedExpander(date(2024, 1, 1))
	got := collectDates(e, p, date(2024, 1, 1), date(2024, 1, 8))
	want := []string{"2024-01-03", "2024-01-05", "2024-01-07"}
	if !equalStrings(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestExpand_MonthlyClampAndSkip(t *testing.T) {
	p := &Pattern{
		Frequency: FrequencyMonthly, IntervalValue: 1, DayOfMonth: intPtr(31),
		PreferredTime: "09:00", DurationMinutes: 30, StartDate: date(2024, 1, 1),
	}

	clamp := fixedExpander(date(2024, 1, 1))
	got := collectDates(clamp, p, date(2024, 1, 1), date(2024, 4, 30))
	want := []string{"2024-01-31", "2024-02-29", "2024-03-31", "2024-04-30"}
	if !equalStrings(got, want) {
		t.Errorf("clamp: expected %v, got %v", want, got)
	}

	skip := fixedExpander(date(2024, 1, 1))
	skip.MonthlyOverflow = OverflowSkip
	got = collectDates(skip, p, date(2024, 1, 1), date(2024, 4, 30))
	want = []string{"2024-01-31", "2024-03-31"}
	if !equalStrings(got, want) {
		t.Errorf("skip: expected %v, got %v", want, got)
	}
}

func TestExpand_MonthlyInterval(t *testing.T) {
	p := &Pattern{
		Frequency: FrequencyMonthly, IntervalValue: 2, DayOfMonth: intPtr(15),
		PreferredTime: "09:00", DurationMinutes: 30, StartDate: date(2024, 1, 20),
	}
	e := fixedExpander(date(2024, 1, 1))
	// January 15 is before the start date; March and May follow the anchor.
	got := collectDates(e, p, date(2024, 1, 1), date(2024, 6, 30))
	want := []string{"2024-03-15", "2024-05-15"}
	if !equalStrings(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestExpand_CustomWithWeekdays(t *testing.T) {
	p := &Pattern{
		Frequency: FrequencyCustom, IntervalValue: 2, DaysOfWeek: []int{1, 2, 3, 4, 5},
		PreferredTime: "09:00", DurationMinutes: 30, StartDate: date(2024, 1, 1),
	}
	e := fixedExpander(date(2024, 1, 1))
	// Every other day from Monday Jan 1, weekdays only.
	got := collectDates(e, p, date(2024, 1, 1), date(2024, 1, 10))
	want := []string{"2024-01-01", "2024-01-03", "2024-01-05", "2024-01-09"}
	if !equalStrings(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestExpand_EndDateAndCap(t *testing.T) {
	end := date(2024, 1, 4)
	p := &Pattern{Frequency: FrequencyDaily, IntervalValue: 1, PreferredTime: "09:00", DurationMinutes: 30, StartDate: date(2024, 1, 1), EndDate: &end}
	e := fixedExpander(date(2024, 1, 1))

	if got := collectDates(e, p, date(2024, 1, 1), date(2024, 1, 31)); len(got) != 4 {
		t.Errorf("expected end date to stop at 4, got %v", got)
	}

	p.EndDate = nil
	p.MaxOccurrences = intPtr(10)
	p.OccurrencesGenerated = 7
	if got := collectDates(e, p, date(2024, 1, 1), date(2024, 1, 31)); len(got) != 3 {
		t.Errorf("expected cap to leave 3, got %v", got)
	}

	p.OccurrencesGenerated = 10
	if got := collectDates(e, p, date(2024, 1, 1), date(2024, 1, 31)); len(got) != 0 {
		t.Errorf("expected nothing once exhausted, got %v", got)
	}

	// Candidates ignores the cap.
	n := 0
	for range e.Candidates(p, date(2024, 1, 1), date(2024, 1, 31)) {
		n++
	}
	if n != 31 {
		t.Errorf("expected 31 uncapped candidates, got %d", n)
	}
}

func TestExpand_Paused(t *testing.T) {
	until := date(2024, 2, 1)
	p := &Pattern{Frequency: FrequencyDaily, IntervalValue: 1, PreferredTime: "09:00", DurationMinutes: 30, StartDate: date(2024, 1, 1), PausedUntil: &until}

	// While paused, nothing at all is emitted.
	during := fixedExpander(date(2024, 1, 10))
	if got := collectDates(during, p, date(2024, 1, 10), date(2024, 1, 31)); len(got) != 0 {
		t.Errorf("expected no candidates while paused, got %v", got)
	}
	if got := collectDates(during, p, date(2024, 1, 10), date(2024, 2, 5)); len(got) != 0 {
		t.Errorf("expected no candidates while paused, got %v", got)
	}

	// A window fully before the pause date is empty even once the pause
	// has passed.
	after := fixedExpander(date(2024, 2, 1))
	if got := collectDates(after, p, date(2024, 1, 1), date(2024, 1, 31)); len(got) != 0 {
		t.Errorf("expected no candidates before pause date, got %v", got)
	}
	got := collectDates(after, p, date(2024, 1, 25), date(2024, 2, 3))
	want := []string{"2024-02-01", "2024-02-02", "2024-02-03"}
	if !equalStrings(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestExpand_WindowBeforeStart(t *testing.T) {
	p := &Pattern{Frequency: FrequencyDaily, IntervalValue: 1, PreferredTime: "09:00", DurationMinutes: 30, StartDate: date(2024, 3, 1)}
	e := fixedExpander(date(2024, 1, 1))
	if got := collectDates(e, p, date(2024, 1, 1), date(2024, 2, 28)); len(got) != 0 {
		t.Errorf("expected nothing before start, got %v", got)
	}
}

func TestExpand_ClinicTimeZone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata not available")
	}
	p := &Pattern{Frequency: FrequencyDaily, IntervalValue: 1, PreferredTime: "09:00", DurationMinutes: 30, StartDate: date(2024, 3, 9)}
	e := NewExpander(loc, OverflowClamp)
	e.Now = func() time.Time { return date(2024, 3, 1) }

	var starts []time.Time
	for c := range e.Expand(p, date(2024, 3, 9), date(2024, 3, 11)) {
		starts = append(starts, c.StartTime)
	}
	if len(starts) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(starts))
	}
	// 09:00 local is 14:00 UTC before the DST change and 13:00 after.
	if starts[0].Hour() != 14 || starts[2].Hour() != 13 {
		t.Errorf("unexpected UTC starts %v", starts)
	}
	if starts[0].Location() != time.UTC {
		t.Error("candidate times should be UTC")
	}
}

func TestCandidates_UnparsableTimeYieldsNothing(t *testing.T) {
	e := fixedExpander(date(2024, 1, 1))
	p := &Pattern{
		Frequency:       FrequencyDaily,
		IntervalValue:   1,
		PreferredTime:   "noon",
		DurationMinutes: 30,
		StartDate:       date(2024, 1, 1),
	}
	for c := range e.Candidates(p, date(2024, 1, 1), date(2024, 1, 7)) {
		t.Fatalf("expected no candidates, got %v", c.StartTime)
	}
	if err := CheckExpandable(p); err == nil || !strings.Contains(err.Error(), "noon") {
		t.Errorf("expected error naming the bad time, got %v", err)
	}

	p.PreferredTime = "9:05"
	if err := CheckExpandable(p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got []time.Time
	for c := range e.Candidates(p, date(2024, 1, 1), date(2024, 1, 1)) {
		got = append(got, c.StartTime)
	}
	if len(got) != 1 || !got[0].Equal(time.Date(2024, 1, 1, 9, 5, 0, 0, time.UTC)) {
		t.Errorf("expected one candidate at 09:05, got %v", got)
	}
}
