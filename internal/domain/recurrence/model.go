package recurrence

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vetcare/scheduling/internal/apperr"
)

type Frequency string

const (
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
	FrequencyCustom   Frequency = "custom"
)

var validFrequencies = map[Frequency]bool{
	FrequencyDaily:    true,
	FrequencyWeekly:   true,
	FrequencyBiweekly: true,
	FrequencyMonthly:  true,
	FrequencyCustom:   true,
}

const (
	MinInterval = 1
	MaxInterval = 12
)

// Pattern is a recurring appointment rule. Dates (StartDate, EndDate,
// PausedUntil) are civil dates stored as UTC midnight.
type Pattern struct {
	ID              uuid.UUID  `json:"id"`
	TenantID        string     `json:"tenant_id"`
	PetID           uuid.UUID  `json:"pet_id"`
	ServiceID       uuid.UUID  `json:"service_id"`
	PreferredVetID  *uuid.UUID `json:"preferred_vet_id,omitempty"`
	Frequency       Frequency  `json:"frequency"`
	IntervalValue   int        `json:"interval_value"`
	DaysOfWeek      []int      `json:"days_of_week,omitempty"`
	DayOfMonth      *int       `json:"day_of_month,omitempty"`
	PreferredTime   string     `json:"preferred_time"`
	DurationMinutes int        `json:"duration_minutes"`
	StartDate       time.Time  `json:"start_date"`
	EndDate         *time.Time `json:"end_date,omitempty"`
	MaxOccurrences  *int       `json:"max_occurrences,omitempty"`

	OccurrencesGenerated int        `json:"occurrences_generated"`
	PausedUntil          *time.Time `json:"paused_until,omitempty"`
	IsActive             bool       `json:"is_active"`
	NearLimitNotifiedAt  *time.Time `json:"near_limit_notified_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Remaining returns how many occurrences the pattern may still generate, or
// -1 when it is uncapped.
func (p *Pattern) Remaining() int {
	if p.MaxOccurrences == nil {
		return -1
	}
	if r := *p.MaxOccurrences - p.OccurrencesGenerated; r > 0 {
		return r
	}
	return 0
}

// Exhausted reports whether the cap is reached.
func (p *Pattern) Exhausted() bool {
	return p.Remaining() == 0
}

// Validate checks the rule and normalises PreferredTime, DaysOfWeek and the
// dates in place.
func Validate(p *Pattern) error {
	v := &apperr.ValidationError{}

	if p.TenantID == "" {
		v.Add("tenant_id", "required")
	}
	if p.PetID == uuid.Nil {
		v.Add("pet_id", "required")
	}
	if p.ServiceID == uuid.Nil {
		v.Add("service_id", "required")
	}
	if !validFrequencies[p.Frequency] {
		v.Add("frequency", "must be one of daily, weekly, biweekly, monthly, custom")
	}
	if p.IntervalValue < MinInterval || p.IntervalValue > MaxInterval {
		v.Add("interval_value", fmt.Sprintf("must be between %d and %d", MinInterval, MaxInterval))
	}

	if (p.Frequency == FrequencyWeekly || p.Frequency == FrequencyBiweekly) && len(p.DaysOfWeek) == 0 {
		v.Add("days_of_week", "required for weekly and biweekly patterns")
	}
	for _, d := range p.DaysOfWeek {
		if d < 0 || d > 6 {
			v.Add("days_of_week", "values must be between 0 (Sunday) and 6 (Saturday)")
			break
		}
	}
	p.DaysOfWeek = normalizeDays(p.DaysOfWeek)

	if p.Frequency == FrequencyMonthly {
		if p.DayOfMonth == nil || *p.DayOfMonth < 1 || *p.DayOfMonth > 31 {
			v.Add("day_of_month", "must be between 1 and 31 for monthly patterns")
		}
	}

	if t, err := NormalizeTime(p.PreferredTime); err != nil {
		v.Add("preferred_time", err.Error())
	} else {
		p.PreferredTime = t
	}
	if p.DurationMinutes <= 0 || p.DurationMinutes > 24*60 {
		v.Add("duration_minutes", "must be between 1 and 1440")
	}

	if p.StartDate.IsZero() {
		v.Add("start_date", "required")
	} else {
		p.StartDate = DateOf(p.StartDate)
	}
	if p.EndDate != nil {
		end := DateOf(*p.EndDate)
		p.EndDate = &end
		if !p.StartDate.IsZero() && p.StartDate.After(end) {
			v.Add("end_date", "must not be before start_date")
		}
	}
	if p.MaxOccurrences != nil && *p.MaxOccurrences <= 0 {
		v.Add("max_occurrences", "must be positive")
	}

	return v.OrNil()
}

// NormalizeTime accepts H:MM, HH:MM or HH:MM:SS and returns HH:MM.
func NormalizeTime(s string) (string, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return "", fmt.Errorf("must be a time of day like 09:00")
	}
	h, errH := strconv.Atoi(parts[0])
	m, errM := strconv.Atoi(parts[1])
	if errH != nil || errM != nil || h < 0 || h > 23 || m < 0 || m > 59 || len(parts[1]) != 2 {
		return "", fmt.Errorf("must be a time of day like 09:00")
	}
	if len(parts) == 3 {
		if sec, err := strconv.Atoi(parts[2]); err != nil || sec < 0 || sec > 59 {
			return "", fmt.Errorf("must be a time of day like 09:00")
		}
	}
	return fmt.Sprintf("%02d:%02d", h, m), nil
}

// clock splits the pattern's preferred time of day. Validate normalises it on
// the way in, so an error here means the stored row is corrupt.
func (p *Pattern) clock() (int, int, error) {
	n, err := NormalizeTime(p.PreferredTime)
	if err != nil {
		return 0, 0, fmt.Errorf("preferred_time %q: %w", p.PreferredTime, err)
	}
	h, _ := strconv.Atoi(n[:2])
	m, _ := strconv.Atoi(n[3:5])
	return h, m, nil
}

// DateOf truncates t to its civil date as UTC midnight.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(time.DateOnly, s)
}

func normalizeDays(days []int) []int {
	if len(days) == 0 {
		return nil
	}
	seen := make(map[int]bool, len(days))
	out := make([]int, 0, len(days))
	for _, d := range days {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Ints(out)
	return out
}

// Filter narrows List. Zero values are ignored.
type Filter struct {
	Active *bool
	PetID  *uuid.UUID
}
