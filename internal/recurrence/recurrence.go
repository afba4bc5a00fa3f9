// Package recurrence turns an automation's declarative recurrence fields into
// a pure "next fire instant" trigger. Compilation validates everything up
// front so nothing can fail at fire time, and Next is a deterministic function
// of (stored fields, now) — resyncing after a restart reproduces the same fire
// instants.
package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Frequency is the declarative recurrence kind.
type Frequency string

const (
	Daily   Frequency = "DAILY"
	Weekly  Frequency = "WEEKLY"
	Monthly Frequency = "MONTHLY"
	Yearly  Frequency = "YEARLY"
)

// Spec carries an automation's recurrence fields. Either Frequency (plus its
// required companions) or a 5-field CronExpression must be set, not both.
// DayOfWeek follows the automation convention 0=Monday .. 6=Sunday.
type Spec struct {
	Frequency      Frequency
	DayOfWeek      *int
	DayOfMonth     *int
	MonthOfYear    *int
	Hour           int
	Minute         int
	CronExpression string
	Timezone       string
}

// ValidationError names the recurrence field that failed validation. It is
// raised at create/update time; an automation with an invalid recurrence is
// never persisted or scheduled.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid recurrence: %s: %s", e.Field, e.Message)
}

func invalidf(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// cronParser accepts the standard 5-field form plus @-descriptors.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Trigger produces fire instants for one compiled recurrence. It holds no
// mutable state and is safe for concurrent use.
type Trigger struct {
	spec Spec
	loc  *time.Location
	cron cron.Schedule
}

// Compile validates the spec and returns its trigger, or a *ValidationError
// describing the first offending field.
func Compile(s Spec) (*Trigger, error) {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, invalidf("timezone", "unknown IANA zone %q", s.Timezone)
	}

	if expr := strings.TrimSpace(s.CronExpression); expr != "" {
		if s.Frequency != "" {
			return nil, invalidf("cron_expression", "cron_expression and frequency are mutually exclusive")
		}
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return nil, invalidf("cron_expression", "%v", err)
		}
		return &Trigger{spec: s, loc: loc, cron: sched}, nil
	}

	if s.Hour < 0 || s.Hour > 23 {
		return nil, invalidf("hour", "must be in [0,23], got %d", s.Hour)
	}
	if s.Minute < 0 || s.Minute > 59 {
		return nil, invalidf("minute", "must be in [0,59], got %d", s.Minute)
	}

	switch s.Frequency {
	case Daily:
	case Weekly:
		if s.DayOfWeek == nil {
			return nil, invalidf("day_of_week", "required for WEEKLY")
		}
		if *s.DayOfWeek < 0 || *s.DayOfWeek > 6 {
			return nil, invalidf("day_of_week", "must be in [0,6], got %d", *s.DayOfWeek)
		}
	case Monthly:
		if s.DayOfMonth == nil {
			return nil, invalidf("day_of_month", "required for MONTHLY")
		}
		if *s.DayOfMonth < 1 || *s.DayOfMonth > 31 {
			return nil, invalidf("day_of_month", "must be in [1,31], got %d", *s.DayOfMonth)
		}
	case Yearly:
		if s.MonthOfYear == nil {
			return nil, invalidf("month_of_year", "required for YEARLY")
		}
		if *s.MonthOfYear < 1 || *s.MonthOfYear > 12 {
			return nil, invalidf("month_of_year", "must be in [1,12], got %d", *s.MonthOfYear)
		}
		if s.DayOfMonth == nil {
			return nil, invalidf("day_of_month", "required for YEARLY")
		}
		if *s.DayOfMonth < 1 || *s.DayOfMonth > 31 {
			return nil, invalidf("day_of_month", "must be in [1,31], got %d", *s.DayOfMonth)
		}
	case "":
		return nil, invalidf("frequency", "either frequency or cron_expression is required")
	default:
		// Garbled frequencies are rejected outright rather than silently
		// falling back to DAILY.
		return nil, invalidf("frequency", "unknown frequency %q", string(s.Frequency))
	}
	return &Trigger{spec: s, loc: loc}, nil
}

// Location returns the trigger's evaluation timezone.
func (t *Trigger) Location() *time.Location { return t.loc }

// Next returns the first fire instant strictly after the given time. Times are
// evaluated in the trigger's timezone and returned as absolute instants. For
// MONTHLY and YEARLY recurrences whose day does not exist in a month, the fire
// day clamps to the month's last day.
func (t *Trigger) Next(after time.Time) time.Time {
	if t.cron != nil {
		return t.cron.Next(after.In(t.loc))
	}

	local := after.In(t.loc)
	switch t.spec.Frequency {
	case Daily:
		return t.nextDaily(local)
	case Weekly:
		return t.nextWeekly(local)
	case Monthly:
		return t.nextMonthly(local)
	case Yearly:
		return t.nextYearly(local)
	}
	return time.Time{}
}

func (t *Trigger) at(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, t.spec.Hour, t.spec.Minute, 0, 0, t.loc)
}

func (t *Trigger) nextDaily(local time.Time) time.Time {
	candidate := t.at(local.Year(), local.Month(), local.Day())
	if candidate.After(local) {
		return candidate
	}
	next := local.AddDate(0, 0, 1)
	return t.at(next.Year(), next.Month(), next.Day())
}

func (t *Trigger) nextWeekly(local time.Time) time.Time {
	// 0=Monday .. 6=Sunday, mapped onto Go's Sunday-based weekday.
	want := time.Weekday((*t.spec.DayOfWeek + 1) % 7)
	day := local
	for i := 0; i < 8; i++ {
		if day.Weekday() == want {
			candidate := t.at(day.Year(), day.Month(), day.Day())
			if candidate.After(local) {
				return candidate
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return time.Time{}
}

func (t *Trigger) nextMonthly(local time.Time) time.Time {
	year, month := local.Year(), local.Month()
	for i := 0; i < 13; i++ {
		day := clampDay(year, month, *t.spec.DayOfMonth)
		candidate := t.at(year, month, day)
		if candidate.After(local) {
			return candidate
		}
		month++
		if month > time.December {
			month = time.January
			year++
		}
	}
	return time.Time{}
}

func (t *Trigger) nextYearly(local time.Time) time.Time {
	month := time.Month(*t.spec.MonthOfYear)
	for year := local.Year(); ; year++ {
		day := clampDay(year, month, *t.spec.DayOfMonth)
		candidate := t.at(year, month, day)
		if candidate.After(local) {
			return candidate
		}
	}
}

// clampDay pins a requested day-of-month to the month's last day, so "the
// 31st" fires on Feb 28 (29 in leap years) instead of skipping the month.
func clampDay(year int, month time.Month, day int) int {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		return last
	}
	return day
}
