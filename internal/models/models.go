package models

import (
	"encoding/json"
	"time"

	"beanbrain/internal/recurrence"
)

// Automation is a persisted recurrence rule plus a transaction template.
// Recurrence is either the declarative frequency fields or a 5-field cron
// expression; both are validated before the row is ever written.
type Automation struct {
	ID      string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name    string `gorm:"not null" json:"name"`
	Enabled bool   `gorm:"default:true" json:"enabled"`

	// Payload is the transaction template, stored as JSON text and decoded
	// into a typed Payload at the boundary.
	Payload string `gorm:"type:text" json:"-"`

	Frequency      string `gorm:"index" json:"frequency,omitempty"`
	DayOfWeek      *int   `json:"day_of_week,omitempty"`  // 0=Monday .. 6=Sunday
	DayOfMonth     *int   `json:"day_of_month,omitempty"` // 1..31
	MonthOfYear    *int   `json:"month_of_year,omitempty"`
	Hour           int    `gorm:"default:9" json:"hour"`
	Minute         int    `gorm:"default:0" json:"minute"`
	CronExpression string `json:"cron_expression,omitempty"`
	Timezone       string `gorm:"default:UTC" json:"timezone"`

	// Optional guardrails, always stored normalized to UTC.
	StartsAt *time.Time `json:"starts_at,omitempty"`
	EndsAt   *time.Time `json:"ends_at,omitempty"`

	// LastRanAt records the most recent firing attempt, not just successes,
	// so repeated failures stay visible.
	LastRanAt *time.Time `json:"last_ran_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Payload is the typed transaction template. An empty Amount produces an
// elastic-leg posting on the To account only.
type Payload struct {
	Amount    string            `json:"amount,omitempty"`
	Currency  string            `json:"currency,omitempty"`
	From      string            `json:"from,omitempty"`
	To        string            `json:"to,omitempty"`
	Narration string            `json:"narration,omitempty"`
	Payee     string            `json:"payee,omitempty"`
	Date      string            `json:"date,omitempty"` // YYYY-MM-DD, defaults to today in the automation's zone
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DecodePayload unmarshals the stored template. An empty column yields the
// zero Payload.
func (a *Automation) DecodePayload() (Payload, error) {
	var p Payload
	if a.Payload == "" {
		return p, nil
	}
	err := json.Unmarshal([]byte(a.Payload), &p)
	return p, err
}

// RecurrenceSpec maps the row's recurrence columns onto the compiler's input.
func (a *Automation) RecurrenceSpec() recurrence.Spec {
	return recurrence.Spec{
		Frequency:      recurrence.Frequency(a.Frequency),
		DayOfWeek:      a.DayOfWeek,
		DayOfMonth:     a.DayOfMonth,
		MonthOfYear:    a.MonthOfYear,
		Hour:           a.Hour,
		Minute:         a.Minute,
		CronExpression: a.CronExpression,
		Timezone:       a.Timezone,
	}
}

// AutomationRun is one audit row per firing attempt.
type AutomationRun struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	AutomationID string     `gorm:"index;type:varchar(36)" json:"automation_id"`
	Source       string     `gorm:"index" json:"source"` // schedule, catchup, manual
	Status       string     `gorm:"index" json:"status"` // success, skipped, failed
	Message      string     `gorm:"type:text" json:"message,omitempty"`
	ScheduledAt  time.Time  `json:"scheduled_at"`
	StartedAt    time.Time  `json:"started_at"`
	DurationMS   int64      `json:"duration_ms"`
	CreatedAt    time.Time  `json:"created_at"`
	Automation   Automation `gorm:"foreignKey:AutomationID" json:"-"`
}
