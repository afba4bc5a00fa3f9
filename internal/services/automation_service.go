package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"beanbrain/internal/metrics"
	"beanbrain/internal/models"
	"beanbrain/internal/recurrence"
	"beanbrain/internal/scheduler"
)

// AutomationService owns automation CRUD, the execution guard and the
// orchestration of a firing into a ledger append. Every successful mutation
// immediately recompiles the automation's trigger, so the scheduler's state is
// always a pure function of the persisted rows.
type AutomationService struct {
	db     *gorm.DB
	logger *logrus.Logger
	sched  *scheduler.Service
	ledger *LedgerService

	defaultTimezone string
}

func NewAutomationService(db *gorm.DB, sched *scheduler.Service, ledgerSvc *LedgerService, defaultTimezone string, logger *logrus.Logger) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	if defaultTimezone == "" {
		defaultTimezone = "UTC"
	}
	return &AutomationService{
		db:              db,
		logger:          logger,
		sched:           sched,
		ledger:          ledgerSvc,
		defaultTimezone: defaultTimezone,
	}
}

// AutomationRequest creates an automation. Recurrence is the frequency fields
// or a cron expression; starts_at/ends_at accept RFC3339 or a naive
// "2006-01-02T15:04:05", the latter interpreted in the automation's timezone.
type AutomationRequest struct {
	Name           string          `json:"name" binding:"required"`
	Enabled        *bool           `json:"enabled"`
	Payload        *models.Payload `json:"payload"`
	Frequency      string          `json:"frequency"`
	DayOfWeek      *int            `json:"day_of_week"`
	DayOfMonth     *int            `json:"day_of_month"`
	MonthOfYear    *int            `json:"month_of_year"`
	Hour           *int            `json:"hour"`
	Minute         *int            `json:"minute"`
	CronExpression string          `json:"cron_expression"`
	Timezone       string          `json:"timezone"`
	StartsAt       string          `json:"starts_at"`
	EndsAt         string          `json:"ends_at"`
}

// AutomationUpdateRequest patches an automation; nil fields are left as-is.
type AutomationUpdateRequest struct {
	Name           *string         `json:"name"`
	Enabled        *bool           `json:"enabled"`
	Payload        *models.Payload `json:"payload"`
	Frequency      *string         `json:"frequency"`
	DayOfWeek      *int            `json:"day_of_week"`
	DayOfMonth     *int            `json:"day_of_month"`
	MonthOfYear    *int            `json:"month_of_year"`
	Hour           *int            `json:"hour"`
	Minute         *int            `json:"minute"`
	CronExpression *string         `json:"cron_expression"`
	Timezone       *string         `json:"timezone"`
	StartsAt       *string         `json:"starts_at"`
	EndsAt         *string         `json:"ends_at"`
}

func (s *AutomationService) Create(ctx context.Context, req *AutomationRequest) (*models.Automation, error) {
	if req == nil || strings.TrimSpace(req.Name) == "" {
		return nil, &ValidationError{Field: "name", Message: "required"}
	}

	a := &models.Automation{
		ID:             uuid.NewString(),
		Name:           strings.TrimSpace(req.Name),
		Enabled:        true,
		Frequency:      strings.ToUpper(strings.TrimSpace(req.Frequency)),
		DayOfWeek:      req.DayOfWeek,
		DayOfMonth:     req.DayOfMonth,
		MonthOfYear:    req.MonthOfYear,
		Hour:           9,
		Minute:         0,
		CronExpression: strings.TrimSpace(req.CronExpression),
		Timezone:       s.defaultTimezone,
	}
	if req.Enabled != nil {
		a.Enabled = *req.Enabled
	}
	if req.Hour != nil {
		a.Hour = *req.Hour
	}
	if req.Minute != nil {
		a.Minute = *req.Minute
	}
	if tz := strings.TrimSpace(req.Timezone); tz != "" {
		a.Timezone = tz
	}
	if req.Payload != nil {
		encoded, err := json.Marshal(req.Payload)
		if err != nil {
			return nil, &ValidationError{Field: "payload", Message: err.Error()}
		}
		a.Payload = string(encoded)
	}

	// Recurrence is compiled before anything is persisted; nothing invalid
	// ever reaches the scheduler.
	trigger, err := recurrence.Compile(a.RecurrenceSpec())
	if err != nil {
		return nil, err
	}
	if err := s.applyWindow(a, req.StartsAt, req.EndsAt, trigger.Location()); err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return nil, err
	}
	s.install(a, trigger)
	s.logger.WithFields(logrus.Fields{"automation_id": a.ID, "name": a.Name}).Info("automation created")
	return a, nil
}

func (s *AutomationService) List(ctx context.Context) ([]models.Automation, error) {
	var out []models.Automation
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *AutomationService) Get(ctx context.Context, id string) (*models.Automation, error) {
	var a models.Automation
	err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *AutomationService) Update(ctx context.Context, id string, req *AutomationUpdateRequest) (*models.Automation, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			return nil, &ValidationError{Field: "name", Message: "must not be empty"}
		}
		a.Name = strings.TrimSpace(*req.Name)
	}
	if req.Enabled != nil {
		a.Enabled = *req.Enabled
	}
	if req.Payload != nil {
		encoded, err := json.Marshal(req.Payload)
		if err != nil {
			return nil, &ValidationError{Field: "payload", Message: err.Error()}
		}
		a.Payload = string(encoded)
	}
	if req.Frequency != nil {
		a.Frequency = strings.ToUpper(strings.TrimSpace(*req.Frequency))
	}
	if req.DayOfWeek != nil {
		a.DayOfWeek = req.DayOfWeek
	}
	if req.DayOfMonth != nil {
		a.DayOfMonth = req.DayOfMonth
	}
	if req.MonthOfYear != nil {
		a.MonthOfYear = req.MonthOfYear
	}
	if req.Hour != nil {
		a.Hour = *req.Hour
	}
	if req.Minute != nil {
		a.Minute = *req.Minute
	}
	if req.CronExpression != nil {
		a.CronExpression = strings.TrimSpace(*req.CronExpression)
	}
	if req.Timezone != nil {
		a.Timezone = strings.TrimSpace(*req.Timezone)
	}

	trigger, err := recurrence.Compile(a.RecurrenceSpec())
	if err != nil {
		return nil, err
	}
	var startsAt, endsAt string
	if req.StartsAt != nil {
		startsAt = *req.StartsAt
		a.StartsAt = nil
	}
	if req.EndsAt != nil {
		endsAt = *req.EndsAt
		a.EndsAt = nil
	}
	if err := s.applyWindow(a, startsAt, endsAt, trigger.Location()); err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Save(a).Error; err != nil {
		return nil, err
	}
	s.install(a, trigger)
	s.logger.WithField("automation_id", a.ID).Info("automation updated")
	return a, nil
}

func (s *AutomationService) Delete(ctx context.Context, id string) error {
	a, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	s.sched.Cancel(a.ID)
	return s.db.WithContext(ctx).Delete(&models.Automation{}, "id = ?", id).Error
}

// ResyncAll rebuilds every trigger from persisted state. Called once at
// process start so schedules survive restarts without any in-memory handoff.
func (s *AutomationService) ResyncAll(ctx context.Context) error {
	automations, err := s.List(ctx)
	if err != nil {
		return err
	}
	installed := 0
	for i := range automations {
		a := &automations[i]
		trigger, err := recurrence.Compile(a.RecurrenceSpec())
		if err != nil {
			// A row that no longer compiles is skipped, not fatal: it can only
			// happen if the stored data was edited out-of-band.
			s.logger.WithField("automation_id", a.ID).WithError(err).Error("stored recurrence no longer compiles, skipping")
			continue
		}
		s.install(a, trigger)
		if a.Enabled {
			installed++
		}
	}
	s.logger.WithField("installed", installed).Info("automations resynced")
	return nil
}

// NextFire previews the next fire instant for an automation, or zero when it
// has no active trigger.
func (s *AutomationService) NextFire(id string) time.Time {
	return s.sched.NextFire(id)
}

// Runner adapts ExecuteByID to the scheduler's callback shape.
func (s *AutomationService) Runner() scheduler.Runner {
	return func(ctx context.Context, job scheduler.Job) error {
		return s.ExecuteByID(ctx, job.ID, job.ScheduledAt, job.Source)
	}
}

// ExecuteByID is the execution guard plus orchestrator for one firing. The
// enabled flag and time window are re-checked against the current row, so a
// trigger that fired just before a disable is still skipped. LastRanAt is
// stamped on every admitted attempt, success or not.
func (s *AutomationService) ExecuteByID(ctx context.Context, id string, scheduledAt time.Time, source string) error {
	started := time.Now()

	a, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		s.logger.WithField("automation_id", id).Warn("fire for unknown automation, dropping")
		return nil
	}
	if err != nil {
		return err
	}
	if !a.Enabled {
		metrics.IncFireSkipped("disabled")
		s.recordRun(ctx, a.ID, source, "skipped", "automation disabled", scheduledAt, started)
		return nil
	}
	now := time.Now().UTC()
	if a.StartsAt != nil && now.Before(*a.StartsAt) {
		metrics.IncFireSkipped("window")
		s.recordRun(ctx, a.ID, source, "skipped", "before starts_at", scheduledAt, started)
		return nil
	}
	if a.EndsAt != nil && now.After(*a.EndsAt) {
		metrics.IncFireSkipped("window")
		s.recordRun(ctx, a.ID, source, "skipped", "after ends_at", scheduledAt, started)
		return nil
	}

	// Attempt timestamp, not success timestamp: repeated failures must stay
	// visible through last_ran_at.
	firedAt := started.UTC()
	if err := s.db.WithContext(ctx).Model(&models.Automation{}).
		Where("id = ?", a.ID).
		Update("last_ran_at", firedAt).Error; err != nil {
		s.logger.WithField("automation_id", a.ID).WithError(err).Warn("failed to stamp last_ran_at")
	}

	if err := s.orchestrate(ctx, a); err != nil {
		s.recordRun(ctx, a.ID, source, "failed", err.Error(), scheduledAt, started)
		return fmt.Errorf("automation %s (%s): %w", a.Name, a.ID, err)
	}
	s.recordRun(ctx, a.ID, source, "success", "", scheduledAt, started)
	return nil
}

// orchestrate maps the automation's template into postings and hands them to
// the append engine, enriching the entry's metadata for traceability.
func (s *AutomationService) orchestrate(ctx context.Context, a *models.Automation) error {
	payload, err := a.DecodePayload()
	if err != nil {
		return missingf("payload", "stored template is not valid JSON: %v", err)
	}
	intent := IntentFromPayload(payload)
	if intent.Narration == "" {
		intent.Narration = "Automated: " + a.Name
	}
	if intent.Metadata == nil {
		intent.Metadata = map[string]string{}
	}
	intent.Metadata["automation-id"] = a.ID
	intent.Metadata["automation-name"] = a.Name

	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		loc = time.UTC
	}
	_, _, err = s.ledger.AppendIntent(ctx, intent, loc)
	return err
}

// Runs returns the newest firing audit rows for an automation.
func (s *AutomationService) Runs(ctx context.Context, id string, limit int) ([]models.AutomationRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var runs []models.AutomationRun
	err := s.db.WithContext(ctx).
		Where("automation_id = ?", id).
		Order("id DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

func (s *AutomationService) recordRun(ctx context.Context, id, source, status, message string, scheduledAt, started time.Time) {
	run := &models.AutomationRun{
		AutomationID: id,
		Source:       source,
		Status:       status,
		Message:      message,
		ScheduledAt:  scheduledAt.UTC(),
		StartedAt:    started.UTC(),
		DurationMS:   time.Since(started).Milliseconds(),
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		s.logger.WithField("automation_id", id).WithError(err).Warn("failed to record automation run")
	}
}

// install replaces or cancels the automation's trigger depending on the
// enabled flag, making create/update/enable/disable one idempotent operation.
func (s *AutomationService) install(a *models.Automation, trigger *recurrence.Trigger) {
	if s.sched == nil {
		return
	}
	if !a.Enabled {
		s.sched.Cancel(a.ID)
		return
	}
	s.sched.Install(a.ID, trigger, a.LastRanAt)
}

// applyWindow parses and normalizes starts_at/ends_at to UTC. Inputs without
// an offset are interpreted in the automation's timezone first.
func (s *AutomationService) applyWindow(a *models.Automation, startsAt, endsAt string, loc *time.Location) error {
	if startsAt != "" {
		t, err := parseInstant(startsAt, loc)
		if err != nil {
			return &ValidationError{Field: "starts_at", Message: err.Error()}
		}
		a.StartsAt = &t
	}
	if endsAt != "" {
		t, err := parseInstant(endsAt, loc)
		if err != nil {
			return &ValidationError{Field: "ends_at", Message: err.Error()}
		}
		a.EndsAt = &t
	}
	if a.StartsAt != nil && a.EndsAt != nil && a.EndsAt.Before(*a.StartsAt) {
		return &ValidationError{Field: "ends_at", Message: "must not precede starts_at"}
	}
	return nil
}

func parseInstant(value string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized instant %q, expected RFC3339 or YYYY-MM-DD[THH:MM:SS]", value)
}
