package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"beanbrain/internal/ledger"
	"beanbrain/internal/models"
	"beanbrain/internal/recurrence"
	"beanbrain/internal/scheduler"
)

func newAutomationTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:automations_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.Automation{}, &models.AutomationRun{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func newTestStack(t *testing.T) (*AutomationService, *ledger.Engine) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	path := filepath.Join(t.TempDir(), "ledger.beancount")
	engine := ledger.NewEngine(path, ledger.NewMemLock(time.Second), logger)
	ledgerSvc := NewLedgerService(engine, logger)

	sched := scheduler.New(scheduler.Config{}, func(context.Context, scheduler.Job) error { return nil }, logger)
	svc := NewAutomationService(newAutomationTestDB(t), sched, ledgerSvc, "UTC", logger)
	return svc, engine
}

func groceriesPayload() *models.Payload {
	return &models.Payload{
		Amount:    "42.50",
		Currency:  "USD",
		From:      "Assets:Checking",
		To:        "Expenses:Groceries",
		Narration: "weekly shop",
	}
}

func TestAutomationService_CreateAndGet(t *testing.T) {
	svc, _ := newTestStack(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, &AutomationRequest{
		Name:      "groceries",
		Payload:   groceriesPayload(),
		Frequency: "WEEKLY",
		DayOfWeek: intp(2),
		Hour:      intp(10),
		Minute:    intp(30),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.ID == "" || !a.Enabled || a.Timezone != "UTC" {
		t.Errorf("defaults wrong: %+v", a)
	}

	got, err := svc.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	payload, err := got.DecodePayload()
	if err != nil || payload.To != "Expenses:Groceries" {
		t.Errorf("payload = %+v, err %v", payload, err)
	}
	if next := svc.NextFire(a.ID); next.IsZero() {
		t.Error("no trigger installed for an enabled automation")
	}

	if _, err := svc.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing id: err = %v, want ErrNotFound", err)
	}
}

func TestAutomationService_CreateRejectsBadInput(t *testing.T) {
	svc, _ := newTestStack(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, &AutomationRequest{Name: "  "})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("blank name: err = %v", err)
	}

	_, err = svc.Create(ctx, &AutomationRequest{Name: "x", Frequency: "FORTNIGHTLY"})
	var rerr *recurrence.ValidationError
	if !errors.As(err, &rerr) {
		t.Fatalf("bad frequency: err = %v", err)
	}

	_, err = svc.Create(ctx, &AutomationRequest{
		Name: "x", Frequency: "DAILY",
		StartsAt: "2024-06-01", EndsAt: "2024-01-01",
	})
	if !errors.As(err, &verr) || verr.Field != "ends_at" {
		t.Fatalf("inverted window: err = %v", err)
	}

	// Nothing invalid may reach the table.
	list, _ := svc.List(ctx)
	if len(list) != 0 {
		t.Errorf("rejected creates were persisted: %d rows", len(list))
	}
}

func TestAutomationService_UpdateRecompiles(t *testing.T) {
	svc, _ := newTestStack(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, &AutomationRequest{Name: "rent", Frequency: "MONTHLY", DayOfMonth: intp(1)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	freq := "FORTNIGHTLY"
	if _, err := svc.Update(ctx, a.ID, &AutomationUpdateRequest{Frequency: &freq}); err == nil {
		t.Fatal("invalid recurrence accepted on update")
	}
	got, _ := svc.Get(ctx, a.ID)
	if got.Frequency != "MONTHLY" {
		t.Errorf("failed update leaked into the row: %q", got.Frequency)
	}

	day := 15
	hour := 7
	updated, err := svc.Update(ctx, a.ID, &AutomationUpdateRequest{DayOfMonth: &day, Hour: &hour})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if *updated.DayOfMonth != 15 || updated.Hour != 7 {
		t.Errorf("update not applied: %+v", updated)
	}

	disabled := false
	if _, err := svc.Update(ctx, a.ID, &AutomationUpdateRequest{Enabled: &disabled}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if next := svc.NextFire(a.ID); !next.IsZero() {
		t.Error("disabled automation still has an installed trigger")
	}
}

func TestAutomationService_DeleteCancels(t *testing.T) {
	svc, _ := newTestStack(t)
	ctx := context.Background()

	a, _ := svc.Create(ctx, &AutomationRequest{Name: "x", Frequency: "DAILY"})
	if err := svc.Delete(ctx, a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.Get(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("row survived delete: %v", err)
	}
	if !svc.NextFire(a.ID).IsZero() {
		t.Error("trigger survived delete")
	}
	if err := svc.Delete(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete: err = %v, want ErrNotFound", err)
	}
}

func TestAutomationService_ExecuteByID(t *testing.T) {
	svc, engine := newTestStack(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, &AutomationRequest{Name: "groceries", Payload: groceriesPayload(), Frequency: "DAILY"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.ExecuteByID(ctx, a.ID, time.Now(), "manual"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	data, err := os.ReadFile(engine.Path())
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	text := string(data)
	for _, want := range []string{"Expenses:Groceries", "-42.5 USD", `automation-id: "` + a.ID + `"`} {
		if !strings.Contains(text, want) {
			t.Errorf("ledger missing %q:\n%s", want, text)
		}
	}

	got, _ := svc.Get(ctx, a.ID)
	if got.LastRanAt == nil {
		t.Error("last_ran_at not stamped")
	}

	runs, err := svc.Runs(ctx, a.ID, 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs = %v, err %v", runs, err)
	}
	if runs[0].Status != "success" || runs[0].Source != "manual" {
		t.Errorf("run = %+v", runs[0])
	}
}

func TestAutomationService_ExecuteGuards(t *testing.T) {
	svc, engine := newTestStack(t)
	ctx := context.Background()

	t.Run("unknown id is dropped", func(t *testing.T) {
		if err := svc.ExecuteByID(ctx, "ghost", time.Now(), "schedule"); err != nil {
			t.Errorf("unknown id should not error: %v", err)
		}
	})

	t.Run("disabled is skipped", func(t *testing.T) {
		disabled := false
		a, _ := svc.Create(ctx, &AutomationRequest{
			Name: "off", Payload: groceriesPayload(), Frequency: "DAILY", Enabled: &disabled,
		})
		if err := svc.ExecuteByID(ctx, a.ID, time.Now(), "schedule"); err != nil {
			t.Fatalf("execute: %v", err)
		}
		runs, _ := svc.Runs(ctx, a.ID, 10)
		if len(runs) != 1 || runs[0].Status != "skipped" {
			t.Errorf("runs = %+v", runs)
		}
		if _, err := os.Stat(engine.Path()); !os.IsNotExist(err) {
			t.Error("disabled automation wrote to the ledger")
		}
	})

	t.Run("expired window is skipped", func(t *testing.T) {
		a, _ := svc.Create(ctx, &AutomationRequest{
			Name: "expired", Payload: groceriesPayload(), Frequency: "DAILY",
			EndsAt: "2000-01-01",
		})
		if err := svc.ExecuteByID(ctx, a.ID, time.Now(), "schedule"); err != nil {
			t.Fatalf("execute: %v", err)
		}
		runs, _ := svc.Runs(ctx, a.ID, 10)
		if len(runs) != 1 || runs[0].Status != "skipped" {
			t.Errorf("runs = %+v", runs)
		}
	})

	t.Run("bad template fails the firing only", func(t *testing.T) {
		a, _ := svc.Create(ctx, &AutomationRequest{
			Name: "broken", Payload: &models.Payload{Amount: "10", Currency: "USD", From: "Assets:Checking"},
			Frequency: "DAILY",
		})
		err := svc.ExecuteByID(ctx, a.ID, time.Now(), "schedule")
		var merr *MissingFieldError
		if !errors.As(err, &merr) {
			t.Fatalf("err = %v, want *MissingFieldError", err)
		}
		runs, _ := svc.Runs(ctx, a.ID, 10)
		if len(runs) != 1 || runs[0].Status != "failed" {
			t.Errorf("runs = %+v", runs)
		}
		got, _ := svc.Get(ctx, a.ID)
		if got.LastRanAt == nil {
			t.Error("failed attempt must still stamp last_ran_at")
		}
		if svc.NextFire(a.ID).IsZero() {
			t.Error("failure deregistered the schedule")
		}
	})
}

func TestAutomationService_ResyncSkipsCorruptRows(t *testing.T) {
	svc, _ := newTestStack(t)
	ctx := context.Background()

	good, err := svc.Create(ctx, &AutomationRequest{Name: "good", Frequency: "DAILY"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Simulate an out-of-band edit that breaks a stored recurrence.
	bad := &models.Automation{ID: "bad-row", Name: "bad", Enabled: true, Frequency: "SOMETIMES", Timezone: "UTC"}
	if err := svc.db.Create(bad).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := svc.ResyncAll(ctx); err != nil {
		t.Fatalf("resync must tolerate corrupt rows: %v", err)
	}
	if svc.NextFire(good.ID).IsZero() {
		t.Error("good automation not reinstalled")
	}
	if !svc.NextFire("bad-row").IsZero() {
		t.Error("corrupt automation was installed")
	}
}

func intp(v int) *int { return &v }
