package recurrence

import (
	"errors"
	"testing"
	"time"
)

func intp(v int) *int { return &v }

func mustCompile(t *testing.T, s Spec) *Trigger {
	t.Helper()
	trig, err := Compile(s)
	if err != nil {
		t.Fatalf("Compile(%+v): %v", s, err)
	}
	return trig
}

func TestCompile_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		spec  Spec
		field string
	}{
		{"nothing set", Spec{}, "frequency"},
		{"unknown frequency", Spec{Frequency: "FORTNIGHTLY"}, "frequency"},
		{"cron and frequency", Spec{Frequency: Daily, CronExpression: "* * * * *"}, "cron_expression"},
		{"bad cron", Spec{CronExpression: "not cron"}, "cron_expression"},
		{"bad timezone", Spec{Frequency: Daily, Timezone: "Mars/Olympus"}, "timezone"},
		{"hour out of range", Spec{Frequency: Daily, Hour: 24}, "hour"},
		{"minute out of range", Spec{Frequency: Daily, Minute: 60}, "minute"},
		{"weekly without day", Spec{Frequency: Weekly}, "day_of_week"},
		{"weekly day out of range", Spec{Frequency: Weekly, DayOfWeek: intp(7)}, "day_of_week"},
		{"monthly without day", Spec{Frequency: Monthly}, "day_of_month"},
		{"monthly day out of range", Spec{Frequency: Monthly, DayOfMonth: intp(32)}, "day_of_month"},
		{"yearly without month", Spec{Frequency: Yearly, DayOfMonth: intp(1)}, "month_of_year"},
		{"yearly without day", Spec{Frequency: Yearly, MonthOfYear: intp(2)}, "day_of_month"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.spec)
			if err == nil {
				t.Fatal("expected validation error")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error type %T, want *ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestTrigger_Daily(t *testing.T) {
	trig := mustCompile(t, Spec{Frequency: Daily, Hour: 9, Minute: 30})

	after := time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC)
	if got, want := trig.Next(after), time.Date(2024, 3, 5, 9, 30, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("before today's slot: got %v, want %v", got, want)
	}

	after = time.Date(2024, 3, 5, 9, 30, 0, 0, time.UTC)
	if got, want := trig.Next(after), time.Date(2024, 3, 6, 9, 30, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("exactly at the slot must roll to tomorrow: got %v, want %v", got, want)
	}
}

func TestTrigger_WeeklyMondayBasedDays(t *testing.T) {
	// day_of_week 2 means Wednesday. 2024-03-06 is a Wednesday.
	trig := mustCompile(t, Spec{Frequency: Weekly, DayOfWeek: intp(2), Hour: 9})

	after := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC) // Tuesday
	want := time.Date(2024, 3, 6, 9, 0, 0, 0, time.UTC)
	if got := trig.Next(after); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}

	// From Wednesday after the slot, the next fire is a week out.
	after = time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC)
	want = time.Date(2024, 3, 13, 9, 0, 0, 0, time.UTC)
	if got := trig.Next(after); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTrigger_MonthlyClampsToLastDay(t *testing.T) {
	trig := mustCompile(t, Spec{Frequency: Monthly, DayOfMonth: intp(31), Hour: 9})

	after := time.Date(2024, 1, 31, 10, 0, 0, 0, time.UTC)
	// 2024 is a leap year.
	want := time.Date(2024, 2, 29, 9, 0, 0, 0, time.UTC)
	if got := trig.Next(after); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}

	after = time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	want = time.Date(2025, 2, 28, 9, 0, 0, 0, time.UTC)
	if got := trig.Next(after); !got.Equal(want) {
		t.Errorf("non-leap February: got %v, want %v", got, want)
	}

	// And back to the literal 31st when the month has one.
	after = time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC)
	want = time.Date(2024, 3, 31, 9, 0, 0, 0, time.UTC)
	if got := trig.Next(after); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTrigger_YearlyClampsFebruary(t *testing.T) {
	trig := mustCompile(t, Spec{Frequency: Yearly, MonthOfYear: intp(2), DayOfMonth: intp(30), Hour: 6})

	after := time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)
	want := time.Date(2024, 2, 29, 6, 0, 0, 0, time.UTC)
	if got := trig.Next(after); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTrigger_Timezone(t *testing.T) {
	trig := mustCompile(t, Spec{Frequency: Daily, Hour: 9, Timezone: "America/New_York"})
	loc, _ := time.LoadLocation("America/New_York")

	after := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	got := trig.Next(after)
	want := time.Date(2024, 6, 1, 9, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTrigger_Cron(t *testing.T) {
	trig := mustCompile(t, Spec{CronExpression: "*/15 * * * *"})

	after := time.Date(2024, 3, 5, 12, 2, 0, 0, time.UTC)
	want := time.Date(2024, 3, 5, 12, 15, 0, 0, time.UTC)
	if got := trig.Next(after); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTrigger_DeterministicAcrossRecompiles(t *testing.T) {
	spec := Spec{Frequency: Monthly, DayOfMonth: intp(15), Hour: 8, Minute: 45, Timezone: "Europe/Berlin"}
	a := mustCompile(t, spec)
	b := mustCompile(t, spec)

	cursor := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 24; i++ {
		na, nb := a.Next(cursor), b.Next(cursor)
		if !na.Equal(nb) {
			t.Fatalf("recompiled trigger diverged at step %d: %v vs %v", i, na, nb)
		}
		cursor = na
	}
}
