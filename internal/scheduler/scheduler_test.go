package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

// stubTrigger fires at the given instants; nothing after the last one.
type stubTrigger struct {
	times []time.Time
}

func (s *stubTrigger) Next(after time.Time) time.Time {
	for _, t := range s.times {
		if t.After(after) {
			return t
		}
	}
	return time.Time{}
}

// intervalTrigger fires every interval, forever.
type intervalTrigger struct {
	interval time.Duration
}

func (s *intervalTrigger) Next(after time.Time) time.Time {
	return after.Add(s.interval)
}

func TestService_ExecutesInstalledTrigger(t *testing.T) {
	fired := make(chan Job, 8)
	s := New(Config{Workers: 2}, func(ctx context.Context, job Job) error {
		fired <- job
		return nil
	}, testLogger())

	s.Start()
	defer s.Stop()

	s.Install("a", &stubTrigger{times: []time.Time{time.Now().Add(20 * time.Millisecond)}}, nil)

	select {
	case job := <-fired:
		if job.ID != "a" || job.Source != "schedule" {
			t.Errorf("job = %+v", job)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("trigger never fired")
	}
}

func TestService_InstallReplacesOnlyThatID(t *testing.T) {
	s := New(Config{}, func(context.Context, Job) error { return nil }, testLogger())
	defer s.Stop()

	future := time.Now().Add(time.Hour)
	s.Install("a", &stubTrigger{times: []time.Time{future}}, nil)
	s.Install("b", &stubTrigger{times: []time.Time{future.Add(time.Hour)}}, nil)

	replacement := future.Add(30 * time.Minute)
	s.Install("a", &stubTrigger{times: []time.Time{replacement}}, nil)

	if got := s.NextFire("a"); !got.Equal(replacement) {
		t.Errorf("next fire for a = %v, want %v", got, replacement)
	}
	if got := s.NextFire("b"); !got.Equal(future.Add(time.Hour)) {
		t.Errorf("replacing a disturbed b: %v", got)
	}

	s.Cancel("a")
	if s.Active("a") {
		t.Error("a still active after cancel")
	}
	if !s.Active("b") {
		t.Error("b lost its trigger")
	}
	s.Cancel("a") // idempotent
}

func TestService_CatchUpDispatchedOnInstall(t *testing.T) {
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	s := New(Config{MisfireGrace: time.Hour}, func(context.Context, Job) error { return nil }, testLogger())
	s.now = func() time.Time { return now }

	// Two fires were missed inside the grace window; they coalesce into the
	// newest one.
	missed1 := now.Add(-40 * time.Minute)
	missed2 := now.Add(-10 * time.Minute)
	s.Install("a", &stubTrigger{times: []time.Time{missed1, missed2, now.Add(time.Hour)}}, nil)

	select {
	case job := <-s.queue:
		if job.Source != "catchup" {
			t.Errorf("source = %q, want catchup", job.Source)
		}
		if !job.ScheduledAt.Equal(missed2) {
			t.Errorf("scheduled_at = %v, want the newest missed fire %v", job.ScheduledAt, missed2)
		}
	case <-time.After(time.Second):
		t.Fatal("no catch-up dispatched")
	}
	s.Cancel("a")
}

func TestService_NoCatchUpOutsideGraceOrAlreadyRan(t *testing.T) {
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)

	t.Run("outside grace", func(t *testing.T) {
		s := New(Config{MisfireGrace: time.Hour}, func(context.Context, Job) error { return nil }, testLogger())
		s.now = func() time.Time { return now }
		s.Install("a", &stubTrigger{times: []time.Time{now.Add(-2 * time.Hour), now.Add(time.Hour)}}, nil)
		select {
		case job := <-s.queue:
			t.Fatalf("stale fire dispatched: %+v", job)
		case <-time.After(50 * time.Millisecond):
		}
		s.Cancel("a")
	})

	t.Run("covered by lastRan", func(t *testing.T) {
		s := New(Config{MisfireGrace: time.Hour}, func(context.Context, Job) error { return nil }, testLogger())
		s.now = func() time.Time { return now }
		missed := now.Add(-10 * time.Minute)
		lastRan := now.Add(-5 * time.Minute)
		s.Install("a", &stubTrigger{times: []time.Time{missed, now.Add(time.Hour)}}, &lastRan)
		select {
		case job := <-s.queue:
			t.Fatalf("already-covered fire dispatched: %+v", job)
		case <-time.After(50 * time.Millisecond):
		}
		s.Cancel("a")
	})
}

func TestService_OverlapSkipped(t *testing.T) {
	s := New(Config{}, func(context.Context, Job) error { return nil }, testLogger())
	now := time.Now()

	s.mu.Lock()
	s.states["a"] = &runState{}
	s.mu.Unlock()

	if !s.states["a"].tryAcquire() {
		t.Fatal("first acquire failed")
	}
	// A fire while the previous execution is in flight is skipped, not queued.
	s.dispatch(Job{ID: "a", ScheduledAt: now, Source: "schedule"})
	select {
	case job := <-s.queue:
		t.Fatalf("overlapping fire was queued: %+v", job)
	default:
	}

	s.states["a"].release()
	s.dispatch(Job{ID: "a", ScheduledAt: now, Source: "schedule"})
	select {
	case <-s.queue:
	default:
		t.Fatal("fire not queued after release")
	}
}

func TestService_MisfireDroppedAtExecute(t *testing.T) {
	var calls int64
	s := New(Config{MisfireGrace: time.Hour}, func(context.Context, Job) error {
		atomic.AddInt64(&calls, 1)
		return nil
	}, testLogger())
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.mu.Lock()
	s.states["a"] = &runState{}
	s.mu.Unlock()

	s.execute(Job{ID: "a", ScheduledAt: now.Add(-2 * time.Hour), Source: "schedule"})
	if atomic.LoadInt64(&calls) != 0 {
		t.Error("stale job was executed")
	}

	s.execute(Job{ID: "a", ScheduledAt: now.Add(-time.Minute), Source: "schedule"})
	if atomic.LoadInt64(&calls) != 1 {
		t.Error("fresh job was not executed")
	}
}

func TestService_PanicInRunnerDoesNotKillWorker(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	s := New(Config{Workers: 1}, func(ctx context.Context, job Job) error {
		mu.Lock()
		seen = append(seen, job.ID)
		mu.Unlock()
		if job.ID == "boom" {
			panic("bad firing")
		}
		return nil
	}, testLogger())
	s.Start()
	defer s.Stop()

	s.Install("boom", &stubTrigger{times: []time.Time{time.Now().Add(10 * time.Millisecond)}}, nil)
	s.Install("ok", &stubTrigger{times: []time.Time{time.Now().Add(50 * time.Millisecond)}}, nil)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		done := len(seen) >= 2
		mu.Unlock()
		if done {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("worker died after panic; seen %v", seen)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestService_SlowRunDoesNotDelayOthers(t *testing.T) {
	block := make(chan struct{})
	fastFired := make(chan struct{}, 1)
	s := New(Config{Workers: 2}, func(ctx context.Context, job Job) error {
		if job.ID == "slow" {
			<-block
			return nil
		}
		select {
		case fastFired <- struct{}{}:
		default:
		}
		return nil
	}, testLogger())
	s.Start()

	s.Install("slow", &stubTrigger{times: []time.Time{time.Now().Add(10 * time.Millisecond)}}, nil)
	s.Install("fast", &stubTrigger{times: []time.Time{time.Now().Add(30 * time.Millisecond)}}, nil)

	select {
	case <-fastFired:
	case <-time.After(2 * time.Second):
		t.Error("fast automation starved by the slow one")
	}
	close(block)
	s.Stop()
}
