// Package scheduler owns one active trigger per automation id and dispatches
// fires onto a bounded worker pool. It is an explicitly constructed service
// with a Start/Stop lifecycle; schedules are rebuilt from persisted state at
// boot, never from process memory.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Trigger yields the first fire instant strictly after a given time. A zero
// return means the trigger will never fire again.
type Trigger interface {
	Next(after time.Time) time.Time
}

// Job is one admitted firing handed to the runner.
type Job struct {
	ID          string
	ScheduledAt time.Time
	// Source is "schedule" for timer fires and "catchup" for a coalesced
	// post-restart run inside the misfire grace window.
	Source string
}

// Runner executes one firing. Errors are logged and isolated per execution;
// they never deregister the trigger or stop the service.
type Runner func(ctx context.Context, job Job) error

// Config sizes the service. The worker pool is a fixed configuration constant,
// not derived from load.
type Config struct {
	Workers      int
	QueueSize    int
	MisfireGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.MisfireGrace <= 0 {
		c.MisfireGrace = time.Hour
	}
	return c
}

type entry struct {
	id      string
	trigger Trigger
	stop    chan struct{}
}

// runState gates one execution per automation id. "Skip if running" also means
// skip if already queued, which keeps a slow run from piling up queue entries.
type runState struct {
	mu       sync.Mutex
	inflight bool
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		return false
	}
	s.inflight = true
	return true
}

func (s *runState) release() {
	s.mu.Lock()
	s.inflight = false
	s.mu.Unlock()
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	logger  *logrus.Logger
	runner  Runner
	entries map[string]*entry
	// states outlive entry replacement so a reinstalled automation cannot
	// overlap an execution already in progress.
	states  map[string]*runState
	queue   chan Job
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool

	// now is swappable for tests.
	now func() time.Time
}

func New(cfg Config, runner Runner, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		logger:  logger,
		runner:  runner,
		entries: map[string]*entry{},
		states:  map[string]*runState{},
		queue:   make(chan Job, cfg.QueueSize),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
}

// Start launches the worker pool. Triggers installed before Start begin firing
// once the workers are up.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.logger.WithFields(logrus.Fields{
		"workers":       s.cfg.Workers,
		"misfire_grace": s.cfg.MisfireGrace,
	}).Info("scheduler started")
}

// Stop cancels every trigger and drains the workers. Executions already in
// flight run to completion.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	for id, e := range s.entries {
		close(e.stop)
		delete(s.entries, id)
	}
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Install replaces the active trigger for id. Any prior trigger for the same
// id is cancelled first, so create/update/enable all collapse into this one
// idempotent operation. lastRan, when known, bounds the catch-up check: a fire
// missed while the process was down is coalesced into a single catch-up run if
// it falls inside the misfire grace window, and dropped otherwise.
func (s *Service) Install(id string, trigger Trigger, lastRan *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked(id)
	e := &entry{id: id, trigger: trigger, stop: make(chan struct{})}
	s.entries[id] = e
	if _, ok := s.states[id]; !ok {
		s.states[id] = &runState{}
	}

	now := s.now()
	catchUp := s.missedFireLocked(trigger, now, lastRan)

	s.wg.Add(1)
	go s.runEntry(e, catchUp)
	s.logger.WithField("automation_id", id).Debug("trigger installed")
}

// Cancel removes the trigger for id if one exists. Cancelling an unknown id is
// not an error. An execution already in progress is never preempted.
func (s *Service) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(id)
}

func (s *Service) cancelLocked(id string) {
	if e, ok := s.entries[id]; ok {
		close(e.stop)
		delete(s.entries, id)
		s.logger.WithField("automation_id", id).Debug("trigger cancelled")
	}
}

// Active reports whether a trigger is currently installed for id.
func (s *Service) Active(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// NextFire previews the next fire instant for id, or zero when none is
// installed.
func (s *Service) NextFire(id string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return time.Time{}
	}
	return e.trigger.Next(s.now())
}

// missedFireLocked finds at most one scheduled instant missed inside the grace
// window. Multiple missed fires coalesce into the newest one.
func (s *Service) missedFireLocked(trigger Trigger, now time.Time, lastRan *time.Time) *time.Time {
	from := now.Add(-s.cfg.MisfireGrace)
	if lastRan != nil && lastRan.After(from) {
		from = *lastRan
	}
	var missed *time.Time
	cursor := from
	for i := 0; i < 64; i++ {
		next := trigger.Next(cursor)
		if next.IsZero() || next.After(now) {
			break
		}
		t := next
		missed = &t
		cursor = next
	}
	return missed
}
