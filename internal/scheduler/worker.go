package scheduler

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"beanbrain/internal/metrics"
)

// runEntry is the per-trigger timer loop. It owns no execution: fires are
// handed to the queue and picked up by the worker pool, so a slow run never
// delays other automations' timers.
func (s *Service) runEntry(e *entry, catchUp *time.Time) {
	defer s.wg.Done()

	if catchUp != nil {
		s.dispatch(Job{ID: e.id, ScheduledAt: *catchUp, Source: "catchup"})
	}

	for {
		now := s.now()
		next := e.trigger.Next(now)
		if next.IsZero() {
			s.logger.WithField("automation_id", e.id).Debug("trigger exhausted, no future fires")
			return
		}
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-e.stop:
			timer.Stop()
			return
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			s.dispatch(Job{ID: e.id, ScheduledAt: next, Source: "schedule"})
		}
	}
}

// dispatch admits a fire onto the queue. A fire that would overlap a running
// (or already queued) execution for the same id is skipped, never queued; a
// full queue likewise drops the fire rather than blocking the timer loop.
func (s *Service) dispatch(job Job) {
	s.mu.Lock()
	state := s.states[job.ID]
	s.mu.Unlock()
	if state == nil {
		return
	}
	if !state.tryAcquire() {
		metrics.IncFireSkipped("overlap")
		s.logger.WithFields(logrus.Fields{
			"automation_id": job.ID,
			"scheduled_at":  job.ScheduledAt,
		}).Warn("fire skipped, previous execution still in flight")
		return
	}
	select {
	case s.queue <- job:
	default:
		state.release()
		metrics.IncFireSkipped("queue_full")
		s.logger.WithField("automation_id", job.ID).Warn("fire dropped, queue full")
	}
}

func (s *Service) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case job := <-s.queue:
			s.execute(job)
		}
	}
}

func (s *Service) execute(job Job) {
	s.mu.Lock()
	state := s.states[job.ID]
	s.mu.Unlock()
	defer func() {
		if state != nil {
			state.release()
		}
	}()

	now := s.now()
	if age := now.Sub(job.ScheduledAt); age > s.cfg.MisfireGrace {
		metrics.IncFireSkipped("misfire")
		s.logger.WithFields(logrus.Fields{
			"automation_id": job.ID,
			"scheduled_at":  job.ScheduledAt,
			"age":           age,
		}).Warn("fire dropped, older than misfire grace window")
		return
	}

	start := now
	var err error
	// Recover panics so one bad firing can't take a worker down for good.
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.WithFields(logrus.Fields{
					"automation_id": job.ID,
					"panic":         r,
					"stack":         string(debug.Stack()),
				}).Error("firing panicked")
			}
		}()
		err = s.runner(context.Background(), job)
	}()

	dur := time.Since(start)
	if err != nil {
		metrics.IncFireFailed()
		s.logger.WithFields(logrus.Fields{
			"automation_id": job.ID,
			"source":        job.Source,
			"duration":      dur,
		}).WithError(err).Warn("firing failed")
		return
	}
	metrics.IncFireExecuted()
	s.logger.WithFields(logrus.Fields{
		"automation_id": job.ID,
		"source":        job.Source,
		"duration":      dur,
	}).Info("firing completed")
}
