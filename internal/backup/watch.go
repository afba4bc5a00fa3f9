package backup

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch backs up the ledger whenever it changes, debounced so a burst of
// appends produces a single copy. It watches the parent directory because
// editors and append writers may replace the file. Blocks until ctx is done.
func (s *Service) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(s.source)
	if err := w.Add(dir); err != nil {
		return err
	}

	debounce := s.cfg.WatchDebounce
	if debounce <= 0 {
		debounce = 30 * time.Second
	}

	var timer *time.Timer
	var fire <-chan time.Time
	target := filepath.Clean(s.source)

	s.logger.WithField("path", target).Info("Watching ledger for changes")

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				fire = timer.C
			} else {
				timer.Reset(debounce)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.WithError(err).Warn("Ledger watch error")

		case <-fire:
			timer = nil
			fire = nil
			if err := s.RunOnce(ctx); err != nil {
				s.logger.WithError(err).Error("Change-triggered backup failed")
			}
		}
	}
}
