package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"beanbrain/internal/config"
)

// Service copies the ledger file into a backup directory, prunes old
// copies, and optionally pushes the directory to an rclone remote.
type Service struct {
	source string
	cfg    config.BackupConfig
	logger *logrus.Logger

	now func() time.Time
}

func NewService(source string, cfg config.BackupConfig, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{
		source: source,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// RunOnce takes one backup: copy, prune, then sync if rclone is enabled.
// A missing source file is not an error; there is nothing to back up yet.
func (s *Service) RunOnce(ctx context.Context) error {
	if _, err := os.Stat(s.source); os.IsNotExist(err) {
		s.logger.WithField("source", s.source).Info("No ledger file yet, skipping backup")
		return nil
	}

	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}

	dest := filepath.Join(s.cfg.Dir, s.backupName())
	if err := copyFile(s.source, dest); err != nil {
		return fmt.Errorf("copy ledger: %w", err)
	}
	s.logger.WithField("backup", dest).Info("Ledger backed up")

	if err := s.Prune(); err != nil {
		s.logger.WithError(err).Warn("Backup pruning failed")
	}

	if s.cfg.Rclone.Enabled {
		if err := s.rcloneSync(ctx); err != nil {
			return fmt.Errorf("rclone sync: %w", err)
		}
	}
	return nil
}

// backupName is <stem>_<timestamp><ext>, e.g. budget_20260828T143000.beancount.
func (s *Service) backupName() string {
	base := filepath.Base(s.source)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return fmt.Sprintf("%s_%s%s", stem, s.now().UTC().Format("20060102T150405"), ext)
}

// Prune keeps the newest Retention copies of the source file and removes the
// rest. Retention <= 0 keeps everything.
func (s *Service) Prune() error {
	if s.cfg.Retention <= 0 {
		return nil
	}

	base := filepath.Base(s.source)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	matches, err := filepath.Glob(filepath.Join(s.cfg.Dir, stem+"_*"+ext))
	if err != nil {
		return err
	}
	if len(matches) <= s.cfg.Retention {
		return nil
	}

	// Timestamped names sort chronologically.
	sort.Strings(matches)
	for _, old := range matches[:len(matches)-s.cfg.Retention] {
		if err := os.Remove(old); err != nil {
			s.logger.WithError(err).WithField("file", old).Warn("Failed to remove old backup")
			continue
		}
		s.logger.WithField("file", old).Debug("Pruned old backup")
	}
	return nil
}

func (s *Service) rcloneSync(ctx context.Context) error {
	remote := s.cfg.Rclone.Remote
	if s.cfg.Rclone.Folder != "" {
		remote = remote + ":" + s.cfg.Rclone.Folder
	} else {
		remote = remote + ":"
	}

	cmd := exec.CommandContext(ctx, "rclone", "sync", s.cfg.Dir, remote)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	s.logger.WithField("remote", remote).Info("Backups synced to remote")
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
