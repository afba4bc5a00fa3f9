package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"beanbrain/internal/backup"
	"beanbrain/internal/config"
)

var backupWatch bool

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up the ledger file",
	Long: `Copy the ledger into the backup directory, prune old copies, and
push to the configured rclone remote. With --watch, keep running and back up
whenever the ledger changes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if err := config.InitLogger(cfg); err != nil {
			logrus.Warnf("init logger: %v", err)
		}
		svc := backup.NewService(cfg.Ledger.Path, cfg.Backup, logrus.StandardLogger())

		if !backupWatch {
			return svc.RunOnce(cmd.Context())
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		go func() {
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit
			cancel()
		}()
		if err := svc.Watch(ctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	},
}

func init() {
	backupCmd.Flags().BoolVarP(&backupWatch, "watch", "w", false, "keep running and back up on every change")
	rootCmd.AddCommand(backupCmd)
}
