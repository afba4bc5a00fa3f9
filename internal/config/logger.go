package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// InitLogger configures the process-wide logrus logger from the Log section:
// level, json/text format, and stdout/file/both output with lumberjack
// rotation.
func InitLogger(cfg *Config) error {
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		logrus.Warnf("Invalid log level '%s', using 'info'", cfg.Log.Level)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	default:
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	switch strings.ToLower(cfg.Log.Output) {
	case "file", "both":
		if err := os.MkdirAll(filepath.Dir(cfg.Log.FilePath), 0o755); err != nil {
			return err
		}
		rotateLogger := &lumberjack.Logger{
			Filename:   cfg.Log.FilePath,
			MaxSize:    cfg.Log.MaxSize,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAge,
			Compress:   cfg.Log.Compress,
			LocalTime:  true,
		}
		if strings.ToLower(cfg.Log.Output) == "both" {
			logrus.SetOutput(io.MultiWriter(os.Stdout, rotateLogger))
		} else {
			logrus.SetOutput(rotateLogger)
		}
	default:
		logrus.SetOutput(os.Stdout)
	}

	logrus.Infof("Logger initialized - Level: %s, Format: %s, Output: %s",
		cfg.Log.Level, cfg.Log.Format, cfg.Log.Output)
	return nil
}
