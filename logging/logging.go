package logging

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/adya9/web-whisper/config"
)

// New builds the process logger from config. JSON output is meant for log
// shippers; text is the default for local runs.
func New(cfg config.LogConfig) *logrus.Logger {
	logger := logrus.New()

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}
