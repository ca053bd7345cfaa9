package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/scienceserver/internal/config"
)

// New builds the process logger from configuration.
func New(cfg config.LogConfig) (*logrus.Logger, error) {
	return newWithOutput(cfg, os.Stderr)
}

func newWithOutput(cfg config.LogConfig, out io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(level)

	switch cfg.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	return log, nil
}
