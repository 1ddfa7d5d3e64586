package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pragmagrid/pragmactl/internal/errdefs"
	"github.com/sirupsen/logrus"
)

const (
	DefaultLevel = "error"

	fileTimestamp = "20060102-15:04"
)

// New builds a logger at level writing to path, or to stderr when path is
// empty. The returned closer releases the log file.
func New(level, path string) (*logrus.Logger, io.Closer, error) {
	if level == "" {
		level = DefaultLevel
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, nil, errdefs.Configf("bad loglevel %q", level)
	}

	logger := logrus.New()
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: path != ""})

	if path == "" {
		logger.SetOutput(os.Stderr)
		return logger, nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	logger.SetOutput(file)

	return logger, file, nil
}

// DefaultFile names the log of one cluster run.
func DefaultFile(dir, vc string, now time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s.log", vc, now.Format(fileTimestamp)))
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
