package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogFileName is the name of the log file inside the data directory.
const LogFileName = "masix.log"

// NewLogger builds the runtime logger. It writes to stderr and appends to
// <data_dir>/masix.log, and is installed as the global zerolog logger. The
// returned closer releases the log file.
func NewLogger(cfg *Config) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if s := strings.TrimSpace(cfg.Core.LogLevel); s != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(s))
		if err != nil {
			return zerolog.Nop(), nopCloser{}, &ValidationError{Field: "core.log_level", Reason: err.Error()}
		}
		level = parsed
	}
	zerolog.TimeFieldFormat = time.RFC3339

	var console io.Writer = os.Stderr
	if strings.ToLower(cfg.Core.LogFormat) != "json" {
		console = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	var closer io.Closer = nopCloser{}
	out := console
	var fileErr error
	if dir, err := cfg.DataDir(); err != nil {
		fileErr = fmt.Errorf("data dir: %w", err)
	} else if f, err := os.OpenFile(filepath.Join(dir, LogFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600); err != nil {
		fileErr = fmt.Errorf("opening log file: %w", err)
	} else {
		out = zerolog.MultiLevelWriter(console, f)
		closer = f
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	log.Logger = logger
	if fileErr != nil {
		logger.Warn().Err(fileErr).Msg("logging to stderr only")
	}
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
