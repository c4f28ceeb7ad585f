package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// ParseLevel accepts the level names understood by log_level. "silent"
// maps to hclog.Off.
func ParseLevel(s string) (hclog.Level, error) {
	switch strings.ToLower(s) {
	case "", "silent", "off":
		return hclog.Off, nil
	case "debug":
		return hclog.Debug, nil
	case "info":
		return hclog.Info, nil
	case "warn", "warning":
		return hclog.Warn, nil
	case "error":
		return hclog.Error, nil
	}
	return hclog.NoLevel, fmt.Errorf("%w: log level %q (\"debug\", \"info\", \"warn\", \"error\" or \"silent\")", ErrInvalid, s)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogger creates the root logger described by cfg. The returned closer
// releases the log file, if any.
func NewLogger(cfg *Config, stderr io.Writer) (hclog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Verbose {
		level = hclog.Debug
	}
	if level == hclog.Off {
		return hclog.NewNullLogger(), nopCloser{}, nil
	}

	var out io.Writer = stderr
	var closer io.Closer = nopCloser{}
	if cfg.LogFile != "" {
		flags := os.O_WRONLY | os.O_CREATE
		if cfg.LogFileAppend {
			flags |= os.O_APPEND
		} else {
			flags |= os.O_TRUNC
		}
		f, err := os.OpenFile(cfg.LogFile, flags, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.LogFile, err)
		}
		out = f
		closer = f
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:   "ccoffload",
		Level:  level,
		Output: out,
	}), closer, nil
}
