package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envFunc(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(envFunc(map[string]string{"HOME": t.TempDir()}))
	require.NoError(t, err)

	assert.Equal(t, "localhost:8097", cfg.Scheduler)
	assert.Equal(t, "silent", cfg.LogLevel)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.SchedulerConnect)
	assert.Greater(t, cfg.Slots.Compile, 0)
	assert.NotEmpty(t, cfg.Slots.Dir)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scheduler: build-sched.example.com:9000
name: laptop
slots:
  compile: 3
  preprocess: -1
timeouts:
  scheduler_connect: 250ms
  compile: 1m
stats:
  database: /tmp/stats.db
`), 0o644))

	cfg, err := Load(envFunc(map[string]string{
		"HOME":                            dir,
		"CCOFFLOAD_CONFIG":                path,
		"CCOFFLOAD_NAME":                  "override",
		"CCOFFLOAD_DISABLED":              "true",
		"CCOFFLOAD_DESIRED_COMPILE_SLOTS": "unbounded",
	}))
	require.NoError(t, err)

	assert.Equal(t, "build-sched.example.com:9000", cfg.Scheduler)
	assert.Equal(t, "override", cfg.Name)
	assert.True(t, cfg.Disabled)
	assert.Equal(t, 3, cfg.Slots.Compile)
	assert.Equal(t, Unbounded, cfg.Slots.Preprocess)
	assert.Equal(t, Unbounded, cfg.Slots.DesiredCompile)
	assert.Equal(t, 250*time.Millisecond, cfg.Timeouts.SchedulerConnect)
	assert.Equal(t, time.Minute, cfg.Timeouts.Compile)
	// Untouched keys keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.Timeouts.AcquireSlave)
	assert.Equal(t, "/tmp/stats.db", cfg.Stats.Database)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	_, err := Load(envFunc(map[string]string{"CCOFFLOAD_DISABLED": "maybe"}))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Load(envFunc(map[string]string{"CCOFFLOAD_COMPILE_SLOTS": "-4"}))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Load(envFunc(map[string]string{"CCOFFLOAD_LOG_LEVEL": "chatty"}))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoadRejectsBrokenYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte("slots: [1, 2"), 0o644))

	_, err := Load(envFunc(map[string]string{"CCOFFLOAD_CONFIG": path}))
	assert.Error(t, err)
}

func TestSchedulerAddress(t *testing.T) {
	for input, expected := range map[string]string{
		"sched":                  "sched:8097",
		"sched:1234":             "sched:1234",
		"ws://sched":             "sched:8097",
		"tcp://sched:99/compile": "sched:99",
		"[::1]":                  "[::1]:8097",
	} {
		cfg := Default()
		cfg.Scheduler = input
		assert.Equal(t, expected, cfg.SchedulerAddress(), input)
	}
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	logger, closer, err := NewLogger(cfg, os.Stderr)
	require.NoError(t, err)
	defer closer.Close()
	assert.False(t, logger.IsError(), "silent logger must not emit anything")

	var buf bytes.Buffer
	cfg.LogLevel = "warn"
	logger, closer, err = NewLogger(cfg, &buf)
	require.NoError(t, err)
	defer closer.Close()
	logger.Debug("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	cfg.Verbose = true
	logger, closer, err = NewLogger(cfg, &buf)
	require.NoError(t, err)
	defer closer.Close()
	assert.True(t, logger.IsDebug())
}

func TestNewLoggerWritesFile(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "debug"
	cfg.LogFile = filepath.Join(t.TempDir(), "client.log")

	logger, closer, err := NewLogger(cfg, os.Stderr)
	require.NoError(t, err)
	logger.Info("written", "key", "value")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(cfg.LogFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written")
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("Warn")
	require.NoError(t, err)
	assert.Equal(t, hclog.Warn, level)

	level, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, hclog.Off, level)
}
