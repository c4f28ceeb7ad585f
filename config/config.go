package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Version is sent to the scheduler so it can reject clients speaking an
// older protocol.
const Version = 1

// Unbounded disables gating for a slot pool.
const Unbounded = -1

const (
	DefaultSchedulerPort = 8097
	EnvPrefix            = "CCOFFLOAD_"
)

var ErrInvalid = errors.New("invalid configuration")

type Slots struct {
	Dir            string `yaml:"dir"`
	Compile        int    `yaml:"compile"`
	Preprocess     int    `yaml:"preprocess"`
	DesiredCompile int    `yaml:"desired_compile"`
}

// Timeouts bound the time spent in each negotiation stage before the
// watchdog forces a local compile. Each value is measured from the moment
// the previous stage was reached.
type Timeouts struct {
	SchedulerConnect time.Duration `yaml:"scheduler_connect"`
	AcquireSlave     time.Duration `yaml:"acquire_slave"`
	SlaveConnect     time.Duration `yaml:"slave_connect"`
	Preprocess       time.Duration `yaml:"preprocess"`
	UploadJob        time.Duration `yaml:"upload_job"`
	Compile          time.Duration `yaml:"compile"`
}

type Config struct {
	Scheduler string `yaml:"scheduler"`
	Name      string `yaml:"name"`
	Hostname  string `yaml:"hostname"`
	Slave     string `yaml:"slave"`
	Compiler  string `yaml:"compiler"`

	Disabled bool `yaml:"disabled"`
	NoDesire bool `yaml:"no_desire"`

	LogLevel      string `yaml:"log_level"`
	LogFile       string `yaml:"log_file"`
	LogFileAppend bool   `yaml:"log_file_append"`
	Verbose       bool   `yaml:"verbose"`

	Slots    Slots    `yaml:"slots"`
	Timeouts Timeouts `yaml:"timeouts"`

	Environment struct {
		ExtraFiles    []string      `yaml:"extra_files"`
		UploadTimeout time.Duration `yaml:"upload_timeout"`
	} `yaml:"environment"`

	Stats struct {
		Database string `yaml:"database"`
	} `yaml:"stats"`

	Metrics struct {
		Pushgateway string `yaml:"pushgateway"`
	} `yaml:"metrics"`
}

func Default() *Config {
	hostname, _ := os.Hostname()
	cpus := runtime.NumCPU()

	cfg := &Config{
		Scheduler: fmt.Sprintf("localhost:%d", DefaultSchedulerPort),
		Name:      hostname,
		LogLevel:  "silent",
		Slots: Slots{
			Dir:            filepath.Join(os.TempDir(), fmt.Sprintf("ccoffload-%d", os.Getuid())),
			Compile:        cpus,
			Preprocess:     cpus * 2,
			DesiredCompile: 0,
		},
		Timeouts: Timeouts{
			SchedulerConnect: 2 * time.Second,
			AcquireSlave:     10 * time.Second,
			SlaveConnect:     2 * time.Second,
			Preprocess:       60 * time.Second,
			UploadJob:        30 * time.Second,
			Compile:          5 * time.Minute,
		},
	}
	cfg.Environment.UploadTimeout = 2 * time.Minute
	return cfg
}

// Paths returns the configuration files consulted by Load, lowest
// precedence first.
func Paths(getenv func(string) string) []string {
	paths := []string{"/etc/ccoffload/client.yaml"}
	if xdg := getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, "ccoffload", "client.yaml"))
	} else if home := getenv("HOME"); home != "" {
		paths = append(paths, filepath.Join(home, ".config", "ccoffload", "client.yaml"))
	}
	if explicit := getenv(EnvPrefix + "CONFIG"); explicit != "" {
		paths = append(paths, explicit)
	}
	return paths
}

// Load builds the configuration from the defaults, every existing file
// returned by Paths and finally the CCOFFLOAD_* environment variables.
func Load(getenv func(string) string) (*Config, error) {
	cfg := Default()
	for _, path := range Paths(getenv) {
		if err := cfg.MergeFile(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MergeFile overlays the fields present in the YAML file on top of cfg.
func (c *Config) MergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	strs := map[string]*string{
		"SCHEDULER":      &c.Scheduler,
		"NAME":           &c.Name,
		"HOSTNAME":       &c.Hostname,
		"SLAVE":          &c.Slave,
		"COMPILER":       &c.Compiler,
		"LOG_LEVEL":      &c.LogLevel,
		"LOG_FILE":       &c.LogFile,
		"SLOT_DIR":       &c.Slots.Dir,
		"STATS_DATABASE": &c.Stats.Database,
		"PUSHGATEWAY":    &c.Metrics.Pushgateway,
	}
	for key, dst := range strs {
		if v := getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"DISABLED":        &c.Disabled,
		"NO_DESIRE":       &c.NoDesire,
		"VERBOSE":         &c.Verbose,
		"LOG_FILE_APPEND": &c.LogFileAppend,
	}
	for key, dst := range bools {
		v := getenv(EnvPrefix + key)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q is not a boolean", ErrInvalid, EnvPrefix, key, v)
		}
		*dst = b
	}

	ints := map[string]*int{
		"COMPILE_SLOTS":         &c.Slots.Compile,
		"PREPROCESS_SLOTS":      &c.Slots.Preprocess,
		"DESIRED_COMPILE_SLOTS": &c.Slots.DesiredCompile,
	}
	for key, dst := range ints {
		v := getenv(EnvPrefix + key)
		if v == "" {
			continue
		}
		n, err := parseCapacity(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s: %s", ErrInvalid, EnvPrefix, key, err.Error())
		}
		*dst = n
	}
	return nil
}

func parseCapacity(v string) (int, error) {
	if strings.EqualFold(v, "unbounded") || strings.EqualFold(v, "unlimited") {
		return Unbounded, nil
	}
	return strconv.Atoi(v)
}

func (c *Config) Validate() error {
	for name, n := range map[string]int{
		"slots.compile":         c.Slots.Compile,
		"slots.preprocess":      c.Slots.Preprocess,
		"slots.desired_compile": c.Slots.DesiredCompile,
	} {
		if n < Unbounded {
			return fmt.Errorf("%w: %s must be -1 (unbounded) or a non-negative count, got %d", ErrInvalid, name, n)
		}
	}
	for name, d := range map[string]time.Duration{
		"timeouts.scheduler_connect": c.Timeouts.SchedulerConnect,
		"timeouts.acquire_slave":     c.Timeouts.AcquireSlave,
		"timeouts.slave_connect":     c.Timeouts.SlaveConnect,
		"timeouts.preprocess":        c.Timeouts.Preprocess,
		"timeouts.upload_job":        c.Timeouts.UploadJob,
		"timeouts.compile":           c.Timeouts.Compile,
		"environment.upload_timeout": c.Environment.UploadTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalid, name)
		}
	}
	if c.Slots.Dir == "" {
		return fmt.Errorf("%w: slots.dir must be set", ErrInvalid)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// SchedulerAddress normalizes the scheduler setting to host:port.
func (c *Config) SchedulerAddress() string {
	addr := c.Scheduler
	if i := strings.Index(addr, "://"); i != -1 {
		addr = addr[i+3:]
	}
	if i := strings.Index(addr, "/"); i != -1 {
		addr = addr[:i]
	}
	if !strings.Contains(addr, ":") || strings.HasSuffix(addr, "]") {
		addr = fmt.Sprintf("%s:%d", addr, DefaultSchedulerPort)
	}
	return addr
}
