package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	yaml "go.yaml.in/yaml/v3"
)

// LeaseMargin is the safety headroom a lock lease must keep over a task's
// timeout so slow store round-trips cannot let the lease lapse mid-run.
const LeaseMargin = 30 * time.Second

type Config struct {
	HTTPAddr       string
	DBPath         string
	TasksDir       string
	WatchTasks     bool
	InstanceID     string
	Lease          time.Duration
	DefaultTimeout time.Duration
	DrainGrace     time.Duration
	LogRetention   time.Duration
	LogLevel       string
}

// fileConfig is the YAML shape; durations are strings so operators can
// write "5m" instead of nanosecond counts.
type fileConfig struct {
	HTTPAddr       string `yaml:"http_addr"`
	DBPath         string `yaml:"db_path"`
	TasksDir       string `yaml:"tasks_dir"`
	WatchTasks     *bool  `yaml:"watch_tasks"`
	InstanceID     string `yaml:"instance_id"`
	Lease          string `yaml:"lease"`
	DefaultTimeout string `yaml:"default_timeout"`
	DrainGrace     string `yaml:"drain_grace"`
	LogRetention   string `yaml:"log_retention"`
	LogLevel       string `yaml:"log_level"`
}

func Default() Config {
	return Config{
		HTTPAddr:       ":8080",
		DBPath:         "fleetcron.db",
		TasksDir:       "tasks.d",
		WatchTasks:     true,
		Lease:          5 * time.Minute,
		DefaultTimeout: time.Minute,
		DrainGrace:     10 * time.Second,
		LogRetention:   30 * 24 * time.Hour,
		LogLevel:       "info",
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if fc.HTTPAddr != "" {
		cfg.HTTPAddr = fc.HTTPAddr
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.TasksDir != "" {
		cfg.TasksDir = fc.TasksDir
	}
	if fc.WatchTasks != nil {
		cfg.WatchTasks = *fc.WatchTasks
	}
	if fc.InstanceID != "" {
		cfg.InstanceID = fc.InstanceID
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if cfg.Lease, err = durationField("lease", fc.Lease, cfg.Lease); err != nil {
		return Config{}, err
	}
	if cfg.DefaultTimeout, err = durationField("default_timeout", fc.DefaultTimeout, cfg.DefaultTimeout); err != nil {
		return Config{}, err
	}
	if cfg.DrainGrace, err = durationField("drain_grace", fc.DrainGrace, cfg.DrainGrace); err != nil {
		return Config{}, err
	}
	if cfg.LogRetention, err = durationField("log_retention", fc.LogRetention, cfg.LogRetention); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the lease sizing rule: a lease that can lapse while a
// task is still inside its timeout invites double execution.
func (c Config) Validate() error {
	if c.Lease <= c.DefaultTimeout {
		return fmt.Errorf("lease (%s) must exceed default_timeout (%s)", c.Lease, c.DefaultTimeout)
	}
	if c.Lease < c.DefaultTimeout+LeaseMargin {
		log.Warn().Dur("lease", c.Lease).Dur("default_timeout", c.DefaultTimeout).
			Msgf("lease leaves less than %s of margin over the task timeout", LeaseMargin)
	}
	return nil
}

// MaxTaskTimeout is the largest per-task timeout the lease can cover with
// margin. Registrations above it must be rejected or the lock can expire
// while its holder is still running.
func (c Config) MaxTaskTimeout() time.Duration {
	return c.Lease - LeaseMargin
}

func durationField(name, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", name, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: duration must be > 0", name)
	}
	return d, nil
}
