package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Limits are the OS-level caps applied to each spawned process.
type Limits struct {
	MemLimit       string `yaml:"mem_limit"`        // size string, e.g. "512MB"
	CPUTimeSeconds int    `yaml:"cpu_time_seconds"` // RLIMIT_CPU equivalent
	OpenFiles      int    `yaml:"open_files"`       // RLIMIT_NOFILE equivalent
}

// MemLimitBytes parses the configured memory limit into bytes.
func (l Limits) MemLimitBytes() (int64, error) {
	n, err := units.RAMInBytes(l.MemLimit)
	if err != nil {
		return 0, fmt.Errorf("parse mem_limit %q: %w", l.MemLimit, err)
	}
	return n, nil
}

type Config struct {
	WorkDir            string `yaml:"work_dir"`             // root for disposable exec dirs ("" = os temp)
	HistoryDBPath      string `yaml:"history_db_path"`      // execution history sqlite file
	MaxSessions        int    `yaml:"max_sessions"`         // session pool capacity
	SessionIdleSeconds int    `yaml:"session_idle_seconds"` // idle time before a session is reaped
	ReapIntervalSecs   int    `yaml:"reap_interval_seconds"`
	ReadyTimeoutSecs   int    `yaml:"ready_timeout_seconds"` // bounded wait for interpreter startup
	DefaultTimeoutSecs int    `yaml:"default_timeout_seconds"`
	MaxTimeoutSecs     int    `yaml:"max_timeout_seconds"`
	MinTimeoutSecs     int    `yaml:"min_timeout_seconds"`
	Limits             Limits `yaml:"limits"`

	// Interpreter binary overrides, language name → binary path.
	Runtimes map[string]string `yaml:"runtimes"`
}

func (c *Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleSeconds) * time.Second
}

func (c *Config) ReapInterval() time.Duration {
	return time.Duration(c.ReapIntervalSecs) * time.Second
}

func (c *Config) ReadyTimeout() time.Duration {
	return time.Duration(c.ReadyTimeoutSecs) * time.Second
}

// ClampTimeout bounds a requested timeout to the configured window,
// substituting the default when unset.
func (c *Config) ClampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		d = time.Duration(c.DefaultTimeoutSecs) * time.Second
	}
	min := time.Duration(c.MinTimeoutSecs) * time.Second
	max := time.Duration(c.MaxTimeoutSecs) * time.Second
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		HistoryDBPath:      "./crisol.db",
		MaxSessions:        10,
		SessionIdleSeconds: 3600,
		ReapIntervalSecs:   300,
		ReadyTimeoutSecs:   30,
		DefaultTimeoutSecs: 30,
		MaxTimeoutSecs:     120,
		MinTimeoutSecs:     1,
		Limits: Limits{
			MemLimit:       "512MB",
			CPUTimeSeconds: 60,
			OpenFiles:      20,
		},
		Runtimes: make(map[string]string),
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if _, err := cfg.Limits.MemLimitBytes(); err != nil {
		return nil, err
	}
	if cfg.MaxSessions <= 0 {
		return nil, fmt.Errorf("max_sessions must be positive, got %d", cfg.MaxSessions)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CRISOL_WORK_DIR"); v != "" {
		cfg.WorkDir = v
	}
	if v := os.Getenv("CRISOL_HISTORY_DB_PATH"); v != "" {
		cfg.HistoryDBPath = v
	}
	if v := os.Getenv("CRISOL_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSessions = n
		}
	}
	if v := os.Getenv("CRISOL_SESSION_IDLE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SessionIdleSeconds = n
		}
	}
	if v := os.Getenv("CRISOL_REAP_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReapIntervalSecs = n
		}
	}
	if v := os.Getenv("CRISOL_MEM_LIMIT"); v != "" {
		cfg.Limits.MemLimit = v
	}
	if v := os.Getenv("CRISOL_CPU_TIME_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.CPUTimeSeconds = n
		}
	}
	if v := os.Getenv("CRISOL_OPEN_FILES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.OpenFiles = n
		}
	}
}
