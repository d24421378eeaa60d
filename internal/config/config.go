// Package config loads the YAML configuration for portaljobs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"portaljobs/internal/domain"
	"portaljobs/internal/scheduler"
)

const (
	EnvTriggerSecret = "PORTALJOBS_TRIGGER_SECRET"
	EnvGatewayToken  = "PORTALJOBS_GATEWAY_TOKEN"
)

// JobConfig is the per-job schedule and lock settings.
// A job entry in the file replaces the default entry for that job.
type JobConfig struct {
	Disabled bool          `yaml:"disabled"`
	Schedule string        `yaml:"schedule"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

type Config struct {
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // console or json
	} `yaml:"log"`

	Server struct {
		Addr          string   `yaml:"addr"`
		TriggerSecret string   `yaml:"trigger_secret"`
		AllowedIPs    []string `yaml:"allowed_ips"`
		// Forwarding headers are honored only from these peers.
		TrustedProxies []string `yaml:"trusted_proxies"`
	} `yaml:"server"`

	Scheduler struct {
		Enabled       bool          `yaml:"enabled"`
		CheckInterval time.Duration `yaml:"check_interval"`
		Workers       int           `yaml:"workers"`
		MaxAttempts   int           `yaml:"max_attempts"`
		TimeZone      string        `yaml:"time_zone"`
	} `yaml:"scheduler"`

	Lock struct {
		Backend    string        `yaml:"backend"` // sqlite, file or redis
		DefaultTTL time.Duration `yaml:"default_ttl"`
		Dir        string        `yaml:"dir"`
		Redis      struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"lock"`

	Jobs map[string]JobConfig `yaml:"jobs"`

	Reconcile struct {
		BatchLimit int `yaml:"batch_limit"`
	} `yaml:"reconcile"`

	Gateway struct {
		BaseURL          string        `yaml:"base_url"`
		Token            string        `yaml:"token"`
		Timeout          time.Duration `yaml:"timeout"`
		BreakerFailures  uint32        `yaml:"breaker_failures"`
		BreakerOpenDelay time.Duration `yaml:"breaker_open_delay"`
	} `yaml:"gateway"`

	Notify struct {
		Channels        []string      `yaml:"channels"`
		MaxAge          time.Duration `yaml:"max_age"`
		MaxBatch        int           `yaml:"max_batch"`
		SystemRetention time.Duration `yaml:"system_retention"`
		LogRetention    time.Duration `yaml:"log_retention"`
		DigestHour      int           `yaml:"digest_hour"`
		Breaker         struct {
			Failures  uint32        `yaml:"failures"`
			OpenDelay time.Duration `yaml:"open_delay"`
		} `yaml:"breaker"`
	} `yaml:"notify"`
}

// Default returns a configuration that runs locally with no external services.
func Default() *Config {
	var c Config
	c.Database.Path = "portaljobs.db"
	c.Log.Level = "info"
	c.Log.Format = "console"
	c.Server.Addr = ":8080"

	c.Scheduler.Enabled = true
	c.Scheduler.CheckInterval = 30 * time.Second
	c.Scheduler.Workers = 3
	c.Scheduler.MaxAttempts = 3
	c.Scheduler.TimeZone = "UTC"

	c.Lock.Backend = "sqlite"
	c.Lock.DefaultTTL = 30 * time.Second
	c.Lock.Dir = "locks"
	c.Lock.Redis.Addr = "localhost:6379"
	c.Lock.Redis.Prefix = "portaljobs:lock:"

	c.Jobs = map[string]JobConfig{
		"withdrawal-reconcile": {Schedule: "*/5 * * * *"},
		"monthly-allocation":   {Schedule: "5 0 1 * *"},
		"notification-retry":   {Schedule: "*/15 * * * *"},
	}

	c.Reconcile.BatchLimit = 50

	c.Gateway.Timeout = 30 * time.Second
	c.Gateway.BreakerFailures = 5
	c.Gateway.BreakerOpenDelay = time.Minute

	c.Notify.Channels = []string{"sms", "email"}
	c.Notify.MaxAge = 24 * time.Hour
	c.Notify.MaxBatch = 20
	c.Notify.SystemRetention = 30 * 24 * time.Hour
	c.Notify.LogRetention = 90 * 24 * time.Hour
	c.Notify.DigestHour = 8
	c.Notify.Breaker.Failures = 5
	c.Notify.Breaker.OpenDelay = time.Minute
	return &c
}

// Load reads path over the defaults. A missing file yields the defaults.
// Secrets from the environment win over the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if v := os.Getenv(EnvTriggerSecret); v != "" {
		cfg.Server.TriggerSecret = v
	}
	if v := os.Getenv(EnvGatewayToken); v != "" {
		cfg.Gateway.Token = v
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	switch c.Lock.Backend {
	case "sqlite":
	case "file":
		if c.Lock.Dir == "" {
			errs = append(errs, errors.New("lock.dir is required for the file backend"))
		}
	case "redis":
		if c.Lock.Redis.Addr == "" {
			errs = append(errs, errors.New("lock.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("lock.backend must be sqlite, file or redis, got %q", c.Lock.Backend))
	}
	if _, err := time.LoadLocation(c.Scheduler.TimeZone); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.time_zone: %w", err))
	}
	if c.Scheduler.CheckInterval <= 0 {
		errs = append(errs, errors.New("scheduler.check_interval must be positive"))
	}
	if c.Scheduler.Workers <= 0 {
		errs = append(errs, errors.New("scheduler.workers must be positive"))
	}
	if c.Reconcile.BatchLimit <= 0 {
		errs = append(errs, errors.New("reconcile.batch_limit must be positive"))
	}
	if c.Notify.MaxBatch <= 0 {
		errs = append(errs, errors.New("notify.max_batch must be positive"))
	}
	if c.Notify.MaxAge <= 0 {
		errs = append(errs, errors.New("notify.max_age must be positive"))
	}
	if c.Notify.DigestHour > 23 {
		errs = append(errs, fmt.Errorf("notify.digest_hour must be below 24, got %d", c.Notify.DigestHour))
	}
	for _, ch := range c.Notify.Channels {
		if !domain.Channel(strings.ToLower(ch)).Valid() {
			errs = append(errs, fmt.Errorf("notify.channels: unknown channel %q", ch))
		}
	}
	for name, j := range c.Jobs {
		if j.Schedule == "" {
			continue
		}
		if err := scheduler.ValidateCronExpression(j.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("jobs.%s.schedule: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) Channels() []domain.Channel {
	out := make([]domain.Channel, 0, len(c.Notify.Channels))
	for _, ch := range c.Notify.Channels {
		out = append(out, domain.Channel(strings.ToLower(ch)))
	}
	return out
}

// Job returns the settings for name. Unknown jobs get the default lock TTL
// and no schedule.
func (c *Config) Job(name string) JobConfig {
	if j, ok := c.Jobs[name]; ok {
		if j.LockTTL <= 0 {
			j.LockTTL = c.Lock.DefaultTTL
		}
		return j
	}
	return JobConfig{LockTTL: c.Lock.DefaultTTL}
}
