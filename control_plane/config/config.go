package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/llathrop/ansible-fleet/control_plane/deployment"
)

// Duration parses YAML scalars like "90s" or "5m". Plain integers read
// as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the control plane configuration. Values load from an optional
// YAML file, then environment variables override.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	Store struct {
		Backend     string `yaml:"backend"` // memory, redis, postgres
		RedisAddr   string `yaml:"redis_addr"`
		PostgresDSN string `yaml:"postgres_dsn"`
	} `yaml:"store"`

	Router struct {
		DrainAll      bool     `yaml:"drain_all"`
		DrainInterval Duration `yaml:"drain_interval"`
	} `yaml:"router"`

	Worker struct {
		CheckinInterval  Duration `yaml:"checkin_interval"`
		StaleThreshold   Duration `yaml:"stale_threshold"`
		OfflineThreshold Duration `yaml:"offline_threshold"`
		LocalMaxJobs     int      `yaml:"local_max_jobs"`
	} `yaml:"worker"`

	Schedule struct {
		PoolSize   int `yaml:"pool_size"`
		HistoryMax int `yaml:"history_max"`
	} `yaml:"schedule"`

	Deployment struct {
		Desired      deployment.Desired `yaml:"desired"`
		DatabaseAddr string             `yaml:"database_addr"`
		AgentURL     string             `yaml:"agent_url"`
	} `yaml:"deployment"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	var c Config
	c.ListenAddr = ":8080"
	c.Store.Backend = "memory"
	c.Store.RedisAddr = "localhost:6379"
	c.Router.DrainInterval = Duration(5 * time.Second)
	c.Worker.CheckinInterval = Duration(30 * time.Second)
	c.Worker.StaleThreshold = Duration(time.Minute)
	c.Worker.OfflineThreshold = Duration(5 * time.Minute)
	c.Worker.LocalMaxJobs = 2
	c.Schedule.PoolSize = 3
	c.Schedule.HistoryMax = 1000
	return c
}

// Load reads the YAML file at path when it exists, then applies
// environment overrides. An empty path skips the file entirely.
func Load(path string) (Config, error) {
	c := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return c, fmt.Errorf("parse config: %w", err)
		}
	}

	c.applyEnv()
	return c, c.validate()
}

func (c *Config) applyEnv() {
	envStr(&c.ListenAddr, "FLEET_LISTEN_ADDR")
	envStr(&c.Store.Backend, "FLEET_STORE_BACKEND")
	envStr(&c.Store.RedisAddr, "REDIS_ADDR")
	envStr(&c.Store.PostgresDSN, "DATABASE_URL")
	envBool(&c.Router.DrainAll, "FLEET_DRAIN_ALL")
	envInt(&c.Schedule.PoolSize, "FLEET_SCHEDULE_POOL")
	envInt(&c.Worker.LocalMaxJobs, "FLEET_LOCAL_MAX_JOBS")
	envBool(&c.Deployment.Desired.Database, "FLEET_DEPLOY_DB")
	envBool(&c.Deployment.Desired.Agent, "FLEET_DEPLOY_AGENT")
	envInt(&c.Deployment.Desired.Workers, "FLEET_DEPLOY_WORKERS")
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "postgres" && c.Store.PostgresDSN == "" {
		return fmt.Errorf("postgres backend requires a DSN")
	}
	if c.Schedule.PoolSize < 1 {
		return fmt.Errorf("schedule pool size must be positive")
	}
	return nil
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
