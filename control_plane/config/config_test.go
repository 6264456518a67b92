package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Store.Backend != "memory" {
		t.Errorf("backend = %q", c.Store.Backend)
	}
	if c.Schedule.PoolSize != 3 {
		t.Errorf("pool size = %d", c.Schedule.PoolSize)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	data := []byte("listen_addr: \":9090\"\nrouter:\n  drain_all: true\n  drain_interval: 10s\nworker:\n  stale_threshold: 90s\ndeployment:\n  desired:\n    database: true\n    workers: 3\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.ListenAddr != ":9090" {
		t.Errorf("listen addr = %q", c.ListenAddr)
	}
	if !c.Router.DrainAll || c.Router.DrainInterval.Std() != 10*time.Second {
		t.Errorf("router = %+v", c.Router)
	}
	if c.Worker.StaleThreshold.Std() != 90*time.Second {
		t.Errorf("stale threshold = %v", c.Worker.StaleThreshold)
	}
	if !c.Deployment.Desired.Database || c.Deployment.Desired.Workers != 3 {
		t.Errorf("deployment = %+v", c.Deployment.Desired)
	}
	// Untouched fields keep defaults.
	if c.Worker.OfflineThreshold.Std() != 5*time.Minute {
		t.Errorf("offline threshold = %v", c.Worker.OfflineThreshold)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("FLEET_STORE_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "redis.internal:6379")
	t.Setenv("FLEET_DEPLOY_WORKERS", "7")

	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Store.Backend != "redis" || c.Store.RedisAddr != "redis.internal:6379" {
		t.Errorf("store = %+v", c.Store)
	}
	if c.Deployment.Desired.Workers != 7 {
		t.Errorf("workers = %d", c.Deployment.Desired.Workers)
	}
}

func TestValidateRejectsBadBackend(t *testing.T) {
	t.Setenv("FLEET_STORE_BACKEND", "etcd")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestValidatePostgresNeedsDSN(t *testing.T) {
	t.Setenv("FLEET_STORE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for postgres without DSN")
	}
}
