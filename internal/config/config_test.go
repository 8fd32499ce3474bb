package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 10000, cfg.Bucketing.TotalSlots)
	assert.Equal(t, "etcd", cfg.RecordStore.Driver)
	assert.Equal(t, time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, uint(5), cfg.RecordStore.MaxRetries)
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
server:
  environment: prod
record_store:
  driver: memory
bucketing:
  total_slots: 1000
auth:
  users:
    - username: alice
      password_hash: "$2a$10$abc"
      role: reviewer
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("EXPFLOW_SCHEDULER_CONCURRENCY", "9")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.Server.Environment)
	assert.Equal(t, "memory", cfg.RecordStore.Driver)
	assert.Equal(t, 1000, cfg.Bucketing.TotalSlots)
	assert.Equal(t, 9, cfg.Scheduler.Concurrency)
	require.Len(t, cfg.Auth.Users, 1)
	assert.Equal(t, "reviewer", cfg.Auth.Users[0].Role)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero slots", func(c *Config) { c.Bucketing.TotalSlots = 0 }},
		{"zero interval", func(c *Config) { c.Scheduler.Interval = 0 }},
		{"short lease", func(c *Config) { c.Scheduler.LeaseTTL = time.Millisecond }},
		{"unknown driver", func(c *Config) { c.RecordStore.Driver = "kinto" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{
				RecordStore: RecordStoreConfig{Driver: "etcd"},
				Bucketing:   BucketingConfig{TotalSlots: 10000},
				Scheduler:   SchedulerConfig{Interval: time.Minute, LeaseTTL: 10 * time.Second},
				Workers:     WorkersConfig{OutboxInterval: time.Second},
			}
			require.NoError(t, c.Validate())
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
