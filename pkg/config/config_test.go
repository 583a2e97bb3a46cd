package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 5*time.Minute, cfg.Queue.LeaseDuration)
	assert.Equal(t, 5*time.Minute, cfg.Queue.RetryBoost)
	assert.Equal(t, 30*time.Second, cfg.Leader.LeaseDuration)
	assert.Equal(t, time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, 3, cfg.Worker.MaxRetries)
	assert.Equal(t, 10, cfg.Worker.StatusFailureLimit)
	assert.True(t, cfg.Recovery.OnStartup)
	assert.Equal(t, 5*time.Second, cfg.Workflow.ReleaseInterval)
	assert.Equal(t, 500, cfg.Workflow.BatchSize)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention.Window)
	assert.Equal(t, PolicySourceFile, cfg.Policy.Source)
	assert.Equal(t, []string{"jobs:*"}, cfg.Policy.Default.AllowedOperations)
	assert.Equal(t, []string{"sim"}, cfg.Backends.SimNames)
	assert.Empty(t, cfg.Backends.HTTP)
	assert.NotEmpty(t, cfg.Node.ID)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("NODE_ID", "node-a")
	t.Setenv("WORKER_CONCURRENCY", "16")
	t.Setenv("RETENTION_WINDOW", "30d")
	t.Setenv("RECOVERY_ON_STARTUP", "false")
	t.Setenv("POLICY_DEFAULT_FAIR_SHARE_WEIGHT", "0.25")
	t.Setenv("POLICY_DEFAULT_BACKENDS", "sim, ibm-*")
	t.Setenv("BACKEND_HTTP_TARGETS", "ibm-brisbane,ionq-aria")
	t.Setenv("BACKEND_HTTP_IBM_BRISBANE_URL", "https://ibm.example/v1")
	t.Setenv("BACKEND_HTTP_IBM_BRISBANE_TOKEN", "tok")

	cfg := Load()

	assert.Equal(t, "node-a", cfg.Node.ID)
	assert.Equal(t, 16, cfg.Worker.Concurrency)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention.Window)
	assert.False(t, cfg.Recovery.OnStartup)
	assert.Equal(t, 0.25, cfg.Policy.Default.FairShareWeight)
	assert.Equal(t, []string{"sim", "ibm-*"}, cfg.Policy.Default.AllowedBackends)

	// Targets without a URL are skipped.
	assert.Equal(t, []HTTPBackend{{Name: "ibm-brisbane", BaseURL: "https://ibm.example/v1", Token: "tok"}}, cfg.Backends.HTTP)
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "many")
	t.Setenv("QUEUE_LEASE_DURATION", "soon")
	t.Setenv("RETENTION_WINDOW", "xd")

	cfg := Load()
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 5*time.Minute, cfg.Queue.LeaseDuration)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention.Window)
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5433, User: "u", Password: "p", Name: "qorch", SSLMode: "require"}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=qorch sslmode=require", d.DSN())
	assert.Equal(t, "cache:6380", RedisConfig{Host: "cache", Port: 6380}.Address())
}
