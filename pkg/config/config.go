// Package config resolves process configuration from the environment once at
// start-up. Components receive the resolved values; nothing reads the
// environment afterwards.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Abraxas-365/qorch/pkg/kernel"
)

// Config is the whole process configuration.
type Config struct {
	Node      NodeConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Queue     QueueConfig
	Leader    LeaderConfig
	Worker    WorkerConfig
	Recovery  RecoveryConfig
	Workflow  WorkflowConfig
	Retention RetentionConfig
	Policy    PolicyConfig
	Fairness  FairnessConfig
	HTTP      HTTPConfig
	Backends  BackendsConfig
}

// NodeConfig identifies this process.
type NodeConfig struct {
	ID    string
	Debug bool

	// StoreDriver is "postgres", or "memory" for a single-process setup.
	StoreDriver string
}

// Load reads every group from the environment.
func Load() *Config {
	return &Config{
		Node:      loadNodeConfig(),
		Database:  loadDatabaseConfig(),
		Redis:     loadRedisConfig(),
		Queue:     loadQueueConfig(),
		Leader:    loadLeaderConfig(),
		Worker:    loadWorkerConfig(),
		Recovery:  loadRecoveryConfig(),
		Workflow:  loadWorkflowConfig(),
		Retention: loadRetentionConfig(),
		Policy:    loadPolicyConfig(),
		Fairness:  loadFairnessConfig(),
		HTTP:      loadHTTPConfig(),
		Backends:  loadBackendsConfig(),
	}
}

func loadNodeConfig() NodeConfig {
	return NodeConfig{
		ID:    getEnv("NODE_ID", kernel.NewNodeID().String()),
		Debug: getEnvBool("DEBUG", false),

		StoreDriver: getEnv("STORE_DRIVER", "postgres"),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

// getEnvDuration accepts Go durations plus a "d" suffix for days.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	if days, ok := strings.CutSuffix(raw, "d"); ok {
		if n, err := strconv.Atoi(days); err == nil {
			return time.Duration(n) * 24 * time.Hour
		}
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}

func getEnvStringSlice(key string, fallback []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
