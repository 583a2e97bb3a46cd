package config

import (
	"os"
	"strings"
	"time"

	"github.com/Abraxas-365/qorch/pkg/policy"
)

type QueueConfig struct {
	KeyPrefix     string
	LeaseDuration time.Duration
	RetryBoost    time.Duration
}

func loadQueueConfig() QueueConfig {
	return QueueConfig{
		KeyPrefix:     getEnv("QUEUE_KEY_PREFIX", "qorch:queue"),
		LeaseDuration: getEnvDuration("QUEUE_LEASE_DURATION", 5*time.Minute),
		RetryBoost:    getEnvDuration("QUEUE_RETRY_BOOST", 5*time.Minute),
	}
}

type LeaderConfig struct {
	Key           string
	LeaseDuration time.Duration
	// DepthInterval is how often the leader publishes queue depth.
	DepthInterval time.Duration
}

func loadLeaderConfig() LeaderConfig {
	return LeaderConfig{
		Key:           getEnv("LEADER_KEY", "qorch:leader"),
		LeaseDuration: getEnvDuration("LEADER_LEASE_DURATION", 30*time.Second),
		DepthInterval: getEnvDuration("LEADER_DEPTH_INTERVAL", 15*time.Second),
	}
}

type WorkerConfig struct {
	Enabled               bool
	Concurrency           int
	PollInterval          time.Duration
	MaxRetries            int
	StatusPollInterval    time.Duration
	MaxStatusPollInterval time.Duration
	StatusFailureLimit    int
	ShutdownTimeout       time.Duration
}

func loadWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Enabled:               getEnvBool("WORKER_ENABLED", true),
		Concurrency:           getEnvInt("WORKER_CONCURRENCY", 4),
		PollInterval:          getEnvDuration("WORKER_POLL_INTERVAL", time.Second),
		MaxRetries:            getEnvInt("WORKER_MAX_RETRIES", 3),
		StatusPollInterval:    getEnvDuration("WORKER_STATUS_POLL_INTERVAL", 2*time.Second),
		MaxStatusPollInterval: getEnvDuration("WORKER_MAX_STATUS_POLL_INTERVAL", 30*time.Second),
		StatusFailureLimit:    getEnvInt("WORKER_STATUS_FAILURE_LIMIT", 10),
		ShutdownTimeout:       getEnvDuration("WORKER_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

type RecoveryConfig struct {
	OnStartup   bool
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	JobTimeout  time.Duration
	StaleAfter  time.Duration
}

func loadRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		OnStartup:   getEnvBool("RECOVERY_ON_STARTUP", true),
		Interval:    getEnvDuration("RECOVERY_INTERVAL", 5*time.Minute),
		BatchSize:   getEnvInt("RECOVERY_BATCH_SIZE", 500),
		Concurrency: getEnvInt("RECOVERY_CONCURRENCY", 8),
		JobTimeout:  getEnvDuration("RECOVERY_JOB_TIMEOUT", 30*time.Second),
		StaleAfter:  getEnvDuration("RECOVERY_STALE_AFTER", time.Minute),
	}
}

type WorkflowConfig struct {
	// ReleaseInterval is how often the leader releases jobs whose
	// dependencies have settled.
	ReleaseInterval time.Duration
	BatchSize       int
}

func loadWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		ReleaseInterval: getEnvDuration("DEPENDENCY_RELEASE_INTERVAL", 5*time.Second),
		BatchSize:       getEnvInt("DEPENDENCY_BATCH_SIZE", 500),
	}
}

type RetentionConfig struct {
	Window        time.Duration
	SweepInterval time.Duration
}

func loadRetentionConfig() RetentionConfig {
	return RetentionConfig{
		Window:        getEnvDuration("RETENTION_WINDOW", 7*24*time.Hour),
		SweepInterval: getEnvDuration("RETENTION_SWEEP_INTERVAL", time.Hour),
	}
}

const (
	PolicySourceFile     = "file"
	PolicySourceS3       = "s3"
	PolicySourcePostgres = "postgres"
)

type PolicyConfig struct {
	File           string
	Source         string
	ReloadInterval time.Duration

	// S3 locates the document when Source is "s3"; File is then the object key.
	S3Bucket string
	S3Prefix string
	S3Region string

	// Default applies to clients no policy matches.
	Default policy.ClientPolicy
}

func loadPolicyConfig() PolicyConfig {
	return PolicyConfig{
		File:           getEnv("POLICY_FILE", ""),
		Source:         getEnv("POLICY_SOURCE", PolicySourceFile),
		ReloadInterval: getEnvDuration("POLICY_RELOAD_INTERVAL", 30*time.Second),
		S3Bucket:       getEnv("POLICY_S3_BUCKET", ""),
		S3Prefix:       getEnv("POLICY_S3_PREFIX", ""),
		S3Region:       getEnv("AWS_REGION", "us-east-1"),
		Default: policy.ClientPolicy{
			AllowedOperations: getEnvStringSlice("POLICY_DEFAULT_OPERATIONS", []string{"jobs:*"}),
			AllowedBackends:   getEnvStringSlice("POLICY_DEFAULT_BACKENDS", []string{"*"}),
			MaxQueuedJobs:     getEnvInt("POLICY_DEFAULT_MAX_QUEUED_JOBS", 100),
			RatePerMinute:     getEnvInt("POLICY_DEFAULT_RATE_PER_MINUTE", 60),
			MaxShotsPerJob:    getEnvInt("POLICY_DEFAULT_MAX_SHOTS", 100000),
			FairShareWeight:   getEnvFloat("POLICY_DEFAULT_FAIR_SHARE_WEIGHT", 0),
			PriorityCeiling:   getEnv("POLICY_DEFAULT_PRIORITY_CEILING", "normal"),
		},
	}
}

type FairnessConfig struct {
	Window     time.Duration
	MinSamples int
	KeyPrefix  string
}

func loadFairnessConfig() FairnessConfig {
	return FairnessConfig{
		Window:     getEnvDuration("FAIRNESS_WINDOW", time.Hour),
		MinSamples: getEnvInt("FAIRNESS_MIN_SAMPLES", 20),
		KeyPrefix:  getEnv("FAIRNESS_KEY_PREFIX", "qorch:sched"),
	}
}

type HTTPConfig struct {
	Port      string
	JWTSecret string
	JWTIssuer string
	TokenTTL  time.Duration
	AccessLog bool
	Version   string
}

func loadHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Port:      getEnv("PORT", "8080"),
		JWTSecret: getEnv("JWT_SECRET", ""),
		JWTIssuer: getEnv("JWT_ISSUER", "qorch"),
		TokenTTL:  getEnvDuration("JWT_TOKEN_TTL", time.Hour),
		AccessLog: getEnvBool("HTTP_ACCESS_LOG", true),
		Version:   getEnv("APP_VERSION", "dev"),
	}
}

// HTTPBackend is one remote backend reached over REST.
type HTTPBackend struct {
	Name    string
	BaseURL string
	Token   string
}

type BackendsConfig struct {
	SimNames     []string
	HTTP         []HTTPBackend
	HTTPTimeout  time.Duration
	HTTPRetryMax int

	BreakerFailures    uint32
	BreakerOpenTimeout time.Duration
}

func loadBackendsConfig() BackendsConfig {
	cfg := BackendsConfig{
		SimNames:           getEnvStringSlice("BACKEND_SIM_NAMES", []string{"sim"}),
		HTTPTimeout:        getEnvDuration("BACKEND_HTTP_TIMEOUT", 30*time.Second),
		HTTPRetryMax:       getEnvInt("BACKEND_HTTP_RETRY_MAX", 3),
		BreakerFailures:    uint32(getEnvInt("BACKEND_BREAKER_FAILURES", 5)),
		BreakerOpenTimeout: getEnvDuration("BACKEND_BREAKER_OPEN_TIMEOUT", time.Minute),
	}
	for _, name := range getEnvStringSlice("BACKEND_HTTP_TARGETS", nil) {
		key := "BACKEND_HTTP_" + envName(name)
		url := os.Getenv(key + "_URL")
		if url == "" {
			continue
		}
		cfg.HTTP = append(cfg.HTTP, HTTPBackend{
			Name:    name,
			BaseURL: url,
			Token:   os.Getenv(key + "_TOKEN"),
		})
	}
	return cfg
}

// envName turns a backend name like "ibm-brisbane" into "IBM_BRISBANE".
func envName(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}
