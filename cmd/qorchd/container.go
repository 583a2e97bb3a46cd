// cmd/qorchd/container.go
//
// Composition root. Owns infrastructure (DB, Redis, metrics registry) and
// wires every orchestrator module. This is the only place that knows about
// all of them.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Abraxas-365/qorch/pkg/api"
	"github.com/Abraxas-365/qorch/pkg/backend"
	"github.com/Abraxas-365/qorch/pkg/backend/backendhttp"
	"github.com/Abraxas-365/qorch/pkg/backend/backendsim"
	"github.com/Abraxas-365/qorch/pkg/config"
	"github.com/Abraxas-365/qorch/pkg/fsx/fsxs3"
	"github.com/Abraxas-365/qorch/pkg/jobx"
	"github.com/Abraxas-365/qorch/pkg/jobx/jobxmem"
	"github.com/Abraxas-365/qorch/pkg/jobx/jobxpg"
	"github.com/Abraxas-365/qorch/pkg/leader"
	"github.com/Abraxas-365/qorch/pkg/leader/leaderredis"
	"github.com/Abraxas-365/qorch/pkg/logx"
	"github.com/Abraxas-365/qorch/pkg/metrics"
	"github.com/Abraxas-365/qorch/pkg/policy"
	"github.com/Abraxas-365/qorch/pkg/policy/policypg"
	"github.com/Abraxas-365/qorch/pkg/queue/queueredis"
	"github.com/Abraxas-365/qorch/pkg/recovery"
	"github.com/Abraxas-365/qorch/pkg/sched"
	"github.com/Abraxas-365/qorch/pkg/sched/schedredis"
	"github.com/Abraxas-365/qorch/pkg/service"
	"github.com/Abraxas-365/qorch/pkg/worker"
	"github.com/Abraxas-365/qorch/pkg/workflow"
	"github.com/WatchBeam/clock"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

const storeDriverMemory = "memory"

// Container holds shared infrastructure and the composed modules.
type Container struct {
	Config *config.Config

	// Infrastructure
	DB       *sqlx.DB
	Redis    *redis.Client
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	// Modules
	Store    jobx.Store
	Queue    *queueredis.RedisQueue
	Backends *backend.Registry
	Policies *policy.Registry
	Reloader *policy.Reloader
	Gate     *sched.Gate
	Worker   *worker.Worker
	Recovery *recovery.Manager
	Releaser *workflow.Releaser
	Selector *leader.Selector
	Jobs     *service.JobService
	Tokens   *api.TokenService

	policySource policy.Source
}

func NewContainer(cfg *config.Config) *Container {
	logx.Info("🔧 Initializing orchestrator container...")

	c := &Container{Config: cfg}

	c.initInfrastructure()
	c.initModules()

	logx.WithField("node", cfg.Node.ID).Info("✅ Orchestrator container initialized")
	return c
}

// ---------------------------------------------------------------------------
// Infrastructure: DB, Redis, metrics
// ---------------------------------------------------------------------------

func (c *Container) initInfrastructure() {
	logx.Info("🏗️ Initializing infrastructure...")

	// 1. Database
	if c.usesPostgres() {
		db, err := sqlx.Connect("postgres", c.Config.Database.DSN())
		if err != nil {
			logx.Fatalf("Failed to connect to database: %v", err)
		}
		db.SetMaxOpenConns(c.Config.Database.MaxOpenConns)
		db.SetMaxIdleConns(c.Config.Database.MaxIdleConns)
		db.SetConnMaxLifetime(c.Config.Database.ConnMaxLifetime)
		c.DB = db
		logx.Info("  ✅ Database connected")
	} else {
		logx.Warn("  ⚠️ STORE_DRIVER=memory: job records do not survive a restart")
	}

	// 2. Redis
	c.Redis = redis.NewClient(&redis.Options{
		Addr:     c.Config.Redis.Address(),
		Password: c.Config.Redis.Password,
		DB:       c.Config.Redis.DB,
	})
	if _, err := c.Redis.Ping(context.Background()).Result(); err != nil {
		logx.Fatalf("Failed to connect to Redis: %v (Redis is required)", err)
	}
	logx.Info("  ✅ Redis connected")

	// 3. Metrics
	c.Registry = prometheus.NewRegistry()
	c.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.Metrics = metrics.New(c.Registry)

	logx.Info("✅ Infrastructure initialized")
}

func (c *Container) usesPostgres() bool {
	return c.Config.Node.StoreDriver != storeDriverMemory
}

// ---------------------------------------------------------------------------
// Module composition
// ---------------------------------------------------------------------------

func (c *Container) initModules() {
	logx.Info("📦 Initializing modules...")
	cfg := c.Config

	// Job store
	if c.usesPostgres() {
		c.Store = jobxpg.NewStore(c.DB, jobxpg.WithRetryBudget(cfg.Database.RetryBudget))
	} else {
		c.Store = jobxmem.New(clock.C)
	}

	// Queue
	c.Queue = queueredis.NewRedisQueue(c.Redis,
		queueredis.WithPrefix(cfg.Queue.KeyPrefix),
		queueredis.WithLeaseDuration(cfg.Queue.LeaseDuration),
		queueredis.WithRetryBoost(cfg.Queue.RetryBoost),
	)

	c.initBackends()
	c.initPolicies()

	// Scheduler
	usage := schedredis.New(c.Redis,
		schedredis.WithPrefix(cfg.Fairness.KeyPrefix),
		schedredis.WithUsageWindow(cfg.Fairness.Window),
	)
	c.Gate = sched.NewGate(c.Policies, c.Backends, c.Store, usage, usage,
		sched.WithMinSamples(int64(cfg.Fairness.MinSamples)),
		sched.WithRejectionObserver(c.Metrics.JobRejected),
	)

	// Worker
	c.Worker = worker.New(c.Store, c.Queue, c.Backends,
		worker.WithWorkerID(cfg.Node.ID),
		worker.WithConcurrency(cfg.Worker.Concurrency),
		worker.WithPollInterval(cfg.Worker.PollInterval),
		worker.WithShutdownTimeout(cfg.Worker.ShutdownTimeout),
		worker.WithStatusPolling(cfg.Worker.StatusPollInterval, cfg.Worker.MaxStatusPollInterval),
		worker.WithMaxRetries(cfg.Worker.MaxRetries),
		worker.WithStatusFailureLimit(cfg.Worker.StatusFailureLimit),
		worker.WithLeaseDuration(cfg.Queue.LeaseDuration),
		worker.WithMetrics(c.Metrics),
		worker.WithOnFinished(c.recordCompletion),
	)

	// Recovery
	c.Recovery = c.newRecovery(c.Worker)
	c.Releaser = workflow.NewReleaser(c.Store, c.Queue, workflow.WithBatchSize(cfg.Workflow.BatchSize))

	c.initLeadership()

	// Service and HTTP auth
	c.Jobs = service.NewJobService(c.Store, c.Queue, c.Gate, c.Backends,
		service.WithLocalCanceler(c.Worker),
		service.WithMetrics(c.Metrics),
	)
	if cfg.HTTP.JWTSecret != "" {
		c.Tokens = api.NewTokenService(cfg.HTTP.JWTSecret, cfg.HTTP.TokenTTL, cfg.HTTP.JWTIssuer)
	}

	logx.Info("✅ Modules initialized")
}

// newRecovery builds a recovery manager. Without an attacher, jobs still
// executing on their backend are handed to the queue for the next claimer.
func (c *Container) newRecovery(attacher recovery.Attacher) *recovery.Manager {
	cfg := c.Config.Recovery
	opts := []recovery.Option{
		recovery.WithBatchSize(cfg.BatchSize),
		recovery.WithConcurrency(cfg.Concurrency),
		recovery.WithJobTimeout(cfg.JobTimeout),
		recovery.WithStaleAfter(cfg.StaleAfter),
		recovery.WithMetrics(c.Metrics),
		recovery.WithOnCompleted(c.recordCompletion),
	}
	if attacher != nil {
		opts = append(opts, recovery.WithAttacher(attacher))
	}
	return recovery.NewManager(c.Store, c.Queue, c.Backends, opts...)
}

// recordCompletion feeds finished work into fair-share usage.
func (c *Container) recordCompletion(ctx context.Context, job *jobx.Job) {
	if job.State == jobx.StateCompleted && c.Gate != nil {
		c.Gate.RecordCompletion(ctx, job.Owner)
	}
}

func (c *Container) initBackends() {
	cfg := c.Config.Backends
	c.Backends = backend.NewRegistry()

	for _, name := range cfg.SimNames {
		c.Backends.Register(backendsim.New(name))
		logx.Infof("  ✅ Simulator backend %q registered", name)
	}

	settings := backend.DefaultBreakerSettings()
	if cfg.BreakerFailures > 0 {
		settings.FailureThreshold = cfg.BreakerFailures
	}
	if cfg.BreakerOpenTimeout > 0 {
		settings.OpenTimeout = cfg.BreakerOpenTimeout
	}
	for _, target := range cfg.HTTP {
		client, err := backendhttp.New(backendhttp.Config{
			Name:     target.Name,
			BaseURL:  target.BaseURL,
			Token:    target.Token,
			Timeout:  cfg.HTTPTimeout,
			RetryMax: cfg.HTTPRetryMax,
		})
		if err != nil {
			logx.Fatalf("Invalid backend %q: %v", target.Name, err)
		}
		c.Backends.Register(backend.NewBreaker(client, settings))
		logx.Infof("  ✅ HTTP backend %q registered (%s)", target.Name, target.BaseURL)
	}

	if len(c.Backends.Names()) == 0 {
		logx.Warn("  ⚠️ No backends configured: every submission will be rejected")
	}
}

func (c *Container) initPolicies() {
	cfg := c.Config.Policy
	c.Policies = policy.NewRegistry(cfg.Default)

	switch cfg.Source {
	case config.PolicySourcePostgres:
		if !c.usesPostgres() {
			logx.Fatalf("POLICY_SOURCE=postgres requires STORE_DRIVER=postgres")
		}
		c.policySource = policypg.NewStore(c.DB, clock.C)
	case config.PolicySourceS3:
		if cfg.S3Bucket == "" || cfg.File == "" {
			logx.Fatalf("POLICY_SOURCE=s3 requires POLICY_S3_BUCKET and POLICY_FILE")
		}
		awsCfg, err := awsConfig.LoadDefaultConfig(context.TODO(), awsConfig.WithRegion(cfg.S3Region))
		if err != nil {
			logx.Fatalf("Unable to load AWS SDK config: %v", err)
		}
		bucket := fsxs3.New(s3.NewFromConfig(awsCfg), cfg.S3Bucket, cfg.S3Prefix)
		c.policySource = policy.NewDocumentSource(bucket, cfg.File)
		logx.Infof("  ✅ Policy bucket configured (bucket: %s, region: %s)", cfg.S3Bucket, cfg.S3Region)
	case config.PolicySourceFile:
		if cfg.File != "" {
			c.policySource = policy.NewFileSource(cfg.File)
		}
	default:
		logx.Fatalf("Unknown POLICY_SOURCE: %s (use 'file', 's3' or 'postgres')", cfg.Source)
	}

	if c.policySource == nil {
		logx.Info("  ✅ Policies: default policy only")
		return
	}
	c.Reloader = policy.NewReloader(c.Policies, c.policySource, cfg.ReloadInterval)
	if err := c.Reloader.Reload(context.Background()); err != nil {
		logx.WithError(err).Warn("  ⚠️ Initial policy load failed, serving the default policy")
	} else {
		logx.Infof("  ✅ Policies loaded (%d client policies)", len(c.Policies.Snapshot()))
	}
}

// initLeadership registers the cluster-wide duties that only the leader runs.
func (c *Container) initLeadership() {
	cfg := c.Config
	elector := leaderredis.NewElector(c.Redis, cfg.Leader.Key, cfg.Leader.LeaseDuration)
	c.Selector = leader.NewSelector(elector, cfg.Node.ID,
		leader.WithInterval(cfg.Leader.LeaseDuration/3),
		leader.WithObserver(c.Metrics.SetLeader),
	)

	c.Selector.AddDuty(leader.Duty{
		Name:         "recovery",
		Interval:     cfg.Recovery.Interval,
		RunOnAcquire: cfg.Recovery.OnStartup,
		Fn: func(ctx context.Context) error {
			_, err := c.Recovery.RecoverOrphanedJobs(ctx)
			return err
		},
	})

	c.Selector.AddDuty(leader.Duty{
		Name:         "dependencies",
		Interval:     cfg.Workflow.ReleaseInterval,
		RunOnAcquire: true,
		Fn: func(ctx context.Context) error {
			_, err := c.Releaser.Sweep(ctx)
			return err
		},
	})

	c.Selector.AddDuty(leader.Duty{
		Name:     "retention",
		Interval: cfg.Retention.SweepInterval,
		Fn: func(ctx context.Context) error {
			n, err := c.Store.DeleteRetired(ctx, time.Now().Add(-cfg.Retention.Window))
			if err != nil {
				return err
			}
			if n > 0 {
				logx.WithField("deleted", n).Info("retention: retired jobs purged")
			}
			return nil
		},
	})

	c.Selector.AddDuty(leader.Duty{
		Name:         "queue-depth",
		Interval:     cfg.Leader.DepthInterval,
		RunOnAcquire: true,
		Fn: func(ctx context.Context) error {
			depth, err := c.Queue.Depth(ctx)
			if err != nil {
				return err
			}
			c.Metrics.SetQueueDepth(depth)
			return nil
		},
	})

	if cfg.Policy.Source == config.PolicySourcePostgres && cfg.Policy.File != "" {
		store := c.policySource.(*policypg.Store)
		file := policy.NewFileSource(cfg.Policy.File)
		c.Selector.AddDuty(leader.Duty{
			Name:         "policy-sync",
			Interval:     cfg.Policy.ReloadInterval,
			RunOnAcquire: true,
			Fn: func(ctx context.Context) error {
				return store.Sync(ctx, file)
			},
		})
	}
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func (c *Container) HealthChecks() map[string]api.HealthCheck {
	checks := map[string]api.HealthCheck{
		"redis": func(ctx context.Context) error {
			return c.Redis.Ping(ctx).Err()
		},
	}
	if c.DB != nil {
		checks["database"] = func(ctx context.Context) error {
			return c.DB.PingContext(ctx)
		}
	}
	return checks
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func (c *Container) Cleanup() {
	logx.Info("🧹 Cleaning up resources...")

	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			logx.Errorf("Error closing database: %v", err)
		} else {
			logx.Info("  ✅ Database connection closed")
		}
	}

	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			logx.Errorf("Error closing Redis: %v", err)
		} else {
			logx.Info("  ✅ Redis connection closed")
		}
	}

	logx.Info("✅ Cleanup complete")
}

func banner(title string) {
	line := repeatString("=", 60)
	logx.Info(line)
	logx.Info(title)
	logx.Info(line)
}

func repeatString(s string, count int) string {
	result := ""
	for range count {
		result += s
	}
	return result
}

func describeBackends(r *backend.Registry) string {
	names := r.Names()
	if len(names) == 0 {
		return "none"
	}
	return fmt.Sprint(names)
}
