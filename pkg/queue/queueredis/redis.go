// Package queueredis implements the distributed queue on Redis. Every
// mutation is one server-side Lua script, so claims are atomic across nodes.
package queueredis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Abraxas-365/qorch/pkg/jobx"
	"github.com/Abraxas-365/qorch/pkg/kernel"
	"github.com/Abraxas-365/qorch/pkg/logx"
	"github.com/Abraxas-365/qorch/pkg/queue"
	"github.com/WatchBeam/clock"
	"github.com/redis/go-redis/v9"
)

// Options configures the queue.
type Options struct {
	// Prefix namespaces every key. It is wrapped in a hash tag.
	Prefix        string
	LeaseDuration time.Duration
	RetryBoost    time.Duration
	Clock         clock.Clock
}

func defaultOptions() Options {
	return Options{
		Prefix:        "qorch",
		LeaseDuration: queue.DefaultLease,
		RetryBoost:    5 * time.Minute,
		Clock:         clock.C,
	}
}

// Option is a functional option for the queue.
type Option func(*Options)

func WithPrefix(prefix string) Option {
	return func(o *Options) {
		if prefix != "" {
			o.Prefix = prefix
		}
	}
}

func WithLeaseDuration(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.LeaseDuration = d
		}
	}
}

func WithRetryBoost(d time.Duration) Option {
	return func(o *Options) {
		if d >= 0 {
			o.RetryBoost = d
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		if c != nil {
			o.Clock = c
		}
	}
}

// RedisQueue implements queue.Queue backed by Redis.
type RedisQueue struct {
	rdb  redis.UniversalClient
	opts Options
	keys []string
}

var _ queue.Queue = (*RedisQueue)(nil)

// NewRedisQueue creates a new Redis-backed queue.
func NewRedisQueue(rdb redis.UniversalClient, options ...Option) *RedisQueue {
	opts := defaultOptions()
	for _, o := range options {
		o(&opts)
	}
	tag := fmt.Sprintf("{%s}", opts.Prefix)
	return &RedisQueue{
		rdb:  rdb,
		opts: opts,
		keys: []string{
			tag + ":ready",
			tag + ":claims",
			tag + ":owners",
			tag + ":class",
			tag + ":seq",
		},
	}
}

// LeaseDuration returns the configured claim lease.
func (q *RedisQueue) LeaseDuration() time.Duration { return q.opts.LeaseDuration }

func (q *RedisQueue) readyKey() string  { return q.keys[0] }
func (q *RedisQueue) claimsKey() string { return q.keys[1] }
func (q *RedisQueue) ownersKey() string { return q.keys[2] }

func (q *RedisQueue) nowMs() int64 { return q.opts.Clock.Now().UnixMilli() }

func ms(d time.Duration) int64 { return d.Milliseconds() }

const offsetArg = "1000000000000000"

// Enqueue adds or repositions a job in the ready set.
func (q *RedisQueue) Enqueue(ctx context.Context, id kernel.JobID, class jobx.PriorityClass) error {
	err := enqueueScript.Run(ctx, q.rdb, q.keys,
		id.String(), int(class), q.nowMs(), offsetArg,
	).Err()
	if err != nil {
		return queue.StorageUnavailable(err).
			WithDetail("job_id", id.String()).
			WithDetail("op", "enqueue")
	}
	return nil
}

// ClaimNext atomically takes the lowest-score entry and records a claim for workerID.
func (q *RedisQueue) ClaimNext(ctx context.Context, workerID string) (*queue.ClaimResult, error) {
	reply, err := claimNextScript.Run(ctx, q.rdb, q.keys[:4],
		workerID, q.nowMs(), ms(q.opts.LeaseDuration), ms(q.opts.RetryBoost), offsetArg,
	).StringSlice()
	if err != nil {
		return nil, queue.StorageUnavailable(err).
			WithDetail("worker_id", workerID).
			WithDetail("op", "claim_next")
	}
	if len(reply) < 3 || (len(reply)-3)%3 != 0 {
		return nil, queue.MalformedReply("claim_next", reply)
	}

	var lapsed []queue.Claim
	for i := 3; i < len(reply); i += 3 {
		c := queue.Claim{
			JobID:    kernel.JobID(reply[i]),
			WorkerID: reply[i+1],
			Expiry:   parseMs(reply[i+2]),
		}
		logx.WithFields(logx.Fields{
			"job_id":    c.JobID,
			"worker_id": c.WorkerID,
			"expiry":    c.Expiry.Format(time.RFC3339),
		}).Warn("queue: claim lease expired, job re-enqueued")
		lapsed = append(lapsed, c)
	}

	// A lapsed claim is re-enqueued before the pick, so an empty reply has none.
	if reply[0] == "" {
		return nil, queue.Empty()
	}

	class, err := strconv.Atoi(reply[2])
	if err != nil {
		return nil, queue.MalformedReply("claim_next", reply)
	}

	return &queue.ClaimResult{
		Claim: queue.Claim{
			JobID:    kernel.JobID(reply[0]),
			WorkerID: workerID,
			Expiry:   parseMs(reply[1]),
		},
		Priority: jobx.PriorityClass(class),
		Expired:  lapsed,
	}, nil
}

// ClaimJob claims a specific job unless another worker holds a live claim on it.
func (q *RedisQueue) ClaimJob(ctx context.Context, id kernel.JobID, workerID string) (bool, error) {
	n, err := claimJobScript.Run(ctx, q.rdb, q.keys[:3],
		id.String(), workerID, q.nowMs(), ms(q.opts.LeaseDuration),
	).Int()
	if err != nil {
		return false, queue.StorageUnavailable(err).
			WithDetail("job_id", id.String()).
			WithDetail("op", "claim_job")
	}
	return n == 1, nil
}

// Extend renews a live claim held by workerID.
func (q *RedisQueue) Extend(ctx context.Context, id kernel.JobID, workerID string) (bool, error) {
	n, err := extendScript.Run(ctx, q.rdb, q.keys[:3],
		id.String(), workerID, q.nowMs(), ms(q.opts.LeaseDuration),
	).Int()
	if err != nil {
		return false, queue.StorageUnavailable(err).
			WithDetail("job_id", id.String()).
			WithDetail("op", "extend")
	}
	return n == 1, nil
}

// Release drops the claim and re-enqueues the job ahead of later arrivals of its class.
func (q *RedisQueue) Release(ctx context.Context, id kernel.JobID, class jobx.PriorityClass) error {
	err := releaseScript.Run(ctx, q.rdb, q.keys[:4],
		id.String(), int(class), q.nowMs(), ms(q.opts.RetryBoost), offsetArg,
	).Err()
	if err != nil {
		return queue.StorageUnavailable(err).
			WithDetail("job_id", id.String()).
			WithDetail("op", "release")
	}
	return nil
}

// Complete drops the claim permanently.
func (q *RedisQueue) Complete(ctx context.Context, id kernel.JobID) error {
	return q.remove(ctx, id, "complete")
}

// Remove deletes a waiting or claimed job.
func (q *RedisQueue) Remove(ctx context.Context, id kernel.JobID) error {
	return q.remove(ctx, id, "remove")
}

func (q *RedisQueue) remove(ctx context.Context, id kernel.JobID, op string) error {
	if err := removeScript.Run(ctx, q.rdb, q.keys[:4], id.String()).Err(); err != nil {
		return queue.StorageUnavailable(err).
			WithDetail("job_id", id.String()).
			WithDetail("op", op)
	}
	return nil
}

// Owner returns the live claim on id, or nil.
func (q *RedisQueue) Owner(ctx context.Context, id kernel.JobID) (*queue.Claim, error) {
	pipe := q.rdb.Pipeline()
	scoreCmd := pipe.ZScore(ctx, q.claimsKey(), id.String())
	ownerCmd := pipe.HGet(ctx, q.ownersKey(), id.String())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, queue.StorageUnavailable(err).
			WithDetail("job_id", id.String()).
			WithDetail("op", "owner")
	}

	score, err := scoreCmd.Result()
	if err != nil {
		return nil, nil
	}
	worker, err := ownerCmd.Result()
	if err != nil {
		return nil, nil
	}

	c := &queue.Claim{JobID: id, WorkerID: worker, Expiry: time.UnixMilli(int64(score)).UTC()}
	if c.Expired(q.opts.Clock.Now()) {
		return nil, nil
	}
	return c, nil
}

// Contains reports whether id is waiting or claimed (live or lapsed).
func (q *RedisQueue) Contains(ctx context.Context, id kernel.JobID) (bool, error) {
	pipe := q.rdb.Pipeline()
	ready := pipe.ZScore(ctx, q.readyKey(), id.String())
	claimed := pipe.ZScore(ctx, q.claimsKey(), id.String())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return false, queue.StorageUnavailable(err).
			WithDetail("job_id", id.String()).
			WithDetail("op", "contains")
	}
	return ready.Err() == nil || claimed.Err() == nil, nil
}

// Waiting reports whether id is in the ready set.
func (q *RedisQueue) Waiting(ctx context.Context, id kernel.JobID) (bool, error) {
	err := q.rdb.ZScore(ctx, q.readyKey(), id.String()).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, queue.StorageUnavailable(err).
			WithDetail("job_id", id.String()).
			WithDetail("op", "waiting")
	}
	return true, nil
}

// Depth counts waiting entries per priority class.
func (q *RedisQueue) Depth(ctx context.Context) (map[jobx.PriorityClass]int64, error) {
	pipe := q.rdb.Pipeline()
	cmds := make(map[jobx.PriorityClass]*redis.IntCmd, len(jobx.Priorities))
	for _, class := range jobx.Priorities {
		lo := queue.Score(class, 0)
		hi := queue.Score(class+1, 0)
		cmds[class] = pipe.ZCount(ctx, q.readyKey(),
			strconv.FormatFloat(lo, 'f', 0, 64),
			"("+strconv.FormatFloat(hi, 'f', 0, 64),
		)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, queue.StorageUnavailable(err).WithDetail("op", "depth")
	}

	depth := make(map[jobx.PriorityClass]int64, len(cmds))
	for class, cmd := range cmds {
		depth[class] = cmd.Val()
	}
	return depth, nil
}

func parseMs(s string) time.Time {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(int64(f)).UTC()
}
