// Package schedredis keeps admission state in Redis: a sliding-window rate
// limiter and rolling per-client completion counts shared by every node.
package schedredis

import (
	"context"
	"fmt"
	"time"

	"github.com/Abraxas-365/qorch/pkg/kernel"
	"github.com/Abraxas-365/qorch/pkg/sched"
	"github.com/WatchBeam/clock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// allowScript KEYS: window zset. ARGV: now, window, limit, member.
var allowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', string.format('%d', now - window))
if redis.call('ZCARD', KEYS[1]) >= limit then
    return 0
end
redis.call('ZADD', KEYS[1], string.format('%d', now), ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return 1
`)

// recordScript KEYS: client zset, all zset. ARGV: now, window, member.
var recordScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local cutoff = string.format('%d', now - window)

for i = 1, 2 do
    redis.call('ZREMRANGEBYSCORE', KEYS[i], '-inf', cutoff)
    redis.call('ZADD', KEYS[i], string.format('%d', now), ARGV[3])
    redis.call('PEXPIRE', KEYS[i], window)
end
return 1
`)

// usageScript KEYS: client zset, all zset. ARGV: now, window.
var usageScript = redis.NewScript(`
local cutoff = string.format('%d', tonumber(ARGV[1]) - tonumber(ARGV[2]))
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', cutoff)
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', cutoff)
return {redis.call('ZCARD', KEYS[1]), redis.call('ZCARD', KEYS[2])}
`)

// Options configures the Redis admission state.
type Options struct {
	Prefix string
	// UsageWindow is how far back completions count toward fair share.
	UsageWindow time.Duration
	Clock       clock.Clock
}

type Option func(*Options)

func WithPrefix(prefix string) Option {
	return func(o *Options) {
		if prefix != "" {
			o.Prefix = prefix
		}
	}
}

func WithUsageWindow(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.UsageWindow = d
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

// Store implements sched.RateLimiter and sched.UsageTracker.
type Store struct {
	rdb  redis.UniversalClient
	opts Options
}

var (
	_ sched.RateLimiter  = (*Store)(nil)
	_ sched.UsageTracker = (*Store)(nil)
)

func New(rdb redis.UniversalClient, options ...Option) *Store {
	opts := Options{
		Prefix:      "qorch",
		UsageWindow: time.Hour,
		Clock:       clock.C,
	}
	for _, o := range options {
		o(&opts)
	}
	return &Store{rdb: rdb, opts: opts}
}

func (s *Store) rateKey(key string) string {
	return fmt.Sprintf("%s:rate:%s", s.opts.Prefix, key)
}

func (s *Store) usageKeys(client kernel.ClientID) []string {
	tag := fmt.Sprintf("{%s:usage}", s.opts.Prefix)
	return []string{tag + ":client:" + client.String(), tag + ":all"}
}

func (s *Store) nowMs() int64 { return s.opts.Clock.Now().UnixMilli() }

func (s *Store) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	n, err := allowScript.Run(ctx, s.rdb, []string{s.rateKey(key)},
		s.nowMs(), window.Milliseconds(), limit, uuid.NewString(),
	).Int()
	if err != nil {
		return false, sched.StorageUnavailable("rate_limit", err).WithDetail("key", key)
	}
	return n == 1, nil
}

func (s *Store) RecordCompletion(ctx context.Context, client kernel.ClientID) error {
	err := recordScript.Run(ctx, s.rdb, s.usageKeys(client),
		s.nowMs(), s.opts.UsageWindow.Milliseconds(), uuid.NewString(),
	).Err()
	if err != nil {
		return sched.StorageUnavailable("record_completion", err).WithDetail("client_id", client.String())
	}
	return nil
}

func (s *Store) Usage(ctx context.Context, client kernel.ClientID) (int64, int64, error) {
	counts, err := usageScript.Run(ctx, s.rdb, s.usageKeys(client),
		s.nowMs(), s.opts.UsageWindow.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return 0, 0, sched.StorageUnavailable("usage", err).WithDetail("client_id", client.String())
	}
	if len(counts) != 2 {
		return 0, 0, sched.StorageUnavailable("usage", fmt.Errorf("unexpected reply %v", counts))
	}
	return counts[0], counts[1], nil
}
