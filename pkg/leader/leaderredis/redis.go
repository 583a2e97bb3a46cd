// Package leaderredis keeps the leadership lease as a single Redis key
// holding the leader's node id with a PX expiry.
package leaderredis

import (
	"context"
	"errors"
	"time"

	"github.com/Abraxas-365/qorch/pkg/leader"
	"github.com/redis/go-redis/v9"
)

// acquireScript takes a free lease or refreshes one already held by the caller.
var acquireScript = redis.NewScript(`
local holder = redis.call('GET', KEYS[1])
if holder == ARGV[1] then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
    return 1
end
if holder then
    return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// Elector implements leader.Elector on Redis.
type Elector struct {
	rdb   redis.UniversalClient
	key   string
	lease time.Duration
}

var _ leader.Elector = (*Elector)(nil)

// NewElector creates an elector using key for the lease.
func NewElector(rdb redis.UniversalClient, key string, lease time.Duration) *Elector {
	if lease <= 0 {
		lease = leader.DefaultLease
	}
	if key == "" {
		key = "qorch:leader"
	}
	return &Elector{rdb: rdb, key: key, lease: lease}
}

func (e *Elector) LeaseDuration() time.Duration { return e.lease }

func (e *Elector) TryAcquire(ctx context.Context, nodeID string) (bool, error) {
	n, err := acquireScript.Run(ctx, e.rdb, []string{e.key}, nodeID, e.lease.Milliseconds()).Int()
	if err != nil {
		return false, leader.StorageUnavailable(err).WithDetail("op", "acquire")
	}
	return n == 1, nil
}

func (e *Elector) Renew(ctx context.Context, nodeID string) (bool, error) {
	n, err := renewScript.Run(ctx, e.rdb, []string{e.key}, nodeID, e.lease.Milliseconds()).Int()
	if err != nil {
		return false, leader.StorageUnavailable(err).WithDetail("op", "renew")
	}
	return n == 1, nil
}

func (e *Elector) IsLeader(ctx context.Context, nodeID string) (bool, error) {
	holder, err := e.rdb.Get(ctx, e.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, leader.StorageUnavailable(err).WithDetail("op", "is_leader")
	}
	return holder == nodeID, nil
}

func (e *Elector) Release(ctx context.Context, nodeID string) error {
	if err := releaseScript.Run(ctx, e.rdb, []string{e.key}, nodeID).Err(); err != nil {
		return leader.StorageUnavailable(err).WithDetail("op", "release")
	}
	return nil
}
