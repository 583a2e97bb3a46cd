package queueredis

import "github.com/redis/go-redis/v9"

// Key layout, all under one hash tag so the scripts stay single-slot:
//
//	KEYS[1] ready   ZSET job -> score
//	KEYS[2] claims  ZSET job -> lease expiry (ms)
//	KEYS[3] owners  HASH job -> worker
//	KEYS[4] class   HASH job -> priority class
//	KEYS[5] seq     STRING last admission ms

// enqueueScript ARGV: id, class, now, offset
var enqueueScript = redis.NewScript(`
local id = ARGV[1]
local class = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local offset = tonumber(ARGV[4])

local last = tonumber(redis.call('GET', KEYS[5]) or '0')
local admitted = now
if admitted <= last then
    admitted = last + 1
end
redis.call('SET', KEYS[5], string.format('%d', admitted))

redis.call('ZREM', KEYS[2], id)
redis.call('HDEL', KEYS[3], id)
redis.call('HSET', KEYS[4], id, class)
redis.call('ZADD', KEYS[1], string.format('%d', class * offset + admitted), id)
return string.format('%d', admitted)
`)

// claimNextScript ARGV: worker, now, lease, boost, offset
//
// Lapsed claims are re-enqueued with the retry boost first, then the lowest
// score entry is moved to the claim set. Reply:
// {claimed_id, expiry, class, lapsed_id, lapsed_worker, lapsed_expiry, ...}
// with claimed_id = "" when the queue is empty.
var claimNextScript = redis.NewScript(`
local worker = ARGV[1]
local now = tonumber(ARGV[2])
local lease = tonumber(ARGV[3])
local boost = tonumber(ARGV[4])
local offset = tonumber(ARGV[5])

local lapsed = {}
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', string.format('%d', now), 'WITHSCORES')
for i = 1, #expired, 2 do
    local id = expired[i]
    local owner = redis.call('HGET', KEYS[3], id) or ''
    local class = tonumber(redis.call('HGET', KEYS[4], id) or '1')
    local score = class * offset + now - boost
    if score < class * offset then
        score = class * offset
    end
    redis.call('ZREM', KEYS[2], id)
    redis.call('HDEL', KEYS[3], id)
    redis.call('ZADD', KEYS[1], string.format('%d', score), id)
    table.insert(lapsed, id)
    table.insert(lapsed, owner)
    table.insert(lapsed, expired[i + 1])
end

local reply = {'', '0', '0'}
local top = redis.call('ZRANGE', KEYS[1], 0, 0)
if #top > 0 then
    local id = top[1]
    local expiry = now + lease
    redis.call('ZREM', KEYS[1], id)
    redis.call('ZADD', KEYS[2], string.format('%d', expiry), id)
    redis.call('HSET', KEYS[3], id, worker)
    reply = {id, string.format('%d', expiry), redis.call('HGET', KEYS[4], id) or '1'}
end

for _, v in ipairs(lapsed) do
    table.insert(reply, v)
end
return reply
`)

// claimJobScript ARGV: id, worker, now, lease. Returns 1 when the caller holds the claim.
var claimJobScript = redis.NewScript(`
local id = ARGV[1]
local worker = ARGV[2]
local now = tonumber(ARGV[3])
local lease = tonumber(ARGV[4])

local expiry = tonumber(redis.call('ZSCORE', KEYS[2], id) or '0')
local owner = redis.call('HGET', KEYS[3], id)
if expiry > now and owner and owner ~= worker then
    return 0
end

redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], string.format('%d', now + lease), id)
redis.call('HSET', KEYS[3], id, worker)
return 1
`)

// extendScript ARGV: id, worker, now, lease. Only a live claim held by worker is extended.
var extendScript = redis.NewScript(`
local id = ARGV[1]
local worker = ARGV[2]
local now = tonumber(ARGV[3])
local lease = tonumber(ARGV[4])

local expiry = tonumber(redis.call('ZSCORE', KEYS[2], id) or '0')
if expiry <= now or redis.call('HGET', KEYS[3], id) ~= worker then
    return 0
end
redis.call('ZADD', KEYS[2], string.format('%d', now + lease), id)
return 1
`)

// releaseScript ARGV: id, class, now, boost, offset
var releaseScript = redis.NewScript(`
local id = ARGV[1]
local class = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local boost = tonumber(ARGV[4])
local offset = tonumber(ARGV[5])

local score = class * offset + now - boost
if score < class * offset then
    score = class * offset
end
redis.call('ZREM', KEYS[2], id)
redis.call('HDEL', KEYS[3], id)
redis.call('HSET', KEYS[4], id, class)
redis.call('ZADD', KEYS[1], string.format('%d', score), id)
return 1
`)

// removeScript ARGV: id. Returns the number of structures the job was found in.
var removeScript = redis.NewScript(`
local id = ARGV[1]
local n = redis.call('ZREM', KEYS[1], id) + redis.call('ZREM', KEYS[2], id)
redis.call('HDEL', KEYS[3], id)
redis.call('HDEL', KEYS[4], id)
return n
`)
