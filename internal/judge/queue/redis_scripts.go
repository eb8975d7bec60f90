package queue

import "github.com/redis/go-redis/v9"

// Keys: 1 ready, 2 delayed, 3 inflight, 4 receipts, 5 deliveries, 6 meta.

// ARGV: id, priority, now(ms), boost(ms)
var enqueueScript = redis.NewScript(`
local id = ARGV[1]
if redis.call('ZSCORE', KEYS[1], id) or redis.call('ZSCORE', KEYS[2], id) or redis.call('ZSCORE', KEYS[3], id) then
  return 0
end
local prio = tonumber(ARGV[2])
redis.call('HSET', KEYS[6], id, prio)
redis.call('ZADD', KEYS[1], tonumber(ARGV[3]) - prio * tonumber(ARGV[4]), id)
return 1
`)

// ARGV: now(ms), visibility(ms), receipt, boost(ms), batch
var dequeueScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local boost = tonumber(ARGV[4])
local batch = tonumber(ARGV[5])

local function ready_score(id)
  local prio = tonumber(redis.call('HGET', KEYS[6], id) or '0')
  return now - prio * boost
end

local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'LIMIT', 0, batch)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('ZADD', KEYS[1], ready_score(id), id)
end

local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now, 'LIMIT', 0, batch)
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[3], id)
  redis.call('HDEL', KEYS[4], id)
  redis.call('ZADD', KEYS[1], ready_score(id), id)
end

local head = redis.call('ZRANGE', KEYS[1], 0, 0)
if #head == 0 then
  return false
end
local id = head[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[3], now + tonumber(ARGV[2]), id)
redis.call('HSET', KEYS[4], id, ARGV[3])
local n = redis.call('HINCRBY', KEYS[5], id, 1)
return {id, n}
`)

// ARGV: id, receipt
var ackScript = redis.NewScript(`
local id = ARGV[1]
if redis.call('HGET', KEYS[4], id) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[3], id)
redis.call('HDEL', KEYS[4], id)
redis.call('HDEL', KEYS[5], id)
redis.call('HDEL', KEYS[6], id)
return 1
`)

// ARGV: id, receipt, now(ms), delay(ms), boost(ms)
var nackScript = redis.NewScript(`
local id = ARGV[1]
if redis.call('HGET', KEYS[4], id) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[3], id)
redis.call('HDEL', KEYS[4], id)
local now = tonumber(ARGV[3])
local delay = tonumber(ARGV[4])
if delay > 0 then
  redis.call('ZADD', KEYS[2], now + delay, id)
else
  local prio = tonumber(redis.call('HGET', KEYS[6], id) or '0')
  redis.call('ZADD', KEYS[1], now - prio * tonumber(ARGV[5]), id)
end
return 1
`)

// ARGV: id, receipt, deadline(ms)
var extendScript = redis.NewScript(`
local id = ARGV[1]
if redis.call('HGET', KEYS[4], id) ~= ARGV[2] then
  return 0
end
redis.call('ZADD', KEYS[3], tonumber(ARGV[3]), id)
return 1
`)
