package redis

const (
	// appendRecordScript atomically writes an immutable record and its
	// time indexes. Existing records are never overwritten.
	appendRecordScript = `
local record_key = KEYS[1]      -- pricefleet:{kind}:{id}
local time_index = KEYS[2]      -- pricefleet:{kind}s
local group_index = KEYS[3]     -- pricefleet:{kind}s:{group}:{value}

local id = ARGV[1]
local score = ARGV[2]

if redis.call('EXISTS', record_key) == 1 then
  return 0
end

for i = 3, #ARGV, 2 do
  redis.call('HSET', record_key, ARGV[i], ARGV[i + 1])
end

redis.call('ZADD', time_index, score, id)
redis.call('ZADD', group_index, score, id)

return 1
`

	// deleteBeforeScript removes every record scored below the cutoff from
	// the time index, its group index and the record hash itself.
	deleteBeforeScript = `
local time_index = KEYS[1]      -- pricefleet:{kind}s

local cutoff = ARGV[1]
local record_prefix = ARGV[2]   -- pricefleet:{kind}:
local group_prefix = ARGV[3]    -- pricefleet:{kind}s:{group}:
local group_field = ARGV[4]

local ids = redis.call('ZRANGEBYSCORE', time_index, '-inf', '(' .. cutoff)
for _, id in ipairs(ids) do
  local record_key = record_prefix .. id
  local group = redis.call('HGET', record_key, group_field)
  redis.call('DEL', record_key)
  if group then
    redis.call('ZREM', group_prefix .. group, id)
  end
end

redis.call('ZREMRANGEBYSCORE', time_index, '-inf', '(' .. cutoff)

return #ids
`

	// putResultScript stores a cached extraction payload with a TTL.
	putResultScript = `
local result_key = KEYS[1]      -- pricefleet:result:{key}

local ttl_ms = tonumber(ARGV[1])

redis.call('DEL', result_key)
for i = 2, #ARGV, 2 do
  redis.call('HSET', result_key, ARGV[i], ARGV[i + 1])
end

if ttl_ms > 0 then
  redis.call('PEXPIRE', result_key, ttl_ms)
end

return 'OK'
`
)
