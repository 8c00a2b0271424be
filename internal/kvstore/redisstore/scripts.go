package redisstore

import redis "github.com/redis/go-redis/v9"

// Item hashes hold attrs under "a:<name>" (JSON), counters under
// "c:<name>", and bookkeeping under "_"-prefixed fields.
const updateScript = `
local req = cjson.decode(ARGV[1])
local item = KEYS[1]

if redis.call("EXISTS", item) == 1 then
  local exp = redis.call("HGET", item, "_exp")
  if exp and exp ~= "" and tonumber(exp) <= tonumber(req.now) then
    local oldIpk = redis.call("HGET", item, "_ipk")
    local oldIsk = redis.call("HGET", item, "_isk")
    if oldIpk and oldIsk then
      redis.call("ZREM", "kv:idx:" .. oldIpk, oldIsk .. "\0" .. req.pk .. "\0" .. req.sk)
    end
    redis.call("DEL", item)
  end
end

local exists = redis.call("EXISTS", item) == 1
if req.require == "1" and not exists then
  return redis.error_reply("NOT_FOUND")
end

for field, want in pairs(req.cond) do
  local current = tonumber(redis.call("HGET", item, field) or "0")
  if current ~= tonumber(want) then
    return redis.error_reply("CONDITION_FAILED")
  end
end

redis.call("HSET", item, "_pk", req.pk, "_sk", req.sk)
for field, value in pairs(req.set) do
  redis.call("HSET", item, field, value)
end
for _, field in ipairs(req.del) do
  redis.call("HDEL", item, field)
end
for field, value in pairs(req.setc) do
  redis.call("HSET", item, field, value)
end
for field, delta in pairs(req.add) do
  redis.call("HINCRBY", item, field, delta)
end

if req.ipk ~= "" then
  local oldIpk = redis.call("HGET", item, "_ipk")
  local oldIsk = redis.call("HGET", item, "_isk")
  if oldIpk and oldIsk then
    redis.call("ZREM", "kv:idx:" .. oldIpk, oldIsk .. "\0" .. req.pk .. "\0" .. req.sk)
  end
  redis.call("HSET", item, "_ipk", req.ipk, "_isk", req.isk)
  redis.call("ZADD", "kv:idx:" .. req.ipk, 0, req.isk .. "\0" .. req.pk .. "\0" .. req.sk)
end

if req.exp ~= "" then
  redis.call("HSET", item, "_exp", req.exp)
  redis.call("PEXPIREAT", item, req.exp)
end

redis.call("ZADD", KEYS[2], 0, req.sk)
redis.call("ZADD", KEYS[3], 0, req.pk)
return redis.call("HGETALL", item)
`

const putScript = `
local req = cjson.decode(ARGV[1])
local item = KEYS[1]

if req.absent == "1" and redis.call("EXISTS", item) == 1 then
  local exp = redis.call("HGET", item, "_exp")
  if not exp or exp == "" or tonumber(exp) > tonumber(req.now) then
    return redis.error_reply("ALREADY_EXISTS")
  end
end

local oldIpk = redis.call("HGET", item, "_ipk")
local oldIsk = redis.call("HGET", item, "_isk")
if oldIpk and oldIsk then
  redis.call("ZREM", "kv:idx:" .. oldIpk, oldIsk .. "\0" .. req.pk .. "\0" .. req.sk)
end
redis.call("DEL", item)

redis.call("HSET", item, "_pk", req.pk, "_sk", req.sk)
for field, value in pairs(req.set) do
  redis.call("HSET", item, field, value)
end
for field, value in pairs(req.setc) do
  redis.call("HSET", item, field, value)
end

if req.ipk ~= "" then
  redis.call("HSET", item, "_ipk", req.ipk, "_isk", req.isk)
  redis.call("ZADD", "kv:idx:" .. req.ipk, 0, req.isk .. "\0" .. req.pk .. "\0" .. req.sk)
end
if req.exp ~= "" then
  redis.call("HSET", item, "_exp", req.exp)
  redis.call("PEXPIREAT", item, req.exp)
end

redis.call("ZADD", KEYS[2], 0, req.sk)
redis.call("ZADD", KEYS[3], 0, req.pk)
return 1
`

var (
	updateLua = redis.NewScript(updateScript)
	putLua    = redis.NewScript(putScript)
)
