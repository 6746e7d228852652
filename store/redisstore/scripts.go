package redisstore

import "github.com/redis/go-redis/v9"

// All scripts receive the same namespace keys:
//
//	KEYS[1] sequence counter
//	KEYS[2] ready index (group id scored by eligibility time)
//	KEYS[3] processing index (job id scored by visibility deadline)
//	KEYS[4] set of groups that have jobs
//	KEYS[5] reserved groups (group id to job id)
//	KEYS[6] job counter
//	KEYS[7] wake list used by blocking reservations
//
// and the key prefix as ARGV[1]. Group ordering indexes are sorted sets whose
// members are the fixed-width score key followed by "|" and the job id, all
// scored 0 so that Redis orders them lexicographically.
const luaCommon = `
local K_SEQ, K_READY, K_PROCESSING, K_GROUPS, K_RESERVED, K_TOTAL, K_WAKE =
  KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5], KEYS[6], KEYS[7]
local prefix = ARGV[1]

local JOB_FIELDS = {"id", "groupId", "payload", "attempts", "maxAttempts", "seq",
  "enqueuedAt", "orderMs", "readyAt", "workerId", "token", "visibleAt"}

local function int(x)
  return string.format("%d", x)
end

local function nowMs()
  local t = redis.call("TIME")
  return tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
end

local function jobKey(id)
  return prefix .. ":job:" .. id
end

local function groupKey(gid)
  return prefix .. ":g:" .. gid
end

-- Score keys are 36 characters long, the job id follows the separator.
local function memberID(member)
  return string.sub(member, 38)
end

local function loadJob(id)
  return redis.call("HMGET", jobKey(id), unpack(JOB_FIELDS))
end

-- promote derives the ready index entry of a group from its current head.
local function promote(gid)
  if redis.call("HEXISTS", K_RESERVED, gid) == 1 then
    redis.call("ZREM", K_READY, gid)
    return
  end
  local head = redis.call("ZRANGE", groupKey(gid), 0, 0)
  if #head == 0 then
    redis.call("ZREM", K_READY, gid)
    redis.call("SREM", K_GROUPS, gid)
    return
  end
  local readyAt = redis.call("HGET", jobKey(memberID(head[1])), "readyAt")
  redis.call("ZADD", K_READY, readyAt, gid)
  redis.call("RPUSH", K_WAKE, "1")
  redis.call("LTRIM", K_WAKE, -64, -1)
  redis.call("PEXPIRE", K_WAKE, 60000)
end

-- release deletes the reservation of a job.
local function release(id, gid)
  redis.call("ZREM", K_PROCESSING, id)
  redis.call("HDEL", jobKey(id), "workerId", "token", "visibleAt")
  if redis.call("HGET", K_RESERVED, gid) == id then
    redis.call("HDEL", K_RESERVED, gid)
  end
end

-- remove deletes a job, its reservation and its group index entry.
local function remove(id, gid)
  release(id, gid)
  local member = redis.call("HGET", jobKey(id), "member")
  redis.call("ZREM", groupKey(gid), member)
  redis.call("DEL", jobKey(id))
  if redis.call("DECR", K_TOTAL) <= 0 then
    redis.call("DEL", K_TOTAL)
  end
end
`

var (
	// luaEnqueue inserts a job or updates an existing one in place.
	// ARGV: prefix, id, group id, payload, order ms (empty for now), max
	// attempts, delay ms (empty for none), ordering delay ms.
	// Returns {updated (0|1), seq, enqueuedAt} or {-1} if the job exists in
	// another group.
	luaEnqueue = redis.NewScript(luaCommon + `
local id, gid, payload = ARGV[2], ARGV[3], ARGV[4]
local orderingDelay = tonumber(ARGV[8])
local now = nowMs()

local function readyAt(orderMs, delay)
  local r = now + delay
  if orderingDelay > 0 and orderMs + orderingDelay > r then
    r = orderMs + orderingDelay
  end
  return r
end

local jk = jobKey(id)
if redis.call("EXISTS", jk) == 1 then
  local cur = redis.call("HMGET", jk, "groupId", "seq", "enqueuedAt", "orderMs", "token")
  if cur[1] ~= gid then
    return {-1}
  end
  redis.call("HSET", jk, "payload", payload)
  if ARGV[7] ~= "" and not cur[5] then
    redis.call("HSET", jk, "readyAt", int(readyAt(tonumber(cur[4]), tonumber(ARGV[7]))))
    promote(gid)
  end
  return {1, tonumber(cur[2]), tonumber(cur[3])}
end

local seq = redis.call("INCR", K_SEQ)
local orderMs = now
local orderArg = int(now)
if ARGV[5] ~= "" then
  orderMs = tonumber(ARGV[5])
  orderArg = ARGV[5]
end
local delay = 0
if ARGV[7] ~= "" then
  delay = tonumber(ARGV[7])
end
local member = string.format("%016d%020d", orderMs + 1000000000000000, seq) .. "|" .. id

redis.call("HSET", jk,
  "id", id,
  "groupId", gid,
  "payload", payload,
  "attempts", 0,
  "maxAttempts", ARGV[6],
  "seq", seq,
  "enqueuedAt", int(now),
  "orderMs", orderArg,
  "readyAt", int(readyAt(orderMs, delay)),
  "member", member)
redis.call("ZADD", groupKey(gid), 0, member)
redis.call("SADD", K_GROUPS, gid)
redis.call("INCR", K_TOTAL)
promote(gid)
return {0, seq, now}
`)

	// luaReserve checks out the head of the due group with the lowest ready
	// score, ties broken by group id.
	// ARGV: prefix, worker id, token, visibility timeout ms.
	// Returns the job fields or nil.
	luaReserve = redis.NewScript(luaCommon + `
local now = nowMs()
local gids = redis.call("ZRANGEBYSCORE", K_READY, "-inf", now, "LIMIT", 0, 1)
if #gids == 0 then
  return false
end
local gid = gids[1]
redis.call("ZREM", K_READY, gid)
local head = redis.call("ZRANGE", groupKey(gid), 0, 0)
if #head == 0 then
  return false
end
local id = memberID(head[1])
local visibleAt = now + tonumber(ARGV[4])
redis.call("HINCRBY", jobKey(id), "attempts", 1)
redis.call("HSET", jobKey(id), "workerId", ARGV[2], "token", ARGV[3], "visibleAt", int(visibleAt))
redis.call("ZADD", K_PROCESSING, int(visibleAt), id)
redis.call("HSET", K_RESERVED, gid, id)
return loadJob(id)
`)

	// luaComplete deletes a reserved job and promotes the next one.
	// ARGV: prefix, job id, token.
	// Returns 1 on success, 0 if the reservation was lost.
	luaComplete = redis.NewScript(luaCommon + `
local id = ARGV[2]
local cur = redis.call("HMGET", jobKey(id), "groupId", "token")
if not cur[1] or cur[2] ~= ARGV[3] then
  return 0
end
remove(id, cur[1])
promote(cur[1])
return 1
`)

	// luaFail releases a reserved job for retry or deletes it when it has no
	// attempts left.
	// ARGV: prefix, job id, token, retry delay ms.
	// Returns 0 if retried, 1 if dead, -1 if the reservation was lost.
	luaFail = redis.NewScript(luaCommon + `
local id = ARGV[2]
local cur = redis.call("HMGET", jobKey(id), "groupId", "token", "attempts", "maxAttempts")
if not cur[1] or cur[2] ~= ARGV[3] then
  return -1
end
local gid = cur[1]
if tonumber(cur[3]) >= tonumber(cur[4]) then
  remove(id, gid)
  promote(gid)
  return 1
end
release(id, gid)
redis.call("HSET", jobKey(id), "readyAt", int(nowMs() + tonumber(ARGV[4])))
promote(gid)
return 0
`)

	// luaHeartbeat pushes back the visibility deadline of a reserved job.
	// ARGV: prefix, job id, token, extension ms.
	// Returns 1 on success, 0 if the reservation was lost.
	luaHeartbeat = redis.NewScript(luaCommon + `
local id = ARGV[2]
if redis.call("HGET", jobKey(id), "token") ~= ARGV[3] then
  return 0
end
local visibleAt = int(nowMs() + tonumber(ARGV[4]))
redis.call("HSET", jobKey(id), "visibleAt", visibleAt)
redis.call("ZADD", K_PROCESSING, "XX", visibleAt, id)
return 1
`)

	// luaReclaim releases expired reservations.
	// ARGV: prefix, redelivery delay ms (0 keeps the job eligibility), limit.
	// Returns {requeued ids, dead jobs}.
	luaReclaim = redis.NewScript(luaCommon + `
local now = nowMs()
local redelivery = tonumber(ARGV[2])
local ids = redis.call("ZRANGEBYSCORE", K_PROCESSING, "-inf", now, "LIMIT", 0, tonumber(ARGV[3]))
local requeued, dead = {}, {}
for _, id in ipairs(ids) do
  local cur = redis.call("HMGET", jobKey(id), "groupId", "attempts", "maxAttempts")
  if not cur[1] then
    redis.call("ZREM", K_PROCESSING, id)
  else
    local gid = cur[1]
    if tonumber(cur[2]) >= tonumber(cur[3]) then
      table.insert(dead, loadJob(id))
      remove(id, gid)
    else
      release(id, gid)
      if redelivery > 0 then
        redis.call("HSET", jobKey(id), "readyAt", int(now + redelivery))
      end
      table.insert(requeued, id)
    end
    promote(gid)
  end
end
return {requeued, dead}
`)

	// luaCounts returns {active, total, delayed, groups}.
	// ARGV: prefix.
	luaCounts = redis.NewScript(luaCommon + `
local now = nowMs()
local delayed = 0
for _, gid in ipairs(redis.call("ZRANGEBYSCORE", K_READY, "(" .. int(now), "+inf")) do
  delayed = delayed + redis.call("ZCARD", groupKey(gid))
end
return {
  redis.call("ZCARD", K_PROCESSING),
  tonumber(redis.call("GET", K_TOTAL) or "0"),
  delayed,
  redis.call("SCARD", K_GROUPS)
}
`)

	// luaJobs lists the jobs in a state. Active jobs are ordered by
	// visibility deadline, other jobs by group then score.
	// ARGV: prefix, state, limit (0 for no limit).
	luaJobs = redis.NewScript(luaCommon + `
local now = nowMs()
local state, limit = ARGV[2], tonumber(ARGV[3])
local res = {}
local function add(id)
  table.insert(res, loadJob(id))
  return limit > 0 and #res >= limit
end

if state == "active" then
  for _, id in ipairs(redis.call("ZRANGE", K_PROCESSING, 0, -1)) do
    if add(id) then
      return res
    end
  end
  return res
end

local wantDelayed = state == "delayed"
local gids = redis.call("SMEMBERS", K_GROUPS)
table.sort(gids)
for _, gid in ipairs(gids) do
  local score = redis.call("ZSCORE", K_READY, gid)
  local delayed = score ~= false and tonumber(score) > now
  if delayed == wantDelayed then
    local reserved = redis.call("HGET", K_RESERVED, gid)
    for _, member in ipairs(redis.call("ZRANGE", groupKey(gid), 0, -1)) do
      local id = memberID(member)
      if id ~= reserved then
        if add(id) then
          return res
        end
      end
    end
  end
end
return res
`)
)
