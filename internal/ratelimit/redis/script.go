package redis

// luaWindowScript is the whole window transition as one server-side step:
// read, rotate, weigh, conditionally consume, re-arm the TTL. Running it
// via EVALSHA keeps a check at a single round trip and serializes
// concurrent checks on a hot key inside Redis itself.
//
// The stored value is the codec form "previous:current:startNanos". The
// bucket start is carried as a string end to end (ARGV[1] in, %s out) so
// the nanosecond timestamp never loses precision to Lua's doubles; only
// the elapsed-time arithmetic runs in floating point, where sub-microsecond
// rounding is harmless.
const luaWindowScript = `
-- KEYS[1] = counter key
-- ARGV[1] = now (unix nanos, decimal string)
-- ARGV[2] = window_ns
-- ARGV[3] = limit
-- ARGV[4] = cost
-- ARGV[5] = ttl_ms (PX on write)
--
-- reply: {allowed, remaining, reset_ms, retry_after_ms}

local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])
local cost   = tonumber(ARGV[4])
local ttl    = tonumber(ARGV[5])

-- decode; an absent or undecodable entry is fresh state
local prev, curr = 0, 0
local startRaw = ARGV[1]
local value = redis.call("GET", KEYS[1])
if value then
  local p, c, s = string.match(value, "^(%d+):(%d+):(%-?%d+)$")
  if p then
    prev, curr, startRaw = tonumber(p), tonumber(c), s
  end
end
local start = tonumber(startRaw)

-- elapsed is measured against the pre-rotation bucket start and reused
-- for the weight below, so a check landing past a full window sees the
-- previous bucket fully decayed
local elapsed = now - start
if elapsed < 0 then elapsed = 0 end
if elapsed >= 2 * window then
  prev, curr = 0, 0
  startRaw = ARGV[1]
elseif elapsed >= window then
  prev, curr = curr, 0
  startRaw = ARGV[1]
end

local weight = 1 - elapsed / window
if weight < 0 then weight = 0 end
local estimated = curr + prev * weight

local resetMs = math.floor((window - elapsed) / 1000000)
if resetMs < 0 then resetMs = 0 end

if estimated + cost <= limit then
  curr = curr + cost
  redis.call("SET", KEYS[1], string.format("%d:%d:%s", prev, curr, startRaw), "PX", ttl)
  local remaining = math.floor(limit - estimated - cost)
  if remaining < 0 then remaining = 0 end
  return {1, remaining, resetMs, 0}
end

local remaining = math.floor(limit - estimated)
if remaining < 0 then remaining = 0 end

-- the previous bucket decays at prev/window per unit time; when even its
-- full decay cannot free enough quota, wait for the next rotation
local need = estimated + cost - limit
local retryMs
if prev > 0 and prev * weight >= need then
  retryMs = math.ceil(need / prev * window / 1000000)
else
  retryMs = resetMs
end
return {0, remaining, resetMs, retryMs}
`
