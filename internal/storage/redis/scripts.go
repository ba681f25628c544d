package redis

const (
	// commitAlertScript writes an alert state only if the stored version still
	// matches the version the caller read. Returns the new version, or 0 when the
	// state changed underneath the caller.
	commitAlertScript = `
local alert_key = KEYS[1]       -- foresee:alert:{appID}
local index_key = KEYS[2]       -- foresee:alerts

local app_id = ARGV[1]
local level = ARGV[2]
local last_notified_at = ARGV[3]
local expected_version = tonumber(ARGV[4])

local current = tonumber(redis.call('HGET', alert_key, 'version') or '0')
if current ~= expected_version then
  return 0
end

local next_version = current + 1
redis.call('HSET', alert_key,
  'app_id', app_id,
  'level', level,
  'last_notified_at', last_notified_at,
  'version', next_version
)
redis.call('SADD', index_key, app_id)

return next_version
`

	// setAlertScript writes an alert state unconditionally and bumps its version.
	setAlertScript = `
local alert_key = KEYS[1]       -- foresee:alert:{appID}
local index_key = KEYS[2]       -- foresee:alerts

local app_id = ARGV[1]
local level = ARGV[2]
local last_notified_at = ARGV[3]

local current = tonumber(redis.call('HGET', alert_key, 'version') or '0')
local next_version = current + 1
redis.call('HSET', alert_key,
  'app_id', app_id,
  'level', level,
  'last_notified_at', last_notified_at,
  'version', next_version
)
redis.call('SADD', index_key, app_id)

return next_version
`

	// forceLevelScript moves an app to a fixed level (snooze to max, or reset
	// to zero) while keeping its last notification time.
	// Returns {last_notified_at, version}.
	forceLevelScript = `
local alert_key = KEYS[1]       -- foresee:alert:{appID}
local index_key = KEYS[2]       -- foresee:alerts

local app_id = ARGV[1]
local level = ARGV[2]

local current = tonumber(redis.call('HGET', alert_key, 'version') or '0')
local last_notified_at = redis.call('HGET', alert_key, 'last_notified_at') or '0'
local next_version = current + 1

redis.call('HSET', alert_key,
  'app_id', app_id,
  'level', level,
  'last_notified_at', last_notified_at,
  'version', next_version
)
redis.call('SADD', index_key, app_id)

return {last_notified_at, tostring(next_version)}
`

	// reportUsageScript stores the latest usage snapshot for an app and indexes
	// it by last foreground activity, capped at the report time so a device
	// clock running ahead cannot push the app past the poll window. A report
	// whose activity is older than the stored one is ignored (returns 0). A
	// capped snapshot never wins that comparison; the next report replaces it.
	reportUsageScript = `
local usage_key = KEYS[1]       -- foresee:usage:app:{appID}
local index_key = KEYS[2]       -- foresee:usage:last_used

local app_id = ARGV[1]
local total_ms = ARGV[2]
local last_used_at = ARGV[3]
local reported_at = ARGV[4]

local capped = '0'
if tonumber(last_used_at) > tonumber(reported_at) then
  last_used_at = reported_at
  capped = '1'
end

local stored = tonumber(redis.call('HGET', usage_key, 'last_used_at') or '0')
if redis.call('HGET', usage_key, 'capped') == '1' then
  stored = 0
end
if tonumber(last_used_at) < stored then
  return 0
end

redis.call('HSET', usage_key,
  'app_id', app_id,
  'total_foreground_ms', total_ms,
  'last_used_at', last_used_at,
  'reported_at', reported_at,
  'capped', capped
)
redis.call('ZADD', index_key, last_used_at, app_id)

return 1
`
)
