package redis

const (
	// createSessionScript writes a session hash and its active indexes
	createSessionScript = `
local session_key = KEYS[1]     -- shiftkiosk:session:{id}
local active_set = KEYS[2]      -- shiftkiosk:sessions:active
local unit_set = KEYS[3]        -- shiftkiosk:sessions:unit:{unitID}:active

local session_id = ARGV[1]
local status = ARGV[6]

redis.call('HSET', session_key,
  'id', session_id,
  'user_id', ARGV[2],
  'unit_id', ARGV[3],
  'ip_address', ARGV[4],
  'start_time', ARGV[5],
  'end_time', '',
  'status', status,
  'shift_name', ARGV[7],
  'auto_started', ARGV[8],
  'notes', ARGV[9]
)

if status == 'active' then
  redis.call('SADD', active_set, session_id)
  redis.call('SADD', unit_set, session_id)
end

return 'OK'
`

	// closeSessionScript closes an active session. Returns -1 when the session
	// is missing, 0 when it was already closed and 1 on success.
	closeSessionScript = `
local session_key = KEYS[1]
local active_set = KEYS[2]
local unit_set = KEYS[3]

local session_id = ARGV[1]
local end_time = ARGV[2]
local notes = ARGV[3]

local status = redis.call('HGET', session_key, 'status')
if not status then
  return -1
end
if status ~= 'active' then
  return 0
end

redis.call('HSET', session_key, 'status', 'closed', 'end_time', end_time)
if notes ~= '' then
  redis.call('HSET', session_key, 'notes', notes)
end

redis.call('SREM', active_set, session_id)
redis.call('SREM', unit_set, session_id)

return 1
`

	// appendShiftLogScript stores a log entry and indexes it by change time
	appendShiftLogScript = `
local log_key = KEYS[1]         -- shiftkiosk:shift_log:{id}
local all_index = KEYS[2]       -- shiftkiosk:shift_logs
local unit_index = KEYS[3]      -- shiftkiosk:shift_logs:unit:{unitID}

local member = ARGV[1]
local payload = ARGV[2]
local score = tonumber(ARGV[3])

redis.call('SET', log_key, payload)
redis.call('ZADD', all_index, score, member)
redis.call('ZADD', unit_index, score, member)

return 'OK'
`
)
