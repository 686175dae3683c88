package backend

import goredis "github.com/redis/go-redis/v9"

// Every state transition is one server-side script, so concurrent
// orchestrators and the control API can write without a watch/retry dance.
// Scripts signal expected failures through error replies ("no_job",
// "job_exists", "bad_state:<STATUS>", "bad_update") that the Go side maps
// back to the sentinel errors.
//
// Orchestrator set keys are derived from the stored orchestrator id inside
// the scripts (ARGV carries the key prefix); this backend targets a single
// Redis instance, like the flat keyspace it mirrors.

const luaCreate = `
if redis.call('EXISTS', KEYS[1]) == 1 then
    return redis.error_reply('job_exists')
end
for i = 2, #ARGV, 2 do
    redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
redis.call('ZADD', KEYS[2], 0, ARGV[1])
redis.call('ZADD', KEYS[3], 0, ARGV[1])
return 'OK'
`

// KEYS: job. ARGV: mtime, field/value pairs. Counter fields merge with a
// monotone guard: sent, processed and the error histogram never decrease,
// whatever order concurrent writers land in. Returns the post-merge status
// so a dispatcher sees a concurrent pause without a second read.
const luaUpdate = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return redis.error_reply('no_job')
end
local counters = {['items.sent'] = true, ['items.processed'] = true}
for i = 2, #ARGV, 2 do
    local field = ARGV[i]
    if field == 'job.id' or field == 'job.status' or field == 'job.orchestrator_id' then
        return redis.error_reply('bad_update')
    end
    if counters[field] or string.sub(field, 1, 7) == 'errors.' then
        local old = tonumber(redis.call('HGET', KEYS[1], field))
        local new = tonumber(ARGV[i+1])
        if not new then
            return redis.error_reply('bad_update')
        end
        if not old or new > old then
            redis.call('HSET', KEYS[1], field, ARGV[i+1])
        end
    else
        redis.call('HSET', KEYS[1], field, ARGV[i+1])
    end
end
local old = tonumber(redis.call('HGET', KEYS[1], 'time.mtime'))
if not old or tonumber(ARGV[1]) > old then
    redis.call('HSET', KEYS[1], 'time.mtime', ARGV[1])
end
return redis.call('HGET', KEYS[1], 'job.status')
`

// KEYS: waiting, locks, orchestrator set. ARGV: orchestrator id, mtime, job
// key prefix. Walks the waiting queue in id order and claims the first job
// whose lock nobody holds; held locks leave the entry in place for a later
// round. Returns the claimed record as an HGETALL reply, or nil.
const luaClaim = `
local waiting = redis.call('ZRANGEBYLEX', KEYS[1], '-', '+')
for _, job_id in ipairs(waiting) do
    local job_key = ARGV[3] .. job_id
    if redis.call('EXISTS', job_key) == 0 then
        redis.call('ZREM', KEYS[1], job_id)
    else
        local lock = redis.call('HGET', job_key, 'job.lock')
        local holder = false
        if lock and lock ~= '' then
            holder = redis.call('HGET', KEYS[2], lock)
        end
        if not holder then
            redis.call('ZREM', KEYS[1], job_id)
            redis.call('HSET', job_key, 'job.status', 'RUNNING')
            redis.call('HSET', job_key, 'job.orchestrator_id', ARGV[1])
            local old = tonumber(redis.call('HGET', job_key, 'time.mtime'))
            if not old or tonumber(ARGV[2]) > old then
                redis.call('HSET', job_key, 'time.mtime', ARGV[2])
            end
            redis.call('SADD', KEYS[3], job_id)
            if lock and lock ~= '' then
                redis.call('HSET', KEYS[2], lock, job_id)
            end
            return redis.call('HGETALL', job_key)
        end
    end
end
return false
`

// KEYS: job, locks. ARGV: mtime, job id. Pause keeps the orchestrator
// assignment so late replies still find their owner, but gives the lock back
// so another job on the same resource can start.
const luaPause = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return redis.error_reply('no_job')
end
local status = redis.call('HGET', KEYS[1], 'job.status')
if status ~= 'RUNNING' then
    return redis.error_reply('bad_state:' .. status)
end
redis.call('HSET', KEYS[1], 'job.status', 'PAUSED')
local old = tonumber(redis.call('HGET', KEYS[1], 'time.mtime'))
if not old or tonumber(ARGV[1]) > old then
    redis.call('HSET', KEYS[1], 'time.mtime', ARGV[1])
end
local lock = redis.call('HGET', KEYS[1], 'job.lock')
if lock and lock ~= '' then
    if redis.call('HGET', KEYS[2], lock) == ARGV[2] then
        redis.call('HDEL', KEYS[2], lock)
    end
end
return 'OK'
`

// KEYS: job, waiting. ARGV: mtime, job id, orchestrator set prefix.
const luaResume = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return redis.error_reply('no_job')
end
local status = redis.call('HGET', KEYS[1], 'job.status')
if status ~= 'PAUSED' then
    return redis.error_reply('bad_state:' .. status)
end
redis.call('HSET', KEYS[1], 'job.status', 'WAITING')
local old = tonumber(redis.call('HGET', KEYS[1], 'time.mtime'))
if not old or tonumber(ARGV[1]) > old then
    redis.call('HSET', KEYS[1], 'time.mtime', ARGV[1])
end
local oid = redis.call('HGET', KEYS[1], 'job.orchestrator_id')
redis.call('HDEL', KEYS[1], 'job.orchestrator_id')
if oid and oid ~= '' then
    redis.call('SREM', ARGV[3] .. oid, ARGV[2])
end
redis.call('ZADD', KEYS[2], 0, ARGV[2])
return 'OK'
`

// KEYS: job, locks. ARGV: mtime, job id, orchestrator set prefix. Lock
// release and assignment removal ride in the same unit as the status flip,
// so a lock never outlives its finished holder.
const luaFinish = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return redis.error_reply('no_job')
end
local status = redis.call('HGET', KEYS[1], 'job.status')
if status ~= 'RUNNING' then
    return redis.error_reply('bad_state:' .. status)
end
redis.call('HSET', KEYS[1], 'job.status', 'FINISHED')
local old = tonumber(redis.call('HGET', KEYS[1], 'time.mtime'))
if not old or tonumber(ARGV[1]) > old then
    redis.call('HSET', KEYS[1], 'time.mtime', ARGV[1])
end
local lock = redis.call('HGET', KEYS[1], 'job.lock')
if lock and lock ~= '' then
    if redis.call('HGET', KEYS[2], lock) == ARGV[2] then
        redis.call('HDEL', KEYS[2], lock)
    end
end
local oid = redis.call('HGET', KEYS[1], 'job.orchestrator_id')
redis.call('HDEL', KEYS[1], 'job.orchestrator_id')
if oid and oid ~= '' then
    redis.call('SREM', ARGV[3] .. oid, ARGV[2])
end
return 'OK'
`

// KEYS: job, locks, waiting. ARGV: mtime, job id, orchestrator set prefix,
// reason. Allowed from RUNNING (dispatch blew up) and WAITING (the job never
// became runnable, e.g. its module cannot be built anymore).
const luaFail = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return redis.error_reply('no_job')
end
local status = redis.call('HGET', KEYS[1], 'job.status')
if status ~= 'RUNNING' and status ~= 'WAITING' then
    return redis.error_reply('bad_state:' .. status)
end
redis.call('HSET', KEYS[1], 'job.status', 'FAILED')
if ARGV[4] ~= '' then
    redis.call('HSET', KEYS[1], 'job.fail_reason', ARGV[4])
end
local old = tonumber(redis.call('HGET', KEYS[1], 'time.mtime'))
if not old or tonumber(ARGV[1]) > old then
    redis.call('HSET', KEYS[1], 'time.mtime', ARGV[1])
end
if status == 'WAITING' then
    redis.call('ZREM', KEYS[3], ARGV[2])
end
local lock = redis.call('HGET', KEYS[1], 'job.lock')
if lock and lock ~= '' then
    if redis.call('HGET', KEYS[2], lock) == ARGV[2] then
        redis.call('HDEL', KEYS[2], lock)
    end
end
local oid = redis.call('HGET', KEYS[1], 'job.orchestrator_id')
redis.call('HDEL', KEYS[1], 'job.orchestrator_id')
if oid and oid ~= '' then
    redis.call('SREM', ARGV[3] .. oid, ARGV[2])
end
return 'OK'
`

// KEYS: job, locks, waiting, jobs. ARGV: job id, orchestrator set prefix.
const luaDelete = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return redis.error_reply('no_job')
end
local status = redis.call('HGET', KEYS[1], 'job.status')
if status == 'RUNNING' then
    return redis.error_reply('bad_state:' .. status)
end
local lock = redis.call('HGET', KEYS[1], 'job.lock')
if lock and lock ~= '' then
    if redis.call('HGET', KEYS[2], lock) == ARGV[1] then
        redis.call('HDEL', KEYS[2], lock)
    end
end
local oid = redis.call('HGET', KEYS[1], 'job.orchestrator_id')
if oid and oid ~= '' then
    redis.call('SREM', ARGV[2] .. oid, ARGV[1])
end
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('DEL', KEYS[1])
return 'OK'
`

var (
	createScript = goredis.NewScript(luaCreate)
	updateScript = goredis.NewScript(luaUpdate)
	claimScript  = goredis.NewScript(luaClaim)
	pauseScript  = goredis.NewScript(luaPause)
	resumeScript = goredis.NewScript(luaResume)
	finishScript = goredis.NewScript(luaFinish)
	failScript   = goredis.NewScript(luaFail)
	deleteScript = goredis.NewScript(luaDelete)
)
