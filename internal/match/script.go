package match

import "github.com/redis/go-redis/v9"

// All queue mutations run as scripts, so every waiting entry is removed by exactly one of
// pairing, cancellation or expiry.
//
// Keys: the per-criteria FIFO list, the waiting hash (user -> entry JSON) and the deadline set.

// enqueueOrPair pops the oldest live waiting user from the queue, or enqueues the caller.
//
// KEYS[1] queue, KEYS[2] waiting, KEYS[3] deadlines
// ARGV[1] user, ARGV[2] entry JSON, ARGV[3] deadline (unix ms)
var enqueueOrPair = redis.NewScript(`
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 1 then
	return {'waiting', ''}
end
while true do
	local peer = redis.call('LPOP', KEYS[1])
	if not peer then
		break
	end
	if peer ~= ARGV[1] then
		local entry = redis.call('HGET', KEYS[2], peer)
		if entry then
			redis.call('HDEL', KEYS[2], peer)
			redis.call('ZREM', KEYS[3], peer)
			return {'matched', entry}
		end
	end
end
redis.call('RPUSH', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return {'enqueued', ''}
`)

// requeue puts a popped user back at the head of its queue.
//
// KEYS[1] queue, KEYS[2] waiting, KEYS[3] deadlines
// ARGV[1] user, ARGV[2] entry JSON, ARGV[3] deadline (unix ms)
var requeue = redis.NewScript(`
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 1 then
	return 0
end
redis.call('LPUSH', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

// remove takes a user out of the waiting set and its queue list, returning its entry or nil if
// it was not waiting. The queue key is read from the entry; every queue shares the {match} slot.
//
// KEYS[1] waiting, KEYS[2] deadlines
// ARGV[1] user
var remove = redis.NewScript(`
local entry = redis.call('HGET', KEYS[1], ARGV[1])
if not entry then
	return false
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('LREM', cjson.decode(entry).queue, 0, ARGV[1])
return entry
`)

// expire removes every user whose deadline has passed from the waiting set and their queue
// lists, and returns their entries.
//
// KEYS[1] waiting, KEYS[2] deadlines
// ARGV[1] now (unix ms)
var expire = redis.NewScript(`
local users = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
local out = {}
for _, u in ipairs(users) do
	redis.call('ZREM', KEYS[2], u)
	local entry = redis.call('HGET', KEYS[1], u)
	if entry then
		redis.call('HDEL', KEYS[1], u)
		redis.call('LREM', cjson.decode(entry).queue, 0, u)
		table.insert(out, entry)
	end
end
return out
`)
