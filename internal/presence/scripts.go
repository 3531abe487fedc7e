package presence

import "github.com/redis/go-redis/v9"

// KEYS: conn, user, profile, online
// ARGV: userId, connId, ttlSeconds, expiry
var refreshScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[2])
redis.call('EXPIRE', KEYS[2], ARGV[3])
redis.call('EXPIRE', KEYS[3], ARGV[3])
redis.call('SADD', KEYS[4], ARGV[1])
return 1
`)

// KEYS: conn, user, profile, online
// ARGV: userId, connId, now
// Returns the number of live connections left for the user.
var offlineScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('DEL', KEYS[1])
end
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', ARGV[3])
local left = redis.call('ZCARD', KEYS[2])
if left == 0 then
	redis.call('DEL', KEYS[2], KEYS[3])
	redis.call('SREM', KEYS[4], ARGV[1])
end
return left
`)

// KEYS: user, profile, online
// ARGV: userId, now
// Returns 1 when the user was removed from the online set.
var cleanupScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
if redis.call('ZCARD', KEYS[1]) == 0 then
	redis.call('DEL', KEYS[1], KEYS[2])
	return redis.call('SREM', KEYS[3], ARGV[1])
end
return 0
`)
