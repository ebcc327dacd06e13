package state

import "github.com/redis/go-redis/v9"

// casStatus compares the stored status against ARGV[1] and sets ARGV[2] on
// match. Returns "OK" on success, "NONE" when the key is missing, or the
// observed status on mismatch.
var casStatus = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
  return "NONE"
end
if cur ~= ARGV[1] then
  return cur
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return "OK"
`)

// recordAnswer performs the answered-set check, the entry write, the score
// increment and the answer-time increment as one atomic operation, and
// invalidates the cached leaderboard. Returns -1 when the player already
// answered the question, otherwise the player's new total score.
//
// KEYS: answered set, entries hash, scores hash, answer-time hash, leaderboard
// ARGV: player id, entry field, entry json, points, elapsed ms, ttl ms
var recordAnswer = redis.NewScript(`
if redis.call("SISMEMBER", KEYS[1], ARGV[1]) == 1 then
  return -1
end
redis.call("SADD", KEYS[1], ARGV[1])
redis.call("PEXPIRE", KEYS[1], ARGV[6])
redis.call("HSET", KEYS[2], ARGV[2], ARGV[3])
local total = redis.call("HINCRBY", KEYS[3], ARGV[1], ARGV[4])
redis.call("HINCRBY", KEYS[4], ARGV[1], ARGV[5])
redis.call("DEL", KEYS[5])
return total
`)
