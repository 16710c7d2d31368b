package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// deleteIfEquals removes KEYS[1] only while it still holds ARGV[1].
var deleteIfEquals = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisDirectory shares the user -> connection mapping between server
// instances. Entries expire after ttl unless refreshed by Register, so a
// crashed instance does not leave users pinned to dead connections.
type RedisDirectory struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisDirectory(rdb *redis.Client, prefix string, ttl time.Duration) *RedisDirectory {
	if prefix == "" {
		prefix = "dispatch"
	}
	return &RedisDirectory{redis: rdb, prefix: prefix, ttl: ttl}
}

func (d *RedisDirectory) userKey(userID string) string { return d.prefix + ":conn:user:" + userID }
func (d *RedisDirectory) connKey(connID string) string { return d.prefix + ":conn:id:" + connID }

func (d *RedisDirectory) Register(ctx context.Context, userID, connID string) error {
	pipe := d.redis.TxPipeline()
	pipe.Set(ctx, d.userKey(userID), connID, d.ttl)
	pipe.Set(ctx, d.connKey(connID), userID, d.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (d *RedisDirectory) Lookup(ctx context.Context, userID string) (string, bool, error) {
	val, err := d.redis.Get(ctx, d.userKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (d *RedisDirectory) Unregister(ctx context.Context, connID string) error {
	userID, err := d.redis.Get(ctx, d.connKey(connID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := d.redis.Del(ctx, d.connKey(connID)).Err(); err != nil {
		return err
	}
	return deleteIfEquals.Run(ctx, d.redis, []string{d.userKey(userID)}, connID).Err()
}
