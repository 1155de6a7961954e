package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisUnlockScript deletes the lock key only when the stored token
// still belongs to the caller, so an expired holder cannot release a
// lock that was since re-acquired.
// KEYS[1] = lock key
// ARGV[1] = holder token
var redisUnlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis coordinates release runs across hosts.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a lock backed by Redis.
func NewRedis(addr, password string, db int) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Redis{client: rdb}
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (Unlock, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, lockKey(key), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: redis setnx: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHeld, key)
	}

	unlock := func(ctx context.Context) error {
		if err := redisUnlockScript.Run(ctx, r.client, []string{lockKey(key)}, token).Err(); err != nil {
			return fmt.Errorf("lock: redis release: %w", err)
		}
		return nil
	}
	return unlock, nil
}

func lockKey(key string) string {
	return fmt.Sprintf("relgate:lock:%s", key)
}
