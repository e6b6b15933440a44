package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisLocker implements AccountLocker on SET NX with a fencing token; only
// the holder's token can release the key.
type RedisLocker struct {
	client *redis.Client
	script *redis.Script
	policy RetryPolicy
}

func NewRedisLocker(client *redis.Client, policy RetryPolicy) *RedisLocker {
	if client == nil {
		return nil
	}
	return &RedisLocker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
		policy: policy,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, accountKey string) (Release, error) {
	if l == nil || l.client == nil {
		return nil, errors.New("lock client not configured")
	}
	if accountKey == "" {
		return nil, errors.New("lock key is empty")
	}

	key := "payment:lock:" + accountKey
	token := uuid.NewString()

	for attempt := 0; attempt <= l.policy.Retries; attempt++ {
		ok, err := l.client.SetNX(ctx, key, token, l.policy.TTL).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func(ctx context.Context) error {
				return l.script.Run(ctx, l.client, []string{key}, token).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.policy.Interval):
		}
	}
	return nil, ErrNotAcquired
}
