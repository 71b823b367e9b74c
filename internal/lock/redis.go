package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisLocker is a ConversationLocker backed by a Redis SetNX lease, for
// deployments where several instances share one database. The lease TTL
// bounds how long a crashed holder can block a conversation.
type RedisLocker struct {
	Client *redis.Client
	// TTL is the lease lifetime; values <= 0 default to 30s.
	TTL time.Duration
	// Retry is the poll interval while the lock is held elsewhere;
	// values <= 0 default to 50ms.
	Retry time.Duration
}

// releaseScript deletes the lease only when this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

func (r *RedisLocker) ttl() time.Duration {
	if r.TTL > 0 {
		return r.TTL
	}
	return 30 * time.Second
}

func (r *RedisLocker) retry() time.Duration {
	if r.Retry > 0 {
		return r.Retry
	}
	return 50 * time.Millisecond
}

// Lock polls SetNX until the lease is acquired or ctx is done. The release
// function is compare-and-delete, so an expired lease taken over by another
// instance is never released out from under it.
func (r *RedisLocker) Lock(ctx context.Context, conversationID string) (func(), error) {
	key := "conversation:lock:" + conversationID
	token := uuid.NewString()

	ticker := time.NewTicker(r.retry())
	defer ticker.Stop()

	for {
		ok, err := r.Client.SetNX(ctx, key, token, r.ttl()).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				if _, err := releaseScript.Run(context.Background(), r.Client, []string{key}, token).Result(); err != nil {
					log.Warn().Err(err).Str("conversation_id", conversationID).Msg("release conversation lock")
				}
			}, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
