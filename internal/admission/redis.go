package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wapuda/uniqbot/internal/jobs"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis shares the busy set between the bot and worker processes. The
// key holds the token of the current mark; the TTL bounds how long a
// crashed worker can keep a user locked out.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, ttl: ttl}
}

func keyBusy(user int64) string { return fmt.Sprintf("busy:%d", user) }

func (r *Redis) TryAcquire(ctx context.Context, userID int64) (string, bool, error) {
	token := jobs.NewToken()
	ok, err := r.rdb.SetNX(ctx, keyBusy(userID), token, r.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire busy mark: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (r *Redis) Refresh(ctx context.Context, userID int64, token string) (bool, error) {
	n, err := refreshScript.Run(ctx, r.rdb, []string{keyBusy(userID)}, token, r.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("refresh busy mark: %w", err)
	}
	return n == 1, nil
}

func (r *Redis) Release(ctx context.Context, userID int64, token string) error {
	if err := releaseScript.Run(ctx, r.rdb, []string{keyBusy(userID)}, token).Err(); err != nil {
		return fmt.Errorf("release busy mark: %w", err)
	}
	return nil
}

func (r *Redis) Held(ctx context.Context, userID int64) (bool, error) {
	n, err := r.rdb.Exists(ctx, keyBusy(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("check busy mark: %w", err)
	}
	return n > 0, nil
}
