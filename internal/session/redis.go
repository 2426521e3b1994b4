package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wapuda/uniqbot/internal/jobs"
)

// takeScript deletes the session only when the stored token matches, so a
// stale button press never consumes a newer session.
var takeScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then return false end
local s = cjson.decode(raw)
if s["token"] ~= ARGV[1] then return false end
redis.call("DEL", KEYS[1])
return raw
`)

// Redis keeps sessions as JSON strings with a TTL, shared by the bot and
// worker processes. Expiry is enforced by Redis itself.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, ttl: ttl, now: time.Now}
}

func keySession(user int64) string { return fmt.Sprintf("session:%d", user) }

func (r *Redis) Put(ctx context.Context, userID int64, url string) (Session, error) {
	s := Session{UserID: userID, URL: url, Token: jobs.NewToken(), Created: r.now()}
	b, err := json.Marshal(s)
	if err != nil {
		return Session{}, fmt.Errorf("marshal session: %w", err)
	}
	if err := r.rdb.Set(ctx, keySession(userID), b, r.ttl).Err(); err != nil {
		return Session{}, fmt.Errorf("store session: %w", err)
	}
	return s, nil
}

func (r *Redis) Take(ctx context.Context, userID int64, token string) (Session, bool, error) {
	if token == "" {
		return Session{}, false, nil
	}
	raw, err := takeScript.Run(ctx, r.rdb, []string{keySession(userID)}, token).Text()
	if errors.Is(err, redis.Nil) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("take session: %w", err)
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Session{}, false, fmt.Errorf("decode session: %w", err)
	}
	if r.now().Sub(s.Created) > r.ttl {
		return Session{}, false, nil
	}
	return s, true, nil
}

func (r *Redis) Drop(ctx context.Context, userID int64) error {
	return r.rdb.Del(ctx, keySession(userID)).Err()
}

// Sweep is a no-op: keys carry their own TTL.
func (r *Redis) Sweep(context.Context) (int, error) { return 0, nil }
