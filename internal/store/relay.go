package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// drainScript reads and clears the relay hash in one step.
var drainScript = redis.NewScript(`
local v = redis.call("HGETALL", KEYS[1])
redis.call("DEL", KEYS[1])
return v
`)

// Relay carries counter increments from worker processes to the process
// that owns the state file. Workers only ever add; the owner drains.
type Relay struct {
	rdb         *redis.Client
	key         string
	defaultLang string
}

func NewRelay(rdb *redis.Client, defaultLang string) *Relay {
	return &Relay{rdb: rdb, key: "stats:relay", defaultLang: defaultLang}
}

func (r *Relay) IncStat(name string, delta int64) error {
	if delta <= 0 {
		return ErrNonPositiveDelta
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.rdb.HIncrBy(ctx, r.key, name, delta).Err(); err != nil {
		return fmt.Errorf("relay %s: %w", name, err)
	}
	return nil
}

// GetLang returns the default; tasks carry the user's language.
func (r *Relay) GetLang(int64) string { return r.defaultLang }

type incrementer interface {
	IncStat(name string, delta int64) error
}

// Drain moves pending increments into dst and returns how many counters
// were touched.
func (r *Relay) Drain(ctx context.Context, dst incrementer) (int, error) {
	kv, err := drainScript.Run(ctx, r.rdb, []string{r.key}).StringSlice()
	if err != nil {
		return 0, fmt.Errorf("drain relay: %w", err)
	}
	n := 0
	for i := 0; i+1 < len(kv); i += 2 {
		delta, err := strconv.ParseInt(kv[i+1], 10, 64)
		if err != nil || delta <= 0 {
			continue
		}
		if err := dst.IncStat(kv[i], delta); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Run drains every interval until ctx is done.
func (r *Relay) Run(ctx context.Context, dst incrementer, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			if _, err := r.Drain(context.WithoutCancel(ctx), dst); err != nil {
				log.Warn().Err(err).Msg("final relay drain")
			}
			return nil
		case <-t.C:
			if _, err := r.Drain(ctx, dst); err != nil {
				log.Warn().Err(err).Msg("relay drain")
			}
		}
	}
}
