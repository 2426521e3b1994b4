package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("BOT_TOKEN", "x")
	t.Setenv("DATA_DIR", "/srv/bot")

	c := FromEnv()
	assert.Equal(t, BackendMemory, c.Backend)
	assert.Equal(t, 2, c.Workers)
	assert.Equal(t, 15*time.Minute, c.SessionTTL)
	assert.Equal(t, "/srv/bot/state.json", c.StateFile)
	assert.Equal(t, []string{"tiktok.com", "instagram.com", "youtube.com", "youtu.be"}, c.SupportedHosts)
	assert.Equal(t, int64(49*1024*1024), c.UploadLimitBytes)
	require.NoError(t, c.Validate())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("BOT_TOKEN", "x")
	t.Setenv("ADMIN_IDS", "1, 2,bogus,,3")
	t.Setenv("WORKERS", "4")
	t.Setenv("SESSION_TTL", "90")
	t.Setenv("BROADCAST_DELAY", "20ms")
	t.Setenv("BACKEND", "REDIS")
	t.Setenv("S3_ENABLE", "yes")

	c := FromEnv()
	assert.Equal(t, []int64{1, 2, 3}, c.AdminIDs)
	assert.Equal(t, 4, c.Workers)
	assert.Equal(t, 90*time.Second, c.SessionTTL)
	assert.Equal(t, 20*time.Millisecond, c.BroadcastDelay)
	assert.Equal(t, BackendRedis, c.Backend)
	assert.True(t, c.S3Enable)
	assert.True(t, c.IsAdmin(2))
	assert.False(t, c.IsAdmin(4))
}

func TestValidate(t *testing.T) {
	t.Setenv("BOT_TOKEN", "x")
	base := FromEnv()

	cases := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"missing token", func(c *Config) { c.BotToken = "" }, ErrMissingToken},
		{"bad backend", func(c *Config) { c.Backend = "etcd" }, ErrInvalid},
		{"zero workers", func(c *Config) { c.Workers = 0 }, ErrInvalid},
		{"zero queue", func(c *Config) { c.QueueSize = 0 }, ErrInvalid},
		{"zero session ttl", func(c *Config) { c.SessionTTL = 0 }, ErrInvalid},
		{"zero progress", func(c *Config) { c.BroadcastProgressEvery = 0 }, ErrInvalid},
		{"busy ttl shorter than a pipeline", func(c *Config) { c.BusyTTL = 10 * time.Minute }, ErrInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := base
			tc.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}
