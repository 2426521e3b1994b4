// Package config reads the bot and worker tunables from the environment
// (optionally seeded from a .env file).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend selects where transient state (queue, sessions, busy marks,
// broadcast lock) lives.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

type Config struct {
	BotToken string
	AdminIDs []int64

	Backend       Backend
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	AsynqQueue    string

	Workers        int
	QueueSize      int
	DequeueTimeout time.Duration
	SessionTTL     time.Duration
	BusyTTL        time.Duration

	DataDir           string
	TempDir           string
	StateFile         string
	TempFileTTL       time.Duration
	TempCleanInterval time.Duration

	BroadcastDelay         time.Duration
	BroadcastProgressEvery int
	BroadcastLockTTL       time.Duration

	DefaultLang    string
	SupportedHosts []string

	YtDlpPath        string
	FfmpegPath       string
	DownloadTimeout  time.Duration
	TransformTimeout time.Duration
	UploadLimitBytes int64

	S3Enable    bool
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool
	S3Region    string
	S3Bucket    string
	S3LinkTTL   time.Duration

	HealthAddr string
}

var (
	ErrMissingToken = errors.New("BOT_TOKEN is required")
	ErrInvalid      = errors.New("invalid configuration")
)

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func mustBool(k string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return def
}

// mustDuration accepts Go durations ("90s", "15m") or a bare number of seconds.
func mustDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

func parseIDs(s string) []int64 {
	var out []int64
	for _, p := range strings.Split(s, ",") {
		if id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64); err == nil && id != 0 {
			out = append(out, id)
		}
	}
	return out
}

func parseList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load reads .env (if present) and then the process environment.
func Load() Config {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from the current environment with defaults that
// match the production bot.
func FromEnv() Config {
	dataDir := getenv("DATA_DIR", "data")
	mb := mustInt("TG_UPLOAD_LIMIT_MB", 49)
	return Config{
		BotToken: os.Getenv("BOT_TOKEN"),
		AdminIDs: parseIDs(os.Getenv("ADMIN_IDS")),

		Backend:       Backend(strings.ToLower(getenv("BACKEND", string(BackendMemory)))),
		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       mustInt("REDIS_DB", 0),
		AsynqQueue:    getenv("ASYNQ_QUEUE", "media"),

		Workers:        mustInt("WORKERS", 2),
		QueueSize:      mustInt("QUEUE_SIZE", 100),
		DequeueTimeout: mustDuration("DEQUEUE_TIMEOUT", time.Second),
		SessionTTL:     mustDuration("SESSION_TTL", 15*time.Minute),
		BusyTTL:        mustDuration("BUSY_TTL", 30*time.Minute),

		DataDir:           dataDir,
		TempDir:           getenv("TEMP_DIR", "temp"),
		StateFile:         getenv("STATE_FILE", filepath.Join(dataDir, "state.json")),
		TempFileTTL:       mustDuration("TEMP_FILE_TTL", 30*time.Minute),
		TempCleanInterval: mustDuration("TEMP_CLEAN_INTERVAL", 10*time.Minute),

		BroadcastDelay:         mustDuration("BROADCAST_DELAY", 50*time.Millisecond),
		BroadcastProgressEvery: mustInt("BROADCAST_PROGRESS_EVERY", 10),
		BroadcastLockTTL:       mustDuration("BROADCAST_LOCK_TTL", 6*time.Hour),

		DefaultLang:    getenv("DEFAULT_LANG", "ru"),
		SupportedHosts: parseList(getenv("SUPPORTED_HOSTS", "tiktok.com,instagram.com,youtube.com,youtu.be")),

		YtDlpPath:        getenv("YTDLP_PATH", "yt-dlp"),
		FfmpegPath:       getenv("FFMPEG_PATH", "ffmpeg"),
		DownloadTimeout:  mustDuration("DOWNLOAD_TIMEOUT", 5*time.Minute),
		TransformTimeout: mustDuration("TRANSFORM_TIMEOUT", 10*time.Minute),
		UploadLimitBytes: int64(mb) * 1024 * 1024,

		S3Enable:    mustBool("S3_ENABLE", false),
		S3Endpoint:  getenv("S3_ENDPOINT", "localhost:9000"),
		S3AccessKey: os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("S3_SECRET_KEY"),
		S3UseSSL:    mustBool("S3_USE_SSL", false),
		S3Region:    getenv("S3_REGION", "us-east-1"),
		S3Bucket:    getenv("S3_BUCKET", "uniqbot"),
		S3LinkTTL:   mustDuration("S3_LINK_TTL", 24*time.Hour),

		HealthAddr: getenv("HEALTH_ADDR", ":8080"),
	}
}

// Validate reports the first setting that would make the process misbehave.
func (c Config) Validate() error {
	if c.BotToken == "" {
		return ErrMissingToken
	}
	switch {
	case c.Backend != BackendMemory && c.Backend != BackendRedis:
		return fmt.Errorf("%w: BACKEND must be memory or redis, got %q", ErrInvalid, c.Backend)
	case c.Workers <= 0:
		return fmt.Errorf("%w: WORKERS must be positive", ErrInvalid)
	case c.QueueSize <= 0:
		return fmt.Errorf("%w: QUEUE_SIZE must be positive", ErrInvalid)
	case c.DequeueTimeout <= 0:
		return fmt.Errorf("%w: DEQUEUE_TIMEOUT must be positive", ErrInvalid)
	case c.SessionTTL <= 0 || c.TempFileTTL <= 0 || c.TempCleanInterval <= 0:
		return fmt.Errorf("%w: TTLs and intervals must be positive", ErrInvalid)
	case c.BroadcastDelay < 0:
		return fmt.Errorf("%w: BROADCAST_DELAY must not be negative", ErrInvalid)
	case c.BroadcastProgressEvery <= 0:
		return fmt.Errorf("%w: BROADCAST_PROGRESS_EVERY must be positive", ErrInvalid)
	case c.BusyTTL <= c.DownloadTimeout+c.TransformTimeout:
		return fmt.Errorf("%w: BUSY_TTL must exceed DOWNLOAD_TIMEOUT+TRANSFORM_TIMEOUT", ErrInvalid)
	}
	return nil
}

// IsAdmin reports whether id is one of the configured admins.
func (c Config) IsAdmin(id int64) bool {
	for _, a := range c.AdminIDs {
		if a == id {
			return true
		}
	}
	return false
}
