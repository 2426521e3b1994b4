package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/oklog/run"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/wapuda/uniqbot/internal/admission"
	"github.com/wapuda/uniqbot/internal/bot"
	"github.com/wapuda/uniqbot/internal/broadcast"
	"github.com/wapuda/uniqbot/internal/config"
	"github.com/wapuda/uniqbot/internal/gateway/telegram"
	"github.com/wapuda/uniqbot/internal/janitor"
	logx "github.com/wapuda/uniqbot/internal/logs"
	"github.com/wapuda/uniqbot/internal/media"
	"github.com/wapuda/uniqbot/internal/offload"
	"github.com/wapuda/uniqbot/internal/queue"
	"github.com/wapuda/uniqbot/internal/session"
	"github.com/wapuda/uniqbot/internal/store"
	"github.com/wapuda/uniqbot/internal/worker"
)

const relayInterval = 5 * time.Second

func main() {
	c := config.Load()
	logx.Setup(logx.FromEnv("bot"))
	if err := c.Validate(); err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	log.Info().Str("backend", string(c.Backend)).Int("workers", c.Workers).Msg("bot starting")

	if err := serve(c); err != nil {
		var sig run.SignalError
		if errors.As(err, &sig) {
			log.Info().Str("signal", sig.Signal.String()).Msg("bot stopped")
			return
		}
		log.Fatal().Err(err).Msg("bot stopped")
	}
}

func serve(c config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return err
	}
	st, err := store.Open(c.StateFile, c.DefaultLang)
	if err != nil {
		return err
	}
	defer st.Close()

	tg, err := telegram.New(c.BotToken)
	if err != nil {
		return err
	}
	log.Info().Str("username", tg.Username()).Msg("bot authorized")

	var (
		sessions session.Table
		busy     admission.Control
		tasks    queue.Queue
		lock     broadcast.Locker
		memQ     *queue.Memory
		relay    *store.Relay
	)
	switch c.Backend {
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		ac := asynq.NewClient(asynq.RedisClientOpt{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB})
		defer ac.Close()
		sessions = session.NewRedis(rdb, c.SessionTTL)
		busy = admission.NewRedis(rdb, c.BusyTTL)
		tasks = queue.NewAsynq(ac, c.AsynqQueue)
		lock = broadcast.NewRedisLock(rdb, c.BroadcastLockTTL)
		relay = store.NewRelay(rdb, c.DefaultLang)
	default:
		memQ = queue.NewMemory(c.QueueSize)
		sessions = session.NewMemory(c.SessionTTL)
		busy = admission.NewMemory()
		tasks = memQ
		lock = &broadcast.MemoryLock{}
	}

	off, err := offload.FromConfig(ctx, &c)
	if err != nil {
		return err
	}
	jan := janitor.New(c.TempDir, c.TempFileTTL, c.TempCleanInterval)
	pool := worker.New(worker.Deps{
		Store:       st,
		Sessions:    sessions,
		Busy:        busy,
		Messenger:   tg,
		Downloader:  media.NewDownloader(c.YtDlpPath, c.FfmpegPath),
		Transformer: media.NewTransformer(c.FfmpegPath),
		Offloader:   off,
		Janitor:     jan,
	}, worker.ConfigFrom(&c))
	bc := broadcast.New(st, tg, lock, broadcast.Config{
		Delay:         c.BroadcastDelay,
		ProgressEvery: c.BroadcastProgressEvery,
	})
	h := bot.New(bot.Deps{
		Store:     st,
		Messenger: tg,
		Busy:      busy,
		Queue:     tasks,
		Confirmer: pool,
		Broadcast: bc,
	}, &c)

	var g run.Group
	{
		pctx, stop := context.WithCancel(ctx)
		g.Add(func() error {
			return tg.Poll(pctx, h.Handle)
		}, func(error) {
			stop()
		})
	}
	if memQ != nil {
		wctx, stop := context.WithCancel(ctx)
		g.Add(func() error {
			return pool.Run(wctx, memQ)
		}, func(error) {
			stop()
		})
	}
	if relay != nil {
		rctx, stop := context.WithCancel(ctx)
		g.Add(func() error {
			return relay.Run(rctx, st, relayInterval)
		}, func(error) {
			stop()
		})
	}
	{
		jctx, stop := context.WithCancel(ctx)
		g.Add(func() error {
			return jan.Run(jctx)
		}, func(error) {
			stop()
		})
	}
	{
		srv := &http.Server{Addr: c.HealthAddr, Handler: healthHandler(c, memQ, bc), ReadHeaderTimeout: 5 * time.Second}
		g.Add(func() error {
			log.Info().Str("addr", c.HealthAddr).Msg("health endpoint")
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			sctx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(sctx)
		})
	}
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err = g.Run()

	// stop the broadcast and let running confirmations finish
	bc.Cancel(0)
	bc.Wait()
	h.Wait()
	return err
}

func healthHandler(c config.Config, memQ *queue.Memory, bc *broadcast.Coordinator) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		body := map[string]any{
			"ok":        true,
			"backend":   c.Backend,
			"broadcast": bc.Status().Running,
		}
		if memQ != nil {
			body["queued"] = memQ.Len()
			body["queue_cap"] = memQ.Cap()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})
	return mux
}
