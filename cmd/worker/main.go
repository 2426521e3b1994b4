package main

import (
	"context"
	"errors"
	"os"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/oklog/run"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/wapuda/uniqbot/internal/admission"
	"github.com/wapuda/uniqbot/internal/config"
	"github.com/wapuda/uniqbot/internal/gateway/telegram"
	"github.com/wapuda/uniqbot/internal/janitor"
	"github.com/wapuda/uniqbot/internal/jobs"
	logx "github.com/wapuda/uniqbot/internal/logs"
	"github.com/wapuda/uniqbot/internal/media"
	"github.com/wapuda/uniqbot/internal/offload"
	"github.com/wapuda/uniqbot/internal/session"
	"github.com/wapuda/uniqbot/internal/store"
	"github.com/wapuda/uniqbot/internal/worker"
)

func main() {
	c := config.Load()
	logx.Setup(logx.FromEnv("worker"))
	if err := c.Validate(); err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	if c.Backend != config.BackendRedis {
		log.Fatal().Msg("worker process needs BACKEND=redis; the memory backend runs workers inside the bot")
	}

	if err := serve(c); err != nil {
		var sig run.SignalError
		if errors.As(err, &sig) {
			log.Info().Str("signal", sig.Signal.String()).Msg("worker stopped")
			return
		}
		log.Fatal().Err(err).Msg("worker stopped")
	}
}

func serve(c config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(c.TempDir, 0o755); err != nil {
		return err
	}
	rdb := redis.NewClient(&redis.Options{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}
	tg, err := telegram.New(c.BotToken)
	if err != nil {
		return err
	}
	off, err := offload.FromConfig(ctx, &c)
	if err != nil {
		return err
	}

	jan := janitor.New(c.TempDir, c.TempFileTTL, c.TempCleanInterval)
	pool := worker.New(worker.Deps{
		Store:       store.NewRelay(rdb, c.DefaultLang),
		Sessions:    session.NewRedis(rdb, c.SessionTTL),
		Busy:        admission.NewRedis(rdb, c.BusyTTL),
		Messenger:   tg,
		Downloader:  media.NewDownloader(c.YtDlpPath, c.FfmpegPath),
		Transformer: media.NewTransformer(c.FfmpegPath),
		Offloader:   off,
		Janitor:     jan,
	}, worker.ConfigFrom(&c))

	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB}, asynq.Config{
		Concurrency:     c.Workers,
		Queues:          map[string]int{c.AsynqQueue: 1},
		ShutdownTimeout: pool.ShutdownTimeout(),
		Logger:          logx.AsynqLogger{L: log.Logger},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			log.Warn().Err(err).Str("type", t.Type()).Msg("task failed")
		}),
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(jobs.TaskFetchDeliver, pool.ProcessTask)

	var g run.Group
	{
		sctx, stop := context.WithCancel(ctx)
		g.Add(func() error {
			if err := srv.Start(mux); err != nil {
				return err
			}
			log.Info().Int("concurrency", c.Workers).Str("queue", c.AsynqQueue).Msg("worker started")
			<-sctx.Done()
			srv.Shutdown()
			return nil
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
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	return g.Run()
}
