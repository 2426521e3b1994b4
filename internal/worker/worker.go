// Package worker runs the fetch-and-deliver pipeline: a fixed pool over an
// in-process queue, or one asynq handler per task when backed by redis.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/wapuda/uniqbot/internal/admission"
	"github.com/wapuda/uniqbot/internal/bot/callback"
	"github.com/wapuda/uniqbot/internal/config"
	"github.com/wapuda/uniqbot/internal/gateway"
	"github.com/wapuda/uniqbot/internal/jobs"
	logx "github.com/wapuda/uniqbot/internal/logs"
	"github.com/wapuda/uniqbot/internal/offload"
	"github.com/wapuda/uniqbot/internal/queue"
	"github.com/wapuda/uniqbot/internal/session"
	"github.com/wapuda/uniqbot/internal/store"
	"github.com/wapuda/uniqbot/internal/texts"
)

var (
	ErrTooLarge = errors.New("file exceeds upload limit")
	// ErrMarkLost means the task no longer owns its user's busy mark: it
	// expired in the queue or the task was delivered twice.
	ErrMarkLost = errors.New("busy mark no longer owned by task")
)

// shutdownGrace is added on top of the collaborator timeouts when
// waiting for in-flight tasks on shutdown.
const shutdownGrace = 30 * time.Second

type Downloader interface {
	Fetch(ctx context.Context, url, dest string) error
}

type Transformer interface {
	Transform(ctx context.Context, src, dst string) error
}

// Store is the part of the persistent store the pipeline touches.
type Store interface {
	IncStat(name string, delta int64) error
	GetLang(id int64) string
}

// Sweeper removes stale files from the working directory.
type Sweeper interface {
	Sweep() (int, error)
}

// Deps are the collaborators shared by every worker. Offloader and
// Janitor may be nil.
type Deps struct {
	Store       Store
	Sessions    session.Table
	Busy        admission.Control
	Messenger   gateway.Messenger
	Downloader  Downloader
	Transformer Transformer
	Offloader   offload.Offloader
	Janitor     Sweeper
}

type Config struct {
	Workers          int
	TempDir          string
	DequeueTimeout   time.Duration
	DownloadTimeout  time.Duration
	TransformTimeout time.Duration
	UploadLimitBytes int64 // 0 disables the check
}

type Pool struct {
	d   Deps
	cfg Config
}

func New(d Deps, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = time.Second
	}
	return &Pool{d: d, cfg: cfg}
}

// Run starts the workers and blocks until ctx is done and every worker has
// finished its current task.
func (p *Pool) Run(ctx context.Context, src queue.Source) error {
	if err := os.MkdirAll(p.cfg.TempDir, 0o755); err != nil {
		return fmt.Errorf("temp dir: %w", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.loop(ctx, n, src)
		}(i)
	}
	l := logx.FromCtx(ctx)
	l.Info().Int("workers", p.cfg.Workers).Msg("worker pool started")
	wg.Wait()
	return nil
}

func (p *Pool) loop(ctx context.Context, n int, src queue.Source) {
	log := logx.FromCtx(ctx).With().Int("worker", n).Logger()
	for {
		t, ok, err := src.Dequeue(ctx, p.cfg.DequeueTimeout)
		if ok {
			// A dequeued task runs to completion even during shutdown.
			_ = p.Execute(context.WithoutCancel(ctx), t)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("dequeue")
			time.Sleep(p.cfg.DequeueTimeout)
			continue
		}
		if swept, err := p.d.Sessions.Sweep(ctx); err != nil {
			log.Warn().Err(err).Msg("session sweep")
		} else if swept > 0 {
			log.Debug().Int("expired", swept).Msg("sessions swept")
		}
	}
}

// ProcessTask is the asynq handler for jobs.TaskFetchDeliver. Like the
// in-process loop it finishes a started task when the server stops; the
// server waits ShutdownTimeout for it.
func (p *Pool) ProcessTask(ctx context.Context, at *asynq.Task) error {
	t, err := jobs.Decode(at.Payload())
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if err := p.Execute(context.WithoutCancel(ctx), t); err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return nil
}

// ShutdownTimeout is how long a server should wait for a task that has
// just started: both collaborator budgets plus a grace period.
func (p *Pool) ShutdownTimeout() time.Duration {
	return p.cfg.DownloadTimeout + p.cfg.TransformTimeout + shutdownGrace
}

func (p *Pool) paths(userID int64) (in, out string) {
	sfx := jobs.ShortSuffix()
	in = filepath.Join(p.cfg.TempDir, fmt.Sprintf("in_%d_%s.mp4", userID, sfx))
	out = filepath.Join(p.cfg.TempDir, fmt.Sprintf("out_%d_%s.mp4", userID, sfx))
	return in, out
}

func removeAll(paths ...string) {
	for _, f := range paths {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			l := logx.FromCtx(context.Background())
			l.Warn().Err(err).Str("path", f).Msg("cleanup")
		}
	}
}

// Execute runs one admitted task. The user's busy mark is released on
// every path out, panics included.
func (p *Pool) Execute(ctx context.Context, t jobs.Task) (err error) {
	ctx = logx.WithTask(logx.WithUser(ctx, t.UserID), t.ID)
	log := logx.FromCtx(ctx)
	start := time.Now()

	defer p.release(ctx, t.UserID, t.BusyToken)
	status := gateway.MessageRef{ChatID: t.ChatID, MessageID: t.StatusMsgID}
	owns, err := p.d.Busy.Refresh(ctx, t.UserID, t.BusyToken)
	if err != nil {
		log.Error().Err(err).Msg("busy mark check")
		p.status(ctx, status, texts.T(t.Lang, "error"))
		return err
	}
	if !owns {
		// the status message may already show a finished delivery
		log.Warn().Msg("task dropped: busy mark lost")
		return ErrMarkLost
	}

	p.sweepTemp(ctx)
	in, out := p.paths(t.UserID)
	defer removeAll(in, out)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
			log.Error().Interface("panic", r).Msg("pipeline panicked")
			p.status(ctx, status, texts.T(t.Lang, "error"))
		}
	}()

	log.Info().Str("mode", string(t.Mode)).Str("url", t.URL).Msg("task started")
	if err := p.fetch(ctx, t.URL, in); err != nil {
		log.Warn().Err(err).Msg("download failed")
		p.status(ctx, status, texts.T(t.Lang, "error"))
		return err
	}
	p.count(ctx, store.StatDownloads)

	switch t.Mode {
	case jobs.ModeTransform:
		err = p.transformAndDeliver(ctx, t.ChatID, t.Lang, status, in, out)
	default:
		err = p.deliverOriginal(ctx, t, status, in)
	}
	if err != nil {
		return err
	}
	log.Info().Dur("took", time.Since(start)).Msg("task done")
	return nil
}

func (p *Pool) deliverOriginal(ctx context.Context, t jobs.Task, status gateway.MessageRef, in string) error {
	log := logx.FromCtx(ctx)
	p.status(ctx, status, texts.T(t.Lang, "done"))
	if err := p.deliver(ctx, t.ChatID, t.Lang, in, texts.T(t.Lang, "original_caption")); err != nil {
		log.Warn().Err(err).Msg("deliver original")
		p.status(ctx, status, texts.T(t.Lang, "error"))
		return err
	}
	s, err := p.d.Sessions.Put(ctx, t.UserID, t.URL)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	kb := gateway.NewKeyboard(gateway.Row(
		gateway.Button{Text: texts.T(t.Lang, "btn_yes"), Data: callback.Encode(callback.Confirm{Yes: true, Token: s.Token})},
		gateway.Button{Text: texts.T(t.Lang, "btn_no"), Data: callback.Encode(callback.Confirm{Yes: false, Token: s.Token})},
	))
	if _, err := p.d.Messenger.SendText(ctx, t.ChatID, texts.T(t.Lang, "ask_unique"), kb); err != nil {
		log.Warn().Err(err).Msg("ask unique")
	}
	return nil
}

// transformAndDeliver is shared by the transform mode and the confirmed
// follow-up; in must already hold the downloaded file.
func (p *Pool) transformAndDeliver(ctx context.Context, chatID int64, lang string, status gateway.MessageRef, in, out string) error {
	log := logx.FromCtx(ctx)
	p.status(ctx, status, texts.T(lang, "unique_processing"))
	tctx, cancel := p.bounded(ctx, p.cfg.TransformTimeout)
	err := p.d.Transformer.Transform(tctx, in, out)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("transform failed")
		p.status(ctx, status, texts.T(lang, "unique_error"))
		return err
	}
	p.count(ctx, store.StatTransforms)
	p.status(ctx, status, texts.T(lang, "done"))
	if err := p.deliver(ctx, chatID, lang, out, texts.T(lang, "unique_caption")); err != nil {
		log.Warn().Err(err).Msg("deliver unique")
		p.status(ctx, status, texts.T(lang, "error"))
		return err
	}
	return nil
}

// Confirm resolves the "make it unique?" prompt. A stale or repeated
// token is answered with "session expired" and is not an error.
func (p *Pool) Confirm(ctx context.Context, userID, chatID int64, msgID int, token string, yes bool) (err error) {
	ctx = logx.WithUser(ctx, userID)
	log := logx.FromCtx(ctx)
	lang := p.d.Store.GetLang(userID)
	prompt := gateway.MessageRef{ChatID: chatID, MessageID: msgID}

	s, ok, err := p.d.Sessions.Take(ctx, userID, token)
	if err != nil {
		return fmt.Errorf("take session: %w", err)
	}
	if !yes {
		p.status(ctx, prompt, texts.T(lang, "no_unique"))
		return nil
	}
	if !ok {
		log.Debug().Msg("confirm with stale token")
		p.status(ctx, prompt, texts.T(lang, "session_expired"))
		return nil
	}

	mark, acquired, err := p.d.Busy.TryAcquire(ctx, userID)
	if err != nil {
		return fmt.Errorf("acquire busy: %w", err)
	}
	if !acquired {
		log.Debug().Msg("confirm while busy")
		p.status(ctx, prompt, texts.T(lang, "busy"))
		return nil
	}
	defer p.release(ctx, userID, mark)

	ctx = logx.WithTask(ctx, jobs.NewID())
	log = logx.FromCtx(ctx)
	p.sweepTemp(ctx)
	in, out := p.paths(userID)
	defer removeAll(in, out)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("confirm panic: %v", r)
			log.Error().Interface("panic", r).Msg("confirm panicked")
			p.status(ctx, prompt, texts.T(lang, "unique_error"))
		}
	}()

	p.status(ctx, prompt, texts.T(lang, "downloading"))
	if err = p.fetch(ctx, s.URL, in); err != nil {
		log.Warn().Err(err).Msg("download failed")
		p.status(ctx, prompt, texts.T(lang, "error"))
		return err
	}
	return p.transformAndDeliver(ctx, chatID, lang, prompt, in, out)
}

func (p *Pool) fetch(ctx context.Context, url, dest string) error {
	fctx, cancel := p.bounded(ctx, p.cfg.DownloadTimeout)
	defer cancel()
	return p.d.Downloader.Fetch(fctx, url, dest)
}

func (p *Pool) bounded(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// deliver uploads path to the chat, or an offload link when it is over
// the upload limit.
func (p *Pool) deliver(ctx context.Context, chatID int64, lang, path, caption string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat result: %w", err)
	}
	if p.cfg.UploadLimitBytes > 0 && fi.Size() > p.cfg.UploadLimitBytes {
		if p.d.Offloader == nil {
			return fmt.Errorf("%w: %d bytes", ErrTooLarge, fi.Size())
		}
		link, err := p.d.Offloader.Offload(ctx, path)
		if err != nil {
			return fmt.Errorf("offload: %w", err)
		}
		hours := int(p.d.Offloader.LinkTTL().Hours())
		_, err = p.d.Messenger.SendText(ctx, chatID,
			caption+"\n\n"+texts.T(lang, "offload_link", "hours", hours, "url", link), nil)
		return err
	}
	_, err = p.d.Messenger.SendMedia(ctx, chatID, gateway.Media{Kind: gateway.MediaVideo, Path: path, Caption: caption}, nil)
	return err
}

// status rewrites the progress message; a zero ref means there is none.
func (p *Pool) status(ctx context.Context, ref gateway.MessageRef, text string) {
	if ref.MessageID == 0 {
		return
	}
	if err := p.d.Messenger.EditText(ctx, ref, text, nil); err != nil {
		l := logx.FromCtx(ctx)
		l.Debug().Err(err).Msg("status edit")
	}
}

func (p *Pool) count(ctx context.Context, name string) {
	if err := p.d.Store.IncStat(name, 1); err != nil {
		l := logx.FromCtx(ctx)
		l.Error().Err(err).Str("stat", name).Msg("counter not persisted")
	}
}

func (p *Pool) sweepTemp(ctx context.Context) {
	if p.d.Janitor == nil {
		return
	}
	if _, err := p.d.Janitor.Sweep(); err != nil {
		l := logx.FromCtx(ctx)
		l.Debug().Err(err).Msg("temp sweep")
	}
}

func (p *Pool) release(ctx context.Context, userID int64, token string) {
	if err := p.d.Busy.Release(context.WithoutCancel(ctx), userID, token); err != nil {
		l := logx.FromCtx(ctx)
		l.Error().Err(err).Msg("release busy mark")
	}
}

// ConfigFrom picks the pool settings out of the process config.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Workers:          c.Workers,
		TempDir:          c.TempDir,
		DequeueTimeout:   c.DequeueTimeout,
		DownloadTimeout:  c.DownloadTimeout,
		TransformTimeout: c.TransformTimeout,
		UploadLimitBytes: c.UploadLimitBytes,
	}
}
