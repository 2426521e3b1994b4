// Package broadcast fans one admin message out to every known user.
// At most one broadcast runs at a time; it is paced, cancellable and
// prunes users who blocked the bot.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/wapuda/uniqbot/internal/bot/callback"
	"github.com/wapuda/uniqbot/internal/gateway"
	"github.com/wapuda/uniqbot/internal/store"
	"github.com/wapuda/uniqbot/internal/texts"
)

var (
	ErrAlreadyRunning = errors.New("broadcast already running")
	ErrNoRecipients   = errors.New("no recipients")
)

// Store is what the coordinator needs from the persistent store.
type Store interface {
	ListUserIDs() []int64
	RemoveUser(id int64) error
	IncStat(name string, delta int64) error
}

// Payload is fixed at launch: plain text, or a media reference with caption.
type Payload struct {
	Kind    gateway.MediaKind
	Text    string
	FileID  string
	Caption string
}

// Status is a snapshot of the current (or last) run.
type Status struct {
	Running         bool
	CancelRequested bool
	Total           int
	Sent            int
	Failed          int
	Blocked         int
	AdminID         int64
}

type Config struct {
	Delay         time.Duration // between sends
	ProgressEvery int
}

type Coordinator struct {
	st   Store
	msg  gateway.Messenger
	lock Locker
	cfg  Config

	mu     sync.Mutex
	status Status
	cancel context.CancelFunc
	done   chan struct{}
}

func New(st Store, msg gateway.Messenger, lock Locker, cfg Config) *Coordinator {
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 10
	}
	if lock == nil {
		lock = &MemoryLock{}
	}
	return &Coordinator{st: st, msg: msg, lock: lock, cfg: cfg}
}

func cancelKeyboard() *gateway.Keyboard {
	return gateway.NewKeyboard(gateway.Row(gateway.Button{
		Text: texts.T(texts.LangRU, "admin_btn_cancel"),
		Data: callback.Encode(callback.BroadcastCancel{}),
	}))
}

// Start snapshots the recipients and launches the run in the background.
func (c *Coordinator) Start(ctx context.Context, adminID int64, p Payload) error {
	c.mu.Lock()
	if c.status.Running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	ok, err := c.lock.Acquire(ctx)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if !ok {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	ids := c.st.ListUserIDs()
	if len(ids) == 0 {
		c.mu.Unlock()
		if err := c.lock.Release(ctx); err != nil {
			log.Warn().Err(err).Msg("broadcast lock release")
		}
		return ErrNoRecipients
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.status = Status{Running: true, Total: len(ids), AdminID: adminID}
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	ref, err := c.msg.SendText(ctx, adminID, c.progressText(0, len(ids)), cancelKeyboard())
	if err != nil {
		log.Warn().Err(err).Msg("broadcast progress message")
	}
	log.Info().Int64("admin", adminID).Int("total", len(ids)).Str("kind", string(p.Kind)).Msg("broadcast started")
	go c.run(runCtx, ids, p, ref, done)
	return nil
}

// Cancel asks the running broadcast to stop before its next send.
func (c *Coordinator) Cancel(adminID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.status.Running {
		return false
	}
	if !c.status.CancelRequested {
		log.Info().Int64("admin", adminID).Int("sent", c.status.Sent).Msg("broadcast cancel requested")
	}
	c.status.CancelRequested = true
	c.cancel()
	return true
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Wait blocks until the current run, if any, has fully terminated.
func (c *Coordinator) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (c *Coordinator) progressText(sent, total int) string {
	return texts.T(texts.LangRU, "broadcast_progress", "sent", sent, "total", total)
}

func (c *Coordinator) run(ctx context.Context, ids []int64, p Payload, ref gateway.MessageRef, done chan struct{}) {
	defer c.finish(ref, done)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("broadcast loop panicked")
		}
	}()

	var lim *rate.Limiter
	if c.cfg.Delay > 0 {
		lim = rate.NewLimiter(rate.Every(c.cfg.Delay), 1)
	}
	for i, id := range ids {
		if c.Status().CancelRequested {
			return
		}
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return
			}
		}
		err := c.send(context.WithoutCancel(ctx), id, p)
		c.record(id, err)

		if n := i + 1; n%c.cfg.ProgressEvery == 0 && n < len(ids) && ref.MessageID != 0 {
			st := c.Status()
			if err := c.msg.EditText(ctx, ref, c.progressText(st.Sent, st.Total), cancelKeyboard()); err != nil {
				log.Debug().Err(err).Msg("broadcast progress edit")
			}
		}
	}
}

func (c *Coordinator) send(ctx context.Context, chatID int64, p Payload) error {
	if p.Kind == gateway.MediaText || p.Kind == "" {
		_, err := c.msg.SendText(ctx, chatID, p.Text, nil)
		return err
	}
	_, err := c.msg.SendMedia(ctx, chatID, gateway.Media{Kind: p.Kind, FileID: p.FileID, Caption: p.Caption}, nil)
	return err
}

func (c *Coordinator) record(id int64, err error) {
	c.mu.Lock()
	switch {
	case err == nil:
		c.status.Sent++
	case gateway.IsUnreachable(err):
		c.status.Failed++
		c.status.Blocked++
	default:
		c.status.Failed++
	}
	c.mu.Unlock()

	if err == nil {
		return
	}
	if !gateway.IsUnreachable(err) {
		log.Debug().Err(err).Int64("user_id", id).Msg("broadcast send failed")
		return
	}
	if rmErr := c.st.RemoveUser(id); rmErr != nil {
		log.Error().Err(rmErr).Int64("user_id", id).Msg("remove blocked user")
	}
	if incErr := c.st.IncStat(store.StatBlocked, 1); incErr != nil {
		log.Error().Err(incErr).Msg("blocked counter not persisted")
	}
}

// finish delivers the summary exactly once, then returns the coordinator
// to idle and frees the lock.
func (c *Coordinator) finish(ref gateway.MessageRef, done chan struct{}) {
	defer close(done)
	st := c.Status()

	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("broadcast summary panicked")
			}
		}()
		key := "broadcast_sent"
		if st.CancelRequested {
			key = "broadcast_cancelled"
		}
		text := texts.T(texts.LangRU, key, "sent", st.Sent, "total", st.Total)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if ref.MessageID != 0 {
			if err := c.msg.EditText(ctx, ref, text, nil); err == nil {
				return
			}
		}
		if _, err := c.msg.SendText(ctx, st.AdminID, text, nil); err != nil {
			log.Warn().Err(err).Msg("broadcast summary")
		}
	}()

	c.mu.Lock()
	c.status.Running = false
	c.status.CancelRequested = false
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	if err := c.lock.Release(context.Background()); err != nil {
		log.Error().Err(err).Msg("broadcast lock release")
	}
	log.Info().
		Int("sent", st.Sent).Int("total", st.Total).
		Int("failed", st.Failed).Int("blocked", st.Blocked).
		Bool("cancelled", st.CancelRequested).
		Msg("broadcast finished")
}
