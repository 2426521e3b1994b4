// Package bot is the message layer: it routes inbound events, runs
// admission for links, and drives the admin panel.
package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wapuda/uniqbot/internal/admission"
	"github.com/wapuda/uniqbot/internal/bot/callback"
	"github.com/wapuda/uniqbot/internal/broadcast"
	"github.com/wapuda/uniqbot/internal/config"
	"github.com/wapuda/uniqbot/internal/gateway"
	"github.com/wapuda/uniqbot/internal/jobs"
	"github.com/wapuda/uniqbot/internal/media"
	"github.com/wapuda/uniqbot/internal/queue"
	"github.com/wapuda/uniqbot/internal/store"
	"github.com/wapuda/uniqbot/internal/texts"
)

type Store interface {
	UpsertUser(id int64, username string) (bool, error)
	SetLang(id int64, lang string) error
	GetLang(id int64) string
	HasLang(id int64) bool
	Snapshot() (int, map[string]int64)
	CountActiveSince(d time.Duration) int
}

// Confirmer runs the follow-up of the "make it unique?" prompt.
type Confirmer interface {
	Confirm(ctx context.Context, userID, chatID int64, msgID int, token string, yes bool) error
}

type Broadcaster interface {
	Start(ctx context.Context, adminID int64, p broadcast.Payload) error
	Cancel(adminID int64) bool
	Status() broadcast.Status
}

type Deps struct {
	Store     Store
	Messenger gateway.Messenger
	Busy      admission.Control
	Queue     queue.Queue
	Confirmer Confirmer
	Broadcast Broadcaster
}

type Handler struct {
	d   Deps
	cfg *config.Config

	mu    sync.Mutex
	modes map[int64]jobs.Mode
	armed map[int64]bool // admins whose next message is a broadcast payload

	confirms sync.WaitGroup
}

func New(d Deps, cfg *config.Config) *Handler {
	return &Handler{
		d:     d,
		cfg:   cfg,
		modes: make(map[int64]jobs.Mode),
		armed: make(map[int64]bool),
	}
}

// Wait blocks until confirmations started by callbacks have finished.
func (h *Handler) Wait() { h.confirms.Wait() }

// Handle processes one event. It is called serially by the poller.
func (h *Handler) Handle(ctx context.Context, ev gateway.Event) {
	if !ev.Private() || ev.UserID == 0 {
		return
	}
	h.touch(ctx, ev)
	switch ev.Kind {
	case gateway.EventCallback:
		h.onCallback(ctx, ev)
	default:
		h.onMessage(ctx, ev)
	}
}

// touch records the user and tells the admins about newcomers.
func (h *Handler) touch(ctx context.Context, ev gateway.Event) {
	isNew, err := h.d.Store.UpsertUser(ev.UserID, ev.Username)
	if err != nil {
		log.Error().Err(err).Int64("user_id", ev.UserID).Msg("upsert user")
		return
	}
	if !isNew {
		return
	}
	if code := texts.Match(ev.LangCode, ""); code != "" && ev.Kind == gateway.EventMessage && ev.Command != "start" {
		// users who skip /start get their client language
		_ = h.d.Store.SetLang(ev.UserID, code)
	}
	log.Info().Int64("user_id", ev.UserID).Str("username", ev.Username).Msg("new user")
	if h.cfg.IsAdmin(ev.UserID) {
		return
	}
	name := ev.Username
	if name == "" {
		name = "no_username"
	}
	text := texts.T(texts.LangRU, "new_user", "id", ev.UserID, "username", name)
	for _, admin := range h.cfg.AdminIDs {
		if _, err := h.d.Messenger.SendText(ctx, admin, text, nil); err != nil {
			log.Debug().Err(err).Int64("admin", admin).Msg("new user notification")
		}
	}
}

func (h *Handler) say(ctx context.Context, chatID int64, text string, kb *gateway.Keyboard) {
	if _, err := h.d.Messenger.SendText(ctx, chatID, text, kb); err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("send")
	}
}

func (h *Handler) onMessage(ctx context.Context, ev gateway.Event) {
	log.Debug().Int64("user_id", ev.UserID).Str("command", ev.Command).Msg("message received")

	if ev.Command != "" {
		h.onCommand(ctx, ev)
		return
	}
	if h.isArmed(ev.UserID) {
		h.launchBroadcast(ctx, ev)
		return
	}
	text := strings.TrimSpace(ev.Text)
	if text != "" && media.IsSupportedURL(text, h.cfg.SupportedHosts) {
		h.intake(ctx, ev, text)
		return
	}
	h.say(ctx, ev.ChatID, texts.T(h.d.Store.GetLang(ev.UserID), "invalid"), nil)
}

func (h *Handler) onCommand(ctx context.Context, ev gateway.Event) {
	switch ev.Command {
	case "start":
		if !h.d.Store.HasLang(ev.UserID) {
			h.say(ctx, ev.ChatID, texts.T(texts.LangRU, "choose_lang"), langKeyboard())
			return
		}
		h.menu(ctx, ev.UserID, ev.ChatID)
	case "admin":
		if !h.cfg.IsAdmin(ev.UserID) {
			h.say(ctx, ev.ChatID, texts.T(texts.LangRU, "not_admin"), nil)
			return
		}
		h.say(ctx, ev.ChatID, texts.T(texts.LangRU, "admin_panel"), adminKeyboard())
	case "cancel":
		if h.cfg.IsAdmin(ev.UserID) {
			h.adminCancel(ctx, ev.UserID, ev.ChatID)
			return
		}
		h.menu(ctx, ev.UserID, ev.ChatID)
	default:
		h.menu(ctx, ev.UserID, ev.ChatID)
	}
}

func (h *Handler) menu(ctx context.Context, userID, chatID int64) {
	lang := h.d.Store.GetLang(userID)
	kb := gateway.NewKeyboard(
		gateway.Row(gateway.Button{Text: texts.T(lang, "btn_menu_download"), Data: callback.Encode(callback.Menu{Mode: jobs.ModeDownload})}),
		gateway.Row(gateway.Button{Text: texts.T(lang, "btn_menu_unique"), Data: callback.Encode(callback.Menu{Mode: jobs.ModeTransform})}),
	)
	h.say(ctx, chatID, texts.T(lang, "welcome_menu"), kb)
}

func langKeyboard() *gateway.Keyboard {
	return gateway.NewKeyboard(gateway.Row(
		gateway.Button{Text: texts.T(texts.LangRU, "lang_ru"), Data: callback.Encode(callback.Lang{Lang: texts.LangRU})},
		gateway.Button{Text: texts.T(texts.LangRU, "lang_en"), Data: callback.Encode(callback.Lang{Lang: texts.LangEN})},
	))
}

func adminKeyboard() *gateway.Keyboard {
	btn := func(key string, op callback.AdminOp) gateway.Button {
		return gateway.Button{Text: texts.T(texts.LangRU, key), Data: callback.Encode(callback.Admin{Op: op})}
	}
	return gateway.NewKeyboard(
		gateway.Row(btn("admin_btn_stats", callback.AdminStats)),
		gateway.Row(btn("admin_btn_broadcast", callback.AdminBroadcast)),
		gateway.Row(btn("admin_btn_cancel", callback.AdminCancel)),
	)
}

func (h *Handler) mode(userID int64) jobs.Mode {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.modes[userID]; ok {
		return m
	}
	return jobs.ModeDownload
}

// intake admits a link: one in-flight pipeline per user, queued or running.
func (h *Handler) intake(ctx context.Context, ev gateway.Event, url string) {
	lang := h.d.Store.GetLang(ev.UserID)
	token, ok, err := h.d.Busy.TryAcquire(ctx, ev.UserID)
	if err != nil {
		log.Error().Err(err).Int64("user_id", ev.UserID).Msg("busy check")
		h.say(ctx, ev.ChatID, texts.T(lang, "error"), nil)
		return
	}
	if !ok {
		log.Debug().Int64("user_id", ev.UserID).Msg("rejected: busy")
		h.say(ctx, ev.ChatID, texts.T(lang, "busy"), nil)
		return
	}

	status, err := h.d.Messenger.SendText(ctx, ev.ChatID, texts.T(lang, "downloading"), nil)
	if err != nil {
		log.Warn().Err(err).Int64("user_id", ev.UserID).Msg("status message")
		h.release(ctx, ev.UserID, token)
		return
	}
	t := jobs.NewFetchTask(ev.UserID, ev.ChatID, url, h.mode(ev.UserID), status.MessageID, lang)
	t.BusyToken = token
	if err := h.d.Queue.Enqueue(ctx, t); err != nil {
		h.release(ctx, ev.UserID, token)
		key := "error"
		if errors.Is(err, queue.ErrFull) {
			key = "busy"
			log.Warn().Int64("user_id", ev.UserID).Msg("queue full")
		} else {
			log.Error().Err(err).Int64("user_id", ev.UserID).Msg("enqueue")
		}
		if err := h.d.Messenger.EditText(ctx, status, texts.T(lang, key), nil); err != nil {
			log.Debug().Err(err).Msg("status edit")
		}
		return
	}
	log.Info().Int64("user_id", ev.UserID).Str("task_id", t.ID).Str("mode", string(t.Mode)).Msg("task queued")
}

func (h *Handler) release(ctx context.Context, userID int64, token string) {
	if err := h.d.Busy.Release(ctx, userID, token); err != nil {
		log.Error().Err(err).Int64("user_id", userID).Msg("release busy mark")
	}
}

func (h *Handler) onCallback(ctx context.Context, ev gateway.Event) {
	a, err := callback.Parse(ev.CallbackData)
	if err != nil {
		log.Debug().Err(err).Int64("user_id", ev.UserID).Msg("callback")
		h.answer(ctx, ev, "")
		return
	}
	ref := gateway.MessageRef{ChatID: ev.ChatID, MessageID: ev.MessageID}

	switch v := a.(type) {
	case callback.Lang:
		h.answer(ctx, ev, "")
		if err := h.d.Store.SetLang(ev.UserID, v.Lang); err != nil {
			log.Error().Err(err).Int64("user_id", ev.UserID).Msg("set lang")
		}
		lang := h.d.Store.GetLang(ev.UserID)
		_ = h.d.Messenger.EditText(ctx, ref, texts.T(lang, "lang_set"), nil)
		h.menu(ctx, ev.UserID, ev.ChatID)

	case callback.Menu:
		h.answer(ctx, ev, "")
		h.mu.Lock()
		h.modes[ev.UserID] = v.Mode
		h.mu.Unlock()
		key := "send_link_download"
		if v.Mode == jobs.ModeTransform {
			key = "send_link_unique"
		}
		h.say(ctx, ev.ChatID, texts.T(h.d.Store.GetLang(ev.UserID), key), nil)

	case callback.Confirm:
		h.answer(ctx, ev, "")
		// Runs outside the dispatch loop; the confirmation downloads and
		// transforms and would otherwise stall every other user.
		h.confirms.Add(1)
		go func() {
			defer h.confirms.Done()
			cctx := context.WithoutCancel(ctx)
			if err := h.d.Confirmer.Confirm(cctx, ev.UserID, ev.ChatID, ev.MessageID, v.Token, v.Yes); err != nil {
				log.Warn().Err(err).Int64("user_id", ev.UserID).Msg("confirm")
			}
		}()

	case callback.Admin:
		if !h.cfg.IsAdmin(ev.UserID) {
			h.answer(ctx, ev, texts.T(texts.LangRU, "not_admin"))
			return
		}
		h.answer(ctx, ev, "")
		switch v.Op {
		case callback.AdminStats:
			h.say(ctx, ev.ChatID, h.statsText(), nil)
		case callback.AdminBroadcast:
			if h.d.Broadcast.Status().Running {
				h.say(ctx, ev.ChatID, texts.T(texts.LangRU, "broadcast_already"), nil)
				return
			}
			h.setArmed(ev.UserID, true)
			h.say(ctx, ev.ChatID, texts.T(texts.LangRU, "broadcast_start"), nil)
		case callback.AdminCancel:
			h.adminCancel(ctx, ev.UserID, ev.ChatID)
		}

	case callback.BroadcastCancel:
		if !h.cfg.IsAdmin(ev.UserID) {
			h.answer(ctx, ev, texts.T(texts.LangRU, "not_admin"))
			return
		}
		if h.d.Broadcast.Cancel(ev.UserID) {
			h.answer(ctx, ev, texts.T(texts.LangRU, "broadcast_cancelling"))
			return
		}
		h.answer(ctx, ev, texts.T(texts.LangRU, "broadcast_idle"))
	}
}

func (h *Handler) answer(ctx context.Context, ev gateway.Event, text string) {
	if err := h.d.Messenger.AnswerCallback(ctx, ev.CallbackID, text); err != nil {
		log.Debug().Err(err).Msg("answer callback")
	}
}

func (h *Handler) statsText() string {
	users, stats := h.d.Store.Snapshot()
	return texts.T(texts.LangRU, "stats",
		"users", users,
		"active_24h", h.d.Store.CountActiveSince(24*time.Hour),
		"active_7d", h.d.Store.CountActiveSince(7*24*time.Hour),
		"active_30d", h.d.Store.CountActiveSince(30*24*time.Hour),
		"downloads", stats[store.StatDownloads],
		"transforms", stats[store.StatTransforms],
		"blocked", stats[store.StatBlocked],
	)
}

func (h *Handler) isArmed(userID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.armed[userID]
}

func (h *Handler) setArmed(userID int64, on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if on {
		h.armed[userID] = true
	} else {
		delete(h.armed, userID)
	}
}

// adminCancel disarms a pending payload capture or stops a running broadcast.
func (h *Handler) adminCancel(ctx context.Context, adminID, chatID int64) {
	if h.isArmed(adminID) {
		h.setArmed(adminID, false)
		h.say(ctx, chatID, texts.T(texts.LangRU, "broadcast_armed_off"), nil)
		return
	}
	if h.d.Broadcast.Cancel(adminID) {
		h.say(ctx, chatID, texts.T(texts.LangRU, "broadcast_cancelling"), nil)
		return
	}
	h.say(ctx, chatID, texts.T(texts.LangRU, "broadcast_idle"), nil)
}

// payloadOf turns the admin's message into a broadcast payload.
func payloadOf(ev gateway.Event) (broadcast.Payload, bool) {
	if m := ev.Media; m != nil && m.FileID != "" {
		return broadcast.Payload{Kind: m.Kind, FileID: m.FileID, Caption: m.Caption}, true
	}
	if strings.TrimSpace(ev.Text) != "" {
		return broadcast.Payload{Kind: gateway.MediaText, Text: ev.Text}, true
	}
	return broadcast.Payload{}, false
}

func (h *Handler) launchBroadcast(ctx context.Context, ev gateway.Event) {
	p, ok := payloadOf(ev)
	if !ok {
		h.say(ctx, ev.ChatID, texts.T(texts.LangRU, "broadcast_start"), nil)
		return
	}
	h.setArmed(ev.UserID, false)
	switch err := h.d.Broadcast.Start(ctx, ev.UserID, p); {
	case err == nil:
		h.say(ctx, ev.ChatID, texts.T(texts.LangRU, "broadcast_launched"), nil)
	case errors.Is(err, broadcast.ErrAlreadyRunning):
		h.say(ctx, ev.ChatID, texts.T(texts.LangRU, "broadcast_already"), nil)
	case errors.Is(err, broadcast.ErrNoRecipients):
		h.say(ctx, ev.ChatID, texts.T(texts.LangRU, "broadcast_no_users"), nil)
	default:
		log.Error().Err(err).Msg("broadcast start")
		h.say(ctx, ev.ChatID, texts.T(texts.LangRU, "broadcast_failed"), nil)
	}
}
