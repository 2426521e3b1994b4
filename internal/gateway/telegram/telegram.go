// Package telegram adapts go-telegram-bot-api to gateway.Messenger and
// turns updates into gateway.Events.
package telegram

import (
	"context"
	"errors"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/wapuda/uniqbot/internal/gateway"
)

// api is the part of *tgbotapi.BotAPI the adapter uses.
type api interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Client implements gateway.Messenger on top of the Bot API.
type Client struct {
	api api
	bot *tgbotapi.BotAPI // nil in tests; needed only for polling
}

// New authorizes with token.
func New(token string) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	bot.Debug = false
	return &Client{api: bot, bot: bot}, nil
}

// Username is the bot's own @handle.
func (c *Client) Username() string {
	if c.bot == nil {
		return ""
	}
	return c.bot.Self.UserName
}

func markup(kb *gateway.Keyboard) *tgbotapi.InlineKeyboardMarkup {
	if kb == nil {
		return nil
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(kb.Rows))
	for _, r := range kb.Rows {
		row := make([]tgbotapi.InlineKeyboardButton, 0, len(r))
		for _, b := range r {
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		rows = append(rows, row)
	}
	return &tgbotapi.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// classify maps Bot API failures onto gateway error kinds. Only the
// structured error code is inspected; 400 "chat not found" is the one
// description-dependent case the API offers no code for.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) {
		switch {
		case tgErr.Code == 403:
			return gateway.Unreachable(err)
		case tgErr.Code == 400 && strings.Contains(strings.ToLower(tgErr.Message), "chat not found"):
			return gateway.Unreachable(err)
		}
	}
	return gateway.Transient(err)
}

func notModified(err error) bool {
	var tgErr *tgbotapi.Error
	return errors.As(err, &tgErr) && tgErr.Code == 400 &&
		strings.Contains(strings.ToLower(tgErr.Message), "message is not modified")
}

func (c *Client) SendText(_ context.Context, chatID int64, text string, kb *gateway.Keyboard) (gateway.MessageRef, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	if m := markup(kb); m != nil {
		msg.ReplyMarkup = *m
	}
	sent, err := c.api.Send(msg)
	if err != nil {
		return gateway.MessageRef{}, classify(err)
	}
	return gateway.MessageRef{ChatID: chatID, MessageID: sent.MessageID}, nil
}

func fileData(m gateway.Media) tgbotapi.RequestFileData {
	if m.FileID != "" {
		return tgbotapi.FileID(m.FileID)
	}
	return tgbotapi.FilePath(m.Path)
}

func (c *Client) SendMedia(_ context.Context, chatID int64, m gateway.Media, kb *gateway.Keyboard) (gateway.MessageRef, error) {
	var cfg tgbotapi.Chattable
	mk := markup(kb)
	switch m.Kind {
	case gateway.MediaPhoto:
		p := tgbotapi.NewPhoto(chatID, fileData(m))
		p.Caption = m.Caption
		if mk != nil {
			p.ReplyMarkup = *mk
		}
		cfg = p
	case gateway.MediaVideo:
		v := tgbotapi.NewVideo(chatID, fileData(m))
		v.Caption = m.Caption
		v.SupportsStreaming = true
		if mk != nil {
			v.ReplyMarkup = *mk
		}
		cfg = v
	case gateway.MediaAnimation:
		a := tgbotapi.NewAnimation(chatID, fileData(m))
		a.Caption = m.Caption
		if mk != nil {
			a.ReplyMarkup = *mk
		}
		cfg = a
	case gateway.MediaDocument:
		d := tgbotapi.NewDocument(chatID, fileData(m))
		d.Caption = m.Caption
		if mk != nil {
			d.ReplyMarkup = *mk
		}
		cfg = d
	default:
		return c.SendText(context.Background(), chatID, m.Caption, kb)
	}
	sent, err := c.api.Send(cfg)
	if err != nil {
		return gateway.MessageRef{}, classify(err)
	}
	return gateway.MessageRef{ChatID: chatID, MessageID: sent.MessageID}, nil
}

func (c *Client) EditText(_ context.Context, ref gateway.MessageRef, text string, kb *gateway.Keyboard) error {
	edit := tgbotapi.NewEditMessageText(ref.ChatID, ref.MessageID, text)
	edit.ReplyMarkup = markup(kb)
	if _, err := c.api.Request(edit); err != nil {
		if notModified(err) {
			return nil
		}
		return classify(err)
	}
	return nil
}

func (c *Client) AnswerCallback(_ context.Context, callbackID, text string) error {
	if callbackID == "" {
		return nil
	}
	if _, err := c.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		return classify(err)
	}
	return nil
}

// Poll feeds updates to handle one at a time until ctx is done.
func (c *Client) Poll(ctx context.Context, handle func(context.Context, gateway.Event)) error {
	if c.bot == nil {
		return errors.New("telegram: polling needs an authorized bot")
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := c.bot.GetUpdatesChan(u)
	defer c.bot.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			ev, ok := ToEvent(upd)
			if !ok {
				continue
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Error().Interface("panic", r).Int64("user_id", ev.UserID).Msg("update handler panicked")
					}
				}()
				handle(ctx, ev)
			}()
		}
	}
}

// ToEvent converts an update; ok is false for updates the bot ignores.
func ToEvent(upd tgbotapi.Update) (gateway.Event, bool) {
	switch {
	case upd.Message != nil:
		m := upd.Message
		if m.From == nil || m.Chat == nil {
			return gateway.Event{}, false
		}
		ev := gateway.Event{
			Kind:      gateway.EventMessage,
			UserID:    m.From.ID,
			ChatID:    m.Chat.ID,
			ChatType:  m.Chat.Type,
			Username:  m.From.UserName,
			LangCode:  m.From.LanguageCode,
			MessageID: m.MessageID,
			Text:      m.Text,
			Media:     attachment(m),
		}
		if m.IsCommand() {
			ev.Command = strings.ToLower(m.Command())
			ev.Args = m.CommandArguments()
		}
		return ev, true
	case upd.CallbackQuery != nil:
		cq := upd.CallbackQuery
		if cq.From == nil {
			return gateway.Event{}, false
		}
		ev := gateway.Event{
			Kind:         gateway.EventCallback,
			UserID:       cq.From.ID,
			ChatID:       cq.From.ID,
			Username:     cq.From.UserName,
			LangCode:     cq.From.LanguageCode,
			CallbackID:   cq.ID,
			CallbackData: cq.Data,
		}
		if cq.Message != nil && cq.Message.Chat != nil {
			ev.ChatID = cq.Message.Chat.ID
			ev.ChatType = cq.Message.Chat.Type
			ev.MessageID = cq.Message.MessageID
		}
		return ev, true
	}
	return gateway.Event{}, false
}

func attachment(m *tgbotapi.Message) *gateway.Media {
	switch {
	case len(m.Photo) > 0:
		return &gateway.Media{Kind: gateway.MediaPhoto, FileID: m.Photo[len(m.Photo)-1].FileID, Caption: m.Caption}
	case m.Video != nil:
		return &gateway.Media{Kind: gateway.MediaVideo, FileID: m.Video.FileID, Caption: m.Caption}
	case m.Animation != nil:
		return &gateway.Media{Kind: gateway.MediaAnimation, FileID: m.Animation.FileID, Caption: m.Caption}
	case m.Document != nil:
		return &gateway.Media{Kind: gateway.MediaDocument, FileID: m.Document.FileID, Caption: m.Caption}
	}
	return nil
}
