package telegram

import (
	"context"
	"errors"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wapuda/uniqbot/internal/gateway"
)

type fakeAPI struct {
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	sendErr  error
	reqErr   error
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	if f.sendErr != nil {
		return tgbotapi.Message{}, f.sendErr
	}
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.requests = append(f.requests, c)
	if f.reqErr != nil {
		return nil, f.reqErr
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name        string
		err         error
		unreachable bool
	}{
		{"blocked", &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}, true},
		{"deactivated", &tgbotapi.Error{Code: 403, Message: "Forbidden: user is deactivated"}, true},
		{"chat not found", &tgbotapi.Error{Code: 400, Message: "Bad Request: chat not found"}, true},
		{"flood", &tgbotapi.Error{Code: 429, Message: "Too Many Requests: retry after 3"}, false},
		{"bad request", &tgbotapi.Error{Code: 400, Message: "Bad Request: message text is empty"}, false},
		{"network", errors.New("dial tcp: i/o timeout"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classify(tc.err)
			assert.Equal(t, tc.unreachable, gateway.IsUnreachable(err))
			assert.ErrorIs(t, err, tc.err)
		})
	}
	assert.NoError(t, classify(nil))
}

func TestSendTextWithKeyboard(t *testing.T) {
	f := &fakeAPI{}
	c := &Client{api: f}

	ref, err := c.SendText(context.Background(), 5, "hi", gateway.NewKeyboard(
		gateway.Row(gateway.Button{Text: "Yes", Data: "c:y:T"}),
	))
	require.NoError(t, err)
	assert.Equal(t, gateway.MessageRef{ChatID: 5, MessageID: 1}, ref)

	msg := f.sent[0].(tgbotapi.MessageConfig)
	kb := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.Len(t, kb.InlineKeyboard, 1)
	assert.Equal(t, "c:y:T", *kb.InlineKeyboard[0][0].CallbackData)
}

func TestSendMediaClassifiesBlock(t *testing.T) {
	f := &fakeAPI{sendErr: &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}}
	c := &Client{api: f}

	_, err := c.SendMedia(context.Background(), 5, gateway.Media{Kind: gateway.MediaVideo, Path: "/tmp/x.mp4", Caption: "c"}, nil)
	require.Error(t, err)
	assert.True(t, gateway.IsUnreachable(err))

	v := f.sent[0].(tgbotapi.VideoConfig)
	assert.Equal(t, "c", v.Caption)
}

func TestEditIgnoresNotModified(t *testing.T) {
	f := &fakeAPI{reqErr: &tgbotapi.Error{Code: 400, Message: "Bad Request: message is not modified"}}
	c := &Client{api: f}
	assert.NoError(t, c.EditText(context.Background(), gateway.MessageRef{ChatID: 1, MessageID: 2}, "same", nil))
}

func TestToEventCommand(t *testing.T) {
	upd := tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 9,
		From:      &tgbotapi.User{ID: 42, UserName: "bob", LanguageCode: "en-US"},
		Chat:      &tgbotapi.Chat{ID: 42, Type: "private"},
		Text:      "/start ref",
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 6}},
	}}
	ev, ok := ToEvent(upd)
	require.True(t, ok)
	assert.Equal(t, gateway.EventMessage, ev.Kind)
	assert.Equal(t, "start", ev.Command)
	assert.Equal(t, "ref", ev.Args)
	assert.Equal(t, "en-US", ev.LangCode)
	assert.True(t, ev.Private())
}

func TestToEventMediaAndCallback(t *testing.T) {
	upd := tgbotapi.Update{Message: &tgbotapi.Message{
		From:    &tgbotapi.User{ID: 1},
		Chat:    &tgbotapi.Chat{ID: 1, Type: "private"},
		Caption: "news",
		Photo:   []tgbotapi.PhotoSize{{FileID: "small"}, {FileID: "large"}},
	}}
	ev, ok := ToEvent(upd)
	require.True(t, ok)
	require.NotNil(t, ev.Media)
	assert.Equal(t, gateway.MediaPhoto, ev.Media.Kind)
	assert.Equal(t, "large", ev.Media.FileID)
	assert.Equal(t, "news", ev.Media.Caption)

	cb := tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb1",
		From:    &tgbotapi.User{ID: 3},
		Data:    "lang:en",
		Message: &tgbotapi.Message{MessageID: 77, Chat: &tgbotapi.Chat{ID: 3, Type: "private"}},
	}}
	ev, ok = ToEvent(cb)
	require.True(t, ok)
	assert.Equal(t, gateway.EventCallback, ev.Kind)
	assert.Equal(t, "lang:en", ev.CallbackData)
	assert.Equal(t, 77, ev.MessageID)

	_, ok = ToEvent(tgbotapi.Update{})
	assert.False(t, ok)
}
