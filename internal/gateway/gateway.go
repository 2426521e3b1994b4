// Package gateway is the boundary between the bot core and the chat
// platform. The core only sees these types; transport framing lives in the
// adapters (see gateway/telegram).
package gateway

import (
	"context"
	"errors"
	"fmt"
)

// MessageRef identifies a sent message inside a chat.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Button is an inline button carrying opaque callback data.
type Button struct {
	Text string
	Data string
}

// Keyboard is a list of button rows. A nil *Keyboard means "no keyboard",
// an empty non-nil one removes an existing keyboard on edit.
type Keyboard struct {
	Rows [][]Button
}

// Row builds a keyboard row.
func Row(buttons ...Button) []Button { return buttons }

// NewKeyboard builds a keyboard from rows.
func NewKeyboard(rows ...[]Button) *Keyboard { return &Keyboard{Rows: rows} }

type MediaKind string

const (
	MediaText      MediaKind = "text"
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaDocument  MediaKind = "document"
	MediaAnimation MediaKind = "animation"
)

// Media is an outgoing or incoming attachment. Exactly one of Path
// (local upload) or FileID (platform reference) is set.
type Media struct {
	Kind    MediaKind
	Path    string
	FileID  string
	Caption string
}

// Messenger is what the core needs from the chat platform.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string, kb *Keyboard) (MessageRef, error)
	SendMedia(ctx context.Context, chatID int64, m Media, kb *Keyboard) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, kb *Keyboard) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

type EventKind int

const (
	EventMessage EventKind = iota
	EventCallback
)

// Event is one inbound update, already stripped of transport details.
type Event struct {
	Kind         EventKind
	UserID       int64
	ChatID       int64
	ChatType     string // "private", "group", ...
	Username     string
	LangCode     string // client language as reported by the platform
	MessageID    int
	Command      string // without the leading slash
	Args         string
	Text         string
	CallbackID   string
	CallbackData string
	Media        *Media
}

func (e Event) Private() bool { return e.ChatType == "" || e.ChatType == "private" }

// ErrorKind classifies delivery failures at the adapter boundary.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	// KindUnreachable: the recipient blocked the bot, was deactivated or
	// the chat no longer exists. Retrying will not help.
	KindUnreachable
)

func (k ErrorKind) String() string {
	if k == KindUnreachable {
		return "unreachable"
	}
	return "transient"
}

// SendError is returned by adapters for every failed platform call.
type SendError struct {
	Kind ErrorKind
	Err  error
}

func (e *SendError) Error() string { return fmt.Sprintf("send (%s): %v", e.Kind, e.Err) }
func (e *SendError) Unwrap() error { return e.Err }

// Unreachable wraps err as a recipient-unreachable failure.
func Unreachable(err error) error { return &SendError{Kind: KindUnreachable, Err: err} }

// Transient wraps err as a transient failure.
func Transient(err error) error { return &SendError{Kind: KindTransient, Err: err} }

// IsUnreachable reports whether err says the recipient cannot be reached.
func IsUnreachable(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Kind == KindUnreachable
}
