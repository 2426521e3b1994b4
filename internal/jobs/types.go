package jobs

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/oklog/ulid/v2"
)

const (
	TaskFetchDeliver = "media:fetch"
)

// Mode selects what the pipeline hands back to the user.
type Mode string

const (
	ModeDownload  Mode = "download"
	ModeTransform Mode = "transform"
)

func (m Mode) Valid() bool { return m == ModeDownload || m == ModeTransform }

// Task is one fetch-and-deliver request. It is passed by value and never
// mutated after the admission path builds it and attaches the busy token.
type Task struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	UserID      int64  `json:"user_id"`
	ChatID      int64  `json:"chat_id"`
	URL         string `json:"url"`
	Mode        Mode   `json:"mode"`
	StatusMsgID int    `json:"status_msg_id"` // message rewritten with progress
	Lang        string `json:"lang"`          // caption language at admission time
	BusyToken   string `json:"busy_token"`    // owner token of the user's busy mark
}

// NewFetchTask builds a fetch-and-deliver task with a fresh id.
func NewFetchTask(userID, chatID int64, url string, mode Mode, statusMsgID int, lang string) Task {
	if !mode.Valid() {
		mode = ModeDownload
	}
	return Task{
		ID:          NewID(),
		Kind:        TaskFetchDeliver,
		UserID:      userID,
		ChatID:      chatID,
		URL:         strings.TrimSpace(url),
		Mode:        mode,
		StatusMsgID: statusMsgID,
		Lang:        lang,
	}
}

// NewID returns a ULID string; ids sort by creation time.
func NewID() string {
	return ulid.Make().String()
}

// NewToken returns an unguessable ULID for one-time confirmations.
func NewToken() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// ShortSuffix is a lower-case random suffix for working-directory files.
func ShortSuffix() string {
	s := strings.ToLower(ulid.MustNew(ulid.Now(), rand.Reader).String())
	return s[len(s)-10:]
}

// Encode serializes a task payload.
func Encode(t Task) ([]byte, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	return b, nil
}

// Decode parses and validates a task payload.
func Decode(b []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(b, &t); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	if t.Kind != TaskFetchDeliver {
		return Task{}, fmt.Errorf("decode task: unknown kind %q", t.Kind)
	}
	if t.UserID == 0 || t.URL == "" || !t.Mode.Valid() {
		return Task{}, fmt.Errorf("decode task %s: incomplete payload", t.ID)
	}
	return t, nil
}

// NewAsynqTask wraps t for the redis-backed queue. Pipelines are not
// retried, so MaxRetry is zero.
func NewAsynqTask(t Task, queue string) (*asynq.Task, error) {
	b, err := Encode(t)
	if err != nil {
		return nil, err
	}
	opts := []asynq.Option{asynq.MaxRetry(0), asynq.TaskID(t.ID)}
	if queue != "" {
		opts = append(opts, asynq.Queue(queue))
	}
	return asynq.NewTask(TaskFetchDeliver, b, opts...), nil
}
