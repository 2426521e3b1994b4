package broadcast

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wapuda/uniqbot/internal/gateway"
	"github.com/wapuda/uniqbot/internal/store"
	"github.com/wapuda/uniqbot/internal/texts"
)

const admin int64 = 1

// fakeMessenger records admin traffic separately from recipient sends.
type fakeMessenger struct {
	mu        sync.Mutex
	delivered []int64
	adminMsgs []string
	edits     []string
	failWith  map[int64]error
	onSend    func(n int)
	panicAt   int
	gate      chan struct{}
}

func (f *fakeMessenger) deliver(chatID int64) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	if err := f.failWith[chatID]; err != nil {
		f.mu.Unlock()
		return err
	}
	f.delivered = append(f.delivered, chatID)
	n := len(f.delivered)
	hook := f.onSend
	f.mu.Unlock()
	if f.panicAt > 0 && n == f.panicAt {
		panic("transport exploded")
	}
	if hook != nil {
		hook(n)
	}
	return nil
}

func (f *fakeMessenger) SendText(_ context.Context, chatID int64, text string, _ *gateway.Keyboard) (gateway.MessageRef, error) {
	if chatID == admin {
		f.mu.Lock()
		f.adminMsgs = append(f.adminMsgs, text)
		f.mu.Unlock()
		return gateway.MessageRef{ChatID: admin, MessageID: 100}, nil
	}
	return gateway.MessageRef{ChatID: chatID, MessageID: 1}, f.deliver(chatID)
}

func (f *fakeMessenger) SendMedia(_ context.Context, chatID int64, _ gateway.Media, _ *gateway.Keyboard) (gateway.MessageRef, error) {
	return gateway.MessageRef{ChatID: chatID, MessageID: 1}, f.deliver(chatID)
}

func (f *fakeMessenger) EditText(_ context.Context, _ gateway.MessageRef, text string, _ *gateway.Keyboard) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeMessenger) AnswerCallback(context.Context, string, string) error { return nil }

func (f *fakeMessenger) summaries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range append(append([]string{}, f.edits...), f.adminMsgs...) {
		if strings.HasPrefix(s, "✅") || strings.HasPrefix(s, "Рассылка отменена") {
			out = append(out, s)
		}
	}
	return out
}

func seed(t *testing.T, n int) *store.File {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.json"), texts.LangRU)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := st.UpsertUser(int64(1000+i), fmt.Sprintf("u%d", i))
		require.NoError(t, err)
	}
	return st
}

func newCoordinator(st Store, m *fakeMessenger) *Coordinator {
	return New(st, m, &MemoryLock{}, Config{Delay: time.Millisecond, ProgressEvery: 10})
}

func TestBroadcastCompletes(t *testing.T) {
	st := seed(t, 25)
	m := &fakeMessenger{}
	c := newCoordinator(st, m)

	require.NoError(t, c.Start(context.Background(), admin, Payload{Kind: gateway.MediaText, Text: "hello"}))
	c.Wait()

	s := c.Status()
	assert.False(t, s.Running)
	assert.Equal(t, 25, s.Sent)
	assert.Equal(t, 25, s.Total)
	assert.Len(t, m.delivered, 25)
	assert.Equal(t, []string{texts.T(texts.LangRU, "broadcast_sent", "sent", 25, "total", 25)}, m.summaries())
	// progress at 10 and 20, then the summary edit
	assert.Len(t, m.edits, 3)
}

func TestSecondStartRejectedWhileRunning(t *testing.T) {
	st := seed(t, 5)
	m := &fakeMessenger{gate: make(chan struct{})}
	c := newCoordinator(st, m)

	require.NoError(t, c.Start(context.Background(), admin, Payload{Text: "one"}))
	before := c.Status()
	err := c.Start(context.Background(), admin, Payload{Text: "two"})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	after := c.Status()
	assert.Equal(t, before.Total, after.Total)
	assert.True(t, after.Running)

	close(m.gate)
	c.Wait()
	assert.Equal(t, 5, c.Status().Sent)
	assert.Len(t, m.summaries(), 1)
}

func TestCancelStopsAfterCurrentSend(t *testing.T) {
	st := seed(t, 100)
	m := &fakeMessenger{}
	c := newCoordinator(st, m)
	m.onSend = func(n int) {
		if n == 30 {
			assert.True(t, c.Cancel(admin))
		}
	}

	require.NoError(t, c.Start(context.Background(), admin, Payload{Text: "news"}))
	c.Wait()

	s := c.Status()
	assert.False(t, s.Running)
	assert.False(t, s.CancelRequested)
	assert.Equal(t, 30, s.Sent)
	assert.Len(t, m.delivered, 30)
	assert.Equal(t, []string{texts.T(texts.LangRU, "broadcast_cancelled", "sent", 30, "total", 100)}, m.summaries())

	// idle again: a new run is accepted
	m.onSend = nil
	require.NoError(t, c.Start(context.Background(), admin, Payload{Text: "again"}))
	c.Wait()
	assert.Equal(t, 100, c.Status().Sent)
	assert.False(t, c.Cancel(admin))
}

func TestBlockedRecipientsArePruned(t *testing.T) {
	st := seed(t, 6)
	m := &fakeMessenger{failWith: map[int64]error{
		1001: gateway.Unreachable(errors.New("Forbidden: bot was blocked by the user")),
		1003: gateway.Unreachable(errors.New("Bad Request: chat not found")),
		1004: gateway.Transient(errors.New("Too Many Requests")),
	}}
	c := newCoordinator(st, m)

	require.NoError(t, c.Start(context.Background(), admin, Payload{Kind: gateway.MediaPhoto, FileID: "f", Caption: "c"}))
	c.Wait()

	s := c.Status()
	assert.Equal(t, 3, s.Sent)
	assert.Equal(t, 3, s.Failed)
	assert.Equal(t, 2, s.Blocked)
	assert.Equal(t, []int64{1000, 1002, 1004, 1005}, st.ListUserIDs())
	_, stats := st.Snapshot()
	assert.Equal(t, int64(2), stats[store.StatBlocked])
	assert.LessOrEqual(t, s.Sent, s.Total)
}

func TestNoRecipients(t *testing.T) {
	st := seed(t, 0)
	c := newCoordinator(st, &fakeMessenger{})
	assert.ErrorIs(t, c.Start(context.Background(), admin, Payload{Text: "x"}), ErrNoRecipients)
	// lock was given back
	assert.ErrorIs(t, c.Start(context.Background(), admin, Payload{Text: "x"}), ErrNoRecipients)
	c.Wait()
}

func TestLockHeldElsewhere(t *testing.T) {
	lock := &MemoryLock{}
	ok, _ := lock.Acquire(context.Background())
	require.True(t, ok)
	c := New(seed(t, 3), &fakeMessenger{}, lock, Config{})
	assert.ErrorIs(t, c.Start(context.Background(), admin, Payload{Text: "x"}), ErrAlreadyRunning)
	assert.False(t, c.Status().Running)
}

func TestPanicStillResets(t *testing.T) {
	st := seed(t, 10)
	m := &fakeMessenger{panicAt: 4}
	c := newCoordinator(st, m)

	require.NoError(t, c.Start(context.Background(), admin, Payload{Text: "x"}))
	c.Wait()
	assert.False(t, c.Status().Running)
	assert.Len(t, m.summaries(), 1)
	require.NoError(t, c.Start(context.Background(), admin, Payload{Text: "y"}))
	c.Wait()
}

func TestMemoryLock(t *testing.T) {
	var l MemoryLock
	ctx := context.Background()
	ok, _ := l.Acquire(ctx)
	assert.True(t, ok)
	ok, _ = l.Acquire(ctx)
	assert.False(t, ok)
	require.NoError(t, l.Release(ctx))
	ok, _ = l.Acquire(ctx)
	assert.True(t, ok)
}
