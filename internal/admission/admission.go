// Package admission limits every user to one in-flight pipeline.
package admission

import (
	"context"
	"sync"

	"github.com/wapuda/uniqbot/internal/jobs"
)

// Control is the busy set. TryAcquire hands out a token for the new mark;
// only that token can refresh or release it, so a late release from an
// older pipeline never frees a newer one. Extra releases are harmless.
type Control interface {
	TryAcquire(ctx context.Context, userID int64) (token string, ok bool, err error)
	// Refresh re-arms the mark and reports whether token still owns it.
	Refresh(ctx context.Context, userID int64, token string) (bool, error)
	Release(ctx context.Context, userID int64, token string) error
	Held(ctx context.Context, userID int64) (bool, error)
}

// Memory is the in-process busy set. Marks do not expire.
type Memory struct {
	mu   sync.Mutex
	busy map[int64]string
}

func NewMemory() *Memory {
	return &Memory{busy: make(map[int64]string)}
}

func (m *Memory) TryAcquire(_ context.Context, userID int64) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.busy[userID]; ok {
		return "", false, nil
	}
	token := jobs.NewToken()
	m.busy[userID] = token
	return token, true, nil
}

func (m *Memory) Refresh(_ context.Context, userID int64, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.busy[userID]
	return ok && cur == token, nil
}

func (m *Memory) Release(_ context.Context, userID int64, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.busy[userID]; ok && cur == token {
		delete(m.busy, userID)
	}
	return nil
}

func (m *Memory) Held(_ context.Context, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.busy[userID]
	return ok, nil
}

// Len is the number of users currently marked busy.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.busy)
}
