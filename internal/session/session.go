// Package session holds the short-lived "make it unique?" confirmations.
// A session remembers only the source URL, never the downloaded file.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/wapuda/uniqbot/internal/jobs"
)

// Session is the pending follow-up for one user.
type Session struct {
	UserID  int64     `json:"user_id"`
	URL     string    `json:"url"`
	Token   string    `json:"token"`
	Created time.Time `json:"created"`
}

// Table stores at most one live session per user.
type Table interface {
	// Put replaces any previous session of the user with a fresh token.
	Put(ctx context.Context, userID int64, url string) (Session, error)
	// Take consumes the session iff token matches and it has not expired.
	Take(ctx context.Context, userID int64, token string) (Session, bool, error)
	// Drop removes the user's session regardless of token.
	Drop(ctx context.Context, userID int64) error
	// Sweep removes expired sessions and returns how many were removed.
	Sweep(ctx context.Context) (int, error)
}

// Memory is the in-process Table.
type Memory struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[int64]Session
	now   func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, items: make(map[int64]Session), now: time.Now}
}

func (m *Memory) expired(s Session, now time.Time) bool {
	return now.Sub(s.Created) > m.ttl
}

func (m *Memory) Put(_ context.Context, userID int64, url string) (Session, error) {
	s := Session{UserID: userID, URL: url, Token: jobs.NewToken(), Created: m.now()}
	m.mu.Lock()
	m.items[userID] = s
	m.mu.Unlock()
	return s, nil
}

func (m *Memory) Take(_ context.Context, userID int64, token string) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[userID]
	if !ok {
		return Session{}, false, nil
	}
	if m.expired(s, m.now()) {
		delete(m.items, userID)
		return Session{}, false, nil
	}
	if token == "" || s.Token != token {
		return Session{}, false, nil
	}
	delete(m.items, userID)
	return s, true, nil
}

func (m *Memory) Drop(_ context.Context, userID int64) error {
	m.mu.Lock()
	delete(m.items, userID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Sweep(_ context.Context) (int, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.items {
		if m.expired(s, now) {
			delete(m.items, id)
			n++
		}
	}
	return n, nil
}

// Len reports how many sessions are held, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
