// Package store keeps user records and global counters in a single JSON
// file. Every mutation is written to disk (temp file + fsync + rename)
// before the call returns.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"
)

const (
	StatDownloads  = "downloads"
	StatTransforms = "transforms"
	StatBlocked    = "blocked"

	legacyStatUniques = "uniques"
	noUsername        = "no_username"
)

var ErrNonPositiveDelta = errors.New("counter delta must be positive")

type User struct {
	Username  string `json:"username"`
	Lang      string `json:"lang"`
	FirstSeen int64  `json:"first_seen"`
	LastSeen  int64  `json:"last_seen"`
}

type state struct {
	Users map[string]User  `json:"users"`
	Stats map[string]int64 `json:"stats"`
}

func (s state) clone() state {
	c := state{
		Users: make(map[string]User, len(s.Users)),
		Stats: make(map[string]int64, len(s.Stats)),
	}
	for k, v := range s.Users {
		c.Users[k] = v
	}
	for k, v := range s.Stats {
		c.Stats[k] = v
	}
	return c
}

// File is the JSON-file store. Safe for concurrent use.
type File struct {
	mu          sync.Mutex
	path        string
	defaultLang string
	st          state
	now         func() time.Time
}

// Open loads path (a missing file starts empty) and writes back a
// normalized copy so later crashes never leave a half-initialized file.
func Open(path, defaultLang string) (*File, error) {
	if defaultLang == "" {
		defaultLang = "ru"
	}
	f := &File{
		path:        path,
		defaultLang: defaultLang,
		st:          state{Users: map[string]User{}, Stats: map[string]int64{}},
		now:         time.Now,
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read state: %w", err)
	default:
		var loaded state
		if err := json.Unmarshal(raw, &loaded); err != nil {
			return nil, fmt.Errorf("parse state %s: %w", path, err)
		}
		if loaded.Users != nil {
			f.st.Users = loaded.Users
		}
		if loaded.Stats != nil {
			f.st.Stats = loaded.Stats
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	next := f.st.clone()
	if legacy, ok := next.Stats[legacyStatUniques]; ok {
		next.Stats[StatTransforms] += legacy
		delete(next.Stats, legacyStatUniques)
	}
	for _, k := range []string{StatDownloads, StatTransforms, StatBlocked} {
		if _, ok := next.Stats[k]; !ok {
			next.Stats[k] = 0
		}
	}
	if err := f.commit(next); err != nil {
		return nil, err
	}
	return f, nil
}

func key(id int64) string { return strconv.FormatInt(id, 10) }

// commit persists next and swaps it in; on failure memory keeps the old state.
// Caller holds mu.
func (f *File) commit(next state) error {
	b, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp := f.path + ".tmp"
	fh, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if _, err := fh.Write(b); err != nil {
		_ = fh.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := fh.Sync(); err != nil {
		_ = fh.Close()
		return fmt.Errorf("sync state: %w", err)
	}
	if err := fh.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	f.st = next
	return nil
}

// UpsertUser records a contact and reports whether the user is new.
func (f *File) UpsertUser(id int64, username string) (bool, error) {
	if username == "" {
		username = noUsername
	}
	now := f.now().Unix()

	f.mu.Lock()
	defer f.mu.Unlock()
	next := f.st.clone()
	u, ok := next.Users[key(id)]
	if !ok {
		// no language until the user picks one; GetLang falls back
		u = User{FirstSeen: now}
	}
	u.Username = username
	u.LastSeen = now
	next.Users[key(id)] = u
	if err := f.commit(next); err != nil {
		return false, err
	}
	return !ok, nil
}

// SetLang stores the preferred language of a known user. Unknown users are
// ignored.
func (f *File) SetLang(id int64, lang string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.st.Users[key(id)]
	if !ok {
		return nil
	}
	next := f.st.clone()
	u.Lang = lang
	u.LastSeen = f.now().Unix()
	next.Users[key(id)] = u
	return f.commit(next)
}

// GetLang returns the user's language or the default.
func (f *File) GetLang(id int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.st.Users[key(id)]; ok && u.Lang != "" {
		return u.Lang
	}
	return f.defaultLang
}

// HasLang reports whether the user explicitly exists with a language set.
func (f *File) HasLang(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.st.Users[key(id)]
	return ok && u.Lang != ""
}

// User returns a copy of the stored record.
func (f *File) User(id int64) (User, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.st.Users[key(id)]
	return u, ok
}

// IncStat adds delta to a named counter. Counters only grow.
func (f *File) IncStat(name string, delta int64) error {
	if delta <= 0 {
		return fmt.Errorf("%s: %w", name, ErrNonPositiveDelta)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	next := f.st.clone()
	next.Stats[name] += delta
	return f.commit(next)
}

// Snapshot returns the user count and a copy of the counters.
func (f *File) Snapshot() (int, map[string]int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := make(map[string]int64, len(f.st.Stats))
	for k, v := range f.st.Stats {
		stats[k] = v
	}
	return len(f.st.Users), stats
}

// ListUserIDs returns every known user id in ascending order.
func (f *File) ListUserIDs() []int64 {
	f.mu.Lock()
	ids := make([]int64, 0, len(f.st.Users))
	for k := range f.st.Users {
		if id, err := strconv.ParseInt(k, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	f.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RemoveUser forgets a user; removing an unknown user is not an error.
func (f *File) RemoveUser(id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.st.Users[key(id)]; !ok {
		return nil
	}
	next := f.st.clone()
	delete(next.Users, key(id))
	return f.commit(next)
}

// CountActiveSince counts users whose last contact is within d of now.
func (f *File) CountActiveSince(d time.Duration) int {
	now := f.now().Unix()
	window := int64(d / time.Second)
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, u := range f.st.Users {
		if u.LastSeen > 0 && now-u.LastSeen <= window {
			n++
		}
	}
	return n
}

// Close is a no-op; every mutation is already durable.
func (f *File) Close() error { return nil }
