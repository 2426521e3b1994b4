// Package janitor removes stale files from the shared working directory.
// Pipelines clean up after themselves; this only catches what a crash or
// kill left behind.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

type Janitor struct {
	dir      string
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
}

func New(dir string, ttl, interval time.Duration) *Janitor {
	return &Janitor{dir: dir, ttl: ttl, interval: interval, now: time.Now}
}

// Sweep deletes regular files older than the TTL. Files that vanish while
// the sweep runs (a worker removed them first) count as already handled.
func (j *Janitor) Sweep() (int, error) {
	entries, err := os.ReadDir(j.dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read temp dir: %w", err)
	}
	now := j.now()
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= j.ttl {
			continue
		}
		err = os.Remove(filepath.Join(j.dir, e.Name()))
		switch {
		case err == nil:
			removed++
		case errors.Is(err, os.ErrNotExist):
		default:
			log.Warn().Err(err).Str("file", e.Name()).Msg("janitor: remove failed")
		}
	}
	return removed, nil
}

// Run sweeps at start and then on every tick until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	j.sweepAndLog()
	t := time.NewTicker(j.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			j.sweepAndLog()
		}
	}
}

func (j *Janitor) sweepAndLog() {
	n, err := j.Sweep()
	if err != nil {
		log.Warn().Err(err).Msg("janitor: sweep failed")
		return
	}
	if n > 0 {
		log.Info().Int("removed", n).Str("dir", j.dir).Msg("janitor: stale files removed")
	}
}
