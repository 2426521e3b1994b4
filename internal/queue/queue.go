// Package queue carries fetch tasks from the message layer to the worker
// pool. Ordering is FIFO; there is no priority and no per-user fairness.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/wapuda/uniqbot/internal/jobs"
)

// ErrFull is returned instead of blocking the message handler when the
// queue has no room.
var ErrFull = errors.New("task queue is full")

// Queue is the producer side.
type Queue interface {
	Enqueue(ctx context.Context, t jobs.Task) error
}

// Source is the consumer side used by the in-process worker pool.
type Source interface {
	// Dequeue waits up to timeout. ok is false when nothing arrived in time.
	Dequeue(ctx context.Context, timeout time.Duration) (t jobs.Task, ok bool, err error)
}

// Memory is a bounded FIFO backed by a buffered channel.
type Memory struct {
	ch chan jobs.Task
}

func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 1
	}
	return &Memory{ch: make(chan jobs.Task, size)}
}

func (m *Memory) Enqueue(ctx context.Context, t jobs.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case m.ch <- t:
		return nil
	default:
		return ErrFull
	}
}

func (m *Memory) Dequeue(ctx context.Context, timeout time.Duration) (jobs.Task, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return jobs.Task{}, false, ctx.Err()
	case t := <-m.ch:
		return t, true, nil
	case <-timer.C:
		return jobs.Task{}, false, nil
	}
}

// Len is the number of queued tasks.
func (m *Memory) Len() int { return len(m.ch) }

// Cap is the queue bound.
func (m *Memory) Cap() int { return cap(m.ch) }
