package queue

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/wapuda/uniqbot/internal/jobs"
)

// Asynq hands tasks to the redis-backed worker process (cmd/worker).
type Asynq struct {
	client *asynq.Client
	queue  string
}

func NewAsynq(client *asynq.Client, queue string) *Asynq {
	return &Asynq{client: client, queue: queue}
}

func (a *Asynq) Enqueue(ctx context.Context, t jobs.Task) error {
	task, err := jobs.NewAsynqTask(t, a.queue)
	if err != nil {
		return err
	}
	if _, err := a.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("enqueue %s: %w", jobs.TaskFetchDeliver, err)
	}
	return nil
}
