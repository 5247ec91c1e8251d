package jobs

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-access/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

// Enqueuer is the slice of *asynq.Client the publisher needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Client submits jobs to the queue.
type Client struct {
	client Enqueuer
}

var _ rbac.EventPublisher = (*Client)(nil)

// RedisOpt resolves the shared Redis settings into the form asynq expects.
func RedisOpt(opts cache.Options) (asynq.RedisClientOpt, error) {
	ro, err := cache.ClientOptions(opts)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}
	return asynq.RedisClientOpt{Addr: ro.Addr, Username: ro.Username, Password: ro.Password, DB: ro.DB, PoolSize: ro.PoolSize}, nil
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpts)}
}

// NewClientWith wraps an existing enqueuer.
func NewClientWith(enqueuer Enqueuer) *Client {
	return &Client{client: enqueuer}
}

// PublishRoleEvent enqueues the event keyed by its id, so a republish of the
// same event is absorbed by the queue.
func (c *Client) PublishRoleEvent(ctx context.Context, event rbac.RoleEvent) error {
	task, err := NewRoleEventTask(event)
	if err != nil {
		return err
	}
	opts := []asynq.Option{asynq.Queue(QueueDefault), asynq.MaxRetry(roleEventMaxRetry)}
	if event.ID != "" {
		opts = append(opts, asynq.TaskID(event.ID))
	}
	_, err = c.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	return err
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}
