package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/manabi-erp/manabi/internal/shared"
)

// uniqueWindow keeps a second enqueue for the same scope out while the first is pending.
const uniqueWindow = time.Hour

// ErrAlreadyQueued reports a task for the same scope still waiting in the queue.
var ErrAlreadyQueued = fmt.Errorf("jobs: task already queued: %w", shared.ErrDuplicate)

// Client submits jobs to the queue.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpts)}
}

// EnqueueBillingGenerate enqueues a billing:generate task.
func (c *Client) EnqueueBillingGenerate(ctx context.Context, payload BillingPayload) (*asynq.TaskInfo, error) {
	task, err := NewBillingGenerateTask(payload)
	if err != nil {
		return nil, err
	}
	return c.enqueue(ctx, task)
}

// EnqueueBillingDiscounts enqueues a billing:discounts task.
func (c *Client) EnqueueBillingDiscounts(ctx context.Context, payload BillingPayload) (*asynq.TaskInfo, error) {
	task, err := NewBillingDiscountsTask(payload)
	if err != nil {
		return nil, err
	}
	return c.enqueue(ctx, task)
}

// EnqueueSettlementBatch enqueues a settlement:batch task.
func (c *Client) EnqueueSettlementBatch(ctx context.Context, payload SettlementPayload) (*asynq.TaskInfo, error) {
	task, err := NewSettlementBatchTask(payload)
	if err != nil {
		return nil, err
	}
	return c.enqueue(ctx, task)
}

func (c *Client) enqueue(ctx context.Context, task *asynq.Task) (*asynq.TaskInfo, error) {
	info, err := c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault), asynq.MaxRetry(3), asynq.Unique(uniqueWindow))
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return nil, ErrAlreadyQueued
	}
	return info, err
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}
