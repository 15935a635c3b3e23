// Package runctl tracks billing generation runs in Redis so progress and cancel requests
// work across processes.
package runctl

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/manabi-erp/manabi/internal/shared"
)

// State values stored on the progress hash.
const (
	StateRunning  = "running"
	StateFinished = "finished"
	StateCanceled = "canceled"
	StateFailed   = "failed"
)

// ErrNoRun indicates no run has been recorded for the scope.
var ErrNoRun = errors.New("runctl: no run recorded")

// Status is the externally visible progress of a run.
type Status struct {
	RunID     string    `json:"run_id"`
	State     string    `json:"state"`
	Done      int       `json:"done"`
	Total     int       `json:"total"`
	Cancel    bool      `json:"cancel_requested"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Control creates and inspects runs.
type Control struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// New constructs a Control. Keys expire after ttl (24h when zero).
func New(client *redis.Client, ttl time.Duration) *Control {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Control{client: client, ttl: ttl, now: time.Now}
}

func progressKey(tenantID int64, month shared.BillingMonth) string {
	return "billing:run:" + strconv.FormatInt(tenantID, 10) + ":" + month.Key()
}

func cancelKey(tenantID int64, month shared.BillingMonth) string {
	return progressKey(tenantID, month) + ":cancel"
}

// Start resets the scope's progress, clears any stale cancel flag and returns the run handle.
func (c *Control) Start(ctx context.Context, tenantID int64, month shared.BillingMonth) (*Run, error) {
	run := &Run{ctl: c, ID: uuid.NewString(), progressKey: progressKey(tenantID, month), cancelKey: cancelKey(tenantID, month)}
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, run.progressKey, run.cancelKey)
	pipe.HSet(ctx, run.progressKey, map[string]any{
		"run_id":     run.ID,
		"state":      StateRunning,
		"done":       0,
		"total":      0,
		"updated_at": c.now().UTC().Format(time.RFC3339),
	})
	pipe.Expire(ctx, run.progressKey, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("runctl: start: %w", err)
	}
	return run, nil
}

// RequestCancel raises the cancel flag checked by the running generator.
func (c *Control) RequestCancel(ctx context.Context, tenantID int64, month shared.BillingMonth) error {
	if err := c.client.Set(ctx, cancelKey(tenantID, month), "1", c.ttl).Err(); err != nil {
		return fmt.Errorf("runctl: cancel: %w", err)
	}
	return nil
}

// Status reads the current progress of the scope.
func (c *Control) Status(ctx context.Context, tenantID int64, month shared.BillingMonth) (Status, error) {
	fields, err := c.client.HGetAll(ctx, progressKey(tenantID, month)).Result()
	if err != nil {
		return Status{}, fmt.Errorf("runctl: status: %w", err)
	}
	if len(fields) == 0 {
		return Status{}, ErrNoRun
	}
	st := Status{RunID: fields["run_id"], State: fields["state"]}
	st.Done, _ = strconv.Atoi(fields["done"])
	st.Total, _ = strconv.Atoi(fields["total"])
	if ts, err := time.Parse(time.RFC3339, fields["updated_at"]); err == nil {
		st.UpdatedAt = ts
	}
	n, err := c.client.Exists(ctx, cancelKey(tenantID, month)).Result()
	if err != nil {
		return Status{}, fmt.Errorf("runctl: status: %w", err)
	}
	st.Cancel = n > 0
	return st, nil
}

// Run is the handle of one generation run. It satisfies the generator's Progress and
// Canceler interfaces.
type Run struct {
	ctl         *Control
	ID          string
	progressKey string
	cancelKey   string
}

// Report records done/total.
func (r *Run) Report(ctx context.Context, done, total int) error {
	return r.ctl.client.HSet(ctx, r.progressKey, map[string]any{
		"done":       done,
		"total":      total,
		"updated_at": r.ctl.now().UTC().Format(time.RFC3339),
	}).Err()
}

// Canceled reports whether an external cancel was requested.
func (r *Run) Canceled(ctx context.Context) (bool, error) {
	n, err := r.ctl.client.Exists(ctx, r.cancelKey).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Finish records the final state derived from the run outcome.
func (r *Run) Finish(ctx context.Context, summary *shared.RunSummary, runErr error) error {
	state := StateFinished
	switch {
	case runErr != nil:
		state = StateFailed
	case summary != nil && summary.Canceled:
		state = StateCanceled
	}
	pipe := r.ctl.client.TxPipeline()
	pipe.HSet(ctx, r.progressKey, map[string]any{
		"state":      state,
		"updated_at": r.ctl.now().UTC().Format(time.RFC3339),
	})
	pipe.Del(ctx, r.cancelKey)
	_, err := pipe.Exec(ctx)
	return err
}
