package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/manabi-erp/manabi/internal/shared"
	"github.com/manabi-erp/manabi/jobs"
)

// Dispatcher enqueues the billing and settlement tasks.
type Dispatcher interface {
	EnqueueBillingGenerate(ctx context.Context, payload jobs.BillingPayload) (*asynq.TaskInfo, error)
	EnqueueBillingDiscounts(ctx context.Context, payload jobs.BillingPayload) (*asynq.TaskInfo, error)
	EnqueueSettlementBatch(ctx context.Context, payload jobs.SettlementPayload) (*asynq.TaskInfo, error)
}

// QueueInspector reads queue state.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	ListScheduledTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
}

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    Dispatcher
	inspector QueueInspector
	closers   []io.Closer
}

// NewJobsCLI initialises the CLI helpers against the queue Redis.
func NewJobsCLI(opts asynq.RedisClientOpt) *JobsCLI {
	client := jobs.NewClient(opts)
	inspector := asynq.NewInspector(opts)
	return &JobsCLI{client: client, inspector: inspector, closers: []io.Closer{client, inspector}}
}

// NewJobsCLIWith builds the helper from existing collaborators.
func NewJobsCLIWith(client Dispatcher, inspector QueueInspector) *JobsCLI {
	return &JobsCLI{client: client, inspector: inspector}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var errs []error
	for _, closer := range c.closers {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TriggerParams scopes a manually triggered task. A zero TenantID fans out over every
// tenant. Period accepts YYYY-MM, "current" or "next".
type TriggerParams struct {
	TenantID   int64
	ProviderID int64
	Period     string
	Mode       string
	DryRun     bool
}

// Trigger enqueues a supported job by task type.
func (c *JobsCLI) Trigger(ctx context.Context, name string, params TriggerParams) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	year, month, relative, err := triggerMonth(params.Period)
	if err != nil {
		return nil, err
	}
	switch name {
	case jobs.TaskBillingGenerate:
		return c.client.EnqueueBillingGenerate(ctx, jobs.BillingPayload{
			TenantID: params.TenantID, Year: year, Month: month, Relative: relative, Mode: params.Mode, DryRun: params.DryRun,
		})
	case jobs.TaskBillingDiscounts:
		return c.client.EnqueueBillingDiscounts(ctx, jobs.BillingPayload{
			TenantID: params.TenantID, Year: year, Month: month, Relative: relative, DryRun: params.DryRun,
		})
	case jobs.TaskSettlementBatch:
		return c.client.EnqueueSettlementBatch(ctx, jobs.SettlementPayload{
			TenantID: params.TenantID, ProviderID: params.ProviderID, Year: year, Month: month, Relative: relative, DryRun: params.DryRun,
		})
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
}

func triggerMonth(period string) (int, int, string, error) {
	period = strings.TrimSpace(strings.ToLower(period))
	switch period {
	case "", jobs.MonthCurrent:
		return 0, 0, jobs.MonthCurrent, nil
	case jobs.MonthNext:
		return 0, 0, jobs.MonthNext, nil
	}
	m, err := shared.ParseBillingMonth(period)
	if err != nil {
		return 0, 0, "", fmt.Errorf("jobs cli: %w", err)
	}
	return m.Year, m.Month, "", nil
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

// InspectQueue reports the queue metrics for the default queue.
func (c *JobsCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
		stats.Archived = info.Archived
	}
	return stats, nil
}

// ListScheduled returns scheduled task infos for observability.
func (c *JobsCLI) ListScheduled(ctx context.Context, size int) ([]*asynq.TaskInfo, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	return c.inspector.ListScheduledTasks(jobs.QueueDefault, asynq.PageSize(size), asynq.Page(1))
}

// JobsOptions carries the jobs command flags.
type JobsOptions struct {
	Task       string
	Params     TriggerParams
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

func (o *JobsOptions) defaults() {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
}

type triggerOutput struct {
	TaskID string `json:"task_id"`
	Type   string `json:"type"`
	Queue  string `json:"queue"`
}

// TriggerCommand enqueues a task and prints its ID.
func (c *JobsCLI) TriggerCommand(ctx context.Context, opts JobsOptions) int {
	opts.defaults()
	info, err := c.Trigger(ctx, opts.Task, opts.Params)
	if errors.Is(err, jobs.ErrAlreadyQueued) {
		fmt.Fprintf(opts.Stderr, "jobs trigger: %s for this scope is already queued\n", opts.Task)
		return ExitPartial
	}
	if err != nil {
		fmt.Fprintf(opts.Stderr, "jobs trigger: %v\n", err)
		return ExitFailure
	}
	out := triggerOutput{TaskID: info.ID, Type: opts.Task, Queue: info.Queue}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(out); err != nil {
			fmt.Fprintf(opts.Stderr, "jobs trigger: encode json: %v\n", err)
			return ExitFailure
		}
		return ExitOK
	}
	fmt.Fprintf(opts.Stdout, "enqueued %s as %s on %s\n", out.Type, out.TaskID, out.Queue)
	return ExitOK
}

// StatsCommand prints the queue statistics and the next scheduled tasks.
func (c *JobsCLI) StatsCommand(ctx context.Context, opts JobsOptions) int {
	opts.defaults()
	stats, err := c.InspectQueue(ctx)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "jobs stats: %v\n", err)
		return ExitFailure
	}
	scheduled, err := c.ListScheduled(ctx, 10)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "jobs stats: list scheduled: %v\n", err)
		return ExitFailure
	}
	if opts.JSONOutput {
		types := make([]string, 0, len(scheduled))
		for _, info := range scheduled {
			types = append(types, info.Type)
		}
		payload := struct {
			QueueStats
			Upcoming []string `json:"upcoming"`
		}{QueueStats: stats, Upcoming: types}
		if err := json.NewEncoder(opts.Stdout).Encode(payload); err != nil {
			fmt.Fprintf(opts.Stderr, "jobs stats: encode json: %v\n", err)
			return ExitFailure
		}
		return ExitOK
	}
	fmt.Fprintf(opts.Stdout, "queue %s: pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
		stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
	for _, info := range scheduled {
		fmt.Fprintf(opts.Stdout, "  %s %s at %s\n", info.ID, info.Type, info.NextProcessAt.Format("2006-01-02 15:04"))
	}
	return ExitOK
}
