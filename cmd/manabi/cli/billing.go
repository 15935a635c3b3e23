package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/manabi-erp/manabi/internal/billing/generator"
	"github.com/manabi-erp/manabi/internal/billing/runctl"
	"github.com/manabi-erp/manabi/internal/discount"
	"github.com/manabi-erp/manabi/internal/shared"
)

// Exit codes shared by the commands. ExitPartial means the run completed but some
// entities failed and are listed in the summary.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
	ExitPartial = 10
)

// BillingGenerator runs one tenant month of billing generation.
type BillingGenerator interface {
	Run(ctx context.Context, req generator.Request) (*shared.RunSummary, error)
}

// DiscountRecomputer recomputes the discounts of a tenant month.
type DiscountRecomputer interface {
	RecomputePeriod(ctx context.Context, req discount.Request) (discount.Result, error)
}

// ProvenanceMigrator backfills discount provenance on legacy snapshots.
type ProvenanceMigrator interface {
	MigrateLegacyProvenance(ctx context.Context, tenantID int64, month shared.BillingMonth, dryRun bool) (*shared.RunSummary, error)
}

// RunControl starts, inspects and cancels generation runs.
type RunControl interface {
	Start(ctx context.Context, tenantID int64, month shared.BillingMonth) (*runctl.Run, error)
	Status(ctx context.Context, tenantID int64, month shared.BillingMonth) (runctl.Status, error)
	RequestCancel(ctx context.Context, tenantID int64, month shared.BillingMonth) error
}

// BillingOpsCLI runs billing operations synchronously from the command line.
type BillingOpsCLI struct {
	generator  BillingGenerator
	discounts  DiscountRecomputer
	provenance ProvenanceMigrator
	runs       RunControl
}

// NewBillingOpsCLI constructs the helper. runs may be nil when Redis is unavailable.
func NewBillingOpsCLI(gen BillingGenerator, discounts DiscountRecomputer, provenance ProvenanceMigrator, runs RunControl) *BillingOpsCLI {
	return &BillingOpsCLI{generator: gen, discounts: discounts, provenance: provenance, runs: runs}
}

// BillingOptions carries the flags shared by the billing commands.
type BillingOptions struct {
	TenantID   int64
	Period     string
	Mode       string
	DryRun     bool
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

func (o *BillingOptions) defaults() {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
}

func (o BillingOptions) scope(cmd string) (shared.BillingMonth, bool) {
	if o.TenantID <= 0 {
		fmt.Fprintf(o.Stderr, "%s: --tenant is required and must be positive\n", cmd)
		return shared.BillingMonth{}, false
	}
	month, err := shared.ParseBillingMonth(strings.TrimSpace(o.Period))
	if err != nil {
		fmt.Fprintf(o.Stderr, "%s: invalid --month %q (expected YYYY-MM)\n", cmd, o.Period)
		return shared.BillingMonth{}, false
	}
	return month, true
}

// GenerateCommand generates the confirmed billings of one tenant month.
func (c *BillingOpsCLI) GenerateCommand(ctx context.Context, opts BillingOptions) int {
	opts.defaults()
	const cmd = "billing generate"
	month, ok := opts.scope(cmd)
	if !ok {
		return ExitFailure
	}
	mode, err := generator.ParseMode(opts.Mode)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "%s: invalid --mode %q (expected skip, update or overwrite)\n", cmd, opts.Mode)
		return ExitFailure
	}
	if c == nil || c.generator == nil {
		fmt.Fprintf(opts.Stderr, "%s: generator not configured\n", cmd)
		return ExitFailure
	}
	req := generator.Request{TenantID: opts.TenantID, Year: month.Year, Month: month.Month, Mode: mode, DryRun: opts.DryRun}
	var run *runctl.Run
	if c.runs != nil {
		if run, err = c.runs.Start(ctx, opts.TenantID, month); err != nil {
			fmt.Fprintf(opts.Stderr, "%s: progress tracking disabled: %v\n", cmd, err)
		} else {
			req.Progress = run
			req.Cancel = run
		}
	}
	summary, err := c.generator.Run(ctx, req)
	if run != nil {
		_ = run.Finish(context.WithoutCancel(ctx), summary, err)
	}
	if err != nil {
		fmt.Fprintf(opts.Stderr, "%s: %v\n", cmd, err)
		return ExitFailure
	}
	return writeSummary(opts, cmd, month, summary)
}

// DiscountsCommand recomputes the corporate and family mile discounts.
func (c *BillingOpsCLI) DiscountsCommand(ctx context.Context, opts BillingOptions) int {
	opts.defaults()
	const cmd = "billing discounts"
	month, ok := opts.scope(cmd)
	if !ok {
		return ExitFailure
	}
	if c == nil || c.discounts == nil {
		fmt.Fprintf(opts.Stderr, "%s: discount engine not configured\n", cmd)
		return ExitFailure
	}
	result, err := c.discounts.RecomputePeriod(ctx, discount.Request{TenantID: opts.TenantID, Year: month.Year, Month: month.Month, DryRun: opts.DryRun})
	if err != nil {
		fmt.Fprintf(opts.Stderr, "%s: %v\n", cmd, err)
		return ExitFailure
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(result); err != nil {
			fmt.Fprintf(opts.Stderr, "%s: encode json: %v\n", cmd, err)
			return ExitFailure
		}
	} else {
		renderSummary(opts.Stdout, "corporate", month, result.Corporate)
		renderSummary(opts.Stdout, "family mile", month, result.FamilyMile)
	}
	if total := result.Total(); total.Errors > 0 {
		return ExitPartial
	}
	return ExitOK
}

// MigrateProvenanceCommand classifies legacy discount entries of a tenant month.
func (c *BillingOpsCLI) MigrateProvenanceCommand(ctx context.Context, opts BillingOptions) int {
	opts.defaults()
	const cmd = "billing migrate-provenance"
	month, ok := opts.scope(cmd)
	if !ok {
		return ExitFailure
	}
	if c == nil || c.provenance == nil {
		fmt.Fprintf(opts.Stderr, "%s: store not configured\n", cmd)
		return ExitFailure
	}
	summary, err := c.provenance.MigrateLegacyProvenance(ctx, opts.TenantID, month, opts.DryRun)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "%s: %v\n", cmd, err)
		return ExitFailure
	}
	return writeSummary(opts, cmd, month, summary)
}

// ProgressCommand prints the status of the latest run of a tenant month.
func (c *BillingOpsCLI) ProgressCommand(ctx context.Context, opts BillingOptions) int {
	opts.defaults()
	const cmd = "billing progress"
	month, ok := opts.scope(cmd)
	if !ok {
		return ExitFailure
	}
	if c == nil || c.runs == nil {
		fmt.Fprintf(opts.Stderr, "%s: run control not configured\n", cmd)
		return ExitFailure
	}
	status, err := c.runs.Status(ctx, opts.TenantID, month)
	if errors.Is(err, runctl.ErrNoRun) {
		fmt.Fprintf(opts.Stderr, "%s: no run recorded for tenant %d %s\n", cmd, opts.TenantID, month)
		return ExitFailure
	}
	if err != nil {
		fmt.Fprintf(opts.Stderr, "%s: %v\n", cmd, err)
		return ExitFailure
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(status); err != nil {
			fmt.Fprintf(opts.Stderr, "%s: encode json: %v\n", cmd, err)
			return ExitFailure
		}
		return ExitOK
	}
	fmt.Fprintf(opts.Stdout, "run %s %s: %d/%d", status.RunID, status.State, status.Done, status.Total)
	if status.Cancel {
		fmt.Fprint(opts.Stdout, " (cancel requested)")
	}
	fmt.Fprintln(opts.Stdout)
	return ExitOK
}

// CancelCommand asks the running generation of a tenant month to stop.
func (c *BillingOpsCLI) CancelCommand(ctx context.Context, opts BillingOptions) int {
	opts.defaults()
	const cmd = "billing cancel"
	month, ok := opts.scope(cmd)
	if !ok {
		return ExitFailure
	}
	if c == nil || c.runs == nil {
		fmt.Fprintf(opts.Stderr, "%s: run control not configured\n", cmd)
		return ExitFailure
	}
	if err := c.runs.RequestCancel(ctx, opts.TenantID, month); err != nil {
		fmt.Fprintf(opts.Stderr, "%s: %v\n", cmd, err)
		return ExitFailure
	}
	fmt.Fprintf(opts.Stdout, "cancel requested for tenant %d %s\n", opts.TenantID, month)
	return ExitOK
}

func writeSummary(opts BillingOptions, cmd string, month shared.BillingMonth, summary *shared.RunSummary) int {
	if summary == nil {
		summary = shared.NewRunSummary(0, opts.DryRun)
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			fmt.Fprintf(opts.Stderr, "%s: encode json: %v\n", cmd, err)
			return ExitFailure
		}
	} else {
		renderSummary(opts.Stdout, cmd, month, summary)
	}
	if summary.Errors > 0 {
		return ExitPartial
	}
	return ExitOK
}

func renderSummary(w io.Writer, label string, month shared.BillingMonth, s *shared.RunSummary) {
	if s == nil {
		return
	}
	fmt.Fprintf(w, "%s %s: created=%d updated=%d skipped=%d deleted=%d errors=%d", label, month, s.Created, s.Updated, s.Skipped, s.Deleted, s.Errors)
	if s.DryRun {
		fmt.Fprint(w, " (dry run)")
	}
	if s.Canceled {
		fmt.Fprint(w, " (canceled)")
	}
	fmt.Fprintln(w)
	for _, msg := range s.Messages {
		fmt.Fprintf(w, "  - %s\n", msg)
	}
	if s.Truncated > 0 {
		fmt.Fprintf(w, "  ... %d more\n", s.Truncated)
	}
}
