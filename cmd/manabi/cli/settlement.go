package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/manabi-erp/manabi/internal/settlement"
	"github.com/manabi-erp/manabi/internal/shared"
)

// SettlementService is the subset of settlement.Service the commands drive.
type SettlementService interface {
	GenerateBatch(ctx context.Context, in settlement.GenerateInput) (settlement.GenerateResult, error)
	ExportCSV(ctx context.Context, tenantID, batchID int64) ([]byte, error)
	ImportResultCSV(ctx context.Context, tenantID, batchID int64, data []byte) (settlement.ImportResult, error)
	Report(ctx context.Context, tenantID, batchID int64) ([]byte, error)
}

// SettlementOpsCLI exposes direct debit batch operations.
type SettlementOpsCLI struct {
	service SettlementService
}

// NewSettlementOpsCLI constructs the helper.
func NewSettlementOpsCLI(service SettlementService) *SettlementOpsCLI {
	return &SettlementOpsCLI{service: service}
}

// SettlementOptions carries the settlement command flags. Path is the output file for
// export and report, and the result file for import; "-" selects stdout or stdin.
type SettlementOptions struct {
	TenantID   int64
	ProviderID int64
	BatchID    int64
	Period     string
	Path       string
	Actor      string
	DryRun     bool
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
	Stdin      io.Reader
}

func (o *SettlementOptions) defaults() {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.Stdin == nil {
		o.Stdin = os.Stdin
	}
	if o.Actor == "" {
		o.Actor = "cli"
	}
}

// BatchCommand generates the debit batch of a provider month.
func (c *SettlementOpsCLI) BatchCommand(ctx context.Context, opts SettlementOptions) int {
	opts.defaults()
	const cmd = "settlement batch"
	if opts.TenantID <= 0 || opts.ProviderID <= 0 {
		fmt.Fprintf(opts.Stderr, "%s: --tenant and --provider are required\n", cmd)
		return ExitFailure
	}
	month, err := shared.ParseBillingMonth(strings.TrimSpace(opts.Period))
	if err != nil {
		fmt.Fprintf(opts.Stderr, "%s: invalid --month %q (expected YYYY-MM)\n", cmd, opts.Period)
		return ExitFailure
	}
	result, err := c.service.GenerateBatch(ctx, settlement.GenerateInput{
		TenantID:   opts.TenantID,
		ProviderID: opts.ProviderID,
		Year:       month.Year,
		Month:      month.Month,
		DryRun:     opts.DryRun,
		Actor:      opts.Actor,
	})
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
		b := result.Batch
		fmt.Fprintf(opts.Stdout, "batch %s %s: lines=%d amount=%d excluded=%d", b.BatchNo, month, b.TotalCount, b.TotalAmount, result.Excluded)
		if opts.DryRun {
			fmt.Fprint(opts.Stdout, " (dry run)")
		}
		fmt.Fprintln(opts.Stdout)
	}
	if result.Excluded > 0 {
		return ExitPartial
	}
	return ExitOK
}

// ExportCommand writes the bank debit file of a batch.
func (c *SettlementOpsCLI) ExportCommand(ctx context.Context, opts SettlementOptions) int {
	opts.defaults()
	const cmd = "settlement export"
	if !batchFlags(opts, cmd) {
		return ExitFailure
	}
	data, err := c.service.ExportCSV(ctx, opts.TenantID, opts.BatchID)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "%s: %v\n", cmd, err)
		return ExitFailure
	}
	return writeOutput(opts, cmd, data)
}

// ReportCommand writes the reconciliation workbook of a batch.
func (c *SettlementOpsCLI) ReportCommand(ctx context.Context, opts SettlementOptions) int {
	opts.defaults()
	const cmd = "settlement report"
	if !batchFlags(opts, cmd) {
		return ExitFailure
	}
	if opts.Path == "" || opts.Path == "-" {
		fmt.Fprintf(opts.Stderr, "%s: --out must name a file\n", cmd)
		return ExitFailure
	}
	data, err := c.service.Report(ctx, opts.TenantID, opts.BatchID)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "%s: %v\n", cmd, err)
		return ExitFailure
	}
	return writeOutput(opts, cmd, data)
}

// ImportCommand applies a bank result file to a batch.
func (c *SettlementOpsCLI) ImportCommand(ctx context.Context, opts SettlementOptions) int {
	opts.defaults()
	const cmd = "settlement import"
	if !batchFlags(opts, cmd) {
		return ExitFailure
	}
	var (
		data []byte
		err  error
	)
	switch strings.TrimSpace(opts.Path) {
	case "":
		fmt.Fprintf(opts.Stderr, "%s: --file is required\n", cmd)
		return ExitFailure
	case "-":
		data, err = io.ReadAll(opts.Stdin)
	default:
		data, err = os.ReadFile(opts.Path)
	}
	if err != nil {
		fmt.Fprintf(opts.Stderr, "%s: read result file: %v\n", cmd, err)
		return ExitFailure
	}
	result, err := c.service.ImportResultCSV(ctx, opts.TenantID, opts.BatchID, data)
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
		fmt.Fprintf(opts.Stdout, "batch %s: rows=%d matched=%d payments=%d failures=%d not_found=%d already_applied=%d\n",
			result.Batch.BatchNo, result.Rows, result.Matched, result.Payments, result.Failures, result.NotFound, result.Skipped)
		for _, rowErr := range result.Errors {
			fmt.Fprintf(opts.Stdout, "  - %s\n", rowErr.Error())
		}
	}
	if len(result.Errors) > 0 || result.NotFound > 0 {
		return ExitPartial
	}
	return ExitOK
}

func batchFlags(opts SettlementOptions, cmd string) bool {
	if opts.TenantID <= 0 || opts.BatchID <= 0 {
		fmt.Fprintf(opts.Stderr, "%s: --tenant and --batch are required\n", cmd)
		return false
	}
	return true
}

func writeOutput(opts SettlementOptions, cmd string, data []byte) int {
	if opts.Path == "" || opts.Path == "-" {
		if _, err := opts.Stdout.Write(data); err != nil {
			fmt.Fprintf(opts.Stderr, "%s: write: %v\n", cmd, err)
			return ExitFailure
		}
		return ExitOK
	}
	if err := os.WriteFile(opts.Path, data, 0o600); err != nil {
		fmt.Fprintf(opts.Stderr, "%s: write %s: %v\n", cmd, opts.Path, err)
		return ExitFailure
	}
	fmt.Fprintf(opts.Stderr, "%s: wrote %d bytes to %s\n", cmd, len(data), opts.Path)
	return ExitOK
}
