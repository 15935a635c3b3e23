// Package cli implements the operational subcommands of the manabi binary.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
)

// Env holds the command helpers and the process streams.
type Env struct {
	Billing    *BillingOpsCLI
	Settlement *SettlementOpsCLI
	Jobs       *JobsCLI
	Stdout     io.Writer
	Stderr     io.Writer
	Stdin      io.Reader
}

const usage = `usage: manabi <command> [flags]

commands:
  serve                                     start the HTTP API (default)
  billing generate|discounts|migrate-provenance|progress|cancel
  settlement batch|export|import|report
  jobs trigger|stats
`

// Run dispatches args (without the program name) and returns the process exit code.
func Run(ctx context.Context, args []string, env Env) int {
	if env.Stdout == nil {
		env.Stdout = os.Stdout
	}
	if env.Stderr == nil {
		env.Stderr = os.Stderr
	}
	if env.Stdin == nil {
		env.Stdin = os.Stdin
	}
	if len(args) < 2 {
		fmt.Fprint(env.Stderr, usage)
		return ExitUsage
	}
	group, sub, rest := args[0], args[1], args[2:]
	switch group {
	case "billing":
		return runBilling(ctx, sub, rest, env)
	case "settlement":
		return runSettlement(ctx, sub, rest, env)
	case "jobs":
		return runJobs(ctx, sub, rest, env)
	default:
		fmt.Fprintf(env.Stderr, "unknown command %q\n%s", group, usage)
		return ExitUsage
	}
}

func newFlagSet(name string, env Env) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(env.Stderr)
	return fs
}

func runBilling(ctx context.Context, sub string, args []string, env Env) int {
	if env.Billing == nil {
		fmt.Fprintln(env.Stderr, "billing: not configured")
		return ExitFailure
	}
	commands := map[string]func(context.Context, BillingOptions) int{
		"generate":           env.Billing.GenerateCommand,
		"discounts":          env.Billing.DiscountsCommand,
		"migrate-provenance": env.Billing.MigrateProvenanceCommand,
		"progress":           env.Billing.ProgressCommand,
		"cancel":             env.Billing.CancelCommand,
	}
	command, ok := commands[sub]
	if !ok {
		fmt.Fprintf(env.Stderr, "billing: unknown subcommand %q\n", sub)
		return ExitUsage
	}
	opts := BillingOptions{Stdout: env.Stdout, Stderr: env.Stderr}
	fs := newFlagSet("billing "+sub, env)
	fs.Int64Var(&opts.TenantID, "tenant", 0, "tenant ID")
	fs.StringVar(&opts.Period, "month", "", "billing month (YYYY-MM)")
	fs.BoolVar(&opts.JSONOutput, "json", false, "print JSON")
	if sub == "generate" {
		fs.StringVar(&opts.Mode, "mode", "skip", "existing snapshot handling: skip, update or overwrite")
	}
	if sub == "generate" || sub == "discounts" || sub == "migrate-provenance" {
		fs.BoolVar(&opts.DryRun, "dry-run", false, "compute without writing")
	}
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}
	return command(ctx, opts)
}

func runSettlement(ctx context.Context, sub string, args []string, env Env) int {
	if env.Settlement == nil {
		fmt.Fprintln(env.Stderr, "settlement: not configured")
		return ExitFailure
	}
	opts := SettlementOptions{Stdout: env.Stdout, Stderr: env.Stderr, Stdin: env.Stdin}
	fs := newFlagSet("settlement "+sub, env)
	fs.Int64Var(&opts.TenantID, "tenant", 0, "tenant ID")
	fs.BoolVar(&opts.JSONOutput, "json", false, "print JSON")
	var command func(context.Context, SettlementOptions) int
	switch sub {
	case "batch":
		fs.Int64Var(&opts.ProviderID, "provider", 0, "payment provider ID")
		fs.StringVar(&opts.Period, "month", "", "billing month (YYYY-MM)")
		fs.StringVar(&opts.Actor, "actor", "cli", "actor recorded in the audit log")
		fs.BoolVar(&opts.DryRun, "dry-run", false, "preview without writing")
		command = env.Settlement.BatchCommand
	case "export":
		fs.Int64Var(&opts.BatchID, "batch", 0, "batch ID")
		fs.StringVar(&opts.Path, "out", "-", "output file, - for stdout")
		command = env.Settlement.ExportCommand
	case "report":
		fs.Int64Var(&opts.BatchID, "batch", 0, "batch ID")
		fs.StringVar(&opts.Path, "out", "", "output .xlsx file")
		command = env.Settlement.ReportCommand
	case "import":
		fs.Int64Var(&opts.BatchID, "batch", 0, "batch ID")
		fs.StringVar(&opts.Path, "file", "", "result file, - for stdin")
		command = env.Settlement.ImportCommand
	default:
		fmt.Fprintf(env.Stderr, "settlement: unknown subcommand %q\n", sub)
		return ExitUsage
	}
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}
	return command(ctx, opts)
}

func runJobs(ctx context.Context, sub string, args []string, env Env) int {
	if env.Jobs == nil {
		fmt.Fprintln(env.Stderr, "jobs: not configured")
		return ExitFailure
	}
	opts := JobsOptions{Stdout: env.Stdout, Stderr: env.Stderr}
	fs := newFlagSet("jobs "+sub, env)
	fs.BoolVar(&opts.JSONOutput, "json", false, "print JSON")
	switch sub {
	case "trigger":
		fs.StringVar(&opts.Task, "task", "", "task type, e.g. billing:generate")
		fs.Int64Var(&opts.Params.TenantID, "tenant", 0, "tenant ID, 0 for all tenants")
		fs.Int64Var(&opts.Params.ProviderID, "provider", 0, "payment provider ID, 0 for all active")
		fs.StringVar(&opts.Params.Period, "month", "current", "YYYY-MM, current or next")
		fs.StringVar(&opts.Params.Mode, "mode", "", "generation mode")
		fs.BoolVar(&opts.Params.DryRun, "dry-run", false, "compute without writing")
		if err := fs.Parse(args); err != nil {
			return ExitUsage
		}
		return env.Jobs.TriggerCommand(ctx, opts)
	case "stats":
		if err := fs.Parse(args); err != nil {
			return ExitUsage
		}
		return env.Jobs.StatsCommand(ctx, opts)
	default:
		fmt.Fprintf(env.Stderr, "jobs: unknown subcommand %q\n", sub)
		return ExitUsage
	}
}
