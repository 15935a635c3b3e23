// Package generator builds the monthly ConfirmedBilling snapshots from contract and
// enrollment sources.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/manabi-erp/manabi/internal/billing"
	"github.com/manabi-erp/manabi/internal/proration"
	"github.com/manabi-erp/manabi/internal/shared"
)

// Mode selects how an already confirmed month is treated.
type Mode string

const (
	ModeSkip      Mode = "skip"
	ModeUpdate    Mode = "update"
	ModeOverwrite Mode = "overwrite"
)

// ParseMode validates a mode string, defaulting to skip.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeSkip:
		return ModeSkip, nil
	case ModeUpdate, ModeOverwrite:
		return Mode(s), nil
	}
	return "", fmt.Errorf("generator: unknown mode %q: %w", s, shared.ErrValidation)
}

// Request describes one generation run.
type Request struct {
	TenantID int64
	Year     int
	Month    int
	Mode     Mode
	DryRun   bool
	Progress Progress
	Cancel   Canceler
}

// Sources bundles the collaborators the generator reads from. Contracts, Adhoc,
// CarryOver and Tenants are optional.
type Sources struct {
	Tenants   TenantDirectory
	Students  StudentDirectory
	Recurring RecurringItemSource
	Contracts ContractSource
	Adhoc     AdhocEnrollmentSource
	CarryOver CarryOverSource
}

// Generator produces one snapshot per eligible student.
type Generator struct {
	store      *billing.Store
	sources    Sources
	merger     *billing.AdjustmentMerger
	logger     *slog.Logger
	messageCap int
	location   *time.Location
}

// Option customises the generator.
type Option func(*Generator)

// WithAdjustmentMerger merges guardian adjustments after the student loop.
func WithAdjustmentMerger(m *billing.AdjustmentMerger) Option {
	return func(g *Generator) { g.merger = m }
}

// WithMessageCap bounds summary messages.
func WithMessageCap(n int) Option {
	return func(g *Generator) { g.messageCap = n }
}

// WithLocation sets the timezone billing month boundaries are resolved in.
func WithLocation(loc *time.Location) Option {
	return func(g *Generator) {
		if loc != nil {
			g.location = loc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) {
		if l != nil {
			g.logger = l
		}
	}
}

// New constructs a generator.
func New(store *billing.Store, sources Sources, opts ...Option) *Generator {
	g := &Generator{store: store, sources: sources, logger: slog.Default(), messageCap: shared.DefaultMessageCap, location: time.Local}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(slog.String("component", "billing.generator"))
	return g
}

// Run generates the month for one tenant. Only configuration errors are returned; every
// per-student failure is logged and counted on the summary.
func (g *Generator) Run(ctx context.Context, req Request) (*shared.RunSummary, error) {
	if req.TenantID <= 0 {
		return nil, ErrNoTenant
	}
	month, err := shared.NewBillingMonth(req.Year, req.Month)
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeSkip
	}
	if g.sources.Students == nil || g.sources.Recurring == nil {
		return nil, fmt.Errorf("generator: student directory and recurring source required: %w", shared.ErrFatal)
	}
	if g.sources.Tenants != nil {
		ok, err := g.sources.Tenants.TenantExists(ctx, req.TenantID)
		if err != nil {
			return nil, fmt.Errorf("generator: tenant lookup: %w", err)
		}
		if !ok {
			return nil, ErrNoTenant
		}
	}

	students, err := g.sources.Students.ListBillableStudents(ctx, req.TenantID, month.Start(g.location), month.End(g.location))
	if err != nil {
		return nil, fmt.Errorf("generator: list students: %w", err)
	}
	sort.SliceStable(students, func(i, j int) bool { return students[i].ID < students[j].ID })

	existing, err := g.existingByStudent(ctx, req.TenantID, month)
	if err != nil {
		return nil, err
	}

	logger := g.logger.With(slog.Int64("tenant_id", req.TenantID), slog.String("month", month.String()), slog.String("mode", string(mode)))
	summary := shared.NewRunSummary(g.messageCap, req.DryRun)
	run := &run{g: g, req: req, mode: mode, month: month, existing: existing, summary: summary, logger: logger}
	touched := make(map[int64]struct{})

	for i, student := range students {
		if g.canceled(ctx, req.Cancel, logger) {
			summary.Canceled = true
			summary.Note(fmt.Sprintf("canceled after %d of %d students", i, len(students)))
			logger.Warn("generation canceled", slog.Int("done", i), slog.Int("total", len(students)))
			break
		}
		if guardian := run.student(ctx, student); guardian > 0 {
			touched[guardian] = struct{}{}
		}
		if req.Progress != nil {
			if err := req.Progress.Report(ctx, i+1, len(students)); err != nil {
				logger.Warn("progress report failed", slog.Any("error", err))
			}
		}
	}

	if g.merger != nil && len(touched) > 0 && !summary.Canceled {
		guardians := make([]int64, 0, len(touched))
		for id := range touched {
			guardians = append(guardians, id)
		}
		sort.Slice(guardians, func(i, j int) bool { return guardians[i] < guardians[j] })
		if err := g.merger.Merge(ctx, req.TenantID, month, guardians, summary); err != nil {
			logger.Error("adjustment merge failed", slog.Any("error", err))
			summary.AddError("adjustments", err)
		}
	}

	logger.Info("generation finished",
		slog.Int("students", len(students)),
		slog.Int("created", summary.Created),
		slog.Int("updated", summary.Updated),
		slog.Int("skipped", summary.Skipped),
		slog.Int("deleted", summary.Deleted),
		slog.Int("errors", summary.Errors),
		slog.Bool("dry_run", req.DryRun),
	)
	return summary, nil
}

// existingByStudent builds the run-scoped lookup of live snapshots.
func (g *Generator) existingByStudent(ctx context.Context, tenantID int64, month shared.BillingMonth) (map[int64]billing.ConfirmedBilling, error) {
	rows, err := g.store.ListByPeriod(ctx, tenantID, month)
	if err != nil {
		return nil, fmt.Errorf("generator: list existing: %w", err)
	}
	out := make(map[int64]billing.ConfirmedBilling, len(rows))
	for _, row := range rows {
		if _, ok := out[row.StudentID]; !ok {
			out[row.StudentID] = row
		}
	}
	return out, nil
}

func (g *Generator) canceled(ctx context.Context, c Canceler, logger *slog.Logger) bool {
	if ctx.Err() != nil {
		return true
	}
	if c == nil {
		return false
	}
	stop, err := c.Canceled(ctx)
	if err != nil {
		logger.Warn("cancel check failed", slog.Any("error", err))
		return false
	}
	return stop
}

type run struct {
	g        *Generator
	req      Request
	mode     Mode
	month    shared.BillingMonth
	existing map[int64]billing.ConfirmedBilling
	summary  *shared.RunSummary
	logger   *slog.Logger
}

// student processes one student and returns the guardian it billed, if any.
func (r *run) student(ctx context.Context, s Student) int64 {
	key := fmt.Sprintf("student=%d", s.ID)
	switch s.Status {
	case StudentSuspended, StudentWithdrawn:
		r.summary.AddSkipped(key, string(s.Status))
		return 0
	}
	if s.GuardianID <= 0 {
		err := &NoGuardianError{StudentID: s.ID}
		r.logger.Warn("student skipped", slog.Int64("student_id", s.ID), slog.Any("error", err))
		r.summary.AddError(key, err)
		return 0
	}

	items, err := r.collectItems(ctx, s.ID)
	if err != nil {
		r.fail(key, s.ID, err)
		return 0
	}
	var carry int64
	if r.g.sources.CarryOver != nil {
		if carry, err = r.g.sources.CarryOver.CarryOver(ctx, r.req.TenantID, s.ID, r.month); err != nil {
			r.fail(key, s.ID, err)
			return 0
		}
	}

	current, exists := r.existing[s.ID]
	if len(items) == 0 && subtotal(items) == 0 {
		if exists && r.mode != ModeSkip {
			if !r.req.DryRun {
				if err := r.g.store.SoftDelete(ctx, r.req.TenantID, current.ID, "no billable items on rerun"); err != nil {
					r.fail(key, s.ID, err)
					return 0
				}
			}
			r.summary.AddDeleted()
			return 0
		}
		r.summary.AddSkipped(key, "no billable items")
		return 0
	}

	if r.req.DryRun && !(exists && r.mode == ModeSkip) {
		if err := billing.ValidateInput(items, nil); err != nil {
			r.fail(key, s.ID, err)
			return 0
		}
	}

	if exists {
		switch r.mode {
		case ModeSkip:
			r.summary.AddSkipped(key, "")
			return 0
		case ModeUpdate:
			if !r.req.DryRun {
				guardian := s.GuardianID
				if _, err := r.g.store.Update(ctx, r.req.TenantID, current.ID, billing.UpdateInput{
					GuardianID:      &guardian,
					Items:           &items,
					CarryOverAmount: &carry,
				}); err != nil {
					r.fail(key, s.ID, err)
					return 0
				}
			}
			r.summary.AddUpdated()
			return s.GuardianID
		}
	}

	if r.req.DryRun {
		if exists {
			r.summary.AddUpdated()
		} else {
			r.summary.AddCreated()
		}
		return s.GuardianID
	}
	_, err = r.g.store.Create(ctx, billing.CreateInput{
		TenantID:        r.req.TenantID,
		StudentID:       s.ID,
		GuardianID:      s.GuardianID,
		Month:           r.month,
		Items:           items,
		CarryOverAmount: carry,
	}, billing.CreateOptions{Overwrite: r.mode == ModeOverwrite, Reason: "correction rerun"})
	if err != nil {
		r.fail(key, s.ID, err)
		return 0
	}
	if exists {
		r.summary.AddUpdated()
	} else {
		r.summary.AddCreated()
	}
	return s.GuardianID
}

func (r *run) fail(key string, studentID int64, err error) {
	level := slog.LevelError
	if billing.IsDuplicate(err) || errors.Is(err, shared.ErrValidation) {
		level = slog.LevelWarn
	}
	r.logger.Log(context.Background(), level, "student generation failed", slog.Int64("student_id", studentID), slog.Any("error", err))
	r.summary.AddError(key, err)
}

// collectItems resolves recurring items, falling back to contracts when their subtotal
// is zero, then appends the month's ad-hoc enrollments.
func (r *run) collectItems(ctx context.Context, studentID int64) ([]billing.LineItem, error) {
	src, err := r.g.sources.Recurring.RecurringItems(ctx, r.req.TenantID, studentID, r.month)
	if err != nil {
		return nil, fmt.Errorf("recurring items: %w", err)
	}
	items, err := r.lineItems(src)
	if err != nil {
		return nil, err
	}
	if subtotal(items) == 0 && r.g.sources.Contracts != nil {
		src, err = r.g.sources.Contracts.ContractItems(ctx, r.req.TenantID, studentID, r.month)
		if err != nil {
			return nil, fmt.Errorf("contract items: %w", err)
		}
		if items, err = r.lineItems(src); err != nil {
			return nil, err
		}
	}
	if r.g.sources.Adhoc != nil {
		monthKey := r.month.Key()
		src, err = r.g.sources.Adhoc.AdhocItems(ctx, r.req.TenantID, studentID, monthKey)
		if err != nil {
			return nil, fmt.Errorf("adhoc items: %w", err)
		}
		var tagged []SourceItem
		for _, it := range src {
			if it.BillingMonthKey == "" || it.BillingMonthKey == monthKey {
				tagged = append(tagged, it)
			}
		}
		adhoc, err := r.lineItems(tagged)
		if err != nil {
			return nil, err
		}
		items = append(items, adhoc...)
	}
	return items, nil
}

func (r *run) lineItems(src []SourceItem) ([]billing.LineItem, error) {
	out := make([]billing.LineItem, 0, len(src))
	for _, s := range src {
		qty := s.Quantity
		if qty == 0 {
			qty = 1
		}
		itemType := s.ItemType
		if itemType == "" {
			itemType = billing.ItemOther
		}
		li := billing.LineItem{
			ProductCode: s.ProductCode,
			ItemType:    itemType,
			Description: s.Description,
			UnitPrice:   s.UnitPrice,
			Quantity:    qty,
			Subtotal:    s.UnitPrice * qty,
			TaxAmount:   s.TaxAmount,
			Provenance:  billing.ProvenanceGenerated,
		}
		if start := s.EnrollmentStart; start != nil && len(s.Weekdays) > 0 && r.month.Contains(*start) && start.Day() > 1 {
			res, err := proration.Calculate(*start, s.Weekdays, time.Time{})
			if err != nil {
				return nil, fmt.Errorf("prorate %s: %w", s.ProductCode, err)
			}
			ratio := res.Ratio
			li.ProrationRatio = &ratio
			li.Subtotal = proration.Apply(li.Subtotal, ratio)
			li.TaxAmount = proration.Apply(li.TaxAmount, ratio)
		}
		out = append(out, li)
	}
	return out, nil
}

func subtotal(items []billing.LineItem) int64 {
	var sum int64
	for _, it := range items {
		sum += it.Subtotal
	}
	return sum
}
