package settlement

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/manabi-erp/manabi/internal/shared"
)

const idempotencyModule = "settlement"

// Service orchestrates batch generation, export and result import.
type Service struct {
	repo       Repository
	guardians  GuardianDirectory
	logger     *slog.Logger
	now        func() time.Time
	messageCap int
}

// NewService constructs the service.
func NewService(repo Repository, guardians GuardianDirectory, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:       repo,
		guardians:  guardians,
		logger:     logger.With(slog.String("component", "settlement")),
		now:        time.Now,
		messageCap: shared.DefaultMessageCap,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithMessageCap bounds summary messages.
func (s *Service) WithMessageCap(n int) {
	if n > 0 {
		s.messageCap = n
	}
}

// GenerateInput selects the provider period to batch.
type GenerateInput struct {
	TenantID   int64
	ProviderID int64
	Year       int
	Month      int
	DryRun     bool
	Actor      string
}

// GenerateResult describes the created (or previewed) batch.
type GenerateResult struct {
	Batch    Batch              `json:"batch"`
	Lines    []Line             `json:"-"`
	Excluded int                `json:"excluded"`
	Summary  *shared.RunSummary `json:"summary"`
}

// GenerateBatch builds the batch of one provider period from the open invoices.
// Invoices whose guardian has no exportable bank account are excluded and counted.
func (s *Service) GenerateBatch(ctx context.Context, in GenerateInput) (GenerateResult, error) {
	month, err := shared.NewBillingMonth(in.Year, in.Month)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("settlement: %w", err)
	}
	provider, err := s.repo.GetProvider(ctx, in.TenantID, in.ProviderID)
	if errors.Is(err, ErrNotFound) || (err == nil && !provider.Active) {
		return GenerateResult{}, ErrNoActiveProvider
	}
	if err != nil {
		return GenerateResult{}, fmt.Errorf("settlement: load provider: %w", err)
	}
	if _, err := s.repo.FindBatch(ctx, in.TenantID, provider.ID, month); err == nil {
		return GenerateResult{}, ErrBatchExists
	} else if !errors.Is(err, ErrNotFound) {
		return GenerateResult{}, fmt.Errorf("settlement: find batch: %w", err)
	}

	invoices, err := s.repo.ListOpenInvoices(ctx, in.TenantID, provider.ID, month)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("settlement: list invoices: %w", err)
	}
	sort.Slice(invoices, func(i, j int) bool { return invoices[i].ID < invoices[j].ID })
	guardianIDs := make([]int64, 0, len(invoices))
	seen := map[int64]struct{}{}
	for _, inv := range invoices {
		if _, ok := seen[inv.GuardianID]; !ok {
			seen[inv.GuardianID] = struct{}{}
			guardianIDs = append(guardianIDs, inv.GuardianID)
		}
	}
	accounts := map[int64]BankAccount{}
	if s.guardians != nil && len(guardianIDs) > 0 {
		if accounts, err = s.guardians.ListBankAccounts(ctx, in.TenantID, guardianIDs); err != nil {
			return GenerateResult{}, fmt.Errorf("settlement: list bank accounts: %w", err)
		}
	}

	logger := s.logger.With(slog.Int64("tenant_id", in.TenantID), slog.Int64("provider_id", provider.ID), slog.String("month", month.String()))
	summary := shared.NewRunSummary(s.messageCap, in.DryRun)
	res := GenerateResult{Summary: summary}
	for _, inv := range invoices {
		if !inv.Open() {
			continue
		}
		key := fmt.Sprintf("invoice=%d guardian=%d", inv.ID, inv.GuardianID)
		acct, ok := accounts[inv.GuardianID]
		if !ok {
			res.Excluded++
			summary.AddSkipped(key, "no bank account")
			continue
		}
		acct.GuardianID = inv.GuardianID
		if err := ValidateBankAccount(acct); err != nil {
			logger.Info("invoice excluded", slog.Int64("invoice_id", inv.ID), slog.Any("error", err))
			res.Excluded++
			summary.AddSkipped(key, err.Error())
			continue
		}
		acct = NormalizeBankAccount(acct)
		res.Lines = append(res.Lines, Line{
			LineNo:        len(res.Lines) + 1,
			InvoiceID:     inv.ID,
			GuardianID:    inv.GuardianID,
			BankCode:      acct.BankCode,
			BranchCode:    acct.BranchCode,
			AccountType:   acct.AccountType,
			AccountNumber: acct.AccountNumber,
			HolderKana:    acct.HolderKana,
			CustomerCode:  acct.CustomerCode,
			Amount:        inv.Balance,
			ResultStatus:  ResultPending,
		})
	}

	now := s.now()
	res.Batch = Batch{
		TenantID:   in.TenantID,
		BatchNo:    newBatchNo(provider, month),
		ProviderID: provider.ID,
		Year:       month.Year,
		Month:      month.Month,
		Status:     BatchDraft,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, l := range res.Lines {
		res.Batch.TotalCount++
		res.Batch.TotalAmount += l.Amount
		summary.AddCreated()
	}
	if in.DryRun {
		return res, nil
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		period, err := tx.GetOrCreatePeriod(ctx, provider, month)
		if err != nil {
			return err
		}
		res.Batch.BillingPeriodID = period.ID
		if err := tx.InsertBatch(ctx, &res.Batch); err != nil {
			return err
		}
		if err := tx.InsertLines(ctx, res.Batch.ID, res.Lines); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			TenantID: in.TenantID,
			Actor:    in.Actor,
			Action:   "settlement.batch.generate",
			Entity:   "debit_export_batch",
			EntityID: strconv.FormatInt(res.Batch.ID, 10),
			Meta:     map[string]any{"batch_no": res.Batch.BatchNo, "lines": res.Batch.TotalCount, "excluded": res.Excluded},
			At:       now,
		})
	})
	if err != nil {
		return GenerateResult{}, err
	}
	logger.Info("batch generated", slog.String("batch_no", res.Batch.BatchNo), slog.Int("lines", res.Batch.TotalCount), slog.Int("excluded", res.Excluded))
	return res, nil
}

func newBatchNo(p Provider, month shared.BillingMonth) string {
	code := p.Code
	if code == "" {
		code = strconv.FormatInt(p.ID, 10)
	}
	return fmt.Sprintf("%s-%s-%s", strings.ToUpper(code), month.Key(), strings.ToUpper(uuid.NewString()[:8]))
}

// ExportCSV renders the batch file in the provider encoding. The first export moves the
// batch from DRAFT to EXPORTED; later exports return the file without a state change.
func (s *Service) ExportCSV(ctx context.Context, tenantID, batchID int64) ([]byte, error) {
	batch, err := s.repo.GetBatch(ctx, tenantID, batchID)
	if err != nil {
		return nil, err
	}
	provider, err := s.repo.GetProvider(ctx, tenantID, batch.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("settlement: load provider: %w", err)
	}
	lines, err := s.repo.ListLines(ctx, batch.ID)
	if err != nil {
		return nil, fmt.Errorf("settlement: list lines: %w", err)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].LineNo < lines[j].LineNo })
	records := make([][]string, 0, len(lines))
	for _, l := range lines {
		records = append(records, exportRecord(provider.ConsignorCode, batch.BillingMonth(), l))
	}
	var buf bytes.Buffer
	if err := writeQuoted(&buf, records); err != nil {
		return nil, err
	}
	out, err := EncodeText(buf.String(), provider.Encoding)
	if err != nil {
		return nil, err
	}
	if batch.Status != BatchDraft {
		return out, nil
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetBatchForUpdate(ctx, tenantID, batchID)
		if err != nil {
			return err
		}
		if current.Status != BatchDraft {
			return nil
		}
		if err := current.transition(BatchExported); err != nil {
			return err
		}
		now := s.now()
		current.ExportedAt = &now
		current.UpdatedAt = now
		if err := tx.UpdateBatch(ctx, current); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			TenantID: tenantID, Action: "settlement.batch.export", Entity: "debit_export_batch",
			EntityID: strconv.FormatInt(batchID, 10), Meta: map[string]any{"lines": len(lines)}, At: now,
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("batch exported", slog.Int64("batch_id", batchID), slog.Int("lines", len(lines)), slog.String("encoding", string(provider.Encoding)))
	return out, nil
}

// ImportResult reports the reconciliation of one result file.
type ImportResult struct {
	Batch       Batch      `json:"batch"`
	Rows        int        `json:"rows"`
	Matched     int        `json:"matched"`
	NotFound    int        `json:"not_found"`
	Payments    int        `json:"payments"`
	Failures    int        `json:"failures"`
	Skipped     int        `json:"already_applied"`
	Ambiguous   int        `json:"ambiguous"`
	Errors      []RowError `json:"errors,omitempty"`
	Fingerprint string     `json:"fingerprint"`
}

type customerKey struct {
	code   string
	amount int64
}

type accountKey struct {
	bank, branch, account string
	amount                int64
}

// lineIndex holds the import-scoped lookups from result rows to batch lines.
type lineIndex struct {
	byCustomer map[customerKey][]Line
	byAccount  map[accountKey][]Line
}

func buildLineIndex(lines []Line) lineIndex {
	idx := lineIndex{byCustomer: map[customerKey][]Line{}, byAccount: map[accountKey][]Line{}}
	for _, l := range lines {
		if l.CustomerCode != "" {
			k := customerKey{code: l.CustomerCode, amount: l.Amount}
			idx.byCustomer[k] = append(idx.byCustomer[k], l)
		}
		k := accountKey{bank: l.BankCode, branch: l.BranchCode, account: l.AccountNumber, amount: l.Amount}
		idx.byAccount[k] = append(idx.byAccount[k], l)
	}
	return idx
}

// match returns the candidates for row: customer code and amount first, then bank
// details and amount.
func (idx lineIndex) match(row resultRow) []Line {
	if row.CustomerCode != "" {
		if c := idx.byCustomer[customerKey{code: row.CustomerCode, amount: row.Amount}]; len(c) > 0 {
			return c
		}
	}
	return idx.byAccount[accountKey{bank: row.BankCode, branch: row.BranchCode, account: row.AccountNumber, amount: row.Amount}]
}

// ImportResultCSV reconciles a provider result file against an exported batch.
func (s *Service) ImportResultCSV(ctx context.Context, tenantID, batchID int64, data []byte) (ImportResult, error) {
	batch, err := s.repo.GetBatch(ctx, tenantID, batchID)
	if err != nil {
		return ImportResult{}, err
	}
	if batch.Status != BatchExported {
		return ImportResult{}, fmt.Errorf("%w: import requires %s, batch is %s", ErrInvalidTransition, BatchExported, batch.Status)
	}
	provider, err := s.repo.GetProvider(ctx, tenantID, batch.ProviderID)
	if err != nil {
		return ImportResult{}, fmt.Errorf("settlement: load provider: %w", err)
	}
	lines, err := s.repo.ListLines(ctx, batch.ID)
	if err != nil {
		return ImportResult{}, fmt.Errorf("settlement: list lines: %w", err)
	}

	sum := blake2b.Sum256(data)
	res := ImportResult{Fingerprint: hex.EncodeToString(sum[:])}
	logger := s.logger.With(slog.Int64("tenant_id", tenantID), slog.Int64("batch_id", batchID))

	rows, rowErrs := parseResultRows(DecodeText(data, provider.Encoding))
	for _, re := range rowErrs {
		logger.Warn("result row rejected", slog.Int("row", re.Row), slog.String("reason", re.Reason))
	}
	res.Errors = append(res.Errors, rowErrs...)
	res.Rows = len(rows) + len(rowErrs)

	idx := buildLineIndex(lines)
	debitDate := provider.DebitDate(batch.BillingMonth())
	for _, row := range rows {
		candidates := idx.match(row)
		if len(candidates) == 0 {
			res.NotFound++
			logger.Info("result row unmatched", slog.Int("row", row.Row), slog.String("customer_code", row.CustomerCode), slog.Int64("amount", row.Amount))
			continue
		}
		if len(candidates) > 1 {
			res.Ambiguous++
			nos := make([]int, 0, len(candidates))
			for _, c := range candidates {
				nos = append(nos, c.LineNo)
			}
			logger.Warn("ambiguous result row, first line applied", slog.Int("row", row.Row), slog.Any("line_nos", nos))
		}
		res.Matched++
		applied, err := s.applyRow(ctx, tenantID, batch.ID, candidates[0].ID, row, debitDate)
		switch {
		case err != nil:
			logger.Error("result row failed", slog.Int("row", row.Row), slog.Any("error", err))
			res.Errors = append(res.Errors, RowError{Row: row.Row, Reason: err.Error()})
		case applied == ResultSuccess:
			res.Payments++
		case applied == ResultFailed:
			res.Failures++
		default:
			res.Skipped++
		}
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetBatchForUpdate(ctx, tenantID, batchID)
		if err != nil {
			return err
		}
		all, err := tx.ListLines(ctx, batchID)
		if err != nil {
			return err
		}
		aggregate(&current, all)
		current.NotFoundCount = res.NotFound
		current.ResultFingerprint = res.Fingerprint
		if err := current.transition(BatchResultImported); err != nil {
			return err
		}
		now := s.now()
		current.ImportedAt = &now
		current.UpdatedAt = now
		if err := tx.UpdateBatch(ctx, current); err != nil {
			return err
		}
		res.Batch = current
		return tx.RecordAudit(ctx, shared.AuditLog{
			TenantID: tenantID, Action: "settlement.batch.import", Entity: "debit_export_batch",
			EntityID: strconv.FormatInt(batchID, 10),
			Meta: map[string]any{
				"fingerprint": res.Fingerprint, "payments": res.Payments, "failures": res.Failures,
				"not_found": res.NotFound, "errors": len(res.Errors),
			},
			At: now,
		})
	})
	if err != nil {
		return res, err
	}
	logger.Info("result imported",
		slog.Int("rows", res.Rows), slog.Int("payments", res.Payments), slog.Int("failures", res.Failures),
		slog.Int("not_found", res.NotFound), slog.Int("errors", len(res.Errors)))
	return res, nil
}

// applyRow attaches one result to its line in a single transaction. It returns the
// resulting status, or "" when the line already carried a result.
func (s *Service) applyRow(ctx context.Context, tenantID, batchID, lineID int64, row resultRow, debitDate time.Time) (ResultStatus, error) {
	var outcome ResultStatus
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		line, err := tx.GetLineForUpdate(ctx, batchID, lineID)
		if err != nil {
			return err
		}
		if line.Linked() {
			return nil
		}
		if err := tx.ClaimKey(ctx, "line:"+strconv.FormatInt(line.ID, 10), idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return nil
			}
			return err
		}
		status, reason := ClassifyResult(row.ResultCode)
		line.ResultCode = row.ResultCode
		line.ResultStatus = status
		now := s.now()

		if status == ResultSuccess {
			inv, err := tx.GetInvoiceForUpdate(ctx, tenantID, line.InvoiceID)
			if err != nil {
				return fmt.Errorf("invoice %d: %w", line.InvoiceID, err)
			}
			payment := Payment{
				TenantID: tenantID, InvoiceID: inv.ID, GuardianID: line.GuardianID, LineID: line.ID,
				Amount: line.Amount, PaidOn: debitDate, Method: "direct_debit", CreatedAt: now,
			}
			if err := tx.InsertPayment(ctx, &payment); err != nil {
				return err
			}
			inv.ApplyPayment(line.Amount)
			if err := tx.SaveInvoice(ctx, inv); err != nil {
				return err
			}
			line.PaymentID = &payment.ID
		} else {
			result := DirectDebitResult{
				TenantID: tenantID, InvoiceID: line.InvoiceID, GuardianID: line.GuardianID, LineID: line.ID,
				Amount: line.Amount, ResultCode: row.ResultCode, Reason: reason, ProcessedAt: now,
			}
			if err := tx.InsertDirectDebitResult(ctx, &result); err != nil {
				return err
			}
			line.FailureReason = reason
			line.DirectDebitResultID = &result.ID
		}
		if err := tx.SaveLine(ctx, line); err != nil {
			return err
		}
		outcome = status
		return nil
	})
	return outcome, err
}

// aggregate recomputes batch totals from the full line set.
func aggregate(b *Batch, lines []Line) {
	b.TotalCount, b.TotalAmount = 0, 0
	b.SuccessCount, b.SuccessAmount = 0, 0
	b.FailedCount, b.FailedAmount = 0, 0
	for _, l := range lines {
		b.TotalCount++
		b.TotalAmount += l.Amount
		switch l.ResultStatus {
		case ResultSuccess:
			b.SuccessCount++
			b.SuccessAmount += l.Amount
		case ResultFailed:
			b.FailedCount++
			b.FailedAmount += l.Amount
		}
	}
}

// GetBatch returns a batch with its lines.
func (s *Service) GetBatch(ctx context.Context, tenantID, batchID int64) (Batch, []Line, error) {
	batch, err := s.repo.GetBatch(ctx, tenantID, batchID)
	if err != nil {
		return Batch{}, nil, err
	}
	lines, err := s.repo.ListLines(ctx, batchID)
	if err != nil {
		return Batch{}, nil, err
	}
	return batch, lines, nil
}

// ListBatches returns the batches of a tenant month.
func (s *Service) ListBatches(ctx context.Context, tenantID int64, month shared.BillingMonth) ([]Batch, error) {
	return s.repo.ListBatches(ctx, tenantID, month)
}

// ListActiveProviders returns the tenant's providers eligible for batching.
func (s *Service) ListActiveProviders(ctx context.Context, tenantID int64) ([]Provider, error) {
	return s.repo.ListActiveProviders(ctx, tenantID)
}
