package settlement

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
)

const (
	summarySheet = "Summary"
	linesSheet   = "Lines"
)

// BuildReconciliationXLSX renders the batch aggregates and per-line results.
func BuildReconciliationXLSX(batch Batch, lines []Line) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(linesSheet); err != nil {
		return nil, err
	}

	summary := [][2]any{
		{"Batch No", batch.BatchNo},
		{"Month", batch.BillingMonth().String()},
		{"Status", string(batch.Status)},
		{"Total Count", batch.TotalCount},
		{"Total Amount", batch.TotalAmount},
		{"Success Count", batch.SuccessCount},
		{"Success Amount", batch.SuccessAmount},
		{"Failed Count", batch.FailedCount},
		{"Failed Amount", batch.FailedAmount},
		{"Not Found", batch.NotFoundCount},
		{"Exported At", formatTime(batch.ExportedAt)},
		{"Imported At", formatTime(batch.ImportedAt)},
		{"Result Fingerprint", batch.ResultFingerprint},
	}
	_ = f.SetCellValue(summarySheet, "A1", "Direct Debit Reconciliation")
	for i, kv := range summary {
		row := i + 3
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", row), kv[0])
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", row), kv[1])
	}

	header := []string{"Line", "Invoice", "Guardian", "Bank", "Branch", "Type", "Account", "Holder", "Customer Code", "Amount", "Result Code", "Status", "Reason"}
	for i, h := range header {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		_ = f.SetCellValue(linesSheet, cell, h)
	}
	for i, l := range lines {
		row := i + 2
		values := []any{
			l.LineNo, l.InvoiceID, l.GuardianID, l.BankCode, l.BranchCode, l.AccountType,
			l.AccountNumber, l.HolderKana, l.CustomerCode, l.Amount, l.ResultCode,
			string(l.ResultStatus), string(l.FailureReason),
		}
		if err := f.SetSheetRow(linesSheet, fmt.Sprintf("A%d", row), &values); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

// Report builds the reconciliation workbook of a batch.
func (s *Service) Report(ctx context.Context, tenantID, batchID int64) ([]byte, error) {
	batch, lines, err := s.GetBatch(ctx, tenantID, batchID)
	if err != nil {
		return nil, err
	}
	return BuildReconciliationXLSX(batch, lines)
}
