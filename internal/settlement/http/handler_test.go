package settlementhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/manabi-erp/manabi/internal/settlement"
	"github.com/manabi-erp/manabi/internal/shared"
)

type stubService struct {
	generateIn  settlement.GenerateInput
	generateErr error
	imported    []byte
	importErr   error
	listMonth   shared.BillingMonth
	batch       settlement.Batch
	lines       []settlement.Line
	getErr      error
}

func (s *stubService) GenerateBatch(ctx context.Context, in settlement.GenerateInput) (settlement.GenerateResult, error) {
	s.generateIn = in
	if s.generateErr != nil {
		return settlement.GenerateResult{}, s.generateErr
	}
	summary := shared.NewRunSummary(0, in.DryRun)
	summary.AddCreated()
	return settlement.GenerateResult{Batch: s.batch, Lines: s.lines, Excluded: 1, Summary: summary}, nil
}

func (s *stubService) ExportCSV(ctx context.Context, tenantID, batchID int64) ([]byte, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return []byte("\"C001\",\"202602\"\r\n"), nil
}

func (s *stubService) ImportResultCSV(ctx context.Context, tenantID, batchID int64, data []byte) (settlement.ImportResult, error) {
	s.imported = data
	if s.importErr != nil {
		return settlement.ImportResult{}, s.importErr
	}
	return settlement.ImportResult{
		Batch:    s.batch,
		Rows:     2,
		Matched:  1,
		NotFound: 1,
		Payments: 1,
		Errors:   []settlement.RowError{{Row: 3, Reason: "expected 11 columns"}},
	}, nil
}

func (s *stubService) GetBatch(ctx context.Context, tenantID, batchID int64) (settlement.Batch, []settlement.Line, error) {
	return s.batch, s.lines, s.getErr
}

func (s *stubService) ListBatches(ctx context.Context, tenantID int64, month shared.BillingMonth) ([]settlement.Batch, error) {
	s.listMonth = month
	return []settlement.Batch{s.batch}, nil
}

func (s *stubService) Report(ctx context.Context, tenantID, batchID int64) ([]byte, error) {
	return []byte("PK"), s.getErr
}

func newTestRouter(svc *stubService) http.Handler {
	r := chi.NewRouter()
	NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), svc, 2).MountRoutes(r)
	return r
}

func sampleBatch() settlement.Batch {
	return settlement.Batch{
		ID:          7,
		BatchNo:     "DD-C001-202602-abc",
		ProviderID:  3,
		Year:        2026,
		Month:       2,
		Status:      settlement.BatchExported,
		TotalCount:  2,
		TotalAmount: 30000,
	}
}

func TestGenerateBatchValidatesRequest(t *testing.T) {
	svc := &stubService{batch: sampleBatch()}
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/tenants/1/settlement/batches/", strings.NewReader(`{"provider_id":3,"year":2026,"month":13}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "month: lte")
	require.Zero(t, svc.generateIn.TenantID)
}

func TestGenerateBatchCreates(t *testing.T) {
	svc := &stubService{batch: sampleBatch(), lines: []settlement.Line{{LineNo: 1, InvoiceID: 11, Amount: 15000, ResultStatus: settlement.ResultPending}}}
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/tenants/1/settlement/batches/", strings.NewReader(`{"provider_id":3,"year":2026,"month":2,"actor":"ops"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, settlement.GenerateInput{TenantID: 1, ProviderID: 3, Year: 2026, Month: 2, Actor: "ops"}, svc.generateIn)

	var body struct {
		Batch    batchView          `json:"batch"`
		Lines    []lineView         `json:"lines"`
		Excluded int                `json:"excluded"`
		Summary  *shared.RunSummary `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "2026-02", body.Batch.Period)
	require.Len(t, body.Lines, 1)
	require.Equal(t, 1, body.Excluded)
	require.Equal(t, 1, body.Summary.Created)
}

func TestGenerateBatchMapsErrors(t *testing.T) {
	cases := map[string]struct {
		err  error
		code int
	}{
		"no provider":  {err: settlement.ErrNoActiveProvider, code: http.StatusUnprocessableEntity},
		"batch exists": {err: settlement.ErrBatchExists, code: http.StatusConflict},
		"not found":    {err: settlement.ErrNotFound, code: http.StatusNotFound},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			svc := &stubService{generateErr: tc.err}
			router := newTestRouter(svc)
			req := httptest.NewRequest(http.MethodPost, "/tenants/1/settlement/batches/", strings.NewReader(`{"provider_id":3,"year":2026,"month":2}`))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			require.Equal(t, tc.code, rec.Code)
		})
	}
}

func TestListBatchesRequiresMonth(t *testing.T) {
	svc := &stubService{batch: sampleBatch()}
	router := newTestRouter(svc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tenants/1/settlement/batches/?month=bogus", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tenants/1/settlement/batches/?month=2026-02", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, shared.BillingMonth{Year: 2026, Month: 2}, svc.listMonth)
	require.Contains(t, rec.Body.String(), "DD-C001-202602-abc")
}

func TestExportServesCSV(t *testing.T) {
	router := newTestRouter(&stubService{batch: sampleBatch()})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tenants/1/settlement/batches/7/export", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Header().Get("Content-Disposition"), "debit-7.csv")
	require.Equal(t, "\"C001\",\"202602\"\r\n", rec.Body.String())
}

func TestImportAcceptsMultipartAndRawBody(t *testing.T) {
	svc := &stubService{batch: sampleBatch()}
	router := newTestRouter(svc)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "result.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte("row-data"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/tenants/1/settlement/batches/7/results", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []byte("row-data"), svc.imported)
	require.Contains(t, rec.Body.String(), "row 3: expected 11 columns")

	req = httptest.NewRequest(http.MethodPost, "/tenants/1/settlement/batches/7/results", strings.NewReader("raw-data"))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []byte("raw-data"), svc.imported)
}

func TestImportRejectsEmptyFileAndWrongState(t *testing.T) {
	svc := &stubService{batch: sampleBatch()}
	router := newTestRouter(svc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tenants/1/settlement/batches/7/results", strings.NewReader("")))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	svc.importErr = settlement.ErrInvalidTransition
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tenants/1/settlement/batches/7/results", strings.NewReader("x")))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid batch transition")
}

func TestImportIsRateLimited(t *testing.T) {
	router := newTestRouter(&stubService{batch: sampleBatch()})
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/tenants/1/settlement/batches/7/results", strings.NewReader("x"))
		req.RemoteAddr = "10.0.0.1:5000"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	require.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestShowBatchRejectsBadIDs(t *testing.T) {
	svc := &stubService{batch: sampleBatch(), getErr: settlement.ErrNotFound}
	router := newTestRouter(svc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tenants/x/settlement/batches/7", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tenants/1/settlement/batches/7", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
