// Package settlementhttp exposes direct-debit batches over HTTP.
package settlementhttp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/manabi-erp/manabi/internal/platform/httpx"
	"github.com/manabi-erp/manabi/internal/settlement"
	"github.com/manabi-erp/manabi/internal/shared"
)

// maxResultFileSize bounds uploaded bank result files.
const maxResultFileSize = 10 << 20

type settlementService interface {
	GenerateBatch(ctx context.Context, in settlement.GenerateInput) (settlement.GenerateResult, error)
	ExportCSV(ctx context.Context, tenantID, batchID int64) ([]byte, error)
	ImportResultCSV(ctx context.Context, tenantID, batchID int64, data []byte) (settlement.ImportResult, error)
	GetBatch(ctx context.Context, tenantID, batchID int64) (settlement.Batch, []settlement.Line, error)
	ListBatches(ctx context.Context, tenantID int64, month shared.BillingMonth) ([]settlement.Batch, error)
	Report(ctx context.Context, tenantID, batchID int64) ([]byte, error)
}

// Handler wires the settlement endpoints.
type Handler struct {
	logger      *slog.Logger
	service     settlementService
	validator   *validator.Validate
	importLimit int
}

// NewHandler constructs the handler. importLimit caps result uploads per minute and IP
// (10 when zero).
func NewHandler(logger *slog.Logger, service settlementService, importLimit int) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if importLimit <= 0 {
		importLimit = 10
	}
	return &Handler{
		logger:      logger.With(slog.String("component", "settlement.http")),
		service:     service,
		validator:   validator.New(),
		importLimit: importLimit,
	}
}

// MountRoutes registers the routes below /tenants/{tenantID}/settlement.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/tenants/{tenantID}/settlement/batches", func(r chi.Router) {
		r.Get("/", h.listBatches)
		r.Post("/", h.generateBatch)
		r.Get("/{batchID}", h.showBatch)
		r.Get("/{batchID}/export", h.exportCSV)
		r.Get("/{batchID}/report", h.report)
		r.With(httprate.Limit(h.importLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))).
			Post("/{batchID}/results", h.importResults)
	})
}

type generateRequest struct {
	ProviderID int64  `json:"provider_id" validate:"required,gt=0"`
	Year       int    `json:"year" validate:"required,gte=2000,lte=9999"`
	Month      int    `json:"month" validate:"required,gte=1,lte=12"`
	DryRun     bool   `json:"dry_run"`
	Actor      string `json:"actor" validate:"max=64"`
}

type batchView struct {
	ID                int64      `json:"id"`
	BatchNo           string     `json:"batch_no"`
	ProviderID        int64      `json:"provider_id"`
	Period            string     `json:"period"`
	Status            string     `json:"status"`
	TotalCount        int        `json:"total_count"`
	TotalAmount       int64      `json:"total_amount"`
	SuccessCount      int        `json:"success_count"`
	SuccessAmount     int64      `json:"success_amount"`
	FailedCount       int        `json:"failed_count"`
	FailedAmount      int64      `json:"failed_amount"`
	NotFoundCount     int        `json:"not_found_count"`
	ResultFingerprint string     `json:"result_fingerprint,omitempty"`
	ExportedAt        *time.Time `json:"exported_at,omitempty"`
	ImportedAt        *time.Time `json:"imported_at,omitempty"`
}

type lineView struct {
	LineNo        int    `json:"line_no"`
	InvoiceID     int64  `json:"invoice_id"`
	GuardianID    int64  `json:"guardian_id"`
	CustomerCode  string `json:"customer_code"`
	Amount        int64  `json:"amount"`
	ResultCode    string `json:"result_code,omitempty"`
	ResultStatus  string `json:"result_status"`
	FailureReason string `json:"failure_reason,omitempty"`
}

func newBatchView(b settlement.Batch) batchView {
	return batchView{
		ID:                b.ID,
		BatchNo:           b.BatchNo,
		ProviderID:        b.ProviderID,
		Period:            b.BillingMonth().String(),
		Status:            string(b.Status),
		TotalCount:        b.TotalCount,
		TotalAmount:       b.TotalAmount,
		SuccessCount:      b.SuccessCount,
		SuccessAmount:     b.SuccessAmount,
		FailedCount:       b.FailedCount,
		FailedAmount:      b.FailedAmount,
		NotFoundCount:     b.NotFoundCount,
		ResultFingerprint: b.ResultFingerprint,
		ExportedAt:        b.ExportedAt,
		ImportedAt:        b.ImportedAt,
	}
}

func newLineViews(lines []settlement.Line) []lineView {
	out := make([]lineView, 0, len(lines))
	for _, l := range lines {
		out = append(out, lineView{
			LineNo:        l.LineNo,
			InvoiceID:     l.InvoiceID,
			GuardianID:    l.GuardianID,
			CustomerCode:  l.CustomerCode,
			Amount:        l.Amount,
			ResultCode:    l.ResultCode,
			ResultStatus:  string(l.ResultStatus),
			FailureReason: string(l.FailureReason),
		})
	}
	return out
}

func (h *Handler) generateBatch(w http.ResponseWriter, r *http.Request) {
	tenantID, err := pathID(r, "tenantID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req generateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: decode body: %v", httpx.ErrBadRequest, err))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondValidation(w, err)
		return
	}
	res, err := h.service.GenerateBatch(r.Context(), settlement.GenerateInput{
		TenantID:   tenantID,
		ProviderID: req.ProviderID,
		Year:       req.Year,
		Month:      req.Month,
		DryRun:     req.DryRun,
		Actor:      req.Actor,
	})
	if err != nil {
		h.logger.Warn("generate batch", slog.Int64("tenant_id", tenantID), slog.Int64("provider_id", req.ProviderID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	status := http.StatusCreated
	if req.DryRun {
		status = http.StatusOK
	}
	httpx.JSON(w, status, map[string]any{
		"batch":    newBatchView(res.Batch),
		"lines":    newLineViews(res.Lines),
		"excluded": res.Excluded,
		"summary":  res.Summary,
	})
}

func (h *Handler) listBatches(w http.ResponseWriter, r *http.Request) {
	tenantID, err := pathID(r, "tenantID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	month, err := shared.ParseBillingMonth(strings.TrimSpace(r.URL.Query().Get("month")))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	batches, err := h.service.ListBatches(r.Context(), tenantID, month)
	if err != nil {
		h.logger.Error("list batches", slog.Int64("tenant_id", tenantID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	views := make([]batchView, 0, len(batches))
	for _, b := range batches {
		views = append(views, newBatchView(b))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"batches": views})
}

func (h *Handler) showBatch(w http.ResponseWriter, r *http.Request) {
	tenantID, batchID, err := batchScope(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	batch, lines, err := h.service.GetBatch(r.Context(), tenantID, batchID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"batch": newBatchView(batch),
		"lines": newLineViews(lines),
	})
}

func (h *Handler) exportCSV(w http.ResponseWriter, r *http.Request) {
	tenantID, batchID, err := batchScope(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	data, err := h.service.ExportCSV(r.Context(), tenantID, batchID)
	if err != nil {
		h.logger.Warn("export batch", slog.Int64("batch_id", batchID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"debit-%d.csv\"", batchID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) importResults(w http.ResponseWriter, r *http.Request) {
	tenantID, batchID, err := batchScope(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	data, err := readResultFile(w, r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.ImportResultCSV(r.Context(), tenantID, batchID, data)
	if err != nil {
		h.logger.Warn("import results", slog.Int64("batch_id", batchID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"batch":           newBatchView(res.Batch),
		"rows":            res.Rows,
		"matched":         res.Matched,
		"not_found":       res.NotFound,
		"payments":        res.Payments,
		"failures":        res.Failures,
		"already_applied": res.Skipped,
		"ambiguous":       res.Ambiguous,
		"errors":          rowErrors(res.Errors),
		"fingerprint":     res.Fingerprint,
	})
}

func (h *Handler) report(w http.ResponseWriter, r *http.Request) {
	tenantID, batchID, err := batchScope(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	data, err := h.service.Report(r.Context(), tenantID, batchID)
	if err != nil {
		h.logger.Error("build report", slog.Int64("batch_id", batchID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"reconciliation-%d.xlsx\"", batchID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// readResultFile accepts either a multipart "file" field or a raw body.
func readResultFile(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxResultFileSize)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, fmt.Errorf("%w: result file: %v", httpx.ErrBadRequest, err)
		}
		defer file.Close()
		r.Body = io.NopCloser(file)
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read result file: %v", httpx.ErrBadRequest, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty result file", httpx.ErrBadRequest)
	}
	return data, nil
}

func rowErrors(errs []settlement.RowError) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Error())
	}
	return out
}

func batchScope(r *http.Request) (int64, int64, error) {
	tenantID, err := pathID(r, "tenantID")
	if err != nil {
		return 0, 0, err
	}
	batchID, err := pathID(r, "batchID")
	if err != nil {
		return 0, 0, err
	}
	return tenantID, batchID, nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s", httpx.ErrBadRequest, name)
	}
	return id, nil
}
