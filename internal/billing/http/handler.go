// Package billinghttp exposes billing runs and confirmed snapshots over HTTP.
package billinghttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"

	"github.com/manabi-erp/manabi/internal/billing"
	"github.com/manabi-erp/manabi/internal/billing/generator"
	"github.com/manabi-erp/manabi/internal/billing/runctl"
	"github.com/manabi-erp/manabi/internal/platform/httpx"
	"github.com/manabi-erp/manabi/internal/shared"
	"github.com/manabi-erp/manabi/jobs"
)

type runControl interface {
	Status(ctx context.Context, tenantID int64, month shared.BillingMonth) (runctl.Status, error)
	RequestCancel(ctx context.Context, tenantID int64, month shared.BillingMonth) error
}

type dispatcher interface {
	EnqueueBillingGenerate(ctx context.Context, payload jobs.BillingPayload) (*asynq.TaskInfo, error)
	EnqueueBillingDiscounts(ctx context.Context, payload jobs.BillingPayload) (*asynq.TaskInfo, error)
}

type billingReader interface {
	ListByPeriod(ctx context.Context, tenantID int64, month shared.BillingMonth) ([]billing.ConfirmedBilling, error)
	ListByGuardian(ctx context.Context, tenantID, guardianID int64, month shared.BillingMonth) ([]billing.ConfirmedBilling, error)
}

// Handler wires the billing endpoints.
type Handler struct {
	logger     *slog.Logger
	runs       runControl
	dispatcher dispatcher
	billings   billingReader
	validator  *validator.Validate
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, runs runControl, dispatcher dispatcher, billings billingReader) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:     logger.With(slog.String("component", "billing.http")),
		runs:       runs,
		dispatcher: dispatcher,
		billings:   billings,
		validator:  validator.New(),
	}
}

// MountRoutes registers the routes below /tenants/{tenantID}/billing.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/tenants/{tenantID}/billing", func(r chi.Router) {
		r.Post("/runs", h.startRun)
		r.Get("/runs/{month}", h.runStatus)
		r.Post("/runs/{month}/cancel", h.cancelRun)
		r.Post("/discounts", h.recomputeDiscounts)
		r.Get("/periods/{month}", h.listBillings)
	})
}

type runRequest struct {
	Year   int    `json:"year" validate:"required,gte=2000,lte=9999"`
	Month  int    `json:"month" validate:"required,gte=1,lte=12"`
	Mode   string `json:"mode" validate:"omitempty,oneof=skip update overwrite"`
	DryRun bool   `json:"dry_run"`
}

type queuedResponse struct {
	TaskID string `json:"task_id"`
	Queue  string `json:"queue"`
	Period string `json:"period"`
}

type billingView struct {
	ID               int64                   `json:"id"`
	StudentID        int64                   `json:"student_id"`
	GuardianID       int64                   `json:"guardian_id"`
	Period           string                  `json:"period"`
	Subtotal         int64                   `json:"subtotal"`
	DiscountTotal    int64                   `json:"discount_total"`
	TaxAmount        int64                   `json:"tax_amount"`
	AdjustmentAmount int64                   `json:"adjustment_amount"`
	CarryOverAmount  int64                   `json:"carry_over_amount"`
	TotalAmount      int64                   `json:"total_amount"`
	PaidAmount       int64                   `json:"paid_amount"`
	Balance          int64                   `json:"balance"`
	Status           string                  `json:"status"`
	Clamped          bool                    `json:"clamped,omitempty"`
	Items            []billing.LineItem      `json:"items"`
	Discounts        []billing.DiscountEntry `json:"discounts"`
}

func newBillingView(b billing.ConfirmedBilling) billingView {
	return billingView{
		ID:               b.ID,
		StudentID:        b.StudentID,
		GuardianID:       b.GuardianID,
		Period:           b.BillingMonth().String(),
		Subtotal:         b.Subtotal,
		DiscountTotal:    b.DiscountTotal,
		TaxAmount:        b.TaxAmount,
		AdjustmentAmount: b.AdjustmentAmount,
		CarryOverAmount:  b.CarryOverAmount,
		TotalAmount:      b.TotalAmount,
		PaidAmount:       b.PaidAmount,
		Balance:          b.Balance,
		Status:           string(b.Status),
		Clamped:          b.Clamped,
		Items:            b.Items,
		Discounts:        b.Discounts,
	}
}

func (h *Handler) startRun(w http.ResponseWriter, r *http.Request) {
	tenantID, req, ok := h.decodeRun(w, r)
	if !ok {
		return
	}
	mode, _ := generator.ParseMode(req.Mode)
	payload := jobs.BillingPayload{TenantID: tenantID, Year: req.Year, Month: req.Month, Mode: string(mode), DryRun: req.DryRun}
	info, err := h.dispatcher.EnqueueBillingGenerate(r.Context(), payload)
	h.respondQueued(w, tenantID, req, info, err)
}

func (h *Handler) recomputeDiscounts(w http.ResponseWriter, r *http.Request) {
	tenantID, req, ok := h.decodeRun(w, r)
	if !ok {
		return
	}
	payload := jobs.BillingPayload{TenantID: tenantID, Year: req.Year, Month: req.Month, DryRun: req.DryRun}
	info, err := h.dispatcher.EnqueueBillingDiscounts(r.Context(), payload)
	h.respondQueued(w, tenantID, req, info, err)
}

func (h *Handler) decodeRun(w http.ResponseWriter, r *http.Request) (int64, runRequest, bool) {
	tenantID, err := tenantParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return 0, runRequest{}, false
	}
	var req runRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: decode body: %v", httpx.ErrBadRequest, err))
		return 0, runRequest{}, false
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondValidation(w, err)
		return 0, runRequest{}, false
	}
	return tenantID, req, true
}

func (h *Handler) respondQueued(w http.ResponseWriter, tenantID int64, req runRequest, info *asynq.TaskInfo, err error) {
	period := shared.BillingMonth{Year: req.Year, Month: req.Month}
	if err != nil {
		h.logger.Warn("enqueue billing task", slog.Int64("tenant_id", tenantID), slog.String("month", period.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, queuedResponse{TaskID: info.ID, Queue: info.Queue, Period: period.String()})
}

func (h *Handler) runStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, month, err := runScope(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	st, err := h.runs.Status(r.Context(), tenantID, month)
	if errors.Is(err, runctl.ErrNoRun) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
		return
	}
	if err != nil {
		h.logger.Error("run status", slog.Int64("tenant_id", tenantID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, st)
}

func (h *Handler) cancelRun(w http.ResponseWriter, r *http.Request) {
	tenantID, month, err := runScope(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.runs.RequestCancel(r.Context(), tenantID, month); err != nil {
		h.logger.Error("cancel run", slog.Int64("tenant_id", tenantID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	h.logger.Info("cancel requested", slog.Int64("tenant_id", tenantID), slog.String("month", month.String()))
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) listBillings(w http.ResponseWriter, r *http.Request) {
	tenantID, month, err := runScope(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var rows []billing.ConfirmedBilling
	if raw := strings.TrimSpace(r.URL.Query().Get("guardian_id")); raw != "" {
		guardianID, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil || guardianID <= 0 {
			httpx.RespondError(w, fmt.Errorf("%w: invalid guardian_id", httpx.ErrBadRequest))
			return
		}
		rows, err = h.billings.ListByGuardian(r.Context(), tenantID, guardianID, month)
	} else {
		rows, err = h.billings.ListByPeriod(r.Context(), tenantID, month)
	}
	if err != nil {
		h.logger.Error("list billings", slog.Int64("tenant_id", tenantID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	views := make([]billingView, 0, len(rows))
	for _, b := range rows {
		views = append(views, newBillingView(b))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"billings": views})
}

func runScope(r *http.Request) (int64, shared.BillingMonth, error) {
	tenantID, err := tenantParam(r)
	if err != nil {
		return 0, shared.BillingMonth{}, err
	}
	month, err := shared.ParseBillingMonth(chi.URLParam(r, "month"))
	if err != nil {
		return 0, shared.BillingMonth{}, err
	}
	return tenantID, month, nil
}

func tenantParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "tenantID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid tenantID", httpx.ErrBadRequest)
	}
	return id, nil
}
