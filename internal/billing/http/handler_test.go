package billinghttp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/manabi-erp/manabi/internal/billing"
	"github.com/manabi-erp/manabi/internal/billing/runctl"
	"github.com/manabi-erp/manabi/internal/shared"
	"github.com/manabi-erp/manabi/jobs"
)

type stubDispatcher struct {
	generate  []jobs.BillingPayload
	discounts []jobs.BillingPayload
	err       error
}

func (s *stubDispatcher) EnqueueBillingGenerate(ctx context.Context, payload jobs.BillingPayload) (*asynq.TaskInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.generate = append(s.generate, payload)
	return &asynq.TaskInfo{ID: "task-gen", Queue: jobs.QueueDefault}, nil
}

func (s *stubDispatcher) EnqueueBillingDiscounts(ctx context.Context, payload jobs.BillingPayload) (*asynq.TaskInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.discounts = append(s.discounts, payload)
	return &asynq.TaskInfo{ID: "task-disc", Queue: jobs.QueueDefault}, nil
}

type fixture struct {
	router     http.Handler
	runs       *runctl.Control
	dispatcher *stubDispatcher
	repo       *billing.MemoryRepository
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	runs := runctl.New(client, time.Hour)

	repo := billing.NewMemoryRepository()
	store := billing.NewStore(repo, nil)
	dispatcher := &stubDispatcher{}

	r := chi.NewRouter()
	NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), runs, dispatcher, store).MountRoutes(r)
	return fixture{router: r, runs: runs, dispatcher: dispatcher, repo: repo}
}

func (f fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(method, path, reader))
	return rec
}

func TestStartRunEnqueuesGeneration(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/tenants/5/billing/runs", `{"year":2026,"month":4,"mode":"overwrite","dry_run":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []jobs.BillingPayload{{TenantID: 5, Year: 2026, Month: 4, Mode: "overwrite", DryRun: true}}, f.dispatcher.generate)

	var resp queuedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "task-gen", resp.TaskID)
	require.Equal(t, "2026-04", resp.Period)

	rec = f.do(http.MethodPost, "/tenants/5/billing/runs", `{"year":2026,"month":4}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "skip", f.dispatcher.generate[1].Mode)
}

func TestStartRunValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/tenants/5/billing/runs", `{"year":2026,"month":4,"mode":"replace"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "mode: oneof")

	rec = f.do(http.MethodPost, "/tenants/0/billing/runs", `{"year":2026,"month":4}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/tenants/5/billing/runs", `not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, f.dispatcher.generate)
}

func TestStartRunAlreadyQueued(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.err = jobs.ErrAlreadyQueued

	rec := f.do(http.MethodPost, "/tenants/5/billing/discounts", `{"year":2026,"month":4}`)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestRecomputeDiscountsEnqueues(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/tenants/5/billing/discounts", `{"year":2026,"month":4}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []jobs.BillingPayload{{TenantID: 5, Year: 2026, Month: 4}}, f.dispatcher.discounts)
}

func TestRunStatusAndCancel(t *testing.T) {
	f := newFixture(t)
	month := shared.BillingMonth{Year: 2026, Month: 4}

	rec := f.do(http.MethodGet, "/tenants/5/billing/runs/2026-04", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	run, err := f.runs.Start(context.Background(), 5, month)
	require.NoError(t, err)
	require.NoError(t, run.Report(context.Background(), 3, 10))

	rec = f.do(http.MethodGet, "/tenants/5/billing/runs/202604", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st runctl.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Equal(t, run.ID, st.RunID)
	require.Equal(t, runctl.StateRunning, st.State)
	require.Equal(t, 3, st.Done)
	require.Equal(t, 10, st.Total)
	require.False(t, st.Cancel)

	rec = f.do(http.MethodPost, "/tenants/5/billing/runs/2026-04/cancel", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	canceled, err := run.Canceled(context.Background())
	require.NoError(t, err)
	require.True(t, canceled)

	rec = f.do(http.MethodGet, "/tenants/5/billing/runs/bad-month", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListBillingsByPeriodAndGuardian(t *testing.T) {
	f := newFixture(t)
	f.repo.Put(billing.ConfirmedBilling{TenantID: 5, StudentID: 2, GuardianID: 20, Year: 2026, Month: 4, Subtotal: 1000, TotalAmount: 1000, Balance: 1000, Status: billing.StatusConfirmed})
	f.repo.Put(billing.ConfirmedBilling{TenantID: 5, StudentID: 1, GuardianID: 10, Year: 2026, Month: 4, Subtotal: 2000, TotalAmount: 2000, Balance: 2000, Status: billing.StatusConfirmed})
	f.repo.Put(billing.ConfirmedBilling{TenantID: 6, StudentID: 3, GuardianID: 10, Year: 2026, Month: 4})

	rec := f.do(http.MethodGet, "/tenants/5/billing/periods/2026-04", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Billings []billingView `json:"billings"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Billings, 2)
	require.Equal(t, int64(1), body.Billings[0].StudentID)
	require.Equal(t, "2026-04", body.Billings[0].Period)

	rec = f.do(http.MethodGet, "/tenants/5/billing/periods/2026-04?guardian_id=20", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Billings, 1)
	require.Equal(t, int64(20), body.Billings[0].GuardianID)

	rec = f.do(http.MethodGet, "/tenants/5/billing/periods/2026-04?guardian_id=x", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
