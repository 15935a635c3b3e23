package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/manabi-erp/manabi/internal/billing"
	billinghttp "github.com/manabi-erp/manabi/internal/billing/http"
	"github.com/manabi-erp/manabi/internal/billing/runctl"
	"github.com/manabi-erp/manabi/internal/observability"
	"github.com/manabi-erp/manabi/internal/settlement"
	settlementhttp "github.com/manabi-erp/manabi/internal/settlement/http"
	"github.com/manabi-erp/manabi/jobs"
)

type noopDispatcher struct{}

func (noopDispatcher) EnqueueBillingGenerate(context.Context, jobs.BillingPayload) (*asynq.TaskInfo, error) {
	return &asynq.TaskInfo{ID: "gen", Queue: jobs.QueueDefault}, nil
}

func (noopDispatcher) EnqueueBillingDiscounts(context.Context, jobs.BillingPayload) (*asynq.TaskInfo, error) {
	return &asynq.TaskInfo{ID: "disc", Queue: jobs.QueueDefault}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T) (http.Handler, *observability.Metrics) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := quietLogger()
	store := billing.NewStore(billing.NewMemoryRepository(), logger)
	metrics := observability.NewMetrics()
	router := NewRouter(RouterParams{
		Logger:            logger,
		Config:            validConfig(),
		BillingHandler:    billinghttp.NewHandler(logger, runctl.New(client, time.Hour), noopDispatcher{}, store),
		SettlementHandler: settlementhttp.NewHandler(logger, settlement.NewService(settlement.NewMemoryRepository(), nil, logger), 10),
		JobHandler:        jobs.NewHandler(nil, logger),
		Metrics:           metrics,
	})
	return router, metrics
}

func TestRouterMountsHandlers(t *testing.T) {
	router, _ := newTestRouter(t)

	for _, path := range []string{
		"/healthz",
		"/jobs/health",
		"/tenants/1/billing/periods/2026-04",
		"/tenants/1/settlement/batches?month=2026-04",
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
		require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"), path)
		require.NotEmpty(t, rec.Body.String(), path)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.Equal(t, jobs.QueueDefault, health["queue"])
}

func TestRouterExposesRequestMetrics(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `manabi_http_requests_total{code="200",method="GET",route="/healthz"} 1`)
}

func TestRouterUnknownRoute(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNewServicesWiresDomain(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	services, err := NewServices(validConfig(), nil, client, quietLogger())
	require.NoError(t, err)
	require.NotNil(t, services.Generator)
	require.NotNil(t, services.Discounts)
	require.NotNil(t, services.Settlement)
	require.NotNil(t, services.Runs)
	require.NotNil(t, services.Directory)

	withoutRedis, err := NewServices(validConfig(), nil, nil, nil)
	require.NoError(t, err)
	require.Nil(t, withoutRedis.Runs)

	bad := validConfig()
	bad.DiscountCorporateRate = "x"
	_, err = NewServices(bad, nil, nil, nil)
	require.Error(t, err)

	_, err = NewServices(nil, nil, nil, nil)
	require.Error(t, err)
}

func TestSyncProvidersFile(t *testing.T) {
	services, err := NewServices(validConfig(), nil, nil, nil)
	require.NoError(t, err)

	cfg := validConfig()
	require.NoError(t, services.SyncProviders(context.Background(), cfg, nil))

	cfg.SettlementProvidersFile = filepath.Join(t.TempDir(), "missing.yml")
	require.Error(t, services.SyncProviders(context.Background(), cfg, nil))
}
