package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	billinghttp "github.com/manabi-erp/manabi/internal/billing/http"
	"github.com/manabi-erp/manabi/internal/observability"
	settlementhttp "github.com/manabi-erp/manabi/internal/settlement/http"
	"github.com/manabi-erp/manabi/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	BillingHandler    *billinghttp.Handler
	SettlementHandler *settlementhttp.Handler
	JobHandler        *jobs.Handler
	Metrics           *observability.Metrics
}

// NewRouter constructs the chi.Router with the API defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.BillingHandler != nil {
		params.BillingHandler.MountRoutes(r)
	}
	if params.SettlementHandler != nil {
		params.SettlementHandler.MountRoutes(r)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
