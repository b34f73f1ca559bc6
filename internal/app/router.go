package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/billfold/billfold/internal/approval"
	"github.com/billfold/billfold/internal/ledger"
	"github.com/billfold/billfold/internal/observability"
	"github.com/billfold/billfold/internal/org"
	"github.com/billfold/billfold/internal/reconcile"
	"github.com/billfold/billfold/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	ApprovalHandler  *approval.Handler
	LedgerHandler    *ledger.Handler
	ReconcileHandler *reconcile.Handler
	OrgHandler       *org.Handler
	JobHandler       *jobs.Handler
	Metrics          *observability.Metrics
}

// NewRouter constructs the chi.Router with Billfold defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api", func(api chi.Router) {
		if params.ApprovalHandler != nil {
			api.Route("/approvals", params.ApprovalHandler.Routes)
		}
		if params.LedgerHandler != nil {
			api.Route("/ledger", params.LedgerHandler.Routes)
		}
		if params.ReconcileHandler != nil {
			api.Route("/reconcile", params.ReconcileHandler.Routes)
		}
		if params.OrgHandler != nil {
			api.Route("/org", params.OrgHandler.Routes)
		}
		if params.JobHandler != nil {
			api.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	return r
}
