package reconcile

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/billfold/billfold/internal/platform/httpx"
	"github.com/billfold/billfold/internal/shared"
)

// DriftObserver records drift findings for monitoring. May be nil.
type DriftObserver interface {
	ObserveDriftIssues(kind string, count int)
}

// Handler exposes the drift scan and repair endpoints.
type Handler struct {
	service     *Service
	idempotency *shared.IdempotencyStore
	metrics     DriftObserver
}

func NewHandler(service *Service, idempotency *shared.IdempotencyStore, metrics DriftObserver) *Handler {
	return &Handler{service: service, idempotency: idempotency, metrics: metrics}
}

// Routes mounts the reconciliation surface.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/drift", h.scan)
	r.Post("/repair", h.repair)
	r.Post("/pairs/{payableID}/sync", h.syncPair)
}

func (h *Handler) scan(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	report, err := h.service.ScanForDrift(r.Context(), actor)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if h.metrics != nil {
		counts := make(map[IssueKind]int, 4)
		for _, issue := range report.Issues {
			counts[issue.Kind]++
		}
		for kind, n := range counts {
			h.metrics.ObserveDriftIssues(string(kind), n)
		}
	}
	httpx.JSON(w, http.StatusOK, report)
}

// repair requires an Idempotency-Key so a retried request cannot run the
// repair pass twice.
func (h *Handler) repair(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		httpx.RespondError(w, fmt.Errorf("Idempotency-Key header required: %w", shared.ErrValidation))
		return
	}
	if err := h.idempotency.CheckAndInsert(r.Context(), key, "reconcile"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor := shared.ActorFromContext(r.Context())
	result, err := h.service.Repair(r.Context(), actor)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) syncPair(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	repair, err := h.service.SyncPair(r.Context(), actor, chi.URLParam(r, "payableID"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if repair == nil {
		httpx.JSON(w, http.StatusOK, map[string]any{"changed": false})
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"changed": true, "repair": repair})
}
