package approval

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/billfold/billfold/internal/platform/httpx"
	"github.com/billfold/billfold/internal/shared"
)

// DecisionObserver counts approval decisions for monitoring. May be nil.
type DecisionObserver interface {
	ObserveDecision(decision string)
}

// Handler exposes the approval workflow endpoints.
type Handler struct {
	service  *Service
	validate *validator.Validate
	metrics  DecisionObserver
}

func NewHandler(service *Service, metrics DecisionObserver) *Handler {
	return &Handler{service: service, validate: validator.New(), metrics: metrics}
}

// Routes mounts the approval surface.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/pending", h.pending)
	r.Get("/{workflowID}", h.get)
	r.Post("/{workflowID}/decision", h.decide)
	r.Delete("/bills/{billID}", h.cancel)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var in CreateInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, fmt.Errorf("%s: %w", err, shared.ErrValidation))
		return
	}
	if in.OrganizationID == "" {
		in.OrganizationID = shared.ActorFromContext(r.Context()).OrganizationID
	}
	if err := h.validate.Struct(in); err != nil {
		httpx.RespondError(w, fmt.Errorf("%s: %w", err, shared.ErrValidation))
		return
	}
	actor := shared.ActorFromContext(r.Context())
	workflow, err := h.service.Create(r.Context(), actor, in)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, workflow)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	workflow, err := h.service.Get(r.Context(), chi.URLParam(r, "workflowID"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, workflow)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request) {
	var in DecideInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, fmt.Errorf("%s: %w", err, shared.ErrValidation))
		return
	}
	if err := h.validate.Struct(in); err != nil {
		httpx.RespondError(w, fmt.Errorf("%s: %w", err, shared.ErrValidation))
		return
	}
	actor := shared.ActorFromContext(r.Context())
	workflow, err := h.service.Decide(r.Context(), actor, chi.URLParam(r, "workflowID"), in)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.ObserveDecision(string(in.Decision))
	}
	httpx.JSON(w, http.StatusOK, workflow)
}

func (h *Handler) pending(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	workflows, err := h.service.PendingFor(r.Context(), actor)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if workflows == nil {
		workflows = []Workflow{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"workflows": workflows, "count": len(workflows)})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if err := h.service.Cancel(r.Context(), actor, chi.URLParam(r, "billID")); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
