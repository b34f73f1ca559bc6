package org

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/billfold/billfold/internal/platform/httpx"
	"github.com/billfold/billfold/internal/policy"
	"github.com/billfold/billfold/internal/shared"
)

// Handler exposes the organization approval settings.
type Handler struct {
	repo *Repository
}

func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

// Routes mounts the organization surface.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/settings/approvals", h.getSettings)
	r.Put("/settings/approvals", h.putSettings)
}

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if actor.OrganizationID == "" {
		httpx.RespondError(w, fmt.Errorf("organization scope required: %w", shared.ErrValidation))
		return
	}
	settings, err := h.repo.ApprovalSettings(r.Context(), actor.OrganizationID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, settings)
}

// putSettings replaces the settings wholesale. In-flight workflows keep the
// rules they were created under.
func (h *Handler) putSettings(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if actor.OrganizationID == "" {
		httpx.RespondError(w, fmt.Errorf("organization scope required: %w", shared.ErrValidation))
		return
	}
	var settings policy.Settings
	if err := httpx.DecodeJSON(r, &settings); err != nil {
		httpx.RespondError(w, fmt.Errorf("%s: %w", err, shared.ErrValidation))
		return
	}
	rules := settings.ApprovalRules
	if rules.AmountThresholds.Low < 0 || rules.AmountThresholds.High <= rules.AmountThresholds.Low {
		httpx.RespondError(w, fmt.Errorf("amount thresholds must satisfy 0 <= low < high: %w", shared.ErrValidation))
		return
	}
	if err := h.repo.UpdateApprovalSettings(r.Context(), actor.OrganizationID, settings); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, settings)
}
