package ledger

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/billfold/billfold/internal/platform/httpx"
	"github.com/billfold/billfold/internal/shared"
)

// SyncObserver records sync outcomes for monitoring. May be nil.
type SyncObserver interface {
	ObserveLedgerSync(kind, outcome string)
}

// BackfillEnqueuer hands a bulk sync to the background worker. May be nil,
// in which case backfills always run inline.
type BackfillEnqueuer interface {
	EnqueueBackfill(ctx context.Context, actor shared.Actor) error
}

// Handler exposes the ledger sync endpoints.
type Handler struct {
	service *Service
	metrics SyncObserver
	queue   BackfillEnqueuer
}

func NewHandler(service *Service, metrics SyncObserver, queue BackfillEnqueuer) *Handler {
	return &Handler{service: service, metrics: metrics, queue: queue}
}

// Routes mounts the ledger surface.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/sync/invoice/{invoiceID}", h.syncInvoice)
	r.Post("/sync/payable/{payableID}", h.syncPayable)
	r.Post("/backfill", h.backfill)
}

type syncResponse struct {
	Outcome Outcome `json:"outcome"`
	Entry   Entry   `json:"entry"`
}

func (h *Handler) syncInvoice(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	entry, outcome, err := h.service.SyncInvoice(r.Context(), actor, chi.URLParam(r, "invoiceID"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.ObserveLedgerSync("invoice", string(outcome))
	}
	status := http.StatusOK
	if outcome == OutcomeCreated {
		status = http.StatusCreated
	}
	httpx.JSON(w, status, syncResponse{Outcome: outcome, Entry: entry})
}

func (h *Handler) syncPayable(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	entry, outcome, err := h.service.SyncPayable(r.Context(), actor, chi.URLParam(r, "payableID"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.ObserveLedgerSync("payable", string(outcome))
	}
	status := http.StatusOK
	if outcome == OutcomeCreated {
		status = http.StatusCreated
	}
	httpx.JSON(w, status, syncResponse{Outcome: outcome, Entry: entry})
}

// backfill runs the bulk sync inline and reports counts. With ?async=true
// the run is enqueued for the worker instead, which large tenants should
// prefer.
func (h *Handler) backfill(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if r.URL.Query().Get("async") == "true" && h.queue != nil {
		if err := h.queue.EnqueueBackfill(r.Context(), actor); err != nil {
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]any{"enqueued": true})
		return
	}
	result, err := h.service.SyncAll(r.Context(), actor)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	filter, err := filterFromQuery(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entries, err := h.service.List(r.Context(), actor, filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if entries == nil {
		entries = []Entry{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func filterFromQuery(r *http.Request) (Filter, error) {
	q := r.URL.Query()
	filter := Filter{Limit: 50}
	switch t := q.Get("type"); t {
	case "":
	case string(TypeReceivable), string(TypePayable):
		filter.Type = EntryType(t)
	default:
		return Filter{}, fmt.Errorf("unknown entry type %q: %w", t, shared.ErrValidation)
	}
	if s := q.Get("status"); s != "" {
		filter.Status = EntryStatus(s)
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			return Filter{}, fmt.Errorf("limit must be 1..500: %w", shared.ErrValidation)
		}
		filter.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Filter{}, fmt.Errorf("offset must be >= 0: %w", shared.ErrValidation)
		}
		filter.Offset = n
	}
	return filter, nil
}
