package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/billfold/billfold/internal/billing"
	"github.com/billfold/billfold/internal/shared"
)

type fakeBackfillQueue struct {
	actors []shared.Actor
}

func (f *fakeBackfillQueue) EnqueueBackfill(_ context.Context, actor shared.Actor) error {
	f.actors = append(f.actors, actor)
	return nil
}

func serveBackfill(t *testing.T, h *Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	h.Routes(r)
	req := httptest.NewRequest(http.MethodPost, target, nil)
	req = req.WithContext(shared.ContextWithActor(req.Context(), testActor))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestBackfillEnqueuesWhenAsync(t *testing.T) {
	repo := newFakeRepo()
	bills := newFakeBilling()
	seedInvoice(bills, "inv-1", billing.InvoiceSent)
	queue := &fakeBackfillQueue{}
	h := NewHandler(newTestService(repo, bills, ""), nil, queue)

	rec := serveBackfill(t, h, "/backfill?async=true")

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []shared.Actor{testActor}, queue.actors)
	require.Zero(t, repo.inserts)
}

func TestBackfillRunsInlineByDefault(t *testing.T) {
	repo := newFakeRepo()
	bills := newFakeBilling()
	seedInvoice(bills, "inv-1", billing.InvoiceSent)
	queue := &fakeBackfillQueue{}
	h := NewHandler(newTestService(repo, bills, ""), nil, queue)

	rec := serveBackfill(t, h, "/backfill")

	require.Equal(t, http.StatusOK, rec.Code)
	var result BulkResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, 1, result.Created)
	require.Empty(t, queue.actors)
}

func TestBackfillFallsBackInlineWithoutQueue(t *testing.T) {
	repo := newFakeRepo()
	bills := newFakeBilling()
	seedInvoice(bills, "inv-1", billing.InvoiceSent)
	h := NewHandler(newTestService(repo, bills, ""), nil, nil)

	rec := serveBackfill(t, h, "/backfill?async=true")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, repo.inserts)
}
