package ledger

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/coldstore/ledger/internal/shared"
)

func newTestRouter(t *testing.T, f *fixture) http.Handler {
	t.Helper()
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), f.svc)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if raw := r.Header.Get("X-Cold-Storage-ID"); raw != "" {
				scope := shared.TenantScope{ColdStorageID: uuid.MustParse(raw), ActorID: "clerk"}
				r = r.WithContext(shared.ContextWithTenant(r.Context(), scope))
			}
			next.ServeHTTP(w, r)
		})
	})
	h.MountRoutes(r)
	return r
}

func doJSON(t *testing.T, router http.Handler, tenant uuid.UUID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenant != uuid.Nil {
		req.Header.Set("X-Cold-Storage-ID", tenant.String())
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func incomingBody(farmer uuid.UUID, initial int64) map[string]any {
	return map[string]any{
		"farmerAccount": farmer,
		"variety":       "jyoti",
		"bagSizes": []map[string]any{{
			"size":     "50kg",
			"location": "A",
			"quantity": map[string]any{"initialQuantity": initial, "currentQuantity": initial},
		}},
	}
}

func outgoingBody(farmer, receipt uuid.UUID, qty int64) map[string]any {
	return map[string]any{
		"farmerAccount": farmer,
		"orderDetails": []map[string]any{{
			"incomingOrderId": receipt,
			"variety":         "Jyoti",
			"bagUpdates":      []map[string]any{{"size": "50kg", "location": "A", "quantityToRemove": qty}},
		}},
	}
}

func TestHandlerIncomingAndOutgoingFlow(t *testing.T) {
	f := newFixture(t, StrategyFullRewalk)
	router := newTestRouter(t, f)

	rec := doJSON(t, router, f.tenant, http.MethodPost, "/incoming-orders/", incomingBody(f.farmer, 40))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var receipt IncomingOrder
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
	require.EqualValues(t, 40, receipt.CurrentStockAtThatTime)
	require.Equal(t, "Jyoti", receipt.LineItems[0].Variety)

	rec = doJSON(t, router, f.tenant, http.MethodPost, "/outgoing-orders/", outgoingBody(f.farmer, receipt.ID, 1000))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	problem := decodeBody(t, rec)
	require.EqualValues(t, 1000, problem["requested"])
	require.EqualValues(t, 40, problem["available"])
	require.Equal(t, receipt.ID.String(), problem["incomingOrderId"])

	rec = doJSON(t, router, f.tenant, http.MethodPost, "/outgoing-orders/", outgoingBody(f.farmer, receipt.ID, 15))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var delivery OutgoingOrder
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &delivery))
	require.EqualValues(t, 25, delivery.CurrentStockAtThatTime)

	rec = doJSON(t, router, f.tenant, http.MethodGet, "/daybook?type=outgoing", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var book dayBookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &book))
	require.Len(t, book.Data, 1)
	require.Equal(t, 1, book.Pagination.Total)

	rec = doJSON(t, router, f.tenant, http.MethodDelete, "/outgoing-orders/"+delivery.ID.String(), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, f.tenant, http.MethodGet, "/summary?variety=jyoti", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary []VarietySummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	require.EqualValues(t, 40, summary[0].Sizes[0].CurrentQuantity)
}

func TestHandlerFarmerRoutes(t *testing.T) {
	f := newFixture(t, StrategyFullRewalk)
	router := newTestRouter(t, f)
	a := f.receipt(t, f.farmer, "Jyoti", bagInput("50kg", "A", 10, 10))
	_, err := f.withdraw(f.farmer, removal(a.ID, "Jyoti", "50kg", "A", 10))
	require.NoError(t, err)
	f.receipt(t, f.farmer, "Pukhraj", bagInput("50kg", "B", 3, 3))

	rec := doJSON(t, router, f.tenant, http.MethodGet, "/farmers/"+f.farmer.String()+"/orders", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var records []Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 3)
	require.Equal(t, DirectionOutgoing, records[1].Direction)

	rec = doJSON(t, router, f.tenant, http.MethodGet, "/farmers/"+f.farmer.String()+"/orders?type=outgoing", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)

	rec = doJSON(t, router, f.tenant, http.MethodGet, "/farmers/"+f.farmer.String()+"/varieties", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var varieties []VarietySummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &varieties))
	require.Len(t, varieties, 1)
	require.Equal(t, "Pukhraj", varieties[0].Variety)

	rec = doJSON(t, router, f.tenant, http.MethodGet, "/farmers/nope/varieties", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerErrorMapping(t *testing.T) {
	f := newFixture(t, StrategyFullRewalk)
	router := newTestRouter(t, f)
	receipt := f.receipt(t, f.farmer, "Jyoti", bagInput("50kg", "A", 5, 5))

	cases := []struct {
		name   string
		tenant uuid.UUID
		method string
		path   string
		body   any
		status int
	}{
		{"missing tenant", uuid.Nil, http.MethodGet, "/summary", nil, http.StatusBadRequest},
		{"missing farmer", f.tenant, http.MethodPost, "/incoming-orders/", map[string]any{"variety": "Jyoti", "bagSizes": []any{}}, http.StatusBadRequest},
		{"unknown field", f.tenant, http.MethodPost, "/incoming-orders/", map[string]any{"bogus": true}, http.StatusBadRequest},
		{"zero bags", f.tenant, http.MethodPost, "/incoming-orders/", incomingBody(f.farmer, 0), http.StatusBadRequest},
		{"unknown voucher", f.tenant, http.MethodGet, "/incoming-orders/voucher/99", nil, http.StatusNotFound},
		{"bad voucher", f.tenant, http.MethodGet, "/incoming-orders/voucher/abc", nil, http.StatusBadRequest},
		{"bad id", f.tenant, http.MethodPatch, "/incoming-orders/nope", map[string]any{}, http.StatusBadRequest},
		{"other tenant", uuid.New(), http.MethodPatch, "/incoming-orders/" + receipt.ID.String(), map[string]any{"remarks": "x"}, http.StatusForbidden},
		{"unknown delivery", f.tenant, http.MethodDelete, "/outgoing-orders/" + uuid.NewString(), nil, http.StatusNotFound},
		{"bad daybook type", f.tenant, http.MethodGet, "/daybook?type=weekly", nil, http.StatusBadRequest},
		{"bad farmer orders type", f.tenant, http.MethodGet, "/farmers/" + f.farmer.String() + "/orders?type=weekly", nil, http.StatusBadRequest},
		{"bad summary date", f.tenant, http.MethodGet, "/summary?from=yesterday", nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, router, tc.tenant, tc.method, tc.path, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestHandlerIdempotencyKey(t *testing.T) {
	f := newFixture(t, StrategyFullRewalk, WithIdempotency(newMemoryIdempotency()))
	router := newTestRouter(t, f)
	receipt := f.receipt(t, f.farmer, "Jyoti", bagInput("50kg", "A", 5, 5))

	send := func() int {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(outgoingBody(f.farmer, receipt.ID, 1)))
		req := httptest.NewRequest(http.MethodPost, "/outgoing-orders/", &buf)
		req.Header.Set("X-Cold-Storage-ID", f.tenant.String())
		req.Header.Set("Idempotency-Key", "abc")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}
	require.Equal(t, http.StatusCreated, send())
	require.Equal(t, http.StatusConflict, send())
	require.EqualValues(t, 4, f.repo.getIncoming(receipt.ID).Contribution())
}
