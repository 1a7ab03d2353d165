package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solarcrm/reconciler/internal/delivery/status"
)

type stubClassifier struct {
	session  string
	entities []status.Entity
	closed   []string
}

func (s *stubClassifier) CloseSession(_ context.Context, sessionID string) error {
	s.closed = append(s.closed, sessionID)
	return nil
}

func (s *stubClassifier) Classify(_ context.Context, sessionID string, entities []status.Entity) ([]status.Result, error) {
	s.session = sessionID
	s.entities = entities
	out := make([]status.Result, len(entities))
	for i, e := range entities {
		out[i] = status.Result{Key: e.Key(), Status: status.StatusNo, Source: status.SourceIndex}
	}
	return out, nil
}

func newTestRouter(t *testing.T, store *fakeStore) (http.Handler, *fixture, *stubClassifier) {
	t.Helper()
	f := newFixture(t, store)
	classifier := &stubClassifier{}
	r := chi.NewRouter()
	MountRoutes(r, nil, f.svc, classifier)
	return r, f, classifier
}

func doJSON(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload), rec.Body.String())
	return rec, payload
}

func TestHandler_GetOffer(t *testing.T) {
	t.Run("dialog view", func(t *testing.T) {
		h, _, _ := newTestRouter(t, newFakeStore("L1", mustOffer(t, leadOffer)))
		rec, body := doJSON(t, h, http.MethodGet, "/delivery/lead/L1/offer", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "of-1", body["offer_id"])
		items := body["items"].([]any)
		require.Len(t, items, 2)
		assert.EqualValues(t, 6, items[0].(map[string]any)["pending"])
	})

	t.Run("no offer is a notice", func(t *testing.T) {
		h, _, _ := newTestRouter(t, newFakeStore("L1"))
		rec, body := doJSON(t, h, http.MethodGet, "/delivery/lead/L1/offer", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, body["notice"])
	})

	t.Run("unknown kind", func(t *testing.T) {
		h, _, _ := newTestRouter(t, newFakeStore("L1"))
		rec, body := doJSON(t, h, http.MethodGet, "/delivery/vendor/1/offer", "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Invalid Contact", body["title"])
	})
}

func TestHandler_PostDeliveries(t *testing.T) {
	const path = "/delivery/lead/L1/deliveries"

	t.Run("saved", func(t *testing.T) {
		h, f, _ := newTestRouter(t, newFakeStore("L1", mustOffer(t, leadOffer)))
		rec, body := doJSON(t, h, http.MethodPost, path,
			`{"session_id":"s1","drafts":[{"item":"code:P1","quantity":5,"date":"2024-01-01"}]}`,
			map[string]string{"X-Actor": "ana", "Idempotency-Key": "k-1"})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "put", body["strategy"])
		item := body["items"].([]any)[0].(map[string]any)
		assert.EqualValues(t, 9, item["delivered"])
		assert.EqualValues(t, 1, item["pending"])
		assert.Equal(t, "ana", f.audit.logs[0].Actor)
		assert.True(t, f.idem.keys["k-1"])
	})

	t.Run("invalid batch", func(t *testing.T) {
		h, _, _ := newTestRouter(t, newFakeStore("L1", mustOffer(t, leadOffer)))
		rec, body := doJSON(t, h, http.MethodPost, path,
			`{"drafts":[{"item":"code:P1","quantity":"5","date":"2024-13-40"}]}`, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "valid_date", body["rule"])
		assert.EqualValues(t, 1, body["row"])
		assert.Equal(t, "Panel 550W", body["item"])
	})

	t.Run("not persisted", func(t *testing.T) {
		store := newFakeStore("L1", mustOffer(t, leadOffer))
		store.drop = true
		h, _, _ := newTestRouter(t, store)
		rec, body := doJSON(t, h, http.MethodPost, path,
			`{"drafts":[{"item":"code:P1","quantity":"5","date":"2024-01-01"}]}`, nil)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, "Delivery Not Persisted", body["title"])
	})

	t.Run("write failed", func(t *testing.T) {
		store := newFakeStore("L1", mustOffer(t, leadOffer))
		for _, s := range DefaultStrategies {
			store.fail[s] = assert.AnError
		}
		h, _, _ := newTestRouter(t, store)
		rec, body := doJSON(t, h, http.MethodPost, path,
			`{"drafts":[{"item":"code:P1","quantity":"5","date":"2024-01-01"}]}`, nil)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, "Delivery Write Failed", body["title"])
	})

	t.Run("replay conflicts", func(t *testing.T) {
		h, _, _ := newTestRouter(t, newFakeStore("L1", mustOffer(t, leadOffer)))
		headers := map[string]string{"Idempotency-Key": "k-9"}
		body := `{"drafts":[{"item":"code:P1","quantity":"1","date":"2024-01-01"}]}`
		rec, _ := doJSON(t, h, http.MethodPost, path, body, headers)
		require.Equal(t, http.StatusOK, rec.Code)
		rec, _ = doJSON(t, h, http.MethodPost, path, body, headers)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		h, _, _ := newTestRouter(t, newFakeStore("L1", mustOffer(t, leadOffer)))
		rec, _ := doJSON(t, h, http.MethodPost, path, `{"drafts":`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandler_PostStatuses(t *testing.T) {
	h, _, classifier := newTestRouter(t, newFakeStore("L1"))

	rec, body := doJSON(t, h, http.MethodPost, "/delivery/statuses",
		`{"entities":[{"id":"L1"},{"kind":"client","numero":"C-042"}]}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, body["session_id"])
	assert.Equal(t, body["session_id"], classifier.session)

	results := body["results"].([]any)
	require.Len(t, results, 2)
	assert.Equal(t, "lead:L1", results[0].(map[string]any)["key"])
	assert.Equal(t, "cliente_numero:C042", results[1].(map[string]any)["key"])

	rec, _ = doJSON(t, h, http.MethodPost, "/delivery/statuses", `{"entities":[1]}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_DeleteStatusSession(t *testing.T) {
	h, _, classifier := newTestRouter(t, newFakeStore("L1"))

	req := httptest.NewRequest(http.MethodDelete, "/delivery/statuses/s-42", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, []string{"s-42"}, classifier.closed)
}
