package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solarcrm/reconciler/internal/delivery"
	"github.com/solarcrm/reconciler/internal/delivery/ledger"
	"github.com/solarcrm/reconciler/internal/delivery/status"
	"github.com/solarcrm/reconciler/internal/observability"
	"github.com/solarcrm/reconciler/jobs"
)

type emptyStore struct{}

func (emptyStore) OffersByLead(context.Context, string) ([]ledger.Offer, error)   { return nil, nil }
func (emptyStore) OffersByClient(context.Context, string) ([]ledger.Offer, error) { return nil, nil }
func (emptyStore) ReplaceOffer(context.Context, ledger.Offer) error               { return nil }
func (emptyStore) PatchOffer(context.Context, ledger.Offer) error                 { return nil }
func (emptyStore) PatchOfferItems(context.Context, string, []ledger.Item) error   { return nil }

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	svc, err := delivery.NewService(delivery.ServiceConfig{Store: emptyStore{}})
	require.NoError(t, err)
	return NewRouter(RouterParams{
		Config:          &Config{AppEnv: "test", RateLimitPerMinute: 1000},
		DeliveryService: svc,
		Classifier:      status.NewClassifier(nil, nil, nil),
		JobHandler:      jobs.NewHandler(nil, nil),
		Metrics:         observability.NewMetrics(),
	})
}

func TestRouter(t *testing.T) {
	router := newTestRouter(t)

	t.Run("healthz", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
		assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
		assert.NotEmpty(t, rr.Header().Get("Content-Security-Policy"))
	})

	t.Run("delivery routes", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/delivery/lead/L1/offer", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), "notice")

		rr = httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/delivery/statuses", strings.NewReader(`{"entities":[{"id":"L1"}]}`)))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), `"status":"unknown"`)
	})

	t.Run("jobs health", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("metrics", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), "reconciler_http_requests_total")
	})
}
