package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournevent/shipquote/internal/credentials"
	"github.com/tournevent/shipquote/internal/quote"
	"github.com/tournevent/shipquote/internal/quotecache"
	"github.com/tournevent/shipquote/internal/rules"
	"github.com/tournevent/shipquote/internal/server"
	"github.com/tournevent/shipquote/internal/store/sqlstore"
	"github.com/tournevent/shipquote/internal/telemetry"
	"github.com/tournevent/shipquote/pkg/shipping"
	"github.com/tournevent/shipquote/pkg/shipping/mock"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

type testServer struct {
	handler http.Handler
	carrier *mock.Client
	store   *sqlstore.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	logger := otelzap.New(zap.NewNop())
	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	store, err := sqlstore.Open(ctx, "sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	carrier := mock.New("melhorenvio")
	creds := credentials.NewManager(credentials.Config{
		Providers: []credentials.Provider{{Name: "melhorenvio", OriginPostalCode: "01001-000"}},
	}, store, nil, logger, metrics)

	svc := quote.NewService(quote.Config{DefaultEnvironment: shipping.EnvSandbox}, quote.Deps{
		Carrier:     carrier,
		Cache:       quotecache.NewMemory(),
		Rules:       rules.NewEngine(store, logger),
		Credentials: creds,
		Settings:    store,
		Modalities:  store,
		Snapshots:   store,
		Logger:      logger,
		Metrics:     metrics,
	})

	srv := server.New(server.Config{Port: 8080, Provider: "melhorenvio"}, server.Deps{
		Quotes:   svc,
		Rules:    store,
		Settings: store,
		Health:   store,
		Gatherer: registry,
		Logger:   logger,
	})
	return &testServer{handler: srv.Handler(), carrier: carrier, store: store}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

type errorResponse struct {
	Error struct {
		Kind    string `json:"kind"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

const quoteBody = `{
	"destination_postal_code": "01310-100",
	"destination_state": "SP",
	"order_value": "600.00",
	"packages": [
		{"width_cm": 20, "height_cm": 15, "length_cm": 30, "weight_kg": 1.2, "insurance_value": "150.00", "quantity": 1}
	]
}`

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("db down") }

func TestServer_HealthUnavailable(t *testing.T) {
	srv := server.New(server.Config{}, server.Deps{Health: failingPinger{}, Logger: otelzap.New(zap.NewNop())})
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_GetQuote(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/quotes", quoteBody)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res quote.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Len(t, res.Options, 2)
	assert.False(t, res.FreeShippingApplied)
	assert.False(t, res.Cached)
	assert.Equal(t, shipping.EnvSandbox, res.Environment)

	req, _ := ts.carrier.LastRequest()
	assert.Equal(t, "01001000", req.OriginPostalCode)
	assert.Equal(t, "01310100", req.DestinationPostalCode)
}

func TestServer_FreeShippingRuleEndToEnd(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/rules", `{
		"name": "free over 500",
		"rule_type": "free_shipping",
		"condition_type": "min_order_value",
		"condition_value": 500,
		"priority": 1,
		"active": true
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created rules.ShippingRule
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.NotZero(t, created.ID)

	rec = ts.do(t, http.MethodPost, "/api/v1/quotes", quoteBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res quote.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))

	assert.True(t, res.FreeShippingApplied)
	require.Len(t, res.Options, 2)
	for _, o := range res.Options {
		assert.True(t, o.Price.IsZero())
		assert.True(t, o.FreeShipping)
	}
	require.Len(t, res.AppliedRules, 1)
	assert.Equal(t, created.ID, res.AppliedRules[0].RuleID)
	assert.True(t, res.AppliedRules[0].Applied)
}

func TestServer_RulesAdmin(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/rules", `{"rule_type": "production_days_padding", "condition_type": "all"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_RULE", decodeError(t, rec).Error.Code)

	for _, value := range []string{`null`, `-5`} {
		rec = ts.do(t, http.MethodPost, "/api/v1/rules",
			`{"rule_type": "free_shipping", "condition_type": "min_order_value", "condition_value": `+value+`, "active": true}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code, value)
		assert.Equal(t, "INVALID_RULE", decodeError(t, rec).Error.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/rules",
		`{"rule_type": "production_days_padding", "condition_type": "all", "production_days_to_add": 2, "active": true}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created rules.ShippingRule
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))

	rec = ts.do(t, http.MethodGet, "/api/v1/rules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Rules []rules.ShippingRule `json:"rules"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Len(t, list.Rules, 1)

	rec = ts.do(t, http.MethodDelete, "/api/v1/rules/"+strconv.FormatInt(created.ID, 10), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodDelete, "/api/v1/rules/"+strconv.FormatInt(created.ID, 10), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(t, http.MethodDelete, "/api/v1/rules/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_QuoteValidationErrors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"invalid json", `{"destination_postal_code":`, "INVALID_JSON"},
		{"bad dimensions", `{"destination_postal_code": "01310100", "order_value": 10,
			"packages": [{"width_cm": 100, "height_cm": 100, "length_cm": 100, "weight_kg": 1, "quantity": 1}]}`, "INVALID_DIMENSIONS"},
		{"bad postal code", `{"destination_postal_code": "123", "order_value": 10,
			"packages": [{"width_cm": 20, "height_cm": 15, "length_cm": 30, "weight_kg": 1, "quantity": 1}]}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/v1/quotes", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, "validation", resp.Error.Kind)
			if tt.code != "" {
				assert.Equal(t, tt.code, resp.Error.Code)
			}
		})
	}
	assert.Zero(t, ts.carrier.QuoteCalls())
}

func TestServer_CarrierErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"transient", shipping.NewError(shipping.KindCarrierTransient, "HTTP_503", "unavailable"), http.StatusServiceUnavailable, "carrier_transient"},
		{"unauthorized", shipping.NewError(shipping.KindCarrierRejection, shipping.CodeUnauthorized, "Unauthenticated.").WithStatusCode(401), http.StatusBadGateway, "carrier_rejection"},
		{"unprocessable", shipping.NewError(shipping.KindCarrierRejection, shipping.CodeValidation, "invalid").WithStatusCode(422), http.StatusUnprocessableEntity, "carrier_rejection"},
		{"credential", shipping.NewError(shipping.KindCredential, credentials.CodeAbsent, "no credential"), http.StatusBadGateway, "credential"},
		{"internal", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.carrier.SetQuoteError(tt.err)

			rec := ts.do(t, http.MethodPost, "/api/v1/quotes", quoteBody)

			assert.Equal(t, tt.status, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, tt.kind, resp.Error.Kind)
			if tt.kind == "internal" {
				assert.NotContains(t, resp.Error.Message, "boom")
			}
		})
	}
}

func TestServer_SnapshotLifecycle(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/quotes/snapshots", quoteBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var snap quote.Snapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	require.Len(t, snap.Products, 1)
	path := "/api/v1/quotes/snapshots/" + snap.ID.String()

	rec = ts.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got quote.Snapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, snap.ID, got.ID)
	assert.Nil(t, got.RequotedAt)

	ts.carrier.SetOptions([]shipping.ShippingOption{
		{ServiceID: 1, ServiceName: "PAC", CarrierName: "Correios", Price: decimal.RequireFromString("19.90"), DeliveryDaysMin: 4, DeliveryDaysMax: 6},
	})
	rec = ts.do(t, http.MethodPost, path+"/requote", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var requoted quote.Snapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&requoted))
	require.Len(t, requoted.Options, 1)
	assert.Equal(t, "19.9", requoted.Options[0].Price.String())
	assert.NotNil(t, requoted.RequotedAt)
	assert.Equal(t, 20.0, requoted.Products[0].WidthCm)
}

func TestServer_SnapshotErrors(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/quotes/snapshots/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/quotes/snapshots/7d444840-9dc0-11d1-b245-5ffdce74fad2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "SNAPSHOT_NOT_FOUND", decodeError(t, rec).Error.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/quotes/snapshots/7d444840-9dc0-11d1-b245-5ffdce74fad2/requote", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Modalities(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/modalities/sync?environment=sandbox", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var synced struct {
		Modalities []shipping.ShippingModality `json:"modalities"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&synced))
	assert.Len(t, synced.Modalities, 2)

	rec = ts.do(t, http.MethodPut, "/api/v1/modalities/2/active?environment=sandbox", `{"active": false}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/quotes", quoteBody)
	require.Equal(t, http.StatusOK, rec.Code)
	var res quote.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	require.Len(t, res.Options, 1)
	assert.Equal(t, 1, res.Options[0].ServiceID)

	rec = ts.do(t, http.MethodPut, "/api/v1/modalities/99/active?environment=sandbox", `{"active": false}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(t, http.MethodPut, "/api/v1/modalities/2/active?environment=staging", `{"active": false}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, http.MethodPut, "/api/v1/modalities/2/active?environment=sandbox", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, http.MethodPost, "/api/v1/modalities/sync?environment=staging", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Settings(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	rec := ts.do(t, http.MethodPut, "/api/v1/settings/environment", `{"environment": "production"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodPut, "/api/v1/settings/production-days", `{"days": 2}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	env, ok, err := ts.store.ActiveEnvironment(ctx, "melhorenvio")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, shipping.EnvProduction, env)

	rec = ts.do(t, http.MethodPost, "/api/v1/quotes", quoteBody)
	require.Equal(t, http.StatusOK, rec.Code)
	var res quote.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, shipping.EnvProduction, res.Environment)
	assert.Equal(t, 2, res.DefaultProductionDays)
	for _, o := range res.Options {
		assert.Equal(t, 2, o.ProductionDays)
	}

	rec = ts.do(t, http.MethodPut, "/api/v1/settings/environment", `{"environment": "staging"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, http.MethodPut, "/api/v1/settings/production-days", `{"days": -1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, http.MethodPut, "/api/v1/settings/production-days", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/api/v1/quotes", quoteBody)

	rec := ts.do(t, http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "shipquote_requests_total")
}
