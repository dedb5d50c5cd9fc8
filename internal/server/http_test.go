package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"CDPLedger/internal/observability"
	"CDPLedger/internal/query"
	"CDPLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type fakeQueries struct {
	lastLimit  int
	lastBefore *int64
}

func (q *fakeQueries) GetPosition(_ context.Context, user common.Address) (*query.PositionResponse, error) {
	return &query.PositionResponse{
		User:         user.Hex(),
		Debt:         query.Amount{Raw: "7500000000000000000000", Decimal: "7500"},
		AsOfSequence: 4,
	}, nil
}

func (q *fakeQueries) GetLiquidations(_ context.Context, _ common.Address, limit int, before *int64) ([]query.LiquidationResponse, error) {
	q.lastLimit, q.lastBefore = limit, before
	return []query.LiquidationResponse{{Sequence: 3}}, nil
}

func (q *fakeQueries) GetHistory(_ context.Context, _ common.Address, limit int, before *int64) ([]query.HistoryEntry, error) {
	q.lastLimit, q.lastBefore = limit, before
	return nil, nil
}

func (q *fakeQueries) VerifyIntegrity(context.Context) (*query.IntegrityReport, error) {
	return &query.IntegrityReport{IsHealthy: true, LastSequence: 4, ProjectedThrough: 4}, nil
}

type httpHarness struct {
	router  http.Handler
	queries *fakeQueries
	metrics *observability.Metrics
}

func newHTTPHarness(t *testing.T, limiter *rate.Limiter) *httpHarness {
	t.Helper()
	q := &fakeQueries{}
	_, svc := startService(t, q)
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	hc := observability.NewHealthChecker()
	hc.SetReady(true)

	router, err := NewRouter(RouterDeps{
		Service:       svc,
		HealthChecker: hc,
		Metrics:       metrics,
		Gatherer:      reg,
		Limiter:       limiter,
		Logger:        zerolog.Nop(),
	})
	require.NoError(t, err)
	return &httpHarness{router: router, queries: q, metrics: metrics}
}

func (h *httpHarness) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func TestHTTP_Command(t *testing.T) {
	h := newHTTPHarness(t, nil)

	body := `{"idempotency_key":"fund-1","user":"` + testutil.Alice.Hex() + `","asset":"` + testutil.WETH.Hex() + `","amount":"1000"}`
	rec := h.do(http.MethodPost, "/api/v1/commands/fund", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp CommandResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Sequence)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "TokensCredited", resp.Events[0].Type)
	assert.Equal(t, "1000", resp.Events[0].Amount)
}

func TestHTTP_Errors(t *testing.T) {
	h := newHTTPHarness(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
		code   string
	}{
		{"unknown operation", http.MethodPost, "/api/v1/commands/teleport", `{}`, http.StatusNotFound, "NotFound"},
		{"malformed body", http.MethodPost, "/api/v1/commands/mint", `{`, http.StatusBadRequest, "InvalidArgument"},
		{"missing key", http.MethodPost, "/api/v1/commands/mint", `{"user":"` + testutil.Bob.Hex() + `","amount":"1"}`, http.StatusBadRequest, "InvalidArgument"},
		{"unhealthy mint", http.MethodPost, "/api/v1/commands/mint", `{"idempotency_key":"m","user":"` + testutil.Bob.Hex() + `","amount":"1"}`, http.StatusBadRequest, "FailedPrecondition"},
		{"bad address", http.MethodGet, "/api/v1/accounts/bob", "", http.StatusBadRequest, "InvalidArgument"},
		{"bad limit", http.MethodGet, "/api/v1/history/" + testutil.Bob.Hex() + "?limit=ten", "", http.StatusBadRequest, "InvalidArgument"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(tt.method, tt.path, tt.body)
			require.Equal(t, tt.want, rec.Code, rec.Body.String())

			var body errorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Code)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestHTTP_Reads(t *testing.T) {
	h := newHTTPHarness(t, nil)

	rec := h.do(http.MethodGet, "/api/v1/positions/"+testutil.Alice.Hex(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var pos query.PositionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pos))
	assert.Equal(t, testutil.Alice.Hex(), pos.User)
	assert.Equal(t, "7500", pos.Debt.Decimal)

	rec = h.do(http.MethodGet, "/api/v1/liquidations/"+testutil.Alice.Hex()+"?limit=5&before_sequence=9", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, h.queries.lastLimit)
	require.NotNil(t, h.queries.lastBefore)
	assert.Equal(t, int64(9), *h.queries.lastBefore)

	rec = h.do(http.MethodGet, "/api/v1/accounts/"+testutil.Alice.Hex(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var acct query.AccountResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acct))
	assert.Equal(t, "max", acct.HealthFactor.Decimal)

	rec = h.do(http.MethodGet, "/api/v1/parameters", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodGet, "/api/v1/admin/integrity", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var report query.IntegrityReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.IsHealthy)
}

func TestHTTP_HealthAndMetrics(t *testing.T) {
	h := newHTTPHarness(t, nil)

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/readyz", "").Code)

	h.do(http.MethodGet, "/api/v1/parameters", "")
	rec := h.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `cdp_api_requests_total{code="200",method="GET /api/v1/parameters"} 1`)
}

func TestHTTP_RateLimit(t *testing.T) {
	h := newHTTPHarness(t, rate.NewLimiter(rate.Limit(0.001), 1))

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/v1/parameters", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, h.do(http.MethodGet, "/api/v1/parameters", "").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/healthz", "").Code, "health is not limited")
}
