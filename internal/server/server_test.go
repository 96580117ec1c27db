package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mzulkifli/arbot/internal/domain"
)

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

type fakeTrading struct {
	enabled  *bool
	decision domain.RiskDecision
	gotBuy   string
	gotQty   decimal.Decimal
}

func (f *fakeTrading) SetEnabled(on bool) { *f.enabled = on }

func (f *fakeTrading) WhatIf(buyVenue, sellVenue string, price, quantity decimal.Decimal) domain.RiskDecision {
	f.gotBuy = buyVenue
	f.gotQty = quantity
	return f.decision
}

type fakeRisk struct {
	snap     domain.MetricsSnapshot
	resets   int
	released []string
}

func (f *fakeRisk) Snapshot() domain.MetricsSnapshot { return f.snap }
func (f *fakeRisk) ResetBreaker()                    { f.resets++; f.snap.ConsecutiveLosses = 0 }
func (f *fakeRisk) ReleaseExposure(execID string)    { f.released = append(f.released, execID) }

type fakeExecutions struct {
	cancelErr error
	cancelled []string
}

func (f *fakeExecutions) Get(id string) (domain.Execution, bool) {
	if id != "known" {
		return domain.Execution{}, false
	}
	return domain.Execution{ID: id, State: domain.ExecBuySettled}, true
}

func (f *fakeExecutions) Cancel(id string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

type fakeMaker struct {
	inTrade []string
}

func (f *fakeMaker) Orders() []domain.P2POrder {
	return []domain.P2POrder{{ID: "o1", Status: domain.P2PActive}}
}

func (f *fakeMaker) MarkInTrade(id string) error {
	if id == "missing" {
		return domain.ErrNotFound
	}
	f.inTrade = append(f.inTrade, id)
	return nil
}

func testServer(t *testing.T, cfg Config, controls Controls) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(cfg, controls, discard()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServer_HealthSkipsAuth(t *testing.T) {
	srv := testServer(t, Config{APIKey: "secret"}, Controls{})

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_AuthRequired(t *testing.T) {
	risk := &fakeRisk{}
	srv := testServer(t, Config{APIKey: "secret"}, Controls{Risk: risk})

	resp, err := http.Get(srv.URL + "/api/risk")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/risk", nil, map[string]string{"X-API-Key": "secret"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/risk", nil, map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_ResetBreaker(t *testing.T) {
	risk := &fakeRisk{snap: domain.MetricsSnapshot{ConsecutiveLosses: 3}}
	srv := testServer(t, Config{}, Controls{Risk: risk})

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/risk/reset-breaker", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, risk.resets)

	var snap domain.MetricsSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, 0, snap.ConsecutiveLosses)
}

func TestServer_TradingSwitch(t *testing.T) {
	enabled := true
	trading := &fakeTrading{enabled: &enabled}
	srv := testServer(t, Config{}, Controls{Trading: trading})

	resp := doJSON(t, http.MethodPut, srv.URL+"/api/trading", map[string]bool{"enabled": false}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, enabled)
}

func TestServer_WhatIf(t *testing.T) {
	trading := &fakeTrading{
		enabled:  new(bool),
		decision: domain.RiskDecision{Allowed: true, SuggestedQuantity: decimal.NewFromInt(2)},
	}
	srv := testServer(t, Config{}, Controls{Trading: trading})

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/risk/whatif", map[string]any{
		"buy_venue":  "luno",
		"sell_venue": "remitano",
		"price":      "90000",
		"quantity":   "0.5",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "luno", trading.gotBuy)
	assert.True(t, trading.gotQty.Equal(decimal.RequireFromString("0.5")))

	var decision domain.RiskDecision
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decision))
	assert.True(t, decision.Allowed)
}

func TestServer_WhatIfRejectsBadInput(t *testing.T) {
	trading := &fakeTrading{enabled: new(bool)}
	srv := testServer(t, Config{}, Controls{Trading: trading})

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/risk/whatif", map[string]any{
		"buy_venue": "luno",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_ExecutionLookupAndCancel(t *testing.T) {
	execs := &fakeExecutions{}
	srv := testServer(t, Config{}, Controls{Executions: execs})

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/executions/known", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/executions/unknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/executions/known", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"known"}, execs.cancelled)
}

func TestServer_CancelAfterSubmissionConflicts(t *testing.T) {
	execs := &fakeExecutions{cancelErr: domain.ErrNotCancellable}
	srv := testServer(t, Config{}, Controls{Executions: execs})

	resp := doJSON(t, http.MethodDelete, srv.URL+"/api/executions/known", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_ReleaseExposure(t *testing.T) {
	risk := &fakeRisk{}
	srv := testServer(t, Config{}, Controls{Risk: risk})

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/executions/abc/release", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"abc"}, risk.released)
}

func TestServer_MakerOrders(t *testing.T) {
	mk := &fakeMaker{}
	srv := testServer(t, Config{}, Controls{Maker: mk})

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/maker/orders", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/maker/orders/o1/in-trade", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"o1"}, mk.inTrade)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/maker/orders/missing/in-trade", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_MissingComponentAnswers404(t *testing.T) {
	srv := testServer(t, Config{}, Controls{})

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/risk/reset-breaker", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/maker/orders", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
