package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"copytrade-core/internal/events"
	"copytrade-core/internal/gateway"
	"copytrade-core/internal/monitor"
	"copytrade-core/internal/poller"
	"copytrade-core/internal/tokens"
	"copytrade-core/pkg/broker"
	"copytrade-core/pkg/broker/brokertest"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/logger"
)

const testSecret = "test-secret"

type plainKeys struct{}

func (plainKeys) Reveal(s string) (string, error) { return s, nil }

type fakeGateways struct {
	mu sync.Mutex
	gw map[string]*brokertest.Gateway
}

func (f *fakeGateways) get(accountID string) *brokertest.Gateway {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.gw[accountID]
	if !ok {
		g = brokertest.New()
		f.gw[accountID] = g
	}
	return g
}

func (f *fakeGateways) For(acct *db.Account) (broker.Gateway, error) { return f.get(acct.ID), nil }
func (f *fakeGateways) Observe(string, error)                        {}
func (f *fakeGateways) Stats() gateway.PoolStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return gateway.PoolStats{TotalGateways: len(f.gw), MaxSize: 500}
}

type stubLive struct{}

func (stubLive) ServeWS(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusSwitchingProtocols) }
func (stubLive) Clients() int                                   { return 3 }

type stubMonitored struct{}

func (stubMonitored) Targets() []poller.Target {
	return []poller.Target{{AccountID: "acct-1", Positions: true}}
}

type fixture struct {
	server    *Server
	accounts  *db.AccountQueries
	relations *db.RelationQueries
	gateways  *fakeGateways
	token     string
}

func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	f := &fixture{
		accounts:  database.Accounts(),
		relations: database.Relations(),
		gateways:  &fakeGateways{gw: make(map[string]*brokertest.Gateway)},
	}
	bus := events.NewBus()
	metrics := monitor.NewMetrics()
	sessions := tokens.NewManager(tokens.Config{CallTimeout: time.Second}, f.accounts, f.gateways, plainKeys{},
		bus, metrics, logger.Nop())

	f.server = NewServer(Config{JWTSecret: secret, CallTimeout: time.Second}, Deps{
		Accounts:  f.accounts,
		Relations: f.relations,
		Sessions:  sessions,
		Gateways:  f.gateways,
		Live:      stubLive{},
		Monitored: stubMonitored{},
		Bus:       bus,
		Metrics:   metrics,
	}, logger.Nop())

	if secret != "" {
		f.token, _, err = IssueToken("ops", secret, time.Hour)
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	w := httptest.NewRecorder()
	f.server.Router.ServeHTTP(w, req)
	return w
}

func (f *fixture) account(t *testing.T, code string, typ db.AccountType, access string) *db.Account {
	t.Helper()
	ctx := context.Background()
	a := &db.Account{ClientCode: code, AccountType: typ,
		Credentials: db.Credentials{Password: "pw", TOTP: "123456", APIKey: "key"}}
	require.NoError(t, f.accounts.UpsertAccount(ctx, a))
	if access != "" {
		require.NoError(t, f.accounts.SaveSession(ctx, a.ID, db.Tokens{AccessToken: access, RefreshToken: "rt-" + code}))
	}
	return a
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t, testSecret)
	f.token = ""
	w := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthMiddleware(t *testing.T) {
	f := newFixture(t, testSecret)

	f.token = ""
	w := f.do(t, http.MethodGet, "/api/monitor", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "MISSING_TOKEN", decode[map[string]string](t, w)["code"])

	f.token = "garbage"
	w = f.do(t, http.MethodGet, "/api/monitor", nil)
	assert.Equal(t, "INVALID_TOKEN", decode[map[string]string](t, w)["code"])

	other, _, err := IssueToken("ops", "another-secret", time.Hour)
	require.NoError(t, err)
	f.token = other
	w = f.do(t, http.MethodGet, "/api/monitor", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	expired, _, err := IssueToken("ops", testSecret, -time.Minute)
	require.NoError(t, err)
	f.token = expired
	w = f.do(t, http.MethodGet, "/api/monitor", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Websocket clients may pass the token as a query parameter.
	good, _, err := IssueToken("ops", testSecret, time.Hour)
	require.NoError(t, err)
	f.token = ""
	w = f.do(t, http.MethodGet, "/ws?token="+good, nil)
	assert.Equal(t, http.StatusSwitchingProtocols, w.Code)
}

func TestProtectedRoutesRefusedWithoutSecret(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(t, http.MethodGet, "/api/monitor", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	_, _, err := IssueToken("ops", "", time.Hour)
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestMonitor(t *testing.T) {
	f := newFixture(t, testSecret)
	w := f.do(t, http.MethodGet, "/api/monitor", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[struct {
		MonitoredAccounts []poller.Target   `json:"monitoredAccounts"`
		LiveClients       int               `json:"liveClients"`
		Gateways          gateway.PoolStats `json:"gateways"`
	}](t, w)
	require.Len(t, body.MonitoredAccounts, 1)
	assert.Equal(t, "acct-1", body.MonitoredAccounts[0].AccountID)
	assert.Equal(t, 3, body.LiveClients)
	assert.Equal(t, 500, body.Gateways.MaxSize)
}

func TestRelationHistoryAndFanOut(t *testing.T) {
	f := newFixture(t, testSecret)
	ctx := context.Background()
	parent := f.account(t, "P1", db.AccountParent, "")
	c1 := f.account(t, "C1", db.AccountChild, "")
	c2 := f.account(t, "C2", db.AccountChild, "")

	for i, child := range []*db.Account{c1, c2} {
		rel := &db.OrderRelation{
			ParentOrderID: "PO-1", ParentAccountID: parent.ID, ChildAccountID: child.ID,
			Symbol: "SBIN-EQ", Quantity: 5 * (i + 1), Price: decimal.NewFromInt(100), TransactionType: "BUY",
		}
		ok, err := f.relations.Reserve(ctx, rel)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, f.relations.Confirm(ctx, rel.ID, "CO-"+child.ClientCode))
	}
	// Pending claims never show up in history.
	_, err := f.relations.Reserve(ctx, &db.OrderRelation{ParentOrderID: "PO-2", ParentAccountID: parent.ID, ChildAccountID: c1.ID})
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/api/relations?accountId="+parent.ID+"&role=parent", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]db.OrderRelation](t, w), 2)

	w = f.do(t, http.MethodGet, "/api/relations?accountId="+c1.ID+"&role=child&limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rels := decode[[]db.OrderRelation](t, w)
	require.Len(t, rels, 1)
	assert.Equal(t, "CO-C1", rels[0].ChildOrderID)
	assert.Equal(t, "10", w.Header().Get("X-Result-Limit"))

	w = f.do(t, http.MethodGet, "/api/relations?role=child", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodGet, "/api/relations?accountId=x&role=sibling", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/relations/PO-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	fan := decode[struct {
		ParentOrderID string             `json:"parentOrderId"`
		Relations     []db.OrderRelation `json:"relations"`
	}](t, w)
	assert.Equal(t, "PO-1", fan.ParentOrderID)
	assert.Len(t, fan.Relations, 2)
}

func TestOrdersProxy(t *testing.T) {
	f := newFixture(t, testSecret)
	acct := f.account(t, "P1", db.AccountParent, "tok-1")
	gw := f.gateways.get(acct.ID)
	gw.SetOrders(broker.Order{OrderID: "1", Status: "open", Quantity: 3, Price: decimal.NewFromInt(50)})

	w := f.do(t, http.MethodGet, "/api/accounts/"+acct.ID+"/orders", nil)
	require.Equal(t, http.StatusOK, w.Code)
	orders := decode[[]broker.Order](t, w)
	require.Len(t, orders, 1)
	assert.Equal(t, "1", orders[0].OrderID)

	w = f.do(t, http.MethodGet, "/api/accounts/"+acct.ID+"/positions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", w.Body.String())

	w = f.do(t, http.MethodGet, "/api/accounts/missing/orders", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOrdersProxyRefreshesExpiredSession(t *testing.T) {
	f := newFixture(t, testSecret)
	acct := f.account(t, "P1", db.AccountParent, "tok-1")
	gw := f.gateways.get(acct.ID)
	gw.Expire("tok-1")

	w := f.do(t, http.MethodGet, "/api/accounts/"+acct.ID+"/orders", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, gw.Calls("OrderBook"))
	assert.Equal(t, 1, gw.Calls("RefreshSession"))
}

func TestOrdersProxyMapsAuthFailureTo401(t *testing.T) {
	f := newFixture(t, testSecret)
	acct := f.account(t, "P1", db.AccountParent, "tok-1")
	gw := f.gateways.get(acct.ID)
	gw.Expire("tok-1")
	gw.RefreshErr = brokertest.AuthError("RefreshSession")

	w := f.do(t, http.MethodGet, "/api/accounts/"+acct.ID+"/orders", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "AUTH_REQUIRED", decode[map[string]string](t, w)["code"])

	stored, err := f.accounts.GetAccount(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.Equal(t, db.AuthRequiresAuth, stored.AuthStatus)

	// Once demoted the proxy refuses without calling the broker.
	calls := gw.Calls("OrderBook")
	w = f.do(t, http.MethodGet, "/api/accounts/"+acct.ID+"/positions", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, calls, gw.Calls("OrderBook"))
	assert.Zero(t, gw.Calls("Positions"))
}

func TestReauthenticateClearsRequiresAuth(t *testing.T) {
	f := newFixture(t, testSecret)
	ctx := context.Background()
	acct := f.account(t, "C1", db.AccountChild, "tok-1")
	require.NoError(t, f.accounts.UpdateAuthStatus(ctx, acct.ID, db.AuthRequiresAuth))

	w := f.do(t, http.MethodPost, "/api/accounts/"+acct.ID+"/reauth", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/accounts/"+acct.ID+"/reauth", map[string]string{"totp": "654321"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, db.AuthActive, decode[sessionResponse](t, w).AuthStatus)

	stored, err := f.accounts.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, db.AuthActive, stored.AuthStatus)
	assert.NotEqual(t, "tok-1", stored.Tokens.AccessToken)
}

func TestForcedRefresh(t *testing.T) {
	f := newFixture(t, testSecret)
	acct := f.account(t, "P1", db.AccountParent, "tok-1")

	w := f.do(t, http.MethodPost, "/api/accounts/"+acct.ID+"/refresh", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, f.gateways.get(acct.ID).Calls("RefreshSession"))

	noSession := f.account(t, "P2", db.AccountParent, "")
	w = f.do(t, http.MethodPost, "/api/accounts/"+noSession.ID+"/refresh", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/api/accounts/missing/refresh", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRequestIDEchoed(t *testing.T) {
	f := newFixture(t, testSecret)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	f.server.Router.ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
}

func TestRateLimitPerIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := NewServer(Config{JWTSecret: testSecret, RateLimit: 1, RateBurst: 2}, Deps{}, logger.Nop())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		s.Router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, "other clients keep their own bucket")
}

func TestGRPCHealth(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	hs := NewHealthServer(logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hs.ServeListener(ctx, lis) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		callCtx, callCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer callCancel()
		resp, err := client.Check(callCtx, &healthpb.HealthCheckRequest{Service: EngineService})
		require.NoError(t, err)
		return resp.GetStatus()
	}
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
	hs.SetServing(true)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())
}
