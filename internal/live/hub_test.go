package live

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copytrade-core/internal/events"
	"copytrade-core/internal/monitor"
	"copytrade-core/pkg/broker"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/logger"
)

type lease struct {
	accountID string
	viewer    bool
}

type fakeWatcher struct {
	mu     sync.Mutex
	active map[lease]int
}

func (w *fakeWatcher) Watch(accountID string, viewer bool) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	l := lease{accountID, viewer}
	w.active[l]++
	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			w.active[l]--
		})
	}
}

func (w *fakeWatcher) count(accountID string, viewer bool) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active[lease{accountID, viewer}]
}

type fakeCopier struct {
	mu    sync.Mutex
	calls []string
}

func (c *fakeCopier) HandleOrderUpdate(_ context.Context, accountID string, order broker.Order) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, accountID+"/"+order.OrderID)
	return nil
}

func (c *fakeCopier) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type fixture struct {
	hub      *Hub
	accounts *db.AccountQueries
	watcher  *fakeWatcher
	copier   *fakeCopier
	bus      *events.Bus
	metrics  *monitor.Metrics
	url      string
	parent   *db.Account
	child    *db.Account
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	f := &fixture{
		accounts: database.Accounts(),
		watcher:  &fakeWatcher{active: make(map[lease]int)},
		copier:   &fakeCopier{},
		bus:      events.NewBus(),
		metrics:  monitor.NewMetrics(),
	}
	ctx := context.Background()
	f.parent = &db.Account{ClientCode: "P001", AccountType: db.AccountParent}
	require.NoError(t, f.accounts.UpsertAccount(ctx, f.parent))
	f.child = &db.Account{ClientCode: "C001", AccountType: db.AccountChild, ParentAccountID: f.parent.ID,
		CopyTradingEnabled: true, Settings: db.DefaultSettings()}
	require.NoError(t, f.accounts.UpsertAccount(ctx, f.child))

	f.hub = NewHub(cfg, Deps{
		Accounts: f.accounts,
		Watcher:  f.watcher,
		Copier:   f.copier,
		Bus:      f.bus,
		Metrics:  f.metrics,
	}, logger.Nop())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		f.hub.Run(runCtx)
		close(done)
	}()
	srv := httptest.NewServer(http.HandlerFunc(f.hub.ServeWS))
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	f.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	// Bus subscriptions are registered by Run.
	time.Sleep(20 * time.Millisecond)
	return f
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *fixture) login(t *testing.T, code string) *websocket.Conn {
	t.Helper()
	conn := f.dial(t)
	require.NoError(t, conn.WriteJSON(Inbound{Type: MsgAuth, Tokens: &AuthTokens{ClientCode: code}}))
	msg := readType(t, conn, MsgAuth)
	require.Equal(t, "success", msg.Status)
	return conn
}

type received struct {
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	Timestamp int64           `json:"timestamp"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
}

// readType reads until a message of type typ arrives, skipping pings.
func readType(t *testing.T, conn *websocket.Conn, typ string) received {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg received
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == typ {
			return msg
		}
		if msg.Type != MsgPing {
			t.Fatalf("unexpected %s message while waiting for %s: %s", msg.Type, typ, msg.Message)
		}
	}
}

func assertNothing(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	for {
		var msg received
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != MsgPing {
			t.Fatalf("unexpected %s message", msg.Type)
		}
	}
}

func TestAuthBindsChildAndWatchesParent(t *testing.T) {
	f := newFixture(t, Config{})
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(Inbound{Type: MsgAuth, Tokens: &AuthTokens{ClientCode: "C001"}}))
	msg := readType(t, conn, MsgAuth)
	assert.Equal(t, "success", msg.Status)

	var result AuthResult
	require.NoError(t, json.Unmarshal(msg.Data, &result))
	assert.Equal(t, f.child.ID, result.AccountID)
	assert.Equal(t, db.AccountChild, result.AccountType)
	assert.Equal(t, f.parent.ID, result.ParentAccountID)

	assert.Equal(t, 1, f.watcher.count(f.child.ID, true))
	assert.Equal(t, 1, f.watcher.count(f.parent.ID, false))
	assert.Equal(t, 1, f.hub.ClientsFor(f.child.ID))

	require.NoError(t, conn.WriteJSON(Inbound{Type: MsgAuth, Tokens: &AuthTokens{ClientCode: "P001"}}))
	assert.Equal(t, "already authenticated", readType(t, conn, MsgError).Message)
}

func TestAuthUnknownAccountClosesConnection(t *testing.T) {
	f := newFixture(t, Config{})
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(Inbound{Type: MsgAuth, Tokens: &AuthTokens{ClientCode: "NOPE"}}))
	assert.Equal(t, "authentication failed", readType(t, conn, MsgError).Message)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return f.hub.Clients() == 0 }, time.Second, 10*time.Millisecond)
}

func TestCommandsRequireAuth(t *testing.T) {
	f := newFixture(t, Config{})
	conn := f.dial(t)

	enabled := false
	require.NoError(t, conn.WriteJSON(Inbound{Type: MsgCopyStatusChange, AccountID: f.child.ID, Enabled: &enabled}))
	assert.Equal(t, ErrNotAuthenticated.Error(), readType(t, conn, MsgError).Message)

	acct, err := f.accounts.GetAccount(context.Background(), f.child.ID)
	require.NoError(t, err)
	assert.True(t, acct.CopyTradingEnabled)
}

func TestPushesAreScopedToBoundAccount(t *testing.T) {
	f := newFixture(t, Config{})
	childConn := f.login(t, "C001")
	parentConn := f.login(t, "P001")

	f.bus.Publish(events.EventAccountSnapshot, events.AccountSnapshot{
		AccountID: f.child.ID,
		Orders:    []broker.Order{{OrderID: "1", Status: "open", Quantity: 2, Price: decimal.NewFromInt(10)}},
		Balance:   db.Balance{Net: 1000, Available: 800},
	})
	msg := readType(t, childConn, MsgData)
	var push DataPush
	require.NoError(t, json.Unmarshal(msg.Data, &push))
	require.Len(t, push.Orders, 1)
	assert.Equal(t, "1", push.Orders[0].OrderID)
	assert.NotNil(t, push.Positions)
	assert.Equal(t, 800.0, push.Balance.Available)

	f.bus.Publish(events.EventCopyFailed, events.CopyOutcome{
		Action: events.ActionPlace, ParentAccountID: f.parent.ID, ChildAccountID: f.child.ID,
		ParentOrderID: "P-1", Error: "broker down",
	})
	msg = readType(t, childConn, MsgCopyTradeError)
	assert.Equal(t, "broker down", msg.Message)
	var result CopyResult
	require.NoError(t, json.Unmarshal(msg.Data, &result))
	assert.Equal(t, "P-1", result.ParentOrderID)

	f.bus.Publish(events.EventCopySucceeded, events.CopyOutcome{
		Action: events.ActionPlace, ChildAccountID: f.child.ID, ParentOrderID: "P-2", ChildOrderID: "C-2",
	})
	msg = readType(t, childConn, MsgCopyTradeSuccess)
	require.NoError(t, json.Unmarshal(msg.Data, &result))
	assert.Equal(t, "C-2", result.ChildOrderID)

	f.bus.Publish(events.EventAuthRequired, events.AuthRequired{AccountID: f.child.ID, Reason: "refresh failed"})
	assert.Equal(t, "refresh failed", readType(t, childConn, MsgAuthRequired).Message)

	assertNothing(t, parentConn, 150*time.Millisecond)
}

func TestCopyStatusChange(t *testing.T) {
	f := newFixture(t, Config{})
	parentConn := f.login(t, "P001")
	childConn := f.login(t, "C001")

	enabled := false
	require.NoError(t, parentConn.WriteJSON(Inbound{Type: MsgCopyStatusChange, AccountID: f.child.ID, Enabled: &enabled}))

	var update StatusUpdate
	require.NoError(t, json.Unmarshal(readType(t, parentConn, MsgStatusUpdate).Data, &update))
	assert.Equal(t, f.child.ID, update.AccountID)
	assert.False(t, update.CopyTradingEnabled)

	require.NoError(t, json.Unmarshal(readType(t, childConn, MsgStatusUpdate).Data, &update))
	assert.False(t, update.CopyTradingEnabled)

	acct, err := f.accounts.GetAccount(context.Background(), f.child.ID)
	require.NoError(t, err)
	assert.False(t, acct.CopyTradingEnabled)

	// A child cannot toggle an unrelated account.
	require.NoError(t, childConn.WriteJSON(Inbound{Type: MsgCopyStatusChange, AccountID: f.parent.ID, Enabled: &enabled}))
	assert.Equal(t, ErrForbidden.Error(), readType(t, childConn, MsgError).Message)
}

func TestAccountConnectionRelinksParentLease(t *testing.T) {
	f := newFixture(t, Config{})
	other := &db.Account{ClientCode: "P002", AccountType: db.AccountParent}
	require.NoError(t, f.accounts.UpsertAccount(context.Background(), other))

	childConn := f.login(t, "C001")
	require.NoError(t, childConn.WriteJSON(Inbound{
		Type: MsgAccountConnection, ChildAccountID: f.child.ID, ParentAccountID: other.ID,
	}))

	var linked AccountConnected
	require.NoError(t, json.Unmarshal(readType(t, childConn, MsgAccountConnected).Data, &linked))
	assert.Equal(t, other.ID, linked.ParentAccountID)

	assert.Eventually(t, func() bool {
		return f.watcher.count(other.ID, false) == 1 && f.watcher.count(f.parent.ID, false) == 0
	}, time.Second, 10*time.Millisecond)

	acct, err := f.accounts.GetAccount(context.Background(), f.child.ID)
	require.NoError(t, err)
	assert.Equal(t, other.ID, acct.ParentAccountID)

	require.NoError(t, childConn.WriteJSON(Inbound{
		Type: MsgAccountConnection, ChildAccountID: f.parent.ID, ParentAccountID: other.ID,
	}))
	assert.Equal(t, ErrForbidden.Error(), readType(t, childConn, MsgError).Message)
}

func TestManualOrderUpdateReachesCopier(t *testing.T) {
	f := newFixture(t, Config{})
	conn := f.login(t, "P001")

	require.NoError(t, conn.WriteJSON(Inbound{Type: MsgOrderUpdate, Order: &OrderMessage{
		AccountID: f.parent.ID,
		Order:     broker.Order{OrderID: "O-9", Status: "open", Quantity: 5},
	}}))
	assert.Eventually(t, func() bool {
		calls := f.copier.Calls()
		return len(calls) == 1 && calls[0] == f.parent.ID+"/O-9"
	}, time.Second, 10*time.Millisecond)
}

func TestHeartbeatTerminatesSilentClients(t *testing.T) {
	f := newFixture(t, Config{PingInterval: 20 * time.Millisecond, PongTimeout: 80 * time.Millisecond})
	silent := f.login(t, "C001")
	alive := f.login(t, "P001")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			var msg received
			if err := alive.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type == MsgPing {
				_ = alive.WriteJSON(Inbound{Type: MsgPong})
			}
		}
	}()

	require.NoError(t, silent.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := silent.ReadMessage(); err != nil {
			break
		}
	}

	assert.Eventually(t, func() bool {
		return f.hub.ClientsFor(f.child.ID) == 0 && f.watcher.count(f.child.ID, true) == 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.hub.ClientsFor(f.parent.ID))
	assert.GreaterOrEqual(t, testutil.ToFloat64(f.metrics.HeartbeatKills), 1.0)

	// Parent lease of the closed child is released as well.
	assert.Equal(t, 0, f.watcher.count(f.parent.ID, false))
	assert.Equal(t, 1, f.watcher.count(f.parent.ID, true))
}

func TestDisconnectReleasesLeases(t *testing.T) {
	f := newFixture(t, Config{})
	conn := f.login(t, "C001")
	require.Equal(t, 1, f.watcher.count(f.child.ID, true))

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		return f.hub.Clients() == 0 &&
			f.watcher.count(f.child.ID, true) == 0 &&
			f.watcher.count(f.parent.ID, false) == 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.LiveClients))
}
