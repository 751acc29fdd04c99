// Package live is the push channel to operator consoles: one websocket per
// console, bound to one account after an auth message, kept alive by an
// application level ping/pong heartbeat.
package live

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"copytrade-core/internal/events"
	"copytrade-core/internal/monitor"
	"copytrade-core/pkg/broker"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/logger"
)

var (
	ErrNotAuthenticated = errors.New("live: connection not authenticated")
	ErrForbidden        = errors.New("live: account not bound to this connection")
)

// Watcher hands out monitoring leases. Implemented by the poller.
type Watcher interface {
	Watch(accountID string, viewer bool) (release func())
}

type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*db.Account, error)
	GetAccountByClientCode(ctx context.Context, clientCode string) (*db.Account, error)
	SetCopyTrading(ctx context.Context, id string, enabled bool) error
	LinkChild(ctx context.Context, childID, parentID string) error
}

// Copier receives manually pushed parent order events.
type Copier interface {
	HandleOrderUpdate(ctx context.Context, accountID string, order broker.Order) error
}

type Config struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
	CallTimeout  time.Duration
}

type Deps struct {
	Accounts AccountStore
	Watcher  Watcher
	Copier   Copier
	Bus      *events.Bus
	Metrics  *monitor.Metrics
}

// Hub owns every live connection. Routing is by bound account only.
type Hub struct {
	cfg      Config
	accounts AccountStore
	watcher  Watcher
	copier   Copier
	bus      *events.Bus
	metrics  *monitor.Metrics
	log      *logger.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	mu      sync.RWMutex
	clients map[*Client]struct{}

	// ctx outlives single connections; copies started from a socket use it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHub(cfg Config, deps Deps, log *logger.Logger) *Hub {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 45 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:      cfg,
		accounts: deps.Accounts,
		watcher:  deps.Watcher,
		copier:   deps.Copier,
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		now:     time.Now,
		clients: make(map[*Client]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Run routes bus events and drives the heartbeat until ctx is done, then
// closes every connection.
func (h *Hub) Run(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.bus.Listen(ctx, 256, h.route,
			events.EventAccountSnapshot, events.EventOrderUpdate, events.EventCopySucceeded,
			events.EventCopyFailed, events.EventAuthRequired, events.EventCopyStatusChanged,
			events.EventAccountLinked)
	}()

	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case <-ticker.C:
			h.heartbeat()
		}
	}
}

func (h *Hub) shutdown() {
	for _, c := range h.snapshot() {
		h.remove(c, "shutdown")
	}
	h.cancel()
	h.wg.Wait()
}

// ServeWS upgrades the request and starts the connection pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("live upgrade failed")
		return
	}
	id := uuid.NewString()
	c := &Client{
		id:         id,
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, h.cfg.SendBuffer),
		done:       make(chan struct{}),
		log:        h.log.WithComponent("live").WithField("conn_id", id),
		state:      StateConnecting,
		lastPongAt: h.now(),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.LiveClients.Set(float64(n))
	c.log.WithField("remote", r.RemoteAddr).Info("live client connected")

	go c.writePump()
	go c.readPump()
}

// Clients returns the number of open connections.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ClientsFor returns how many live connections are bound to accountID.
func (h *Hub) ClientsFor(accountID string) int {
	n := 0
	for _, c := range h.snapshot() {
		if c.AccountID() == accountID {
			n++
		}
	}
	return n
}

func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) remove(c *Client, reason string) {
	if !c.close() {
		return
	}
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.LiveClients.Set(float64(n))
	c.log.WithField("reason", reason).Info("live client closed")
}

// heartbeat terminates clients whose last pong is older than PongTimeout
// and pings the rest.
func (h *Hub) heartbeat() {
	now := h.now()
	for _, c := range h.snapshot() {
		c.mu.Lock()
		stale := now.Sub(c.lastPongAt) > h.cfg.PongTimeout
		if !stale {
			c.lastPingSentAt = now
		}
		c.mu.Unlock()

		if stale {
			h.metrics.HeartbeatKills.Inc()
			h.remove(c, "heartbeat timeout")
			continue
		}
		if !c.sendJSON(Outbound{Type: MsgPing, Timestamp: now.UnixMilli()}) {
			h.remove(c, "send queue full")
		}
	}
}

func (h *Hub) handle(c *Client, msg Inbound) {
	switch msg.Type {
	case MsgPong:
		c.markPong(h.now())
	case MsgAuth:
		h.authenticate(c, msg.Tokens)
	case MsgOrderUpdate:
		h.orderUpdate(c, msg.Order)
	case MsgCopyStatusChange:
		h.copyStatusChange(c, msg)
	case MsgAccountConnection:
		h.accountConnection(c, msg)
	default:
		c.sendJSON(Outbound{Type: MsgError, Message: "unknown message type: " + msg.Type})
	}
}

func (h *Hub) authenticate(c *Client, tokens *AuthTokens) {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		c.sendJSON(Outbound{Type: MsgError, Message: "already authenticated"})
		return
	}
	c.state = StateAuthenticating
	c.mu.Unlock()

	acct, err := h.lookup(tokens)
	if err != nil {
		c.log.WithError(err).Warn("live auth failed")
		c.sendJSON(Outbound{Type: MsgError, Message: "authentication failed"})
		// Let the writer flush the error before the socket goes away.
		time.AfterFunc(100*time.Millisecond, func() { h.remove(c, "auth failed") })
		return
	}

	c.mu.Lock()
	if c.state != StateAuthenticating {
		c.mu.Unlock()
		return
	}
	c.accountID = acct.ID
	c.accountType = acct.AccountType
	c.ownLease = h.watcher.Watch(acct.ID, true)
	if acct.AccountType == db.AccountChild && acct.ParentAccountID != "" {
		c.parentAccountID = acct.ParentAccountID
		c.parentLease = h.watcher.Watch(acct.ParentAccountID, false)
	}
	c.state = StateLive
	c.mu.Unlock()

	c.log.WithFields(map[string]any{"account_id": acct.ID, "account_type": acct.AccountType}).
		Info("live client authenticated")
	c.sendJSON(Outbound{Type: MsgAuth, Status: "success", Data: AuthResult{
		AccountID:       acct.ID,
		AccountType:     acct.AccountType,
		ParentAccountID: acct.ParentAccountID,
	}})
}

func (h *Hub) lookup(tokens *AuthTokens) (*db.Account, error) {
	if tokens == nil || (tokens.AccountID == "" && tokens.ClientCode == "") {
		return nil, errors.New("missing account identity")
	}
	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.CallTimeout)
	defer cancel()
	if tokens.AccountID != "" {
		acct, err := h.accounts.GetAccount(ctx, tokens.AccountID)
		if err != nil {
			return nil, err
		}
		if tokens.ClientCode != "" && tokens.ClientCode != acct.ClientCode {
			return nil, errors.New("client code does not match account")
		}
		return acct, nil
	}
	return h.accounts.GetAccountByClientCode(ctx, tokens.ClientCode)
}

// bound returns the account the client is bound to or replies with an
// error when it is not authenticated yet.
func (h *Hub) bound(c *Client) (string, bool) {
	c.mu.Lock()
	live, id := c.state == StateLive, c.accountID
	c.mu.Unlock()
	if !live {
		c.sendJSON(Outbound{Type: MsgError, Message: ErrNotAuthenticated.Error()})
		return "", false
	}
	return id, true
}

func (h *Hub) orderUpdate(c *Client, msg *OrderMessage) {
	accountID, ok := h.bound(c)
	if !ok {
		return
	}
	if msg == nil || msg.OrderID == "" {
		c.sendJSON(Outbound{Type: MsgError, Message: "order update requires an order"})
		return
	}
	if msg.AccountID != "" && msg.AccountID != accountID {
		c.sendJSON(Outbound{Type: MsgError, Message: ErrForbidden.Error()})
		return
	}
	order := msg.Order
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.copier.HandleOrderUpdate(h.ctx, accountID, order); err != nil {
			c.log.WithError(err).WithField("order_id", order.OrderID).Warn("manual order update rejected")
			c.sendJSON(Outbound{Type: MsgError, Message: err.Error()})
		}
	}()
}

func (h *Hub) copyStatusChange(c *Client, msg Inbound) {
	accountID, ok := h.bound(c)
	if !ok {
		return
	}
	if msg.AccountID == "" || msg.Enabled == nil {
		c.sendJSON(Outbound{Type: MsgError, Message: "copy_status_change requires accountId and enabled"})
		return
	}
	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.CallTimeout)
	defer cancel()

	target, err := h.accounts.GetAccount(ctx, msg.AccountID)
	if err != nil {
		c.sendJSON(Outbound{Type: MsgError, Message: "account not found"})
		return
	}
	// An account may toggle itself and a parent may toggle its children.
	if target.ID != accountID && target.ParentAccountID != accountID {
		c.sendJSON(Outbound{Type: MsgError, Message: ErrForbidden.Error()})
		return
	}
	if err := h.accounts.SetCopyTrading(ctx, target.ID, *msg.Enabled); err != nil {
		c.log.WithError(err).Error("set copy trading failed")
		c.sendJSON(Outbound{Type: MsgError, Message: "failed to update copy trading"})
		return
	}
	h.bus.Publish(events.EventCopyStatusChanged, events.CopyStatusChanged{AccountID: target.ID, Enabled: *msg.Enabled})
	if target.ID != accountID {
		c.sendJSON(Outbound{Type: MsgStatusUpdate, Data: StatusUpdate{AccountID: target.ID, CopyTradingEnabled: *msg.Enabled}})
	}
}

func (h *Hub) accountConnection(c *Client, msg Inbound) {
	accountID, ok := h.bound(c)
	if !ok {
		return
	}
	if msg.ChildAccountID == "" || msg.ParentAccountID == "" {
		c.sendJSON(Outbound{Type: MsgError, Message: "account_connection requires childAccountId and parentAccountId"})
		return
	}
	if accountID != msg.ChildAccountID && accountID != msg.ParentAccountID {
		c.sendJSON(Outbound{Type: MsgError, Message: ErrForbidden.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.CallTimeout)
	defer cancel()
	if err := h.accounts.LinkChild(ctx, msg.ChildAccountID, msg.ParentAccountID); err != nil {
		reason := "failed to connect accounts"
		if errors.Is(err, db.ErrInvalidLink) || errors.Is(err, db.ErrNotFound) {
			reason = err.Error()
		}
		c.sendJSON(Outbound{Type: MsgError, Message: reason})
		return
	}
	h.bus.Publish(events.EventAccountLinked, events.AccountLinked{
		ChildAccountID:  msg.ChildAccountID,
		ParentAccountID: msg.ParentAccountID,
	})
}

// route delivers one bus event to the connections bound to its account.
func (h *Hub) route(e events.Event, payload any) {
	switch p := payload.(type) {
	case events.AccountSnapshot:
		h.push(p.AccountID, Outbound{Type: MsgData, Data: DataPush{
			Orders: nonNilOrders(p.Orders), Positions: nonNilPositions(p.Positions), Balance: p.Balance,
		}})
	case events.OrderUpdate:
		h.push(p.AccountID, Outbound{Type: MsgOrderUpdate, Data: p.Order})
	case events.CopyOutcome:
		result := CopyResult{
			Action:        string(p.Action),
			ParentOrderID: p.ParentOrderID,
			ChildOrderID:  p.ChildOrderID,
			Symbol:        p.Symbol,
			Quantity:      p.Quantity,
			Error:         p.Error,
		}
		if e == events.EventCopyFailed {
			h.push(p.ChildAccountID, Outbound{Type: MsgCopyTradeError, Message: p.Error, Data: result})
		} else {
			h.push(p.ChildAccountID, Outbound{Type: MsgCopyTradeSuccess, Data: result})
		}
	case events.AuthRequired:
		h.push(p.AccountID, Outbound{Type: MsgAuthRequired, Message: p.Reason,
			Data: map[string]string{"accountId": p.AccountID}})
	case events.CopyStatusChanged:
		h.push(p.AccountID, Outbound{Type: MsgStatusUpdate,
			Data: StatusUpdate{AccountID: p.AccountID, CopyTradingEnabled: p.Enabled}})
	case events.AccountLinked:
		for _, c := range h.snapshot() {
			if c.AccountID() == p.ChildAccountID {
				c.follow(p.ParentAccountID, h.watcher)
			}
		}
		msg := Outbound{Type: MsgAccountConnected, Data: AccountConnected{
			ChildAccountID: p.ChildAccountID, ParentAccountID: p.ParentAccountID,
		}}
		h.push(p.ChildAccountID, msg)
		h.push(p.ParentAccountID, msg)
	}
}

func (h *Hub) push(accountID string, msg Outbound) {
	if accountID == "" {
		return
	}
	for _, c := range h.snapshot() {
		if c.State() != StateLive || c.AccountID() != accountID {
			continue
		}
		if !c.sendJSON(msg) {
			h.remove(c, "send queue full")
		}
	}
}

func nonNilOrders(o []broker.Order) []broker.Order {
	if o == nil {
		return []broker.Order{}
	}
	return o
}

func nonNilPositions(p []broker.Position) []broker.Position {
	if p == nil {
		return []broker.Position{}
	}
	return p
}
