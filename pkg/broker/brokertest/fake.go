// Package brokertest provides an in-memory broker.Gateway for tests.
package brokertest

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"copytrade-core/pkg/broker"
)

// Gateway is a scriptable fake. Tokens issued by CreateSession and
// RefreshSession are valid until Expire is called; a call with an expired
// token fails with an auth class *broker.APIError.
type Gateway struct {
	mu sync.Mutex

	orders    []broker.Order
	positions []broker.Position
	margin    broker.Margin
	symbols   map[string]string

	expired  map[string]bool
	failNext map[string][]error
	seq      int

	// LoginErr and RefreshErr, when set, fail every login/refresh.
	LoginErr   error
	RefreshErr error

	Placed    []broker.PlaceOrderRequest
	Modified  []broker.ModifyOrderRequest
	Cancelled []broker.CancelOrderRequest
	calls     map[string]int
}

var _ broker.Gateway = (*Gateway)(nil)

func New() *Gateway {
	return &Gateway{
		symbols:  make(map[string]string),
		expired:  make(map[string]bool),
		failNext: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// AuthError is the error returned for expired tokens.
func AuthError(op string) error {
	return &broker.APIError{Op: op, HTTPStatus: http.StatusUnauthorized, Code: "AG8002", Message: "Token expired"}
}

func (g *Gateway) SetOrders(orders ...broker.Order) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders = append([]broker.Order(nil), orders...)
}

func (g *Gateway) SetPositions(p ...broker.Position) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions = append([]broker.Position(nil), p...)
}

func (g *Gateway) SetMargin(m broker.Margin) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.margin = m
}

// AddSymbol registers exchange/symbol for SearchInstrument.
func (g *Gateway) AddSymbol(exchange, symbol, token string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.symbols[exchange+"|"+symbol] = token
}

// Expire invalidates an access token.
func (g *Gateway) Expire(token string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expired[token] = true
}

// FailNext queues err for the next call of op (method name, e.g. "PlaceOrder").
func (g *Gateway) FailNext(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext[op] = append(g.failNext[op], err)
}

// Calls returns how often op was invoked.
func (g *Gateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *Gateway) PlacedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Placed)
}

// enter records the call and returns a queued or token error. Caller holds g.mu.
func (g *Gateway) enter(op, token string) error {
	g.calls[op]++
	if q := g.failNext[op]; len(q) > 0 {
		g.failNext[op] = q[1:]
		return q[0]
	}
	if token != "" && g.expired[token] {
		return AuthError(op)
	}
	if token == "" && op != "CreateSession" && op != "RefreshSession" {
		return AuthError(op)
	}
	return nil
}

func (g *Gateway) newSession() broker.Session {
	g.seq++
	return broker.Session{
		AccessToken:  fmt.Sprintf("access-%d", g.seq),
		RefreshToken: fmt.Sprintf("refresh-%d", g.seq),
		FeedToken:    fmt.Sprintf("feed-%d", g.seq),
	}
}

func (g *Gateway) CreateSession(_ context.Context, creds broker.Credentials) (broker.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("CreateSession", ""); err != nil {
		return broker.Session{}, err
	}
	if g.LoginErr != nil {
		return broker.Session{}, g.LoginErr
	}
	return g.newSession(), nil
}

func (g *Gateway) RefreshSession(_ context.Context, current broker.Session) (broker.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("RefreshSession", ""); err != nil {
		return broker.Session{}, err
	}
	if g.RefreshErr != nil {
		return broker.Session{}, g.RefreshErr
	}
	if current.RefreshToken == "" {
		return broker.Session{}, AuthError("RefreshSession")
	}
	return g.newSession(), nil
}

func (g *Gateway) OrderBook(_ context.Context, token string) ([]broker.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("OrderBook", token); err != nil {
		return nil, err
	}
	return append([]broker.Order(nil), g.orders...), nil
}

func (g *Gateway) Positions(_ context.Context, token string) ([]broker.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("Positions", token); err != nil {
		return nil, err
	}
	return append([]broker.Position(nil), g.positions...), nil
}

func (g *Gateway) Margin(_ context.Context, token string) (broker.Margin, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("Margin", token); err != nil {
		return broker.Margin{}, err
	}
	return g.margin, nil
}

func (g *Gateway) PlaceOrder(_ context.Context, token string, req broker.PlaceOrderRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("PlaceOrder", token); err != nil {
		return "", err
	}
	g.Placed = append(g.Placed, req)
	return fmt.Sprintf("child-order-%d", len(g.Placed)), nil
}

func (g *Gateway) ModifyOrder(_ context.Context, token string, req broker.ModifyOrderRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("ModifyOrder", token); err != nil {
		return err
	}
	g.Modified = append(g.Modified, req)
	return nil
}

func (g *Gateway) CancelOrder(_ context.Context, token string, req broker.CancelOrderRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("CancelOrder", token); err != nil {
		return err
	}
	g.Cancelled = append(g.Cancelled, req)
	return nil
}

func (g *Gateway) SearchInstrument(_ context.Context, token, exchange, symbol string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("SearchInstrument", token); err != nil {
		return "", err
	}
	return g.symbols[exchange+"|"+symbol], nil
}
