// Package copier mirrors parent account order changes onto the parent's
// child accounts: it places, amends, cancels and completes child orders and
// records every pairing in the relation ledger.
package copier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"copytrade-core/internal/events"
	"copytrade-core/internal/instruments"
	"copytrade-core/internal/ledger"
	"copytrade-core/internal/monitor"
	"copytrade-core/internal/risk"
	"copytrade-core/pkg/broker"
	"copytrade-core/pkg/cache"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/logger"
)

const (
	defaultExchange = "NSE"
	settledTTL      = 24 * time.Hour
)

var ErrNotParent = errors.New("account is not a parent account")

type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*db.Account, error)
	ListChildren(ctx context.Context, parentID string) ([]db.Account, error)
}

type GatewayProvider interface {
	For(acct *db.Account) (broker.Gateway, error)
	Observe(accountID string, err error)
}

// SessionProvider supplies child sessions: the stored one, a fresh login
// when none is stored, and a refresh after an auth failure.
type SessionProvider interface {
	EnsureSession(ctx context.Context, acct *db.Account) (db.Tokens, error)
	Refresh(ctx context.Context, accountID string) (db.Tokens, error)
}

type Config struct {
	CallTimeout   time.Duration
	DedupCapacity int
	Workers       int // children processed concurrently per parent order
}

type Deps struct {
	Accounts AccountStore
	Ledger   *ledger.Ledger
	Gateways GatewayProvider
	Sessions SessionProvider
	Resolver *instruments.Resolver
	Bus      *events.Bus
	Metrics  *monitor.Metrics
}

type Engine struct {
	cfg      Config
	accounts AccountStore
	ledger   *ledger.Ledger
	gateways GatewayProvider
	sessions SessionProvider
	resolver *instruments.Resolver
	dedup    *cache.LRU
	settled  *cache.Sharded[family] // parent orders that finished while claims were open
	bus      *events.Bus
	metrics  *monitor.Metrics
	log      *logrus.Entry
}

func New(cfg Config, deps Deps, log *logger.Logger) *Engine {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = 4096
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if deps.Resolver == nil {
		deps.Resolver = instruments.NewResolver(nil, 0)
	}
	if deps.Metrics == nil {
		deps.Metrics = monitor.NewMetrics()
	}
	return &Engine{
		cfg:      cfg,
		accounts: deps.Accounts,
		ledger:   deps.Ledger,
		gateways: deps.Gateways,
		sessions: deps.Sessions,
		resolver: deps.Resolver,
		dedup:    cache.NewLRU(cfg.DedupCapacity),
		settled:  cache.NewSharded[family](settledTTL),
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		log:      log.WithComponent("copier"),
	}
}

// HandleOrderUpdate is the manual trigger path: it copies order as if the
// poller had detected it on accountID, which must be a PARENT.
func (e *Engine) HandleOrderUpdate(ctx context.Context, accountID string, order broker.Order) error {
	acct, err := e.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !acct.IsParent() {
		return ErrNotParent
	}
	e.HandleOrderChange(ctx, *acct, order)
	return nil
}

// HandleOrderChange drives the child side effects of one parent order
// change. Copy work is detached from ctx's cancellation so a closing caller
// never aborts a half-done copy; every broker call has its own timeout.
func (e *Engine) HandleOrderChange(ctx context.Context, parent db.Account, order broker.Order) {
	ctx = context.WithoutCancel(ctx)
	f := classify(order.Status)
	log := e.log.WithFields(logrus.Fields{
		"parent_account_id": parent.ID, "order_id": order.OrderID, "status": order.Status, "family": f.String(),
	})
	if order.OrderID == "" {
		log.Warn("order without id ignored")
		return
	}
	e.resolver.Remember(order.Exchange, order.Symbol, order.SymbolToken)

	if f != familyAmend && e.dedup.SeenOrAdd(fingerprint(order)) {
		e.metrics.DuplicateEvents.Inc()
		log.Debug("duplicate order event ignored")
		return
	}

	switch f {
	case familyAmend:
		e.amend(ctx, log, parent, order)
	case familyCancel:
		e.cancel(ctx, log, parent, order)
	case familyComplete:
		e.complete(ctx, log, parent, order)
	default:
		e.initiate(ctx, log, parent, order)
	}
}

func fingerprint(o broker.Order) string {
	return fmt.Sprintf("%s|%s|%d|%s", o.OrderID, o.NormalizedStatus(), o.Quantity, o.EffectivePrice().String())
}

// initiate copies order to every eligible child that does not hold a
// relation for it yet.
func (e *Engine) initiate(ctx context.Context, log *logrus.Entry, parent db.Account, order broker.Order) {
	children, err := e.accounts.ListChildren(ctx, parent.ID)
	if err != nil {
		log.WithError(err).Error("list children")
		return
	}
	eligible := children[:0]
	for _, c := range children {
		if c.CopyEligible(parent.ID) {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		log.Debug("no eligible children")
		return
	}
	e.fanOut(log, len(eligible), func(i int) {
		child := eligible[i]
		e.place(ctx, log.WithField("child_account_id", child.ID), parent, &child, order)
	})
}

func (e *Engine) place(ctx context.Context, log *logrus.Entry, parent db.Account, child *db.Account, order broker.Order) {
	if _, err := e.ledger.Get(ctx, order.OrderID, child.ID); err == nil {
		log.Debug("already copied to child")
		return
	} else if !errors.Is(err, db.ErrNotFound) {
		e.fail(log, events.ActionPlace, parent, child, order, err)
		return
	}

	decision := risk.Validate(order, *child)
	if !decision.Allowed {
		e.metrics.RiskRejections.Inc()
		log.WithField("reason", decision.Reason).Info("copy rejected by risk check")
		e.fail(log, events.ActionPlace, parent, child, order, errors.New(decision.Reason))
		return
	}
	if decision.Warning != "" {
		log.Warn(decision.Warning)
	}

	qty := ChildQuantity(order.Quantity, child.Settings.CopyRatio)
	if qty == 0 {
		e.metrics.CopyOperations.WithLabelValues(string(events.ActionPlace), "skipped").Inc()
		log.WithField("copy_ratio", child.Settings.CopyRatio).Info("child quantity is zero, not copying")
		return
	}

	req := buildPlaceRequest(order, qty)
	token, err := e.resolve(ctx, child, order)
	if err != nil {
		e.metrics.CopyOperations.WithLabelValues(string(events.ActionPlace), "skipped").Inc()
		log.WithError(err).Warn("instrument token unresolved, child skipped")
		return
	}
	req.SymbolToken = token

	claim := &db.OrderRelation{
		ParentOrderID:   order.OrderID,
		ParentAccountID: parent.ID,
		ChildAccountID:  child.ID,
		Symbol:          order.Symbol,
		Quantity:        qty,
		Price:           order.EffectivePrice(),
		TransactionType: string(order.TransactionType),
		CopyRatio:       child.Settings.CopyRatio,
	}
	won, err := e.ledger.Claim(ctx, claim)
	if err != nil {
		e.fail(log, events.ActionPlace, parent, child, order, err)
		return
	}
	if !won {
		e.metrics.DuplicateEvents.Inc()
		log.Debug("relation claimed concurrently, skipping")
		return
	}

	var childOrderID string
	err = e.withSession(ctx, child, func(callCtx context.Context, gw broker.Gateway, accessToken string) error {
		id, err := gw.PlaceOrder(callCtx, accessToken, req)
		childOrderID = id
		return err
	})
	if err != nil {
		if rerr := e.ledger.Release(ctx, claim.ID); rerr != nil {
			log.WithError(rerr).Error("release claim after failed placement")
		}
		e.fail(log, events.ActionPlace, parent, child, order, err)
		return
	}
	confirmErr := e.ledger.Confirm(ctx, claim.ID, childOrderID)
	if confirmErr != nil {
		// The child order exists at the broker; keep the claim so the order is not placed twice.
		log.WithError(confirmErr).WithField("child_order_id", childOrderID).Error("confirm relation")
	}
	log.WithFields(logrus.Fields{"child_order_id": childOrderID, "quantity": qty, "order_type": req.OrderType}).
		Info("order copied")
	e.succeed(events.ActionPlace, parent, child, order, childOrderID, qty)

	if confirmErr == nil {
		claim.ChildOrderID = childOrderID
		claim.Status = db.RelationPlaced
		e.settle(ctx, log, parent, child, order, *claim)
	}
}

// settle catches a freshly placed relation up with its parent order when
// the parent completed or was cancelled while the placement was in flight.
func (e *Engine) settle(ctx context.Context, log *logrus.Entry, parent db.Account, child *db.Account, order broker.Order, rel db.OrderRelation) {
	f, ok := e.settled.Get(order.OrderID)
	if !ok {
		return
	}
	log = log.WithField("child_order_id", rel.ChildOrderID)
	switch f {
	case familyComplete:
		log.Info("parent filled during placement")
		e.completeRelation(ctx, log, parent, order, rel)
	case familyCancel:
		log.Info("parent cancelled during placement")
		e.cancelRelation(ctx, log, parent, child, order, rel)
	}
}

// amend propagates a parent modification to every open relation.
func (e *Engine) amend(ctx context.Context, log *logrus.Entry, parent db.Account, order broker.Order) {
	rels, err := e.ledger.Open(ctx, order.OrderID)
	if err != nil {
		log.WithError(err).Error("load relations for amend")
		return
	}
	e.fanOut(log, len(rels), func(i int) {
		rel := rels[i]
		clog := log.WithFields(logrus.Fields{"child_account_id": rel.ChildAccountID, "child_order_id": rel.ChildOrderID})
		child, ok := e.relationChild(ctx, clog, rel)
		if !ok {
			return
		}
		qty := ChildQuantity(order.Quantity, child.Settings.CopyRatio)
		if qty == 0 {
			clog.Info("amended quantity is zero, child order left as is")
			return
		}
		price := order.EffectivePrice()
		if qty == rel.Quantity && price.Equal(rel.Price) {
			clog.Debug("child order already matches parent")
			return
		}
		token, err := e.resolve(ctx, child, order)
		if err != nil {
			clog.WithError(err).Warn("instrument token unresolved, amend skipped")
			return
		}
		req := broker.ModifyOrderRequest{
			OrderID:     rel.ChildOrderID,
			Variety:     orDefault(order.Variety, broker.VarietyNormal),
			Symbol:      order.Symbol,
			SymbolToken: token,
			Exchange:    orDefault(order.Exchange, defaultExchange),
			OrderType:   orderTypeFor(order, familyAmend),
			ProductType: orDefault(order.ProductType, broker.ProductIntraday),
			Duration:    orDefault(order.Duration, broker.DurationDay),
			Quantity:    qty,
			Price:       price,
		}
		err = e.withSession(ctx, child, func(callCtx context.Context, gw broker.Gateway, accessToken string) error {
			return gw.ModifyOrder(callCtx, accessToken, req)
		})
		if err != nil {
			e.fail(clog, events.ActionModify, parent, child, order, err)
			return
		}
		if err := e.ledger.Advance(ctx, rel, db.RelationModified, qty, &price); err != nil {
			clog.WithError(err).Error("record amend")
			return
		}
		clog.WithField("quantity", qty).Info("child order amended")
		e.succeed(events.ActionModify, parent, child, order, rel.ChildOrderID, qty)
	})
}

// cancel cancels every non-terminal child order of the parent order.
func (e *Engine) cancel(ctx context.Context, log *logrus.Entry, parent db.Account, order broker.Order) {
	// Recorded before reading relations so a placement confirming after
	// the read still sees it.
	e.settled.Set(order.OrderID, familyCancel)
	rels, err := e.ledger.Open(ctx, order.OrderID)
	if err != nil {
		log.WithError(err).Error("load relations for cancel")
		return
	}
	e.fanOut(log, len(rels), func(i int) {
		rel := rels[i]
		clog := log.WithFields(logrus.Fields{"child_account_id": rel.ChildAccountID, "child_order_id": rel.ChildOrderID})
		child, ok := e.relationChild(ctx, clog, rel)
		if !ok {
			return
		}
		e.cancelRelation(ctx, clog, parent, child, order, rel)
	})
}

func (e *Engine) cancelRelation(ctx context.Context, log *logrus.Entry, parent db.Account, child *db.Account, order broker.Order, rel db.OrderRelation) {
	req := broker.CancelOrderRequest{OrderID: rel.ChildOrderID, Variety: orDefault(order.Variety, broker.VarietyNormal)}
	err := e.withSession(ctx, child, func(callCtx context.Context, gw broker.Gateway, accessToken string) error {
		return gw.CancelOrder(callCtx, accessToken, req)
	})
	if err != nil {
		e.fail(log, events.ActionCancel, parent, child, order, err)
		return
	}
	if err := e.ledger.Advance(ctx, rel, db.RelationCancelled, 0, nil); err != nil {
		log.WithError(err).Error("record cancel")
		return
	}
	log.Info("child order cancelled")
	e.succeed(events.ActionCancel, parent, child, order, rel.ChildOrderID, rel.Quantity)
}

// complete marks open relations COMPLETE. A parent order first seen
// already filled has no relations and is copied like a new one.
func (e *Engine) complete(ctx context.Context, log *logrus.Entry, parent db.Account, order broker.Order) {
	has, err := e.ledger.HasAny(ctx, order.OrderID)
	if err != nil {
		log.WithError(err).Error("load relations for complete")
		return
	}
	if !has {
		e.initiate(ctx, log, parent, order)
		return
	}
	// Claims still PENDING are not in Open; their placement settles itself.
	e.settled.Set(order.OrderID, familyComplete)
	rels, err := e.ledger.Open(ctx, order.OrderID)
	if err != nil {
		log.WithError(err).Error("load relations for complete")
		return
	}
	for _, rel := range rels {
		e.completeRelation(ctx, log.WithField("child_account_id", rel.ChildAccountID), parent, order, rel)
	}
}

func (e *Engine) completeRelation(ctx context.Context, log *logrus.Entry, parent db.Account, order broker.Order, rel db.OrderRelation) {
	if err := e.ledger.Advance(ctx, rel, db.RelationComplete, 0, nil); err != nil {
		if errors.Is(err, ledger.ErrIllegalTransition) {
			log.WithError(err).Debug("relation already settled")
			return
		}
		log.WithError(err).Warn("mark relation complete")
		return
	}
	e.metrics.CopyOperations.WithLabelValues(string(events.ActionComplete), "ok").Inc()
	e.publish(events.EventCopySucceeded, events.CopyOutcome{
		Action:          events.ActionComplete,
		ParentAccountID: parent.ID,
		ChildAccountID:  rel.ChildAccountID,
		ParentOrderID:   order.OrderID,
		ChildOrderID:    rel.ChildOrderID,
		Symbol:          rel.Symbol,
		Quantity:        rel.Quantity,
	})
}

// relationChild loads the child of rel for amend and cancel. Those run for
// any child that still exists and is not disabled, even one that has since
// turned copying off, so its open orders follow the parent.
func (e *Engine) relationChild(ctx context.Context, log *logrus.Entry, rel db.OrderRelation) (*db.Account, bool) {
	child, err := e.accounts.GetAccount(ctx, rel.ChildAccountID)
	if err != nil {
		log.WithError(err).Warn("load child account")
		return nil, false
	}
	if child.AuthStatus == db.AuthDisabled {
		log.Info("child account disabled, skipped")
		return nil, false
	}
	return child, true
}

// withSession runs call with the child's session. An auth failure triggers
// one refresh and one retry.
func (e *Engine) withSession(ctx context.Context, child *db.Account, call func(context.Context, broker.Gateway, string) error) error {
	gw, err := e.gateways.For(child)
	if err != nil {
		return err
	}
	tokens, err := e.sessions.EnsureSession(ctx, child)
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	run := func(accessToken string) error {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
		return call(callCtx, gw, accessToken)
	}
	err = run(tokens.AccessToken)
	if err != nil && broker.IsAuthError(err) {
		refreshed, rerr := e.sessions.Refresh(ctx, child.ID)
		if rerr != nil {
			e.gateways.Observe(child.ID, err)
			return fmt.Errorf("%w (refresh failed: %v)", err, rerr)
		}
		err = run(refreshed.AccessToken)
	}
	e.gateways.Observe(child.ID, err)
	return err
}

func (e *Engine) resolve(ctx context.Context, child *db.Account, order broker.Order) (string, error) {
	if order.Exchange == "" {
		order.Exchange = defaultExchange
	}
	return e.resolver.Resolve(ctx, order, func(ctx context.Context, exchange, symbol string) (string, error) {
		var token string
		err := e.withSession(ctx, child, func(callCtx context.Context, gw broker.Gateway, accessToken string) error {
			t, err := gw.SearchInstrument(callCtx, accessToken, exchange, symbol)
			token = t
			return err
		})
		return token, err
	})
}

// fanOut runs fn for each child index with bounded concurrency. A panic
// in one child is logged and never reaches its siblings.
func (e *Engine) fanOut(log *logrus.Entry, n int, fn func(i int)) {
	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("copy worker panic: %v", r)
				}
			}()
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) succeed(action events.CopyAction, parent db.Account, child *db.Account, order broker.Order, childOrderID string, qty int) {
	e.metrics.CopyOperations.WithLabelValues(string(action), "ok").Inc()
	e.publish(events.EventCopySucceeded, events.CopyOutcome{
		Action:          action,
		ParentAccountID: parent.ID,
		ChildAccountID:  child.ID,
		ParentOrderID:   order.OrderID,
		ChildOrderID:    childOrderID,
		Symbol:          order.Symbol,
		Quantity:        qty,
	})
}

func (e *Engine) fail(log *logrus.Entry, action events.CopyAction, parent db.Account, child *db.Account, order broker.Order, err error) {
	e.metrics.CopyOperations.WithLabelValues(string(action), "error").Inc()
	log.WithError(err).WithField("action", action).Warn("copy operation failed")
	e.publish(events.EventCopyFailed, events.CopyOutcome{
		Action:          action,
		ParentAccountID: parent.ID,
		ChildAccountID:  child.ID,
		ParentOrderID:   order.OrderID,
		Symbol:          order.Symbol,
		Error:           err.Error(),
	})
}

func (e *Engine) publish(ev events.Event, payload any) {
	if e.bus != nil {
		e.bus.Publish(ev, payload)
	}
}

func buildPlaceRequest(order broker.Order, qty int) broker.PlaceOrderRequest {
	orderType := orderTypeFor(order, classify(order.Status))
	req := broker.PlaceOrderRequest{
		Variety:         orDefault(order.Variety, broker.VarietyNormal),
		Symbol:          order.Symbol,
		Exchange:        orDefault(order.Exchange, defaultExchange),
		TransactionType: order.TransactionType,
		OrderType:       orderType,
		ProductType:     orDefault(order.ProductType, broker.ProductIntraday),
		Duration:        orDefault(order.Duration, broker.DurationDay),
		Quantity:        qty,
		Price:           decimal.Zero,
	}
	switch orderType {
	case broker.OrderTypeLimit, broker.OrderTypeStopLossLimit:
		req.Price = order.EffectivePrice()
	}
	if orderType == broker.OrderTypeStopLossLimit || orderType == broker.OrderTypeStopLossMarket {
		req.TriggerPrice = order.TriggerPrice
	}
	return req
}

// orderTypeFor picks the child order type: stop-loss types are kept, a
// parent still resting on the book or typed LIMIT copies as LIMIT, the
// rest as MARKET.
func orderTypeFor(order broker.Order, f family) broker.OrderType {
	switch order.OrderType {
	case broker.OrderTypeStopLossLimit, broker.OrderTypeStopLossMarket:
		return order.OrderType
	case broker.OrderTypeLimit:
		return broker.OrderTypeLimit
	}
	if (f == familyOpen || f == familyAmend) && order.EffectivePrice().IsPositive() {
		return broker.OrderTypeLimit
	}
	return broker.OrderTypeMarket
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
