// Package poller periodically pulls the order book and margin of every
// monitored account, detects changed orders and hands parent account
// changes to the copy engine.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"copytrade-core/internal/events"
	"copytrade-core/internal/monitor"
	"copytrade-core/pkg/broker"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/logger"
)

// ErrNotMonitored is returned by PollOnce for an account without leases.
var ErrNotMonitored = errors.New("account is not monitored")

type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*db.Account, error)
	UpdateBalance(ctx context.Context, id string, b db.Balance) error
}

// GatewayProvider hands out broker clients and takes call outcomes back for
// its circuit breaker.
type GatewayProvider interface {
	For(acct *db.Account) (broker.Gateway, error)
	Observe(accountID string, err error)
}

// Refresher renews an account's session after an auth failure.
type Refresher interface {
	Refresh(ctx context.Context, accountID string) (db.Tokens, error)
}

// ChangeHandler receives every changed order of a PARENT account.
type ChangeHandler interface {
	HandleOrderChange(ctx context.Context, parent db.Account, order broker.Order)
}

type Config struct {
	Interval    time.Duration
	CallTimeout time.Duration
}

// Report describes one poll cycle of one account.
type Report struct {
	AccountID string
	Skipped   bool // no usable session, overlapping cycle or lease released mid-cycle
	Orders    int
	Changes   []broker.Order
}

type Poller struct {
	cfg       Config
	registry  *Registry
	detector  ChangeDetector
	accounts  AccountStore
	gateways  GatewayProvider
	refresher Refresher
	handler   ChangeHandler
	bus       *events.Bus
	metrics   *monitor.Metrics
	log       *logrus.Entry
	wg        sync.WaitGroup
}

type Deps struct {
	Registry  *Registry
	Detector  ChangeDetector
	Accounts  AccountStore
	Gateways  GatewayProvider
	Refresher Refresher
	Handler   ChangeHandler
	Bus       *events.Bus
	Metrics   *monitor.Metrics
}

func New(cfg Config, deps Deps, log *logger.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	if deps.Detector == nil {
		deps.Detector = NewSnapshotDiffer()
	}
	if deps.Metrics == nil {
		deps.Metrics = monitor.NewMetrics()
	}
	return &Poller{
		cfg:       cfg,
		registry:  deps.Registry,
		detector:  deps.Detector,
		accounts:  deps.Accounts,
		gateways:  deps.Gateways,
		refresher: deps.Refresher,
		handler:   deps.Handler,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		log:       log.WithComponent("poller"),
	}
}

// Registry exposes the monitored account set.
func (p *Poller) Registry() *Registry { return p.registry }

// Watch leases accountID for polling. viewer leases also fetch positions.
// The returned func releases the lease; releasing the last lease forgets
// the account's baseline so a later Watch starts with a fresh bootstrap.
func (p *Poller) Watch(accountID string, viewer bool) (release func()) {
	if p.registry.Acquire(accountID, viewer) {
		p.log.WithField("account_id", accountID).Info("account monitoring started")
	}
	p.metrics.MonitoredAccounts.Set(float64(p.registry.Len()))

	var once sync.Once
	return func() {
		once.Do(func() {
			forget := func() { p.detector.Forget(accountID) }
			if p.registry.release(accountID, viewer, forget) {
				p.log.WithField("account_id", accountID).Info("account monitoring stopped")
			}
			p.metrics.MonitoredAccounts.Set(float64(p.registry.Len()))
		})
	}
}

// Run polls every monitored account on each tick until ctx ends, then waits
// for cycles still in flight.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	p.log.WithField("interval", p.cfg.Interval).Info("poller started")
	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	for _, target := range p.registry.Targets() {
		lease := p.registry.begin(target.AccountID)
		if lease == nil {
			p.metrics.PollCycles.WithLabelValues("overlap").Inc()
			continue
		}
		p.wg.Add(1)
		go func(t Target) {
			defer p.wg.Done()
			defer p.registry.end(lease)
			defer func() {
				if r := recover(); r != nil {
					p.log.WithField("account_id", t.AccountID).Errorf("poll cycle panic: %v", r)
				}
			}()
			_, _ = p.poll(ctx, t, lease)
		}(target)
	}
}

// PollOnce runs a single cycle for accountID outside the ticker. It refuses
// to overlap a cycle already running for the same account.
func (p *Poller) PollOnce(ctx context.Context, accountID string) (*Report, error) {
	if !p.registry.Has(accountID) {
		return nil, ErrNotMonitored
	}
	lease := p.registry.begin(accountID)
	if lease == nil {
		return &Report{AccountID: accountID, Skipped: true}, nil
	}
	defer p.registry.end(lease)
	for _, t := range p.registry.Targets() {
		if t.AccountID == accountID {
			return p.poll(ctx, t, lease)
		}
	}
	return p.poll(ctx, Target{AccountID: accountID}, lease)
}

type snapshot struct {
	orders    []broker.Order
	positions []broker.Position
	margin    broker.Margin
}

// poll runs one cycle for t. lease is the registry entry the cycle started
// on; if the account was released meanwhile the snapshot is dropped so no
// baseline outlives the lease.
func (p *Poller) poll(ctx context.Context, t Target, lease *entry) (*Report, error) {
	start := time.Now()
	defer func() { p.metrics.PollDuration.Observe(time.Since(start).Seconds()) }()
	log := p.log.WithField("account_id", t.AccountID)
	report := &Report{AccountID: t.AccountID}

	acct, err := p.accounts.GetAccount(ctx, t.AccountID)
	if err != nil {
		p.metrics.PollCycles.WithLabelValues("error").Inc()
		log.WithError(err).Warn("poll: load account")
		return nil, err
	}
	if acct.Tokens.AccessToken == "" || acct.AuthStatus != db.AuthActive {
		p.metrics.PollCycles.WithLabelValues("skipped").Inc()
		report.Skipped = true
		return report, nil
	}

	gw, err := p.gateways.For(acct)
	if err != nil {
		p.metrics.PollCycles.WithLabelValues("error").Inc()
		log.WithError(err).Warn("poll: gateway unavailable")
		return nil, err
	}

	snap, err := p.fetch(ctx, gw, acct.Tokens.AccessToken, t.Positions)
	if err != nil && broker.IsAuthError(err) && p.refresher != nil {
		p.metrics.PollCycles.WithLabelValues("auth").Inc()
		log.WithError(err).Warn("poll: session rejected, refreshing")
		tokens, rerr := p.refresher.Refresh(ctx, acct.ID)
		if rerr != nil {
			return nil, fmt.Errorf("refresh after auth failure: %w", rerr)
		}
		snap, err = p.fetch(ctx, gw, tokens.AccessToken, t.Positions)
	}
	p.gateways.Observe(acct.ID, err)
	if err != nil {
		p.metrics.PollCycles.WithLabelValues("error").Inc()
		log.WithError(err).Warn("poll: fetch failed, skipping cycle")
		return nil, err
	}

	balance := db.Balance{
		Net:       snap.margin.Net.InexactFloat64(),
		Used:      snap.margin.Used.InexactFloat64(),
		Available: snap.margin.Available.InexactFloat64(),
	}
	if err := p.accounts.UpdateBalance(ctx, acct.ID, balance); err != nil {
		log.WithError(err).Warn("poll: persist balance")
	}

	report.Orders = len(snap.orders)
	detected := p.registry.holding(acct.ID, lease, func() {
		report.Changes = p.detector.Detect(acct.ID, snap.orders)
	})
	if !detected {
		p.metrics.PollCycles.WithLabelValues("released").Inc()
		log.Debug("poll: account released during cycle, snapshot dropped")
		report.Skipped = true
		return report, nil
	}
	p.metrics.PollCycles.WithLabelValues("ok").Inc()
	p.metrics.OrderChanges.Add(float64(len(report.Changes)))

	p.publish(events.EventAccountSnapshot, events.AccountSnapshot{
		AccountID: acct.ID,
		Orders:    snap.orders,
		Positions: snap.positions,
		Balance:   balance,
	})
	for _, o := range report.Changes {
		p.publish(events.EventOrderUpdate, events.OrderUpdate{AccountID: acct.ID, Order: o})
	}

	if acct.IsParent() && p.handler != nil {
		for _, o := range report.Changes {
			if !p.registry.holding(acct.ID, lease, nil) {
				log.Debug("poll: account released, remaining changes dropped")
				break
			}
			log.WithFields(logrus.Fields{"order_id": o.OrderID, "status": o.Status}).Debug("parent order changed")
			p.handler.HandleOrderChange(ctx, *acct, o)
		}
	}
	return report, nil
}

// fetch pulls the order book and margin (and positions when asked)
// concurrently, each call bounded by the call timeout.
func (p *Poller) fetch(ctx context.Context, gw broker.Gateway, token string, positions bool) (snapshot, error) {
	var snap snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		callCtx, cancel := context.WithTimeout(gctx, p.cfg.CallTimeout)
		defer cancel()
		orders, err := gw.OrderBook(callCtx, token)
		if err != nil {
			return err
		}
		snap.orders = orders
		return nil
	})
	g.Go(func() error {
		callCtx, cancel := context.WithTimeout(gctx, p.cfg.CallTimeout)
		defer cancel()
		margin, err := gw.Margin(callCtx, token)
		if err != nil {
			return err
		}
		snap.margin = margin
		return nil
	})
	if positions {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, p.cfg.CallTimeout)
			defer cancel()
			rows, err := gw.Positions(callCtx, token)
			if err != nil {
				return err
			}
			snap.positions = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return snapshot{}, err
	}
	return snap, nil
}

func (p *Poller) publish(e events.Event, payload any) {
	if p.bus != nil {
		p.bus.Publish(e, payload)
	}
}
