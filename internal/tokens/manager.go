// Package tokens keeps brokerage sessions alive: a periodic sweep refreshes
// sessions before they expire, and on-demand refreshes are collapsed so an
// account never has two refreshes in flight.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"copytrade-core/internal/events"
	"copytrade-core/internal/monitor"
	"copytrade-core/pkg/broker"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/logger"
)

var (
	ErrNoRefreshToken = errors.New("account has no refresh token")
	ErrNoCredentials  = errors.New("account has no stored credentials")
)

// AccountStore is the slice of the account store this package uses.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*db.Account, error)
	ListSessionAccounts(ctx context.Context) ([]db.Account, error)
	SaveSession(ctx context.Context, id string, t db.Tokens) error
	UpdateAuthStatus(ctx context.Context, id string, status db.AuthStatus) error
}

// GatewayProvider returns the broker client for an account.
type GatewayProvider interface {
	For(acct *db.Account) (broker.Gateway, error)
}

// Revealer decrypts stored credentials.
type Revealer interface {
	Reveal(stored string) (string, error)
}

type Config struct {
	SweepInterval time.Duration
	StaleAfter    time.Duration
	CallTimeout   time.Duration
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Checked   int
	Refreshed int
	Failed    int
}

type Manager struct {
	cfg      Config
	accounts AccountStore
	gateways GatewayProvider
	keys     Revealer
	bus      *events.Bus
	metrics  *monitor.Metrics
	log      *logrus.Entry
	group    singleflight.Group
	now      func() time.Time
}

func NewManager(cfg Config, accounts AccountStore, gateways GatewayProvider, keys Revealer,
	bus *events.Bus, metrics *monitor.Metrics, log *logger.Logger) *Manager {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 20 * time.Hour
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Manager{
		cfg:      cfg,
		accounts: accounts,
		gateways: gateways,
		keys:     keys,
		bus:      bus,
		metrics:  metrics,
		log:      log.WithComponent("tokens"),
		now:      time.Now,
	}
}

// Run sweeps once immediately and then every SweepInterval until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	m.Sweep(ctx)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep refreshes every session that is stale or already expired. One
// account failing never stops the others.
func (m *Manager) Sweep(ctx context.Context) SweepReport {
	var report SweepReport
	accounts, err := m.accounts.ListSessionAccounts(ctx)
	if err != nil {
		m.log.WithError(err).Error("token sweep: list accounts")
		return report
	}
	now := m.now()
	for _, acct := range accounts {
		report.Checked++
		if !m.NeedsRefresh(acct, now) {
			continue
		}
		if _, err := m.Refresh(ctx, acct.ID); err != nil {
			report.Failed++
			continue
		}
		report.Refreshed++
	}
	m.log.WithFields(logrus.Fields{
		"checked": report.Checked, "refreshed": report.Refreshed, "failed": report.Failed,
	}).Info("token sweep finished")
	return report
}

// NeedsRefresh reports whether acct's session should be renewed at now:
// issue time unknown, older than StaleAfter, or the access token's own
// expiry claim has passed.
func (m *Manager) NeedsRefresh(acct db.Account, now time.Time) bool {
	if acct.Tokens.IssuedAt.IsZero() || now.Sub(acct.Tokens.IssuedAt) > m.cfg.StaleAfter {
		return true
	}
	if exp, ok := tokenExpiry(acct.Tokens.AccessToken); ok && !now.Before(exp) {
		return true
	}
	return false
}

// tokenExpiry reads the exp claim of a JWT access token without verifying
// it; the broker signs these and we only need the timestamp.
func tokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Refresh renews accountID's session. Concurrent calls for the same account
// share one broker round trip. On failure the account is demoted to
// REQUIRES_AUTH.
func (m *Manager) Refresh(ctx context.Context, accountID string) (db.Tokens, error) {
	v, err, _ := m.group.Do("refresh:"+accountID, func() (any, error) {
		return m.refresh(ctx, accountID)
	})
	if err != nil {
		return db.Tokens{}, err
	}
	return v.(db.Tokens), nil
}

func (m *Manager) refresh(ctx context.Context, accountID string) (db.Tokens, error) {
	log := m.log.WithField("account_id", accountID)
	acct, err := m.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return db.Tokens{}, fmt.Errorf("load account: %w", err)
	}
	if acct.Tokens.RefreshToken == "" {
		m.demote(ctx, acct.ID, ErrNoRefreshToken.Error())
		return db.Tokens{}, ErrNoRefreshToken
	}
	gw, err := m.gateways.For(acct)
	if err != nil {
		return db.Tokens{}, fmt.Errorf("gateway: %w", err)
	}

	// Detached so one caller's cancellation does not fail the others
	// waiting on the same flight.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CallTimeout)
	defer cancel()
	session, err := gw.RefreshSession(callCtx, broker.Session{
		AccessToken:  acct.Tokens.AccessToken,
		RefreshToken: acct.Tokens.RefreshToken,
		FeedToken:    acct.Tokens.FeedToken,
	})
	if err != nil {
		m.metrics.TokenRefreshes.WithLabelValues("error").Inc()
		log.WithError(err).Warn("token refresh failed")
		m.demote(ctx, acct.ID, err.Error())
		return db.Tokens{}, fmt.Errorf("refresh session: %w", err)
	}

	tokens := db.Tokens{
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
		FeedToken:    session.FeedToken,
		IssuedAt:     m.now(),
	}
	if err := m.accounts.SaveSession(ctx, acct.ID, tokens); err != nil {
		return db.Tokens{}, fmt.Errorf("save session: %w", err)
	}
	m.metrics.TokenRefreshes.WithLabelValues("ok").Inc()
	log.Info("token refreshed")
	return tokens, nil
}

// EnsureSession returns acct's current tokens, logging in with the stored
// credentials when the account has no access token yet.
func (m *Manager) EnsureSession(ctx context.Context, acct *db.Account) (db.Tokens, error) {
	if acct.Tokens.AccessToken != "" {
		return acct.Tokens, nil
	}
	v, err, _ := m.group.Do("login:"+acct.ID, func() (any, error) {
		return m.login(ctx, acct, "")
	})
	if err != nil {
		return db.Tokens{}, err
	}
	return v.(db.Tokens), nil
}

// Reauthenticate logs accountID in again with its stored password and a
// one-time code supplied by the operator, clearing REQUIRES_AUTH.
func (m *Manager) Reauthenticate(ctx context.Context, accountID, totp string) (db.Tokens, error) {
	acct, err := m.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return db.Tokens{}, fmt.Errorf("load account: %w", err)
	}
	v, err, _ := m.group.Do("login:"+acct.ID, func() (any, error) {
		return m.login(ctx, acct, totp)
	})
	if err != nil {
		return db.Tokens{}, err
	}
	return v.(db.Tokens), nil
}

func (m *Manager) login(ctx context.Context, acct *db.Account, totpOverride string) (db.Tokens, error) {
	if acct.Credentials.Password == "" {
		return db.Tokens{}, ErrNoCredentials
	}
	password, err := m.keys.Reveal(acct.Credentials.Password)
	if err != nil {
		return db.Tokens{}, fmt.Errorf("decrypt password: %w", err)
	}
	totp := totpOverride
	if totp == "" {
		if totp, err = m.keys.Reveal(acct.Credentials.TOTP); err != nil {
			return db.Tokens{}, fmt.Errorf("decrypt totp: %w", err)
		}
	}
	gw, err := m.gateways.For(acct)
	if err != nil {
		return db.Tokens{}, fmt.Errorf("gateway: %w", err)
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CallTimeout)
	defer cancel()
	session, err := gw.CreateSession(callCtx, broker.Credentials{
		ClientCode: acct.ClientCode,
		Password:   password,
		TOTP:       totp,
	})
	if err != nil {
		m.log.WithField("account_id", acct.ID).WithError(err).Warn("login failed")
		return db.Tokens{}, fmt.Errorf("create session: %w", err)
	}
	tokens := db.Tokens{
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
		FeedToken:    session.FeedToken,
		IssuedAt:     m.now(),
	}
	if err := m.accounts.SaveSession(ctx, acct.ID, tokens); err != nil {
		return db.Tokens{}, fmt.Errorf("save session: %w", err)
	}
	m.log.WithField("account_id", acct.ID).Info("session created")
	return tokens, nil
}

func (m *Manager) demote(ctx context.Context, accountID, reason string) {
	if err := m.accounts.UpdateAuthStatus(ctx, accountID, db.AuthRequiresAuth); err != nil {
		m.log.WithField("account_id", accountID).WithError(err).Error("mark account REQUIRES_AUTH")
		return
	}
	m.log.WithField("account_id", accountID).Error("account requires re-authentication")
	if m.bus != nil {
		m.bus.Publish(events.EventAuthRequired, events.AuthRequired{AccountID: accountID, Reason: reason})
	}
}
