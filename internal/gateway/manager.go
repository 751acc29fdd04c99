// Package gateway pools one broker client per account with LRU eviction,
// idle cleanup and a failure circuit breaker.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"copytrade-core/pkg/broker"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/logger"
)

var (
	ErrGatewayUnhealthy = errors.New("gateway is unhealthy")
	ErrPoolFull         = errors.New("gateway pool is full")
)

// Factory builds a client for an account from its plaintext API key.
type Factory func(acct db.Account, apiKey string) (broker.Gateway, error)

// Revealer turns a stored credential into plaintext.
type Revealer interface {
	Reveal(stored string) (string, error)
}

type cachedGateway struct {
	gateway   broker.Gateway
	accountID string
	sealedKey string // stored ciphertext the client was built from
	createdAt time.Time
	lastUsed  time.Time
	openedAt  time.Time // when failures last reached the threshold
	failures  int
}

type Config struct {
	MaxSize          int           // Maximum number of cached clients (LRU eviction)
	IdleTimeout      time.Duration // Time before an idle client is dropped
	FailureThreshold int           // Consecutive failures before the circuit opens
	CircuitTimeout   time.Duration // Time the circuit stays open
}

func DefaultConfig() Config {
	return Config{
		MaxSize:          500,
		IdleTimeout:      30 * time.Minute,
		FailureThreshold: 5,
		CircuitTimeout:   time.Minute,
	}
}

// Manager hands out broker clients keyed by account id.
type Manager struct {
	mu       sync.Mutex
	gateways map[string]*cachedGateway
	lruOrder []string // oldest first

	config   Config
	keys     Revealer
	factory  Factory
	log      *logrus.Entry
	now      func() time.Time
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewManager(factory Factory, keys Revealer, cfg Config, log *logger.Logger) *Manager {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.CircuitTimeout <= 0 {
		cfg.CircuitTimeout = def.CircuitTimeout
	}
	return &Manager{
		gateways: make(map[string]*cachedGateway),
		config:   cfg,
		keys:     keys,
		factory:  factory,
		log:      log.WithComponent("gateway"),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start runs idle cleanup until ctx ends or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.IdleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				if n := m.cleanupIdle(); n > 0 {
					m.log.WithField("removed", n).Debug("idle gateways dropped")
				}
			}
		}
	}()
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.gateways = make(map[string]*cachedGateway)
	m.lruOrder = nil
}

// For returns the client for acct, building it when missing or when the
// stored API key changed since it was built.
func (m *Manager) For(acct *db.Account) (broker.Gateway, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cached, ok := m.gateways[acct.ID]; ok && cached.sealedKey == acct.Credentials.APIKey {
		if cached.failures >= m.config.FailureThreshold && now.Sub(cached.openedAt) < m.config.CircuitTimeout {
			return nil, fmt.Errorf("account %s: %w", acct.ID, ErrGatewayUnhealthy)
		}
		cached.lastUsed = now
		m.touchLRULocked(acct.ID)
		return cached.gateway, nil
	}
	m.removeLocked(acct.ID)

	if len(m.gateways) >= m.config.MaxSize && !m.evictOldestLocked() {
		return nil, ErrPoolFull
	}

	apiKey, err := m.keys.Reveal(acct.Credentials.APIKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt api key for %s: %w", acct.ID, err)
	}
	gw, err := m.factory(*acct, apiKey)
	if err != nil {
		return nil, fmt.Errorf("create gateway for %s: %w", acct.ID, err)
	}

	m.gateways[acct.ID] = &cachedGateway{
		gateway:   gw,
		accountID: acct.ID,
		sealedKey: acct.Credentials.APIKey,
		createdAt: now,
		lastUsed:  now,
	}
	m.lruOrder = append(m.lruOrder, acct.ID)
	return gw, nil
}

// Observe feeds a call outcome into the circuit breaker. Auth failures are
// a session problem, not a gateway one, and do not count.
func (m *Manager) Observe(accountID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cached, ok := m.gateways[accountID]
	if !ok {
		return
	}
	switch {
	case err == nil:
		cached.failures = 0
	case broker.IsAuthError(err), errors.Is(err, context.Canceled):
	default:
		cached.failures++
		if cached.failures >= m.config.FailureThreshold {
			cached.openedAt = m.now()
		}
		if cached.failures == m.config.FailureThreshold {
			m.log.WithField("account_id", accountID).WithError(err).Warn("gateway circuit opened")
		}
	}
}

// Remove drops the client for accountID.
func (m *Manager) Remove(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(accountID)
}

type PoolStats struct {
	TotalGateways  int `json:"totalGateways"`
	MaxSize        int `json:"maxSize"`
	UnhealthyCount int `json:"unhealthyCount"`
}

func (m *Manager) Stats() PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := PoolStats{TotalGateways: len(m.gateways), MaxSize: m.config.MaxSize}
	for _, cached := range m.gateways {
		if cached.failures >= m.config.FailureThreshold {
			stats.UnhealthyCount++
		}
	}
	return stats
}

func (m *Manager) touchLRULocked(accountID string) {
	for i, id := range m.lruOrder {
		if id == accountID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			m.lruOrder = append(m.lruOrder, accountID)
			return
		}
	}
}

func (m *Manager) removeLocked(accountID string) {
	if _, ok := m.gateways[accountID]; !ok {
		return
	}
	delete(m.gateways, accountID)
	for i, id := range m.lruOrder {
		if id == accountID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			break
		}
	}
}

func (m *Manager) evictOldestLocked() bool {
	if len(m.lruOrder) == 0 {
		return false
	}
	oldest := m.lruOrder[0]
	delete(m.gateways, oldest)
	m.lruOrder = m.lruOrder[1:]
	return true
}

func (m *Manager) cleanupIdle() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var idle []string
	for id, cached := range m.gateways {
		if now.Sub(cached.lastUsed) > m.config.IdleTimeout {
			idle = append(idle, id)
		}
	}
	for _, id := range idle {
		m.removeLocked(id)
	}
	return len(idle)
}
