package gateway

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copytrade-core/pkg/broker"
	"copytrade-core/pkg/broker/brokertest"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/logger"
)

type plainKeys struct{}

func (plainKeys) Reveal(s string) (string, error) { return s, nil }

func newTestManager(cfg Config) (*Manager, *int) {
	built := 0
	factory := func(acct db.Account, apiKey string) (broker.Gateway, error) {
		built++
		return brokertest.New(), nil
	}
	return NewManager(factory, plainKeys{}, cfg, logger.Nop()), &built
}

func TestForCachesPerAccount(t *testing.T) {
	m, built := newTestManager(Config{MaxSize: 4})
	a := &db.Account{ID: "a", Credentials: db.Credentials{APIKey: "k1"}}

	g1, err := m.For(a)
	require.NoError(t, err)
	g2, err := m.For(a)
	require.NoError(t, err)
	assert.Same(t, g1, g2)
	assert.Equal(t, 1, *built)

	a.Credentials.APIKey = "k2"
	g3, err := m.For(a)
	require.NoError(t, err)
	assert.NotSame(t, g1, g3, "key change rebuilds the client")
	assert.Equal(t, 1, m.Stats().TotalGateways)
}

func TestLRUEviction(t *testing.T) {
	m, _ := newTestManager(Config{MaxSize: 2})
	for _, id := range []string{"a", "b"} {
		_, err := m.For(&db.Account{ID: id})
		require.NoError(t, err)
	}
	_, _ = m.For(&db.Account{ID: "a"}) // a becomes most recent
	_, err := m.For(&db.Account{ID: "c"})
	require.NoError(t, err)

	m.mu.Lock()
	_, hasA := m.gateways["a"]
	_, hasB := m.gateways["b"]
	m.mu.Unlock()
	assert.True(t, hasA)
	assert.False(t, hasB)
}

func TestCircuitBreaker(t *testing.T) {
	m, _ := newTestManager(Config{MaxSize: 4, FailureThreshold: 2, CircuitTimeout: time.Minute})
	now := time.Now()
	m.now = func() time.Time { return now }
	acct := &db.Account{ID: "a"}
	_, err := m.For(acct)
	require.NoError(t, err)

	m.Observe("a", brokertest.AuthError("OrderBook"))
	m.Observe("a", brokertest.AuthError("OrderBook"))
	_, err = m.For(acct)
	require.NoError(t, err, "auth failures do not open the circuit")

	m.Observe("a", errors.New("timeout"))
	m.Observe("a", errors.New("timeout"))
	_, err = m.For(acct)
	assert.ErrorIs(t, err, ErrGatewayUnhealthy)
	assert.Equal(t, 1, m.Stats().UnhealthyCount)

	now = now.Add(2 * time.Minute)
	_, err = m.For(acct)
	require.NoError(t, err, "circuit half-opens after the timeout")
	m.Observe("a", nil)
	assert.Equal(t, 0, m.Stats().UnhealthyCount)
}

func TestCleanupIdle(t *testing.T) {
	m, _ := newTestManager(Config{MaxSize: 4, IdleTimeout: time.Minute})
	now := time.Now()
	m.now = func() time.Time { return now }
	_, err := m.For(&db.Account{ID: "a"})
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, m.cleanupIdle())
	assert.Equal(t, 0, m.Stats().TotalGateways)
}
