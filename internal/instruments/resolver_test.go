package instruments

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copytrade-core/pkg/broker"
)

func TestResolveOrder(t *testing.T) {
	r := NewResolver([]Entry{{Symbol: "INFY-EQ", Exchange: "NSE", Token: "1594"}}, time.Hour)
	ctx := context.Background()
	searches := 0
	search := func(ctx context.Context, exchange, symbol string) (string, error) {
		searches++
		if symbol == "SBIN-EQ" {
			return "3045", nil
		}
		return "", nil
	}

	tok, err := r.Resolve(ctx, broker.Order{Symbol: "X", SymbolToken: "99"}, search)
	require.NoError(t, err)
	assert.Equal(t, "99", tok, "token on the order wins")

	tok, err = r.Resolve(ctx, broker.Order{Symbol: "infy-eq", Exchange: "nse"}, search)
	require.NoError(t, err)
	assert.Equal(t, "1594", tok)
	assert.Equal(t, 0, searches)

	for i := 0; i < 3; i++ {
		tok, err = r.Resolve(ctx, broker.Order{Symbol: "SBIN-EQ", Exchange: "NSE"}, search)
		require.NoError(t, err)
		assert.Equal(t, "3045", tok)
	}
	assert.Equal(t, 1, searches, "broker answers are cached")

	_, err = r.Resolve(ctx, broker.Order{Symbol: "NOPE", Exchange: "NSE"}, search)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.Resolve(ctx, broker.Order{Symbol: "NOPE", Exchange: "NSE"}, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveSearchError(t *testing.T) {
	r := NewResolver(nil, time.Hour)
	boom := errors.New("timeout")
	_, err := r.Resolve(context.Background(), broker.Order{Symbol: "A", Exchange: "NSE"},
		func(context.Context, string, string) (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)
}

func TestLoadMaster(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instruments.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
instruments:
  - symbol: SBIN-EQ
    exchange: NSE
    token: "3045"
`), 0o600))
	entries, err := LoadMaster(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "3045", entries[0].Token)

	entries, err = LoadMaster("")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
