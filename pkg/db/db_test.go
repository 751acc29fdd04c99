package db

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, ApplyMigrations(database))
	return database
}

func seedPair(t *testing.T, q *AccountQueries) (parent, child *Account) {
	t.Helper()
	ctx := context.Background()
	parent = &Account{ClientCode: "P001", Name: "parent", AccountType: AccountParent}
	require.NoError(t, q.UpsertAccount(ctx, parent))
	child = &Account{ClientCode: "C001", Name: "child", AccountType: AccountChild, CopyTradingEnabled: true,
		ParentAccountID: parent.ID, Settings: Settings{CopyRatio: 0.5, MaxPositionSize: 20, AllowedInstruments: []string{" sbin-eq "}}}
	require.NoError(t, q.UpsertAccount(ctx, child))
	return parent, child
}

func TestApplyMigrationsIdempotent(t *testing.T) {
	database := newTestDB(t)
	require.NoError(t, ApplyMigrations(database))
}

func TestAccountQueries(t *testing.T) {
	database := newTestDB(t)
	q := database.Accounts()
	ctx := context.Background()
	parent, child := seedPair(t, q)

	t.Run("get round trips settings", func(t *testing.T) {
		got, err := q.GetAccount(ctx, child.ID)
		require.NoError(t, err)
		assert.Equal(t, AccountChild, got.AccountType)
		assert.Equal(t, parent.ID, got.ParentAccountID)
		assert.Equal(t, 0.5, got.Settings.CopyRatio)
		assert.Equal(t, []string{"SBIN-EQ"}, got.Settings.AllowedInstruments)
		assert.True(t, got.CopyEligible(parent.ID))
	})

	t.Run("missing account", func(t *testing.T) {
		_, err := q.GetAccount(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = q.GetAccount(ctx, "")
		assert.ErrorIs(t, err, ErrAccountIDRequired)
	})

	t.Run("defaults applied to empty settings", func(t *testing.T) {
		got, err := q.GetAccount(ctx, parent.ID)
		require.NoError(t, err)
		assert.Equal(t, DefaultSettings().CopyRatio, got.Settings.CopyRatio)
		assert.Equal(t, DefaultMaxPositionSize, got.Settings.MaxPositionSize)
	})

	t.Run("list children", func(t *testing.T) {
		kids, err := q.ListChildren(ctx, parent.ID)
		require.NoError(t, err)
		require.Len(t, kids, 1)
		assert.Equal(t, "C001", kids[0].ClientCode)
	})

	t.Run("save session marks active", func(t *testing.T) {
		require.NoError(t, q.UpdateAuthStatus(ctx, child.ID, AuthRequiresAuth))
		issued := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
		require.NoError(t, q.SaveSession(ctx, child.ID, Tokens{AccessToken: "a", RefreshToken: "r", FeedToken: "f", IssuedAt: issued}))

		got, err := q.GetAccount(ctx, child.ID)
		require.NoError(t, err)
		assert.Equal(t, AuthActive, got.AuthStatus)
		assert.Equal(t, "r", got.Tokens.RefreshToken)
		assert.True(t, issued.Equal(got.Tokens.IssuedAt))

		sessions, err := q.ListSessionAccounts(ctx)
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		assert.Equal(t, child.ID, sessions[0].ID)
	})

	t.Run("balance and copy flag", func(t *testing.T) {
		require.NoError(t, q.UpdateBalance(ctx, child.ID, Balance{Net: 10000, Used: 250, Available: 9750}))
		require.NoError(t, q.SetCopyTrading(ctx, child.ID, false))
		got, err := q.GetAccount(ctx, child.ID)
		require.NoError(t, err)
		assert.Equal(t, 10000.0, got.Balance.Net)
		assert.False(t, got.CopyTradingEnabled)
		assert.False(t, got.LastSync.IsZero())
	})

	t.Run("update unknown account", func(t *testing.T) {
		assert.ErrorIs(t, q.SetCopyTrading(ctx, "ghost", true), ErrNotFound)
	})

	t.Run("settings validation", func(t *testing.T) {
		err := q.UpdateSettings(ctx, child.ID, Settings{CopyRatio: 11, MaxPositionSize: 10})
		assert.ErrorIs(t, err, ErrInvalidSettings)
		err = q.UpdateSettings(ctx, child.ID, Settings{CopyRatio: 1, MaxPositionSize: 150})
		assert.ErrorIs(t, err, ErrInvalidSettings)
		require.NoError(t, q.UpdateSettings(ctx, child.ID, Settings{CopyRatio: 2, MaxPositionSize: 5}))
	})
}

func TestLinkChild(t *testing.T) {
	database := newTestDB(t)
	q := database.Accounts()
	ctx := context.Background()
	parent, child := seedPair(t, q)

	other := &Account{ClientCode: "P002", AccountType: AccountParent}
	require.NoError(t, q.UpsertAccount(ctx, other))

	require.NoError(t, q.LinkChild(ctx, child.ID, other.ID))
	got, err := q.GetAccount(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, other.ID, got.ParentAccountID)

	assert.ErrorIs(t, q.LinkChild(ctx, parent.ID, other.ID), ErrInvalidLink)
	assert.ErrorIs(t, q.LinkChild(ctx, child.ID, child.ID), ErrInvalidLink)
	assert.ErrorIs(t, q.LinkChild(ctx, child.ID, "ghost"), ErrNotFound)

	bad := &Account{ClientCode: "P003", AccountType: AccountParent, ParentAccountID: other.ID}
	assert.ErrorIs(t, q.UpsertAccount(ctx, bad), ErrInvalidLink)
}

func TestRelationReserve(t *testing.T) {
	database := newTestDB(t)
	rq := database.Relations()
	ctx := context.Background()

	t.Run("second claim for the same child loses", func(t *testing.T) {
		first := &OrderRelation{ParentOrderID: "PO1", ParentAccountID: "p", ChildAccountID: "c1", Symbol: "SBIN-EQ", Quantity: 3}
		ok, err := rq.Reserve(ctx, first)
		require.NoError(t, err)
		assert.True(t, ok)

		dup := &OrderRelation{ParentOrderID: "PO1", ParentAccountID: "p", ChildAccountID: "c1", Symbol: "SBIN-EQ", Quantity: 3}
		ok, err = rq.Reserve(ctx, dup)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("concurrent claims produce one row", func(t *testing.T) {
		var wg sync.WaitGroup
		wins := make(chan bool, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := rq.Reserve(ctx, &OrderRelation{ParentOrderID: "PO2", ParentAccountID: "p", ChildAccountID: "c1", Symbol: "X", Quantity: 1})
				assert.NoError(t, err)
				wins <- ok
			}()
		}
		wg.Wait()
		close(wins)
		won := 0
		for ok := range wins {
			if ok {
				won++
			}
		}
		assert.Equal(t, 1, won)
		n, err := rq.CountByParentOrder(ctx, "PO2")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("confirm then release is a no-op", func(t *testing.T) {
		r := &OrderRelation{ParentOrderID: "PO3", ParentAccountID: "p", ChildAccountID: "c1", Symbol: "X", Quantity: 1,
			Price: decimal.RequireFromString("101.5")}
		ok, err := rq.Reserve(ctx, r)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, rq.Confirm(ctx, r.ID, "CO3"))
		require.NoError(t, rq.Release(ctx, r.ID))

		got, err := rq.Get(ctx, "PO3", "c1")
		require.NoError(t, err)
		assert.Equal(t, RelationPlaced, got.Status)
		assert.Equal(t, "CO3", got.ChildOrderID)
		assert.True(t, decimal.RequireFromString("101.50").Equal(got.Price))
	})

	t.Run("released claim can be retried", func(t *testing.T) {
		r := &OrderRelation{ParentOrderID: "PO4", ParentAccountID: "p", ChildAccountID: "c1", Symbol: "X", Quantity: 1}
		ok, err := rq.Reserve(ctx, r)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, rq.Release(ctx, r.ID))

		_, err = rq.Get(ctx, "PO4", "c1")
		assert.ErrorIs(t, err, ErrNotFound)
		ok, err = rq.Reserve(ctx, &OrderRelation{ParentOrderID: "PO4", ParentAccountID: "p", ChildAccountID: "c1", Symbol: "X", Quantity: 1})
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestRelationTransitions(t *testing.T) {
	database := newTestDB(t)
	rq := database.Relations()
	ctx := context.Background()

	r := &OrderRelation{ParentOrderID: "PO1", ParentAccountID: "p", ChildAccountID: "c1", Symbol: "X", Quantity: 2}
	_, err := rq.Reserve(ctx, r)
	require.NoError(t, err)
	require.NoError(t, rq.Confirm(ctx, r.ID, "CO1"))

	price := decimal.RequireFromString("99.95")
	moved, err := rq.ApplyTransition(ctx, Transition{ID: r.ID, From: []RelationStatus{RelationPlaced, RelationModified},
		To: RelationModified, Quantity: 4, Price: &price})
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = rq.ApplyTransition(ctx, Transition{ID: r.ID, From: []RelationStatus{RelationPlaced, RelationModified}, To: RelationCancelled})
	require.NoError(t, err)
	assert.True(t, moved)

	// Terminal rows no longer match any source status.
	moved, err = rq.ApplyTransition(ctx, Transition{ID: r.ID, From: []RelationStatus{RelationPlaced, RelationModified}, To: RelationComplete})
	require.NoError(t, err)
	assert.False(t, moved)

	got, err := rq.Get(ctx, "PO1", "c1")
	require.NoError(t, err)
	assert.Equal(t, RelationCancelled, got.Status)
	assert.Equal(t, 4, got.Quantity)
	assert.True(t, price.Equal(got.Price))
}

func TestRelationHistory(t *testing.T) {
	database := newTestDB(t)
	rq := database.Relations()
	ctx := context.Background()

	for i, po := range []string{"A", "B", "C"} {
		r := &OrderRelation{ParentOrderID: po, ParentAccountID: "parent", ChildAccountID: "child", Symbol: "X", Quantity: i + 1}
		_, err := rq.Reserve(ctx, r)
		require.NoError(t, err)
		if po != "C" {
			require.NoError(t, rq.Confirm(ctx, r.ID, "child-"+po))
		}
		time.Sleep(2 * time.Millisecond)
	}

	got, err := rq.History(ctx, "parent", RoleParent, 0)
	require.NoError(t, err)
	require.Len(t, got, 2, "pending claims are not history")
	assert.Equal(t, "B", got[0].ParentOrderID)

	got, err = rq.History(ctx, "child", RoleChild, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = rq.History(ctx, "parent", RoleChild, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

type prefixEncrypter struct{}

func (prefixEncrypter) Encrypt(s string) (string, error) { return "ENC[v1]:" + s, nil }

func TestImportAccounts(t *testing.T) {
	database := newTestDB(t)
	q := database.Accounts()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "accounts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
accounts:
  - client_code: C100
    type: child
    parent_client_code: P100
    copy_trading_enabled: true
    settings:
      copy_ratio: 0.25
      max_position_size: 15
    credentials:
      password: pw
      api_key: key
  - client_code: P100
    type: PARENT
    credentials:
      password: ppw
`), 0o600))

	seeds, err := LoadAccountsFile(path)
	require.NoError(t, err)
	n, err := q.Import(ctx, seeds, prefixEncrypter{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	parent, err := q.GetAccountByClientCode(ctx, "P100")
	require.NoError(t, err)
	child, err := q.GetAccountByClientCode(ctx, "C100")
	require.NoError(t, err)
	assert.Equal(t, parent.ID, child.ParentAccountID)
	assert.Equal(t, "ENC[v1]:key", child.Credentials.APIKey)
	assert.Equal(t, 0.25, child.Settings.CopyRatio)

	// Re-import keeps ids stable.
	_, err = q.Import(ctx, seeds, prefixEncrypter{})
	require.NoError(t, err)
	again, err := q.GetAccountByClientCode(ctx, "C100")
	require.NoError(t, err)
	assert.Equal(t, child.ID, again.ID)
}
