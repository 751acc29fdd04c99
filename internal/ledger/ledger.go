// Package ledger records which child order was copied from which parent
// order and enforces that relations only move forward:
//
//	PENDING -> PLACED -> MODIFIED* -> CANCELLED | COMPLETE
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"copytrade-core/pkg/db"
)

var ErrIllegalTransition = errors.New("illegal relation transition")

// Store is the persistence the ledger needs; *db.RelationQueries satisfies it.
type Store interface {
	Reserve(ctx context.Context, r *db.OrderRelation) (bool, error)
	Confirm(ctx context.Context, id, childOrderID string) error
	Release(ctx context.Context, id string) error
	Get(ctx context.Context, parentOrderID, childAccountID string) (*db.OrderRelation, error)
	ListByParentOrder(ctx context.Context, parentOrderID string) ([]db.OrderRelation, error)
	CountByParentOrder(ctx context.Context, parentOrderID string) (int, error)
	ApplyTransition(ctx context.Context, t db.Transition) (bool, error)
	History(ctx context.Context, accountID string, role db.Role, limit int) ([]db.OrderRelation, error)
}

var _ Store = (*db.RelationQueries)(nil)

// sources lists, per target status, the statuses it may be reached from.
var sources = map[db.RelationStatus][]db.RelationStatus{
	db.RelationPlaced:    {db.RelationPending},
	db.RelationModified:  {db.RelationPlaced, db.RelationModified},
	db.RelationCancelled: {db.RelationPlaced, db.RelationModified},
	db.RelationComplete:  {db.RelationPlaced, db.RelationModified},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to db.RelationStatus) bool {
	for _, s := range sources[to] {
		if s == from {
			return true
		}
	}
	return false
}

type Ledger struct {
	store Store
}

func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Claim reserves the (parent order, child account) pair. False means
// another writer already owns it and the caller must not place an order.
func (l *Ledger) Claim(ctx context.Context, r *db.OrderRelation) (bool, error) {
	return l.store.Reserve(ctx, r)
}

// Confirm records the child order id for a claimed pair.
func (l *Ledger) Confirm(ctx context.Context, claimID, childOrderID string) error {
	return l.store.Confirm(ctx, claimID, childOrderID)
}

// Release gives up a claim whose placement failed.
func (l *Ledger) Release(ctx context.Context, claimID string) error {
	return l.store.Release(ctx, claimID)
}

// HasAny reports whether any relation or claim exists for parentOrderID.
func (l *Ledger) HasAny(ctx context.Context, parentOrderID string) (bool, error) {
	n, err := l.store.CountByParentOrder(ctx, parentOrderID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get returns the relation for one child, db.ErrNotFound when absent.
func (l *Ledger) Get(ctx context.Context, parentOrderID, childAccountID string) (*db.OrderRelation, error) {
	return l.store.Get(ctx, parentOrderID, childAccountID)
}

// ForParentOrder returns all relations of parentOrderID, claims included.
func (l *Ledger) ForParentOrder(ctx context.Context, parentOrderID string) ([]db.OrderRelation, error) {
	return l.store.ListByParentOrder(ctx, parentOrderID)
}

// Open returns the placed, non-terminal relations of parentOrderID.
func (l *Ledger) Open(ctx context.Context, parentOrderID string) ([]db.OrderRelation, error) {
	all, err := l.store.ListByParentOrder(ctx, parentOrderID)
	if err != nil {
		return nil, err
	}
	open := all[:0]
	for _, r := range all {
		if r.Status == db.RelationPlaced || r.Status == db.RelationModified {
			open = append(open, r)
		}
	}
	return open, nil
}

// Advance moves rel to status to, optionally updating its terms. A zero
// quantity or nil price leaves the stored value. It returns
// ErrIllegalTransition when the move is not allowed from the stored status,
// including when a concurrent writer got there first.
func (l *Ledger) Advance(ctx context.Context, rel db.OrderRelation, to db.RelationStatus, quantity int, price *decimal.Decimal) error {
	if !CanTransition(rel.Status, to) {
		return fmt.Errorf("%w: %s -> %s for relation %s", ErrIllegalTransition, rel.Status, to, rel.ID)
	}
	moved, err := l.store.ApplyTransition(ctx, db.Transition{
		ID:       rel.ID,
		From:     sources[to],
		To:       to,
		Quantity: quantity,
		Price:    price,
	})
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("%w: relation %s left %s concurrently", ErrIllegalTransition, rel.ID, rel.Status)
	}
	return nil
}

// History lists placed relations for an account, newest first.
func (l *Ledger) History(ctx context.Context, accountID string, role db.Role, limit int) ([]db.OrderRelation, error) {
	return l.store.History(ctx, accountID, role, limit)
}
