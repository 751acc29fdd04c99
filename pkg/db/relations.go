package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Role selects which side of a relation an account is matched on.
type Role string

const (
	RoleParent Role = "parent"
	RoleChild  Role = "child"
	RoleAny    Role = ""
)

const pendingChildPrefix = "pending:"

// RelationQueries reads and writes the order_relations table. Rows are never
// deleted once placed; only PENDING claims can be released.
type RelationQueries struct {
	db *sql.DB
}

func NewRelationQueries(db *sql.DB) *RelationQueries {
	return &RelationQueries{db: db}
}

const relationColumns = `
	id, parent_order_id, child_order_id, parent_account_id, child_account_id, symbol,
	quantity, price, transaction_type, status, copy_ratio, created_at, last_updated`

func scanRelation(row rowScanner) (*OrderRelation, error) {
	var (
		r             OrderRelation
		price         string
		created, last int64
	)
	if err := row.Scan(&r.ID, &r.ParentOrderID, &r.ChildOrderID, &r.ParentAccountID, &r.ChildAccountID, &r.Symbol,
		&r.Quantity, &price, &r.TransactionType, &r.Status, &r.CopyRatio, &created, &last); err != nil {
		return nil, err
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("relation %s price %q: %w", r.ID, price, err)
	}
	r.Price = p
	r.CreatedAt = fromMillis(created)
	r.LastUpdated = fromMillis(last)
	return &r, nil
}

func (q *RelationQueries) queryRelations(ctx context.Context, query string, args ...any) ([]OrderRelation, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query relations: %w", err)
	}
	defer rows.Close()

	var out []OrderRelation
	for rows.Next() {
		r, err := scanRelation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan relation: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Reserve claims the (parent order, child account) pair by inserting a
// PENDING row. It reports false when another writer already holds the pair;
// the unique index is what arbitrates concurrent callers.
func (q *RelationQueries) Reserve(ctx context.Context, r *OrderRelation) (bool, error) {
	if r.ParentOrderID == "" || r.ChildAccountID == "" {
		return false, errors.New("parent order id and child account id are required")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now()
	r.ChildOrderID = pendingChildPrefix + r.ID
	r.Status = RelationPending
	r.CreatedAt = now
	r.LastUpdated = now

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO order_relations (`+relationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, r.ID, r.ParentOrderID, r.ChildOrderID, r.ParentAccountID, r.ChildAccountID, r.Symbol,
		r.Quantity, r.Price.String(), r.TransactionType, r.Status, r.CopyRatio, toMillis(now), toMillis(now))
	if err != nil {
		return false, fmt.Errorf("reserve relation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Confirm turns a PENDING claim into a PLACED relation for childOrderID.
func (q *RelationQueries) Confirm(ctx context.Context, id, childOrderID string) error {
	if childOrderID == "" {
		return errors.New("child order id is required")
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE order_relations SET child_order_id = ?, status = ?, last_updated = ?
		WHERE id = ? AND status = ?`,
		childOrderID, RelationPlaced, toMillis(time.Now()), id, RelationPending)
	if err != nil {
		return fmt.Errorf("confirm relation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Release drops a PENDING claim after a failed placement so a later event
// can retry. Placed relations are never removed.
func (q *RelationQueries) Release(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM order_relations WHERE id = ? AND status = ?`, id, RelationPending)
	if err != nil {
		return fmt.Errorf("release relation %s: %w", id, err)
	}
	return nil
}

// Get returns the relation for a (parent order, child account) pair, including PENDING claims.
func (q *RelationQueries) Get(ctx context.Context, parentOrderID, childAccountID string) (*OrderRelation, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+relationColumns+` FROM order_relations
		WHERE parent_order_id = ? AND child_account_id = ?`, parentOrderID, childAccountID)
	r, err := scanRelation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get relation: %w", err)
	}
	return r, nil
}

// ListByParentOrder returns all relations fanned out from one parent order.
func (q *RelationQueries) ListByParentOrder(ctx context.Context, parentOrderID string) ([]OrderRelation, error) {
	return q.queryRelations(ctx, `SELECT `+relationColumns+` FROM order_relations
		WHERE parent_order_id = ? ORDER BY created_at`, parentOrderID)
}

// CountByParentOrder counts relations for parentOrderID, PENDING claims included.
func (q *RelationQueries) CountByParentOrder(ctx context.Context, parentOrderID string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM order_relations WHERE parent_order_id = ?`,
		parentOrderID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count relations: %w", err)
	}
	return n, nil
}

// Transition describes a guarded status change. The update only applies
// while the row is in one of From. Quantity and Price are written when set.
type Transition struct {
	ID       string
	From     []RelationStatus
	To       RelationStatus
	Quantity int
	Price    *decimal.Decimal
}

// ApplyTransition performs t atomically and reports whether the row moved.
func (q *RelationQueries) ApplyTransition(ctx context.Context, t Transition) (bool, error) {
	if len(t.From) == 0 {
		return false, errors.New("transition needs at least one source status")
	}
	sets := []string{"status = ?", "last_updated = ?"}
	args := []any{t.To, toMillis(time.Now())}
	if t.Quantity > 0 {
		sets = append(sets, "quantity = ?")
		args = append(args, t.Quantity)
	}
	if t.Price != nil {
		sets = append(sets, "price = ?")
		args = append(args, t.Price.String())
	}
	args = append(args, t.ID)
	placeholders := make([]string, len(t.From))
	for i, s := range t.From {
		placeholders[i] = "?"
		args = append(args, s)
	}

	res, err := q.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE order_relations SET %s WHERE id = ? AND status IN (%s)`,
		strings.Join(sets, ", "), strings.Join(placeholders, ", ")), args...)
	if err != nil {
		return false, fmt.Errorf("transition relation %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// History returns placed relations involving accountID, newest first.
func (q *RelationQueries) History(ctx context.Context, accountID string, role Role, limit int) ([]OrderRelation, error) {
	if accountID == "" {
		return nil, ErrAccountIDRequired
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var where string
	args := []any{}
	switch role {
	case RoleParent:
		where = "parent_account_id = ?"
		args = append(args, accountID)
	case RoleChild:
		where = "child_account_id = ?"
		args = append(args, accountID)
	default:
		where = "(parent_account_id = ? OR child_account_id = ?)"
		args = append(args, accountID, accountID)
	}
	args = append(args, RelationPending, limit)
	return q.queryRelations(ctx, `SELECT `+relationColumns+` FROM order_relations
		WHERE `+where+` AND status != ?
		ORDER BY created_at DESC LIMIT ?`, args...)
}
