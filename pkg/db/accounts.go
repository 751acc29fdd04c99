package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrAccountIDRequired = errors.New("account id is required")
	ErrInvalidLink       = errors.New("child must be a CHILD account and parent a PARENT account")
	ErrInvalidSettings   = errors.New("invalid copy settings")
)

// AccountQueries reads and writes the accounts table.
type AccountQueries struct {
	db *sql.DB
}

func NewAccountQueries(db *sql.DB) *AccountQueries {
	return &AccountQueries{db: db}
}

const accountColumns = `
	id, client_code, name, account_type, status, auth_status, parent_account_id,
	copy_trading_enabled, copy_ratio, max_position_size, risk_limit, allowed_instruments,
	balance_net, balance_used, balance_available,
	access_token, refresh_token, feed_token, token_issued_at,
	password_enc, totp_enc, api_key_enc, last_sync, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var (
		a                               Account
		copyEnabled                     int
		allowed                         string
		issuedAt, lastSync, created, up int64
	)
	err := row.Scan(
		&a.ID, &a.ClientCode, &a.Name, &a.AccountType, &a.Status, &a.AuthStatus, &a.ParentAccountID,
		&copyEnabled, &a.Settings.CopyRatio, &a.Settings.MaxPositionSize, &a.Settings.RiskLimit, &allowed,
		&a.Balance.Net, &a.Balance.Used, &a.Balance.Available,
		&a.Tokens.AccessToken, &a.Tokens.RefreshToken, &a.Tokens.FeedToken, &issuedAt,
		&a.Credentials.Password, &a.Credentials.TOTP, &a.Credentials.APIKey, &lastSync, &created, &up,
	)
	if err != nil {
		return nil, err
	}
	a.CopyTradingEnabled = copyEnabled == 1
	if allowed != "" {
		if err := json.Unmarshal([]byte(allowed), &a.Settings.AllowedInstruments); err != nil {
			return nil, fmt.Errorf("decode allowed instruments for %s: %w", a.ID, err)
		}
	}
	a.Tokens.IssuedAt = fromMillis(issuedAt)
	a.LastSync = fromMillis(lastSync)
	a.CreatedAt = fromMillis(created)
	a.UpdatedAt = fromMillis(up)
	return &a, nil
}

func (q *AccountQueries) queryAccounts(ctx context.Context, query string, args ...any) ([]Account, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// GetAccount returns the account with id or ErrNotFound.
func (q *AccountQueries) GetAccount(ctx context.Context, id string) (*Account, error) {
	if id == "" {
		return nil, ErrAccountIDRequired
	}
	row := q.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return a, nil
}

// GetAccountByClientCode returns the account registered under a broker client code.
func (q *AccountQueries) GetAccountByClientCode(ctx context.Context, clientCode string) (*Account, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE client_code = ?`, clientCode)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account by client code: %w", err)
	}
	return a, nil
}

func (q *AccountQueries) ListAccounts(ctx context.Context) ([]Account, error) {
	return q.queryAccounts(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at`)
}

// ListChildren returns every CHILD linked to parentID regardless of
// eligibility; callers filter with Account.CopyEligible.
func (q *AccountQueries) ListChildren(ctx context.Context, parentID string) ([]Account, error) {
	if parentID == "" {
		return nil, ErrAccountIDRequired
	}
	return q.queryAccounts(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE parent_account_id = ? AND account_type = ?
		ORDER BY created_at`, parentID, AccountChild)
}

// ListSessionAccounts returns accounts holding a refreshable session that
// are not administratively disabled.
func (q *AccountQueries) ListSessionAccounts(ctx context.Context) ([]Account, error) {
	return q.queryAccounts(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE refresh_token != '' AND auth_status != ?
		ORDER BY token_issued_at`, AuthDisabled)
}

// UpsertAccount inserts a or updates the row with the same client code.
// Tokens, balance and auth status are left untouched on update.
func (q *AccountQueries) UpsertAccount(ctx context.Context, a *Account) error {
	if a.ClientCode == "" {
		return errors.New("client code is required")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.AccountType == AccountParent && a.ParentAccountID != "" {
		return ErrInvalidLink
	}
	if err := validateSettings(&a.Settings); err != nil {
		return err
	}
	if a.Status == "" {
		a.Status = StatusActive
	}
	if a.AuthStatus == "" {
		a.AuthStatus = AuthActive
	}
	allowed, err := json.Marshal(nonNil(a.Settings.AllowedInstruments))
	if err != nil {
		return fmt.Errorf("encode allowed instruments: %w", err)
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO accounts (
			id, client_code, name, account_type, status, auth_status, parent_account_id,
			copy_trading_enabled, copy_ratio, max_position_size, risk_limit, allowed_instruments,
			password_enc, totp_enc, api_key_enc, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_code) DO UPDATE SET
			name = excluded.name,
			account_type = excluded.account_type,
			status = excluded.status,
			parent_account_id = excluded.parent_account_id,
			copy_trading_enabled = excluded.copy_trading_enabled,
			copy_ratio = excluded.copy_ratio,
			max_position_size = excluded.max_position_size,
			risk_limit = excluded.risk_limit,
			allowed_instruments = excluded.allowed_instruments,
			password_enc = CASE WHEN excluded.password_enc != '' THEN excluded.password_enc ELSE accounts.password_enc END,
			totp_enc = CASE WHEN excluded.totp_enc != '' THEN excluded.totp_enc ELSE accounts.totp_enc END,
			api_key_enc = CASE WHEN excluded.api_key_enc != '' THEN excluded.api_key_enc ELSE accounts.api_key_enc END,
			updated_at = excluded.updated_at
	`, a.ID, a.ClientCode, a.Name, a.AccountType, a.Status, a.AuthStatus, a.ParentAccountID,
		boolInt(a.CopyTradingEnabled), a.Settings.CopyRatio, a.Settings.MaxPositionSize, a.Settings.RiskLimit, string(allowed),
		a.Credentials.Password, a.Credentials.TOTP, a.Credentials.APIKey, toMillis(a.CreatedAt), toMillis(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert account %s: %w", a.ClientCode, err)
	}
	return nil
}

// SaveSession stores a fresh session and marks the account authenticated.
func (q *AccountQueries) SaveSession(ctx context.Context, id string, t Tokens) error {
	if t.IssuedAt.IsZero() {
		t.IssuedAt = time.Now()
	}
	return q.exec(ctx, id, `
		UPDATE accounts SET access_token = ?, refresh_token = ?, feed_token = ?, token_issued_at = ?,
			auth_status = ?, updated_at = ?
		WHERE id = ?`,
		t.AccessToken, t.RefreshToken, t.FeedToken, toMillis(t.IssuedAt), AuthActive, toMillis(time.Now()), id)
}

func (q *AccountQueries) UpdateAuthStatus(ctx context.Context, id string, status AuthStatus) error {
	return q.exec(ctx, id, `UPDATE accounts SET auth_status = ?, updated_at = ? WHERE id = ?`,
		status, toMillis(time.Now()), id)
}

// UpdateBalance records a margin snapshot and the sync time.
func (q *AccountQueries) UpdateBalance(ctx context.Context, id string, b Balance) error {
	now := toMillis(time.Now())
	return q.exec(ctx, id, `
		UPDATE accounts SET balance_net = ?, balance_used = ?, balance_available = ?, last_sync = ?, updated_at = ?
		WHERE id = ?`, b.Net, b.Used, b.Available, now, now, id)
}

func (q *AccountQueries) SetCopyTrading(ctx context.Context, id string, enabled bool) error {
	return q.exec(ctx, id, `UPDATE accounts SET copy_trading_enabled = ?, updated_at = ? WHERE id = ?`,
		boolInt(enabled), toMillis(time.Now()), id)
}

// UpdateSettings validates and stores copy settings.
func (q *AccountQueries) UpdateSettings(ctx context.Context, id string, s Settings) error {
	if err := validateSettings(&s); err != nil {
		return err
	}
	allowed, err := json.Marshal(nonNil(s.AllowedInstruments))
	if err != nil {
		return fmt.Errorf("encode allowed instruments: %w", err)
	}
	return q.exec(ctx, id, `
		UPDATE accounts SET copy_ratio = ?, max_position_size = ?, risk_limit = ?, allowed_instruments = ?, updated_at = ?
		WHERE id = ?`, s.CopyRatio, s.MaxPositionSize, s.RiskLimit, string(allowed), toMillis(time.Now()), id)
}

// LinkChild attaches childID to parentID. A PARENT never gets a parent and
// a child may only follow a PARENT.
func (q *AccountQueries) LinkChild(ctx context.Context, childID, parentID string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin link tx: %w", err)
	}
	defer tx.Rollback()

	types := make(map[string]AccountType, 2)
	for _, id := range []string{childID, parentID} {
		var t AccountType
		err := tx.QueryRowContext(ctx, `SELECT account_type FROM accounts WHERE id = ?`, id).Scan(&t)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load account %s: %w", id, err)
		}
		types[id] = t
	}
	if childID == parentID || types[childID] != AccountChild || types[parentID] != AccountParent {
		return ErrInvalidLink
	}

	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET parent_account_id = ?, updated_at = ? WHERE id = ?`,
		parentID, toMillis(time.Now()), childID); err != nil {
		return fmt.Errorf("link child: %w", err)
	}
	return tx.Commit()
}

func (q *AccountQueries) exec(ctx context.Context, id, query string, args ...any) error {
	if id == "" {
		return ErrAccountIDRequired
	}
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update account %s: %w", id, err)
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

func validateSettings(s *Settings) error {
	if s.CopyRatio == 0 && s.MaxPositionSize == 0 && s.RiskLimit == 0 {
		*s = Settings{
			CopyRatio:          DefaultCopyRatio,
			MaxPositionSize:    DefaultMaxPositionSize,
			RiskLimit:          DefaultRiskLimit,
			AllowedInstruments: s.AllowedInstruments,
		}
	}
	if s.CopyRatio < 0 || s.CopyRatio > 10 {
		return fmt.Errorf("%w: copy ratio %.4f outside [0, 10]", ErrInvalidSettings, s.CopyRatio)
	}
	if s.MaxPositionSize == 0 {
		s.MaxPositionSize = DefaultMaxPositionSize
	}
	if s.MaxPositionSize < 1 || s.MaxPositionSize > 100 {
		return fmt.Errorf("%w: max position size %.2f outside [1, 100]", ErrInvalidSettings, s.MaxPositionSize)
	}
	for i, sym := range s.AllowedInstruments {
		s.AllowedInstruments[i] = strings.ToUpper(strings.TrimSpace(sym))
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
