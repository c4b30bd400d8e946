package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/swarm/internal/core/domain"
	"github.com/vietddude/swarm/internal/infra/storage"
)

// -----------------------------------------------------------------------------
// Account Repository
// -----------------------------------------------------------------------------

type accountRow struct {
	ID                int64         `db:"id"`
	Label             string        `db:"label"`
	SessionCredential string        `db:"session_credential"`
	IsActive          bool          `db:"is_active"`
	DisabledReason    string        `db:"disabled_reason"`
	LastUsedAt        sql.NullInt64 `db:"last_used_at"`
	CreatedAt         int64         `db:"created_at"`
}

func (r accountRow) toDomain() domain.Account {
	return domain.Account{
		ID:                r.ID,
		Label:             r.Label,
		SessionCredential: r.SessionCredential,
		IsActive:          r.IsActive,
		DisabledReason:    r.DisabledReason,
		LastUsedAt:        fromNullUnix(r.LastUsedAt),
		CreatedAt:         fromUnix(r.CreatedAt),
	}
}

const accountColumns = `id, label, session_credential, is_active, disabled_reason, last_used_at, created_at`

// AccountRepo implements storage.AccountRepository.
type AccountRepo struct {
	db *DB
}

func NewAccountRepo(db *DB) *AccountRepo {
	return &AccountRepo{db: db}
}

func (r *AccountRepo) Create(ctx context.Context, account *domain.Account) error {
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now()
	}
	id, err := insertID(ctx, r.db,
		`INSERT INTO accounts (label, session_credential, is_active, disabled_reason, last_used_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		account.Label,
		account.SessionCredential,
		account.IsActive,
		account.DisabledReason,
		nullUnix(account.LastUsedAt),
		unix(account.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	account.ID = id
	return nil
}

func (r *AccountRepo) List(ctx context.Context) ([]domain.Account, error) {
	return r.GetMany(ctx, nil)
}

func (r *AccountRepo) GetMany(ctx context.Context, ids []int64) ([]domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts`
	var args []any
	if len(ids) > 0 {
		var err error
		query, args, err = sqlx.In(query+` WHERE id IN (?)`, ids)
		if err != nil {
			return nil, fmt.Errorf("failed to build account query: %w", err)
		}
	}
	query += ` ORDER BY id`

	var rows []accountRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	out := make([]domain.Account, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (r *AccountRepo) SetActive(ctx context.Context, id int64, active bool, reason string) error {
	if active {
		reason = ""
	}
	ok, err := execGuarded(ctx, r.db,
		`UPDATE accounts SET is_active = ?, disabled_reason = ? WHERE id = ?`,
		active, reason, id)
	if err != nil {
		return fmt.Errorf("failed to set account active: %w", err)
	}
	if !ok {
		return storage.ErrNotFound
	}
	return nil
}

func (r *AccountRepo) TouchLastUsed(ctx context.Context, id int64, at time.Time) error {
	ok, err := execGuarded(ctx, r.db, `UPDATE accounts SET last_used_at = ? WHERE id = ?`, unix(at), id)
	if err != nil {
		return fmt.Errorf("failed to stamp account use: %w", err)
	}
	if !ok {
		return storage.ErrNotFound
	}
	return nil
}

// -----------------------------------------------------------------------------
// Quota Repository
// -----------------------------------------------------------------------------

// QuotaRepo implements storage.QuotaRepository.
type QuotaRepo struct {
	db *DB
}

func NewQuotaRepo(db *DB) *QuotaRepo {
	return &QuotaRepo{db: db}
}

func (r *QuotaRepo) UsedOn(ctx context.Context, accountID int64, day string) (int, error) {
	var used int
	err := r.db.GetContext(ctx, &used,
		r.db.Rebind(`SELECT used FROM account_daily_limits WHERE account_id = ? AND day = ?`),
		accountID, day)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read daily usage: %w", err)
	}
	return used, nil
}

// Increment is a single upsert. It does not check the limit.
func (r *QuotaRepo) Increment(ctx context.Context, accountID int64, day string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO account_daily_limits (account_id, day, used, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (account_id, day)
		DO UPDATE SET used = account_daily_limits.used + 1, updated_at = excluded.updated_at`),
		accountID, day, unix(at))
	if err != nil {
		return fmt.Errorf("failed to increment daily usage: %w", err)
	}
	return nil
}

func (r *QuotaRepo) DeleteBefore(ctx context.Context, day string) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM account_daily_limits WHERE day < ?`), day)
	if err != nil {
		return 0, fmt.Errorf("failed to prune daily usage: %w", err)
	}
	return res.RowsAffected()
}

// -----------------------------------------------------------------------------
// Flood Repository
// -----------------------------------------------------------------------------

// FloodRepo implements storage.FloodRepository.
type FloodRepo struct {
	db *DB
}

func NewFloodRepo(db *DB) *FloodRepo {
	return &FloodRepo{db: db}
}

func (r *FloodRepo) SetFlood(ctx context.Context, accountID int64, until time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO account_flood_states (account_id, flood_until)
		VALUES (?, ?)
		ON CONFLICT (account_id)
		DO UPDATE SET flood_until = CASE
			WHEN excluded.flood_until > account_flood_states.flood_until THEN excluded.flood_until
			ELSE account_flood_states.flood_until
		END`),
		accountID, unix(until))
	if err != nil {
		return fmt.Errorf("failed to set flood wait: %w", err)
	}
	return nil
}

func (r *FloodRepo) ListFlooded(ctx context.Context, now time.Time) ([]domain.AccountFloodState, error) {
	var rows []struct {
		AccountID int64 `db:"account_id"`
		Until     int64 `db:"flood_until"`
	}
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT account_id, flood_until FROM account_flood_states
		WHERE flood_until > ?
		ORDER BY account_id`), unix(now))
	if err != nil {
		return nil, fmt.Errorf("failed to list flood waits: %w", err)
	}
	out := make([]domain.AccountFloodState, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.AccountFloodState{AccountID: row.AccountID, Until: fromUnix(row.Until)})
	}
	return out, nil
}

func (r *FloodRepo) ClearFlood(ctx context.Context, accountID int64, now time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM account_flood_states WHERE account_id = ? AND flood_until <= ?`),
		accountID, unix(now))
	if err != nil {
		return fmt.Errorf("failed to clear flood wait: %w", err)
	}
	return nil
}
