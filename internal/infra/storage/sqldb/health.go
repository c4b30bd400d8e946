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
// Action Log Repository
// -----------------------------------------------------------------------------

// ActionLogRepo implements storage.ActionLogRepository.
type ActionLogRepo struct {
	db *DB
}

func NewActionLogRepo(db *DB) *ActionLogRepo {
	return &ActionLogRepo{db: db}
}

func (r *ActionLogRepo) Append(ctx context.Context, entry *domain.ActionLogEntry) error {
	return appendAction(ctx, r.db, entry)
}

func appendAction(ctx context.Context, db sqlx.ExtContext, entry *domain.ActionLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	id, err := insertID(ctx, db, `
		INSERT INTO action_logs (item_kind, item_id, account_id, sub_key, outcome, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(entry.ItemKind),
		entry.ItemID,
		entry.AccountID,
		entry.SubKey,
		string(entry.Outcome),
		entry.Error,
		unix(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append action log: %w", err)
	}
	entry.ID = id
	return nil
}

func (r *ActionLogRepo) List(
	ctx context.Context,
	kind domain.ItemKind,
	itemID int64,
) ([]domain.ActionLogEntry, error) {
	var rows []struct {
		ID        int64  `db:"id"`
		ItemKind  string `db:"item_kind"`
		ItemID    int64  `db:"item_id"`
		AccountID int64  `db:"account_id"`
		SubKey    string `db:"sub_key"`
		Outcome   string `db:"outcome"`
		Error     string `db:"error"`
		CreatedAt int64  `db:"created_at"`
	}
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT id, item_kind, item_id, account_id, sub_key, outcome, error, created_at
		FROM action_logs
		WHERE item_kind = ? AND item_id = ?
		ORDER BY id`), string(kind), itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list action log: %w", err)
	}

	out := make([]domain.ActionLogEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.ActionLogEntry{
			ID:        row.ID,
			ItemKind:  domain.ItemKind(row.ItemKind),
			ItemID:    row.ItemID,
			AccountID: row.AccountID,
			SubKey:    row.SubKey,
			Outcome:   domain.ActionOutcome(row.Outcome),
			Error:     row.Error,
			CreatedAt: fromUnix(row.CreatedAt),
		})
	}
	return out, nil
}

func (r *ActionLogRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM action_logs WHERE created_at < ?`), unix(before))
	if err != nil {
		return 0, fmt.Errorf("failed to prune action log: %w", err)
	}
	return res.RowsAffected()
}

// -----------------------------------------------------------------------------
// Heartbeat Repository
// -----------------------------------------------------------------------------

// HeartbeatRepo implements storage.HeartbeatRepository.
type HeartbeatRepo struct {
	db *DB
}

func NewHeartbeatRepo(db *DB) *HeartbeatRepo {
	return &HeartbeatRepo{db: db}
}

func (r *HeartbeatRepo) Upsert(ctx context.Context, hb domain.HeartbeatRecord) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO worker_heartbeats (worker_id, last_seen, status)
		VALUES (?, ?, ?)
		ON CONFLICT (worker_id)
		DO UPDATE SET last_seen = excluded.last_seen, status = excluded.status`),
		hb.WorkerID, unix(hb.LastSeen), string(hb.Status))
	if err != nil {
		return fmt.Errorf("failed to upsert heartbeat: %w", err)
	}
	return nil
}

func (r *HeartbeatRepo) List(ctx context.Context) ([]domain.HeartbeatRecord, error) {
	var rows []struct {
		WorkerID string `db:"worker_id"`
		LastSeen int64  `db:"last_seen"`
		Status   string `db:"status"`
	}
	if err := r.db.SelectContext(ctx, &rows,
		`SELECT worker_id, last_seen, status FROM worker_heartbeats ORDER BY worker_id`); err != nil {
		return nil, fmt.Errorf("failed to list heartbeats: %w", err)
	}
	out := make([]domain.HeartbeatRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.HeartbeatRecord{
			WorkerID: row.WorkerID,
			LastSeen: fromUnix(row.LastSeen),
			Status:   domain.HeartbeatStatus(row.Status),
		})
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Health Repository
// -----------------------------------------------------------------------------

type healthStatusRow struct {
	AccountID           int64         `db:"account_id"`
	Status              string        `db:"status"`
	ConsecutiveFailures int           `db:"consecutive_failures"`
	LastChecked         int64         `db:"last_checked"`
	LastSuccess         sql.NullInt64 `db:"last_success"`
	LastError           string        `db:"last_error"`
}

func (r healthStatusRow) toDomain() domain.AccountHealthStatus {
	return domain.AccountHealthStatus{
		AccountID:           r.AccountID,
		Status:              domain.ProbeStatus(r.Status),
		ConsecutiveFailures: r.ConsecutiveFailures,
		LastChecked:         fromUnix(r.LastChecked),
		LastSuccess:         fromNullUnix(r.LastSuccess),
		LastError:           r.LastError,
	}
}

const healthStatusColumns = `account_id, status, consecutive_failures, last_checked, last_success, last_error`

// HealthRepo implements storage.HealthRepository.
type HealthRepo struct {
	db *DB
}

func NewHealthRepo(db *DB) *HealthRepo {
	return &HealthRepo{db: db}
}

func (r *HealthRepo) CreateRequest(ctx context.Context, req *domain.HealthCheckRequest) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	ids, err := encodeList(req.AccountIDs)
	if err != nil {
		return err
	}
	id, err := insertID(ctx, r.db, `
		INSERT INTO health_check_requests (created_by, account_ids, status, created_at)
		VALUES (?, ?, ?, ?)`,
		req.CreatedBy, ids, string(domain.RequestStatusQueued), unix(req.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	req.ID = id
	req.Status = domain.RequestStatusQueued
	return nil
}

func (r *HealthRepo) GetRequest(ctx context.Context, id int64) (*domain.HealthCheckRequest, error) {
	var row struct {
		ID               int64          `db:"id"`
		CreatedBy        string         `db:"created_by"`
		AccountIDs       string         `db:"account_ids"`
		Status           string         `db:"status"`
		AssignedWorkerID sql.NullString `db:"assigned_worker_id"`
		ErrorReason      string         `db:"error_reason"`
		CreatedAt        int64          `db:"created_at"`
		StartedAt        sql.NullInt64  `db:"started_at"`
		CompletedAt      sql.NullInt64  `db:"completed_at"`
	}
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`
		SELECT id, created_by, account_ids, status, assigned_worker_id, error_reason,
			created_at, started_at, completed_at
		FROM health_check_requests WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get health check request: %w", err)
	}

	ids, err := decodeList[int64](row.AccountIDs)
	if err != nil {
		return nil, err
	}
	return &domain.HealthCheckRequest{
		ID:               row.ID,
		CreatedBy:        row.CreatedBy,
		AccountIDs:       ids,
		Status:           domain.RequestStatus(row.Status),
		AssignedWorkerID: row.AssignedWorkerID.String,
		ErrorReason:      row.ErrorReason,
		CreatedAt:        fromUnix(row.CreatedAt),
		StartedAt:        fromNullUnix(row.StartedAt),
		CompletedAt:      fromNullUnix(row.CompletedAt),
	}, nil
}

func (r *HealthRepo) FinishRequest(
	ctx context.Context,
	id int64,
	status domain.RequestStatus,
	reason string,
	at time.Time,
) error {
	ok, err := execGuarded(ctx, r.db, `
		UPDATE health_check_requests SET status = ?, error_reason = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(status), reason, unix(at), id, string(domain.RequestStatusProcessing))
	if err != nil {
		return fmt.Errorf("failed to finish health check request: %w", err)
	}
	if !ok {
		return missOr(ctx, r.db, "health_check_requests", id, storage.ErrGuardFailed)
	}
	return nil
}

func (r *HealthRepo) RecordProbe(
	ctx context.Context,
	accountID int64,
	status domain.ProbeStatus,
	errMsg string,
	at time.Time,
) (domain.AccountHealthStatus, error) {
	var out domain.AccountHealthStatus
	err := r.db.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		if status == domain.ProbeOK {
			_, err = tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO account_health_status
					(account_id, status, consecutive_failures, last_checked, last_success, last_error)
				VALUES (?, ?, 0, ?, ?, ?)
				ON CONFLICT (account_id)
				DO UPDATE SET status = excluded.status, consecutive_failures = 0,
					last_checked = excluded.last_checked, last_success = excluded.last_success,
					last_error = excluded.last_error`),
				accountID, string(status), unix(at), unix(at), errMsg)
		} else {
			_, err = tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO account_health_status
					(account_id, status, consecutive_failures, last_checked, last_error)
				VALUES (?, ?, 1, ?, ?)
				ON CONFLICT (account_id)
				DO UPDATE SET status = excluded.status,
					consecutive_failures = account_health_status.consecutive_failures + 1,
					last_checked = excluded.last_checked, last_error = excluded.last_error`),
				accountID, string(status), unix(at), errMsg)
		}
		if err != nil {
			return fmt.Errorf("failed to record probe: %w", err)
		}

		var row healthStatusRow
		if err := tx.GetContext(ctx, &row, tx.Rebind(
			`SELECT `+healthStatusColumns+` FROM account_health_status WHERE account_id = ?`), accountID); err != nil {
			return fmt.Errorf("failed to read probe status: %w", err)
		}
		out = row.toDomain()
		return nil
	})
	return out, err
}

func (r *HealthRepo) GetStatus(ctx context.Context, accountID int64) (*domain.AccountHealthStatus, error) {
	var row healthStatusRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(
		`SELECT `+healthStatusColumns+` FROM account_health_status WHERE account_id = ?`), accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get probe status: %w", err)
	}
	h := row.toDomain()
	return &h, nil
}

func (r *HealthRepo) ListStatuses(ctx context.Context) ([]domain.AccountHealthStatus, error) {
	var rows []healthStatusRow
	if err := r.db.SelectContext(ctx, &rows,
		`SELECT `+healthStatusColumns+` FROM account_health_status ORDER BY account_id`); err != nil {
		return nil, fmt.Errorf("failed to list probe statuses: %w", err)
	}
	out := make([]domain.AccountHealthStatus, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}
