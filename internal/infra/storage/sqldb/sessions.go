package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/swarm/internal/core/domain"
)

// -----------------------------------------------------------------------------
// Session Repository
// -----------------------------------------------------------------------------

type sessionRow struct {
	ID               int64          `db:"id"`
	SourceRef        string         `db:"source_ref"`
	TargetRef        string         `db:"target_ref"`
	AccountIDs       string         `db:"account_ids"`
	RequestedCount   int            `db:"requested_count"`
	SuccessCount     int            `db:"success_count"`
	FailedCount      int            `db:"failed_count"`
	Status           string         `db:"status"`
	PauseReason      string         `db:"pause_reason"`
	ResumeAt         sql.NullInt64  `db:"resume_at"`
	AssignedWorkerID sql.NullString `db:"assigned_worker_id"`
	CreatedBy        string         `db:"created_by"`
	StartedAt        sql.NullInt64  `db:"started_at"`
	CompletedAt      sql.NullInt64  `db:"completed_at"`
	CreatedAt        int64          `db:"created_at"`
}

func (r sessionRow) toDomain() (domain.MigrationSession, error) {
	ids, err := decodeList[int64](r.AccountIDs)
	if err != nil {
		return domain.MigrationSession{}, err
	}
	return domain.MigrationSession{
		ID:               r.ID,
		SourceRef:        r.SourceRef,
		TargetRef:        r.TargetRef,
		AccountIDs:       ids,
		RequestedCount:   r.RequestedCount,
		SuccessCount:     r.SuccessCount,
		FailedCount:      r.FailedCount,
		Status:           domain.SessionStatus(r.Status),
		PauseReason:      domain.PauseReason(r.PauseReason),
		ResumeAt:         fromNullUnix(r.ResumeAt),
		AssignedWorkerID: r.AssignedWorkerID.String,
		CreatedBy:        r.CreatedBy,
		StartedAt:        fromNullUnix(r.StartedAt),
		CompletedAt:      fromNullUnix(r.CompletedAt),
		CreatedAt:        fromUnix(r.CreatedAt),
	}, nil
}

const sessionColumns = `id, source_ref, target_ref, account_ids, requested_count, success_count,
	failed_count, status, pause_reason, resume_at, assigned_worker_id, created_by,
	started_at, completed_at, created_at`

// SessionRepo implements storage.SessionRepository.
type SessionRepo struct {
	db *DB
}

func NewSessionRepo(db *DB) *SessionRepo {
	return &SessionRepo{db: db}
}

func (r *SessionRepo) Create(ctx context.Context, session *domain.MigrationSession) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	ids, err := encodeList(session.AccountIDs)
	if err != nil {
		return err
	}
	id, err := insertID(ctx, r.db, `
		INSERT INTO migration_sessions (source_ref, target_ref, account_ids, requested_count,
			status, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.SourceRef,
		session.TargetRef,
		ids,
		session.RequestedCount,
		string(domain.SessionStatusPending),
		session.CreatedBy,
		unix(session.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	session.ID = id
	session.Status = domain.SessionStatusPending
	return nil
}

func (r *SessionRepo) Get(ctx context.Context, id int64) (*domain.MigrationSession, error) {
	var row sessionRow
	err := r.db.GetContext(ctx, &row,
		r.db.Rebind(`SELECT `+sessionColumns+` FROM migration_sessions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	s, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SessionRepo) ListRunnable(
	ctx context.Context,
	workerID string,
	now time.Time,
) ([]domain.MigrationSession, error) {
	var rows []sessionRow
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT `+sessionColumns+` FROM migration_sessions
		WHERE status = ?
			OR (status = ? AND assigned_worker_id = ?)
			OR (status = ? AND pause_reason IN (?, ?) AND resume_at IS NOT NULL AND resume_at <= ?)
		ORDER BY id`),
		string(domain.SessionStatusPending),
		string(domain.SessionStatusRunning), workerID,
		string(domain.SessionStatusPaused),
		string(domain.PauseReasonQuota), string(domain.PauseReasonFlood), unix(now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runnable sessions: %w", err)
	}

	out := make([]domain.MigrationSession, 0, len(rows))
	for _, row := range rows {
		s, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *SessionRepo) Acquire(
	ctx context.Context,
	id int64,
	from domain.SessionStatus,
	workerID string,
	now time.Time,
) (bool, error) {
	const set = `UPDATE migration_sessions
		SET status = ?, assigned_worker_id = ?, pause_reason = '', resume_at = NULL,
			started_at = COALESCE(started_at, ?)
		WHERE id = ? AND status = ?`
	args := []any{string(domain.SessionStatusRunning), workerID, unix(now), id, string(from)}

	var (
		ok  bool
		err error
	)
	switch {
	case from == domain.SessionStatusRunning:
		ok, err = execGuarded(ctx, r.db, set+` AND assigned_worker_id = ?`, append(args, workerID)...)
	case from.CanTransition(domain.SessionStatusRunning):
		ok, err = execGuarded(ctx, r.db, set, args...)
	}
	if err != nil {
		return false, fmt.Errorf("failed to acquire session %d: %w", id, err)
	}
	if !ok {
		return false, missOr(ctx, r.db, "migration_sessions", id, nil)
	}
	return true, nil
}

func (r *SessionRepo) Transition(
	ctx context.Context,
	id int64,
	from, to domain.SessionStatus,
	reason domain.PauseReason,
	resumeAt *time.Time,
	now time.Time,
) (bool, error) {
	if !from.CanTransition(to) {
		return false, missOr(ctx, r.db, "migration_sessions", id, nil)
	}

	query := `UPDATE migration_sessions SET status = ?, pause_reason = ?, resume_at = ?`
	args := []any{string(to), string(reason), nullUnix(resumeAt)}
	if to.IsTerminal() {
		query += `, completed_at = ?`
		args = append(args, unix(now))
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, string(from))

	ok, err := execGuarded(ctx, r.db, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to move session %d to %s: %w", id, to, err)
	}
	if !ok {
		return false, missOr(ctx, r.db, "migration_sessions", id, nil)
	}
	return true, nil
}

func (r *SessionRepo) HasConflict(ctx context.Context, id int64, targetRef string) (bool, error) {
	var n int
	err := r.db.GetContext(ctx, &n, r.db.Rebind(`
		SELECT COUNT(*) FROM migration_sessions
		WHERE id <> ? AND target_ref = ? AND status = ?`),
		id, targetRef, string(domain.SessionStatusRunning))
	if err != nil {
		return false, fmt.Errorf("failed to check session conflict: %w", err)
	}
	return n > 0, nil
}
