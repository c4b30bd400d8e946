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
// Work Queue
// -----------------------------------------------------------------------------

type queueTable struct {
	name      string
	seq       string // health check requests are ordered by id
	notBefore bool
}

var queueTables = map[domain.ItemKind]queueTable{
	domain.ItemKindTask:        {name: "tasks", seq: "sequence_number", notBefore: true},
	domain.ItemKindMember:      {name: "queued_members", seq: "sequence_number", notBefore: true},
	domain.ItemKindHealthCheck: {name: "health_check_requests", seq: "id"},
}

func tableFor(kind domain.ItemKind) (queueTable, error) {
	t, ok := queueTables[kind]
	if !ok {
		return queueTable{}, fmt.Errorf("unknown item kind %q", kind)
	}
	return t, nil
}

type candidateRow struct {
	ID             int64          `db:"id"`
	SequenceNumber int64          `db:"seq"`
	WorkerID       sql.NullString `db:"assigned_worker_id"`
	StartedAt      sql.NullInt64  `db:"started_at"`
}

func (r candidateRow) toDomain(kind domain.ItemKind) domain.ClaimCandidate {
	return domain.ClaimCandidate{
		Kind:           kind,
		ID:             r.ID,
		SequenceNumber: r.SequenceNumber,
		WorkerID:       r.WorkerID.String,
		StartedAt:      fromNullUnix(r.StartedAt),
	}
}

// QueueRepo implements storage.WorkQueue over the three queue tables.
type QueueRepo struct {
	db *DB
}

func NewQueueRepo(db *DB) *QueueRepo {
	return &QueueRepo{db: db}
}

func (r *QueueRepo) Candidates(
	ctx context.Context,
	filter domain.ClaimFilter,
	limit int,
) ([]domain.ClaimCandidate, error) {
	t, err := tableFor(filter.Kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		`SELECT id, %s AS seq, assigned_worker_id, started_at FROM %s WHERE status = ?`,
		t.seq, t.name,
	)
	args := []any{string(domain.WorkStatusQueued)}
	if filter.Unassigned {
		query += ` AND assigned_worker_id IS NULL`
	}
	if filter.Kind == domain.ItemKindMember && filter.SessionID != 0 {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	if t.notBefore && !filter.ReadyBy.IsZero() {
		query += ` AND (not_before IS NULL OR not_before <= ?)`
		args = append(args, unix(filter.ReadyBy))
	}
	query += fmt.Sprintf(` ORDER BY %s, id`, t.seq)
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	return r.selectCandidates(ctx, filter.Kind, query, args...)
}

func (r *QueueRepo) TryClaim(
	ctx context.Context,
	kind domain.ItemKind,
	id int64,
	workerID string,
	now time.Time,
) (bool, error) {
	t, err := tableFor(kind)
	if err != nil {
		return false, err
	}
	ok, err := execGuarded(ctx, r.db,
		`UPDATE `+t.name+` SET status = ?, assigned_worker_id = ?, started_at = ? WHERE id = ? AND status = ?`,
		string(domain.WorkStatusProcessing), workerID, unix(now), id, string(domain.WorkStatusQueued))
	if err != nil {
		return false, fmt.Errorf("failed to claim %s %d: %w", kind, id, err)
	}
	return ok, nil
}

func (r *QueueRepo) StuckCandidates(
	ctx context.Context,
	kind domain.ItemKind,
	workerID string,
	startedBefore time.Time,
	limit int,
) ([]domain.ClaimCandidate, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, %s AS seq, assigned_worker_id, started_at FROM %s
		WHERE status = ? AND assigned_worker_id = ? AND started_at < ?
		ORDER BY %s, id`, t.seq, t.name, t.seq)
	args := []any{string(domain.WorkStatusProcessing), workerID, unix(startedBefore)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	return r.selectCandidates(ctx, kind, query, args...)
}

func (r *QueueRepo) TryReclaim(
	ctx context.Context,
	kind domain.ItemKind,
	id int64,
	workerID string,
	prevStartedAt time.Time,
	now time.Time,
) (bool, error) {
	t, err := tableFor(kind)
	if err != nil {
		return false, err
	}
	ok, err := execGuarded(ctx, r.db, `
		UPDATE `+t.name+` SET started_at = ?
		WHERE id = ? AND status = ? AND assigned_worker_id = ? AND started_at = ?`,
		unix(now), id, string(domain.WorkStatusProcessing), workerID, unix(prevStartedAt))
	if err != nil {
		return false, fmt.Errorf("failed to reclaim %s %d: %w", kind, id, err)
	}
	return ok, nil
}

func (r *QueueRepo) selectCandidates(
	ctx context.Context,
	kind domain.ItemKind,
	query string,
	args ...any,
) ([]domain.ClaimCandidate, error) {
	var rows []candidateRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list %s candidates: %w", kind, err)
	}
	out := make([]domain.ClaimCandidate, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain(kind))
	}
	return out, nil
}

// requeue releases a processing item of table back to queued.
func requeue(ctx context.Context, db sqlx.ExtContext, table string, id int64, req domain.Requeue) error {
	retry, once := 0, 0
	if req.Retry {
		retry = 1
	}
	if req.Once {
		once = 1
	}
	ok, err := execGuarded(ctx, db, `
		UPDATE `+table+`
		SET status = ?, assigned_worker_id = NULL, assigned_account_id = NULL, started_at = NULL,
			error_reason = ?, retry_count = retry_count + ?, once_retries = once_retries + ?,
			not_before = ?
		WHERE id = ? AND status = ?`,
		string(domain.WorkStatusQueued), req.Reason, retry, once, nullUnix(req.NotBefore),
		id, string(domain.WorkStatusProcessing))
	if err != nil {
		return fmt.Errorf("failed to requeue %d: %w", id, err)
	}
	if !ok {
		return missOr(ctx, db, table, id, storage.ErrGuardFailed)
	}
	return nil
}

// workItemRow holds the claim columns shared by tasks and queued members.
type workItemRow struct {
	ID                int64          `db:"id"`
	SequenceNumber    int64          `db:"sequence_number"`
	Status            string         `db:"status"`
	AssignedAccountID sql.NullInt64  `db:"assigned_account_id"`
	AssignedWorkerID  sql.NullString `db:"assigned_worker_id"`
	StartedAt         sql.NullInt64  `db:"started_at"`
	CompletedAt       sql.NullInt64  `db:"completed_at"`
	ErrorReason       string         `db:"error_reason"`
	RetryCount        int            `db:"retry_count"`
	OnceRetries       int            `db:"once_retries"`
	NotBefore         sql.NullInt64  `db:"not_before"`
	CreatedAt         int64          `db:"created_at"`
}

func (r workItemRow) toDomain() domain.WorkItem {
	return domain.WorkItem{
		ID:                r.ID,
		SequenceNumber:    r.SequenceNumber,
		Status:            domain.WorkStatus(r.Status),
		AssignedAccountID: fromNullInt64(r.AssignedAccountID),
		AssignedWorkerID:  r.AssignedWorkerID.String,
		StartedAt:         fromNullUnix(r.StartedAt),
		CompletedAt:       fromNullUnix(r.CompletedAt),
		ErrorReason:       r.ErrorReason,
		RetryCount:        r.RetryCount,
		OnceRetries:       r.OnceRetries,
		NotBefore:         fromNullUnix(r.NotBefore),
		CreatedAt:         fromUnix(r.CreatedAt),
	}
}

const workItemColumns = `id, sequence_number, status, assigned_account_id, assigned_worker_id,
	started_at, completed_at, error_reason, retry_count, once_retries, not_before, created_at`

// -----------------------------------------------------------------------------
// Task Repository
// -----------------------------------------------------------------------------

type taskRow struct {
	workItemRow

	Kind           string `db:"kind"`
	Target         string `db:"target"`
	Emojis         string `db:"emojis"`
	MessageLimit   int    `db:"message_limit"`
	RequestedCount int    `db:"requested_count"`
	AccountIDs     string `db:"account_ids"`
	SuccessCount   int    `db:"success_count"`
	FailedCount    int    `db:"failed_count"`
	CreatedBy      string `db:"created_by"`
}

func (r taskRow) toDomain() (*domain.Task, error) {
	emojis, err := decodeList[string](r.Emojis)
	if err != nil {
		return nil, err
	}
	ids, err := decodeList[int64](r.AccountIDs)
	if err != nil {
		return nil, err
	}
	return &domain.Task{
		WorkItem:       r.workItemRow.toDomain(),
		Kind:           domain.TaskKind(r.Kind),
		Target:         r.Target,
		Emojis:         emojis,
		MessageLimit:   r.MessageLimit,
		RequestedCount: r.RequestedCount,
		AccountIDs:     ids,
		SuccessCount:   r.SuccessCount,
		FailedCount:    r.FailedCount,
		CreatedBy:      r.CreatedBy,
	}, nil
}

// TaskRepo implements storage.TaskRepository.
type TaskRepo struct {
	db *DB
}

func NewTaskRepo(db *DB) *TaskRepo {
	return &TaskRepo{db: db}
}

func (r *TaskRepo) Enqueue(ctx context.Context, task *domain.Task) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	emojis, err := encodeList(task.Emojis)
	if err != nil {
		return err
	}
	ids, err := encodeList(task.AccountIDs)
	if err != nil {
		return err
	}

	return r.db.withTx(ctx, func(tx *sqlx.Tx) error {
		id, err := insertID(ctx, tx, `
			INSERT INTO tasks (status, created_at, kind, target, emojis, message_limit,
				requested_count, account_ids, created_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(domain.WorkStatusQueued),
			unix(task.CreatedAt),
			string(task.Kind),
			task.Target,
			emojis,
			task.MessageLimit,
			task.RequestedCount,
			ids,
			task.CreatedBy,
		)
		if err != nil {
			return fmt.Errorf("failed to enqueue task: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE tasks SET sequence_number = ? WHERE id = ?`), id, id); err != nil {
			return fmt.Errorf("failed to sequence task: %w", err)
		}
		task.ID = id
		task.SequenceNumber = id
		task.Status = domain.WorkStatusQueued
		return nil
	})
}

func (r *TaskRepo) Get(ctx context.Context, id int64) (*domain.Task, error) {
	var row taskRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`
		SELECT `+workItemColumns+`, kind, target, emojis, message_limit, requested_count,
			account_ids, success_count, failed_count, created_by
		FROM tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return row.toDomain()
}

func (r *TaskRepo) Status(ctx context.Context, id int64) (domain.WorkStatus, error) {
	var status string
	err := r.db.GetContext(ctx, &status, r.db.Rebind(`SELECT status FROM tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read task status: %w", err)
	}
	return domain.WorkStatus(status), nil
}

func (r *TaskRepo) AddCounts(ctx context.Context, id int64, success, failed int) error {
	ok, err := execGuarded(ctx, r.db, `
		UPDATE tasks SET success_count = success_count + ?, failed_count = failed_count + ?
		WHERE id = ?`, success, failed, id)
	if err != nil {
		return fmt.Errorf("failed to add task counts: %w", err)
	}
	if !ok {
		return storage.ErrNotFound
	}
	return nil
}

func (r *TaskRepo) Requeue(ctx context.Context, id int64, req domain.Requeue) error {
	return requeue(ctx, r.db, "tasks", id, req)
}

func (r *TaskRepo) Finish(
	ctx context.Context,
	id int64,
	status domain.WorkStatus,
	reason string,
	at time.Time,
) error {
	if !status.IsTerminal() {
		return domain.ErrInvalidTransition
	}
	return r.moveTerminal(ctx, id, status, reason, at)
}

func (r *TaskRepo) Cancel(ctx context.Context, id int64, at time.Time) error {
	return r.moveTerminal(ctx, id, domain.WorkStatusCancelled, "", at)
}

// moveTerminal writes a terminal status guarded by the statuses that may
// legally reach it.
func (r *TaskRepo) moveTerminal(
	ctx context.Context,
	id int64,
	to domain.WorkStatus,
	reason string,
	at time.Time,
) error {
	var from []string
	for status := range domain.WorkTransitions {
		if status.CanTransition(to) {
			from = append(from, string(status))
		}
	}
	if len(from) == 0 {
		return domain.ErrInvalidTransition
	}

	query, args, err := sqlx.In(`
		UPDATE tasks SET status = ?, error_reason = ?, completed_at = ?
		WHERE id = ? AND status IN (?)`,
		string(to), reason, unix(at), id, from)
	if err != nil {
		return fmt.Errorf("failed to build task update: %w", err)
	}
	ok, err := execGuarded(ctx, r.db, query, args...)
	if err != nil {
		return fmt.Errorf("failed to move task to %s: %w", to, err)
	}
	if !ok {
		return missOr(ctx, r.db, "tasks", id, domain.ErrInvalidTransition)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Member Repository
// -----------------------------------------------------------------------------

type memberRow struct {
	workItemRow

	SessionID int64  `db:"session_id"`
	UserRef   string `db:"user_ref"`
}

// MemberRepo implements storage.MemberRepository.
type MemberRepo struct {
	db *DB
}

func NewMemberRepo(db *DB) *MemberRepo {
	return &MemberRepo{db: db}
}

func (r *MemberRepo) Enqueue(ctx context.Context, sessionID int64, userRefs []string) (int, error) {
	err := r.db.withTx(ctx, func(tx *sqlx.Tx) error {
		var one int
		err := tx.GetContext(ctx, &one, tx.Rebind(`SELECT 1 FROM migration_sessions WHERE id = ?`), sessionID)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check session: %w", err)
		}

		now := unix(time.Now())
		for _, ref := range userRefs {
			id, err := insertID(ctx, tx, `
				INSERT INTO queued_members (session_id, user_ref, status, created_at)
				VALUES (?, ?, ?, ?)`,
				sessionID, ref, string(domain.WorkStatusQueued), now)
			if err != nil {
				return fmt.Errorf("failed to enqueue member: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				tx.Rebind(`UPDATE queued_members SET sequence_number = ? WHERE id = ?`), id, id); err != nil {
				return fmt.Errorf("failed to sequence member: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(userRefs), nil
}

func (r *MemberRepo) Get(ctx context.Context, id int64) (*domain.QueuedMember, error) {
	var row memberRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`
		SELECT `+workItemColumns+`, session_id, user_ref FROM queued_members WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return &domain.QueuedMember{
		WorkItem:  row.workItemRow.toDomain(),
		SessionID: row.SessionID,
		UserRef:   row.UserRef,
	}, nil
}

func (r *MemberRepo) Resolve(ctx context.Context, res domain.MemberResolution) error {
	if !res.Status.IsTerminal() {
		return storage.ErrGuardFailed
	}
	outcome, counter := domain.OutcomeFailed, "failed_count"
	if res.Status == domain.WorkStatusSuccess {
		outcome, counter = domain.OutcomeSuccess, "success_count"
	}

	return r.db.withTx(ctx, func(tx *sqlx.Tx) error {
		var m struct {
			SessionID int64  `db:"session_id"`
			UserRef   string `db:"user_ref"`
		}
		err := tx.GetContext(ctx, &m,
			tx.Rebind(`SELECT session_id, user_ref FROM queued_members WHERE id = ?`), res.MemberID)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load member: %w", err)
		}

		ok, err := execGuarded(ctx, tx, `
			UPDATE queued_members
			SET status = ?, error_reason = ?, completed_at = ?, assigned_account_id = ?
			WHERE id = ? AND status = ?`,
			string(res.Status), res.Reason, unix(res.At), res.AccountID,
			res.MemberID, string(domain.WorkStatusProcessing))
		if err != nil {
			return fmt.Errorf("failed to resolve member: %w", err)
		}
		if !ok {
			return storage.ErrGuardFailed
		}

		ok, err = execGuarded(ctx, tx,
			`UPDATE migration_sessions SET `+counter+` = `+counter+` + 1 WHERE id = ?`, m.SessionID)
		if err != nil {
			return fmt.Errorf("failed to bump session counter: %w", err)
		}
		if !ok {
			return storage.ErrNotFound
		}

		return appendAction(ctx, tx, &domain.ActionLogEntry{
			ItemKind:  domain.ItemKindMember,
			ItemID:    res.MemberID,
			AccountID: res.AccountID,
			SubKey:    m.UserRef,
			Outcome:   outcome,
			Error:     res.Reason,
			CreatedAt: res.At,
		})
	})
}

func (r *MemberRepo) Requeue(ctx context.Context, id int64, req domain.Requeue) error {
	return requeue(ctx, r.db, "queued_members", id, req)
}

func (r *MemberRepo) CountByStatus(ctx context.Context, sessionID int64) (map[domain.WorkStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT status, COUNT(*) AS n FROM queued_members
		WHERE session_id = ?
		GROUP BY status`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to count members: %w", err)
	}
	counts := make(map[domain.WorkStatus]int, len(rows))
	for _, row := range rows {
		counts[domain.WorkStatus(row.Status)] = row.N
	}
	return counts, nil
}
