package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/swarm/internal/core/domain"
)

var (
	// ErrNotFound is returned when a mutation targets a row that doesn't exist
	ErrNotFound = errors.New("not found")

	// ErrGuardFailed is returned when a conditional write matched no row
	// because the row is no longer in the expected state.
	ErrGuardFailed = errors.New("conditional update matched no row")
)

// AccountRepository handles account storage operations
type AccountRepository interface {
	// Create inserts an account and assigns its ID
	Create(ctx context.Context, account *domain.Account) error

	// List returns every account ordered by creation
	List(ctx context.Context) ([]domain.Account, error)

	// GetMany returns the given accounts ordered by creation. An empty id
	// list returns every account.
	GetMany(ctx context.Context, ids []int64) ([]domain.Account, error)

	// SetActive flips the active flag and records why
	SetActive(ctx context.Context, id int64, active bool, reason string) error

	// TouchLastUsed stamps the account's last successful use
	TouchLastUsed(ctx context.Context, id int64, at time.Time) error
}

// QuotaRepository stores per-account daily usage counters
type QuotaRepository interface {
	// UsedOn returns the usage of an account on a UTC day (0 when absent)
	UsedOn(ctx context.Context, accountID int64, day string) (int, error)

	// Increment adds one unit to the day's counter, creating it if needed.
	// This is a soft upsert with no uniqueness per action.
	Increment(ctx context.Context, accountID int64, day string, at time.Time) error

	// DeleteBefore drops counters of days earlier than day
	DeleteBefore(ctx context.Context, day string) (int64, error)
}

// FloodRepository stores provider-imposed cool-down windows
type FloodRepository interface {
	// SetFlood arms or extends the cool-down for an account. A shorter
	// window never replaces a longer one.
	SetFlood(ctx context.Context, accountID int64, until time.Time) error

	// ListFlooded returns the windows still active at now
	ListFlooded(ctx context.Context, now time.Time) ([]domain.AccountFloodState, error)

	// ClearFlood removes an account's window if it ended by now
	ClearFlood(ctx context.Context, accountID int64, now time.Time) error
}

// WorkQueue exposes the claim primitives shared by every queued item kind
type WorkQueue interface {
	// Candidates returns queued items in ascending sequence order, skipping
	// items not yet ready by filter.ReadyBy
	Candidates(ctx context.Context, filter domain.ClaimFilter, limit int) ([]domain.ClaimCandidate, error)

	// TryClaim moves one item queued -> processing for workerID. It is a
	// single conditional write; false means another worker won.
	TryClaim(ctx context.Context, kind domain.ItemKind, id int64, workerID string, now time.Time) (bool, error)

	// StuckCandidates returns items processing for workerID since before startedBefore
	StuckCandidates(
		ctx context.Context,
		kind domain.ItemKind,
		workerID string,
		startedBefore time.Time,
		limit int,
	) ([]domain.ClaimCandidate, error)

	// TryReclaim re-stamps started_at of a stuck item, guarded by the
	// previous started_at and worker.
	TryReclaim(
		ctx context.Context,
		kind domain.ItemKind,
		id int64,
		workerID string,
		prevStartedAt time.Time,
		now time.Time,
	) (bool, error)
}

// TaskRepository handles reaction task storage
type TaskRepository interface {
	// Enqueue inserts a queued task and assigns ID and sequence number
	Enqueue(ctx context.Context, task *domain.Task) error

	// Get returns the task, or nil when it doesn't exist
	Get(ctx context.Context, id int64) (*domain.Task, error)

	// Status returns the current status (run-control reads)
	Status(ctx context.Context, id int64) (domain.WorkStatus, error)

	// AddCounts adds to the success and failure counters
	AddCounts(ctx context.Context, id int64, success, failed int) error

	// Requeue releases a processing task back to queued
	Requeue(ctx context.Context, id int64, req domain.Requeue) error

	// Finish moves a processing task to a terminal status
	Finish(ctx context.Context, id int64, status domain.WorkStatus, reason string, at time.Time) error

	// Cancel marks a queued or processing task cancelled
	Cancel(ctx context.Context, id int64, at time.Time) error
}

// MemberRepository handles members queued for migration
type MemberRepository interface {
	// Enqueue appends members to a session in the given order
	Enqueue(ctx context.Context, sessionID int64, userRefs []string) (int, error)

	// Get returns the member, or nil when it doesn't exist
	Get(ctx context.Context, id int64) (*domain.QueuedMember, error)

	// Resolve applies a terminal outcome, bumps the session counters and
	// appends the action log entry atomically.
	Resolve(ctx context.Context, res domain.MemberResolution) error

	// Requeue releases a processing member back to queued
	Requeue(ctx context.Context, id int64, req domain.Requeue) error

	// CountByStatus returns member counts of a session keyed by status
	CountByStatus(ctx context.Context, sessionID int64) (map[domain.WorkStatus]int, error)
}

// SessionRepository handles migration sessions
type SessionRepository interface {
	// Create inserts a pending session and assigns its ID
	Create(ctx context.Context, session *domain.MigrationSession) error

	// Get returns the session, or nil when it doesn't exist
	Get(ctx context.Context, id int64) (*domain.MigrationSession, error)

	// ListRunnable returns sessions this worker may drive now: pending ones,
	// running ones it already owns, and auto-resumable paused ones whose
	// resume time has passed.
	ListRunnable(ctx context.Context, workerID string, now time.Time) ([]domain.MigrationSession, error)

	// Acquire moves a session from `from` to running for workerID, guarded
	// by status and ownership.
	Acquire(
		ctx context.Context,
		id int64,
		from domain.SessionStatus,
		workerID string,
		now time.Time,
	) (bool, error)

	// Transition changes status guarded by the expected current status
	Transition(
		ctx context.Context,
		id int64,
		from, to domain.SessionStatus,
		reason domain.PauseReason,
		resumeAt *time.Time,
		now time.Time,
	) (bool, error)

	// HasConflict reports whether another running session targets the same group
	HasConflict(ctx context.Context, id int64, targetRef string) (bool, error)
}

// ActionLogRepository stores per-sub-step outcomes
type ActionLogRepository interface {
	// Append records one outcome
	Append(ctx context.Context, entry *domain.ActionLogEntry) error

	// List returns an item's entries in insertion order
	List(ctx context.Context, kind domain.ItemKind, itemID int64) ([]domain.ActionLogEntry, error)

	// DeleteOlderThan drops entries created before the cutoff
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// HeartbeatRepository stores worker liveness records
type HeartbeatRepository interface {
	// Upsert writes the worker's record
	Upsert(ctx context.Context, hb domain.HeartbeatRecord) error

	// List returns every record ordered by worker ID
	List(ctx context.Context) ([]domain.HeartbeatRecord, error)
}

// HealthRepository stores health check requests and probe results
type HealthRepository interface {
	// CreateRequest inserts a queued request and assigns its ID
	CreateRequest(ctx context.Context, req *domain.HealthCheckRequest) error

	// GetRequest returns the request, or nil when it doesn't exist
	GetRequest(ctx context.Context, id int64) (*domain.HealthCheckRequest, error)

	// FinishRequest moves a processing request to done or failed
	FinishRequest(ctx context.Context, id int64, status domain.RequestStatus, reason string, at time.Time) error

	// RecordProbe upserts the account's status. Success resets the failure
	// counter and stamps last_success; failure increments the counter.
	RecordProbe(
		ctx context.Context,
		accountID int64,
		status domain.ProbeStatus,
		errMsg string,
		at time.Time,
	) (domain.AccountHealthStatus, error)

	// GetStatus returns the latest probe result, or nil when never probed
	GetStatus(ctx context.Context, accountID int64) (*domain.AccountHealthStatus, error)

	// ListStatuses returns every probe result ordered by account
	ListStatuses(ctx context.Context) ([]domain.AccountHealthStatus, error)
}

// Repositories bundles every repository a worker needs.
type Repositories struct {
	Accounts   AccountRepository
	Quota      QuotaRepository
	Flood      FloodRepository
	Queue      WorkQueue
	Tasks      TaskRepository
	Members    MemberRepository
	Sessions   SessionRepository
	Actions    ActionLogRepository
	Heartbeats HeartbeatRepository
	Health     HealthRepository
}
