package domain

import (
	"errors"
	"time"
)

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// WorkStatus is the lifecycle state shared by tasks and queued members.
type WorkStatus string

const (
	WorkStatusQueued     WorkStatus = "queued"
	WorkStatusProcessing WorkStatus = "processing"
	WorkStatusSuccess    WorkStatus = "success"   // queued members
	WorkStatusCompleted  WorkStatus = "completed" // tasks
	WorkStatusFailed     WorkStatus = "failed"
	WorkStatusCancelled  WorkStatus = "cancelled"
)

// WorkTransitions lists the allowed next states for each work status.
// Terminal states have no entry.
var WorkTransitions = map[WorkStatus][]WorkStatus{
	WorkStatusQueued: {WorkStatusProcessing, WorkStatusCancelled},
	WorkStatusProcessing: {
		WorkStatusQueued,
		WorkStatusSuccess,
		WorkStatusCompleted,
		WorkStatusFailed,
		WorkStatusCancelled,
	},
}

// CanTransition reports whether from -> to is a legal work transition.
func (s WorkStatus) CanTransition(to WorkStatus) bool {
	for _, next := range WorkTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status can no longer change.
func (s WorkStatus) IsTerminal() bool {
	switch s {
	case WorkStatusSuccess, WorkStatusCompleted, WorkStatusFailed, WorkStatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known statuses.
func (s WorkStatus) Valid() bool {
	switch s {
	case WorkStatusQueued, WorkStatusProcessing, WorkStatusSuccess,
		WorkStatusCompleted, WorkStatusFailed, WorkStatusCancelled:
		return true
	default:
		return false
	}
}

// WorkItem holds the claim state common to every queued unit of work.
type WorkItem struct {
	ID                int64
	SequenceNumber    int64
	Status            WorkStatus
	AssignedAccountID *int64
	AssignedWorkerID  string
	StartedAt         *time.Time
	CompletedAt       *time.Time
	ErrorReason       string
	RetryCount        int
	OnceRetries       int        // requeues spent on unknown or dc-migrate failures
	NotBefore         *time.Time // not claimable before this time
	CreatedAt         time.Time
}

// Requeue describes how a processing item goes back to the queue.
type Requeue struct {
	Reason    string
	Retry     bool       // counts toward RetryCount
	Once      bool       // spends the single requeue allowed for unknown or dc-migrate failures
	NotBefore *time.Time // nil makes the item claimable at once
}

// ItemKind identifies which queue a claimable item lives in.
type ItemKind string

const (
	ItemKindTask        ItemKind = "task"
	ItemKindMember      ItemKind = "member"
	ItemKindHealthCheck ItemKind = "health_check"
)

// ClaimFilter narrows the candidate selection of a claim.
type ClaimFilter struct {
	Kind ItemKind

	// SessionID restricts member claims to one migration session.
	SessionID int64

	// Unassigned requires assigned_worker_id IS NULL (worker-affinity variants).
	Unassigned bool

	// ReadyBy skips items whose not-before is later. Zero disables the check.
	ReadyBy time.Time
}

// ClaimCandidate is the minimal projection returned by candidate and
// recovery queries.
type ClaimCandidate struct {
	Kind           ItemKind
	ID             int64
	SequenceNumber int64
	WorkerID       string
	StartedAt      *time.Time
}
