package domain

import "time"

// SessionStatus is the lifecycle of a member migration session.
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusPaused    SessionStatus = "paused"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// SessionTransitions lists the allowed next states for a migration session.
var SessionTransitions = map[SessionStatus][]SessionStatus{
	SessionStatusPending: {SessionStatusRunning, SessionStatusCancelled},
	SessionStatusRunning: {
		SessionStatusPaused,
		SessionStatusCompleted,
		SessionStatusFailed,
		SessionStatusCancelled,
	},
	SessionStatusPaused: {SessionStatusRunning, SessionStatusCancelled},
}

// CanTransition reports whether from -> to is a legal session transition.
func (s SessionStatus) CanTransition(to SessionStatus) bool {
	for _, next := range SessionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the session has finished.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusCancelled:
		return true
	default:
		return false
	}
}

// PauseReason records why a session stopped without finishing.
type PauseReason string

const (
	PauseReasonNone  PauseReason = ""
	PauseReasonQuota PauseReason = "quota" // every account hit its daily limit
	PauseReasonFlood PauseReason = "flood" // every account is cooling down
	PauseReasonUser  PauseReason = "user"  // operator request, resumed manually
)

// AutoResumes reports whether the worker may resume the session on its own.
func (r PauseReason) AutoResumes() bool {
	return r == PauseReasonQuota || r == PauseReasonFlood
}

// MigrationSession moves members from a source group into a target group.
type MigrationSession struct {
	ID               int64
	SourceRef        string
	TargetRef        string
	AccountIDs       []int64
	RequestedCount   int
	SuccessCount     int
	FailedCount      int
	Status           SessionStatus
	PauseReason      PauseReason
	ResumeAt         *time.Time
	AssignedWorkerID string
	CreatedBy        string
	StartedAt        *time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
}

// Reached reports whether the requested number of invites succeeded.
func (s *MigrationSession) Reached() bool {
	return s.RequestedCount > 0 && s.SuccessCount >= s.RequestedCount
}

// QueuedMember is one user waiting to be invited by a migration session.
type QueuedMember struct {
	WorkItem

	SessionID int64
	UserRef   string
}

// MemberResolution is the terminal outcome of one invite attempt. Stores
// apply it together with the session counters and the action log entry.
type MemberResolution struct {
	MemberID  int64
	SessionID int64
	AccountID int64
	Status    WorkStatus // success or failed
	Reason    string
	At        time.Time
}
