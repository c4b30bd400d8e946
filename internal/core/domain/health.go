package domain

import "time"

// HeartbeatStatus is the self-reported state of a worker.
type HeartbeatStatus string

const (
	HeartbeatOnline  HeartbeatStatus = "online"
	HeartbeatOffline HeartbeatStatus = "offline"
)

// HeartbeatRecord is written by a worker about itself.
type HeartbeatRecord struct {
	WorkerID string
	LastSeen time.Time
	Status   HeartbeatStatus
}

// Fresh reports whether the record counts as online at now.
func (h HeartbeatRecord) Fresh(now time.Time, window time.Duration) bool {
	return h.Status == HeartbeatOnline && now.Sub(h.LastSeen) <= window
}

// RequestStatus is the lifecycle of a health check request.
type RequestStatus string

const (
	RequestStatusQueued     RequestStatus = "queued"
	RequestStatusProcessing RequestStatus = "processing"
	RequestStatusDone       RequestStatus = "done"
	RequestStatusFailed     RequestStatus = "failed"
)

// HealthCheckRequest asks a worker to probe some (or all) accounts.
type HealthCheckRequest struct {
	ID               int64
	CreatedBy        string
	AccountIDs       []int64 // empty = every account
	Status           RequestStatus
	AssignedWorkerID string
	ErrorReason      string
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// ProbeStatus is the outcome class of a session probe.
type ProbeStatus string

const (
	ProbeOK                ProbeStatus = "ok"
	ProbeInvalidSession    ProbeStatus = "invalid_session"
	ProbeRateLimited       ProbeStatus = "rate_limited"
	ProbeConnectionTimeout ProbeStatus = "connection_timeout"
	ProbeDCMigrate         ProbeStatus = "dc_migrate_required"
	ProbeUnknownError      ProbeStatus = "unknown_error"
)

// AccountHealthStatus is the persisted result of the latest probe.
type AccountHealthStatus struct {
	AccountID           int64
	Status              ProbeStatus
	ConsecutiveFailures int
	LastChecked         time.Time
	LastSuccess         *time.Time
	LastError           string
}

// ActionOutcome is the result recorded for one sub-step.
type ActionOutcome string

const (
	OutcomeSuccess ActionOutcome = "success"
	OutcomeFailed  ActionOutcome = "failed"
)

// ActionLogEntry records a single provider action against an item. Replaying
// an item's log tells which sub-steps already succeeded.
type ActionLogEntry struct {
	ID        int64
	ItemKind  ItemKind
	ItemID    int64
	AccountID int64
	SubKey    string
	Outcome   ActionOutcome
	Error     string
	CreatedAt time.Time
}
