package domain

// TaskKind identifies the engagement action a task performs.
type TaskKind string

const (
	TaskKindReaction TaskKind = "reaction"
)

// Task is a reaction/engagement unit of work spread across several accounts.
type Task struct {
	WorkItem

	Kind           TaskKind
	Target         string   // channel or group reference
	Emojis         []string // reaction pool, one picked per sub-step
	MessageLimit   int      // how many recent messages to react to
	RequestedCount int      // target number of successful sub-steps (0 = all)
	AccountIDs     []int64
	SuccessCount   int
	FailedCount    int
	CreatedBy      string
}

// Remaining returns how many more successes are wanted, or -1 when the task
// has no explicit target.
func (t *Task) Remaining() int {
	if t.RequestedCount <= 0 {
		return -1
	}
	if left := t.RequestedCount - t.SuccessCount; left > 0 {
		return left
	}
	return 0
}
