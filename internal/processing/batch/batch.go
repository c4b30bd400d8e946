package batch

import (
	"context"
	"time"

	"github.com/vietddude/swarm/internal/core/domain"
	"github.com/vietddude/swarm/internal/infra/notify"
	"github.com/vietddude/swarm/internal/scheduling/rotation"
)

const (
	DefaultSize          = 50
	DefaultPoll          = 5 * time.Second
	DefaultRetryDelay    = 30 * time.Second
	DefaultRetryDelayMax = 10 * time.Minute
)

// Config holds the knobs shared by every batch variant.
type Config struct {
	WorkerID      string
	Size          int
	Poll          time.Duration
	Pacing        PacingConfig
	RetryDelay    time.Duration // first wait after a transient failure
	RetryDelayMax time.Duration
}

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if c.Size <= 0 {
		c.Size = DefaultSize
	}
	if c.Poll <= 0 {
		c.Poll = DefaultPoll
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.RetryDelayMax < c.RetryDelay {
		c.RetryDelayMax = max(DefaultRetryDelayMax, c.RetryDelay)
	}
	return c
}

// RetryAfter returns how long an item requeued retries times waits before
// it may be claimed again. The delay doubles per retry up to RetryDelayMax.
func (c Config) RetryAfter(retries int) time.Duration {
	d := c.RetryDelay
	for i := 0; i < retries && d < c.RetryDelayMax; i++ {
		d *= 2
	}
	return min(d, c.RetryDelayMax)
}

// Notifier sends the terminal summary of an item.
type Notifier interface {
	Send(ctx context.Context, s notify.Summary)
}

// WindowSource reports cool-down expiries.
type WindowSource interface {
	Earliest(accountIDs []int64) (time.Time, bool)
}

// PauseFor decides why a batch whose rotation ran dry should pause and
// when it may resume. Cooling-down accounts win over quota because their
// windows usually end before the daily rollover. ok is false when every
// account was removed for good and pausing would not help.
func PauseFor(
	rot *rotation.Rotator,
	windows WindowSource,
	quotaReset time.Time,
	now time.Time,
) (reason domain.PauseReason, resumeAt time.Time, ok bool) {
	overQuota, coolingDown := rot.Exhaustion()
	if len(coolingDown) > 0 {
		if until, found := windows.Earliest(coolingDown); found {
			return domain.PauseReasonFlood, until, true
		}
		return domain.PauseReasonFlood, now, true
	}
	if len(overQuota) > 0 {
		return domain.PauseReasonQuota, quotaReset, true
	}
	return "", time.Time{}, false
}
