// Package quota enforces the per-account daily action ceiling.
//
// Usage is scoped to the UTC calendar date. The counter is a soft cap: the
// eligibility read and the increment are separate statements, so workers
// racing on the same account may overshoot by up to one unit each.
package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/vietddude/swarm/internal/core/domain"
	"github.com/vietddude/swarm/internal/infra/storage"
	"github.com/vietddude/swarm/internal/metrics"
)

// DefaultDailyLimit is used when no limit is configured.
const DefaultDailyLimit = 50

// Tracker checks and consumes daily quota.
type Tracker struct {
	quota    storage.QuotaRepository
	accounts storage.AccountRepository
	limit    int
	now      func() time.Time
}

// NewTracker creates a tracker. A limit <= 0 disables the ceiling.
func NewTracker(quota storage.QuotaRepository, accounts storage.AccountRepository, limit int) *Tracker {
	return &Tracker{
		quota:    quota,
		accounts: accounts,
		limit:    limit,
		now:      time.Now,
	}
}

// SetClock overrides the time source.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Limit returns the configured daily limit.
func (t *Tracker) Limit() int {
	return t.limit
}

// CanConsume reports whether the account is below today's limit.
func (t *Tracker) CanConsume(ctx context.Context, accountID int64) (bool, error) {
	if t.limit <= 0 {
		return true, nil
	}
	used, err := t.quota.UsedOn(ctx, accountID, domain.DayKey(t.now()))
	if err != nil {
		return false, fmt.Errorf("failed to read quota: %w", err)
	}
	return used < t.limit, nil
}

// Consume records one successful unit of work and stamps last use. Call it
// once per completed action.
func (t *Tracker) Consume(ctx context.Context, accountID int64) error {
	now := t.now()
	if err := t.quota.Increment(ctx, accountID, domain.DayKey(now), now); err != nil {
		return fmt.Errorf("failed to increment quota: %w", err)
	}
	if err := t.accounts.TouchLastUsed(ctx, accountID, now); err != nil {
		return fmt.Errorf("failed to stamp last use: %w", err)
	}
	metrics.QuotaConsumed.WithLabelValues(strconv.FormatInt(accountID, 10)).Inc()
	return nil
}

// Remaining returns today's remaining units, or -1 when unlimited.
func (t *Tracker) Remaining(ctx context.Context, accountID int64) (int, error) {
	if t.limit <= 0 {
		return -1, nil
	}
	used, err := t.quota.UsedOn(ctx, accountID, domain.DayKey(t.now()))
	if err != nil {
		return 0, fmt.Errorf("failed to read quota: %w", err)
	}
	return max(0, t.limit-used), nil
}

// ResetAt returns when today's counters roll over.
func (t *Tracker) ResetAt() time.Time {
	return domain.NextDay(t.now())
}
