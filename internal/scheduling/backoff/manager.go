// Package backoff tracks provider-imposed cool-down windows per account.
package backoff

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/vietddude/swarm/internal/infra/storage"
	"github.com/vietddude/swarm/internal/metrics"
)

const (
	// DefaultActionWait applies on reaction and invite paths when the
	// provider supplies no wait.
	DefaultActionWait = 300 * time.Second

	// DefaultSessionWait applies to long-running invite sessions.
	DefaultSessionWait = 3600 * time.Second
)

// Manager caches cool-down windows locally and persists them to a store
// shared with other workers. Expired windows are cleared lazily on check.
type Manager struct {
	store storage.FloodRepository
	log   *slog.Logger
	now   func() time.Time

	mu    sync.Mutex
	until map[int64]time.Time
}

// NewManager creates a manager over the given store.
func NewManager(store storage.FloodRepository) *Manager {
	return &Manager{
		store: store,
		log:   slog.Default().With("component", "backoff"),
		now:   time.Now,
		until: make(map[int64]time.Time),
	}
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Arm marks the account ineligible for wait, or fallback when wait is zero.
// An existing later window is kept.
func (m *Manager) Arm(ctx context.Context, accountID int64, wait, fallback time.Duration) (time.Time, error) {
	if wait <= 0 {
		wait = fallback
	}
	until := m.now().Add(wait)

	m.mu.Lock()
	if cur, ok := m.until[accountID]; ok && cur.After(until) {
		until = cur
	}
	m.until[accountID] = until
	m.mu.Unlock()

	metrics.FloodWaitsArmed.WithLabelValues(strconv.FormatInt(accountID, 10)).Inc()
	metrics.FloodWaitSeconds.Observe(wait.Seconds())
	m.log.Warn("Flood wait armed", "account", accountID, "wait", wait, "until", until)

	if err := m.store.SetFlood(ctx, accountID, until); err != nil {
		return until, fmt.Errorf("failed to persist flood wait: %w", err)
	}
	return until, nil
}

// IsArmed reports whether the account is cooling down. An expired window is
// cleared here.
func (m *Manager) IsArmed(ctx context.Context, accountID int64) bool {
	now := m.now()

	m.mu.Lock()
	until, ok := m.until[accountID]
	if ok && !now.Before(until) {
		delete(m.until, accountID)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	if now.Before(until) {
		return true
	}
	if err := m.store.ClearFlood(ctx, accountID, now); err != nil {
		m.log.Warn("Failed to clear expired flood wait", "account", accountID, "error", err)
	}
	return false
}

// Until returns the window end of an armed account.
func (m *Manager) Until(accountID int64) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.until[accountID]
	if !ok || !m.now().Before(until) {
		return time.Time{}, false
	}
	return until, true
}

// Earliest returns the soonest window end among the given accounts.
func (m *Manager) Earliest(accountIDs []int64) (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, id := range accountIDs {
		if until, ok := m.Until(id); ok && (!found || until.Before(earliest)) {
			earliest, found = until, true
		}
	}
	return earliest, found
}

// Refresh replaces the local cache with the store's active windows. Call
// it once per polling cycle.
func (m *Manager) Refresh(ctx context.Context) error {
	states, err := m.store.ListFlooded(ctx, m.now())
	if err != nil {
		return fmt.Errorf("failed to load flood state: %w", err)
	}
	until := make(map[int64]time.Time, len(states))
	for _, s := range states {
		until[s.AccountID] = s.Until
	}

	m.mu.Lock()
	m.until = until
	m.mu.Unlock()
	return nil
}
