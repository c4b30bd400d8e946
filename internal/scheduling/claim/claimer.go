// Package claim implements single-flight claiming of queued work.
//
// Mutual exclusion between workers relies only on the store's conditional
// write (queued -> processing guarded by status). Losing that race is a
// normal outcome: the claimer falls through to the next candidate and
// reselects when the candidate page is used up.
package claim

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/swarm/internal/core/domain"
	"github.com/vietddude/swarm/internal/infra/storage"
	"github.com/vietddude/swarm/internal/metrics"
)

const (
	// DefaultRecoveryThreshold is how long an item may stay processing
	// before its owner may reclaim it.
	DefaultRecoveryThreshold = 10 * time.Minute

	defaultPageSize   = 10
	defaultReselects  = 3
	defaultRecoverMax = 50
)

// Config holds claimer tuning.
type Config struct {
	WorkerID          string
	PageSize          int
	MaxReselects      int
	RecoveryThreshold time.Duration
}

// Claimer takes ownership of queued items for one worker.
type Claimer struct {
	cfg   Config
	queue storage.WorkQueue
	log   *slog.Logger
	now   func() time.Time
}

// NewClaimer creates a claimer; zero config fields take defaults.
func NewClaimer(cfg Config, queue storage.WorkQueue) *Claimer {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.MaxReselects <= 0 {
		cfg.MaxReselects = defaultReselects
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = DefaultRecoveryThreshold
	}
	return &Claimer{
		cfg:   cfg,
		queue: queue,
		log:   slog.Default().With("component", "claimer", "worker", cfg.WorkerID),
		now:   time.Now,
	}
}

// SetClock overrides the time source.
func (c *Claimer) SetClock(now func() time.Time) {
	c.now = now
}

// WorkerID returns the identity claims are made under.
func (c *Claimer) WorkerID() string {
	return c.cfg.WorkerID
}

// Claim takes the lowest-sequence queued item matching filter. Items whose
// not-before lies in the future are skipped. It returns nil, nil when
// nothing is claimable.
func (c *Claimer) Claim(ctx context.Context, filter domain.ClaimFilter) (*domain.ClaimCandidate, error) {
	kind := string(filter.Kind)
	if filter.ReadyBy.IsZero() {
		filter.ReadyBy = c.now()
	}
	for round := 0; round < c.cfg.MaxReselects; round++ {
		candidates, err := c.queue.Candidates(ctx, filter, c.cfg.PageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to select %s candidates: %w", kind, err)
		}
		if len(candidates) == 0 {
			metrics.ClaimsTotal.WithLabelValues(kind, "empty").Inc()
			return nil, nil
		}

		for _, cand := range candidates {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			now := c.now()
			won, err := c.queue.TryClaim(ctx, filter.Kind, cand.ID, c.cfg.WorkerID, now)
			if err != nil {
				return nil, fmt.Errorf("failed to claim %s %d: %w", kind, cand.ID, err)
			}
			if !won {
				metrics.ClaimsTotal.WithLabelValues(kind, "lost").Inc()
				c.log.Debug("Lost claim race", "kind", kind, "id", cand.ID)
				continue
			}
			metrics.ClaimsTotal.WithLabelValues(kind, "won").Inc()
			cand.WorkerID = c.cfg.WorkerID
			cand.StartedAt = &now
			return &cand, nil
		}
	}
	// Every candidate was taken by someone else; try again next cycle.
	return nil, nil
}

// Recover reclaims up to limit of this worker's items stuck in processing
// for longer than the recovery threshold, re-stamping their start time.
// A limit of zero or less reclaims a full page. Other workers' items are
// never returned.
func (c *Claimer) Recover(ctx context.Context, kind domain.ItemKind, limit int) ([]domain.ClaimCandidate, error) {
	if limit <= 0 || limit > defaultRecoverMax {
		limit = defaultRecoverMax
	}
	now := c.now()
	stuck, err := c.queue.StuckCandidates(ctx, kind, c.cfg.WorkerID, now.Add(-c.cfg.RecoveryThreshold), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select stuck %s items: %w", kind, err)
	}

	var recovered []domain.ClaimCandidate
	for _, cand := range stuck {
		if cand.StartedAt == nil {
			continue
		}
		ok, err := c.queue.TryReclaim(ctx, kind, cand.ID, c.cfg.WorkerID, *cand.StartedAt, now)
		if err != nil {
			return recovered, fmt.Errorf("failed to reclaim %s %d: %w", kind, cand.ID, err)
		}
		if !ok {
			continue
		}
		stamped := now
		cand.StartedAt = &stamped
		recovered = append(recovered, cand)
		metrics.ClaimsTotal.WithLabelValues(string(kind), "recovered").Inc()
	}
	if len(recovered) > 0 {
		c.log.Info("Recovered stuck items", "kind", kind, "count", len(recovered))
	}
	return recovered, nil
}
