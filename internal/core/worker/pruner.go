// Package worker holds background maintenance loops of a worker process.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/swarm/internal/core/domain"
	"github.com/vietddude/swarm/internal/infra/storage"
)

// Pruner deletes action log entries and daily usage counters older than the
// retention period.
type Pruner struct {
	retention time.Duration
	quota     storage.QuotaRepository
	actions   storage.ActionLogRepository
	log       *slog.Logger
	now       func() time.Time
}

// NewPruner creates a new Pruner. A retention <= 0 disables pruning.
func NewPruner(
	retention time.Duration,
	quota storage.QuotaRepository,
	actions storage.ActionLogRepository,
) *Pruner {
	return &Pruner{
		retention: retention,
		quota:     quota,
		actions:   actions,
		log:       slog.Default().With("component", "pruner"),
		now:       time.Now,
	}
}

// Start runs the pruner loop until ctx is done.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return
	}

	// 10% of retention, between a minute and an hour
	interval := min(p.retention/10, time.Hour)
	interval = max(interval, time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune runs one pass. Counters are dropped by whole UTC days, so the
// cutoff's own day is kept.
func (p *Pruner) Prune(ctx context.Context) {
	cutoff := p.now().Add(-p.retention)

	day := domain.DayKey(cutoff)
	if n, err := p.quota.DeleteBefore(ctx, day); err != nil {
		p.log.Error("Failed to prune daily usage", "error", err)
	} else if n > 0 {
		p.log.Debug("Pruned daily usage", "rows", n, "before", day)
	}

	if n, err := p.actions.DeleteOlderThan(ctx, cutoff); err != nil {
		p.log.Error("Failed to prune action log", "error", err)
	} else if n > 0 {
		p.log.Debug("Pruned action log", "rows", n, "before", cutoff)
	}
}
