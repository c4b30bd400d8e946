// Package liveness publishes worker heartbeats and answers whether any
// worker is online.
package liveness

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/swarm/internal/core/domain"
	"github.com/vietddude/swarm/internal/infra/storage"
	"github.com/vietddude/swarm/internal/metrics"
)

const (
	// DefaultFreshness is how long a heartbeat counts as online.
	DefaultFreshness = 60 * time.Second

	offlineWriteTimeout = 5 * time.Second
)

// Heartbeat upserts this worker's liveness record on every tick.
type Heartbeat struct {
	workerID string
	interval time.Duration
	repo     storage.HeartbeatRepository
	log      *slog.Logger
	now      func() time.Time
}

func NewHeartbeat(workerID string, interval time.Duration, repo storage.HeartbeatRepository) *Heartbeat {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Heartbeat{
		workerID: workerID,
		interval: interval,
		repo:     repo,
		log:      slog.Default().With("component", "heartbeat", "worker", workerID),
		now:      time.Now,
	}
}

// Beat writes one record.
func (h *Heartbeat) Beat(ctx context.Context, status domain.HeartbeatStatus) error {
	now := h.now()
	err := h.repo.Upsert(ctx, domain.HeartbeatRecord{WorkerID: h.workerID, LastSeen: now, Status: status})
	if err == nil && status == domain.HeartbeatOnline {
		metrics.HeartbeatTimestamp.Set(float64(now.Unix()))
	}
	return err
}

// Run beats immediately and then every interval until ctx is done, then
// marks the worker offline.
func (h *Heartbeat) Run(ctx context.Context) {
	if err := h.Beat(ctx, domain.HeartbeatOnline); err != nil {
		h.log.Warn("Heartbeat failed", "error", err)
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			offCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), offlineWriteTimeout)
			if err := h.Beat(offCtx, domain.HeartbeatOffline); err != nil {
				h.log.Warn("Failed to mark worker offline", "error", err)
			} else {
				h.log.Info("Worker marked offline")
			}
			cancel()
			return
		case <-ticker.C:
			if err := h.Beat(ctx, domain.HeartbeatOnline); err != nil {
				h.log.Warn("Heartbeat failed", "error", err)
			}
		}
	}
}

// Registry reads heartbeats written by every worker.
type Registry struct {
	repo      storage.HeartbeatRepository
	freshness time.Duration
	now       func() time.Time
}

func NewRegistry(repo storage.HeartbeatRepository, freshness time.Duration) *Registry {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &Registry{repo: repo, freshness: freshness, now: time.Now}
}

// SetClock overrides the time source.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Online returns the workers with a fresh online heartbeat.
func (r *Registry) Online(ctx context.Context) ([]domain.HeartbeatRecord, error) {
	all, err := r.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	var online []domain.HeartbeatRecord
	for _, hb := range all {
		if hb.Fresh(now, r.freshness) {
			online = append(online, hb)
		}
	}
	return online, nil
}

// AnyOnline reports whether at least one worker is online.
func (r *Registry) AnyOnline(ctx context.Context) (bool, error) {
	online, err := r.Online(ctx)
	if err != nil {
		return false, err
	}
	return len(online) > 0, nil
}
