package memory

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/vietddude/swarm/internal/core/domain"
	"github.com/vietddude/swarm/internal/infra/storage"
)

// -----------------------------------------------------------------------------
// Action Log Repository
// -----------------------------------------------------------------------------

type ActionLogRepo struct {
	store *MemoryStorage
}

func NewActionLogRepo(store *MemoryStorage) *ActionLogRepo {
	return &ActionLogRepo{store: store}
}

func (r *ActionLogRepo) Append(ctx context.Context, entry *domain.ActionLogEntry) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	entry.ID = r.store.next("actions")
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	r.store.actions = append(r.store.actions, *entry)
	return nil
}

func (r *ActionLogRepo) List(
	ctx context.Context,
	kind domain.ItemKind,
	itemID int64,
) ([]domain.ActionLogEntry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []domain.ActionLogEntry
	for _, e := range r.store.actions {
		if e.ItemKind == kind && e.ItemID == itemID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *ActionLogRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	n := len(r.store.actions)
	r.store.actions = slices.DeleteFunc(r.store.actions, func(e domain.ActionLogEntry) bool {
		return e.CreatedAt.Before(before)
	})
	return int64(n - len(r.store.actions)), nil
}

// -----------------------------------------------------------------------------
// Heartbeat Repository
// -----------------------------------------------------------------------------

type HeartbeatRepo struct {
	store *MemoryStorage
}

func NewHeartbeatRepo(store *MemoryStorage) *HeartbeatRepo {
	return &HeartbeatRepo{store: store}
}

func (r *HeartbeatRepo) Upsert(ctx context.Context, hb domain.HeartbeatRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.heartbeats[hb.WorkerID] = hb
	return nil
}

func (r *HeartbeatRepo) List(ctx context.Context) ([]domain.HeartbeatRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]domain.HeartbeatRecord, 0, len(r.store.heartbeats))
	for _, hb := range r.store.heartbeats {
		out = append(out, hb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

// -----------------------------------------------------------------------------
// Health Repository
// -----------------------------------------------------------------------------

type HealthRepo struct {
	store *MemoryStorage
}

func NewHealthRepo(store *MemoryStorage) *HealthRepo {
	return &HealthRepo{store: store}
}

func (r *HealthRepo) CreateRequest(ctx context.Context, req *domain.HealthCheckRequest) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	req.ID = r.store.next("health_requests")
	req.Status = domain.RequestStatusQueued
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	cp := *req
	cp.AccountIDs = slices.Clone(req.AccountIDs)
	r.store.requests[cp.ID] = &cp
	return nil
}

func (r *HealthRepo) GetRequest(ctx context.Context, id int64) (*domain.HealthCheckRequest, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	req, ok := r.store.requests[id]
	if !ok {
		return nil, nil
	}
	cp := *req
	cp.AccountIDs = slices.Clone(req.AccountIDs)
	return &cp, nil
}

func (r *HealthRepo) FinishRequest(
	ctx context.Context,
	id int64,
	status domain.RequestStatus,
	reason string,
	at time.Time,
) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	req, ok := r.store.requests[id]
	if !ok {
		return storage.ErrNotFound
	}
	if req.Status != domain.RequestStatusProcessing {
		return storage.ErrGuardFailed
	}
	req.Status = status
	req.ErrorReason = reason
	req.CompletedAt = ptrTime(at)
	return nil
}

func (r *HealthRepo) RecordProbe(
	ctx context.Context,
	accountID int64,
	status domain.ProbeStatus,
	errMsg string,
	at time.Time,
) (domain.AccountHealthStatus, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	h, ok := r.store.health[accountID]
	if !ok {
		h = &domain.AccountHealthStatus{AccountID: accountID}
		r.store.health[accountID] = h
	}
	h.Status = status
	h.LastChecked = at
	h.LastError = errMsg
	if status == domain.ProbeOK {
		h.ConsecutiveFailures = 0
		h.LastSuccess = ptrTime(at)
	} else {
		h.ConsecutiveFailures++
	}
	return *h, nil
}

func (r *HealthRepo) GetStatus(ctx context.Context, accountID int64) (*domain.AccountHealthStatus, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	h, ok := r.store.health[accountID]
	if !ok {
		return nil, nil
	}
	cp := *h
	return &cp, nil
}

func (r *HealthRepo) ListStatuses(ctx context.Context) ([]domain.AccountHealthStatus, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]domain.AccountHealthStatus, 0, len(r.store.health))
	for _, h := range r.store.health {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}
