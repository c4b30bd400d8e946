package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/vietddude/swarm/internal/core/domain"
	"github.com/vietddude/swarm/internal/infra/storage"
)

// -----------------------------------------------------------------------------
// Work Queue
// -----------------------------------------------------------------------------

type QueueRepo struct {
	store *MemoryStorage
}

func NewQueueRepo(store *MemoryStorage) *QueueRepo {
	return &QueueRepo{store: store}
}

// workItem returns the shared claim state of a task or member. Caller holds the lock.
func (s *MemoryStorage) workItem(kind domain.ItemKind, id int64) *domain.WorkItem {
	switch kind {
	case domain.ItemKindTask:
		if t, ok := s.tasks[id]; ok {
			return &t.WorkItem
		}
	case domain.ItemKindMember:
		if m, ok := s.members[id]; ok {
			return &m.WorkItem
		}
	}
	return nil
}

func (r *QueueRepo) Candidates(
	ctx context.Context,
	filter domain.ClaimFilter,
	limit int,
) ([]domain.ClaimCandidate, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []domain.ClaimCandidate
	switch filter.Kind {
	case domain.ItemKindTask:
		for _, t := range r.store.tasks {
			if t.Status != domain.WorkStatusQueued || (filter.Unassigned && t.AssignedWorkerID != "") {
				continue
			}
			if !ready(&t.WorkItem, filter.ReadyBy) {
				continue
			}
			out = append(out, domain.ClaimCandidate{Kind: filter.Kind, ID: t.ID, SequenceNumber: t.SequenceNumber})
		}
	case domain.ItemKindMember:
		for _, m := range r.store.members {
			if m.Status != domain.WorkStatusQueued || (filter.Unassigned && m.AssignedWorkerID != "") {
				continue
			}
			if !ready(&m.WorkItem, filter.ReadyBy) {
				continue
			}
			if filter.SessionID != 0 && m.SessionID != filter.SessionID {
				continue
			}
			out = append(out, domain.ClaimCandidate{Kind: filter.Kind, ID: m.ID, SequenceNumber: m.SequenceNumber})
		}
	case domain.ItemKindHealthCheck:
		for _, req := range r.store.requests {
			if req.Status != domain.RequestStatusQueued || (filter.Unassigned && req.AssignedWorkerID != "") {
				continue
			}
			out = append(out, domain.ClaimCandidate{Kind: filter.Kind, ID: req.ID, SequenceNumber: req.ID})
		}
	default:
		return nil, fmt.Errorf("unknown item kind %q", filter.Kind)
	}

	sortCandidates(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *QueueRepo) TryClaim(
	ctx context.Context,
	kind domain.ItemKind,
	id int64,
	workerID string,
	now time.Time,
) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if kind == domain.ItemKindHealthCheck {
		req, ok := r.store.requests[id]
		if !ok || req.Status != domain.RequestStatusQueued {
			return false, nil
		}
		req.Status = domain.RequestStatusProcessing
		req.AssignedWorkerID = workerID
		req.StartedAt = ptrTime(now)
		return true, nil
	}

	item := r.store.workItem(kind, id)
	if item == nil || item.Status != domain.WorkStatusQueued {
		return false, nil
	}
	item.Status = domain.WorkStatusProcessing
	item.AssignedWorkerID = workerID
	item.StartedAt = ptrTime(now)
	return true, nil
}

func (r *QueueRepo) StuckCandidates(
	ctx context.Context,
	kind domain.ItemKind,
	workerID string,
	startedBefore time.Time,
	limit int,
) ([]domain.ClaimCandidate, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	stuck := func(worker string, startedAt *time.Time) bool {
		return worker == workerID && startedAt != nil && startedAt.Before(startedBefore)
	}

	var out []domain.ClaimCandidate
	switch kind {
	case domain.ItemKindTask:
		for _, t := range r.store.tasks {
			if t.Status == domain.WorkStatusProcessing && stuck(t.AssignedWorkerID, t.StartedAt) {
				out = append(out, candidate(kind, &t.WorkItem))
			}
		}
	case domain.ItemKindMember:
		for _, m := range r.store.members {
			if m.Status == domain.WorkStatusProcessing && stuck(m.AssignedWorkerID, m.StartedAt) {
				out = append(out, candidate(kind, &m.WorkItem))
			}
		}
	case domain.ItemKindHealthCheck:
		for _, req := range r.store.requests {
			if req.Status == domain.RequestStatusProcessing && stuck(req.AssignedWorkerID, req.StartedAt) {
				out = append(out, domain.ClaimCandidate{
					Kind:           kind,
					ID:             req.ID,
					SequenceNumber: req.ID,
					WorkerID:       req.AssignedWorkerID,
					StartedAt:      req.StartedAt,
				})
			}
		}
	default:
		return nil, fmt.Errorf("unknown item kind %q", kind)
	}

	sortCandidates(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *QueueRepo) TryReclaim(
	ctx context.Context,
	kind domain.ItemKind,
	id int64,
	workerID string,
	prevStartedAt time.Time,
	now time.Time,
) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if kind == domain.ItemKindHealthCheck {
		req, ok := r.store.requests[id]
		if !ok || req.Status != domain.RequestStatusProcessing || req.AssignedWorkerID != workerID ||
			req.StartedAt == nil || !req.StartedAt.Equal(prevStartedAt) {
			return false, nil
		}
		req.StartedAt = ptrTime(now)
		return true, nil
	}

	item := r.store.workItem(kind, id)
	if item == nil || item.Status != domain.WorkStatusProcessing || item.AssignedWorkerID != workerID ||
		item.StartedAt == nil || !item.StartedAt.Equal(prevStartedAt) {
		return false, nil
	}
	item.StartedAt = ptrTime(now)
	return true, nil
}

func candidate(kind domain.ItemKind, item *domain.WorkItem) domain.ClaimCandidate {
	return domain.ClaimCandidate{
		Kind:           kind,
		ID:             item.ID,
		SequenceNumber: item.SequenceNumber,
		WorkerID:       item.AssignedWorkerID,
		StartedAt:      item.StartedAt,
	}
}

func sortCandidates(c []domain.ClaimCandidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].SequenceNumber != c[j].SequenceNumber {
			return c[i].SequenceNumber < c[j].SequenceNumber
		}
		return c[i].ID < c[j].ID
	})
}

func ready(item *domain.WorkItem, by time.Time) bool {
	return by.IsZero() || item.NotBefore == nil || !item.NotBefore.After(by)
}

// requeue releases a processing item. Caller holds the lock.
func requeue(item *domain.WorkItem, req domain.Requeue) error {
	if item.Status != domain.WorkStatusProcessing {
		return storage.ErrGuardFailed
	}
	item.Status = domain.WorkStatusQueued
	item.AssignedWorkerID = ""
	item.AssignedAccountID = nil
	item.StartedAt = nil
	item.ErrorReason = req.Reason
	item.NotBefore = nil
	if req.NotBefore != nil {
		item.NotBefore = ptrTime(*req.NotBefore)
	}
	if req.Retry {
		item.RetryCount++
	}
	if req.Once {
		item.OnceRetries++
	}
	return nil
}

// -----------------------------------------------------------------------------
// Task Repository
// -----------------------------------------------------------------------------

type TaskRepo struct {
	store *MemoryStorage
}

func NewTaskRepo(store *MemoryStorage) *TaskRepo {
	return &TaskRepo{store: store}
}

func (r *TaskRepo) Enqueue(ctx context.Context, task *domain.Task) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	task.ID = r.store.next("tasks")
	task.SequenceNumber = r.store.next("tasks_seq")
	task.Status = domain.WorkStatusQueued
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	r.store.tasks[task.ID] = cloneTask(task)
	return nil
}

func (r *TaskRepo) Get(ctx context.Context, id int64) (*domain.Task, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	t, ok := r.store.tasks[id]
	if !ok {
		return nil, nil
	}
	return cloneTask(t), nil
}

func (r *TaskRepo) Status(ctx context.Context, id int64) (domain.WorkStatus, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	t, ok := r.store.tasks[id]
	if !ok {
		return "", storage.ErrNotFound
	}
	return t.Status, nil
}

func (r *TaskRepo) AddCounts(ctx context.Context, id int64, success, failed int) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	t, ok := r.store.tasks[id]
	if !ok {
		return storage.ErrNotFound
	}
	t.SuccessCount += success
	t.FailedCount += failed
	return nil
}

func (r *TaskRepo) Requeue(ctx context.Context, id int64, req domain.Requeue) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	t, ok := r.store.tasks[id]
	if !ok {
		return storage.ErrNotFound
	}
	return requeue(&t.WorkItem, req)
}

func (r *TaskRepo) Finish(
	ctx context.Context,
	id int64,
	status domain.WorkStatus,
	reason string,
	at time.Time,
) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	t, ok := r.store.tasks[id]
	if !ok {
		return storage.ErrNotFound
	}
	if !status.IsTerminal() || !t.Status.CanTransition(status) {
		return domain.ErrInvalidTransition
	}
	t.Status = status
	t.ErrorReason = reason
	t.CompletedAt = ptrTime(at)
	return nil
}

func (r *TaskRepo) Cancel(ctx context.Context, id int64, at time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	t, ok := r.store.tasks[id]
	if !ok {
		return storage.ErrNotFound
	}
	if !t.Status.CanTransition(domain.WorkStatusCancelled) {
		return domain.ErrInvalidTransition
	}
	t.Status = domain.WorkStatusCancelled
	t.CompletedAt = ptrTime(at)
	return nil
}

func cloneTask(t *domain.Task) *domain.Task {
	cp := *t
	cp.Emojis = slices.Clone(t.Emojis)
	cp.AccountIDs = slices.Clone(t.AccountIDs)
	return &cp
}

// -----------------------------------------------------------------------------
// Member Repository
// -----------------------------------------------------------------------------

type MemberRepo struct {
	store *MemoryStorage
}

func NewMemberRepo(store *MemoryStorage) *MemberRepo {
	return &MemberRepo{store: store}
}

func (r *MemberRepo) Enqueue(ctx context.Context, sessionID int64, userRefs []string) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.sessions[sessionID]; !ok {
		return 0, storage.ErrNotFound
	}
	now := time.Now()
	for _, ref := range userRefs {
		m := &domain.QueuedMember{SessionID: sessionID, UserRef: ref}
		m.ID = r.store.next("members")
		m.SequenceNumber = r.store.next("members_seq")
		m.Status = domain.WorkStatusQueued
		m.CreatedAt = now
		r.store.members[m.ID] = m
	}
	return len(userRefs), nil
}

func (r *MemberRepo) Get(ctx context.Context, id int64) (*domain.QueuedMember, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	m, ok := r.store.members[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (r *MemberRepo) Resolve(ctx context.Context, res domain.MemberResolution) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	m, ok := r.store.members[res.MemberID]
	if !ok {
		return storage.ErrNotFound
	}
	if !res.Status.IsTerminal() || !m.Status.CanTransition(res.Status) {
		return storage.ErrGuardFailed
	}
	s, ok := r.store.sessions[m.SessionID]
	if !ok {
		return storage.ErrNotFound
	}

	m.Status = res.Status
	m.ErrorReason = res.Reason
	m.CompletedAt = ptrTime(res.At)
	accountID := res.AccountID
	m.AssignedAccountID = &accountID

	outcome := domain.OutcomeSuccess
	if res.Status == domain.WorkStatusSuccess {
		s.SuccessCount++
	} else {
		s.FailedCount++
		outcome = domain.OutcomeFailed
	}

	r.store.actions = append(r.store.actions, domain.ActionLogEntry{
		ID:        r.store.next("actions"),
		ItemKind:  domain.ItemKindMember,
		ItemID:    m.ID,
		AccountID: res.AccountID,
		SubKey:    m.UserRef,
		Outcome:   outcome,
		Error:     res.Reason,
		CreatedAt: res.At,
	})
	return nil
}

func (r *MemberRepo) Requeue(ctx context.Context, id int64, req domain.Requeue) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	m, ok := r.store.members[id]
	if !ok {
		return storage.ErrNotFound
	}
	return requeue(&m.WorkItem, req)
}

func (r *MemberRepo) CountByStatus(ctx context.Context, sessionID int64) (map[domain.WorkStatus]int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	counts := make(map[domain.WorkStatus]int)
	for _, m := range r.store.members {
		if m.SessionID == sessionID {
			counts[m.Status]++
		}
	}
	return counts, nil
}
