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
// Session Repository
// -----------------------------------------------------------------------------

type SessionRepo struct {
	store *MemoryStorage
}

func NewSessionRepo(store *MemoryStorage) *SessionRepo {
	return &SessionRepo{store: store}
}

func (r *SessionRepo) Create(ctx context.Context, session *domain.MigrationSession) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	session.ID = r.store.next("sessions")
	session.Status = domain.SessionStatusPending
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	r.store.sessions[session.ID] = cloneSession(session)
	return nil
}

func (r *SessionRepo) Get(ctx context.Context, id int64) (*domain.MigrationSession, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	s, ok := r.store.sessions[id]
	if !ok {
		return nil, nil
	}
	return cloneSession(s), nil
}

func (r *SessionRepo) ListRunnable(
	ctx context.Context,
	workerID string,
	now time.Time,
) ([]domain.MigrationSession, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []domain.MigrationSession
	for _, s := range r.store.sessions {
		if runnable(s, workerID, now) {
			out = append(out, *cloneSession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func runnable(s *domain.MigrationSession, workerID string, now time.Time) bool {
	switch s.Status {
	case domain.SessionStatusPending:
		return true
	case domain.SessionStatusRunning:
		return s.AssignedWorkerID == workerID
	case domain.SessionStatusPaused:
		return s.PauseReason.AutoResumes() && s.ResumeAt != nil && !now.Before(*s.ResumeAt)
	default:
		return false
	}
}

func (r *SessionRepo) Acquire(
	ctx context.Context,
	id int64,
	from domain.SessionStatus,
	workerID string,
	now time.Time,
) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	s, ok := r.store.sessions[id]
	if !ok {
		return false, storage.ErrNotFound
	}
	if s.Status != from {
		return false, nil
	}
	if from == domain.SessionStatusRunning && s.AssignedWorkerID != workerID {
		return false, nil
	}
	if from != domain.SessionStatusRunning && !from.CanTransition(domain.SessionStatusRunning) {
		return false, nil
	}
	s.Status = domain.SessionStatusRunning
	s.AssignedWorkerID = workerID
	s.PauseReason = domain.PauseReasonNone
	s.ResumeAt = nil
	if s.StartedAt == nil {
		s.StartedAt = ptrTime(now)
	}
	return true, nil
}

func (r *SessionRepo) Transition(
	ctx context.Context,
	id int64,
	from, to domain.SessionStatus,
	reason domain.PauseReason,
	resumeAt *time.Time,
	now time.Time,
) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	s, ok := r.store.sessions[id]
	if !ok {
		return false, storage.ErrNotFound
	}
	if s.Status != from || !from.CanTransition(to) {
		return false, nil
	}
	s.Status = to
	s.PauseReason = reason
	s.ResumeAt = resumeAt
	if to.IsTerminal() {
		s.CompletedAt = ptrTime(now)
	}
	return true, nil
}

func (r *SessionRepo) HasConflict(ctx context.Context, id int64, targetRef string) (bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for _, s := range r.store.sessions {
		if s.ID != id && s.TargetRef == targetRef && s.Status == domain.SessionStatusRunning {
			return true, nil
		}
	}
	return false, nil
}

func cloneSession(s *domain.MigrationSession) *domain.MigrationSession {
	cp := *s
	cp.AccountIDs = slices.Clone(s.AccountIDs)
	return &cp
}
