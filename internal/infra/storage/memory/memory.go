package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/swarm/internal/core/domain"
	"github.com/vietddude/swarm/internal/infra/storage"
)

type quotaKey struct {
	accountID int64
	day       string
}

// MemoryStorage keeps every table in process memory. It backs tests and
// single-process runs without a database.
type MemoryStorage struct {
	mu sync.RWMutex

	nextID     map[string]int64
	accounts   map[int64]*domain.Account
	quota      map[quotaKey]int
	flood      map[int64]time.Time
	tasks      map[int64]*domain.Task
	members    map[int64]*domain.QueuedMember
	sessions   map[int64]*domain.MigrationSession
	actions    []domain.ActionLogEntry
	heartbeats map[string]domain.HeartbeatRecord
	requests   map[int64]*domain.HealthCheckRequest
	health     map[int64]*domain.AccountHealthStatus
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		nextID:     make(map[string]int64),
		accounts:   make(map[int64]*domain.Account),
		quota:      make(map[quotaKey]int),
		flood:      make(map[int64]time.Time),
		tasks:      make(map[int64]*domain.Task),
		members:    make(map[int64]*domain.QueuedMember),
		sessions:   make(map[int64]*domain.MigrationSession),
		heartbeats: make(map[string]domain.HeartbeatRecord),
		requests:   make(map[int64]*domain.HealthCheckRequest),
		health:     make(map[int64]*domain.AccountHealthStatus),
	}
}

// Repositories wires every memory repository over one store.
func (s *MemoryStorage) Repositories() storage.Repositories {
	return storage.Repositories{
		Accounts:   NewAccountRepo(s),
		Quota:      NewQuotaRepo(s),
		Flood:      NewFloodRepo(s),
		Queue:      NewQueueRepo(s),
		Tasks:      NewTaskRepo(s),
		Members:    NewMemberRepo(s),
		Sessions:   NewSessionRepo(s),
		Actions:    NewActionLogRepo(s),
		Heartbeats: NewHeartbeatRepo(s),
		Health:     NewHealthRepo(s),
	}
}

// next returns the next id of a table. Caller holds the write lock.
func (s *MemoryStorage) next(table string) int64 {
	s.nextID[table]++
	return s.nextID[table]
}

func ptrTime(t time.Time) *time.Time {
	return &t
}

// -----------------------------------------------------------------------------
// Account Repository
// -----------------------------------------------------------------------------

type AccountRepo struct {
	store *MemoryStorage
}

func NewAccountRepo(store *MemoryStorage) *AccountRepo {
	return &AccountRepo{store: store}
}

func (r *AccountRepo) Create(ctx context.Context, account *domain.Account) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	account.ID = r.store.next("accounts")
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now()
	}
	cp := *account
	r.store.accounts[cp.ID] = &cp
	return nil
}

func (r *AccountRepo) List(ctx context.Context) ([]domain.Account, error) {
	return r.GetMany(ctx, nil)
}

func (r *AccountRepo) GetMany(ctx context.Context, ids []int64) ([]domain.Account, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []domain.Account
	for id, a := range r.store.accounts {
		if len(ids) > 0 && !slices.Contains(ids, id) {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *AccountRepo) SetActive(ctx context.Context, id int64, active bool, reason string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	a, ok := r.store.accounts[id]
	if !ok {
		return storage.ErrNotFound
	}
	a.IsActive = active
	a.DisabledReason = reason
	if active {
		a.DisabledReason = ""
	}
	return nil
}

func (r *AccountRepo) TouchLastUsed(ctx context.Context, id int64, at time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	a, ok := r.store.accounts[id]
	if !ok {
		return storage.ErrNotFound
	}
	a.LastUsedAt = ptrTime(at)
	return nil
}

// -----------------------------------------------------------------------------
// Quota Repository
// -----------------------------------------------------------------------------

type QuotaRepo struct {
	store *MemoryStorage
}

func NewQuotaRepo(store *MemoryStorage) *QuotaRepo {
	return &QuotaRepo{store: store}
}

func (r *QuotaRepo) UsedOn(ctx context.Context, accountID int64, day string) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.store.quota[quotaKey{accountID, day}], nil
}

func (r *QuotaRepo) Increment(ctx context.Context, accountID int64, day string, at time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.quota[quotaKey{accountID, day}]++
	return nil
}

func (r *QuotaRepo) DeleteBefore(ctx context.Context, day string) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var n int64
	for k := range r.store.quota {
		if k.day < day {
			delete(r.store.quota, k)
			n++
		}
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Flood Repository
// -----------------------------------------------------------------------------

type FloodRepo struct {
	store *MemoryStorage
}

func NewFloodRepo(store *MemoryStorage) *FloodRepo {
	return &FloodRepo{store: store}
}

func (r *FloodRepo) SetFlood(ctx context.Context, accountID int64, until time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if cur, ok := r.store.flood[accountID]; ok && cur.After(until) {
		return nil
	}
	r.store.flood[accountID] = until
	return nil
}

func (r *FloodRepo) ListFlooded(ctx context.Context, now time.Time) ([]domain.AccountFloodState, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []domain.AccountFloodState
	for id, until := range r.store.flood {
		if now.Before(until) {
			out = append(out, domain.AccountFloodState{AccountID: id, Until: until})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

func (r *FloodRepo) ClearFlood(ctx context.Context, accountID int64, now time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if until, ok := r.store.flood[accountID]; ok && !until.After(now) {
		delete(r.store.flood, accountID)
	}
	return nil
}
