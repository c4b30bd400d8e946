// Package producer turns operator requests into queued work and decides
// whether a live worker will pick it up.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vietddude/swarm/internal/core/domain"
	"github.com/vietddude/swarm/internal/infra/storage"
)

// ErrNoWorkers is returned when work was queued but no worker is online.
var ErrNoWorkers = errors.New("no worker online")

// Decision says what happened to submitted work.
type Decision string

const (
	DecisionDispatched Decision = "dispatched" // queued, a worker is online
	DecisionFallback   Decision = "fallback"   // run in-process by the fallback executor
	DecisionDeferred   Decision = "deferred"   // queued for whenever a worker comes up
)

// OnlineChecker reports whether any worker is alive.
type OnlineChecker interface {
	AnyOnline(ctx context.Context) (bool, error)
}

// Executor runs queued work in the calling process.
type Executor interface {
	Execute(ctx context.Context, kind domain.ItemKind, id int64) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, kind domain.ItemKind, id int64) error

func (f ExecutorFunc) Execute(ctx context.Context, kind domain.ItemKind, id int64) error {
	return f(ctx, kind, id)
}

// Admission persists long-running work and gates it on worker liveness.
type Admission struct {
	repos    storage.Repositories
	online   OnlineChecker
	fallback Executor
	log      *slog.Logger
}

// NewAdmission creates an admission gate. fallback may be nil.
func NewAdmission(repos storage.Repositories, online OnlineChecker, fallback Executor) *Admission {
	return &Admission{
		repos:    repos,
		online:   online,
		fallback: fallback,
		log:      slog.Default().With("component", "admission"),
	}
}

// SubmitSession creates a pending migration session and queues its members
// in the given order.
func (a *Admission) SubmitSession(
	ctx context.Context,
	s *domain.MigrationSession,
	userRefs []string,
) (Decision, error) {
	if s.SourceRef == "" && len(userRefs) == 0 {
		return "", fmt.Errorf("session needs a source group or explicit members")
	}
	if s.TargetRef == "" {
		return "", fmt.Errorf("session needs a target group")
	}
	s.Status = domain.SessionStatusPending
	if err := a.repos.Sessions.Create(ctx, s); err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	if len(userRefs) > 0 {
		if _, err := a.repos.Members.Enqueue(ctx, s.ID, userRefs); err != nil {
			return "", fmt.Errorf("failed to enqueue members: %w", err)
		}
	}
	return a.admit(ctx, domain.ItemKindMember, s.ID)
}

// SubmitTask queues a reaction task.
func (a *Admission) SubmitTask(ctx context.Context, t *domain.Task) (Decision, error) {
	if t.Target == "" {
		return "", fmt.Errorf("task needs a target")
	}
	if t.Kind == "" {
		t.Kind = domain.TaskKindReaction
	}
	t.Status = domain.WorkStatusQueued
	if err := a.repos.Tasks.Enqueue(ctx, t); err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	return a.admit(ctx, domain.ItemKindTask, t.ID)
}

// SubmitHealthCheck queues a health check request. Empty accountIDs means
// every account.
func (a *Admission) SubmitHealthCheck(ctx context.Context, createdBy string, accountIDs []int64) (int64, Decision, error) {
	req := &domain.HealthCheckRequest{CreatedBy: createdBy, AccountIDs: accountIDs}
	if err := a.repos.Health.CreateRequest(ctx, req); err != nil {
		return 0, "", fmt.Errorf("failed to create health check request: %w", err)
	}
	d, err := a.admit(ctx, domain.ItemKindHealthCheck, req.ID)
	return req.ID, d, err
}

// admit decides how already persisted work will run. Deferred work stays
// queued and ErrNoWorkers tells the caller nobody is there yet.
func (a *Admission) admit(ctx context.Context, kind domain.ItemKind, id int64) (Decision, error) {
	log := a.log.With("kind", kind, "id", id)

	online, err := a.online.AnyOnline(ctx)
	if err != nil {
		log.Warn("Liveness check failed, deferring", "error", err)
		online = false
	}
	if online {
		log.Info("Work dispatched")
		return DecisionDispatched, nil
	}

	if a.fallback != nil {
		log.Info("No worker online, running in-process")
		if err := a.fallback.Execute(ctx, kind, id); err != nil {
			return DecisionFallback, fmt.Errorf("fallback execution failed: %w", err)
		}
		return DecisionFallback, nil
	}

	log.Warn("No worker online, work deferred")
	return DecisionDeferred, ErrNoWorkers
}
