package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/swarm/internal/core/domain"
	"github.com/vietddude/swarm/internal/infra/notify"
	"github.com/vietddude/swarm/internal/infra/storage"
	"github.com/vietddude/swarm/internal/processing/batch"
	"github.com/vietddude/swarm/internal/scheduling/claim"
)

// Runner drains health check requests.
type Runner struct {
	repos    storage.Repositories
	claimer  *claim.Claimer
	prober   *Prober
	notifier batch.Notifier
	log      *slog.Logger
	now      func() time.Time
}

func NewRunner(repos storage.Repositories, claimer *claim.Claimer, prober *Prober, notifier batch.Notifier) *Runner {
	return &Runner{
		repos:    repos,
		claimer:  claimer,
		prober:   prober,
		notifier: notifier,
		log:      slog.Default().With("component", "health_runner", "worker", claimer.WorkerID()),
		now:      time.Now,
	}
}

// SetClock overrides the time source.
func (r *Runner) SetClock(now func() time.Time) {
	r.now = now
}

// RunOnce claims and runs one request. It reports whether a request was
// handled. A request interrupted by shutdown stays processing and is
// recovered by this worker later.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	var id int64
	stuck, err := r.claimer.Recover(ctx, domain.ItemKindHealthCheck, 1)
	if err != nil {
		r.log.Warn("Failed to recover stuck health checks", "error", err)
	}
	if len(stuck) > 0 {
		id = stuck[0].ID
	} else {
		cand, err := r.claimer.Claim(ctx, domain.ClaimFilter{Kind: domain.ItemKindHealthCheck})
		if err != nil {
			return false, err
		}
		if cand == nil {
			return false, nil
		}
		id = cand.ID
	}
	if err := r.run(ctx, id); err != nil {
		return ctx.Err() == nil, err
	}
	return true, nil
}

// Execute claims one specific request and runs it in the calling process.
func (r *Runner) Execute(ctx context.Context, kind domain.ItemKind, id int64) error {
	if kind != domain.ItemKindHealthCheck {
		return fmt.Errorf("health runner cannot execute %s items", kind)
	}
	won, err := r.repos.Queue.TryClaim(ctx, kind, id, r.claimer.WorkerID(), r.now())
	if err != nil {
		return fmt.Errorf("failed to claim health check: %w", err)
	}
	if !won {
		return nil
	}
	return r.run(ctx, id)
}

func (r *Runner) run(ctx context.Context, id int64) error {
	log := r.log.With("request", id)

	req, err := r.repos.Health.GetRequest(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load health check: %w", err)
	}
	if req == nil {
		return nil
	}

	accounts, err := r.repos.Accounts.GetMany(ctx, req.AccountIDs)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return r.fail(ctx, req, fmt.Errorf("failed to load accounts: %w", err))
	}

	log.Info("Probing accounts", "count", len(accounts))
	results, err := r.prober.ProbeAll(ctx, accounts)
	if ctx.Err() != nil {
		log.Info("Health check interrupted, leaving it for recovery")
		return ctx.Err()
	}
	if err != nil {
		return r.fail(ctx, req, err)
	}

	summary := notify.Summary{
		Kind:      "health_check",
		ItemID:    req.ID,
		Status:    string(domain.RequestStatusDone),
		Requested: len(accounts),
		CreatedBy: req.CreatedBy,
	}
	for i, rec := range results {
		acc := accounts[i]
		line := fmt.Sprintf("%s: %s", acc.Label, rec.Status)
		if rec.Status == domain.ProbeOK {
			summary.Success++
		} else {
			summary.Failed++
			line += " (" + rec.LastError + ")"
		}
		summary.Lines = append(summary.Lines, line)

		if rec.Status == domain.ProbeInvalidSession && acc.IsActive {
			if err := r.repos.Accounts.SetActive(ctx, acc.ID, false, rec.LastError); err != nil {
				log.Error("Failed to disable account", "account", acc.ID, "error", err)
			} else {
				log.Warn("Account disabled", "account", acc.ID, "reason", rec.LastError)
			}
		}
	}

	if err := r.repos.Health.FinishRequest(ctx, req.ID, domain.RequestStatusDone, "", r.now()); err != nil {
		return fmt.Errorf("failed to finish health check: %w", err)
	}
	log.Info("Health check done", "ok", summary.Success, "failed", summary.Failed)
	r.notifier.Send(ctx, summary)
	return nil
}

func (r *Runner) fail(ctx context.Context, req *domain.HealthCheckRequest, cause error) error {
	if err := r.repos.Health.FinishRequest(ctx, req.ID, domain.RequestStatusFailed, cause.Error(), r.now()); err != nil {
		return fmt.Errorf("failed to fail health check: %w", err)
	}
	r.notifier.Send(ctx, notify.Summary{
		Kind:      "health_check",
		ItemID:    req.ID,
		Status:    string(domain.RequestStatusFailed),
		Reason:    cause.Error(),
		CreatedBy: req.CreatedBy,
	})
	return cause
}
