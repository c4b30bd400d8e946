// Package invite drives member migration sessions: members scraped from a
// source group are invited into a target group, one per rotated account.
package invite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/swarm/internal/core/domain"
	"github.com/vietddude/swarm/internal/infra/notify"
	"github.com/vietddude/swarm/internal/infra/session"
	"github.com/vietddude/swarm/internal/infra/storage"
	"github.com/vietddude/swarm/internal/metrics"
	"github.com/vietddude/swarm/internal/processing/batch"
	"github.com/vietddude/swarm/internal/scheduling/backoff"
	"github.com/vietddude/swarm/internal/scheduling/claim"
	"github.com/vietddude/swarm/internal/scheduling/classify"
	"github.com/vietddude/swarm/internal/scheduling/quota"
	"github.com/vietddude/swarm/internal/scheduling/rotation"
)

const (
	MinBatchSize = 8
	MaxBatchSize = 200
)

// Deps are the collaborators of a Processor.
type Deps struct {
	Repos    storage.Repositories
	Claimer  *claim.Claimer
	Quota    *quota.Tracker
	Backoff  *backoff.Manager
	Sessions session.Factory
	Pool     *session.Pool // optional process-scoped pool
	Notifier batch.Notifier
}

// Processor runs migration sessions owned by one worker.
type Processor struct {
	cfg  batch.Config
	deps Deps
	log  *slog.Logger
	now  func() time.Time
}

func NewProcessor(cfg batch.Config, deps Deps) *Processor {
	cfg = cfg.WithDefaults()
	cfg.Size = min(max(cfg.Size, MinBatchSize), MaxBatchSize)
	return &Processor{
		cfg:  cfg,
		deps: deps,
		log:  slog.Default().With("component", "invite", "worker", cfg.WorkerID),
		now:  time.Now,
	}
}

// SetClock overrides the time source.
func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
}

// RunOnce acquires at most one runnable session and drives it until it
// finishes, pauses or yields. It reports whether the session made
// progress: a member was resolved or the session changed status.
func (p *Processor) RunOnce(ctx context.Context) (bool, error) {
	sessions, err := p.deps.Repos.Sessions.ListRunnable(ctx, p.cfg.WorkerID, p.now())
	if err != nil {
		return false, fmt.Errorf("failed to list runnable sessions: %w", err)
	}

	for _, s := range sessions {
		conflict, err := p.deps.Repos.Sessions.HasConflict(ctx, s.ID, s.TargetRef)
		if err != nil {
			return false, fmt.Errorf("failed to check target conflict: %w", err)
		}
		if conflict {
			p.log.Info("Another session is running for the target, skipping", "session", s.ID, "target", s.TargetRef)
			continue
		}

		ok, err := p.deps.Repos.Sessions.Acquire(ctx, s.ID, s.Status, p.cfg.WorkerID, p.now())
		if err != nil {
			return false, fmt.Errorf("failed to acquire session %d: %w", s.ID, err)
		}
		if !ok {
			continue
		}
		return p.run(ctx, s.ID)
	}
	return false, nil
}

type sliceResult int

const (
	sliceFull sliceResult = iota
	sliceDrained
	sliceReached
	sliceExhausted
)

// run is the state of one acquired session.
type run struct {
	p       *Processor
	sess    *domain.MigrationSession
	log     *slog.Logger
	machine *batch.Machine
	gate    *batch.Gate
	pacer   *batch.Pacer
	pool    *session.Pool
	cache   *batch.EntityCache
	rot     *rotation.Rotator
	joined  map[int64]bool

	progress   int // members resolved in the current slice
	progressed bool
}

func (p *Processor) run(ctx context.Context, sessionID int64) (bool, error) {
	r := &run{p: p, log: p.log.With("session", sessionID)}
	err := r.drive(ctx, sessionID)
	return r.progressed, err
}

func (r *run) drive(ctx context.Context, sessionID int64) error {
	p, log := r.p, r.log
	sess, err := p.deps.Repos.Sessions.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session %d: %w", sessionID, err)
	}
	if sess == nil {
		return fmt.Errorf("session %d: %w", sessionID, storage.ErrNotFound)
	}

	r.sess = sess
	r.machine = batch.NewMachine("invite", log)
	r.pacer = batch.NewPacer(p.cfg.Pacing)
	r.cache = batch.NewEntityCache()
	r.joined = make(map[int64]bool)
	r.gate = batch.NewGate(p.cfg.Poll, r.control, log)
	_ = r.machine.To(batch.PhaseClaimed)

	if err := r.recoverStuck(ctx); err != nil {
		log.Warn("Failed to recover stuck members", "error", err)
	}

	accounts, err := p.deps.Repos.Accounts.GetMany(ctx, sess.AccountIDs)
	if err != nil {
		_ = r.machine.To(batch.PhaseError)
		return fmt.Errorf("failed to load accounts: %w", err)
	}
	var active []domain.Account
	for _, a := range accounts {
		if a.IsActive {
			active = append(active, a)
		}
	}
	if len(active) == 0 {
		_ = r.machine.To(batch.PhaseCompleted)
		return r.finish(ctx, domain.SessionStatusFailed, "no active accounts")
	}

	if err := p.deps.Backoff.Refresh(ctx); err != nil {
		log.Warn("Failed to refresh flood state", "error", err)
	}
	r.rot = rotation.NewRotator(active, rotation.NewGovernor(p.deps.Quota, p.deps.Backoff))

	pool, release := session.Lease(p.deps.Pool, p.deps.Sessions)
	defer release(context.WithoutCancel(ctx))
	r.pool = pool

	log.Info("Session started", "accounts", len(active), "target", sess.TargetRef, "requested", sess.RequestedCount)
	_ = r.machine.To(batch.PhaseExecuting)

	for {
		r.progress = 0
		res, err := r.slice(ctx)
		if errors.Is(err, batch.ErrCancelled) {
			_ = r.machine.To(batch.PhaseCompleted)
			log.Info("Session cancelled by operator")
			r.progressed = true
			r.notify(ctx, domain.SessionStatusCancelled, "cancelled by operator")
			return nil
		}
		if err != nil {
			_ = r.machine.To(batch.PhaseError)
			return err
		}

		switch res {
		case sliceReached:
			_ = r.machine.To(batch.PhaseCompleted)
			return r.finish(ctx, domain.SessionStatusCompleted, "")

		case sliceDrained:
			counts, err := p.deps.Repos.Members.CountByStatus(ctx, sess.ID)
			if err != nil {
				_ = r.machine.To(batch.PhaseError)
				return fmt.Errorf("failed to count members: %w", err)
			}
			if counts[domain.WorkStatusQueued] == 0 && counts[domain.WorkStatusProcessing] == 0 {
				_ = r.machine.To(batch.PhaseCompleted)
				return r.finish(ctx, domain.SessionStatusCompleted, "")
			}
			// Members still in flight or waiting out a retry delay; try again next cycle.
			_ = r.machine.To(batch.PhaseNeedsMore)
			_ = r.machine.To(batch.PhaseIdle)
			return nil

		case sliceExhausted:
			_ = r.machine.To(batch.PhaseNeedsMore)
			_ = r.machine.To(batch.PhaseIdle)
			return r.pause(ctx)

		case sliceFull:
			_ = r.machine.To(batch.PhaseNeedsMore)
			if r.progress == 0 {
				// Nothing resolved this slice; yield to the polling loop.
				_ = r.machine.To(batch.PhaseIdle)
				return nil
			}
			_ = r.machine.To(batch.PhaseExecuting)
		}
	}
}

// control maps the stored session status to a run-control signal and
// keeps the local copy's counters fresh.
func (r *run) control(ctx context.Context) (batch.Signal, error) {
	s, err := r.p.deps.Repos.Sessions.Get(ctx, r.sess.ID)
	if err != nil {
		return "", fmt.Errorf("failed to read session status: %w", err)
	}
	if s == nil {
		return batch.SignalCancel, nil
	}
	r.sess = s
	switch {
	case s.Status == domain.SessionStatusCancelled:
		return batch.SignalCancel, nil
	case s.Status == domain.SessionStatusPaused && s.PauseReason == domain.PauseReasonUser:
		return batch.SignalPause, nil
	default:
		return batch.SignalRun, nil
	}
}

func (r *run) slice(ctx context.Context) (sliceResult, error) {
	filter := domain.ClaimFilter{Kind: domain.ItemKindMember, SessionID: r.sess.ID}

	for n := 0; n < r.p.cfg.Size; n++ {
		if err := r.gate.Wait(ctx); err != nil {
			return 0, err
		}
		if r.sess.Reached() {
			return sliceReached, nil
		}

		cand, err := r.p.deps.Claimer.Claim(ctx, filter)
		if err != nil {
			return 0, err
		}
		if cand == nil {
			return sliceDrained, nil
		}
		member, err := r.p.deps.Repos.Members.Get(ctx, cand.ID)
		if err != nil {
			return 0, fmt.Errorf("failed to load member %d: %w", cand.ID, err)
		}
		if member == nil {
			continue
		}

		acc, err := r.rot.Next(ctx)
		if errors.Is(err, rotation.ErrExhausted) {
			if err := r.requeue(ctx, member, domain.Requeue{Reason: "no eligible account"}); err != nil {
				return 0, err
			}
			return sliceExhausted, nil
		}
		if err != nil {
			if rerr := r.requeue(ctx, member, domain.Requeue{Reason: err.Error()}); rerr != nil {
				r.log.Warn("Failed to requeue member", "member", member.ID, "error", rerr)
			}
			return 0, err
		}

		ok, err := r.invite(ctx, acc, member)
		if err != nil {
			return 0, err
		}
		if err := r.pacer.After(ctx, ok); err != nil {
			return 0, err
		}
	}
	return sliceFull, nil
}

// invite performs one member's invite and applies the classified outcome.
func (r *run) invite(ctx context.Context, acc domain.Account, member *domain.QueuedMember) (bool, error) {
	log := r.log.With("account", acc.ID, "member", member.ID)

	client, err := r.pool.Acquire(ctx, acc)
	var target session.Entity
	if err == nil {
		target, err = r.ensureJoined(ctx, client, acc)
	}
	if err == nil {
		_, err = client.Invoke(ctx, session.Action{
			Kind:    session.ActionInviteUser,
			Target:  target,
			UserRef: member.UserRef,
		})
	}

	if err == nil {
		if err := r.p.deps.Quota.Consume(ctx, acc.ID); err != nil {
			return false, err
		}
		if err := r.resolve(ctx, acc, member, domain.WorkStatusSuccess, ""); err != nil {
			return false, err
		}
		metrics.ActionsTotal.WithLabelValues(string(session.ActionInviteUser), "success").Inc()
		log.Debug("Member invited", "user", member.UserRef)
		return true, nil
	}

	if ctx.Err() != nil {
		if err := r.requeue(context.WithoutCancel(ctx), member, domain.Requeue{Reason: "shutdown"}); err != nil {
			log.Warn("Failed to requeue member on shutdown", "error", err)
		}
		return false, ctx.Err()
	}
	return false, r.handleFailure(ctx, log, acc, member, err)
}

// ensureJoined resolves the target for the account and joins it once per batch.
func (r *run) ensureJoined(ctx context.Context, client session.Client, acc domain.Account) (session.Entity, error) {
	target, err := r.cache.Resolve(ctx, client, acc.ID, r.sess.TargetRef)
	if err != nil {
		return session.Entity{}, err
	}
	if r.joined[acc.ID] {
		return target, nil
	}

	res, err := client.Invoke(ctx, session.Action{Kind: session.ActionGetOwnParticipant, Target: target})
	if err != nil {
		return session.Entity{}, err
	}
	if !res.IsParticipant {
		if _, err := client.Invoke(ctx, session.Action{Kind: session.ActionJoin, Target: target}); err != nil {
			return session.Entity{}, err
		}
		r.log.Info("Account joined target", "account", acc.ID, "target", r.sess.TargetRef)
	}
	r.joined[acc.ID] = true
	return target, nil
}

func (r *run) handleFailure(
	ctx context.Context,
	log *slog.Logger,
	acc domain.Account,
	member *domain.QueuedMember,
	cause error,
) error {
	d := classify.Error(cause)
	metrics.ActionsTotal.WithLabelValues(string(session.ActionInviteUser), string(d.Category)).Inc()

	switch d.Action {
	case classify.ActionDisableAccount:
		log.Warn("Session invalid, disabling account", "error", d.Raw)
		if err := r.p.deps.Repos.Accounts.SetActive(ctx, acc.ID, false, d.Raw); err != nil {
			return fmt.Errorf("failed to disable account %d: %w", acc.ID, err)
		}
		r.rot.Remove(acc.ID)
		r.pool.Release(ctx, acc.ID)
		return r.requeue(ctx, member, domain.Requeue{Reason: d.Raw})

	case classify.ActionBackoffRequeue:
		if _, err := r.p.deps.Backoff.Arm(ctx, acc.ID, d.Wait, backoff.DefaultSessionWait); err != nil {
			log.Warn("Failed to persist flood wait", "error", err)
		}
		r.rot.MarkCoolingDown(acc.ID)
		return r.requeue(ctx, member, domain.Requeue{Reason: d.Raw})

	case classify.ActionRequeue:
		log.Warn("Transient provider failure, requeueing", "error", d.Raw)
		r.pool.Release(ctx, acc.ID)
		return r.requeue(ctx, member, r.retryLater(member, d.Raw, false))

	case classify.ActionSurface, classify.ActionRequeueOnce:
		if d.Action == classify.ActionSurface {
			log.Warn("Provider requested a data-center migration", "error", d.Raw)
		} else {
			log.Error("Unknown provider error", "error", d.Raw)
		}
		if member.OnceRetries >= 1 {
			return r.resolve(ctx, acc, member, domain.WorkStatusFailed, d.Raw)
		}
		return r.requeue(ctx, member, r.retryLater(member, d.Raw, true))

	default:
		log.Info("Member failed", "user", member.UserRef, "error", d.Raw)
		return r.resolve(ctx, acc, member, domain.WorkStatusFailed, d.Raw)
	}
}

func (r *run) resolve(
	ctx context.Context,
	acc domain.Account,
	member *domain.QueuedMember,
	status domain.WorkStatus,
	reason string,
) error {
	err := r.p.deps.Repos.Members.Resolve(ctx, domain.MemberResolution{
		MemberID:  member.ID,
		SessionID: member.SessionID,
		AccountID: acc.ID,
		Status:    status,
		Reason:    reason,
		At:        r.p.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to resolve member %d: %w", member.ID, err)
	}
	if status == domain.WorkStatusSuccess {
		r.sess.SuccessCount++
	} else {
		r.sess.FailedCount++
	}
	r.progress++
	r.progressed = true
	return nil
}

func (r *run) requeue(ctx context.Context, member *domain.QueuedMember, req domain.Requeue) error {
	if err := r.p.deps.Repos.Members.Requeue(ctx, member.ID, req); err != nil {
		return fmt.Errorf("failed to requeue member %d: %w", member.ID, err)
	}
	return nil
}

// retryLater counts a retry against the member and keeps it out of line
// for the retry delay.
func (r *run) retryLater(member *domain.QueuedMember, reason string, once bool) domain.Requeue {
	at := r.p.now().Add(r.p.cfg.RetryAfter(member.RetryCount))
	return domain.Requeue{Reason: reason, Retry: true, Once: once, NotBefore: &at}
}

// recoverStuck puts this worker's abandoned members back in line.
func (r *run) recoverStuck(ctx context.Context) error {
	stuck, err := r.p.deps.Claimer.Recover(ctx, domain.ItemKindMember, 0)
	if err != nil {
		return err
	}
	for _, c := range stuck {
		if err := r.p.deps.Repos.Members.Requeue(ctx, c.ID, domain.Requeue{Reason: "recovered"}); err != nil {
			return fmt.Errorf("failed to requeue member %d: %w", c.ID, err)
		}
	}
	return nil
}

func (r *run) pause(ctx context.Context) error {
	now := r.p.now()
	reason, resumeAt, ok := batch.PauseFor(r.rot, r.p.deps.Backoff, r.p.deps.Quota.ResetAt(), now)
	if !ok {
		return r.finish(ctx, domain.SessionStatusFailed, "no usable accounts")
	}
	moved, err := r.p.deps.Repos.Sessions.Transition(
		ctx, r.sess.ID, domain.SessionStatusRunning, domain.SessionStatusPaused, reason, &resumeAt, now,
	)
	if err != nil {
		return fmt.Errorf("failed to pause session: %w", err)
	}
	if moved {
		r.progressed = true
		r.log.Info("Session paused", "reason", reason, "resume_at", resumeAt)
	}
	return nil
}

// finish moves the session to a terminal status and sends its one summary.
func (r *run) finish(ctx context.Context, status domain.SessionStatus, reason string) error {
	moved, err := r.p.deps.Repos.Sessions.Transition(
		ctx, r.sess.ID, domain.SessionStatusRunning, status, domain.PauseReasonNone, nil, r.p.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to finish session: %w", err)
	}
	if !moved {
		r.log.Warn("Session changed state before finishing", "want", status)
		return nil
	}
	r.progressed = true
	r.log.Info("Session finished", "status", status, "reason", reason)
	r.notify(ctx, status, reason)
	return nil
}

func (r *run) notify(ctx context.Context, status domain.SessionStatus, reason string) {
	if r.p.deps.Notifier == nil {
		return
	}
	s, err := r.p.deps.Repos.Sessions.Get(ctx, r.sess.ID)
	if err != nil || s == nil {
		s = r.sess
	}
	r.p.deps.Notifier.Send(ctx, notify.Summary{
		Kind:      "migration",
		ItemID:    s.ID,
		Status:    string(status),
		Requested: s.RequestedCount,
		Success:   s.SuccessCount,
		Failed:    s.FailedCount,
		Reason:    reason,
		CreatedBy: s.CreatedBy,
	})
}
