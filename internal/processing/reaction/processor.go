// Package reaction drives engagement tasks: every account in a task reacts
// once to each of the target channel's recent messages.
package reaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
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

// DefaultEmoji is used when a task carries no emoji pool.
const DefaultEmoji = "👍"

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

// Processor runs reaction tasks for one worker.
type Processor struct {
	cfg  batch.Config
	deps Deps
	log  *slog.Logger
	now  func() time.Time
	pick func(n int) int
}

func NewProcessor(cfg batch.Config, deps Deps) *Processor {
	return &Processor{
		cfg:  cfg.WithDefaults(),
		deps: deps,
		log:  slog.Default().With("component", "reaction", "worker", cfg.WorkerID),
		now:  time.Now,
		pick: rand.IntN,
	}
}

// SetClock overrides the time source.
func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
}

// RunOnce resumes one of this worker's stuck tasks, or claims the next
// queued one, and drives it. It reports whether the task made progress: a
// sub-step reached an outcome or the task reached a terminal status.
func (p *Processor) RunOnce(ctx context.Context) (bool, error) {
	recovered, err := p.deps.Claimer.Recover(ctx, domain.ItemKindTask, 1)
	if err != nil {
		p.log.Warn("Failed to recover stuck tasks", "error", err)
	}
	if len(recovered) > 0 {
		return p.run(ctx, recovered[0].ID)
	}

	cand, err := p.deps.Claimer.Claim(ctx, domain.ClaimFilter{Kind: domain.ItemKindTask, Unassigned: true})
	if err != nil {
		return false, err
	}
	if cand == nil {
		return false, nil
	}
	return p.run(ctx, cand.ID)
}

// step is one (message, account) reaction.
type step struct {
	messageID int64
	accountID int64
}

func (s step) key() string {
	return strconv.FormatInt(s.messageID, 10) + ":" + strconv.FormatInt(s.accountID, 10)
}

// run is the state of one claimed task.
type run struct {
	p       *Processor
	task    *domain.Task
	log     *slog.Logger
	machine *batch.Machine
	gate    *batch.Gate
	pacer   *batch.Pacer
	pool    *session.Pool
	cache   *batch.EntityCache
	gov     *rotation.Governor
	byID    map[int64]domain.Account

	disabled map[int64]bool
	cooling  map[int64]bool

	pending    int
	overQuota  bool
	transient  bool
	retryOnce  bool
	progressed bool
}

func (p *Processor) run(ctx context.Context, taskID int64) (bool, error) {
	r := &run{p: p, log: p.log.With("task", taskID)}
	err := r.drive(ctx, taskID)
	return r.progressed, err
}

func (r *run) drive(ctx context.Context, taskID int64) error {
	p, log := r.p, r.log
	task, err := p.deps.Repos.Tasks.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to load task %d: %w", taskID, err)
	}
	if task == nil {
		return fmt.Errorf("task %d: %w", taskID, storage.ErrNotFound)
	}

	r.task = task
	r.machine = batch.NewMachine("reaction", log)
	r.pacer = batch.NewPacer(p.cfg.Pacing)
	r.cache = batch.NewEntityCache()
	r.gov = rotation.NewGovernor(p.deps.Quota, p.deps.Backoff)
	r.byID = make(map[int64]domain.Account)
	r.disabled = make(map[int64]bool)
	r.cooling = make(map[int64]bool)
	r.gate = batch.NewGate(p.cfg.Poll, r.control, log)
	_ = r.machine.To(batch.PhaseClaimed)

	accounts, err := p.deps.Repos.Accounts.GetMany(ctx, task.AccountIDs)
	if err != nil {
		_ = r.machine.To(batch.PhaseError)
		return fmt.Errorf("failed to load accounts: %w", err)
	}
	var active []domain.Account
	for _, a := range accounts {
		if a.IsActive {
			active = append(active, a)
			r.byID[a.ID] = a
		}
	}
	if len(active) == 0 {
		_ = r.machine.To(batch.PhaseCompleted)
		return r.finish(ctx, domain.WorkStatusFailed, "no active accounts")
	}

	if err := p.deps.Backoff.Refresh(ctx); err != nil {
		log.Warn("Failed to refresh flood state", "error", err)
	}
	pool, release := session.Lease(p.deps.Pool, p.deps.Sessions)
	defer release(context.WithoutCancel(ctx))
	r.pool = pool

	done, err := r.replay(ctx)
	if err != nil {
		_ = r.machine.To(batch.PhaseError)
		return err
	}

	messages, ok, err := r.fetchMessages(ctx, active)
	if err != nil {
		_ = r.machine.To(batch.PhaseError)
		return err
	}
	if !ok {
		// Released or finished while fetching.
		_ = r.machine.To(batch.PhaseCompleted)
		return nil
	}

	var steps []step
	for _, msg := range messages {
		for _, acc := range active {
			s := step{messageID: msg, accountID: acc.ID}
			if !done[s.key()] {
				steps = append(steps, s)
			}
		}
	}
	log.Info("Task started", "messages", len(messages), "accounts", len(active), "steps", len(steps), "replayed", len(done))

	_ = r.machine.To(batch.PhaseExecuting)
	for len(steps) > 0 {
		n := min(len(steps), p.cfg.Size)
		err := r.slice(ctx, steps[:n])
		if errors.Is(err, batch.ErrCancelled) {
			_ = r.machine.To(batch.PhaseCompleted)
			log.Info("Task cancelled by operator")
			r.progressed = true
			r.notify(ctx, domain.WorkStatusCancelled, "cancelled by operator")
			return nil
		}
		if err != nil {
			_ = r.machine.To(batch.PhaseError)
			return err
		}
		steps = steps[n:]
		if r.task.Remaining() == 0 || len(steps) == 0 {
			break
		}
		_ = r.machine.To(batch.PhaseNeedsMore)
		_ = r.machine.To(batch.PhaseExecuting)
	}

	if r.pending > 0 && r.task.Remaining() != 0 {
		_ = r.machine.To(batch.PhaseNeedsMore)
		_ = r.machine.To(batch.PhaseIdle)
		return r.release(ctx)
	}

	_ = r.machine.To(batch.PhaseCompleted)
	status := domain.WorkStatusCompleted
	if r.task.SuccessCount == 0 && r.task.FailedCount > 0 {
		status = domain.WorkStatusFailed
	}
	return r.finish(ctx, status, "")
}

func (r *run) control(ctx context.Context) (batch.Signal, error) {
	status, err := r.p.deps.Repos.Tasks.Status(ctx, r.task.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return batch.SignalCancel, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read task status: %w", err)
	}
	if status == domain.WorkStatusCancelled {
		return batch.SignalCancel, nil
	}
	return batch.SignalRun, nil
}

// replay returns the sub-steps that already reached an outcome.
func (r *run) replay(ctx context.Context) (map[string]bool, error) {
	entries, err := r.p.deps.Repos.Actions.List(ctx, domain.ItemKindTask, r.task.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to replay action log: %w", err)
	}
	done := make(map[string]bool, len(entries))
	for _, e := range entries {
		done[e.SubKey] = true
	}
	return done, nil
}

// fetchMessages reads the target's recent message IDs through the first
// eligible account in rotation. ok is false when the task was released or
// finished instead.
func (r *run) fetchMessages(ctx context.Context, active []domain.Account) ([]int64, bool, error) {
	rot := rotation.NewRotator(active, r.gov)
	for {
		acc, err := rot.Next(ctx)
		if errors.Is(err, rotation.ErrExhausted) {
			overQuota, coolingDown := rot.Exhaustion()
			if len(overQuota) == 0 && len(coolingDown) == 0 {
				return nil, false, r.finish(ctx, domain.WorkStatusFailed, "no usable accounts")
			}
			r.pending, r.overQuota = 1, len(overQuota) > 0
			return nil, false, r.release(ctx)
		}
		if err != nil {
			return nil, false, err
		}

		client, target, err := r.connect(ctx, acc)
		var res session.Result
		if err == nil {
			res, err = client.Invoke(ctx, session.Action{
				Kind:   session.ActionGetMessages,
				Target: target,
				Limit:  r.task.MessageLimit,
			})
		}
		if err == nil {
			metrics.ActionsTotal.WithLabelValues(string(session.ActionGetMessages), "success").Inc()
			return res.MessageIDs, true, nil
		}
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}

		d := classify.Error(err)
		metrics.ActionsTotal.WithLabelValues(string(session.ActionGetMessages), string(d.Category)).Inc()
		if d.Action == classify.ActionFail {
			return nil, false, r.finish(ctx, domain.WorkStatusFailed, d.Raw)
		}
		if err := r.applyAccountEffect(ctx, acc, d); err != nil {
			return nil, false, err
		}
		switch d.Action {
		case classify.ActionDisableAccount:
			rot.Remove(acc.ID)
		case classify.ActionBackoffRequeue:
			rot.MarkCoolingDown(acc.ID)
		default:
			r.pending = 1
			switch d.Action {
			case classify.ActionRequeue:
				r.transient = true
			case classify.ActionSurface, classify.ActionRequeueOnce:
				if r.task.OnceRetries >= 1 {
					return nil, false, r.finish(ctx, domain.WorkStatusFailed, d.Raw)
				}
				r.retryOnce = true
			}
			return nil, false, r.release(ctx)
		}
	}
}

func (r *run) connect(ctx context.Context, acc domain.Account) (session.Client, session.Entity, error) {
	client, err := r.pool.Acquire(ctx, acc)
	if err != nil {
		return nil, session.Entity{}, err
	}
	target, err := r.cache.Resolve(ctx, client, acc.ID, r.task.Target)
	if err != nil {
		return nil, session.Entity{}, err
	}
	return client, target, nil
}

func (r *run) slice(ctx context.Context, steps []step) error {
	for _, s := range steps {
		if err := r.gate.Wait(ctx); err != nil {
			return err
		}
		if r.task.Remaining() == 0 {
			return nil
		}
		if r.disabled[s.accountID] {
			continue
		}
		if r.cooling[s.accountID] {
			r.pending++
			continue
		}

		verdict, err := r.gov.Check(ctx, s.accountID)
		if err != nil {
			return err
		}
		switch verdict {
		case rotation.VerdictCoolingDown:
			r.cooling[s.accountID] = true
			r.pending++
			continue
		case rotation.VerdictOverQuota:
			r.overQuota = true
			r.pending++
			continue
		}

		ok, err := r.react(ctx, s)
		if err != nil {
			return err
		}
		if err := r.pacer.After(ctx, ok); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) react(ctx context.Context, s step) (bool, error) {
	acc := r.byID[s.accountID]
	log := r.log.With("account", acc.ID, "message", s.messageID)

	client, target, err := r.connect(ctx, acc)
	if err == nil {
		_, err = client.Invoke(ctx, session.Action{
			Kind:      session.ActionSendReaction,
			Target:    target,
			MessageID: s.messageID,
			Emoji:     r.emoji(),
		})
	}

	if err == nil {
		if err := r.p.deps.Quota.Consume(ctx, acc.ID); err != nil {
			return false, err
		}
		if err := r.record(ctx, s, domain.OutcomeSuccess, ""); err != nil {
			return false, err
		}
		metrics.ActionsTotal.WithLabelValues(string(session.ActionSendReaction), "success").Inc()
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	d := classify.Error(err)
	metrics.ActionsTotal.WithLabelValues(string(session.ActionSendReaction), string(d.Category)).Inc()
	if err := r.applyAccountEffect(ctx, acc, d); err != nil {
		return false, err
	}

	switch d.Action {
	case classify.ActionDisableAccount:
		// Steps of a disabled account are dropped.
	case classify.ActionBackoffRequeue:
		r.pending++
	case classify.ActionRequeue:
		r.transient = true
		r.pending++
	case classify.ActionSurface, classify.ActionRequeueOnce:
		if r.task.OnceRetries >= 1 {
			return false, r.record(ctx, s, domain.OutcomeFailed, d.Raw)
		}
		r.retryOnce = true
		r.pending++
	default:
		log.Info("Reaction failed", "error", d.Raw)
		return false, r.record(ctx, s, domain.OutcomeFailed, d.Raw)
	}
	return false, nil
}

// applyAccountEffect updates account state for a classified failure.
func (r *run) applyAccountEffect(ctx context.Context, acc domain.Account, d classify.Decision) error {
	log := r.log.With("account", acc.ID)
	switch d.Action {
	case classify.ActionDisableAccount:
		log.Warn("Session invalid, disabling account", "error", d.Raw)
		if err := r.p.deps.Repos.Accounts.SetActive(ctx, acc.ID, false, d.Raw); err != nil {
			return fmt.Errorf("failed to disable account %d: %w", acc.ID, err)
		}
		r.disabled[acc.ID] = true
		r.pool.Release(ctx, acc.ID)
	case classify.ActionBackoffRequeue:
		if _, err := r.p.deps.Backoff.Arm(ctx, acc.ID, d.Wait, backoff.DefaultActionWait); err != nil {
			log.Warn("Failed to persist flood wait", "error", err)
		}
		r.cooling[acc.ID] = true
	case classify.ActionRequeue:
		log.Warn("Transient provider failure", "error", d.Raw)
		r.pool.Release(ctx, acc.ID)
	case classify.ActionSurface:
		log.Warn("Provider requested a data-center migration", "error", d.Raw)
	case classify.ActionRequeueOnce:
		log.Error("Unknown provider error", "error", d.Raw)
	}
	return nil
}

func (r *run) record(ctx context.Context, s step, outcome domain.ActionOutcome, reason string) error {
	entry := &domain.ActionLogEntry{
		ItemKind:  domain.ItemKindTask,
		ItemID:    r.task.ID,
		AccountID: s.accountID,
		SubKey:    s.key(),
		Outcome:   outcome,
		Error:     reason,
		CreatedAt: r.p.now(),
	}
	if err := r.p.deps.Repos.Actions.Append(ctx, entry); err != nil {
		return fmt.Errorf("failed to log reaction: %w", err)
	}
	success, failed := 0, 1
	if outcome == domain.OutcomeSuccess {
		success, failed = 1, 0
	}
	if err := r.p.deps.Repos.Tasks.AddCounts(ctx, r.task.ID, success, failed); err != nil {
		return fmt.Errorf("failed to update task counters: %w", err)
	}
	r.task.SuccessCount += success
	r.task.FailedCount += failed
	r.progressed = true
	return nil
}

func (r *run) emoji() string {
	if len(r.task.Emojis) == 0 {
		return DefaultEmoji
	}
	return r.task.Emojis[r.p.pick(len(r.task.Emojis))]
}

// release puts the task back in the queue with its pending steps. The task
// is not claimable again before the earliest moment one of them could run.
func (r *run) release(ctx context.Context) error {
	reason := "transient"
	switch {
	case len(r.cooling) > 0:
		reason = "flood"
	case r.overQuota:
		reason = "quota"
	}
	resume := r.resumeAt()
	err := r.p.deps.Repos.Tasks.Requeue(ctx, r.task.ID, domain.Requeue{
		Reason:    reason,
		Retry:     r.transient || r.retryOnce,
		Once:      r.retryOnce,
		NotBefore: resume,
	})
	if errors.Is(err, storage.ErrGuardFailed) {
		r.log.Info("Task changed state before release")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to release task: %w", err)
	}
	r.log.Info("Task released", "reason", reason, "pending", r.pending, "resume_at", resume)
	return nil
}

// resumeAt is the earliest of the cool-down expiry, the quota rollover and
// the retry delay, whichever apply. nil means at once.
func (r *run) resumeAt() *time.Time {
	var at time.Time
	earlier := func(t time.Time) {
		if at.IsZero() || t.Before(at) {
			at = t
		}
	}
	if len(r.cooling) > 0 {
		ids := make([]int64, 0, len(r.cooling))
		for id := range r.cooling {
			ids = append(ids, id)
		}
		if until, ok := r.p.deps.Backoff.Earliest(ids); ok {
			earlier(until)
		}
	}
	if r.overQuota {
		earlier(r.p.deps.Quota.ResetAt())
	}
	if r.transient || r.retryOnce {
		earlier(r.p.now().Add(r.p.cfg.RetryAfter(r.task.RetryCount)))
	}
	if at.IsZero() {
		return nil
	}
	return &at
}

func (r *run) finish(ctx context.Context, status domain.WorkStatus, reason string) error {
	err := r.p.deps.Repos.Tasks.Finish(ctx, r.task.ID, status, reason, r.p.now())
	if errors.Is(err, domain.ErrInvalidTransition) {
		r.log.Warn("Task changed state before finishing", "want", status)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to finish task: %w", err)
	}
	r.progressed = true
	r.log.Info("Task finished", "status", status, "success", r.task.SuccessCount, "failed", r.task.FailedCount)
	r.notify(ctx, status, reason)
	return nil
}

func (r *run) notify(ctx context.Context, status domain.WorkStatus, reason string) {
	if r.p.deps.Notifier == nil {
		return
	}
	r.p.deps.Notifier.Send(ctx, notify.Summary{
		Kind:      "reaction",
		ItemID:    r.task.ID,
		Status:    string(status),
		Requested: r.task.RequestedCount,
		Success:   r.task.SuccessCount,
		Failed:    r.task.FailedCount,
		Reason:    reason,
		CreatedBy: r.task.CreatedBy,
	})
}
