package invite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/vietddude/swarm/internal/core/domain"
	"github.com/vietddude/swarm/internal/infra/notify"
	"github.com/vietddude/swarm/internal/infra/session"
	"github.com/vietddude/swarm/internal/infra/session/sessiontest"
	"github.com/vietddude/swarm/internal/infra/storage"
	"github.com/vietddude/swarm/internal/infra/storage/memory"
	"github.com/vietddude/swarm/internal/processing/batch"
	"github.com/vietddude/swarm/internal/scheduling/backoff"
	"github.com/vietddude/swarm/internal/scheduling/claim"
	"github.com/vietddude/swarm/internal/scheduling/quota"
)

var testNow = time.Date(2026, 5, 5, 10, 0, 0, 0, time.UTC)

type env struct {
	repos    storage.Repositories
	fake     *sessiontest.Fake
	sink     *notify.MemorySink
	backoff  *backoff.Manager
	proc     *Processor
	now      time.Time
	accounts []int64
}

func newEnv(t *testing.T, accounts, limit int) *env {
	t.Helper()
	store := memory.NewMemoryStorage()
	repos := store.Repositories()
	ctx := context.Background()

	e := &env{repos: repos, fake: sessiontest.NewFake(), sink: &notify.MemorySink{}, now: testNow}
	clock := func() time.Time { return e.now }
	for i := 0; i < accounts; i++ {
		acc := &domain.Account{Label: fmt.Sprintf("acc-%d", i+1), IsActive: true}
		if err := repos.Accounts.Create(ctx, acc); err != nil {
			t.Fatalf("Create account failed: %v", err)
		}
		e.accounts = append(e.accounts, acc.ID)
	}

	tracker := quota.NewTracker(repos.Quota, repos.Accounts, limit)
	tracker.SetClock(clock)
	e.backoff = backoff.NewManager(repos.Flood)
	e.backoff.SetClock(clock)
	claimer := claim.NewClaimer(claim.Config{WorkerID: "w1"}, repos.Queue)
	claimer.SetClock(clock)

	e.proc = NewProcessor(batch.Config{WorkerID: "w1", Poll: time.Millisecond}, Deps{
		Repos:    repos,
		Claimer:  claimer,
		Quota:    tracker,
		Backoff:  e.backoff,
		Sessions: e.fake,
		Notifier: notify.NewNotifier(e.sink, 100),
	})
	e.proc.SetClock(clock)
	return e
}

func (e *env) newSession(t *testing.T, requested int, members ...string) int64 {
	t.Helper()
	ctx := context.Background()
	s := &domain.MigrationSession{
		SourceRef:      "@source",
		TargetRef:      "@target",
		AccountIDs:     e.accounts,
		RequestedCount: requested,
		CreatedBy:      "ops",
	}
	if err := e.repos.Sessions.Create(ctx, s); err != nil {
		t.Fatalf("Create session failed: %v", err)
	}
	if _, err := e.repos.Members.Enqueue(ctx, s.ID, members); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return s.ID
}

func users(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("user%d", i+1)
	}
	return out
}

// cycle runs one RunOnce and reports whether it made progress.
func (e *env) cycle(t *testing.T) bool {
	t.Helper()
	busy, err := e.proc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	return busy
}

func (e *env) runOnce(t *testing.T) {
	t.Helper()
	if !e.cycle(t) {
		t.Fatal("RunOnce made no progress")
	}
}

// settle runs cycles until the session is terminal, letting retry delays
// elapse in between.
func (e *env) settle(t *testing.T, id int64) {
	t.Helper()
	for i := 0; i < 10; i++ {
		e.cycle(t)
		if e.session(t, id).Status.IsTerminal() {
			return
		}
		e.now = e.now.Add(batch.DefaultRetryDelayMax)
	}
	t.Fatalf("session %d did not settle", id)
}

func (e *env) counts(t *testing.T, id int64) map[domain.WorkStatus]int {
	t.Helper()
	c, err := e.repos.Members.CountByStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	return c
}

func (e *env) session(t *testing.T, id int64) *domain.MigrationSession {
	t.Helper()
	s, err := e.repos.Sessions.Get(context.Background(), id)
	if err != nil || s == nil {
		t.Fatalf("Get session = %v, %v", s, err)
	}
	return s
}

func TestProcessor_QuotaExhaustionPauses(t *testing.T) {
	e := newEnv(t, 3, 2)
	id := e.newSession(t, 0, users(10)...)

	e.runOnce(t)

	c := e.counts(t, id)
	if c[domain.WorkStatusSuccess] != 6 || c[domain.WorkStatusQueued] != 4 {
		t.Errorf("counts = %v, want 6 success and 4 queued", c)
	}
	s := e.session(t, id)
	if s.Status != domain.SessionStatusPaused || s.PauseReason != domain.PauseReasonQuota {
		t.Errorf("session = %s/%s, want paused/quota", s.Status, s.PauseReason)
	}
	if want := time.Date(2026, 5, 6, 0, 0, 0, 0, time.UTC); s.ResumeAt == nil || !s.ResumeAt.Equal(want) {
		t.Errorf("ResumeAt = %v, want %v", s.ResumeAt, want)
	}
	if s.SuccessCount != 6 {
		t.Errorf("SuccessCount = %d, want 6", s.SuccessCount)
	}
	if n := len(e.sink.Summaries()); n != 0 {
		t.Errorf("summaries = %d, pausing is not terminal", n)
	}

	// Round robin: each account invited twice.
	per := make(map[int64]int)
	for _, call := range e.fake.CallsOf(session.ActionInviteUser) {
		per[call.AccountID]++
	}
	for _, acc := range e.accounts {
		if per[acc] != 2 {
			t.Errorf("account %d invited %d times, want 2", acc, per[acc])
		}
	}

	// Paused until midnight: not runnable now.
	if picked, _ := e.proc.RunOnce(context.Background()); picked {
		t.Error("paused session was picked up before its resume time")
	}
}

func TestProcessor_CompletesAndNotifiesOnce(t *testing.T) {
	e := newEnv(t, 2, 0)
	id := e.newSession(t, 0, users(5)...)

	e.runOnce(t)

	s := e.session(t, id)
	if s.Status != domain.SessionStatusCompleted || s.SuccessCount != 5 {
		t.Errorf("session = %s with %d success, want completed with 5", s.Status, s.SuccessCount)
	}
	got := e.sink.Summaries()
	if len(got) != 1 || got[0].Status != "completed" || got[0].Success != 5 {
		t.Errorf("summaries = %+v, want one completed summary", got)
	}

	// Each account joins once per batch.
	if joins := len(e.fake.CallsOf(session.ActionJoin)); joins != 2 {
		t.Errorf("joins = %d, want 2", joins)
	}
	for _, acc := range e.accounts {
		if e.fake.Resolves(acc) != 1 {
			t.Errorf("account %d resolved target %d times, want 1", acc, e.fake.Resolves(acc))
		}
		if e.fake.Disconnects(acc) != 1 {
			t.Errorf("account %d disconnected %d times, want 1 at batch end", acc, e.fake.Disconnects(acc))
		}
	}
}

func TestProcessor_SkipsJoinWhenParticipant(t *testing.T) {
	e := newEnv(t, 1, 0)
	e.fake.InvokeFunc = func(accountID int64, a session.Action) (session.Result, error) {
		if a.Kind == session.ActionGetOwnParticipant {
			return session.Result{IsParticipant: true}, nil
		}
		return session.Result{}, nil
	}
	e.newSession(t, 0, users(2)...)
	e.runOnce(t)

	if joins := len(e.fake.CallsOf(session.ActionJoin)); joins != 0 {
		t.Errorf("joins = %d, want 0", joins)
	}
}

func TestProcessor_RequestedCountReached(t *testing.T) {
	e := newEnv(t, 1, 0)
	id := e.newSession(t, 3, users(5)...)
	e.runOnce(t)

	s := e.session(t, id)
	if s.Status != domain.SessionStatusCompleted || s.SuccessCount != 3 {
		t.Errorf("session = %s with %d success, want completed with 3", s.Status, s.SuccessCount)
	}
	if c := e.counts(t, id); c[domain.WorkStatusQueued] != 2 {
		t.Errorf("queued = %d, want 2 untouched", c[domain.WorkStatusQueued])
	}
}

func TestProcessor_ErrorHandling(t *testing.T) {
	tests := []struct {
		name        string
		accounts    int
		members     int
		invoke      func(accountID int64, a session.Action) (session.Result, error)
		wantStatus  domain.SessionStatus
		wantSuccess int
		wantFailed  int
		check       func(t *testing.T, e *env)
	}{
		{
			name:     "permanent error fails only that member",
			accounts: 1,
			members:  3,
			invoke: func(_ int64, a session.Action) (session.Result, error) {
				if a.Kind == session.ActionInviteUser && a.UserRef == "user2" {
					return session.Result{}, &session.Error{Code: "USER_PRIVACY_RESTRICTED", Message: "privacy"}
				}
				return session.Result{}, nil
			},
			wantStatus:  domain.SessionStatusCompleted,
			wantSuccess: 2,
			wantFailed:  1,
		},
		{
			name:     "flood wait moves the member to the next account",
			accounts: 2,
			members:  3,
			invoke: func(accountID int64, a session.Action) (session.Result, error) {
				if a.Kind == session.ActionInviteUser && accountID == 1 {
					return session.Result{}, &session.Error{Code: "FLOOD_WAIT", WaitSeconds: 60}
				}
				return session.Result{}, nil
			},
			wantStatus:  domain.SessionStatusCompleted,
			wantSuccess: 3,
			check: func(t *testing.T, e *env) {
				until, ok := e.backoff.Until(1)
				if !ok || !until.Equal(testNow.Add(60*time.Second)) {
					t.Errorf("flood until = %v, %v; want %v", until, ok, testNow.Add(60*time.Second))
				}
				if n := len(e.fake.CallsOf(session.ActionInviteUser)); n != 4 {
					t.Errorf("invites = %d, want 4 (one flood, three successes)", n)
				}
			},
		},
		{
			name:     "invalid session disables the account",
			accounts: 2,
			members:  2,
			invoke: func(accountID int64, a session.Action) (session.Result, error) {
				if accountID == 1 && a.Kind == session.ActionInviteUser {
					return session.Result{}, &session.Error{Code: "AUTH_KEY_UNREGISTERED"}
				}
				return session.Result{}, nil
			},
			wantStatus:  domain.SessionStatusCompleted,
			wantSuccess: 2,
			check: func(t *testing.T, e *env) {
				accs, _ := e.repos.Accounts.GetMany(context.Background(), []int64{1})
				if len(accs) != 1 || accs[0].IsActive || accs[0].DisabledReason == "" {
					t.Errorf("account 1 = %+v, want disabled with reason", accs)
				}
			},
		},
		{
			name:     "every account invalid fails the session",
			accounts: 2,
			members:  2,
			invoke: func(_ int64, a session.Action) (session.Result, error) {
				return session.Result{}, &session.Error{Code: "SESSION_REVOKED"}
			},
			wantStatus: domain.SessionStatusFailed,
			check: func(t *testing.T, e *env) {
				got := e.sink.Summaries()
				if len(got) != 1 || got[0].Status != "failed" {
					t.Errorf("summaries = %+v, want one failed summary", got)
				}
			},
		},
		{
			name:     "unknown error requeues once then fails",
			accounts: 1,
			members:  1,
			invoke: func(_ int64, a session.Action) (session.Result, error) {
				if a.Kind == session.ActionInviteUser {
					return session.Result{}, &session.Error{Message: "something odd"}
				}
				return session.Result{}, nil
			},
			wantStatus: domain.SessionStatusCompleted,
			wantFailed: 1,
			check: func(t *testing.T, e *env) {
				if n := len(e.fake.CallsOf(session.ActionInviteUser)); n != 2 {
					t.Errorf("invites = %d, want 2", n)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, tt.accounts, 0)
			e.fake.InvokeFunc = tt.invoke
			id := e.newSession(t, 0, users(tt.members)...)
			e.settle(t, id)

			s := e.session(t, id)
			if s.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", s.Status, tt.wantStatus)
			}
			if s.SuccessCount != tt.wantSuccess || s.FailedCount != tt.wantFailed {
				t.Errorf("counts = %d/%d, want %d/%d", s.SuccessCount, s.FailedCount, tt.wantSuccess, tt.wantFailed)
			}
			if tt.check != nil {
				tt.check(t, e)
			}
		})
	}
}

func TestProcessor_CancelStopsWithoutFailing(t *testing.T) {
	e := newEnv(t, 1, 0)
	var id int64
	invites := 0
	e.fake.InvokeFunc = func(_ int64, a session.Action) (session.Result, error) {
		if a.Kind == session.ActionInviteUser {
			invites++
			if invites == 2 {
				_, _ = e.repos.Sessions.Transition(context.Background(), id,
					domain.SessionStatusRunning, domain.SessionStatusCancelled, domain.PauseReasonNone, nil, testNow)
			}
		}
		return session.Result{}, nil
	}
	id = e.newSession(t, 0, users(5)...)
	e.runOnce(t)

	c := e.counts(t, id)
	if c[domain.WorkStatusSuccess] != 2 || c[domain.WorkStatusQueued] != 3 || c[domain.WorkStatusFailed] != 0 {
		t.Errorf("counts = %v, want 2 success, 3 queued, 0 failed", c)
	}
	got := e.sink.Summaries()
	if len(got) != 1 || got[0].Status != "cancelled" {
		t.Errorf("summaries = %+v, want one cancelled summary", got)
	}
}

func TestProcessor_SkipsConflictingTarget(t *testing.T) {
	e := newEnv(t, 1, 0)
	first := e.newSession(t, 0, users(1)...)
	second := e.newSession(t, 0, users(1)...)
	ctx := context.Background()
	if ok, _ := e.repos.Sessions.Acquire(ctx, first, domain.SessionStatusPending, "other-worker", testNow); !ok {
		t.Fatal("Acquire failed")
	}

	if picked, _ := e.proc.RunOnce(ctx); picked {
		t.Error("session with a conflicting target was picked up")
	}
	if s := e.session(t, second); s.Status != domain.SessionStatusPending {
		t.Errorf("second session = %s, want pending", s.Status)
	}
}

func TestProcessor_ResumesAfterFloodWindow(t *testing.T) {
	e := newEnv(t, 1, 0)
	e.fake.InvokeFunc = func(_ int64, a session.Action) (session.Result, error) {
		if a.Kind == session.ActionInviteUser && a.UserRef == "user1" {
			return session.Result{}, &session.Error{Message: "A wait of 120 seconds is required"}
		}
		return session.Result{}, nil
	}
	id := e.newSession(t, 0, users(1)...)
	e.runOnce(t)

	s := e.session(t, id)
	if s.Status != domain.SessionStatusPaused || s.PauseReason != domain.PauseReasonFlood {
		t.Fatalf("session = %s/%s, want paused/flood", s.Status, s.PauseReason)
	}
	if want := testNow.Add(120 * time.Second); s.ResumeAt == nil || !s.ResumeAt.Equal(want) {
		t.Errorf("ResumeAt = %v, want %v", s.ResumeAt, want)
	}

	// Once the window has passed the session is runnable again.
	later := testNow.Add(121 * time.Second)
	e.proc.SetClock(func() time.Time { return later })
	e.backoff.SetClock(func() time.Time { return later })
	e.fake.InvokeFunc = nil
	e.runOnce(t)

	if s := e.session(t, id); s.Status != domain.SessionStatusCompleted || s.SuccessCount != 1 {
		t.Errorf("session = %s with %d success, want completed with 1", s.Status, s.SuccessCount)
	}
}

func TestProcessor_TransientErrorNeverFailsMember(t *testing.T) {
	e := newEnv(t, 1, 0)
	e.fake.InvokeFunc = func(_ int64, a session.Action) (session.Result, error) {
		if a.Kind == session.ActionInviteUser {
			return session.Result{}, &session.Error{Code: "TIMEOUT", Message: "connection timeout"}
		}
		return session.Result{}, nil
	}
	id := e.newSession(t, 0, users(1)...)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		if e.cycle(t) {
			t.Fatalf("run %d reported progress", i)
		}
		m, err := e.repos.Members.Get(ctx, 1)
		if err != nil || m == nil {
			t.Fatalf("Get member = %v, %v", m, err)
		}
		if m.Status != domain.WorkStatusQueued || m.RetryCount != i+1 || m.OnceRetries != 0 {
			t.Fatalf("run %d: member = %s retry %d once %d, want queued %d/0", i, m.Status, m.RetryCount, m.OnceRetries, i+1)
		}
		if m.NotBefore == nil || !m.NotBefore.After(e.now) {
			t.Fatalf("run %d: not before = %v, want after %v", i, m.NotBefore, e.now)
		}

		// Inside the delay the member is left alone.
		invites := len(e.fake.CallsOf(session.ActionInviteUser))
		e.cycle(t)
		if n := len(e.fake.CallsOf(session.ActionInviteUser)); n != invites {
			t.Fatalf("run %d: member retried inside its delay", i)
		}
		e.now = *m.NotBefore
	}

	if s := e.session(t, id); s.Status != domain.SessionStatusRunning || s.FailedCount != 0 {
		t.Errorf("session = %s with %d failed, want running with 0", s.Status, s.FailedCount)
	}
	if n := len(e.sink.Summaries()); n != 0 {
		t.Errorf("summaries = %d, want none", n)
	}
}

func TestProcessor_UnknownErrorAfterTimeoutStillRetries(t *testing.T) {
	e := newEnv(t, 1, 0)
	calls := 0
	e.fake.InvokeFunc = func(_ int64, a session.Action) (session.Result, error) {
		if a.Kind != session.ActionInviteUser {
			return session.Result{}, nil
		}
		calls++
		switch calls {
		case 1:
			return session.Result{}, &session.Error{Message: "connection reset"}
		case 2:
			return session.Result{}, &session.Error{Message: "something odd"}
		}
		return session.Result{}, nil
	}
	id := e.newSession(t, 0, users(1)...)
	e.settle(t, id)

	s := e.session(t, id)
	if s.Status != domain.SessionStatusCompleted || s.SuccessCount != 1 || s.FailedCount != 0 {
		t.Errorf("session = %s %d/%d, want completed 1/0", s.Status, s.SuccessCount, s.FailedCount)
	}
	if calls != 3 {
		t.Errorf("invites = %d, want 3", calls)
	}
}
