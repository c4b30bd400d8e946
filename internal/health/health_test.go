package health

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/swarm/internal/core/domain"
	"github.com/vietddude/swarm/internal/infra/notify"
	"github.com/vietddude/swarm/internal/infra/session"
	"github.com/vietddude/swarm/internal/infra/session/sessiontest"
	"github.com/vietddude/swarm/internal/infra/storage"
	"github.com/vietddude/swarm/internal/infra/storage/memory"
	"github.com/vietddude/swarm/internal/scheduling/claim"
)

var testNow = time.Date(2026, 5, 5, 10, 0, 0, 0, time.UTC)

type env struct {
	repos    storage.Repositories
	fake     *sessiontest.Fake
	prober   *Prober
	sink     *notify.MemorySink
	accounts []domain.Account

	mu     sync.Mutex
	sleeps []time.Duration
}

func newEnv(t *testing.T, accounts int) *env {
	t.Helper()
	repos := memory.NewMemoryStorage().Repositories()
	e := &env{repos: repos, fake: sessiontest.NewFake(), sink: &notify.MemorySink{}}
	for i := 0; i < accounts; i++ {
		acc := &domain.Account{Label: fmt.Sprintf("acc-%d", i+1), IsActive: true}
		if err := repos.Accounts.Create(context.Background(), acc); err != nil {
			t.Fatalf("Create account failed: %v", err)
		}
		e.accounts = append(e.accounts, *acc)
	}
	e.prober = NewProber(e.fake, repos.Health, DefaultRetry, 0)
	e.prober.SetClock(func() time.Time { return testNow })
	e.prober.sleep = func(ctx context.Context, d time.Duration) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.sleeps = append(e.sleeps, d)
		return nil
	}
	return e
}

func TestRetryPolicy_Delay(t *testing.T) {
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := DefaultRetry.Delay(i + 1); got != w {
			t.Errorf("Delay(%d): expected %v, got %v", i+1, w, got)
		}
	}
}

func TestProber_Outcomes(t *testing.T) {
	tests := []struct {
		name     string
		connect  error
		resolve  error
		want     domain.ProbeStatus
		failures int
		sleeps   int
	}{
		{name: "healthy", want: domain.ProbeOK},
		{
			name:     "revoked session",
			resolve:  &session.Error{Code: "AUTH_KEY_UNREGISTERED"},
			want:     domain.ProbeInvalidSession,
			failures: 1,
		},
		{
			name:     "flood on resolve",
			resolve:  &session.Error{Code: "FLOOD_WAIT", WaitSeconds: 30},
			want:     domain.ProbeRateLimited,
			failures: 1,
		},
		{
			name:     "dc migration",
			resolve:  &session.Error{Code: "USER_MIGRATE_2"},
			want:     domain.ProbeDCMigrate,
			failures: 1,
		},
		{
			name:     "connection keeps timing out",
			connect:  errors.New("connection timeout"),
			want:     domain.ProbeConnectionTimeout,
			failures: 1,
			sleeps:   4,
		},
		{
			name:     "dead session on connect is not retried",
			connect:  &session.Error{Code: "SESSION_REVOKED"},
			want:     domain.ProbeInvalidSession,
			failures: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, 1)
			e.fake.ConnectFunc = func(int64) error { return tt.connect }
			e.fake.ResolveFunc = func(accountID int64, ref string) (session.Entity, error) {
				if ref != "me" {
					t.Errorf("expected resolve of me, got %q", ref)
				}
				return session.Entity{Ref: ref}, tt.resolve
			}

			rec, err := e.prober.Probe(context.Background(), e.accounts[0])
			if err != nil {
				t.Fatalf("Probe failed: %v", err)
			}
			if rec.Status != tt.want {
				t.Errorf("expected %s, got %s", tt.want, rec.Status)
			}
			if rec.ConsecutiveFailures != tt.failures {
				t.Errorf("expected %d failures, got %d", tt.failures, rec.ConsecutiveFailures)
			}
			if len(e.sleeps) != tt.sleeps {
				t.Errorf("expected %d retry sleeps, got %v", tt.sleeps, e.sleeps)
			}
			if tt.want == domain.ProbeOK && (rec.LastSuccess == nil || !rec.LastSuccess.Equal(testNow)) {
				t.Errorf("expected last success stamped, got %v", rec.LastSuccess)
			}
		})
	}
}

func TestProber_RetriesThenSucceeds(t *testing.T) {
	e := newEnv(t, 1)
	var attempts atomic.Int32
	e.fake.ConnectFunc = func(int64) error {
		if attempts.Add(1) < 3 {
			return errors.New("network unreachable")
		}
		return nil
	}

	rec, err := e.prober.Probe(context.Background(), e.accounts[0])
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if rec.Status != domain.ProbeOK {
		t.Errorf("expected ok, got %s", rec.Status)
	}
	if len(e.sleeps) != 2 || e.sleeps[0] != time.Second || e.sleeps[1] != 2*time.Second {
		t.Errorf("unexpected sleeps %v", e.sleeps)
	}
	if e.fake.Disconnects(e.accounts[0].ID) != 1 {
		t.Error("expected probe client to disconnect")
	}
}

func TestProber_SuccessResetsFailures(t *testing.T) {
	e := newEnv(t, 1)
	ctx := context.Background()
	acc := e.accounts[0]

	e.fake.ResolveFunc = func(int64, string) (session.Entity, error) {
		return session.Entity{}, errors.New("timeout")
	}
	for i := 0; i < 2; i++ {
		if _, err := e.prober.Probe(ctx, acc); err != nil {
			t.Fatalf("Probe failed: %v", err)
		}
	}
	st, _ := e.repos.Health.GetStatus(ctx, acc.ID)
	if st.ConsecutiveFailures != 2 {
		t.Fatalf("expected 2 failures, got %d", st.ConsecutiveFailures)
	}

	e.fake.ResolveFunc = nil
	rec, err := e.prober.Probe(ctx, acc)
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if rec.ConsecutiveFailures != 0 || rec.Status != domain.ProbeOK {
		t.Errorf("expected reset to ok/0, got %s/%d", rec.Status, rec.ConsecutiveFailures)
	}
}

func TestProber_ProbeAllBoundedConcurrency(t *testing.T) {
	e := newEnv(t, 7)
	var inFlight, peak atomic.Int32
	e.fake.ConnectFunc = func(int64) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}

	results, err := e.prober.ProbeAll(context.Background(), e.accounts)
	if err != nil {
		t.Fatalf("ProbeAll failed: %v", err)
	}
	if len(results) != 7 {
		t.Fatalf("expected 7 results, got %d", len(results))
	}
	for i, rec := range results {
		if rec.AccountID != e.accounts[i].ID {
			t.Errorf("result %d out of order: account %d", i, rec.AccountID)
		}
	}
	if peak.Load() > DefaultConcurrency {
		t.Errorf("expected at most %d concurrent probes, saw %d", DefaultConcurrency, peak.Load())
	}
}

func newRunner(e *env) *Runner {
	claimer := claim.NewClaimer(claim.Config{WorkerID: "w1"}, e.repos.Queue)
	claimer.SetClock(func() time.Time { return testNow })
	r := NewRunner(e.repos, claimer, e.prober, notify.NewNotifier(e.sink, 100))
	r.SetClock(func() time.Time { return testNow })
	return r
}

func TestRunner_ProbesDisablesAndNotifies(t *testing.T) {
	e := newEnv(t, 3)
	ctx := context.Background()
	e.fake.ResolveFunc = func(accountID int64, ref string) (session.Entity, error) {
		if accountID == 2 {
			return session.Entity{}, &session.Error{Code: "AUTH_KEY_UNREGISTERED", Message: "key gone"}
		}
		return session.Entity{Ref: ref}, nil
	}

	req := &domain.HealthCheckRequest{CreatedBy: "ops"}
	if err := e.repos.Health.CreateRequest(ctx, req); err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}

	r := newRunner(e)
	ran, err := r.RunOnce(ctx)
	if err != nil || !ran {
		t.Fatalf("RunOnce: ran=%v err=%v", ran, err)
	}

	stored, _ := e.repos.Health.GetRequest(ctx, req.ID)
	if stored.Status != domain.RequestStatusDone {
		t.Errorf("expected done, got %s", stored.Status)
	}
	accs, _ := e.repos.Accounts.List(ctx)
	if !accs[0].IsActive || accs[1].IsActive || !accs[2].IsActive {
		t.Errorf("expected only account 2 disabled, got %+v", accs)
	}

	got := e.sink.Summaries()
	if len(got) != 1 {
		t.Fatalf("expected one summary, got %d", len(got))
	}
	if got[0].Success != 2 || got[0].Failed != 1 || got[0].CreatedBy != "ops" {
		t.Errorf("unexpected summary %+v", got[0])
	}
	if !strings.Contains(got[0].Text(), "acc-2: invalid_session") {
		t.Errorf("summary missing failing account: %q", got[0].Text())
	}

	ran, err = r.RunOnce(ctx)
	if err != nil || ran {
		t.Errorf("expected empty queue, ran=%v err=%v", ran, err)
	}
}

func TestRunner_ShutdownLeavesRequestForRecovery(t *testing.T) {
	e := newEnv(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.fake.ResolveFunc = func(accountID int64, ref string) (session.Entity, error) {
		cancel()
		return session.Entity{}, context.Canceled
	}

	req := &domain.HealthCheckRequest{CreatedBy: "ops"}
	if err := e.repos.Health.CreateRequest(context.Background(), req); err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}

	r := newRunner(e)
	ran, err := r.RunOnce(ctx)
	if !errors.Is(err, context.Canceled) || ran {
		t.Fatalf("RunOnce: ran=%v err=%v, want interrupted", ran, err)
	}

	bg := context.Background()
	stored, _ := e.repos.Health.GetRequest(bg, req.ID)
	if stored.Status != domain.RequestStatusProcessing || stored.AssignedWorkerID != "w1" {
		t.Errorf("expected request still processing by w1, got %+v", stored)
	}
	if statuses, _ := e.repos.Health.ListStatuses(bg); len(statuses) != 0 {
		t.Errorf("expected no probe results recorded, got %+v", statuses)
	}
	if n := len(e.sink.Summaries()); n != 0 {
		t.Errorf("expected no summary, got %d", n)
	}

	// After the recovery threshold the same worker finishes it.
	e.fake.ResolveFunc = nil
	claimer := claim.NewClaimer(claim.Config{WorkerID: "w1"}, e.repos.Queue)
	claimer.SetClock(func() time.Time { return testNow.Add(time.Hour) })
	later := NewRunner(e.repos, claimer, e.prober, notify.NewNotifier(e.sink, 100))
	if ran, err := later.RunOnce(bg); err != nil || !ran {
		t.Fatalf("recovery RunOnce: ran=%v err=%v", ran, err)
	}
	stored, _ = e.repos.Health.GetRequest(bg, req.ID)
	if stored.Status != domain.RequestStatusDone {
		t.Errorf("expected done after recovery, got %s", stored.Status)
	}
}

func TestRunner_SubsetOfAccounts(t *testing.T) {
	e := newEnv(t, 3)
	ctx := context.Background()
	req := &domain.HealthCheckRequest{CreatedBy: "ops", AccountIDs: []int64{3}}
	if err := e.repos.Health.CreateRequest(ctx, req); err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}

	if err := newRunner(e).Execute(ctx, domain.ItemKindHealthCheck, req.ID); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	statuses, _ := e.repos.Health.ListStatuses(ctx)
	if len(statuses) != 1 || statuses[0].AccountID != 3 {
		t.Errorf("expected only account 3 probed, got %+v", statuses)
	}
}

func TestRunner_ExecuteRejectsOtherKinds(t *testing.T) {
	e := newEnv(t, 1)
	if err := newRunner(e).Execute(context.Background(), domain.ItemKindTask, 1); err == nil {
		t.Error("expected error")
	}
}

func TestSweep(t *testing.T) {
	var calls atomic.Int32
	s, err := NewSweep("@every 1h", nil, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("NewSweep failed: %v", err)
	}
	s.Trigger(context.Background())
	if calls.Load() != 1 {
		t.Errorf("expected one submission, got %d", calls.Load())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}

	if _, err := NewSweep("not a schedule", nil, nil); err == nil {
		t.Error("expected invalid schedule error")
	}
}
