package sqldb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/vietddude/swarm/internal/core/domain"
	"github.com/vietddude/swarm/internal/infra/storage"
)

func openTestDB(t *testing.T) (*DB, storage.Repositories) {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, Config{
		Driver: DriverSQLite,
		URL:    filepath.Join(t.TempDir(), "swarm.db"),
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return db, db.Repositories()
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMigrate_Idempotent(t *testing.T) {
	db, _ := openTestDB(t)
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
	files, err := db.MigrationFiles()
	if err != nil || len(files) == 0 {
		t.Fatalf("expected embedded migrations, got %v %v", files, err)
	}
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "oracle"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestAccounts(t *testing.T) {
	_, repos := openTestDB(t)
	ctx := context.Background()

	for _, label := range []string{"a", "b", "c"} {
		acc := &domain.Account{Label: label, SessionCredential: "cred-" + label, IsActive: true}
		if err := repos.Accounts.Create(ctx, acc); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if acc.ID == 0 {
			t.Fatal("expected id to be assigned")
		}
	}

	if err := repos.Accounts.SetActive(ctx, 2, false, "SESSION_REVOKED"); err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}
	if err := repos.Accounts.TouchLastUsed(ctx, 1, t0); err != nil {
		t.Fatalf("TouchLastUsed failed: %v", err)
	}

	all, err := repos.Accounts.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 accounts, got %d", len(all))
	}
	if all[1].IsActive || all[1].DisabledReason != "SESSION_REVOKED" {
		t.Errorf("expected account 2 disabled, got %+v", all[1])
	}
	if all[0].LastUsedAt == nil || !all[0].LastUsedAt.Equal(t0) {
		t.Errorf("expected last used %v, got %v", t0, all[0].LastUsedAt)
	}

	some, err := repos.Accounts.GetMany(ctx, []int64{3, 1})
	if err != nil {
		t.Fatalf("GetMany failed: %v", err)
	}
	if len(some) != 2 || some[0].ID != 1 || some[1].ID != 3 {
		t.Errorf("expected accounts 1 and 3 in order, got %+v", some)
	}

	if err := repos.Accounts.SetActive(ctx, 2, true, "ignored"); err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}
	again, _ := repos.Accounts.GetMany(ctx, []int64{2})
	if !again[0].IsActive || again[0].DisabledReason != "" {
		t.Errorf("expected reactivation to clear the reason, got %+v", again[0])
	}

	if err := repos.Accounts.SetActive(ctx, 99, false, ""); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestQuotaAndFlood(t *testing.T) {
	_, repos := openTestDB(t)
	ctx := context.Background()
	day := domain.DayKey(t0)

	used, err := repos.Quota.UsedOn(ctx, 1, day)
	if err != nil || used != 0 {
		t.Fatalf("expected 0 usage, got %d %v", used, err)
	}
	for i := 0; i < 3; i++ {
		if err := repos.Quota.Increment(ctx, 1, day, t0); err != nil {
			t.Fatalf("Increment failed: %v", err)
		}
	}
	if used, _ := repos.Quota.UsedOn(ctx, 1, day); used != 3 {
		t.Errorf("expected 3, got %d", used)
	}
	if used, _ := repos.Quota.UsedOn(ctx, 1, domain.DayKey(domain.NextDay(t0))); used != 0 {
		t.Errorf("expected next day to start at 0, got %d", used)
	}

	_ = repos.Flood.SetFlood(ctx, 1, t0.Add(time.Minute))
	_ = repos.Flood.SetFlood(ctx, 2, t0.Add(-time.Minute))
	_ = repos.Flood.SetFlood(ctx, 1, t0.Add(5*time.Minute))
	_ = repos.Flood.SetFlood(ctx, 1, t0.Add(2*time.Minute))

	flooded, err := repos.Flood.ListFlooded(ctx, t0)
	if err != nil {
		t.Fatalf("ListFlooded failed: %v", err)
	}
	if len(flooded) != 1 || flooded[0].AccountID != 1 || !flooded[0].Until.Equal(t0.Add(5*time.Minute)) {
		t.Errorf("expected account 1 flooded until +5m, got %+v", flooded)
	}

	_ = repos.Flood.ClearFlood(ctx, 1, t0)
	if flooded, _ := repos.Flood.ListFlooded(ctx, t0); len(flooded) != 1 {
		t.Errorf("expected an open window to survive clear, got %+v", flooded)
	}
	_ = repos.Flood.ClearFlood(ctx, 1, t0.Add(5*time.Minute))
	if flooded, _ := repos.Flood.ListFlooded(ctx, t0); len(flooded) != 0 {
		t.Errorf("expected no flood after clear, got %+v", flooded)
	}
}

func TestQueue_ClaimIsExclusive(t *testing.T) {
	_, repos := openTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		task := &domain.Task{Kind: domain.TaskKindReaction, Target: "@chan", Emojis: []string{"👍"}}
		if err := repos.Tasks.Enqueue(ctx, task); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		if task.SequenceNumber != task.ID {
			t.Errorf("expected sequence %d, got %d", task.ID, task.SequenceNumber)
		}
	}

	cands, err := repos.Queue.Candidates(ctx, domain.ClaimFilter{Kind: domain.ItemKindTask}, 2)
	if err != nil {
		t.Fatalf("Candidates failed: %v", err)
	}
	if len(cands) != 2 || cands[0].ID != 1 || cands[1].ID != 2 {
		t.Fatalf("expected tasks 1,2 in sequence order, got %+v", cands)
	}

	won, err := repos.Queue.TryClaim(ctx, domain.ItemKindTask, 1, "w1", t0)
	if err != nil || !won {
		t.Fatalf("expected w1 to claim, got %v %v", won, err)
	}
	won, _ = repos.Queue.TryClaim(ctx, domain.ItemKindTask, 1, "w2", t0)
	if won {
		t.Error("expected second claim to lose")
	}

	task, _ := repos.Tasks.Get(ctx, 1)
	if task.Status != domain.WorkStatusProcessing || task.AssignedWorkerID != "w1" {
		t.Errorf("expected processing by w1, got %+v", task.WorkItem)
	}
	if len(task.Emojis) != 1 || task.Emojis[0] != "👍" {
		t.Errorf("expected emojis to round trip, got %v", task.Emojis)
	}

	unassigned, _ := repos.Queue.Candidates(ctx, domain.ClaimFilter{Kind: domain.ItemKindTask, Unassigned: true}, 0)
	if len(unassigned) != 2 {
		t.Errorf("expected 2 unassigned candidates, got %d", len(unassigned))
	}
}

func TestQueue_StuckAndReclaim(t *testing.T) {
	_, repos := openTestDB(t)
	ctx := context.Background()

	req := &domain.HealthCheckRequest{CreatedBy: "op", AccountIDs: []int64{1, 2}}
	if err := repos.Health.CreateRequest(ctx, req); err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	if ok, _ := repos.Queue.TryClaim(ctx, domain.ItemKindHealthCheck, req.ID, "w1", t0); !ok {
		t.Fatal("expected claim")
	}

	stuck, err := repos.Queue.StuckCandidates(ctx, domain.ItemKindHealthCheck, "w1", t0.Add(time.Minute), 0)
	if err != nil {
		t.Fatalf("StuckCandidates failed: %v", err)
	}
	if len(stuck) != 1 || stuck[0].StartedAt == nil || !stuck[0].StartedAt.Equal(t0) {
		t.Fatalf("expected one stuck request started at t0, got %+v", stuck)
	}
	if other, _ := repos.Queue.StuckCandidates(ctx, domain.ItemKindHealthCheck, "w2", t0.Add(time.Minute), 0); len(other) != 0 {
		t.Errorf("expected nothing stuck for w2, got %+v", other)
	}

	later := t0.Add(2 * time.Minute)
	if ok, _ := repos.Queue.TryReclaim(ctx, domain.ItemKindHealthCheck, req.ID, "w1", *stuck[0].StartedAt, later); !ok {
		t.Fatal("expected reclaim")
	}
	if ok, _ := repos.Queue.TryReclaim(ctx, domain.ItemKindHealthCheck, req.ID, "w1", t0, later); ok {
		t.Error("expected stale reclaim to lose")
	}

	got, _ := repos.Health.GetRequest(ctx, req.ID)
	if got.StartedAt == nil || !got.StartedAt.Equal(later) || len(got.AccountIDs) != 2 {
		t.Errorf("unexpected request %+v", got)
	}

	if err := repos.Health.FinishRequest(ctx, req.ID, domain.RequestStatusDone, "", later); err != nil {
		t.Fatalf("FinishRequest failed: %v", err)
	}
	if err := repos.Health.FinishRequest(ctx, req.ID, domain.RequestStatusFailed, "", later); !errors.Is(err, storage.ErrGuardFailed) {
		t.Errorf("expected ErrGuardFailed, got %v", err)
	}
	if err := repos.Health.FinishRequest(ctx, 99, domain.RequestStatusDone, "", later); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTasks_RequeueFinishCancel(t *testing.T) {
	_, repos := openTestDB(t)
	ctx := context.Background()

	task := &domain.Task{Kind: domain.TaskKindReaction, Target: "@chan", AccountIDs: []int64{1, 2}}
	_ = repos.Tasks.Enqueue(ctx, task)

	if err := repos.Tasks.Requeue(ctx, task.ID, domain.Requeue{Reason: "x", Retry: true}); !errors.Is(err, storage.ErrGuardFailed) {
		t.Errorf("expected ErrGuardFailed requeueing a queued task, got %v", err)
	}
	if err := repos.Tasks.Requeue(ctx, 99, domain.Requeue{Reason: "x", Retry: true}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	_, _ = repos.Queue.TryClaim(ctx, domain.ItemKindTask, task.ID, "w1", t0)
	resume := t0.Add(time.Minute)
	if err := repos.Tasks.Requeue(ctx, task.ID, domain.Requeue{Reason: "flood", Retry: true, Once: true, NotBefore: &resume}); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	got, _ := repos.Tasks.Get(ctx, task.ID)
	if got.Status != domain.WorkStatusQueued || got.AssignedWorkerID != "" || got.StartedAt != nil ||
		got.RetryCount != 1 || got.OnceRetries != 1 || got.ErrorReason != "flood" {
		t.Errorf("unexpected requeued task %+v", got.WorkItem)
	}
	if got.NotBefore == nil || !got.NotBefore.Equal(resume) {
		t.Errorf("expected not before %v, got %v", resume, got.NotBefore)
	}

	filter := domain.ClaimFilter{Kind: domain.ItemKindTask, ReadyBy: t0}
	if cands, _ := repos.Queue.Candidates(ctx, filter, 10); len(cands) != 0 {
		t.Errorf("expected no candidates before not-before, got %+v", cands)
	}
	filter.ReadyBy = resume
	if cands, _ := repos.Queue.Candidates(ctx, filter, 10); len(cands) != 1 {
		t.Errorf("expected the task once ready, got %+v", cands)
	}

	if err := repos.Tasks.Finish(ctx, task.ID, domain.WorkStatusCompleted, "", t0); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition finishing a queued task, got %v", err)
	}

	_, _ = repos.Queue.TryClaim(ctx, domain.ItemKindTask, task.ID, "w1", t0)
	if err := repos.Tasks.AddCounts(ctx, task.ID, 3, 1); err != nil {
		t.Fatalf("AddCounts failed: %v", err)
	}
	if err := repos.Tasks.Finish(ctx, task.ID, domain.WorkStatusProcessing, "", t0); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("expected non-terminal finish to fail, got %v", err)
	}
	if err := repos.Tasks.Finish(ctx, task.ID, domain.WorkStatusCompleted, "", t0); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	got, _ = repos.Tasks.Get(ctx, task.ID)
	if got.Status != domain.WorkStatusCompleted || got.SuccessCount != 3 || got.FailedCount != 1 || got.CompletedAt == nil {
		t.Errorf("unexpected finished task %+v", got)
	}
	if err := repos.Tasks.Cancel(ctx, task.ID, t0); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("expected cancel of completed task to fail, got %v", err)
	}

	other := &domain.Task{Kind: domain.TaskKindReaction, Target: "@chan"}
	_ = repos.Tasks.Enqueue(ctx, other)
	if err := repos.Tasks.Cancel(ctx, other.ID, t0); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if status, _ := repos.Tasks.Status(ctx, other.ID); status != domain.WorkStatusCancelled {
		t.Errorf("expected cancelled, got %s", status)
	}
	if _, err := repos.Tasks.Status(ctx, 99); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if missing, err := repos.Tasks.Get(ctx, 99); missing != nil || err != nil {
		t.Errorf("expected nil, nil for a missing task, got %v %v", missing, err)
	}
}

func TestMembers_ResolveIsAtomic(t *testing.T) {
	_, repos := openTestDB(t)
	ctx := context.Background()

	if _, err := repos.Members.Enqueue(ctx, 99, []string{"u"}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for a missing session, got %v", err)
	}

	s := &domain.MigrationSession{SourceRef: "@src", TargetRef: "@dst", RequestedCount: 2}
	if err := repos.Sessions.Create(ctx, s); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	n, err := repos.Members.Enqueue(ctx, s.ID, []string{"alice", "bob", "carol"})
	if err != nil || n != 3 {
		t.Fatalf("expected 3 enqueued, got %d %v", n, err)
	}

	cands, _ := repos.Queue.Candidates(ctx, domain.ClaimFilter{Kind: domain.ItemKindMember, SessionID: s.ID}, 0)
	if len(cands) != 3 || cands[0].SequenceNumber >= cands[1].SequenceNumber {
		t.Fatalf("expected 3 ordered candidates, got %+v", cands)
	}

	first, second := cands[0].ID, cands[1].ID
	_, _ = repos.Queue.TryClaim(ctx, domain.ItemKindMember, first, "w1", t0)
	_, _ = repos.Queue.TryClaim(ctx, domain.ItemKindMember, second, "w1", t0)

	if err := repos.Members.Resolve(ctx, domain.MemberResolution{
		MemberID: first, SessionID: s.ID, AccountID: 7, Status: domain.WorkStatusSuccess, At: t0,
	}); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if err := repos.Members.Resolve(ctx, domain.MemberResolution{
		MemberID: second, SessionID: s.ID, AccountID: 8, Status: domain.WorkStatusFailed, Reason: "USER_PRIVACY_RESTRICTED", At: t0,
	}); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if err := repos.Members.Resolve(ctx, domain.MemberResolution{
		MemberID: first, SessionID: s.ID, AccountID: 7, Status: domain.WorkStatusSuccess, At: t0,
	}); !errors.Is(err, storage.ErrGuardFailed) {
		t.Errorf("expected double resolve to fail the guard, got %v", err)
	}

	got, _ := repos.Sessions.Get(ctx, s.ID)
	if got.SuccessCount != 1 || got.FailedCount != 1 {
		t.Errorf("expected 1/1 counters, got %d/%d", got.SuccessCount, got.FailedCount)
	}

	m, _ := repos.Members.Get(ctx, first)
	if m.Status != domain.WorkStatusSuccess || m.AssignedAccountID == nil || *m.AssignedAccountID != 7 {
		t.Errorf("unexpected resolved member %+v", m)
	}

	log, _ := repos.Actions.List(ctx, domain.ItemKindMember, first)
	if len(log) != 1 || log[0].SubKey != "alice" || log[0].Outcome != domain.OutcomeSuccess {
		t.Errorf("unexpected action log %+v", log)
	}
	log, _ = repos.Actions.List(ctx, domain.ItemKindMember, second)
	if len(log) != 1 || log[0].Outcome != domain.OutcomeFailed || log[0].Error != "USER_PRIVACY_RESTRICTED" {
		t.Errorf("unexpected action log %+v", log)
	}

	counts, _ := repos.Members.CountByStatus(ctx, s.ID)
	if counts[domain.WorkStatusSuccess] != 1 || counts[domain.WorkStatusFailed] != 1 || counts[domain.WorkStatusQueued] != 1 {
		t.Errorf("unexpected counts %v", counts)
	}
}

func TestSessions_Lifecycle(t *testing.T) {
	_, repos := openTestDB(t)
	ctx := context.Background()

	a := &domain.MigrationSession{TargetRef: "@dst", AccountIDs: []int64{1, 2}}
	b := &domain.MigrationSession{TargetRef: "@dst"}
	c := &domain.MigrationSession{TargetRef: "@other"}
	for _, s := range []*domain.MigrationSession{a, b, c} {
		if err := repos.Sessions.Create(ctx, s); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	ok, err := repos.Sessions.Acquire(ctx, a.ID, domain.SessionStatusPending, "w1", t0)
	if err != nil || !ok {
		t.Fatalf("expected acquire, got %v %v", ok, err)
	}
	if ok, _ := repos.Sessions.Acquire(ctx, a.ID, domain.SessionStatusRunning, "w2", t0); ok {
		t.Error("expected another worker to be refused")
	}
	if ok, _ := repos.Sessions.Acquire(ctx, a.ID, domain.SessionStatusRunning, "w1", t0.Add(time.Hour)); !ok {
		t.Error("expected owner to re-acquire")
	}
	if _, err := repos.Sessions.Acquire(ctx, 99, domain.SessionStatusPending, "w1", t0); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	got, _ := repos.Sessions.Get(ctx, a.ID)
	if got.StartedAt == nil || !got.StartedAt.Equal(t0) || len(got.AccountIDs) != 2 {
		t.Errorf("expected started_at kept at first acquire, got %+v", got)
	}

	if conflict, _ := repos.Sessions.HasConflict(ctx, b.ID, "@dst"); !conflict {
		t.Error("expected conflict on shared target")
	}
	if conflict, _ := repos.Sessions.HasConflict(ctx, a.ID, "@dst"); conflict {
		t.Error("expected no conflict with itself")
	}

	resume := t0.Add(time.Hour)
	ok, err = repos.Sessions.Transition(ctx, a.ID, domain.SessionStatusRunning, domain.SessionStatusPaused,
		domain.PauseReasonQuota, &resume, t0)
	if err != nil || !ok {
		t.Fatalf("expected pause, got %v %v", ok, err)
	}
	if ok, _ := repos.Sessions.Transition(ctx, a.ID, domain.SessionStatusRunning, domain.SessionStatusCompleted,
		domain.PauseReasonNone, nil, t0); ok {
		t.Error("expected stale transition to lose")
	}
	if ok, _ := repos.Sessions.Transition(ctx, c.ID, domain.SessionStatusPending, domain.SessionStatusCompleted,
		domain.PauseReasonNone, nil, t0); ok {
		t.Error("expected illegal transition to be refused")
	}

	ids := func(ss []domain.MigrationSession) []int64 {
		var out []int64
		for _, s := range ss {
			out = append(out, s.ID)
		}
		return out
	}

	runnable, _ := repos.Sessions.ListRunnable(ctx, "w1", t0)
	if got := ids(runnable); len(got) != 2 || got[0] != b.ID || got[1] != c.ID {
		t.Errorf("expected only pending sessions before resume time, got %v", got)
	}
	runnable, _ = repos.Sessions.ListRunnable(ctx, "w1", resume)
	if got := ids(runnable); len(got) != 3 || got[0] != a.ID {
		t.Errorf("expected paused session to become runnable, got %v", got)
	}

	if ok, _ := repos.Sessions.Acquire(ctx, a.ID, domain.SessionStatusPaused, "w2", resume); !ok {
		t.Fatal("expected paused session to be acquired")
	}
	got, _ = repos.Sessions.Get(ctx, a.ID)
	if got.PauseReason != domain.PauseReasonNone || got.ResumeAt != nil || got.AssignedWorkerID != "w2" {
		t.Errorf("expected pause cleared on acquire, got %+v", got)
	}

	ok, _ = repos.Sessions.Transition(ctx, a.ID, domain.SessionStatusRunning, domain.SessionStatusCompleted,
		domain.PauseReasonNone, nil, resume)
	got, _ = repos.Sessions.Get(ctx, a.ID)
	if !ok || got.CompletedAt == nil {
		t.Errorf("expected completion stamp, got %+v", got)
	}
}

func TestHeartbeatsAndProbes(t *testing.T) {
	_, repos := openTestDB(t)
	ctx := context.Background()

	_ = repos.Heartbeats.Upsert(ctx, domain.HeartbeatRecord{WorkerID: "w2", LastSeen: t0, Status: domain.HeartbeatOnline})
	_ = repos.Heartbeats.Upsert(ctx, domain.HeartbeatRecord{WorkerID: "w1", LastSeen: t0, Status: domain.HeartbeatOnline})
	_ = repos.Heartbeats.Upsert(ctx, domain.HeartbeatRecord{WorkerID: "w2", LastSeen: t0.Add(time.Second), Status: domain.HeartbeatOffline})

	hbs, err := repos.Heartbeats.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(hbs) != 2 || hbs[0].WorkerID != "w1" || hbs[1].Status != domain.HeartbeatOffline {
		t.Errorf("unexpected heartbeats %+v", hbs)
	}

	acc := &domain.Account{Label: "a", IsActive: true}
	_ = repos.Accounts.Create(ctx, acc)

	tests := []struct {
		status   domain.ProbeStatus
		failures int
		success  bool
	}{
		{domain.ProbeConnectionTimeout, 1, false},
		{domain.ProbeRateLimited, 2, false},
		{domain.ProbeOK, 0, true},
		{domain.ProbeInvalidSession, 1, true},
	}
	for i, tt := range tests {
		at := t0.Add(time.Duration(i) * time.Minute)
		h, err := repos.Health.RecordProbe(ctx, acc.ID, tt.status, "", at)
		if err != nil {
			t.Fatalf("RecordProbe failed: %v", err)
		}
		if h.Status != tt.status || h.ConsecutiveFailures != tt.failures || !h.LastChecked.Equal(at) {
			t.Errorf("step %d: unexpected status %+v", i, h)
		}
		if (h.LastSuccess != nil) != tt.success {
			t.Errorf("step %d: unexpected last success %v", i, h.LastSuccess)
		}
	}

	got, _ := repos.Health.GetStatus(ctx, acc.ID)
	if got == nil || got.Status != domain.ProbeInvalidSession {
		t.Errorf("unexpected status %+v", got)
	}
	if missing, _ := repos.Health.GetStatus(ctx, 99); missing != nil {
		t.Errorf("expected nil for an unprobed account, got %+v", missing)
	}
	all, _ := repos.Health.ListStatuses(ctx)
	if len(all) != 1 {
		t.Errorf("expected 1 status, got %d", len(all))
	}
}

func TestPruneHistory(t *testing.T) {
	_, repos := openTestDB(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	acc := &domain.Account{Label: "a", IsActive: true}
	if err := repos.Accounts.Create(ctx, acc); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	for _, day := range []string{"2024-03-01", "2024-03-09", "2024-03-10"} {
		if err := repos.Quota.Increment(ctx, acc.ID, day, now); err != nil {
			t.Fatalf("Increment failed: %v", err)
		}
	}
	n, err := repos.Quota.DeleteBefore(ctx, "2024-03-09")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 pruned counter, got %d (%v)", n, err)
	}
	if used, _ := repos.Quota.UsedOn(ctx, acc.ID, "2024-03-09"); used != 1 {
		t.Errorf("expected 2024-03-09 to survive, got %d", used)
	}

	for _, at := range []time.Time{now.Add(-48 * time.Hour), now} {
		entry := &domain.ActionLogEntry{ItemKind: domain.ItemKindTask, ItemID: 7, AccountID: acc.ID, Outcome: domain.OutcomeSuccess, CreatedAt: at}
		if err := repos.Actions.Append(ctx, entry); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	n, err = repos.Actions.DeleteOlderThan(ctx, now.Add(-time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("expected 1 pruned entry, got %d (%v)", n, err)
	}
	entries, _ := repos.Actions.List(ctx, domain.ItemKindTask, 7)
	if len(entries) != 1 {
		t.Errorf("expected 1 remaining entry, got %d", len(entries))
	}
}
