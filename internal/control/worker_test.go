package control

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/vietddude/swarm/internal/core/config"
	"github.com/vietddude/swarm/internal/core/domain"
	"github.com/vietddude/swarm/internal/infra/session"
	"github.com/vietddude/swarm/internal/infra/session/sessiontest"
	"github.com/vietddude/swarm/internal/infra/storage/sqldb"
)

func testConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	cfg, err := config.Parse(nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	cfg.Worker.ID = "w-test"
	cfg.Worker.PollInterval = 10 * time.Millisecond
	cfg.Server.Port = 0
	return cfg
}

func newTestWorker(t *testing.T, cfg *config.AppConfig) (*Worker, *Store) {
	t.Helper()
	return newTestWorkerWith(t, cfg, sessiontest.NewFake())
}

func newTestWorkerWith(t *testing.T, cfg *config.AppConfig, fake *sessiontest.Fake) (*Worker, *Store) {
	t.Helper()
	store, err := OpenStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	w, err := newWorker(cfg, store, fake)
	if err != nil {
		t.Fatalf("newWorker failed: %v", err)
	}
	return w, store
}

func TestWorker_Lifecycle(t *testing.T) {
	w, store := newTestWorker(t, testConfig(t))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Wait a bit to let goroutines spin up
	time.Sleep(100 * time.Millisecond)

	hbs, err := store.Repos.Heartbeats.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(hbs) != 1 || hbs[0].WorkerID != "w-test" || hbs[0].Status != domain.HeartbeatOnline {
		t.Fatalf("expected an online heartbeat, got %+v", hbs)
	}

	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	hbs, _ = store.Repos.Heartbeats.List(context.Background())
	if len(hbs) != 1 || hbs[0].Status != domain.HeartbeatOffline {
		t.Errorf("expected offline heartbeat after stop, got %+v", hbs)
	}
}

func TestWorker_CycleDrainsHealthChecks(t *testing.T) {
	w, store := newTestWorker(t, testConfig(t))
	ctx := context.Background()
	repos := store.Repos

	for _, label := range []string{"a", "b"} {
		if err := repos.Accounts.Create(ctx, &domain.Account{Label: label, IsActive: true}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	req := &domain.HealthCheckRequest{CreatedBy: "test"}
	if err := repos.Health.CreateRequest(ctx, req); err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}

	if busy := w.cycle(ctx); !busy {
		t.Fatal("expected the cycle to handle the request")
	}

	got, _ := repos.Health.GetRequest(ctx, req.ID)
	if got.Status != domain.RequestStatusDone || got.AssignedWorkerID != "w-test" {
		t.Errorf("expected request done by w-test, got %+v", got)
	}
	statuses, _ := repos.Health.ListStatuses(ctx)
	if len(statuses) != 2 {
		t.Fatalf("expected 2 probe results, got %d", len(statuses))
	}
	for _, s := range statuses {
		if s.Status != domain.ProbeOK {
			t.Errorf("expected ok for account %d, got %s", s.AccountID, s.Status)
		}
	}

	if busy := w.cycle(ctx); busy {
		t.Error("expected an idle cycle once queues are empty")
	}
}

func TestWorker_CycleIdleWhenTaskIsReleased(t *testing.T) {
	fake := sessiontest.NewFake()
	fake.InvokeFunc = func(_ int64, a session.Action) (session.Result, error) {
		if a.Kind == session.ActionGetMessages {
			return session.Result{}, &session.Error{Code: "TIMEOUT", Message: "connection timeout"}
		}
		return session.Result{}, nil
	}
	w, store := newTestWorkerWith(t, testConfig(t), fake)
	ctx := context.Background()
	repos := store.Repos

	acc := &domain.Account{Label: "a", IsActive: true}
	if err := repos.Accounts.Create(ctx, acc); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	task := &domain.Task{Kind: domain.TaskKindReaction, Target: "@chan", MessageLimit: 3, AccountIDs: []int64{acc.ID}}
	if err := repos.Tasks.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if busy := w.cycle(ctx); busy {
		t.Error("expected an idle cycle when the task was only released")
	}
	got, _ := repos.Tasks.Get(ctx, task.ID)
	if got.Status != domain.WorkStatusQueued || got.NotBefore == nil {
		t.Fatalf("expected a queued task with a resume time, got %+v", got)
	}

	// The released task is not picked up again before its retry delay.
	for i := 0; i < 5; i++ {
		if busy := w.cycle(ctx); busy {
			t.Error("expected idle cycles while the task waits")
		}
	}
	if n := len(fake.CallsOf(session.ActionGetMessages)); n != 1 {
		t.Errorf("expected 1 get_messages call, got %d", n)
	}
}

func TestWorker_SweepSettings(t *testing.T) {
	tests := []struct {
		name     string
		schedule string
		timezone string
		wantErr  bool
	}{
		{name: "disabled", schedule: "", timezone: "UTC"},
		{name: "hourly", schedule: "@hourly", timezone: "UTC"},
		{name: "bad schedule", schedule: "every now and then", timezone: "UTC", wantErr: true},
		{name: "bad timezone", schedule: "@daily", timezone: "Mars/Olympus", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Health.SweepSchedule = tt.schedule
			cfg.Health.Timezone = tt.timezone

			store, err := OpenStore(context.Background(), cfg)
			if err != nil {
				t.Fatalf("OpenStore failed: %v", err)
			}
			w, err := newWorker(cfg, store, sessiontest.NewFake())
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("newWorker failed: %v", err)
			}
			if (w.sweep != nil) != (tt.schedule != "") {
				t.Errorf("unexpected sweep %v for schedule %q", w.sweep, tt.schedule)
			}
		})
	}
}

func TestWorker_KeepSessionsUsesProcessPool(t *testing.T) {
	cfg := testConfig(t)
	cfg.Worker.KeepSessions = true
	w, _ := newTestWorker(t, cfg)
	if w.pool == nil {
		t.Fatal("expected a process-scoped pool")
	}
}

func TestOpenStore_SQLite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database = sqldb.Config{Driver: sqldb.DriverSQLite, URL: filepath.Join(t.TempDir(), "swarm.db")}
	cfg.Redis.URL = "not-a-redis-url"

	store, err := OpenStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	defer store.Close()

	if store.DB == nil || store.Memory != nil {
		t.Fatal("expected SQL mode")
	}
	if store.Redis != nil {
		t.Error("expected unreachable redis to be skipped")
	}
	if _, ok := store.Repos.Flood.(*sqldb.FloodRepo); !ok {
		t.Errorf("expected SQL flood repository, got %T", store.Repos.Flood)
	}

	acc := &domain.Account{Label: "a", IsActive: true}
	if err := store.Repos.Accounts.Create(context.Background(), acc); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
}

func TestDialSessions_RequiresEndpoint(t *testing.T) {
	if _, _, err := DialSessions(config.SessionConfig{}); err == nil {
		t.Fatal("expected error without an endpoint")
	}
}
