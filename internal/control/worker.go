package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/vietddude/swarm/internal/core/config"
	"github.com/vietddude/swarm/internal/core/worker"
	"github.com/vietddude/swarm/internal/health"
	"github.com/vietddude/swarm/internal/infra/notify"
	"github.com/vietddude/swarm/internal/infra/session"
	"github.com/vietddude/swarm/internal/infra/session/grpcbridge"
	"github.com/vietddude/swarm/internal/liveness"
	"github.com/vietddude/swarm/internal/processing/batch"
	"github.com/vietddude/swarm/internal/processing/invite"
	"github.com/vietddude/swarm/internal/processing/reaction"
	"github.com/vietddude/swarm/internal/producer"
	"github.com/vietddude/swarm/internal/scheduling/backoff"
	"github.com/vietddude/swarm/internal/scheduling/claim"
	"github.com/vietddude/swarm/internal/scheduling/quota"
)

// Runner is one kind of work the polling loop drives. RunOnce reports
// whether it handled an item.
type Runner interface {
	RunOnce(ctx context.Context) (bool, error)
}

// Worker is one worker process: it polls every queue, keeps its heartbeat
// and serves the liveness endpoint.
type Worker struct {
	cfg       *config.AppConfig
	store     *Store
	conn      *grpc.ClientConn
	pool      *session.Pool
	backoff   *backoff.Manager
	runners   []namedRunner
	heartbeat *liveness.Heartbeat
	server    *liveness.Server
	sweep     *health.Sweep
	pruner    *worker.Pruner
	log       *slog.Logger

	cancel context.CancelFunc
	group  *errgroup.Group
}

type namedRunner struct {
	name string
	Runner
}

// Components wires everything a worker or a one-shot command needs on top
// of a store.
type Components struct {
	Sessions  session.Factory
	Notifier  *notify.Notifier
	Claimer   *claim.Claimer
	Quota     *quota.Tracker
	Backoff   *backoff.Manager
	Health    *health.Runner
	Registry  *liveness.Registry
	Admission *producer.Admission
}

// NewComponents builds the scheduling, processing and liveness pieces over
// store. fallback enables in-process execution of health checks when no
// worker is online.
func NewComponents(cfg *config.AppConfig, store *Store, sessions session.Factory, fallback bool) (*Components, error) {
	repos := store.Repos

	sink, err := newSink(cfg.Notify)
	if err != nil {
		return nil, err
	}
	notifier := notify.NewNotifier(sink, cfg.Notify.RatePerSec)

	claimer := claim.NewClaimer(claim.Config{
		WorkerID:          cfg.Worker.ID,
		RecoveryThreshold: cfg.Worker.RecoveryThreshold,
	}, repos.Queue)

	prober := health.NewProber(sessions, repos.Health, health.DefaultRetry, cfg.Health.Concurrency)
	runner := health.NewRunner(repos, claimer, prober, notifier)
	registry := liveness.NewRegistry(repos.Heartbeats, cfg.Worker.Freshness)

	var exec producer.Executor
	if fallback {
		exec = runner
	}

	return &Components{
		Sessions:  sessions,
		Notifier:  notifier,
		Claimer:   claimer,
		Quota:     quota.NewTracker(repos.Quota, repos.Accounts, cfg.Quota.DailyLimit),
		Backoff:   backoff.NewManager(repos.Flood),
		Health:    runner,
		Registry:  registry,
		Admission: producer.NewAdmission(repos, registry, exec),
	}, nil
}

func newSink(cfg config.NotifyConfig) (notify.Sink, error) {
	if cfg.Telegram.Token == "" {
		return notify.NewLogSink(), nil
	}
	sink, err := notify.NewTelegramSink(cfg.Telegram)
	if err != nil {
		return nil, fmt.Errorf("failed to init telegram sink: %w", err)
	}
	return sink, nil
}

// DialSessions connects to the session gateway.
func DialSessions(cfg config.SessionConfig) (*grpc.ClientConn, session.Factory, error) {
	if cfg.Endpoint == "" {
		return nil, nil, errors.New("session gateway endpoint is not configured")
	}
	conn, err := grpcbridge.Dial(cfg.Endpoint)
	if err != nil {
		return nil, nil, err
	}
	return conn, grpcbridge.NewFactory(conn, cfg.Timeout), nil
}

// NewWorker opens storage, dials the session gateway and wires every
// processor.
func NewWorker(ctx context.Context, cfg *config.AppConfig) (*Worker, error) {
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	conn, sessions, err := DialSessions(cfg.Session)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	w, err := newWorker(cfg, store, sessions)
	if err != nil {
		_ = conn.Close()
		_ = store.Close()
		return nil, err
	}
	w.conn = conn
	return w, nil
}

func newWorker(cfg *config.AppConfig, store *Store, sessions session.Factory) (*Worker, error) {
	comp, err := NewComponents(cfg, store, sessions, false)
	if err != nil {
		return nil, err
	}
	repos := store.Repos

	var pool *session.Pool
	if cfg.Worker.KeepSessions {
		pool = session.NewPool(sessions, session.ScopeProcess)
	}

	base := batch.Config{
		WorkerID:      cfg.Worker.ID,
		Size:          cfg.Worker.BatchSize,
		Poll:          cfg.Worker.PollInterval,
		RetryDelay:    cfg.Worker.RetryDelay,
		RetryDelayMax: cfg.Worker.RetryDelayMax,
	}
	inviteCfg, reactionCfg := base, base
	inviteCfg.Pacing = cfg.Invite
	reactionCfg.Pacing = cfg.Reaction

	inviter := invite.NewProcessor(inviteCfg, invite.Deps{
		Repos:    repos,
		Claimer:  comp.Claimer,
		Quota:    comp.Quota,
		Backoff:  comp.Backoff,
		Sessions: sessions,
		Pool:     pool,
		Notifier: comp.Notifier,
	})
	reactor := reaction.NewProcessor(reactionCfg, reaction.Deps{
		Repos:    repos,
		Claimer:  comp.Claimer,
		Quota:    comp.Quota,
		Backoff:  comp.Backoff,
		Sessions: sessions,
		Pool:     pool,
		Notifier: comp.Notifier,
	})

	w := &Worker{
		cfg:     cfg,
		store:   store,
		pool:    pool,
		backoff: comp.Backoff,
		runners: []namedRunner{
			{name: "invite", Runner: inviter},
			{name: "reaction", Runner: reactor},
			{name: "health_check", Runner: comp.Health},
		},
		pruner:    worker.NewPruner(cfg.Worker.Retention, repos.Quota, repos.Actions),
		heartbeat: liveness.NewHeartbeat(cfg.Worker.ID, cfg.Worker.PollInterval, repos.Heartbeats),
		server:    liveness.NewServer(comp.Registry, repos.Accounts, repos.Health, comp.Quota, cfg.Server.Port),
		log:       slog.Default().With("component", "worker", "worker", cfg.Worker.ID),
	}

	if cfg.Health.SweepSchedule != "" {
		loc, err := time.LoadLocation(cfg.Health.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid health timezone %q: %w", cfg.Health.Timezone, err)
		}
		w.sweep, err = health.NewSweep(cfg.Health.SweepSchedule, loc, func(ctx context.Context) error {
			_, _, err := comp.Admission.SubmitHealthCheck(ctx, health.SweepCreator, nil)
			if errors.Is(err, producer.ErrNoWorkers) {
				return nil
			}
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	return w, nil
}

// Start launches the heartbeat, the polling loop, the health sweep and the
// liveness server.
func (w *Worker) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)
	w.group, ctx = errgroup.WithContext(ctx)

	// Start Liveness Server
	go func() {
		if err := w.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.log.Error("Liveness server failed", "error", err)
		}
	}()

	// Start DB Metrics Collector
	if w.store.DB != nil {
		w.store.DB.StartMetricsCollector(ctx)
	}

	w.group.Go(func() error {
		w.heartbeat.Run(ctx)
		return nil
	})
	w.group.Go(func() error {
		return w.loop(ctx)
	})
	w.group.Go(func() error {
		w.pruner.Start(ctx)
		return nil
	})
	if w.sweep != nil {
		w.group.Go(func() error {
			w.sweep.Run(ctx)
			return nil
		})
	}
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		w.group.Go(func() error {
			w.watchdog(ctx, interval/2)
			return nil
		})
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		w.log.Debug("sd_notify ready failed", "error", err)
	}
	w.log.Info("Worker started", "poll", w.cfg.Worker.PollInterval, "port", w.cfg.Server.Port)
	return nil
}

// Stop cancels the loops, waits for them and releases every connection.
func (w *Worker) Stop(ctx context.Context) error {
	w.log.Info("Stopping Worker...")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan error, 1)
	go func() {
		if w.group == nil {
			done <- nil
			return
		}
		done <- w.group.Wait()
	}()

	var errs []error
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("worker loops did not stop: %w", ctx.Err()))
	}

	if err := w.server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop liveness server: %w", err))
	}
	if w.pool != nil {
		if err := w.pool.Close(ctx); err != nil {
			w.log.Warn("Failed to release sessions", "error", err)
		}
	}
	if w.conn != nil {
		if err := w.conn.Close(); err != nil {
			w.log.Warn("Failed to close session gateway connection", "error", err)
		}
	}
	if err := w.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// loop is the cooperative polling loop. A cycle that handled work is
// followed immediately by another; an idle cycle waits one poll interval.
func (w *Worker) loop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Worker.PollInterval)
	defer ticker.Stop()

	for {
		busy := w.cycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if busy {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// cycle refreshes the shared cool-down cache and gives every runner one
// turn. It reports whether any runner handled an item.
func (w *Worker) cycle(ctx context.Context) bool {
	if err := w.backoff.Refresh(ctx); err != nil {
		w.log.Warn("Failed to refresh flood waits", "error", err)
	}

	busy := false
	for _, r := range w.runners {
		if ctx.Err() != nil {
			return false
		}
		did, err := r.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.log.Error("Runner failed", "runner", r.name, "error", err)
		}
		busy = busy || did
	}
	return busy
}

func (w *Worker) watchdog(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
