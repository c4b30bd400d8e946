// Package health probes account sessions and keeps their health records.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/swarm/internal/core/domain"
	"github.com/vietddude/swarm/internal/infra/session"
	"github.com/vietddude/swarm/internal/infra/storage"
	"github.com/vietddude/swarm/internal/metrics"
	"github.com/vietddude/swarm/internal/processing/batch"
	"github.com/vietddude/swarm/internal/scheduling/classify"
)

// DefaultConcurrency bounds parallel probes.
const DefaultConcurrency = 3

// RetryPolicy controls connection retries inside one probe.
type RetryPolicy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// DefaultRetry is 5 attempts starting at 1s, doubling, capped at 10s.
var DefaultRetry = RetryPolicy{Attempts: 5, Initial: time.Second, Max: 10 * time.Second}

// Delay returns the wait before retry n (1-based).
func (r RetryPolicy) Delay(n int) time.Duration {
	d := r.Initial
	for i := 1; i < n; i++ {
		d *= 2
		if d >= r.Max {
			return r.Max
		}
	}
	return min(d, r.Max)
}

// Prober checks that an account's session is usable.
type Prober struct {
	sessions    session.Factory
	repo        storage.HealthRepository
	retry       RetryPolicy
	concurrency int
	log         *slog.Logger
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewProber(sessions session.Factory, repo storage.HealthRepository, retry RetryPolicy, concurrency int) *Prober {
	if retry.Attempts <= 0 {
		retry = DefaultRetry
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Prober{
		sessions:    sessions,
		repo:        repo,
		retry:       retry,
		concurrency: concurrency,
		log:         slog.Default().With("component", "prober"),
		now:         time.Now,
		sleep:       batch.Sleep,
	}
}

// SetClock overrides the time source.
func (p *Prober) SetClock(now func() time.Time) {
	p.now = now
}

// Probe connects the account, resolves its own user and records the
// outcome. A probe cut short by ctx records nothing.
func (p *Prober) Probe(ctx context.Context, acc domain.Account) (domain.AccountHealthStatus, error) {
	start := time.Now()
	status, errMsg := p.check(ctx, acc)
	if err := ctx.Err(); err != nil {
		return domain.AccountHealthStatus{}, err
	}
	metrics.ProbeLatency.Observe(time.Since(start).Seconds())
	metrics.ProbesTotal.WithLabelValues(string(status)).Inc()

	rec, err := p.repo.RecordProbe(ctx, acc.ID, status, errMsg, p.now())
	if err != nil {
		return domain.AccountHealthStatus{}, fmt.Errorf("failed to record probe: %w", err)
	}
	if status == domain.ProbeOK {
		p.log.Debug("Probe ok", "account", acc.ID)
	} else {
		p.log.Warn("Probe failed",
			"account", acc.ID,
			"status", status,
			"failures", rec.ConsecutiveFailures,
			"error", errMsg,
		)
	}
	return rec, nil
}

func (p *Prober) check(ctx context.Context, acc domain.Account) (domain.ProbeStatus, string) {
	client, err := p.sessions.New(acc)
	if err != nil {
		d := classify.Error(err)
		return d.Category.ProbeStatus(), d.Raw
	}

	if err := p.connect(ctx, client); err != nil {
		d := classify.Error(err)
		return d.Category.ProbeStatus(), d.Raw
	}
	defer func() {
		if err := client.Disconnect(context.WithoutCancel(ctx)); err != nil {
			p.log.Warn("Disconnect failed", "account", acc.ID, "error", err)
		}
	}()

	if _, err := client.ResolveEntity(ctx, "me"); err != nil {
		d := classify.Error(err)
		return d.Category.ProbeStatus(), d.Raw
	}
	return domain.ProbeOK, ""
}

// connect retries connection-level failures only.
func (p *Prober) connect(ctx context.Context, client session.Client) error {
	var err error
	for attempt := 1; attempt <= p.retry.Attempts; attempt++ {
		if err = client.Connect(ctx); err == nil {
			return nil
		}
		c := classify.Classify(classify.FromError(err)).Category
		if c != classify.CategoryConnectionTimeout && c != classify.CategoryUnknown {
			return err
		}
		if attempt == p.retry.Attempts {
			break
		}
		if serr := p.sleep(ctx, p.retry.Delay(attempt)); serr != nil {
			return err
		}
	}
	return err
}

// ProbeAll probes every account with bounded concurrency. Results keep the
// input order.
func (p *Prober) ProbeAll(ctx context.Context, accounts []domain.Account) ([]domain.AccountHealthStatus, error) {
	results := make([]domain.AccountHealthStatus, len(accounts))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for i, acc := range accounts {
		g.Go(func() error {
			rec, err := p.Probe(ctx, acc)
			if err != nil {
				return err
			}
			results[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
