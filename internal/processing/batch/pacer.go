package batch

import (
	"context"
	"math/rand/v2"
	"time"
)

// DefaultBatchEvery is how many successes pass between batch delays.
const DefaultBatchEvery = 5

// PacingConfig shapes the delay between provider actions.
type PacingConfig struct {
	Base     time.Duration `yaml:"base"`
	Jitter   time.Duration `yaml:"jitter"`
	BatchMin time.Duration `yaml:"batch_min"`
	BatchMax time.Duration `yaml:"batch_max"`
	Every    int           `yaml:"every"`
}

// Pacer sleeps base + rand*jitter after every action and a longer batch
// delay after every Every successes.
type Pacer struct {
	cfg       PacingConfig
	successes int
	rand      func() float64
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewPacer(cfg PacingConfig) *Pacer {
	if cfg.Every <= 0 {
		cfg.Every = DefaultBatchEvery
	}
	if cfg.BatchMax < cfg.BatchMin {
		cfg.BatchMax = cfg.BatchMin
	}
	return &Pacer{cfg: cfg, rand: rand.Float64, sleep: Sleep}
}

// ItemDelay returns the next per-action delay.
func (p *Pacer) ItemDelay() time.Duration {
	return p.cfg.Base + time.Duration(p.rand()*float64(p.cfg.Jitter))
}

// BatchDelay returns a delay in [BatchMin, BatchMax].
func (p *Pacer) BatchDelay() time.Duration {
	span := p.cfg.BatchMax - p.cfg.BatchMin
	return p.cfg.BatchMin + time.Duration(p.rand()*float64(span))
}

// After waits once an action finished.
func (p *Pacer) After(ctx context.Context, success bool) error {
	if err := p.sleep(ctx, p.ItemDelay()); err != nil {
		return err
	}
	if !success {
		return nil
	}
	p.successes++
	if p.successes%p.cfg.Every == 0 {
		return p.sleep(ctx, p.BatchDelay())
	}
	return nil
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
