package batch

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrCancelled is returned when the operator cancelled the running item.
var ErrCancelled = errors.New("batch cancelled")

// Signal is the operator's current instruction for a running item.
type Signal string

const (
	SignalRun    Signal = "run"
	SignalPause  Signal = "pause"
	SignalCancel Signal = "cancel"
)

// ControlFunc reads the current instruction from the store.
type ControlFunc func(ctx context.Context) (Signal, error)

// Gate is checked before every sub-item.
type Gate struct {
	poll  time.Duration
	check ControlFunc
	log   *slog.Logger
}

func NewGate(poll time.Duration, check ControlFunc, log *slog.Logger) *Gate {
	if poll <= 0 {
		poll = time.Second
	}
	return &Gate{poll: poll, check: check, log: log}
}

// Wait returns nil when work may proceed and ErrCancelled on cancel. While
// paused it polls until resumed, cancelled or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	logged := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		sig, err := g.check(ctx)
		if err != nil {
			return err
		}
		switch sig {
		case SignalCancel:
			return ErrCancelled
		case SignalPause:
			if !logged {
				g.log.Info("Paused by operator, waiting")
				logged = true
			}
			if err := Sleep(ctx, g.poll); err != nil {
				return err
			}
		default:
			if logged {
				g.log.Info("Resumed by operator")
			}
			return nil
		}
	}
}
