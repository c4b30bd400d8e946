package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// SweepCreator is the name stamped on scheduled requests.
const SweepCreator = "scheduler"

// Submitter queues a health check request for every account.
type Submitter func(ctx context.Context) error

// Sweep periodically queues a health check of every account.
type Sweep struct {
	c      *cron.Cron
	submit Submitter
	log    *slog.Logger
}

// NewSweep parses a five-field cron spec (descriptors like @hourly allowed).
func NewSweep(spec string, loc *time.Location, submit Submitter) (*Sweep, error) {
	if loc == nil {
		loc = time.UTC
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}

	s := &Sweep{
		c:      cron.New(cron.WithParser(parser), cron.WithLocation(loc)),
		submit: submit,
		log:    slog.Default().With("component", "health_sweep"),
	}
	if _, err := s.c.AddFunc(spec, func() { s.Trigger(context.Background()) }); err != nil {
		return nil, fmt.Errorf("failed to schedule sweep: %w", err)
	}
	return s, nil
}

// Trigger queues one sweep now.
func (s *Sweep) Trigger(ctx context.Context) {
	if err := s.submit(ctx); err != nil {
		s.log.Warn("Scheduled health check not queued", "error", err)
		return
	}
	s.log.Info("Scheduled health check queued")
}

// Next returns the next scheduled run.
func (s *Sweep) Next() time.Time {
	entries := s.c.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Run starts the schedule and blocks until ctx is done.
func (s *Sweep) Run(ctx context.Context) {
	s.c.Start()
	s.log.Info("Health sweep scheduled", "next", s.Next())
	<-ctx.Done()
	<-s.c.Stop().Done()
}
