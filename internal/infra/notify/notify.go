// Package notify delivers one-line operator summaries when a batch reaches a
// terminal outcome. Delivery is best effort: failures are logged and never
// retried.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/vietddude/swarm/internal/metrics"
)

// Summary describes the outcome of one unit of work.
type Summary struct {
	Kind      string // "migration", "reaction", "health_check"
	ItemID    int64
	Status    string
	Requested int
	Success   int
	Failed    int
	Reason    string
	CreatedBy string
	Lines     []string
}

// Text renders the summary for chat delivery.
func (s Summary) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s #%d %s: %d ok, %d failed", s.Kind, s.ItemID, s.Status, s.Success, s.Failed)
	if s.Requested > 0 {
		fmt.Fprintf(&b, " of %d requested", s.Requested)
	}
	if s.Reason != "" {
		fmt.Fprintf(&b, " (%s)", s.Reason)
	}
	for _, line := range s.Lines {
		b.WriteString("\n")
		b.WriteString(line)
	}
	return b.String()
}

// Sink delivers a summary to one destination.
type Sink interface {
	Notify(ctx context.Context, s Summary) error
}

// Notifier rate-limits deliveries to a sink and swallows failures.
type Notifier struct {
	sink    Sink
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewNotifier wraps sink. ratePerSec <= 0 defaults to 1.
func NewNotifier(sink Sink, ratePerSec int) *Notifier {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	return &Notifier{
		sink:    sink,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		log:     slog.Default().With("component", "notifier"),
	}
}

// Send delivers s once. It never returns an error.
func (n *Notifier) Send(ctx context.Context, s Summary) {
	if n == nil || n.sink == nil {
		return
	}
	if err := n.limiter.Wait(ctx); err != nil {
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		n.log.Warn("Notification dropped", "kind", s.Kind, "id", s.ItemID, "error", err)
		return
	}
	if err := n.sink.Notify(ctx, s); err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		n.log.Warn("Notification failed", "kind", s.Kind, "id", s.ItemID, "error", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
}

// LogSink writes summaries to the structured log.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{log: slog.Default().With("component", "notify")}
}

func (l *LogSink) Notify(ctx context.Context, s Summary) error {
	l.log.Info("Summary",
		"kind", s.Kind,
		"id", s.ItemID,
		"status", s.Status,
		"success", s.Success,
		"failed", s.Failed,
		"requested", s.Requested,
		"reason", s.Reason,
		"created_by", s.CreatedBy,
	)
	return nil
}

// MemorySink keeps summaries in memory.
type MemorySink struct {
	mu        sync.Mutex
	summaries []Summary
}

func (m *MemorySink) Notify(ctx context.Context, s Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries = append(m.summaries, s)
	return nil
}

// Summaries returns everything delivered so far.
func (m *MemorySink) Summaries() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Summary(nil), m.summaries...)
}
