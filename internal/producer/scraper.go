package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vietddude/swarm/internal/core/domain"
	"github.com/vietddude/swarm/internal/infra/session"
	"github.com/vietddude/swarm/internal/infra/storage"
	"github.com/vietddude/swarm/internal/metrics"
	"github.com/vietddude/swarm/internal/scheduling/classify"
)

// ErrNoScrapeAccount is returned when no account could read the source group.
var ErrNoScrapeAccount = errors.New("no account could read the source group")

// Scraper fills a migration session's queue from its source group.
type Scraper struct {
	repos    storage.Repositories
	sessions session.Factory
	log      *slog.Logger
}

func NewScraper(repos storage.Repositories, sessions session.Factory) *Scraper {
	return &Scraper{
		repos:    repos,
		sessions: sessions,
		log:      slog.Default().With("component", "scraper"),
	}
}

// Scrape reads up to limit participants of the session's source group
// through one of its accounts and queues them in the order returned.
func (s *Scraper) Scrape(ctx context.Context, sessionID int64, limit int) (int, error) {
	sess, err := s.repos.Sessions.Get(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to load session: %w", err)
	}
	if sess == nil {
		return 0, storage.ErrNotFound
	}

	refs, err := s.Collect(ctx, sess.SourceRef, sess.AccountIDs, limit)
	if err != nil {
		return 0, err
	}
	n, err := s.repos.Members.Enqueue(ctx, sessionID, refs)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue members: %w", err)
	}
	return n, nil
}

// Collect reads up to limit participants of sourceRef through the first
// account able to. Accounts with a dead session are disabled and the next
// one is tried. Empty accountIDs means every account.
func (s *Scraper) Collect(ctx context.Context, sourceRef string, accountIDs []int64, limit int) ([]string, error) {
	if sourceRef == "" {
		return nil, fmt.Errorf("no source group to scrape")
	}
	accounts, err := s.repos.Accounts.GetMany(ctx, accountIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}

	log := s.log.With("source", sourceRef)
	for _, acc := range accounts {
		if !acc.IsActive {
			continue
		}

		refs, err := s.participants(ctx, acc, sourceRef, limit)
		if err == nil {
			log.Info("Source scraped", "account", acc.ID, "members", len(refs))
			return refs, nil
		}

		d := classify.Error(err)
		metrics.ActionsTotal.WithLabelValues(string(session.ActionGetParticipants), string(d.Category)).Inc()
		switch d.Action {
		case classify.ActionDisableAccount:
			log.Warn("Disabling account with dead session", "account", acc.ID, "error", d.Raw)
			if err := s.repos.Accounts.SetActive(ctx, acc.ID, false, d.Raw); err != nil {
				return nil, fmt.Errorf("failed to disable account: %w", err)
			}
		case classify.ActionFail:
			return nil, fmt.Errorf("source group unreadable: %w", err)
		default:
			log.Warn("Scrape attempt failed", "account", acc.ID, "category", d.Category, "error", d.Raw)
		}
	}
	return nil, ErrNoScrapeAccount
}

func (s *Scraper) participants(ctx context.Context, acc domain.Account, ref string, limit int) ([]string, error) {
	client, err := s.sessions.New(acc)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if err := client.Disconnect(ctx); err != nil {
			s.log.Warn("Disconnect failed", "account", acc.ID, "error", err)
		}
	}()

	source, err := client.ResolveEntity(ctx, ref)
	if err != nil {
		return nil, err
	}
	res, err := client.Invoke(ctx, session.Action{
		Kind:   session.ActionGetParticipants,
		Target: source,
		Limit:  limit,
	})
	if err != nil {
		return nil, err
	}
	metrics.ActionsTotal.WithLabelValues(string(session.ActionGetParticipants), "success").Inc()
	return res.Participants, nil
}
