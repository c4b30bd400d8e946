package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vietddude/swarm/internal/core/config"
	redisclient "github.com/vietddude/swarm/internal/infra/redis"
	"github.com/vietddude/swarm/internal/infra/storage"
	"github.com/vietddude/swarm/internal/infra/storage/memory"
	"github.com/vietddude/swarm/internal/infra/storage/sqldb"
)

// Store is the storage a process works against.
type Store struct {
	Repos  storage.Repositories
	DB     *sqldb.DB             // nil in memory mode
	Memory *memory.MemoryStorage // nil in database mode
	Redis  *redisclient.Client   // nil unless flood waits are shared through Redis
}

// OpenStore selects the SQL store when a database URL is configured and the
// in-memory store otherwise. Pending migrations are applied on open. A
// configured Redis replaces the flood-wait repository; failing to reach it
// falls back to the primary store.
func OpenStore(ctx context.Context, cfg *config.AppConfig) (*Store, error) {
	s := &Store{}

	if cfg.Database.URL != "" {
		db, err := sqldb.Open(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		s.DB = db
		s.Repos = db.Repositories()
		slog.Info("Using SQL storage", "driver", db.Driver())
	} else {
		s.Memory = memory.NewMemoryStorage()
		s.Repos = s.Memory.Repositories()
		slog.Info("Using Memory storage")
	}

	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("Failed to connect to Redis, flood waits stay in the primary store", "error", err)
		} else {
			s.Redis = client
			s.Repos.Flood = redisclient.NewFloodRepo(client, cfg.Redis.Prefix)
			slog.Info("Sharing flood waits through Redis", "prefix", cfg.Redis.Prefix)
		}
	}

	return s, nil
}

// Close releases the connections held by the store.
func (s *Store) Close() error {
	var errs []error
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}
	if s.DB != nil {
		if err := s.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close db: %w", err))
		}
	}
	return errors.Join(errs...)
}
