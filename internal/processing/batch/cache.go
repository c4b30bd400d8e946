package batch

import (
	"context"
	"sync"

	"github.com/vietddude/swarm/internal/infra/session"
)

type entityKey struct {
	accountID int64
	ref       string
}

// EntityCache resolves each target once per account for the life of a batch.
type EntityCache struct {
	mu      sync.Mutex
	entries map[entityKey]session.Entity
}

func NewEntityCache() *EntityCache {
	return &EntityCache{entries: make(map[entityKey]session.Entity)}
}

// Resolve returns the cached entity or resolves it through client.
func (c *EntityCache) Resolve(ctx context.Context, client session.Client, accountID int64, ref string) (session.Entity, error) {
	key := entityKey{accountID: accountID, ref: ref}

	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		return e, nil
	}

	e, err := client.ResolveEntity(ctx, ref)
	if err != nil {
		return session.Entity{}, err
	}

	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return e, nil
}
