package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/vietddude/swarm/internal/core/domain"
)

// Scope documents how long pooled connections live.
type Scope string

const (
	ScopeBatch   Scope = "batch"   // released when the batch ends
	ScopeProcess Scope = "process" // released on shutdown
)

// Pool owns the connected clients of one scope, keyed by account ID.
type Pool struct {
	factory Factory
	scope   Scope
	log     *slog.Logger

	mu      sync.Mutex
	clients map[int64]Client
}

// NewPool creates an empty pool.
func NewPool(factory Factory, scope Scope) *Pool {
	return &Pool{
		factory: factory,
		scope:   scope,
		log:     slog.Default().With("component", "session_pool", "scope", string(scope)),
		clients: make(map[int64]Client),
	}
}

// Scope returns the pool's lifetime scope.
func (p *Pool) Scope() Scope {
	return p.scope
}

// Acquire returns the account's client, connecting it on first use.
// Failed connections are not cached.
func (p *Pool) Acquire(ctx context.Context, account domain.Account) (Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[account.ID]; ok {
		return c, nil
	}

	c, err := p.factory.New(account)
	if err != nil {
		return nil, fmt.Errorf("failed to build client for account %d: %w", account.ID, err)
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	p.clients[account.ID] = c
	p.log.Debug("Session connected", "account", account.ID)
	return c, nil
}

// Release disconnects and drops one account's client.
func (p *Pool) Release(ctx context.Context, accountID int64) {
	p.mu.Lock()
	c, ok := p.clients[accountID]
	delete(p.clients, accountID)
	p.mu.Unlock()

	if !ok {
		return
	}
	if err := c.Disconnect(ctx); err != nil {
		p.log.Warn("Disconnect failed", "account", accountID, "error", err)
	}
}

// Len returns the number of connected clients.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Close disconnects every client. The pool stays usable.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[int64]Client)
	p.mu.Unlock()

	ids := make([]int64, 0, len(clients))
	for id := range clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var errs []error
	for _, id := range ids {
		if err := clients[id].Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("account %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Lease returns the pool a batch should use. A shared process-scoped pool
// is returned as is with a no-op release; otherwise a fresh batch pool is
// created and release closes it.
func Lease(shared *Pool, factory Factory) (*Pool, func(context.Context)) {
	if shared != nil {
		return shared, func(context.Context) {}
	}
	p := NewPool(factory, ScopeBatch)
	return p, func(ctx context.Context) {
		if err := p.Close(ctx); err != nil {
			p.log.Warn("Failed to release batch sessions", "error", err)
		}
	}
}
