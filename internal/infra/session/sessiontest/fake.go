// Package sessiontest provides an in-memory session.Factory for tests.
package sessiontest

import (
	"context"
	"sync"

	"github.com/vietddude/swarm/internal/core/domain"
	"github.com/vietddude/swarm/internal/infra/session"
)

// Call records one Invoke.
type Call struct {
	AccountID int64
	Action    session.Action
}

// Fake is a scriptable session.Factory. Nil funcs succeed.
type Fake struct {
	ConnectFunc func(accountID int64) error
	ResolveFunc func(accountID int64, ref string) (session.Entity, error)
	InvokeFunc  func(accountID int64, action session.Action) (session.Result, error)

	mu          sync.Mutex
	calls       []Call
	connects    map[int64]int
	disconnects map[int64]int
	resolves    map[int64]int
}

func NewFake() *Fake {
	return &Fake{
		connects:    make(map[int64]int),
		disconnects: make(map[int64]int),
		resolves:    make(map[int64]int),
	}
}

func (f *Fake) New(account domain.Account) (session.Client, error) {
	return &client{fake: f, accountID: account.ID}, nil
}

// Calls returns every Invoke in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsOf returns the invokes of one action kind.
func (f *Fake) CallsOf(kind session.ActionKind) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Action.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) Connects(accountID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects[accountID]
}

func (f *Fake) Disconnects(accountID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects[accountID]
}

func (f *Fake) Resolves(accountID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolves[accountID]
}

type client struct {
	fake      *Fake
	accountID int64
}

func (c *client) Connect(ctx context.Context) error {
	c.fake.mu.Lock()
	c.fake.connects[c.accountID]++
	fn := c.fake.ConnectFunc
	c.fake.mu.Unlock()
	if fn != nil {
		return fn(c.accountID)
	}
	return nil
}

func (c *client) ResolveEntity(ctx context.Context, ref string) (session.Entity, error) {
	c.fake.mu.Lock()
	c.fake.resolves[c.accountID]++
	fn := c.fake.ResolveFunc
	c.fake.mu.Unlock()
	if fn != nil {
		return fn(c.accountID, ref)
	}
	return session.Entity{Ref: ref, Title: ref}, nil
}

func (c *client) Invoke(ctx context.Context, action session.Action) (session.Result, error) {
	c.fake.mu.Lock()
	c.fake.calls = append(c.fake.calls, Call{AccountID: c.accountID, Action: action})
	fn := c.fake.InvokeFunc
	c.fake.mu.Unlock()
	if fn != nil {
		return fn(c.accountID, action)
	}
	return session.Result{}, nil
}

func (c *client) Disconnect(ctx context.Context) error {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()
	c.fake.disconnects[c.accountID]++
	return nil
}
