// Package rotation selects the next account for a unit of work.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/vietddude/swarm/internal/core/domain"
)

// ErrExhausted is returned when no account in the list is eligible.
var ErrExhausted = errors.New("no eligible account")

// Verdict is the eligibility of one account at selection time.
type Verdict string

const (
	VerdictEligible    Verdict = "eligible"
	VerdictOverQuota   Verdict = "over_quota"
	VerdictCoolingDown Verdict = "cooling_down"
)

// Eligibility decides whether an account may take the next unit.
type Eligibility interface {
	Check(ctx context.Context, accountID int64) (Verdict, error)
}

// Rotator cycles through a stable, creation-ordered account list. It is
// scoped to one batch and not safe for concurrent use.
type Rotator struct {
	accounts []domain.Account
	cursor   int
	gov      Eligibility

	overQuota   map[int64]bool
	coolingDown map[int64]bool
}

// NewRotator creates a rotator. Accounts are ordered by ID (creation order).
func NewRotator(accounts []domain.Account, gov Eligibility) *Rotator {
	list := append([]domain.Account(nil), accounts...)
	sort.SliceStable(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return &Rotator{
		accounts:    list,
		gov:         gov,
		overQuota:   make(map[int64]bool),
		coolingDown: make(map[int64]bool),
	}
}

// Next returns the next eligible account. The cursor advances after every
// attempt. Over-quota accounts are skipped; cooling-down accounts are
// removed for the rest of the batch. ErrExhausted after a full pass.
func (r *Rotator) Next(ctx context.Context) (domain.Account, error) {
	for attempts := len(r.accounts); attempts > 0 && len(r.accounts) > 0; attempts-- {
		idx := r.cursor % len(r.accounts)
		acc := r.accounts[idx]
		r.cursor = (idx + 1) % len(r.accounts)

		verdict, err := r.gov.Check(ctx, acc.ID)
		if err != nil {
			return domain.Account{}, fmt.Errorf("eligibility check for account %d: %w", acc.ID, err)
		}

		switch verdict {
		case VerdictEligible:
			delete(r.overQuota, acc.ID)
			return acc, nil
		case VerdictCoolingDown:
			r.removeAt(idx)
			r.coolingDown[acc.ID] = true
		default:
			r.overQuota[acc.ID] = true
		}
	}
	return domain.Account{}, ErrExhausted
}

// Remove drops an account for the rest of the batch, e.g. after it hit a
// flood wait or lost its session.
func (r *Rotator) Remove(accountID int64) {
	for i, a := range r.accounts {
		if a.ID == accountID {
			r.removeAt(i)
			return
		}
	}
}

func (r *Rotator) removeAt(idx int) {
	r.accounts = append(r.accounts[:idx], r.accounts[idx+1:]...)
	switch {
	case len(r.accounts) == 0:
		r.cursor = 0
	case r.cursor > idx:
		r.cursor--
	case r.cursor == idx || r.cursor >= len(r.accounts):
		r.cursor = idx % len(r.accounts)
	}
}

// MarkCoolingDown records that an account was removed because of a flood wait.
func (r *Rotator) MarkCoolingDown(accountID int64) {
	r.coolingDown[accountID] = true
	r.Remove(accountID)
}

// Len returns the number of accounts still in rotation.
func (r *Rotator) Len() int {
	return len(r.accounts)
}

// Accounts returns the accounts still in rotation, in order.
func (r *Rotator) Accounts() []domain.Account {
	return append([]domain.Account(nil), r.accounts...)
}

// Exhaustion summarizes why the last pass found nobody: the accounts
// skipped for quota and those removed for cooling down.
func (r *Rotator) Exhaustion() (overQuota, coolingDown []int64) {
	for id := range r.overQuota {
		overQuota = append(overQuota, id)
	}
	for id := range r.coolingDown {
		coolingDown = append(coolingDown, id)
	}
	sort.Slice(overQuota, func(i, j int) bool { return overQuota[i] < overQuota[j] })
	sort.Slice(coolingDown, func(i, j int) bool { return coolingDown[i] < coolingDown[j] })
	return overQuota, coolingDown
}
