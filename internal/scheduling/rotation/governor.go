package rotation

import "context"

// QuotaChecker reports whether an account has quota left today.
type QuotaChecker interface {
	CanConsume(ctx context.Context, accountID int64) (bool, error)
}

// CooldownChecker reports whether an account is in a flood wait.
type CooldownChecker interface {
	IsArmed(ctx context.Context, accountID int64) bool
}

// Governor combines the backoff and quota checks into one verdict. The
// backoff check runs first since it is answered from the local cache.
type Governor struct {
	quota    QuotaChecker
	cooldown CooldownChecker
}

func NewGovernor(quota QuotaChecker, cooldown CooldownChecker) *Governor {
	return &Governor{quota: quota, cooldown: cooldown}
}

func (g *Governor) Check(ctx context.Context, accountID int64) (Verdict, error) {
	if g.cooldown != nil && g.cooldown.IsArmed(ctx, accountID) {
		return VerdictCoolingDown, nil
	}
	if g.quota != nil {
		ok, err := g.quota.CanConsume(ctx, accountID)
		if err != nil {
			return "", err
		}
		if !ok {
			return VerdictOverQuota, nil
		}
	}
	return VerdictEligible, nil
}
