package domain

import "time"

// Account is one messaging-platform login owned by the store.
type Account struct {
	ID                int64
	Label             string
	SessionCredential string // opaque, handed to the session capability
	IsActive          bool
	DisabledReason    string
	LastUsedAt        *time.Time
	CreatedAt         time.Time
}

// AccountDailyLimit is the per-account, per-UTC-date usage counter.
type AccountDailyLimit struct {
	AccountID int64
	Day       string // YYYY-MM-DD in UTC
	Used      int
	UpdatedAt time.Time
}

// AccountFloodState marks an account ineligible until Until.
type AccountFloodState struct {
	AccountID int64
	Until     time.Time
}

// DayKey returns the quota bucket for t.
func DayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// NextDay returns the UTC midnight following t.
func NextDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}
