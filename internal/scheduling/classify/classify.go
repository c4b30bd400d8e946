// Package classify maps raw provider failures into the closed taxonomy that
// drives every retry, backoff and disable decision.
package classify

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/vietddude/swarm/internal/core/domain"
	"github.com/vietddude/swarm/internal/infra/session"
	"github.com/vietddude/swarm/internal/metrics"
)

// Category is the canonical failure class.
type Category string

const (
	CategoryNone              Category = ""
	CategoryInvalidSession    Category = "invalid_session"
	CategoryRateLimited       Category = "rate_limited"
	CategoryConnectionTimeout Category = "connection_timeout"
	CategoryDCMigrate         Category = "dc_migrate_required"
	CategoryPermanent         Category = "permanent_item_error"
	CategoryUnknown           Category = "unknown_error"
)

// Action is what the caller must do with the item and account.
type Action string

const (
	ActionNone           Action = ""
	ActionDisableAccount Action = "disable_account" // deactivate account, reassign item
	ActionBackoffRequeue Action = "backoff_requeue" // arm backoff, requeue item
	ActionRequeue        Action = "requeue"         // transient, requeue with retry++
	ActionSurface        Action = "surface"         // warn operator, requeue at most once
	ActionFail           Action = "fail"            // terminal item failure
	ActionRequeueOnce    Action = "requeue_once"    // requeue at most once, then fail
)

// Signal is the raw failure as observed at a call site.
type Signal struct {
	Code        string
	Message     string
	WaitSeconds int
}

// Raw returns the best human-readable form of the signal.
func (s Signal) Raw() string {
	switch {
	case s.Code != "" && s.Message != "" && !strings.Contains(s.Message, s.Code):
		return s.Code + ": " + s.Message
	case s.Message != "":
		return s.Message
	default:
		return s.Code
	}
}

// Decision is the classifier's verdict.
type Decision struct {
	Category Category
	Action   Action
	Wait     time.Duration // provider-supplied wait; zero when absent
	Raw      string
}

// PermanentCodes are item-level failures that never succeed on retry.
var PermanentCodes = []string{
	"CHAT_ADMIN_REQUIRED",
	"USER_PRIVACY_RESTRICTED",
	"USER_ID_INVALID",
	"USER_BOT",
	"PEER_FLOOD",
	"CHANNEL_PRIVATE",
	"INVITE_REQUEST_SENT",
	"USER_KICKED",
	"USER_BANNED_IN_CHANNEL",
	"CHAT_WRITE_FORBIDDEN",
	"USER_RESTRICTED",
	"USER_NOT_MUTUAL_CONTACT",
	"USER_CHANNELS_TOO_MUCH",
	"CHANNELS_TOO_MUCH",
}

var (
	invalidSessionMarkers = []string{
		"auth_key_unregistered",
		"session_revoked",
		"user_deactivated",
		"auth_key_duplicated",
		"invalid buffer",
	}
	rateLimitMarkers = []string{"flood", "too many requests"}
	migrateMarkers   = []string{"migrate"}
	timeoutMarkers   = []string{"timeout", "connection", "network"}

	permanentSet = func() map[string]struct{} {
		m := make(map[string]struct{}, len(PermanentCodes))
		for _, c := range PermanentCodes {
			m[c] = struct{}{}
		}
		return m
	}()

	floodWaitRe = regexp.MustCompile(`(?i)flood_wait_(\d+)`)
	waitOfRe    = regexp.MustCompile(`(?i)wait of (\d+) seconds?`)
	codeTokenRe = regexp.MustCompile(`[A-Z][A-Z0-9_]{2,}`)
)

var actions = map[Category]Action{
	CategoryInvalidSession:    ActionDisableAccount,
	CategoryRateLimited:       ActionBackoffRequeue,
	CategoryConnectionTimeout: ActionRequeue,
	CategoryDCMigrate:         ActionSurface,
	CategoryPermanent:         ActionFail,
	CategoryUnknown:           ActionRequeueOnce,
}

// Classify evaluates a signal with fixed precedence: permanent exact match,
// invalid session, rate limit, DC migration, connection timeout, unknown.
func Classify(sig Signal) Decision {
	d := Decision{Raw: sig.Raw(), Wait: waitOf(sig)}
	lower := strings.ToLower(sig.Code + " " + sig.Message)

	switch {
	case isPermanent(sig):
		d.Category = CategoryPermanent
	case containsAny(lower, invalidSessionMarkers):
		d.Category = CategoryInvalidSession
	case containsAny(lower, rateLimitMarkers) || d.Wait > 0:
		d.Category = CategoryRateLimited
	case containsAny(lower, migrateMarkers):
		d.Category = CategoryDCMigrate
	case containsAny(lower, timeoutMarkers):
		d.Category = CategoryConnectionTimeout
	default:
		d.Category = CategoryUnknown
	}
	d.Action = actions[d.Category]
	return d
}

// FromError extracts a signal from an error returned by the session layer.
func FromError(err error) Signal {
	if err == nil {
		return Signal{}
	}
	var se *session.Error
	if errors.As(err, &se) {
		return Signal{Code: se.Code, Message: se.Message, WaitSeconds: se.WaitSeconds}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Signal{Message: "timeout: " + err.Error()}
	}
	return Signal{Message: err.Error()}
}

// Error classifies an error directly. A nil error yields CategoryNone.
func Error(err error) Decision {
	if err == nil {
		return Decision{}
	}
	d := Classify(FromError(err))
	metrics.ClassifiedErrorsTotal.WithLabelValues(string(d.Category)).Inc()
	return d
}

// ProbeStatus narrows a category to the connection-oriented subset stored
// by health probes.
func (c Category) ProbeStatus() domain.ProbeStatus {
	switch c {
	case CategoryNone:
		return domain.ProbeOK
	case CategoryInvalidSession:
		return domain.ProbeInvalidSession
	case CategoryRateLimited:
		return domain.ProbeRateLimited
	case CategoryConnectionTimeout:
		return domain.ProbeConnectionTimeout
	case CategoryDCMigrate:
		return domain.ProbeDCMigrate
	default:
		return domain.ProbeUnknownError
	}
}

// Transient reports whether the category never fails an item.
func (c Category) Transient() bool {
	return c == CategoryRateLimited || c == CategoryConnectionTimeout
}

func isPermanent(sig Signal) bool {
	if _, ok := permanentSet[strings.ToUpper(strings.TrimSpace(sig.Code))]; ok {
		return true
	}
	if _, ok := permanentSet[strings.ToUpper(strings.TrimSpace(sig.Message))]; ok {
		return true
	}
	for _, tok := range codeTokenRe.FindAllString(sig.Message, -1) {
		if _, ok := permanentSet[tok]; ok {
			return true
		}
	}
	return false
}

func waitOf(sig Signal) time.Duration {
	if sig.WaitSeconds > 0 {
		return time.Duration(sig.WaitSeconds) * time.Second
	}
	text := sig.Code + " " + sig.Message
	for _, re := range []*regexp.Regexp{floodWaitRe, waitOfRe} {
		if m := re.FindStringSubmatch(text); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
				return time.Duration(n) * time.Second
			}
		}
	}
	return 0
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
