package redis

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/swarm/internal/core/domain"
)

// FloodRepo stores cool-down windows so every worker sees them. Each window
// is a key flood:<account> holding the expiry as unix seconds, with a TTL
// matching the window. A sorted set indexes the keys for listing.
type FloodRepo struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

// NewFloodRepo creates a new Redis-backed flood repository.
func NewFloodRepo(client *Client, prefix string) *FloodRepo {
	return &FloodRepo{rdb: client.rdb, prefix: prefix, now: time.Now}
}

// Key helpers
func (r *FloodRepo) floodKey(accountID int64) string {
	return fmt.Sprintf("%sflood:%d", r.prefix, accountID)
}

func (r *FloodRepo) indexKey() string {
	return r.prefix + "flood:index"
}

// setFloodScript writes the window only when it ends later than the stored
// one. KEYS: flood key, index. ARGV: until, ttl seconds, member.
var setFloodScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local till = tonumber(ARGV[1])
if cur >= till then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
redis.call('ZADD', KEYS[2], till, ARGV[3])
return 1
`)

// clearFloodScript removes the window only when it ended by now.
// KEYS: flood key, index. ARGV: now, member.
var clearFloodScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur > tonumber(ARGV[1]) then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
return 1
`)

// SetFlood arms the window or extends a shorter one. A window already in
// the past is ignored.
func (r *FloodRepo) SetFlood(ctx context.Context, accountID int64, until time.Time) error {
	secs := math.Ceil(until.Sub(r.now()).Seconds())
	if secs <= 0 {
		return nil
	}

	keys := []string{r.floodKey(accountID), r.indexKey()}
	member := strconv.FormatInt(accountID, 10)
	if err := setFloodScript.Run(ctx, r.rdb, keys, until.Unix(), int64(secs), member).Err(); err != nil {
		return fmt.Errorf("failed to set flood wait: %w", err)
	}
	return nil
}

// ListFlooded returns the windows still open at now and prunes expired
// index entries.
func (r *FloodRepo) ListFlooded(ctx context.Context, now time.Time) ([]domain.AccountFloodState, error) {
	cutoff := strconv.FormatInt(now.Unix(), 10)
	if err := r.rdb.ZRemRangeByScore(ctx, r.indexKey(), "-inf", cutoff).Err(); err != nil {
		return nil, fmt.Errorf("failed to prune flood index: %w", err)
	}

	entries, err := r.rdb.ZRangeByScoreWithScores(ctx, r.indexKey(), &redis.ZRangeBy{
		Min: "(" + cutoff,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore failed: %w", err)
	}

	out := make([]domain.AccountFloodState, 0, len(entries))
	for _, e := range entries {
		member, ok := e.Member.(string)
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, domain.AccountFloodState{
			AccountID: id,
			Until:     time.Unix(int64(e.Score), 0).UTC(),
		})
	}
	return out, nil
}

// ClearFlood removes the window if it ended by now. A window extended by
// another worker survives.
func (r *FloodRepo) ClearFlood(ctx context.Context, accountID int64, now time.Time) error {
	keys := []string{r.floodKey(accountID), r.indexKey()}
	member := strconv.FormatInt(accountID, 10)
	if err := clearFloodScript.Run(ctx, r.rdb, keys, now.Unix(), member).Err(); err != nil {
		return fmt.Errorf("failed to clear flood wait: %w", err)
	}
	return nil
}

// Until returns the window of one account read from its key, or zero when
// the key has expired.
func (r *FloodRepo) Until(ctx context.Context, accountID int64) (time.Time, error) {
	val, err := r.rdb.Get(ctx, r.floodKey(accountID)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get failed: %w", err)
	}
	unix, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid flood value %q: %w", val, err)
	}
	return time.Unix(unix, 0).UTC(), nil
}
