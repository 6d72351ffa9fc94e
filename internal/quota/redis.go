package quota

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dogtale/companion-core/internal/errors"
)

// counterTTL outlives the calendar day so a late increment never resurrects
// an expired key for the wrong day.
const counterTTL = 48 * time.Hour

// checkAndIncrement consumes one unit only while under the limit.
// KEYS[1] counter, ARGV[1] limit, ARGV[2] ttl seconds. Returns {allowed, used}.
var checkAndIncrement = redis.NewScript(`
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
if used >= tonumber(ARGV[1]) then
	return {0, used}
end
used = redis.call("INCR", KEYS[1])
redis.call("EXPIRE", KEYS[1], ARGV[2])
return {1, used}
`)

// RedisBackend keeps a counter per user and UTC calendar day.
type RedisBackend struct {
	rdb redis.Cmdable
	now func() time.Time
}

// NewRedisBackend creates a RedisBackend over rdb.
func NewRedisBackend(rdb redis.Cmdable) *RedisBackend {
	return &RedisBackend{rdb: rdb, now: time.Now}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrap(errors.ErrConnectivity, "redis ping failed", err)
	}
	return rdb, nil
}

// Key returns the counter key for userID on the day containing at.
func Key(userID string, at time.Time) string {
	return fmt.Sprintf("quota:%s:%s", userID, at.UTC().Format(time.DateOnly))
}

func tokensKey(userID string, at time.Time) string {
	return Key(userID, at) + ":tokens"
}

// Usage implements Backend.
func (b *RedisBackend) Usage(ctx context.Context, userID string) (int, error) {
	n, err := b.rdb.Get(ctx, Key(userID, b.now())).Int()
	if stderrors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(errors.ErrConnectivity, "read quota counter", err)
	}
	return n, nil
}

// Increment implements Backend.
func (b *RedisBackend) Increment(ctx context.Context, userID string, tokens int) (int, error) {
	now := b.now()
	key, tkey := Key(userID, now), tokensKey(userID, now)

	var incr *redis.IntCmd
	_, err := b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.Expire(ctx, key, counterTTL)
		if tokens > 0 {
			p.IncrBy(ctx, tkey, int64(tokens))
			p.Expire(ctx, tkey, counterTTL)
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(errors.ErrConnectivity, "increment quota counter", err)
	}
	return int(incr.Val()), nil
}

// CheckAndIncrement implements Backend.
func (b *RedisBackend) CheckAndIncrement(ctx context.Context, userID string, limit int) (int, bool, error) {
	res, err := checkAndIncrement.Run(ctx, b.rdb, []string{Key(userID, b.now())},
		limit, int(counterTTL/time.Second)).Int64Slice()
	if err != nil {
		return 0, false, errors.Wrap(errors.ErrConnectivity, "check quota counter", err)
	}
	if len(res) != 2 {
		return 0, false, errors.Newf(errors.ErrInternal, "unexpected quota script reply %v", res)
	}
	return int(res[1]), res[0] == 1, nil
}
