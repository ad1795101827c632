package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	proofKeyPrefix    = "ledgergate:proof:"
	cooldownKeyPrefix = "ledgergate:cooldown:"
)

// reserveScript performs the cooldown check and write as one Redis command.
// KEYS[1] = cooldown key
// ARGV[1] = now (unix micros)
// ARGV[2] = window (micros)
// Returns {allowed, previous or ""}.
var reserveScript = redis.NewScript(`
local prev = redis.call("GET", KEYS[1])
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

if prev then
    if now - tonumber(prev) < window then
        return {0, prev}
    end
end

redis.call("SET", KEYS[1], ARGV[1])
if prev then
    return {1, prev}
end
return {1, ""}
`)

// releaseScript restores the previous value only if ours is still current.
// ARGV[1] = reserved value, ARGV[2] = previous value or ""
var releaseScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur ~= ARGV[1] then
    return 0
end
if ARGV[2] == "" then
    redis.call("DEL", KEYS[1])
else
    redis.call("SET", KEYS[1], ARGV[2])
end
return 1
`)

// RedisStore shares both ledgers across several API instances.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("unable to ping redis: %w", err)
	}
	return &RedisStore{client: rdb}, nil
}

func (s *RedisStore) Seen(ctx context.Context, proofKey string) (bool, error) {
	n, err := s.client.Exists(ctx, proofKeyPrefix+proofKey).Result()
	if err != nil {
		return false, fmt.Errorf("proof lookup failed: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Consume(ctx context.Context, proofKey string, at time.Time) error {
	if proofKey == "" {
		return ErrEmptyKey
	}
	ok, err := s.client.SetNX(ctx, proofKeyPrefix+proofKey, stamp(at).UnixMicro(), 0).Result()
	if err != nil {
		return fmt.Errorf("proof write failed: %w", err)
	}
	if !ok {
		return ErrProofConsumed
	}
	return nil
}

func (s *RedisStore) CheckAndReserve(ctx context.Context, actorKey string, window time.Duration, now time.Time) (Reservation, error) {
	actorKey = NormalizeActor(actorKey)
	if actorKey == "" {
		return Reservation{}, ErrEmptyKey
	}
	now = stamp(now)

	res, err := reserveScript.Run(ctx, s.client,
		[]string{cooldownKeyPrefix + actorKey},
		now.UnixMicro(), window.Microseconds(),
	).Slice()
	if err != nil {
		return Reservation{}, fmt.Errorf("redis cooldown error: %w", err)
	}
	if len(res) != 2 {
		return Reservation{}, fmt.Errorf("invalid response from cooldown script")
	}

	allowed, _ := res[0].(int64)
	prevRaw, _ := res[1].(string)

	var prev time.Time
	found := prevRaw != ""
	if found {
		micros, err := strconv.ParseInt(prevRaw, 10, 64)
		if err != nil {
			return Reservation{}, fmt.Errorf("corrupt cooldown entry for %q: %w", actorKey, err)
		}
		prev = time.UnixMicro(micros).UTC()
	}

	r := decide(actorKey, prev, found, window, now)
	// The script is authoritative; decide only fills in the derived fields.
	r.Allowed = allowed == 1
	if r.Allowed {
		r.At = now
		r.RetryAfter = 0
	}
	return r, nil
}

func (s *RedisStore) Release(ctx context.Context, r Reservation) error {
	if !r.Allowed {
		return nil
	}
	prev := ""
	if !r.Previous.IsZero() {
		prev = strconv.FormatInt(r.Previous.UnixMicro(), 10)
	}
	err := releaseScript.Run(ctx, s.client,
		[]string{cooldownKeyPrefix + r.ActorKey},
		strconv.FormatInt(r.At.UnixMicro(), 10), prev,
	).Err()
	if err != nil {
		return fmt.Errorf("redis cooldown release: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
