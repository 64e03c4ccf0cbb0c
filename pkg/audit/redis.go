package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veilgate/veilgate/pkg/domain"
)

const (
	// redisEventsKey holds the audit trail as a capped list, newest first.
	redisEventsKey = "veilgate:audit:events"
	// redisSpendKeyPrefix holds the per-day spend mirror hash.
	redisSpendKeyPrefix = "veilgate:spend:"
	// redisMaxEvents caps the Redis-backed trail.
	redisMaxEvents = 100000
	// spendKeyTTL keeps spend mirrors for a week of lookback.
	spendKeyTTL = 7 * 24 * time.Hour
)

// RedisStore persists audit events in a capped Redis list and mirrors daily
// spend into a hash for operational lookups that outlive a gateway restart.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies connectivity.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("audit: failed to connect to Redis at %s: %w", addr, err)
	}

	return &RedisStore{client: client}, nil
}

// Close shuts down the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Append pushes the event onto the capped list.
func (s *RedisStore) Append(ctx context.Context, event domain.AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, redisEventsKey, data)
	pipe.LTrim(ctx, redisEventsKey, 0, redisMaxEvents-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("audit: append event: %w", err)
	}
	return nil
}

// Query scans the list and applies the filters in process. The trail is
// operational state with a hard cap, not an analytics corpus, so a linear
// scan is acceptable.
func (s *RedisStore) Query(ctx context.Context, q Query) ([]domain.AuditEvent, error) {
	raw, err := s.client.LRange(ctx, redisEventsKey, 0, redisMaxEvents-1).Result()
	if err != nil {
		return nil, fmt.Errorf("audit: query events: %w", err)
	}

	// The list is newest first; walk backwards to return oldest first.
	var out []domain.AuditEvent
	for i := len(raw) - 1; i >= 0; i-- {
		var event domain.AuditEvent
		if err := json.Unmarshal([]byte(raw[i]), &event); err != nil {
			continue // tolerate foreign entries rather than failing the read
		}
		if q.Matches(event) {
			out = append(out, event)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

// MirrorSpend accumulates billed cost into the day's spend hash. Best
// effort: the in-process ledger remains authoritative for admission.
func (s *RedisStore) MirrorSpend(ctx context.Context, principalID string, costUSD float64, day time.Time) error {
	key := redisSpendKeyPrefix + day.Format("2006-01-02")

	pipe := s.client.TxPipeline()
	pipe.HIncrByFloat(ctx, key, principalID, costUSD)
	pipe.Expire(ctx, key, spendKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("audit: mirror spend: %w", err)
	}
	return nil
}
