package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore implements Store on Redis. Each record is a JSON string under
// <prefix>:<playerID>; a sorted set <prefix>:index scores player ids by record
// timestamp so old records can be found without a keyspace scan.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a RedisStore. ttl is applied to every record key as a
// backstop to the retention sweep; zero disables it.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "recovery"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *RedisStore) recordKey(playerID string) string {
	return fmt.Sprintf("%s:%s", s.prefix, playerID)
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":index"
}

// Persist writes the record and its index entry in one MULTI/EXEC so readers
// on other replicas never see one without the other.
func (s *RedisStore) Persist(ctx context.Context, r *Record) error {
	if r == nil || r.PlayerID == "" {
		return errors.New("recovery record requires a player id")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal recovery record: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(r.PlayerID), data, s.ttl)
		pipe.ZAdd(ctx, s.indexKey(), &redis.Z{
			Score:  float64(r.Timestamp.UnixMilli()),
			Member: r.PlayerID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist recovery record for %s: %w", r.PlayerID, err)
	}
	return nil
}

// Load retrieves a record from Redis.
func (s *RedisStore) Load(ctx context.Context, playerID string) (*Record, error) {
	data, err := s.client.Get(ctx, s.recordKey(playerID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // Not found is not an error, just means nothing to recover
		}
		return nil, fmt.Errorf("failed to load recovery record for %s: %w", playerID, err)
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recovery record: %w", err)
	}
	return &r, nil
}

// DeleteOlderThan removes every record indexed before cutoff.
func (s *RedisStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	// The score bound is exclusive so a record written exactly at cutoff survives.
	maxScore := "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)
	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{Min: "-inf", Max: maxScore}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to query recovery index: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	removed := 0
	for _, id := range ids {
		n, err := s.deleteIfStale(ctx, id, cutoff)
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

// deleteIfStale removes one record under WATCH so a concurrent Persist from
// another replica between the index query and the delete is not lost.
func (s *RedisStore) deleteIfStale(ctx context.Context, playerID string, cutoff time.Time) (int, error) {
	key := s.recordKey(playerID)
	removed := 0
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		score, err := tx.ZScore(ctx, s.indexKey(), playerID).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if err == nil && score >= float64(cutoff.UnixMilli()) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, s.indexKey(), playerID)
			return nil
		})
		if err == nil {
			removed = 1
		}
		return err
	}, key, s.indexKey())
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			// Someone rewrote the record; it is fresh again.
			return 0, nil
		}
		return 0, fmt.Errorf("failed to delete recovery record for %s: %w", playerID, err)
	}
	return removed, nil
}
