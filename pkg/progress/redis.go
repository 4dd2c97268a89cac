package progress

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/fut-harvester/pkg/logging"
)

// Redis key suffixes for progress state.
const (
	RedisKeyCursors   = "cursors"
	RedisKeyCompleted = "completed"
)

// RedisStore keeps progress in Redis: a hash of phase cursors and a set of
// completed ids, both under a per-job prefix (e.g. "harvest:items").
type RedisStore struct {
	redis  *redis.Client
	prefix string
	logger zerolog.Logger
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(redisClient *redis.Client, prefix string, logger zerolog.Logger) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = "harvest"
	}
	return &RedisStore{
		redis:  redisClient,
		prefix: prefix,
		logger: logging.NewLogger(logger, "progress").With().Str("backend", "redis").Logger(),
	}
}

func (s *RedisStore) key(suffix string) string {
	return s.prefix + ":" + suffix
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context) (Record, error) {
	pipe := s.redis.Pipeline()
	cursorsCmd := pipe.HGetAll(ctx, s.key(RedisKeyCursors))
	completedCmd := pipe.SMembers(ctx, s.key(RedisKeyCompleted))
	if _, err := pipe.Exec(ctx); err != nil {
		return Record{}, fmt.Errorf("load progress from redis: %w", err)
	}

	record := NewRecord()
	for phase, raw := range cursorsCmd.Val() {
		next, err := strconv.Atoi(raw)
		if err != nil {
			return Record{}, fmt.Errorf("parse cursor for phase %q: %w", phase, err)
		}
		record.Cursors[phase] = next
	}
	for _, id := range completedCmd.Val() {
		record.Completed[id] = struct{}{}
	}

	s.logger.Info().
		Int("completed", len(record.Completed)).
		Interface("cursors", record.Cursors).
		Msg("Progress loaded")

	return record, nil
}

// MarkCompleted implements Store.
func (s *RedisStore) MarkCompleted(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}

	added, err := s.redis.SAdd(ctx, s.key(RedisKeyCompleted), members...).Result()
	if err != nil {
		return fmt.Errorf("store completed ids in redis: %w", err)
	}

	s.logger.Debug().Int64("added", added).Msg("Completed ids flushed")
	return nil
}

// SaveCursor implements Store. The forward-only check and the write run in one
// optimistic transaction on the cursor hash.
func (s *RedisStore) SaveCursor(ctx context.Context, phase string, next int) error {
	key := s.key(RedisKeyCursors)

	txf := func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, phase).Int()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("get cursor: %w", err)
		}

		record := NewRecord()
		if err == nil {
			record.Cursors[phase] = current
		}
		if err := record.checkCursor(phase, next); err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, phase, next)
			return nil
		})
		return err
	}

	if err := s.redis.Watch(ctx, txf, key); err != nil {
		return fmt.Errorf("store cursor in redis: %w", err)
	}

	s.logger.Debug().Str("phase", phase).Int("next_page", next).Msg("Cursor flushed")
	return nil
}
