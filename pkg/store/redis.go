package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/harun/banca/pkg/roster"
	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the redis backend.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps each checkpoint as a JSON string, the active agent in a
// per-thread hash, and a sorted set of thread IDs scored by last update for
// pruning.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// DialRedis connects to redis and verifies the connection.
func DialRedis(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStore(client, opts.KeyPrefix), nil
}

// NewRedisStore wraps an existing client. The store owns the client and
// closes it on Close.
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "banca:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) Backend() string { return "redis" }

func (s *RedisStore) checkpointKey(threadID string) string {
	return s.keyPrefix + "checkpoint:" + threadID
}

func (s *RedisStore) userdataKey(threadID string) string {
	return s.keyPrefix + "userdata:" + threadID
}

func (s *RedisStore) updatedKey() string {
	return s.keyPrefix + "updated"
}

func (s *RedisStore) Load(ctx context.Context, threadID string) (*Checkpoint, error) {
	if err := ValidateThreadID(threadID); err != nil {
		return nil, err
	}

	data, err := s.client.Get(ctx, s.checkpointKey(threadID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint %s: %w", threadID, err)
	}
	return &cp, nil
}

func (s *RedisStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := prepareSave(cp); err != nil {
		return err
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.checkpointKey(cp.ThreadID), data, 0)
	pipe.ZAdd(ctx, s.updatedKey(), redis.Z{
		Score:  float64(cp.UpdatedAt.UnixNano()),
		Member: cp.ThreadID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, threadID string) error {
	if err := ValidateThreadID(threadID); err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.checkpointKey(threadID), s.userdataKey(threadID))
	pipe.ZRem(ctx, s.updatedKey(), threadID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	return nil
}

func (s *RedisStore) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.updatedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixNano(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list stale threads: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, s.checkpointKey(id), s.userdataKey(id))
		pipe.ZRem(ctx, s.updatedKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to prune threads: %w", err)
	}
	return len(ids), nil
}

func (s *RedisStore) GetActiveAgent(ctx context.Context, threadID string) (roster.ID, error) {
	if err := ValidateThreadID(threadID); err != nil {
		return roster.Unknown, err
	}

	agent, err := s.client.HGet(ctx, s.userdataKey(threadID), "activeAgent").Result()
	if errors.Is(err, redis.Nil) {
		return roster.Unknown, nil
	}
	if err != nil {
		return roster.Unknown, fmt.Errorf("failed to get active agent: %w", err)
	}
	return normalizeAgent(agent), nil
}

func (s *RedisStore) SetActiveAgent(ctx context.Context, threadID string, agent roster.ID) error {
	if err := ValidateThreadID(threadID); err != nil {
		return err
	}
	if err := validateAgent(agent); err != nil {
		return err
	}

	err := s.client.HSet(ctx, s.userdataKey(threadID),
		"id", threadID,
		"activeAgent", string(agent),
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to set active agent: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
