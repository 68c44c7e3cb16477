package runstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisKey     = "mirrorurl:runs"
	defaultRedisTimeout = 5 * time.Second
)

// RedisConfig configures a Redis-backed store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Key names the hash holding every snapshot.
	Key     string
	Timeout time.Duration
}

// RedisStore keeps snapshots as JSON values in a single Redis hash.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects to Redis and checks the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis address is required")
	}
	key := cfg.Key
	if key == "" {
		key = defaultRedisKey
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRedisTimeout
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}
	return NewRedisStoreFromClient(client, key), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) Save(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.key, snap.RunID, data).Err()
}

func (s *RedisStore) Remove(ctx context.Context, runID string) error {
	return s.client.HDel(ctx, s.key, runID).Err()
}

func (s *RedisStore) Get(ctx context.Context, runID string) (Snapshot, error) {
	data, err := s.client.HGet(ctx, s.key, runID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return snap, nil
}

func (s *RedisStore) List(ctx context.Context) ([]Snapshot, error) {
	values, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	snapshots := make([]Snapshot, 0, len(values))
	for _, value := range values {
		var snap Snapshot
		if err := json.Unmarshal([]byte(value), &snap); err != nil {
			continue
		}
		snapshots = append(snapshots, snap)
	}
	SortSnapshots(snapshots)
	return snapshots, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
