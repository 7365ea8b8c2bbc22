package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stealth-dispatcher/internal/types"
)

const (
	redisSnapshotKey = "stealthd:snapshot"
	redisAttemptsKey = "stealthd:attempts"
	// attempts kept in the sorted set
	redisAttemptsCap = 5000
)

// RedisStorage keeps the snapshot under one key and the attempt audit trail in
// a sorted set scored by attempt time.
type RedisStorage struct {
	client *redis.Client
}

func NewRedisStorage(addr string) (*RedisStorage, error) {
	opts := &redis.Options{Addr: addr}
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisStorage{client: client}, nil
}

func (r *RedisStorage) Save(snap *types.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	members := make([]redis.Z, 0, len(snap.Attempts))
	for _, a := range snap.Attempts {
		raw, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("marshal attempt %s: %w", a.AttemptID, err)
		}
		members = append(members, redis.Z{Score: float64(a.Timestamp.UnixNano()), Member: raw})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisSnapshotKey, data, 0)
		if len(members) > 0 {
			pipe.ZAdd(ctx, redisAttemptsKey, members...)
			pipe.ZRemRangeByRank(ctx, redisAttemptsKey, 0, -redisAttemptsCap-1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save: %w", err)
	}
	return nil
}

func (r *RedisStorage) Load() (*types.Snapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := r.client.Get(ctx, redisSnapshotKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var snap types.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (r *RedisStorage) AttemptsFor(requestID string) ([]types.AttemptRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := r.client.ZRange(ctx, redisAttemptsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange: %w", err)
	}

	records := make([]types.AttemptRecord, 0, len(raw))
	for _, member := range raw {
		var rec types.AttemptRecord
		if err := json.Unmarshal([]byte(member), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal attempt: %w", err)
		}
		records = append(records, rec)
	}
	return attemptsOf(records, requestID), nil
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
