// Package worklock is the redis-backed registry that enforces one active
// review workflow per document and serializes decision submissions when
// multiple engine processes share a tenant.
package worklock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrHeld reports that another workflow already holds the document lock.
var ErrHeld = errors.New("document already has an active workflow")

// LockData records who holds a document lock and since when.
type LockData struct {
	WorkflowID string    `json:"workflow_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "workflow:"}, nil
}

// NewRedisStoreWithClient creates a store from an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "workflow:"}
}

func (s *RedisStore) key(orgID, documentID string) string {
	return s.prefix + orgID + ":" + documentID
}

// Acquire claims the document for a workflow. Fails with ErrHeld if a
// different workflow holds it; re-acquiring under the same workflow id
// refreshes the TTL.
func (s *RedisStore) Acquire(ctx context.Context, orgID, documentID, workflowID string, ttl time.Duration) error {
	data, err := json.Marshal(LockData{WorkflowID: workflowID, AcquiredAt: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal lock data: %w", err)
	}

	key := s.key(orgID, documentID)
	ok, err := s.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire workflow lock: %w", err)
	}
	if ok {
		return nil
	}

	holder, err := s.Holder(ctx, orgID, documentID)
	if err != nil {
		return err
	}
	if holder == workflowID {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return fmt.Errorf("refresh workflow lock: %w", err)
		}
		return nil
	}
	return fmt.Errorf("document %s held by workflow %s: %w", documentID, holder, ErrHeld)
}

// Release drops the lock if it is held by the given workflow. Releasing a
// lock held by someone else is refused.
func (s *RedisStore) Release(ctx context.Context, orgID, documentID, workflowID string) error {
	holder, err := s.Holder(ctx, orgID, documentID)
	if err != nil {
		return err
	}
	if holder == "" {
		return nil
	}
	if holder != workflowID {
		return fmt.Errorf("document %s held by workflow %s: %w", documentID, holder, ErrHeld)
	}
	if err := s.client.Del(ctx, s.key(orgID, documentID)).Err(); err != nil {
		return fmt.Errorf("release workflow lock: %w", err)
	}
	return nil
}

// Holder returns the workflow id holding a document lock, or empty when
// the document is free.
func (s *RedisStore) Holder(ctx context.Context, orgID, documentID string) (string, error) {
	raw, err := s.client.Get(ctx, s.key(orgID, documentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read workflow lock: %w", err)
	}
	var data LockData
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", fmt.Errorf("decode lock data: %w", err)
	}
	return data.WorkflowID, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
