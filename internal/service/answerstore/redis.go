// Package answerstore persists the latest finalized answer in Redis so a
// restarted relay can replay it to the first viewers that connect.
package answerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zhouzirui/answer-relay/backend/internal/model/relay"
)

// DefaultKey is where the record lives when no key is configured.
const DefaultKey = "relay:latest_answer"

// RedisStore keeps exactly one record under a single key. Older answers are
// overwritten, never appended.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects to rawURL (redis://[:password@]host:port/db) and
// verifies the connection with a PING.
func NewRedisStore(ctx context.Context, rawURL, key string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStoreWithClient(client, key), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultKey
	}
	return &RedisStore{client: client, key: key}
}

// SaveLatestAnswer overwrites the stored record.
func (s *RedisStore) SaveLatestAnswer(ctx context.Context, record relay.AnswerRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal answer record: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("save latest answer: %w", err)
	}
	return nil
}

// LoadLatestAnswer returns the stored record, or nil when none was saved yet.
func (s *RedisStore) LoadLatestAnswer(ctx context.Context) (*relay.AnswerRecord, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load latest answer: %w", err)
	}

	var record relay.AnswerRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode latest answer: %w", err)
	}
	return &record, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
