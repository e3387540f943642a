package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/ztcore/pkg/risk"
)

const assessmentKeyPrefix = "ztcore:assessment:"

// RedisAssessmentStore implements AssessmentStore using Redis. Values are
// the assessment wire JSON.
type RedisAssessmentStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisAssessmentStore connects to addr. ttl of 0 keeps entries forever.
func NewRedisAssessmentStore(addr, password string, db int, ttl time.Duration) *RedisAssessmentStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisAssessmentStore{client: rdb, ttl: ttl}
}

// Ping checks connectivity.
func (s *RedisAssessmentStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisAssessmentStore) Put(ctx context.Context, a risk.Assessment) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode assessment: %w", err)
	}
	if err := s.client.Set(ctx, assessmentKeyPrefix+a.Identity, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set assessment: %w", err)
	}
	return nil
}

func (s *RedisAssessmentStore) Get(ctx context.Context, identity string) (risk.Assessment, error) {
	data, err := s.client.Get(ctx, assessmentKeyPrefix+identity).Bytes()
	if errors.Is(err, redis.Nil) {
		return risk.Assessment{}, ErrNotFound
	}
	if err != nil {
		return risk.Assessment{}, fmt.Errorf("redis get assessment: %w", err)
	}
	var a risk.Assessment
	if err := json.Unmarshal(data, &a); err != nil {
		return risk.Assessment{}, fmt.Errorf("decode assessment: %w", err)
	}
	return a, nil
}

func (s *RedisAssessmentStore) Close() error {
	return s.client.Close()
}
