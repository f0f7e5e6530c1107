package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
)

// ErrCacheMiss is returned when a key is absent from Redis.
var ErrCacheMiss = errors.New("cache miss")

// ExamCacheRepository is the Redis fast lane for exam definitions and
// question set content.
type ExamCacheRepository struct {
	rdb *redis.Client
}

// NewExamCacheRepository creates a new ExamCacheRepository.
func NewExamCacheRepository(rdb *redis.Client) *ExamCacheRepository {
	return &ExamCacheRepository{rdb: rdb}
}

// GetConfig reads a cached exam definition.
func (r *ExamCacheRepository) GetConfig(ctx context.Context, examID string) (*model.ExamConfig, error) {
	var cfg model.ExamConfig
	if err := r.getJSON(ctx, config.CacheKey.ExamConfigKey(examID), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetConfig caches an exam definition. A zero ttl never expires.
func (r *ExamCacheRepository) SetConfig(ctx context.Context, cfg *model.ExamConfig, ttl time.Duration) error {
	return r.setJSON(ctx, config.CacheKey.ExamConfigKey(cfg.ID), cfg, ttl)
}

// GetQuestionSet reads cached shared content.
func (r *ExamCacheRepository) GetQuestionSet(ctx context.Context, setID string) (*model.QuestionSet, error) {
	var set model.QuestionSet
	if err := r.getJSON(ctx, config.CacheKey.QuestionSetKey(setID), &set); err != nil {
		return nil, err
	}
	return &set, nil
}

// SetQuestionSet caches shared content.
func (r *ExamCacheRepository) SetQuestionSet(ctx context.Context, set *model.QuestionSet, ttl time.Duration) error {
	return r.setJSON(ctx, config.CacheKey.QuestionSetKey(set.ID), set, ttl)
}

func (r *ExamCacheRepository) getJSON(ctx context.Context, key string, dst any) error {
	raw, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (r *ExamCacheRepository) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := r.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}
