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

// ErrCheckpointNotFound is returned when an attempt has no saved checkpoint.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// AttemptOwner identifies who an attempt belongs to.
type AttemptOwner struct {
	ExamID      string `json:"exam_id"`
	CandidateID string `json:"candidate_id"`
}

// CheckpointRepository stores resume checkpoints in Redis.
type CheckpointRepository struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewCheckpointRepository creates a new CheckpointRepository. Checkpoints
// and ownership records expire after ttl of inactivity.
func NewCheckpointRepository(rdb *redis.Client, ttl time.Duration) *CheckpointRepository {
	return &CheckpointRepository{rdb: rdb, ttl: ttl}
}

// Save overwrites the checkpoint of an attempt and refreshes its owner record.
func (r *CheckpointRepository) Save(ctx context.Context, attemptID string, owner AttemptOwner, cp model.Checkpoint) error {
	cpJSON, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	ownerJSON, err := json.Marshal(owner)
	if err != nil {
		return fmt.Errorf("encode owner: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, config.CacheKey.AttemptCheckpointKey(attemptID), cpJSON, r.ttl)
	pipe.Set(ctx, config.CacheKey.AttemptOwnerKey(attemptID), ownerJSON, r.ttl)
	pipe.Set(ctx, config.CacheKey.CandidateActiveAttemptKey(owner.CandidateID), attemptID, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load reads the checkpoint of an attempt.
func (r *CheckpointRepository) Load(ctx context.Context, attemptID string) (*model.Checkpoint, error) {
	raw, err := r.rdb.Get(ctx, config.CacheKey.AttemptCheckpointKey(attemptID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	var cp model.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

// Owner reads who an attempt belongs to.
func (r *CheckpointRepository) Owner(ctx context.Context, attemptID string) (*AttemptOwner, error) {
	raw, err := r.rdb.Get(ctx, config.CacheKey.AttemptOwnerKey(attemptID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load owner: %w", err)
	}
	var owner AttemptOwner
	if err := json.Unmarshal(raw, &owner); err != nil {
		return nil, fmt.Errorf("decode owner: %w", err)
	}
	return &owner, nil
}

// Delete removes an attempt's checkpoint and active-attempt pointer.
func (r *CheckpointRepository) Delete(ctx context.Context, attemptID, candidateID string) error {
	return r.rdb.Del(ctx,
		config.CacheKey.AttemptCheckpointKey(attemptID),
		config.CacheKey.CandidateActiveAttemptKey(candidateID),
	).Err()
}
