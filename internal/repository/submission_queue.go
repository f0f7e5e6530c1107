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
	"github.com/stemsi/exstem-engine/internal/scoring"
)

// ErrQueueEmpty is returned when no submission is waiting.
var ErrQueueEmpty = errors.New("submission queue empty")

// ErrNotSubmitted is returned when an attempt has no recorded submission.
var ErrNotSubmitted = errors.New("attempt not submitted")

// SubmissionRecord is a scored submission on its way to PostgreSQL.
type SubmissionRecord struct {
	AttemptID        string          `json:"attempt_id"`
	ExamID           string          `json:"exam_id"`
	CandidateID      string          `json:"candidate_id"`
	Auto             bool            `json:"auto"`
	RemainingSeconds int             `json:"remaining_seconds"`
	Responses        model.Responses `json:"responses"`
	Stats            model.Stats     `json:"stats"`
	Score            scoring.Result  `json:"score"`
	SubmittedAt      time.Time       `json:"submitted_at"`
}

// SubmissionQueue hands submissions from live attempts to the persistence
// worker through a Redis list.
type SubmissionQueue struct {
	rdb       *redis.Client
	resultTTL time.Duration
}

// NewSubmissionQueue creates a new SubmissionQueue. Submitted results stay
// readable for resultTTL.
func NewSubmissionQueue(rdb *redis.Client, resultTTL time.Duration) *SubmissionQueue {
	return &SubmissionQueue{rdb: rdb, resultTTL: resultTTL}
}

// Enqueue records the submission for lookups and queues it for persistence
// in one transaction.
func (q *SubmissionQueue) Enqueue(ctx context.Context, rec *SubmissionRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode submission: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, config.CacheKey.AttemptSubmissionKey(rec.AttemptID), raw, q.resultTTL)
	pipe.RPush(ctx, config.WorkerKey.PersistSubmissionsQueue, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue submission: %w", err)
	}
	return nil
}

// Result returns the recorded submission of an attempt.
func (q *SubmissionQueue) Result(ctx context.Context, attemptID string) (*SubmissionRecord, error) {
	raw, err := q.rdb.Get(ctx, config.CacheKey.AttemptSubmissionKey(attemptID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotSubmitted
	}
	if err != nil {
		return nil, fmt.Errorf("load submission: %w", err)
	}
	var rec SubmissionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode submission: %w", err)
	}
	return &rec, nil
}

// Pop blocks up to timeout for the next queued submission. The raw payload
// is returned so a failed item can be requeued unchanged.
func (q *SubmissionQueue) Pop(ctx context.Context, timeout time.Duration) (*SubmissionRecord, string, error) {
	res, err := q.rdb.BLPop(ctx, timeout, config.WorkerKey.PersistSubmissionsQueue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", ErrQueueEmpty
	}
	if err != nil {
		return nil, "", err
	}
	if len(res) < 2 {
		return nil, "", ErrQueueEmpty
	}
	return decodeRecord(res[1])
}

// PopNow takes the next queued submission without blocking.
func (q *SubmissionQueue) PopNow(ctx context.Context) (*SubmissionRecord, string, error) {
	raw, err := q.rdb.LPop(ctx, config.WorkerKey.PersistSubmissionsQueue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", ErrQueueEmpty
	}
	if err != nil {
		return nil, "", err
	}
	return decodeRecord(raw)
}

// Requeue puts a payload back at the tail of the queue.
func (q *SubmissionQueue) Requeue(ctx context.Context, raw string) error {
	return q.rdb.RPush(ctx, config.WorkerKey.PersistSubmissionsQueue, raw).Err()
}

// DeadLetter parks a payload that cannot be persisted.
func (q *SubmissionQueue) DeadLetter(ctx context.Context, raw string) error {
	return q.rdb.RPush(ctx, config.WorkerKey.DeadSubmissionsQueue, raw).Err()
}

// Len returns the number of queued submissions.
func (q *SubmissionQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, config.WorkerKey.PersistSubmissionsQueue).Result()
}

func decodeRecord(raw string) (*SubmissionRecord, string, error) {
	var rec SubmissionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, raw, fmt.Errorf("decode submission: %w", err)
	}
	return &rec, raw, nil
}
