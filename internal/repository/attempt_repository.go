package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AttemptRepository persists submitted attempts.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

// SaveSubmission writes the attempt row and every response in one
// transaction. Saving the same attempt twice is a no-op.
func (r *AttemptRepository) SaveSubmission(ctx context.Context, rec *SubmissionRecord) error {
	attemptID, err := uuid.Parse(rec.AttemptID)
	if err != nil {
		return fmt.Errorf("parse attempt id: %w", err)
	}
	stats, err := json.Marshal(rec.Stats)
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	sections, err := json.Marshal(rec.Score.Sections)
	if err != nil {
		return fmt.Errorf("encode sections: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO exam_attempts (
		     attempt_id, exam_id, candidate_id, auto_submitted, remaining_seconds,
		     score, max_score, correct, incorrect, unattempted, stats, sections, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (attempt_id) DO NOTHING`,
		attemptID, rec.ExamID, rec.CandidateID, rec.Auto, rec.RemainingSeconds,
		rec.Score.Score, rec.Score.MaxScore, rec.Score.Correct, rec.Score.Incorrect, rec.Score.Unattempted,
		stats, sections, rec.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tx.Commit(ctx)
	}

	batch := &pgx.Batch{}
	for questionID, answer := range rec.Responses {
		batch.Queue(
			`INSERT INTO attempt_responses (attempt_id, question_id, answer) VALUES ($1, $2, $3)`,
			attemptID, questionID, answer,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert responses: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Exists reports whether a candidate already has a persisted attempt for
// an exam.
func (r *AttemptRepository) Exists(ctx context.Context, examID, candidateID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM exam_attempts WHERE exam_id = $1 AND candidate_id = $2)`,
		examID, candidateID,
	).Scan(&exists)
	return exists, err
}
