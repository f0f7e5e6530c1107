package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-engine/internal/model"
)

// ErrExamNotFound is returned when no published definition exists.
var ErrExamNotFound = errors.New("exam not found")

// ExamConfigRepository reads exam definitions published by the catalog.
type ExamConfigRepository struct {
	pool *pgxpool.Pool
}

// NewExamConfigRepository creates a new ExamConfigRepository.
func NewExamConfigRepository(pool *pgxpool.Pool) *ExamConfigRepository {
	return &ExamConfigRepository{pool: pool}
}

// GetByID retrieves a published exam definition.
func (r *ExamConfigRepository) GetByID(ctx context.Context, examID string) (*model.ExamConfig, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx,
		`SELECT definition FROM exam_configs WHERE exam_id = $1 AND published`, examID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrExamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query exam config: %w", err)
	}

	var cfg model.ExamConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode exam config %s: %w", examID, err)
	}
	return &cfg, nil
}

// ListPublishedIDs returns the ids of every published exam.
func (r *ExamConfigRepository) ListPublishedIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT exam_id FROM exam_configs WHERE published ORDER BY exam_id`)
	if err != nil {
		return nil, fmt.Errorf("list exam configs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan exam configs: %w", err)
	}
	return ids, nil
}

// Upsert stores a definition. The catalog owns this table; the engine only
// writes to it from tests and seed tooling.
func (r *ExamConfigRepository) Upsert(ctx context.Context, cfg *model.ExamConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode exam config: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO exam_configs (exam_id, title, definition)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (exam_id) DO UPDATE
		 SET title = EXCLUDED.title, definition = EXCLUDED.definition, updated_at = NOW()`,
		cfg.ID, cfg.Title, raw,
	)
	return err
}
