package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-engine/internal/content"
	"github.com/stemsi/exstem-engine/internal/model"
)

// QuestionSetRepository reads shared question content.
type QuestionSetRepository struct {
	pool *pgxpool.Pool
}

// NewQuestionSetRepository creates a new QuestionSetRepository.
func NewQuestionSetRepository(pool *pgxpool.Pool) *QuestionSetRepository {
	return &QuestionSetRepository{pool: pool}
}

// GetByID retrieves a question set.
func (r *QuestionSetRepository) GetByID(ctx context.Context, setID string) (*model.QuestionSet, error) {
	set := &model.QuestionSet{}
	err := r.pool.QueryRow(ctx,
		`SELECT set_id, kind, title, content FROM question_sets WHERE set_id = $1`, setID,
	).Scan(&set.ID, &set.Kind, &set.Title, &set.Content)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, content.ErrSetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query question set: %w", err)
	}
	return set, nil
}

// Upsert stores a question set.
func (r *QuestionSetRepository) Upsert(ctx context.Context, set *model.QuestionSet) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO question_sets (set_id, kind, title, content)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (set_id) DO UPDATE
		 SET kind = EXCLUDED.kind, title = EXCLUDED.title, content = EXCLUDED.content, updated_at = NOW()`,
		set.ID, set.Kind, set.Title, set.Content,
	)
	return err
}
