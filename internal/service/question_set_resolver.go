package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-engine/internal/content"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
)

// QuestionSetCacheTTL bounds how long shared content stays in Redis.
const QuestionSetCacheTTL = 6 * time.Hour

type questionSetCache interface {
	GetQuestionSet(ctx context.Context, setID string) (*model.QuestionSet, error)
	SetQuestionSet(ctx context.Context, set *model.QuestionSet, ttl time.Duration) error
}

type questionSetStore interface {
	GetByID(ctx context.Context, setID string) (*model.QuestionSet, error)
}

// QuestionSetResolver resolves shared question content for the loader.
type QuestionSetResolver struct {
	cache questionSetCache
	store questionSetStore
	log   zerolog.Logger
}

var _ content.Resolver = (*QuestionSetResolver)(nil)

// NewQuestionSetResolver creates a new QuestionSetResolver.
func NewQuestionSetResolver(cache questionSetCache, store questionSetStore, log zerolog.Logger) *QuestionSetResolver {
	return &QuestionSetResolver{
		cache: cache,
		store: store,
		log:   log.With().Str("component", "question_set").Logger(),
	}
}

// Resolve returns shared content from Redis, falling back to PostgreSQL.
func (r *QuestionSetResolver) Resolve(ctx context.Context, setID string) (*model.QuestionSet, error) {
	set, err := r.cache.GetQuestionSet(ctx, setID)
	if err == nil {
		return set, nil
	}
	if !errors.Is(err, repository.ErrCacheMiss) {
		r.log.Warn().Err(err).Str("set_id", setID).Msg("Cache read failed, falling back to database")
	}

	set, err = r.store.GetByID(ctx, setID)
	if err != nil {
		return nil, fmt.Errorf("resolve question set %s: %w", setID, err)
	}

	if err := r.cache.SetQuestionSet(ctx, set, QuestionSetCacheTTL); err != nil {
		r.log.Warn().Err(err).Str("set_id", setID).Msg("Failed to cache question set")
	}
	return set, nil
}
