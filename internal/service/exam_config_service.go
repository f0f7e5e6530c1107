package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
	"github.com/stemsi/exstem-engine/internal/validator"
)

// ErrExamUnavailable is returned when an exam is unknown, unpublished or
// has a definition that fails validation.
var ErrExamUnavailable = errors.New("exam not available")

type examConfigCache interface {
	GetConfig(ctx context.Context, examID string) (*model.ExamConfig, error)
	SetConfig(ctx context.Context, cfg *model.ExamConfig, ttl time.Duration) error
}

type examConfigStore interface {
	GetByID(ctx context.Context, examID string) (*model.ExamConfig, error)
	ListPublishedIDs(ctx context.Context) ([]string, error)
}

// ExamConfigService loads immutable exam definitions: Redis first, then
// PostgreSQL with self-heal back into Redis.
type ExamConfigService struct {
	cache examConfigCache
	store examConfigStore
	group singleflight.Group
	log   zerolog.Logger
}

// NewExamConfigService creates a new ExamConfigService.
func NewExamConfigService(cache examConfigCache, store examConfigStore, log zerolog.Logger) *ExamConfigService {
	return &ExamConfigService{
		cache: cache,
		store: store,
		log:   log.With().Str("component", "exam_config").Logger(),
	}
}

// Get returns the validated definition of an exam. Concurrent misses for the
// same exam share one database read.
func (s *ExamConfigService) Get(ctx context.Context, examID string) (*model.ExamConfig, error) {
	cfg, err := s.cache.GetConfig(ctx, examID)
	if err == nil {
		verr := check(cfg)
		if verr == nil {
			return cfg, nil
		}
		s.log.Warn().Err(verr).Str("exam_id", examID).Msg("Cached definition invalid, reloading")
	} else if !errors.Is(err, repository.ErrCacheMiss) {
		s.log.Warn().Err(err).Str("exam_id", examID).Msg("Cache read failed, falling back to database")
	}

	v, err, _ := s.group.Do(examID, func() (any, error) {
		return s.load(ctx, examID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.ExamConfig), nil
}

func (s *ExamConfigService) load(ctx context.Context, examID string) (*model.ExamConfig, error) {
	cfg, err := s.store.GetByID(ctx, examID)
	if err != nil {
		if errors.Is(err, repository.ErrExamNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrExamUnavailable, examID)
		}
		return nil, fmt.Errorf("load exam config: %w", err)
	}
	if err := check(cfg); err != nil {
		s.log.Error().Err(err).Str("exam_id", examID).Msg("Published definition is invalid")
		return nil, fmt.Errorf("%w: %v", ErrExamUnavailable, err)
	}

	// Self-heal: the cache is an optimisation, a failed write is not fatal.
	if err := s.cache.SetConfig(ctx, cfg, 0); err != nil {
		s.log.Warn().Err(err).Str("exam_id", examID).Msg("Failed to cache exam definition")
	}
	return cfg, nil
}

// PrewarmAllCaches loads all published exams into Redis on application startup.
func (s *ExamConfigService) PrewarmAllCaches(ctx context.Context) error {
	ids, err := s.store.ListPublishedIDs(ctx)
	if err != nil {
		return fmt.Errorf("list published exams: %w", err)
	}

	if len(ids) == 0 {
		s.log.Info().Msg("No published exams to prewarm")
		return nil
	}

	s.log.Info().Int("count", len(ids)).Msg("Prewarming published exams...")

	warmed := 0
	for _, id := range ids {
		if _, err := s.load(ctx, id); err != nil {
			s.log.Warn().Err(err).Str("exam_id", id).Msg("Failed to warm exam, skipping")
			continue
		}
		warmed++
	}

	s.log.Info().
		Int("warmed", warmed).
		Int("total", len(ids)).
		Msg("Prewarming complete")
	return nil
}

// check runs tag validation followed by the structural rules.
func check(cfg *model.ExamConfig) error {
	if err := validator.Struct(cfg); err != nil {
		return err
	}
	return cfg.Validate()
}
