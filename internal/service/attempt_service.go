package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stemsi/exstem-engine/internal/attempt"
	"github.com/stemsi/exstem-engine/internal/content"
	"github.com/stemsi/exstem-engine/internal/engine"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
	"github.com/stemsi/exstem-engine/internal/scoring"
	"github.com/stemsi/exstem-engine/internal/submission"
	"github.com/stemsi/exstem-engine/internal/timer"
)

// Attempt lifecycle errors.
var (
	ErrAttemptNotFound  = errors.New("attempt not found")
	ErrNotAttemptOwner  = errors.New("attempt belongs to another candidate")
	ErrAlreadySubmitted = errors.New("attempt already submitted")
	ErrQuestionRange    = errors.New("question index out of range")
)

// attemptNamespace seeds deterministic attempt ids so a candidate always
// lands on the same attempt for an exam.
var attemptNamespace = uuid.MustParse("6f1c2b9e-4a57-4f43-9d1e-2b7c0f4a8e31")

const (
	checkpointTimeout = 5 * time.Second
	shutdownParallel  = 8
)

type examConfigSource interface {
	Get(ctx context.Context, examID string) (*model.ExamConfig, error)
}

type checkpointStore interface {
	Save(ctx context.Context, attemptID string, owner repository.AttemptOwner, cp model.Checkpoint) error
	Load(ctx context.Context, attemptID string) (*model.Checkpoint, error)
	Owner(ctx context.Context, attemptID string) (*repository.AttemptOwner, error)
}

type submissionQueue interface {
	Enqueue(ctx context.Context, rec *repository.SubmissionRecord) error
	Result(ctx context.Context, attemptID string) (*repository.SubmissionRecord, error)
}

type attemptHistory interface {
	Exists(ctx context.Context, examID, candidateID string) (bool, error)
}

// AttemptOptions tunes live attempts.
type AttemptOptions struct {
	TickInterval         time.Duration
	Thresholds           []int
	AutoResume           bool
	CheckpointEveryTicks int
	IdleTimeout          time.Duration
	Clock                timer.Clock
}

// AttemptService owns every live attempt hosted by this process.
type AttemptService struct {
	exams       examConfigSource
	checkpoints checkpointStore
	queue       submissionQueue
	history     attemptHistory
	loader      *content.Loader
	opts        AttemptOptions
	log         zerolog.Logger

	mu   sync.Mutex
	live map[string]*LiveAttempt
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(
	exams examConfigSource,
	checkpoints checkpointStore,
	queue submissionQueue,
	history attemptHistory,
	loader *content.Loader,
	opts AttemptOptions,
	log zerolog.Logger,
) *AttemptService {
	if opts.Clock == nil {
		opts.Clock = timer.SystemClock{}
	}
	if opts.CheckpointEveryTicks <= 0 {
		opts.CheckpointEveryTicks = 15
	}
	return &AttemptService{
		exams:       exams,
		checkpoints: checkpoints,
		queue:       queue,
		history:     history,
		loader:      loader,
		opts:        opts,
		log:         log.With().Str("component", "attempt_service").Logger(),
		live:        make(map[string]*LiveAttempt),
	}
}

// AttemptID returns the attempt id of a candidate for an exam.
func AttemptID(examID, candidateID string) string {
	return uuid.NewSHA1(attemptNamespace, []byte(examID+"\x00"+candidateID)).String()
}

// Start returns the candidate's attempt for an exam, restoring it from its
// checkpoint or creating a new one. Submitted attempts are rejected.
func (s *AttemptService) Start(ctx context.Context, examID, candidateID string) (*LiveAttempt, error) {
	id := AttemptID(examID, candidateID)

	if la := s.lookup(id); la != nil {
		if la.Attempt().Snapshot().Phase == model.PhaseSubmitted {
			return nil, ErrAlreadySubmitted
		}
		la.Touch()
		return la, nil
	}

	la, err := s.open(ctx, id, examID, candidateID)
	if err != nil {
		return nil, err
	}
	if la.Attempt().Snapshot().Phase == model.PhaseSubmitted {
		return nil, ErrAlreadySubmitted
	}
	return la, nil
}

// Get returns an attempt by id for its owner. Attempts that are not live in
// this process are restored from their checkpoint.
func (s *AttemptService) Get(ctx context.Context, attemptID, candidateID string) (*LiveAttempt, error) {
	if la := s.lookup(attemptID); la != nil {
		if la.CandidateID != candidateID {
			return nil, ErrNotAttemptOwner
		}
		la.Touch()
		return la, nil
	}

	owner, err := s.checkpoints.Owner(ctx, attemptID)
	if errors.Is(err, repository.ErrCheckpointNotFound) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load attempt owner: %w", err)
	}
	if owner.CandidateID != candidateID {
		return nil, ErrNotAttemptOwner
	}
	return s.open(ctx, attemptID, owner.ExamID, owner.CandidateID)
}

// Result returns the recorded submission of an attempt.
func (s *AttemptService) Result(ctx context.Context, attemptID string) (*repository.SubmissionRecord, error) {
	return s.queue.Result(ctx, attemptID)
}

// RenderQuestion renders a question of a started attempt with its shared
// content.
func (s *AttemptService) RenderQuestion(ctx context.Context, la *LiveAttempt, index int) (content.Rendered, error) {
	run := la.Attempt()
	if run.Snapshot().Phase == model.PhaseInstructions {
		return content.Rendered{}, engine.ErrNotStarted
	}
	q, ok := run.Config().QuestionAt(index)
	if !ok {
		return content.Rendered{}, fmt.Errorf("%w: %d", ErrQuestionRange, index)
	}
	return s.loader.Render(ctx, index, q), nil
}

// Live returns the number of attempts hosted by this process.
func (s *AttemptService) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

func (s *AttemptService) lookup(id string) *LiveAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[id]
}

// open builds a live attempt. Storage reads happen outside the lock; a
// concurrent open of the same attempt wins and ours is discarded.
func (s *AttemptService) open(ctx context.Context, id, examID, candidateID string) (*LiveAttempt, error) {
	rec, err := s.queue.Result(ctx, id)
	switch {
	case err == nil && rec != nil:
		return nil, ErrAlreadySubmitted
	case err != nil && !errors.Is(err, repository.ErrNotSubmitted):
		return nil, fmt.Errorf("check submission: %w", err)
	}

	cfg, err := s.exams.Get(ctx, examID)
	if err != nil {
		return nil, err
	}

	cp, err := s.checkpoints.Load(ctx, id)
	if errors.Is(err, repository.ErrCheckpointNotFound) {
		cp = nil
	} else if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	if cp == nil || cp.State.Phase == model.PhaseSubmitted {
		// Checkpoints expire; the database remembers finished attempts.
		done, err := s.history.Exists(ctx, examID, candidateID)
		if err != nil {
			return nil, fmt.Errorf("check attempt history: %w", err)
		}
		if done {
			return nil, ErrAlreadySubmitted
		}
	}
	if cp != nil && cp.State.Phase == model.PhaseSubmitted {
		// Submitted but never handed off: redeliver from the checkpoint.
		s.redeliver(ctx, id, examID, candidateID, cfg, cp)
		return nil, ErrAlreadySubmitted
	}

	la := newLiveAttempt(s, id, examID, candidateID, cfg, cp)

	s.mu.Lock()
	if existing, ok := s.live[id]; ok {
		s.mu.Unlock()
		la.discard()
		existing.Touch()
		return existing, nil
	}
	s.live[id] = la
	s.mu.Unlock()

	la.start()
	if cp == nil {
		// Persist ownership right away so the attempt can be found by id.
		la.markDirty()
	}

	s.log.Info().
		Str("attempt_id", id).
		Str("exam_id", examID).
		Str("candidate_id", candidateID).
		Bool("restored", cp != nil).
		Msg("Attempt opened")
	return la, nil
}

func (s *AttemptService) redeliver(ctx context.Context, id, examID, candidateID string, cfg *model.ExamConfig, cp *model.Checkpoint) {
	snap := model.Snapshot{SessionState: cp.State}
	sub := submission.Submission{
		ExamID:           examID,
		Responses:        submission.ResponsesOf(cfg, snap),
		Stats:            engine.StatsOf(cfg, snap),
		RemainingSeconds: cp.RemainingSeconds,
		SubmittedAt:      cp.SavedAt,
	}
	if err := s.enqueue(ctx, id, candidateID, cfg, sub); err != nil {
		s.log.Error().Err(err).Str("attempt_id", id).Msg("Failed to redeliver submission")
		return
	}
	s.log.Warn().Str("attempt_id", id).Msg("Redelivered submission from checkpoint")
}

// enqueue scores a submission and hands it to the persistence worker.
func (s *AttemptService) enqueue(ctx context.Context, attemptID, candidateID string, cfg *model.ExamConfig, sub submission.Submission) error {
	rec := &repository.SubmissionRecord{
		AttemptID:        attemptID,
		ExamID:           sub.ExamID,
		CandidateID:      candidateID,
		Auto:             sub.Auto,
		RemainingSeconds: sub.RemainingSeconds,
		Responses:        sub.Responses,
		Stats:            sub.Stats,
		Score:            scoring.Score(cfg, sub.Responses),
		SubmittedAt:      sub.SubmittedAt,
	}
	return s.queue.Enqueue(ctx, rec)
}

func (s *AttemptService) remove(la *LiveAttempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live[la.ID] == la {
		delete(s.live, la.ID)
	}
}

func (s *AttemptService) snapshotLive() []*LiveAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*LiveAttempt, 0, len(s.live))
	for _, la := range s.live {
		out = append(out, la)
	}
	return out
}

// ─── Background ─────────────────────────────────────────────────────────────

// SweepIdle evicts attempts nobody has touched for the idle timeout and
// that have no open stream. Running sessions are paused and checkpointed
// first. It returns the number of evicted attempts.
func (s *AttemptService) SweepIdle(ctx context.Context) int {
	if s.opts.IdleTimeout <= 0 {
		return 0
	}
	cutoff := s.opts.Clock.Now().Add(-s.opts.IdleTimeout)

	evicted := 0
	for _, la := range s.snapshotLive() {
		if la.Subscribers() > 0 || la.LastSeen().After(cutoff) {
			continue
		}
		if err := s.evict(ctx, la); err != nil {
			s.log.Warn().Err(err).Str("attempt_id", la.ID).Msg("Idle eviction checkpoint failed")
		}
		evicted++
	}
	if evicted > 0 {
		s.log.Info().Int("evicted", evicted).Msg("Idle attempts evicted")
	}
	return evicted
}

// RunSweeper calls SweepIdle every interval until ctx is done.
func (s *AttemptService) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SweepIdle(ctx)
		}
	}
}

// Shutdown pauses and checkpoints every live attempt.
func (s *AttemptService) Shutdown(ctx context.Context) error {
	all := s.snapshotLive()
	s.log.Info().Int("count", len(all)).Msg("Checkpointing live attempts...")

	// Every attempt gets its checkpoint attempt even when another fails.
	var g errgroup.Group
	g.SetLimit(shutdownParallel)
	for _, la := range all {
		g.Go(func() error {
			return s.evict(ctx, la)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("shutdown attempts: %w", err)
	}
	s.log.Info().Msg("Live attempts checkpointed")
	return nil
}

func (s *AttemptService) evict(ctx context.Context, la *LiveAttempt) error {
	if la.Attempt().Snapshot().Running() {
		if _, err := la.Attempt().Pause(); err != nil && !errors.Is(err, attempt.ErrNotRunning) {
			la.log.Warn().Err(err).Msg("Pause before eviction failed")
		}
	}
	s.remove(la)
	return la.Close(ctx)
}
