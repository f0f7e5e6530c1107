// Package engine holds the exam session state machine. The Store is the only
// writer of model.SessionState; everything else reads its snapshots.
package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/model"
)

// Reasons a command was rejected. A rejected command leaves state untouched.
var (
	ErrNotStarted          = errors.New("session has not started")
	ErrAlreadyStarted      = errors.New("session already started")
	ErrSubmitted           = errors.New("session already submitted")
	ErrPaused              = errors.New("session is paused")
	ErrNotPaused           = errors.New("session is not paused")
	ErrUnknownQuestion     = errors.New("unknown question")
	ErrOutOfRange          = errors.New("index out of range")
	ErrNotVisited          = errors.New("question not visited")
	ErrInvalidRemaining    = errors.New("invalid remaining seconds")
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

// Listener receives the snapshot produced by every accepted command.
// Listeners run outside the store lock and may be called concurrently when
// commands are dispatched from several goroutines; Snapshot.Version is
// strictly increasing, so a listener can drop snapshots older than one it
// has already seen.
type Listener func(model.Snapshot)

// Store owns one session's state and applies commands to it atomically.
type Store struct {
	cfg *model.ExamConfig
	log zerolog.Logger

	mu        sync.Mutex
	state     model.SessionState
	version   uint64
	cause     string
	listeners []Listener
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for rejected commands.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) {
		s.log = log.With().Str("component", "session_store").Str("exam_id", s.cfg.ID).Logger()
	}
}

// New creates a store in the instructions phase with every question
// NOT_VISITED and the full duration remaining.
func New(cfg *model.ExamConfig, opts ...Option) *Store {
	s := &Store{cfg: cfg, log: zerolog.Nop(), cause: "init"}
	for _, o := range opts {
		o(s)
	}

	questions := make(map[string]model.QuestionState, cfg.TotalQuestions())
	for _, id := range cfg.QuestionIDs() {
		questions[id] = model.QuestionState{Status: model.StatusNotVisited}
	}

	s.state = model.SessionState{
		Phase:            model.PhaseInstructions,
		Questions:        questions,
		RemainingSeconds: cfg.DurationSeconds(),
		Language:         cfg.DefaultLanguage(),
	}
	return s
}

// Restore rebuilds a store from a checkpoint. Unknown question ids are
// dropped, missing ones start NOT_VISITED, inconsistent entries are repaired
// and the cursor is clamped. A session that was in progress comes back
// paused at the checkpointed remaining time, with its cursor question
// visited.
func Restore(cfg *model.ExamConfig, cp model.Checkpoint, opts ...Option) *Store {
	s := New(cfg, opts...)
	s.cause = "restore"

	prev := cp.State.Clone()
	for id, qs := range prev.Questions {
		if _, ok := s.state.Questions[id]; !ok {
			s.log.Warn().Str("question_id", id).Msg("Dropping checkpoint entry for unknown question")
			continue
		}
		if !qs.Consistent() || qs.Status == "" {
			repaired := repair(qs)
			s.log.Warn().
				Str("question_id", id).
				Str("status", string(qs.Status)).
				Str("repaired", string(repaired.Status)).
				Msg("Repaired inconsistent checkpoint entry")
			qs = repaired
		}
		s.state.Questions[id] = qs
	}

	switch prev.Phase {
	case model.PhaseInProgress, model.PhaseSubmitted:
		s.state.Phase = prev.Phase
	default:
		s.state.Phase = model.PhaseInstructions
	}

	if r, err := s.clampRemaining(cp.RemainingSeconds); err == nil {
		s.state.RemainingSeconds = r
	}
	if s.state.Phase == model.PhaseInProgress {
		s.state.Paused = true
	}
	if cfg.SupportsLanguage(prev.Language) {
		s.state.Language = prev.Language
	}

	total := cfg.TotalQuestions()
	idx := prev.CurrentIndex
	if idx < 0 || idx >= total {
		idx = 0
	}
	s.state.CurrentIndex = idx
	s.state.CurrentSection, _ = cfg.SectionOf(idx)
	if s.state.Phase == model.PhaseInProgress {
		// The cursor question has been seen even if the checkpoint lost it.
		_ = s.moveTo(idx)
	}

	return s
}

func repair(qs model.QuestionState) model.QuestionState {
	if qs.Answer == nil && (qs.Status == model.StatusNotVisited || qs.Status == "") {
		return model.QuestionState{Status: model.StatusNotVisited}
	}
	return model.QuestionState{
		Status: model.StatusFor(qs.Answer, qs.Status.Marked()),
		Answer: qs.Answer,
	}
}

// Config returns the exam definition the store was built for.
func (s *Store) Config() *model.ExamConfig {
	return s.cfg
}

// Subscribe registers a listener and returns a function that removes it.
func (s *Store) Subscribe(fn Listener) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
	idx := len(s.listeners) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.listeners) {
			s.listeners[idx] = nil
		}
	}
}

// Dispatch applies cmd and returns the resulting snapshot. A rejected command
// is logged and the unchanged snapshot is returned.
func (s *Store) Dispatch(cmd Command) model.Snapshot {
	snap, _ := s.Apply(cmd)
	return snap
}

// Apply is Dispatch that also reports why a command was rejected.
func (s *Store) Apply(cmd Command) (model.Snapshot, error) {
	s.mu.Lock()

	if err := cmd.apply(s); err != nil {
		snap := s.snapshotLocked()
		s.mu.Unlock()

		s.log.Warn().
			Err(err).
			Str("command", cmd.Name()).
			Uint64("version", snap.Version).
			Msg("Command ignored")
		return snap, err
	}

	s.version++
	s.cause = cmd.Name()
	snap := s.snapshotLocked()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		if fn != nil {
			listeners = append(listeners, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
	return snap, nil
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() model.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() model.Snapshot {
	return model.Snapshot{
		SessionState: s.state.Clone(),
		Version:      s.version,
		Cause:        s.cause,
	}
}

// Stats counts statuses over every question. The counts always sum to the
// exam's total question count.
func (s *Store) Stats() model.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return statsOf(s.cfg, s.state)
}

// StatsOf counts statuses of a snapshot against an exam definition.
func StatsOf(cfg *model.ExamConfig, snap model.Snapshot) model.Stats {
	return statsOf(cfg, snap.SessionState)
}

func statsOf(cfg *model.ExamConfig, st model.SessionState) model.Stats {
	var stats model.Stats
	for _, id := range cfg.QuestionIDs() {
		qs, ok := st.Questions[id]
		if !ok {
			stats.Add(model.StatusNotVisited)
			continue
		}
		stats.Add(qs.Status)
	}
	return stats
}

// ─── Named commands ─────────────────────────────────────────────────────

// Begin starts the session.
func (s *Store) Begin() model.Snapshot {
	return s.Dispatch(Begin{})
}

// NavigateToQuestion moves the cursor to a global index.
func (s *Store) NavigateToQuestion(index int) model.Snapshot {
	return s.Dispatch(NavigateToQuestion{Index: index})
}

// NavigateToSection moves the cursor to the first question of a section.
func (s *Store) NavigateToSection(section int) model.Snapshot {
	return s.Dispatch(NavigateToSection{Section: section})
}

// GoToNext advances the cursor.
func (s *Store) GoToNext() model.Snapshot {
	return s.Dispatch(GoToNext{})
}

// GoToPrevious moves the cursor back.
func (s *Store) GoToPrevious() model.Snapshot {
	return s.Dispatch(GoToPrevious{})
}

// SaveAndNavigate commits answer for questionID and moves to next atomically.
func (s *Store) SaveAndNavigate(questionID string, answer model.Answer, next int) model.Snapshot {
	return s.Dispatch(SaveAndNavigate{QuestionID: questionID, Answer: answer, Next: next})
}

// MarkAndNavigate commits answer with a review mark and moves to next atomically.
func (s *Store) MarkAndNavigate(questionID string, answer model.Answer, next int) model.Snapshot {
	return s.Dispatch(MarkAndNavigate{QuestionID: questionID, Answer: answer, Next: next})
}

// MarkForReview toggles the review mark.
func (s *Store) MarkForReview(questionID string) model.Snapshot {
	return s.Dispatch(MarkForReview{QuestionID: questionID})
}

// PauseExam freezes the session at remainingSeconds.
func (s *Store) PauseExam(remainingSeconds int) model.Snapshot {
	return s.Dispatch(PauseExam{RemainingSeconds: remainingSeconds})
}

// ResumeExam unfreezes the session.
func (s *Store) ResumeExam() model.Snapshot {
	return s.Dispatch(ResumeExam{})
}

// RecordTick stores the latest timer value.
func (s *Store) RecordTick(remainingSeconds int) model.Snapshot {
	return s.Dispatch(RecordTick{RemainingSeconds: remainingSeconds})
}

// SelectLanguage switches the display language.
func (s *Store) SelectLanguage(lang string) model.Snapshot {
	return s.Dispatch(SelectLanguage{Language: lang})
}

// SubmitExam makes the session terminal. The boolean is true only for the
// call that performed the transition.
//
// It does not hand the responses off. Use submission.Coordinator for the
// exactly-once submit path; this method only records that the session was
// submitted, for example by another process.
func (s *Store) SubmitExam() (model.Snapshot, bool) {
	snap, err := s.Apply(SubmitExam{})
	return snap, err == nil
}

// ─── Helpers (called with mu held) ───────────────────────────────────────

func (s *Store) requireRunning() error {
	switch {
	case s.state.Phase == model.PhaseInstructions:
		return ErrNotStarted
	case s.state.Phase == model.PhaseSubmitted:
		return ErrSubmitted
	case s.state.Paused:
		return ErrPaused
	}
	return nil
}

// moveTo sets the cursor and visits the target question.
func (s *Store) moveTo(index int) error {
	q, ok := s.cfg.QuestionAt(index)
	if !ok {
		return fmt.Errorf("%w: question %d", ErrOutOfRange, index)
	}
	section, _ := s.cfg.SectionOf(index)

	s.state.CurrentIndex = index
	s.state.CurrentSection = section
	if qs := s.state.Questions[q.ID]; qs.Status == model.StatusNotVisited || qs.Status == "" {
		s.state.Questions[q.ID] = model.QuestionState{Status: model.StatusNotAnswered}
	}
	return nil
}

// commitAndMove validates everything before mutating so that the answer and
// the cursor change together or not at all.
func (s *Store) commitAndMove(questionID string, raw model.Answer, marked bool, next int) error {
	if err := s.requireRunning(); err != nil {
		return err
	}
	idx, ok := s.cfg.IndexOf(questionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
	}
	if _, ok := s.cfg.QuestionAt(next); !ok {
		return fmt.Errorf("%w: question %d", ErrOutOfRange, next)
	}
	q, _ := s.cfg.QuestionAt(idx)
	answer, err := q.NormalizeAnswer(raw)
	if err != nil {
		return err
	}

	s.state.Questions[questionID] = model.QuestionState{
		Status: model.StatusFor(answer, marked),
		Answer: answer,
	}
	return s.moveTo(next)
}

func (s *Store) clampRemaining(r int) (int, error) {
	if r < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidRemaining, r)
	}
	if limit := s.cfg.DurationSeconds(); r > limit {
		return limit, nil
	}
	return r, nil
}
