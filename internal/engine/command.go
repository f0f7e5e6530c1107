package engine

import (
	"fmt"

	"github.com/stemsi/exstem-engine/internal/model"
)

// Command is a single atomic mutation of the session state.
type Command interface {
	// Name identifies the command in logs and snapshot causes.
	Name() string
	apply(s *Store) error
}

// Begin leaves the instructions phase and visits the cursor question.
type Begin struct{}

// NavigateToQuestion moves the cursor to a global index.
type NavigateToQuestion struct {
	Index int
}

// NavigateToSection moves the cursor to the first question of a section.
type NavigateToSection struct {
	Section int
}

// GoToNext moves the cursor one question forward across sections.
type GoToNext struct{}

// GoToPrevious moves the cursor one question back across sections.
type GoToPrevious struct{}

// SaveAndNavigate commits an answer without a review mark and moves the
// cursor, as one transition.
type SaveAndNavigate struct {
	QuestionID string
	Answer     model.Answer
	Next       int
}

// MarkAndNavigate commits an answer with a review mark and moves the cursor,
// as one transition.
type MarkAndNavigate struct {
	QuestionID string
	Answer     model.Answer
	Next       int
}

// MarkForReview toggles the review mark of a visited question.
type MarkForReview struct {
	QuestionID string
}

// PauseExam freezes the session at an authoritative remaining-time checkpoint.
type PauseExam struct {
	RemainingSeconds int
}

// ResumeExam unfreezes a paused session.
type ResumeExam struct{}

// RecordTick refreshes the remaining-time checkpoint of a running session.
type RecordTick struct {
	RemainingSeconds int
}

// SelectLanguage switches the display language.
type SelectLanguage struct {
	Language string
}

// SubmitExam makes the session terminal.
type SubmitExam struct{}

func (Begin) Name() string              { return "begin" }
func (NavigateToQuestion) Name() string { return "navigate_to_question" }
func (NavigateToSection) Name() string  { return "navigate_to_section" }
func (GoToNext) Name() string           { return "go_to_next" }
func (GoToPrevious) Name() string       { return "go_to_previous" }
func (SaveAndNavigate) Name() string    { return "save_and_navigate" }
func (MarkAndNavigate) Name() string    { return "mark_and_navigate" }
func (MarkForReview) Name() string      { return "mark_for_review" }
func (PauseExam) Name() string          { return "pause_exam" }
func (ResumeExam) Name() string         { return "resume_exam" }
func (RecordTick) Name() string         { return "record_tick" }
func (SelectLanguage) Name() string     { return "select_language" }
func (SubmitExam) Name() string         { return "submit_exam" }

func (Begin) apply(s *Store) error {
	switch s.state.Phase {
	case model.PhaseSubmitted:
		return ErrSubmitted
	case model.PhaseInProgress:
		return ErrAlreadyStarted
	}
	s.state.Phase = model.PhaseInProgress
	s.state.Paused = false
	return s.moveTo(s.state.CurrentIndex)
}

func (c NavigateToQuestion) apply(s *Store) error {
	if err := s.requireRunning(); err != nil {
		return err
	}
	return s.moveTo(c.Index)
}

func (c NavigateToSection) apply(s *Store) error {
	if err := s.requireRunning(); err != nil {
		return err
	}
	start, ok := s.cfg.SectionStart(c.Section)
	if !ok {
		return fmt.Errorf("%w: section %d", ErrOutOfRange, c.Section)
	}
	if len(s.cfg.Sections[c.Section].Questions) == 0 {
		return fmt.Errorf("%w: section %d is empty", ErrOutOfRange, c.Section)
	}
	return s.moveTo(start)
}

func (GoToNext) apply(s *Store) error {
	if err := s.requireRunning(); err != nil {
		return err
	}
	return s.moveTo(s.state.CurrentIndex + 1)
}

func (GoToPrevious) apply(s *Store) error {
	if err := s.requireRunning(); err != nil {
		return err
	}
	return s.moveTo(s.state.CurrentIndex - 1)
}

func (c SaveAndNavigate) apply(s *Store) error {
	return s.commitAndMove(c.QuestionID, c.Answer, false, c.Next)
}

func (c MarkAndNavigate) apply(s *Store) error {
	return s.commitAndMove(c.QuestionID, c.Answer, true, c.Next)
}

func (c MarkForReview) apply(s *Store) error {
	if err := s.requireRunning(); err != nil {
		return err
	}
	qs, ok := s.state.Questions[c.QuestionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQuestion, c.QuestionID)
	}
	if qs.Status == model.StatusNotVisited {
		return fmt.Errorf("%w: %s", ErrNotVisited, c.QuestionID)
	}
	qs.Status = model.StatusFor(qs.Answer, !qs.Status.Marked())
	s.state.Questions[c.QuestionID] = qs
	return nil
}

func (c PauseExam) apply(s *Store) error {
	switch {
	case s.state.Phase == model.PhaseInstructions:
		return ErrNotStarted
	case s.state.Phase == model.PhaseSubmitted:
		return ErrSubmitted
	case s.state.Paused:
		return ErrPaused
	}
	r, err := s.clampRemaining(c.RemainingSeconds)
	if err != nil {
		return err
	}
	s.state.Paused = true
	s.state.RemainingSeconds = r
	return nil
}

func (ResumeExam) apply(s *Store) error {
	switch {
	case s.state.Phase == model.PhaseInstructions:
		return ErrNotStarted
	case s.state.Phase == model.PhaseSubmitted:
		return ErrSubmitted
	case !s.state.Paused:
		return ErrNotPaused
	}
	s.state.Paused = false
	return nil
}

func (c RecordTick) apply(s *Store) error {
	if err := s.requireRunning(); err != nil {
		return err
	}
	r, err := s.clampRemaining(c.RemainingSeconds)
	if err != nil {
		return err
	}
	s.state.RemainingSeconds = r
	return nil
}

func (c SelectLanguage) apply(s *Store) error {
	if s.state.Phase == model.PhaseSubmitted {
		return ErrSubmitted
	}
	if !s.cfg.SupportsLanguage(c.Language) {
		return fmt.Errorf("%w: %q", ErrUnsupportedLanguage, c.Language)
	}
	s.state.Language = c.Language
	return nil
}

func (SubmitExam) apply(s *Store) error {
	if s.state.Phase == model.PhaseSubmitted {
		return ErrSubmitted
	}
	s.state.Phase = model.PhaseSubmitted
	s.state.Paused = false
	return nil
}
