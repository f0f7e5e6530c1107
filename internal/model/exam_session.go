package model

import (
	"time"
)

// Status is the palette status of a single question.
type Status string

const (
	StatusNotVisited        Status = "NOT_VISITED"
	StatusNotAnswered       Status = "NOT_ANSWERED"
	StatusAnswered          Status = "ANSWERED"
	StatusMarkedForReview   Status = "MARKED_FOR_REVIEW"
	StatusAnsweredAndMarked Status = "ANSWERED_AND_MARKED"
)

// Severity orders statuses by how much attention they still need from the
// candidate, lowest first. It is not a time ordering.
func (s Status) Severity() int {
	switch s {
	case StatusAnswered:
		return 0
	case StatusAnsweredAndMarked:
		return 1
	case StatusMarkedForReview:
		return 2
	case StatusNotAnswered:
		return 3
	case StatusNotVisited:
		return 4
	default:
		return 5
	}
}

// Marked reports whether the review flag is set.
func (s Status) Marked() bool {
	return s == StatusMarkedForReview || s == StatusAnsweredAndMarked
}

// StatusFor derives the visited status for an answer and mark flag.
func StatusFor(answer Answer, marked bool) Status {
	switch {
	case answer != nil && marked:
		return StatusAnsweredAndMarked
	case answer != nil:
		return StatusAnswered
	case marked:
		return StatusMarkedForReview
	default:
		return StatusNotAnswered
	}
}

// Phase is the coarse lifecycle of a session.
type Phase string

const (
	PhaseInstructions Phase = "INSTRUCTIONS"
	PhaseInProgress   Phase = "IN_PROGRESS"
	PhaseSubmitted    Phase = "SUBMITTED"
)

// QuestionState is the persisted status and answer of one question.
type QuestionState struct {
	Status Status `json:"status"`
	Answer Answer `json:"answer"`
}

// Consistent reports whether status and answer agree:
// answered statuses hold a non-nil answer, all others hold nil.
func (q QuestionState) Consistent() bool {
	answered := q.Status == StatusAnswered || q.Status == StatusAnsweredAndMarked
	return answered == (q.Answer != nil)
}

// SessionState is the only mutable aggregate of an attempt.
type SessionState struct {
	Phase            Phase                    `json:"phase"`
	CurrentSection   int                      `json:"current_section"`
	CurrentIndex     int                      `json:"current_index"`
	Questions        map[string]QuestionState `json:"questions"`
	RemainingSeconds int                      `json:"remaining_seconds"`
	Paused           bool                     `json:"paused"`
	Language         string                   `json:"language,omitempty"`
}

// Clone returns a deep copy.
func (s SessionState) Clone() SessionState {
	out := s
	out.Questions = make(map[string]QuestionState, len(s.Questions))
	for id, qs := range s.Questions {
		out.Questions[id] = QuestionState{Status: qs.Status, Answer: CloneAnswer(qs.Answer)}
	}
	return out
}

// Running reports whether the session accepts candidate commands.
func (s SessionState) Running() bool {
	return s.Phase == PhaseInProgress && !s.Paused
}

// Snapshot is a read-only view of the session produced after a command.
type Snapshot struct {
	SessionState
	Version uint64 `json:"version"`
	Cause   string `json:"cause"`
}

// Question returns the state of one question.
func (s Snapshot) Question(id string) (QuestionState, bool) {
	qs, ok := s.Questions[id]
	return qs, ok
}

// Stats holds per-status counts over every question of an exam.
type Stats struct {
	Answered          int `json:"answered"`
	NotAnswered       int `json:"not_answered"`
	NotVisited        int `json:"not_visited"`
	MarkedForReview   int `json:"marked_for_review"`
	AnsweredAndMarked int `json:"answered_and_marked"`
}

// Add counts one status.
func (s *Stats) Add(status Status) {
	switch status {
	case StatusAnswered:
		s.Answered++
	case StatusNotAnswered:
		s.NotAnswered++
	case StatusMarkedForReview:
		s.MarkedForReview++
	case StatusAnsweredAndMarked:
		s.AnsweredAndMarked++
	default:
		s.NotVisited++
	}
}

// Total returns the sum of all counts.
func (s Stats) Total() int {
	return s.Answered + s.NotAnswered + s.NotVisited + s.MarkedForReview + s.AnsweredAndMarked
}

// Unresolved is the number of questions that warrant a confirmation before
// submitting.
func (s Stats) Unresolved() int {
	return s.NotAnswered + s.NotVisited
}

// Checkpoint is what an external persistence layer must keep to resume an
// attempt after a reload.
type Checkpoint struct {
	State            SessionState `json:"state"`
	RemainingSeconds int          `json:"remaining_seconds"`
	SavedAt          time.Time    `json:"saved_at"`
}

// Responses is the final answer map handed to scoring: every question id of
// the exam, nil for unanswered ones.
type Responses map[string]Answer
