package model

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// QuestionType enumerates supported response formats.
type QuestionType string

const (
	QuestionTypeSingleChoice QuestionType = "SINGLE_CHOICE"
	QuestionTypeMultiChoice  QuestionType = "MULTI_CHOICE"
	QuestionTypeNumeric      QuestionType = "NUMERIC"
)

// IsChoice reports whether the type is answered by picking options.
func (t QuestionType) IsChoice() bool {
	return t == QuestionTypeSingleChoice || t == QuestionTypeMultiChoice
}

// ErrInvalidAnswer is returned when a response does not fit its question.
var ErrInvalidAnswer = errors.New("answer does not fit question")

// Option is one selectable choice of a choice question.
type Option struct {
	ID   string `json:"id" validate:"required"`
	Text string `json:"text"`
}

// Question is a single exam item.
type Question struct {
	ID            string       `json:"id" validate:"required"`
	SectionID     string       `json:"section_id"`
	SectionName   string       `json:"section_name"`
	Type          QuestionType `json:"type" validate:"required,oneof=SINGLE_CHOICE MULTI_CHOICE NUMERIC"`
	Text          string       `json:"text"`
	Options       []Option     `json:"options,omitempty" validate:"required_unless=Type NUMERIC,dive"`
	CorrectAnswer string       `json:"correct_answer" validate:"required"`
	Marks         float64      `json:"marks" validate:"gte=0"`
	NegativeMarks float64      `json:"negative_marks" validate:"gte=0"`
	QuestionSetID string       `json:"question_set_id,omitempty"`
}

// QuestionSetKind describes the shape of shared content.
type QuestionSetKind string

const (
	QuestionSetPassage QuestionSetKind = "PASSAGE"
	QuestionSetTable   QuestionSetKind = "TABLE"
	QuestionSetDiagram QuestionSetKind = "DIAGRAM"
)

// QuestionSet is shared content referenced by several questions. It is
// resolved lazily and never stored in session state.
type QuestionSet struct {
	ID      string          `json:"id"`
	Kind    QuestionSetKind `json:"kind"`
	Title   string          `json:"title,omitempty"`
	Content string          `json:"content"`
}

// Answer is a committed response. Nil means the question has no answer.
// Multi-choice answers are the sorted, comma-joined option ids.
type Answer = *string

// NewAnswer returns an Answer holding s.
func NewAnswer(s string) Answer {
	return &s
}

// AnswerEqual compares two answers by value.
func AnswerEqual(a, b Answer) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// CloneAnswer copies an answer so callers cannot alias store memory.
func CloneAnswer(a Answer) Answer {
	if a == nil {
		return nil
	}
	v := *a
	return &v
}

// HasOption reports whether id is a declared option.
func (q *Question) HasOption(id string) bool {
	for _, o := range q.Options {
		if o.ID == id {
			return true
		}
	}
	return false
}

// NormalizeAnswer canonicalises a raw response for this question.
// Blank input means "no answer" and returns nil.
func (q *Question) NormalizeAnswer(raw Answer) (Answer, error) {
	if raw == nil {
		return nil, nil
	}
	s := strings.TrimSpace(*raw)
	if s == "" {
		return nil, nil
	}

	switch q.Type {
	case QuestionTypeSingleChoice:
		if !q.HasOption(s) {
			return nil, fmt.Errorf("%w: unknown option %q", ErrInvalidAnswer, s)
		}
		return NewAnswer(s), nil

	case QuestionTypeMultiChoice:
		ids := SplitChoices(s)
		if len(ids) == 0 {
			return nil, nil
		}
		for _, id := range ids {
			if !q.HasOption(id) {
				return nil, fmt.Errorf("%w: unknown option %q", ErrInvalidAnswer, id)
			}
		}
		return NewAnswer(strings.Join(ids, ",")), nil

	case QuestionTypeNumeric:
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return nil, fmt.Errorf("%w: %q is not numeric", ErrInvalidAnswer, s)
		}
		return NewAnswer(s), nil

	default:
		return nil, fmt.Errorf("%w: unsupported type %s", ErrInvalidAnswer, q.Type)
	}
}

// SplitChoices parses a comma separated choice list into sorted unique ids.
func SplitChoices(s string) []string {
	parts := strings.Split(s, ",")
	set := make(map[string]struct{}, len(parts))
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := set[p]; ok {
			continue
		}
		set[p] = struct{}{}
		ids = append(ids, p)
	}
	sort.Strings(ids)
	return ids
}

func (q *Question) validateOptions() error {
	seen := make(map[string]struct{}, len(q.Options))
	for _, o := range q.Options {
		if _, dup := seen[o.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateOption, o.ID)
		}
		seen[o.ID] = struct{}{}
	}

	correct, err := q.NormalizeAnswer(NewAnswer(q.CorrectAnswer))
	if err != nil || correct == nil {
		return ErrInvalidCorrectAnswer
	}
	return nil
}
