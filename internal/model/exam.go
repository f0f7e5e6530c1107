package model

import (
	"errors"
	"fmt"
)

// Config validation errors.
var (
	ErrNoQuestions          = errors.New("exam has no questions")
	ErrDuplicateQuestion    = errors.New("duplicate question id")
	ErrDuplicateOption      = errors.New("duplicate option id")
	ErrInvalidCorrectAnswer = errors.New("correct answer does not match question options")
)

// ExamConfig is the immutable definition of one test instance.
// It is supplied by the catalog subsystem and never mutated during a session.
type ExamConfig struct {
	ID              string    `json:"id" validate:"required"`
	Title           string    `json:"title" validate:"required,max=255"`
	DurationMinutes int       `json:"duration_minutes" validate:"required,min=1,max=600"`
	Languages       []string  `json:"languages" validate:"omitempty,dive,required"`
	Sections        []Section `json:"sections" validate:"required,min=1,dive"`
}

// Section is an ordered group of questions. Section order defines global
// question indexing.
type Section struct {
	ID        string     `json:"id" validate:"required"`
	Name      string     `json:"name" validate:"required"`
	Questions []Question `json:"questions" validate:"dive"`
}

// DurationSeconds returns the configured duration in seconds.
func (c *ExamConfig) DurationSeconds() int {
	return c.DurationMinutes * 60
}

// TotalQuestions returns the number of questions across all sections.
func (c *ExamConfig) TotalQuestions() int {
	n := 0
	for _, s := range c.Sections {
		n += len(s.Questions)
	}
	return n
}

// QuestionAt returns the question at a global index.
func (c *ExamConfig) QuestionAt(global int) (*Question, bool) {
	if global < 0 {
		return nil, false
	}
	for si := range c.Sections {
		qs := c.Sections[si].Questions
		if global < len(qs) {
			return &qs[global], true
		}
		global -= len(qs)
	}
	return nil, false
}

// IndexOf returns the global index of a question id.
func (c *ExamConfig) IndexOf(questionID string) (int, bool) {
	idx := 0
	for _, s := range c.Sections {
		for _, q := range s.Questions {
			if q.ID == questionID {
				return idx, true
			}
			idx++
		}
	}
	return -1, false
}

// SectionOf returns the section index that owns a global index.
func (c *ExamConfig) SectionOf(global int) (int, bool) {
	if global < 0 {
		return -1, false
	}
	for si, s := range c.Sections {
		if global < len(s.Questions) {
			return si, true
		}
		global -= len(s.Questions)
	}
	return -1, false
}

// SectionStart returns the global index of the first question of a section.
// An empty section reports the index its first question would take.
func (c *ExamConfig) SectionStart(section int) (int, bool) {
	if section < 0 || section >= len(c.Sections) {
		return -1, false
	}
	start := 0
	for i := 0; i < section; i++ {
		start += len(c.Sections[i].Questions)
	}
	return start, true
}

// QuestionIDs returns every question id in global order.
func (c *ExamConfig) QuestionIDs() []string {
	ids := make([]string, 0, c.TotalQuestions())
	for _, s := range c.Sections {
		for _, q := range s.Questions {
			ids = append(ids, q.ID)
		}
	}
	return ids
}

// SupportsLanguage reports whether lang is one of the configured languages.
// A config without languages accepts none.
func (c *ExamConfig) SupportsLanguage(lang string) bool {
	for _, l := range c.Languages {
		if l == lang {
			return true
		}
	}
	return false
}

// DefaultLanguage returns the first configured language, if any.
func (c *ExamConfig) DefaultLanguage() string {
	if len(c.Languages) == 0 {
		return ""
	}
	return c.Languages[0]
}

// Validate checks the structural rules struct tags cannot express.
// Owning section fields on questions are filled in from their section.
func (c *ExamConfig) Validate() error {
	if c.TotalQuestions() == 0 {
		return ErrNoQuestions
	}

	seen := make(map[string]struct{}, c.TotalQuestions())
	for si := range c.Sections {
		sec := &c.Sections[si]
		for qi := range sec.Questions {
			q := &sec.Questions[qi]
			if _, dup := seen[q.ID]; dup {
				return fmt.Errorf("%w: %s", ErrDuplicateQuestion, q.ID)
			}
			seen[q.ID] = struct{}{}

			q.SectionID = sec.ID
			q.SectionName = sec.Name

			if err := q.validateOptions(); err != nil {
				return fmt.Errorf("question %s: %w", q.ID, err)
			}
		}
	}
	return nil
}
