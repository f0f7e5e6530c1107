// Package scoring evaluates a submitted response map against the exam key.
package scoring

import (
	"math"
	"strconv"

	"github.com/stemsi/exstem-engine/internal/model"
)

// NumericTolerance is the absolute tolerance for numeric-entry answers.
const NumericTolerance = 1e-9

// SectionResult is the score of one section.
type SectionResult struct {
	SectionID   string  `json:"section_id"`
	SectionName string  `json:"section_name"`
	Score       float64 `json:"score"`
	MaxScore    float64 `json:"max_score"`
	Correct     int     `json:"correct"`
	Incorrect   int     `json:"incorrect"`
	Unattempted int     `json:"unattempted"`
}

// Result is the score of a whole attempt.
type Result struct {
	Score       float64         `json:"score"`
	MaxScore    float64         `json:"max_score"`
	Correct     int             `json:"correct"`
	Incorrect   int             `json:"incorrect"`
	Unattempted int             `json:"unattempted"`
	Sections    []SectionResult `json:"sections"`
}

// Score adds marks for correct answers, subtracts negative marks for wrong
// ones and ignores unanswered questions. Missing ids count as unanswered.
func Score(cfg *model.ExamConfig, responses model.Responses) Result {
	var res Result
	res.Sections = make([]SectionResult, 0, len(cfg.Sections))

	for _, sec := range cfg.Sections {
		sr := SectionResult{SectionID: sec.ID, SectionName: sec.Name}
		for i := range sec.Questions {
			q := &sec.Questions[i]
			sr.MaxScore += q.Marks

			answer := responses[q.ID]
			switch {
			case answer == nil:
				sr.Unattempted++
			case IsCorrect(q, answer):
				sr.Correct++
				sr.Score += q.Marks
			default:
				sr.Incorrect++
				sr.Score -= q.NegativeMarks
			}
		}

		res.Score += sr.Score
		res.MaxScore += sr.MaxScore
		res.Correct += sr.Correct
		res.Incorrect += sr.Incorrect
		res.Unattempted += sr.Unattempted
		res.Sections = append(res.Sections, sr)
	}
	return res
}

// IsCorrect compares an answer with the question's key. Choice answers
// match on the exact option set; numeric answers within NumericTolerance.
func IsCorrect(q *model.Question, answer model.Answer) bool {
	got, err := q.NormalizeAnswer(answer)
	if err != nil || got == nil {
		return false
	}
	want, err := q.NormalizeAnswer(model.NewAnswer(q.CorrectAnswer))
	if err != nil || want == nil {
		return false
	}

	if q.Type == model.QuestionTypeNumeric {
		g, err := strconv.ParseFloat(*got, 64)
		if err != nil {
			return false
		}
		w, err := strconv.ParseFloat(*want, 64)
		if err != nil {
			return false
		}
		return math.Abs(g-w) <= NumericTolerance
	}
	return *got == *want
}
