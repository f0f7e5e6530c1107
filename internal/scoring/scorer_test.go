package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-engine/internal/model"
)

func scoredConfig() *model.ExamConfig {
	cfg := &model.ExamConfig{
		ID:              "exam",
		Title:           "Scored",
		DurationMinutes: 60,
		Sections: []model.Section{
			{ID: "s1", Name: "Choice", Questions: []model.Question{
				{ID: "single", Type: model.QuestionTypeSingleChoice, Options: []model.Option{{ID: "a"}, {ID: "b"}}, CorrectAnswer: "b", Marks: 4, NegativeMarks: 1},
				{ID: "multi", Type: model.QuestionTypeMultiChoice, Options: []model.Option{{ID: "a"}, {ID: "b"}, {ID: "c"}}, CorrectAnswer: "c,a", Marks: 4, NegativeMarks: 2},
			}},
			{ID: "s2", Name: "Numeric", Questions: []model.Question{
				{ID: "num", Type: model.QuestionTypeNumeric, CorrectAnswer: "2.5", Marks: 3},
				{ID: "skip", Type: model.QuestionTypeNumeric, CorrectAnswer: "10", Marks: 3, NegativeMarks: 1},
			}},
		},
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

func TestScoreMixesCorrectIncorrectAndUnattempted(t *testing.T) {
	cfg := scoredConfig()
	res := Score(cfg, model.Responses{
		"single": model.NewAnswer("a"),
		"multi":  model.NewAnswer("a,c"),
		"num":    model.NewAnswer("2.50"),
		"skip":   nil,
	})

	assert.Equal(t, 14.0, res.MaxScore)
	assert.Equal(t, -1.0+4.0+3.0, res.Score)
	assert.Equal(t, 2, res.Correct)
	assert.Equal(t, 1, res.Incorrect)
	assert.Equal(t, 1, res.Unattempted)

	require.Len(t, res.Sections, 2)
	assert.Equal(t, SectionResult{SectionID: "s1", SectionName: "Choice", Score: 3, MaxScore: 8, Correct: 1, Incorrect: 1}, res.Sections[0])
	assert.Equal(t, SectionResult{SectionID: "s2", SectionName: "Numeric", Score: 3, MaxScore: 6, Correct: 1, Unattempted: 1}, res.Sections[1])
}

func TestScoreTreatsMissingIdsAsUnattempted(t *testing.T) {
	res := Score(scoredConfig(), model.Responses{})
	assert.Equal(t, 0.0, res.Score)
	assert.Equal(t, 4, res.Unattempted)
}

func TestIsCorrect(t *testing.T) {
	cfg := scoredConfig()
	single, _ := cfg.QuestionAt(0)
	multi, _ := cfg.QuestionAt(1)
	num, _ := cfg.QuestionAt(2)

	tests := []struct {
		name   string
		q      *model.Question
		answer string
		want   bool
	}{
		{"single match", single, "b", true},
		{"single mismatch", single, "a", false},
		{"multi exact set any order", multi, "c,a", true},
		{"multi subset", multi, "a", false},
		{"multi superset", multi, "a,b,c", false},
		{"multi unknown option", multi, "a,z", false},
		{"numeric equal", num, "2.5", true},
		{"numeric within tolerance", num, "2.5000000000001", true},
		{"numeric off", num, "2.51", false},
		{"numeric garbage", num, "two", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsCorrect(tt.q, model.NewAnswer(tt.answer)))
		})
	}
}
