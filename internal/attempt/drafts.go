package attempt

import (
	"sync"

	"github.com/stemsi/exstem-engine/internal/model"
)

// DraftPad holds uncommitted answers, keyed by question id. Drafts live only
// in memory: they are never written to the store or to a checkpoint.
type DraftPad struct {
	mu     sync.Mutex
	drafts map[string]model.Answer
}

// NewDraftPad returns an empty pad.
func NewDraftPad() *DraftPad {
	return &DraftPad{drafts: make(map[string]model.Answer)}
}

// Set replaces the draft of a question.
func (p *DraftPad) Set(questionID string, answer model.Answer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drafts[questionID] = model.CloneAnswer(answer)
}

// Clear empties the draft of a question. The committed answer is untouched
// until the empty draft is saved.
func (p *DraftPad) Clear(questionID string) {
	p.Set(questionID, nil)
}

// Get returns the draft of a question and whether one exists.
func (p *DraftPad) Get(questionID string) (model.Answer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.drafts[questionID]
	return model.CloneAnswer(a), ok
}

// Resolve returns the draft if there is one, else the committed answer.
func (p *DraftPad) Resolve(questionID string, committed model.Answer) model.Answer {
	if a, ok := p.Get(questionID); ok {
		return a
	}
	return model.CloneAnswer(committed)
}

// Discard drops the draft of a question.
func (p *DraftPad) Discard(questionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.drafts, questionID)
}

// Reset drops every draft.
func (p *DraftPad) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drafts = make(map[string]model.Answer)
}
