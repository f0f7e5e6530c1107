// Package content renders a question for display, resolving its shared
// question set lazily and sanitizing author-supplied markup.
package content

import (
	"context"
	"errors"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-engine/internal/model"
)

// ErrSetNotFound is returned by resolvers for an unknown question set id.
var ErrSetNotFound = errors.New("question set not found")

// DefaultTimeout bounds one question set lookup.
const DefaultTimeout = 2 * time.Second

// Resolver fetches shared question set content.
type Resolver interface {
	Resolve(ctx context.Context, setID string) (*model.QuestionSet, error)
}

// Sanitizer strips unsafe markup from author content.
type Sanitizer interface {
	Sanitize(html string) string
}

// NewSanitizer returns a sanitizer based on bluemonday's UGC policy, which
// keeps formatting, tables and images but drops scripts and handlers.
func NewSanitizer() Sanitizer {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class").OnElements("span", "div", "table", "td", "th")
	return p
}

// Rendered is a question as sent to the candidate. The correct answer and
// marking scheme are never included.
type Rendered struct {
	Index              int                `json:"index"`
	QuestionID         string             `json:"question_id"`
	SectionID          string             `json:"section_id"`
	SectionName        string             `json:"section_name"`
	Type               model.QuestionType `json:"type"`
	Text               string             `json:"text"`
	Options            []model.Option     `json:"options,omitempty"`
	QuestionSet        *model.QuestionSet `json:"question_set,omitempty"`
	ContentUnavailable bool               `json:"content_unavailable,omitempty"`
}

// Loader renders questions.
type Loader struct {
	resolver  Resolver
	sanitizer Sanitizer
	timeout   time.Duration
	log       zerolog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithTimeout bounds each question set lookup.
func WithTimeout(d time.Duration) Option {
	return func(l *Loader) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithSanitizer replaces the default bluemonday sanitizer.
func WithSanitizer(s Sanitizer) Option {
	return func(l *Loader) { l.sanitizer = s }
}

// WithLogger sets the loader's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(l *Loader) {
		l.log = log.With().Str("component", "content_loader").Logger()
	}
}

// NewLoader creates a loader. A nil resolver renders every question without
// shared content.
func NewLoader(resolver Resolver, opts ...Option) *Loader {
	l := &Loader{
		resolver:  resolver,
		sanitizer: NewSanitizer(),
		timeout:   DefaultTimeout,
		log:       zerolog.Nop(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Render builds the display form of q at global index. A failed question set
// lookup is logged and the question is rendered without it.
func (l *Loader) Render(ctx context.Context, index int, q *model.Question) Rendered {
	out := Rendered{
		Index:       index,
		QuestionID:  q.ID,
		SectionID:   q.SectionID,
		SectionName: q.SectionName,
		Type:        q.Type,
		Text:        l.sanitizer.Sanitize(q.Text),
	}
	if len(q.Options) > 0 {
		out.Options = make([]model.Option, len(q.Options))
		for i, o := range q.Options {
			out.Options[i] = model.Option{ID: o.ID, Text: l.sanitizer.Sanitize(o.Text)}
		}
	}

	if q.QuestionSetID == "" {
		return out
	}
	if l.resolver == nil {
		out.ContentUnavailable = true
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	set, err := l.resolver.Resolve(ctx, q.QuestionSetID)
	if err != nil || set == nil {
		l.log.Warn().
			Err(err).
			Str("question_id", q.ID).
			Str("question_set_id", q.QuestionSetID).
			Msg("Rendering question without shared content")
		out.ContentUnavailable = true
		return out
	}

	out.QuestionSet = &model.QuestionSet{
		ID:      set.ID,
		Kind:    set.Kind,
		Title:   l.sanitizer.Sanitize(set.Title),
		Content: l.sanitizer.Sanitize(set.Content),
	}
	return out
}
