// Package submission finalizes a session and hands its answers off exactly
// once.
package submission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-engine/internal/engine"
	"github.com/stemsi/exstem-engine/internal/model"
)

// ErrConfirmationRequired is returned by Submit when questions are still
// unanswered or unvisited and the candidate has not confirmed.
var ErrConfirmationRequired = errors.New("submission requires confirmation")

// Review is the pre-submit summary shown to the candidate.
type Review struct {
	Stats             model.Stats `json:"stats"`
	NeedsConfirmation bool        `json:"needs_confirmation"`
	RemainingSeconds  int         `json:"remaining_seconds"`
}

// Submission is what the sink receives.
type Submission struct {
	ExamID           string          `json:"exam_id"`
	Responses        model.Responses `json:"responses"`
	Stats            model.Stats     `json:"stats"`
	RemainingSeconds int             `json:"remaining_seconds"`
	Auto             bool            `json:"auto"`
	SubmittedAt      time.Time       `json:"submitted_at"`
}

// Sink receives the final responses of an attempt.
type Sink interface {
	Accept(ctx context.Context, sub Submission) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, sub Submission) error

// Accept calls f.
func (f SinkFunc) Accept(ctx context.Context, sub Submission) error {
	return f(ctx, sub)
}

// Result is the outcome of the first successful submit. SinkErr is set when
// the handoff failed; the session stays submitted regardless.
type Result struct {
	Submission
	SinkErr error `json:"-"`
}

// Coordinator submits one session.
type Coordinator struct {
	store *engine.Store
	sink  Sink
	log   zerolog.Logger
	now   func() time.Time

	mu     sync.Mutex
	result *Result
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.log = log.With().Str("component", "submission").Logger()
	}
}

// WithNow overrides the submission timestamp source.
func WithNow(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a coordinator for store that hands off to sink.
func New(store *engine.Store, sink Sink, opts ...Option) *Coordinator {
	c := &Coordinator{store: store, sink: sink, log: zerolog.Nop(), now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Review summarizes the current state. Confirmation is needed while any
// question is unanswered or unvisited.
func (c *Coordinator) Review() Review {
	snap := c.store.Snapshot()
	stats := engine.StatsOf(c.store.Config(), snap)
	return Review{
		Stats:             stats,
		NeedsConfirmation: stats.Unresolved() > 0,
		RemainingSeconds:  snap.RemainingSeconds,
	}
}

// Submit finalizes the session on the candidate's request. Without
// confirmation it refuses while the review needs one. Once submitted, every
// call returns the first Result.
func (c *Coordinator) Submit(ctx context.Context, confirmed bool) (Result, error) {
	if res, ok := c.Submitted(); ok {
		return res, nil
	}
	if !confirmed {
		if review := c.Review(); review.NeedsConfirmation {
			return Result{Submission: Submission{Stats: review.Stats, RemainingSeconds: review.RemainingSeconds}},
				ErrConfirmationRequired
		}
	}
	return c.finalize(ctx, false)
}

// AutoSubmit finalizes the session on timer expiry without confirmation.
func (c *Coordinator) AutoSubmit(ctx context.Context) (Result, error) {
	return c.finalize(ctx, true)
}

// Submitted returns the first Result once the session has been submitted.
func (c *Coordinator) Submitted() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		return Result{}, false
	}
	return *c.result, true
}

func (c *Coordinator) finalize(ctx context.Context, auto bool) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.result != nil {
		return *c.result, nil
	}

	snap, first := c.store.SubmitExam()
	cfg := c.store.Config()
	res := Result{Submission: Submission{
		ExamID:           cfg.ID,
		Responses:        ResponsesOf(cfg, snap),
		Stats:            engine.StatsOf(cfg, snap),
		RemainingSeconds: snap.RemainingSeconds,
		Auto:             auto,
		SubmittedAt:      c.now(),
	}}

	if !first {
		c.log.Warn().Msg("Session was submitted outside the coordinator; skipping handoff")
		c.result = &res
		return res, nil
	}

	if err := c.sink.Accept(ctx, res.Submission); err != nil {
		res.SinkErr = err
		c.result = &res
		c.log.Error().Err(err).Bool("auto", auto).Msg("Submission handoff failed")
		return res, fmt.Errorf("submission handoff: %w", err)
	}

	c.result = &res
	c.log.Info().
		Bool("auto", auto).
		Int("answered", res.Stats.Answered+res.Stats.AnsweredAndMarked).
		Int("remaining_seconds", res.RemainingSeconds).
		Msg("Session submitted")
	return res, nil
}

// ResponsesOf builds the response map from committed answers only: every
// question id of the exam is present, nil when unanswered.
func ResponsesOf(cfg *model.ExamConfig, snap model.Snapshot) model.Responses {
	out := make(model.Responses, cfg.TotalQuestions())
	for _, id := range cfg.QuestionIDs() {
		var answer model.Answer
		if qs, ok := snap.Questions[id]; ok {
			answer = model.CloneAnswer(qs.Answer)
		}
		out[id] = answer
	}
	return out
}
