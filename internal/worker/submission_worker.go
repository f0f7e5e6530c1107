package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-engine/internal/repository"
)

const (
	SubmissionPollTimeout = 1 * time.Second
	SubmissionDrainBudget = 10 * time.Second
)

type submissionSource interface {
	Pop(ctx context.Context, timeout time.Duration) (*repository.SubmissionRecord, string, error)
	PopNow(ctx context.Context) (*repository.SubmissionRecord, string, error)
	Requeue(ctx context.Context, raw string) error
	DeadLetter(ctx context.Context, raw string) error
}

type submissionSaver interface {
	SaveSubmission(ctx context.Context, rec *repository.SubmissionRecord) error
}

// SubmissionWorker moves queued submissions into PostgreSQL.
type SubmissionWorker struct {
	queue submissionSource
	store submissionSaver
	log   zerolog.Logger

	// RetryLimit bounds the time spent retrying one submission before it
	// is dead-lettered.
	RetryLimit      time.Duration
	InitialInterval time.Duration
	PollTimeout     time.Duration
}

func NewSubmissionWorker(queue submissionSource, store submissionSaver, retryLimit time.Duration, log zerolog.Logger) *SubmissionWorker {
	return &SubmissionWorker{
		queue:           queue,
		store:           store,
		log:             log.With().Str("component", "submission_worker").Logger(),
		RetryLimit:      retryLimit,
		InitialInterval: 500 * time.Millisecond,
		PollTimeout:     SubmissionPollTimeout,
	}
}

// ----------------------------------------------------------------
// Worker loop
// ----------------------------------------------------------------

// Start consumes the queue until ctx is done, then drains what is left
// within SubmissionDrainBudget.
func (w *SubmissionWorker) Start(ctx context.Context) {
	w.log.Info().Msg("SubmissionWorker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Shutdown requested. Draining submission queue...")
			drainCtx, cancel := context.WithTimeout(context.Background(), SubmissionDrainBudget)
			n := w.Drain(drainCtx)
			cancel()
			w.log.Info().Int("persisted", n).Msg("SubmissionWorker stopped")
			return

		default:
			rec, raw, err := w.queue.Pop(ctx, w.PollTimeout)
			if err != nil {
				if !errors.Is(err, repository.ErrQueueEmpty) && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("Queue pop failed")
					w.dropOrPause(ctx, raw, err)
				}
				continue
			}
			w.persist(ctx, rec, raw)
		}
	}
}

// Drain persists every queued submission without blocking on an empty
// queue. It returns how many items it took off the queue.
func (w *SubmissionWorker) Drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		rec, raw, err := w.queue.PopNow(ctx)
		if errors.Is(err, repository.ErrQueueEmpty) {
			return n
		}
		if err != nil {
			w.log.Error().Err(err).Msg("Queue pop failed during drain")
			if raw == "" {
				return n
			}
			w.deadLetter(raw, err)
			n++
			continue
		}
		w.persist(ctx, rec, raw)
		n++
	}
	return n
}

// dropOrPause dead-letters undecodable payloads and otherwise backs off
// briefly so a Redis outage does not spin the loop.
func (w *SubmissionWorker) dropOrPause(ctx context.Context, raw string, err error) {
	if raw != "" {
		w.deadLetter(raw, err)
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(w.PollTimeout):
	}
}

// ----------------------------------------------------------------
// Persist with retry
// ----------------------------------------------------------------

// persist saves rec, retrying until RetryLimit. A save in flight is not cut
// by ctx, but once ctx is done no further retry starts and the payload goes
// back on the queue for the next run.
func (w *SubmissionWorker) persist(ctx context.Context, rec *repository.SubmissionRecord, raw string) {
	log := w.log.With().Str("attempt_id", rec.AttemptID).Logger()

	saveCtx := context.WithoutCancel(ctx)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = w.InitialInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, w.store.SaveSubmission(saveCtx, rec)
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxElapsedTime(w.RetryLimit),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Dur("retry_in", next).Msg("Persist submission failed, retrying")
		}),
	)
	if err != nil && ctx.Err() != nil {
		w.requeue(raw, err)
		return
	}
	if err != nil {
		w.deadLetter(raw, err)
		return
	}
	log.Info().Bool("auto", rec.Auto).Float64("score", rec.Score.Score).Msg("Submission persisted")
}

func (w *SubmissionWorker) requeue(raw string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.queue.Requeue(ctx, raw); err != nil {
		w.deadLetter(raw, fmt.Errorf("requeue: %w", err))
		return
	}
	w.log.Warn().Err(cause).Msg("Submission requeued for the next run")
}

func (w *SubmissionWorker) deadLetter(raw string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.queue.DeadLetter(ctx, raw); err != nil {
		w.log.Error().Err(fmt.Errorf("dead-letter: %w", err)).AnErr("cause", cause).Msg("Submission lost")
		return
	}
	w.log.Error().Err(cause).Msg("Submission dead-lettered")
}
