package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-engine/internal/attempt"
	"github.com/stemsi/exstem-engine/internal/engine"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
	"github.com/stemsi/exstem-engine/internal/resilience"
	"github.com/stemsi/exstem-engine/internal/submission"
	ws "github.com/stemsi/exstem-engine/internal/websocket"
)

// subscriberBuffer is the per-stream event backlog. Slow streams drop
// events rather than stall the session.
const subscriberBuffer = 64

// LiveAttempt is an attempt hosted in memory together with its event
// fan-out and checkpoint saver.
type LiveAttempt struct {
	ID          string
	ExamID      string
	CandidateID string

	svc *AttemptService
	run *attempt.Attempt
	log zerolog.Logger

	subMu   sync.Mutex
	subs    map[int]chan ws.Message
	nextSub int

	ticks    atomic.Int64
	lastSeen atomic.Int64

	dirty     chan struct{}
	done      chan struct{}
	saverDone chan struct{}
	started   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newLiveAttempt(svc *AttemptService, id, examID, candidateID string, cfg *model.ExamConfig, cp *model.Checkpoint) *LiveAttempt {
	la := &LiveAttempt{
		ID:          id,
		ExamID:      examID,
		CandidateID: candidateID,
		svc:         svc,
		log: svc.log.With().
			Str("attempt_id", id).
			Str("candidate_id", candidateID).
			Logger(),
		subs:      make(map[int]chan ws.Message),
		dirty:     make(chan struct{}, 1),
		done:      make(chan struct{}),
		saverDone: make(chan struct{}),
	}
	la.Touch()

	la.run = attempt.New(attempt.Config{
		Exam:         cfg,
		Checkpoint:   cp,
		Sink:         submission.SinkFunc(la.accept),
		Clock:        svc.opts.Clock,
		TickInterval: svc.opts.TickInterval,
		Thresholds:   svc.opts.Thresholds,
		AutoResume:   svc.opts.AutoResume,
		Logger:       la.log,
		Events: attempt.Events{
			OnSnapshot:        la.onSnapshot,
			OnTick:            la.onTick,
			OnWarning:         la.onWarning,
			OnExpire:          la.onExpire,
			OnSubmitted:       la.onSubmitted,
			OnResumeAvailable: la.onResumeAvailable,
		},
	})
	return la
}

// Attempt returns the session runtime.
func (la *LiveAttempt) Attempt() *attempt.Attempt { return la.run }

// Touch records candidate activity.
func (la *LiveAttempt) Touch() {
	la.lastSeen.Store(la.svc.opts.Clock.Now().UnixNano())
}

// LastSeen returns the time of the last candidate activity.
func (la *LiveAttempt) LastSeen() time.Time {
	return time.Unix(0, la.lastSeen.Load())
}

// Owner returns the ownership record stored with checkpoints.
func (la *LiveAttempt) Owner() repository.AttemptOwner {
	return repository.AttemptOwner{ExamID: la.ExamID, CandidateID: la.CandidateID}
}

// ─── Event fan-out ──────────────────────────────────────────────────────────

// Subscribe opens an event stream. The channel is closed when the attempt
// closes or cancel is called.
func (la *LiveAttempt) Subscribe() (<-chan ws.Message, func()) {
	la.subMu.Lock()
	defer la.subMu.Unlock()

	ch := make(chan ws.Message, subscriberBuffer)
	if la.subs == nil {
		close(ch)
		return ch, func() {}
	}
	id := la.nextSub
	la.nextSub++
	la.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			la.subMu.Lock()
			defer la.subMu.Unlock()
			if c, ok := la.subs[id]; ok {
				delete(la.subs, id)
				close(c)
			}
		})
	}
}

// Subscribers returns the number of open streams.
func (la *LiveAttempt) Subscribers() int {
	la.subMu.Lock()
	defer la.subMu.Unlock()
	return len(la.subs)
}

func (la *LiveAttempt) publish(event ws.Event, data any) {
	msg, err := ws.NewMessage(event, data)
	if err != nil {
		la.log.Error().Err(err).Str("event", string(event)).Msg("Failed to encode event")
		return
	}

	la.subMu.Lock()
	defer la.subMu.Unlock()
	for _, ch := range la.subs {
		select {
		case ch <- msg:
		default:
			la.log.Debug().Str("event", string(event)).Msg("Stream backlog full, event dropped")
		}
	}
}

func (la *LiveAttempt) closeSubscribers() {
	la.subMu.Lock()
	defer la.subMu.Unlock()
	for id, ch := range la.subs {
		delete(la.subs, id)
		close(ch)
	}
	la.subs = nil
}

var recordTickCause = engine.RecordTick{}.Name()

func (la *LiveAttempt) onSnapshot(snap model.Snapshot) {
	// Tick snapshots are covered by tick events and the periodic checkpoint.
	if snap.Cause == recordTickCause {
		return
	}
	la.publish(ws.EventSnapshot, snap)
	la.markDirty()
}

func (la *LiveAttempt) onTick(remaining int) {
	la.publish(ws.EventTick, ws.TickPayload{
		Remaining: remaining,
		Severity:  string(la.run.Severity(remaining)),
	})
	if la.ticks.Add(1)%int64(la.svc.opts.CheckpointEveryTicks) == 0 {
		la.markDirty()
	}
}

func (la *LiveAttempt) onWarning(threshold int) {
	la.publish(ws.EventWarning, ws.WarningPayload{Threshold: threshold})
}

func (la *LiveAttempt) onExpire() {
	la.log.Info().Msg("Time is up, auto-submitting")
	la.publish(ws.EventTimeUp, nil)
}

func (la *LiveAttempt) onSubmitted(res submission.Result) {
	la.publish(ws.EventSubmitted, res)
	la.markDirty()
}

func (la *LiveAttempt) onResumeAvailable(sig resilience.Signal) {
	la.publish(ws.EventResumeAvailable, ws.ResumeAvailablePayload{Signal: string(sig)})
}

// accept is the submission sink of the attempt.
func (la *LiveAttempt) accept(ctx context.Context, sub submission.Submission) error {
	if err := la.svc.enqueue(ctx, la.ID, la.CandidateID, la.run.Config(), sub); err != nil {
		return fmt.Errorf("enqueue submission: %w", err)
	}
	la.log.Info().
		Bool("auto", sub.Auto).
		Int("answered", sub.Stats.Answered+sub.Stats.AnsweredAndMarked).
		Msg("Submission queued")
	return nil
}

// ─── Checkpointing ──────────────────────────────────────────────────────────

func (la *LiveAttempt) start() {
	la.started.Store(true)
	go la.saveLoop()
}

func (la *LiveAttempt) markDirty() {
	select {
	case la.dirty <- struct{}{}:
	default:
	}
}

func (la *LiveAttempt) saveLoop() {
	defer close(la.saverDone)
	for {
		select {
		case <-la.done:
			return
		case <-la.dirty:
			ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
			if err := la.saveCheckpoint(ctx); err != nil {
				la.log.Warn().Err(err).Msg("Checkpoint failed")
			}
			cancel()
		}
	}
}

func (la *LiveAttempt) saveCheckpoint(ctx context.Context) error {
	return la.svc.checkpoints.Save(ctx, la.ID, la.Owner(), la.run.Checkpoint())
}

// Close stops the session runtime, closes every stream and writes a final
// checkpoint.
func (la *LiveAttempt) Close(ctx context.Context) error {
	la.closeOnce.Do(func() {
		la.run.Close()
		close(la.done)
		if la.started.Load() {
			<-la.saverDone
		}
		la.closeSubscribers()
		if err := la.saveCheckpoint(ctx); err != nil {
			la.closeErr = fmt.Errorf("final checkpoint %s: %w", la.ID, err)
		}
	})
	return la.closeErr
}

// discard tears down an attempt that lost an open race without touching
// storage.
func (la *LiveAttempt) discard() {
	la.closeOnce.Do(func() {
		la.run.Close()
		close(la.done)
		la.closeSubscribers()
	})
}
