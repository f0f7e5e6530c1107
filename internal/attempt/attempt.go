// Package attempt runs one candidate's exam session: it wires the state
// store, countdown, resilience monitor, submission coordinator and draft pad
// together.
package attempt

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-engine/internal/engine"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/palette"
	"github.com/stemsi/exstem-engine/internal/resilience"
	"github.com/stemsi/exstem-engine/internal/submission"
	"github.com/stemsi/exstem-engine/internal/timer"
)

var (
	ErrNotRunning = errors.New("session is not running")
	ErrClosed     = errors.New("attempt is closed")
)

// autoSubmitTimeout bounds the sink handoff started by timer expiry.
const autoSubmitTimeout = 30 * time.Second

// Events are optional hooks for the transport layer. They are called outside
// the store and countdown locks but must not block.
type Events struct {
	OnSnapshot        func(model.Snapshot)
	OnTick            func(remaining int)
	OnWarning         func(threshold int)
	OnExpire          func()
	OnSubmitted       func(submission.Result)
	OnResumeAvailable func(resilience.Signal)
}

// Config configures an Attempt. Exam and Sink are required.
type Config struct {
	Exam *model.ExamConfig
	// Checkpoint restores a previous session when set.
	Checkpoint *model.Checkpoint
	Sink       submission.Sink

	Clock        timer.Clock
	TickInterval time.Duration
	Thresholds   []int
	AutoResume   bool

	Events Events
	Logger zerolog.Logger
}

// Attempt is a live session.
type Attempt struct {
	cfg    Config
	log    zerolog.Logger
	clock  timer.Clock
	store  *engine.Store
	timer  *timer.Countdown
	mon    *resilience.Monitor
	coord  *submission.Coordinator
	drafts *DraftPad

	mu            sync.Mutex
	closed        bool
	unsubscribe   func()
	submittedOnce sync.Once
}

// New builds an attempt. With a checkpoint the session is restored paused;
// otherwise it starts in the instructions phase.
func New(cfg Config) *Attempt {
	if cfg.Clock == nil {
		cfg.Clock = timer.SystemClock{}
	}
	log := cfg.Logger.With().Str("exam_id", cfg.Exam.ID).Logger()

	a := &Attempt{
		cfg:    cfg,
		log:    log.With().Str("component", "attempt").Logger(),
		clock:  cfg.Clock,
		drafts: NewDraftPad(),
	}

	if cfg.Checkpoint != nil {
		a.store = engine.Restore(cfg.Exam, *cfg.Checkpoint, engine.WithLogger(log))
	} else {
		a.store = engine.New(cfg.Exam, engine.WithLogger(log))
	}
	if cfg.Events.OnSnapshot != nil {
		a.unsubscribe = a.store.Subscribe(cfg.Events.OnSnapshot)
	}

	a.coord = submission.New(a.store, cfg.Sink,
		submission.WithLogger(log),
		submission.WithNow(cfg.Clock.Now),
	)

	a.timer = timer.New(timer.Config{
		DurationSeconds: cfg.Exam.DurationSeconds(),
		Interval:        cfg.TickInterval,
		Thresholds:      cfg.Thresholds,
		Clock:           cfg.Clock,
		Logger:          log,
		OnTick:          a.onTick,
		OnWarning:       cfg.Events.OnWarning,
		OnExpire:        a.onExpire,
	})

	a.mon = resilience.New(monitorTarget{a}, resilience.Config{
		AutoResume:        cfg.AutoResume,
		OnResumeAvailable: cfg.Events.OnResumeAvailable,
		Logger:            log,
	})

	if a.store.Snapshot().Phase == model.PhaseSubmitted {
		a.timer.Stop()
	}
	return a
}

// Config returns the exam definition.
func (a *Attempt) Config() *model.ExamConfig { return a.cfg.Exam }

// Snapshot returns the current session snapshot.
func (a *Attempt) Snapshot() model.Snapshot { return a.store.Snapshot() }

// Stats returns the current status counts.
func (a *Attempt) Stats() model.Stats { return a.store.Stats() }

// Palette returns the palette of the section under the cursor.
func (a *Attempt) Palette() palette.View {
	return palette.Build(a.cfg.Exam, a.store.Snapshot())
}

// Overview returns per-section status counts.
func (a *Attempt) Overview() []palette.SectionSummary {
	return palette.Overview(a.cfg.Exam, a.store.Snapshot())
}

// Remaining returns the countdown's current value.
func (a *Attempt) Remaining() int { return a.timer.Remaining() }

// TimerState returns the countdown state.
func (a *Attempt) TimerState() timer.State { return a.timer.State() }

// Severity is the display band of remaining under the configured thresholds.
func (a *Attempt) Severity(remaining int) timer.Severity { return a.timer.Severity(remaining) }

// Draft returns the draft of the current question, falling back to its
// committed answer.
func (a *Attempt) Draft() model.Answer {
	snap := a.store.Snapshot()
	id := a.currentID(snap)
	return a.drafts.Resolve(id, snap.Questions[id].Answer)
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// Begin leaves the instructions and starts the countdown.
func (a *Attempt) Begin() (model.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return a.store.Snapshot(), ErrClosed
	}

	snap, err := a.store.Apply(engine.Begin{})
	if err != nil {
		return snap, err
	}
	if err := a.timer.Start(snap.RemainingSeconds); err != nil {
		a.log.Warn().Err(err).Msg("Countdown already running at begin")
	}
	return snap, nil
}

// Pause freezes the countdown and checkpoints its exact value in the store.
func (a *Attempt) Pause() (model.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pauseLocked()
}

func (a *Attempt) pauseLocked() (model.Snapshot, error) {
	if a.closed {
		return a.store.Snapshot(), ErrClosed
	}
	if !a.store.Snapshot().Running() {
		return a.store.Snapshot(), ErrNotRunning
	}
	remaining := a.timer.Pause()
	return a.store.Apply(engine.PauseExam{RemainingSeconds: remaining})
}

// Resume unfreezes the session. A session restored from a checkpoint starts
// its countdown here from the checkpointed value.
func (a *Attempt) Resume() (model.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return a.store.Snapshot(), ErrClosed
	}

	snap, err := a.store.Apply(engine.ResumeExam{})
	if err != nil {
		return snap, err
	}
	switch a.timer.State() {
	case timer.StateIdle:
		if snap.RemainingSeconds <= 0 {
			a.onExpire()
			return a.store.Snapshot(), nil
		}
		err = a.timer.Start(snap.RemainingSeconds)
	case timer.StatePaused:
		err = a.timer.Resume()
	}
	if err != nil {
		a.log.Error().Err(err).Msg("Failed to resume countdown")
	}
	return snap, nil
}

// Signal forwards a runtime environment event to the resilience monitor.
// Signals reaching a closed attempt are dropped.
func (a *Attempt) Signal(sig resilience.Signal) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		a.log.Debug().Str("signal", string(sig)).Msg("Ignoring signal on closed attempt")
		return
	}
	a.mon.Handle(sig)
}

// ReportFullscreenFailure records that the client could not enter
// fullscreen. It has no effect on the session.
func (a *Attempt) ReportFullscreenFailure(reason string) {
	a.log.Debug().Str("reason", reason).Msg("Fullscreen request failed")
}

// Review summarizes the session before submitting.
func (a *Attempt) Review() submission.Review {
	return a.coord.Review()
}

// Submit finalizes the session on the candidate's request.
func (a *Attempt) Submit(ctx context.Context, confirmed bool) (submission.Result, error) {
	a.mu.Lock()
	if snap := a.store.Snapshot(); snap.Running() {
		a.store.RecordTick(a.timer.Remaining())
	}
	a.mu.Unlock()

	res, err := a.coord.Submit(ctx, confirmed)
	if errors.Is(err, submission.ErrConfirmationRequired) {
		return res, err
	}
	a.afterSubmit(res)
	return res, err
}

// Submitted returns the submission result once the session is submitted.
func (a *Attempt) Submitted() (submission.Result, bool) {
	return a.coord.Submitted()
}

// Checkpoint captures what is needed to resume after a reload. Drafts are
// not included.
func (a *Attempt) Checkpoint() model.Checkpoint {
	snap := a.store.Snapshot()
	remaining := snap.RemainingSeconds
	if a.timer.State() == timer.StateRunning {
		remaining = a.timer.Remaining()
	}
	state := snap.SessionState
	state.RemainingSeconds = remaining
	return model.Checkpoint{
		State:            state,
		RemainingSeconds: remaining,
		SavedAt:          a.clock.Now(),
	}
}

// Close stops the countdown and detaches listeners. The session state is
// left as is so a checkpoint taken afterwards is still valid.
func (a *Attempt) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	a.timer.Stop()
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	a.drafts.Reset()
}

// ─── Navigation ─────────────────────────────────────────────────────────────

// NavigateToQuestion moves to a global index, dropping the draft of the
// question being left.
func (a *Attempt) NavigateToQuestion(index int) (model.Snapshot, error) {
	return a.navigate(engine.NavigateToQuestion{Index: index})
}

// NavigateToSection moves to the first question of a section.
func (a *Attempt) NavigateToSection(section int) (model.Snapshot, error) {
	return a.navigate(engine.NavigateToSection{Section: section})
}

// Next moves one question forward without saving.
func (a *Attempt) Next() (model.Snapshot, error) {
	return a.navigate(engine.GoToNext{})
}

// Previous moves one question back without saving.
func (a *Attempt) Previous() (model.Snapshot, error) {
	return a.navigate(engine.GoToPrevious{})
}

func (a *Attempt) navigate(cmd engine.Command) (model.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	leaving := a.currentID(a.store.Snapshot())
	snap, err := a.store.Apply(cmd)
	if err == nil && a.currentID(snap) != leaving {
		a.drafts.Discard(leaving)
	}
	return snap, err
}

// SelectLanguage switches the display language.
func (a *Attempt) SelectLanguage(lang string) (model.Snapshot, error) {
	return a.store.Apply(engine.SelectLanguage{Language: lang})
}

// ─── Answering ──────────────────────────────────────────────────────────────

// SetDraft replaces the draft of the current question. Invalid responses
// are rejected; blank input is an empty draft.
func (a *Attempt) SetDraft(raw string) (model.Answer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := a.store.Snapshot()
	if !snap.Running() {
		return nil, ErrNotRunning
	}
	q, _ := a.cfg.Exam.QuestionAt(snap.CurrentIndex)
	answer, err := q.NormalizeAnswer(model.NewAnswer(raw))
	if err != nil {
		return nil, err
	}
	a.drafts.Set(q.ID, answer)
	return answer, nil
}

// ClearResponse empties the draft of the current question. The committed
// answer stays until the empty draft is saved.
func (a *Attempt) ClearResponse() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := a.store.Snapshot()
	if !snap.Running() {
		return ErrNotRunning
	}
	a.drafts.Clear(a.currentID(snap))
	return nil
}

// SaveAndNext commits the current question's draft and advances. It reads
// the current question at call time; on the last question it stays put.
func (a *Attempt) SaveAndNext() (model.Snapshot, error) {
	return a.commit(false, func(snap model.Snapshot) int { return a.nextIndex(snap) })
}

// MarkAndNext commits the current draft with a review mark and advances.
func (a *Attempt) MarkAndNext() (model.Snapshot, error) {
	return a.commit(true, func(snap model.Snapshot) int { return a.nextIndex(snap) })
}

// SaveAndNavigate commits the current draft and moves to target in one step.
func (a *Attempt) SaveAndNavigate(target int) (model.Snapshot, error) {
	return a.commit(false, func(model.Snapshot) int { return target })
}

// ToggleMark flips the review mark of the current question.
func (a *Attempt) ToggleMark() (model.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store.Apply(engine.MarkForReview{QuestionID: a.currentID(a.store.Snapshot())})
}

func (a *Attempt) commit(marked bool, next func(model.Snapshot) int) (model.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := a.store.Snapshot()
	id := a.currentID(snap)
	answer := a.drafts.Resolve(id, snap.Questions[id].Answer)

	var cmd engine.Command
	if marked {
		cmd = engine.MarkAndNavigate{QuestionID: id, Answer: answer, Next: next(snap)}
	} else {
		cmd = engine.SaveAndNavigate{QuestionID: id, Answer: answer, Next: next(snap)}
	}

	out, err := a.store.Apply(cmd)
	if err == nil {
		a.drafts.Discard(id)
	}
	return out, err
}

// ─── Internals ──────────────────────────────────────────────────────────────

func (a *Attempt) currentID(snap model.Snapshot) string {
	q, ok := a.cfg.Exam.QuestionAt(snap.CurrentIndex)
	if !ok {
		return ""
	}
	return q.ID
}

func (a *Attempt) nextIndex(snap model.Snapshot) int {
	if last := a.cfg.Exam.TotalQuestions() - 1; snap.CurrentIndex >= last {
		return last
	}
	return snap.CurrentIndex + 1
}

func (a *Attempt) onTick(remaining int) {
	a.store.RecordTick(remaining)
	if a.cfg.Events.OnTick != nil {
		a.cfg.Events.OnTick(remaining)
	}
}

func (a *Attempt) onExpire() {
	if a.cfg.Events.OnExpire != nil {
		a.cfg.Events.OnExpire()
	}
	ctx, cancel := context.WithTimeout(context.Background(), autoSubmitTimeout)
	defer cancel()

	res, err := a.coord.AutoSubmit(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("Auto-submit handoff failed")
	}
	a.afterSubmit(res)
}

func (a *Attempt) afterSubmit(res submission.Result) {
	if a.store.Snapshot().Phase != model.PhaseSubmitted {
		return
	}
	a.submittedOnce.Do(func() {
		a.timer.Stop()
		a.drafts.Reset()
		if a.cfg.Events.OnSubmitted != nil {
			a.cfg.Events.OnSubmitted(res)
		}
	})
}

// monitorTarget exposes the attempt to the resilience monitor.
type monitorTarget struct{ a *Attempt }

func (t monitorTarget) Running() bool { return t.a.store.Snapshot().Running() }
func (t monitorTarget) Paused() bool  { return t.a.store.Snapshot().Paused }

func (t monitorTarget) Pause() error {
	_, err := t.a.Pause()
	return err
}

func (t monitorTarget) Resume() error {
	_, err := t.a.Resume()
	return err
}
