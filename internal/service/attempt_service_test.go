package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-engine/internal/content"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
	"github.com/stemsi/exstem-engine/internal/timer"
	ws "github.com/stemsi/exstem-engine/internal/websocket"
)

func testExam() *model.ExamConfig {
	q := func(id string) model.Question {
		return model.Question{
			ID:            id,
			Type:          model.QuestionTypeSingleChoice,
			Options:       []model.Option{{ID: "a"}, {ID: "b"}},
			CorrectAnswer: "a",
			Marks:         4,
			NegativeMarks: 1,
		}
	}
	return &model.ExamConfig{
		ID:              "exam-1",
		Title:           "Mock",
		DurationMinutes: 10,
		Languages:       []string{"en"},
		Sections: []model.Section{
			{ID: "s1", Name: "Physics", Questions: []model.Question{q("q1"), q("q2")}},
			{ID: "s2", Name: "Chemistry", Questions: []model.Question{q("q3")}},
		},
	}
}

type fakeConfigStore struct {
	mu      sync.Mutex
	configs map[string]*model.ExamConfig
	reads   int
}

func (f *fakeConfigStore) GetByID(_ context.Context, examID string) (*model.ExamConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	cfg, ok := f.configs[examID]
	if !ok {
		return nil, repository.ErrExamNotFound
	}
	cp := *cfg
	cp.Sections = append([]model.Section(nil), cfg.Sections...)
	return &cp, nil
}

func (f *fakeConfigStore) ListPublishedIDs(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.configs))
	for id := range f.configs {
		ids = append(ids, id)
	}
	return ids, nil
}

type fakeHistory struct {
	done map[string]bool
}

func (f *fakeHistory) Exists(_ context.Context, examID, candidateID string) (bool, error) {
	return f.done[examID+"/"+candidateID], nil
}

type fakeSetStore struct {
	sets map[string]*model.QuestionSet
}

func (f *fakeSetStore) GetByID(_ context.Context, setID string) (*model.QuestionSet, error) {
	set, ok := f.sets[setID]
	if !ok {
		return nil, content.ErrSetNotFound
	}
	return set, nil
}

type fixture struct {
	mr          *miniredis.Miniredis
	rdb         *redis.Client
	clock       *timer.ManualClock
	history     *fakeHistory
	checkpoints *repository.CheckpointRepository
	queue       *repository.SubmissionQueue
	svc         *AttemptService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &fixture{
		mr:          mr,
		rdb:         rdb,
		clock:       timer.NewManualClock(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)),
		history:     &fakeHistory{done: map[string]bool{}},
		checkpoints: repository.NewCheckpointRepository(rdb, time.Hour),
		queue:       repository.NewSubmissionQueue(rdb, time.Hour),
	}
	f.svc = f.service()
	t.Cleanup(func() { _ = f.svc.Shutdown(context.Background()) })
	return f
}

// service builds an AttemptService sharing the fixture's Redis, as a second
// process would after a restart.
func (f *fixture) service() *AttemptService {
	cache := repository.NewExamCacheRepository(f.rdb)
	exams := NewExamConfigService(cache, &fakeConfigStore{
		configs: map[string]*model.ExamConfig{"exam-1": testExam()},
	}, zerolog.Nop())
	resolver := NewQuestionSetResolver(cache, &fakeSetStore{}, zerolog.Nop())

	return NewAttemptService(exams, f.checkpoints, f.queue, f.history,
		content.NewLoader(resolver),
		AttemptOptions{
			TickInterval: time.Second,
			IdleTimeout:  2 * time.Minute,
			Clock:        f.clock,
		},
		zerolog.Nop(),
	)
}

func TestAttemptIDIsDeterministic(t *testing.T) {
	assert.Equal(t, AttemptID("e1", "c1"), AttemptID("e1", "c1"))
	assert.NotEqual(t, AttemptID("e1", "c1"), AttemptID("e1", "c2"))
	assert.NotEqual(t, AttemptID("e1", "c1"), AttemptID("e2", "c1"))
}

func TestStartCreatesAndReusesAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	la, err := f.svc.Start(ctx, "exam-1", "cand-1")
	require.NoError(t, err)
	assert.Equal(t, AttemptID("exam-1", "cand-1"), la.ID)
	assert.Equal(t, model.PhaseInstructions, la.Attempt().Snapshot().Phase)

	again, err := f.svc.Start(ctx, "exam-1", "cand-1")
	require.NoError(t, err)
	assert.Same(t, la, again)
	assert.Equal(t, 1, f.svc.Live())

	// Ownership is persisted right away.
	require.Eventually(t, func() bool {
		owner, err := f.checkpoints.Owner(ctx, la.ID)
		return err == nil && owner.CandidateID == "cand-1"
	}, time.Second, 10*time.Millisecond)
}

func TestStartUnknownExam(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Start(context.Background(), "missing", "cand-1")
	assert.ErrorIs(t, err, ErrExamUnavailable)
}

func TestStartRejectsFinishedAttempt(t *testing.T) {
	f := newFixture(t)
	f.history.done["exam-1/cand-1"] = true

	_, err := f.svc.Start(context.Background(), "exam-1", "cand-1")
	assert.ErrorIs(t, err, ErrAlreadySubmitted)
}

func TestGetChecksOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	la, err := f.svc.Start(ctx, "exam-1", "cand-1")
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, la.ID, "cand-2")
	assert.ErrorIs(t, err, ErrNotAttemptOwner)

	got, err := f.svc.Get(ctx, la.ID, "cand-1")
	require.NoError(t, err)
	assert.Same(t, la, got)

	_, err = f.svc.Get(ctx, "no-such-attempt", "cand-1")
	assert.ErrorIs(t, err, ErrAttemptNotFound)
}

func TestSubmitQueuesScoredResponses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	la, err := f.svc.Start(ctx, "exam-1", "cand-1")
	require.NoError(t, err)
	run := la.Attempt()

	_, err = run.Begin()
	require.NoError(t, err)
	_, err = run.SetDraft("a")
	require.NoError(t, err)
	_, err = run.SaveAndNext()
	require.NoError(t, err)
	_, err = run.SetDraft("b")
	require.NoError(t, err)
	_, err = run.SaveAndNext()
	require.NoError(t, err)

	res, err := run.Submit(ctx, true)
	require.NoError(t, err)
	assert.NoError(t, res.SinkErr)

	rec, err := f.svc.Result(ctx, la.ID)
	require.NoError(t, err)
	assert.Equal(t, "cand-1", rec.CandidateID)
	assert.Len(t, rec.Responses, 3)
	assert.Nil(t, rec.Responses["q3"])
	assert.InDelta(t, 3.0, rec.Score.Score, 1e-9)

	n, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = f.svc.Start(ctx, "exam-1", "cand-1")
	assert.ErrorIs(t, err, ErrAlreadySubmitted)
}

func TestShutdownCheckpointsAndRestoresPaused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	la, err := f.svc.Start(ctx, "exam-1", "cand-1")
	require.NoError(t, err)
	run := la.Attempt()
	_, _ = run.Begin()
	_, _ = run.SetDraft("a")
	_, _ = run.SaveAndNext()
	f.clock.Advance(30 * time.Second)

	require.NoError(t, f.svc.Shutdown(ctx))
	assert.Equal(t, 0, f.svc.Live())

	cp, err := f.checkpoints.Load(ctx, la.ID)
	require.NoError(t, err)
	assert.True(t, cp.State.Paused)
	assert.Equal(t, 570, cp.RemainingSeconds)

	// A fresh process picks the attempt up by id.
	next := f.service()
	restored, err := next.Get(ctx, la.ID, "cand-1")
	require.NoError(t, err)
	snap := restored.Attempt().Snapshot()
	assert.True(t, snap.Paused)
	assert.Equal(t, 1, snap.CurrentIndex)
	assert.Equal(t, "a", *snap.Questions["q1"].Answer)

	_, err = restored.Attempt().Resume()
	require.NoError(t, err)
	f.clock.Advance(10 * time.Second)
	assert.Equal(t, 560, restored.Attempt().Remaining())
	require.NoError(t, next.Shutdown(ctx))
}

func TestSubmittedCheckpointIsRedelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := AttemptID("exam-1", "cand-1")

	state := model.SessionState{
		Phase:        model.PhaseSubmitted,
		CurrentIndex: 0,
		Questions: map[string]model.QuestionState{
			"q1": {Status: model.StatusAnswered, Answer: model.NewAnswer("a")},
			"q2": {Status: model.StatusNotVisited},
			"q3": {Status: model.StatusNotVisited},
		},
	}
	owner := repository.AttemptOwner{ExamID: "exam-1", CandidateID: "cand-1"}
	require.NoError(t, f.checkpoints.Save(ctx, id, owner, model.Checkpoint{State: state}))

	_, err := f.svc.Start(ctx, "exam-1", "cand-1")
	assert.ErrorIs(t, err, ErrAlreadySubmitted)

	rec, err := f.queue.Result(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "a", *rec.Responses["q1"])
	assert.Len(t, rec.Responses, 3)
}

func TestStreamReceivesEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	la, err := f.svc.Start(ctx, "exam-1", "cand-1")
	require.NoError(t, err)
	events, cancel := la.Subscribe()
	defer cancel()
	assert.Equal(t, 1, la.Subscribers())

	_, err = la.Attempt().Begin()
	require.NoError(t, err)
	msg := <-events
	assert.Equal(t, ws.EventSnapshot, msg.Event)

	f.clock.Advance(time.Second)
	msg = <-events
	assert.Equal(t, ws.EventTick, msg.Event)
	assert.JSONEq(t, `{"remaining":599,"severity":"NOTICE"}`, string(msg.Data))

	cancel()
	assert.Equal(t, 0, la.Subscribers())
}

func TestStreamsCloseWithAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	la, err := f.svc.Start(ctx, "exam-1", "cand-1")
	require.NoError(t, err)
	events, cancel := la.Subscribe()
	defer cancel()

	require.NoError(t, f.svc.Shutdown(ctx))
	_, open := <-events
	assert.False(t, open)

	late, _ := la.Subscribe()
	_, open = <-late
	assert.False(t, open)
}

func TestSweepIdleEvictsQuietAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	quiet, err := f.svc.Start(ctx, "exam-1", "cand-1")
	require.NoError(t, err)
	_, _ = quiet.Attempt().Begin()

	watched, err := f.svc.Start(ctx, "exam-1", "cand-2")
	require.NoError(t, err)
	_, cancel := watched.Subscribe()
	defer cancel()

	f.clock.Advance(time.Minute)
	assert.Equal(t, 0, f.svc.SweepIdle(ctx))

	f.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, f.svc.SweepIdle(ctx))
	assert.Equal(t, 1, f.svc.Live())

	cp, err := f.checkpoints.Load(ctx, quiet.ID)
	require.NoError(t, err)
	assert.True(t, cp.State.Paused)
}

func TestRenderQuestion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	la, err := f.svc.Start(ctx, "exam-1", "cand-1")
	require.NoError(t, err)

	_, err = f.svc.RenderQuestion(ctx, la, 0)
	assert.Error(t, err, "content hidden before begin")

	_, _ = la.Attempt().Begin()
	r, err := f.svc.RenderQuestion(ctx, la, 2)
	require.NoError(t, err)
	assert.Equal(t, "q3", r.QuestionID)
	assert.Equal(t, "Chemistry", r.SectionName)

	_, err = f.svc.RenderQuestion(ctx, la, 9)
	assert.True(t, errors.Is(err, ErrQuestionRange))
}
