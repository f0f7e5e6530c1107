package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/content"
	"github.com/stemsi/exstem-engine/internal/middleware"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/service"
	"github.com/stemsi/exstem-engine/internal/timer"
	"github.com/stemsi/exstem-engine/internal/validator"
	ws "github.com/stemsi/exstem-engine/internal/websocket"
)

func init() {
	gin.SetMode(gin.TestMode)
	validator.Setup()
}

// ─── Fixture ────────────────────────────────────────────────────────────────

func mockExam() *model.ExamConfig {
	q := func(id string) model.Question {
		return model.Question{
			ID:            id,
			Type:          model.QuestionTypeSingleChoice,
			Text:          "<p>Pick one</p><script>alert(1)</script>",
			Options:       []model.Option{{ID: "a", Text: "A"}, {ID: "b", Text: "B"}},
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

type examStore struct{}

func (examStore) GetByID(_ context.Context, examID string) (*model.ExamConfig, error) {
	if examID != "exam-1" {
		return nil, repository.ErrExamNotFound
	}
	return mockExam(), nil
}

func (examStore) ListPublishedIDs(context.Context) ([]string, error) {
	return []string{"exam-1"}, nil
}

type setStore struct{}

func (setStore) GetByID(context.Context, string) (*model.QuestionSet, error) {
	return nil, content.ErrSetNotFound
}

type noHistory struct{}

func (noHistory) Exists(context.Context, string, string) (bool, error) { return false, nil }

type env struct {
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	auth   *service.AuthService
	svc    *service.AttemptService
	ws     *WSHandler
	engine *gin.Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cache := repository.NewExamCacheRepository(rdb)
	exams := service.NewExamConfigService(cache, examStore{}, zerolog.Nop())
	loader := content.NewLoader(service.NewQuestionSetResolver(cache, setStore{}, zerolog.Nop()))
	svc := service.NewAttemptService(exams,
		repository.NewCheckpointRepository(rdb, time.Hour),
		repository.NewSubmissionQueue(rdb, time.Hour),
		noHistory{}, loader,
		service.AttemptOptions{
			TickInterval: time.Second,
			Clock:        timer.NewManualClock(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)),
		},
		zerolog.Nop(),
	)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	auth := service.NewAuthService(&config.Config{JWTSecret: "handler-test-secret"})
	attempts := NewAttemptHandler(svc, zerolog.Nop())
	wsh := NewWSHandler(svc, zerolog.Nop(), nil)

	r := gin.New()
	candidate := r.Group("/api/v1/candidate", middleware.RequireCandidateJWT(auth), middleware.NoStore())
	candidate.POST("/exams/:exam_id/attempts", middleware.RequireExamAccess(), attempts.StartAttempt)
	candidate.GET("/attempts/:attempt_id/result", attempts.GetResult)
	a := candidate.Group("/attempts/:attempt_id", attempts.LoadAttempt())
	a.GET("/state", attempts.GetState)
	a.GET("/palette", attempts.GetPalette)
	a.GET("/review", attempts.GetReview)
	a.GET("/questions/:index", attempts.GetQuestion)
	a.POST("/submit", attempts.Submit)
	r.GET("/ws/v1/candidate/attempts/:attempt_id/stream",
		middleware.RequireCandidateJWT(auth), attempts.LoadAttempt(), wsh.AttemptStream)

	return &env{mr: mr, rdb: rdb, auth: auth, svc: svc, ws: wsh, engine: r}
}

func (e *env) token(t *testing.T, candidateID string, examIDs ...string) string {
	t.Helper()
	tok, err := e.auth.IssueCandidateToken(candidateID, time.Hour, examIDs...)
	require.NoError(t, err)
	return tok
}

func (e *env) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func (e *env) start(t *testing.T, token string) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/candidate/exams/exam-1/attempts", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Data struct {
			AttemptID string `json:"attempt_id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Data.AttemptID
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) response.ErrCode {
	t.Helper()
	var body response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotNil(t, body.Error, w.Body.String())
	return body.Error.Code
}

// ─── REST ───────────────────────────────────────────────────────────────────

func TestStartAttempt(t *testing.T) {
	e := newEnv(t)
	tok := e.token(t, "cand-1", "exam-1")

	w := e.do(t, http.MethodPost, "/api/v1/candidate/exams/exam-1/attempts", tok, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.NotContains(t, w.Body.String(), "correct_answer")

	var body struct {
		Data struct {
			AttemptID string `json:"attempt_id"`
			Snapshot  struct {
				Phase string `json:"phase"`
			} `json:"snapshot"`
			Remaining int `json:"remaining_seconds"`
			Exam      struct {
				Sections []struct {
					Questions []struct {
						Index int `json:"index"`
					} `json:"questions"`
				} `json:"sections"`
			} `json:"exam"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, service.AttemptID("exam-1", "cand-1"), body.Data.AttemptID)
	assert.Equal(t, "INSTRUCTIONS", body.Data.Snapshot.Phase)
	assert.Equal(t, 600, body.Data.Remaining)
	require.Len(t, body.Data.Exam.Sections, 2)
	assert.Equal(t, 2, body.Data.Exam.Sections[1].Questions[0].Index)

	// Starting again resumes the same attempt.
	assert.Equal(t, body.Data.AttemptID, e.start(t, tok))
	assert.Equal(t, 1, e.svc.Live())
}

func TestStartAttemptRejections(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/api/v1/candidate/exams/exam-1/attempts", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(t, http.MethodPost, "/api/v1/candidate/exams/exam-1/attempts", e.token(t, "cand-1", "exam-2"), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(t, http.MethodPost, "/api/v1/candidate/exams/missing/attempts", e.token(t, "cand-1"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, response.ErrExamNotAvailable, errCode(t, w))
}

func TestAttemptBelongsToCandidate(t *testing.T) {
	e := newEnv(t)
	id := e.start(t, e.token(t, "cand-1"))

	w := e.do(t, http.MethodGet, "/api/v1/candidate/attempts/"+id+"/state", e.token(t, "cand-2"), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/candidate/attempts/unknown/state", e.token(t, "cand-1"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, response.ErrAttemptNotFound, errCode(t, w))
}

func TestGetQuestion(t *testing.T) {
	e := newEnv(t)
	tok := e.token(t, "cand-1")
	id := e.start(t, tok)
	base := "/api/v1/candidate/attempts/" + id + "/questions/"

	w := e.do(t, http.MethodGet, base+"0", tok, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, response.ErrSessionNotRunning, errCode(t, w))

	la, err := e.svc.Get(context.Background(), id, "cand-1")
	require.NoError(t, err)
	_, err = la.Attempt().Begin()
	require.NoError(t, err)

	w = e.do(t, http.MethodGet, base+"2", tok, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"section_name":"Chemistry"`)
	assert.NotContains(t, w.Body.String(), "alert(1)")

	w = e.do(t, http.MethodGet, base+"3", tok, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, response.ErrQuestionOutOfRange, errCode(t, w))

	w = e.do(t, http.MethodGet, base+"x", tok, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetPalette(t *testing.T) {
	e := newEnv(t)
	tok := e.token(t, "cand-1")
	id := e.start(t, tok)
	base := "/api/v1/candidate/attempts/" + id + "/palette"

	w := e.do(t, http.MethodGet, base, tok, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Data struct {
			Sections []json.RawMessage `json:"sections"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Data.Sections, 2)

	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, base+"?section=1", tok, nil).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, base+"?section=5", tok, nil).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, base+"?section=x", tok, nil).Code)
}

func TestSubmitFlow(t *testing.T) {
	e := newEnv(t)
	tok := e.token(t, "cand-1")
	id := e.start(t, tok)
	base := "/api/v1/candidate/attempts/" + id

	la, err := e.svc.Get(context.Background(), id, "cand-1")
	require.NoError(t, err)
	run := la.Attempt()
	_, err = run.Begin()
	require.NoError(t, err)
	_, err = run.SetDraft("a")
	require.NoError(t, err)
	_, err = run.SaveAndNext()
	require.NoError(t, err)

	w := e.do(t, http.MethodGet, base+"/result", tok, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, http.MethodPost, base+"/submit", tok, gin.H{"confirmed": false})
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Equal(t, response.ErrConfirmationRequired, errCode(t, w))
	assert.Contains(t, w.Body.String(), `"data":{`)

	w = e.do(t, http.MethodPost, base+"/submit", tok, gin.H{"confirmed": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(t, http.MethodGet, base+"/result", tok, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result struct {
		Data repository.SubmissionRecord `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, 4.0, result.Data.Score.Score)
	assert.Equal(t, "a", *result.Data.Responses["q1"])

	w = e.do(t, http.MethodGet, base+"/result", e.token(t, "cand-2"), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(t, http.MethodPost, "/api/v1/candidate/exams/exam-1/attempts", tok, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, response.ErrAlreadySubmitted, errCode(t, w))
}

// ─── WebSocket ──────────────────────────────────────────────────────────────

func dialStream(t *testing.T, e *env, id, tok string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(e.engine)
	t.Cleanup(srv.Close)

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/v1/candidate/attempts/" + id + "/stream?token=" + tok
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// next reads until event arrives, skipping ticks and other pushes.
func next(t *testing.T, conn *websocket.Conn, event ws.Event) ws.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg ws.Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Event == event {
			return msg
		}
	}
}

func TestAttemptStream(t *testing.T) {
	e := newEnv(t)
	tok := e.token(t, "cand-1")
	id := e.start(t, tok)
	conn := dialStream(t, e, id, tok)

	next(t, conn, ws.EventSnapshot)

	require.NoError(t, conn.WriteJSON(ws.Request{Action: ws.ActionBegin}))
	msg := next(t, conn, ws.EventQuestion)
	assert.Contains(t, string(msg.Data), `"question_id":"q1"`)

	require.NoError(t, conn.WriteJSON(ws.Request{Action: ws.ActionDraft, Answer: "b"}))
	msg = next(t, conn, ws.EventDraft)
	var draft ws.DraftPayload
	require.NoError(t, json.Unmarshal(msg.Data, &draft))
	assert.Equal(t, "q1", draft.QuestionID)
	require.NotNil(t, draft.Answer)
	assert.Equal(t, "b", *draft.Answer)

	require.NoError(t, conn.WriteJSON(ws.Request{Action: ws.ActionSaveNext}))
	msg = next(t, conn, ws.EventQuestion)
	assert.Contains(t, string(msg.Data), `"question_id":"q2"`)

	require.NoError(t, conn.WriteJSON(ws.Request{Action: ws.ActionNavigate}))
	msg = next(t, conn, ws.EventError)
	assert.Contains(t, string(msg.Data), string(response.ErrInvalidPayload))

	require.NoError(t, conn.WriteJSON(ws.Request{Action: "teleport"}))
	msg = next(t, conn, ws.EventError)
	assert.Contains(t, string(msg.Data), string(response.ErrUnknownAction))

	require.NoError(t, conn.WriteJSON(ws.Request{Action: ws.ActionPing}))
	next(t, conn, ws.EventPong)

	la, err := e.svc.Get(context.Background(), id, "cand-1")
	require.NoError(t, err)
	answer, ok := la.Attempt().Snapshot().Question("q1")
	require.True(t, ok)
	assert.Equal(t, model.StatusAnswered, answer.Status)
}

func TestAttemptStreamSubmit(t *testing.T) {
	e := newEnv(t)
	tok := e.token(t, "cand-1")
	id := e.start(t, tok)
	conn := dialStream(t, e, id, tok)

	require.NoError(t, conn.WriteJSON(ws.Request{Action: ws.ActionBegin}))
	next(t, conn, ws.EventQuestion)

	require.NoError(t, conn.WriteJSON(ws.Request{Action: ws.ActionSubmit}))
	next(t, conn, ws.EventReview)

	require.NoError(t, conn.WriteJSON(ws.Request{Action: ws.ActionSubmit, Confirmed: true}))
	next(t, conn, ws.EventSubmitted)

	_, err := e.svc.Result(context.Background(), id)
	require.NoError(t, err)
}

func TestAttemptStreamMalformedFrameKeepsConnection(t *testing.T) {
	e := newEnv(t)
	tok := e.token(t, "cand-1")
	id := e.start(t, tok)
	conn := dialStream(t, e, id, tok)
	next(t, conn, ws.EventSnapshot)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := next(t, conn, ws.EventError)
	assert.Contains(t, string(msg.Data), string(response.ErrInvalidPayload))

	require.NoError(t, conn.WriteJSON(ws.Request{Action: ws.ActionPing}))
	next(t, conn, ws.EventPong)
}

// A client that stops answering pings is treated as gone.
func TestAttemptStreamSilentDropPausesSession(t *testing.T) {
	e := newEnv(t)
	e.ws.pongWait = 300 * time.Millisecond
	tok := e.token(t, "cand-1")
	id := e.start(t, tok)
	conn := dialStream(t, e, id, tok)

	require.NoError(t, conn.WriteJSON(ws.Request{Action: ws.ActionBegin}))
	next(t, conn, ws.EventQuestion)

	la, err := e.svc.Get(context.Background(), id, "cand-1")
	require.NoError(t, err)
	require.True(t, la.Attempt().Snapshot().Running())

	// No further reads, so the client never answers the server's pings.
	assert.Eventually(t, func() bool {
		return la.Attempt().Snapshot().Paused
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, timer.StatePaused, la.Attempt().TimerState())
}

func TestAttemptStreamCleanCloseKeepsRunning(t *testing.T) {
	e := newEnv(t)
	tok := e.token(t, "cand-1")
	id := e.start(t, tok)
	conn := dialStream(t, e, id, tok)

	require.NoError(t, conn.WriteJSON(ws.Request{Action: ws.ActionBegin}))
	next(t, conn, ws.EventQuestion)

	la, err := e.svc.Get(context.Background(), id, "cand-1")
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Never(t, func() bool {
		return la.Attempt().Snapshot().Paused
	}, 300*time.Millisecond, 20*time.Millisecond)
}

func TestAttemptStreamRequiresToken(t *testing.T) {
	e := newEnv(t)
	id := e.start(t, e.token(t, "cand-1"))

	srv := httptest.NewServer(e.engine)
	defer srv.Close()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/v1/candidate/attempts/" + id + "/stream"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// ─── System ─────────────────────────────────────────────────────────────────

func TestSystemProbes(t *testing.T) {
	e := newEnv(t)
	up := PingerFunc(func(ctx context.Context) error { return e.rdb.Ping(ctx).Err() })
	down := PingerFunc(func(context.Context) error { return errors.New("refused") })

	h := NewSystemHandler(e.rdb, e.svc, map[string]Pinger{"redis": up}, zerolog.Nop())
	r := gin.New()
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
	r.GET("/metrics", h.Metrics)

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	assert.Equal(t, http.StatusOK, get("/health").Code)
	assert.Equal(t, http.StatusOK, get("/ready").Code)

	e.start(t, e.token(t, "cand-1"))
	_, err := e.mr.Push(config.WorkerKey.DeadSubmissionsQueue, "x")
	require.NoError(t, err)

	w := get("/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data systemMetrics `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Data.LiveAttempts)
	assert.Equal(t, int64(1), body.Data.QueueDead)

	h = NewSystemHandler(e.rdb, e.svc, map[string]Pinger{"redis": up, "postgres": down}, zerolog.Nop())
	r = gin.New()
	r.GET("/ready", h.Ready)
	w = get("/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"postgres":"down"`)
}
