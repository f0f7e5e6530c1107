package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-engine/internal/attempt"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/resilience"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/service"
	"github.com/stemsi/exstem-engine/internal/submission"
	ws "github.com/stemsi/exstem-engine/internal/websocket"
)

const (
	maxMessageBytes = 4096
	outboundBuffer  = 16
	submitTimeout   = 30 * time.Second
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams a live attempt over WebSocket and applies candidate
// actions to it.
type WSHandler struct {
	svc      *service.AttemptService
	log      zerolog.Logger
	upgrader websocket.Upgrader
	pongWait time.Duration
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(svc *service.AttemptService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		svc:      svc,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
		pongWait: ws.PongWait,
	}
}

// AttemptStream godoc
// WS /ws/v1/candidate/attempts/:attempt_id/stream
// Pushes snapshots, ticks and warnings; accepts session actions.
func (h *WSHandler) AttemptStream(c *gin.Context) {
	la := attemptFrom(c)
	if la == nil {
		response.Fail(c, http.StatusNotFound, response.ErrAttemptNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	wsLog := h.log.With().
		Str("attempt_id", la.ID).
		Str("candidate_id", la.CandidateID).
		Logger()
	wsLog.Info().Msg("Candidate connected")

	events, unsubscribe := la.Subscribe()
	defer unsubscribe()

	out := make(chan ws.Message, outboundBuffer)
	done := make(chan struct{})
	writerDone := make(chan struct{})
	go h.writeLoop(conn, events, out, done, writerDone, wsLog)
	defer func() {
		close(done)
		<-writerDone
	}()

	sess := &wsSession{h: h, la: la, out: out, stop: writerDone, log: wsLog}
	sess.send(ws.EventSnapshot, la.Attempt().Snapshot())
	sess.send(ws.EventTick, tickPayload(la.Attempt()))
	if la.Attempt().Snapshot().Phase == model.PhaseInProgress {
		sess.sendQuestion(c.Request.Context())
	}
	// A new stream means the client is reachable again.
	la.Attempt().Signal(resilience.ConnectivityRestored)

	ws.PrepareRead(conn, maxMessageBytes, h.pongWait)
	for {
		var req ws.Request
		err := ws.ReadRequest(conn, &req, h.pongWait)
		switch {
		case err == nil:
			la.Touch()
			sess.handle(c.Request.Context(), req)
		case errors.Is(err, ws.ErrMalformedRequest):
			wsLog.Debug().Err(err).Msg("Malformed request")
			sess.sendError(response.ErrInvalidPayload)
		case ws.IsClientClose(err):
			wsLog.Debug().Msg("Connection closed")
			return
		default:
			// Timeouts, resets and abnormal closes all mean the candidate
			// can no longer be reached.
			wsLog.Warn().Err(err).Msg("Connection lost, pausing session")
			la.Attempt().Signal(resilience.ConnectivityLost)
			return
		}
	}
}

// writeLoop is the only writer on conn.
func (h *WSHandler) writeLoop(conn *websocket.Conn, events <-chan ws.Message, out <-chan ws.Message, done <-chan struct{}, writerDone chan<- struct{}, log zerolog.Logger) {
	defer close(writerDone)
	ping := time.NewTicker(ws.PingPeriod(h.pongWait))
	defer ping.Stop()

	for {
		var err error
		select {
		case <-done:
			return
		case msg, ok := <-events:
			if !ok {
				// The attempt was closed underneath us.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "attempt closed"),
					time.Now().Add(time.Second))
				return
			}
			err = ws.WriteMessage(conn, msg)
		case msg := <-out:
			err = ws.WriteMessage(conn, msg)
		case <-ping.C:
			err = ws.WritePing(conn)
		}
		if err != nil {
			log.Debug().Err(err).Msg("Write failed, stopping writer")
			_ = conn.Close()
			return
		}
	}
}

// wsSession handles the actions of one connection.
type wsSession struct {
	h    *WSHandler
	la   *service.LiveAttempt
	out  chan<- ws.Message
	stop <-chan struct{}
	log  zerolog.Logger
}

func (s *wsSession) send(event ws.Event, data any) {
	msg, err := ws.NewMessage(event, data)
	if err != nil {
		s.log.Error().Err(err).Str("event", string(event)).Msg("Failed to encode reply")
		return
	}
	select {
	case s.out <- msg:
	case <-s.stop:
	}
}

func (s *wsSession) sendError(code response.ErrCode) {
	s.send(ws.EventError, ws.ErrorPayload{Error: response.GetMessage(code), Code: string(code)})
}

func (s *wsSession) sendFor(err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("Action failed")
	}
	s.sendError(code)
}

func (s *wsSession) sendQuestion(ctx context.Context) {
	index := s.la.Attempt().Snapshot().CurrentIndex
	rendered, err := s.h.svc.RenderQuestion(ctx, s.la, index)
	if err != nil {
		s.sendFor(err)
		return
	}
	s.send(ws.EventQuestion, rendered)
}

func (s *wsSession) sendDraft(answer model.Answer) {
	snap := s.la.Attempt().Snapshot()
	q, ok := s.la.Attempt().Config().QuestionAt(snap.CurrentIndex)
	if !ok {
		return
	}
	s.send(ws.EventDraft, ws.DraftPayload{QuestionID: q.ID, Answer: answer})
}

// handle applies one action. State changes reach the client through the
// attempt's snapshot stream; replies here carry only action-specific data.
func (s *wsSession) handle(ctx context.Context, req ws.Request) {
	run := s.la.Attempt()

	// moved applies a command that may change the current question.
	moved := func(_ model.Snapshot, err error) {
		if err != nil {
			s.sendFor(err)
			return
		}
		s.sendQuestion(ctx)
	}

	switch req.Action {
	case ws.ActionPing:
		s.send(ws.EventPong, nil)

	case ws.ActionBegin:
		moved(run.Begin())
	case ws.ActionNavigate:
		if req.Index == nil {
			s.sendError(response.ErrInvalidPayload)
			return
		}
		moved(run.NavigateToQuestion(*req.Index))
	case ws.ActionNavigateSection:
		if req.Section == nil {
			s.sendError(response.ErrInvalidPayload)
			return
		}
		moved(run.NavigateToSection(*req.Section))
	case ws.ActionNext:
		moved(run.Next())
	case ws.ActionPrevious:
		moved(run.Previous())

	case ws.ActionDraft:
		answer, err := run.SetDraft(req.Answer)
		if err != nil {
			s.sendFor(err)
			return
		}
		s.sendDraft(answer)
	case ws.ActionClear:
		if err := run.ClearResponse(); err != nil {
			s.sendFor(err)
			return
		}
		s.sendDraft(nil)
	case ws.ActionSaveNext:
		moved(run.SaveAndNext())
	case ws.ActionMarkNext:
		moved(run.MarkAndNext())
	case ws.ActionSaveNavigate:
		if req.Index == nil {
			s.sendError(response.ErrInvalidPayload)
			return
		}
		moved(run.SaveAndNavigate(*req.Index))
	case ws.ActionToggleMark:
		if _, err := run.ToggleMark(); err != nil {
			s.sendFor(err)
		}

	case ws.ActionPause:
		if _, err := run.Pause(); err != nil {
			s.sendFor(err)
		}
	case ws.ActionResume:
		moved(run.Resume())
	case ws.ActionLanguage:
		if _, err := run.SelectLanguage(req.Language); err != nil {
			s.sendFor(err)
		}

	case ws.ActionReview:
		s.send(ws.EventReview, run.Review())
	case ws.ActionSubmit:
		s.submit(req.Confirmed)

	case ws.ActionSignal:
		sig, err := resilience.ParseSignal(req.Signal)
		if err != nil {
			s.sendError(response.ErrInvalidPayload)
			return
		}
		run.Signal(sig)
	case ws.ActionFullscreenFail:
		run.ReportFullscreenFailure(req.Reason)

	default:
		s.log.Warn().Str("action", string(req.Action)).Msg("Unknown action")
		s.sendError(response.ErrUnknownAction)
	}
}

func (s *wsSession) submit(confirmed bool) {
	// Detached from the connection: a disconnect must not cut the handoff.
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	res, err := s.la.Attempt().Submit(ctx, confirmed)
	switch {
	case errors.Is(err, submission.ErrConfirmationRequired):
		s.send(ws.EventReview, s.la.Attempt().Review())
	case res.SinkErr != nil:
		s.sendError(response.ErrSubmissionHandoff)
	case err != nil:
		s.sendFor(err)
	}
}

// tickPayload reports the countdown as the client should render it.
func tickPayload(run *attempt.Attempt) ws.TickPayload {
	remaining := run.Remaining()
	return ws.TickPayload{Remaining: remaining, Severity: string(run.Severity(remaining))}
}
