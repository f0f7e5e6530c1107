package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-engine/internal/middleware"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/palette"
	"github.com/stemsi/exstem-engine/internal/repository"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/service"
	"github.com/stemsi/exstem-engine/internal/submission"
	"github.com/stemsi/exstem-engine/internal/validator"
)

// contextKeyAttempt is the Gin context key for the resolved live attempt.
const contextKeyAttempt = "attempt"

// AttemptHandler serves the REST side of an exam attempt.
type AttemptHandler struct {
	svc *service.AttemptService
	log zerolog.Logger
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(svc *service.AttemptService, log zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		svc: svc,
		log: log.With().Str("component", "attempt_handler").Logger(),
	}
}

// ─── Views ──────────────────────────────────────────────────────────────────

// outlineQuestion is what a candidate may know about a question up front.
type outlineQuestion struct {
	ID    string             `json:"id"`
	Index int                `json:"index"`
	Type  model.QuestionType `json:"type"`
}

type outlineSection struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Questions []outlineQuestion `json:"questions"`
}

// examOutline is the exam structure without content or answer keys.
type examOutline struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	DurationSeconds int              `json:"duration_seconds"`
	Languages       []string         `json:"languages"`
	Sections        []outlineSection `json:"sections"`
}

func outlineOf(cfg *model.ExamConfig) examOutline {
	out := examOutline{
		ID:              cfg.ID,
		Title:           cfg.Title,
		DurationSeconds: cfg.DurationSeconds(),
		Languages:       cfg.Languages,
		Sections:        make([]outlineSection, 0, len(cfg.Sections)),
	}
	idx := 0
	for _, s := range cfg.Sections {
		sec := outlineSection{ID: s.ID, Name: s.Name, Questions: make([]outlineQuestion, 0, len(s.Questions))}
		for _, q := range s.Questions {
			sec.Questions = append(sec.Questions, outlineQuestion{ID: q.ID, Index: idx, Type: q.Type})
			idx++
		}
		out.Sections = append(out.Sections, sec)
	}
	return out
}

type stateView struct {
	AttemptID  string         `json:"attempt_id"`
	Snapshot   model.Snapshot `json:"snapshot"`
	Stats      model.Stats    `json:"stats"`
	Remaining  int            `json:"remaining_seconds"`
	TimerState string         `json:"timer_state"`
	Draft      model.Answer   `json:"draft"`
}

type startView struct {
	stateView
	Exam examOutline `json:"exam"`
}

func stateOf(la *service.LiveAttempt) stateView {
	run := la.Attempt()
	return stateView{
		AttemptID:  la.ID,
		Snapshot:   run.Snapshot(),
		Stats:      run.Stats(),
		Remaining:  run.Remaining(),
		TimerState: string(run.TimerState()),
		Draft:      run.Draft(),
	}
}

type paletteView struct {
	Current  palette.View             `json:"current"`
	Sections []palette.SectionSummary `json:"sections"`
}

type submitRequest struct {
	Confirmed bool `json:"confirmed"`
}

// ─── Middleware ─────────────────────────────────────────────────────────────

// LoadAttempt resolves :attempt_id for the authenticated candidate.
func (h *AttemptHandler) LoadAttempt() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := middleware.GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		la, err := h.svc.Get(c.Request.Context(), c.Param("attempt_id"), claims.CandidateID)
		if err != nil {
			if abort(c, err) {
				h.log.Error().Err(err).Str("attempt_id", c.Param("attempt_id")).Msg("Load attempt failed")
			}
			return
		}
		c.Set(contextKeyAttempt, la)
		c.Next()
	}
}

func attemptFrom(c *gin.Context) *service.LiveAttempt {
	v, _ := c.Get(contextKeyAttempt)
	la, _ := v.(*service.LiveAttempt)
	return la
}

// ─── Endpoints ──────────────────────────────────────────────────────────────

// StartAttempt godoc
// POST /api/v1/candidate/exams/:exam_id/attempts
// Creates the candidate's attempt or resumes it from its checkpoint.
func (h *AttemptHandler) StartAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	examID := c.Param("exam_id")

	la, err := h.svc.Start(c.Request.Context(), examID, claims.CandidateID)
	if err != nil {
		if fail(c, err) {
			h.log.Error().Err(err).Str("exam_id", examID).Msg("Start attempt failed")
		}
		return
	}

	response.Success(c, http.StatusOK, startView{
		stateView: stateOf(la),
		Exam:      outlineOf(la.Attempt().Config()),
	})
}

// GetState godoc
// GET /api/v1/candidate/attempts/:attempt_id/state
func (h *AttemptHandler) GetState(c *gin.Context) {
	response.Success(c, http.StatusOK, stateOf(attemptFrom(c)))
}

// GetPalette godoc
// GET /api/v1/candidate/attempts/:attempt_id/palette?section=N
// Without a section the current question's section is shown.
func (h *AttemptHandler) GetPalette(c *gin.Context) {
	run := attemptFrom(c).Attempt()

	view := run.Palette()
	if raw := c.Query("section"); raw != "" {
		section, err := strconv.Atoi(raw)
		if err != nil || section < 0 || section >= len(run.Config().Sections) {
			response.Fail(c, http.StatusBadRequest, response.ErrInvalidPayload)
			return
		}
		view = palette.ForSection(run.Config(), run.Snapshot(), section)
	}

	response.Success(c, http.StatusOK, paletteView{Current: view, Sections: run.Overview()})
}

// GetReview godoc
// GET /api/v1/candidate/attempts/:attempt_id/review
func (h *AttemptHandler) GetReview(c *gin.Context) {
	response.Success(c, http.StatusOK, attemptFrom(c).Attempt().Review())
}

// GetQuestion godoc
// GET /api/v1/candidate/attempts/:attempt_id/questions/:index
// Renders one question with its shared content.
func (h *AttemptHandler) GetQuestion(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	rendered, err := h.svc.RenderQuestion(c.Request.Context(), attemptFrom(c), index)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, rendered)
}

// Submit godoc
// POST /api/v1/candidate/attempts/:attempt_id/submit
// Unconfirmed submits with unresolved questions answer 409 with the review.
func (h *AttemptHandler) Submit(c *gin.Context) {
	var req submitRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	la := attemptFrom(c)
	res, err := la.Attempt().Submit(c.Request.Context(), req.Confirmed)
	switch {
	case errors.Is(err, submission.ErrConfirmationRequired):
		response.FailWithData(c, http.StatusConflict, response.ErrConfirmationRequired, la.Attempt().Review())
		return
	case res.SinkErr != nil:
		// The session is submitted; only the handoff is delayed.
		h.log.Error().Err(res.SinkErr).Str("attempt_id", la.ID).Msg("Submission handoff failed")
		response.FailWithData(c, http.StatusAccepted, response.ErrSubmissionHandoff, res)
		return
	case err != nil:
		if fail(c, err) {
			h.log.Error().Err(err).Str("attempt_id", la.ID).Msg("Submit failed")
		}
		return
	}
	response.Success(c, http.StatusOK, res)
}

// GetResult godoc
// GET /api/v1/candidate/attempts/:attempt_id/result
// The result lookup does not restore the attempt, so it works after submit.
func (h *AttemptHandler) GetResult(c *gin.Context) {
	claims := middleware.GetClaims(c)
	rec, err := h.svc.Result(c.Request.Context(), c.Param("attempt_id"))
	if errors.Is(err, repository.ErrNotSubmitted) {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Result lookup failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	if rec.CandidateID != claims.CandidateID {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
		return
	}
	response.Success(c, http.StatusOK, rec)
}
