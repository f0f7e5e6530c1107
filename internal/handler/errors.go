package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stemsi/exstem-engine/internal/attempt"
	"github.com/stemsi/exstem-engine/internal/engine"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/service"
	"github.com/stemsi/exstem-engine/internal/submission"
)

// classify maps domain errors onto an HTTP status and API error code.
func classify(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, service.ErrAttemptNotFound):
		return http.StatusNotFound, response.ErrAttemptNotFound
	case errors.Is(err, service.ErrNotAttemptOwner):
		return http.StatusForbidden, response.ErrForbidden
	case errors.Is(err, service.ErrAlreadySubmitted), errors.Is(err, engine.ErrSubmitted):
		return http.StatusConflict, response.ErrAlreadySubmitted
	case errors.Is(err, service.ErrExamUnavailable):
		return http.StatusNotFound, response.ErrExamNotAvailable
	case errors.Is(err, service.ErrQuestionRange), errors.Is(err, engine.ErrOutOfRange):
		return http.StatusBadRequest, response.ErrQuestionOutOfRange
	case errors.Is(err, model.ErrInvalidAnswer):
		return http.StatusBadRequest, response.ErrInvalidAnswer
	case errors.Is(err, submission.ErrConfirmationRequired):
		return http.StatusConflict, response.ErrConfirmationRequired
	case errors.Is(err, attempt.ErrNotRunning),
		errors.Is(err, attempt.ErrClosed),
		errors.Is(err, engine.ErrNotStarted),
		errors.Is(err, engine.ErrPaused):
		return http.StatusConflict, response.ErrSessionNotRunning
	case errors.Is(err, engine.ErrAlreadyStarted),
		errors.Is(err, engine.ErrNotPaused),
		errors.Is(err, engine.ErrUnknownQuestion),
		errors.Is(err, engine.ErrNotVisited),
		errors.Is(err, engine.ErrUnsupportedLanguage),
		errors.Is(err, engine.ErrInvalidRemaining):
		return http.StatusConflict, response.ErrCommandRejected
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}

// fail writes the envelope for err and reports whether it was a server fault.
func fail(c *gin.Context, err error) bool {
	status, code := classify(err)
	response.Fail(c, status, code)
	return status >= http.StatusInternalServerError
}

// abort is fail for middleware.
func abort(c *gin.Context, err error) bool {
	status, code := classify(err)
	response.AbortFail(c, status, code)
	return status >= http.StatusInternalServerError
}
