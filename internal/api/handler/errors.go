package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/catalogsync/internal/domain"
	"github.com/timmy/catalogsync/internal/logger"
	"github.com/timmy/catalogsync/internal/syncerr"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	// Job is the conflicting job on 409 responses.
	Job *domain.SyncJob `json:"job,omitempty"`
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, syncerr.ErrJobNotFound):
		return http.StatusNotFound
	case syncerr.IsValidation(err):
		return http.StatusBadRequest
	case syncerr.IsBusy(err), errors.Is(err, syncerr.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error, job *domain.SyncJob) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.FromContext(c.Request.Context()).WithError(err).Error("Request failed")
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Job: job})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
}
