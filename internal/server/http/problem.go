package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "edgeai/internal/errors"
)

// Problem is an RFC 7807 error body.
type Problem struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail,omitempty"`
	Instance      string `json:"instance,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

const problemContentType = "application/problem+json"

func writeProblem(c *gin.Context, status int, kind, detail string) {
	p := Problem{
		Type:          "/problems/" + kind,
		Title:         http.StatusText(status),
		Status:        status,
		Detail:        detail,
		Instance:      c.Request.URL.Path,
		CorrelationID: c.GetString(correlationKey),
	}
	c.Header("Content-Type", problemContentType)
	c.AbortWithStatusJSON(status, p)
}

// writeError maps err onto a status through the error taxonomy.
func (s *Server) writeError(c *gin.Context, err error) {
	kind := apperrors.Kind(err)
	status := statusFor(err)
	if errors.Is(err, apperrors.ErrClosed) {
		kind = "closed"
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("HTTP %d %s %s: %v", status, c.Request.Method, c.Request.URL.Path, err)
	}
	writeProblem(c, status, kind, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrResourceExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, apperrors.ErrQueueTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, apperrors.ErrClosed), errors.Is(err, apperrors.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
