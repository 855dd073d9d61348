package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"geoledger/internal/domain"
)

// StatusFor maps a core error to its HTTP status.
func StatusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindInvalidRequest:
		return http.StatusBadRequest
	case domain.KindInactive:
		if errors.Is(err, domain.ErrSpaceDeactivated) {
			return http.StatusMethodNotAllowed
		}
		return http.StatusPreconditionRequired
	case domain.KindPreconditionFailed:
		return http.StatusPreconditionFailed
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Type    string              `json:"type"`
	Error   string              `json:"error"`
	Message string              `json:"errorMessage"`
	Failed  []domain.FailedItem `json:"failed,omitempty"`
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := StatusFor(err)
	body := errorResponse{Type: "ErrorResponse", Error: domain.KindOf(err).String(), Message: err.Error()}
	var de *domain.Error
	if errors.As(err, &de) {
		body.Failed = de.Failed
	}
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithField("route", c.FullPath()).Error("request failed")
		body.Message = http.StatusText(status)
	}
	c.AbortWithStatusJSON(status, body)
}
