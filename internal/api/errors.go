package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/apperror"
)

// StatusClientClosed is reported when the caller went away mid-request.
const StatusClientClosed = 499

var statusByKind = map[apperror.Kind]int{
	apperror.KindUnknownTaskType:     http.StatusBadRequest,
	apperror.KindValidationFailed:    http.StatusBadRequest,
	apperror.KindBudgetExceeded:      http.StatusPaymentRequired,
	apperror.KindNotFound:            http.StatusNotFound,
	apperror.KindWorkflowBusy:        http.StatusConflict,
	apperror.KindInvalidState:        http.StatusConflict,
	apperror.KindPrerequisiteMissing: http.StatusUnprocessableEntity,
	apperror.KindIterationCapReached: http.StatusUnprocessableEntity,
	apperror.KindModelInvocation:     http.StatusBadGateway,
	apperror.KindModelUnavailable:    http.StatusServiceUnavailable,
	apperror.KindCanceled:            StatusClientClosed,
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Stage         string `json:"stage,omitempty"`
	ReservationID string `json:"reservation_id,omitempty"`
	Retryable     bool   `json:"retryable,omitempty"`
}

// writeError maps err to a status by its kind. Errors without a kind are
// reported as internal and their text is not exposed.
func writeError(c *gin.Context, err error) {
	var ae *apperror.Error
	if !errors.As(err, &ae) {
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
			Error:   string(apperror.KindInternal),
			Message: "internal error",
		})
		return
	}

	status, ok := statusByKind[ae.Kind]
	if !ok {
		status = http.StatusInternalServerError
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:         string(ae.Kind),
		Message:       ae.Message,
		Stage:         string(ae.Stage),
		ReservationID: ae.ReservationID,
		Retryable:     ae.Retryable,
	})
}

func badRequest(c *gin.Context, msg string) {
	writeError(c, apperror.New(apperror.KindValidationFailed, msg))
}
