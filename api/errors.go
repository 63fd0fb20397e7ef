package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xraph/entitle"
)

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Error     string       `json:"error"`
	Fields    []fieldError `json:"fields,omitempty"`
	Retryable bool         `json:"retryable,omitempty"`
	RequestID string       `json:"request_id,omitempty"`
}

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// statusFor maps an engine error onto an HTTP status. Order matters: the
// more specific sentinels are checked before the classifiers that include
// them.
func statusFor(err error) int {
	switch {
	case errors.Is(err, entitle.ErrMaterializationIncomplete):
		return http.StatusAccepted
	case errors.Is(err, entitle.ErrInvalidSignature),
		errors.Is(err, entitle.ErrInvalidInput),
		errors.Is(err, entitle.ErrInvalidQuantity):
		return http.StatusBadRequest
	case entitle.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, entitle.ErrAmountMismatch),
		errors.Is(err, entitle.ErrInvalidTransition),
		errors.Is(err, entitle.ErrServiceNotInEntitlement):
		return http.StatusUnprocessableEntity
	case entitle.IsRejected(err):
		return http.StatusConflict
	case errors.Is(err, entitle.ErrNoGateway),
		entitle.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	body := errorBody{
		Error:     err.Error(),
		Retryable: entitle.IsRetryable(err),
		RequestID: RequestIDFrom(c),
	}

	switch status {
	case http.StatusAccepted:
		body.Error = "payment received, processing"
	case http.StatusInternalServerError:
		h.logger.Error("request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"request_id", body.RequestID,
			"error", err,
		)
		body.Error = "internal error"
	}

	var me entitle.MultiError
	if errors.As(err, &me) {
		for _, e := range me.Errors {
			var ve entitle.ValidationError
			if errors.As(e, &ve) {
				body.Fields = append(body.Fields, fieldError{Field: ve.Field, Message: ve.Message})
			}
		}
	} else {
		var ve entitle.ValidationError
		if errors.As(err, &ve) {
			body.Fields = []fieldError{{Field: ve.Field, Message: ve.Message}}
		}
	}

	if status >= http.StatusBadRequest && status < http.StatusInternalServerError {
		h.logger.Debug("request rejected",
			slog.String("path", c.FullPath()),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: msg, RequestID: RequestIDFrom(c)})
}
