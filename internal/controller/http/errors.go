package http

import (
	"errors"
	"net/http"

	"github.com/vadim/neo-inbox/internal/domain/inbox/entity"
	"github.com/vadim/neo-inbox/internal/httpx/response"
	"github.com/vadim/neo-inbox/internal/httpx/upstream/gateway"
)

// handleInboxError maps domain errors to HTTP responses
func handleInboxError(w http.ResponseWriter, err error) {
	var apiErr *gateway.APIError
	switch {
	case errors.Is(err, entity.ErrConversationNotFound),
		errors.Is(err, entity.ErrMessageNotFound):
		response.NotFound(w, rootMessage(err))
	case errors.Is(err, entity.ErrEmptyMessage),
		errors.Is(err, entity.ErrMessageTooLong),
		errors.Is(err, entity.ErrMediaRequired),
		errors.Is(err, entity.ErrInvalidSendRequest),
		errors.Is(err, entity.ErrInvalidStatus),
		errors.Is(err, entity.ErrInvalidAttendantType),
		errors.Is(err, entity.ErrWorkspaceRequired):
		response.BadRequest(w, rootMessage(err))
	case errors.Is(err, entity.ErrSessionClosed),
		errors.Is(err, entity.ErrNotRetryable):
		response.Error(w, http.StatusConflict, rootMessage(err))
	case errors.Is(err, entity.ErrRefreshThrottled):
		response.Error(w, http.StatusTooManyRequests, rootMessage(err))
	case errors.As(err, &apiErr):
		response.Error(w, http.StatusBadGateway, apiErr.Message)
	default:
		response.InternalError(w, "internal server error")
	}
}

// rootMessage returns the message of the innermost wrapped error
func rootMessage(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
