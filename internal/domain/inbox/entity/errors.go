package entity

import "errors"

// Domain errors for the inbox
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrEmptyMessage         = errors.New("message text cannot be empty")
	ErrMessageTooLong       = errors.New("message exceeds maximum length")
	ErrMediaRequired        = errors.New("media url is required for this message type")
	ErrInvalidSendRequest   = errors.New("invalid send request")
	ErrInvalidStatus        = errors.New("invalid conversation status")
	ErrInvalidAttendantType = errors.New("invalid attendant type")
	ErrWorkspaceRequired    = errors.New("workspace id is required")
	ErrWorkspaceMismatch    = errors.New("event belongs to another workspace")
	ErrMalformedEvent       = errors.New("malformed realtime event")
	ErrSessionClosed        = errors.New("session is closed")
	ErrRefreshThrottled     = errors.New("refresh requested too soon")
	ErrNotRetryable         = errors.New("message is not in a retryable state")
)
