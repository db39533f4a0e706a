package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vadim/neo-inbox/internal/domain/inbox/entity"
	"github.com/vadim/neo-inbox/internal/domain/inbox/policy"
	"github.com/vadim/neo-inbox/internal/httpx/response"
)

// InboxSession defines the conversation list operations exposed over HTTP
type InboxSession interface {
	Open(ctx context.Context, workspaceID string) error
	Search(ctx context.Context, query string) error
	LoadMore(ctx context.Context) error
	Refresh(ctx context.Context) error
	Snapshot() policy.Snapshot
	Watch() (<-chan struct{}, func())
	CreateConversation(ctx context.Context, in entity.CreateConversationInput) (*entity.Conversation, error)
	SendMessage(ctx context.Context, conversationID string, req entity.SendRequest) (entity.Message, error)
	RetryMessage(ctx context.Context, tempID string) (entity.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	UpdateStatus(ctx context.Context, conversationID string, status entity.ConversationStatus) error
	AssignAgent(ctx context.Context, conversationID, agentID, agentName string) error
	UpdateTags(ctx context.Context, conversationID string, tags []string) error
	UpdateAttendantType(ctx context.Context, conversationID string, t entity.AttendantType) error
	MarkAsRead(ctx context.Context, conversationID string) error
	ClearHistory(ctx context.Context, conversationID string) error
	DeleteConversation(ctx context.Context, conversationID string) error
}

// InboxHandler handles HTTP requests for the conversation list
type InboxHandler struct {
	session InboxSession
	stream  *StreamHandler
}

// NewInboxHandler creates a new inbox handler
func NewInboxHandler(session InboxSession, stream *StreamHandler) *InboxHandler {
	return &InboxHandler{session: session, stream: stream}
}

// RegisterRoutes registers inbox routes
func (h *InboxHandler) RegisterRoutes(r chi.Router) {
	r.Route("/inbox", func(r chi.Router) {
		r.Post("/open", h.Open())

		r.Get("/conversations", h.GetConversations())
		r.Get("/conversations/search", h.SearchConversations())
		r.Post("/conversations/load-more", h.LoadMore())
		r.Post("/conversations/refresh", h.Refresh())
		r.Post("/conversations", h.CreateConversation())

		r.Route("/conversations/{conversationId}", func(r chi.Router) {
			r.Patch("/status", h.UpdateStatus())
			r.Patch("/assignee", h.AssignAgent())
			r.Patch("/tags", h.UpdateTags())
			r.Patch("/attendant-type", h.UpdateAttendantType())
			r.Post("/read", h.MarkAsRead())
			r.Delete("/", h.DeleteConversation())

			r.Post("/messages", h.SendMessage())
			r.Delete("/messages", h.ClearHistory())
			r.Post("/messages/{messageId}/retry", h.RetryMessage())
		})

		r.Delete("/messages/{messageId}", h.DeleteMessage())

		if h.stream != nil {
			r.Get("/stream", h.stream.Serve(h.session.Watch, func() any { return h.session.Snapshot() }))
		}
	})
}

// OpenRequest represents the request body for opening a workspace
type OpenRequest struct {
	WorkspaceID string `json:"workspace_id"`
}

// Open handles POST /inbox/open
func (h *InboxHandler) Open() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req OpenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "invalid request body")
			return
		}
		if req.WorkspaceID == "" {
			response.BadRequest(w, "workspace_id is required")
			return
		}

		// a failed load leaves the error in the snapshot; only a rejected open is fatal
		if err := h.session.Open(r.Context(), req.WorkspaceID); err != nil &&
			(errors.Is(err, entity.ErrSessionClosed) || errors.Is(err, entity.ErrWorkspaceRequired)) {
			handleInboxError(w, err)
			return
		}

		response.OK(w, h.session.Snapshot())
	}
}

// GetConversations handles GET /inbox/conversations
func (h *InboxHandler) GetConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.OK(w, h.session.Snapshot())
	}
}

// SearchConversations handles GET /inbox/conversations/search
func (h *InboxHandler) SearchConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := strings.TrimSpace(r.URL.Query().Get("q"))
		if err := h.session.Search(r.Context(), query); err != nil {
			handleInboxError(w, err)
			return
		}
		response.OK(w, h.session.Snapshot())
	}
}

// LoadMore handles POST /inbox/conversations/load-more
func (h *InboxHandler) LoadMore() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.session.LoadMore(r.Context()); err != nil {
			handleInboxError(w, err)
			return
		}
		response.OK(w, h.session.Snapshot())
	}
}

// Refresh handles POST /inbox/conversations/refresh
func (h *InboxHandler) Refresh() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.session.Refresh(r.Context()); err != nil {
			handleInboxError(w, err)
			return
		}
		response.OK(w, h.session.Snapshot())
	}
}

// CreateConversation handles POST /inbox/conversations
func (h *InboxHandler) CreateConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in entity.CreateConversationInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			response.BadRequest(w, "invalid request body")
			return
		}
		if in.ContactPhone == "" {
			response.BadRequest(w, "contact_phone is required")
			return
		}

		conv, err := h.session.CreateConversation(r.Context(), in)
		if err != nil {
			handleInboxError(w, err)
			return
		}
		response.Created(w, conv)
	}
}

// UpdateStatusRequest represents the request body for a status change
type UpdateStatusRequest struct {
	Status entity.ConversationStatus `json:"status"`
}

// UpdateStatus handles PATCH /inbox/conversations/{conversationId}/status
func (h *InboxHandler) UpdateStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req UpdateStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "invalid request body")
			return
		}
		if err := h.session.UpdateStatus(r.Context(), chi.URLParam(r, "conversationId"), req.Status); err != nil {
			handleInboxError(w, err)
			return
		}
		response.NoContent(w)
	}
}

// AssignAgentRequest represents the request body for an assignment
type AssignAgentRequest struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
}

// AssignAgent handles PATCH /inbox/conversations/{conversationId}/assignee
func (h *InboxHandler) AssignAgent() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AssignAgentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "invalid request body")
			return
		}
		if err := h.session.AssignAgent(r.Context(), chi.URLParam(r, "conversationId"), req.AgentID, req.AgentName); err != nil {
			handleInboxError(w, err)
			return
		}
		response.NoContent(w)
	}
}

// UpdateTagsRequest represents the request body for replacing tags
type UpdateTagsRequest struct {
	Tags []string `json:"tags"`
}

// UpdateTags handles PATCH /inbox/conversations/{conversationId}/tags
func (h *InboxHandler) UpdateTags() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req UpdateTagsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "invalid request body")
			return
		}
		if req.Tags == nil {
			req.Tags = []string{}
		}
		if err := h.session.UpdateTags(r.Context(), chi.URLParam(r, "conversationId"), req.Tags); err != nil {
			handleInboxError(w, err)
			return
		}
		response.NoContent(w)
	}
}

// UpdateAttendantTypeRequest represents the request body for switching between bot and human
type UpdateAttendantTypeRequest struct {
	AttendantType entity.AttendantType `json:"attendant_type"`
}

// UpdateAttendantType handles PATCH /inbox/conversations/{conversationId}/attendant-type
func (h *InboxHandler) UpdateAttendantType() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req UpdateAttendantTypeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "invalid request body")
			return
		}
		if err := h.session.UpdateAttendantType(r.Context(), chi.URLParam(r, "conversationId"), req.AttendantType); err != nil {
			handleInboxError(w, err)
			return
		}
		response.NoContent(w)
	}
}

// MarkAsRead handles POST /inbox/conversations/{conversationId}/read
func (h *InboxHandler) MarkAsRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.session.MarkAsRead(r.Context(), chi.URLParam(r, "conversationId")); err != nil {
			handleInboxError(w, err)
			return
		}
		response.NoContent(w)
	}
}

// ClearHistory handles DELETE /inbox/conversations/{conversationId}/messages
func (h *InboxHandler) ClearHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.session.ClearHistory(r.Context(), chi.URLParam(r, "conversationId")); err != nil {
			handleInboxError(w, err)
			return
		}
		response.NoContent(w)
	}
}

// DeleteConversation handles DELETE /inbox/conversations/{conversationId}
func (h *InboxHandler) DeleteConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.session.DeleteConversation(r.Context(), chi.URLParam(r, "conversationId")); err != nil {
			handleInboxError(w, err)
			return
		}
		response.NoContent(w)
	}
}

// SendMessage handles POST /inbox/conversations/{conversationId}/messages
func (h *InboxHandler) SendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeSendRequest(w, r)
		if !ok {
			return
		}

		msg, err := h.session.SendMessage(r.Context(), chi.URLParam(r, "conversationId"), req)
		if err != nil {
			handleInboxError(w, err)
			return
		}
		response.Created(w, msg)
	}
}

// RetryMessage handles POST /inbox/conversations/{conversationId}/messages/{messageId}/retry
func (h *InboxHandler) RetryMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := h.session.RetryMessage(r.Context(), chi.URLParam(r, "messageId"))
		if err != nil {
			handleInboxError(w, err)
			return
		}
		response.OK(w, msg)
	}
}

// DeleteMessage handles DELETE /inbox/messages/{messageId}
func (h *InboxHandler) DeleteMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.session.DeleteMessage(r.Context(), chi.URLParam(r, "messageId")); err != nil {
			handleInboxError(w, err)
			return
		}
		response.NoContent(w)
	}
}

// SendMessageRequest represents the request body for sending any kind of message
type SendMessageRequest struct {
	ContentType     entity.ContentType `json:"content_type"`
	Text            string             `json:"text"`
	MediaURL        string             `json:"media_url"`
	MimeType        string             `json:"mime_type"`
	Caption         string             `json:"caption"`
	FileName        string             `json:"file_name"`
	FileSize        int64              `json:"file_size"`
	Duration        int                `json:"duration"`
	QuotedMessageID string             `json:"quoted_message_id"`
}

// decodeSendRequest parses and validates a send body, writing a 400 on failure
func decodeSendRequest(w http.ResponseWriter, r *http.Request) (entity.SendRequest, bool) {
	var body SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		response.BadRequest(w, "invalid request body")
		return nil, false
	}

	req, err := entity.SendRequestFor(body.ContentType, body.Text, entity.Media{
		URL:             body.MediaURL,
		MimeType:        body.MimeType,
		Caption:         body.Caption,
		FileName:        body.FileName,
		Size:            body.FileSize,
		QuotedMessageID: body.QuotedMessageID,
	}, body.Duration)
	if err != nil {
		response.BadRequest(w, err.Error())
		return nil, false
	}
	if err := req.Validate(); err != nil {
		response.BadRequest(w, err.Error())
		return nil, false
	}
	return req, true
}
