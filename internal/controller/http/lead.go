package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vadim/neo-inbox/internal/domain/inbox/entity"
	"github.com/vadim/neo-inbox/internal/httpx/response"
)

// ConversationViewer defines the single-conversation operations of a lead page
type ConversationViewer interface {
	Load(ctx context.Context, leadID string) (*entity.Conversation, error)
	Conversation() (entity.Conversation, bool)
	Refresh(ctx context.Context) error
	ChangeStatus(ctx context.Context, status entity.ConversationStatus) error
	MarkAsResolved(ctx context.Context) error
	ClearHistory(ctx context.Context) error
	DeleteConversation(ctx context.Context) error
	DeleteMessage(ctx context.Context, messageID string) error
	SendMessage(ctx context.Context, req entity.SendRequest) (entity.Message, error)
	Watch() (<-chan struct{}, func())
}

// LeadHandler handles HTTP requests for the conversation of a lead
type LeadHandler struct {
	view   ConversationViewer
	stream *StreamHandler
}

// NewLeadHandler creates a new lead conversation handler
func NewLeadHandler(view ConversationViewer, stream *StreamHandler) *LeadHandler {
	return &LeadHandler{view: view, stream: stream}
}

// RegisterRoutes registers lead conversation routes
func (h *LeadHandler) RegisterRoutes(r chi.Router) {
	r.Route("/leads/{leadId}/conversation", func(r chi.Router) {
		r.Get("/", h.GetConversation())
		r.Post("/refresh", h.Refresh())
		r.Patch("/status", h.ChangeStatus())
		r.Post("/resolve", h.Resolve())
		r.Delete("/", h.DeleteConversation())

		r.Post("/messages", h.SendMessage())
		r.Delete("/messages", h.ClearHistory())
		r.Delete("/messages/{messageId}", h.DeleteMessage())

		if h.stream != nil {
			r.Get("/stream", h.Stream())
		}
	})
}

// GetConversation handles GET /leads/{leadId}/conversation
func (h *LeadHandler) GetConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, err := h.view.Load(r.Context(), chi.URLParam(r, "leadId"))
		if err != nil {
			handleInboxError(w, err)
			return
		}
		if conv == nil {
			response.NotFound(w, entity.ErrConversationNotFound.Error())
			return
		}
		response.OK(w, conv)
	}
}

// Refresh handles POST /leads/{leadId}/conversation/refresh
func (h *LeadHandler) Refresh() http.HandlerFunc {
	return h.action(func(ctx context.Context, _ *http.Request) error {
		return h.view.Refresh(ctx)
	}, true)
}

// ChangeStatus handles PATCH /leads/{leadId}/conversation/status
func (h *LeadHandler) ChangeStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req UpdateStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "invalid request body")
			return
		}
		h.action(func(ctx context.Context, _ *http.Request) error {
			return h.view.ChangeStatus(ctx, req.Status)
		}, true)(w, r)
	}
}

// Resolve handles POST /leads/{leadId}/conversation/resolve
func (h *LeadHandler) Resolve() http.HandlerFunc {
	return h.action(func(ctx context.Context, _ *http.Request) error {
		return h.view.MarkAsResolved(ctx)
	}, true)
}

// ClearHistory handles DELETE /leads/{leadId}/conversation/messages
func (h *LeadHandler) ClearHistory() http.HandlerFunc {
	return h.action(func(ctx context.Context, _ *http.Request) error {
		return h.view.ClearHistory(ctx)
	}, false)
}

// DeleteConversation handles DELETE /leads/{leadId}/conversation
func (h *LeadHandler) DeleteConversation() http.HandlerFunc {
	return h.action(func(ctx context.Context, _ *http.Request) error {
		return h.view.DeleteConversation(ctx)
	}, false)
}

// DeleteMessage handles DELETE /leads/{leadId}/conversation/messages/{messageId}
func (h *LeadHandler) DeleteMessage() http.HandlerFunc {
	return h.action(func(ctx context.Context, r *http.Request) error {
		return h.view.DeleteMessage(ctx, chi.URLParam(r, "messageId"))
	}, false)
}

// SendMessage handles POST /leads/{leadId}/conversation/messages
func (h *LeadHandler) SendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeSendRequest(w, r)
		if !ok {
			return
		}
		if err := h.follow(r.Context(), chi.URLParam(r, "leadId")); err != nil {
			handleInboxError(w, err)
			return
		}

		msg, err := h.view.SendMessage(r.Context(), req)
		if err != nil {
			handleInboxError(w, err)
			return
		}
		response.Created(w, msg)
	}
}

// Stream handles GET /leads/{leadId}/conversation/stream
func (h *LeadHandler) Stream() http.HandlerFunc {
	serve := h.stream.Serve(h.view.Watch, func() any {
		conv, ok := h.view.Conversation()
		if !ok {
			return nil
		}
		return conv
	})
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.follow(r.Context(), chi.URLParam(r, "leadId")); err != nil {
			handleInboxError(w, err)
			return
		}
		serve(w, r)
	}
}

// action runs fn against the conversation of the lead in the URL.
// When withBody is set the current conversation is returned, otherwise 204.
func (h *LeadHandler) action(fn func(ctx context.Context, r *http.Request) error, withBody bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.follow(r.Context(), chi.URLParam(r, "leadId")); err != nil {
			handleInboxError(w, err)
			return
		}
		if err := fn(r.Context(), r); err != nil {
			handleInboxError(w, err)
			return
		}
		if !withBody {
			response.NoContent(w)
			return
		}
		conv, ok := h.view.Conversation()
		if !ok {
			response.NoContent(w)
			return
		}
		response.OK(w, conv)
	}
}

// follow makes sure the view is on the conversation of leadID
func (h *LeadHandler) follow(ctx context.Context, leadID string) error {
	if conv, ok := h.view.Conversation(); ok && conv.LeadID == leadID {
		return nil
	}
	conv, err := h.view.Load(ctx, leadID)
	if err != nil {
		return err
	}
	if conv == nil {
		return entity.ErrConversationNotFound
	}
	return nil
}
