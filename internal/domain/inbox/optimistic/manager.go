package optimistic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vadim/neo-inbox/internal/domain/inbox/entity"
	"github.com/vadim/neo-inbox/internal/domain/inbox/store"
	"github.com/vadim/neo-inbox/pkg/metrics"
)

// Backend is the subset of the backend contract used for local-first mutations
type Backend interface {
	Send(ctx context.Context, conversationID, workspaceID string, req entity.SendRequest) (*entity.SendResult, error)
	DeleteMessage(ctx context.Context, messageID, workspaceID string) error
	UpdateConversation(ctx context.Context, id string, u entity.ConversationUpdate) error
	DeleteConversation(ctx context.Context, id string) error
	ClearConversationHistory(ctx context.Context, id string) error
	MarkMessagesRead(ctx context.Context, conversationID string) error
}

// DefaultRetryWindow is how long a failed send stays retryable
const DefaultRetryWindow = 30 * time.Minute

// MutationState is the lifecycle of an optimistic send
type MutationState string

const (
	MutationPending   MutationState = "pending"
	MutationConfirmed MutationState = "confirmed"
	MutationFailed    MutationState = "failed"
)

// Mutation tracks one optimistic send from placeholder to confirmation
type Mutation struct {
	TempID         string
	MessageID      string
	ConversationID string
	WorkspaceID    string
	Request        entity.SendRequest
	Placeholder    entity.Message
	State          MutationState
	Err            error
	CreatedAt      time.Time
	FailedAt       time.Time
}

var errNoMessageID = errors.New("backend returned no message id")

// Manager applies user actions to the store before the backend confirms them
// and reconciles or rolls back once it answers.
type Manager struct {
	store       *store.Store
	backend     Backend
	now         func() time.Time
	newID       func(time.Time) string
	loc         *time.Location
	retryWindow time.Duration
	logger      *zap.Logger

	mu        sync.Mutex
	mutations map[string]*Mutation
}

// Option configures a Manager
type Option func(*Manager)

// WithClock overrides the clock used for placeholder timestamps
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithIDGenerator overrides the temporary id generator
func WithIDGenerator(gen func(time.Time) string) Option {
	return func(m *Manager) {
		m.newID = gen
	}
}

// WithLocation sets the location of display timestamps
func WithLocation(loc *time.Location) Option {
	return func(m *Manager) {
		m.loc = loc
	}
}

// WithRetryWindow sets how long failed sends are kept for Retry
func WithRetryWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retryWindow = d
		}
	}
}

// New creates a mutation manager
func New(s *store.Store, backend Backend, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		store:       s,
		backend:     backend,
		now:         time.Now,
		newID:       TempID,
		loc:         time.UTC,
		retryWindow: DefaultRetryWindow,
		logger:      logger.Named("optimistic"),
		mutations:   make(map[string]*Mutation),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TempID builds a temporary message id from the send time
func TempID(now time.Time) string {
	return fmt.Sprintf("%s%d-%s", entity.TempIDPrefix, now.UnixMilli(), uuid.NewString()[:8])
}

// SendMessage appends a sending placeholder, dispatches req and reconciles the placeholder
// with the server copy. On failure the placeholder stays visible with status error.
func (m *Manager) SendMessage(ctx context.Context, workspaceID, conversationID string, req entity.SendRequest) (entity.Message, error) {
	if req == nil {
		return entity.Message{}, entity.ErrInvalidSendRequest
	}
	if err := req.Validate(); err != nil {
		return entity.Message{}, err
	}
	if !m.store.Has(conversationID) {
		return entity.Message{}, entity.ErrConversationNotFound
	}

	now := m.now()
	msg := entity.Message{
		ID:             m.newID(now),
		ConversationID: conversationID,
		Type:           entity.MessageTypeSent,
		Status:         entity.MessageStatusSending,
		Read:           true,
		CreatedAt:      now,
		Timestamp:      entity.FormatClock(now, m.loc),
	}
	req.Fill(&msg)

	mut := &Mutation{
		TempID:         msg.ID,
		ConversationID: conversationID,
		WorkspaceID:    workspaceID,
		Request:        req,
		Placeholder:    msg,
		State:          MutationPending,
		CreatedAt:      now,
	}
	m.mu.Lock()
	m.pruneLocked(now)
	m.mutations[msg.ID] = mut
	m.mu.Unlock()
	metrics.RecordMutation("send", string(MutationPending))

	m.store.AppendMessage(conversationID, msg)
	return m.dispatch(ctx, mut)
}

// Retry re-dispatches a failed send, reusing its placeholder
func (m *Manager) Retry(ctx context.Context, tempID string) (entity.Message, error) {
	m.mu.Lock()
	m.pruneLocked(m.now())
	mut, ok := m.mutations[tempID]
	if !ok || mut.State != MutationFailed {
		m.mu.Unlock()
		return entity.Message{}, entity.ErrNotRetryable
	}
	mut.State = MutationPending
	mut.Err = nil
	m.mu.Unlock()
	metrics.RecordMutation("send", string(MutationPending))

	sending := entity.MessageStatusSending
	m.store.PatchMessage(mut.ConversationID, tempID, entity.MessagePatch{Status: &sending})
	return m.dispatch(ctx, mut)
}

func (m *Manager) dispatch(ctx context.Context, mut *Mutation) (entity.Message, error) {
	res, err := m.backend.Send(ctx, mut.ConversationID, mut.WorkspaceID, mut.Request)
	if err == nil && (res == nil || res.MessageID == "") {
		err = errNoMessageID
	}
	if err != nil {
		m.mu.Lock()
		claimed := mut.State == MutationConfirmed
		m.mu.Unlock()
		if claimed {
			// the realtime echo already confirmed this send
			msg, _ := m.store.Message(mut.ConversationID, mut.MessageID)
			return msg, nil
		}
		return m.fail(mut, err)
	}

	confirmed := mut.Placeholder
	confirmed.ID = res.MessageID
	confirmed.Status = entity.MessageStatusSent
	if res.CreatedAt != "" {
		if t, perr := time.Parse(time.RFC3339Nano, res.CreatedAt); perr == nil {
			confirmed.CreatedAt = t
			confirmed.Timestamp = entity.FormatClock(t, m.loc)
		}
	}

	m.mu.Lock()
	delete(m.mutations, mut.TempID)
	mut.State = MutationConfirmed
	mut.MessageID = res.MessageID
	m.mu.Unlock()
	metrics.RecordMutation("send", string(MutationConfirmed))

	m.store.ReplaceMessage(mut.ConversationID, mut.TempID, confirmed)
	m.logger.Debug("message confirmed",
		zap.String("conversation_id", mut.ConversationID),
		zap.String("temp_id", mut.TempID),
		zap.String("message_id", res.MessageID),
	)
	return confirmed, nil
}

func (m *Manager) fail(mut *Mutation, err error) (entity.Message, error) {
	m.mu.Lock()
	mut.State = MutationFailed
	mut.Err = err
	mut.FailedAt = m.now()
	m.mu.Unlock()
	metrics.RecordMutation("send", string(MutationFailed))

	status := entity.MessageStatusError
	m.store.PatchMessage(mut.ConversationID, mut.TempID, entity.MessagePatch{Status: &status})
	m.logger.Warn("failed to send message",
		zap.String("conversation_id", mut.ConversationID),
		zap.String("temp_id", mut.TempID),
		zap.Error(err),
	)

	failed := mut.Placeholder
	failed.Status = entity.MessageStatusError
	return failed, fmt.Errorf("sending message: %w", err)
}

// ClaimPending reconciles a pending placeholder with a server message that arrived
// through realtime before the send call returned. It reports whether a placeholder matched.
func (m *Manager) ClaimPending(conversationID string, msg entity.Message) bool {
	if msg.Type != entity.MessageTypeSent || msg.ID == "" {
		return false
	}

	m.mu.Lock()
	var match *Mutation
	for _, mut := range m.mutations {
		if mut.State != MutationPending || mut.ConversationID != conversationID {
			continue
		}
		if !sameContent(mut.Placeholder, msg) {
			continue
		}
		if match == nil || mut.CreatedAt.Before(match.CreatedAt) {
			match = mut
		}
	}
	if match == nil {
		m.mu.Unlock()
		return false
	}
	delete(m.mutations, match.TempID)
	match.State = MutationConfirmed
	match.MessageID = msg.ID
	m.mu.Unlock()
	metrics.RecordMutation("send", string(MutationConfirmed))

	msg.Status = entity.MessageStatusSent
	m.store.ReplaceMessage(conversationID, match.TempID, msg)
	return true
}

func sameContent(placeholder, msg entity.Message) bool {
	if placeholder.ContentType != msg.ContentType {
		return false
	}
	if placeholder.ContentType == entity.ContentTypeText {
		return placeholder.Text == msg.Text
	}
	return placeholder.MediaURL == msg.MediaURL
}

// Pending returns the tracked sends that are not confirmed, oldest first
func (m *Manager) Pending() []Mutation {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked(m.now())
	out := make([]Mutation, 0, len(m.mutations))
	for _, mut := range m.mutations {
		out = append(out, *mut)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// pruneLocked forgets failed sends older than the retry window.
// Their placeholders stay in the store with status error.
func (m *Manager) pruneLocked(now time.Time) {
	for id, mut := range m.mutations {
		if mut.State == MutationFailed && now.Sub(mut.FailedAt) >= m.retryWindow {
			delete(m.mutations, id)
		}
	}
}

// Reset forgets every tracked mutation
func (m *Manager) Reset() {
	m.mu.Lock()
	m.mutations = make(map[string]*Mutation)
	m.mu.Unlock()
}

// DeleteMessage soft deletes a message locally, then on the backend.
// A backend failure restores the exact previous message and is returned.
func (m *Manager) DeleteMessage(ctx context.Context, workspaceID, messageID string) error {
	conversationID, prev, ok := m.store.FindMessage(messageID)
	if !ok {
		return entity.ErrMessageNotFound
	}

	deleted := entity.MessageTypeDeleted
	m.store.PatchMessage(conversationID, messageID, entity.MessagePatch{Type: &deleted})
	metrics.RecordMutation("delete_message", string(MutationPending))

	if err := m.backend.DeleteMessage(ctx, messageID, workspaceID); err != nil {
		m.store.RestoreMessage(conversationID, prev)
		metrics.RecordMutation("delete_message", string(MutationFailed))
		m.logger.Warn("failed to delete message, rolled back",
			zap.String("message_id", messageID),
			zap.Error(err),
		)
		return fmt.Errorf("deleting message: %w", err)
	}

	metrics.RecordMutation("delete_message", string(MutationConfirmed))
	return nil
}

// DeleteConversation removes a conversation locally, then on the backend.
// A backend failure puts it back at its previous position.
func (m *Manager) DeleteConversation(ctx context.Context, id string) error {
	prev, idx, ok := m.store.RemoveConversation(id)
	metrics.RecordMutation("delete_conversation", string(MutationPending))

	if err := m.backend.DeleteConversation(ctx, id); err != nil {
		if ok {
			m.store.RestoreConversation(prev, idx)
		}
		metrics.RecordMutation("delete_conversation", string(MutationFailed))
		m.logger.Warn("failed to delete conversation, rolled back", zap.String("conversation_id", id), zap.Error(err))
		return fmt.Errorf("deleting conversation: %w", err)
	}

	metrics.RecordMutation("delete_conversation", string(MutationConfirmed))
	return nil
}

// UpdateStatus changes the attendance status
func (m *Manager) UpdateStatus(ctx context.Context, id string, status entity.ConversationStatus) error {
	if !status.Valid() {
		return entity.ErrInvalidStatus
	}
	return m.updateConversation(ctx, "update_status", id,
		entity.ConversationPatch{Status: &status},
		entity.ConversationUpdate{Status: &status},
		func(prev entity.Conversation) entity.ConversationPatch {
			return entity.ConversationPatch{Status: &prev.Status}
		},
	)
}

// UpdateTags replaces the tag list
func (m *Manager) UpdateTags(ctx context.Context, id string, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	return m.updateConversation(ctx, "update_tags", id,
		entity.ConversationPatch{Tags: tags, TagsSet: true},
		entity.ConversationUpdate{Tags: tags, TagsSet: true},
		func(prev entity.Conversation) entity.ConversationPatch {
			return entity.ConversationPatch{Tags: prev.Tags, TagsSet: true}
		},
	)
}

// UpdateAttendantType switches between human and AI attendance
func (m *Manager) UpdateAttendantType(ctx context.Context, id string, t entity.AttendantType) error {
	if !t.Valid() {
		return entity.ErrInvalidAttendantType
	}
	return m.updateConversation(ctx, "update_attendant", id,
		entity.ConversationPatch{AttendantType: &t},
		entity.ConversationUpdate{AttendantType: &t},
		func(prev entity.Conversation) entity.ConversationPatch {
			return entity.ConversationPatch{AttendantType: &prev.AttendantType}
		},
	)
}

func (m *Manager) updateConversation(
	ctx context.Context,
	kind, id string,
	local entity.ConversationPatch,
	remote entity.ConversationUpdate,
	undo func(prev entity.Conversation) entity.ConversationPatch,
) error {
	prev, patched := m.store.PatchConversation(id, local)
	metrics.RecordMutation(kind, string(MutationPending))

	if err := m.backend.UpdateConversation(ctx, id, remote); err != nil {
		if patched {
			m.store.PatchConversation(id, undo(prev))
		}
		metrics.RecordMutation(kind, string(MutationFailed))
		m.logger.Warn("failed to update conversation, rolled back",
			zap.String("kind", kind),
			zap.String("conversation_id", id),
			zap.Error(err),
		)
		return fmt.Errorf("updating conversation: %w", err)
	}

	metrics.RecordMutation(kind, string(MutationConfirmed))
	return nil
}

// AssignAgent assigns the conversation to an agent; an empty agentID unassigns it.
// The store is only updated after the backend accepted the change.
func (m *Manager) AssignAgent(ctx context.Context, id, agentID, agentName string) error {
	if err := m.backend.UpdateConversation(ctx, id, entity.ConversationUpdate{AssignedTo: &agentID}); err != nil {
		metrics.RecordMutation("assign", string(MutationFailed))
		return fmt.Errorf("assigning agent: %w", err)
	}

	if agentName == "" {
		agentName = entity.UnassignedName
	}
	m.store.PatchConversation(id, entity.ConversationPatch{AssignedTo: &agentID, AssignedToName: &agentName})
	metrics.RecordMutation("assign", string(MutationConfirmed))
	return nil
}

// MarkAsRead clears the unread badge locally and persists the read flags
func (m *Manager) MarkAsRead(ctx context.Context, id string) error {
	m.store.MarkConversationMessagesRead(id)

	if err := m.backend.MarkMessagesRead(ctx, id); err != nil {
		metrics.RecordMutation("mark_read", string(MutationFailed))
		m.logger.Warn("failed to mark messages as read", zap.String("conversation_id", id), zap.Error(err))
		return fmt.Errorf("marking messages as read: %w", err)
	}
	metrics.RecordMutation("mark_read", string(MutationConfirmed))
	return nil
}

// ClearHistory deletes every message of a conversation on the backend, then locally
func (m *Manager) ClearHistory(ctx context.Context, id string) error {
	if err := m.backend.ClearConversationHistory(ctx, id); err != nil {
		metrics.RecordMutation("clear_history", string(MutationFailed))
		return fmt.Errorf("clearing history: %w", err)
	}
	m.store.ClearMessages(id)
	metrics.RecordMutation("clear_history", string(MutationConfirmed))
	return nil
}
