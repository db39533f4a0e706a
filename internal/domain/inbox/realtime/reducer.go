package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vadim/neo-inbox/internal/domain/inbox/entity"
	"github.com/vadim/neo-inbox/internal/domain/inbox/store"
	"github.com/vadim/neo-inbox/pkg/metrics"
)

// Event outcomes reported to metrics
const (
	outcomeApplied    = "applied"
	outcomeReconciled = "reconciled"
	outcomeDuplicate  = "duplicate"
	outcomeIgnored    = "ignored"
	outcomeForeign    = "foreign"
	outcomeMalformed  = "malformed"
	outcomeError      = "error"
)

// ConversationFetcher loads the full conversation a push payload only references
type ConversationFetcher interface {
	FetchConversationByID(ctx context.Context, id string) (*entity.Conversation, error)
}

// TotalCounter receives changes of the displayed conversation total
type TotalCounter interface {
	AdjustTotal(delta int)
}

// PendingMatcher reconciles a server message with a local placeholder
type PendingMatcher interface {
	ClaimPending(conversationID string, msg entity.Message) bool
}

// Reducer turns realtime change events into store operations for one active workspace.
// Apply never fails: malformed, foreign and irrelevant events are logged and dropped.
type Reducer struct {
	store   *store.Store
	fetcher ConversationFetcher
	counter TotalCounter
	pending PendingMatcher
	loc     *time.Location
	logger  *zap.Logger

	mu             sync.RWMutex
	workspaceID    string
	conversationID string
}

// Option configures a Reducer
type Option func(*Reducer)

// WithTotalCounter sets the counter adjusted on conversation inserts and deletes
func WithTotalCounter(c TotalCounter) Option {
	return func(r *Reducer) {
		r.counter = c
	}
}

// WithPendingMatcher sets the placeholder matcher consulted on sent message inserts
func WithPendingMatcher(p PendingMatcher) Option {
	return func(r *Reducer) {
		r.pending = p
	}
}

// WithLocation sets the location of message clock strings
func WithLocation(loc *time.Location) Option {
	return func(r *Reducer) {
		r.loc = loc
	}
}

// WithConversation restricts the reducer to a single conversation
func WithConversation(id string) Option {
	return func(r *Reducer) {
		r.conversationID = id
	}
}

// NewReducer creates a reducer writing into s
func NewReducer(s *store.Store, fetcher ConversationFetcher, logger *zap.Logger, opts ...Option) *Reducer {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reducer{
		store:   s,
		fetcher: fetcher,
		loc:     time.UTC,
		logger:  logger.Named("realtime"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetWorkspace switches the active workspace. Events of any other workspace are dropped.
func (r *Reducer) SetWorkspace(workspaceID string) {
	r.mu.Lock()
	r.workspaceID = workspaceID
	r.mu.Unlock()
}

// SetConversation switches the conversation filter; empty disables it
func (r *Reducer) SetConversation(id string) {
	r.mu.Lock()
	r.conversationID = id
	r.mu.Unlock()
}

// Workspace returns the active workspace
func (r *Reducer) Workspace() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workspaceID
}

func (r *Reducer) scope() (string, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workspaceID, r.conversationID
}

// Apply applies one change event to the store
func (r *Reducer) Apply(ctx context.Context, ev entity.ChangeEvent) {
	if !ev.Stream.Valid() || !ev.Type.Valid() {
		r.drop(ev, outcomeMalformed, zap.String("reason", "unknown stream or type"))
		return
	}

	workspaceID, _ := r.scope()
	if workspaceID == "" {
		r.record(ev, outcomeIgnored)
		return
	}
	if ev.WorkspaceID != "" && ev.WorkspaceID != workspaceID {
		r.record(ev, outcomeForeign)
		return
	}

	var outcome string
	switch ev.Stream {
	case entity.StreamConversations:
		outcome = r.applyConversation(ctx, ev)
	case entity.StreamMessages:
		outcome = r.applyMessage(ev)
	}
	r.record(ev, outcome)
}

// Handle decodes a raw envelope and applies it
func (r *Reducer) Handle(ctx context.Context, payload []byte) {
	ev, err := entity.DecodeChangeEvent(payload)
	if err != nil {
		r.drop(ev, outcomeMalformed, zap.Error(err))
		return
	}
	r.Apply(ctx, ev)
}

func (r *Reducer) applyConversation(ctx context.Context, ev entity.ChangeEvent) string {
	var row entity.ConversationRow
	if err := json.Unmarshal(ev.Row(), &row); err != nil || row.ID == "" {
		r.logMalformed(ev, err)
		return outcomeMalformed
	}

	// read before the scope, so a workspace switch in between invalidates the insert
	epoch := r.store.Epoch()
	workspaceID, conversationID := r.scope()
	if row.WorkspaceID.Present() && row.WorkspaceID.Value != workspaceID {
		return outcomeForeign
	}
	if conversationID != "" && row.ID != conversationID {
		return outcomeIgnored
	}
	attributed := ev.WorkspaceID != "" || row.WorkspaceID.Present()

	switch ev.Type {
	case entity.EventInsert:
		if !attributed {
			return outcomeForeign
		}
		return r.insertConversation(ctx, epoch, workspaceID, row)
	case entity.EventUpdate:
		patch := row.Patch()
		if patch.Empty() {
			return outcomeIgnored
		}
		if _, ok := r.store.PatchConversation(row.ID, patch); !ok {
			return outcomeIgnored
		}
		return outcomeApplied
	case entity.EventDelete:
		_, _, removed := r.store.RemoveConversation(row.ID)
		if !removed && !attributed {
			// a bare key cannot be attributed to this workspace
			return outcomeIgnored
		}
		r.adjustTotal(-1)
		return outcomeApplied
	}
	return outcomeIgnored
}

func (r *Reducer) insertConversation(ctx context.Context, epoch uint64, workspaceID string, row entity.ConversationRow) string {
	// may race with a local creation
	if r.store.Has(row.ID) {
		return outcomeDuplicate
	}

	conv := conversationFromRow(workspaceID, row)
	if r.fetcher != nil {
		full, err := r.fetcher.FetchConversationByID(ctx, row.ID)
		if err != nil {
			r.logger.Warn("failed to fetch inserted conversation", zap.String("conversation_id", row.ID), zap.Error(err))
			return outcomeError
		}
		if full == nil {
			return outcomeIgnored
		}
		if current, _ := r.scope(); current != workspaceID {
			r.logger.Debug("workspace switched during fetch, discarding insert",
				zap.String("conversation_id", row.ID),
				zap.String("workspace_id", workspaceID),
			)
			return outcomeIgnored
		}
		if full.WorkspaceID != "" && full.WorkspaceID != workspaceID {
			return outcomeForeign
		}
		conv = *full
	}

	if !r.store.InsertConversationAt(epoch, conv) {
		if r.store.Epoch() != epoch {
			return outcomeIgnored
		}
		return outcomeDuplicate
	}
	r.adjustTotal(1)
	return outcomeApplied
}

func (r *Reducer) applyMessage(ev entity.ChangeEvent) string {
	var row entity.MessageRow
	if err := json.Unmarshal(ev.Row(), &row); err != nil || row.ID == "" {
		r.logMalformed(ev, err)
		return outcomeMalformed
	}

	conversationID := row.ConversationID.Value
	if conversationID == "" {
		found, _, ok := r.store.FindMessage(row.ID)
		if !ok {
			return outcomeIgnored
		}
		conversationID = found
	}

	workspaceID, filter := r.scope()
	if filter != "" && conversationID != filter {
		return outcomeIgnored
	}
	owner, ok := r.store.WorkspaceOf(conversationID)
	if !ok {
		return outcomeIgnored
	}
	if owner != workspaceID {
		r.logger.Warn("dropping message event of a foreign conversation",
			zap.String("conversation_id", conversationID),
			zap.String("workspace_id", owner),
		)
		return outcomeForeign
	}

	switch ev.Type {
	case entity.EventInsert:
		msg := row.Message(r.loc)
		msg.ConversationID = conversationID
		if r.pending != nil && r.pending.ClaimPending(conversationID, msg) {
			return outcomeReconciled
		}
		if !r.store.AppendMessage(conversationID, msg) {
			return outcomeDuplicate
		}
		return outcomeApplied
	case entity.EventUpdate:
		patch := row.Patch()
		if patch.Empty() {
			return outcomeIgnored
		}
		if !r.store.PatchMessage(conversationID, row.ID, patch) {
			return outcomeIgnored
		}
		return outcomeApplied
	case entity.EventDelete:
		deleted := entity.MessageTypeDeleted
		if !r.store.PatchMessage(conversationID, row.ID, entity.MessagePatch{Type: &deleted}) {
			return outcomeIgnored
		}
		return outcomeApplied
	}
	return outcomeIgnored
}

func (r *Reducer) adjustTotal(delta int) {
	if r.counter != nil {
		r.counter.AdjustTotal(delta)
	}
}

func (r *Reducer) logMalformed(ev entity.ChangeEvent, err error) {
	fields := []zap.Field{zap.String("stream", string(ev.Stream)), zap.String("type", string(ev.Type))}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	r.logger.Warn("dropping malformed realtime event", fields...)
}

func (r *Reducer) drop(ev entity.ChangeEvent, outcome string, fields ...zap.Field) {
	r.logger.Warn("dropping realtime event", append(fields, zap.String("stream", string(ev.Stream)), zap.String("type", string(ev.Type)))...)
	r.record(ev, outcome)
}

func (r *Reducer) record(ev entity.ChangeEvent, outcome string) {
	metrics.RecordRealtimeEvent(string(ev.Stream), string(ev.Type), outcome)
}

func conversationFromRow(workspaceID string, row entity.ConversationRow) entity.Conversation {
	c := entity.Conversation{
		ID:            row.ID,
		WorkspaceID:   workspaceID,
		InboxID:       row.InboxID.Value,
		ContactName:   row.ContactName.Value,
		ContactPhone:  row.ContactPhone.Value,
		Avatar:        row.ContactAvatar.Value,
		Channel:       row.Channel.Value,
		Status:        row.Status.Value,
		AssignedTo:    row.AssignedTo.Value,
		Tags:          row.Tags.Value,
		LeadID:        row.LeadID.Value,
		AttendantType: row.AttendantType.Value,
		TotalMessages: row.TotalMessages.Value,
		UpdatedAt:     row.UpdatedAt.Value,
	}
	if c.AttendantType == "" {
		c.AttendantType = entity.AttendantTypeHuman
	}
	if c.AssignedTo == "" {
		c.AssignedToName = entity.UnassignedName
	}
	if row.LastMessageAt.Present() {
		t := row.LastMessageAt.Value
		c.LastMessageAt = &t
	}
	return c
}
