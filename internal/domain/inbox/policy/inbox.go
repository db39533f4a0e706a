package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vadim/neo-inbox/internal/domain/inbox/entity"
	"github.com/vadim/neo-inbox/internal/domain/inbox/optimistic"
	"github.com/vadim/neo-inbox/internal/domain/inbox/pagination"
	"github.com/vadim/neo-inbox/internal/domain/inbox/realtime"
	"github.com/vadim/neo-inbox/internal/domain/inbox/store"
)

// DefaultRefreshInterval is the minimum time between two explicit refreshes
const DefaultRefreshInterval = time.Second

// Backend is the backend contract used by inbox sessions
type Backend interface {
	pagination.Fetcher
	realtime.ConversationFetcher
	optimistic.Backend
	FetchConversationByLeadID(ctx context.Context, leadID string) (*entity.Conversation, error)
	CreateConversation(ctx context.Context, in entity.CreateConversationInput) (*entity.Conversation, error)
}

// Options holds the settings shared by Inbox and ConversationView
type Options struct {
	PageSize        int
	RefreshInterval time.Duration
	Location        *time.Location
	Clock           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = pagination.PageSize
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = DefaultRefreshInterval
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Snapshot is a consistent read of an inbox session
type Snapshot struct {
	WorkspaceID   string                `json:"workspace_id"`
	Query         string                `json:"query,omitempty"`
	Conversations []entity.Conversation `json:"conversations"`
	Total         int                   `json:"total"`
	HasMore       bool                  `json:"has_more"`
	State         pagination.State      `json:"state"`
	Error         string                `json:"error,omitempty"`
	Pending       int                   `json:"pending"`
}

// Inbox is the conversation list session of one user.
// It owns the store and wires pagination, local mutations and the realtime feed into it.
type Inbox struct {
	store   *store.Store
	pager   *pagination.Controller
	manager *optimistic.Manager
	reducer *realtime.Reducer
	subs    *realtime.Subscriptions
	backend Backend
	opts    Options
	logger  *zap.Logger

	mu          sync.Mutex
	workspaceID string
	closed      bool
	refreshing  bool
	lastRefresh time.Time
}

// NewInbox creates an inbox session reading realtime changes from source
func NewInbox(backend Backend, source realtime.Source, logger *zap.Logger, opts Options) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	logger = logger.Named("inbox")

	s := store.New(store.WithClock(opts.Clock), store.WithLogger(logger))
	pager := pagination.New(s, backend, logger, pagination.WithPageSize(opts.PageSize))
	manager := optimistic.New(s, backend, logger,
		optimistic.WithClock(opts.Clock),
		optimistic.WithLocation(opts.Location),
	)
	reducer := realtime.NewReducer(s, backend, logger,
		realtime.WithTotalCounter(pager),
		realtime.WithPendingMatcher(manager),
		realtime.WithLocation(opts.Location),
	)

	return &Inbox{
		store:   s,
		pager:   pager,
		manager: manager,
		reducer: reducer,
		subs:    realtime.NewSubscriptions(source, logger),
		backend: backend,
		opts:    opts,
		logger:  logger,
	}
}

// Store returns the store backing the session
func (i *Inbox) Store() *store.Store {
	return i.store
}

// Open switches the session to workspaceID: previous subscriptions are
// closed, in-flight loads discarded, the store reset, then the first page is
// loaded and both realtime streams subscribed.
func (i *Inbox) Open(ctx context.Context, workspaceID string) error {
	if workspaceID == "" {
		return entity.ErrWorkspaceRequired
	}

	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return entity.ErrSessionClosed
	}
	i.workspaceID = workspaceID
	i.lastRefresh = time.Time{}
	i.mu.Unlock()

	// events of the previous workspace still being handled are dropped from here on
	i.reducer.SetWorkspace(workspaceID)
	if err := i.subs.CloseAll(); err != nil {
		i.logger.Warn("closing previous subscriptions", zap.Error(err))
	}
	i.pager.Invalidate()
	i.manager.Reset()
	i.store.Reset()

	loadErr := i.pager.LoadFirstPage(ctx, pagination.Filter{WorkspaceID: workspaceID})
	if loadErr != nil {
		i.logger.Error("loading first page", zap.String("workspace_id", workspaceID), zap.Error(loadErr))
	}

	var subErr error
	for _, stream := range []entity.Stream{entity.StreamConversations, entity.StreamMessages} {
		if err := i.subs.Subscribe(ctx, workspaceID, stream, i.reducer.Apply); err != nil {
			subErr = errors.Join(subErr, err)
		}
	}
	if subErr != nil {
		i.logger.Error("subscribing to realtime streams", zap.String("workspace_id", workspaceID), zap.Error(subErr))
	}

	return errors.Join(loadErr, subErr)
}

// Search reloads the first page filtered by query
func (i *Inbox) Search(ctx context.Context, query string) error {
	ws, err := i.active()
	if err != nil {
		return err
	}
	return i.pager.LoadFirstPage(ctx, pagination.Filter{WorkspaceID: ws, Query: query})
}

// LoadMore fetches the next page
func (i *Inbox) LoadMore(ctx context.Context) error {
	if _, err := i.active(); err != nil {
		return err
	}
	return i.pager.LoadNextPage(ctx)
}

// Refresh reloads the first page of the current filter.
// Calls closer than the refresh interval, or while a refresh runs, return ErrRefreshThrottled.
func (i *Inbox) Refresh(ctx context.Context) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return entity.ErrSessionClosed
	}
	if i.workspaceID == "" {
		i.mu.Unlock()
		return entity.ErrWorkspaceRequired
	}
	now := i.opts.Clock()
	if i.refreshing || (!i.lastRefresh.IsZero() && now.Sub(i.lastRefresh) < i.opts.RefreshInterval) {
		i.mu.Unlock()
		return entity.ErrRefreshThrottled
	}
	i.refreshing = true
	i.lastRefresh = now
	f := i.pager.Filter()
	if f.WorkspaceID == "" {
		f.WorkspaceID = i.workspaceID
	}
	i.mu.Unlock()

	defer func() {
		i.mu.Lock()
		i.refreshing = false
		i.mu.Unlock()
	}()

	return i.pager.LoadFirstPage(ctx, f)
}

// WorkspaceID returns the active workspace, empty before Open and after Close
func (i *Inbox) WorkspaceID() string {
	ws, err := i.active()
	if err != nil {
		return ""
	}
	return ws
}

// Snapshot returns the current state of the session
func (i *Inbox) Snapshot() Snapshot {
	i.mu.Lock()
	ws := i.workspaceID
	i.mu.Unlock()

	snap := Snapshot{
		WorkspaceID:   ws,
		Query:         i.pager.Filter().Query,
		Conversations: i.store.Conversations(),
		Total:         i.pager.Total(),
		HasMore:       i.pager.HasMore(),
		State:         i.pager.State(),
		Pending:       len(i.manager.Pending()),
	}
	if err := i.store.Err(); err != nil {
		snap.Error = err.Error()
	}
	return snap
}

// Watch returns a channel signalled after store changes and a function releasing it
func (i *Inbox) Watch() (<-chan struct{}, func()) {
	return i.store.Watch()
}

// CreateConversation opens a conversation in the active workspace and inserts it at the top
// The local insert is skipped when the workspace was switched while the backend call ran.
func (i *Inbox) CreateConversation(ctx context.Context, in entity.CreateConversationInput) (*entity.Conversation, error) {
	epoch := i.store.Epoch()
	ws, err := i.active()
	if err != nil {
		return nil, err
	}
	in.WorkspaceID = ws

	conv, err := i.backend.CreateConversation(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	current, err := i.active()
	if err != nil || current != ws || (conv.WorkspaceID != "" && conv.WorkspaceID != ws) {
		i.logger.Info("discarding created conversation of an inactive workspace",
			zap.String("conversation_id", conv.ID),
			zap.String("workspace_id", ws),
		)
		return conv, nil
	}
	if i.store.InsertConversationAt(epoch, *conv) {
		i.pager.AdjustTotal(1)
	}
	return conv, nil
}

// SendMessage sends req into a conversation of the active workspace
func (i *Inbox) SendMessage(ctx context.Context, conversationID string, req entity.SendRequest) (entity.Message, error) {
	ws, err := i.active()
	if err != nil {
		return entity.Message{}, err
	}
	return i.manager.SendMessage(ctx, ws, conversationID, req)
}

// RetryMessage re-sends a failed message
func (i *Inbox) RetryMessage(ctx context.Context, tempID string) (entity.Message, error) {
	if _, err := i.active(); err != nil {
		return entity.Message{}, err
	}
	return i.manager.Retry(ctx, tempID)
}

// DeleteMessage deletes a message for everyone
func (i *Inbox) DeleteMessage(ctx context.Context, messageID string) error {
	ws, err := i.active()
	if err != nil {
		return err
	}
	return i.manager.DeleteMessage(ctx, ws, messageID)
}

// UpdateStatus changes the status of a conversation
func (i *Inbox) UpdateStatus(ctx context.Context, conversationID string, status entity.ConversationStatus) error {
	if _, err := i.active(); err != nil {
		return err
	}
	return i.manager.UpdateStatus(ctx, conversationID, status)
}

// AssignAgent assigns a conversation. An empty agentID unassigns it.
func (i *Inbox) AssignAgent(ctx context.Context, conversationID, agentID, agentName string) error {
	if _, err := i.active(); err != nil {
		return err
	}
	return i.manager.AssignAgent(ctx, conversationID, agentID, agentName)
}

// UpdateTags replaces the tags of a conversation
func (i *Inbox) UpdateTags(ctx context.Context, conversationID string, tags []string) error {
	if _, err := i.active(); err != nil {
		return err
	}
	return i.manager.UpdateTags(ctx, conversationID, tags)
}

// UpdateAttendantType switches a conversation between human and AI attendance
func (i *Inbox) UpdateAttendantType(ctx context.Context, conversationID string, t entity.AttendantType) error {
	if _, err := i.active(); err != nil {
		return err
	}
	return i.manager.UpdateAttendantType(ctx, conversationID, t)
}

// MarkAsRead marks the received messages of a conversation as read
func (i *Inbox) MarkAsRead(ctx context.Context, conversationID string) error {
	if _, err := i.active(); err != nil {
		return err
	}
	return i.manager.MarkAsRead(ctx, conversationID)
}

// ClearHistory deletes every message of a conversation
func (i *Inbox) ClearHistory(ctx context.Context, conversationID string) error {
	if _, err := i.active(); err != nil {
		return err
	}
	return i.manager.ClearHistory(ctx, conversationID)
}

// DeleteConversation deletes a conversation
func (i *Inbox) DeleteConversation(ctx context.Context, conversationID string) error {
	if _, err := i.active(); err != nil {
		return err
	}
	return i.manager.DeleteConversation(ctx, conversationID)
}

// Close releases the realtime subscriptions. Loads still running are discarded
// and every later call returns ErrSessionClosed.
func (i *Inbox) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	i.mu.Unlock()

	i.pager.Invalidate()
	i.reducer.SetWorkspace("")
	return i.subs.CloseAll()
}

func (i *Inbox) active() (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return "", entity.ErrSessionClosed
	}
	if i.workspaceID == "" {
		return "", entity.ErrWorkspaceRequired
	}
	return i.workspaceID, nil
}
