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
	"github.com/vadim/neo-inbox/internal/domain/inbox/realtime"
	"github.com/vadim/neo-inbox/internal/domain/inbox/store"
)

// ConversationView follows the single conversation linked to a lead
type ConversationView struct {
	store   *store.Store
	manager *optimistic.Manager
	reducer *realtime.Reducer
	subs    *realtime.Subscriptions
	backend Backend
	opts    Options
	logger  *zap.Logger

	mu             sync.Mutex
	leadID         string
	conversationID string
	workspaceID    string
	closed         bool
	refreshing     bool
	lastRefresh    time.Time
}

// NewConversationView creates a single-conversation session
func NewConversationView(backend Backend, source realtime.Source, logger *zap.Logger, opts Options) *ConversationView {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	logger = logger.Named("conversation_view")

	s := store.New(store.WithClock(opts.Clock), store.WithLogger(logger))
	manager := optimistic.New(s, backend, logger,
		optimistic.WithClock(opts.Clock),
		optimistic.WithLocation(opts.Location),
	)
	reducer := realtime.NewReducer(s, backend, logger,
		realtime.WithPendingMatcher(manager),
		realtime.WithLocation(opts.Location),
	)

	return &ConversationView{
		store:   s,
		manager: manager,
		reducer: reducer,
		subs:    realtime.NewSubscriptions(source, logger),
		backend: backend,
		opts:    opts,
		logger:  logger,
	}
}

// Load fetches the conversation of leadID and follows its changes.
// A lead without conversation yields nil and no error.
func (v *ConversationView) Load(ctx context.Context, leadID string) (*entity.Conversation, error) {
	if err := v.open(); err != nil {
		return nil, err
	}

	conv, err := v.backend.FetchConversationByLeadID(ctx, leadID)
	if err != nil {
		v.store.SetError(err)
		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	v.mu.Lock()
	v.leadID = leadID
	v.mu.Unlock()

	if conv == nil {
		v.detach()
		v.store.Reset()
		return nil, nil
	}

	if err := v.attach(ctx, *conv); err != nil {
		return conv, err
	}
	out, _ := v.store.Conversation(conv.ID)
	return &out, nil
}

// SetConversation shows c without fetching it
func (v *ConversationView) SetConversation(ctx context.Context, c entity.Conversation) error {
	if err := v.open(); err != nil {
		return err
	}
	return v.attach(ctx, c)
}

func (v *ConversationView) attach(ctx context.Context, c entity.Conversation) error {
	v.mu.Lock()
	same := v.conversationID == c.ID && v.workspaceID == c.WorkspaceID
	v.conversationID = c.ID
	v.workspaceID = c.WorkspaceID
	v.mu.Unlock()

	// scope first, so deliveries for the previous conversation are dropped
	v.reducer.SetWorkspace(c.WorkspaceID)
	v.reducer.SetConversation(c.ID)
	if !same {
		v.manager.Reset()
		v.store.Reset()
	}
	v.store.UpsertConversation(c)

	if same && v.subs.Active() > 0 {
		return nil
	}

	if err := v.subs.CloseAll(); err != nil {
		v.logger.Warn("closing previous subscriptions", zap.Error(err))
	}
	var subErr error
	for _, stream := range []entity.Stream{entity.StreamConversations, entity.StreamMessages} {
		if err := v.subs.Subscribe(ctx, c.WorkspaceID, stream, v.reducer.Apply); err != nil {
			subErr = errors.Join(subErr, err)
		}
	}
	return subErr
}

func (v *ConversationView) detach() {
	v.mu.Lock()
	v.conversationID = ""
	v.workspaceID = ""
	v.mu.Unlock()

	v.reducer.SetWorkspace("")
	if err := v.subs.CloseAll(); err != nil {
		v.logger.Warn("closing subscriptions", zap.Error(err))
	}
}

// Conversation returns the followed conversation
func (v *ConversationView) Conversation() (entity.Conversation, bool) {
	v.mu.Lock()
	id := v.conversationID
	v.mu.Unlock()
	if id == "" {
		return entity.Conversation{}, false
	}
	return v.store.Conversation(id)
}

// Refresh refetches the followed conversation, at most once per refresh interval
func (v *ConversationView) Refresh(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return entity.ErrSessionClosed
	}
	now := v.opts.Clock()
	if v.refreshing || (!v.lastRefresh.IsZero() && now.Sub(v.lastRefresh) < v.opts.RefreshInterval) {
		v.mu.Unlock()
		return entity.ErrRefreshThrottled
	}
	v.refreshing = true
	v.lastRefresh = now
	id, leadID := v.conversationID, v.leadID
	v.mu.Unlock()

	defer func() {
		v.mu.Lock()
		v.refreshing = false
		v.mu.Unlock()
	}()

	var (
		conv *entity.Conversation
		err  error
	)
	switch {
	case id != "":
		conv, err = v.backend.FetchConversationByID(ctx, id)
	case leadID != "":
		conv, err = v.backend.FetchConversationByLeadID(ctx, leadID)
	default:
		return entity.ErrConversationNotFound
	}
	if err != nil {
		v.store.SetError(err)
		return fmt.Errorf("refreshing conversation: %w", err)
	}

	if v.isClosed() {
		return nil
	}
	if conv == nil {
		v.detach()
		v.store.Reset()
		return nil
	}
	v.store.SetError(nil)
	return v.attach(ctx, *conv)
}

// ChangeStatus changes the status of the followed conversation
func (v *ConversationView) ChangeStatus(ctx context.Context, status entity.ConversationStatus) error {
	id, _, err := v.current()
	if err != nil {
		return err
	}
	return v.manager.UpdateStatus(ctx, id, status)
}

// MarkAsResolved resolves the followed conversation
func (v *ConversationView) MarkAsResolved(ctx context.Context) error {
	return v.ChangeStatus(ctx, entity.ConversationStatusResolved)
}

// ClearHistory deletes every message of the followed conversation
func (v *ConversationView) ClearHistory(ctx context.Context) error {
	id, _, err := v.current()
	if err != nil {
		return err
	}
	return v.manager.ClearHistory(ctx, id)
}

// DeleteConversation deletes the followed conversation and stops following it
func (v *ConversationView) DeleteConversation(ctx context.Context) error {
	id, _, err := v.current()
	if err != nil {
		return err
	}
	if err := v.manager.DeleteConversation(ctx, id); err != nil {
		return err
	}
	v.detach()
	return nil
}

// DeleteMessage deletes a message of the followed conversation
func (v *ConversationView) DeleteMessage(ctx context.Context, messageID string) error {
	_, ws, err := v.current()
	if err != nil {
		return err
	}
	return v.manager.DeleteMessage(ctx, ws, messageID)
}

// SendMessage sends req into the followed conversation
func (v *ConversationView) SendMessage(ctx context.Context, req entity.SendRequest) (entity.Message, error) {
	id, ws, err := v.current()
	if err != nil {
		return entity.Message{}, err
	}
	return v.manager.SendMessage(ctx, ws, id, req)
}

// Watch returns a channel signalled after store changes and a function releasing it
func (v *ConversationView) Watch() (<-chan struct{}, func()) {
	return v.store.Watch()
}

// Close stops following the conversation
func (v *ConversationView) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.mu.Unlock()

	v.reducer.SetWorkspace("")
	return v.subs.CloseAll()
}

func (v *ConversationView) open() error {
	if v.isClosed() {
		return entity.ErrSessionClosed
	}
	return nil
}

func (v *ConversationView) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

func (v *ConversationView) current() (string, string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return "", "", entity.ErrSessionClosed
	}
	if v.conversationID == "" {
		return "", "", entity.ErrConversationNotFound
	}
	return v.conversationID, v.workspaceID, nil
}
