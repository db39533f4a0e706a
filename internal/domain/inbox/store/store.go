package store

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vadim/neo-inbox/internal/domain/inbox/entity"
)

// Store is the in-memory source of truth for conversations and their messages.
// Every mutation runs under one lock and leaves each conversation sorted,
// free of duplicate ids and with a consistent unread count. Operations never fail;
// unknown ids are no-ops.
type Store struct {
	mu       sync.Mutex
	byID     map[string]*entity.Conversation
	order    []string
	err      error
	epoch    uint64
	avatars  *AvatarCache
	watchers map[chan struct{}]struct{}
	now      func() time.Time
	logger   *zap.Logger
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides the clock used for relative timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithAvatarCache shares an avatar cache with the store
func WithAvatarCache(c *AvatarCache) Option {
	return func(s *Store) {
		s.avatars = c
	}
}

// New creates an empty store
func New(opts ...Option) *Store {
	s := &Store{
		byID:     make(map[string]*entity.Conversation),
		watchers: make(map[chan struct{}]struct{}),
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.avatars == nil {
		s.avatars = NewAvatarCache()
	}
	return s
}

// Avatars returns the avatar cache owned by the store
func (s *Store) Avatars() *AvatarCache {
	return s.avatars
}

// UpsertConversation inserts c at the front of the list, or merges it into the
// existing entry. Empty incoming fields never blank local ones, so a cached avatar survives.
func (s *Store) UpsertConversation(c entity.Conversation) {
	if c.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byID[c.ID]; ok {
		mergeConversation(existing, c)
		s.rememberAvatar(existing)
		s.fillAvatar(existing)
	} else {
		s.insertLocked(c, 0)
	}
	s.notifyLocked()
}

// Epoch identifies the current contents generation. Every Reset starts a new one.
func (s *Store) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// InsertConversationAt inserts c at the front only when the store was not reset
// since epoch and c is not loaded yet. It reports whether c was inserted.
func (s *Store) InsertConversationAt(epoch uint64, c entity.Conversation) bool {
	if c.ID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.epoch != epoch {
		return false
	}
	if _, ok := s.byID[c.ID]; ok {
		return false
	}
	s.insertLocked(c, 0)
	s.notifyLocked()
	return true
}

// PatchConversation applies a partial update and returns the conversation as it was before
func (s *Store) PatchConversation(id string, p entity.ConversationPatch) (entity.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return entity.Conversation{}, false
	}
	prev := c.Clone()
	p.Apply(c)
	s.rememberAvatar(c)
	s.notifyLocked()
	return prev, true
}

// RemoveConversation drops a conversation and returns it with its list index.
// Removing an absent id is a no-op.
func (s *Store) RemoveConversation(id string) (entity.Conversation, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return entity.Conversation{}, -1, false
	}
	idx := s.indexLocked(id)
	delete(s.byID, id)
	if idx >= 0 {
		s.order = append(s.order[:idx], s.order[idx+1:]...)
	}
	s.notifyLocked()
	return *c, idx, true
}

// RestoreConversation puts a removed conversation back at index
func (s *Store) RestoreConversation(c entity.Conversation, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[c.ID]; ok {
		return
	}
	s.insertLocked(c, index)
	s.notifyLocked()
}

// ReplaceAll swaps the whole list for list, keeping its order
func (s *Store) ReplaceAll(list []entity.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID = make(map[string]*entity.Conversation, len(list))
	s.order = make([]string, 0, len(list))
	for _, c := range list {
		if c.ID == "" {
			continue
		}
		if existing, ok := s.byID[c.ID]; ok {
			mergeConversation(existing, c)
			continue
		}
		s.insertLocked(c, len(s.order))
	}
	s.err = nil
	s.notifyLocked()
}

// MergePage appends the conversations of list whose ids are not present yet.
// Present ids keep their local state. It returns the number of added conversations.
func (s *Store) MergePage(list []entity.Conversation) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, c := range list {
		if c.ID == "" {
			continue
		}
		if _, ok := s.byID[c.ID]; ok {
			continue
		}
		s.insertLocked(c, len(s.order))
		added++
	}
	s.err = nil
	if added > 0 {
		s.notifyLocked()
	}
	return added
}

// AppendMessage adds msg to a conversation and moves the conversation to the front.
// A message whose id already exists is ignored.
func (s *Store) AppendMessage(conversationID string, msg entity.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.appendLocked(conversationID, msg) {
		return false
	}
	s.notifyLocked()
	return true
}

// ReplaceMessage swaps the message oldID for msg in place. When oldID is gone the
// message is appended instead; when msg.ID is already present the placeholder is dropped.
func (s *Store) ReplaceMessage(conversationID, oldID string, msg entity.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[conversationID]
	if !ok {
		return false
	}
	msg.ConversationID = conversationID

	oldIdx := indexOfMessage(c.Messages, oldID)
	newIdx := -1
	if msg.ID != oldID {
		newIdx = indexOfMessage(c.Messages, msg.ID)
	}

	switch {
	case oldIdx >= 0 && newIdx < 0:
		c.Messages[oldIdx] = msg.Clone()
		c.Recompute()
	case oldIdx >= 0 && newIdx >= 0:
		// the server copy arrived first
		if msg.Status != "" {
			c.Messages[newIdx].Status = msg.Status
		}
		c.Messages = append(c.Messages[:oldIdx], c.Messages[oldIdx+1:]...)
		c.Recompute()
	case newIdx >= 0:
		if msg.Status != "" {
			c.Messages[newIdx].Status = msg.Status
		}
		c.Recompute()
	default:
		s.logger.Debug("replace target missing, appending", zap.String("conversation_id", conversationID), zap.String("old_id", oldID))
		s.appendLocked(conversationID, msg)
	}
	s.notifyLocked()
	return true
}

// PatchMessage merges p into a message in place
func (s *Store) PatchMessage(conversationID, messageID string, p entity.MessagePatch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[conversationID]
	if !ok {
		return false
	}
	idx := indexOfMessage(c.Messages, messageID)
	if idx < 0 {
		return false
	}
	p.Apply(&c.Messages[idx])
	c.Recompute()
	s.notifyLocked()
	return true
}

// RestoreMessage overwrites a message with an exact earlier snapshot
func (s *Store) RestoreMessage(conversationID string, msg entity.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[conversationID]
	if !ok {
		return false
	}
	idx := indexOfMessage(c.Messages, msg.ID)
	if idx < 0 {
		return false
	}
	c.Messages[idx] = msg.Clone()
	c.Recompute()
	s.notifyLocked()
	return true
}

// MarkConversationMessagesRead flags every message as read
func (s *Store) MarkConversationMessagesRead(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[conversationID]
	if !ok {
		return false
	}
	for i := range c.Messages {
		c.Messages[i].Read = true
	}
	c.UnreadCount = 0
	s.notifyLocked()
	return true
}

// ClearMessages empties the message history of a conversation
func (s *Store) ClearMessages(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[conversationID]
	if !ok {
		return false
	}
	c.Messages = []entity.Message{}
	c.LastMessage = ""
	c.LastMessageAt = nil
	c.TotalMessages = 0
	c.UnreadCount = 0
	s.notifyLocked()
	return true
}

// Reset empties the store, its error and its avatar cache
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID = make(map[string]*entity.Conversation)
	s.order = nil
	s.err = nil
	s.epoch++
	s.avatars.Clear()
	s.notifyLocked()
}

// SetError records the last fetch failure; nil clears it
func (s *Store) SetError(err error) {
	s.mu.Lock()
	s.err = err
	s.notifyLocked()
	s.mu.Unlock()
}

// Err returns the last fetch failure
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Conversations returns a deep copy of the ordered list
func (s *Store) Conversations() []entity.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]entity.Conversation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.snapshotLocked(s.byID[id], now))
	}
	return out
}

// Conversation returns a deep copy of one conversation
func (s *Store) Conversation(id string) (entity.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return entity.Conversation{}, false
	}
	return s.snapshotLocked(c, s.now()), true
}

// Has reports whether a conversation is loaded
func (s *Store) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[id]
	return ok
}

// WorkspaceOf returns the workspace of a loaded conversation
func (s *Store) WorkspaceOf(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return "", false
	}
	return c.WorkspaceID, true
}

// FindMessage locates a message by id across all conversations
func (s *Store) FindMessage(messageID string) (string, entity.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		c := s.byID[id]
		if idx := indexOfMessage(c.Messages, messageID); idx >= 0 {
			return c.ID, c.Messages[idx].Clone(), true
		}
	}
	return "", entity.Message{}, false
}

// Message returns one message of a conversation
func (s *Store) Message(conversationID, messageID string) (entity.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[conversationID]
	if !ok {
		return entity.Message{}, false
	}
	idx := indexOfMessage(c.Messages, messageID)
	if idx < 0 {
		return entity.Message{}, false
	}
	return c.Messages[idx].Clone(), true
}

// Len returns the number of loaded conversations
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Watch returns a channel that receives a signal after mutations.
// Signals are coalesced; call the returned func to stop watching.
func (s *Store) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, ch)
			s.mu.Unlock()
		})
	}
}

func (s *Store) notifyLocked() {
	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Store) insertLocked(c entity.Conversation, index int) {
	stored := c.Clone()
	if stored.Messages == nil {
		stored.Messages = []entity.Message{}
	}
	if stored.Tags == nil {
		stored.Tags = []string{}
	}
	for i := range stored.Messages {
		stored.Messages[i].ConversationID = stored.ID
	}
	stored.Messages = dedupeMessages(stored.Messages)
	stored.Recompute()
	s.rememberAvatar(&stored)
	s.fillAvatar(&stored)

	s.byID[stored.ID] = &stored
	if index < 0 {
		index = 0
	}
	if index > len(s.order) {
		index = len(s.order)
	}
	s.order = append(s.order, "")
	copy(s.order[index+1:], s.order[index:])
	s.order[index] = stored.ID
}

func (s *Store) appendLocked(conversationID string, msg entity.Message) bool {
	c, ok := s.byID[conversationID]
	if !ok {
		return false
	}
	if msg.ID == "" || indexOfMessage(c.Messages, msg.ID) >= 0 {
		return false
	}
	msg.ConversationID = conversationID
	c.Messages = append(c.Messages, msg.Clone())
	c.TotalMessages++
	c.Recompute()
	if !msg.CreatedAt.IsZero() && (c.LastMessageAt == nil || msg.CreatedAt.After(*c.LastMessageAt)) {
		t := msg.CreatedAt
		c.LastMessageAt = &t
	}
	s.moveToFrontLocked(conversationID)
	return true
}

func (s *Store) moveToFrontLocked(id string) {
	idx := s.indexLocked(id)
	if idx <= 0 {
		return
	}
	copy(s.order[1:idx+1], s.order[:idx])
	s.order[0] = id
}

func (s *Store) indexLocked(id string) int {
	for i, v := range s.order {
		if v == id {
			return i
		}
	}
	return -1
}

func (s *Store) snapshotLocked(c *entity.Conversation, now time.Time) entity.Conversation {
	out := c.Clone()
	if at := out.ActivityAt(); !at.IsZero() {
		out.Timestamp = entity.FormatRelative(at, now)
	}
	return out
}

func (s *Store) rememberAvatar(c *entity.Conversation) {
	if c.Avatar != "" {
		s.avatars.Remember(c.ContactPhone, c.Avatar)
	}
}

func (s *Store) fillAvatar(c *entity.Conversation) {
	if c.Avatar != "" {
		return
	}
	if url, ok := s.avatars.Lookup(c.ContactPhone); ok {
		c.Avatar = url
	}
}

// mergeConversation shallow-merges src into dst. Zero-valued src fields are treated as absent.
func mergeConversation(dst *entity.Conversation, src entity.Conversation) {
	setString(&dst.WorkspaceID, src.WorkspaceID)
	setString(&dst.InboxID, src.InboxID)
	setString(&dst.ContactName, src.ContactName)
	setString(&dst.ContactPhone, src.ContactPhone)
	setString(&dst.Avatar, src.Avatar)
	setString(&dst.AssignedTo, src.AssignedTo)
	setString(&dst.AssignedToName, src.AssignedToName)
	setString(&dst.LeadID, src.LeadID)
	setString(&dst.Timestamp, src.Timestamp)
	setString(&dst.LastUpdate, src.LastUpdate)
	if src.Channel != "" {
		dst.Channel = src.Channel
	}
	if src.Status != "" {
		dst.Status = src.Status
	}
	if src.AttendantType != "" {
		dst.AttendantType = src.AttendantType
	}
	if src.Tags != nil {
		dst.Tags = append([]string{}, src.Tags...)
	}
	if src.TotalMessages != 0 {
		dst.TotalMessages = src.TotalMessages
	}
	if src.LastMessageAt != nil {
		t := *src.LastMessageAt
		dst.LastMessageAt = &t
	}
	if !src.UpdatedAt.IsZero() {
		dst.UpdatedAt = src.UpdatedAt
	}
	if src.Messages != nil {
		dst.Messages = mergeMessages(dst.Messages, src.Messages, dst.ID)
	}
	dst.Recompute()
}

// mergeMessages takes incoming as the new history but keeps local placeholders it does not know yet
func mergeMessages(local, incoming []entity.Message, conversationID string) []entity.Message {
	out := make([]entity.Message, 0, len(incoming)+1)
	for _, m := range incoming {
		m = m.Clone()
		m.ConversationID = conversationID
		out = append(out, m)
	}
	out = dedupeMessages(out)
	for _, m := range local {
		if m.IsTemporary() && indexOfMessage(out, m.ID) < 0 {
			out = append(out, m.Clone())
		}
	}
	return out
}

func dedupeMessages(msgs []entity.Message) []entity.Message {
	seen := make(map[string]struct{}, len(msgs))
	out := msgs[:0]
	for _, m := range msgs {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}

func indexOfMessage(msgs []entity.Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
