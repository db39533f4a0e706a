package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadim/neo-inbox/internal/domain/inbox/entity"
	"github.com/vadim/neo-inbox/internal/domain/inbox/store"
)

type fakeFetcher struct {
	mu      sync.Mutex
	convs   map[string]*entity.Conversation
	err     error
	calls   int
	onFetch func()
}

func (f *fakeFetcher) FetchConversationByID(ctx context.Context, id string) (*entity.Conversation, error) {
	if f.onFetch != nil {
		f.onFetch()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	c, ok := f.convs[id]
	if !ok {
		return nil, nil
	}
	out := c.Clone()
	return &out, nil
}

type counter struct {
	mu    sync.Mutex
	total int
}

func (c *counter) AdjustTotal(delta int) {
	c.mu.Lock()
	c.total += delta
	c.mu.Unlock()
}

func (c *counter) value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

type claimer struct {
	claims []string
	result bool
}

func (c *claimer) ClaimPending(conversationID string, msg entity.Message) bool {
	c.claims = append(c.claims, msg.ID)
	return c.result
}

var t0 = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func event(t *testing.T, stream entity.Stream, typ entity.EventType, ws string, row any) entity.ChangeEvent {
	t.Helper()
	ev, err := entity.NewChangeEvent(stream, typ, ws, row)
	require.NoError(t, err)
	return ev
}

func messageRow(id, conversationID string, typ entity.MessageType, text string, at time.Time) entity.MessageRow {
	return entity.MessageRow{
		ID:             id,
		ConversationID: entity.Some(conversationID),
		MessageType:    entity.Some(typ),
		ContentType:    entity.Some(entity.ContentTypeText),
		TextContent:    entity.Some(text),
		IsRead:         entity.Some(false),
		CreatedAt:      entity.Some(at),
	}
}

func setup(t *testing.T, opts ...Option) (*Reducer, *store.Store, *fakeFetcher, *counter) {
	t.Helper()
	s := store.New()
	s.ReplaceAll([]entity.Conversation{
		{ID: "c1", WorkspaceID: "w1", ContactPhone: "+5511999990000", Avatar: "https://cdn/a.jpg", Status: entity.ConversationStatusWaiting},
		{ID: "c2", WorkspaceID: "w1", Status: entity.ConversationStatusWaiting},
		// a conversation of another tenant that leaked into the list
		{ID: "x1", WorkspaceID: "w2", Status: entity.ConversationStatusWaiting},
	})
	f := &fakeFetcher{convs: map[string]*entity.Conversation{}}
	c := &counter{total: 3}
	opts = append([]Option{WithTotalCounter(c)}, opts...)
	r := NewReducer(s, f, zap.NewNop(), opts...)
	r.SetWorkspace("w1")
	return r, s, f, c
}

func TestReducer_ConversationInsert(t *testing.T) {
	r, s, f, c := setup(t)
	f.convs["c3"] = &entity.Conversation{ID: "c3", WorkspaceID: "w1", ContactName: "Bia", Status: entity.ConversationStatusWaiting}

	row := entity.ConversationRow{ID: "c3", WorkspaceID: entity.Some("w1")}
	r.Apply(context.Background(), event(t, entity.StreamConversations, entity.EventInsert, "w1", row))

	got, ok := s.Conversation("c3")
	require.True(t, ok)
	assert.Equal(t, "Bia", got.ContactName)
	assert.Equal(t, "c3", s.Conversations()[0].ID)
	assert.Equal(t, 4, c.value())

	r.Apply(context.Background(), event(t, entity.StreamConversations, entity.EventInsert, "w1", row))
	assert.Equal(t, 4, s.Len())
	assert.Equal(t, 4, c.value(), "present id is ignored")
	assert.Equal(t, 1, f.calls)
}

func TestReducer_ConversationInsertDroppedWhenScopeChangesDuringFetch(t *testing.T) {
	r, s, f, c := setup(t)
	f.convs["c3"] = &entity.Conversation{ID: "c3", WorkspaceID: "w1", ContactName: "Bia"}
	row := entity.ConversationRow{ID: "c3", WorkspaceID: entity.Some("w1")}

	f.onFetch = func() { r.SetWorkspace("w2") }
	r.Apply(context.Background(), event(t, entity.StreamConversations, entity.EventInsert, "w1", row))
	assert.False(t, s.Has("c3"))
	assert.Equal(t, 3, c.value())

	// a store reset during the fetch discards the insert as well
	r.SetWorkspace("w1")
	f.onFetch = func() { s.Reset() }
	r.Apply(context.Background(), event(t, entity.StreamConversations, entity.EventInsert, "w1", row))
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 3, c.value())
}

func TestReducer_ConversationInsertFetchFailure(t *testing.T) {
	r, s, f, c := setup(t)
	f.err = errors.New("db down")

	r.Apply(context.Background(), event(t, entity.StreamConversations, entity.EventInsert, "w1", entity.ConversationRow{ID: "c3", WorkspaceID: entity.Some("w1")}))
	assert.False(t, s.Has("c3"))
	assert.Equal(t, 3, c.value())
}

func TestReducer_ConversationInsertWithoutFetcher(t *testing.T) {
	s := store.New()
	r := NewReducer(s, nil, nil)
	r.SetWorkspace("w1")

	row := entity.ConversationRow{
		ID:           "c3",
		WorkspaceID:  entity.Some("w1"),
		ContactName:  entity.Some("Caio"),
		Status:       entity.Some(entity.ConversationStatusWaiting),
		Channel:      entity.Some(entity.ChannelWhatsApp),
		ContactPhone: entity.Some("+5511988887777"),
	}
	r.Apply(context.Background(), event(t, entity.StreamConversations, entity.EventInsert, "w1", row))

	got, ok := s.Conversation("c3")
	require.True(t, ok)
	assert.Equal(t, "Caio", got.ContactName)
	assert.Equal(t, entity.AttendantTypeHuman, got.AttendantType)
	assert.Equal(t, entity.UnassignedName, got.AssignedToName)
}

func TestReducer_ConversationUpdateKeepsAvatar(t *testing.T) {
	r, s, _, _ := setup(t)

	row := entity.ConversationRow{
		ID:            "c1",
		WorkspaceID:   entity.Some("w1"),
		Status:        entity.Some(entity.ConversationStatusResolved),
		ContactAvatar: entity.Some(""),
		Tags:          entity.Some([]string{"urgent"}),
	}
	r.Apply(context.Background(), event(t, entity.StreamConversations, entity.EventUpdate, "w1", row))

	got, _ := s.Conversation("c1")
	assert.Equal(t, entity.ConversationStatusResolved, got.Status)
	assert.Equal(t, "https://cdn/a.jpg", got.Avatar)
	assert.Equal(t, []string{"urgent"}, got.Tags)

	r.Apply(context.Background(), event(t, entity.StreamConversations, entity.EventUpdate, "w1", entity.ConversationRow{ID: "nope", Status: entity.Some(entity.ConversationStatusResolved)}))
	assert.False(t, s.Has("nope"))
}

func TestReducer_ConversationDelete(t *testing.T) {
	r, s, _, c := setup(t)

	r.Apply(context.Background(), event(t, entity.StreamConversations, entity.EventDelete, "", entity.ConversationRow{ID: "c2"}))
	assert.False(t, s.Has("c2"))
	assert.Equal(t, 2, c.value())

	r.Apply(context.Background(), event(t, entity.StreamConversations, entity.EventDelete, "", entity.ConversationRow{ID: "c2"}))
	assert.Equal(t, 2, c.value(), "bare key of an unknown conversation is not counted")

	r.Apply(context.Background(), event(t, entity.StreamConversations, entity.EventDelete, "w1", entity.ConversationRow{ID: "off-page"}))
	assert.Equal(t, 1, c.value())
}

func TestReducer_TenantIsolation(t *testing.T) {
	r, s, f, c := setup(t)
	f.convs["y1"] = &entity.Conversation{ID: "y1", WorkspaceID: "w2"}
	before := s.Conversations()

	events := []entity.ChangeEvent{
		event(t, entity.StreamConversations, entity.EventInsert, "w2", entity.ConversationRow{ID: "y1", WorkspaceID: entity.Some("w2")}),
		event(t, entity.StreamConversations, entity.EventInsert, "", entity.ConversationRow{ID: "y1", WorkspaceID: entity.Some("w2")}),
		event(t, entity.StreamConversations, entity.EventUpdate, "", entity.ConversationRow{ID: "c1", WorkspaceID: entity.Some("w2"), Status: entity.Some(entity.ConversationStatusResolved)}),
		event(t, entity.StreamConversations, entity.EventDelete, "w2", entity.ConversationRow{ID: "c2"}),
		event(t, entity.StreamMessages, entity.EventInsert, "w2", messageRow("m1", "c1", entity.MessageTypeReceived, "hi", t0)),
		event(t, entity.StreamMessages, entity.EventInsert, "", messageRow("m2", "x1", entity.MessageTypeReceived, "leak", t0)),
		event(t, entity.StreamMessages, entity.EventInsert, "", messageRow("m3", "unknown", entity.MessageTypeReceived, "lost", t0)),
	}
	for _, ev := range events {
		r.Apply(context.Background(), ev)
	}

	assert.Equal(t, before, s.Conversations())
	assert.Equal(t, 3, c.value())
	assert.Zero(t, f.calls)
}

func TestReducer_NoActiveWorkspace(t *testing.T) {
	r, s, _, _ := setup(t)
	r.SetWorkspace("")

	r.Apply(context.Background(), event(t, entity.StreamMessages, entity.EventInsert, "", messageRow("m1", "c1", entity.MessageTypeReceived, "hi", t0)))
	got, _ := s.Conversation("c1")
	assert.Empty(t, got.Messages)
}

func TestReducer_MessageLifecycle(t *testing.T) {
	r, s, _, _ := setup(t)
	ctx := context.Background()

	insert := event(t, entity.StreamMessages, entity.EventInsert, "w1", messageRow("m1", "c2", entity.MessageTypeReceived, "olá", t0))
	r.Apply(ctx, insert)
	r.Apply(ctx, insert)

	got, _ := s.Conversation("c2")
	require.Len(t, got.Messages, 1)
	assert.Equal(t, 1, got.UnreadCount)
	assert.Equal(t, "olá", got.LastMessage)
	assert.Equal(t, "12:00", got.Messages[0].Timestamp)
	assert.Equal(t, "c2", s.Conversations()[0].ID)

	read := entity.MessageRow{ID: "m1", ConversationID: entity.Some("c2"), IsRead: entity.Some(true)}
	r.Apply(ctx, event(t, entity.StreamMessages, entity.EventUpdate, "w1", read))
	got, _ = s.Conversation("c2")
	assert.Zero(t, got.UnreadCount)

	transcribed := entity.MessageRow{
		ID:                  "m1",
		TranscriptionStatus: entity.Some(entity.TranscriptionStatusCompleted),
		Transcription:       entity.Some("olá mundo"),
	}
	r.Apply(ctx, event(t, entity.StreamMessages, entity.EventUpdate, "w1", transcribed))
	msg, _ := s.Message("c2", "m1")
	assert.Equal(t, "olá mundo", msg.Transcription)
	assert.Equal(t, entity.TranscriptionStatusCompleted, msg.TranscriptionStatus)

	r.Apply(ctx, event(t, entity.StreamMessages, entity.EventDelete, "w1", entity.MessageRow{ID: "m1"}))
	msg, _ = s.Message("c2", "m1")
	assert.True(t, msg.IsDeleted())
	got, _ = s.Conversation("c2")
	assert.Len(t, got.Messages, 1, "soft delete keeps the message in place")
}

func TestReducer_OutOfOrderInsertsStaySorted(t *testing.T) {
	r, s, _, _ := setup(t)
	ctx := context.Background()

	r.Apply(ctx, event(t, entity.StreamMessages, entity.EventInsert, "w1", messageRow("late", "c1", entity.MessageTypeReceived, "b", t0.Add(time.Minute))))
	r.Apply(ctx, event(t, entity.StreamMessages, entity.EventInsert, "w1", messageRow("early", "c1", entity.MessageTypeReceived, "a", t0)))

	got, _ := s.Conversation("c1")
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "early", got.Messages[0].ID)
	assert.Equal(t, "b", got.LastMessage)
}

func TestReducer_SentInsertConsultsPending(t *testing.T) {
	cl := &claimer{result: true}
	r, s, _, _ := setup(t, WithPendingMatcher(cl))

	r.Apply(context.Background(), event(t, entity.StreamMessages, entity.EventInsert, "w1", messageRow("m1", "c1", entity.MessageTypeSent, "oi", t0)))
	assert.Equal(t, []string{"m1"}, cl.claims)
	got, _ := s.Conversation("c1")
	assert.Empty(t, got.Messages, "claimed messages are written by the matcher")

	cl.result = false
	r.Apply(context.Background(), event(t, entity.StreamMessages, entity.EventInsert, "w1", messageRow("m2", "c1", entity.MessageTypeSent, "oi", t0)))
	got, _ = s.Conversation("c1")
	require.Len(t, got.Messages, 1)
	assert.Equal(t, entity.MessageStatusSent, got.Messages[0].Status)
}

func TestReducer_ConversationFilter(t *testing.T) {
	r, s, _, _ := setup(t, WithConversation("c1"))

	r.Apply(context.Background(), event(t, entity.StreamMessages, entity.EventInsert, "w1", messageRow("m1", "c2", entity.MessageTypeReceived, "x", t0)))
	r.Apply(context.Background(), event(t, entity.StreamMessages, entity.EventInsert, "w1", messageRow("m2", "c1", entity.MessageTypeReceived, "y", t0)))

	c1, _ := s.Conversation("c1")
	c2, _ := s.Conversation("c2")
	assert.Len(t, c1.Messages, 1)
	assert.Empty(t, c2.Messages)
}

func TestReducer_MalformedEventsAreDropped(t *testing.T) {
	r, s, _, _ := setup(t)
	before := s.Conversations()

	assert.NotPanics(t, func() {
		r.Handle(context.Background(), []byte("{"))
		r.Handle(context.Background(), []byte(`{"stream":"calls","type":"INSERT"}`))
		r.Apply(context.Background(), entity.ChangeEvent{Stream: entity.StreamMessages, Type: entity.EventInsert, New: json.RawMessage(`{"id":`)})
		r.Apply(context.Background(), entity.ChangeEvent{Stream: entity.StreamMessages, Type: entity.EventInsert, New: json.RawMessage(`{"text_content":"no id"}`)})
		r.Apply(context.Background(), entity.ChangeEvent{Stream: entity.StreamConversations, Type: entity.EventUpdate, New: json.RawMessage(`[]`)})
		r.Apply(context.Background(), entity.ChangeEvent{Stream: entity.StreamConversations, Type: "UPSERT"})
	})
	assert.Equal(t, before, s.Conversations())
}

func TestReducer_HandleDecodesEnvelope(t *testing.T) {
	r, s, _, _ := setup(t)
	ev := event(t, entity.StreamMessages, entity.EventInsert, "w1", messageRow("m1", "c1", entity.MessageTypeReceived, "hi", t0))
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	r.Handle(context.Background(), data)
	_, ok := s.Message("c1", "m1")
	assert.True(t, ok)
}
