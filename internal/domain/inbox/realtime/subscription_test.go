package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadim/neo-inbox/internal/domain/inbox/entity"
)

type recordingSource struct {
	mu       sync.Mutex
	opened   []string
	closed   []string
	closeErr error
	openErr  error
}

func (s *recordingSource) Subscribe(ctx context.Context, workspaceID string, stream entity.Stream, h Handler) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	name := workspaceID + "/" + string(stream) + "#" + string(rune('0'+len(s.opened)))
	s.opened = append(s.opened, name)
	return SubscriptionFunc(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = append(s.closed, name)
		return s.closeErr
	}), nil
}

func noop(context.Context, entity.ChangeEvent) {}

func TestSubscriptions_OnePerWorkspaceStream(t *testing.T) {
	src := &recordingSource{}
	subs := NewSubscriptions(src, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, subs.Subscribe(ctx, "w1", entity.StreamConversations, noop))
	require.NoError(t, subs.Subscribe(ctx, "w1", entity.StreamMessages, noop))
	require.NoError(t, subs.Subscribe(ctx, "w1", entity.StreamConversations, noop))

	assert.Equal(t, 2, subs.Active())
	assert.Equal(t, []string{"w1/conversations#0"}, src.closed, "previous handle closed before reopening")

	require.NoError(t, subs.Close("w1", entity.StreamMessages))
	require.NoError(t, subs.Close("w1", entity.StreamMessages))
	assert.Equal(t, 1, subs.Active())

	require.NoError(t, subs.CloseAll())
	assert.Zero(t, subs.Active())
	assert.Len(t, src.closed, 3)
}

func TestSubscriptions_Errors(t *testing.T) {
	src := &recordingSource{}
	subs := NewSubscriptions(src, nil)
	ctx := context.Background()

	assert.ErrorIs(t, subs.Subscribe(ctx, "", entity.StreamMessages, noop), entity.ErrWorkspaceRequired)

	src.openErr = errors.New("refused")
	assert.ErrorIs(t, subs.Subscribe(ctx, "w1", entity.StreamMessages, noop), src.openErr)
	assert.Zero(t, subs.Active())

	src.openErr = nil
	require.NoError(t, subs.Subscribe(ctx, "w1", entity.StreamMessages, noop))
	src.closeErr = errors.New("already gone")
	assert.ErrorIs(t, subs.CloseAll(), src.closeErr)
	assert.Zero(t, subs.Active())
}

func TestHub_DeliversToMatchingSubscribers(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	record := func(tag string) Handler {
		return func(_ context.Context, ev entity.ChangeEvent) {
			mu.Lock()
			got = append(got, tag+":"+string(ev.Type))
			mu.Unlock()
		}
	}

	sub1, err := hub.Subscribe(ctx, "w1", entity.StreamMessages, record("w1"))
	require.NoError(t, err)
	sub2, err := hub.Subscribe(ctx, "w2", entity.StreamMessages, record("w2"))
	require.NoError(t, err)
	assert.Equal(t, 2, hub.Subscribers())

	require.NoError(t, hub.Publish(ctx, entity.ChangeEvent{Stream: entity.StreamMessages, Type: entity.EventInsert, WorkspaceID: "w1"}))
	require.NoError(t, hub.Publish(ctx, entity.ChangeEvent{Stream: entity.StreamConversations, Type: entity.EventUpdate, WorkspaceID: "w1"}))
	assert.ErrorIs(t, hub.Publish(ctx, entity.ChangeEvent{Stream: entity.StreamMessages, Type: entity.EventInsert}), entity.ErrWorkspaceRequired)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, sub1.Close())
	require.NoError(t, sub1.Close())
	require.NoError(t, sub2.Close())
	assert.Zero(t, hub.Subscribers())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"w1:INSERT"}, got)
}

func TestHub_CloseCancelsRunningHandler(t *testing.T) {
	hub := NewHub(zap.NewNop())
	reqCtx, cancelReq := context.WithCancel(context.Background())

	started := make(chan struct{})
	finished := make(chan error, 1)
	sub, err := hub.Subscribe(reqCtx, "w1", entity.StreamConversations, func(ctx context.Context, _ entity.ChangeEvent) {
		close(started)
		<-ctx.Done()
		finished <- ctx.Err()
	})
	require.NoError(t, err)

	// the subscribing request ending must not cancel deliveries
	cancelReq()
	require.NoError(t, hub.Publish(context.Background(), entity.ChangeEvent{Stream: entity.StreamConversations, Type: entity.EventInsert, WorkspaceID: "w1"}))
	<-started
	select {
	case <-finished:
		t.Fatal("handler cancelled before close")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, sub.Close())
	select {
	case err := <-finished:
		assert.ErrorIs(t, err, context.Canceled)
	default:
		t.Fatal("close returned while the handler was still running")
	}
}

func TestNATSSource_HandlerContextOutlivesSubscriber(t *testing.T) {
	src := NewNATSSource(nil, "", zap.NewNop())
	reqCtx, cancelReq := context.WithCancel(context.Background())
	deliverCtx, cancel := context.WithCancel(context.WithoutCancel(reqCtx))

	var got []entity.ChangeEvent
	var errs []error
	h := src.messageHandler(deliverCtx, "w1", entity.StreamConversations, func(ctx context.Context, ev entity.ChangeEvent) {
		got = append(got, ev)
		errs = append(errs, ctx.Err())
	})

	ev, err := entity.NewChangeEvent(entity.StreamConversations, entity.EventInsert, "", entity.ConversationRow{ID: "c1"})
	require.NoError(t, err)
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	other, err := json.Marshal(entity.ChangeEvent{Stream: entity.StreamMessages, Type: entity.EventInsert, WorkspaceID: "w1"})
	require.NoError(t, err)

	cancelReq()
	h(&nats.Msg{Subject: "inbox.w1.conversations", Data: data})
	h(&nats.Msg{Subject: "inbox.w1.conversations", Data: other})
	h(&nats.Msg{Subject: "inbox.w1.conversations", Data: []byte("{")})

	require.Len(t, got, 1)
	assert.Equal(t, "w1", got[0].WorkspaceID)
	assert.NoError(t, errs[0])

	cancel()
	h(&nats.Msg{Subject: "inbox.w1.conversations", Data: data})
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[1], context.Canceled)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "inbox.w1.messages", Subject("", "w1", entity.StreamMessages))
	assert.Equal(t, "crm.w9.conversations", Subject("crm", "w9", entity.StreamConversations))
}
