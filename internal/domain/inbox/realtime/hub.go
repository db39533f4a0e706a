package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vadim/neo-inbox/internal/domain/inbox/entity"
)

const hubBuffer = 256

// Hub is an in-process Source and publisher, used when no broker is configured
type Hub struct {
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[string]*hubSubscriber
}

type hubSubscriber struct {
	workspaceID string
	stream      entity.Stream
	events      chan entity.ChangeEvent
	done        chan struct{}
	once        sync.Once
}

// NewHub creates an empty hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{logger: logger.Named("hub"), subs: make(map[string]*hubSubscriber)}
}

// Subscribe implements Source
func (h *Hub) Subscribe(ctx context.Context, workspaceID string, stream entity.Stream, handler Handler) (Subscription, error) {
	id := uuid.NewString()
	sub := &hubSubscriber{
		workspaceID: workspaceID,
		stream:      stream,
		events:      make(chan entity.ChangeEvent, hubBuffer),
		done:        make(chan struct{}),
	}

	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	deliverCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		for {
			select {
			case ev := <-sub.events:
				handler(deliverCtx, ev)
			case <-sub.done:
				return
			}
		}
	}()

	// Close cancels a running handler and waits for the delivery loop to exit
	return SubscriptionFunc(func() error {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		sub.once.Do(func() {
			cancel()
			close(sub.done)
		})
		<-exited
		return nil
	}), nil
}

// Publish delivers ev to every subscriber of its workspace and stream.
// Events for a subscriber whose buffer is full are dropped.
func (h *Hub) Publish(_ context.Context, ev entity.ChangeEvent) error {
	if ev.WorkspaceID == "" {
		return entity.ErrWorkspaceRequired
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, sub := range h.subs {
		if sub.workspaceID != ev.WorkspaceID || sub.stream != ev.Stream {
			continue
		}
		select {
		case sub.events <- ev:
		case <-sub.done:
		default:
			h.logger.Warn("subscriber buffer full, dropping event", zap.String("subscriber", id), zap.String("stream", string(ev.Stream)))
		}
	}
	return nil
}

// Subscribers returns the number of open subscriptions
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
