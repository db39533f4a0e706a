package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/vadim/neo-inbox/internal/domain/inbox/entity"
	"github.com/vadim/neo-inbox/pkg/metrics"
)

// Handler receives the events of one subscription, one at a time
type Handler func(ctx context.Context, ev entity.ChangeEvent)

// Subscription is an open realtime subscription
type Subscription interface {
	Close() error
}

// Source opens realtime subscriptions for a workspace stream.
// Delivery is at-least-once; handlers must tolerate duplicates.
type Source interface {
	Subscribe(ctx context.Context, workspaceID string, stream entity.Stream, h Handler) (Subscription, error)
}

// SubscriptionFunc adapts a close function to Subscription
type SubscriptionFunc func() error

// Close implements Subscription
func (f SubscriptionFunc) Close() error {
	return f()
}

type subscriptionKey struct {
	workspaceID string
	stream      entity.Stream
}

// Subscriptions keeps at most one open subscription per workspace and stream
type Subscriptions struct {
	source Source
	logger *zap.Logger

	mu      sync.Mutex
	handles map[subscriptionKey]Subscription
}

// NewSubscriptions creates an empty registry over source
func NewSubscriptions(source Source, logger *zap.Logger) *Subscriptions {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriptions{
		source:  source,
		logger:  logger.Named("subscriptions"),
		handles: make(map[subscriptionKey]Subscription),
	}
}

// Subscribe opens a subscription, closing the previous one for the same workspace and stream first
func (s *Subscriptions) Subscribe(ctx context.Context, workspaceID string, stream entity.Stream, h Handler) error {
	if workspaceID == "" {
		return entity.ErrWorkspaceRequired
	}
	key := subscriptionKey{workspaceID: workspaceID, stream: stream}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.handles[key]; ok {
		delete(s.handles, key)
		s.closeHandle(key, old)
	}

	sub, err := s.source.Subscribe(ctx, workspaceID, stream, h)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", stream, err)
	}
	s.handles[key] = sub
	metrics.IncrementSubscriptions(string(stream))

	s.logger.Debug("subscribed", zap.String("workspace_id", workspaceID), zap.String("stream", string(stream)))
	return nil
}

// Close closes the subscription for a workspace and stream, if any
func (s *Subscriptions) Close(workspaceID string, stream entity.Stream) error {
	key := subscriptionKey{workspaceID: workspaceID, stream: stream}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.handles[key]
	if !ok {
		return nil
	}
	delete(s.handles, key)
	return s.closeHandle(key, sub)
}

// CloseAll closes every open subscription
func (s *Subscriptions) CloseAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for key, sub := range s.handles {
		delete(s.handles, key)
		if err := s.closeHandle(key, sub); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Active returns the number of open subscriptions
func (s *Subscriptions) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (s *Subscriptions) closeHandle(key subscriptionKey, sub Subscription) error {
	metrics.DecrementSubscriptions(string(key.stream))
	if err := sub.Close(); err != nil {
		s.logger.Warn("failed to close subscription",
			zap.String("workspace_id", key.workspaceID),
			zap.String("stream", string(key.stream)),
			zap.Error(err),
		)
		return fmt.Errorf("closing %s subscription: %w", key.stream, err)
	}
	return nil
}
