package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/vadim/neo-inbox/internal/domain/inbox/entity"
)

// DefaultChannel is the LISTEN/NOTIFY channel carrying change events
const DefaultChannel = "inbox_changes"

// maxNotifyPayload is the Postgres limit for a NOTIFY payload
const maxNotifyPayload = 8000

var errPayloadTooLarge = errors.New("event payload exceeds notify limit")

// PostgresSource delivers change events sent with NOTIFY on one channel.
// Each subscription holds a dedicated pool connection.
type PostgresSource struct {
	pool    *pgxpool.Pool
	channel string
	logger  *zap.Logger
}

// NewPostgresSource creates a source listening on channel
func NewPostgresSource(pool *pgxpool.Pool, channel string, logger *zap.Logger) *PostgresSource {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresSource{pool: pool, channel: channel, logger: logger.Named("pgnotify")}
}

// Subscribe implements Source
func (s *PostgresSource) Subscribe(ctx context.Context, workspaceID string, stream entity.Stream, h Handler) (Subscription, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring listen connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listening on %s: %w", s.channel, err)
	}

	listenCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &pgSubscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		defer s.release(conn)

		for {
			n, err := conn.Conn().WaitForNotification(listenCtx)
			if err != nil {
				if listenCtx.Err() == nil {
					s.logger.Error("listen connection failed", zap.String("channel", s.channel), zap.Error(err))
				}
				return
			}

			ev, err := entity.DecodeChangeEvent([]byte(n.Payload))
			if err != nil {
				s.logger.Warn("dropping undecodable notification", zap.Error(err))
				continue
			}
			if ev.Stream != stream || ev.WorkspaceID != workspaceID {
				continue
			}
			h(listenCtx, ev)
		}
	}()

	return sub, nil
}

func (s *PostgresSource) release(conn *pgxpool.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := conn.Exec(ctx, "UNLISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		// a connection still listening must not go back to the pool
		_ = conn.Conn().Close(ctx)
	}
	conn.Release()
}

type pgSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Close stops listening and waits for the delivery loop to exit
func (s *pgSubscription) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}

// PostgresPublisher sends change events with pg_notify
type PostgresPublisher struct {
	pool    *pgxpool.Pool
	channel string
}

// NewPostgresPublisher creates a publisher on channel
func NewPostgresPublisher(pool *pgxpool.Pool, channel string) *PostgresPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PostgresPublisher{pool: pool, channel: channel}
}

// Publish notifies listeners of ev
func (p *PostgresPublisher) Publish(ctx context.Context, ev entity.ChangeEvent) error {
	if ev.WorkspaceID == "" {
		return entity.ErrWorkspaceRequired
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if len(data) > maxNotifyPayload {
		return errPayloadTooLarge
	}
	if _, err := p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", p.channel, string(data)); err != nil {
		return fmt.Errorf("notifying %s: %w", p.channel, err)
	}
	return nil
}
