package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/vadim/neo-inbox/internal/domain/inbox/entity"
)

// DefaultSubjectPrefix is the root of change event subjects
const DefaultSubjectPrefix = "inbox"

// NATSConfig holds NATS connection configuration
type NATSConfig struct {
	URL           string
	Token         string
	SubjectPrefix string
}

// ConnectNATS establishes a connection to the NATS server
func ConnectNATS(cfg NATSConfig, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("neo-inbox"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			logger.Error("NATS error", fields...)
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// Subject returns the subject carrying one stream of a workspace
func Subject(prefix, workspaceID string, stream entity.Stream) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return fmt.Sprintf("%s.%s.%s", prefix, workspaceID, stream)
}

// NATSSource delivers change events published on NATS subjects
type NATSSource struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSSource creates a source over an open connection
func NewNATSSource(conn *nats.Conn, prefix string, logger *zap.Logger) *NATSSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSSource{conn: conn, prefix: prefix, logger: logger.Named("nats")}
}

// Subscribe implements Source. Messages of one subscription are handled sequentially.
// Handlers run under a context detached from ctx that ends when the subscription closes.
func (s *NATSSource) Subscribe(ctx context.Context, workspaceID string, stream entity.Stream, h Handler) (Subscription, error) {
	subject := Subject(s.prefix, workspaceID, stream)
	deliverCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	sub, err := s.conn.Subscribe(subject, s.messageHandler(deliverCtx, workspaceID, stream, h))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	return SubscriptionFunc(func() error {
		cancel()
		return sub.Unsubscribe()
	}), nil
}

func (s *NATSSource) messageHandler(ctx context.Context, workspaceID string, stream entity.Stream, h Handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		ev, err := entity.DecodeChangeEvent(msg.Data)
		if err != nil {
			s.logger.Warn("dropping undecodable event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if ev.Stream != stream {
			s.logger.Warn("dropping event of another stream", zap.String("subject", msg.Subject), zap.String("stream", string(ev.Stream)))
			return
		}
		if ev.WorkspaceID == "" {
			ev.WorkspaceID = workspaceID
		}
		h(ctx, ev)
	}
}

// NATSPublisher publishes change events after successful writes
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher creates a publisher over an open connection
func NewNATSPublisher(conn *nats.Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Publish sends ev on the subject of its workspace and stream
func (p *NATSPublisher) Publish(ctx context.Context, ev entity.ChangeEvent) error {
	if ev.WorkspaceID == "" {
		return entity.ErrWorkspaceRequired
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := p.conn.Publish(Subject(p.prefix, ev.WorkspaceID, ev.Stream), data); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}
	return nil
}
