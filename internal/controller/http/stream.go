package http

import (
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vadim/neo-inbox/pkg/metrics"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
	streamReadLimit  = 4 << 10
)

// StreamHandler pushes session snapshots to websocket clients after every store change
type StreamHandler struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewStreamHandler creates a stream handler accepting the given origins ("*" allows any)
func NewStreamHandler(allowedOrigins []string, logger *zap.Logger) *StreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
		logger: logger.Named("stream"),
	}
}

// Serve returns a handler that writes snapshot() once on connect and again
// every time watch signals. A nil snapshot is skipped.
func (h *StreamHandler) Serve(watch func() (<-chan struct{}, func()), snapshot func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		metrics.IncrementStreamClients()
		defer metrics.DecrementStreamClients()

		changes, stop := watch()
		defer stop()

		done := make(chan struct{})
		go h.readLoop(conn, done)

		ping := time.NewTicker(streamPingPeriod)
		defer ping.Stop()

		if !h.write(conn, snapshot()) {
			return
		}
		for {
			select {
			case <-done:
				return
			case <-r.Context().Done():
				return
			case <-changes:
				if !h.write(conn, snapshot()) {
					return
				}
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}

func (h *StreamHandler) write(conn *websocket.Conn, v any) bool {
	if v == nil {
		return true
	}
	conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := conn.WriteJSON(v); err != nil {
		h.logger.Debug("writing snapshot", zap.Error(err))
		return false
	}
	return true
}

// readLoop drains client frames so pongs and close frames are processed
func (h *StreamHandler) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(streamReadLimit)
	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("stream read error", zap.Error(err))
			}
			return
		}
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 || slices.Contains(allowed, "*") {
			return true
		}
		return slices.Contains(allowed, origin)
	}
}
