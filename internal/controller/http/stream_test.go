package http

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadim/neo-inbox/internal/domain/inbox/entity"
	"github.com/vadim/neo-inbox/internal/domain/inbox/policy"
)

func TestStreamHandler_PushesSnapshots(t *testing.T) {
	s := newFakeSession()
	stream := NewStreamHandler([]string{"*"}, nil)
	srv := httptest.NewServer(stream.Serve(s.Watch, func() any { return s.Snapshot() }))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first policy.Snapshot
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "w1", first.WorkspaceID)
	assert.Empty(t, first.Conversations)

	s.mu.Lock()
	s.snapshot.Conversations = []entity.Conversation{{ID: "c1"}}
	s.snapshot.Total = 1
	s.mu.Unlock()
	s.changes <- struct{}{}

	var second policy.Snapshot
	require.NoError(t, conn.ReadJSON(&second))
	require.Len(t, second.Conversations, 1)
	assert.Equal(t, "c1", second.Conversations[0].ID)
	assert.Equal(t, 1, second.Total)
}

func TestCheckOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	req.Header.Set("Origin", "https://app.example.com")

	assert.True(t, checkOrigin([]string{"*"})(req))
	assert.True(t, checkOrigin([]string{"https://app.example.com"})(req))
	assert.False(t, checkOrigin([]string{"https://other.example.com"})(req))
}
