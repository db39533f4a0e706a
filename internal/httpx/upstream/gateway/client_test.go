package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_SendEndpoints(t *testing.T) {
	tests := []struct {
		name     string
		call     func(c *Client) (*SendOutput, error)
		wantPath string
		wantBody map[string]any
	}{
		{
			name: "text",
			call: func(c *Client) (*SendOutput, error) {
				return c.SendText(context.Background(), SendTextInput{ConversationID: "c1", WorkspaceID: "w1", Text: "olá", QuotedMessageID: "q1"})
			},
			wantPath: "/conversations/c1/messages/send",
			wantBody: map[string]any{"text": "olá", "quotedMessageId": "q1"},
		},
		{
			name: "audio",
			call: func(c *Client) (*SendOutput, error) {
				return c.SendAudio(context.Background(), SendAudioInput{ConversationID: "c1", WorkspaceID: "w1", AudioURL: "https://cdn/a.ogg", AudioDuration: 12})
			},
			wantPath: "/conversations/c1/messages/send-audio",
			wantBody: map[string]any{"audioUrl": "https://cdn/a.ogg", "audioDuration": float64(12)},
		},
		{
			name: "media",
			call: func(c *Client) (*SendOutput, error) {
				return c.SendMedia(context.Background(), SendMediaInput{ConversationID: "c1", WorkspaceID: "w1", MediaURL: "https://cdn/d.pdf", MediaType: "document", FileName: "d.pdf"})
			},
			wantPath: "/conversations/c1/messages/send-media",
			wantBody: map[string]any{"mediaUrl": "https://cdn/d.pdf", "mediaType": "document", "fileName": "d.pdf"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, tt.wantPath, r.URL.Path)
				assert.Equal(t, "w1", r.URL.Query().Get("workspaceId"))
				assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

				var body map[string]any
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, tt.wantBody, body)

				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"success":true,"message":{"id":"srv-1","created_at":"2024-05-10T12:00:00Z"}}`))
			}))
			defer srv.Close()

			c := New(WithBaseURL(srv.URL+"/"), WithToken("secret"))
			out, err := tt.call(c)
			require.NoError(t, err)
			assert.Equal(t, "srv-1", out.Message.ID)
			assert.Equal(t, "2024-05-10T12:00:00Z", out.Message.CreatedAt)
		})
	}
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/messages/m1/delete":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"Número inválido","code":"INVALID_NUMBER"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`upstream unavailable`))
		}
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL))

	err := c.DeleteMessage(context.Background(), DeleteMessageInput{MessageID: "m1", WorkspaceID: "w1"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "Número inválido", apiErr.Message)
	assert.Equal(t, "INVALID_NUMBER", apiErr.Code)

	_, err = c.SendText(context.Background(), SendTextInput{ConversationID: "c1", WorkspaceID: "w1", Text: "x"})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream unavailable", apiErr.Message)
}

func TestClient_ProfilePicture(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/contacts/profile-picture", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "+5511999990000", q.Get("phone"))
		assert.Equal(t, "w1", q.Get("workspaceId"))
		assert.Equal(t, "c1", q.Get("conversationId"))
		_, _ = w.Write([]byte(`{"url":"https://pps.whatsapp.net/x.jpg"}`))
	}))
	defer srv.Close()

	out, err := New(WithBaseURL(srv.URL)).ProfilePicture(context.Background(), ProfilePictureInput{
		Phone:          "+5511999990000",
		WorkspaceID:    "w1",
		ConversationID: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://pps.whatsapp.net/x.jpg", out.URL)
}
