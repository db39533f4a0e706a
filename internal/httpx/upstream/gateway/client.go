package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// Client is the messaging gateway API client
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// ClientOption is a function that configures the Client
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithToken sets the bearer token sent with every request
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// New creates a new gateway client
func New(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// APIError represents an error from the gateway
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
	Code       string `json:"code,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway error: %s (status: %d, code: %s)", e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("gateway error: %s (status: %d)", e.Message, e.StatusCode)
}

// SentMessage is the stored message returned for an accepted send
type SentMessage struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at,omitempty"`
}

// SendOutput represents output from any send endpoint
type SendOutput struct {
	Success bool        `json:"success"`
	Message SentMessage `json:"message"`
}

// SendTextInput represents input for sending a text message
type SendTextInput struct {
	ConversationID  string `json:"-"`
	WorkspaceID     string `json:"-"`
	Text            string `json:"text"`
	QuotedMessageID string `json:"quotedMessageId,omitempty"`
}

// SendText sends a text message
// POST /conversations/{id}/messages/send
func (c *Client) SendText(ctx context.Context, in SendTextInput) (*SendOutput, error) {
	return c.send(ctx, in.ConversationID, "send", in.WorkspaceID, in)
}

// SendAudioInput represents input for sending a voice note
type SendAudioInput struct {
	ConversationID  string `json:"-"`
	WorkspaceID     string `json:"-"`
	AudioURL        string `json:"audioUrl"`
	AudioDuration   int    `json:"audioDuration,omitempty"`
	QuotedMessageID string `json:"quotedMessageId,omitempty"`
}

// SendAudio sends a voice note
// POST /conversations/{id}/messages/send-audio
func (c *Client) SendAudio(ctx context.Context, in SendAudioInput) (*SendOutput, error) {
	return c.send(ctx, in.ConversationID, "send-audio", in.WorkspaceID, in)
}

// SendMediaInput represents input for sending an image, video or document
type SendMediaInput struct {
	ConversationID  string `json:"-"`
	WorkspaceID     string `json:"-"`
	MediaURL        string `json:"mediaUrl"`
	MediaType       string `json:"mediaType"`
	MimeType        string `json:"mimeType,omitempty"`
	Caption         string `json:"caption,omitempty"`
	FileName        string `json:"fileName,omitempty"`
	QuotedMessageID string `json:"quotedMessageId,omitempty"`
}

// SendMedia sends an image, video or document
// POST /conversations/{id}/messages/send-media
func (c *Client) SendMedia(ctx context.Context, in SendMediaInput) (*SendOutput, error) {
	return c.send(ctx, in.ConversationID, "send-media", in.WorkspaceID, in)
}

func (c *Client) send(ctx context.Context, conversationID, action, workspaceID string, body any) (*SendOutput, error) {
	endpoint := fmt.Sprintf("%s/conversations/%s/messages/%s", c.baseURL, url.PathEscape(conversationID), action)

	params := url.Values{}
	params.Set("workspaceId", workspaceID)

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"?"+params.Encode(), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out SendOutput
	if err := c.do(req, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// DeleteMessageInput represents input for deleting a message
type DeleteMessageInput struct {
	MessageID   string
	WorkspaceID string
}

// DeleteMessage deletes a message for everyone
// DELETE /messages/{id}/delete
func (c *Client) DeleteMessage(ctx context.Context, in DeleteMessageInput) error {
	endpoint := fmt.Sprintf("%s/messages/%s/delete", c.baseURL, url.PathEscape(in.MessageID))

	params := url.Values{}
	params.Set("workspaceId", in.WorkspaceID)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	return c.do(req, nil)
}

// ProfilePictureInput represents input for looking up a contact picture
type ProfilePictureInput struct {
	Phone          string
	WorkspaceID    string
	ConversationID string
}

// ProfilePictureOutput represents output from a contact picture lookup
type ProfilePictureOutput struct {
	URL string `json:"url"`
}

// ProfilePicture looks up the profile picture of a contact
// GET /contacts/profile-picture
func (c *Client) ProfilePicture(ctx context.Context, in ProfilePictureInput) (*ProfilePictureOutput, error) {
	endpoint := c.baseURL + "/contacts/profile-picture"

	params := url.Values{}
	params.Set("phone", in.Phone)
	params.Set("workspaceId", in.WorkspaceID)
	if in.ConversationID != "" {
		params.Set("conversationId", in.ConversationID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	var out ProfilePictureOutput
	if err := c.do(req, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
			if apiErr.Message == "" {
				apiErr.Message = http.StatusText(resp.StatusCode)
			}
		}
		return apiErr
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}

	return nil
}
