package entity

import "time"

// MessageType is the sender role of a message. MessageTypeDeleted marks a soft-deleted message.
type MessageType string

const (
	MessageTypeSent     MessageType = "sent"
	MessageTypeReceived MessageType = "received"
	MessageTypeDeleted  MessageType = "delete"
)

// ContentType represents the payload kind of a message
type ContentType string

const (
	ContentTypeText     ContentType = "text"
	ContentTypeImage    ContentType = "image"
	ContentTypeAudio    ContentType = "audio"
	ContentTypeVideo    ContentType = "video"
	ContentTypeDocument ContentType = "document"
)

// MessageStatus is the delivery status of an outgoing message
type MessageStatus string

const (
	MessageStatusSending MessageStatus = "sending"
	MessageStatusSent    MessageStatus = "sent"
	MessageStatusError   MessageStatus = "error"
)

// TranscriptionStatus tracks audio transcription progress
type TranscriptionStatus string

const (
	TranscriptionStatusNone       TranscriptionStatus = "none"
	TranscriptionStatusPending    TranscriptionStatus = "pending"
	TranscriptionStatusProcessing TranscriptionStatus = "processing"
	TranscriptionStatusCompleted  TranscriptionStatus = "completed"
	TranscriptionStatusFailed     TranscriptionStatus = "failed"
	TranscriptionStatusDisabled   TranscriptionStatus = "disabled"
)

// TempIDPrefix prefixes client generated ids of optimistic messages
const TempIDPrefix = "temp-"

// MaxMessageLength is the maximum length of a text message
const MaxMessageLength = 4096

// Message is a single chat message inside a conversation
type Message struct {
	ID                    string              `json:"id"`
	ConversationID        string              `json:"conversation_id"`
	Type                  MessageType         `json:"type"`
	Text                  string              `json:"text,omitempty"`
	ContentType           ContentType         `json:"content_type"`
	MediaURL              string              `json:"media_url,omitempty"`
	MediaDuration         int                 `json:"media_duration,omitempty"`
	FileName              string              `json:"file_name,omitempty"`
	FileSize              int64               `json:"file_size,omitempty"`
	MimeType              string              `json:"mime_type,omitempty"`
	Read                  bool                `json:"read"`
	Status                MessageStatus       `json:"status,omitempty"`
	CreatedAt             time.Time           `json:"created_at"`
	Timestamp             string              `json:"timestamp,omitempty"`
	PipelineID            string              `json:"pipeline_id,omitempty"`
	Transcription         string              `json:"transcription,omitempty"`
	TranscriptionStatus   TranscriptionStatus `json:"transcription_status,omitempty"`
	TranscriptionProvider string              `json:"transcription_provider,omitempty"`
	TranscribedAt         *time.Time          `json:"transcribed_at,omitempty"`
}

// Clone returns a copy of m that shares no pointers with it
func (m Message) Clone() Message {
	out := m
	if m.TranscribedAt != nil {
		t := *m.TranscribedAt
		out.TranscribedAt = &t
	}
	return out
}

// IsTemporary reports whether the message still carries a client generated id
func (m Message) IsTemporary() bool {
	return len(m.ID) > len(TempIDPrefix) && m.ID[:len(TempIDPrefix)] == TempIDPrefix
}

// IsDeleted reports whether the message was soft deleted
func (m Message) IsDeleted() bool {
	return m.Type == MessageTypeDeleted
}

// IsUnread reports whether the message counts towards the unread badge
func (m Message) IsUnread() bool {
	return m.Type == MessageTypeReceived && !m.Read
}

// MessagePatch carries the fields of an in-place message update.
// Nil fields are left untouched.
type MessagePatch struct {
	Type                  *MessageType
	Read                  *bool
	Status                *MessageStatus
	Text                  *string
	MediaURL              *string
	Transcription         *string
	TranscriptionStatus   *TranscriptionStatus
	TranscriptionProvider *string
	TranscribedAt         *time.Time
}

// Empty reports whether the patch changes nothing
func (p MessagePatch) Empty() bool {
	return p.Type == nil && p.Read == nil && p.Status == nil && p.Text == nil &&
		p.MediaURL == nil && p.Transcription == nil && p.TranscriptionStatus == nil &&
		p.TranscriptionProvider == nil && p.TranscribedAt == nil
}

// Apply merges the patch into m
func (p MessagePatch) Apply(m *Message) {
	if p.Type != nil {
		m.Type = *p.Type
	}
	if p.Read != nil {
		m.Read = *p.Read
	}
	if p.Status != nil {
		m.Status = *p.Status
	}
	if p.Text != nil {
		m.Text = *p.Text
	}
	if p.MediaURL != nil {
		m.MediaURL = *p.MediaURL
	}
	if p.Transcription != nil {
		m.Transcription = *p.Transcription
	}
	if p.TranscriptionStatus != nil {
		m.TranscriptionStatus = *p.TranscriptionStatus
	}
	if p.TranscriptionProvider != nil {
		m.TranscriptionProvider = *p.TranscriptionProvider
	}
	if p.TranscribedAt != nil {
		t := *p.TranscribedAt
		m.TranscribedAt = &t
	}
}

// ValidateMessageText validates the text for an outgoing message
func ValidateMessageText(text string) error {
	if text == "" {
		return ErrEmptyMessage
	}
	if len(text) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}
