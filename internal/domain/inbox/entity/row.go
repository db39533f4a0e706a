package entity

import (
	"encoding/json"
	"time"
)

// Field is a JSON value that remembers whether it was present in the payload
type Field[T any] struct {
	Value T
	Set   bool
	Null  bool
}

// Some returns a present, non-null field
func Some[T any](v T) Field[T] {
	return Field[T]{Value: v, Set: true}
}

// UnmarshalJSON implements json.Unmarshaler
func (f *Field[T]) UnmarshalJSON(b []byte) error {
	f.Set = true
	if string(b) == "null" {
		f.Null = true
		return nil
	}
	return json.Unmarshal(b, &f.Value)
}

// MarshalJSON implements json.Marshaler
func (f Field[T]) MarshalJSON() ([]byte, error) {
	if f.Null {
		return []byte("null"), nil
	}
	return json.Marshal(f.Value)
}

// IsZero lets omitzero drop fields that were never set
func (f Field[T]) IsZero() bool {
	return !f.Set
}

// Present reports whether the field carries a non-null value
func (f Field[T]) Present() bool {
	return f.Set && !f.Null
}

// ConversationRow is the database shape of a conversation as carried by realtime payloads
type ConversationRow struct {
	ID            string                    `json:"id"`
	WorkspaceID   Field[string]             `json:"workspace_id,omitzero"`
	InboxID       Field[string]             `json:"inbox_id,omitzero"`
	ContactName   Field[string]             `json:"contact_name,omitzero"`
	ContactPhone  Field[string]             `json:"contact_phone,omitzero"`
	ContactAvatar Field[string]             `json:"contact_avatar,omitzero"`
	Status        Field[ConversationStatus] `json:"status,omitzero"`
	AssignedTo    Field[string]             `json:"assigned_to,omitzero"`
	Channel       Field[Channel]            `json:"channel,omitzero"`
	Tags          Field[[]string]           `json:"tags,omitzero"`
	LeadID        Field[string]             `json:"lead_id,omitzero"`
	AttendantType Field[AttendantType]      `json:"attendant_type,omitzero"`
	UnreadCount   Field[int]                `json:"unread_count,omitzero"`
	TotalMessages Field[int]                `json:"total_messages,omitzero"`
	CreatedAt     Field[time.Time]          `json:"created_at,omitzero"`
	UpdatedAt     Field[time.Time]          `json:"updated_at,omitzero"`
	LastMessageAt Field[time.Time]          `json:"last_message_at,omitzero"`
}

// Patch returns the conversation fields carried by the row.
// The avatar is only carried when non-empty.
func (r ConversationRow) Patch() ConversationPatch {
	var p ConversationPatch
	if r.Status.Present() {
		v := r.Status.Value
		p.Status = &v
	}
	if r.ContactName.Present() {
		v := r.ContactName.Value
		p.ContactName = &v
	}
	if r.ContactPhone.Present() {
		v := r.ContactPhone.Value
		p.ContactPhone = &v
	}
	if r.ContactAvatar.Present() && r.ContactAvatar.Value != "" {
		v := r.ContactAvatar.Value
		p.Avatar = &v
	}
	if r.AttendantType.Present() {
		v := r.AttendantType.Value
		p.AttendantType = &v
	}
	if r.Tags.Set {
		p.TagsSet = true
		p.Tags = r.Tags.Value
	}
	if r.AssignedTo.Set {
		v := r.AssignedTo.Value
		p.AssignedTo = &v
	}
	if r.LeadID.Set {
		v := r.LeadID.Value
		p.LeadID = &v
	}
	if r.LastMessageAt.Present() {
		v := r.LastMessageAt.Value
		p.LastMessageAt = &v
	}
	return p
}

// ConversationRowFrom builds the row for a conversation
func ConversationRowFrom(c Conversation) ConversationRow {
	r := ConversationRow{
		ID:            c.ID,
		WorkspaceID:   Some(c.WorkspaceID),
		InboxID:       Some(c.InboxID),
		ContactName:   Some(c.ContactName),
		ContactPhone:  Some(c.ContactPhone),
		ContactAvatar: Some(c.Avatar),
		Status:        Some(c.Status),
		AssignedTo:    Some(c.AssignedTo),
		Channel:       Some(c.Channel),
		Tags:          Some(c.Tags),
		LeadID:        Some(c.LeadID),
		AttendantType: Some(c.AttendantType),
		UnreadCount:   Some(c.UnreadCount),
		TotalMessages: Some(c.TotalMessages),
		UpdatedAt:     Some(c.UpdatedAt),
	}
	if c.LastMessageAt != nil {
		r.LastMessageAt = Some(*c.LastMessageAt)
	}
	return r
}

// MessageRow is the database shape of a message as carried by realtime payloads
type MessageRow struct {
	ID                    string                     `json:"id"`
	ConversationID        Field[string]              `json:"conversation_id,omitzero"`
	ContentType           Field[ContentType]         `json:"content_type,omitzero"`
	MessageType           Field[MessageType]         `json:"message_type,omitzero"`
	TextContent           Field[string]              `json:"text_content,omitzero"`
	MediaURL              Field[string]              `json:"media_url,omitzero"`
	MediaDuration         Field[int]                 `json:"media_duration,omitzero"`
	FileName              Field[string]              `json:"file_name,omitzero"`
	FileSize              Field[int64]               `json:"file_size,omitzero"`
	MimeType              Field[string]              `json:"mime_type,omitzero"`
	IsRead                Field[bool]                `json:"is_read,omitzero"`
	SentBy                Field[string]              `json:"sent_by,omitzero"`
	PipelineID            Field[string]              `json:"pipeline_id,omitzero"`
	CreatedAt             Field[time.Time]           `json:"created_at,omitzero"`
	Transcription         Field[string]              `json:"transcription,omitzero"`
	TranscriptionStatus   Field[TranscriptionStatus] `json:"transcription_status,omitzero"`
	TranscriptionProvider Field[string]              `json:"transcription_provider,omitzero"`
	TranscribedAt         Field[time.Time]           `json:"transcribed_at,omitzero"`
}

// Message converts a full row into a message, formatting the clock in loc
func (r MessageRow) Message(loc *time.Location) Message {
	m := Message{
		ID:                    r.ID,
		ConversationID:        r.ConversationID.Value,
		Type:                  r.MessageType.Value,
		Text:                  r.TextContent.Value,
		ContentType:           r.ContentType.Value,
		MediaURL:              r.MediaURL.Value,
		MediaDuration:         r.MediaDuration.Value,
		FileName:              r.FileName.Value,
		FileSize:              r.FileSize.Value,
		MimeType:              r.MimeType.Value,
		Read:                  r.IsRead.Value,
		CreatedAt:             r.CreatedAt.Value,
		PipelineID:            r.PipelineID.Value,
		Transcription:         r.Transcription.Value,
		TranscriptionStatus:   r.TranscriptionStatus.Value,
		TranscriptionProvider: r.TranscriptionProvider.Value,
	}
	if m.ContentType == "" {
		m.ContentType = ContentTypeText
	}
	if m.Type == MessageTypeSent {
		m.Status = MessageStatusSent
	}
	if r.CreatedAt.Present() {
		m.Timestamp = FormatClock(m.CreatedAt, loc)
	}
	if r.TranscribedAt.Present() {
		t := r.TranscribedAt.Value
		m.TranscribedAt = &t
	}
	return m
}

// Patch returns the message fields a realtime UPDATE may change
func (r MessageRow) Patch() MessagePatch {
	var p MessagePatch
	if r.MessageType.Present() {
		v := r.MessageType.Value
		p.Type = &v
	}
	if r.IsRead.Present() {
		v := r.IsRead.Value
		p.Read = &v
	}
	if r.TextContent.Present() {
		v := r.TextContent.Value
		p.Text = &v
	}
	if r.MediaURL.Present() {
		v := r.MediaURL.Value
		p.MediaURL = &v
	}
	if r.Transcription.Set {
		v := r.Transcription.Value
		p.Transcription = &v
	}
	if r.TranscriptionStatus.Present() {
		v := r.TranscriptionStatus.Value
		p.TranscriptionStatus = &v
	}
	if r.TranscriptionProvider.Set {
		v := r.TranscriptionProvider.Value
		p.TranscriptionProvider = &v
	}
	if r.TranscribedAt.Present() {
		v := r.TranscribedAt.Value
		p.TranscribedAt = &v
	}
	return p
}

// MessageRowFrom builds the row for a message
func MessageRowFrom(m Message) MessageRow {
	r := MessageRow{
		ID:             m.ID,
		ConversationID: Some(m.ConversationID),
		ContentType:    Some(m.ContentType),
		MessageType:    Some(m.Type),
		TextContent:    Some(m.Text),
		MediaURL:       Some(m.MediaURL),
		MediaDuration:  Some(m.MediaDuration),
		FileName:       Some(m.FileName),
		FileSize:       Some(m.FileSize),
		MimeType:       Some(m.MimeType),
		IsRead:         Some(m.Read),
		PipelineID:     Some(m.PipelineID),
		CreatedAt:      Some(m.CreatedAt),
	}
	if m.TranscriptionStatus != "" {
		r.TranscriptionStatus = Some(m.TranscriptionStatus)
		r.Transcription = Some(m.Transcription)
		r.TranscriptionProvider = Some(m.TranscriptionProvider)
	}
	if m.TranscribedAt != nil {
		r.TranscribedAt = Some(*m.TranscribedAt)
	}
	return r
}
