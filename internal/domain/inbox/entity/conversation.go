package entity

import "time"

// Channel is the messaging channel a conversation arrived on
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
	ChannelChat     Channel = "chat"
)

// ConversationStatus represents the attendance status of a conversation
type ConversationStatus string

const (
	ConversationStatusWaiting    ConversationStatus = "waiting"
	ConversationStatusInProgress ConversationStatus = "in-progress"
	ConversationStatusResolved   ConversationStatus = "resolved"
)

// Valid reports whether s is a known status
func (s ConversationStatus) Valid() bool {
	switch s {
	case ConversationStatusWaiting, ConversationStatusInProgress, ConversationStatusResolved:
		return true
	}
	return false
}

// AttendantType tells whether a human agent or an AI pipeline answers the contact
type AttendantType string

const (
	AttendantTypeHuman AttendantType = "human"
	AttendantTypeAI    AttendantType = "ai"
)

// Valid reports whether t is a known attendant type
func (t AttendantType) Valid() bool {
	return t == AttendantTypeHuman || t == AttendantTypeAI
}

// UnassignedName is the display name used when nobody is assigned
const UnassignedName = "Não atribuído"

// Conversation is the local view of a chat thread with one contact.
// The conversation owns its messages.
type Conversation struct {
	ID             string             `json:"id"`
	WorkspaceID    string             `json:"workspace_id"`
	InboxID        string             `json:"inbox_id,omitempty"`
	ContactName    string             `json:"contact_name"`
	ContactPhone   string             `json:"contact_phone"`
	Avatar         string             `json:"avatar,omitempty"`
	Channel        Channel            `json:"channel"`
	Status         ConversationStatus `json:"status"`
	AssignedTo     string             `json:"assigned_to,omitempty"`
	AssignedToName string             `json:"assigned_to_name,omitempty"`
	Tags           []string           `json:"tags"`
	LeadID         string             `json:"lead_id,omitempty"`
	AttendantType  AttendantType      `json:"attendant_type"`
	LastMessage    string             `json:"last_message"`
	Timestamp      string             `json:"timestamp,omitempty"`
	LastUpdate     string             `json:"last_update,omitempty"`
	UnreadCount    int                `json:"unread_count"`
	TotalMessages  int                `json:"total_messages"`
	LastMessageAt  *time.Time         `json:"last_message_at,omitempty"`
	UpdatedAt      time.Time          `json:"updated_at"`
	Messages       []Message          `json:"messages"`
}

// Clone returns a deep copy that shares no slices with c
func (c Conversation) Clone() Conversation {
	out := c
	if c.Tags != nil {
		out.Tags = append([]string(nil), c.Tags...)
	}
	if c.Messages != nil {
		out.Messages = make([]Message, len(c.Messages))
		for i, m := range c.Messages {
			out.Messages[i] = m.Clone()
		}
	}
	if c.LastMessageAt != nil {
		t := *c.LastMessageAt
		out.LastMessageAt = &t
	}
	return out
}

// ConversationPatch carries the fields of a partial conversation update.
// Nil fields are left untouched.
type ConversationPatch struct {
	Status         *ConversationStatus
	ContactName    *string
	ContactPhone   *string
	Avatar         *string
	AttendantType  *AttendantType
	Tags           []string
	TagsSet        bool
	AssignedTo     *string
	AssignedToName *string
	LeadID         *string
	LastMessageAt  *time.Time
}

// Empty reports whether the patch changes nothing
func (p ConversationPatch) Empty() bool {
	return p.Status == nil && p.ContactName == nil && p.ContactPhone == nil &&
		p.Avatar == nil && p.AttendantType == nil && !p.TagsSet &&
		p.AssignedTo == nil && p.AssignedToName == nil && p.LeadID == nil &&
		p.LastMessageAt == nil
}

// Apply merges the patch into c
func (p ConversationPatch) Apply(c *Conversation) {
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.ContactName != nil {
		c.ContactName = *p.ContactName
	}
	if p.ContactPhone != nil {
		c.ContactPhone = *p.ContactPhone
	}
	// an empty avatar never blanks a resolved one
	if p.Avatar != nil && *p.Avatar != "" {
		c.Avatar = *p.Avatar
	}
	if p.AttendantType != nil {
		c.AttendantType = *p.AttendantType
	}
	if p.TagsSet {
		c.Tags = append([]string{}, p.Tags...)
	}
	if p.AssignedTo != nil {
		c.AssignedTo = *p.AssignedTo
		if *p.AssignedTo == "" {
			c.AssignedToName = UnassignedName
		}
	}
	if p.AssignedToName != nil {
		c.AssignedToName = *p.AssignedToName
	}
	if p.LeadID != nil {
		c.LeadID = *p.LeadID
	}
	if p.LastMessageAt != nil {
		t := *p.LastMessageAt
		c.LastMessageAt = &t
	}
}

// CreateConversationInput holds the fields needed to open a new conversation
type CreateConversationInput struct {
	WorkspaceID  string  `json:"workspace_id"`
	InboxID      string  `json:"inbox_id"`
	ContactName  string  `json:"contact_name"`
	ContactPhone string  `json:"contact_phone"`
	Channel      Channel `json:"channel"`
	LeadID       string  `json:"lead_id,omitempty"`
	AssignedTo   string  `json:"assigned_to,omitempty"`
}

// ConversationUpdate is the persisted subset of a conversation update
type ConversationUpdate struct {
	Status        *ConversationStatus
	AssignedTo    *string
	Tags          []string
	TagsSet       bool
	AttendantType *AttendantType
	LeadID        *string
}

// Empty reports whether the update changes nothing
func (u ConversationUpdate) Empty() bool {
	return u.Status == nil && u.AssignedTo == nil && !u.TagsSet &&
		u.AttendantType == nil && u.LeadID == nil
}

// ConversationFilter selects one page of a workspace's conversations
type ConversationFilter struct {
	WorkspaceID string
	Query       string
	Limit       int
	Offset      int
}
