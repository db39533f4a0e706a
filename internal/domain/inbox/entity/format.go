package entity

import (
	"fmt"
	"sort"
	"time"
)

// Display layouts used by the inbox UI
const (
	ClockLayout      = "15:04"
	LastUpdateLayout = "02/01/2006, 15:04:05"
)

// PreviewText returns the list preview for a message
func PreviewText(m Message) string {
	switch m.ContentType {
	case ContentTypeImage:
		return "📷 Imagem"
	case ContentTypeAudio:
		return "🎤 Áudio"
	case ContentTypeVideo:
		return "🎬 Vídeo"
	case ContentTypeDocument:
		if m.FileName == "" {
			return "📎 Documento"
		}
		return "📎 " + m.FileName
	}
	return m.Text
}

// FormatRelative renders the age of t as Agora, Nmin, Nh or Nd
func FormatRelative(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "Agora"
	case d < time.Hour:
		return fmt.Sprintf("%dmin", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d/time.Hour))
	}
	return fmt.Sprintf("%dd", int(d/(24*time.Hour)))
}

// FormatClock renders t as HH:MM in loc
func FormatClock(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(ClockLayout)
}

// FormatLastUpdate renders t as dd/mm/yyyy, HH:MM:SS in loc
func FormatLastUpdate(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(LastUpdateLayout)
}

// SortMessages orders messages by creation time, keeping the relative order of equal timestamps
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// CountUnread counts received messages that were not read
func CountUnread(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		if m.IsUnread() {
			n++
		}
	}
	return n
}

// LastVisible returns the newest message that was not soft deleted
func LastVisible(msgs []Message) (Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if !msgs[i].IsDeleted() {
			return msgs[i], true
		}
	}
	return Message{}, false
}

// Recompute restores the derived fields of c from its messages:
// sort order, unread count, preview text and total.
func (c *Conversation) Recompute() {
	SortMessages(c.Messages)
	c.UnreadCount = CountUnread(c.Messages)
	c.LastMessage = ""
	if last, ok := LastVisible(c.Messages); ok {
		c.LastMessage = PreviewText(last)
	}
	if c.TotalMessages < len(c.Messages) {
		c.TotalMessages = len(c.Messages)
	}
}

// ActivityAt is the time used for the relative timestamp
func (c Conversation) ActivityAt() time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.UpdatedAt
}
