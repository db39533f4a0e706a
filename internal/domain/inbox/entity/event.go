package entity

import (
	"encoding/json"
	"fmt"
)

// Stream names a realtime entity stream
type Stream string

const (
	StreamConversations Stream = "conversations"
	StreamMessages      Stream = "messages"
)

// Valid reports whether s is a known stream
func (s Stream) Valid() bool {
	return s == StreamConversations || s == StreamMessages
}

// EventType is the kind of row change carried by a realtime event
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Valid reports whether t is a known event type
func (t EventType) Valid() bool {
	return t == EventInsert || t == EventUpdate || t == EventDelete
}

// ChangeEvent is the envelope of a realtime row change.
// New carries the row after the change, Old the row before it (DELETE only carries Old).
type ChangeEvent struct {
	Stream      Stream          `json:"stream"`
	Type        EventType       `json:"type"`
	WorkspaceID string          `json:"workspace_id,omitempty"`
	New         json.RawMessage `json:"new,omitempty"`
	Old         json.RawMessage `json:"old,omitempty"`
}

// DecodeChangeEvent parses a JSON envelope
func DecodeChangeEvent(data []byte) (ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if !ev.Stream.Valid() || !ev.Type.Valid() {
		return ev, fmt.Errorf("%w: stream %q type %q", ErrMalformedEvent, ev.Stream, ev.Type)
	}
	return ev, nil
}

// Row returns the payload that identifies the changed row
func (e ChangeEvent) Row() json.RawMessage {
	if e.Type == EventDelete || len(e.New) == 0 || string(e.New) == "null" {
		return e.Old
	}
	return e.New
}

// NewChangeEvent builds an envelope around a row value
func NewChangeEvent(stream Stream, typ EventType, workspaceID string, row any) (ChangeEvent, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("encoding row: %w", err)
	}
	ev := ChangeEvent{Stream: stream, Type: typ, WorkspaceID: workspaceID}
	if typ == EventDelete {
		ev.Old = data
	} else {
		ev.New = data
	}
	return ev, nil
}
