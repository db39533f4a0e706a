package entity

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreviewText(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"text", Message{ContentType: ContentTypeText, Text: "Oi"}, "Oi"},
		{"image", Message{ContentType: ContentTypeImage, Text: "caption"}, "📷 Imagem"},
		{"audio", Message{ContentType: ContentTypeAudio}, "🎤 Áudio"},
		{"video", Message{ContentType: ContentTypeVideo}, "🎬 Vídeo"},
		{"document", Message{ContentType: ContentTypeDocument, FileName: "proposta.pdf"}, "📎 proposta.pdf"},
		{"document without name", Message{ContentType: ContentTypeDocument}, "📎 Documento"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PreviewText(tt.msg))
		})
	}
}

func TestFormatRelative(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "Agora", FormatRelative(now.Add(-30*time.Second), now))
	assert.Equal(t, "5min", FormatRelative(now.Add(-5*time.Minute), now))
	assert.Equal(t, "3h", FormatRelative(now.Add(-3*time.Hour-10*time.Minute), now))
	assert.Equal(t, "2d", FormatRelative(now.Add(-49*time.Hour), now))
}

func TestConversationRecompute(t *testing.T) {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	c := Conversation{
		Messages: []Message{
			{ID: "3", Type: MessageTypeDeleted, ContentType: ContentTypeText, Text: "gone", CreatedAt: base.Add(3 * time.Minute)},
			{ID: "1", Type: MessageTypeReceived, ContentType: ContentTypeText, Text: "first", CreatedAt: base.Add(time.Minute)},
			{ID: "2", Type: MessageTypeReceived, ContentType: ContentTypeAudio, Read: true, CreatedAt: base.Add(2 * time.Minute)},
		},
	}

	c.Recompute()

	assert.Equal(t, []string{"1", "2", "3"}, []string{c.Messages[0].ID, c.Messages[1].ID, c.Messages[2].ID})
	assert.Equal(t, 1, c.UnreadCount)
	assert.Equal(t, "🎤 Áudio", c.LastMessage)
	assert.Equal(t, 3, c.TotalMessages)
}

func TestSendRequestFor(t *testing.T) {
	req, err := SendRequestFor(ContentTypeDocument, "segue", Media{URL: "https://cdn/x.pdf", FileName: "x.pdf"}, 0)
	require.NoError(t, err)

	doc, ok := req.(DocumentSend)
	require.True(t, ok)
	assert.Equal(t, "segue", doc.Caption)
	require.NoError(t, doc.Validate())

	var m Message
	req.Fill(&m)
	assert.Equal(t, ContentTypeDocument, m.ContentType)
	assert.Equal(t, "x.pdf", m.FileName)

	_, err = SendRequestFor("sticker", "", Media{}, 0)
	assert.ErrorIs(t, err, ErrInvalidSendRequest)

	assert.ErrorIs(t, TextSend{Text: "   "}.Validate(), ErrEmptyMessage)
	assert.ErrorIs(t, AudioSend{}.Validate(), ErrMediaRequired)
}

func TestDecodeChangeEvent(t *testing.T) {
	ev, err := DecodeChangeEvent([]byte(`{"stream":"messages","type":"DELETE","old":{"id":"m1"}}`))
	require.NoError(t, err)
	assert.Equal(t, StreamMessages, ev.Stream)
	assert.JSONEq(t, `{"id":"m1"}`, string(ev.Row()))

	_, err = DecodeChangeEvent([]byte(`{"stream":"leads","type":"INSERT"}`))
	assert.True(t, errors.Is(err, ErrMalformedEvent))

	_, err = DecodeChangeEvent([]byte(`not json`))
	assert.True(t, errors.Is(err, ErrMalformedEvent))
}

func TestConversationRowPatch(t *testing.T) {
	var row ConversationRow
	require.NoError(t, json.Unmarshal([]byte(`{"id":"c1","status":"resolved","assigned_to":null,"contact_avatar":""}`), &row))

	p := row.Patch()
	require.NotNil(t, p.Status)
	assert.Equal(t, ConversationStatusResolved, *p.Status)
	require.NotNil(t, p.AssignedTo)
	assert.Equal(t, "", *p.AssignedTo)
	assert.Nil(t, p.Avatar)
	assert.Nil(t, p.ContactName)
	assert.False(t, p.TagsSet)

	c := Conversation{Avatar: "https://pic", AssignedTo: "u1", AssignedToName: "Ana"}
	p.Apply(&c)
	assert.Equal(t, "https://pic", c.Avatar)
	assert.Equal(t, "", c.AssignedTo)
	assert.Equal(t, UnassignedName, c.AssignedToName)
}

func TestMessageRowRoundTrip(t *testing.T) {
	created := time.Date(2025, 3, 10, 15, 4, 0, 0, time.UTC)
	in := Message{ID: "m1", ConversationID: "c1", Type: MessageTypeSent, ContentType: ContentTypeText, Text: "Oi", CreatedAt: created}

	data, err := json.Marshal(MessageRowFrom(in))
	require.NoError(t, err)

	var row MessageRow
	require.NoError(t, json.Unmarshal(data, &row))
	out := row.Message(time.UTC)

	assert.Equal(t, "m1", out.ID)
	assert.Equal(t, MessageStatusSent, out.Status)
	assert.Equal(t, "15:04", out.Timestamp)
	assert.True(t, out.CreatedAt.Equal(created))
}
