package entity

import "strings"

// SendRequest is the closed set of outgoing message kinds.
// Implementations: TextSend, AudioSend, ImageSend, VideoSend, DocumentSend.
type SendRequest interface {
	ContentType() ContentType
	Validate() error
	// Fill copies the content fields into an outgoing message
	Fill(m *Message)
	sendRequest()
}

// TextSend sends a plain text message
type TextSend struct {
	Text            string
	QuotedMessageID string
}

// AudioSend sends a voice note
type AudioSend struct {
	URL             string
	Duration        int
	QuotedMessageID string
}

// Media holds the fields shared by image, video and document sends
type Media struct {
	URL             string
	MimeType        string
	Caption         string
	FileName        string
	Size            int64
	QuotedMessageID string
}

// ImageSend sends a picture
type ImageSend struct{ Media }

// VideoSend sends a video clip
type VideoSend struct{ Media }

// DocumentSend sends an arbitrary file
type DocumentSend struct{ Media }

func (TextSend) sendRequest()     {}
func (AudioSend) sendRequest()    {}
func (ImageSend) sendRequest()    {}
func (VideoSend) sendRequest()    {}
func (DocumentSend) sendRequest() {}

func (TextSend) ContentType() ContentType     { return ContentTypeText }
func (AudioSend) ContentType() ContentType    { return ContentTypeAudio }
func (ImageSend) ContentType() ContentType    { return ContentTypeImage }
func (VideoSend) ContentType() ContentType    { return ContentTypeVideo }
func (DocumentSend) ContentType() ContentType { return ContentTypeDocument }

func (s TextSend) Validate() error {
	return ValidateMessageText(strings.TrimSpace(s.Text))
}

func (s AudioSend) Validate() error {
	if s.URL == "" {
		return ErrMediaRequired
	}
	return nil
}

func (s Media) Validate() error {
	if s.URL == "" {
		return ErrMediaRequired
	}
	if len(s.Caption) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

func (s TextSend) Fill(m *Message) {
	m.ContentType = ContentTypeText
	m.Text = s.Text
}

func (s AudioSend) Fill(m *Message) {
	m.ContentType = ContentTypeAudio
	m.MediaURL = s.URL
	m.MediaDuration = s.Duration
}

func (s ImageSend) Fill(m *Message) {
	s.fill(m)
	m.ContentType = ContentTypeImage
}

func (s VideoSend) Fill(m *Message) {
	s.fill(m)
	m.ContentType = ContentTypeVideo
}

func (s DocumentSend) Fill(m *Message) {
	s.fill(m)
	m.ContentType = ContentTypeDocument
}

func (s Media) fill(m *Message) {
	m.Text = s.Caption
	m.MediaURL = s.URL
	m.MimeType = s.MimeType
	m.FileName = s.FileName
	m.FileSize = s.Size
}

// SendResult is what the backend returns for an accepted send
type SendResult struct {
	MessageID string
	CreatedAt string
}

// SendRequestFor builds a send request for a content type. Unknown types yield ErrInvalidSendRequest.
func SendRequestFor(ct ContentType, text string, media Media, duration int) (SendRequest, error) {
	switch ct {
	case ContentTypeText, "":
		return TextSend{Text: text, QuotedMessageID: media.QuotedMessageID}, nil
	case ContentTypeAudio:
		return AudioSend{URL: media.URL, Duration: duration, QuotedMessageID: media.QuotedMessageID}, nil
	case ContentTypeImage:
		media.Caption = firstNonEmpty(media.Caption, text)
		return ImageSend{media}, nil
	case ContentTypeVideo:
		media.Caption = firstNonEmpty(media.Caption, text)
		return VideoSend{media}, nil
	case ContentTypeDocument:
		media.Caption = firstNonEmpty(media.Caption, text)
		return DocumentSend{media}, nil
	}
	return nil, ErrInvalidSendRequest
}

// SendRequestFromMessage rebuilds the request that produced m, used to retry a failed send
func SendRequestFromMessage(m Message) (SendRequest, error) {
	return SendRequestFor(m.ContentType, m.Text, Media{
		URL:      m.MediaURL,
		MimeType: m.MimeType,
		Caption:  m.Text,
		FileName: m.FileName,
		Size:     m.FileSize,
	}, m.MediaDuration)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
