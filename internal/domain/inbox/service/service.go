package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vadim/neo-inbox/internal/domain/inbox/entity"
	"github.com/vadim/neo-inbox/internal/httpx/upstream/gateway"
	"github.com/vadim/neo-inbox/internal/storage"
)

// ConversationRepository defines the interface for conversation storage
type ConversationRepository interface {
	List(ctx context.Context, f entity.ConversationFilter) ([]entity.Conversation, error)
	Count(ctx context.Context, workspaceID, query string) (int, error)
	GetByID(ctx context.Context, id string) (*entity.Conversation, error)
	GetByLeadID(ctx context.Context, leadID string) (*entity.Conversation, error)
	Create(ctx context.Context, in entity.CreateConversationInput) (*entity.Conversation, error)
	Update(ctx context.Context, id string, u entity.ConversationUpdate) error
	UpdateAvatar(ctx context.Context, id, url string) error
	Delete(ctx context.Context, id string) error
	ClearHistory(ctx context.Context, id string) error
	ListMissingAvatars(ctx context.Context, workspaceID string, limit int) ([]entity.Conversation, error)
}

// MessageRepository defines the interface for message storage
type MessageRepository interface {
	ListByConversationIDs(ctx context.Context, ids []string) (map[string][]entity.Message, error)
	ListByConversationID(ctx context.Context, conversationID string) ([]entity.Message, error)
	MarkRead(ctx context.Context, conversationID string) (int64, error)
}

// GatewayClient defines the messaging gateway operations
type GatewayClient interface {
	SendText(ctx context.Context, in gateway.SendTextInput) (*gateway.SendOutput, error)
	SendAudio(ctx context.Context, in gateway.SendAudioInput) (*gateway.SendOutput, error)
	SendMedia(ctx context.Context, in gateway.SendMediaInput) (*gateway.SendOutput, error)
	DeleteMessage(ctx context.Context, in gateway.DeleteMessageInput) error
	ProfilePicture(ctx context.Context, in gateway.ProfilePictureInput) (*gateway.ProfilePictureOutput, error)
}

const mediaCleanupTimeout = 10 * time.Second

// MediaStorage stores inline media before it is handed to the gateway.
// Uploads the gateway rejects are deleted again.
type MediaStorage interface {
	UploadDataURL(ctx context.Context, workspaceID, dataURL, filename string) (*storage.UploadOutput, error)
	Delete(ctx context.Context, key string) error
}

// Publisher announces row changes made through the service
type Publisher interface {
	Publish(ctx context.Context, ev entity.ChangeEvent) error
}

// Service implements the inbox backend contract on top of Postgres and the messaging gateway
type Service struct {
	convRepo  ConversationRepository
	msgRepo   MessageRepository
	gateway   GatewayClient
	media     MediaStorage
	publisher Publisher
	loc       *time.Location
	logger    *zap.Logger
}

// Option configures a Service
type Option func(*Service)

// WithMediaStorage enables uploading data URLs before sending
func WithMediaStorage(m MediaStorage) Option {
	return func(s *Service) {
		s.media = m
	}
}

// WithPublisher publishes conversation changes after successful writes
func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// WithLocation sets the timezone used for display timestamps
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// New creates a new inbox service
func New(convRepo ConversationRepository, msgRepo MessageRepository, gw GatewayClient, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		convRepo: convRepo,
		msgRepo:  msgRepo,
		gateway:  gw,
		loc:      time.UTC,
		logger:   logger.Named("inbox.service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FetchConversationPage loads one page of conversations with their messages.
// Pages are 1-based.
func (s *Service) FetchConversationPage(ctx context.Context, workspaceID string, page, pageSize int, query string) ([]entity.Conversation, error) {
	if workspaceID == "" {
		return nil, entity.ErrWorkspaceRequired
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 10
	}

	convs, err := s.convRepo.List(ctx, entity.ConversationFilter{
		WorkspaceID: workspaceID,
		Query:       query,
		Limit:       pageSize,
		Offset:      (page - 1) * pageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	if err := s.attachMessages(ctx, convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// FetchConversationCount returns the number of conversations matching query
func (s *Service) FetchConversationCount(ctx context.Context, workspaceID, query string) (int, error) {
	if workspaceID == "" {
		return 0, entity.ErrWorkspaceRequired
	}
	n, err := s.convRepo.Count(ctx, workspaceID, query)
	if err != nil {
		return 0, fmt.Errorf("counting conversations: %w", err)
	}
	return n, nil
}

// FetchConversationByID loads one conversation with its messages. A missing conversation yields nil, nil.
func (s *Service) FetchConversationByID(ctx context.Context, id string) (*entity.Conversation, error) {
	conv, err := s.convRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting conversation: %w", err)
	}
	return s.withMessages(ctx, conv)
}

// FetchConversationByLeadID loads the conversation linked to a lead. A missing conversation yields nil, nil.
func (s *Service) FetchConversationByLeadID(ctx context.Context, leadID string) (*entity.Conversation, error) {
	conv, err := s.convRepo.GetByLeadID(ctx, leadID)
	if err != nil {
		return nil, fmt.Errorf("getting conversation by lead: %w", err)
	}
	return s.withMessages(ctx, conv)
}

func (s *Service) withMessages(ctx context.Context, conv *entity.Conversation) (*entity.Conversation, error) {
	if conv == nil {
		return nil, nil
	}
	msgs, err := s.msgRepo.ListByConversationID(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	s.assemble(conv, msgs)
	return conv, nil
}

func (s *Service) attachMessages(ctx context.Context, convs []entity.Conversation) error {
	if len(convs) == 0 {
		return nil
	}
	ids := make([]string, len(convs))
	for i := range convs {
		ids[i] = convs[i].ID
	}

	byConv, err := s.msgRepo.ListByConversationIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("listing messages: %w", err)
	}
	for i := range convs {
		s.assemble(&convs[i], byConv[convs[i].ID])
	}
	return nil
}

func (s *Service) assemble(conv *entity.Conversation, msgs []entity.Message) {
	if msgs == nil {
		msgs = []entity.Message{}
	}
	for i := range msgs {
		msgs[i].Timestamp = entity.FormatClock(msgs[i].CreatedAt, s.loc)
	}
	conv.Messages = msgs
	if conv.Tags == nil {
		conv.Tags = []string{}
	}
	if conv.AssignedToName == "" {
		conv.AssignedToName = entity.UnassignedName
	}
	conv.LastUpdate = entity.FormatLastUpdate(conv.UpdatedAt, s.loc)
	conv.Recompute()
}

// CreateConversation opens a new conversation
func (s *Service) CreateConversation(ctx context.Context, in entity.CreateConversationInput) (*entity.Conversation, error) {
	if in.WorkspaceID == "" {
		return nil, entity.ErrWorkspaceRequired
	}
	if in.Channel == "" {
		in.Channel = entity.ChannelWhatsApp
	}

	conv, err := s.convRepo.Create(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	s.assemble(conv, nil)
	s.publishConversation(ctx, entity.EventInsert, *conv)
	return conv, nil
}

// UpdateConversation persists a partial conversation update
func (s *Service) UpdateConversation(ctx context.Context, id string, u entity.ConversationUpdate) error {
	if u.Empty() {
		return nil
	}
	if err := s.convRepo.Update(ctx, id, u); err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}

	if s.publisher != nil {
		conv, err := s.convRepo.GetByID(ctx, id)
		if err != nil {
			s.logger.Warn("reloading conversation for publish", zap.String("conversation_id", id), zap.Error(err))
			return nil
		}
		if conv != nil {
			s.publishConversation(ctx, entity.EventUpdate, *conv)
		}
	}
	return nil
}

// DeleteConversation removes a conversation and its messages
func (s *Service) DeleteConversation(ctx context.Context, id string) error {
	conv, err := s.convRepo.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("getting conversation: %w", err)
	}
	if conv == nil {
		return entity.ErrConversationNotFound
	}

	if err := s.convRepo.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	s.publishConversation(ctx, entity.EventDelete, entity.Conversation{ID: conv.ID, WorkspaceID: conv.WorkspaceID})
	return nil
}

// ClearConversationHistory deletes every message of a conversation
func (s *Service) ClearConversationHistory(ctx context.Context, id string) error {
	if err := s.convRepo.ClearHistory(ctx, id); err != nil {
		return fmt.Errorf("clearing history: %w", err)
	}
	return nil
}

// MarkMessagesRead marks the received messages of a conversation as read
func (s *Service) MarkMessagesRead(ctx context.Context, conversationID string) error {
	n, err := s.msgRepo.MarkRead(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("marking read: %w", err)
	}
	s.logger.Debug("messages marked read", zap.String("conversation_id", conversationID), zap.Int64("count", n))
	return nil
}

// Send hands an outgoing message to the gateway
func (s *Service) Send(ctx context.Context, conversationID, workspaceID string, req entity.SendRequest) (*entity.SendResult, error) {
	if req == nil {
		return nil, entity.ErrInvalidSendRequest
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var (
		out      *gateway.SendOutput
		uploaded string
		err      error
	)

	switch r := req.(type) {
	case entity.TextSend:
		out, err = s.gateway.SendText(ctx, gateway.SendTextInput{
			ConversationID:  conversationID,
			WorkspaceID:     workspaceID,
			Text:            r.Text,
			QuotedMessageID: r.QuotedMessageID,
		})
	case entity.AudioSend:
		var audioURL string
		audioURL, uploaded, err = s.resolveMedia(ctx, workspaceID, r.URL, "")
		if err != nil {
			return nil, err
		}
		out, err = s.gateway.SendAudio(ctx, gateway.SendAudioInput{
			ConversationID:  conversationID,
			WorkspaceID:     workspaceID,
			AudioURL:        audioURL,
			AudioDuration:   r.Duration,
			QuotedMessageID: r.QuotedMessageID,
		})
	case entity.ImageSend:
		out, uploaded, err = s.sendMedia(ctx, conversationID, workspaceID, entity.ContentTypeImage, r.Media)
	case entity.VideoSend:
		out, uploaded, err = s.sendMedia(ctx, conversationID, workspaceID, entity.ContentTypeVideo, r.Media)
	case entity.DocumentSend:
		out, uploaded, err = s.sendMedia(ctx, conversationID, workspaceID, entity.ContentTypeDocument, r.Media)
	default:
		return nil, entity.ErrInvalidSendRequest
	}
	if err != nil {
		if uploaded != "" {
			s.discardMedia(ctx, uploaded)
		}
		return nil, fmt.Errorf("sending %s message: %w", req.ContentType(), err)
	}

	return &entity.SendResult{
		MessageID: out.Message.ID,
		CreatedAt: out.Message.CreatedAt,
	}, nil
}

func (s *Service) sendMedia(ctx context.Context, conversationID, workspaceID string, ct entity.ContentType, m entity.Media) (*gateway.SendOutput, string, error) {
	mediaURL, uploaded, err := s.resolveMedia(ctx, workspaceID, m.URL, m.FileName)
	if err != nil {
		return nil, "", err
	}
	out, err := s.gateway.SendMedia(ctx, gateway.SendMediaInput{
		ConversationID:  conversationID,
		WorkspaceID:     workspaceID,
		MediaURL:        mediaURL,
		MediaType:       string(ct),
		MimeType:        m.MimeType,
		Caption:         m.Caption,
		FileName:        m.FileName,
		QuotedMessageID: m.QuotedMessageID,
	})
	return out, uploaded, err
}

// resolveMedia uploads inline media and returns a URL the gateway can fetch,
// plus the storage key of the upload when one was made
func (s *Service) resolveMedia(ctx context.Context, workspaceID, mediaURL, filename string) (string, string, error) {
	if !storage.IsDataURL(mediaURL) {
		return mediaURL, "", nil
	}
	if s.media == nil {
		return "", "", errors.New("inline media requires media storage")
	}
	out, err := s.media.UploadDataURL(ctx, workspaceID, mediaURL, filename)
	if err != nil {
		return "", "", fmt.Errorf("uploading media: %w", err)
	}
	return out.URL, out.Key, nil
}

// discardMedia removes an upload the gateway never accepted
func (s *Service) discardMedia(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mediaCleanupTimeout)
	defer cancel()

	if err := s.media.Delete(ctx, key); err != nil {
		s.logger.Warn("failed to delete orphaned media", zap.String("key", key), zap.Error(err))
	}
}

// DeleteMessage deletes a message for everyone through the gateway
func (s *Service) DeleteMessage(ctx context.Context, messageID, workspaceID string) error {
	err := s.gateway.DeleteMessage(ctx, gateway.DeleteMessageInput{
		MessageID:   messageID,
		WorkspaceID: workspaceID,
	})
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	return nil
}

// FetchProfilePicture asks the gateway for the contact picture of phone.
// An empty string means the contact has none.
func (s *Service) FetchProfilePicture(ctx context.Context, workspaceID, conversationID, phone string) (string, error) {
	out, err := s.gateway.ProfilePicture(ctx, gateway.ProfilePictureInput{
		Phone:          phone,
		WorkspaceID:    workspaceID,
		ConversationID: conversationID,
	})
	if err != nil {
		return "", fmt.Errorf("fetching profile picture: %w", err)
	}
	return out.URL, nil
}

// SaveAvatar persists a resolved contact picture and announces it
func (s *Service) SaveAvatar(ctx context.Context, workspaceID, conversationID, url string) error {
	if err := s.convRepo.UpdateAvatar(ctx, conversationID, url); err != nil {
		return fmt.Errorf("saving avatar: %w", err)
	}
	s.publishRow(ctx, entity.EventUpdate, workspaceID, entity.ConversationRow{
		ID:            conversationID,
		WorkspaceID:   entity.Some(workspaceID),
		ContactAvatar: entity.Some(url),
	})
	return nil
}

// ListMissingAvatars returns conversations of a workspace still lacking a contact picture
func (s *Service) ListMissingAvatars(ctx context.Context, workspaceID string, limit int) ([]entity.Conversation, error) {
	convs, err := s.convRepo.ListMissingAvatars(ctx, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing conversations without avatar: %w", err)
	}
	return convs, nil
}

func (s *Service) publishConversation(ctx context.Context, typ entity.EventType, conv entity.Conversation) {
	row := entity.ConversationRowFrom(conv)
	if typ == entity.EventDelete {
		row = entity.ConversationRow{ID: conv.ID, WorkspaceID: entity.Some(conv.WorkspaceID)}
	}
	s.publishRow(ctx, typ, conv.WorkspaceID, row)
}

func (s *Service) publishRow(ctx context.Context, typ entity.EventType, workspaceID string, row entity.ConversationRow) {
	if s.publisher == nil {
		return
	}
	ev, err := entity.NewChangeEvent(entity.StreamConversations, typ, workspaceID, row)
	if err == nil {
		err = s.publisher.Publish(ctx, ev)
	}
	if err != nil {
		s.logger.Warn("publishing conversation change",
			zap.String("conversation_id", row.ID),
			zap.String("type", string(typ)),
			zap.Error(err),
		)
	}
}
