package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadim/neo-inbox/internal/domain/inbox/entity"
	"github.com/vadim/neo-inbox/internal/httpx/upstream/gateway"
	"github.com/vadim/neo-inbox/internal/storage"
)

type fakeConvRepo struct {
	convs       map[string]entity.Conversation
	lastFilter  entity.ConversationFilter
	updates     []entity.ConversationUpdate
	deleted     []string
	cleared     []string
	avatars     map[string]string
	listErr     error
	updateErr   error
	createdWith entity.CreateConversationInput
}

func (r *fakeConvRepo) List(_ context.Context, f entity.ConversationFilter) ([]entity.Conversation, error) {
	r.lastFilter = f
	if r.listErr != nil {
		return nil, r.listErr
	}
	out := make([]entity.Conversation, 0)
	for _, id := range []string{"c1", "c2"} {
		if c, ok := r.convs[id]; ok && c.WorkspaceID == f.WorkspaceID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *fakeConvRepo) Count(_ context.Context, _, _ string) (int, error) {
	return len(r.convs), nil
}

func (r *fakeConvRepo) GetByID(_ context.Context, id string) (*entity.Conversation, error) {
	c, ok := r.convs[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r *fakeConvRepo) GetByLeadID(_ context.Context, leadID string) (*entity.Conversation, error) {
	for _, c := range r.convs {
		if c.LeadID == leadID {
			return &c, nil
		}
	}
	return nil, nil
}

func (r *fakeConvRepo) Create(_ context.Context, in entity.CreateConversationInput) (*entity.Conversation, error) {
	r.createdWith = in
	c := entity.Conversation{
		ID:            "new",
		WorkspaceID:   in.WorkspaceID,
		ContactName:   in.ContactName,
		ContactPhone:  in.ContactPhone,
		Channel:       in.Channel,
		Status:        entity.ConversationStatusWaiting,
		AttendantType: entity.AttendantTypeHuman,
	}
	r.convs[c.ID] = c
	return &c, nil
}

func (r *fakeConvRepo) Update(_ context.Context, id string, u entity.ConversationUpdate) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	c, ok := r.convs[id]
	if !ok {
		return entity.ErrConversationNotFound
	}
	r.updates = append(r.updates, u)
	if u.Status != nil {
		c.Status = *u.Status
	}
	r.convs[id] = c
	return nil
}

func (r *fakeConvRepo) UpdateAvatar(_ context.Context, id, url string) error {
	if r.avatars == nil {
		r.avatars = map[string]string{}
	}
	r.avatars[id] = url
	return nil
}

func (r *fakeConvRepo) Delete(_ context.Context, id string) error {
	r.deleted = append(r.deleted, id)
	delete(r.convs, id)
	return nil
}

func (r *fakeConvRepo) ClearHistory(_ context.Context, id string) error {
	r.cleared = append(r.cleared, id)
	return nil
}

func (r *fakeConvRepo) ListMissingAvatars(_ context.Context, _ string, _ int) ([]entity.Conversation, error) {
	return nil, nil
}

type fakeMsgRepo struct {
	byConv map[string][]entity.Message
	read   []string
}

func (r *fakeMsgRepo) ListByConversationIDs(_ context.Context, ids []string) (map[string][]entity.Message, error) {
	out := map[string][]entity.Message{}
	for _, id := range ids {
		if msgs, ok := r.byConv[id]; ok {
			out[id] = append([]entity.Message(nil), msgs...)
		}
	}
	return out, nil
}

func (r *fakeMsgRepo) ListByConversationID(_ context.Context, id string) ([]entity.Message, error) {
	return append([]entity.Message(nil), r.byConv[id]...), nil
}

func (r *fakeMsgRepo) MarkRead(_ context.Context, id string) (int64, error) {
	r.read = append(r.read, id)
	return 1, nil
}

type fakeGateway struct {
	text    []gateway.SendTextInput
	audio   []gateway.SendAudioInput
	media   []gateway.SendMediaInput
	deleted []gateway.DeleteMessageInput
	picture string
	err     error
}

func (g *fakeGateway) reply() (*gateway.SendOutput, error) {
	if g.err != nil {
		return nil, g.err
	}
	return &gateway.SendOutput{Success: true, Message: gateway.SentMessage{ID: "srv-1", CreatedAt: "2024-05-10T12:00:00Z"}}, nil
}

func (g *fakeGateway) SendText(_ context.Context, in gateway.SendTextInput) (*gateway.SendOutput, error) {
	g.text = append(g.text, in)
	return g.reply()
}

func (g *fakeGateway) SendAudio(_ context.Context, in gateway.SendAudioInput) (*gateway.SendOutput, error) {
	g.audio = append(g.audio, in)
	return g.reply()
}

func (g *fakeGateway) SendMedia(_ context.Context, in gateway.SendMediaInput) (*gateway.SendOutput, error) {
	g.media = append(g.media, in)
	return g.reply()
}

func (g *fakeGateway) DeleteMessage(_ context.Context, in gateway.DeleteMessageInput) error {
	g.deleted = append(g.deleted, in)
	return g.err
}

func (g *fakeGateway) ProfilePicture(_ context.Context, _ gateway.ProfilePictureInput) (*gateway.ProfilePictureOutput, error) {
	if g.err != nil {
		return nil, g.err
	}
	return &gateway.ProfilePictureOutput{URL: g.picture}, nil
}

type fakeMedia struct {
	uploads []string
	deleted []string
}

func (m *fakeMedia) UploadDataURL(_ context.Context, workspaceID, _, filename string) (*storage.UploadOutput, error) {
	m.uploads = append(m.uploads, workspaceID+"/"+filename)
	return &storage.UploadOutput{URL: "https://cdn/uploaded", Key: "chat/" + workspaceID + "/uploaded"}, nil
}

func (m *fakeMedia) Delete(_ context.Context, key string) error {
	m.deleted = append(m.deleted, key)
	return nil
}

type recordingPublisher struct {
	events []entity.ChangeEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev entity.ChangeEvent) error {
	p.events = append(p.events, ev)
	return nil
}

func newService(t *testing.T) (*Service, *fakeConvRepo, *fakeMsgRepo, *fakeGateway, *fakeMedia, *recordingPublisher) {
	t.Helper()

	updated := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	convs := &fakeConvRepo{convs: map[string]entity.Conversation{
		"c1": {ID: "c1", WorkspaceID: "w1", ContactName: "Ana", LeadID: "lead-1", UpdatedAt: updated, Status: entity.ConversationStatusWaiting},
		"c2": {ID: "c2", WorkspaceID: "w1", ContactName: "Bia", UpdatedAt: updated, AssignedTo: "u1", AssignedToName: "Carla"},
	}}
	msgs := &fakeMsgRepo{byConv: map[string][]entity.Message{
		"c1": {
			{ID: "m2", ConversationID: "c1", Type: entity.MessageTypeReceived, ContentType: entity.ContentTypeImage, CreatedAt: updated},
			{ID: "m1", ConversationID: "c1", Type: entity.MessageTypeReceived, Text: "oi", ContentType: entity.ContentTypeText, CreatedAt: updated.Add(-time.Hour)},
		},
	}}
	gw := &fakeGateway{picture: "https://pps/x.jpg"}
	media := &fakeMedia{}
	pub := &recordingPublisher{}

	loc := time.FixedZone("BRT", -3*60*60)
	s := New(convs, msgs, gw, zap.NewNop(), WithMediaStorage(media), WithPublisher(pub), WithLocation(loc))
	return s, convs, msgs, gw, media, pub
}

func TestService_FetchConversationPage(t *testing.T) {
	s, convs, _, _, _, _ := newService(t)

	list, err := s.FetchConversationPage(context.Background(), "w1", 3, 10, "an")
	require.NoError(t, err)
	assert.Equal(t, entity.ConversationFilter{WorkspaceID: "w1", Query: "an", Limit: 10, Offset: 20}, convs.lastFilter)
	require.Len(t, list, 2)

	c1 := list[0]
	require.Len(t, c1.Messages, 2)
	assert.Equal(t, "m1", c1.Messages[0].ID)
	assert.Equal(t, "08:00", c1.Messages[0].Timestamp)
	assert.Equal(t, "📷 Imagem", c1.LastMessage)
	assert.Equal(t, 2, c1.UnreadCount)
	assert.Equal(t, 2, c1.TotalMessages)
	assert.Equal(t, "10/05/2024, 09:00:00", c1.LastUpdate)
	assert.Equal(t, entity.UnassignedName, c1.AssignedToName)

	c2 := list[1]
	assert.NotNil(t, c2.Messages)
	assert.Empty(t, c2.Messages)
	assert.Equal(t, "Carla", c2.AssignedToName)
	assert.NotNil(t, c2.Tags)

	_, err = s.FetchConversationPage(context.Background(), "", 1, 10, "")
	assert.ErrorIs(t, err, entity.ErrWorkspaceRequired)

	convs.listErr = errors.New("db down")
	_, err = s.FetchConversationPage(context.Background(), "w1", 1, 10, "")
	assert.Error(t, err)
}

func TestService_FetchByIDAndLead(t *testing.T) {
	s, _, _, _, _, _ := newService(t)
	ctx := context.Background()

	conv, err := s.FetchConversationByID(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Len(t, conv.Messages, 2)

	conv, err = s.FetchConversationByID(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, conv)

	conv, err = s.FetchConversationByLeadID(ctx, "lead-1")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, "c1", conv.ID)

	conv, err = s.FetchConversationByLeadID(ctx, "lead-x")
	require.NoError(t, err)
	assert.Nil(t, conv)
}

func TestService_SendDispatch(t *testing.T) {
	s, _, _, gw, media, _ := newService(t)
	ctx := context.Background()

	res, err := s.Send(ctx, "c1", "w1", entity.TextSend{Text: "olá", QuotedMessageID: "q"})
	require.NoError(t, err)
	assert.Equal(t, &entity.SendResult{MessageID: "srv-1", CreatedAt: "2024-05-10T12:00:00Z"}, res)
	require.Len(t, gw.text, 1)
	assert.Equal(t, gateway.SendTextInput{ConversationID: "c1", WorkspaceID: "w1", Text: "olá", QuotedMessageID: "q"}, gw.text[0])

	_, err = s.Send(ctx, "c1", "w1", entity.AudioSend{URL: "data:audio/webm;base64,aGk=", Duration: 4})
	require.NoError(t, err)
	require.Len(t, gw.audio, 1)
	assert.Equal(t, "https://cdn/uploaded", gw.audio[0].AudioURL)
	assert.Equal(t, 4, gw.audio[0].AudioDuration)

	_, err = s.Send(ctx, "c1", "w1", entity.DocumentSend{Media: entity.Media{URL: "https://cdn/d.pdf", FileName: "d.pdf", MimeType: "application/pdf"}})
	require.NoError(t, err)
	_, err = s.Send(ctx, "c1", "w1", entity.ImageSend{Media: entity.Media{URL: "data:image/png;base64,aGk=", FileName: "p.png", Caption: "foto"}})
	require.NoError(t, err)
	require.Len(t, gw.media, 2)
	assert.Equal(t, "document", gw.media[0].MediaType)
	assert.Equal(t, "https://cdn/d.pdf", gw.media[0].MediaURL)
	assert.Equal(t, "image", gw.media[1].MediaType)
	assert.Equal(t, "https://cdn/uploaded", gw.media[1].MediaURL)
	assert.Equal(t, "foto", gw.media[1].Caption)
	assert.Equal(t, []string{"w1/", "w1/p.png"}, media.uploads)
}

func TestService_SendErrors(t *testing.T) {
	s, _, _, gw, _, _ := newService(t)
	ctx := context.Background()

	_, err := s.Send(ctx, "c1", "w1", nil)
	assert.ErrorIs(t, err, entity.ErrInvalidSendRequest)

	_, err = s.Send(ctx, "c1", "w1", entity.TextSend{Text: "   "})
	assert.ErrorIs(t, err, entity.ErrEmptyMessage)

	_, err = s.Send(ctx, "c1", "w1", entity.VideoSend{})
	assert.ErrorIs(t, err, entity.ErrMediaRequired)

	apiErr := &gateway.APIError{StatusCode: 502, Message: "down"}
	gw.err = apiErr
	_, err = s.Send(ctx, "c1", "w1", entity.TextSend{Text: "x"})
	var target *gateway.APIError
	require.ErrorAs(t, err, &target)
	assert.Equal(t, 502, target.StatusCode)

	noMedia := New(&fakeConvRepo{}, &fakeMsgRepo{}, &fakeGateway{}, nil)
	_, err = noMedia.Send(ctx, "c1", "w1", entity.AudioSend{URL: "data:audio/ogg;base64,aGk="})
	assert.Error(t, err)
}

func TestService_SendFailureDeletesUpload(t *testing.T) {
	s, _, _, gw, media, _ := newService(t)
	ctx := context.Background()

	gw.err = &gateway.APIError{StatusCode: 502, Message: "down"}
	_, err := s.Send(ctx, "c1", "w1", entity.DocumentSend{Media: entity.Media{URL: "data:application/pdf;base64,JVBERi0=", FileName: "a.pdf"}})
	require.Error(t, err)
	assert.Equal(t, []string{"w1/a.pdf"}, media.uploads)
	assert.Equal(t, []string{"chat/w1/uploaded"}, media.deleted)

	// remote urls are never uploaded, so nothing is deleted
	_, err = s.Send(ctx, "c1", "w1", entity.ImageSend{Media: entity.Media{URL: "https://cdn/x.jpg"}})
	require.Error(t, err)
	assert.Len(t, media.deleted, 1)

	gw.err = nil
	_, err = s.Send(ctx, "c1", "w1", entity.AudioSend{URL: "data:audio/ogg;base64,aGk="})
	require.NoError(t, err)
	assert.Len(t, media.uploads, 2)
	assert.Len(t, media.deleted, 1)
}

func TestService_WritesPublishChanges(t *testing.T) {
	s, convs, msgs, _, _, pub := newService(t)
	ctx := context.Background()

	status := entity.ConversationStatusResolved
	require.NoError(t, s.UpdateConversation(ctx, "c1", entity.ConversationUpdate{Status: &status}))
	require.Len(t, pub.events, 1)
	assert.Equal(t, entity.EventUpdate, pub.events[0].Type)
	assert.Equal(t, "w1", pub.events[0].WorkspaceID)
	assert.Contains(t, string(pub.events[0].New), `"status":"resolved"`)

	require.NoError(t, s.UpdateConversation(ctx, "c1", entity.ConversationUpdate{}))
	assert.Len(t, convs.updates, 1)

	created, err := s.CreateConversation(ctx, entity.CreateConversationInput{WorkspaceID: "w1", ContactName: "Davi", ContactPhone: "+5511"})
	require.NoError(t, err)
	assert.Equal(t, entity.ChannelWhatsApp, convs.createdWith.Channel)
	assert.Equal(t, entity.UnassignedName, created.AssignedToName)
	require.Len(t, pub.events, 2)
	assert.Equal(t, entity.EventInsert, pub.events[1].Type)

	require.NoError(t, s.DeleteConversation(ctx, "c2"))
	require.Len(t, pub.events, 3)
	assert.Equal(t, entity.EventDelete, pub.events[2].Type)
	assert.JSONEq(t, `{"id":"c2","workspace_id":"w1"}`, string(pub.events[2].Old))

	assert.ErrorIs(t, s.DeleteConversation(ctx, "c2"), entity.ErrConversationNotFound)

	require.NoError(t, s.ClearConversationHistory(ctx, "c1"))
	require.NoError(t, s.MarkMessagesRead(ctx, "c1"))
	assert.Equal(t, []string{"c1"}, convs.cleared)
	assert.Equal(t, []string{"c1"}, msgs.read)
}

func TestService_ProfilePicture(t *testing.T) {
	s, convs, _, gw, _, pub := newService(t)
	ctx := context.Background()

	url, err := s.FetchProfilePicture(ctx, "w1", "c1", "+5511999990000")
	require.NoError(t, err)
	assert.Equal(t, "https://pps/x.jpg", url)

	require.NoError(t, s.SaveAvatar(ctx, "w1", "c1", url))
	assert.Equal(t, url, convs.avatars["c1"])
	require.Len(t, pub.events, 1)
	assert.JSONEq(t, `{"id":"c1","workspace_id":"w1","contact_avatar":"https://pps/x.jpg"}`, string(pub.events[0].New))

	gw.err = errors.New("timeout")
	_, err = s.FetchProfilePicture(ctx, "w1", "c1", "+55")
	assert.Error(t, err)
}
