package dao

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vadim/neo-inbox/internal/domain/inbox/entity"
)

const messageColumns = `
	id, conversation_id, message_type, COALESCE(text_content, ''), COALESCE(content_type, 'text'),
	COALESCE(media_url, ''), COALESCE(media_duration, 0), COALESCE(file_name, ''),
	COALESCE(file_size, 0), COALESCE(mime_type, ''), COALESCE(is_read, false),
	COALESCE(pipeline_id::text, ''), created_at, COALESCE(transcription, ''),
	COALESCE(transcription_status, 'none'), COALESCE(transcription_provider, ''), transcribed_at
`

// MessagePostgres implements message repository for PostgreSQL
type MessagePostgres struct {
	pool *pgxpool.Pool
}

// NewMessagePostgres creates a new PostgreSQL message repository
func NewMessagePostgres(pool *pgxpool.Pool) *MessagePostgres {
	return &MessagePostgres{pool: pool}
}

// ListByConversationIDs loads the messages of several conversations, oldest first
func (r *MessagePostgres) ListByConversationIDs(ctx context.Context, ids []string) (map[string][]entity.Message, error) {
	result := make(map[string][]entity.Message, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = ANY($1)
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	msgs, err := r.scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		result[m.ConversationID] = append(result[m.ConversationID], m)
	}
	return result, nil
}

// ListByConversationID loads the messages of one conversation, oldest first
func (r *MessagePostgres) ListByConversationID(ctx context.Context, conversationID string) ([]entity.Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	return r.scanMessages(rows)
}

// GetByID retrieves a message by ID
func (r *MessagePostgres) GetByID(ctx context.Context, id string) (*entity.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	m, err := scanMessageRow(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}
	return m, nil
}

// MarkRead flags every unread received message of a conversation as read
func (r *MessagePostgres) MarkRead(ctx context.Context, conversationID string) (int64, error) {
	query := `
		UPDATE messages
		SET is_read = true
		WHERE conversation_id = $1 AND message_type = 'received' AND is_read = false
	`

	tag, err := r.pool.Exec(ctx, query, conversationID)
	if err != nil {
		return 0, fmt.Errorf("marking messages read: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanMessages scans multiple message rows
func (r *MessagePostgres) scanMessages(rows pgx.Rows) ([]entity.Message, error) {
	messages := make([]entity.Message, 0)

	for rows.Next() {
		m, err := scanMessageRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	return messages, nil
}

func scanMessageRow(row pgx.Row) (*entity.Message, error) {
	var m entity.Message
	var transcribedAt *time.Time

	err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.Type,
		&m.Text,
		&m.ContentType,
		&m.MediaURL,
		&m.MediaDuration,
		&m.FileName,
		&m.FileSize,
		&m.MimeType,
		&m.Read,
		&m.PipelineID,
		&m.CreatedAt,
		&m.Transcription,
		&m.TranscriptionStatus,
		&m.TranscriptionProvider,
		&transcribedAt,
	)
	if err != nil {
		return nil, err
	}

	m.TranscribedAt = transcribedAt
	if m.Type == entity.MessageTypeSent {
		m.Status = entity.MessageStatusSent
	}
	return &m, nil
}
