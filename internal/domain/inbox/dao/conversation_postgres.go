package dao

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vadim/neo-inbox/internal/domain/inbox/entity"
)

const conversationColumns = `
	c.id, c.workspace_id, COALESCE(c.inbox_id::text, ''), COALESCE(c.contact_name, ''),
	COALESCE(c.contact_phone, ''), COALESCE(c.contact_avatar, ''), c.channel, c.status,
	COALESCE(c.assigned_to::text, ''), COALESCE(u.name, ''), COALESCE(c.tags, '{}'),
	COALESCE(c.lead_id::text, ''), COALESCE(c.attendant_type, 'human'),
	COALESCE(c.total_messages, 0), c.last_message_at, c.updated_at
`

const conversationFrom = `
	FROM conversations c
	LEFT JOIN users u ON u.id = c.assigned_to
`

// ConversationPostgres implements conversation repository for PostgreSQL
type ConversationPostgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewConversationPostgres creates a new PostgreSQL conversation repository
func NewConversationPostgres(pool *pgxpool.Pool) *ConversationPostgres {
	return &ConversationPostgres{pool: pool, now: time.Now}
}

// List retrieves a page of conversations, most recent activity first
func (r *ConversationPostgres) List(ctx context.Context, f entity.ConversationFilter) ([]entity.Conversation, error) {
	where, args := searchClause(f.WorkspaceID, f.Query)
	args = append(args, f.Limit, f.Offset)

	query := fmt.Sprintf(`
		SELECT %s
		%s
		WHERE %s
		ORDER BY c.last_message_at DESC NULLS LAST, c.updated_at DESC, c.id
		LIMIT $%d OFFSET $%d
	`, conversationColumns, conversationFrom, where, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	return r.scanConversations(rows)
}

// Count returns the number of conversations matching the workspace and search query
func (r *ConversationPostgres) Count(ctx context.Context, workspaceID, search string) (int, error) {
	where, args := searchClause(workspaceID, search)

	var count int
	err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM conversations c WHERE "+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting conversations: %w", err)
	}
	return count, nil
}

// GetByID retrieves a conversation by ID
func (r *ConversationPostgres) GetByID(ctx context.Context, id string) (*entity.Conversation, error) {
	query := fmt.Sprintf(`SELECT %s %s WHERE c.id = $1`, conversationColumns, conversationFrom)
	return r.scanConversation(r.pool.QueryRow(ctx, query, id))
}

// GetByLeadID retrieves the conversation linked to a lead
func (r *ConversationPostgres) GetByLeadID(ctx context.Context, leadID string) (*entity.Conversation, error) {
	query := fmt.Sprintf(`
		SELECT %s %s
		WHERE c.lead_id = $1
		ORDER BY c.updated_at DESC
		LIMIT 1
	`, conversationColumns, conversationFrom)
	return r.scanConversation(r.pool.QueryRow(ctx, query, leadID))
}

// Create inserts a conversation and returns it
func (r *ConversationPostgres) Create(ctx context.Context, in entity.CreateConversationInput) (*entity.Conversation, error) {
	query := `
		INSERT INTO conversations (
			workspace_id, inbox_id, contact_name, contact_phone, channel,
			status, assigned_to, lead_id, tags, attendant_type, created_at, updated_at
		) VALUES ($1, NULLIF($2, '')::uuid, $3, $4, $5, $6, NULLIF($7, '')::uuid, NULLIF($8, '')::uuid, '{}', $9, $10, $10)
		RETURNING id
	`

	now := r.now()
	var id string
	err := r.pool.QueryRow(ctx, query,
		in.WorkspaceID,
		in.InboxID,
		in.ContactName,
		in.ContactPhone,
		in.Channel,
		entity.ConversationStatusWaiting,
		in.AssignedTo,
		in.LeadID,
		entity.AttendantTypeHuman,
		now,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("inserting conversation: %w", err)
	}

	conv, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, entity.ErrConversationNotFound
	}
	return conv, nil
}

// Update applies a partial update. Only the fields set in u are written.
func (r *ConversationPostgres) Update(ctx context.Context, id string, u entity.ConversationUpdate) error {
	sets := make([]string, 0, 6)
	args := make([]any, 0, 7)
	add := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}

	if u.Status != nil {
		add("status = $%d", *u.Status)
	}
	if u.AssignedTo != nil {
		add("assigned_to = NULLIF($%d, '')::uuid", *u.AssignedTo)
	}
	if u.TagsSet {
		tags := u.Tags
		if tags == nil {
			tags = []string{}
		}
		add("tags = $%d", tags)
	}
	if u.AttendantType != nil {
		add("attendant_type = $%d", *u.AttendantType)
	}
	if u.LeadID != nil {
		add("lead_id = NULLIF($%d, '')::uuid", *u.LeadID)
	}
	add("updated_at = $%d", r.now())

	args = append(args, id)
	query := fmt.Sprintf("UPDATE conversations SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entity.ErrConversationNotFound
	}
	return nil
}

// UpdateAvatar stores a resolved contact picture
func (r *ConversationPostgres) UpdateAvatar(ctx context.Context, id, url string) error {
	_, err := r.pool.Exec(ctx, "UPDATE conversations SET contact_avatar = $1 WHERE id = $2", url, id)
	if err != nil {
		return fmt.Errorf("updating avatar: %w", err)
	}
	return nil
}

// Delete removes a conversation and its messages
func (r *ConversationPostgres) Delete(ctx context.Context, id string) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "DELETE FROM messages WHERE conversation_id = $1", id); err != nil {
			return fmt.Errorf("deleting messages: %w", err)
		}
		tag, err := tx.Exec(ctx, "DELETE FROM conversations WHERE id = $1", id)
		if err != nil {
			return fmt.Errorf("deleting conversation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return entity.ErrConversationNotFound
		}
		return nil
	})
}

// ClearHistory deletes every message of a conversation and resets its activity
func (r *ConversationPostgres) ClearHistory(ctx context.Context, id string) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "DELETE FROM messages WHERE conversation_id = $1", id); err != nil {
			return fmt.Errorf("deleting messages: %w", err)
		}
		_, err := tx.Exec(ctx, `
			UPDATE conversations
			SET last_message_at = NULL, total_messages = 0, updated_at = $2
			WHERE id = $1
		`, id, r.now())
		if err != nil {
			return fmt.Errorf("resetting conversation: %w", err)
		}
		return nil
	})
}

// ListMissingAvatars returns WhatsApp conversations of a workspace without a contact picture
func (r *ConversationPostgres) ListMissingAvatars(ctx context.Context, workspaceID string, limit int) ([]entity.Conversation, error) {
	query := fmt.Sprintf(`
		SELECT %s %s
		WHERE c.workspace_id = $1
		  AND c.channel = 'whatsapp'
		  AND COALESCE(c.contact_avatar, '') = ''
		  AND COALESCE(c.contact_phone, '') <> ''
		ORDER BY c.last_message_at DESC NULLS LAST
		LIMIT $2
	`, conversationColumns, conversationFrom)

	rows, err := r.pool.Query(ctx, query, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying conversations without avatar: %w", err)
	}
	defer rows.Close()

	return r.scanConversations(rows)
}

func searchClause(workspaceID, search string) (string, []any) {
	where := "c.workspace_id = $1"
	args := []any{workspaceID}

	search = strings.TrimSpace(search)
	if search != "" {
		args = append(args, "%"+escapeLike(search)+"%")
		where += fmt.Sprintf(" AND (c.contact_name ILIKE $%d OR c.contact_phone ILIKE $%d)", len(args), len(args))
	}
	return where, args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// scanConversation scans a single conversation row
func (r *ConversationPostgres) scanConversation(row pgx.Row) (*entity.Conversation, error) {
	conv, err := scanConversationRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	return conv, nil
}

// scanConversations scans multiple conversation rows
func (r *ConversationPostgres) scanConversations(rows pgx.Rows) ([]entity.Conversation, error) {
	conversations := make([]entity.Conversation, 0)

	for rows.Next() {
		conv, err := scanConversationRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		conversations = append(conversations, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}

	return conversations, nil
}

func scanConversationRow(row pgx.Row) (*entity.Conversation, error) {
	var conv entity.Conversation
	var lastMessageAt *time.Time

	err := row.Scan(
		&conv.ID,
		&conv.WorkspaceID,
		&conv.InboxID,
		&conv.ContactName,
		&conv.ContactPhone,
		&conv.Avatar,
		&conv.Channel,
		&conv.Status,
		&conv.AssignedTo,
		&conv.AssignedToName,
		&conv.Tags,
		&conv.LeadID,
		&conv.AttendantType,
		&conv.TotalMessages,
		&lastMessageAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	conv.LastMessageAt = lastMessageAt
	if conv.AssignedTo == "" || conv.AssignedToName == "" {
		conv.AssignedToName = entity.UnassignedName
	}
	conv.Messages = []entity.Message{}
	return &conv, nil
}
