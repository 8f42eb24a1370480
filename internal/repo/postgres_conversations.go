package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/LeventeLantos/messaging-gateway/internal/apperr"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
)

const conversationColumns = `
	id, device_id, counterpart, last_message_at, last_preview, last_direction,
	unread_count, total_count, status, created_at`

func scanConversation(row scanner) (*model.Conversation, error) {
	var (
		c         model.Conversation
		direction string
		status    string
	)
	if err := row.Scan(
		&c.ID, &c.DeviceID, &c.Counterpart, &c.LastMessageAt, &c.LastPreview, &direction,
		&c.UnreadCount, &c.TotalCount, &status, &c.CreatedAt,
	); err != nil {
		return nil, err
	}
	c.LastDirection = model.Direction(direction)
	c.Status = model.ConversationStatus(status)
	return &c, nil
}

type execQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// upsertConversationTx creates the thread of touch or advances it, and
// returns its id. Unread grows only for inbound touches.
func upsertConversationTx(ctx context.Context, q execQuerier, touch model.ConversationTouch) (string, error) {
	var unread int64
	if touch.Direction == model.Inbound {
		unread = 1
	}

	var id string
	err := q.QueryRowContext(ctx, `
		INSERT INTO conversations (
			id, device_id, counterpart, last_message_at, last_preview, last_direction,
			unread_count, total_count, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 1, 'active', $4)
		ON CONFLICT (device_id, counterpart) DO UPDATE
		SET last_message_at = EXCLUDED.last_message_at,
		    last_preview = EXCLUDED.last_preview,
		    last_direction = EXCLUDED.last_direction,
		    unread_count = conversations.unread_count + EXCLUDED.unread_count,
		    total_count = conversations.total_count + 1,
		    status = 'active'
		RETURNING id
	`, uuid.NewString(), touch.DeviceID, touch.Counterpart, touch.At.UTC(), touch.Preview,
		string(touch.Direction), unread,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert conversation: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("conversation %s not found", id)
	}
	return c, err
}

func (s *PostgresStore) ListConversations(ctx context.Context, deviceID string, limit, offset int) ([]model.Conversation, error) {
	limit, offset = clampPage(limit, offset)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE device_id = $1
		ORDER BY last_message_at DESC, id ASC
		LIMIT $2 OFFSET $3
	`, deviceID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ConversationMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	limit, offset = clampPage(limit, offset)
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2 OFFSET $3
	`, conversationID, limit, offset)
}

func (s *PostgresStore) MarkConversationRead(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET unread_count = 0 WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	return expectOne(res, "conversation", id)
}

func (s *PostgresStore) SetConversationStatus(ctx context.Context, id string, status model.ConversationStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET status = $2 WHERE id = $1
	`, id, string(status))
	if err != nil {
		return err
	}
	return expectOne(res, "conversation", id)
}
