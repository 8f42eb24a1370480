package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/messaging-gateway/internal/apperr"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
)

const messageColumns = `
	id, device_id, conversation_id, direction, counterpart, content, external_id,
	status, status_at, credits_charged, debit_pending, automation_id, lead_id,
	resend_of, created_at`

func scanMessage(row scanner) (*model.Message, error) {
	var (
		m          model.Message
		direction  string
		status     string
		content    []byte
		externalID sql.NullString
	)
	if err := row.Scan(
		&m.ID, &m.DeviceID, &m.ConversationID, &direction, &m.Counterpart, &content, &externalID,
		&status, &m.StatusAt, &m.CreditsCharged, &m.DebitPending, &m.AutomationID, &m.LeadID,
		&m.ResendOf, &m.CreatedAt,
	); err != nil {
		return nil, err
	}
	m.Direction = model.Direction(direction)
	m.Status = model.Status(status)
	if externalID.Valid {
		m.ExternalID = externalID.String
	}
	if err := json.Unmarshal(content, &m.Content); err != nil {
		return nil, fmt.Errorf("decode content of %s: %w", m.ID, err)
	}
	return &m, nil
}

func externalIDArg(id string) sql.NullString {
	if id == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: id, Valid: true}
}

func (s *PostgresStore) CommitOutbound(ctx context.Context, m *model.Message, touch model.ConversationTouch) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.DebitPending = m.CreditsCharged > 0

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	convID, err := upsertConversationTx(ctx, tx, touch)
	if err != nil {
		return err
	}
	m.ConversationID = convID

	if _, err := insertMessageTx(ctx, tx, m, false); err != nil {
		return err
	}
	if err := countTx(ctx, tx, m.DeviceID, model.Outbound, touch.At); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) InsertInbound(ctx context.Context, m *model.Message, touch model.ConversationTouch) (bool, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	convID, err := upsertConversationTx(ctx, tx, touch)
	if err != nil {
		return false, err
	}
	m.ConversationID = convID

	created, err := insertMessageTx(ctx, tx, m, true)
	if err != nil {
		return false, err
	}
	if !created {
		// Rolling back also undoes the conversation touch above.
		return false, nil
	}
	if err := countTx(ctx, tx, m.DeviceID, model.Inbound, touch.At); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func insertMessageTx(ctx context.Context, tx *sql.Tx, m *model.Message, skipDuplicate bool) (bool, error) {
	content, err := json.Marshal(m.Content)
	if err != nil {
		return false, err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO messages (
			id, device_id, conversation_id, direction, counterpart, content_type, content,
			external_id, status, status_at, credits_charged, debit_pending, automation_id,
			lead_id, resend_of, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	if skipDuplicate {
		query += `
		ON CONFLICT (external_id) WHERE external_id IS NOT NULL DO NOTHING`
	}

	res, err := tx.ExecContext(ctx, query,
		m.ID, m.DeviceID, m.ConversationID, string(m.Direction), m.Counterpart, string(m.Content.Type), content,
		externalIDArg(m.ExternalID), string(m.Status), m.StatusAt, m.CreditsCharged, m.DebitPending, m.AutomationID,
		m.LeadID, m.ResendOf, m.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) getMessage(ctx context.Context, query string, args ...any) (*model.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	m, err := s.getMessage(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, apperr.NotFound("message %s not found", id)
	}
	return m, nil
}

func (s *PostgresStore) GetMessageByExternalID(ctx context.Context, externalID string) (*model.Message, error) {
	m, err := s.getMessage(ctx, `SELECT `+messageColumns+` FROM messages WHERE external_id = $1`, externalID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, apperr.NotFound("message with external id %s not found", externalID)
	}
	return m, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to model.Status, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET status = $3, status_at = $4
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to), at.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// messageWhere renders f as a WHERE clause over the messages table aliased m.
func messageWhere(f model.MessageFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.DeviceID != "" {
		add("m.device_id = $%d", f.DeviceID)
	}
	if f.OwnerID != "" {
		add("m.device_id IN (SELECT id FROM devices WHERE owner_id = $%d)", f.OwnerID)
	}
	if f.Direction != "" {
		add("m.direction = $%d", string(f.Direction))
	}
	if f.Type != "" {
		add("m.content_type = $%d", string(f.Type))
	}
	if !f.From.IsZero() {
		add("m.created_at >= $%d", f.From.UTC())
	}
	if !f.To.IsZero() {
		add("m.created_at < $%d", f.To.UTC())
	}
	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func (s *PostgresStore) queryMessages(ctx context.Context, query string, args ...any) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListMessages(ctx context.Context, f model.MessageFilter) ([]model.Message, error) {
	limit, offset := clampPage(f.Limit, f.Offset)
	where, args := messageWhere(f)
	args = append(args, limit, offset)

	return s.queryMessages(ctx, fmt.Sprintf(`
		SELECT %s FROM messages m
		%s
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $%d OFFSET $%d
	`, prefixed(messageColumns, "m."), where, len(args)-1, len(args)), args...)
}

// prefixed qualifies every column of a column list with alias.
func prefixed(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var convID string
	err = tx.QueryRowContext(ctx,
		`DELETE FROM messages WHERE id = $1 RETURNING conversation_id`, id,
	).Scan(&convID)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("message %s not found", id)
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET total_count = GREATEST(total_count - 1, 0) WHERE id = $1
	`, convID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) MessageStats(ctx context.Context, f model.MessageFilter, bucket model.Bucket) ([]model.StatsBucket, error) {
	if !bucket.Valid() {
		return nil, apperr.Validation("unsupported stats bucket %q", bucket)
	}
	where, args := messageWhere(f)
	args = append(args, string(bucket))

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT date_trunc($%d, m.created_at AT TIME ZONE 'UTC') AS bucket,
		       count(*) FILTER (WHERE m.direction = 'inbound'),
		       count(*) FILTER (WHERE m.direction = 'outbound'),
		       count(*) FILTER (WHERE m.status = 'failed'),
		       COALESCE(sum(m.credits_charged) FILTER (WHERE m.direction = 'outbound'), 0)
		FROM messages m
		%s
		GROUP BY bucket
		ORDER BY bucket ASC
	`, len(args), where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.StatsBucket
	for rows.Next() {
		var b model.StatsBucket
		if err := rows.Scan(&b.Start, &b.Inbound, &b.Outbound, &b.Failed, &b.Credits); err != nil {
			return nil, err
		}
		b.Start = b.Start.UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListPendingDebits(ctx context.Context, limit int) ([]PendingDebit, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, d.owner_id, m.credits_charged
		FROM messages m
		JOIN devices d ON d.id = m.device_id
		WHERE m.debit_pending
		ORDER BY m.created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingDebit
	for rows.Next() {
		var p PendingDebit
		if err := rows.Scan(&p.MessageID, &p.OwnerID, &p.Amount); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkDebited(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET debit_pending = false WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	return expectOne(res, "message", id)
}
