package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/messaging-gateway/internal/apperr"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
)

// PostgresStore implements Store on PostgreSQL through database/sql and the
// pgx stdlib driver.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

type scanner interface {
	Scan(dest ...any) error
}

const deviceColumns = `
	id, owner_id, name, backend, session_ref, cloud_credentials, state, address,
	last_error, is_default, active, credit_cost, sent_count, received_count,
	period_start, settings, created_at, updated_at`

func scanDevice(row scanner) (*model.Device, error) {
	var (
		d        model.Device
		backend  string
		state    string
		cloud    []byte
		settings []byte
	)
	if err := row.Scan(
		&d.ID, &d.OwnerID, &d.Name, &backend, &d.SessionRef, &cloud, &state, &d.Address,
		&d.LastError, &d.IsDefault, &d.Active, &d.CreditCost, &d.SentCount, &d.ReceivedCount,
		&d.PeriodStart, &settings, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	d.Backend = model.Backend(backend)
	d.State = model.ConnState(state)
	if len(cloud) > 0 {
		var c model.CloudCredentials
		if err := json.Unmarshal(cloud, &c); err != nil {
			return nil, fmt.Errorf("decode cloud credentials of %s: %w", d.ID, err)
		}
		d.Cloud = &c
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &d.Settings); err != nil {
			return nil, fmt.Errorf("decode settings of %s: %w", d.ID, err)
		}
	}
	return &d, nil
}

func encodeCloud(c *model.CloudCredentials) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	return json.Marshal(c)
}

// lockOwner serializes default-flag changes of one owner inside tx.
func lockOwner(ctx context.Context, tx *sql.Tx, ownerID string) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ownerID)
	return err
}

func (s *PostgresStore) CreateDevice(ctx context.Context, d *model.Device) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.State == "" {
		d.State = model.StateUninitialized
	}
	now := s.now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	d.PeriodStart = model.PeriodStartOf(now)

	cloud, err := encodeCloud(d.Cloud)
	if err != nil {
		return err
	}
	settings, err := json.Marshal(d.Settings)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockOwner(ctx, tx, d.OwnerID); err != nil {
		return err
	}

	var hasDefault bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM devices WHERE owner_id = $1 AND is_default)`, d.OwnerID,
	).Scan(&hasDefault); err != nil {
		return err
	}
	d.IsDefault = !hasDefault

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO devices (
			id, owner_id, name, backend, session_ref, cloud_credentials, state, address,
			last_error, is_default, active, credit_cost, sent_count, received_count,
			period_start, settings, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 0, 0, $13, $14, $15, $15)
	`, d.ID, d.OwnerID, d.Name, string(d.Backend), d.SessionRef, cloud, string(d.State), d.Address,
		d.LastError, d.IsDefault, d.Active, d.CreditCost, d.PeriodStart, settings, now,
	); err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) getDevice(ctx context.Context, query string, args ...any) (*model.Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

func (s *PostgresStore) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	d, err := s.getDevice(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, apperr.NotFound("device %s not found", id)
	}
	return d, nil
}

func (s *PostgresStore) GetDefaultDevice(ctx context.Context, ownerID string) (*model.Device, error) {
	d, err := s.getDevice(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE owner_id = $1 AND is_default`, ownerID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, apperr.NotFound("owner %s has no default device", ownerID)
	}
	return d, nil
}

func (s *PostgresStore) FindCloudDevice(ctx context.Context, phoneNumberID string) (*model.Device, error) {
	d, err := s.getDevice(ctx, `
		SELECT `+deviceColumns+` FROM devices
		WHERE backend = 'cloud' AND cloud_credentials ->> 'phone_number_id' = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, phoneNumberID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, apperr.NotFound("no cloud device for phone number id %s", phoneNumberID)
	}
	return d, nil
}

func (s *PostgresStore) queryDevices(ctx context.Context, query string, args ...any) ([]model.Device, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListDevices(ctx context.Context, f model.DeviceFilter) ([]model.Device, error) {
	limit, offset := clampPage(f.Limit, f.Offset)

	var active sql.NullBool
	if f.Active != nil {
		active = sql.NullBool{Bool: *f.Active, Valid: true}
	}
	return s.queryDevices(ctx, `
		SELECT `+deviceColumns+` FROM devices
		WHERE ($1 = '' OR owner_id = $1)
		  AND ($2::boolean IS NULL OR active = $2)
		ORDER BY created_at ASC, id ASC
		LIMIT $3 OFFSET $4
	`, f.OwnerID, active, limit, offset)
}

func (s *PostgresStore) ListSessionDevices(ctx context.Context) ([]model.Device, error) {
	return s.queryDevices(ctx, `
		SELECT `+deviceColumns+` FROM devices
		WHERE backend = 'session' AND active AND session_ref <> ''
		  AND state NOT IN ('logged_out', 'disconnected')
		ORDER BY created_at ASC
	`)
}

func (s *PostgresStore) UpdateDevice(ctx context.Context, d *model.Device) error {
	settings, err := json.Marshal(d.Settings)
	if err != nil {
		return err
	}
	cloud, err := encodeCloud(d.Cloud)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE devices
		SET name = $2,
		    active = $3,
		    credit_cost = $4,
		    settings = $5,
		    cloud_credentials = COALESCE($6, cloud_credentials),
		    updated_at = now()
		WHERE id = $1
	`, d.ID, d.Name, d.Active, d.CreditCost, settings, cloud)
	if err != nil {
		return err
	}
	return expectOne(res, "device", d.ID)
}

func expectOne(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("%s %s not found", kind, id)
	}
	return nil
}

func (s *PostgresStore) DeleteDevice(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		ownerID   string
		isDefault bool
	)
	err = tx.QueryRowContext(ctx,
		`SELECT owner_id, is_default FROM devices WHERE id = $1`, id,
	).Scan(&ownerID, &isDefault)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("device %s not found", id)
	}
	if err != nil {
		return err
	}
	if err := lockOwner(ctx, tx, ownerID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete device: %w", err)
	}

	if isDefault {
		if _, err := tx.ExecContext(ctx, `
			UPDATE devices SET is_default = true, updated_at = now()
			WHERE id = (
				SELECT id FROM devices
				WHERE owner_id = $1
				ORDER BY active DESC, created_at DESC
				LIMIT 1
			)
		`, ownerID); err != nil {
			return fmt.Errorf("promote default: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) SetDefault(ctx context.Context, ownerID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockOwner(ctx, tx, ownerID); err != nil {
		return err
	}

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM devices WHERE id = $1 AND owner_id = $2)`, id, ownerID,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return apperr.NotFound("device %s not found for owner %s", id, ownerID)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE devices SET is_default = false, updated_at = now()
		WHERE owner_id = $1 AND is_default AND id <> $2
	`, ownerID, id); err != nil {
		return fmt.Errorf("clear default: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE devices SET is_default = true, updated_at = now()
		WHERE id = $1
	`, id); err != nil {
		return fmt.Errorf("set default: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) UpdateConnection(ctx context.Context, id string, u ConnectionUpdate) error {
	var state sql.NullString
	if u.State != "" {
		state = sql.NullString{String: string(u.State), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE devices
		SET state = COALESCE($2, state),
		    address = COALESCE($3, address),
		    session_ref = COALESCE($4, session_ref),
		    last_error = COALESCE($5, last_error),
		    updated_at = now()
		WHERE id = $1
	`, id, state, nullable(u.Address), nullable(u.SessionRef), nullable(u.LastError))
	if err != nil {
		return err
	}
	return expectOne(res, "device", id)
}

func nullable(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func (s *PostgresStore) DeviceStats(ctx context.Context, id string) (*model.DeviceStats, error) {
	d, err := s.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	st := &model.DeviceStats{
		DeviceID:      id,
		State:         d.State,
		PeriodStart:   d.PeriodStart,
		SentCount:     d.SentCount,
		ReceivedCount: d.ReceivedCount,
		ByStatus:      make(map[model.Status]int64),
	}
	if current := model.PeriodStartOf(s.now()); current.After(d.PeriodStart) {
		st.PeriodStart = current
		st.SentCount, st.ReceivedCount = 0, 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, count(*) FROM messages
		WHERE device_id = $1 AND direction = 'outbound'
		GROUP BY status
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		st.ByStatus[model.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT count(*), COALESCE(sum(unread_count), 0) FROM conversations WHERE device_id = $1
	`, id).Scan(&st.Conversations, &st.Unread); err != nil {
		return nil, err
	}
	return st, nil
}

// countTx bumps the per-period counter of a device, starting a new period
// when the calendar month has rolled over.
func countTx(ctx context.Context, tx *sql.Tx, deviceID string, dir model.Direction, at time.Time) error {
	column := "received_count"
	other := "sent_count"
	if dir == model.Outbound {
		column, other = other, column
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE devices
		SET %[1]s = CASE WHEN period_start < $2 THEN 1 ELSE %[1]s + 1 END,
		    %[2]s = CASE WHEN period_start < $2 THEN 0 ELSE %[2]s END,
		    period_start = GREATEST(period_start, $2),
		    updated_at = now()
		WHERE id = $1
	`, column, other), deviceID, model.PeriodStartOf(at))
	if err != nil {
		return fmt.Errorf("count %s message: %w", dir, err)
	}
	return expectOne(res, "device", deviceID)
}
