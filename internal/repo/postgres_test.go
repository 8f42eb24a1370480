package repo

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/LeventeLantos/messaging-gateway/internal/apperr"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	s := NewPostgresStore(db)
	s.now = func() time.Time { return time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC) }
	return s, mock
}

func TestPostgresStore_CreateDevice_FirstIsDefault(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtext($1))`)).
		WithArgs("owner-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("owner-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`INSERT INTO devices`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	d := &model.Device{OwnerID: "owner-1", Name: "sales", Backend: model.BackendCloud, Active: true, CreditCost: 1}
	if err := s.CreateDevice(context.Background(), d); err != nil {
		t.Fatalf("CreateDevice error: %v", err)
	}
	if !d.IsDefault {
		t.Fatalf("expected first device to become default")
	}
	if d.ID == "" {
		t.Fatalf("expected generated id")
	}
	if want := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC); !d.PeriodStart.Equal(want) {
		t.Fatalf("expected period start %v, got %v", want, d.PeriodStart)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_SetDefault_ClearsSiblingsInOneTx(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).WithArgs("owner-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("dev-2", "owner-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec(`SET is_default = false`).WithArgs("owner-1", "dev-2").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SET is_default = true`).WithArgs("dev-2").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.SetDefault(context.Background(), "owner-1", "dev-2"); err != nil {
		t.Fatalf("SetDefault error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_SetDefault_UnknownDevice(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	err := s.SetDefault(context.Background(), "owner-1", "nope")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_DeleteDevice_PromotesAnyRemainingDevice(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT owner_id, is_default FROM devices`).
		WithArgs("dev-1").
		WillReturnRows(sqlmock.NewRows([]string{"owner_id", "is_default"}).AddRow("owner-1", true))
	mock.ExpectExec(`pg_advisory_xact_lock`).WithArgs("owner-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM devices`).WithArgs("dev-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`ORDER BY active DESC, created_at DESC`)).
		WithArgs("owner-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.DeleteDevice(context.Background(), "dev-1"); err != nil {
		t.Fatalf("DeleteDevice error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_ListSessionDevices_ExcludesStoppedStates(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

	cols := []string{
		"id", "owner_id", "name", "backend", "session_ref", "cloud_credentials", "state", "address",
		"last_error", "is_default", "active", "credit_cost", "sent_count", "received_count",
		"period_start", "settings", "created_at", "updated_at",
	}
	mock.ExpectQuery(regexp.QuoteMeta(`state NOT IN ('logged_out', 'disconnected')`)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"dev-1", "owner-1", "phone", "session", "1.0:1@s.whatsapp.net", nil, "connected", "1",
			"", true, true, 1, 0, 0, at, []byte(`{}`), at, at,
		))

	got, err := s.ListSessionDevices(context.Background())
	if err != nil {
		t.Fatalf("ListSessionDevices error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "dev-1" || got[0].State != model.StateConnected {
		t.Fatalf("unexpected devices: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_InsertInbound_DuplicateRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO conversations`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("conv-1"))
	mock.ExpectExec(`INSERT INTO messages`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	m := &model.Message{
		DeviceID:    "dev-1",
		Direction:   model.Inbound,
		Counterpart: "15550001",
		Content:     model.Content{Type: model.ContentText, Text: "hi"},
		ExternalID:  "wamid.dup",
		Status:      model.Delivered,
		StatusAt:    at,
		CreatedAt:   at,
	}
	touch := model.ConversationTouch{DeviceID: "dev-1", Counterpart: "15550001", Direction: model.Inbound, Preview: "hi", At: at}

	created, err := s.InsertInbound(context.Background(), m, touch)
	if err != nil {
		t.Fatalf("InsertInbound error: %v", err)
	}
	if created {
		t.Fatalf("expected duplicate to report created=false")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_UpdateStatus_StaleIsNoop(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE messages`).
		WithArgs("msg-1", "sent", "delivered", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.UpdateStatus(context.Background(), "msg-1", model.Sent, model.Delivered, time.Now())
	if err != nil {
		t.Fatalf("UpdateStatus error: %v", err)
	}
	if ok {
		t.Fatalf("expected no row updated")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_MarkConversationRead_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE conversations SET unread_count = 0`).
		WithArgs("conv-x").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.MarkConversationRead(context.Background(), "conv-x")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}
