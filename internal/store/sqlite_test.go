package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"tokenlottery/internal/models"
)

func newMockSQLite(t *testing.T) (*SQLite, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS lottery_records").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewSQLite(context.Background(), db)
	require.NoError(t, err)
	return s, mock
}

func TestSQLite_CommitConflictRollsBack(t *testing.T) {
	s, mock := newMockSQLite(t)
	rec := newRecord("token_lottery/mock")
	rec.TotalTickets = 1

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE lottery_records").
		WithArgs(int64(1), int64(0), "CREATED", "", int64(0), rec.Key, int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.Commit(context.Background(), 4, rec, Mutation{Ticket: newTicket(rec.Key, 0)})
	require.True(t, errors.Is(err, ErrVersionConflict), "got %v", err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLite_CommitTicketFailureRollsBack(t *testing.T) {
	s, mock := newMockSQLite(t)
	rec := newRecord("token_lottery/mock")
	rec.TotalTickets = 1
	rec.PotAmount = 10

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE lottery_records").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO tickets").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err := s.Commit(context.Background(), 1, rec, Mutation{Ticket: newTicket(rec.Key, 0)})
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrVersionConflict))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLite_CreateExisting(t *testing.T) {
	s, mock := newMockSQLite(t)
	rec := newRecord("token_lottery/mock")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO lottery_records").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.Create(context.Background(), rec, models.NewEvent(rec.Key, models.EventCollectionInitialized))
	require.True(t, errors.Is(err, ErrExists), "got %v", err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLite_CreateWritesOutbox(t *testing.T) {
	s, mock := newMockSQLite(t)
	rec := newRecord("token_lottery/mock")
	ev := models.NewEvent(rec.Key, models.EventCollectionInitialized)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO lottery_records").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO event_outbox").
		WithArgs(ev.ID, rec.Key, string(ev.Kind), "", int64(0), "", "", int64(0), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Create(context.Background(), rec, ev))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLite_TicketsCorruptTimestamp(t *testing.T) {
	s, mock := newMockSQLite(t)
	key := "token_lottery/mock"

	mock.ExpectQuery("SELECT 1 FROM lottery_records").
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectQuery("FROM tickets").
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"lottery_key", "ticket_index", "owner", "asset_id", "name", "symbol", "uri", "price", "sold_at", "created_at"}).
			AddRow(key, 0, "buyer", "asset-0", "Token Lottery Ticket #0", "TICKET", "", 10, 150, "yesterday"))

	_, err := s.Tickets(context.Background(), key)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLite_PendingEventsCorruptTimestamp(t *testing.T) {
	s, mock := newMockSQLite(t)

	mock.ExpectQuery("FROM event_outbox").
		WithArgs(10, 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "lottery_key", "kind", "owner", "ticket_index", "asset_id", "handle", "amount", "created_at"}).
			AddRow("ev-1", "token_lottery/mock", "ticket.sold", "buyer", 0, "asset-0", "", 10, ""))

	_, err := s.PendingEvents(context.Background(), 2, 10)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
