package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"tokenlottery/internal/models"
)

// SQLite is a Store backed by database/sql with the modernc SQLite driver.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases shared between callers.
	db.SetMaxOpenConns(1)
	s, err := NewSQLite(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite wraps an open database and creates the schema if needed.
func NewSQLite(ctx context.Context, db *sql.DB) (*SQLite, error) {
	s := &SQLite{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate sqlite schema: %w", err)
	}
	return s, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS lottery_records (
	lottery_key TEXT PRIMARY KEY,
	authority TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	end_time INTEGER NOT NULL,
	ticket_price INTEGER NOT NULL,
	total_tickets INTEGER NOT NULL DEFAULT 0,
	pot_amount INTEGER NOT NULL DEFAULT 0,
	stage TEXT NOT NULL,
	randomness_handle TEXT NOT NULL DEFAULT '',
	winner INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS tickets (
	lottery_key TEXT NOT NULL,
	ticket_index INTEGER NOT NULL,
	owner TEXT NOT NULL,
	asset_id TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	symbol TEXT NOT NULL,
	uri TEXT NOT NULL,
	price INTEGER NOT NULL,
	sold_at INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (lottery_key, ticket_index)
);
CREATE TABLE IF NOT EXISTS event_outbox (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	lottery_key TEXT NOT NULL,
	kind TEXT NOT NULL,
	owner TEXT NOT NULL DEFAULT '',
	ticket_index INTEGER NOT NULL DEFAULT 0,
	asset_id TEXT NOT NULL DEFAULT '',
	handle TEXT NOT NULL DEFAULT '',
	amount INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'PENDING'
);`

func (s *SQLite) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

func (s *SQLite) Create(ctx context.Context, rec *models.Record, events ...models.Event) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stage, handle, winner := flatten(rec)
		res, err := tx.ExecContext(ctx, `
			INSERT INTO lottery_records (lottery_key, authority, start_time, end_time, ticket_price, total_tickets, pot_amount, stage, randomness_handle, winner, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT (lottery_key) DO NOTHING`,
			rec.Key, rec.Authority, int64(rec.StartTime), int64(rec.EndTime), int64(rec.TicketPrice),
			int64(rec.TotalTickets), int64(rec.PotAmount), string(stage), handle, int64(winner),
		)
		if err != nil {
			return fmt.Errorf("failed to insert lottery record: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("%w: %s", ErrExists, rec.Key)
		}
		return insertEvents(ctx, tx, events)
	})
}

func (s *SQLite) Load(ctx context.Context, key string) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT lottery_key, authority, start_time, end_time, ticket_price, total_tickets, pot_amount, stage, randomness_handle, winner, version
		FROM lottery_records
		WHERE lottery_key = ?`, key)

	var (
		rec                               models.Record
		start, end, price, total, pot, wn int64
		stage, handle                     string
		version                           int64
	)
	err := row.Scan(&rec.Key, &rec.Authority, &start, &end, &price, &total, &pot, &stage, &handle, &wn, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return Snapshot{}, err
	}
	state, err := models.RestoreState(models.Stage(stage), handle, uint64(wn))
	if err != nil {
		return Snapshot{}, err
	}
	rec.StartTime = uint64(start)
	rec.EndTime = uint64(end)
	rec.TicketPrice = uint64(price)
	rec.TotalTickets = uint64(total)
	rec.PotAmount = uint64(pot)
	rec.State = state
	return Snapshot{Record: &rec, Version: uint64(version)}, nil
}

func (s *SQLite) Commit(ctx context.Context, version uint64, rec *models.Record, m Mutation) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stage, handle, winner := flatten(rec)
		res, err := tx.ExecContext(ctx, `
			UPDATE lottery_records
			SET total_tickets = ?, pot_amount = ?, stage = ?, randomness_handle = ?, winner = ?, version = version + 1
			WHERE lottery_key = ? AND version = ?`,
			int64(rec.TotalTickets), int64(rec.PotAmount), string(stage), handle, int64(winner), rec.Key, int64(version),
		)
		if err != nil {
			return fmt.Errorf("failed to update lottery record: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("%w: %s at %d", ErrVersionConflict, rec.Key, version)
		}

		if t := m.Ticket; t != nil {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO tickets (lottery_key, ticket_index, owner, asset_id, name, symbol, uri, price, sold_at, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				t.LotteryKey, int64(t.Index), t.Owner, t.AssetID, t.Name, t.Symbol, t.URI,
				int64(t.Price), int64(t.SoldAt), t.CreatedAt.UTC().Format(time.RFC3339Nano),
			)
			if err != nil {
				if isConstraintViolation(err) {
					return fmt.Errorf("%w: %d", ErrDuplicateTicket, t.Index)
				}
				return fmt.Errorf("failed to insert ticket: %w", err)
			}
		}
		return insertEvents(ctx, tx, m.Events)
	})
}

func (s *SQLite) Tickets(ctx context.Context, key string) ([]models.Ticket, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM lottery_records WHERE lottery_key = ?`, key).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT lottery_key, ticket_index, owner, asset_id, name, symbol, uri, price, sold_at, created_at
		FROM tickets
		WHERE lottery_key = ?
		ORDER BY ticket_index ASC`, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	tickets := make([]models.Ticket, 0)
	for rows.Next() {
		var (
			t                  models.Ticket
			index, price, sold int64
			createdAt          string
		)
		if err := rows.Scan(&t.LotteryKey, &index, &t.Owner, &t.AssetID, &t.Name, &t.Symbol, &t.URI, &price, &sold, &createdAt); err != nil {
			return nil, err
		}
		t.Index = uint64(index)
		t.Price = uint64(price)
		t.SoldAt = uint64(sold)
		if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("corrupt ticket %s/%d: %w", key, t.Index, err)
		}
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

func (s *SQLite) PendingEvents(ctx context.Context, offset, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lottery_key, kind, owner, ticket_index, asset_id, handle, amount, created_at
		FROM event_outbox
		WHERE status = 'PENDING'
		ORDER BY seq ASC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	//nolint:prealloc // result count unknown from SQL query
	var events []models.Event
	for rows.Next() {
		var (
			ev            models.Event
			kind          string
			index, amount int64
			createdAt     string
		)
		if err := rows.Scan(&ev.ID, &ev.LotteryKey, &kind, &ev.Owner, &index, &ev.AssetID, &ev.Handle, &amount, &createdAt); err != nil {
			return nil, err
		}
		ev.Kind = models.EventKind(kind)
		ev.TicketIndex = uint64(index)
		ev.Amount = uint64(amount)
		if ev.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("corrupt outbox event %s: %w", ev.ID, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *SQLite) MarkEventDone(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE event_outbox SET status = 'DONE' WHERE id = ?`, id)
	return err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, events []models.Event) error {
	for _, ev := range events {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO event_outbox (id, lottery_key, kind, owner, ticket_index, asset_id, handle, amount, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.LotteryKey, string(ev.Kind), ev.Owner, int64(ev.TicketIndex), ev.AssetID, ev.Handle,
			int64(ev.Amount), ev.CreatedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("failed to schedule event %s: %w", ev.Kind, err)
		}
	}
	return nil
}

// flatten splits the state variant into its storage columns.
func flatten(rec *models.Record) (models.Stage, string, uint64) {
	winner, _ := rec.Winner()
	return rec.Stage(), rec.RandomnessHandle(), winner
}

// isConstraintViolation reports whether err is a UNIQUE or PRIMARY KEY
// violation raised by the driver.
func isConstraintViolation(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}
