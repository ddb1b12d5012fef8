// Package store persists lottery records under a versioned compare-and-swap
// discipline, together with the ticket ledger and an event outbox.
package store

import (
	"context"
	"errors"

	"tokenlottery/internal/models"
)

var (
	// ErrVersionConflict means the record changed since it was loaded.
	ErrVersionConflict = errors.New("record version conflict")
	// ErrExists is returned by Create for a key that already has a record.
	ErrExists = errors.New("record already exists")
	// ErrNotFound is returned for a key that has no record.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateTicket means a ticket index was already issued.
	ErrDuplicateTicket = errors.New("ticket index already issued")
)

// Snapshot is a record together with the version it was read at.
type Snapshot struct {
	Record  *models.Record
	Version uint64
}

// Mutation is everything a single commit writes besides the record itself.
type Mutation struct {
	Ticket *models.Ticket
	Events []models.Event
}

// Store is implemented by Memory, SQLite and Redis.
type Store interface {
	// Create writes a new record at version 1, failing with ErrExists.
	Create(ctx context.Context, rec *models.Record, events ...models.Event) error
	Load(ctx context.Context, key string) (Snapshot, error)
	// Commit replaces the record stored at version with rec and applies m,
	// all or nothing. It fails with ErrVersionConflict if the stored version
	// moved on.
	Commit(ctx context.Context, version uint64, rec *models.Record, m Mutation) error
	Tickets(ctx context.Context, key string) ([]models.Ticket, error)

	// PendingEvents returns up to limit undelivered events, oldest first,
	// after skipping the first offset of them. A limit <= 0 means no limit.
	PendingEvents(ctx context.Context, offset, limit int) ([]models.Event, error)
	MarkEventDone(ctx context.Context, id string) error

	Close() error
}
