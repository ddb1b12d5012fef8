package store

import (
	"context"
	"fmt"
	"sync"

	"tokenlottery/internal/models"
)

// memoryEntry holds the data for a single lottery.
type memoryEntry struct {
	record  *models.Record
	version uint64
	tickets []models.Ticket
}

// Memory is a process-local Store.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry // Key: lottery key
	outbox  []models.Event
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*memoryEntry),
	}
}

func (s *Memory) Create(_ context.Context, rec *models.Record, events ...models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[rec.Key]; exists {
		return fmt.Errorf("%w: %s", ErrExists, rec.Key)
	}
	s.entries[rec.Key] = &memoryEntry{
		record:  rec.Clone(),
		version: 1,
		tickets: make([]models.Ticket, 0),
	}
	s.outbox = append(s.outbox, events...)
	return nil
}

func (s *Memory) Load(_ context.Context, key string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.entries[key]
	if !exists {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return Snapshot{Record: entry.record.Clone(), Version: entry.version}, nil
}

func (s *Memory) Commit(_ context.Context, version uint64, rec *models.Record, m Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[rec.Key]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, rec.Key)
	}
	if entry.version != version {
		return fmt.Errorf("%w: %s at %d, expected %d", ErrVersionConflict, rec.Key, entry.version, version)
	}
	if m.Ticket != nil {
		// Indices are dense, so the next one is always the slice length.
		if m.Ticket.Index != uint64(len(entry.tickets)) {
			return fmt.Errorf("%w: %d", ErrDuplicateTicket, m.Ticket.Index)
		}
		entry.tickets = append(entry.tickets, *m.Ticket)
	}
	entry.record = rec.Clone()
	entry.version++
	s.outbox = append(s.outbox, m.Events...)
	return nil
}

func (s *Memory) Tickets(_ context.Context, key string) ([]models.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.entries[key]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]models.Ticket(nil), entry.tickets...), nil
}

func (s *Memory) PendingEvents(_ context.Context, offset, limit int) ([]models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if offset < 0 || offset >= len(s.outbox) {
		return nil, nil
	}
	pending := s.outbox[offset:]
	if limit > 0 && limit < len(pending) {
		pending = pending[:limit]
	}
	return append([]models.Event(nil), pending...), nil
}

func (s *Memory) MarkEventDone(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, ev := range s.outbox {
		if ev.ID == id {
			s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *Memory) Close() error { return nil }
