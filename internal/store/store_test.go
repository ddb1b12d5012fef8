package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenlottery/internal/models"
)

// backends returns a fresh instance of every Store implementation.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	sqlite, err := OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)

	mr := miniredis.RunT(t)

	stores := map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
		"redis":  NewRedis(mr.Addr(), "", 0),
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func newRecord(key string) *models.Record {
	return &models.Record{
		Key:         key,
		Authority:   "authority",
		StartTime:   100,
		EndTime:     200,
		TicketPrice: 10,
		State:       models.Created{},
	}
}

func newTicket(key string, index uint64) *models.Ticket {
	return &models.Ticket{
		LotteryKey: key,
		Index:      index,
		Owner:      "buyer",
		AssetID:    key + "-asset-" + string(rune('a'+index)),
		Name:       "Token Lottery Ticket",
		Symbol:     "TLT",
		URI:        "https://example.com/ticket.json",
		Price:      10,
		SoldAt:     150,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestStore_CreateLoad(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := newRecord("token_lottery/a")

			_, err := s.Load(ctx, rec.Key)
			require.True(t, errors.Is(err, ErrNotFound))

			require.NoError(t, s.Create(ctx, rec, models.NewEvent(rec.Key, models.EventCollectionInitialized)))

			err = s.Create(ctx, rec)
			require.True(t, errors.Is(err, ErrExists), "create must be create-if-absent, got %v", err)

			snap, err := s.Load(ctx, rec.Key)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), snap.Version)
			assert.Equal(t, rec.Authority, snap.Record.Authority)
			assert.Equal(t, uint64(200), snap.Record.EndTime)
			assert.Equal(t, models.StageCreated, snap.Record.Stage())

			events, err := s.PendingEvents(ctx, 0, 10)
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, models.EventCollectionInitialized, events[0].Kind)
		})
	}
}

func TestStore_CommitCompareAndSwap(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := newRecord("token_lottery/cas")
			require.NoError(t, s.Create(ctx, rec))

			snap, err := s.Load(ctx, rec.Key)
			require.NoError(t, err)

			next := snap.Record.Clone()
			next.TotalTickets = 1
			next.PotAmount = 10
			ev := models.NewEvent(rec.Key, models.EventTicketSold)
			require.NoError(t, s.Commit(ctx, snap.Version, next, Mutation{Ticket: newTicket(rec.Key, 0), Events: []models.Event{ev}}))

			// stale version loses
			stale := snap.Record.Clone()
			stale.TotalTickets = 1
			err = s.Commit(ctx, snap.Version, stale, Mutation{Ticket: newTicket(rec.Key, 0)})
			require.True(t, errors.Is(err, ErrVersionConflict), "got %v", err)

			snap, err = s.Load(ctx, rec.Key)
			require.NoError(t, err)
			assert.Equal(t, uint64(2), snap.Version)
			assert.Equal(t, uint64(1), snap.Record.TotalTickets)
			assert.Equal(t, uint64(10), snap.Record.PotAmount)

			tickets, err := s.Tickets(ctx, rec.Key)
			require.NoError(t, err)
			require.Len(t, tickets, 1)
			assert.Equal(t, uint64(0), tickets[0].Index)
			assert.Equal(t, "TLT", tickets[0].Symbol)

			final := snap.Record.Clone()
			final.State = models.Finalized{Handle: "h", Winner: 0}
			require.NoError(t, s.Commit(ctx, snap.Version, final, Mutation{}))

			snap, err = s.Load(ctx, rec.Key)
			require.NoError(t, err)
			winner, chosen := snap.Record.Winner()
			assert.True(t, chosen)
			assert.Equal(t, uint64(0), winner)
			assert.Equal(t, "h", snap.Record.RandomnessHandle())
		})
	}
}

func TestStore_ConcurrentCommitsSerialize(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := newRecord("token_lottery/race")
			require.NoError(t, s.Create(ctx, rec))
			snap, err := s.Load(ctx, rec.Key)
			require.NoError(t, err)

			const writers = 8
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				success int
			)
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					next := snap.Record.Clone()
					next.TotalTickets++
					if err := s.Commit(ctx, snap.Version, next, Mutation{Ticket: newTicket(rec.Key, 0)}); err == nil {
						mu.Lock()
						success++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			require.Equal(t, 1, success, "exactly one writer may win a version")

			tickets, err := s.Tickets(ctx, rec.Key)
			require.NoError(t, err)
			require.Len(t, tickets, 1)
		})
	}
}

func TestStore_Outbox(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := newRecord("token_lottery/outbox")
			first := models.NewEvent(rec.Key, models.EventCollectionInitialized)
			require.NoError(t, s.Create(ctx, rec, first))

			snap, err := s.Load(ctx, rec.Key)
			require.NoError(t, err)
			// same timestamps: order must follow the commit, not the clock or the id
			second := models.NewEvent(rec.Key, models.EventRandomnessCommitted)
			second.ID = "ffffffff-second"
			second.CreatedAt = first.CreatedAt
			third := models.NewEvent(rec.Key, models.EventWinnerRevealed)
			third.ID = "00000000-third"
			third.CreatedAt = first.CreatedAt
			third.TicketIndex = 3
			require.NoError(t, s.Commit(ctx, snap.Version, snap.Record.Clone(), Mutation{Events: []models.Event{second, third}}))

			events, err := s.PendingEvents(ctx, 0, 1)
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, first.ID, events[0].ID)

			events, err = s.PendingEvents(ctx, 1, 10)
			require.NoError(t, err)
			require.Len(t, events, 2)
			assert.Equal(t, second.ID, events[0].ID)
			assert.Equal(t, third.ID, events[1].ID)

			events, err = s.PendingEvents(ctx, 5, 10)
			require.NoError(t, err)
			assert.Empty(t, events)

			require.NoError(t, s.MarkEventDone(ctx, first.ID))
			events, err = s.PendingEvents(ctx, 0, 10)
			require.NoError(t, err)
			require.Len(t, events, 2)
			assert.Equal(t, second.ID, events[0].ID)
			assert.Equal(t, uint64(3), events[1].TicketIndex)

			require.NoError(t, s.MarkEventDone(ctx, second.ID))
			require.NoError(t, s.MarkEventDone(ctx, third.ID))
			events, err = s.PendingEvents(ctx, 0, 0)
			require.NoError(t, err)
			assert.Empty(t, events)
		})
	}
}

func TestStore_DuplicateTicketIndex(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := newRecord("token_lottery/dup")
			require.NoError(t, s.Create(ctx, rec))

			snap, err := s.Load(ctx, rec.Key)
			require.NoError(t, err)
			next := snap.Record.Clone()
			next.TotalTickets = 1
			require.NoError(t, s.Commit(ctx, snap.Version, next, Mutation{Ticket: newTicket(rec.Key, 0)}))

			snap, err = s.Load(ctx, rec.Key)
			require.NoError(t, err)
			again := snap.Record.Clone()
			again.TotalTickets = 2
			reused := newTicket(rec.Key, 0)
			reused.AssetID = "another-asset"
			err = s.Commit(ctx, snap.Version, again, Mutation{Ticket: reused})
			require.True(t, errors.Is(err, ErrDuplicateTicket), "got %v", err)

			snap, err = s.Load(ctx, rec.Key)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), snap.Record.TotalTickets, "a rejected ticket must not move the record")
		})
	}
}

func TestStore_TicketsUnknownLottery(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Tickets(context.Background(), "token_lottery/none")
			require.True(t, errors.Is(err, ErrNotFound), "got %v", err)
		})
	}
}
