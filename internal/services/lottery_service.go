package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/logger"
	"github.com/google/uuid"

	"tokenlottery/internal/clock"
	"tokenlottery/internal/models"
	"tokenlottery/internal/oracle"
	"tokenlottery/internal/store"
)

// Payments moves ticket prices into a lottery pot.
type Payments interface {
	Transfer(ctx context.Context, payer, payee string, amount uint64) error
}

// Options tunes a LotteryService. Zero values fall back to the defaults.
type Options struct {
	// MaxRetries bounds how often a mutation is re-validated after losing a
	// compare-and-swap race.
	MaxRetries int
	// WinnerWidth is how many bytes of the revealed value feed the draw.
	WinnerWidth int
	// Ticket holds the ticket asset metadata; the index is appended to Name.
	Ticket     models.AssetMetadata
	Collection models.AssetMetadata
	// Payments, if set, charges buyers and refunds them when a sale fails.
	Payments Payments
	// PotAccount names the payee of a lottery's ticket payments.
	PotAccount func(lotteryKey string) string
}

// DefaultOptions returns the options used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		MaxRetries:  16,
		WinnerWidth: 1,
		Ticket: models.AssetMetadata{
			Name:   "Token Lottery Ticket #",
			Symbol: "TICKET",
		},
		Collection: models.AssetMetadata{
			Name:   "Token Lottery",
			Symbol: "TICKET",
		},
		PotAccount: func(lotteryKey string) string { return "pot:" + strings.ReplaceAll(lotteryKey, "/", ":") },
	}
}

// LotteryService runs the lottery state machine against a Store.
type LotteryService struct {
	store  store.Store
	clock  clock.Clock
	oracle oracle.Oracle
	opts   Options
}

// NewLotteryService creates and initializes a new LotteryService.
func NewLotteryService(st store.Store, c clock.Clock, o oracle.Oracle, opts Options) *LotteryService {
	def := DefaultOptions()
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.WinnerWidth <= 0 {
		opts.WinnerWidth = def.WinnerWidth
	}
	if opts.Ticket == (models.AssetMetadata{}) {
		opts.Ticket = def.Ticket
	}
	if opts.Collection == (models.AssetMetadata{}) {
		opts.Collection = def.Collection
	}
	if opts.PotAccount == nil {
		opts.PotAccount = def.PotAccount
	}
	return &LotteryService{
		store:  st,
		clock:  c,
		oracle: o,
		opts:   opts,
	}
}

// Initialize creates the lottery stored under key. It can succeed only once
// per key.
func (s *LotteryService) Initialize(ctx context.Context, key string, startTime, endTime, ticketPrice uint64, authority string) (*models.Record, error) {
	switch {
	case startTime >= endTime:
		return nil, fmt.Errorf("%w: start %d must be before end %d", models.ErrInvalidConfiguration, startTime, endTime)
	case ticketPrice == 0:
		return nil, fmt.Errorf("%w: ticket price must be positive", models.ErrInvalidConfiguration)
	case authority == "":
		return nil, fmt.Errorf("%w: authority required", models.ErrInvalidConfiguration)
	}

	rec := &models.Record{
		Key:         key,
		Authority:   authority,
		StartTime:   startTime,
		EndTime:     endTime,
		TicketPrice: ticketPrice,
		State:       models.Created{},
	}
	err := s.store.Create(ctx, rec, models.NewEvent(key, models.EventCollectionInitialized))
	if err != nil {
		if errors.Is(err, store.ErrExists) {
			return nil, fmt.Errorf("%w: %s", models.ErrAlreadyInitialized, key)
		}
		return nil, err
	}
	logger.Infof("Initialized lottery %s: window [%d, %d), price %d, authority %s", key, startTime, endTime, ticketPrice, authority)
	return rec, nil
}

// Get returns the current record of the lottery.
func (s *LotteryService) Get(ctx context.Context, key string) (*models.Record, error) {
	snap, err := s.store.Load(ctx, key)
	if err != nil {
		return nil, storeError(err, key)
	}
	return snap.Record, nil
}

// Tickets returns every ticket sold so far, ordered by index.
func (s *LotteryService) Tickets(ctx context.Context, key string) ([]models.Ticket, error) {
	tickets, err := s.store.Tickets(ctx, key)
	if err != nil {
		return nil, storeError(err, key)
	}
	return tickets, nil
}

// SellTicket sells the next ticket of the lottery to buyer. The returned
// ticket's index is unique even under concurrent sales.
func (s *LotteryService) SellTicket(ctx context.Context, key, buyer string, payment uint64) (models.Ticket, error) {
	if buyer == "" {
		return models.Ticket{}, fmt.Errorf("%w: buyer identity required", models.ErrUnauthorized)
	}
	now, err := s.clock.Now(ctx)
	if err != nil {
		return models.Ticket{}, err
	}

	check := func(rec *models.Record) error {
		if err := requireOpen(rec, now); err != nil {
			return err
		}
		if payment != rec.TicketPrice {
			return fmt.Errorf("%w: paid %d, price %d", models.ErrInvalidPayment, payment, rec.TicketPrice)
		}
		if rec.PotAmount > math.MaxUint64-payment {
			return fmt.Errorf("%w: pot would overflow", models.ErrInvalidPayment)
		}
		return nil
	}

	charged := false
	if s.opts.Payments != nil {
		// Fail fast before moving funds; the commit below re-checks.
		rec, err := s.Get(ctx, key)
		if err != nil {
			return models.Ticket{}, err
		}
		if err := check(rec); err != nil {
			return models.Ticket{}, err
		}
		if err := s.opts.Payments.Transfer(ctx, buyer, s.opts.PotAccount(key), payment); err != nil {
			return models.Ticket{}, fmt.Errorf("ticket payment failed: %w", err)
		}
		charged = true
	}

	var ticket models.Ticket
	_, err = s.mutate(ctx, key, func(rec *models.Record) (store.Mutation, error) {
		if err := check(rec); err != nil {
			return store.Mutation{}, err
		}
		index := rec.TotalTickets
		rec.TotalTickets++
		rec.PotAmount += payment

		meta := s.ticketMetadata(index)
		ticket = models.Ticket{
			LotteryKey: key,
			Index:      index,
			Owner:      buyer,
			AssetID:    uuid.NewString(),
			Name:       meta.Name,
			Symbol:     meta.Symbol,
			URI:        meta.URI,
			Price:      payment,
			SoldAt:     now,
			CreatedAt:  time.Now().UTC(),
		}
		ev := models.NewEvent(key, models.EventTicketSold)
		ev.Owner = buyer
		ev.TicketIndex = index
		ev.AssetID = ticket.AssetID
		ev.Amount = payment
		return store.Mutation{Ticket: &ticket, Events: []models.Event{ev}}, nil
	})
	if err != nil {
		if charged {
			s.refund(ctx, key, buyer, payment)
		}
		return models.Ticket{}, err
	}
	logger.Infof("Sold ticket %d of %s to %s at %d", ticket.Index, key, buyer, now)
	return ticket, nil
}

func (s *LotteryService) refund(ctx context.Context, key, buyer string, amount uint64) {
	if err := s.opts.Payments.Transfer(ctx, s.opts.PotAccount(key), buyer, amount); err != nil {
		logger.Errorf("Failed to refund %d to %s for %s: %v", amount, buyer, key, err)
		return
	}
	logger.Infof("Refunded %d to %s for failed sale on %s", amount, buyer, key)
}

// CommitRandomness binds the oracle handle to the lottery. The randomness must
// have been fixed exactly one marker before now and must not be readable yet.
// Commits are only accepted once the sale window has ended. Re-committing
// another handle is allowed until the winner is revealed.
func (s *LotteryService) CommitRandomness(ctx context.Context, key, caller, handle string) (*models.Record, error) {
	now, err := s.clock.Now(ctx)
	if err != nil {
		return nil, err
	}

	var randomness oracle.Randomness
	rec, err := s.mutate(ctx, key, func(rec *models.Record) (store.Mutation, error) {
		if err := requireAuthority(rec, caller); err != nil {
			return store.Mutation{}, err
		}
		if rec.WinnerChosen() {
			return store.Mutation{}, models.ErrWinnerChosen
		}
		if err := requireCompleted(rec, now); err != nil {
			return store.Mutation{}, err
		}
		if randomness == nil {
			r, err := s.lookup(ctx, handle)
			if err != nil {
				return store.Mutation{}, err
			}
			randomness = r
		}
		if err := requireFreshCommit(randomness.CommitTime(), now); err != nil {
			return store.Mutation{}, err
		}
		if err := requireUnrevealed(randomness, now); err != nil {
			return store.Mutation{}, err
		}

		rec.State = models.RandomnessCommitted{Handle: handle}
		ev := models.NewEvent(key, models.EventRandomnessCommitted)
		ev.Handle = handle
		return store.Mutation{Events: []models.Event{ev}}, nil
	})
	if err != nil {
		return nil, err
	}
	logger.Infof("Committed randomness %s to %s at %d", handle, key, now)
	return rec, nil
}

// RevealWinner resolves the committed randomness and finalizes the lottery.
// Once finalized, every call fails with ErrWinnerChosen.
func (s *LotteryService) RevealWinner(ctx context.Context, key, caller, handle string) (*models.Record, error) {
	now, err := s.clock.Now(ctx)
	if err != nil {
		return nil, err
	}

	var value []byte
	rec, err := s.mutate(ctx, key, func(rec *models.Record) (store.Mutation, error) {
		if rec.WinnerChosen() {
			return store.Mutation{}, models.ErrWinnerChosen
		}
		if err := requireAuthority(rec, caller); err != nil {
			return store.Mutation{}, err
		}
		committed, ok := rec.State.(models.RandomnessCommitted)
		if !ok || handle == "" || committed.Handle != handle {
			return store.Mutation{}, fmt.Errorf("%w: handle %q is not the committed one", models.ErrRandomnessAlreadyRevealed, handle)
		}
		if err := requireCompleted(rec, now); err != nil {
			return store.Mutation{}, err
		}
		if rec.TotalTickets == 0 {
			return store.Mutation{}, models.ErrNoTicketsSold
		}
		if value == nil {
			v, err := s.resolve(ctx, handle, now)
			if err != nil {
				return store.Mutation{}, err
			}
			value = v
		}
		winner, err := DeriveWinner(value, rec.TotalTickets, s.opts.WinnerWidth)
		if err != nil {
			return store.Mutation{}, err
		}

		rec.State = models.Finalized{Handle: handle, Winner: winner}
		ev := models.NewEvent(key, models.EventWinnerRevealed)
		ev.Handle = handle
		ev.TicketIndex = winner
		ev.Amount = rec.PotAmount
		return store.Mutation{Events: []models.Event{ev}}, nil
	})
	if err != nil {
		return nil, err
	}
	winner, _ := rec.Winner()
	logger.Infof("Revealed winner of %s: ticket %d of %d", key, winner, rec.TotalTickets)
	return rec, nil
}

func (s *LotteryService) lookup(ctx context.Context, handle string) (oracle.Randomness, error) {
	r, err := s.oracle.Handle(ctx, handle)
	if err != nil {
		if errors.Is(err, oracle.ErrUnknownHandle) {
			return nil, fmt.Errorf("%w: %s", models.ErrUnknownRandomness, handle)
		}
		return nil, err
	}
	return r, nil
}

func (s *LotteryService) resolve(ctx context.Context, handle string, now uint64) ([]byte, error) {
	r, err := s.lookup(ctx, handle)
	if err != nil {
		return nil, err
	}
	v, err := r.Resolve(now)
	if err != nil {
		if errors.Is(err, oracle.ErrNotYetResolvable) {
			return nil, fmt.Errorf("%w: %v", models.ErrRandomnessNotResolved, err)
		}
		return nil, err
	}
	return v, nil
}

// mutate applies fn to the latest snapshot of the record and commits the
// result with compare-and-swap. fn runs again on a fresh snapshot whenever
// another writer got there first.
func (s *LotteryService) mutate(ctx context.Context, key string, fn func(rec *models.Record) (store.Mutation, error)) (*models.Record, error) {
	for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
		snap, err := s.store.Load(ctx, key)
		if err != nil {
			return nil, storeError(err, key)
		}
		next := snap.Record.Clone()
		m, err := fn(next)
		if err != nil {
			return nil, err
		}
		err = s.store.Commit(ctx, snap.Version, next, m)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, storeError(err, key)
		}
	}
	logger.Warningf("Gave up on %s after %d conflicting attempts", key, s.opts.MaxRetries+1)
	return nil, fmt.Errorf("%w: %s", models.ErrConflict, key)
}

func (s *LotteryService) ticketMetadata(index uint64) models.AssetMetadata {
	return models.AssetMetadata{
		Name:   s.opts.Ticket.Name + strconv.FormatUint(index, 10),
		Symbol: s.opts.Ticket.Symbol,
		URI:    s.opts.Ticket.URI,
	}
}

func storeError(err error, key string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s", models.ErrNotFound, key)
	case errors.Is(err, store.ErrDuplicateTicket):
		// Only reachable if two writers passed the same version check.
		return fmt.Errorf("%w: %v", models.ErrConflict, err)
	}
	return err
}
