package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/logger"

	"tokenlottery/internal/models"
)

// AssetIssuer mints the collection and ticket assets of a lottery.
// Implementations must be idempotent: events are delivered at least once.
type AssetIssuer interface {
	IssueCollectionAsset(ctx context.Context, lotteryKey string, meta models.AssetMetadata) (string, error)
	IssueTicketAsset(ctx context.Context, lotteryKey, assetID, owner string, index uint64, meta models.AssetMetadata) error
}

// Payout describes a finalized lottery whose pot is owed to a ticket owner.
type Payout struct {
	LotteryKey  string
	TicketIndex uint64
	Owner       string
	Amount      uint64
}

// PayoutNotifier hands finalized lotteries to whatever pays winners out.
type PayoutNotifier interface {
	WinnerRevealed(ctx context.Context, p Payout) error
}

// LogPayout only records that a payout is due.
type LogPayout struct{}

func (LogPayout) WinnerRevealed(_ context.Context, p Payout) error {
	logger.Infof("Payout due for %s: %d to %s (ticket %d)", p.LotteryKey, p.Amount, p.Owner, p.TicketIndex)
	return nil
}

// Dispatcher delivers outbox events to the external collaborators.
type Dispatcher struct {
	service *LotteryService
	issuer  AssetIssuer
	payout  PayoutNotifier
	batch   int
}

// NewDispatcher creates a Dispatcher reading the service's store.
func NewDispatcher(service *LotteryService, issuer AssetIssuer, payout PayoutNotifier, batch int) *Dispatcher {
	if batch <= 0 {
		batch = 100
	}
	if payout == nil {
		payout = LogPayout{}
	}
	return &Dispatcher{service: service, issuer: issuer, payout: payout, batch: batch}
}

// Run dispatches pending events every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := d.DispatchPending(ctx); err != nil {
				logger.Errorf("Dispatch failed: %v", err)
			} else if n > 0 {
				logger.Infof("Dispatched %d events", n)
			}
		}
	}
}

// DispatchPending delivers every pending event and returns how many were
// delivered. Events are read batch by batch; failed events stay pending for
// the next round and are skipped for the rest of this one.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	delivered, skipped := 0, 0
	for {
		events, err := d.service.store.PendingEvents(ctx, skipped, d.batch)
		if err != nil {
			return delivered, fmt.Errorf("failed to read outbox: %w", err)
		}
		for _, ev := range events {
			if err := d.deliver(ctx, ev); err != nil {
				logger.Warningf("Event %s (%s) for %s not delivered: %v", ev.ID, ev.Kind, ev.LotteryKey, err)
				skipped++
				continue
			}
			if err := d.service.store.MarkEventDone(ctx, ev.ID); err != nil {
				return delivered, fmt.Errorf("failed to mark event %s done: %w", ev.ID, err)
			}
			delivered++
		}
		if len(events) < d.batch {
			return delivered, nil
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev models.Event) error {
	switch ev.Kind {
	case models.EventCollectionInitialized:
		_, err := d.issuer.IssueCollectionAsset(ctx, ev.LotteryKey, d.service.opts.Collection)
		return err
	case models.EventTicketSold:
		// The issuer may have lost the collection since its event was delivered.
		if _, err := d.issuer.IssueCollectionAsset(ctx, ev.LotteryKey, d.service.opts.Collection); err != nil {
			return err
		}
		return d.issuer.IssueTicketAsset(ctx, ev.LotteryKey, ev.AssetID, ev.Owner, ev.TicketIndex, d.service.ticketMetadata(ev.TicketIndex))
	case models.EventRandomnessCommitted:
		logger.Infof("Randomness %s committed for %s", ev.Handle, ev.LotteryKey)
		return nil
	case models.EventWinnerRevealed:
		tickets, err := d.service.Tickets(ctx, ev.LotteryKey)
		if err != nil {
			return err
		}
		if ev.TicketIndex >= uint64(len(tickets)) {
			return fmt.Errorf("winning ticket %d not in ledger of %d", ev.TicketIndex, len(tickets))
		}
		return d.payout.WinnerRevealed(ctx, Payout{
			LotteryKey:  ev.LotteryKey,
			TicketIndex: ev.TicketIndex,
			Owner:       tickets[ev.TicketIndex].Owner,
			Amount:      ev.Amount,
		})
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
}
