package models

import (
	"time"

	"github.com/google/uuid"
)

// EventKind identifies what an outbox event asks downstream systems to do.
type EventKind string

const (
	EventCollectionInitialized EventKind = "collection.initialized"
	EventTicketSold            EventKind = "ticket.sold"
	EventRandomnessCommitted   EventKind = "randomness.committed"
	EventWinnerRevealed        EventKind = "winner.revealed"
)

// Event is written in the same atomic step as the record change it describes.
type Event struct {
	ID          string    `json:"id"`
	LotteryKey  string    `json:"lotteryKey"`
	Kind        EventKind `json:"kind"`
	Owner       string    `json:"owner,omitempty"`
	TicketIndex uint64    `json:"ticketIndex"`
	AssetID     string    `json:"assetId,omitempty"`
	Handle      string    `json:"handle,omitempty"`
	Amount      uint64    `json:"amount"`
	CreatedAt   time.Time `json:"createdAt"`
}

// NewEvent returns an event of the given kind with a fresh id.
func NewEvent(key string, kind EventKind) Event {
	return Event{
		ID:         uuid.NewString(),
		LotteryKey: key,
		Kind:       kind,
		CreatedAt:  time.Now().UTC(),
	}
}
