package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// KeyNamespace prefixes every lottery record key.
const KeyNamespace = "token_lottery"

// RecordKey derives the stable key of the lottery owned by a tenant.
func RecordKey(tenantID string) string {
	return KeyNamespace + "/" + tenantID
}

// Stage names the variant a lottery record is in.
type Stage string

const (
	StageCreated             Stage = "CREATED"
	StageRandomnessCommitted Stage = "RANDOMNESS_COMMITTED"
	StageFinalized           Stage = "FINALIZED"
)

// State is the lifecycle variant of a lottery. Only the three types in this
// package implement it.
type State interface {
	Stage() Stage
	isState()
}

// Created is the state of a lottery that is selling tickets.
type Created struct{}

// RandomnessCommitted holds the oracle handle bound by the authority.
type RandomnessCommitted struct {
	Handle string
}

// Finalized is terminal. Winner is a ticket index.
type Finalized struct {
	Handle string
	Winner uint64
}

func (Created) Stage() Stage             { return StageCreated }
func (RandomnessCommitted) Stage() Stage { return StageRandomnessCommitted }
func (Finalized) Stage() Stage           { return StageFinalized }

func (Created) isState()             {}
func (RandomnessCommitted) isState() {}
func (Finalized) isState()           {}

// RestoreState rebuilds a State from its flattened storage columns.
func RestoreState(stage Stage, handle string, winner uint64) (State, error) {
	switch stage {
	case StageCreated, "":
		return Created{}, nil
	case StageRandomnessCommitted:
		return RandomnessCommitted{Handle: handle}, nil
	case StageFinalized:
		return Finalized{Handle: handle, Winner: winner}, nil
	default:
		return nil, fmt.Errorf("unknown lottery stage %q", stage)
	}
}

// Record is the single shared mutable record of one lottery instance.
type Record struct {
	Key          string
	Authority    string
	StartTime    uint64
	EndTime      uint64
	TicketPrice  uint64
	TotalTickets uint64
	PotAmount    uint64
	State        State
}

// RandomnessHandle returns the committed oracle handle, or "" when unset.
func (r *Record) RandomnessHandle() string {
	switch s := r.State.(type) {
	case RandomnessCommitted:
		return s.Handle
	case Finalized:
		return s.Handle
	}
	return ""
}

// WinnerChosen reports whether the record is finalized.
func (r *Record) WinnerChosen() bool {
	_, ok := r.State.(Finalized)
	return ok
}

// Winner returns the winning ticket index once the record is finalized.
func (r *Record) Winner() (uint64, bool) {
	s, ok := r.State.(Finalized)
	return s.Winner, ok
}

// Stage returns the current stage, treating a nil state as Created.
func (r *Record) Stage() Stage {
	if r.State == nil {
		return StageCreated
	}
	return r.State.Stage()
}

// Clone returns a copy that can be mutated without touching r.
func (r *Record) Clone() *Record {
	c := *r
	return &c
}

type recordJSON struct {
	Key              string `json:"key"`
	Authority        string `json:"authority"`
	StartTime        uint64 `json:"startTime"`
	EndTime          uint64 `json:"endTime"`
	TicketPrice      uint64 `json:"ticketPrice"`
	TotalTickets     uint64 `json:"totalTickets"`
	PotAmount        uint64 `json:"lotteryPotAmount"`
	Stage            Stage  `json:"stage"`
	RandomnessHandle string `json:"randomnessHandle,omitempty"`
	WinnerChosen     bool   `json:"winnerChosen"`
	Winner           uint64 `json:"winner"`
}

// MarshalJSON flattens the state variant into the record's fields.
func (r Record) MarshalJSON() ([]byte, error) {
	winner, chosen := r.Winner()
	return json.Marshal(recordJSON{
		Key:              r.Key,
		Authority:        r.Authority,
		StartTime:        r.StartTime,
		EndTime:          r.EndTime,
		TicketPrice:      r.TicketPrice,
		TotalTickets:     r.TotalTickets,
		PotAmount:        r.PotAmount,
		Stage:            r.Stage(),
		RandomnessHandle: r.RandomnessHandle(),
		WinnerChosen:     chosen,
		Winner:           winner,
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w recordJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	state, err := RestoreState(w.Stage, w.RandomnessHandle, w.Winner)
	if err != nil {
		return err
	}
	*r = Record{
		Key:          w.Key,
		Authority:    w.Authority,
		StartTime:    w.StartTime,
		EndTime:      w.EndTime,
		TicketPrice:  w.TicketPrice,
		TotalTickets: w.TotalTickets,
		PotAmount:    w.PotAmount,
		State:        state,
	}
	return nil
}

// Ticket is the ledger entry of one sold ticket. The asset it stands for is
// issued externally under AssetID.
type Ticket struct {
	LotteryKey string    `json:"lotteryKey"`
	Index      uint64    `json:"index"`
	Owner      string    `json:"owner"`
	AssetID    string    `json:"assetId"`
	Name       string    `json:"name"`
	Symbol     string    `json:"symbol"`
	URI        string    `json:"uri"`
	Price      uint64    `json:"price"`
	SoldAt     uint64    `json:"soldAt"`
	CreatedAt  time.Time `json:"createdAt"`
}

// AssetMetadata describes an issued asset.
type AssetMetadata struct {
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
	URI    string `json:"uri"`
}

// Metadata returns the asset metadata the ticket was issued with.
func (t Ticket) Metadata() AssetMetadata {
	return AssetMetadata{Name: t.Name, Symbol: t.Symbol, URI: t.URI}
}
