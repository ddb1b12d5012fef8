// Package clock provides the logical time markers (slots) every lottery
// operation is checked against.
package clock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Clock returns the current time marker. Markers never decrease.
type Clock interface {
	Now(ctx context.Context) (uint64, error)
}

// Slot derives time markers from wall time: one marker per SlotDuration
// since Genesis.
type Slot struct {
	Genesis      time.Time
	SlotDuration time.Duration

	mu   sync.Mutex
	last uint64
	now  func() time.Time
}

// NewSlot returns a Slot clock.
func NewSlot(genesis time.Time, slotDuration time.Duration) (*Slot, error) {
	if slotDuration <= 0 {
		return nil, errors.New("slot duration must be positive")
	}
	return &Slot{Genesis: genesis, SlotDuration: slotDuration, now: time.Now}, nil
}

// Now returns the number of whole slots elapsed since genesis. A wall clock
// stepping backwards does not move the marker back.
func (c *Slot) Now(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var slot uint64
	if elapsed := c.now().Sub(c.Genesis); elapsed > 0 {
		slot = uint64(elapsed / c.SlotDuration)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if slot < c.last {
		slot = c.last
	}
	c.last = slot
	return slot, nil
}

// Manual is a clock moved explicitly, used by tests and simulations.
type Manual struct {
	mu  sync.Mutex
	now uint64
}

// NewManual returns a Manual clock reading start.
func NewManual(start uint64) *Manual {
	return &Manual{now: start}
}

func (c *Manual) Now(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now, nil
}

// Set moves the clock to t. Moving backwards is ignored.
func (c *Manual) Set(t uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t > c.now {
		c.now = t
	}
}

// Advance moves the clock forward by d markers.
func (c *Manual) Advance(d uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
}
