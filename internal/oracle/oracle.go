// Package oracle models the external verifiable randomness source: a value is
// committed at a time marker and can only be read once that marker has passed.
package oracle

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/google/logger"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"tokenlottery/internal/clock"
)

var (
	ErrNotYetResolvable = errors.New("randomness not yet resolvable")
	ErrUnknownHandle    = errors.New("unknown randomness handle")
)

// Randomness is one committed random value.
type Randomness interface {
	ID() string
	// CommitTime is the marker at which the value was fixed.
	CommitTime() uint64
	// Resolve returns the value, or ErrNotYetResolvable before it is revealed.
	Resolve(at uint64) ([]byte, error)
}

// Oracle looks up randomness by handle.
type Oracle interface {
	Handle(ctx context.Context, id string) (Randomness, error)
}

// Proof is the public view of a handle. Seed and Value are only filled once
// the handle has been revealed.
type Proof struct {
	ID         string `json:"id"`
	CommitTime uint64 `json:"commitTime"`
	RevealTime uint64 `json:"revealTime"`
	Commitment []byte `json:"commitment"`
	Seed       []byte `json:"seed,omitempty"`
	Value      []byte `json:"value,omitempty"`
}

// Verify checks that the revealed seed matches the commitment and produced Value.
func (p Proof) Verify() error {
	if p.Seed == nil {
		return ErrNotYetResolvable
	}
	sum := blake2b.Sum256(p.Seed)
	if !bytes.Equal(sum[:], p.Commitment) {
		return errors.New("seed does not match commitment")
	}
	value, err := deriveValue(p.Seed, p.CommitTime)
	if err != nil {
		return err
	}
	if !bytes.Equal(value, p.Value) {
		return errors.New("value does not match seed")
	}
	return nil
}

// handle is a Beacon commitment. The seed never leaves the beacon before
// the reveal marker.
type handle struct {
	id         string
	commitTime uint64
	revealTime uint64
	seed       []byte
	commitment [32]byte
}

func (h *handle) ID() string         { return h.id }
func (h *handle) CommitTime() uint64 { return h.commitTime }

func (h *handle) Resolve(at uint64) ([]byte, error) {
	if at < h.revealTime {
		return nil, fmt.Errorf("%w: handle %s reveals at %d, now %d", ErrNotYetResolvable, h.id, h.revealTime, at)
	}
	return deriveValue(h.seed, h.commitTime)
}

func deriveValue(seed []byte, commitTime uint64) ([]byte, error) {
	mac, err := blake2b.New256(seed)
	if err != nil {
		return nil, err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], commitTime)
	mac.Write(buf[:])
	return mac.Sum(nil), nil
}

// Beacon is an in-process commit-reveal randomness source. Each request fixes
// a secret seed at the current marker and publishes only its blake2b hash
// until RevealDelay markers have passed.
type Beacon struct {
	clock       clock.Clock
	revealDelay uint64

	mu      sync.RWMutex
	handles map[string]*handle
}

// MinRevealDelay is the smallest delay a Beacon accepts. A lottery commits
// randomness one marker after it was fixed, and the value must still be
// hidden at that marker.
const MinRevealDelay = 2

// NewBeacon creates a Beacon. A revealDelay below MinRevealDelay is raised to it.
func NewBeacon(c clock.Clock, revealDelay uint64) *Beacon {
	if revealDelay < MinRevealDelay {
		revealDelay = MinRevealDelay
	}
	return &Beacon{
		clock:       c,
		revealDelay: revealDelay,
		handles:     make(map[string]*handle),
	}
}

// Request commits a fresh random value at the current marker.
func (b *Beacon) Request(ctx context.Context) (Proof, error) {
	now, err := b.clock.Now(ctx)
	if err != nil {
		return Proof{}, err
	}
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return Proof{}, fmt.Errorf("failed to draw seed: %w", err)
	}
	h := &handle{
		id:         uuid.NewString(),
		commitTime: now,
		revealTime: now + b.revealDelay,
		seed:       seed,
		commitment: blake2b.Sum256(seed),
	}

	b.mu.Lock()
	b.handles[h.id] = h
	b.mu.Unlock()

	logger.Infof("oracle: committed randomness %s at %d", h.id, now)
	return b.proof(h, now), nil
}

// Handle implements Oracle.
func (b *Beacon) Handle(_ context.Context, id string) (Randomness, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.handles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, id)
	}
	return h, nil
}

// Proof returns the public view of a handle at the current marker.
func (b *Beacon) Proof(ctx context.Context, id string) (Proof, error) {
	now, err := b.clock.Now(ctx)
	if err != nil {
		return Proof{}, err
	}
	b.mu.RLock()
	h, ok := b.handles[id]
	b.mu.RUnlock()
	if !ok {
		return Proof{}, fmt.Errorf("%w: %s", ErrUnknownHandle, id)
	}
	return b.proof(h, now), nil
}

func (b *Beacon) proof(h *handle, now uint64) Proof {
	p := Proof{
		ID:         h.id,
		CommitTime: h.commitTime,
		RevealTime: h.revealTime,
		Commitment: append([]byte(nil), h.commitment[:]...),
	}
	if value, err := h.Resolve(now); err == nil {
		p.Seed = append([]byte(nil), h.seed...)
		p.Value = value
	}
	return p
}
