package oracle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenlottery/internal/clock"
)

func TestBeacon_CommitReveal(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(200)
	b := NewBeacon(clk, 2)

	p, err := b.Request(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), p.CommitTime)
	assert.Equal(t, uint64(202), p.RevealTime)
	assert.Nil(t, p.Seed, "seed must stay hidden before reveal")
	assert.Nil(t, p.Value)

	h, err := b.Handle(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(200), h.CommitTime())

	_, err = h.Resolve(200)
	require.True(t, errors.Is(err, ErrNotYetResolvable))
	_, err = h.Resolve(201)
	require.True(t, errors.Is(err, ErrNotYetResolvable), "value must stay hidden at the marker a lottery commits it")

	v1, err := h.Resolve(202)
	require.NoError(t, err)
	require.Len(t, v1, 32)
	v2, err := h.Resolve(500)
	require.NoError(t, err)
	require.Equal(t, v1, v2, "value is fixed at commit")

	clk.Set(201)
	hidden, err := b.Proof(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, hidden.Value)

	clk.Set(202)
	revealed, err := b.Proof(ctx, p.ID)
	require.NoError(t, err)
	require.NoError(t, revealed.Verify())
	require.Equal(t, v1, revealed.Value)
}

func TestBeacon_UnknownHandle(t *testing.T) {
	b := NewBeacon(clock.NewManual(0), 0)
	_, err := b.Handle(context.Background(), "missing")
	require.True(t, errors.Is(err, ErrUnknownHandle))
	_, err = b.Proof(context.Background(), "missing")
	require.True(t, errors.Is(err, ErrUnknownHandle))
}

func TestBeacon_ShortDelayRaised(t *testing.T) {
	for _, delay := range []uint64{0, 1} {
		b := NewBeacon(clock.NewManual(10), delay)
		p, err := b.Request(context.Background())
		require.NoError(t, err)
		require.Equal(t, uint64(10+MinRevealDelay), p.RevealTime, "delay %d", delay)
	}
}

func TestProof_VerifyTampered(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(5)
	b := NewBeacon(clk, 2)
	p, err := b.Request(ctx)
	require.NoError(t, err)

	require.True(t, errors.Is(p.Verify(), ErrNotYetResolvable))

	clk.Advance(2)
	p, err = b.Proof(ctx, p.ID)
	require.NoError(t, err)
	p.Value[0] ^= 0xff
	require.Error(t, p.Verify())
}
