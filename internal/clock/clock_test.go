package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSlot_Now(t *testing.T) {
	genesis := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c, err := NewSlot(genesis, time.Second)
	require.NoError(t, err)

	wall := genesis.Add(1500 * time.Millisecond)
	c.now = func() time.Time { return wall }

	slot, err := c.Now(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), slot)

	wall = genesis.Add(10 * time.Second)
	slot, err = c.Now(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(10), slot)

	// wall clock stepping back keeps the last marker
	wall = genesis.Add(3 * time.Second)
	slot, err = c.Now(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(10), slot)
}

func TestSlot_BeforeGenesis(t *testing.T) {
	genesis := time.Now().Add(time.Hour)
	c, err := NewSlot(genesis, time.Second)
	require.NoError(t, err)

	slot, err := c.Now(context.Background())
	require.NoError(t, err)
	require.Zero(t, slot)
}

func TestNewSlot_InvalidDuration(t *testing.T) {
	_, err := NewSlot(time.Now(), 0)
	require.Error(t, err)
}

func TestManual(t *testing.T) {
	c := NewManual(100)
	c.Advance(5)
	now, _ := c.Now(context.Background())
	require.Equal(t, uint64(105), now)

	c.Set(50)
	now, _ = c.Now(context.Background())
	require.Equal(t, uint64(105), now)

	c.Set(200)
	now, _ = c.Now(context.Background())
	require.Equal(t, uint64(200), now)
}
