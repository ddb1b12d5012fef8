package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVault_Transfer(t *testing.T) {
	ctx := context.Background()
	v := NewVault()

	bal, err := v.Deposit(ctx, "alice", 25)
	require.NoError(t, err)
	require.Equal(t, uint64(25), bal)

	pot := PotAccount("token_lottery/default")
	require.NoError(t, v.Transfer(ctx, "alice", pot, 10))
	require.Equal(t, uint64(15), v.Balance(ctx, "alice"))
	require.Equal(t, uint64(10), v.Balance(ctx, pot))

	err = v.Transfer(ctx, "alice", pot, 20)
	require.True(t, errors.Is(err, ErrInsufficientFunds))
	require.Equal(t, uint64(15), v.Balance(ctx, "alice"), "failed transfer must not move funds")

	require.True(t, errors.Is(v.Transfer(ctx, "alice", pot, 0), ErrInvalidAmount))
	_, err = v.Deposit(ctx, "alice", 0)
	require.True(t, errors.Is(err, ErrInvalidAmount))
}

func TestPotAccount(t *testing.T) {
	assert.Equal(t, "pot:token_lottery:default", PotAccount("token_lottery/default"))
	assert.NotEqual(t, PotAccount("token_lottery/a"), PotAccount("token_lottery/b"))
}
