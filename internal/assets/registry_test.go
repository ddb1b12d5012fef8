package assets

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenlottery/internal/models"
)

func TestRegistry_IssueTicket(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	meta := models.AssetMetadata{Name: "Token Lottery Ticket #0", Symbol: "TICKET"}

	err := r.IssueTicketAsset(ctx, "token_lottery/a", "asset-0", "alice", 0, meta)
	require.True(t, errors.Is(err, ErrNoCollection))

	col, err := r.IssueCollectionAsset(ctx, "token_lottery/a", models.AssetMetadata{Name: "Token Lottery"})
	require.NoError(t, err)
	again, err := r.IssueCollectionAsset(ctx, "token_lottery/a", models.AssetMetadata{Name: "Token Lottery"})
	require.NoError(t, err)
	require.Equal(t, col, again)

	require.NoError(t, r.IssueTicketAsset(ctx, "token_lottery/a", "asset-0", "alice", 0, meta))
	// redelivery is a no-op
	require.NoError(t, r.IssueTicketAsset(ctx, "token_lottery/a", "asset-0", "alice", 0, meta))
	assert.Equal(t, 2, r.Count())

	a, ok := r.Get("asset-0")
	require.True(t, ok)
	assert.Equal(t, "alice", a.Owner)
	assert.Equal(t, col, a.Collection)

	err = r.IssueTicketAsset(ctx, "token_lottery/a", "asset-0", "bob", 0, meta)
	require.True(t, errors.Is(err, ErrAssetExists))
}
