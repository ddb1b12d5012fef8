// Package assets is an in-process stand-in for the asset-issuance service that
// mints the collection and ticket assets of a lottery.
package assets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/logger"
	"github.com/google/uuid"

	"tokenlottery/internal/models"
)

var (
	ErrNoCollection = errors.New("collection not issued")
	ErrAssetExists  = errors.New("asset id already issued with different content")
)

// Asset is one issued asset.
type Asset struct {
	ID         string               `json:"id"`
	Owner      string               `json:"owner"`
	Collection string               `json:"collection,omitempty"`
	Index      uint64               `json:"index"`
	Metadata   models.AssetMetadata `json:"metadata"`
	IssuedAt   time.Time            `json:"issuedAt"`
}

// Registry records issued assets. Issuing is idempotent on the asset id, so
// an outbox event delivered twice mints once.
type Registry struct {
	mu          sync.RWMutex
	assets      map[string]*Asset
	collections map[string]string // Key: lottery key, Value: collection asset id
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		assets:      make(map[string]*Asset),
		collections: make(map[string]string),
	}
}

// IssueCollectionAsset mints the collection every ticket of a lottery belongs
// to. The collection is owned by the lottery itself.
func (r *Registry) IssueCollectionAsset(_ context.Context, lotteryKey string, meta models.AssetMetadata) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, exists := r.collections[lotteryKey]; exists {
		return id, nil
	}
	a := &Asset{
		ID:       uuid.NewString(),
		Owner:    lotteryKey,
		Metadata: meta,
		IssuedAt: time.Now().UTC(),
	}
	r.assets[a.ID] = a
	r.collections[lotteryKey] = a.ID
	logger.Infof("assets: issued collection %s (%s) for %s", a.ID, meta.Name, lotteryKey)
	return a.ID, nil
}

// IssueTicketAsset mints the ticket asset assetID to owner.
func (r *Registry) IssueTicketAsset(_ context.Context, lotteryKey, assetID, owner string, index uint64, meta models.AssetMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	collection, ok := r.collections[lotteryKey]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoCollection, lotteryKey)
	}
	if existing, ok := r.assets[assetID]; ok {
		if existing.Owner != owner || existing.Index != index || existing.Collection != collection {
			return fmt.Errorf("%w: %s", ErrAssetExists, assetID)
		}
		return nil
	}
	r.assets[assetID] = &Asset{
		ID:         assetID,
		Owner:      owner,
		Collection: collection,
		Index:      index,
		Metadata:   meta,
		IssuedAt:   time.Now().UTC(),
	}
	logger.Infof("assets: issued %s (%s) to %s", assetID, meta.Name, owner)
	return nil
}

// Get returns the asset with the given id.
func (r *Registry) Get(id string) (Asset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.assets[id]
	if !ok {
		return Asset{}, false
	}
	return *a, true
}

// Count returns how many assets have been issued, collections included.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.assets)
}
