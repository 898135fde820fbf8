// Package store persists asset histories and discovery cursors.
package store

import (
	"context"

	"github.com/Tolam-Earth/integration-services/internal/asset"
)

// AssetStore is the keyed asset storage the dedup gate writes through.
type AssetStore interface {
	// FindByIdentity returns nil, nil when no record exists.
	FindByIdentity(ctx context.Context, id asset.Identity) (*asset.Asset, error)
	// Create stores a first record; it fails with asset.ErrAlreadyExists if one exists.
	Create(ctx context.Context, a *asset.Asset) error
	// MergeTransactions appends txs not already recorded and returns the stored result.
	MergeTransactions(ctx context.Context, id asset.Identity, txs []asset.Transaction) (*asset.Asset, error)
}

// CursorStore keeps one discovery watermark per source.
type CursorStore interface {
	LoadCursor(ctx context.Context, source string) (asset.Timestamp, bool, error)
	SaveCursor(ctx context.Context, source string, ts asset.Timestamp) error
}
