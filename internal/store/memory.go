package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/Tolam-Earth/integration-services/internal/asset"
)

// Memory is an in-process AssetStore and CursorStore.
type Memory struct {
	mu      sync.RWMutex
	assets  map[asset.Identity]*asset.Asset
	cursors map[string]asset.Timestamp
}

func NewMemory() *Memory {
	return &Memory{
		assets:  make(map[asset.Identity]*asset.Asset),
		cursors: make(map[string]asset.Timestamp),
	}
}

func (m *Memory) FindByIdentity(ctx context.Context, id asset.Identity) (*asset.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.assets[id].Clone(), nil
}

func (m *Memory) Create(ctx context.Context, a *asset.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assets[a.Identity]; ok {
		return fmt.Errorf("create %s: %w", a.Identity, asset.ErrAlreadyExists)
	}
	m.assets[a.Identity] = a.Clone()
	return nil
}

func (m *Memory) MergeTransactions(ctx context.Context, id asset.Identity, txs []asset.Transaction) (*asset.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.assets[id]
	if !ok {
		return nil, fmt.Errorf("merge %s: %w", id, asset.ErrNotFound)
	}
	for _, tx := range txs {
		if stored.HasTransaction(tx.TransactionID) {
			continue
		}
		stored.AddTransaction(tx)
	}
	return stored.Clone(), nil
}

func (m *Memory) LoadCursor(ctx context.Context, source string) (asset.Timestamp, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, ok := m.cursors[source]
	return ts, ok, nil
}

func (m *Memory) SaveCursor(ctx context.Context, source string, ts asset.Timestamp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[source] = ts
	return nil
}

// Len returns the number of stored assets.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.assets)
}
