// Package gate decides whether incoming assets are new and merges their history into storage.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/Tolam-Earth/integration-services/internal/asset"
	"github.com/Tolam-Earth/integration-services/internal/metrics"
	"github.com/Tolam-Earth/integration-services/internal/store"
)

// Gate serializes every lookup-then-write for one identity, so a mint and a
// marketplace event racing on the same asset observe each other's writes.
type Gate struct {
	store  store.AssetStore
	logger *slog.Logger
	locks  identityLocks

	mu      sync.Mutex
	repeats uint64
}

func New(s store.AssetStore, logger *slog.Logger) *Gate {
	return &Gate{
		store:  s,
		logger: logger.With("component", "gate"),
		locks:  identityLocks{held: make(map[asset.Identity]*identityLock)},
	}
}

// AdmitIfNew reports whether no record exists for a's identity. A known
// identity is rejected and counted as a repeat.
func (g *Gate) AdmitIfNew(ctx context.Context, a *asset.Asset) (bool, error) {
	unlock := g.locks.lock(a.Identity)
	defer unlock()
	stored, err := g.store.FindByIdentity(ctx, a.Identity)
	if err != nil {
		return false, err
	}
	if stored != nil {
		g.repeat(a.Identity)
		return false, nil
	}
	return true, nil
}

// Create writes the first record for an admitted asset. If another writer got
// there first the asset is counted as a repeat and false is returned.
func (g *Gate) Create(ctx context.Context, a *asset.Asset) (bool, error) {
	if err := a.Identity.Validate(); err != nil {
		return false, err
	}
	unlock := g.locks.lock(a.Identity)
	defer unlock()
	err := g.store.Create(ctx, a)
	if errors.Is(err, asset.ErrAlreadyExists) {
		g.repeat(a.Identity)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MergeAndStore stores a as-is when its identity is unknown, otherwise appends
// its transactions to the stored history. The stored result is returned.
func (g *Gate) MergeAndStore(ctx context.Context, a *asset.Asset) (*asset.Asset, error) {
	if err := a.Identity.Validate(); err != nil {
		return nil, err
	}
	if len(a.Transactions) == 0 {
		return nil, fmt.Errorf("merge %s: no transactions: %w", a.Identity, asset.ErrValidation)
	}
	unlock := g.locks.lock(a.Identity)
	defer unlock()
	stored, err := g.store.FindByIdentity(ctx, a.Identity)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		err := g.store.Create(ctx, a)
		if err == nil {
			return a.Clone(), nil
		}
		if !errors.Is(err, asset.ErrAlreadyExists) {
			return nil, err
		}
		// created by another process between find and create
	}
	return g.store.MergeTransactions(ctx, a.Identity, a.Transactions)
}

// RepeatCount is the number of repeated mints seen since process start.
func (g *Gate) RepeatCount() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.repeats
}

func (g *Gate) repeat(id asset.Identity) {
	g.mu.Lock()
	if g.repeats < math.MaxUint64 {
		g.repeats++
	}
	n := g.repeats
	g.mu.Unlock()
	metrics.RepeatedMints.Set(float64(n))
	g.logger.Info("token already processed", "identity", id.String(), "repeats", n)
}

type identityLock struct {
	sync.Mutex
	refs int
}

// identityLocks hands out one mutex per identity and forgets it once unused.
type identityLocks struct {
	mu   sync.Mutex
	held map[asset.Identity]*identityLock
}

func (l *identityLocks) lock(id asset.Identity) (unlock func()) {
	l.mu.Lock()
	il, ok := l.held[id]
	if !ok {
		il = &identityLock{}
		l.held[id] = il
	}
	il.refs++
	l.mu.Unlock()

	il.Lock()
	return func() {
		il.Unlock()
		l.mu.Lock()
		il.refs--
		if il.refs == 0 {
			delete(l.held, id)
		}
		l.mu.Unlock()
	}
}
