// Package discovery polls the ledger for new mint movements of tracked collections.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Tolam-Earth/integration-services/internal/asset"
	"github.com/Tolam-Earth/integration-services/internal/ledger"
	"github.com/Tolam-Earth/integration-services/internal/metrics"
	"github.com/Tolam-Earth/integration-services/internal/store"
)

// Source discovers mint movements and pushes their full detail onto Events.
//
// Each collection has its own cursor, persisted after every emitted movement.
// A failed call abandons the rest of that collection's batch; items emitted
// before the failure keep their cursor progress.
type Source struct {
	ledger      ledger.Client
	cursors     store.CursorStore
	collections []string
	logger      *slog.Logger
	out         chan ledger.Transaction
	flight      singleflight.Group

	mu       sync.RWMutex
	treasury map[string]string
}

func New(client ledger.Client, cursors store.CursorStore, collections []string, buffer int, logger *slog.Logger) *Source {
	return &Source{
		ledger:      client,
		cursors:     cursors,
		collections: collections,
		logger:      logger.With("component", "discovery"),
		out:         make(chan ledger.Transaction, buffer),
		treasury:    make(map[string]string),
	}
}

// Events is the stream of discovered mint movements.
func (s *Source) Events() <-chan ledger.Transaction { return s.out }

// Run discovers immediately and then at every interval until ctx is done.
// It closes Events on return, so Discover must not be called afterwards.
func (s *Source) Run(ctx context.Context, interval time.Duration) {
	defer close(s.out)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.Discover(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("discovery cycle incomplete", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Discover runs one cycle over every tracked collection. A failing collection
// does not stop the others; the failures are returned joined.
func (s *Source) Discover(ctx context.Context) error {
	s.logger.Info("discovering minted tokens", "collections", len(s.collections))
	var errs []error
	for _, col := range s.collections {
		if err := s.DiscoverCollection(ctx, col); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DiscoverCollection runs one cycle for a collection. Concurrent calls for the
// same collection share a single run.
func (s *Source) DiscoverCollection(ctx context.Context, collectionID string) error {
	_, err, _ := s.flight.Do(collectionID, func() (any, error) {
		n, err := s.discover(ctx, collectionID)
		metrics.DiscoveryCycles.WithLabelValues(collectionID, metrics.Status(err)).Inc()
		if err != nil {
			s.logger.Error("discovery batch abandoned", "collection", collectionID, "emitted", n, "err", err)
		}
		return n, err
	})
	return err
}

func (s *Source) discover(ctx context.Context, collectionID string) (int, error) {
	account, err := s.treasuryAccount(ctx, collectionID)
	if err != nil {
		return 0, err
	}
	key := CursorKey(collectionID)
	since, _, err := s.cursors.LoadCursor(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("load cursor %s: %w", key, err)
	}
	s.logger.Info("polling ledger", "collection", collectionID, "account", account, "since", since.String())

	summaries, err := s.ledger.ListMovements(ctx, account, ledger.KindTokenMint, ledger.OrderAsc, since)
	if errors.Is(err, asset.ErrNotFound) {
		s.invalidateTreasury(collectionID)
	}
	if err != nil {
		return 0, fmt.Errorf("list movements for %s: %w", account, err)
	}
	emitted := 0
	for _, sum := range summaries {
		details, err := s.ledger.GetMovementDetails(ctx, sum.TransactionID)
		if err != nil {
			return emitted, fmt.Errorf("movement detail %s: %w", sum.TransactionID, err)
		}
		stamps := make([]asset.Timestamp, len(details))
		for i, d := range details {
			if stamps[i], err = asset.ParseTimestamp(d.ConsensusTimestamp); err != nil {
				return emitted, fmt.Errorf("movement detail %s: %w", sum.TransactionID, err)
			}
		}
		for i, detail := range details {
			select {
			case s.out <- detail:
			case <-ctx.Done():
				return emitted, ctx.Err()
			}
			emitted++
			metrics.DiscoveredMovements.WithLabelValues(collectionID).Inc()
			s.logger.Info("adding token mint transaction", "collection", collectionID, "transaction_id", detail.TransactionID, "timestamp", detail.ConsensusTimestamp)
			if stamps[i].After(since) {
				if err := s.cursors.SaveCursor(ctx, key, stamps[i]); err != nil {
					return emitted, fmt.Errorf("save cursor %s: %w", key, err)
				}
				since = stamps[i]
			}
		}
	}
	return emitted, nil
}

// treasuryAccount resolves and caches the collection's treasury account.
func (s *Source) treasuryAccount(ctx context.Context, collectionID string) (string, error) {
	s.mu.RLock()
	acct, ok := s.treasury[collectionID]
	s.mu.RUnlock()
	if ok {
		return acct, nil
	}
	acct, err := s.ledger.GetTreasuryAccount(ctx, collectionID)
	if err != nil {
		return "", fmt.Errorf("treasury account for %s: %w", collectionID, err)
	}
	s.mu.Lock()
	s.treasury[collectionID] = acct
	s.mu.Unlock()
	return acct, nil
}

// InvalidateTreasury drops the cached treasury accounts; the next cycle refetches.
func (s *Source) InvalidateTreasury() {
	s.mu.Lock()
	s.treasury = make(map[string]string)
	s.mu.Unlock()
}

// invalidateTreasury forgets one collection's account after the ledger stopped
// recognising it.
func (s *Source) invalidateTreasury(collectionID string) {
	s.mu.Lock()
	delete(s.treasury, collectionID)
	s.mu.Unlock()
	s.logger.Warn("treasury account unknown to ledger; will refetch", "collection", collectionID)
}

// Cursor returns the persisted watermark for a collection.
func (s *Source) Cursor(ctx context.Context, collectionID string) (asset.Timestamp, bool, error) {
	return s.cursors.LoadCursor(ctx, CursorKey(collectionID))
}

// CursorKey is the cursor store key for a collection.
func CursorKey(collectionID string) string { return "ledger-mint:" + collectionID }
