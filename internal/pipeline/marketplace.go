package pipeline

import (
	"context"
	"log/slog"

	"github.com/Tolam-Earth/integration-services/internal/asset"
	"github.com/Tolam-Earth/integration-services/internal/bus"
	"github.com/Tolam-Earth/integration-services/internal/wire"
)

type MarketplaceGate interface {
	MergeAndStore(ctx context.Context, a *asset.Asset) (*asset.Asset, error)
}

type MarketplacePublisher interface {
	PublishMarketplace(ctx context.Context, a *asset.Asset, txID string) error
}

// Marketplace merges listing and purchase events into stored history and
// republishes the merged state.
type Marketplace struct {
	*runner
	source    bus.Subscriber
	gate      MarketplaceGate
	publisher MarketplacePublisher
}

func NewMarketplace(source bus.Subscriber, gate MarketplaceGate, publisher MarketplacePublisher, logger *slog.Logger) *Marketplace {
	return &Marketplace{
		runner:    newRunner("marketplace", logger),
		source:    source,
		gate:      gate,
		publisher: publisher,
	}
}

// Start subscribes to the marketplace bus and consumes messages until the
// subscription ends. A failed subscription leaves the pipeline Uninitialized.
func (m *Marketplace) Start(ctx context.Context) error {
	if err := m.begin(); err != nil {
		return err
	}
	msgs, err := m.source.Subscribe(ctx)
	if err != nil {
		m.abort()
		return err
	}
	m.run(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				m.handle(ctx, msg)
			}
		}
	})
	return nil
}

func (m *Marketplace) handle(ctx context.Context, msg []byte) {
	ev, err := wire.DecodeMarketplaceEvent(msg)
	var deltas []*asset.Asset
	if err == nil {
		deltas, err = wire.MarketplaceAssets(ev)
	}
	if err != nil {
		m.process(func() (string, error) { return "", err }, "raw", msg)
		return
	}
	for _, d := range deltas {
		tx := d.Transactions[0]
		m.process(func() (string, error) { return m.merge(ctx, d) },
			"identity", d.Identity.String(), "transaction_id", tx.TransactionID, "event", string(tx.Kind), "timestamp", tx.Timestamp)
	}
}

func (m *Marketplace) merge(ctx context.Context, delta *asset.Asset) (string, error) {
	stored, err := m.gate.MergeAndStore(ctx, delta)
	if err != nil {
		return "", err
	}
	if err := m.publisher.PublishMarketplace(ctx, stored, delta.Transactions[0].TransactionID); err != nil {
		return "", err
	}
	m.emit(stored)
	return statusOK, nil
}
