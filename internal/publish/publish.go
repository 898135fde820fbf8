// Package publish serializes token state and pushes it to the downstream channel.
package publish

import (
	"context"
	"fmt"

	"github.com/Tolam-Earth/integration-services/internal/asset"
	"github.com/Tolam-Earth/integration-services/internal/bus"
	"github.com/Tolam-Earth/integration-services/internal/metrics"
	"github.com/Tolam-Earth/integration-services/internal/wire"
)

// Publisher never retries; a failed send is returned to the pipeline as an item failure.
type Publisher struct {
	channel bus.Channel
}

func New(channel bus.Channel) *Publisher {
	return &Publisher{channel: channel}
}

// PublishMint sends a newly minted asset with its classification detail.
func (p *Publisher) PublishMint(ctx context.Context, a *asset.Asset) error {
	err := p.publish(ctx, "mint", a, wire.EncodeMint)
	metrics.PublishTotal.WithLabelValues("mint", metrics.Status(err)).Inc()
	return err
}

// PublishMarketplace sends the stored copy of transaction txID together with
// the asset's stored identity and classification. A replayed transaction is
// republished as stored, not as the asset's latest one.
func (p *Publisher) PublishMarketplace(ctx context.Context, a *asset.Asset, txID string) error {
	var slice *asset.Asset
	if a != nil {
		slice = a.Clone()
		slice.Transactions = nil
		for _, tx := range a.Transactions {
			if tx.TransactionID == txID {
				slice.Transactions = []asset.Transaction{tx}
				break
			}
		}
	}
	err := p.publish(ctx, "marketplace", slice, wire.EncodeMarketplace)
	metrics.PublishTotal.WithLabelValues("marketplace", metrics.Status(err)).Inc()
	return err
}

func (p *Publisher) publish(ctx context.Context, origin string, a *asset.Asset, encode func(*asset.Asset) ([]byte, error)) error {
	msg, err := encode(a)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", origin, err)
	}
	if err := p.channel.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s message for %s: %w", origin, a.Identity, err)
	}
	return nil
}
