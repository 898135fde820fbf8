package pipeline

import (
	"context"
	"log/slog"

	"github.com/Tolam-Earth/integration-services/internal/asset"
	"github.com/Tolam-Earth/integration-services/internal/ledger"
)

// Enricher supplies catalog classification for an identity.
type Enricher interface {
	Enrich(ctx context.Context, id asset.Identity) (asset.Metadata, error)
}

// MintGate is the dedup gate as seen by the mint pipeline.
type MintGate interface {
	AdmitIfNew(ctx context.Context, a *asset.Asset) (bool, error)
	Create(ctx context.Context, a *asset.Asset) (bool, error)
}

type MintPublisher interface {
	PublishMint(ctx context.Context, a *asset.Asset) error
}

// Mint turns discovered ledger mint movements into stored, published assets.
type Mint struct {
	*runner
	events    <-chan ledger.Transaction
	tracked   map[string]bool
	enricher  Enricher
	gate      MintGate
	publisher MintPublisher
}

func NewMint(events <-chan ledger.Transaction, tracked []string, enricher Enricher, gate MintGate, publisher MintPublisher, logger *slog.Logger) *Mint {
	set := make(map[string]bool, len(tracked))
	for _, c := range tracked {
		set[c] = true
	}
	return &Mint{
		runner:    newRunner("mint", logger),
		events:    events,
		tracked:   set,
		enricher:  enricher,
		gate:      gate,
		publisher: publisher,
	}
}

// Start consumes events until the channel closes or ctx is done.
// A second call returns asset.ErrAlreadyInitialized.
func (m *Mint) Start(ctx context.Context) error {
	if err := m.begin(); err != nil {
		return err
	}
	m.run(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case tx, ok := <-m.events:
				if !ok {
					return
				}
				m.handle(ctx, tx)
			}
		}
	})
	return nil
}

func (m *Mint) handle(ctx context.Context, tx ledger.Transaction) {
	candidates, err := ledger.MintCandidates(tx, m.tracked)
	if err != nil {
		m.process(func() (string, error) { return "", err },
			"transaction_id", tx.TransactionID, "timestamp", tx.ConsensusTimestamp)
		return
	}
	for _, a := range candidates {
		m.process(func() (string, error) { return m.mint(ctx, a) },
			"identity", a.Identity.String(), "transaction_id", tx.TransactionID, "timestamp", tx.ConsensusTimestamp)
	}
}

func (m *Mint) mint(ctx context.Context, a *asset.Asset) (string, error) {
	meta, err := m.enricher.Enrich(ctx, a.Identity)
	if err != nil {
		return "", err
	}
	a.Metadata = meta
	admitted, err := m.gate.AdmitIfNew(ctx, a)
	if err != nil {
		return "", err
	}
	if !admitted {
		return statusRepeat, nil
	}
	created, err := m.gate.Create(ctx, a)
	if err != nil {
		return "", err
	}
	if !created {
		return statusRepeat, nil
	}
	if err := m.publisher.PublishMint(ctx, a); err != nil {
		return "", err
	}
	m.logger.Info("token minted", "identity", a.Identity.String(), "vintage", meta.VintageYear, "category", meta.Category)
	m.emit(a)
	return statusOK, nil
}
