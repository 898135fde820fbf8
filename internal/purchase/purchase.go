// Package purchase buys offsets on behalf of an account: it prices the
// contract call, registers the purchase with the marketplace and then has the
// signer execute the ledger transaction.
package purchase

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Tolam-Earth/integration-services/internal/asset"
	"github.com/Tolam-Earth/integration-services/internal/metrics"
)

// Request is the body of an offset purchase.
type Request struct {
	AccountID string `json:"account_id"`
	Asset     Item   `json:"asset"`
}

type Item struct {
	NftID asset.Identity `json:"nft_id"`
	Price int64          `json:"price"`
}

// Validate rejects requests the marketplace would refuse.
func (r Request) Validate() error {
	if strings.TrimSpace(r.AccountID) == "" {
		return fmt.Errorf("purchase without account: %w", asset.ErrValidation)
	}
	if err := r.Asset.NftID.Validate(); err != nil {
		return err
	}
	if _, err := strconv.ParseInt(r.Asset.NftID.SerialNumber, 10, 64); err != nil {
		return fmt.Errorf("serial number %q: %w", r.Asset.NftID.SerialNumber, asset.ErrValidation)
	}
	if r.Asset.Price <= 0 {
		return fmt.Errorf("price %d: %w", r.Asset.Price, asset.ErrValidation)
	}
	return nil
}

// Order is what the marketplace records for a pending purchase.
type Order struct {
	TransactionID string `json:"txn_id"`
	AccountID     string `json:"account_id"`
	NFTs          []NFT  `json:"nfts"`
}

type NFT struct {
	TokenID      string `json:"token_id"`
	SerialNumber int64  `json:"serial_number"`
}

// Rates converts listing prices (cents) into ledger units.
type Rates interface {
	TinybarToCents(ctx context.Context) (int64, error)
}

// Signer owns the operator key. Prepare builds and freezes the contract call
// and returns its transaction id; Execute signs and submits it.
type Signer interface {
	Prepare(ctx context.Context, req Request, payable int64) (string, error)
	Execute(ctx context.Context, transactionID string) error
}

type Marketplace interface {
	Purchase(ctx context.Context, o Order) error
}

// purchaseTimeout bounds one background purchase.
const purchaseTimeout = 2 * time.Minute

// Buyer runs purchases. PurchaseAsync detaches from the caller's deadline so
// an HTTP handler can answer before the ledger settles.
type Buyer struct {
	rates  Rates
	signer Signer
	market Marketplace
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewBuyer(rates Rates, signer Signer, market Marketplace, logger *slog.Logger) *Buyer {
	return &Buyer{rates: rates, signer: signer, market: market, logger: logger.With("component", "purchase")}
}

// Purchase prices, registers and executes one purchase. Nothing is executed
// unless the marketplace accepted the order.
func (b *Buyer) Purchase(ctx context.Context, req Request) error {
	err := b.purchase(ctx, req)
	metrics.PurchasesTotal.WithLabelValues(metrics.Status(err)).Inc()
	return err
}

func (b *Buyer) purchase(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	rate, err := b.rates.TinybarToCents(ctx)
	if err != nil {
		return fmt.Errorf("conversion rate: %w", err)
	}
	txID, err := b.signer.Prepare(ctx, req, rate*req.Asset.Price)
	if err != nil {
		return fmt.Errorf("prepare purchase of %s: %w", req.Asset.NftID, err)
	}
	serial, _ := strconv.ParseInt(req.Asset.NftID.SerialNumber, 10, 64)
	order := Order{
		TransactionID: txID,
		AccountID:     req.AccountID,
		NFTs:          []NFT{{TokenID: req.Asset.NftID.CollectionID, SerialNumber: serial}},
	}
	b.logger.Info("purchase request to marketplace", "transaction_id", txID, "account", req.AccountID, "identity", req.Asset.NftID.String())
	if err := b.market.Purchase(ctx, order); err != nil {
		return fmt.Errorf("register purchase %s: %w", txID, err)
	}
	if err := b.signer.Execute(ctx, txID); err != nil {
		return fmt.Errorf("execute purchase %s: %w", txID, err)
	}
	b.logger.Info("purchase executed", "transaction_id", txID, "identity", req.Asset.NftID.String())
	return nil
}

// PurchaseAsync starts req in the background; failures are logged only.
func (b *Buyer) PurchaseAsync(ctx context.Context, req Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), purchaseTimeout)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel()
		if err := b.Purchase(ctx, req); err != nil {
			b.logger.Error("purchase failed", "identity", req.Asset.NftID.String(), "account", req.AccountID, "err", err)
		}
	}()
}

// Wait blocks until background purchases have finished.
func (b *Buyer) Wait() { b.wg.Wait() }
