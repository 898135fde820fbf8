// Package ledger talks to the ledger mirror API and maps mint movements to assets.
package ledger

import (
	"context"
	"fmt"
	"strconv"

	"github.com/Tolam-Earth/integration-services/internal/asset"
)

const (
	KindTokenMint = "TOKENMINT"
	OrderAsc      = "asc"
)

// NftTransfer is one NFT movement inside a ledger transaction.
type NftTransfer struct {
	TokenID           string `json:"token_id"`
	SerialNumber      int64  `json:"serial_number"`
	ReceiverAccountID string `json:"receiver_account_id"`
	SenderAccountID   string `json:"sender_account_id"`
}

// Transaction is a ledger movement. List results carry summaries; the detail
// endpoint returns the full consensus timestamp and transfers.
type Transaction struct {
	TransactionID      string        `json:"transaction_id"`
	ConsensusTimestamp string        `json:"consensus_timestamp"`
	Name               string        `json:"name"`
	Result             string        `json:"result"`
	MemoBase64         string        `json:"memo_base64"`
	EntityID           string        `json:"entity_id"`
	NftTransfers       []NftTransfer `json:"nft_transfers"`
}

type transactionsResponse struct {
	Transactions []Transaction `json:"transactions"`
}

type tokenResponse struct {
	TokenID           string `json:"token_id"`
	TreasuryAccountID string `json:"treasury_account_id"`
}

// Client is what discovery needs from the ledger.
type Client interface {
	// ListMovements returns movements of kind on account strictly after since
	// (all movements when since is zero), in the given order.
	ListMovements(ctx context.Context, account, kind, order string, since asset.Timestamp) ([]Transaction, error)
	GetMovementDetails(ctx context.Context, transactionID string) ([]Transaction, error)
	GetTreasuryAccount(ctx context.Context, collectionID string) (string, error)
}

// MintCandidates expands a mint transaction into one asset per NFT transfer of
// a tracked collection, each carrying a single MINTED transaction.
func MintCandidates(tx Transaction, tracked map[string]bool) ([]*asset.Asset, error) {
	if tx.TransactionID == "" {
		return nil, fmt.Errorf("mint transaction without id: %w", asset.ErrValidation)
	}
	var out []*asset.Asset
	for _, t := range tx.NftTransfers {
		if !tracked[t.TokenID] {
			continue
		}
		id := asset.NewIdentity(t.TokenID, strconv.FormatInt(t.SerialNumber, 10))
		if err := id.Validate(); err != nil {
			return nil, err
		}
		a := &asset.Asset{Identity: id, Memo: tx.MemoBase64}
		a.AddTransaction(asset.Transaction{
			TransactionID: tx.TransactionID,
			Kind:          asset.KindMinted,
			Timestamp:     tx.ConsensusTimestamp,
			Owner:         t.ReceiverAccountID,
		})
		out = append(out, a)
	}
	return out, nil
}
