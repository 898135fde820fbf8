package wire

import (
	"fmt"

	"github.com/Tolam-Earth/integration-services/internal/asset"
)

var marketplaceKinds = map[uint64]asset.Kind{1: asset.KindListed, 2: asset.KindPurchased}

// MarketplaceEvent is a decoded listing or purchase notification.
type MarketplaceEvent struct {
	Kind         asset.Kind
	Transactions []MarketplaceTransaction
}

type MarketplaceTransaction struct {
	Identity      asset.Identity
	TransactionID string
	Time          asset.Timestamp
	Owner         string
	ListPrice     int64
	PurchasePrice int64
}

// DecodeMarketplaceEvent parses a marketplace bus message.
func DecodeMarketplaceEvent(b []byte) (MarketplaceEvent, error) {
	fs, err := fields(b)
	if err != nil {
		return MarketplaceEvent{}, err
	}
	var ev MarketplaceEvent
	for _, f := range fs {
		switch f.num {
		case 1:
			k, ok := marketplaceKinds[f.varint]
			if !ok {
				return MarketplaceEvent{}, fmt.Errorf("marketplace event type %d: %w", f.varint, asset.ErrValidation)
			}
			ev.Kind = k
		case 2:
			tx, err := decodeMarketplaceTransaction(f.bytes)
			if err != nil {
				return MarketplaceEvent{}, err
			}
			ev.Transactions = append(ev.Transactions, tx)
		}
	}
	if ev.Kind == "" {
		return MarketplaceEvent{}, fmt.Errorf("marketplace event without event type: %w", asset.ErrValidation)
	}
	return ev, nil
}

func decodeMarketplaceTransaction(b []byte) (MarketplaceTransaction, error) {
	fs, err := fields(b)
	if err != nil {
		return MarketplaceTransaction{}, err
	}
	var tx MarketplaceTransaction
	for _, f := range fs {
		switch f.num {
		case 1:
			if tx.Identity, err = decodeNftID(f.bytes); err != nil {
				return MarketplaceTransaction{}, err
			}
		case 2:
			tx.TransactionID = string(f.bytes)
		case 3:
			if tx.Time, err = decodeTimestamp(f.bytes); err != nil {
				return MarketplaceTransaction{}, err
			}
		case 4:
			tx.Owner = string(f.bytes)
		case 5:
			tx.ListPrice = int64(f.varint)
		case 6:
			tx.PurchasePrice = int64(f.varint)
		}
	}
	return tx, nil
}

// EncodeMarketplaceEvent is the inverse of DecodeMarketplaceEvent.
func EncodeMarketplaceEvent(ev MarketplaceEvent) ([]byte, error) {
	var kind uint64
	for k, v := range marketplaceKinds {
		if v == ev.Kind {
			kind = k
		}
	}
	if kind == 0 {
		return nil, fmt.Errorf("marketplace event type %q: %w", ev.Kind, asset.ErrValidation)
	}
	b := appendInt64(nil, 1, int64(kind))
	for _, tx := range ev.Transactions {
		var m []byte
		m = appendMessage(m, 1, encodeNftID(tx.Identity))
		m = appendString(m, 2, tx.TransactionID)
		ts, err := encodeTimestamp(tx.Time)
		if err != nil {
			return nil, err
		}
		m = appendMessage(m, 3, ts)
		m = appendString(m, 4, tx.Owner)
		m = appendInt64(m, 5, tx.ListPrice)
		m = appendInt64(m, 6, tx.PurchasePrice)
		b = appendMessage(b, 2, m)
	}
	return b, nil
}

// MarketplaceAssets expands an event into one single-transaction asset per
// entry, in message order. An event without transactions is invalid.
func MarketplaceAssets(ev MarketplaceEvent) ([]*asset.Asset, error) {
	if len(ev.Transactions) == 0 {
		return nil, fmt.Errorf("marketplace event has no transactions: %w", asset.ErrValidation)
	}
	if ev.Kind != asset.KindListed && ev.Kind != asset.KindPurchased {
		return nil, fmt.Errorf("marketplace event type %q: %w", ev.Kind, asset.ErrValidation)
	}
	out := make([]*asset.Asset, 0, len(ev.Transactions))
	for _, tx := range ev.Transactions {
		if err := tx.Identity.Validate(); err != nil {
			return nil, err
		}
		if tx.TransactionID == "" {
			return nil, fmt.Errorf("marketplace transaction for %s without id: %w", tx.Identity, asset.ErrValidation)
		}
		if tx.Time.IsZero() {
			return nil, fmt.Errorf("marketplace transaction %s without time: %w", tx.TransactionID, asset.ErrValidation)
		}
		a := &asset.Asset{Identity: tx.Identity}
		out = append(out, a.AddTransaction(asset.Transaction{
			TransactionID: tx.TransactionID,
			Kind:          ev.Kind,
			Timestamp:     tx.Time.String(),
			Owner:         tx.Owner,
			ListPrice:     asset.Price(tx.ListPrice),
			PurchasePrice: asset.Price(tx.PurchasePrice),
		}))
	}
	return out, nil
}
