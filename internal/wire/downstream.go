package wire

import (
	"fmt"

	"github.com/Tolam-Earth/integration-services/internal/asset"
)

var (
	downstreamKinds = map[asset.Kind]uint64{asset.KindMinted: 1, asset.KindListed: 2, asset.KindPurchased: 3}
	downstreamNames = map[uint64]asset.Kind{1: asset.KindMinted, 2: asset.KindListed, 3: asset.KindPurchased}
)

// DownstreamEvent is the message published to downstream consumers.
type DownstreamEvent struct {
	Transactions []DownstreamTransaction
}

// DownstreamTransaction carries either Detail (mint) or State (marketplace).
type DownstreamTransaction struct {
	Kind          asset.Kind
	Identity      asset.Identity
	TransactionID string
	Time          asset.Timestamp
	Detail        *TokenDetail
	State         *TokenState
}

type TokenDetail struct {
	Owner            string
	Country          string
	DeviceID         string
	GuardianID       string
	FirstSubdivision string
	ProjectCategory  string
	ProjectType      string
	VintageYear      int64
}

type TokenState struct {
	Owner         string
	ListingPrice  int64
	PurchasePrice int64
}

// EncodeMint serializes a freshly minted asset with its classification detail.
func EncodeMint(a *asset.Asset) ([]byte, error) {
	tx, ts, err := single(a)
	if err != nil {
		return nil, err
	}
	m := a.Metadata
	return encodeDownstream(DownstreamTransaction{
		Kind: tx.Kind, Identity: a.Identity, TransactionID: tx.TransactionID, Time: ts,
		Detail: &TokenDetail{
			Owner:            tx.Owner,
			Country:          m.Country,
			DeviceID:         m.DeviceID,
			GuardianID:       m.GuardianID,
			FirstSubdivision: m.Subdivision,
			ProjectCategory:  m.Category,
			ProjectType:      m.Type,
			VintageYear:      m.VintageYear,
		},
	})
}

// EncodeMarketplace serializes a listing or purchase with its price state.
func EncodeMarketplace(a *asset.Asset) ([]byte, error) {
	tx, ts, err := single(a)
	if err != nil {
		return nil, err
	}
	st := &TokenState{Owner: tx.Owner}
	if tx.ListPrice != nil {
		st.ListingPrice = *tx.ListPrice
	}
	if tx.PurchasePrice != nil {
		st.PurchasePrice = *tx.PurchasePrice
	}
	return encodeDownstream(DownstreamTransaction{
		Kind: tx.Kind, Identity: a.Identity, TransactionID: tx.TransactionID, Time: ts, State: st,
	})
}

// single returns the one transaction a downstream message may carry.
func single(a *asset.Asset) (asset.Transaction, asset.Timestamp, error) {
	if a == nil || len(a.Transactions) != 1 {
		n := 0
		if a != nil {
			n = len(a.Transactions)
		}
		return asset.Transaction{}, asset.Timestamp{}, fmt.Errorf("downstream message needs exactly one transaction, got %d: %w", n, asset.ErrValidation)
	}
	tx := a.Transactions[0]
	ts, err := asset.ParseTimestamp(tx.Timestamp)
	if err != nil {
		return asset.Transaction{}, asset.Timestamp{}, err
	}
	return tx, ts, nil
}

func encodeDownstream(tx DownstreamTransaction) ([]byte, error) {
	kind, ok := downstreamKinds[tx.Kind]
	if !ok {
		return nil, fmt.Errorf("event type %q: %w", tx.Kind, asset.ErrValidation)
	}
	var m []byte
	m = appendInt64(m, 1, int64(kind))
	m = appendMessage(m, 2, encodeNftID(tx.Identity))
	m = appendString(m, 3, tx.TransactionID)
	ts, err := encodeTimestamp(tx.Time)
	if err != nil {
		return nil, err
	}
	m = appendMessage(m, 4, ts)
	switch {
	case tx.Detail != nil:
		d := tx.Detail
		var b []byte
		b = appendString(b, 1, d.Owner)
		b = appendString(b, 2, d.Country)
		b = appendString(b, 3, d.DeviceID)
		b = appendString(b, 4, d.GuardianID)
		b = appendString(b, 5, d.FirstSubdivision)
		b = appendString(b, 6, d.ProjectCategory)
		b = appendString(b, 7, d.ProjectType)
		b = appendInt64(b, 8, d.VintageYear)
		m = appendMessage(m, 5, b)
	case tx.State != nil:
		s := tx.State
		var b []byte
		b = appendString(b, 1, s.Owner)
		b = appendInt64(b, 2, s.ListingPrice)
		b = appendInt64(b, 3, s.PurchasePrice)
		m = appendMessage(m, 6, b)
	}
	return appendMessage(nil, 1, m), nil
}

// DecodeDownstream parses a downstream message. Consumers and tests use it.
func DecodeDownstream(b []byte) (DownstreamEvent, error) {
	fs, err := fields(b)
	if err != nil {
		return DownstreamEvent{}, err
	}
	var ev DownstreamEvent
	for _, f := range fs {
		if f.num != 1 {
			continue
		}
		tx, err := decodeDownstreamTransaction(f.bytes)
		if err != nil {
			return DownstreamEvent{}, err
		}
		ev.Transactions = append(ev.Transactions, tx)
	}
	return ev, nil
}

func decodeDownstreamTransaction(b []byte) (DownstreamTransaction, error) {
	fs, err := fields(b)
	if err != nil {
		return DownstreamTransaction{}, err
	}
	var tx DownstreamTransaction
	for _, f := range fs {
		switch f.num {
		case 1:
			k, ok := downstreamNames[f.varint]
			if !ok {
				return DownstreamTransaction{}, fmt.Errorf("event type %d: %w", f.varint, asset.ErrValidation)
			}
			tx.Kind = k
		case 2:
			if tx.Identity, err = decodeNftID(f.bytes); err != nil {
				return DownstreamTransaction{}, err
			}
		case 3:
			tx.TransactionID = string(f.bytes)
		case 4:
			if tx.Time, err = decodeTimestamp(f.bytes); err != nil {
				return DownstreamTransaction{}, err
			}
		case 5:
			if tx.Detail, err = decodeTokenDetail(f.bytes); err != nil {
				return DownstreamTransaction{}, err
			}
		case 6:
			if tx.State, err = decodeTokenState(f.bytes); err != nil {
				return DownstreamTransaction{}, err
			}
		}
	}
	return tx, nil
}

func decodeTokenDetail(b []byte) (*TokenDetail, error) {
	fs, err := fields(b)
	if err != nil {
		return nil, err
	}
	d := &TokenDetail{}
	for _, f := range fs {
		switch f.num {
		case 1:
			d.Owner = string(f.bytes)
		case 2:
			d.Country = string(f.bytes)
		case 3:
			d.DeviceID = string(f.bytes)
		case 4:
			d.GuardianID = string(f.bytes)
		case 5:
			d.FirstSubdivision = string(f.bytes)
		case 6:
			d.ProjectCategory = string(f.bytes)
		case 7:
			d.ProjectType = string(f.bytes)
		case 8:
			d.VintageYear = int64(f.varint)
		}
	}
	return d, nil
}

func decodeTokenState(b []byte) (*TokenState, error) {
	fs, err := fields(b)
	if err != nil {
		return nil, err
	}
	s := &TokenState{}
	for _, f := range fs {
		switch f.num {
		case 1:
			s.Owner = string(f.bytes)
		case 2:
			s.ListingPrice = int64(f.varint)
		case 3:
			s.PurchasePrice = int64(f.varint)
		}
	}
	return s, nil
}
