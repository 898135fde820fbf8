// Package asset holds the token history model shared by every pipeline stage.
package asset

import (
	"fmt"
	"strings"
)

// Kind is the type of event recorded against an asset.
type Kind string

const (
	KindMinted    Kind = "MINTED"
	KindListed    Kind = "LISTED"
	KindPurchased Kind = "PURCHASED"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindMinted, KindListed, KindPurchased:
		return true
	}
	return false
}

// Identity names one tokenized asset: a collection (token id) plus serial number.
type Identity struct {
	CollectionID string `json:"token_id"`
	SerialNumber string `json:"serial_number"`
}

func NewIdentity(collectionID, serialNumber string) Identity {
	return Identity{CollectionID: collectionID, SerialNumber: serialNumber}
}

func (id Identity) String() string {
	return id.CollectionID + "/" + id.SerialNumber
}

// Validate rejects identities with an empty component.
func (id Identity) Validate() error {
	if strings.TrimSpace(id.CollectionID) == "" || strings.TrimSpace(id.SerialNumber) == "" {
		return fmt.Errorf("identity %q: %w", id.String(), ErrValidation)
	}
	return nil
}

// Transaction is one immutable historical event on an asset.
type Transaction struct {
	Identity      Identity
	TransactionID string
	Kind          Kind
	Timestamp     string
	Owner         string
	ListPrice     *int64
	PurchasePrice *int64
}

// Metadata is the normalized catalog classification of an asset.
// DeviceID and GuardianID are generated per enrichment call.
type Metadata struct {
	Category    string
	Type        string
	VintageYear int64
	Country     string
	Subdivision string
	DeviceID    string
	GuardianID  string
}

// Asset is the aggregate root: identity, classification and ordered history.
type Asset struct {
	Identity     Identity
	Memo         string
	Metadata     Metadata
	Transactions []Transaction
}

// AddTransaction appends tx, binding it to the asset identity.
func (a *Asset) AddTransaction(tx Transaction) *Asset {
	tx.Identity = a.Identity
	a.Transactions = append(a.Transactions, tx)
	return a
}

// HasTransaction reports whether a transaction with txID is already recorded.
func (a *Asset) HasTransaction(txID string) bool {
	for _, tx := range a.Transactions {
		if tx.TransactionID == txID {
			return true
		}
	}
	return false
}

// Latest returns the most recently appended transaction.
func (a *Asset) Latest() (Transaction, bool) {
	if len(a.Transactions) == 0 {
		return Transaction{}, false
	}
	return a.Transactions[len(a.Transactions)-1], true
}

// Equal compares two assets ignoring the generated DeviceID and GuardianID.
func (a *Asset) Equal(b *Asset) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Identity != b.Identity || a.Memo != b.Memo {
		return false
	}
	am, bm := a.Metadata, b.Metadata
	am.DeviceID, am.GuardianID = "", ""
	bm.DeviceID, bm.GuardianID = "", ""
	if am != bm || len(a.Transactions) != len(b.Transactions) {
		return false
	}
	for i := range a.Transactions {
		if !a.Transactions[i].equal(b.Transactions[i]) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so callers can mutate without touching stored state.
func (a *Asset) Clone() *Asset {
	if a == nil {
		return nil
	}
	c := *a
	c.Transactions = make([]Transaction, len(a.Transactions))
	for i, tx := range a.Transactions {
		c.Transactions[i] = tx.clone()
	}
	return &c
}

func (a *Asset) String() string {
	return fmt.Sprintf("asset{%s txs=%d}", a.Identity, len(a.Transactions))
}

func (t Transaction) equal(o Transaction) bool {
	return t.Identity == o.Identity && t.TransactionID == o.TransactionID &&
		t.Kind == o.Kind && t.Timestamp == o.Timestamp && t.Owner == o.Owner &&
		eqPrice(t.ListPrice, o.ListPrice) && eqPrice(t.PurchasePrice, o.PurchasePrice)
}

func (t Transaction) clone() Transaction {
	t.ListPrice = copyPrice(t.ListPrice)
	t.PurchasePrice = copyPrice(t.PurchasePrice)
	return t
}

// Price returns a pointer to v, for the optional price fields.
func Price(v int64) *int64 { return &v }

func eqPrice(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func copyPrice(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
