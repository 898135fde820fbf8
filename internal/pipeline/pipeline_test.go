package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Tolam-Earth/integration-services/internal/asset"
	"github.com/Tolam-Earth/integration-services/internal/bus"
	"github.com/Tolam-Earth/integration-services/internal/catalog"
	"github.com/Tolam-Earth/integration-services/internal/enrich"
	"github.com/Tolam-Earth/integration-services/internal/gate"
	"github.com/Tolam-Earth/integration-services/internal/ledger"
	"github.com/Tolam-Earth/integration-services/internal/store"
	"github.com/Tolam-Earth/integration-services/internal/wire"
)

var errMock = errors.New("mock")

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type mockEnricher struct {
	enrich func(id asset.Identity) (asset.Metadata, error)
}

func (m *mockEnricher) Enrich(ctx context.Context, id asset.Identity) (asset.Metadata, error) {
	return m.enrich(id)
}

func fixedMetadata() *mockEnricher {
	return &mockEnricher{enrich: func(asset.Identity) (asset.Metadata, error) {
		return asset.Metadata{Category: "RENEW_ENERGY", Type: "WIND", VintageYear: 2021, Country: "IND", Subdivision: "GJ"}, nil
	}}
}

// recorder stands in for the publisher and keeps a copy of everything published.
type recorder struct {
	mu    sync.Mutex
	fail  func(a *asset.Asset) error
	mint  []*asset.Asset
	mkt   []*asset.Asset
	mktTx []string
}

func (r *recorder) PublishMint(ctx context.Context, a *asset.Asset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		if err := r.fail(a); err != nil {
			return err
		}
	}
	r.mint = append(r.mint, a.Clone())
	return nil
}

func (r *recorder) PublishMarketplace(ctx context.Context, a *asset.Asset, txID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		if err := r.fail(a); err != nil {
			return err
		}
	}
	r.mkt = append(r.mkt, a.Clone())
	r.mktTx = append(r.mktTx, txID)
	return nil
}

func mintEvent(txID, ts string, serials ...int64) ledger.Transaction {
	tx := ledger.Transaction{TransactionID: txID, ConsensusTimestamp: ts, Name: ledger.KindTokenMint}
	for _, s := range serials {
		tx.NftTransfers = append(tx.NftTransfers, ledger.NftTransfer{TokenID: "0.1.2", SerialNumber: s, ReceiverAccountID: "0.0.1001"})
	}
	return tx
}

// runMint feeds events through a fresh mint pipeline and waits for it to drain.
func runMint(t *testing.T, s *store.Memory, g *gate.Gate, e Enricher, pub *recorder, events ...ledger.Transaction) *Mint {
	t.Helper()
	ch := make(chan ledger.Transaction, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	p := NewMint(ch, []string{"0.1.2"}, e, g, pub, discardLogger())
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("mint pipeline did not drain")
	}
	return p
}

type fakeCatalog struct {
	body string
}

func (f fakeCatalog) GetMetadata(ctx context.Context, collectionID, serial string) (catalog.Details, error) {
	var d catalog.Details
	err := json.Unmarshal([]byte(f.body), &d)
	return d, err
}

func TestMintWindFarm(t *testing.T) {
	s := store.NewMemory()
	g := gate.New(s, discardLogger())
	pub := &recorder{}
	cat := fakeCatalog{body: `{"tokenId":"0.1.2","serialNumber":3,"attributes":[
		{"title":"VINTAGE","value":2021},
		{"title":"PROJECT CATEGORY","value":"RENEWABLE ENERGY"},
		{"title":"PROJECT TYPE","value":"GRID CONNECTED WIND"},
		{"title":"PROJECT COUNTRY","value":"INDIA"},
		{"title":"STATE/PROVINCE","value":"GUJARAT"}]}`}

	runMint(t, s, g, enrich.NewGateway(cat), pub, mintEvent("m1", "1651234567.000000001", 3))

	stored, err := s.FindByIdentity(context.Background(), asset.NewIdentity("0.1.2", "3"))
	if err != nil || stored == nil {
		t.Fatalf("stored = %v, %v", stored, err)
	}
	m := stored.Metadata
	if m.VintageYear != 2021 || m.Category != "RENEW_ENERGY" || m.Type != "WIND" || m.Country != "IND" || m.Subdivision != "GJ" {
		t.Errorf("metadata = %+v", m)
	}
	if len(stored.Transactions) != 1 || stored.Transactions[0].Kind != asset.KindMinted || stored.Transactions[0].Owner != "0.0.1001" {
		t.Errorf("transactions = %+v", stored.Transactions)
	}
	if len(pub.mint) != 1 {
		t.Errorf("publishes = %d, want 1", len(pub.mint))
	}
}

func TestMintReplayIsIdempotent(t *testing.T) {
	s := store.NewMemory()
	g := gate.New(s, discardLogger())
	pub := &recorder{}
	ev := mintEvent("m1", "1.000000001", 3)

	runMint(t, s, g, fixedMetadata(), pub, ev, ev)

	if s.Len() != 1 {
		t.Errorf("stored records = %d, want 1", s.Len())
	}
	if len(pub.mint) != 1 {
		t.Errorf("publishes = %d, want 1", len(pub.mint))
	}
	if n := g.RepeatCount(); n != 1 {
		t.Errorf("repeat count = %d, want 1", n)
	}
	stored, _ := s.FindByIdentity(context.Background(), asset.NewIdentity("0.1.2", "3"))
	if len(stored.Transactions) != 1 {
		t.Errorf("repeat wrote to the store: %d transactions", len(stored.Transactions))
	}
}

func TestMintPartialFailureContainment(t *testing.T) {
	tests := []struct {
		name     string
		enricher *mockEnricher
		pub      *recorder
		events   []ledger.Transaction
	}{
		{
			name: "catalog outage",
			enricher: &mockEnricher{enrich: func(id asset.Identity) (asset.Metadata, error) {
				if id.SerialNumber == "2" {
					return asset.Metadata{}, errMock
				}
				return asset.Metadata{Country: "IND"}, nil
			}},
			pub:    &recorder{},
			events: []ledger.Transaction{mintEvent("a", "1.1", 1), mintEvent("b", "1.2", 2), mintEvent("c", "1.3", 3)},
		},
		{
			name: "unmapped value",
			enricher: &mockEnricher{enrich: func(id asset.Identity) (asset.Metadata, error) {
				if id.SerialNumber == "2" {
					return asset.Metadata{}, asset.ErrUnmappedValue
				}
				return asset.Metadata{}, nil
			}},
			pub:    &recorder{},
			events: []ledger.Transaction{mintEvent("a", "1.1", 1), mintEvent("b", "1.2", 2), mintEvent("c", "1.3", 3)},
		},
		{
			name:     "malformed ledger record",
			enricher: fixedMetadata(),
			pub:      &recorder{},
			events:   []ledger.Transaction{mintEvent("a", "1.1", 1), mintEvent("", "1.2", 2), mintEvent("c", "1.3", 3)},
		},
		{
			name:     "publish failure",
			enricher: fixedMetadata(),
			pub: &recorder{fail: func(a *asset.Asset) error {
				if a.Identity.SerialNumber == "2" {
					return errMock
				}
				return nil
			}},
			events: []ledger.Transaction{mintEvent("a", "1.1", 1), mintEvent("b", "1.2", 2), mintEvent("c", "1.3", 3)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := store.NewMemory()
			runMint(t, s, gate.New(s, discardLogger()), tt.enricher, tt.pub, tt.events...)
			if len(tt.pub.mint) != 2 {
				t.Fatalf("publishes = %d, want 2", len(tt.pub.mint))
			}
			if tt.pub.mint[0].Identity.SerialNumber != "1" || tt.pub.mint[1].Identity.SerialNumber != "3" {
				t.Errorf("published %s then %s, want serials 1 then 3", tt.pub.mint[0].Identity, tt.pub.mint[1].Identity)
			}
		})
	}
}

// failingStore wraps the memory store and fails one operation for one serial.
type failingStore struct {
	*store.Memory
	op     string
	serial string
}

func (f *failingStore) fail(op string, id asset.Identity) error {
	if op == f.op && id.SerialNumber == f.serial {
		return fmt.Errorf("%s %s: %w", op, id, asset.ErrTransientIO)
	}
	return nil
}

func (f *failingStore) FindByIdentity(ctx context.Context, id asset.Identity) (*asset.Asset, error) {
	if err := f.fail("find", id); err != nil {
		return nil, err
	}
	return f.Memory.FindByIdentity(ctx, id)
}

func (f *failingStore) Create(ctx context.Context, a *asset.Asset) error {
	if err := f.fail("create", a.Identity); err != nil {
		return err
	}
	return f.Memory.Create(ctx, a)
}

func (f *failingStore) MergeTransactions(ctx context.Context, id asset.Identity, txs []asset.Transaction) (*asset.Asset, error) {
	if err := f.fail("merge", id); err != nil {
		return nil, err
	}
	return f.Memory.MergeTransactions(ctx, id, txs)
}

func TestMintStoreFailureContainment(t *testing.T) {
	for _, op := range []string{"find", "create"} {
		t.Run(op, func(t *testing.T) {
			s := &failingStore{Memory: store.NewMemory(), op: op, serial: "2"}
			pub := &recorder{}
			runMint(t, s.Memory, gate.New(s, discardLogger()), fixedMetadata(), pub,
				mintEvent("a", "1.1", 1), mintEvent("b", "1.2", 2), mintEvent("c", "1.3", 3))
			if len(pub.mint) != 2 || pub.mint[0].Identity.SerialNumber != "1" || pub.mint[1].Identity.SerialNumber != "3" {
				t.Fatalf("published = %v, want serials 1 and 3", pub.mint)
			}
			if s.Len() != 2 {
				t.Errorf("stored = %d, want 2", s.Len())
			}
		})
	}
}

func TestMintFiltersUntrackedAndExpandsTransfers(t *testing.T) {
	s := store.NewMemory()
	pub := &recorder{}
	ev := mintEvent("m1", "1.1", 7, 8)
	ev.NftTransfers = append(ev.NftTransfers, ledger.NftTransfer{TokenID: "0.9.9", SerialNumber: 1})
	runMint(t, s, gate.New(s, discardLogger()), fixedMetadata(), pub, ev)
	if len(pub.mint) != 2 || pub.mint[0].Identity.SerialNumber != "7" || pub.mint[1].Identity.SerialNumber != "8" {
		t.Errorf("published = %v", pub.mint)
	}
	if s.Len() != 2 {
		t.Errorf("stored = %d, want 2", s.Len())
	}
}

func TestStartTwice(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := store.NewMemory()
	p := NewMint(make(chan ledger.Transaction), nil, fixedMetadata(), gate.New(s, discardLogger()), &recorder{}, discardLogger())
	if p.State() != Uninitialized {
		t.Errorf("state = %v before start", p.State())
	}
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if p.State() != Running {
		t.Errorf("state = %v after start", p.State())
	}
	if err := p.Start(ctx); !errors.Is(err, asset.ErrAlreadyInitialized) {
		t.Errorf("second start err = %v, want ErrAlreadyInitialized", err)
	}
}

type failingSubscriber struct{}

func (failingSubscriber) Subscribe(ctx context.Context) (<-chan []byte, error) { return nil, errMock }

func TestMarketplaceSubscribeFailure(t *testing.T) {
	s := store.NewMemory()
	p := NewMarketplace(failingSubscriber{}, gate.New(s, discardLogger()), &recorder{}, discardLogger())
	if err := p.Start(context.Background()); !errors.Is(err, errMock) {
		t.Fatalf("err = %v", err)
	}
	if p.State() != Uninitialized {
		t.Errorf("state = %v, want UNINITIALIZED", p.State())
	}
}

func marketMsg(t *testing.T, kind asset.Kind, serial, txID string, list, purchase int64) []byte {
	t.Helper()
	b, err := wire.EncodeMarketplaceEvent(wire.MarketplaceEvent{
		Kind: kind,
		Transactions: []wire.MarketplaceTransaction{{
			Identity: asset.NewIdentity("0.1.2", serial), TransactionID: txID,
			Time: asset.Timestamp{Seconds: 1651234567}, Owner: "0.0.2002",
			ListPrice: list, PurchasePrice: purchase,
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// runMarketplace sends msgs through a fresh marketplace pipeline and waits for it to drain.
func runMarketplace(t *testing.T, s store.AssetStore, pub *recorder, msgs ...[]byte) *Marketplace {
	t.Helper()
	src := bus.NewLocal(len(msgs))
	p := NewMarketplace(src, gate.New(s, discardLogger()), pub, discardLogger())
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, m := range msgs {
		src.Send(context.Background(), m)
	}
	src.Close()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("marketplace pipeline did not drain")
	}
	return p
}

func TestMarketplaceListThenPurchase(t *testing.T) {
	s := store.NewMemory()
	pub := &recorder{}
	runMarketplace(t, s, pub,
		marketMsg(t, asset.KindListed, "3", "l1", 500, 0),
		marketMsg(t, asset.KindPurchased, "3", "p1", 500, 500))

	stored, _ := s.FindByIdentity(context.Background(), asset.NewIdentity("0.1.2", "3"))
	if stored == nil || len(stored.Transactions) != 2 {
		t.Fatalf("stored = %+v", stored)
	}
	if stored.Transactions[0].Kind != asset.KindListed || stored.Transactions[1].Kind != asset.KindPurchased {
		t.Errorf("order = %s, %s", stored.Transactions[0].Kind, stored.Transactions[1].Kind)
	}
	if len(pub.mkt) != 2 {
		t.Fatalf("publishes = %d, want 2", len(pub.mkt))
	}
	// the merged record is published, not the incoming delta
	if len(pub.mkt[1].Transactions) != 2 || !pub.mkt[1].Equal(stored) {
		t.Errorf("second publish = %+v, want merged state", pub.mkt[1])
	}
}

func TestMarketplaceMergesOntoMint(t *testing.T) {
	s := store.NewMemory()
	minted := &asset.Asset{Identity: asset.NewIdentity("0.1.2", "3"), Metadata: asset.Metadata{Country: "IND"}}
	minted.AddTransaction(asset.Transaction{TransactionID: "m1", Kind: asset.KindMinted, Timestamp: "1.000000001"})
	s.Create(context.Background(), minted)
	pub := &recorder{}

	runMarketplace(t, s, pub, marketMsg(t, asset.KindListed, "3", "l1", 500, 0))

	if len(pub.mkt) != 1 || len(pub.mkt[0].Transactions) != 2 || pub.mkt[0].Metadata.Country != "IND" {
		t.Errorf("published = %+v", pub.mkt)
	}
}

func TestMarketplaceSkipsBadMessages(t *testing.T) {
	s := store.NewMemory()
	pub := &recorder{}
	empty, _ := wire.EncodeMarketplaceEvent(wire.MarketplaceEvent{Kind: asset.KindListed})
	runMarketplace(t, s, pub,
		empty,
		[]byte{0xff, 0xff},
		marketMsg(t, asset.KindListed, "4", "l1", 500, 0))
	if len(pub.mkt) != 1 || pub.mkt[0].Identity.SerialNumber != "4" {
		t.Errorf("published = %v", pub.mkt)
	}
}

func TestMarketplacePartialFailureContainment(t *testing.T) {
	noTime, err := wire.EncodeMarketplaceEvent(wire.MarketplaceEvent{
		Kind: asset.KindListed,
		Transactions: []wire.MarketplaceTransaction{{
			Identity: asset.NewIdentity("0.1.2", "2"), TransactionID: "l2", Owner: "0.0.2002", ListPrice: 500,
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name   string
		op     string
		seeded bool
		pub    *recorder
		second []byte
	}{
		{name: "store find failure", op: "find", pub: &recorder{}},
		{name: "store create failure", op: "create", pub: &recorder{}},
		{name: "store merge failure", op: "merge", seeded: true, pub: &recorder{}},
		{
			name: "publish failure",
			pub: &recorder{fail: func(a *asset.Asset) error {
				if a.Identity.SerialNumber == "2" {
					return errMock
				}
				return nil
			}},
		},
		{name: "missing transaction time", pub: &recorder{}, second: noTime},
		{name: "undecodable message", pub: &recorder{}, second: []byte{0x0a}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &failingStore{Memory: store.NewMemory(), op: tt.op, serial: "2"}
			if tt.seeded {
				for _, serial := range []string{"1", "2", "3"} {
					minted := &asset.Asset{Identity: asset.NewIdentity("0.1.2", serial)}
					minted.AddTransaction(asset.Transaction{TransactionID: "m" + serial, Kind: asset.KindMinted, Timestamp: "1.000000001"})
					s.Memory.Create(context.Background(), minted)
				}
			}
			second := tt.second
			if second == nil {
				second = marketMsg(t, asset.KindListed, "2", "l2", 500, 0)
			}
			runMarketplace(t, s, tt.pub,
				marketMsg(t, asset.KindListed, "1", "l1", 500, 0),
				second,
				marketMsg(t, asset.KindListed, "3", "l3", 500, 0))
			if len(tt.pub.mkt) != 2 {
				t.Fatalf("publishes = %d, want 2", len(tt.pub.mkt))
			}
			if tt.pub.mkt[0].Identity.SerialNumber != "1" || tt.pub.mkt[1].Identity.SerialNumber != "3" {
				t.Errorf("published %s then %s, want serials 1 then 3", tt.pub.mkt[0].Identity, tt.pub.mkt[1].Identity)
			}
		})
	}
}

func TestMarketplaceRejectsMissingTime(t *testing.T) {
	s := store.NewMemory()
	pub := &recorder{}
	msg, _ := wire.EncodeMarketplaceEvent(wire.MarketplaceEvent{
		Kind: asset.KindListed,
		Transactions: []wire.MarketplaceTransaction{{
			Identity: asset.NewIdentity("0.1.2", "3"), TransactionID: "l1", Owner: "0.0.2002", ListPrice: 500,
		}},
	})
	runMarketplace(t, s, pub, msg)
	if s.Len() != 0 || len(pub.mkt) != 0 {
		t.Errorf("stored = %d, published = %d, want nothing", s.Len(), len(pub.mkt))
	}
}

func TestMarketplaceReplayPublishesReplayedTransaction(t *testing.T) {
	s := store.NewMemory()
	pub := &recorder{}
	listing := marketMsg(t, asset.KindListed, "3", "l1", 500, 0)
	runMarketplace(t, s, pub,
		listing,
		marketMsg(t, asset.KindPurchased, "3", "p1", 500, 500),
		listing)

	stored, _ := s.FindByIdentity(context.Background(), asset.NewIdentity("0.1.2", "3"))
	if stored == nil || len(stored.Transactions) != 2 {
		t.Fatalf("stored = %+v, want two transactions", stored)
	}
	want := []string{"l1", "p1", "l1"}
	if len(pub.mktTx) != len(want) {
		t.Fatalf("published transactions = %v, want %v", pub.mktTx, want)
	}
	for i := range want {
		if pub.mktTx[i] != want[i] {
			t.Errorf("publish %d carried %s, want %s", i, pub.mktTx[i], want[i])
		}
	}
}

func TestSubscribersReceiveAndDetach(t *testing.T) {
	s := store.NewMemory()
	src := bus.NewLocal(4)
	p := NewMarketplace(src, gate.New(s, discardLogger()), &recorder{}, discardLogger())
	first, detachFirst := p.Subscribe(4)
	second, _ := p.Subscribe(4)
	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}

	src.Send(ctx, marketMsg(t, asset.KindListed, "5", "l1", 500, 0))
	for _, ch := range []<-chan asset.Asset{first, second} {
		select {
		case a := <-ch:
			if a.Identity.SerialNumber != "5" {
				t.Errorf("got %s", a.Identity)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("subscriber got nothing")
		}
	}

	detachFirst()
	detachFirst()
	if _, ok := <-first; ok {
		t.Error("detached subscriber channel should be closed")
	}
	src.Send(ctx, marketMsg(t, asset.KindPurchased, "5", "p1", 500, 500))
	select {
	case a := <-second:
		if len(a.Transactions) != 2 {
			t.Errorf("second subscriber got %d transactions", len(a.Transactions))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline stopped after a subscriber detached")
	}
	src.Close()
	<-p.Done()
	if _, ok := <-second; ok {
		t.Error("subscriber channel should close when the pipeline ends")
	}
}
