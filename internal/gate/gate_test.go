package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/Tolam-Earth/integration-services/internal/asset"
	"github.com/Tolam-Earth/integration-services/internal/store"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func minted(serial string) *asset.Asset {
	a := &asset.Asset{Identity: asset.NewIdentity("0.1.2", serial)}
	return a.AddTransaction(asset.Transaction{TransactionID: "mint-" + serial, Kind: asset.KindMinted, Timestamp: "1.000000001"})
}

func market(serial, txID string, kind asset.Kind, list, purchase int64) *asset.Asset {
	a := &asset.Asset{Identity: asset.NewIdentity("0.1.2", serial)}
	return a.AddTransaction(asset.Transaction{
		TransactionID: txID, Kind: kind, Timestamp: "2.000000000",
		ListPrice: asset.Price(list), PurchasePrice: asset.Price(purchase),
	})
}

func TestAdmitIfNew(t *testing.T) {
	s := store.NewMemory()
	g := New(s, discardLogger())
	ctx := context.Background()

	ok, err := g.AdmitIfNew(ctx, minted("3"))
	if err != nil || !ok {
		t.Fatalf("first admit = %v, %v; want true", ok, err)
	}
	if created, err := g.Create(ctx, minted("3")); err != nil || !created {
		t.Fatalf("Create = %v, %v", created, err)
	}
	ok, err = g.AdmitIfNew(ctx, minted("3"))
	if err != nil || ok {
		t.Fatalf("replay admit = %v, %v; want false", ok, err)
	}
	if n := g.RepeatCount(); n != 1 {
		t.Errorf("RepeatCount = %d, want 1", n)
	}
	stored, _ := s.FindByIdentity(ctx, asset.NewIdentity("0.1.2", "3"))
	if len(stored.Transactions) != 1 {
		t.Errorf("stored transactions = %d, want 1", len(stored.Transactions))
	}
}

func TestCreateConflictCountsRepeat(t *testing.T) {
	g := New(store.NewMemory(), discardLogger())
	ctx := context.Background()
	g.Create(ctx, minted("4"))
	created, err := g.Create(ctx, minted("4"))
	if err != nil || created {
		t.Fatalf("second Create = %v, %v; want false, nil", created, err)
	}
	if n := g.RepeatCount(); n != 1 {
		t.Errorf("RepeatCount = %d, want 1", n)
	}
}

func TestMergeAndStoreAppends(t *testing.T) {
	s := store.NewMemory()
	g := New(s, discardLogger())
	ctx := context.Background()

	first, err := g.MergeAndStore(ctx, market("5", "l1", asset.KindListed, 500, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Transactions) != 1 {
		t.Fatalf("first write transactions = %d", len(first.Transactions))
	}
	merged, err := g.MergeAndStore(ctx, market("5", "p1", asset.KindPurchased, 500, 500))
	if err != nil {
		t.Fatal(err)
	}
	if len(merged.Transactions) != 2 || merged.Transactions[0].Kind != asset.KindListed || merged.Transactions[1].Kind != asset.KindPurchased {
		t.Fatalf("merged = %+v", merged.Transactions)
	}
	// replaying a marketplace transaction does not duplicate it
	again, err := g.MergeAndStore(ctx, market("5", "p1", asset.KindPurchased, 500, 500))
	if err != nil || len(again.Transactions) != 2 {
		t.Errorf("replay = %d txs, %v; want 2", len(again.Transactions), err)
	}
	if g.RepeatCount() != 0 {
		t.Error("marketplace merges must not count repeats")
	}
}

func TestMergeAndStoreOntoMint(t *testing.T) {
	s := store.NewMemory()
	g := New(s, discardLogger())
	ctx := context.Background()
	m := minted("6")
	m.Metadata.Country = "IND"
	g.Create(ctx, m)
	merged, err := g.MergeAndStore(ctx, market("6", "l1", asset.KindListed, 500, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(merged.Transactions) != 2 || merged.Metadata.Country != "IND" {
		t.Errorf("merged = %+v", merged)
	}
}

func TestMergeAndStoreRejectsEmpty(t *testing.T) {
	g := New(store.NewMemory(), discardLogger())
	_, err := g.MergeAndStore(context.Background(), &asset.Asset{Identity: asset.NewIdentity("0.1.2", "1")})
	if !errors.Is(err, asset.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

// racyStore widens the find/create window so unsynchronized callers would lose updates.
type racyStore struct {
	*store.Memory
	mu      sync.Mutex
	active  map[asset.Identity]int
	overlap bool
}

func (r *racyStore) enter(id asset.Identity) func() {
	r.mu.Lock()
	r.active[id]++
	if r.active[id] > 1 {
		r.overlap = true
	}
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.active[id]--
		r.mu.Unlock()
	}
}

func (r *racyStore) FindByIdentity(ctx context.Context, id asset.Identity) (*asset.Asset, error) {
	defer r.enter(id)()
	return r.Memory.FindByIdentity(ctx, id)
}

func TestConcurrentMergesDoNotLoseUpdates(t *testing.T) {
	rs := &racyStore{Memory: store.NewMemory(), active: make(map[asset.Identity]int)}
	g := New(rs, discardLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	const n = 20
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := g.MergeAndStore(ctx, market("7", fmt.Sprintf("tx-%d", i), asset.KindListed, int64(i), 0)); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()
	stored, _ := rs.Memory.FindByIdentity(ctx, asset.NewIdentity("0.1.2", "7"))
	if len(stored.Transactions) != n {
		t.Errorf("stored transactions = %d, want %d", len(stored.Transactions), n)
	}
	if rs.overlap {
		t.Error("two callers were inside the store for the same identity at once")
	}
	if len(g.locks.held) != 0 {
		t.Errorf("identity locks leaked: %d", len(g.locks.held))
	}
}
