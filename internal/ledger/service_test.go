package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/pharmacore/pharmacore/internal/catalog"
	"github.com/pharmacore/pharmacore/internal/posting"
	"github.com/pharmacore/pharmacore/internal/shared"
)

type memoryRepo struct {
	entries  []Entry
	nextID   int64
	counting map[int64]int64
	keys     map[string]bool
	failNext error
}

type memoryTx struct {
	repo    *memoryRepo
	pending []Entry
	claimed []string
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{counting: map[int64]int64{}, keys: map[string]bool{}}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := &memoryTx{repo: r}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.entries = append(r.entries, tx.pending...)
	for _, key := range tx.claimed {
		r.keys[key] = true
	}
	return nil
}

func matches(e Entry, q BalanceQuery) bool {
	if e.ItemID != q.ItemID || e.BranchID != q.BranchID {
		return false
	}
	if q.BatchNumber == nil {
		return true
	}
	return e.BatchNumber != nil && *e.BatchNumber == *q.BatchNumber
}

func sum(entries []Entry, q BalanceQuery) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		if matches(e, q) {
			total = total.Add(e.QuantityDelta)
		}
	}
	return total
}

func (r *memoryRepo) SumQuantity(ctx context.Context, q BalanceQuery) (decimal.Decimal, error) {
	return sum(r.entries, q), nil
}

func (r *memoryRepo) SumQuantityBefore(ctx context.Context, q BalanceQuery, before time.Time) (decimal.Decimal, error) {
	var earlier []Entry
	for _, e := range r.entries {
		if e.CreatedAt.Before(before) {
			earlier = append(earlier, e)
		}
	}
	return sum(earlier, q), nil
}

func (r *memoryRepo) ListBalances(ctx context.Context, branchID, itemID int64) ([]Balance, error) {
	index := map[string]int{}
	var out []Balance
	for _, e := range r.entries {
		if e.BranchID != branchID || (itemID != 0 && e.ItemID != itemID) {
			continue
		}
		key := postingKey(Entry{ItemID: e.ItemID, BranchID: e.BranchID, BatchNumber: e.BatchNumber})
		i, ok := index[key]
		if !ok {
			out = append(out, Balance{ItemID: e.ItemID, BranchID: e.BranchID, BatchNumber: e.BatchNumber, Quantity: decimal.Zero})
			i = len(out) - 1
			index[key] = i
		}
		out[i].Quantity = out[i].Quantity.Add(e.QuantityDelta)
	}
	return out, nil
}

func (r *memoryRepo) ListEntries(ctx context.Context, filter StockCardFilter) ([]Entry, error) {
	var out []Entry
	for _, e := range r.entries {
		if e.BranchID != filter.BranchID || e.ItemID != filter.ItemID {
			continue
		}
		if !filter.From.IsZero() && e.CreatedAt.Before(filter.From) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (tx *memoryTx) CountingSession(ctx context.Context, branchID int64) (int64, error) {
	return tx.repo.counting[branchID], nil
}

func (tx *memoryTx) ClaimKey(ctx context.Context, key string) error {
	if tx.repo.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	for _, k := range tx.claimed {
		if k == key {
			return shared.ErrIdempotencyConflict
		}
	}
	tx.claimed = append(tx.claimed, key)
	return nil
}

func (tx *memoryTx) InsertEntry(ctx context.Context, e Entry) (Entry, error) {
	if err := tx.repo.failNext; err != nil {
		tx.repo.failNext = nil
		return Entry{}, err
	}
	tx.repo.nextID++
	e.ID = tx.repo.nextID
	tx.pending = append(tx.pending, e)
	return e, nil
}

func (tx *memoryTx) SumQuantity(ctx context.Context, q BalanceQuery) (decimal.Decimal, error) {
	return sum(append(append([]Entry{}, tx.repo.entries...), tx.pending...), q), nil
}

func (tx *memoryTx) LastUnitCost(ctx context.Context, q BalanceQuery) (decimal.Decimal, bool, error) {
	for i := len(tx.repo.entries) - 1; i >= 0; i-- {
		e := tx.repo.entries[i]
		if matches(e, q) && e.QuantityDelta.IsPositive() {
			return e.UnitCost, true, nil
		}
	}
	return decimal.Zero, false, nil
}

type stubItems struct {
	items  map[int64]catalog.Item
	lookup func(id int64)
}

func (s *stubItems) Item(ctx context.Context, id int64) (catalog.Item, error) {
	if s.lookup != nil {
		s.lookup(id)
	}
	item, ok := s.items[id]
	if !ok {
		return catalog.Item{}, catalog.ErrItemNotFound
	}
	return item, nil
}

const (
	paracetamol = int64(1)
	amoxicillin = int64(2)
	branch      = int64(10)
)

func newTestItems() *stubItems {
	return &stubItems{items: map[int64]catalog.Item{
		paracetamol: {ID: paracetamol, Name: "Paracetamol 500mg", BaseUnit: "TABLET"},
		amoxicillin: {ID: amoxicillin, Name: "Amoxicillin 250mg", BaseUnit: "CAPSULE", RequiresBatchTracking: true, RequiresExpiryTracking: true},
	}}
}

func newTestService() (*Service, *memoryRepo) {
	repo := newMemoryRepo()
	return NewService(repo, newTestItems(), nil), repo
}

func strPtr(s string) *string { return &s }

func datePtr(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 15, 30, 0, 0, time.UTC)
	return &t
}

func TestQuantityOnHandIsSumOfEntries(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Append(ctx, Entry{ItemID: paracetamol, BranchID: branch, QuantityDelta: decimal.NewFromInt(100), UnitCost: decimal.NewFromInt(500), SourceType: SourcePurchase, SourceDocument: "GRN-1"})
	require.NoError(t, err)
	_, err = svc.Append(ctx, Entry{ItemID: paracetamol, BranchID: branch, QuantityDelta: decimal.NewFromInt(-12), SourceType: SourceSale, SourceDocument: "INV-1"})
	require.NoError(t, err)
	_, err = svc.Append(ctx, Entry{ItemID: paracetamol, BranchID: branch + 1, QuantityDelta: decimal.NewFromInt(7), SourceType: SourcePurchase, SourceDocument: "GRN-2"})
	require.NoError(t, err)

	qty, err := svc.QuantityOnHand(ctx, paracetamol, branch, nil)
	require.NoError(t, err)
	require.True(t, qty.Equal(decimal.NewFromInt(88)), "got %s", qty)
}

func TestQuantityOnHandByBatch(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Append(ctx, Entry{ItemID: amoxicillin, BranchID: branch, QuantityDelta: decimal.NewFromInt(40), BatchNumber: strPtr(" B1 "), ExpiryDate: datePtr(2027, 1, 31), SourceType: SourcePurchase, SourceDocument: "GRN-1"})
	require.NoError(t, err)
	_, err = svc.Append(ctx, Entry{ItemID: amoxicillin, BranchID: branch, QuantityDelta: decimal.NewFromInt(25), BatchNumber: strPtr("B2"), ExpiryDate: datePtr(2027, 6, 30), SourceType: SourcePurchase, SourceDocument: "GRN-1"})
	require.NoError(t, err)

	b1, err := svc.QuantityOnHand(ctx, amoxicillin, branch, strPtr("B1"))
	require.NoError(t, err)
	require.True(t, b1.Equal(decimal.NewFromInt(40)))

	total, err := svc.QuantityOnHand(ctx, amoxicillin, branch, nil)
	require.NoError(t, err)
	require.True(t, total.Equal(decimal.NewFromInt(65)))

	balances, err := svc.Balances(ctx, branch, amoxicillin)
	require.NoError(t, err)
	require.Len(t, balances, 2)
}

func TestAppendRejectsInvalidEntries(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	_, err := svc.Append(ctx, Entry{ItemID: amoxicillin, BranchID: branch, QuantityDelta: decimal.NewFromInt(5), ExpiryDate: datePtr(2027, 1, 1), SourceType: SourcePurchase, SourceDocument: "GRN-1"})
	require.ErrorIs(t, err, ErrMissingBatch)

	_, err = svc.Append(ctx, Entry{ItemID: amoxicillin, BranchID: branch, QuantityDelta: decimal.NewFromInt(5), BatchNumber: strPtr("B1"), SourceType: SourcePurchase, SourceDocument: "GRN-1"})
	require.ErrorIs(t, err, ErrMissingExpiry)

	_, err = svc.Append(ctx, Entry{ItemID: paracetamol, BranchID: branch, QuantityDelta: decimal.Zero, SourceType: SourceSale, SourceDocument: "INV-1"})
	require.ErrorIs(t, err, ErrZeroQuantity)

	_, err = svc.Append(ctx, Entry{ItemID: paracetamol, BranchID: branch, QuantityDelta: decimal.NewFromInt(1), UnitCost: decimal.NewFromInt(-1), SourceType: SourcePurchase, SourceDocument: "GRN-1"})
	require.ErrorIs(t, err, ErrInvalidUnitCost)

	_, err = svc.Append(ctx, Entry{ItemID: 99, BranchID: branch, QuantityDelta: decimal.NewFromInt(1), SourceType: SourcePurchase, SourceDocument: "GRN-1"})
	require.ErrorIs(t, err, catalog.ErrItemNotFound)

	require.Empty(t, repo.entries)
}

func TestAppendNormalisesExpiryToDay(t *testing.T) {
	svc, _ := newTestService()
	stored, err := svc.Append(context.Background(), Entry{ItemID: amoxicillin, BranchID: branch, QuantityDelta: decimal.NewFromInt(5), BatchNumber: strPtr("B1"), ExpiryDate: datePtr(2027, 1, 31), SourceType: SourcePurchase, SourceDocument: "GRN-1"})
	require.NoError(t, err)
	require.Equal(t, time.Date(2027, 1, 31, 0, 0, 0, 0, time.UTC), *stored.ExpiryDate)
}

func TestAppendBlockedWhileBranchCounting(t *testing.T) {
	svc, repo := newTestService()
	repo.counting[branch] = 4
	ctx := context.Background()

	_, err := svc.Append(ctx, Entry{ItemID: paracetamol, BranchID: branch, QuantityDelta: decimal.NewFromInt(-1), SourceType: SourceSale, SourceDocument: "INV-9"})
	require.ErrorIs(t, err, posting.ErrBranchCounting)
	var counting *posting.CountingError
	require.ErrorAs(t, err, &counting)
	require.Equal(t, int64(4), counting.SessionID)

	_, err = svc.AppendBatch(ctx, []Entry{{ItemID: paracetamol, BranchID: branch, QuantityDelta: decimal.NewFromInt(5), SourceType: SourcePurchase, SourceDocument: "GRN-9"}})
	require.ErrorIs(t, err, posting.ErrBranchCounting)
	require.Empty(t, repo.keys)

	_, err = svc.Append(ctx, Entry{ItemID: paracetamol, BranchID: branch, QuantityDelta: decimal.NewFromInt(-1), SourceType: SourceStockTake, SourceDocument: "session-1"})
	require.NoError(t, err)
	require.Len(t, repo.entries, 1)
}

func TestAppendDuplicatePostingRejected(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	entry := Entry{ItemID: paracetamol, BranchID: branch, QuantityDelta: decimal.NewFromInt(-2), SourceType: SourceSale, SourceDocument: "INV-3"}

	_, err := svc.Append(ctx, entry)
	require.NoError(t, err)
	_, err = svc.Append(ctx, entry)
	require.True(t, errors.Is(err, shared.ErrIdempotencyConflict))
	require.Len(t, repo.entries, 1)
}

func TestStockCardRunningBalance(t *testing.T) {
	svc, repo := newTestService()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	repo.entries = []Entry{
		{ID: 1, ItemID: paracetamol, BranchID: branch, QuantityDelta: decimal.NewFromInt(50), CreatedAt: base},
		{ID: 2, ItemID: paracetamol, BranchID: branch, QuantityDelta: decimal.NewFromInt(-10), CreatedAt: base.Add(24 * time.Hour)},
		{ID: 3, ItemID: paracetamol, BranchID: branch, QuantityDelta: decimal.NewFromInt(30), CreatedAt: base.Add(48 * time.Hour)},
		{ID: 4, ItemID: paracetamol, BranchID: branch, QuantityDelta: decimal.NewFromInt(-5), CreatedAt: base.Add(72 * time.Hour)},
	}

	cards, err := svc.StockCard(context.Background(), StockCardFilter{BranchID: branch, ItemID: paracetamol, From: base.Add(47 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, cards, 2)
	require.True(t, cards[0].QtyIn.Equal(decimal.NewFromInt(30)))
	require.True(t, cards[0].BalanceQty.Equal(decimal.NewFromInt(70)))
	require.True(t, cards[1].QtyOut.Equal(decimal.NewFromInt(5)))
	require.True(t, cards[1].BalanceQty.Equal(decimal.NewFromInt(65)))
}

func TestAppendBatchIsAllOrNothing(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	_, err := svc.AppendBatch(ctx, []Entry{
		{ItemID: paracetamol, BranchID: branch, QuantityDelta: decimal.NewFromInt(10), UnitCost: decimal.NewFromInt(300), SourceType: SourcePurchase, SourceDocument: "GRN-7"},
		{ItemID: amoxicillin, BranchID: branch, QuantityDelta: decimal.NewFromInt(10), SourceType: SourcePurchase, SourceDocument: "GRN-7"},
	})
	require.ErrorIs(t, err, ErrMissingBatch)
	require.Empty(t, repo.entries)

	stored, err := svc.AppendBatch(ctx, []Entry{
		{ItemID: paracetamol, BranchID: branch, QuantityDelta: decimal.NewFromInt(10), UnitCost: decimal.NewFromInt(300), SourceType: SourcePurchase, SourceDocument: "GRN-7"},
		{ItemID: amoxicillin, BranchID: branch, QuantityDelta: decimal.NewFromInt(10), BatchNumber: strPtr("B9"), ExpiryDate: datePtr(2028, 2, 1), UnitCost: decimal.NewFromInt(900), SourceType: SourcePurchase, SourceDocument: "GRN-7"},
	})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	require.Len(t, repo.entries, 2)

	cost, ok, err := svc.LastUnitCost(ctx, amoxicillin, branch, strPtr("B9"))
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, cost.Equal(decimal.NewFromInt(900)))

	_, ok, err = svc.LastUnitCost(ctx, amoxicillin, branch, strPtr("B0"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAppendBlockedWhenCountingStartsDuringValidation(t *testing.T) {
	repo := newMemoryRepo()
	items := newTestItems()
	items.lookup = func(int64) { repo.counting[branch] = 8 }
	svc := NewService(repo, items, nil)

	_, err := svc.Append(context.Background(), Entry{ItemID: paracetamol, BranchID: branch, QuantityDelta: decimal.NewFromInt(-3), SourceType: SourceSale, SourceDocument: "INV-12"})
	require.ErrorIs(t, err, posting.ErrBranchCounting)
	require.Empty(t, repo.entries)
	require.Empty(t, repo.keys)
}

func TestAppendFailedInsertReleasesKey(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	entry := Entry{ItemID: paracetamol, BranchID: branch, QuantityDelta: decimal.NewFromInt(-2), SourceType: SourceSale, SourceDocument: "INV-20"}

	repo.failNext = errors.New("connection reset")
	_, err := svc.Append(ctx, entry)
	require.Error(t, err)
	require.Empty(t, repo.keys)

	_, err = svc.Append(ctx, entry)
	require.NoError(t, err)
	require.Len(t, repo.entries, 1)
}

func TestAppendBatchAllowsSplitLinesOnOneDocument(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	lines := []Entry{
		{ItemID: amoxicillin, BranchID: branch, QuantityDelta: decimal.NewFromInt(-2), BatchNumber: strPtr("B1"), ExpiryDate: datePtr(2027, 1, 31), SourceType: SourceSale, SourceDocument: "INV-30"},
		{ItemID: amoxicillin, BranchID: branch, QuantityDelta: decimal.NewFromInt(-3), BatchNumber: strPtr("B1"), ExpiryDate: datePtr(2027, 1, 31), SourceType: SourceSale, SourceDocument: "INV-30"},
	}

	stored, err := svc.AppendBatch(ctx, lines)
	require.NoError(t, err)
	require.Len(t, stored, 2)

	qty, err := svc.QuantityOnHand(ctx, amoxicillin, branch, strPtr("B1"))
	require.NoError(t, err)
	require.True(t, qty.Equal(decimal.NewFromInt(-5)), "got %s", qty)

	_, err = svc.AppendBatch(ctx, lines)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.Len(t, repo.entries, 2)
}

func TestRepositoryWithTxRequiresPool(t *testing.T) {
	var repo *Repository
	err := repo.WithTx(context.Background(), func(context.Context, TxRepository) error { return nil })
	require.Error(t, err)
}
