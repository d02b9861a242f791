package fifo

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/governance"
)

type memoryRepo struct {
	mu           sync.Mutex
	lots         map[int64]*Lot
	order        []int64
	consumptions map[int64]*Consumption
	consOrder    []int64
	nextLotID    int64
	nextConsID   int64
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{lots: make(map[int64]*Lot), consumptions: make(map[int64]*Consumption)}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) ListLots(ctx context.Context, productID int64, scope governance.Scope) ([]Lot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return (&memoryTx{repo: r}).LockLots(ctx, productID, scope)
}

func (r *memoryRepo) ConsumptionsByRef(ctx context.Context, refKind, refID string) ([]Consumption, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return (&memoryTx{repo: r}).LockConsumptionsByRef(ctx, refKind, refID)
}

func (tx *memoryTx) LockLots(ctx context.Context, productID int64, scope governance.Scope) ([]Lot, error) {
	var out []Lot
	for _, id := range tx.repo.order {
		lot := tx.repo.lots[id]
		if lot.ProductID == productID && lot.Scope.TenantID == scope.TenantID && lot.Scope.WarehouseID == scope.WarehouseID {
			out = append(out, *lot)
		}
	}
	return out, nil
}

func (tx *memoryTx) InsertLot(ctx context.Context, lot Lot) (Lot, error) {
	tx.repo.nextLotID++
	lot.ID = tx.repo.nextLotID
	lot.CreatedAt = lot.ReceivedAt
	stored := lot
	tx.repo.lots[lot.ID] = &stored
	tx.repo.order = append(tx.repo.order, lot.ID)
	return lot, nil
}

func (tx *memoryTx) GetLotForUpdate(ctx context.Context, lotID int64) (Lot, error) {
	lot, ok := tx.repo.lots[lotID]
	if !ok {
		return Lot{}, ErrLotNotFound
	}
	return *lot, nil
}

func (tx *memoryTx) UpdateLotRemaining(ctx context.Context, lotID int64, remaining decimal.Decimal) error {
	lot, ok := tx.repo.lots[lotID]
	if !ok {
		return ErrLotNotFound
	}
	lot.RemainingQty = remaining
	return nil
}

func (tx *memoryTx) InsertConsumptions(ctx context.Context, rows []Consumption) error {
	for _, row := range rows {
		tx.repo.nextConsID++
		row.ID = tx.repo.nextConsID
		stored := row
		tx.repo.consumptions[row.ID] = &stored
		tx.repo.consOrder = append(tx.repo.consOrder, row.ID)
	}
	return nil
}

func (tx *memoryTx) LockConsumptionsByRef(ctx context.Context, refKind, refID string) ([]Consumption, error) {
	var out []Consumption
	for _, id := range tx.repo.consOrder {
		c := tx.repo.consumptions[id]
		if c.RefKind == refKind && c.RefID.String() == refID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (tx *memoryTx) UpdateConsumptionReversed(ctx context.Context, id int64, reversed decimal.Decimal) error {
	c, ok := tx.repo.consumptions[id]
	if !ok {
		return errors.New("consumption not found")
	}
	c.ReversedQty = reversed
	return nil
}

func testScope() governance.Scope {
	return governance.Scope{TenantID: 1, BranchID: 1, CostCenterID: 1, WarehouseID: 1}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestEngine(repo *memoryRepo, cfg Config) *Engine {
	engine := NewEngine(repo, nil, cfg)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	var step int64
	engine.WithNow(func() time.Time {
		return base.Add(time.Duration(atomic.AddInt64(&step, 1)) * time.Second)
	})
	return engine
}

func TestConsumeDrainsOldestFirst(t *testing.T) {
	repo := newMemoryRepo()
	engine := newTestEngine(repo, Config{})
	ctx := context.Background()

	l1, err := engine.Receive(ctx, ReceiveInput{ProductID: 1, Qty: dec("5"), UnitCost: dec("10"), SourceKind: "PURCHASE", SourceID: uuid.New(), Scope: testScope()})
	require.NoError(t, err)
	l2, err := engine.Receive(ctx, ReceiveInput{ProductID: 1, Qty: dec("10"), UnitCost: dec("12"), SourceKind: "PURCHASE", SourceID: uuid.New(), Scope: testScope()})
	require.NoError(t, err)

	res, err := engine.Consume(ctx, ConsumeInput{ProductID: 1, Qty: dec("8"), RefKind: "INVOICE", RefID: uuid.New(), Scope: testScope()})
	require.NoError(t, err)

	require.Len(t, res.Allocations, 2)
	require.Equal(t, l1.ID, res.Allocations[0].LotID)
	require.True(t, res.Allocations[0].Qty.Equal(dec("5")))
	require.True(t, res.Allocations[0].UnitCost.Equal(dec("10")))
	require.Equal(t, l2.ID, res.Allocations[1].LotID)
	require.True(t, res.Allocations[1].Qty.Equal(dec("3")))
	require.True(t, res.Allocations[1].UnitCost.Equal(dec("12")))
	require.True(t, res.TotalCost.Equal(dec("86")))

	lots, err := engine.Lots(ctx, 1, testScope())
	require.NoError(t, err)
	require.True(t, lots[0].RemainingQty.IsZero())
	require.True(t, lots[1].RemainingQty.Equal(dec("7")))
}

func TestConsumeLeavesRemainderOnOldest(t *testing.T) {
	repo := newMemoryRepo()
	engine := newTestEngine(repo, Config{})
	ctx := context.Background()

	_, err := engine.Receive(ctx, ReceiveInput{ProductID: 1, Qty: dec("10"), UnitCost: dec("4"), SourceKind: "OPENING", SourceID: uuid.New(), Scope: testScope()})
	require.NoError(t, err)

	res, err := engine.Consume(ctx, ConsumeInput{ProductID: 1, Qty: dec("4"), RefKind: "INVOICE", RefID: uuid.New(), Scope: testScope()})
	require.NoError(t, err)
	require.True(t, res.TotalCost.Equal(dec("16")))

	lots, err := engine.Lots(ctx, 1, testScope())
	require.NoError(t, err)
	require.True(t, lots[0].RemainingQty.Equal(dec("6")))
}

func TestConsumeInsufficientStock(t *testing.T) {
	repo := newMemoryRepo()
	engine := newTestEngine(repo, Config{})
	ctx := context.Background()

	_, err := engine.Receive(ctx, ReceiveInput{ProductID: 1, Qty: dec("3"), UnitCost: dec("10"), SourceKind: "PURCHASE", SourceID: uuid.New(), Scope: testScope()})
	require.NoError(t, err)

	_, err = engine.Consume(ctx, ConsumeInput{ProductID: 1, Qty: dec("5"), RefKind: "INVOICE", RefID: uuid.New(), Scope: testScope()})
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.True(t, insufficient.Available.Equal(dec("3")))
	require.True(t, insufficient.Requested.Equal(dec("5")))

	// Nothing was drained.
	lots, err := engine.Lots(ctx, 1, testScope())
	require.NoError(t, err)
	require.True(t, lots[0].RemainingQty.Equal(dec("3")))
}

func TestConsumeBackorderMode(t *testing.T) {
	repo := newMemoryRepo()
	engine := newTestEngine(repo, Config{AllowNegativeStock: true})
	ctx := context.Background()

	_, err := engine.Receive(ctx, ReceiveInput{ProductID: 1, Qty: dec("3"), UnitCost: dec("10"), SourceKind: "PURCHASE", SourceID: uuid.New(), Scope: testScope()})
	require.NoError(t, err)

	res, err := engine.Consume(ctx, ConsumeInput{ProductID: 1, Qty: dec("5"), RefKind: "INVOICE", RefID: uuid.New(), Scope: testScope()})
	require.NoError(t, err)
	require.True(t, res.Backordered.Equal(dec("2")))
	require.True(t, res.TotalCost.Equal(dec("50")))

	lots, err := engine.Lots(ctx, 1, testScope())
	require.NoError(t, err)
	require.True(t, lots[0].RemainingQty.Equal(dec("-2")))
}

func TestConsumeBackorderWithoutLotsStillFails(t *testing.T) {
	repo := newMemoryRepo()
	engine := newTestEngine(repo, Config{AllowNegativeStock: true})

	_, err := engine.Consume(context.Background(), ConsumeInput{ProductID: 1, Qty: dec("5"), RefKind: "INVOICE", RefID: uuid.New(), Scope: testScope()})
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
}

func TestRestockRestoresOriginalCost(t *testing.T) {
	repo := newMemoryRepo()
	engine := newTestEngine(repo, Config{})
	ctx := context.Background()

	_, err := engine.Receive(ctx, ReceiveInput{ProductID: 1, Qty: dec("5"), UnitCost: dec("10"), SourceKind: "PURCHASE", SourceID: uuid.New(), Scope: testScope()})
	require.NoError(t, err)
	l2, err := engine.Receive(ctx, ReceiveInput{ProductID: 1, Qty: dec("10"), UnitCost: dec("12"), SourceKind: "PURCHASE", SourceID: uuid.New(), Scope: testScope()})
	require.NoError(t, err)

	invoiceID := uuid.New()
	_, err = engine.Consume(ctx, ConsumeInput{ProductID: 1, Qty: dec("8"), RefKind: "INVOICE", RefID: invoiceID, Scope: testScope()})
	require.NoError(t, err)

	// A newer, pricier receipt must not change the reversal cost basis.
	_, err = engine.Receive(ctx, ReceiveInput{ProductID: 1, Qty: dec("10"), UnitCost: dec("15"), SourceKind: "PURCHASE", SourceID: uuid.New(), Scope: testScope()})
	require.NoError(t, err)

	res, err := engine.Restock(ctx, RestockInput{ProductID: 1, Qty: dec("2"), RefKind: "INVOICE", RefID: invoiceID, Scope: testScope()})
	require.NoError(t, err)
	require.True(t, res.TotalCost.Equal(dec("24")), "expected reversal at original 12/unit, got %s", res.TotalCost)
	require.Nil(t, res.NewLot)

	lots, err := engine.Lots(ctx, 1, testScope())
	require.NoError(t, err)
	for _, lot := range lots {
		if lot.ID == l2.ID {
			require.True(t, lot.RemainingQty.Equal(dec("9")))
		}
		require.True(t, lot.RemainingQty.LessThanOrEqual(lot.OriginalQty))
	}
}

func TestRestockNeverExceedsConsumed(t *testing.T) {
	repo := newMemoryRepo()
	engine := newTestEngine(repo, Config{})
	ctx := context.Background()

	_, err := engine.Receive(ctx, ReceiveInput{ProductID: 1, Qty: dec("5"), UnitCost: dec("10"), SourceKind: "PURCHASE", SourceID: uuid.New(), Scope: testScope()})
	require.NoError(t, err)
	invoiceID := uuid.New()
	_, err = engine.Consume(ctx, ConsumeInput{ProductID: 1, Qty: dec("3"), RefKind: "INVOICE", RefID: invoiceID, Scope: testScope()})
	require.NoError(t, err)

	_, err = engine.Restock(ctx, RestockInput{ProductID: 1, Qty: dec("3"), RefKind: "INVOICE", RefID: invoiceID, Scope: testScope()})
	require.NoError(t, err)

	_, err = engine.Restock(ctx, RestockInput{ProductID: 1, Qty: dec("1"), RefKind: "INVOICE", RefID: invoiceID, Scope: testScope()})
	require.ErrorIs(t, err, ErrNothingToRestock)
}

func TestRestockWithoutOriginCutsNewLot(t *testing.T) {
	repo := newMemoryRepo()
	engine := newTestEngine(repo, Config{})
	ctx := context.Background()

	res, err := engine.Restock(ctx, RestockInput{ProductID: 1, Qty: dec("4"), UnitCost: dec("11"), RefKind: "ADJUSTMENT", RefID: uuid.New(), Scope: testScope()})
	require.NoError(t, err)
	require.NotNil(t, res.NewLot)
	require.True(t, res.NewLot.RemainingQty.Equal(dec("4")))
	require.True(t, res.TotalCost.Equal(dec("44")))
}

func TestConsumeRequiresCompleteScope(t *testing.T) {
	engine := newTestEngine(newMemoryRepo(), Config{})
	_, err := engine.Consume(context.Background(), ConsumeInput{ProductID: 1, Qty: dec("1"), RefKind: "INVOICE", RefID: uuid.New(), Scope: governance.Scope{TenantID: 1}})
	var scopeErr *governance.ScopeError
	require.ErrorAs(t, err, &scopeErr)
}

func TestConcurrentConsumeNeverOverAllocates(t *testing.T) {
	repo := newMemoryRepo()
	engine := newTestEngine(repo, Config{})
	ctx := context.Background()

	_, err := engine.Receive(ctx, ReceiveInput{ProductID: 1, Qty: dec("10"), UnitCost: dec("10"), SourceKind: "PURCHASE", SourceID: uuid.New(), Scope: testScope()})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var okCount int64
	var mu sync.Mutex
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Consume(ctx, ConsumeInput{ProductID: 1, Qty: dec("3"), RefKind: "INVOICE", RefID: uuid.New(), Scope: testScope()})
			if err == nil {
				mu.Lock()
				okCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 3, okCount, "only three 3-unit consumes fit in 10 units")
	lots, err := engine.Lots(ctx, 1, testScope())
	require.NoError(t, err)
	require.True(t, lots[0].RemainingQty.Equal(dec("1")))
}
