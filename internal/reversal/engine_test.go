package reversal

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/fifo"
	"github.com/meridian-erp/meridian-erp/internal/governance"
	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

type fakeLedger struct {
	entries   map[int64]ledger.JournalEntry
	bySource  map[string]int64
	accounts  map[ledger.AccountSubType]ledger.Account
	posted    []ledger.PostingInput
	reversals []decimal.Decimal
	nextID    int64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		entries:  make(map[int64]ledger.JournalEntry),
		bySource: make(map[string]int64),
		accounts: make(map[ledger.AccountSubType]ledger.Account),
		nextID:   100,
	}
}

func (f *fakeLedger) addAccount(id int64, subType ledger.AccountSubType) {
	f.accounts[subType] = ledger.Account{ID: id, TenantID: 1, SubType: subType}
}

func (f *fakeLedger) addEntry(entry ledger.JournalEntry) {
	f.entries[entry.ID] = entry
	f.bySource[string(entry.RefKind)+":"+entry.RefID.String()] = entry.ID
}

func (f *fakeLedger) EntryWithLines(ctx context.Context, entryID int64) (ledger.JournalEntry, error) {
	entry, ok := f.entries[entryID]
	if !ok {
		return ledger.JournalEntry{}, ledger.ErrEntryNotFound
	}
	return entry, nil
}

func (f *fakeLedger) EntryBySource(ctx context.Context, kind ledger.ReferenceKind, refID string) (ledger.JournalEntry, error) {
	id, ok := f.bySource[string(kind)+":"+refID]
	if !ok {
		return ledger.JournalEntry{}, ledger.ErrEntryNotFound
	}
	return f.entries[id], nil
}

func (f *fakeLedger) AccountBySubType(ctx context.Context, tenantID int64, subType ledger.AccountSubType) (ledger.Account, error) {
	acc, ok := f.accounts[subType]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return acc, nil
}

func (f *fakeLedger) PostEntry(ctx context.Context, actor *shared.Actor, in ledger.PostingInput) (ledger.PostResult, error) {
	f.posted = append(f.posted, in)
	var debit, credit decimal.Decimal
	lines := make([]ledger.JournalLine, 0, len(in.Lines))
	for _, li := range in.Lines {
		debit = debit.Add(li.Debit)
		credit = credit.Add(li.Credit)
		lines = append(lines, ledger.JournalLine{AccountID: li.AccountID, Debit: li.Debit, Credit: li.Credit, Description: li.Description})
	}
	if !ledger.Balanced(debit, credit) {
		return ledger.PostResult{}, ledger.ErrUnbalanced
	}
	f.nextID++
	entry := ledger.JournalEntry{
		ID:      f.nextID,
		Date:    in.Date,
		RefKind: in.RefKind,
		RefID:   in.RefID,
		Status:  ledger.StatusPosted,
		Lines:   lines,
	}
	f.entries[entry.ID] = entry
	f.bySource[string(in.RefKind)+":"+in.RefID.String()] = entry.ID
	return ledger.PostResult{Entry: entry}, nil
}

func (f *fakeLedger) RecordReversal(ctx context.Context, entryID int64, portion decimal.Decimal) (ledger.JournalEntry, error) {
	entry, ok := f.entries[entryID]
	if !ok {
		return ledger.JournalEntry{}, ledger.ErrEntryNotFound
	}
	f.reversals = append(f.reversals, portion)
	entry.ReversedAmount = entry.ReversedAmount.Add(portion)
	if entry.TotalDebit().Sub(entry.ReversedAmount).Abs().LessThanOrEqual(ledger.Epsilon) {
		entry.Status = ledger.StatusReversed
	}
	f.entries[entryID] = entry
	return entry, nil
}

type fakeStock struct {
	consumptions []fifo.Consumption
	restockCost  decimal.Decimal
	restocked    []fifo.RestockInput
}

func (f *fakeStock) Restock(ctx context.Context, in fifo.RestockInput) (fifo.RestockResult, error) {
	f.restocked = append(f.restocked, in)
	return fifo.RestockResult{TotalCost: f.restockCost}, nil
}

func (f *fakeStock) ConsumptionsForRef(ctx context.Context, refKind, refID string) ([]fifo.Consumption, error) {
	return f.consumptions, nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr(v int64) *int64 { return &v }

func testActor() *shared.Actor {
	return &shared.Actor{
		ID:           42,
		TenantID:     1,
		Role:         governance.RoleAccountant,
		BranchID:     ptr(1),
		CostCenterID: ptr(1),
		WarehouseID:  ptr(1),
	}
}

func testScope() governance.Scope {
	return governance.Scope{TenantID: 1, BranchID: 1, CostCenterID: 1, WarehouseID: 1}
}

func saleEntry(id int64, invoiceID uuid.UUID) ledger.JournalEntry {
	return ledger.JournalEntry{
		ID:      id,
		Scope:   testScope(),
		RefKind: ledger.RefInvoice,
		RefID:   invoiceID,
		Status:  ledger.StatusPosted,
		Lines: []ledger.JournalLine{
			{AccountID: 10, Debit: dec("200")},
			{AccountID: 40, Credit: dec("200")},
			{AccountID: 50, Debit: dec("36")},
			{AccountID: 12, Credit: dec("36")},
		},
	}
}

func newTestEngine(lp *fakeLedger, sp *fakeStock) *Engine {
	engine := NewEngine(lp, sp, governance.NewResolver(nil, nil))
	engine.WithNow(func() time.Time { return time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC) })
	return engine
}

func TestReverseEntryFullInvertsAllLines(t *testing.T) {
	lp := newFakeLedger()
	sp := &fakeStock{}
	invoiceID := uuid.New()
	lp.addEntry(saleEntry(1, invoiceID))
	engine := newTestEngine(lp, sp)

	entry, err := engine.ReverseEntry(context.Background(), testActor(), 1, decimal.Zero)
	require.NoError(t, err)
	require.Len(t, entry.Lines, 4)

	byAccount := map[int64]ledger.JournalLine{}
	for _, line := range entry.Lines {
		byAccount[line.AccountID] = line
	}
	require.True(t, byAccount[10].Credit.Equal(dec("200")))
	require.True(t, byAccount[40].Debit.Equal(dec("200")))
	require.True(t, byAccount[50].Credit.Equal(dec("36")))
	require.True(t, byAccount[12].Debit.Equal(dec("36")))

	orig := lp.entries[1]
	require.Equal(t, ledger.StatusReversed, orig.Status)
}

func TestReverseEntryPartialScalesProportionally(t *testing.T) {
	lp := newFakeLedger()
	lp.addEntry(saleEntry(1, uuid.New()))
	engine := newTestEngine(lp, &fakeStock{})

	entry, err := engine.ReverseEntry(context.Background(), testActor(), 1, dec("118"))
	require.NoError(t, err)

	byAccount := map[int64]ledger.JournalLine{}
	for _, line := range entry.Lines {
		byAccount[line.AccountID] = line
	}
	// 118 of 236 is exactly half.
	require.True(t, byAccount[10].Credit.Equal(dec("100")))
	require.True(t, byAccount[40].Debit.Equal(dec("100")))
	require.True(t, byAccount[50].Credit.Equal(dec("18")))
	require.True(t, byAccount[12].Debit.Equal(dec("18")))

	orig := lp.entries[1]
	require.Equal(t, ledger.StatusPosted, orig.Status)
	require.True(t, orig.ReversedAmount.Equal(dec("118")))
}

func TestReverseEntryInverseBalancesDespiteRounding(t *testing.T) {
	lp := newFakeLedger()
	lp.addEntry(ledger.JournalEntry{
		ID:      1,
		Scope:   testScope(),
		RefKind: ledger.RefInvoice,
		RefID:   uuid.New(),
		Status:  ledger.StatusPosted,
		Lines: []ledger.JournalLine{
			{AccountID: 10, Debit: dec("100.01")},
			{AccountID: 40, Credit: dec("33.34")},
			{AccountID: 41, Credit: dec("33.34")},
			{AccountID: 42, Credit: dec("33.33")},
		},
	})
	engine := newTestEngine(lp, &fakeStock{})

	entry, err := engine.ReverseEntry(context.Background(), testActor(), 1, dec("33.33"))
	require.NoError(t, err)

	var debit, credit decimal.Decimal
	for _, line := range entry.Lines {
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	require.True(t, debit.Equal(credit), "reversal must balance exactly, got %s vs %s", debit, credit)
}

func TestReverseEntryRestocksOnFullReversal(t *testing.T) {
	lp := newFakeLedger()
	sp := &fakeStock{
		consumptions: []fifo.Consumption{
			{ProductID: 7, LotID: 2, Qty: dec("3"), ReversedQty: dec("1"), UnitCost: dec("12")},
		},
	}
	invoiceID := uuid.New()
	lp.addEntry(saleEntry(1, invoiceID))
	engine := newTestEngine(lp, sp)

	_, err := engine.ReverseEntry(context.Background(), testActor(), 1, decimal.Zero)
	require.NoError(t, err)
	require.Len(t, sp.restocked, 1)
	require.True(t, sp.restocked[0].Qty.Equal(dec("2")), "only unreversed quantity returns")
	require.Equal(t, int64(7), sp.restocked[0].ProductID)
}

func TestReverseEntrySkipsRestockOnPartial(t *testing.T) {
	lp := newFakeLedger()
	sp := &fakeStock{
		consumptions: []fifo.Consumption{{ProductID: 7, LotID: 2, Qty: dec("3"), UnitCost: dec("12")}},
	}
	lp.addEntry(saleEntry(1, uuid.New()))
	engine := newTestEngine(lp, sp)

	_, err := engine.ReverseEntry(context.Background(), testActor(), 1, dec("118"))
	require.NoError(t, err)
	require.Empty(t, sp.restocked)
}

func TestReverseEntryExceedsOutstanding(t *testing.T) {
	lp := newFakeLedger()
	lp.addEntry(saleEntry(1, uuid.New()))
	engine := newTestEngine(lp, &fakeStock{})

	_, err := engine.ReverseEntry(context.Background(), testActor(), 1, dec("300"))
	require.ErrorIs(t, err, ledger.ErrReversalExceedsOriginal)
}

func TestReverseEntryAlreadyReversed(t *testing.T) {
	lp := newFakeLedger()
	entry := saleEntry(1, uuid.New())
	entry.Status = ledger.StatusReversed
	lp.addEntry(entry)
	engine := newTestEngine(lp, &fakeStock{})

	_, err := engine.ReverseEntry(context.Background(), testActor(), 1, decimal.Zero)
	require.ErrorIs(t, err, ledger.ErrInvalidStatus)
}

func TestReverseEntryUnauthorized(t *testing.T) {
	lp := newFakeLedger()
	lp.addEntry(saleEntry(1, uuid.New()))
	engine := newTestEngine(lp, &fakeStock{})

	actor := testActor()
	actor.Role = governance.RoleStorekeep

	_, err := engine.ReverseEntry(context.Background(), actor, 1, decimal.Zero)
	var capErr *governance.CapabilityError
	require.ErrorAs(t, err, &capErr)
}

func TestReverseForReturnRestoresOriginalCost(t *testing.T) {
	lp := newFakeLedger()
	lp.addAccount(10, ledger.SubTypeAccountsReceivable)
	lp.addAccount(12, ledger.SubTypeInventory)
	lp.addAccount(40, ledger.SubTypeSalesRevenue)
	lp.addAccount(50, ledger.SubTypeCOGS)
	// Units went out of a $12 lot even though newer stock costs $15; the
	// return must come back at $12.
	sp := &fakeStock{restockCost: dec("24")}
	invoiceID := uuid.New()
	lp.addEntry(saleEntry(1, invoiceID))
	engine := newTestEngine(lp, sp)

	entry, err := engine.ReverseForReturn(context.Background(), testActor(), ReturnInput{
		InvoiceID:    invoiceID,
		Description:  "customer returned 2 units",
		Lines:        []ReturnLine{{ProductID: 7, Qty: dec("2")}},
		RefundAmount: dec("50"),
	})
	require.NoError(t, err)
	require.Equal(t, ledger.RefReturn, entry.RefKind)
	require.Len(t, sp.restocked, 1)
	require.True(t, sp.restocked[0].Qty.Equal(dec("2")))

	byAccount := map[int64]ledger.JournalLine{}
	for _, line := range entry.Lines {
		byAccount[line.AccountID] = line
	}
	require.True(t, byAccount[40].Debit.Equal(dec("50")))
	require.True(t, byAccount[10].Credit.Equal(dec("50")))
	require.True(t, byAccount[12].Debit.Equal(dec("24")))
	require.True(t, byAccount[50].Credit.Equal(dec("24")))

	orig := lp.entries[1]
	require.True(t, orig.ReversedAmount.Equal(dec("74")))
}

func TestReverseForReturnAcceptsMultipleLines(t *testing.T) {
	lp := newFakeLedger()
	lp.addAccount(10, ledger.SubTypeAccountsReceivable)
	lp.addAccount(12, ledger.SubTypeInventory)
	lp.addAccount(40, ledger.SubTypeSalesRevenue)
	lp.addAccount(50, ledger.SubTypeCOGS)
	sp := &fakeStock{restockCost: dec("24")}
	invoiceID := uuid.New()
	lp.addEntry(saleEntry(1, invoiceID))
	engine := newTestEngine(lp, sp)

	entry, err := engine.ReverseForReturn(context.Background(), testActor(), ReturnInput{
		InvoiceID:   invoiceID,
		Description: "two products returned",
		Lines: []ReturnLine{
			{ProductID: 7, Qty: dec("2")},
			{ProductID: 8, Qty: dec("1")},
		},
		RefundAmount: dec("50"),
	})
	require.NoError(t, err)
	require.Len(t, sp.restocked, 2)
	require.Equal(t, int64(7), sp.restocked[0].ProductID)
	require.Equal(t, int64(8), sp.restocked[1].ProductID)

	byAccount := map[int64]ledger.JournalLine{}
	for _, line := range entry.Lines {
		byAccount[line.AccountID] = line
	}
	// Each line restores 24, so the cost reversal carries the sum.
	require.True(t, byAccount[12].Debit.Equal(dec("48")))
	require.True(t, byAccount[50].Credit.Equal(dec("48")))
}

func TestReverseForReturnRejectsEmptyAndNonPositiveLines(t *testing.T) {
	lp := newFakeLedger()
	lp.addEntry(saleEntry(1, uuid.New()))
	engine := newTestEngine(lp, &fakeStock{})

	_, err := engine.ReverseForReturn(context.Background(), testActor(), ReturnInput{
		InvoiceID:    uuid.New(),
		RefundAmount: dec("10"),
	})
	require.ErrorIs(t, err, ErrInvalidPortion)

	_, err = engine.ReverseForReturn(context.Background(), testActor(), ReturnInput{
		InvoiceID:    uuid.New(),
		Lines:        []ReturnLine{{ProductID: 7, Qty: dec("0")}},
		RefundAmount: dec("10"),
	})
	require.ErrorIs(t, err, ErrInvalidPortion)
}

func TestReverseForReturnReplayDoesNotRestockTwice(t *testing.T) {
	lp := newFakeLedger()
	lp.addAccount(10, ledger.SubTypeAccountsReceivable)
	lp.addAccount(12, ledger.SubTypeInventory)
	lp.addAccount(40, ledger.SubTypeSalesRevenue)
	lp.addAccount(50, ledger.SubTypeCOGS)
	sp := &fakeStock{restockCost: dec("24")}
	invoiceID := uuid.New()
	lp.addEntry(saleEntry(1, invoiceID))
	engine := newTestEngine(lp, sp)

	in := ReturnInput{
		ReturnID:     uuid.New(),
		InvoiceID:    invoiceID,
		Description:  "customer returned 2 units",
		Lines:        []ReturnLine{{ProductID: 7, Qty: dec("2")}},
		RefundAmount: dec("50"),
	}
	_, err := engine.ReverseForReturn(context.Background(), testActor(), in)
	require.NoError(t, err)

	_, err = engine.ReverseForReturn(context.Background(), testActor(), in)
	require.ErrorIs(t, err, ledger.ErrSourceAlreadyLinked)
	require.Len(t, sp.restocked, 1, "a replayed return must not restore lots again")
}

func TestReverseForWriteOffClearsReceivable(t *testing.T) {
	lp := newFakeLedger()
	lp.addAccount(10, ledger.SubTypeAccountsReceivable)
	lp.addAccount(70, ledger.SubTypeWriteOffExpense)
	invoiceID := uuid.New()
	lp.addEntry(saleEntry(1, invoiceID))
	engine := newTestEngine(lp, &fakeStock{})

	entry, err := engine.ReverseForWriteOff(context.Background(), testActor(), WriteOffInput{
		InvoiceID:   invoiceID,
		Description: "uncollectible",
		Amount:      dec("30"),
	})
	require.NoError(t, err)
	require.Equal(t, ledger.RefWriteOff, entry.RefKind)

	byAccount := map[int64]ledger.JournalLine{}
	for _, line := range entry.Lines {
		byAccount[line.AccountID] = line
	}
	require.True(t, byAccount[70].Debit.Equal(dec("30")))
	require.True(t, byAccount[10].Credit.Equal(dec("30")))
}
