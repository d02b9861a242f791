package reversal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/fifo"
	"github.com/meridian-erp/meridian-erp/internal/governance"
	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// LedgerPort is the journal as seen by the reversal engine. Implemented by
// the ledger service.
type LedgerPort interface {
	EntryWithLines(ctx context.Context, entryID int64) (ledger.JournalEntry, error)
	EntryBySource(ctx context.Context, kind ledger.ReferenceKind, refID string) (ledger.JournalEntry, error)
	AccountBySubType(ctx context.Context, tenantID int64, subType ledger.AccountSubType) (ledger.Account, error)
	PostEntry(ctx context.Context, actor *shared.Actor, in ledger.PostingInput) (ledger.PostResult, error)
	RecordReversal(ctx context.Context, entryID int64, portion decimal.Decimal) (ledger.JournalEntry, error)
}

// StockPort restores consumed inventory at its recorded cost basis.
type StockPort interface {
	Restock(ctx context.Context, in fifo.RestockInput) (fifo.RestockResult, error)
	ConsumptionsForRef(ctx context.Context, refKind, refID string) ([]fifo.Consumption, error)
}

// MetricsPort counts generated reversals.
type MetricsPort interface {
	RecordReversal()
}

// Engine generates offsetting entries for posted journals. Monetary lines
// invert proportionally; inventory cost restores from the original lot
// consumptions, never at current replacement cost.
type Engine struct {
	ledger   LedgerPort
	stock    StockPort
	resolver *governance.Resolver
	metrics  MetricsPort
	now      func() time.Time
}

// NewEngine constructs the reversal engine.
func NewEngine(ledgerPort LedgerPort, stock StockPort, resolver *governance.Resolver) *Engine {
	return &Engine{ledger: ledgerPort, stock: stock, resolver: resolver, now: time.Now}
}

// SetMetrics injects the metrics sink.
func (e *Engine) SetMetrics(metrics MetricsPort) {
	e.metrics = metrics
}

func (e *Engine) recordMetric() {
	if e.metrics != nil {
		e.metrics.RecordReversal()
	}
}

// WithNow overrides the clock for testing.
func (e *Engine) WithNow(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// ReverseEntry posts a proportional offsetting entry against an existing
// one. A zero portion reverses everything still outstanding. When the full
// outstanding amount reverses and the original consumed inventory, the
// consumed lots restore as well.
func (e *Engine) ReverseEntry(ctx context.Context, actor *shared.Actor, entryID int64, portion decimal.Decimal) (ledger.JournalEntry, error) {
	if err := e.resolver.Authorize(actor, governance.CapReverseEntry); err != nil {
		return ledger.JournalEntry{}, err
	}
	orig, err := e.ledger.EntryWithLines(ctx, entryID)
	if err != nil {
		return ledger.JournalEntry{}, err
	}
	if orig.Status != ledger.StatusPosted {
		return ledger.JournalEntry{}, ledger.ErrInvalidStatus
	}
	total := orig.TotalDebit()
	outstanding := total.Sub(orig.ReversedAmount)
	if outstanding.Sign() <= 0 {
		return ledger.JournalEntry{}, ErrNothingToReverse
	}
	if portion.Sign() == 0 {
		portion = outstanding
	}
	if portion.Sign() < 0 {
		return ledger.JournalEntry{}, ErrInvalidPortion
	}
	if portion.Sub(outstanding).GreaterThan(ledger.Epsilon) {
		return ledger.JournalEntry{}, ledger.ErrReversalExceedsOriginal
	}

	fraction := portion.DivRound(total, 12)
	lines := invertLines(orig.Lines, fraction)

	full := outstanding.Sub(portion).Abs().LessThanOrEqual(ledger.Epsilon)
	if full && e.stock != nil {
		if err := e.restockAll(ctx, actor, orig); err != nil {
			return ledger.JournalEntry{}, err
		}
	}

	res, err := e.ledger.PostEntry(ctx, actor, ledger.PostingInput{
		Date:        e.now().UTC(),
		Description: fmt.Sprintf("reversal of entry %d: %s", orig.ID, orig.Description),
		RefKind:     ledger.RefAdjustment,
		RefID:       uuid.New(),
		Override:    overrideFromScope(orig.Scope),
		Lines:       lines,
	})
	if err != nil {
		return ledger.JournalEntry{}, err
	}
	if _, err := e.ledger.RecordReversal(ctx, orig.ID, portion); err != nil {
		return ledger.JournalEntry{}, err
	}
	e.recordMetric()
	return res.Entry, nil
}

// restockAll restores every still-reversible consumption behind the
// original document.
func (e *Engine) restockAll(ctx context.Context, actor *shared.Actor, orig ledger.JournalEntry) error {
	rows, err := e.stock.ConsumptionsForRef(ctx, string(orig.RefKind), orig.RefID.String())
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	byProduct := make(map[int64]decimal.Decimal)
	for _, row := range rows {
		byProduct[row.ProductID] = byProduct[row.ProductID].Add(row.Qty.Sub(row.ReversedQty))
	}
	for productID, qty := range byProduct {
		if qty.Sign() <= 0 {
			continue
		}
		if _, err := e.stock.Restock(ctx, fifo.RestockInput{
			ProductID: productID,
			Qty:       qty,
			RefKind:   string(orig.RefKind),
			RefID:     orig.RefID,
			Scope:     orig.Scope,
			ActorID:   actor.ID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// ReverseForReturn handles a goods return against a posted sale. The
// refund reverses receivable and revenue; the returned quantity restores
// the exact lots it was drained from, and COGS reverses at that restored
// cost rather than at any current price.
func (e *Engine) ReverseForReturn(ctx context.Context, actor *shared.Actor, in ReturnInput) (ledger.JournalEntry, error) {
	if err := e.resolver.Authorize(actor, governance.CapReverseEntry); err != nil {
		return ledger.JournalEntry{}, err
	}
	if len(in.Lines) == 0 || in.RefundAmount.Sign() < 0 {
		return ledger.JournalEntry{}, ErrInvalidPortion
	}
	for _, line := range in.Lines {
		if line.Qty.Sign() <= 0 {
			return ledger.JournalEntry{}, ErrInvalidPortion
		}
	}
	orig, err := e.ledger.EntryBySource(ctx, ledger.RefInvoice, in.InvoiceID.String())
	if err != nil {
		return ledger.JournalEntry{}, err
	}
	if orig.Status != ledger.StatusPosted {
		return ledger.JournalEntry{}, ledger.ErrInvalidStatus
	}

	returnID := in.ReturnID
	if returnID == uuid.Nil {
		returnID = uuid.New()
	}
	// A return that already posted must not restore its lots twice.
	if _, err := e.ledger.EntryBySource(ctx, ledger.RefReturn, returnID.String()); err == nil {
		return ledger.JournalEntry{}, fmt.Errorf("%w: %s %s", ledger.ErrSourceAlreadyLinked, ledger.RefReturn, returnID)
	} else if !errors.Is(err, ledger.ErrEntryNotFound) {
		return ledger.JournalEntry{}, err
	}

	var restoredCost decimal.Decimal
	for _, line := range in.Lines {
		restock, err := e.stock.Restock(ctx, fifo.RestockInput{
			ProductID: line.ProductID,
			Qty:       line.Qty,
			RefKind:   string(ledger.RefInvoice),
			RefID:     in.InvoiceID,
			Scope:     orig.Scope,
			ActorID:   actor.ID,
		})
		if err != nil {
			return ledger.JournalEntry{}, err
		}
		restoredCost = restoredCost.Add(restock.TotalCost)
	}

	accounts, err := e.accounts(ctx, actor.TenantID,
		ledger.SubTypeAccountsReceivable, ledger.SubTypeSalesRevenue,
		ledger.SubTypeCOGS, ledger.SubTypeInventory)
	if err != nil {
		return ledger.JournalEntry{}, err
	}
	lines := []ledger.LineInput{
		{AccountID: accounts[ledger.SubTypeSalesRevenue], Debit: in.RefundAmount, Description: in.Description},
		{AccountID: accounts[ledger.SubTypeAccountsReceivable], Credit: in.RefundAmount, Description: in.Description},
	}
	if restoredCost.Sign() > 0 {
		lines = append(lines,
			ledger.LineInput{AccountID: accounts[ledger.SubTypeInventory], Debit: restoredCost, Description: "inventory restored"},
			ledger.LineInput{AccountID: accounts[ledger.SubTypeCOGS], Credit: restoredCost, Description: "cost of goods reversed"},
		)
	}

	date := in.Date
	if date.IsZero() {
		date = e.now().UTC()
	}
	res, err := e.ledger.PostEntry(ctx, actor, ledger.PostingInput{
		Date:        date,
		Description: in.Description,
		RefKind:     ledger.RefReturn,
		RefID:       returnID,
		Override:    overrideFromScope(orig.Scope),
		Lines:       lines,
	})
	if err != nil {
		return ledger.JournalEntry{}, err
	}
	if _, err := e.ledger.RecordReversal(ctx, orig.ID, in.RefundAmount.Add(restoredCost)); err != nil {
		return ledger.JournalEntry{}, err
	}
	e.recordMetric()
	return res.Entry, nil
}

// ReverseForWriteOff expenses an uncollectible receivable. No inventory
// moves; the receivable clears against write-off expense.
func (e *Engine) ReverseForWriteOff(ctx context.Context, actor *shared.Actor, in WriteOffInput) (ledger.JournalEntry, error) {
	if err := e.resolver.Authorize(actor, governance.CapReverseEntry); err != nil {
		return ledger.JournalEntry{}, err
	}
	if in.Amount.Sign() <= 0 {
		return ledger.JournalEntry{}, ErrInvalidPortion
	}
	orig, err := e.ledger.EntryBySource(ctx, ledger.RefInvoice, in.InvoiceID.String())
	if err != nil {
		return ledger.JournalEntry{}, err
	}
	if orig.Status != ledger.StatusPosted {
		return ledger.JournalEntry{}, ledger.ErrInvalidStatus
	}
	accounts, err := e.accounts(ctx, actor.TenantID,
		ledger.SubTypeWriteOffExpense, ledger.SubTypeAccountsReceivable)
	if err != nil {
		return ledger.JournalEntry{}, err
	}

	date := in.Date
	if date.IsZero() {
		date = e.now().UTC()
	}
	writeOffID := in.WriteOffID
	if writeOffID == uuid.Nil {
		writeOffID = uuid.New()
	}
	res, err := e.ledger.PostEntry(ctx, actor, ledger.PostingInput{
		Date:        date,
		Description: in.Description,
		RefKind:     ledger.RefWriteOff,
		RefID:       writeOffID,
		Override:    overrideFromScope(orig.Scope),
		Lines: []ledger.LineInput{
			{AccountID: accounts[ledger.SubTypeWriteOffExpense], Debit: in.Amount, Description: in.Description},
			{AccountID: accounts[ledger.SubTypeAccountsReceivable], Credit: in.Amount, Description: in.Description},
		},
	})
	if err != nil {
		return ledger.JournalEntry{}, err
	}
	if _, err := e.ledger.RecordReversal(ctx, orig.ID, in.Amount); err != nil {
		return ledger.JournalEntry{}, err
	}
	e.recordMetric()
	return res.Entry, nil
}

func (e *Engine) accounts(ctx context.Context, tenantID int64, subTypes ...ledger.AccountSubType) (map[ledger.AccountSubType]int64, error) {
	out := make(map[ledger.AccountSubType]int64, len(subTypes))
	for _, st := range subTypes {
		acc, err := e.ledger.AccountBySubType(ctx, tenantID, st)
		if err != nil {
			return nil, fmt.Errorf("resolving %s account: %w", st, err)
		}
		out[st] = acc.ID
	}
	return out, nil
}

// invertLines swaps debit and credit scaled by fraction, then nudges the
// largest line so rounding never unbalances the result.
func invertLines(orig []ledger.JournalLine, fraction decimal.Decimal) []ledger.LineInput {
	lines := make([]ledger.LineInput, 0, len(orig))
	var debit, credit decimal.Decimal
	maxDebitIdx, maxCreditIdx := -1, -1
	for _, line := range orig {
		inv := ledger.LineInput{
			AccountID:   line.AccountID,
			Debit:       line.Credit.Mul(fraction).RoundBank(2),
			Credit:      line.Debit.Mul(fraction).RoundBank(2),
			Description: line.Description,
		}
		idx := len(lines)
		if inv.Debit.Sign() > 0 && (maxDebitIdx < 0 || inv.Debit.GreaterThan(lines[maxDebitIdx].Debit)) {
			maxDebitIdx = idx
		}
		if inv.Credit.Sign() > 0 && (maxCreditIdx < 0 || inv.Credit.GreaterThan(lines[maxCreditIdx].Credit)) {
			maxCreditIdx = idx
		}
		debit = debit.Add(inv.Debit)
		credit = credit.Add(inv.Credit)
		lines = append(lines, inv)
	}
	diff := debit.Sub(credit)
	switch {
	case diff.Sign() > 0 && maxCreditIdx >= 0:
		lines[maxCreditIdx].Credit = lines[maxCreditIdx].Credit.Add(diff)
	case diff.Sign() < 0 && maxDebitIdx >= 0:
		lines[maxDebitIdx].Debit = lines[maxDebitIdx].Debit.Sub(diff)
	}
	return lines
}

func overrideFromScope(scope governance.Scope) governance.Override {
	return governance.Override{
		BranchID:     &scope.BranchID,
		CostCenterID: &scope.CostCenterID,
		WarehouseID:  &scope.WarehouseID,
	}
}
