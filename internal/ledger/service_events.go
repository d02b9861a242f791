package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/fifo"
	"github.com/meridian-erp/meridian-erp/internal/governance"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// CostPort is the inventory costing engine as seen by the ledger.
type CostPort interface {
	Consume(ctx context.Context, in fifo.ConsumeInput) (fifo.ConsumeResult, error)
	Receive(ctx context.Context, in fifo.ReceiveInput) (fifo.Lot, error)
}

// SetCostEngine injects the inventory costing engine.
func (s *Service) SetCostEngine(costs CostPort) {
	s.costs = costs
}

// SaleInput describes a goods sale to be posted as revenue plus COGS.
type SaleInput struct {
	Date           time.Time
	InvoiceID      uuid.UUID
	Description    string
	ProductID      int64
	Qty            decimal.Decimal
	SaleAmount     decimal.Decimal
	Currency       string
	Override       governance.Override
	IdempotencyKey string
}

// SaleResult carries the posted entry and the cost allocations behind its
// COGS line. Backordered is the quantity that could not be covered by
// on-hand stock when negative stock is allowed.
type SaleResult struct {
	Entry       JournalEntry
	Cost        fifo.ConsumeResult
	Warnings    []string
	Backordered decimal.Decimal
}

// PostSale consumes inventory at FIFO cost and posts a four-line entry:
// receivable and revenue at the sale amount, COGS and inventory at the
// consumed cost.
func (s *Service) PostSale(ctx context.Context, actor *shared.Actor, in SaleInput) (SaleResult, error) {
	if s.costs == nil {
		return SaleResult{}, fmt.Errorf("ledger: cost engine not configured")
	}
	if in.SaleAmount.Sign() <= 0 {
		return SaleResult{}, fmt.Errorf("%w: sale amount must be positive", ErrValidation)
	}
	scope, err := s.resolver.Resolve(ctx, actor, in.Override)
	if err != nil {
		return SaleResult{}, err
	}
	accounts, err := s.eventAccounts(ctx, actor,
		SubTypeAccountsReceivable, SubTypeSalesRevenue, SubTypeCOGS, SubTypeInventory)
	if err != nil {
		return SaleResult{}, err
	}

	release, err := s.claimSourceGuard(ctx, RefInvoice, in.InvoiceID, in.IdempotencyKey)
	if err != nil {
		return SaleResult{}, err
	}

	cost, err := s.costs.Consume(ctx, fifo.ConsumeInput{
		ProductID: in.ProductID,
		Qty:       in.Qty,
		RefKind:   string(RefInvoice),
		RefID:     in.InvoiceID,
		Scope:     scope,
		ActorID:   actor.ID,
	})
	if err != nil {
		release()
		return SaleResult{}, err
	}

	lines := []LineInput{
		{AccountID: accounts[SubTypeAccountsReceivable], Debit: in.SaleAmount, Currency: in.Currency, Description: in.Description},
		{AccountID: accounts[SubTypeSalesRevenue], Credit: in.SaleAmount, Currency: in.Currency, Description: in.Description},
	}
	if cost.TotalCost.Sign() > 0 {
		lines = append(lines,
			LineInput{AccountID: accounts[SubTypeCOGS], Debit: cost.TotalCost, Description: "cost of goods sold"},
			LineInput{AccountID: accounts[SubTypeInventory], Credit: cost.TotalCost, Description: "inventory relief"},
		)
	}
	res, err := s.PostEntry(ctx, actor, PostingInput{
		Date:        in.Date,
		Description: in.Description,
		RefKind:     RefInvoice,
		RefID:       in.InvoiceID,
		Override:    in.Override,
		Lines:       lines,
	})
	if err != nil {
		release()
		return SaleResult{}, err
	}
	return SaleResult{
		Entry:       res.Entry,
		Cost:        cost,
		Warnings:    res.Warnings,
		Backordered: cost.Backordered,
	}, nil
}

// PurchaseInput describes a goods receipt against a supplier bill.
type PurchaseInput struct {
	Date           time.Time
	BillID         uuid.UUID
	Description    string
	ProductID      int64
	Qty            decimal.Decimal
	UnitCost       decimal.Decimal
	Currency       string
	Override       governance.Override
	IdempotencyKey string
}

// PurchaseResult carries the posted entry and the lot it created.
type PurchaseResult struct {
	Entry    JournalEntry
	Lot      fifo.Lot
	Warnings []string
}

// PostPurchase receives a new cost lot and posts inventory against
// accounts payable at the full lot cost.
func (s *Service) PostPurchase(ctx context.Context, actor *shared.Actor, in PurchaseInput) (PurchaseResult, error) {
	if s.costs == nil {
		return PurchaseResult{}, fmt.Errorf("ledger: cost engine not configured")
	}
	scope, err := s.resolver.Resolve(ctx, actor, in.Override)
	if err != nil {
		return PurchaseResult{}, err
	}
	accounts, err := s.eventAccounts(ctx, actor, SubTypeInventory, SubTypeAccountsPayable)
	if err != nil {
		return PurchaseResult{}, err
	}

	release, err := s.claimSourceGuard(ctx, RefBill, in.BillID, in.IdempotencyKey)
	if err != nil {
		return PurchaseResult{}, err
	}

	lot, err := s.costs.Receive(ctx, fifo.ReceiveInput{
		ProductID:  in.ProductID,
		Qty:        in.Qty,
		UnitCost:   in.UnitCost,
		SourceKind: string(RefBill),
		SourceID:   in.BillID,
		Scope:      scope,
		ActorID:    actor.ID,
	})
	if err != nil {
		release()
		return PurchaseResult{}, err
	}

	total := in.Qty.Mul(in.UnitCost)
	res, err := s.PostEntry(ctx, actor, PostingInput{
		Date:        in.Date,
		Description: in.Description,
		RefKind:     RefBill,
		RefID:       in.BillID,
		Override:    in.Override,
		Lines: []LineInput{
			{AccountID: accounts[SubTypeInventory], Debit: total, Currency: in.Currency, Description: in.Description},
			{AccountID: accounts[SubTypeAccountsPayable], Credit: total, Currency: in.Currency, Description: in.Description},
		},
	})
	if err != nil {
		release()
		return PurchaseResult{}, err
	}
	return PurchaseResult{Entry: res.Entry, Lot: lot, Warnings: res.Warnings}, nil
}

// PayrollInput describes a payroll run with tax withholding.
type PayrollInput struct {
	Date           time.Time
	RunID          uuid.UUID
	Description    string
	Gross          decimal.Decimal
	Withheld       decimal.Decimal
	Currency       string
	Override       governance.Override
	IdempotencyKey string
}

// PostPayrollRun posts gross payroll expense split between cash paid out
// and withholding payable.
func (s *Service) PostPayrollRun(ctx context.Context, actor *shared.Actor, in PayrollInput) (PostResult, error) {
	if in.Gross.Sign() <= 0 {
		return PostResult{}, fmt.Errorf("%w: gross must be positive", ErrValidation)
	}
	if in.Withheld.Sign() < 0 || in.Withheld.GreaterThan(in.Gross) {
		return PostResult{}, fmt.Errorf("%w: withheld out of range", ErrValidation)
	}
	accounts, err := s.eventAccounts(ctx, actor,
		SubTypePayrollExpense, SubTypeCash, SubTypeWithholdingPayable)
	if err != nil {
		return PostResult{}, err
	}
	net := in.Gross.Sub(in.Withheld)
	lines := []LineInput{
		{AccountID: accounts[SubTypePayrollExpense], Debit: in.Gross, Currency: in.Currency, Description: in.Description},
		{AccountID: accounts[SubTypeCash], Credit: net, Currency: in.Currency, Description: "net pay"},
	}
	if in.Withheld.Sign() > 0 {
		lines = append(lines, LineInput{
			AccountID:   accounts[SubTypeWithholdingPayable],
			Credit:      in.Withheld,
			Currency:    in.Currency,
			Description: "tax withheld",
		})
	}
	return s.PostEntry(ctx, actor, PostingInput{
		Date:           in.Date,
		Description:    in.Description,
		RefKind:        RefPayrollRun,
		RefID:          in.RunID,
		Override:       in.Override,
		IdempotencyKey: in.IdempotencyKey,
		Lines:          lines,
	})
}

// claimSourceGuard rejects a replayed business document before the cost
// engine moves any stock. The source link is checked first; the idempotency
// key is then claimed so a concurrent replay loses before its side effects
// run. The returned release func frees the key when posting fails later.
func (s *Service) claimSourceGuard(ctx context.Context, kind ReferenceKind, refID uuid.UUID, key string) (func(), error) {
	if _, err := s.repo.GetEntryBySource(ctx, kind, refID.String()); err == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrSourceAlreadyLinked, kind, refID)
	} else if !errors.Is(err, ErrEntryNotFound) {
		return nil, err
	}
	release := func() {}
	if s.idem != nil && key != "" {
		if err := s.idem.CheckAndInsert(ctx, key, "ledger"); err != nil {
			return nil, err
		}
		release = func() { _ = s.idem.Delete(ctx, key) }
	}
	return release, nil
}

func (s *Service) eventAccounts(ctx context.Context, actor *shared.Actor, subTypes ...AccountSubType) (map[AccountSubType]int64, error) {
	out := make(map[AccountSubType]int64, len(subTypes))
	for _, st := range subTypes {
		acc, err := s.repo.GetAccountBySubType(ctx, actor.TenantID, st)
		if err != nil {
			return nil, fmt.Errorf("resolving %s account: %w", st, err)
		}
		out[st] = acc.ID
	}
	return out, nil
}
