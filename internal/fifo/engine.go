package fifo

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/governance"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListLots(ctx context.Context, productID int64, scope governance.Scope) ([]Lot, error)
	ConsumptionsByRef(ctx context.Context, refKind string, refID string) ([]Consumption, error)
}

// TxRepository exposes transactional lot operations. LockLots must return
// the product's lots within scope ordered oldest first (received_at, id)
// and hold row locks until commit; that serializes concurrent consumption
// of the same lot set.
type TxRepository interface {
	LockLots(ctx context.Context, productID int64, scope governance.Scope) ([]Lot, error)
	InsertLot(ctx context.Context, lot Lot) (Lot, error)
	GetLotForUpdate(ctx context.Context, lotID int64) (Lot, error)
	UpdateLotRemaining(ctx context.Context, lotID int64, remaining decimal.Decimal) error
	InsertConsumptions(ctx context.Context, rows []Consumption) error
	LockConsumptionsByRef(ctx context.Context, refKind string, refID string) ([]Consumption, error)
	UpdateConsumptionReversed(ctx context.Context, id int64, reversed decimal.Decimal) error
}

// AuditPort records inventory movements for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Config groups engine policy settings. AllowNegativeStock switches every
// consumption to backorder mode; the policy is engine-wide, never per call.
type Config struct {
	AllowNegativeStock bool
}

// MetricsPort counts recorded consumptions.
type MetricsPort interface {
	RecordConsumption()
}

// Engine owns cost lots and allocates consumption oldest lot first.
type Engine struct {
	repo     RepositoryPort
	audit    AuditPort
	metrics  MetricsPort
	allowNeg bool
	now      func() time.Time
}

// NewEngine builds the FIFO cost engine.
func NewEngine(repo RepositoryPort, audit AuditPort, cfg Config) *Engine {
	return &Engine{repo: repo, audit: audit, allowNeg: cfg.AllowNegativeStock, now: time.Now}
}

// SetMetrics injects the metrics sink.
func (e *Engine) SetMetrics(metrics MetricsPort) {
	e.metrics = metrics
}

// WithNow overrides the clock for testing.
func (e *Engine) WithNow(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// Receive creates a new cost lot from an inventory receipt.
func (e *Engine) Receive(ctx context.Context, in ReceiveInput) (Lot, error) {
	if in.ProductID == 0 {
		return Lot{}, fmt.Errorf("fifo: product required")
	}
	if in.Qty.Sign() <= 0 {
		return Lot{}, ErrInvalidQuantity
	}
	if in.UnitCost.Sign() < 0 {
		return Lot{}, ErrInvalidUnitCost
	}
	if !in.Scope.Complete() {
		return Lot{}, &governance.ScopeError{Missing: in.Scope.Missing()}
	}
	lot := Lot{
		ProductID:    in.ProductID,
		Scope:        in.Scope,
		OriginalQty:  in.Qty,
		RemainingQty: in.Qty,
		UnitCost:     in.UnitCost,
		SourceKind:   in.SourceKind,
		SourceID:     in.SourceID,
		ReceivedAt:   e.now().UTC(),
	}
	var inserted Lot
	err := e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		inserted, err = tx.InsertLot(ctx, lot)
		return err
	})
	if err != nil {
		return Lot{}, err
	}
	e.recordAudit(ctx, in.ActorID, in.Scope.TenantID, "inventory.receive", inserted.ID, map[string]any{
		"product_id": in.ProductID,
		"qty":        in.Qty.String(),
		"unit_cost":  in.UnitCost.String(),
		"source":     in.SourceKind,
	})
	return inserted, nil
}

// Consume drains lots oldest first and returns the cost breakdown. When
// stock is short it fails with *InsufficientStockError, unless the engine
// allows negative stock, in which case the newest lot absorbs the shortfall
// and goes negative at its own unit cost.
func (e *Engine) Consume(ctx context.Context, in ConsumeInput) (ConsumeResult, error) {
	if in.ProductID == 0 {
		return ConsumeResult{}, fmt.Errorf("fifo: product required")
	}
	if in.Qty.Sign() <= 0 {
		return ConsumeResult{}, ErrInvalidQuantity
	}
	if !in.Scope.Complete() {
		return ConsumeResult{}, &governance.ScopeError{Missing: in.Scope.Missing()}
	}
	var result ConsumeResult
	err := e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lots, err := tx.LockLots(ctx, in.ProductID, in.Scope)
		if err != nil {
			return err
		}
		available := decimal.Zero
		for _, lot := range lots {
			if lot.RemainingQty.Sign() > 0 {
				available = available.Add(lot.RemainingQty)
			}
		}
		if available.LessThan(in.Qty) {
			if !e.allowNeg || len(lots) == 0 {
				return &InsufficientStockError{ProductID: in.ProductID, Requested: in.Qty, Available: available}
			}
		}

		remaining := in.Qty
		now := e.now().UTC()
		var rows []Consumption
		result = ConsumeResult{TotalCost: decimal.Zero}
		for i := range lots {
			if remaining.Sign() == 0 {
				break
			}
			lot := lots[i]
			if lot.RemainingQty.Sign() <= 0 {
				continue
			}
			take := decimal.Min(lot.RemainingQty, remaining)
			if err := e.drainLot(ctx, tx, lot, take, in, now, &result, &rows); err != nil {
				return err
			}
			remaining = remaining.Sub(take)
		}
		if remaining.Sign() > 0 {
			// Backorder: the newest lot carries the shortfall below zero.
			last := lots[len(lots)-1]
			current, err := tx.GetLotForUpdate(ctx, last.ID)
			if err != nil {
				return err
			}
			if err := e.drainLot(ctx, tx, current, remaining, in, now, &result, &rows); err != nil {
				return err
			}
			result.Backordered = remaining
		}
		return tx.InsertConsumptions(ctx, rows)
	})
	if err != nil {
		return ConsumeResult{}, err
	}
	if e.metrics != nil {
		e.metrics.RecordConsumption()
	}
	e.recordAudit(ctx, in.ActorID, in.Scope.TenantID, "inventory.consume", in.ProductID, map[string]any{
		"product_id":  in.ProductID,
		"qty":         in.Qty.String(),
		"total_cost":  result.TotalCost.String(),
		"backordered": result.Backordered.String(),
		"ref_kind":    in.RefKind,
		"ref_id":      in.RefID.String(),
	})
	return result, nil
}

func (e *Engine) drainLot(ctx context.Context, tx TxRepository, lot Lot, take decimal.Decimal, in ConsumeInput, now time.Time, result *ConsumeResult, rows *[]Consumption) error {
	newRemaining := lot.RemainingQty.Sub(take)
	if err := tx.UpdateLotRemaining(ctx, lot.ID, newRemaining); err != nil {
		return err
	}
	result.Allocations = append(result.Allocations, Allocation{LotID: lot.ID, Qty: take, UnitCost: lot.UnitCost})
	result.TotalCost = result.TotalCost.Add(take.Mul(lot.UnitCost))
	*rows = append(*rows, Consumption{
		ProductID:  lot.ProductID,
		LotID:      lot.ID,
		Qty:        take,
		UnitCost:   lot.UnitCost,
		RefKind:    in.RefKind,
		RefID:      in.RefID,
		ConsumedAt: now,
	})
	return nil
}

// Restock returns quantity to stock after a reversal. It restores the lots
// recorded for the originating consumption, newest allocation first, at
// their original unit cost. Only when no consumption can be identified does
// it cut a fresh lot at the supplied unit cost.
func (e *Engine) Restock(ctx context.Context, in RestockInput) (RestockResult, error) {
	if in.ProductID == 0 {
		return RestockResult{}, fmt.Errorf("fifo: product required")
	}
	if in.Qty.Sign() <= 0 {
		return RestockResult{}, ErrInvalidQuantity
	}
	if !in.Scope.Complete() {
		return RestockResult{}, &governance.ScopeError{Missing: in.Scope.Missing()}
	}
	var result RestockResult
	err := e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rows, err := tx.LockConsumptionsByRef(ctx, in.RefKind, in.RefID.String())
		if err != nil {
			return err
		}
		if in.LotHint != nil {
			rows = filterByLot(rows, *in.LotHint)
		}
		remaining := in.Qty
		result = RestockResult{TotalCost: decimal.Zero}
		// Undo the most recently drained lot first so partial returns give
		// back the newest cost layer, mirroring how it was taken.
		for i := len(rows) - 1; i >= 0 && remaining.Sign() > 0; i-- {
			row := rows[i]
			reversible := row.Qty.Sub(row.ReversedQty)
			if reversible.Sign() <= 0 {
				continue
			}
			give := decimal.Min(reversible, remaining)
			lot, err := tx.GetLotForUpdate(ctx, row.LotID)
			if err != nil {
				return err
			}
			newRemaining := lot.RemainingQty.Add(give)
			if newRemaining.GreaterThan(lot.OriginalQty) {
				return fmt.Errorf("fifo: lot %d would exceed original quantity", lot.ID)
			}
			if err := tx.UpdateLotRemaining(ctx, lot.ID, newRemaining); err != nil {
				return err
			}
			if err := tx.UpdateConsumptionReversed(ctx, row.ID, row.ReversedQty.Add(give)); err != nil {
				return err
			}
			result.Allocations = append(result.Allocations, Allocation{LotID: lot.ID, Qty: give, UnitCost: row.UnitCost})
			result.TotalCost = result.TotalCost.Add(give.Mul(row.UnitCost))
			remaining = remaining.Sub(give)
		}
		if remaining.Sign() > 0 {
			if len(rows) > 0 {
				return ErrNothingToRestock
			}
			// No identifiable origin; cut a fresh lot at the supplied cost.
			if in.UnitCost.Sign() < 0 {
				return ErrInvalidUnitCost
			}
			lot := Lot{
				ProductID:    in.ProductID,
				Scope:        in.Scope,
				OriginalQty:  remaining,
				RemainingQty: remaining,
				UnitCost:     in.UnitCost,
				SourceKind:   "RESTOCK",
				SourceID:     in.RefID,
				ReceivedAt:   e.now().UTC(),
			}
			inserted, err := tx.InsertLot(ctx, lot)
			if err != nil {
				return err
			}
			result.NewLot = &inserted
			result.Allocations = append(result.Allocations, Allocation{LotID: inserted.ID, Qty: remaining, UnitCost: in.UnitCost})
			result.TotalCost = result.TotalCost.Add(remaining.Mul(in.UnitCost))
		}
		return nil
	})
	if err != nil {
		return RestockResult{}, err
	}
	e.recordAudit(ctx, in.ActorID, in.Scope.TenantID, "inventory.restock", in.ProductID, map[string]any{
		"product_id": in.ProductID,
		"qty":        in.Qty.String(),
		"total_cost": result.TotalCost.String(),
		"ref_kind":   in.RefKind,
		"ref_id":     in.RefID.String(),
	})
	return result, nil
}

// ConsumptionsForRef lists the recorded cost breakdown for a business
// document, used by reversals to compute exact COGS offsets.
func (e *Engine) ConsumptionsForRef(ctx context.Context, refKind string, refID string) ([]Consumption, error) {
	return e.repo.ConsumptionsByRef(ctx, refKind, refID)
}

// Lots lists a product's lots within scope, oldest first.
func (e *Engine) Lots(ctx context.Context, productID int64, scope governance.Scope) ([]Lot, error) {
	if productID == 0 {
		return nil, fmt.Errorf("fifo: product required")
	}
	return e.repo.ListLots(ctx, productID, scope)
}

func (e *Engine) recordAudit(ctx context.Context, actorID, tenantID int64, action string, entityID int64, meta map[string]any) {
	if e.audit == nil {
		return
	}
	_ = e.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		TenantID: tenantID,
		Action:   action,
		Entity:   "cost_lot",
		EntityID: fmt.Sprintf("%d", entityID),
		Meta:     meta,
		At:       e.now(),
	})
}

func filterByLot(rows []Consumption, lotID int64) []Consumption {
	out := rows[:0:0]
	for _, row := range rows {
		if row.LotID == lotID {
			out = append(out, row)
		}
	}
	return out
}
