package fifo

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/governance"
)

// Lot records one inventory receipt. Remaining quantity only ever moves by
// consumption or restock; lots that reach zero are kept for the audit trail.
type Lot struct {
	ID           int64
	ProductID    int64
	Scope        governance.Scope
	OriginalQty  decimal.Decimal
	RemainingQty decimal.Decimal
	UnitCost     decimal.Decimal
	SourceKind   string
	SourceID     uuid.UUID
	ReceivedAt   time.Time
	CreatedAt    time.Time
}

// Allocation is one lot's share of a consumption or restock.
type Allocation struct {
	LotID    int64
	Qty      decimal.Decimal
	UnitCost decimal.Decimal
}

// ConsumeResult is the cost breakdown of a consumption, oldest lot first.
type ConsumeResult struct {
	Allocations []Allocation
	TotalCost   decimal.Decimal
	// Backordered is the quantity taken beyond available stock. Non-zero
	// only when the engine runs with AllowNegativeStock.
	Backordered decimal.Decimal
}

// Consumption is the persisted record of quantity drained from a lot,
// keyed by the business document that caused it. ReversedQty tracks how
// much has since been restocked so reversals can never over-restore.
type Consumption struct {
	ID          int64
	ProductID   int64
	LotID       int64
	Qty         decimal.Decimal
	ReversedQty decimal.Decimal
	UnitCost    decimal.Decimal
	RefKind     string
	RefID       uuid.UUID
	ConsumedAt  time.Time
}

// ReceiveInput describes an inventory receipt.
type ReceiveInput struct {
	ProductID  int64
	Qty        decimal.Decimal
	UnitCost   decimal.Decimal
	SourceKind string
	SourceID   uuid.UUID
	Scope      governance.Scope
	ActorID    int64
}

// ConsumeInput describes an inventory issue.
type ConsumeInput struct {
	ProductID int64
	Qty       decimal.Decimal
	RefKind   string
	RefID     uuid.UUID
	Scope     governance.Scope
	ActorID   int64
}

// RestockInput describes quantity returning to stock. RefKind/RefID locate
// the original consumption so its cost basis is restored exactly; UnitCost
// is used only when no original lot can be identified and a new lot must be
// cut.
type RestockInput struct {
	ProductID int64
	Qty       decimal.Decimal
	UnitCost  decimal.Decimal
	RefKind   string
	RefID     uuid.UUID
	LotHint   *int64
	Scope     governance.Scope
	ActorID   int64
}

// RestockResult reports which lots absorbed the restock.
type RestockResult struct {
	Allocations []Allocation
	TotalCost   decimal.Decimal
	NewLot      *Lot
}

// InsufficientStockError reports a consumption larger than available stock.
type InsufficientStockError struct {
	ProductID int64
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("fifo: product %d has %s available, %s requested",
		e.ProductID, e.Available.String(), e.Requested.String())
}

var (
	// ErrInvalidQuantity indicates a non-positive quantity.
	ErrInvalidQuantity = errors.New("fifo: quantity must be positive")
	// ErrInvalidUnitCost indicates a negative unit cost.
	ErrInvalidUnitCost = errors.New("fifo: unit cost must be >= 0")
	// ErrLotNotFound indicates a missing lot.
	ErrLotNotFound = errors.New("fifo: lot not found")
	// ErrNothingToRestock indicates a restock with no reversible consumption.
	ErrNothingToRestock = errors.New("fifo: nothing left to restock for reference")
)
