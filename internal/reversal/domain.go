package reversal

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/governance"
)

// ReturnLine is one returned product and quantity.
type ReturnLine struct {
	ProductID int64
	Qty       decimal.Decimal
}

// ReturnInput describes goods coming back against a posted invoice. The
// monetary refund and the physical quantities are independent: the refund
// reverses revenue, each returned line restores inventory at its recorded
// cost.
type ReturnInput struct {
	ReturnID     uuid.UUID
	InvoiceID    uuid.UUID
	Description  string
	Lines        []ReturnLine
	RefundAmount decimal.Decimal
	Override     governance.Override
	Date         time.Time
}

// WriteOffInput describes an uncollectible receivable taken to expense.
type WriteOffInput struct {
	WriteOffID  uuid.UUID
	InvoiceID   uuid.UUID
	Description string
	Amount      decimal.Decimal
	Override    governance.Override
	Date        time.Time
}

var (
	// ErrNothingToReverse indicates the entry is already fully offset.
	ErrNothingToReverse = errors.New("reversal: nothing left to reverse")
	// ErrInvalidPortion indicates a non-positive reversal amount.
	ErrInvalidPortion = errors.New("reversal: portion must be positive")
)
