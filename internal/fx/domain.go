package fx

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Source enumerates where a stored rate came from.
type Source string

const (
	// SourceManual marks rates entered by an operator.
	SourceManual Source = "MANUAL"
	// SourceFetched marks rates persisted from the external feed.
	SourceFetched Source = "FETCHED"
)

// Rate is a stored exchange rate effective on a given date.
type Rate struct {
	ID          int64
	From        string
	To          string
	Rate        decimal.Decimal
	EffectiveOn time.Time
	Source      Source
	CreatedAt   time.Time
}

// Conversion is the result of converting an amount to another currency.
// When no rate could be resolved the amount comes back unchanged with
// Converted false and a Warning for the caller's audit trail.
type Conversion struct {
	Amount    decimal.Decimal
	Rate      decimal.Decimal
	Converted bool
	Warning   *RateUnavailableError
}

// RateUnavailableError flags a conversion that had to proceed unconverted.
// It is surfaced inside Conversion, never returned as a hard failure.
type RateUnavailableError struct {
	From string
	To   string
	On   time.Time
}

func (e *RateUnavailableError) Error() string {
	return fmt.Sprintf("fx: no rate for %s->%s on or before %s", e.From, e.To, e.On.Format("2006-01-02"))
}

var (
	// ErrRateNotFound indicates no stored rate matched the lookup.
	ErrRateNotFound = errors.New("fx: rate not found")
	// ErrUnknownCurrency indicates a code that is not ISO 4217.
	ErrUnknownCurrency = errors.New("fx: unknown currency code")
	// ErrInvalidRate indicates a non-positive rate value.
	ErrInvalidRate = errors.New("fx: rate must be positive")
)
