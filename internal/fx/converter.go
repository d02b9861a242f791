package fx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// RepositoryPort abstracts rate storage.
type RepositoryPort interface {
	LatestOnOrBefore(ctx context.Context, from, to string, on time.Time) (Rate, error)
	Insert(ctx context.Context, rate Rate) error
}

// Fetcher pulls a rate from an external source when storage has none.
type Fetcher interface {
	Fetch(ctx context.Context, from, to string, on time.Time) (decimal.Decimal, error)
}

// Converter resolves exchange rates and normalizes amounts to a target
// currency. Lookup order: direct rate, inverted inverse rate, external
// fetch (persisted for reuse), then flagged pass-through.
type Converter struct {
	repo    RepositoryPort
	fetcher Fetcher
	logger  *slog.Logger
}

// NewConverter constructs a Converter. The fetcher may be nil.
func NewConverter(repo RepositoryPort, fetcher Fetcher, logger *slog.Logger) *Converter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Converter{repo: repo, fetcher: fetcher, logger: logger}
}

// Convert converts amount from one currency to another as of the given date.
// A missing rate is not an error: the amount is returned unconverted with the
// warning attached.
func (c *Converter) Convert(ctx context.Context, amount decimal.Decimal, from, to string, on time.Time) (Conversion, error) {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))
	toUnit, err := validateCode(to)
	if err != nil {
		return Conversion{}, err
	}
	if _, err := validateCode(from); err != nil {
		return Conversion{}, err
	}
	if from == to {
		return Conversion{Amount: amount, Rate: decimal.NewFromInt(1), Converted: true}, nil
	}

	rate, err := c.resolveRate(ctx, from, to, on)
	if err != nil {
		if !errors.Is(err, ErrRateNotFound) {
			return Conversion{}, err
		}
		warn := &RateUnavailableError{From: from, To: to, On: on}
		c.logger.Warn("fx rate unavailable",
			slog.String("from", from), slog.String("to", to), slog.Time("on", on))
		return Conversion{Amount: amount, Converted: false, Warning: warn}, nil
	}

	scale, _ := currency.Standard.Rounding(toUnit)
	converted := amount.Mul(rate).RoundBank(int32(scale))
	return Conversion{Amount: converted, Rate: rate, Converted: true}, nil
}

func (c *Converter) resolveRate(ctx context.Context, from, to string, on time.Time) (decimal.Decimal, error) {
	direct, err := c.repo.LatestOnOrBefore(ctx, from, to, on)
	if err == nil {
		return direct.Rate, nil
	}
	if !errors.Is(err, ErrRateNotFound) {
		return decimal.Zero, err
	}

	inverse, err := c.repo.LatestOnOrBefore(ctx, to, from, on)
	if err == nil {
		if inverse.Rate.IsZero() {
			return decimal.Zero, ErrInvalidRate
		}
		return decimal.NewFromInt(1).DivRound(inverse.Rate, rateScale), nil
	}
	if !errors.Is(err, ErrRateNotFound) {
		return decimal.Zero, err
	}

	if c.fetcher == nil {
		return decimal.Zero, ErrRateNotFound
	}
	fetched, err := c.fetcher.Fetch(ctx, from, to, on)
	if err != nil {
		c.logger.Warn("fx external fetch failed",
			slog.String("from", from), slog.String("to", to), slog.Any("error", err))
		return decimal.Zero, ErrRateNotFound
	}
	if fetched.Sign() <= 0 {
		return decimal.Zero, ErrInvalidRate
	}
	stored := Rate{From: from, To: to, Rate: fetched, EffectiveOn: on, Source: SourceFetched}
	if err := c.repo.Insert(ctx, stored); err != nil {
		// Reuse is an optimization; the conversion itself still succeeds.
		c.logger.Warn("fx persist fetched rate", slog.Any("error", err))
	}
	return fetched, nil
}

// StoreManualRate persists an operator-entered rate effective on a date.
func (c *Converter) StoreManualRate(ctx context.Context, from, to string, rate decimal.Decimal, on time.Time) (Rate, error) {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))
	if _, err := validateCode(from); err != nil {
		return Rate{}, err
	}
	if _, err := validateCode(to); err != nil {
		return Rate{}, err
	}
	if from == to {
		return Rate{}, fmt.Errorf("%w: identical currencies", ErrInvalidRate)
	}
	if rate.Sign() <= 0 {
		return Rate{}, ErrInvalidRate
	}
	stored := Rate{From: from, To: to, Rate: rate, EffectiveOn: on, Source: SourceManual}
	if err := c.repo.Insert(ctx, stored); err != nil {
		return Rate{}, err
	}
	return stored, nil
}

// rateScale keeps inverted rates precise enough for round-tripping.
const rateScale = 12

func validateCode(code string) (currency.Unit, error) {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return currency.Unit{}, fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
	}
	return unit, nil
}
