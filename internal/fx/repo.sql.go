package fx

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository persists exchange rates.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LatestOnOrBefore returns the most recent rate effective on or before the date.
func (r *Repository) LatestOnOrBefore(ctx context.Context, from, to string, on time.Time) (Rate, error) {
	var rate Rate
	var raw string
	err := r.pool.QueryRow(ctx, `SELECT id, from_ccy, to_ccy, rate::text, effective_on, source, created_at
FROM exchange_rates WHERE from_ccy=$1 AND to_ccy=$2 AND effective_on <= $3
ORDER BY effective_on DESC, id DESC LIMIT 1`, from, to, on).
		Scan(&rate.ID, &rate.From, &rate.To, &raw, &rate.EffectiveOn, &rate.Source, &rate.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Rate{}, ErrRateNotFound
		}
		return Rate{}, err
	}
	rate.Rate, err = decimal.NewFromString(raw)
	if err != nil {
		return Rate{}, err
	}
	return rate, nil
}

// Insert stores a rate. Duplicate (pair, date) rows are ignored so that a
// concurrent fetch persisting the same quote is harmless.
func (r *Repository) Insert(ctx context.Context, rate Rate) error {
	if rate.Rate.Sign() <= 0 {
		return ErrInvalidRate
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO exchange_rates (from_ccy, to_ccy, rate, effective_on, source)
VALUES ($1,$2,$3,$4,$5) ON CONFLICT (from_ccy, to_ccy, effective_on) DO NOTHING`,
		rate.From, rate.To, rate.Rate.String(), rate.EffectiveOn, rate.Source)
	return err
}
