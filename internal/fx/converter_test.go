package fx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type memoryRateRepo struct {
	rates []Rate
}

func (r *memoryRateRepo) LatestOnOrBefore(ctx context.Context, from, to string, on time.Time) (Rate, error) {
	var best *Rate
	for i := range r.rates {
		rt := r.rates[i]
		if rt.From != from || rt.To != to || rt.EffectiveOn.After(on) {
			continue
		}
		if best == nil || rt.EffectiveOn.After(best.EffectiveOn) {
			best = &r.rates[i]
		}
	}
	if best == nil {
		return Rate{}, ErrRateNotFound
	}
	return *best, nil
}

func (r *memoryRateRepo) Insert(ctx context.Context, rate Rate) error {
	r.rates = append(r.rates, rate)
	return nil
}

type staticFetcher struct {
	rate decimal.Decimal
	err  error
}

func (f staticFetcher) Fetch(ctx context.Context, from, to string, on time.Time) (decimal.Decimal, error) {
	return f.rate, f.err
}

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestConvertSameCurrency(t *testing.T) {
	conv := NewConverter(&memoryRateRepo{}, nil, nil)
	res, err := conv.Convert(context.Background(), decimal.NewFromInt(250), "USD", "usd", date("2025-01-15"))
	require.NoError(t, err)
	require.True(t, res.Converted)
	require.True(t, res.Amount.Equal(decimal.NewFromInt(250)))
}

func TestConvertDirectRatePicksLatestOnOrBefore(t *testing.T) {
	repo := &memoryRateRepo{rates: []Rate{
		{From: "EUR", To: "USD", Rate: decimal.RequireFromString("1.05"), EffectiveOn: date("2025-01-01")},
		{From: "EUR", To: "USD", Rate: decimal.RequireFromString("1.08"), EffectiveOn: date("2025-01-10")},
		{From: "EUR", To: "USD", Rate: decimal.RequireFromString("1.20"), EffectiveOn: date("2025-02-01")},
	}}
	conv := NewConverter(repo, nil, nil)

	res, err := conv.Convert(context.Background(), decimal.NewFromInt(100), "EUR", "USD", date("2025-01-15"))
	require.NoError(t, err)
	require.True(t, res.Converted)
	require.True(t, res.Amount.Equal(decimal.NewFromInt(108)), res.Amount.String())
}

func TestConvertInverseFallback(t *testing.T) {
	repo := &memoryRateRepo{rates: []Rate{
		{From: "USD", To: "EUR", Rate: decimal.RequireFromString("0.8"), EffectiveOn: date("2025-01-01")},
	}}
	conv := NewConverter(repo, nil, nil)

	res, err := conv.Convert(context.Background(), decimal.NewFromInt(100), "EUR", "USD", date("2025-01-15"))
	require.NoError(t, err)
	require.True(t, res.Converted)
	require.True(t, res.Amount.Equal(decimal.NewFromInt(125)), res.Amount.String())
}

func TestConvertRoundTrip(t *testing.T) {
	repo := &memoryRateRepo{rates: []Rate{
		{From: "EUR", To: "USD", Rate: decimal.RequireFromString("1.0842"), EffectiveOn: date("2025-01-01")},
		{From: "USD", To: "EUR", Rate: decimal.RequireFromString("0.9223"), EffectiveOn: date("2025-01-01")},
	}}
	conv := NewConverter(repo, nil, nil)
	ctx := context.Background()

	there, err := conv.Convert(ctx, decimal.NewFromInt(100), "EUR", "USD", date("2025-01-15"))
	require.NoError(t, err)
	back, err := conv.Convert(ctx, there.Amount, "USD", "EUR", date("2025-01-15"))
	require.NoError(t, err)

	diff := back.Amount.Sub(decimal.NewFromInt(100)).Abs()
	require.True(t, diff.LessThanOrEqual(decimal.RequireFromString("0.05")), "round trip drifted by %s", diff)
}

func TestConvertFetchesAndPersists(t *testing.T) {
	repo := &memoryRateRepo{}
	conv := NewConverter(repo, staticFetcher{rate: decimal.RequireFromString("1.10")}, nil)

	res, err := conv.Convert(context.Background(), decimal.NewFromInt(100), "EUR", "USD", date("2025-01-15"))
	require.NoError(t, err)
	require.True(t, res.Converted)
	require.True(t, res.Amount.Equal(decimal.NewFromInt(110)), res.Amount.String())

	require.Len(t, repo.rates, 1)
	require.Equal(t, SourceFetched, repo.rates[0].Source)

	// Second call resolves from storage; the fetcher is no longer needed.
	conv = NewConverter(repo, staticFetcher{err: errors.New("feed down")}, nil)
	res, err = conv.Convert(context.Background(), decimal.NewFromInt(50), "EUR", "USD", date("2025-01-20"))
	require.NoError(t, err)
	require.True(t, res.Converted)
	require.True(t, res.Amount.Equal(decimal.NewFromInt(55)), res.Amount.String())
}

func TestConvertRateUnavailableIsNotFatal(t *testing.T) {
	conv := NewConverter(&memoryRateRepo{}, nil, nil)

	res, err := conv.Convert(context.Background(), decimal.NewFromInt(100), "EUR", "USD", date("2025-01-15"))
	require.NoError(t, err)
	require.False(t, res.Converted)
	require.True(t, res.Amount.Equal(decimal.NewFromInt(100)))
	require.NotNil(t, res.Warning)
	require.Equal(t, "EUR", res.Warning.From)
	require.Equal(t, "USD", res.Warning.To)
}

func TestConvertUnknownCurrency(t *testing.T) {
	conv := NewConverter(&memoryRateRepo{}, nil, nil)
	_, err := conv.Convert(context.Background(), decimal.NewFromInt(1), "EUR", "ZZZ", date("2025-01-15"))
	require.ErrorIs(t, err, ErrUnknownCurrency)
}

func TestStoreManualRatePersistsAndServesConversions(t *testing.T) {
	repo := &memoryRateRepo{}
	conv := NewConverter(repo, nil, nil)

	stored, err := conv.StoreManualRate(context.Background(), "eur", "usd", decimal.RequireFromString("1.10"), date("2025-01-10"))
	require.NoError(t, err)
	require.Equal(t, "EUR", stored.From)
	require.Equal(t, SourceManual, stored.Source)

	res, err := conv.Convert(context.Background(), decimal.NewFromInt(100), "EUR", "USD", date("2025-01-15"))
	require.NoError(t, err)
	require.True(t, res.Converted)
	require.True(t, res.Amount.Equal(decimal.NewFromInt(110)), res.Amount.String())
}

func TestStoreManualRateRejectsBadInput(t *testing.T) {
	conv := NewConverter(&memoryRateRepo{}, nil, nil)

	_, err := conv.StoreManualRate(context.Background(), "EUR", "EUR", decimal.NewFromInt(1), date("2025-01-10"))
	require.ErrorIs(t, err, ErrInvalidRate)

	_, err = conv.StoreManualRate(context.Background(), "EUR", "USD", decimal.Zero, date("2025-01-10"))
	require.ErrorIs(t, err, ErrInvalidRate)

	_, err = conv.StoreManualRate(context.Background(), "EUR", "ZZZ", decimal.NewFromInt(1), date("2025-01-10"))
	require.ErrorIs(t, err, ErrUnknownCurrency)
}
