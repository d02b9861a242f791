package jobs

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/fx"
)

// FXRefresher keeps configured currency pairs current by forcing a
// conversion, which fetches and persists a fresh rate when storage has
// none for today.
type FXRefresher struct {
	logger    *slog.Logger
	converter *fx.Converter
	pairs     [][2]string
}

// NewFXRefresher constructs the refresher. Pairs come as "EUR:USD,GBP:USD".
func NewFXRefresher(logger *slog.Logger, converter *fx.Converter, rawPairs string) *FXRefresher {
	var pairs [][2]string
	for _, raw := range strings.Split(rawPairs, ",") {
		parts := strings.SplitN(strings.TrimSpace(raw), ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		pairs = append(pairs, [2]string{parts[0], parts[1]})
	}
	return &FXRefresher{logger: logger, converter: converter, pairs: pairs}
}

// Handle processes TaskFXRefresh tasks.
func (f *FXRefresher) Handle(ctx context.Context, _ *asynq.Task) error {
	now := time.Now().UTC()
	one := decimal.NewFromInt(1)
	for _, pair := range f.pairs {
		conv, err := f.converter.Convert(ctx, one, pair[0], pair[1], now)
		if err != nil {
			f.logger.Error("fx refresh failed",
				slog.String("from", pair[0]), slog.String("to", pair[1]), slog.Any("error", err))
			continue
		}
		if !conv.Converted {
			f.logger.Warn("fx refresh left pair stale",
				slog.String("from", pair[0]), slog.String("to", pair[1]))
			continue
		}
		f.logger.Info("fx rate refreshed",
			slog.String("from", pair[0]), slog.String("to", pair[1]),
			slog.String("rate", conv.Rate.String()))
	}
	return nil
}
