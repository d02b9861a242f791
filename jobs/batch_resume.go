package jobs

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/meridian-erp/meridian-erp/internal/batch"
)

// BatchResumer recovers batch runs left PROCESSING by a dead worker.
type BatchResumer struct {
	logger *slog.Logger
	runner *batch.Runner
	limit  int
}

// NewBatchResumer constructs the resumer.
func NewBatchResumer(logger *slog.Logger, runner *batch.Runner, limit int) *BatchResumer {
	if limit <= 0 {
		limit = 10
	}
	return &BatchResumer{logger: logger, runner: runner, limit: limit}
}

// Handle processes TaskBatchResume tasks.
func (b *BatchResumer) Handle(ctx context.Context, _ *asynq.Task) error {
	resumed, err := b.runner.ResumeStalled(ctx, nil, b.limit)
	if err != nil {
		b.logger.Error("batch resume failed",
			slog.Int("resumed", resumed), slog.Any("error", err))
		return err
	}
	if resumed > 0 {
		b.logger.Info("batch runs resumed", slog.Int("count", resumed))
	}
	return nil
}
