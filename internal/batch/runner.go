package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/meridian-erp/meridian-erp/internal/governance"
	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort persists runs and their lines.
type RepositoryPort interface {
	CreateRun(ctx context.Context, run Run, lines []RunLine) (Run, error)
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	ListLines(ctx context.Context, runID uuid.UUID) ([]RunLine, error)
	SetRunStatus(ctx context.Context, runID uuid.UUID, status RunStatus, errMsg string) error
	SetLineResult(ctx context.Context, lineID int64, status LineStatus, entryID *int64, errMsg string) error
	ListRunsByStatus(ctx context.Context, status RunStatus, limit int) ([]Run, error)
}

// LedgerPort posts one line of a run and recovers entries a crashed
// worker committed but never recorded against the line.
type LedgerPort interface {
	PostEntry(ctx context.Context, actor *shared.Actor, in ledger.PostingInput) (ledger.PostResult, error)
	EntryBySource(ctx context.Context, kind ledger.ReferenceKind, refID string) (ledger.JournalEntry, error)
}

// MetricsPort counts finished runs.
type MetricsPort interface {
	RecordBatchRun(status string)
}

// Runner drives batch runs to completion. A redis lock keyed by run id
// keeps two workers off the same run; per-line idempotency keys make a
// crashed-and-resumed run safe even if the lock expired mid-flight.
type Runner struct {
	logger  *slog.Logger
	repo    RepositoryPort
	ledger  LedgerPort
	locks   *redis.Client
	metrics MetricsPort
	lockTTL time.Duration
	now     func() time.Time
}

// NewRunner constructs a Runner.
func NewRunner(logger *slog.Logger, repo RepositoryPort, ledgerPort LedgerPort, locks *redis.Client) *Runner {
	return &Runner{
		logger:  logger,
		repo:    repo,
		ledger:  ledgerPort,
		locks:   locks,
		lockTTL: 5 * time.Minute,
		now:     time.Now,
	}
}

// SetMetrics injects the metrics sink.
func (r *Runner) SetMetrics(metrics MetricsPort) {
	r.metrics = metrics
}

// WithNow overrides the clock for testing.
func (r *Runner) WithNow(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// Create stores a new draft run with its lines. Nothing posts yet.
func (r *Runner) Create(ctx context.Context, actor *shared.Actor, description string, inputs []ledger.PostingInput) (Run, error) {
	if len(inputs) == 0 {
		return Run{}, ErrEmptyRun
	}
	run := Run{
		ID:          uuid.New(),
		TenantID:    actor.TenantID,
		Description: description,
		Status:      StatusDraft,
		CreatedBy:   actor.ID,
		CreatedAt:   r.now().UTC(),
	}
	lines := make([]RunLine, 0, len(inputs))
	for idx, in := range inputs {
		// Pin the line to a deterministic idempotency key so a resumed run
		// can never double-post it.
		in.IdempotencyKey = lineKey(run.ID, idx)
		lines = append(lines, RunLine{RunID: run.ID, Index: idx, Status: LinePending, Input: in})
	}
	return r.repo.CreateRun(ctx, run, lines)
}

// Status reports a run's current progress without touching its lock.
func (r *Runner) Status(ctx context.Context, runID uuid.UUID) (Progress, error) {
	run, err := r.repo.GetRun(ctx, runID)
	if err != nil {
		return Progress{}, err
	}
	lines, err := r.repo.ListLines(ctx, runID)
	if err != nil {
		return Progress{}, err
	}
	progress := Progress{Run: run, Total: len(lines)}
	for _, line := range lines {
		switch line.Status {
		case LinePosted:
			progress.Posted++
		case LineFailed:
			progress.Failed++
		}
	}
	return progress, nil
}

// Process executes a run to completion. The run must be DRAFT, or
// PROCESSING when resuming after a crash. Lines already POSTED are
// skipped; a line failure marks the run FAILED but keeps earlier postings.
func (r *Runner) Process(ctx context.Context, actor *shared.Actor, runID uuid.UUID) (Progress, error) {
	run, err := r.repo.GetRun(ctx, runID)
	if err != nil {
		return Progress{}, err
	}
	if run.Status != StatusDraft && run.Status != StatusProcessing {
		return Progress{}, ErrRunNotDraft
	}

	unlock, err := r.acquireLock(ctx, runID)
	if err != nil {
		return Progress{}, err
	}
	defer unlock()

	if run.Status == StatusDraft {
		if err := r.repo.SetRunStatus(ctx, runID, StatusProcessing, ""); err != nil {
			return Progress{}, err
		}
		run.Status = StatusProcessing
	}

	lines, err := r.repo.ListLines(ctx, runID)
	if err != nil {
		return Progress{}, err
	}
	if len(lines) == 0 {
		return Progress{}, ErrEmptyRun
	}

	progress := Progress{Run: run, Total: len(lines)}
	for _, line := range lines {
		if line.Status == LinePosted {
			progress.Posted++
			continue
		}
		res, err := r.ledger.PostEntry(ctx, actor, line.Input)
		if err != nil {
			// A crash between the posting commit and the line update leaves
			// the entry in the journal with the line still PENDING. The
			// replayed post trips the idempotency or source-link guard;
			// recover the committed entry instead of failing the run.
			if errors.Is(err, shared.ErrIdempotencyConflict) || errors.Is(err, ledger.ErrSourceAlreadyLinked) {
				if entry, lookupErr := r.ledger.EntryBySource(ctx, line.Input.RefKind, line.Input.RefID.String()); lookupErr == nil {
					entryID := entry.ID
					if err := r.repo.SetLineResult(ctx, line.ID, LinePosted, &entryID, ""); err != nil {
						return progress, err
					}
					progress.Posted++
					continue
				}
			}
			if err := r.repo.SetLineResult(ctx, line.ID, LineFailed, nil, err.Error()); err != nil {
				return progress, err
			}
			progress.Failed++
			msg := fmt.Sprintf("line %d: %v", line.Index, err)
			if err := r.repo.SetRunStatus(ctx, runID, StatusFailed, msg); err != nil {
				return progress, err
			}
			run.Status = StatusFailed
			run.Error = msg
			progress.Run = run
			if r.metrics != nil {
				r.metrics.RecordBatchRun(string(StatusFailed))
			}
			if r.logger != nil {
				r.logger.Error("batch run failed",
					slog.String("run_id", runID.String()),
					slog.Int("line", line.Index),
					slog.Any("error", err))
			}
			return progress, nil
		}
		entryID := res.Entry.ID
		if err := r.repo.SetLineResult(ctx, line.ID, LinePosted, &entryID, ""); err != nil {
			return progress, err
		}
		progress.Posted++
	}

	if err := r.repo.SetRunStatus(ctx, runID, StatusPosted, ""); err != nil {
		return progress, err
	}
	run.Status = StatusPosted
	progress.Run = run
	if r.metrics != nil {
		r.metrics.RecordBatchRun(string(StatusPosted))
	}
	if r.logger != nil {
		r.logger.Info("batch run posted",
			slog.String("run_id", runID.String()),
			slog.Int("lines", progress.Posted))
	}
	return progress, nil
}

// ResumeStalled picks up PROCESSING runs left behind by a dead worker.
// A nil actor resumes each run on behalf of its creator.
func (r *Runner) ResumeStalled(ctx context.Context, actor *shared.Actor, limit int) (int, error) {
	runs, err := r.repo.ListRunsByStatus(ctx, StatusProcessing, limit)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, run := range runs {
		runActor := actor
		if runActor == nil {
			runActor = &shared.Actor{ID: run.CreatedBy, TenantID: run.TenantID, Role: governance.RoleAdmin}
		}
		if _, err := r.Process(ctx, runActor, run.ID); err != nil {
			if err == ErrRunLocked {
				continue
			}
			return resumed, err
		}
		resumed++
	}
	return resumed, nil
}

func (r *Runner) acquireLock(ctx context.Context, runID uuid.UUID) (func(), error) {
	if r.locks == nil {
		return func() {}, nil
	}
	key := "batch:lock:" + runID.String()
	ok, err := r.locks.SetNX(ctx, key, "1", r.lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("batch: acquiring lock: %w", err)
	}
	if !ok {
		return nil, ErrRunLocked
	}
	return func() {
		if err := r.locks.Del(context.Background(), key).Err(); err != nil && r.logger != nil {
			r.logger.Warn("batch lock release failed", slog.String("run_id", runID.String()), slog.Any("error", err))
		}
	}, nil
}

func lineKey(runID uuid.UUID, index int) string {
	return fmt.Sprintf("batch:%s:%d", runID, index)
}
