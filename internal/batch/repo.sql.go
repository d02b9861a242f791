package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// Repository persists batch runs. Line inputs are stored as JSONB so a run
// replays byte-identically after a restart.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateRun stores the run and all its lines in one transaction.
func (r *Repository) CreateRun(ctx context.Context, run Run, lines []RunLine) (Run, error) {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO batch_runs (id, tenant_id, description, status, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6)`,
			run.ID, run.TenantID, run.Description, run.Status, run.CreatedBy, run.CreatedAt)
		if err != nil {
			return err
		}
		for _, line := range lines {
			payload, err := json.Marshal(line.Input)
			if err != nil {
				return fmt.Errorf("batch: encoding line %d: %w", line.Index, err)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO batch_run_lines (run_id, line_index, status, input)
VALUES ($1,$2,$3,$4)`, line.RunID, line.Index, line.Status, payload); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Run{}, err
	}
	return run, nil
}

const runColumns = `id, tenant_id, description, status, created_by, created_at, started_at, finished_at, COALESCE(error,'')`

func scanRun(row pgx.Row) (Run, error) {
	var run Run
	err := row.Scan(&run.ID, &run.TenantID, &run.Description, &run.Status, &run.CreatedBy,
		&run.CreatedAt, &run.StartedAt, &run.FinishedAt, &run.Error)
	if err != nil {
		return Run{}, err
	}
	return run, nil
}

// GetRun loads a run by id.
func (r *Repository) GetRun(ctx context.Context, runID uuid.UUID) (Run, error) {
	run, err := scanRun(r.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM batch_runs WHERE id=$1`, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Run{}, ErrRunNotFound
		}
		return Run{}, err
	}
	return run, nil
}

// ListLines returns the run's lines in index order.
func (r *Repository) ListLines(ctx context.Context, runID uuid.UUID) ([]RunLine, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, run_id, line_index, status, entry_id, COALESCE(error,''), input
FROM batch_run_lines WHERE run_id=$1 ORDER BY line_index ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []RunLine
	for rows.Next() {
		var line RunLine
		var payload []byte
		if err := rows.Scan(&line.ID, &line.RunID, &line.Index, &line.Status, &line.EntryID, &line.Error, &payload); err != nil {
			return nil, err
		}
		var input ledger.PostingInput
		if err := json.Unmarshal(payload, &input); err != nil {
			return nil, fmt.Errorf("batch: decoding line %d: %w", line.Index, err)
		}
		line.Input = input
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// SetRunStatus updates the run's lifecycle state and timestamps.
func (r *Repository) SetRunStatus(ctx context.Context, runID uuid.UUID, status RunStatus, errMsg string) error {
	var clause string
	switch status {
	case StatusProcessing:
		clause = `, started_at=now()`
	case StatusPosted, StatusFailed:
		clause = `, finished_at=now()`
	}
	cmd, err := r.pool.Exec(ctx, `UPDATE batch_runs SET status=$2, error=NULLIF($3,'')`+clause+` WHERE id=$1`,
		runID, status, errMsg)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

// SetLineResult records the outcome of one line.
func (r *Repository) SetLineResult(ctx context.Context, lineID int64, status LineStatus, entryID *int64, errMsg string) error {
	_, err := r.pool.Exec(ctx, `UPDATE batch_run_lines SET status=$2, entry_id=$3, error=NULLIF($4,'') WHERE id=$1`,
		lineID, status, entryID, errMsg)
	return err
}

// ListRunsByStatus lists runs in a given state, oldest first.
func (r *Repository) ListRunsByStatus(ctx context.Context, status RunStatus, limit int) ([]Run, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+runColumns+` FROM batch_runs WHERE status=$1 ORDER BY created_at ASC LIMIT $2`,
		status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
