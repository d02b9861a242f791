package fifo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/governance"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// Repository persists cost lots and consumptions.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// txAttempts bounds retries when lot allocations lose a serialization
// race against concurrent consumptions.
const txAttempts = 3

// WithTx executes fn within a repeatable-read transaction, retrying on
// serialization conflicts.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("fifo repository not initialised")
	}
	return db.WithTxRetry(ctx, r.pool, txAttempts, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const lotColumns = `id, product_id, tenant_id, branch_id, cost_center_id, warehouse_id,
original_qty::text, remaining_qty::text, unit_cost::text, source_kind, source_id, received_at, created_at`

func scanLot(row pgx.Row) (Lot, error) {
	var lot Lot
	var original, remaining, cost string
	err := row.Scan(&lot.ID, &lot.ProductID, &lot.Scope.TenantID, &lot.Scope.BranchID, &lot.Scope.CostCenterID, &lot.Scope.WarehouseID,
		&original, &remaining, &cost, &lot.SourceKind, &lot.SourceID, &lot.ReceivedAt, &lot.CreatedAt)
	if err != nil {
		return Lot{}, err
	}
	if lot.OriginalQty, err = decimal.NewFromString(original); err != nil {
		return Lot{}, err
	}
	if lot.RemainingQty, err = decimal.NewFromString(remaining); err != nil {
		return Lot{}, err
	}
	if lot.UnitCost, err = decimal.NewFromString(cost); err != nil {
		return Lot{}, err
	}
	return lot, nil
}

func (r *txRepository) LockLots(ctx context.Context, productID int64, scope governance.Scope) ([]Lot, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+lotColumns+` FROM cost_lots
WHERE product_id=$1 AND tenant_id=$2 AND warehouse_id=$3
ORDER BY received_at ASC, id ASC FOR UPDATE`, productID, scope.TenantID, scope.WarehouseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lots []Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func (r *txRepository) InsertLot(ctx context.Context, lot Lot) (Lot, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO cost_lots (product_id, tenant_id, branch_id, cost_center_id, warehouse_id, original_qty, remaining_qty, unit_cost, source_kind, source_id, received_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id, created_at`,
		lot.ProductID, lot.Scope.TenantID, lot.Scope.BranchID, lot.Scope.CostCenterID, lot.Scope.WarehouseID,
		lot.OriginalQty.String(), lot.RemainingQty.String(), lot.UnitCost.String(), lot.SourceKind, lot.SourceID, lot.ReceivedAt)
	if err := row.Scan(&lot.ID, &lot.CreatedAt); err != nil {
		return Lot{}, err
	}
	return lot, nil
}

func (r *txRepository) GetLotForUpdate(ctx context.Context, lotID int64) (Lot, error) {
	lot, err := scanLot(r.tx.QueryRow(ctx, `SELECT `+lotColumns+` FROM cost_lots WHERE id=$1 FOR UPDATE`, lotID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lot{}, ErrLotNotFound
		}
		return Lot{}, err
	}
	return lot, nil
}

func (r *txRepository) UpdateLotRemaining(ctx context.Context, lotID int64, remaining decimal.Decimal) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE cost_lots SET remaining_qty=$2 WHERE id=$1`, lotID, remaining.String())
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrLotNotFound
	}
	return nil
}

func (r *txRepository) InsertConsumptions(ctx context.Context, rows []Consumption) error {
	for _, row := range rows {
		if _, err := r.tx.Exec(ctx, `INSERT INTO lot_consumptions (product_id, lot_id, qty, reversed_qty, unit_cost, ref_kind, ref_id, consumed_at)
VALUES ($1,$2,$3,0,$4,$5,$6,$7)`,
			row.ProductID, row.LotID, row.Qty.String(), row.UnitCost.String(), row.RefKind, row.RefID, row.ConsumedAt); err != nil {
			return err
		}
	}
	return nil
}

const consumptionColumns = `id, product_id, lot_id, qty::text, reversed_qty::text, unit_cost::text, ref_kind, ref_id, consumed_at`

func scanConsumptions(rows pgx.Rows) ([]Consumption, error) {
	defer rows.Close()
	var out []Consumption
	for rows.Next() {
		var c Consumption
		var qty, reversed, cost string
		if err := rows.Scan(&c.ID, &c.ProductID, &c.LotID, &qty, &reversed, &cost, &c.RefKind, &c.RefID, &c.ConsumedAt); err != nil {
			return nil, err
		}
		var err error
		if c.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, err
		}
		if c.ReversedQty, err = decimal.NewFromString(reversed); err != nil {
			return nil, err
		}
		if c.UnitCost, err = decimal.NewFromString(cost); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *txRepository) LockConsumptionsByRef(ctx context.Context, refKind string, refID string) ([]Consumption, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+consumptionColumns+` FROM lot_consumptions
WHERE ref_kind=$1 AND ref_id=$2 ORDER BY id ASC FOR UPDATE`, refKind, refID)
	if err != nil {
		return nil, err
	}
	return scanConsumptions(rows)
}

func (r *txRepository) UpdateConsumptionReversed(ctx context.Context, id int64, reversed decimal.Decimal) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE lot_consumptions SET reversed_qty=$2 WHERE id=$1`, id, reversed.String())
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return errors.New("fifo: consumption not found")
	}
	return nil
}

// ListLots returns a product's lots within scope, oldest first.
func (r *Repository) ListLots(ctx context.Context, productID int64, scope governance.Scope) ([]Lot, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+lotColumns+` FROM cost_lots
WHERE product_id=$1 AND tenant_id=$2 AND warehouse_id=$3
ORDER BY received_at ASC, id ASC`, productID, scope.TenantID, scope.WarehouseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lots []Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

// ConsumptionsByRef lists consumption rows for a business document.
func (r *Repository) ConsumptionsByRef(ctx context.Context, refKind string, refID string) ([]Consumption, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+consumptionColumns+` FROM lot_consumptions
WHERE ref_kind=$1 AND ref_id=$2 ORDER BY id ASC`, refKind, refID)
	if err != nil {
		return nil, err
	}
	return scanConsumptions(rows)
}
