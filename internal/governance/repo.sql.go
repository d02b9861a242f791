package governance

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads tenant default scopes. A tenant without a defaults row
// simply resolves nothing extra; the caller reports what stays missing.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TenantDefaults implements DefaultsPort.
func (r *Repository) TenantDefaults(ctx context.Context, tenantID int64) (Scope, error) {
	var scope Scope
	err := r.pool.QueryRow(ctx, `SELECT tenant_id, default_branch_id, default_cost_center_id, default_warehouse_id
FROM tenant_defaults WHERE tenant_id=$1`, tenantID).
		Scan(&scope.TenantID, &scope.BranchID, &scope.CostCenterID, &scope.WarehouseID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Scope{TenantID: tenantID}, nil
		}
		return Scope{}, err
	}
	return scope, nil
}
