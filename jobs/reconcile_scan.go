package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/auditor"
	"github.com/meridian-erp/meridian-erp/internal/governance"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// ReconcileScanner runs the balance audit for every active tenant.
type ReconcileScanner struct {
	logger  *slog.Logger
	pool    *pgxpool.Pool
	auditor *auditor.Service
}

// NewReconcileScanner constructs the scanner.
func NewReconcileScanner(logger *slog.Logger, pool *pgxpool.Pool, svc *auditor.Service) *ReconcileScanner {
	return &ReconcileScanner{logger: logger, pool: pool, auditor: svc}
}

// Handle processes TaskReconcileScan tasks.
func (s *ReconcileScanner) Handle(ctx context.Context, _ *asynq.Task) error {
	tenants, err := s.activeTenants(ctx)
	if err != nil {
		return err
	}
	asOf := time.Now().UTC()
	for _, tenantID := range tenants {
		actor := &shared.Actor{TenantID: tenantID, Role: governance.RoleAuditor}
		report, err := s.auditor.Reconcile(ctx, actor, asOf)
		if err != nil {
			s.logger.Error("reconcile scan failed",
				slog.Int64("tenant_id", tenantID), slog.Any("error", err))
			continue
		}
		if !report.Clean() {
			s.logger.Warn("reconcile scan found issues",
				slog.Int64("tenant_id", tenantID),
				slog.Int("findings", len(report.Findings)))
		}
	}
	return nil
}

func (s *ReconcileScanner) activeTenants(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT tenant_id FROM accounts WHERE is_active ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tenants []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}
