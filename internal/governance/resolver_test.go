package governance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

type staticDefaults struct {
	scope Scope
}

func (d staticDefaults) TenantDefaults(ctx context.Context, tenantID int64) (Scope, error) {
	s := d.scope
	s.TenantID = tenantID
	return s, nil
}

func ptr(v int64) *int64 { return &v }

func TestResolvePrecedence(t *testing.T) {
	resolver := NewResolver(staticDefaults{scope: Scope{BranchID: 9, CostCenterID: 9, WarehouseID: 9}}, nil)
	actor := &shared.Actor{ID: 1, TenantID: 7, Role: RoleAccountant, BranchID: ptr(int64(2)), CostCenterID: ptr(int64(3))}

	scope, err := resolver.Resolve(context.Background(), actor, Override{BranchID: ptr(int64(5))})
	require.NoError(t, err)
	require.Equal(t, int64(7), scope.TenantID)
	require.Equal(t, int64(5), scope.BranchID, "explicit override wins")
	require.Equal(t, int64(3), scope.CostCenterID, "actor assignment beats tenant default")
	require.Equal(t, int64(9), scope.WarehouseID, "tenant default fills the rest")
}

func TestResolveIncompleteScope(t *testing.T) {
	resolver := NewResolver(staticDefaults{}, nil)
	actor := &shared.Actor{ID: 1, TenantID: 7, Role: RoleAccountant}

	_, err := resolver.Resolve(context.Background(), actor, Override{})
	var scopeErr *ScopeError
	require.ErrorAs(t, err, &scopeErr)
	require.ElementsMatch(t, []string{"branch", "cost_center", "warehouse"}, scopeErr.Missing)
}

func TestResolveNoTenant(t *testing.T) {
	resolver := NewResolver(nil, nil)
	_, err := resolver.Resolve(context.Background(), &shared.Actor{ID: 1}, Override{})
	require.ErrorIs(t, err, ErrNoTenant)
}

func TestResolvePartialAllowsGaps(t *testing.T) {
	resolver := NewResolver(nil, nil)
	actor := &shared.Actor{ID: 1, TenantID: 7, BranchID: ptr(int64(2))}

	scope, err := resolver.ResolvePartial(context.Background(), actor, Override{})
	require.NoError(t, err)
	require.Equal(t, int64(2), scope.BranchID)
	require.False(t, scope.Complete())
}

func TestAuthorize(t *testing.T) {
	resolver := NewResolver(nil, DefaultPolicy())

	require.NoError(t, resolver.Authorize(&shared.Actor{Role: RoleAccountant}, CapPostEntry))

	err := resolver.Authorize(&shared.Actor{Role: RoleStorekeep}, CapPostCorrection)
	var capErr *CapabilityError
	require.ErrorAs(t, err, &capErr)
	require.Equal(t, RoleStorekeep, capErr.Role)
}
