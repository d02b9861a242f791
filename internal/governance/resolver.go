package governance

import (
	"context"
	"errors"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// DefaultsPort reads the tenant-level fallback scope.
type DefaultsPort interface {
	TenantDefaults(ctx context.Context, tenantID int64) (Scope, error)
}

// ErrNoTenant indicates an actor without a tenant, which nothing can post under.
var ErrNoTenant = errors.New("governance: actor has no tenant")

// Resolver produces a posting scope with deterministic precedence:
// explicit override, then actor assignment, then tenant default.
type Resolver struct {
	defaults DefaultsPort
	policy   Policy
}

// NewResolver constructs a Resolver.
func NewResolver(defaults DefaultsPort, policy Policy) *Resolver {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Resolver{defaults: defaults, policy: policy}
}

// Resolve builds the scope for a governed operation. It fails with
// *ScopeError when any required field remains unresolved.
func (r *Resolver) Resolve(ctx context.Context, actor *shared.Actor, ov Override) (Scope, error) {
	scope, err := r.ResolvePartial(ctx, actor, ov)
	if err != nil {
		return Scope{}, err
	}
	if !scope.Complete() {
		return Scope{}, &ScopeError{Missing: scope.Missing()}
	}
	return scope, nil
}

// ResolvePartial applies the precedence chain without requiring a complete
// result. Informational queries use this directly.
func (r *Resolver) ResolvePartial(ctx context.Context, actor *shared.Actor, ov Override) (Scope, error) {
	if actor == nil || actor.TenantID == 0 {
		return Scope{}, ErrNoTenant
	}
	scope := Scope{TenantID: actor.TenantID}

	scope.BranchID = firstOf(ov.BranchID, actor.BranchID)
	scope.CostCenterID = firstOf(ov.CostCenterID, actor.CostCenterID)
	scope.WarehouseID = firstOf(ov.WarehouseID, actor.WarehouseID)

	if scope.Complete() || r.defaults == nil {
		return scope, nil
	}
	def, err := r.defaults.TenantDefaults(ctx, actor.TenantID)
	if err != nil {
		return Scope{}, err
	}
	if scope.BranchID == 0 {
		scope.BranchID = def.BranchID
	}
	if scope.CostCenterID == 0 {
		scope.CostCenterID = def.CostCenterID
	}
	if scope.WarehouseID == 0 {
		scope.WarehouseID = def.WarehouseID
	}
	return scope, nil
}

// Authorize verifies the actor's role carries the capability.
func (r *Resolver) Authorize(actor *shared.Actor, cap Capability) error {
	if actor == nil {
		return &CapabilityError{Capability: cap}
	}
	if !r.policy.Allows(actor.Role, cap) {
		return &CapabilityError{Role: actor.Role, Capability: cap}
	}
	return nil
}

func firstOf(override, assigned *int64) int64 {
	if override != nil && *override != 0 {
		return *override
	}
	if assigned != nil && *assigned != 0 {
		return *assigned
	}
	return 0
}
