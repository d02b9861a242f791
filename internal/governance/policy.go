package governance

import "github.com/meridian-erp/meridian-erp/internal/shared"

// Built-in roles. Tenants may extend the table-backed policy beyond these.
const (
	RoleOwner      shared.Role = "OWNER"
	RoleAdmin      shared.Role = "ADMIN"
	RoleAccountant shared.Role = "ACCOUNTANT"
	RoleStorekeep  shared.Role = "STOREKEEPER"
	RoleAuditor    shared.Role = "AUDITOR"
)

// StaticPolicy grants capabilities per role from a fixed table.
type StaticPolicy struct {
	grants map[shared.Role]map[Capability]struct{}
}

// DefaultPolicy returns the baseline capability assignments.
func DefaultPolicy() *StaticPolicy {
	p := &StaticPolicy{grants: make(map[shared.Role]map[Capability]struct{})}
	p.grant(RoleOwner, CapPostEntry, CapReverseEntry, CapPostCorrection, CapMoveInventory, CapRunReconcile, CapManageRates)
	p.grant(RoleAdmin, CapPostEntry, CapReverseEntry, CapPostCorrection, CapMoveInventory, CapRunReconcile, CapManageRates)
	p.grant(RoleAccountant, CapPostEntry, CapReverseEntry, CapRunReconcile)
	p.grant(RoleStorekeep, CapMoveInventory)
	p.grant(RoleAuditor, CapRunReconcile)
	return p
}

func (p *StaticPolicy) grant(role shared.Role, caps ...Capability) {
	set, ok := p.grants[role]
	if !ok {
		set = make(map[Capability]struct{})
		p.grants[role] = set
	}
	for _, c := range caps {
		set[c] = struct{}{}
	}
}

// Allows implements Policy.
func (p *StaticPolicy) Allows(role shared.Role, cap Capability) bool {
	if p == nil {
		return false
	}
	set, ok := p.grants[role]
	if !ok {
		return false
	}
	_, ok = set[cap]
	return ok
}
