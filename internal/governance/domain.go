package governance

import (
	"fmt"
	"strings"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Scope is the mandatory posting context carried by every journal entry and
// inventory movement.
type Scope struct {
	TenantID     int64
	BranchID     int64
	CostCenterID int64
	WarehouseID  int64
}

// Complete reports whether every required field resolved.
func (s Scope) Complete() bool {
	return s.TenantID != 0 && s.BranchID != 0 && s.CostCenterID != 0 && s.WarehouseID != 0
}

// Missing lists the unresolved field names.
func (s Scope) Missing() []string {
	var missing []string
	if s.TenantID == 0 {
		missing = append(missing, "tenant")
	}
	if s.BranchID == 0 {
		missing = append(missing, "branch")
	}
	if s.CostCenterID == 0 {
		missing = append(missing, "cost_center")
	}
	if s.WarehouseID == 0 {
		missing = append(missing, "warehouse")
	}
	return missing
}

// Override carries explicit caller-supplied scope fields. Nil fields fall
// through to the actor's assignment, then the tenant default.
type Override struct {
	BranchID     *int64
	CostCenterID *int64
	WarehouseID  *int64
}

// ScopeError reports an operation attempted without a fully resolved scope.
type ScopeError struct {
	Missing []string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("governance: scope unresolved: %s", strings.Join(e.Missing, ", "))
}

// Capability is an atomic permission checked before governed operations.
type Capability string

const (
	CapPostEntry      Capability = "ledger.post"
	CapReverseEntry   Capability = "ledger.reverse"
	CapPostCorrection Capability = "ledger.correct"
	CapMoveInventory  Capability = "inventory.move"
	CapRunReconcile   Capability = "audit.reconcile"
	CapManageRates    Capability = "fx.manage"
)

// Policy decides whether a role may exercise a capability.
type Policy interface {
	Allows(role shared.Role, cap Capability) bool
}

// CapabilityError reports a capability denied for the actor's role.
type CapabilityError struct {
	Role       shared.Role
	Capability Capability
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("governance: role %q lacks capability %q", e.Role, e.Capability)
}
