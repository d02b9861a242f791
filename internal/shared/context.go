package shared

import "context"

// Role identifies a permission grouping for capability checks.
type Role string

// Actor describes the authenticated principal performing an operation,
// together with its governance assignments.
type Actor struct {
	ID           int64
	TenantID     int64
	Role         Role
	BranchID     *int64
	CostCenterID *int64
	WarehouseID  *int64
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) *Actor {
	actor, _ := ctx.Value(actorContextKey{}).(*Actor)
	return actor
}
