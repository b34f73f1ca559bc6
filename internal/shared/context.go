package shared

import "context"

// Actor identifies the authenticated caller as forwarded by the gateway.
// Authentication itself happens upstream; the core only consumes identity.
type Actor struct {
	UserID         string
	Email          string
	OrganizationID string
}

// IsZero reports whether no identity was forwarded.
func (a Actor) IsZero() bool {
	return a.UserID == "" && a.Email == "" && a.OrganizationID == ""
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) Actor {
	actor, _ := ctx.Value(actorContextKey{}).(Actor)
	return actor
}
