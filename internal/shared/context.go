package shared

import "context"

// Actor describes the authenticated user attached to a request. Engine calls
// receive plain capability booleans derived from it; the ledger core never
// inspects permission strings itself.
type Actor struct {
	UserID int64
	Email  string
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context, nil when unauthenticated.
func ActorFromContext(ctx context.Context) *Actor {
	actor, _ := ctx.Value(actorContextKey{}).(*Actor)
	return actor
}
