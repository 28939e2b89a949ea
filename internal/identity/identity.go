package identity

import "context"

// Identity is the authenticated caller as seen by the workflow engine:
// the user id plus the role capabilities transitions depend on.
type Identity struct {
	UserID         string
	Name           string
	RoleCode       string
	IsAdmin        bool
	CanSelfApprove bool
}

type contextKey struct{}

// WithIdentity attaches the caller identity to a context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext extracts the caller identity, reporting whether one is set.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
