// Package access carries the authenticated user identity in the
// request context. The users service puts it there after validating
// the bearer token; the telemetry API reads it back.
package access

import "context"

type contextKeyIdentityType struct{}

var contextKeyIdentity = &contextKeyIdentityType{}

// ContextWithIdentity returns a new context carrying the
// authenticated user's ID.
func ContextWithIdentity(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, userID)
}

// IdentityFromContext returns the authenticated user's ID, if any.
func IdentityFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(contextKeyIdentity).(string)
	return userID, ok && userID != ""
}
