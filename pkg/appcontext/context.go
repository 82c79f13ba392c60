// Package appcontext carries request-scoped values between the sync engine
// and the catalog client.
package appcontext

import "context"

type contextKey string

// String returns the string representation of the context key.
func (c contextKey) String() string {
	return string(c)
}

var (
	// ContextJWTToken represents the context key for the catalog bearer token.
	ContextJWTToken = contextKey("jwtToken")
	// ContextCycleID represents the context key for the id of the running sync cycle.
	ContextCycleID = contextKey("syncCycleID")
)

// WithJWTToken returns a new context with the provided JWT token.
func WithJWTToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, ContextJWTToken, token)
}

// GetJWTToken retrieves the JWT token from the context.
func GetJWTToken(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(ContextJWTToken).(string)
	return token, ok
}

// WithCycleID tags ctx with the id of the sync cycle it belongs to.
func WithCycleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextCycleID, id)
}

// GetCycleID retrieves the sync cycle id from the context.
func GetCycleID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ContextCycleID).(string)
	return id, ok
}
