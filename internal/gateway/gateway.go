// Package gateway is the boundary surface of the integration gateway: a
// single verification entry point for anything that authenticates external
// callers, and a single publish entry point for anything that raises a
// domain event.
package gateway

import (
	"context"
	"encoding/json"

	"github.com/stockpile/integration-gateway/internal/domain/apikey"
)

// AuthContext is the validated identity behind a presented API key. It is
// derived per request and never persisted; downstream handlers use it to
// scope what the caller may read.
type AuthContext struct {
	KeyID   string
	KeyName string
}

// CredentialVerifier is the slice of the credential store the facade needs.
type CredentialVerifier interface {
	Verify(ctx context.Context, token string) (apikey.Key, error)
}

// Publisher is the slice of the dispatcher the facade needs.
type Publisher interface {
	Publish(ctx context.Context, event string, data json.RawMessage) error
}

// Gateway composes credential verification and event publishing behind one
// surface so the rest of the system depends on neither component directly.
type Gateway struct {
	creds CredentialVerifier
	pub   Publisher
}

// New creates the facade.
func New(creds CredentialVerifier, pub Publisher) *Gateway {
	return &Gateway{creds: creds, pub: pub}
}

// VerifyCaller turns a presented token into an authorization context. Every
// rejection is apikey.ErrInvalidKey regardless of cause.
func (g *Gateway) VerifyCaller(ctx context.Context, token string) (AuthContext, error) {
	key, err := g.creds.Verify(ctx, token)
	if err != nil {
		return AuthContext{}, err
	}
	return AuthContext{KeyID: key.ID, KeyName: key.Name}, nil
}

// Publish hands a domain event to the dispatcher and returns as soon as
// delivery work is scheduled. Fire-and-forget for the caller; fully observed
// in the delivery log.
func (g *Gateway) Publish(ctx context.Context, event string, data json.RawMessage) error {
	return g.pub.Publish(ctx, event, data)
}

// authContextKey is the context key for the caller's AuthContext.
type authContextKey struct{}

// WithAuthContext stores the caller's identity in the request context.
func WithAuthContext(ctx context.Context, ac AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, ac)
}

// AuthFromContext extracts the caller's identity set by the security
// middleware. The second return is false on unauthenticated requests.
func AuthFromContext(ctx context.Context) (AuthContext, bool) {
	ac, ok := ctx.Value(authContextKey{}).(AuthContext)
	return ac, ok
}
