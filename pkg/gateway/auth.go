package gateway

import (
	"context"
	"strings"
)

// Authenticator validates a bearer token and resolves it to a user id.
// Session/auth issuance itself is an external collaborator the gateway does
// not implement -- only this contract is owned here.
type Authenticator interface {
	Authenticate(ctx context.Context, bearerToken string) (userID string, ok bool)
}

// BearerPassthroughAuthenticator is the boundary stub standing in for the
// external session/auth issuer: it accepts any well-formed, non-empty
// bearer token and treats the token itself as the user id. A real
// deployment wires an Authenticator that calls out to the actual session
// store; this one exists so the gateway's guard chain has something to run
// against on its own.
type BearerPassthroughAuthenticator struct{}

func (BearerPassthroughAuthenticator) Authenticate(_ context.Context, bearerToken string) (string, bool) {
	if bearerToken == "" {
		return "", false
	}
	return bearerToken, true
}

// extractBearerToken pulls the token out of an `Authorization: Bearer <token>`
// header, returning ok=false if the header is missing or malformed.
func extractBearerToken(authHeader string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}
