// Package auth provides authentication for intake-gateway.
//
// # Authentication Method
//
// API clients authenticate with JWT tokens signed with HS256 using the
// configured jwt_secret. An empty secret disables authentication and
// the API accepts anonymous requests.
//
// # Token Verification
//
//	verifier := auth.NewJWTVerifier(secret)
//	principalID, err := verifier.Verify(tokenString)
//
// The principal ID is taken from the "sub" claim.
//
// # HTTP Middleware
//
// HTTPAuthMiddleware rejects requests without a valid bearer token.
// OptionalAuthMiddleware attaches identity when a valid token is present
// but lets anonymous requests through. Handlers read the verified
// identity with FromContext.
package auth
