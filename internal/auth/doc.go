// Package auth authenticates parley clients.
//
// # Tokens
//
// Clients present an HS256 JWT whose "sub" claim is their user id. The
// gateway and the token subcommand share the configured auth.jwt_secret,
// which must be at least MinSecretLength bytes.
//
//	verifier, err := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate("alice", 24*time.Hour)
//	userID, err := verifier.Verify(token)
//
// # HTTP
//
// HTTPAuthMiddleware guards both the REST API and the websocket upgrade. It
// reads the token from the Authorization header ("Bearer <token>") or, when
// the header is absent, from the access_token query parameter. Handlers read
// the principal with FromContext or PrincipalID.
package auth
