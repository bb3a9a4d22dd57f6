// Package auth provides authentication for relay-gateway.
//
// # Authentication Method
//
// API clients authenticate with JWT tokens signed with HS256 using the
// configured jwt_secret. Every token carries two required claims:
//
//   - sub: the user identifier within the tenant
//   - tenant: the tenant the token is scoped to
//
// A token is valid for exactly one tenant. Handlers compare the token's
// tenant against the tenant addressed by the request and reject mismatches
// with 403, which keeps cross-tenant access failures distinct from the 401
// returned for missing or invalid tokens.
//
// # Identity Propagation
//
// The HTTP middleware verifies the token and attaches an Identity to the
// request context:
//
//	id := auth.FromContext(r.Context())
//
// # Token Management
//
//	token, err := verifier.Generate(tenant, user, time.Hour)
//	id, err := verifier.Verify(token)
package auth
