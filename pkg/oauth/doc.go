// Package oauth provides the shared OAuth2/OIDC wire types and
// security-parameter generation used by the partnerauth engine.
//
// It contains:
//   - PKCE verifier/challenge generation (S256, RFC 7636)
//   - per-attempt nonce and state generation
//   - the SecurityContext bundling the per-login-attempt parameters
//   - the TokenSet and EndpointSet value types shared across packages
//   - scope normalization and session key derivation
//
// The package is deliberately free of network and storage concerns so it can
// be reused by both the engine (internal/flow) and embedding applications.
package oauth
