package oauth

import (
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// HTTPDoer is the HTTP client collaborator consumed by the engine's
// network-bound components. *http.Client satisfies it; tests substitute
// counting or failing implementations.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenSet holds the three secrets obtained from a token exchange plus the
// non-secret metadata needed to judge validity. All three tokens are set or
// cleared together; a partial set is treated as corrupt.
type TokenSet struct {
	// AccessToken is the bearer token used for authorization.
	AccessToken string

	// IDToken is the OIDC ID token.
	IDToken string

	// RefreshToken is used to obtain new access tokens.
	RefreshToken string

	// TokenType is typically "Bearer".
	TokenType string

	// ExpiresAt is the absolute access-token expiry, computed from the
	// expires_in of the token response relative to receipt time.
	ExpiresAt time.Time
}

// Complete reports whether all three tokens are present.
func (t *TokenSet) Complete() bool {
	return t.AccessToken != "" && t.IDToken != "" && t.RefreshToken != ""
}

// Empty reports whether no token material is held.
func (t *TokenSet) Empty() bool {
	return t.AccessToken == "" && t.IDToken == "" && t.RefreshToken == ""
}

// Expired reports whether the access token has expired at the given instant.
// A zero expiry means the token's lifetime is unknown and it is treated as
// expired rather than trusted indefinitely.
func (t *TokenSet) Expired(now time.Time) bool {
	if t.ExpiresAt.IsZero() {
		return true
	}
	return !now.Before(t.ExpiresAt)
}

// ToOAuth2Token converts the TokenSet to an oauth2.Token for callers that
// embed the engine into golang.org/x/oauth2-based HTTP stacks.
func (t *TokenSet) ToOAuth2Token() *oauth2.Token {
	token := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		Expiry:       t.ExpiresAt,
	}

	if t.IDToken != "" {
		token = token.WithExtra(map[string]interface{}{
			"id_token": t.IDToken,
		})
	}

	return token
}

// EndpointSet holds the identity-provider endpoints discovered from the
// service discovery document. It is cached for the lifetime of a controller
// and persisted with the session metadata so a later launch can skip
// discovery. It is not a secret.
type EndpointSet struct {
	// Authorization is the authorization endpoint users are sent to.
	Authorization string `json:"authorizationEndpoint,omitempty"`

	// Token is the token endpoint used for code and refresh exchanges.
	Token string `json:"tokenEndpoint,omitempty"`

	// IDTokenVerification is the endpoint used to validate ID-token claims.
	IDTokenVerification string `json:"idTokenVerificationEndpoint,omitempty"`

	// ClientPublicInfo is the client public info endpoint. It may carry a
	// {client_id} placeholder that must be substituted before use.
	ClientPublicInfo string `json:"clientPublicInfoEndpoint,omitempty"`
}

// Complete reports whether the three endpoints every flow needs are present.
// ClientPublicInfo is optional.
func (e *EndpointSet) Complete() bool {
	return e.Authorization != "" && e.Token != "" && e.IDTokenVerification != ""
}

// NormalizeScope lower-cases scope tokens and collapses whitespace while
// preserving their order. The normalized form namespaces stored credentials
// and session metadata; the configured form is what goes on the wire.
func NormalizeScope(scope string) string {
	return strings.Join(strings.Fields(strings.ToLower(scope)), " ")
}

// SessionKey derives the storage key for a client's session metadata.
func SessionKey(clientID, scope string) string {
	return clientID + "." + NormalizeScope(scope)
}
