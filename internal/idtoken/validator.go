// Package idtoken fetches and validates ID-token claims against the
// provider's verification endpoint, with a local cache keyed by nonce.
package idtoken

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Abraxas-365/craftable/errx"

	"partnerauth/internal/store"
	"partnerauth/pkg/oauth"
)

// Errors is the IDTOKEN error registry.
var Errors = errx.NewRegistry("IDTOKEN")

var (
	// CodeInvalidIDToken indicates no usable ID token or verification
	// endpoint is available.
	CodeInvalidIDToken = Errors.Register(
		"INVALID_ID_TOKEN", errx.TypeValidation,
		http.StatusUnauthorized, "id token is invalid")

	// CodeInvalidNonce indicates a missing nonce or a verification response
	// whose required claims are absent or empty.
	CodeInvalidNonce = Errors.Register(
		"INVALID_NONCE", errx.TypeValidation,
		http.StatusUnauthorized, "nonce is invalid")

	// CodeServiceFailed covers transport errors and non-2xx responses from
	// the verification endpoint.
	CodeServiceFailed = Errors.Register(
		"SERVICE_FAILED", errx.TypeExternal,
		http.StatusBadGateway, "id token verification service failed")
)

// Info holds the verified ID-token claims.
type Info struct {
	Audience       string    `json:"audience"`
	Service        string    `json:"service"`
	NotValidBefore time.Time `json:"notValidBefore"`
	Expiration     time.Time `json:"expiration"`
	IssueDate      time.Time `json:"issueDate"`
	Issuer         string    `json:"issuer"`
	TokenID        string    `json:"tokenId"`
	PartnerID      string    `json:"partnerId"`
	PartnerUserID  string    `json:"partnerUserId"`
	Nonce          string    `json:"nonce"`
}

// Valid reports whether the claims are usable at the given instant: the
// nonce and token id are present and now falls inside the validity window.
func (i *Info) Valid(now time.Time) bool {
	if i.Nonce == "" || i.TokenID == "" {
		return false
	}
	if !i.Expiration.After(now) {
		return false
	}
	if now.Before(i.NotValidBefore) {
		return false
	}
	return true
}

// infoResponse is the wire shape of the verification response. Timestamp
// fields arrive as epoch-second strings.
type infoResponse struct {
	Audience       string `json:"audience"`
	Service        string `json:"service"`
	NotValidBefore string `json:"notValidBefore"`
	ExpiresAt      string `json:"expires_at"`
	IssueAt        string `json:"issue_at"`
	Issuer         string `json:"issuer"`
	TokenID        string `json:"tokenId"`
	PartnerID      string `json:"partnerId"`
	PartnerUserID  string `json:"partnerUserId"`
	Nonce          string `json:"nonce"`
}

// cacheKey namespaces cached claims in the metadata store.
func cacheKey(nonce string) string {
	return "idtoken." + nonce
}

// Validator loads ID-token claims, serving a cached copy when it is fresh
// and passes the tamper check against the credential store.
type Validator struct {
	httpClient  oauth.HTTPDoer
	logger      *slog.Logger
	credentials store.CredentialStore
	metadata    store.MetadataStore
	clientID    string
	scope       string
	now         func() time.Time
}

// Option configures the Validator.
type Option func(*Validator)

// WithHTTPClient sets a custom HTTP client collaborator.
func WithHTTPClient(c oauth.HTTPDoer) Option {
	return func(v *Validator) { v.httpClient = c }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// WithClock sets the clock used for cache freshness checks.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// NewValidator creates a Validator bound to one client id and scope.
func NewValidator(clientID, scope string, credentials store.CredentialStore, metadata store.MetadataStore, opts ...Option) *Validator {
	v := &Validator{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      slog.Default(),
		credentials: credentials,
		metadata:    metadata,
		clientID:    clientID,
		scope:       scope,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// LoadParams identify the token to verify.
type LoadParams struct {
	// VerificationEndpoint is the discovered id-token-verification endpoint.
	VerificationEndpoint string

	// IDToken is the current ID token.
	IDToken string

	// Nonce is the live nonce from the session.
	Nonce string
}

// Load returns the claims for the current ID token. A cached entry is
// returned without a network call when it is unexpired and its
// tokenId/partnerUserId cross-reference against the credential store holds.
//
// Callers must treat any error as grounds for session teardown: claims that
// cannot be verified mean the session cannot be trusted.
func (v *Validator) Load(ctx context.Context, p LoadParams) (*Info, error) {
	if p.VerificationEndpoint == "" {
		return nil, Errors.New(CodeInvalidIDToken)
	}
	if p.Nonce == "" {
		return nil, Errors.New(CodeInvalidNonce)
	}

	if cached := v.restoreCached(p.Nonce); cached != nil {
		v.logger.Debug("id token claims served from cache", "expires", cached.Expiration.Format(time.RFC3339))
		return cached, nil
	}

	info, err := v.fetch(ctx, p)
	if err != nil {
		return nil, err
	}

	v.cache(info)
	return info, nil
}

// Invalidate drops any cached claims for the given nonce.
func (v *Validator) Invalidate(nonce string) {
	if nonce == "" {
		return
	}
	_ = v.metadata.Erase(cacheKey(nonce))
}

// restoreCached returns the cached claims for nonce if they are fresh and
// untampered; otherwise it evicts the entry and returns nil.
func (v *Validator) restoreCached(nonce string) *Info {
	data, err := v.metadata.Load(cacheKey(nonce))
	if err != nil {
		return nil
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		_ = v.metadata.Erase(cacheKey(nonce))
		return nil
	}

	if !info.Valid(v.now()) {
		_ = v.metadata.Erase(cacheKey(nonce))
		return nil
	}

	// Tamper check: the claims must match the values independently recorded
	// in the credential store when they were first verified.
	tokenID, err := v.credentials.Read(store.KeyTokenID, v.scope)
	if err != nil || tokenID == "" || tokenID != info.TokenID {
		_ = v.metadata.Erase(cacheKey(nonce))
		return nil
	}
	partnerUserID, err := v.credentials.Read(store.KeyPartnerUserID, v.scope)
	if err != nil || partnerUserID == "" || partnerUserID != info.PartnerUserID {
		_ = v.metadata.Erase(cacheKey(nonce))
		return nil
	}

	return &info
}

func (v *Validator) cache(info *Info) {
	// The cross-reference values go to the credential store first; without
	// them a cached entry can never pass the tamper check.
	if err := v.credentials.Save(store.KeyTokenID, v.scope, info.TokenID); err != nil {
		v.logger.Warn("failed to store claim cross-reference", "key", store.KeyTokenID, "error", err)
		return
	}
	if err := v.credentials.Save(store.KeyPartnerUserID, v.scope, info.PartnerUserID); err != nil {
		v.logger.Warn("failed to store claim cross-reference", "key", store.KeyPartnerUserID, "error", err)
		return
	}

	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := v.metadata.Save(cacheKey(info.Nonce), data); err != nil {
		v.logger.Warn("failed to cache verified claims", "error", err)
	}
}

func (v *Validator) fetch(ctx context.Context, p LoadParams) (*Info, error) {
	u, err := url.Parse(p.VerificationEndpoint)
	if err != nil {
		return nil, Errors.NewWithCause(CodeInvalidIDToken, err)
	}
	u.RawQuery = percentEncodeQuery(url.Values{
		"client_id": {v.clientID},
		"id_token":  {p.IDToken},
		"nonce":     {p.Nonce},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, Errors.NewWithCause(CodeServiceFailed, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, Errors.NewWithCause(CodeServiceFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Errors.NewWithCause(CodeServiceFailed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, Errors.NewWithMessage(CodeServiceFailed,
			fmt.Sprintf("verification request failed with status %d", resp.StatusCode)).
			WithDetail("status", resp.StatusCode)
	}

	var wire infoResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, Errors.NewWithCause(CodeServiceFailed, err)
	}

	// Every identity-bearing claim must be present and non-empty.
	if wire.Audience == "" || wire.Nonce == "" || wire.Service == "" ||
		wire.PartnerID == "" || wire.PartnerUserID == "" || wire.TokenID == "" {
		return nil, Errors.NewWithMessage(CodeInvalidNonce,
			"verification response is missing required claims")
	}

	return &Info{
		Audience:       wire.Audience,
		Service:        wire.Service,
		NotValidBefore: epochSeconds(wire.NotValidBefore),
		Expiration:     epochSeconds(wire.ExpiresAt),
		IssueDate:      epochSeconds(wire.IssueAt),
		Issuer:         wire.Issuer,
		TokenID:        wire.TokenID,
		PartnerID:      wire.PartnerID,
		PartnerUserID:  wire.PartnerUserID,
		Nonce:          wire.Nonce,
	}, nil
}

// epochSeconds converts an epoch-second string claim to a time.Time.
// Unparseable values map to the zero epoch, matching a provider sending "0".
func epochSeconds(s string) time.Time {
	sec, err := strconv.ParseFloat(s, 64)
	if err != nil {
		sec = 0
	}
	return time.Unix(int64(sec), 0).UTC()
}

// percentEncodeQuery encodes values with spaces as %20 and plus signs as
// %2B. url.Values.Encode writes spaces as "+", which providers that decode
// the query as form data would read back as a space; ID tokens can contain
// literal "+" so the query must stay unambiguous.
func percentEncodeQuery(values url.Values) string {
	return strings.ReplaceAll(values.Encode(), "+", "%20")
}
