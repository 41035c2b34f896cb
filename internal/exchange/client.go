// Package exchange performs authorization-code and refresh-token grants
// against the provider's token endpoint and normalizes the responses into a
// TokenSet.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Abraxas-365/craftable/errx"

	"partnerauth/pkg/oauth"
)

// Errors is the EXCHANGE error registry.
var Errors = errx.NewRegistry("EXCHANGE")

// CodeTokenServiceFailed covers transport errors, non-2xx responses, and
// malformed token responses.
var CodeTokenServiceFailed = Errors.Register(
	"TOKEN_SERVICE_FAILED", errx.TypeExternal,
	http.StatusBadGateway, "token endpoint exchange failed")

const (
	grantAuthorizationCode = "authorization_code"
	grantRefreshToken      = "refresh_token"
)

// Client talks to the token endpoint. It never logs token material; only
// grant types and endpoints appear in logs.
type Client struct {
	httpClient oauth.HTTPDoer
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client collaborator.
func WithHTTPClient(c oauth.HTTPDoer) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// WithClock sets the clock used to anchor token expiry. Tests use this to
// verify expiry arithmetic.
func WithClock(now func() time.Time) Option {
	return func(cl *Client) { cl.now = now }
}

// NewClient creates a token exchange client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CodeExchangeParams are the parameters of an authorization_code grant.
type CodeExchangeParams struct {
	ClientID     string
	RedirectURI  string
	CodeVerifier string
	Code         string
}

// RefreshParams are the parameters of a refresh_token grant.
type RefreshParams struct {
	ClientID     string
	RefreshToken string
}

// tokenResponse is the wire shape of a successful token response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// ExchangeCode redeems an authorization code for a TokenSet.
func (c *Client) ExchangeCode(ctx context.Context, tokenEndpoint string, p CodeExchangeParams) (*oauth.TokenSet, error) {
	data := url.Values{
		"client_id":     {p.ClientID},
		"grant_type":    {grantAuthorizationCode},
		"redirect_uri":  {p.RedirectURI},
		"code_verifier": {p.CodeVerifier},
		"code":          {p.Code},
	}

	ts, err := c.doTokenRequest(ctx, tokenEndpoint, data)
	if err != nil {
		return nil, err
	}

	// A code exchange must return the full set.
	if !ts.Complete() {
		return nil, Errors.NewWithMessage(CodeTokenServiceFailed,
			"token response is missing required token fields")
	}

	c.logger.Debug("authorization code exchanged",
		"token_endpoint", tokenEndpoint,
		"expires_at", ts.ExpiresAt.Format(time.RFC3339),
	)
	return ts, nil
}

// Refresh redeems a refresh token for a new TokenSet. Providers that do not
// rotate refresh tokens may omit refresh_token from the response; the prior
// token is carried over unchanged in that case.
func (c *Client) Refresh(ctx context.Context, tokenEndpoint string, p RefreshParams) (*oauth.TokenSet, error) {
	data := url.Values{
		"client_id":     {p.ClientID},
		"grant_type":    {grantRefreshToken},
		"refresh_token": {p.RefreshToken},
	}

	ts, err := c.doTokenRequest(ctx, tokenEndpoint, data)
	if err != nil {
		return nil, err
	}

	if ts.RefreshToken == "" {
		ts.RefreshToken = p.RefreshToken
	}

	if !ts.Complete() {
		return nil, Errors.NewWithMessage(CodeTokenServiceFailed,
			"token response is missing required token fields")
	}

	c.logger.Debug("refresh token exchanged",
		"token_endpoint", tokenEndpoint,
		"expires_at", ts.ExpiresAt.Format(time.RFC3339),
	)
	return ts, nil
}

func (c *Client) doTokenRequest(ctx context.Context, tokenEndpoint string, data url.Values) (*oauth.TokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, Errors.NewWithCause(CodeTokenServiceFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, Errors.NewWithCause(CodeTokenServiceFailed, err)
	}
	defer resp.Body.Close()

	// Expiry is anchored to receipt time, not request time, so network
	// latency never inflates the token lifetime.
	receivedAt := c.now()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Errors.NewWithCause(CodeTokenServiceFailed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, Errors.NewWithMessage(CodeTokenServiceFailed,
			fmt.Sprintf("token request failed with status %d", resp.StatusCode)).
			WithDetail("status", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, Errors.NewWithCause(CodeTokenServiceFailed, err)
	}

	if tr.AccessToken == "" || tr.TokenType == "" || tr.ExpiresIn <= 0 {
		return nil, Errors.NewWithMessage(CodeTokenServiceFailed,
			"token response is missing required fields")
	}

	return &oauth.TokenSet{
		AccessToken:  tr.AccessToken,
		IDToken:      tr.IDToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		ExpiresAt:    receivedAt.Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}
