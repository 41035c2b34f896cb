// Package flow orchestrates the authorization lifecycle: session restore,
// cache fast path, refresh, the interactive code flow, claim verification
// and logout. It composes the discovery, exchange, idtoken and store
// packages behind one Controller.
package flow

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Abraxas-365/craftable/errx"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"partnerauth/internal/config"
	"partnerauth/internal/discovery"
	"partnerauth/internal/exchange"
	"partnerauth/internal/idtoken"
	"partnerauth/internal/store"
	"partnerauth/pkg/oauth"
)

// AuthErrors is the AUTH error registry.
var AuthErrors = errx.NewRegistry("AUTH")

var (
	// CodeInitializationFailure indicates the controller could not be set up
	// from the given configuration.
	CodeInitializationFailure = AuthErrors.Register(
		"INITIALIZATION_FAILURE", errx.TypeValidation,
		http.StatusInternalServerError, "authorization engine initialization failed")

	// CodeSecurityValidationFailed indicates the redirect callback failed a
	// security check. The session is torn down when this is returned.
	CodeSecurityValidationFailed = AuthErrors.Register(
		"SECURITY_VALIDATION_FAILED", errx.TypeAuthorization,
		http.StatusUnauthorized, "security validation of the authorization callback failed")

	// CodeLoginInProgress indicates another interactive login attempt is
	// already in flight on this controller.
	CodeLoginInProgress = AuthErrors.Register(
		"LOGIN_IN_PROGRESS", errx.TypeConflict,
		http.StatusConflict, "another login attempt is already in progress")

	// CodeConsentFailed indicates the consent presenter did not produce a
	// callback, for example because the user closed the browser.
	CodeConsentFailed = AuthErrors.Register(
		"CONSENT_FAILED", errx.TypeExternal,
		http.StatusUnauthorized, "user consent was not obtained")
)

// LogoutErrors is the LOGOUT error registry.
var LogoutErrors = errx.NewRegistry("LOGOUT")

// CodeLogoutFailed indicates there was no stored session to log out of.
// Callers report it; local state is cleared regardless.
var CodeLogoutFailed = LogoutErrors.Register(
	"LOGOUT_FAILED", errx.TypeNotFound,
	http.StatusNotFound, "no stored session to log out of")

// ConsentPresenter hands the authorization URL to the user and returns the
// full redirect callback URL once consent completes. Implementations decide
// how the URL is presented (browser, terminal, test stub).
type ConsentPresenter interface {
	Present(ctx context.Context, authURL string) (string, error)
}

// Controller drives the authorization flow for one client configuration.
// All methods are safe for concurrent use. At most one interactive login
// attempt is in flight at a time; concurrent refreshes coalesce into a
// single grant.
type Controller struct {
	cfg        config.ClientConfig
	sessionKey string

	credentials store.CredentialStore
	metadata    store.MetadataStore
	resolver    *discovery.Resolver
	exchanger   *exchange.Client
	validator   *idtoken.Validator

	httpClient oauth.HTTPDoer
	logger     *slog.Logger
	now        func() time.Time

	mu         sync.Mutex
	state      State
	exchanging bool
	completing bool
	restored   bool
	session    *SessionData
	tokens     *oauth.TokenSet
	security   *oauth.SecurityContext

	refreshGroup singleflight.Group
}

// Option configures the Controller.
type Option func(*Controller)

// WithHTTPClient sets the HTTP client shared by all provider calls.
func WithHTTPClient(c oauth.HTTPDoer) Option {
	return func(ctl *Controller) { ctl.httpClient = c }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(ctl *Controller) { ctl.logger = l }
}

// WithClock sets the clock used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(ctl *Controller) { ctl.now = now }
}

// NewController creates a Controller for the given configuration and stores.
func NewController(cfg config.ClientConfig, credentials store.CredentialStore, metadata store.MetadataStore, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, AuthErrors.NewWithCause(CodeInitializationFailure, err)
	}
	if credentials == nil || metadata == nil {
		return nil, AuthErrors.NewWithMessage(CodeInitializationFailure,
			"credential and metadata stores are required")
	}

	c := &Controller{
		cfg:         cfg,
		sessionKey:  oauth.SessionKey(cfg.ClientID, cfg.Scope),
		credentials: credentials,
		metadata:    metadata,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      slog.Default(),
		now:         time.Now,
		state:       StateIdle,
		session:     &SessionData{},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.resolver = discovery.NewResolver(cfg.ClientID,
		discovery.WithHTTPClient(c.httpClient),
		discovery.WithLogger(c.logger),
	)
	c.exchanger = exchange.NewClient(
		exchange.WithHTTPClient(c.httpClient),
		exchange.WithLogger(c.logger),
		exchange.WithClock(c.now),
	)
	c.validator = idtoken.NewValidator(cfg.ClientID, cfg.Scope, credentials, metadata,
		idtoken.WithHTTPClient(c.httpClient),
		idtoken.WithLogger(c.logger),
		idtoken.WithClock(c.now),
	)

	return c, nil
}

// CurrentState returns the controller's position in the lifecycle.
func (c *Controller) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AccessToken returns the cached access token, or "" when none is held.
func (c *Controller) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.restoreLocked(); err != nil || c.tokens == nil {
		return ""
	}
	return c.tokens.AccessToken
}

// IDToken returns the cached ID token, or "" when none is held.
func (c *Controller) IDToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.restoreLocked(); err != nil || c.tokens == nil {
		return ""
	}
	return c.tokens.IDToken
}

// TokenSet returns a copy of the cached token set, or nil when none is held.
func (c *Controller) TokenSet() *oauth.TokenSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.restoreLocked(); err != nil || c.tokens == nil {
		return nil
	}
	cp := *c.tokens
	return &cp
}

// Session returns a copy of the persisted session metadata.
func (c *Controller) Session() SessionData {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.restoreLocked()
	return *c.session
}

// IsValidAccessToken reports whether an unexpired access token is cached.
// It never touches the network.
func (c *Controller) IsValidAccessToken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.restoreLocked(); err != nil {
		return false
	}
	return c.tokens != nil && c.tokens.Complete() && !c.tokens.Expired(c.now())
}

// Login returns a usable token set, doing as little work as possible.
//
// An unexpired cached token set is returned with zero network calls. An
// expired set with a refresh token triggers exactly one refresh grant even
// under concurrent callers. Anything else runs the full interactive flow
// through the presenter. A cached-token miss never short-circuits into an
// error; it always falls through to the interactive flow.
func (c *Controller) Login(ctx context.Context, presenter ConsentPresenter) (*oauth.TokenSet, error) {
	c.mu.Lock()
	if err := c.restoreLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	if c.tokens != nil && c.tokens.Complete() && !c.tokens.Expired(c.now()) {
		c.state = StateAuthenticated
		cp := *c.tokens
		c.mu.Unlock()
		c.logger.Debug("cached token set is still valid",
			"expires_at", cp.ExpiresAt.Format(time.RFC3339))
		return &cp, nil
	}

	canRefresh := c.tokens != nil && c.tokens.Complete() && c.tokens.RefreshToken != ""
	c.mu.Unlock()

	if canRefresh {
		return c.refresh(ctx)
	}

	authURL, err := c.BeginLogin(ctx)
	if err != nil {
		return nil, err
	}

	callbackURL, err := presenter.Present(ctx, authURL)
	if err != nil {
		c.abortLogin()
		return nil, AuthErrors.NewWithCause(CodeConsentFailed, err)
	}

	return c.CompleteLogin(ctx, callbackURL)
}

// BeginLogin starts an interactive login attempt and returns the
// authorization URL to present to the user. The attempt stays in flight
// until CompleteLogin or an abort; a second BeginLogin before then fails
// with CodeLoginInProgress.
func (c *Controller) BeginLogin(ctx context.Context) (string, error) {
	c.mu.Lock()
	if err := c.restoreLocked(); err != nil {
		c.mu.Unlock()
		return "", err
	}
	if c.exchanging {
		c.mu.Unlock()
		return "", AuthErrors.New(CodeLoginInProgress)
	}
	c.exchanging = true
	c.state = StateDiscovering
	c.mu.Unlock()

	endpoints, err := c.resolver.Resolve(ctx, c.cfg.ServiceDiscoveryURL)
	if err != nil {
		c.abortLogin()
		return "", err
	}

	sec, err := oauth.NewSecurityContext()
	if err != nil {
		c.abortLogin()
		return "", AuthErrors.NewWithCause(CodeInitializationFailure, err)
	}

	c.mu.Lock()
	c.state = StateBuildingAuthURL
	c.security = sec

	deviceID := c.deviceIDLocked()
	c.session.Code = ""
	c.session.CodeVerifier = sec.Verifier
	c.session.State = sec.State
	c.session.Nonce = sec.Nonce
	c.session.Endpoints = endpoints
	c.session.DeviceID = deviceID
	c.session.LoginHint = c.cfg.LoginHint
	c.session.IDTokenHint = c.cfg.IDTokenHint
	c.session.Prompt = c.cfg.Prompt

	if err := saveSession(c.metadata, c.sessionKey, c.session); err != nil {
		c.exchanging = false
		c.state = StateIdle
		c.mu.Unlock()
		return "", err
	}

	authURL, err := c.buildAuthorizationURL(endpoints.Authorization, sec, deviceID)
	if err != nil {
		c.exchanging = false
		c.state = StateIdle
		c.mu.Unlock()
		return "", err
	}

	c.state = StateAwaitingConsent
	c.mu.Unlock()

	c.logger.Debug("authorization URL built", "endpoint", endpoints.Authorization)
	return authURL, nil
}

// CompleteLogin finishes an interactive login attempt with the redirect
// callback URL. Provider errors and state mismatches tear the session down
// before returning; the authorization code is never sent to the token
// endpoint in those cases. At most one code exchange is in flight; a
// concurrent call while one is running fails with CodeLoginInProgress.
func (c *Controller) CompleteLogin(ctx context.Context, callbackURL string) (*oauth.TokenSet, error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		c.teardown()
		return nil, AuthErrors.NewWithCause(CodeSecurityValidationFailed, err)
	}
	query := u.Query()

	if provErr := query.Get("error"); provErr != "" {
		c.teardown()
		return nil, AuthErrors.NewWithMessage(CodeSecurityValidationFailed,
			"authorization was denied by the provider").
			WithDetail("error", provErr).
			WithDetail("error_description", query.Get("error_description"))
	}

	c.mu.Lock()
	if err := c.restoreLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	// A concurrent path may have produced a fresh token set while consent
	// was pending; in that case the code is simply dropped.
	if c.tokens != nil && c.tokens.Complete() && !c.tokens.Expired(c.now()) {
		c.session.clearInFlight()
		_ = saveSession(c.metadata, c.sessionKey, c.session)
		c.exchanging = false
		c.state = StateAuthenticated
		cp := *c.tokens
		c.mu.Unlock()
		return &cp, nil
	}

	if c.completing {
		c.mu.Unlock()
		return nil, AuthErrors.New(CodeLoginInProgress)
	}

	if c.session.State == "" {
		c.mu.Unlock()
		c.teardown()
		return nil, AuthErrors.NewWithMessage(CodeSecurityValidationFailed,
			"no login attempt is in flight")
	}
	if query.Get("state") != c.session.State {
		c.mu.Unlock()
		c.teardown()
		return nil, AuthErrors.NewWithMessage(CodeSecurityValidationFailed,
			"state parameter does not match the login attempt")
	}

	code := query.Get("code")
	if code == "" {
		c.mu.Unlock()
		c.teardown()
		return nil, AuthErrors.NewWithMessage(CodeSecurityValidationFailed,
			"callback carries no authorization code")
	}

	// Claim the exchange before releasing the lock so a second call with the
	// same callback can never redeem the code twice.
	c.completing = true
	c.session.Code = code
	if err := saveSession(c.metadata, c.sessionKey, c.session); err != nil {
		c.completing = false
		c.mu.Unlock()
		return nil, err
	}

	verifier := c.session.CodeVerifier
	nonce := c.session.Nonce
	c.state = StateExchangingCode
	c.mu.Unlock()

	endpoints, err := c.resolver.Resolve(ctx, c.cfg.ServiceDiscoveryURL)
	if err != nil {
		c.abortLogin()
		return nil, err
	}

	tokens, err := c.exchanger.ExchangeCode(ctx, endpoints.Token, exchange.CodeExchangeParams{
		ClientID:     c.cfg.ClientID,
		RedirectURI:  c.cfg.RedirectURI,
		CodeVerifier: verifier,
		Code:         code,
	})
	if err != nil {
		c.abortLogin()
		return nil, err
	}

	if err := c.persistTokens(tokens, endpoints, nonce); err != nil {
		return nil, err
	}

	cp := *tokens
	return &cp, nil
}

// Logout tears the session down: tokens, tamper-check values, cached claims
// and session metadata are all erased and the endpoint cache is dropped.
// When nothing was stored, CodeLogoutFailed is returned; local state is
// cleared either way.
func (c *Controller) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.restoreLocked()

	_, metaErr := c.metadata.Load(c.sessionKey)
	hadSession := c.tokens != nil || metaErr == nil

	c.teardownLocked()

	if !hadSession {
		return LogoutErrors.New(CodeLogoutFailed)
	}
	return nil
}

// LoadIDTokenInfo returns the verified claims of the current ID token.
// Verification failure means the session cannot be trusted, so it is torn
// down before the error is returned.
func (c *Controller) LoadIDTokenInfo(ctx context.Context) (*idtoken.Info, error) {
	c.mu.Lock()
	if err := c.restoreLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if c.tokens == nil || c.tokens.IDToken == "" {
		c.mu.Unlock()
		return nil, idtoken.Errors.New(idtoken.CodeInvalidIDToken)
	}
	idTok := c.tokens.IDToken
	nonce := c.session.LastNonce
	if nonce == "" && c.security != nil {
		nonce = c.security.Nonce
	}
	c.mu.Unlock()

	endpoints, err := c.resolver.Resolve(ctx, c.cfg.ServiceDiscoveryURL)
	if err != nil {
		return nil, err
	}

	info, err := c.validator.Load(ctx, idtoken.LoadParams{
		VerificationEndpoint: endpoints.IDTokenVerification,
		IDToken:              idTok,
		Nonce:                nonce,
	})
	if err != nil {
		c.teardown()
		return nil, err
	}
	return info, nil
}

// restoreLocked loads persisted session metadata and tokens once per
// controller lifetime. Tokens are only adopted when all three are present;
// a partial set is corrupt and triggers full session removal.
func (c *Controller) restoreLocked() error {
	if c.restored {
		return nil
	}
	c.state = StateRestoring

	session, err := loadSession(c.metadata, c.sessionKey)
	if err != nil {
		c.state = StateIdle
		return err
	}
	c.session = session
	c.resolver.Seed(session.Endpoints)

	access, errA := c.credentials.Read(store.KeyAccessToken, c.cfg.Scope)
	id, errI := c.credentials.Read(store.KeyIDToken, c.cfg.Scope)
	refresh, errR := c.credentials.Read(store.KeyRefreshToken, c.cfg.Scope)
	switch {
	case errA == nil && errI == nil && errR == nil && access != "" && id != "" && refresh != "":
		c.tokens = &oauth.TokenSet{
			AccessToken:  access,
			IDToken:      id,
			RefreshToken: refresh,
			TokenType:    session.TokenType,
			ExpiresAt:    session.AccessTokenExpiresAt,
		}
	case access != "" || id != "" || refresh != "":
		c.logger.Warn("partial token set in store, clearing session")
		c.teardownLocked()
		return nil
	}

	c.restored = true
	c.state = StateIdle
	return nil
}

// refresh redeems the refresh token for a new token set. Concurrent callers
// coalesce onto a single grant; each receives its own copy of the result.
// A failed refresh tears the whole session down.
func (c *Controller) refresh(ctx context.Context) (*oauth.TokenSet, error) {
	result, err, _ := c.refreshGroup.Do(c.sessionKey, func() (interface{}, error) {
		c.mu.Lock()
		// A coalesced caller may arrive after the winner already persisted
		// a fresh set.
		if c.tokens != nil && c.tokens.Complete() && !c.tokens.Expired(c.now()) {
			cp := *c.tokens
			c.mu.Unlock()
			return &cp, nil
		}
		if c.tokens == nil || c.tokens.RefreshToken == "" {
			c.mu.Unlock()
			return nil, AuthErrors.NewWithMessage(CodeSecurityValidationFailed,
				"no refresh token is available")
		}
		refreshToken := c.tokens.RefreshToken
		nonce := c.session.LastNonce
		c.state = StateRefreshing
		c.mu.Unlock()

		endpoints, err := c.resolver.Resolve(ctx, c.cfg.ServiceDiscoveryURL)
		if err != nil {
			c.teardown()
			return nil, err
		}

		tokens, err := c.exchanger.Refresh(ctx, endpoints.Token, exchange.RefreshParams{
			ClientID:     c.cfg.ClientID,
			RefreshToken: refreshToken,
		})
		if err != nil {
			c.teardown()
			return nil, err
		}

		if err := c.persistTokens(tokens, endpoints, nonce); err != nil {
			return nil, err
		}
		cp := *tokens
		return &cp, nil
	})
	if err != nil {
		return nil, err
	}

	cp := *result.(*oauth.TokenSet)
	return &cp, nil
}

// persistTokens stores a complete token set and the session metadata that
// goes with it. The three tokens are saved together; a failure rolls all
// of them back so the store never holds a partial set.
func (c *Controller) persistTokens(tokens *oauth.TokenSet, endpoints *oauth.EndpointSet, nonce string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	saves := []struct {
		key    string
		secret string
	}{
		{store.KeyAccessToken, tokens.AccessToken},
		{store.KeyIDToken, tokens.IDToken},
		{store.KeyRefreshToken, tokens.RefreshToken},
	}
	for _, s := range saves {
		if err := c.credentials.Save(s.key, c.cfg.Scope, s.secret); err != nil {
			for _, rb := range saves {
				_ = c.credentials.Erase(rb.key, c.cfg.Scope)
			}
			c.exchanging = false
			c.completing = false
			c.state = StateIdle
			return store.Errors.NewWithCause(store.CodeCredentialStoreFailed, err)
		}
	}

	cp := *tokens
	c.tokens = &cp
	c.security = nil

	c.session.clearInFlight()
	if nonce != "" {
		c.session.LastNonce = nonce
	}
	c.session.AccessTokenExpiresAt = tokens.ExpiresAt
	c.session.TokenType = tokens.TokenType
	c.session.Endpoints = endpoints

	if err := saveSession(c.metadata, c.sessionKey, c.session); err != nil {
		c.exchanging = false
		c.completing = false
		c.state = StateIdle
		return err
	}

	c.exchanging = false
	c.completing = false
	c.state = StateAuthenticated

	c.logger.Debug("token set persisted",
		"expires_at", tokens.ExpiresAt.Format(time.RFC3339))
	return nil
}

// abortLogin cancels an in-flight login attempt without touching stored
// tokens. In-flight session fields are cleared so a stale state can never
// match a later callback.
func (c *Controller) abortLogin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchanging = false
	c.completing = false
	c.security = nil
	c.session.clearInFlight()
	_ = saveSession(c.metadata, c.sessionKey, c.session)
	if c.tokens != nil && c.tokens.Complete() && !c.tokens.Expired(c.now()) {
		c.state = StateAuthenticated
	} else {
		c.state = StateIdle
	}
}

func (c *Controller) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
}

// teardownLocked erases every trace of the session: the five credential
// keys, cached claims, session metadata and the endpoint cache.
func (c *Controller) teardownLocked() {
	for _, key := range []string{
		store.KeyAccessToken,
		store.KeyIDToken,
		store.KeyRefreshToken,
		store.KeyTokenID,
		store.KeyPartnerUserID,
	} {
		if err := c.credentials.Erase(key, c.cfg.Scope); err != nil {
			c.logger.Warn("failed to erase credential", "key", key, "error", err)
		}
	}

	if c.session.LastNonce != "" {
		c.validator.Invalidate(c.session.LastNonce)
	}
	if c.session.Nonce != "" {
		c.validator.Invalidate(c.session.Nonce)
	}

	if err := c.metadata.Erase(c.sessionKey); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.logger.Warn("failed to erase session metadata", "error", err)
	}

	c.resolver.Invalidate()
	c.tokens = nil
	c.security = nil
	c.session = &SessionData{}
	c.exchanging = false
	c.completing = false
	c.restored = true
	c.state = StateLoggedOut
}

// deviceIDLocked returns the stable per-install device identifier, creating
// and persisting one on first use.
func (c *Controller) deviceIDLocked() string {
	if c.session.DeviceID != "" {
		return c.session.DeviceID
	}
	if data, err := c.metadata.Load(deviceIDKey); err == nil && len(data) > 0 {
		return string(data)
	}
	id := uuid.NewString()
	if err := c.metadata.Save(deviceIDKey, []byte(id)); err != nil {
		c.logger.Warn("failed to persist device id", "error", err)
	}
	return id
}

// wireScope collapses whitespace in the configured scope but keeps its
// casing: scopes are case-sensitive on the wire. Normalization is for
// storage keys only.
func wireScope(scope string) string {
	return strings.Join(strings.Fields(scope), " ")
}

// buildAuthorizationURL assembles the consent URL with the exact parameter
// set the provider expects.
func (c *Controller) buildAuthorizationURL(endpoint string, sec *oauth.SecurityContext, deviceID string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", AuthErrors.NewWithCause(CodeInitializationFailure, err)
	}

	query := url.Values{
		"client_id":             {c.cfg.ClientID},
		"code_challenge":        {sec.Challenge},
		"code_challenge_method": {"S256"},
		"device_id":             {deviceID},
		"nonce":                 {sec.Nonce},
		"redirect_uri":          {c.cfg.RedirectURI},
		"response_type":         {"code"},
		"scope":                 {wireScope(c.cfg.Scope)},
		"state":                 {sec.State},
	}
	if c.cfg.Request != "" {
		query.Set("request", c.cfg.Request)
	}
	if acr := c.cfg.AcrValuesString(); acr != "" {
		query.Set("acr_values", acr)
	}
	if c.cfg.LoginHint != "" {
		query.Set("login_hint", c.cfg.LoginHint)
	}
	if c.cfg.IDTokenHint != "" {
		query.Set("id_token_hint", c.cfg.IDTokenHint)
	}
	if c.cfg.Prompt != "" {
		query.Set("prompt", c.cfg.Prompt)
	}

	u.RawQuery = query.Encode()
	return u.String(), nil
}
