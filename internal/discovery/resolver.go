// Package discovery resolves identity-provider endpoints from the service
// discovery document and caches them for the life of the process.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Abraxas-365/craftable/errx"
	"golang.org/x/sync/singleflight"

	"partnerauth/pkg/oauth"
)

// Errors is the DISCOVERY error registry.
var Errors = errx.NewRegistry("DISCOVERY")

// CodeServiceFailed covers transport errors, non-2xx responses, and
// malformed or incomplete discovery documents.
var CodeServiceFailed = Errors.Register(
	"SERVICE_FAILED", errx.TypeExternal,
	http.StatusBadGateway, "discovery document fetch failed")

// clientIDPlaceholder is the template field providers embed in the client
// public info endpoint.
const clientIDPlaceholder = "{client_id}"

// document is the wire shape of the discovery document.
type document struct {
	AuthEndpoint                string `json:"auth_endpoint"`
	TokenEndpoint               string `json:"token_endpoint"`
	IDTokenVerificationEndpoint string `json:"id_token_verification_endpoint"`
	ClientPublicInfoEndpoint    string `json:"client_public_info_endpoint"`
}

// Resolver fetches and caches the provider's EndpointSet.
// Concurrent resolves for the same URL are deduplicated; the first
// successful result is cached until Invalidate or Seed replaces it.
type Resolver struct {
	httpClient oauth.HTTPDoer
	logger     *slog.Logger
	clientID   string

	mu     sync.RWMutex
	cached *oauth.EndpointSet

	group singleflight.Group
}

// Option configures the Resolver.
type Option func(*Resolver)

// WithHTTPClient sets a custom HTTP client collaborator.
func WithHTTPClient(c oauth.HTTPDoer) Option {
	return func(r *Resolver) { r.httpClient = c }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver creates a Resolver for the given client id. The client id is
// substituted into template fields of the discovery document.
func NewResolver(clientID string, opts ...Option) *Resolver {
	r := &Resolver{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
		clientID:   clientID,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the provider endpoints, fetching the discovery document on
// first use and serving the cached set afterwards.
func (r *Resolver) Resolve(ctx context.Context, discoveryURL string) (*oauth.EndpointSet, error) {
	r.mu.RLock()
	if r.cached != nil {
		cached := r.cached
		r.mu.RUnlock()
		return cached, nil
	}
	r.mu.RUnlock()

	result, err, _ := r.group.Do(discoveryURL, func() (interface{}, error) {
		// Another caller may have populated the cache while we waited.
		r.mu.RLock()
		if r.cached != nil {
			cached := r.cached
			r.mu.RUnlock()
			return cached, nil
		}
		r.mu.RUnlock()

		return r.fetch(ctx, discoveryURL)
	})
	if err != nil {
		return nil, err
	}

	return result.(*oauth.EndpointSet), nil
}

// Seed installs an EndpointSet restored from persisted session metadata so
// subsequent resolves skip the network. Incomplete sets are ignored.
func (r *Resolver) Seed(es *oauth.EndpointSet) {
	if es == nil || !es.Complete() {
		return
	}
	r.mu.Lock()
	cp := *es
	r.cached = &cp
	r.mu.Unlock()
}

// Invalidate drops the cached endpoints, forcing the next Resolve to fetch.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.mu.Unlock()
}

func (r *Resolver) fetch(ctx context.Context, discoveryURL string) (*oauth.EndpointSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, Errors.NewWithCause(CodeServiceFailed, err).
			WithDetail("url", discoveryURL)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, Errors.NewWithCause(CodeServiceFailed, err).
			WithDetail("url", discoveryURL)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Errors.NewWithCause(CodeServiceFailed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, Errors.NewWithMessage(CodeServiceFailed,
			fmt.Sprintf("discovery request failed with status %d", resp.StatusCode)).
			WithDetail("status", resp.StatusCode)
	}

	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, Errors.NewWithCause(CodeServiceFailed, err)
	}

	es := &oauth.EndpointSet{
		Authorization:       doc.AuthEndpoint,
		Token:               doc.TokenEndpoint,
		IDTokenVerification: doc.IDTokenVerificationEndpoint,
		ClientPublicInfo:    strings.ReplaceAll(doc.ClientPublicInfoEndpoint, clientIDPlaceholder, r.clientID),
	}

	// The client public info endpoint is optional; the other three are not.
	if !es.Complete() {
		return nil, Errors.NewWithMessage(CodeServiceFailed,
			"discovery document is missing required endpoint fields")
	}

	r.mu.Lock()
	r.cached = es
	r.mu.Unlock()

	r.logger.Debug("resolved provider endpoints",
		"authorization_endpoint", es.Authorization,
		"token_endpoint", es.Token,
	)

	return es, nil
}
