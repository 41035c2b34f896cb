// Package presenter ships the consent presenters the CLI plugs into the
// flow controller: a loopback browser presenter for real logins and a
// static one for tests and scripted callbacks.
package presenter

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"
)

// BrowserPresenter opens the authorization URL in the user's browser and
// receives the redirect on a loopback HTTP server bound to the configured
// redirect URI. The redirect URI must therefore be an http URL on localhost
// or 127.0.0.1.
type BrowserPresenter struct {
	redirectURI string
	timeout     time.Duration
	logger      *slog.Logger
	openBrowser func(url string) error
}

// BrowserOption configures the BrowserPresenter.
type BrowserOption func(*BrowserPresenter)

// WithTimeout sets how long to wait for the user to complete consent.
func WithTimeout(d time.Duration) BrowserOption {
	return func(p *BrowserPresenter) { p.timeout = d }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) BrowserOption {
	return func(p *BrowserPresenter) { p.logger = l }
}

// WithBrowserOpener overrides how the authorization URL is opened. Tests use
// this to drive the flow without a real browser.
func WithBrowserOpener(open func(url string) error) BrowserOption {
	return func(p *BrowserPresenter) { p.openBrowser = open }
}

// NewBrowserPresenter creates a presenter bound to the given redirect URI.
func NewBrowserPresenter(redirectURI string, opts ...BrowserOption) *BrowserPresenter {
	p := &BrowserPresenter{
		redirectURI: redirectURI,
		timeout:     CallbackTimeout,
		logger:      slog.Default(),
		openBrowser: OpenBrowser,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Present opens authURL in the browser and blocks until the provider
// redirects back. It returns the full callback URL.
func (p *BrowserPresenter) Present(ctx context.Context, authURL string) (string, error) {
	u, err := url.Parse(p.redirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid redirect URI %q: %w", p.redirectURI, err)
	}
	if u.Scheme != "http" {
		return "", fmt.Errorf("redirect URI %q is not a loopback http URL", p.redirectURI)
	}
	host := u.Hostname()
	if host != "localhost" && host != "127.0.0.1" {
		return "", fmt.Errorf("redirect URI %q is not a loopback http URL", p.redirectURI)
	}
	port := u.Port()
	if port == "" {
		port = "80"
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	server := NewCallbackServer(host, port, u.Path)
	if err := server.Start(ctx); err != nil {
		return "", err
	}
	defer server.Stop()

	p.logger.Info("opening browser for consent", "url", authURL)
	if err := p.openBrowser(authURL); err != nil {
		// The URL was logged above; the user can open it by hand.
		p.logger.Warn("failed to open browser", "error", err)
	}

	query, err := server.Wait(ctx)
	if err != nil {
		return "", fmt.Errorf("waiting for authorization callback: %w", err)
	}

	callback := *u
	callback.RawQuery = query
	return callback.String(), nil
}

// StaticPresenter returns a canned callback URL without any interaction.
// Tests and scripted flows use it in place of the browser.
type StaticPresenter struct {
	CallbackURL string
	Err         error
}

// Present returns the configured callback URL or error.
func (p StaticPresenter) Present(ctx context.Context, authURL string) (string, error) {
	if p.Err != nil {
		return "", p.Err
	}
	return p.CallbackURL, nil
}
