package presenter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freePort reserves a loopback port for the callback server.
func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	_, port, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	return port
}

func TestBrowserPresenter(t *testing.T) {
	t.Run("returns the full callback URL", func(t *testing.T) {
		port := freePort(t)
		redirectURI := fmt.Sprintf("http://127.0.0.1:%s/callback", port)

		p := NewBrowserPresenter(redirectURI,
			WithTimeout(10*time.Second),
			WithBrowserOpener(func(authURL string) error {
				// Play the provider: redirect straight back with a code.
				go func() {
					resp, err := http.Get(redirectURI + "?code=code-1&state=state-1")
					if err == nil {
						resp.Body.Close()
					}
				}()
				return nil
			}),
		)

		callbackURL, err := p.Present(context.Background(), "https://idp/authorize?state=state-1")
		require.NoError(t, err)

		u, err := url.Parse(callbackURL)
		require.NoError(t, err)
		assert.Equal(t, "/callback", u.Path)
		assert.Equal(t, "code-1", u.Query().Get("code"))
		assert.Equal(t, "state-1", u.Query().Get("state"))
	})

	t.Run("browser open failure does not abort the wait", func(t *testing.T) {
		port := freePort(t)
		redirectURI := fmt.Sprintf("http://127.0.0.1:%s/callback", port)

		p := NewBrowserPresenter(redirectURI,
			WithTimeout(10*time.Second),
			WithBrowserOpener(func(authURL string) error {
				go func() {
					// Simulate the user opening the logged URL by hand.
					time.Sleep(50 * time.Millisecond)
					resp, err := http.Get(redirectURI + "?code=code-2&state=s")
					if err == nil {
						resp.Body.Close()
					}
				}()
				return errors.New("no browser installed")
			}),
		)

		callbackURL, err := p.Present(context.Background(), "https://idp/authorize")
		require.NoError(t, err)
		assert.Contains(t, callbackURL, "code=code-2")
	})

	t.Run("times out when no callback arrives", func(t *testing.T) {
		port := freePort(t)
		redirectURI := fmt.Sprintf("http://127.0.0.1:%s/callback", port)

		p := NewBrowserPresenter(redirectURI,
			WithTimeout(100*time.Millisecond),
			WithBrowserOpener(func(authURL string) error { return nil }),
		)

		_, err := p.Present(context.Background(), "https://idp/authorize")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("rejects non-loopback redirect URIs", func(t *testing.T) {
		for _, uri := range []string{
			"partnerapp://authorize",
			"https://example.com/callback",
			"http://example.com/callback",
		} {
			p := NewBrowserPresenter(uri)
			_, err := p.Present(context.Background(), "https://idp/authorize")
			assert.Error(t, err, uri)
		}
	})
}

func TestStaticPresenter(t *testing.T) {
	t.Run("returns the canned callback", func(t *testing.T) {
		p := StaticPresenter{CallbackURL: "http://localhost/cb?code=c&state=s"}
		got, err := p.Present(context.Background(), "https://idp/authorize")
		require.NoError(t, err)
		assert.Equal(t, "http://localhost/cb?code=c&state=s", got)
	})

	t.Run("propagates the configured error", func(t *testing.T) {
		p := StaticPresenter{Err: errors.New("denied")}
		_, err := p.Present(context.Background(), "https://idp/authorize")
		assert.Error(t, err)
	})
}
