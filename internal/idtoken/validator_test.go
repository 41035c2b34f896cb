package idtoken

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Abraxas-365/craftable/errx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"partnerauth/internal/store"
)

const testScope = "openid profile"

func claimsBody(now time.Time) string {
	nbf := strconv.FormatInt(now.Add(-time.Minute).Unix(), 10)
	exp := strconv.FormatInt(now.Add(time.Hour).Unix(), 10)
	iat := strconv.FormatInt(now.Unix(), 10)
	return `{
		"audience": "client-1",
		"service": "PASSENGER",
		"notValidBefore": "` + nbf + `",
		"expires_at": "` + exp + `",
		"issue_at": "` + iat + `",
		"issuer": "https://idp.example.com",
		"tokenId": "tid-1",
		"partnerId": "pid-1",
		"partnerUserId": "puid-1",
		"nonce": "nonce-1"
	}`
}

func newTestValidator(t *testing.T, client *http.Client) (*Validator, *store.MemoryCredentialStore, *store.MemoryMetadataStore) {
	t.Helper()
	creds := store.NewMemoryCredentialStore("client-1")
	meta := store.NewMemoryMetadataStore()
	opts := []Option{WithClock(func() time.Time {
		return time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	})}
	if client != nil {
		opts = append(opts, WithHTTPClient(client))
	}
	return NewValidator("client-1", testScope, creds, meta, opts...), creds, meta
}

// failingCredentialStore rejects every Save while reads pass through.
type failingCredentialStore struct {
	*store.MemoryCredentialStore
}

func (s failingCredentialStore) Save(key, scope, secret string) error {
	return errors.New("keychain unavailable")
}

func TestLoad(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	t.Run("fetches, converts and caches claims", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "client-1", r.URL.Query().Get("client_id"))
			assert.Equal(t, "id+token", r.URL.Query().Get("id_token"))
			assert.Equal(t, "nonce-1", r.URL.Query().Get("nonce"))
			w.Write([]byte(claimsBody(now)))
		}))
		defer server.Close()

		v, creds, meta := newTestValidator(t, server.Client())
		info, err := v.Load(context.Background(), LoadParams{
			VerificationEndpoint: server.URL,
			IDToken:              "id+token",
			Nonce:                "nonce-1",
		})
		require.NoError(t, err)

		assert.Equal(t, "client-1", info.Audience)
		assert.Equal(t, "PASSENGER", info.Service)
		assert.Equal(t, "tid-1", info.TokenID)
		assert.Equal(t, "pid-1", info.PartnerID)
		assert.Equal(t, "puid-1", info.PartnerUserID)
		assert.Equal(t, "nonce-1", info.Nonce)
		assert.Equal(t, now.Add(time.Hour), info.Expiration)
		assert.Equal(t, now.Add(-time.Minute), info.NotValidBefore)

		tid, err := creds.Read(store.KeyTokenID, testScope)
		require.NoError(t, err)
		assert.Equal(t, "tid-1", tid)
		puid, err := creds.Read(store.KeyPartnerUserID, testScope)
		require.NoError(t, err)
		assert.Equal(t, "puid-1", puid)

		_, err = meta.Load("idtoken.nonce-1")
		assert.NoError(t, err)
	})

	t.Run("plus signs in the id token are sent percent-encoded", func(t *testing.T) {
		var rawQuery string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawQuery = r.URL.RawQuery
			w.Write([]byte(claimsBody(now)))
		}))
		defer server.Close()

		v, _, _ := newTestValidator(t, server.Client())
		_, err := v.Load(context.Background(), LoadParams{
			VerificationEndpoint: server.URL,
			IDToken:              "a+b c",
			Nonce:                "nonce-1",
		})
		require.NoError(t, err)

		assert.Contains(t, rawQuery, "id_token=a%2Bb%20c")
		assert.NotContains(t, rawQuery, "id_token=a+b")
	})

	t.Run("second load is served from cache without a network call", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.Write([]byte(claimsBody(now)))
		}))
		defer server.Close()

		v, _, _ := newTestValidator(t, server.Client())
		p := LoadParams{VerificationEndpoint: server.URL, IDToken: "tok", Nonce: "nonce-1"}

		_, err := v.Load(context.Background(), p)
		require.NoError(t, err)
		_, err = v.Load(context.Background(), p)
		require.NoError(t, err)

		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("tampered token id evicts the cache and refetches", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.Write([]byte(claimsBody(now)))
		}))
		defer server.Close()

		v, creds, _ := newTestValidator(t, server.Client())
		p := LoadParams{VerificationEndpoint: server.URL, IDToken: "tok", Nonce: "nonce-1"}

		_, err := v.Load(context.Background(), p)
		require.NoError(t, err)

		require.NoError(t, creds.Save(store.KeyTokenID, testScope, "forged"))

		_, err = v.Load(context.Background(), p)
		require.NoError(t, err)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("expired cached claims are refetched", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.Write([]byte(claimsBody(now)))
		}))
		defer server.Close()

		creds := store.NewMemoryCredentialStore("client-1")
		meta := store.NewMemoryMetadataStore()
		current := now
		v := NewValidator("client-1", testScope, creds, meta,
			WithHTTPClient(server.Client()),
			WithClock(func() time.Time { return current }),
		)
		p := LoadParams{VerificationEndpoint: server.URL, IDToken: "tok", Nonce: "nonce-1"}

		_, err := v.Load(context.Background(), p)
		require.NoError(t, err)

		current = now.Add(2 * time.Hour)
		_, err = v.Load(context.Background(), p)
		require.NoError(t, err)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("missing partnerUserId fails with InvalidNonce and nothing is cached", func(t *testing.T) {
		body := strings.ReplaceAll(claimsBody(now), `"partnerUserId": "puid-1",`, `"partnerUserId": "",`)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		}))
		defer server.Close()

		v, creds, meta := newTestValidator(t, server.Client())
		_, err := v.Load(context.Background(), LoadParams{
			VerificationEndpoint: server.URL, IDToken: "tok", Nonce: "nonce-1",
		})
		assert.True(t, errx.IsCode(err, CodeInvalidNonce))

		_, err = creds.Read(store.KeyTokenID, testScope)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = meta.Load("idtoken.nonce-1")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("cross-reference store failure is logged and claims still returned", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(claimsBody(now)))
		}))
		defer server.Close()

		creds := failingCredentialStore{store.NewMemoryCredentialStore("client-1")}
		meta := store.NewMemoryMetadataStore()
		var logBuf bytes.Buffer
		v := NewValidator("client-1", testScope, creds, meta,
			WithHTTPClient(server.Client()),
			WithLogger(slog.New(slog.NewTextHandler(&logBuf, nil))),
		)

		info, err := v.Load(context.Background(), LoadParams{
			VerificationEndpoint: server.URL, IDToken: "tok", Nonce: "nonce-1",
		})
		require.NoError(t, err)
		assert.Equal(t, "puid-1", info.PartnerUserID)

		assert.Contains(t, logBuf.String(), "failed to store claim cross-reference")
		// Without the cross-reference values no cache entry may exist either.
		_, err = meta.Load("idtoken.nonce-1")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("empty nonce fails with InvalidNonce", func(t *testing.T) {
		v, _, _ := newTestValidator(t, nil)
		_, err := v.Load(context.Background(), LoadParams{
			VerificationEndpoint: "https://idp/token_info", IDToken: "tok",
		})
		assert.True(t, errx.IsCode(err, CodeInvalidNonce))
	})

	t.Run("missing verification endpoint fails with InvalidIDToken", func(t *testing.T) {
		v, _, _ := newTestValidator(t, nil)
		_, err := v.Load(context.Background(), LoadParams{IDToken: "tok", Nonce: "n"})
		assert.True(t, errx.IsCode(err, CodeInvalidIDToken))
	})

	t.Run("non-2xx fails with ServiceFailed", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusUnauthorized)
		}))
		defer server.Close()

		v, _, _ := newTestValidator(t, server.Client())
		_, err := v.Load(context.Background(), LoadParams{
			VerificationEndpoint: server.URL, IDToken: "tok", Nonce: "nonce-1",
		})
		assert.True(t, errx.IsCode(err, CodeServiceFailed))
	})

	t.Run("transport error fails with ServiceFailed", func(t *testing.T) {
		v, _, _ := newTestValidator(t, nil)
		_, err := v.Load(context.Background(), LoadParams{
			VerificationEndpoint: "http://127.0.0.1:1/token_info", IDToken: "tok", Nonce: "nonce-1",
		})
		assert.True(t, errx.IsCode(err, CodeServiceFailed))
	})
}

func TestValid(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	base := Info{
		TokenID:        "tid",
		Nonce:          "n",
		NotValidBefore: now.Add(-time.Minute),
		Expiration:     now.Add(time.Hour),
	}

	t.Run("inside validity window", func(t *testing.T) {
		info := base
		assert.True(t, info.Valid(now))
	})

	t.Run("expired", func(t *testing.T) {
		info := base
		info.Expiration = now.Add(-time.Second)
		assert.False(t, info.Valid(now))
	})

	t.Run("not yet valid", func(t *testing.T) {
		info := base
		info.NotValidBefore = now.Add(time.Minute)
		assert.False(t, info.Valid(now))
	})

	t.Run("missing nonce", func(t *testing.T) {
		info := base
		info.Nonce = ""
		assert.False(t, info.Valid(now))
	})

	t.Run("zero expiration", func(t *testing.T) {
		info := base
		info.Expiration = time.Time{}
		assert.False(t, info.Valid(now))
	})
}

func TestInvalidate(t *testing.T) {
	meta := store.NewMemoryMetadataStore()
	creds := store.NewMemoryCredentialStore("client-1")
	v := NewValidator("client-1", testScope, creds, meta)

	require.NoError(t, meta.Save("idtoken.nonce-1", []byte("{}")))
	v.Invalidate("nonce-1")

	_, err := meta.Load("idtoken.nonce-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
