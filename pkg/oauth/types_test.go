package oauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenSet(t *testing.T) {
	now := time.Now()

	t.Run("complete requires all three tokens", func(t *testing.T) {
		ts := TokenSet{AccessToken: "a", IDToken: "i", RefreshToken: "r"}
		assert.True(t, ts.Complete())

		partial := TokenSet{AccessToken: "a", IDToken: "i"}
		assert.False(t, partial.Complete())
		assert.False(t, partial.Empty())

		assert.True(t, (&TokenSet{}).Empty())
	})

	t.Run("expired", func(t *testing.T) {
		ts := TokenSet{ExpiresAt: now.Add(time.Hour)}
		assert.False(t, ts.Expired(now))
		assert.True(t, ts.Expired(now.Add(time.Hour)))
		assert.True(t, ts.Expired(now.Add(2*time.Hour)))
	})

	t.Run("zero expiry treated as expired", func(t *testing.T) {
		ts := TokenSet{AccessToken: "a"}
		assert.True(t, ts.Expired(now))
	})

	t.Run("converts to oauth2 token with id_token extra", func(t *testing.T) {
		ts := TokenSet{
			AccessToken:  "access",
			IDToken:      "id",
			RefreshToken: "refresh",
			TokenType:    "Bearer",
			ExpiresAt:    now,
		}

		token := ts.ToOAuth2Token()
		assert.Equal(t, "access", token.AccessToken)
		assert.Equal(t, "refresh", token.RefreshToken)
		assert.Equal(t, "Bearer", token.TokenType)
		assert.Equal(t, now, token.Expiry)
		assert.Equal(t, "id", token.Extra("id_token"))
	})
}

func TestEndpointSetComplete(t *testing.T) {
	es := EndpointSet{
		Authorization:       "https://idp/authorize",
		Token:               "https://idp/token",
		IDTokenVerification: "https://idp/token_info",
	}
	assert.True(t, es.Complete())

	es.Token = ""
	assert.False(t, es.Complete())
}

func TestNormalizeScope(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases tokens", "OpenID Profile", "openid profile"},
		{"collapses whitespace", "  openid \t profile  ", "openid profile"},
		{"preserves order", "profile openid", "profile openid"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeScope(tt.in))
		})
	}
}

func TestSessionKey(t *testing.T) {
	assert.Equal(t, "client-1.openid profile", SessionKey("client-1", "OpenID  Profile"))
}
