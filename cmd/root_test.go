package cmd

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"partnerauth/internal/discovery"
	"partnerauth/internal/flow"
	"partnerauth/internal/idtoken"
)

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"security validation failure", flow.AuthErrors.New(flow.CodeSecurityValidationFailed), ExitCodeAuthFailed},
		{"consent failure", flow.AuthErrors.New(flow.CodeConsentFailed), ExitCodeAuthFailed},
		{"login in progress", flow.AuthErrors.New(flow.CodeLoginInProgress), ExitCodeAuthFailed},
		{"invalid id token", idtoken.Errors.New(idtoken.CodeInvalidIDToken), ExitCodeAuthFailed},
		{"invalid nonce", idtoken.Errors.New(idtoken.CodeInvalidNonce), ExitCodeAuthFailed},
		{"logout of empty session", flow.LogoutErrors.New(flow.CodeLogoutFailed), ExitCodeAuthRequired},
		{"discovery failure", discovery.Errors.New(discovery.CodeServiceFailed), ExitCodeError},
		{"plain error", errors.New("boom"), ExitCodeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, getExitCode(tt.err))
		})
	}
}

func TestRootCommandWiring(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"login", "logout", "status", "token-info"} {
		assert.True(t, names[want], want)
	}
}
