package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

const (
	// pkceVerifierBytes is the number of random bytes for the PKCE code verifier.
	// 32 bytes provides 256 bits of entropy, which is recommended for security.
	pkceVerifierBytes = 32

	// randomTokenBytes is the number of random bytes for the nonce and state
	// parameters. 32 bytes encodes to 43 base64url characters and comfortably
	// exceeds the 128-bit entropy floor required for collision resistance.
	randomTokenBytes = 32
)

// PKCEChallenge represents a PKCE (Proof Key for Code Exchange) challenge.
// PKCE binds the authorization code to the party that initiated the flow.
type PKCEChallenge struct {
	// CodeVerifier is the cryptographically random string.
	// This is kept secret and never transmitted in the authorization request.
	CodeVerifier string

	// CodeChallenge is the SHA256 hash of the verifier (base64url-encoded).
	// This is sent in the authorization request.
	CodeChallenge string

	// CodeChallengeMethod is always "S256" (plain is not supported).
	CodeChallengeMethod string
}

// GeneratePKCE generates a new PKCE code verifier and challenge.
// The code verifier is 32 random bytes (256 bits), base64url-encoded.
// The code challenge is the S256 (SHA256) hash of the verifier.
func GeneratePKCE() (*PKCEChallenge, error) {
	verifierBytes := make([]byte, pkceVerifierBytes)
	if _, err := rand.Read(verifierBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes for PKCE: %w", err)
	}

	verifier := base64.RawURLEncoding.EncodeToString(verifierBytes)

	return &PKCEChallenge{
		CodeVerifier:        verifier,
		CodeChallenge:       ChallengeFromVerifier(verifier),
		CodeChallengeMethod: "S256",
	}, nil
}

// ChallengeFromVerifier derives the S256 code challenge for a verifier:
// base64url(SHA256(verifier)) without padding, per RFC 7636. The derivation
// is deterministic so a captured verifier always reproduces its challenge.
func ChallengeFromVerifier(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// GenerateState generates a random state parameter for OAuth.
// The state is round-tripped through the redirect to prevent CSRF attacks
// and link the authorization response back to the original request.
func GenerateState() (string, error) {
	return randomToken()
}

// GenerateNonce generates a random nonce bound into the ID token to
// prevent replay. It is independent of both the state and the verifier.
func GenerateNonce() (string, error) {
	return randomToken()
}

func randomToken() (string, error) {
	b := make([]byte, randomTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// SecurityContext bundles the per-login-attempt security parameters.
// A context is created at the start of an interactive login attempt and
// discarded once the attempt terminates; it is never reused across attempts.
type SecurityContext struct {
	// Verifier is the PKCE code verifier (secret, sent only to the token endpoint).
	Verifier string

	// Challenge is the S256 challenge derived from Verifier.
	Challenge string

	// Nonce is the replay-protection value bound to the ID token.
	Nonce string

	// State is the CSRF-protection value round-tripped through the redirect.
	State string
}

// NewSecurityContext generates a fresh SecurityContext from the
// cryptographically secure random source. Nonce and state are independent
// random tokens, not derived from each other or from the verifier.
func NewSecurityContext() (*SecurityContext, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return nil, err
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}

	state, err := GenerateState()
	if err != nil {
		return nil, err
	}

	return &SecurityContext{
		Verifier:  pkce.CodeVerifier,
		Challenge: pkce.CodeChallenge,
		Nonce:     nonce,
		State:     state,
	}, nil
}
