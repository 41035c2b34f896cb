// Package store defines the two persistence collaborators of the engine and
// ships file-backed and in-memory implementations of each.
//
// Secrets (tokens, tamper-check values) live only in a CredentialStore.
// Non-secret session fields live in a MetadataStore. The split is a security
// boundary, not an implementation detail: nothing written to the metadata
// store may ever contain token material.
package store

import (
	"errors"
	"net/http"

	"github.com/Abraxas-365/craftable/errx"
)

// Credential keys used by the engine. Each is namespaced by client id and
// normalized scope inside the store.
const (
	KeyAccessToken   = "accessToken"
	KeyIDToken       = "idToken"
	KeyRefreshToken  = "refreshToken"
	KeyTokenID       = "tokenId"
	KeyPartnerUserID = "partnerUserId"
)

// ErrNotFound is returned when a credential or metadata entry is absent.
// Absence is an ordinary condition, distinct from a store failure.
var ErrNotFound = errors.New("store: entry not found")

// Errors is the STORAGE error registry. Store failures must never be
// silently swallowed; they surface with these codes.
var Errors = errx.NewRegistry("STORAGE")

var (
	// CodeCredentialStoreFailed indicates the secure credential store was
	// unavailable or an operation on it failed.
	CodeCredentialStoreFailed = Errors.Register(
		"CREDENTIAL_STORE_FAILED", errx.TypeSystem,
		http.StatusInternalServerError, "credential store operation failed")

	// CodeMetadataStoreFailed indicates the session metadata store was
	// unavailable or an operation on it failed.
	CodeMetadataStoreFailed = Errors.Register(
		"METADATA_STORE_FAILED", errx.TypeSystem,
		http.StatusInternalServerError, "session metadata store operation failed")
)

// CredentialStore persists secrets. Keys are the Key* constants; scope is the
// raw configured scope, normalized internally so equivalent scope strings
// address the same entry.
type CredentialStore interface {
	// Save stores a secret under key+scope, replacing any previous value.
	Save(key, scope, secret string) error

	// Read returns the secret for key+scope, or ErrNotFound.
	Read(key, scope string) (string, error)

	// Erase removes the secret for key+scope. Erasing an absent entry is
	// not an error.
	Erase(key, scope string) error
}

// MetadataStore persists non-secret session state as opaque bytes.
type MetadataStore interface {
	// Save stores data under key, replacing any previous value.
	Save(key string, data []byte) error

	// Load returns the data for key, or ErrNotFound.
	Load(key string) ([]byte, error)

	// Erase removes the entry for key. Returns ErrNotFound when nothing
	// was stored, so callers can report logout of an empty session.
	Erase(key string) error
}
