package flow

import (
	"encoding/json"
	"errors"
	"time"

	"partnerauth/internal/store"
	"partnerauth/pkg/oauth"
)

// deviceIDKey is the metadata key holding the per-install device identifier.
// It lives outside SessionData so logout does not rotate the device id.
const deviceIDKey = "device.id"

// SessionData is the non-secret session state persisted in the metadata
// store under the session key. Token material never goes in here; it belongs
// to the credential store.
type SessionData struct {
	// In-flight fields, populated between BeginLogin and CompleteLogin and
	// cleared once the code has been redeemed.
	Code         string `json:"code,omitempty"`
	CodeVerifier string `json:"codeVerifier,omitempty"`
	State        string `json:"state,omitempty"`
	Nonce        string `json:"nonce,omitempty"`

	// Durable fields describing the authenticated session. LastNonce is the
	// nonce of the login attempt that produced the current tokens; it
	// survives the in-flight cleanup so ID-token claims can be verified
	// after a restart.
	LastNonce            string             `json:"lastNonce,omitempty"`
	AccessTokenExpiresAt time.Time          `json:"accessTokenExpiresAt,omitempty"`
	TokenType            string             `json:"tokenType,omitempty"`
	Endpoints            *oauth.EndpointSet `json:"endpoints,omitempty"`
	DeviceID             string             `json:"deviceId,omitempty"`
	LoginHint            string             `json:"loginHint,omitempty"`
	IDTokenHint          string             `json:"idTokenHint,omitempty"`
	Prompt               string             `json:"prompt,omitempty"`
}

// clearInFlight drops the fields that only exist between starting a login
// and redeeming its authorization code.
func (s *SessionData) clearInFlight() {
	s.Code = ""
	s.CodeVerifier = ""
	s.State = ""
	s.Nonce = ""
}

// loadSession returns the persisted SessionData for key, or an empty one
// when nothing is stored.
func loadSession(meta store.MetadataStore, key string) (*SessionData, error) {
	data, err := meta.Load(key)
	if errors.Is(err, store.ErrNotFound) {
		return &SessionData{}, nil
	}
	if err != nil {
		return nil, store.Errors.NewWithCause(store.CodeMetadataStoreFailed, err)
	}

	var s SessionData
	if err := json.Unmarshal(data, &s); err != nil {
		// Unreadable session state is treated as absent rather than fatal.
		return &SessionData{}, nil
	}
	return &s, nil
}

// saveSession persists s under key.
func saveSession(meta store.MetadataStore, key string, s *SessionData) error {
	data, err := json.Marshal(s)
	if err != nil {
		return store.Errors.NewWithCause(store.CodeMetadataStoreFailed, err)
	}
	if err := meta.Save(key, data); err != nil {
		return store.Errors.NewWithCause(store.CodeMetadataStoreFailed, err)
	}
	return nil
}
