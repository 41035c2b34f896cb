package flow

// State is the position of the controller in the authorization lifecycle.
type State int

const (
	// StateIdle means no session has been restored or started yet.
	StateIdle State = iota

	// StateRestoring means persisted session state is being loaded.
	StateRestoring

	// StateDiscovering means provider endpoints are being resolved.
	StateDiscovering

	// StateBuildingAuthURL means an authorization URL is being assembled.
	StateBuildingAuthURL

	// StateAwaitingConsent means the user has been handed the authorization
	// URL and the controller is waiting for the redirect back.
	StateAwaitingConsent

	// StateExchangingCode means the authorization code is being redeemed.
	StateExchangingCode

	// StateAuthenticated means a usable token set is held.
	StateAuthenticated

	// StateRefreshing means an expired token set is being refreshed.
	StateRefreshing

	// StateLoggedOut means the session has been torn down.
	StateLoggedOut
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRestoring:
		return "restoring"
	case StateDiscovering:
		return "discovering"
	case StateBuildingAuthURL:
		return "building_auth_url"
	case StateAwaitingConsent:
		return "awaiting_consent"
	case StateExchangingCode:
		return "exchanging_code"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	case StateLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}
