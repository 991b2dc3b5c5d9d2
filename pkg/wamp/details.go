package wamp

// SessionDetails is the immutable outcome of a successful handshake: the
// router-assigned session ID and the session's realm and auth attributes.
type SessionDetails struct {
	SessionID uint64
	Realm     string
	AuthID    string
	AuthRole  string
}

// NewSessionDetails creates a SessionDetails.
func NewSessionDetails(sessionID uint64, realm, authID, authRole string) SessionDetails {
	return SessionDetails{
		SessionID: sessionID,
		Realm:     realm,
		AuthID:    authID,
		AuthRole:  authRole,
	}
}

// RouterRoles returns the role/feature announcement a router includes in
// WELCOME details.
func RouterRoles() map[string]any {
	return map[string]any{
		"dealer": map[string]any{"features": map[string]any{
			"call_canceling":             true,
			"caller_identification":      true,
			"pattern_based_registration": true,
			"progressive_call_results":   true,
			"shared_registration":        true,
		}},
		"broker": map[string]any{"features": map[string]any{
			"pattern_based_subscription":    true,
			"publisher_exclusion":           true,
			"publisher_identification":      true,
			"subscriber_blackwhite_listing": true,
		}},
	}
}
