package models

// SessionStatus is the state of an authorization session.
type SessionStatus string

const (
	// SessionInProgress indicates required steps remain.
	SessionInProgress SessionStatus = "in_progress"
	// SessionReady indicates every required step passed and complete is legal.
	SessionReady SessionStatus = "ready_for_completion"
	// SessionCompleted indicates the termination flag was written.
	SessionCompleted SessionStatus = "completed"
	// SessionExpired indicates the session outlived its expiry.
	SessionExpired SessionStatus = "expired"
)

// Valid returns true if the status is a known value.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionInProgress, SessionReady, SessionCompleted, SessionExpired:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if no further transitions are possible.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionExpired
}
