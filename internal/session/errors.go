package session

import "errors"

// User-visible refusals. These map to short localized messages in the UI
// layer; none of them is retried.
var (
	// ErrSessionConflict means a session is already running on this engine.
	ErrSessionConflict = errors.New("session: a session is already active")
	// ErrInsufficientTime means the user has no remaining time to spend.
	ErrInsufficientTime = errors.New("session: insufficient remaining time")
	// ErrOutsideOperatingHours means now is past close plus grace.
	ErrOutsideOperatingHours = errors.New("session: outside operating hours")
)
