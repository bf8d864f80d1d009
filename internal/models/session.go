package models

import "time"

// SessionState is the lifecycle state of a kiosk session.
type SessionState string

// Session states. Transitions are monotonic within one run:
// Idle -> Active -> Ending -> Idle.
const (
	StateIdle   SessionState = "idle"
	StateActive SessionState = "active"
	StateEnding SessionState = "ending"
)

// EndReason describes why a session ended.
type EndReason string

const (
	EndReasonUser           EndReason = "user"
	EndReasonExpired        EndReason = "expired"
	EndReasonLogout         EndReason = "logout"
	EndReasonOperatingHours EndReason = "operatingHoursEnded"
	EndReasonForceLogout    EndReason = "forceLogout"
)

// Session is the local mirror of a user's active kiosk session. The remote
// user record stays authoritative; this copy exists for responsiveness and
// offline tolerance.
type Session struct {
	UserID                  string       `json:"user_id"`
	ComputerID              string       `json:"computer_id"`
	State                   SessionState `json:"state"`
	RemainingTimeSeconds    int64        `json:"remaining_time_seconds"`
	TimeUsedSeconds         int64        `json:"time_used_seconds"`
	StartedAt               time.Time    `json:"started_at"`
	ExpiresAt               time.Time    `json:"expires_at,omitempty"`
	LastSyncAt              time.Time    `json:"last_sync_at,omitempty"`
	ConsecutiveSyncFailures int          `json:"consecutive_sync_failures"`
}
