package models

import "time"

// UserRecord mirrors the remote per-user document. The remote store owns it;
// every writer must read-modify-write the latest remote value.
type UserRecord struct {
	UserID               string     `json:"user_id"`
	RemainingTimeSeconds int64      `json:"remaining_time_seconds"`
	PrintBalance         float64    `json:"print_balance"`
	PrintDebt            bool       `json:"print_debt"`
	IsSessionActive      bool       `json:"is_session_active"`
	SessionStartTime     *time.Time `json:"session_start_time,omitempty"`
	CurrentComputerID    string     `json:"current_computer_id,omitempty"`
	UpdatedAt            time.Time  `json:"updated_at"`
}
