package events

import (
	"time"

	"kiosknet/internal/models"
)

// Kind identifies an event type crossing the engine boundary.
type Kind string

const (
	KindSessionStarted   Kind = "SessionStarted"
	KindSessionEnded     Kind = "SessionEnded"
	KindTimeUpdated      Kind = "TimeUpdated"
	KindWarning5Min      Kind = "Warning5Min"
	KindWarning1Min      Kind = "Warning1Min"
	KindSyncFailed       Kind = "SyncFailed"
	KindSyncRestored     Kind = "SyncRestored"
	KindJobAllowed       Kind = "JobAllowed"
	KindJobBlocked       Kind = "JobBlocked"
	KindJobEscaped       Kind = "JobEscapedCharged"
	KindHoursEndingSoon  Kind = "HoursEndingSoon"
	KindHoursEnded       Kind = "HoursEnded"
)

// Event is anything published to the UI layer.
type Event interface {
	Kind() Kind
}

// SessionStarted fires when a session becomes Active.
type SessionStarted struct {
	UserID     string
	ComputerID string
}

func (SessionStarted) Kind() Kind { return KindSessionStarted }

// SessionEnded fires once per session when it returns to Idle.
type SessionEnded struct {
	Reason models.EndReason
}

func (SessionEnded) Kind() Kind { return KindSessionEnded }

// TimeUpdated fires every countdown tick.
type TimeUpdated struct {
	RemainingSeconds int64
}

func (TimeUpdated) Kind() Kind { return KindTimeUpdated }

// Warning5Min fires once per session at five minutes remaining.
type Warning5Min struct {
	RemainingSeconds int64
}

func (Warning5Min) Kind() Kind { return KindWarning5Min }

// Warning1Min fires once per session at one minute remaining.
type Warning1Min struct {
	RemainingSeconds int64
}

func (Warning1Min) Kind() Kind { return KindWarning1Min }

// SyncFailed fires when consecutive push failures reach the threshold.
type SyncFailed struct {
	ConsecutiveFailures int
}

func (SyncFailed) Kind() Kind { return KindSyncFailed }

// SyncRestored fires on the first successful push after SyncFailed.
type SyncRestored struct{}

func (SyncRestored) Kind() Kind { return KindSyncRestored }

// JobAllowed fires when a print job was paid for and released.
type JobAllowed struct {
	Document        string
	Pages           int
	Cost            float64
	RemainingBudget float64
}

func (JobAllowed) Kind() Kind { return KindJobAllowed }

// JobBlocked fires when a print job was cancelled for insufficient budget.
type JobBlocked struct {
	Document string
	Pages    int
	Cost     float64
	Budget   float64
}

func (JobBlocked) Kind() Kind { return KindJobBlocked }

// JobEscapedCharged fires when a job that bypassed interception was charged
// retroactively. Balance may be negative; the debt is flagged remotely.
type JobEscapedCharged struct {
	Document string
	Pages    int
	Cost     float64
	Balance  float64
}

func (JobEscapedCharged) Kind() Kind { return KindJobEscaped }

// HoursEndingSoon fires once when an active session enters the grace window.
type HoursEndingSoon struct {
	ClosesAt time.Time
}

func (HoursEndingSoon) Kind() Kind { return KindHoursEndingSoon }

// HoursEnded fires once when close plus grace has passed.
type HoursEnded struct{}

func (HoursEnded) Kind() Kind { return KindHoursEnded }
