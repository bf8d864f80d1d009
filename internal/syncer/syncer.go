package syncer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"kiosknet/internal/models"
)

const (
	// DefaultFailureThreshold is how many consecutive push failures flip the
	// session to Offline.
	DefaultFailureThreshold = 3
	// DefaultCallTimeout bounds one remote round trip; a timeout counts as a
	// sync failure, it is never retried inline.
	DefaultCallTimeout = 30 * time.Second
)

// RemoteUsers is the remote-store subset the syncer needs.
type RemoteUsers interface {
	GetUser(ctx context.Context, userID string) (models.UserRecord, error)
	UpdateUser(ctx context.Context, userID string, fields map[string]any) error
}

// PushResult reports one reconciliation attempt and any edge transitions.
type PushResult struct {
	Err                 error
	ConsecutiveFailures int
	// WentOffline is true only on the push that crossed the threshold.
	WentOffline bool
	// Restored is true only on the first success after WentOffline.
	Restored bool
	// TakenOver means another kiosk now owns the user's session
	// (last-login-wins); the local session should end.
	TakenOver bool
}

// Engine pushes mutable session state to the remote store and derives the
// Online/Offline signal from consecutive failures. Connectivity retry lives
// in the stream client, not here.
type Engine struct {
	users     RemoteUsers
	threshold int
	timeout   time.Duration
	now       func() time.Time
	logger    *zap.Logger

	failures int
	offline  bool
}

// New builds a sync engine. threshold <= 0 selects the default.
func New(users RemoteUsers, threshold int, timeout time.Duration, logger *zap.Logger) *Engine {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Engine{
		users:     users,
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
		logger:    logger,
	}
}

// PushState writes the session's remaining time to the remote user record.
// It never panics; failures feed the offline counter. Callers (the session
// engine) serialize pushes, so no internal locking is needed.
func (e *Engine) PushState(ctx context.Context, s *models.Session) PushResult {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	user, err := e.users.GetUser(ctx, s.UserID)
	if err == nil {
		if user.CurrentComputerID != "" && user.CurrentComputerID != s.ComputerID {
			e.logger.Warn("session taken over by another kiosk",
				zap.String("user_id", s.UserID),
				zap.String("current_computer_id", user.CurrentComputerID),
			)
			return PushResult{TakenOver: true, ConsecutiveFailures: e.failures}
		}
		err = e.users.UpdateUser(ctx, s.UserID, map[string]any{
			"remaining_time_seconds": s.RemainingTimeSeconds,
			"updated_at":             e.now().UTC(),
		})
	}

	if err != nil {
		e.failures++
		s.ConsecutiveSyncFailures = e.failures
		wentOffline := !e.offline && e.failures >= e.threshold
		if wentOffline {
			e.offline = true
			e.logger.Warn("sync offline",
				zap.String("user_id", s.UserID),
				zap.Int("consecutive_failures", e.failures),
				zap.Error(err),
			)
		} else {
			e.logger.Debug("sync push failed",
				zap.String("user_id", s.UserID),
				zap.Int("consecutive_failures", e.failures),
				zap.Error(err),
			)
		}
		return PushResult{Err: err, ConsecutiveFailures: e.failures, WentOffline: wentOffline}
	}

	restored := e.offline
	e.failures = 0
	e.offline = false
	s.ConsecutiveSyncFailures = 0
	s.LastSyncAt = e.now().UTC()
	if restored {
		e.logger.Info("sync restored", zap.String("user_id", s.UserID))
	}
	return PushResult{Restored: restored}
}

// Offline reports the current connectivity signal.
func (e *Engine) Offline() bool {
	return e.offline
}

// Reset clears counters at session start.
func (e *Engine) Reset() {
	e.failures = 0
	e.offline = false
}
