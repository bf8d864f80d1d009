package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"kiosknet/internal/cache"
	"kiosknet/internal/events"
	"kiosknet/internal/hours"
	"kiosknet/internal/models"
	"kiosknet/internal/platform"
	"kiosknet/internal/syncer"
)

const (
	warnFiveMinAt = 300
	warnOneMinAt  = 60
)

// UserStore is the remote-store subset the engine needs.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (models.UserRecord, error)
	UpdateUser(ctx context.Context, userID string, fields map[string]any) error
}

// SnapshotStore persists the crash-recovery session snapshot locally.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap cache.Snapshot) error
	LoadSnapshot(ctx context.Context) (*cache.Snapshot, error)
	ClearSnapshot(ctx context.Context) error
}

// StateSyncer reconciles session state with the remote store.
type StateSyncer interface {
	Reset()
	PushState(ctx context.Context, s *models.Session) syncer.PushResult
}

// PrintMeter is the metering collaborator started and stopped with the session.
type PrintMeter interface {
	Start(userID string) error
	Stop()
}

// HoursGuard watches operating hours while the session runs.
type HoursGuard interface {
	Start()
	Stop()
	Phase(now time.Time) hours.Phase
}

// Config tunes the engine's timers.
type Config struct {
	ComputerID     string
	TickInterval   time.Duration // countdown cadence, default 1s
	SyncInterval   time.Duration // remote reconciliation cadence, default 60s
	EndSyncTimeout time.Duration // bound on the best-effort final sync, default 5s
}

// Deps are the engine's collaborators.
type Deps struct {
	Users     UserStore
	Snapshots SnapshotStore
	Syncer    StateSyncer
	Meter     PrintMeter
	Guard     HoursGuard
	Processes platform.ProcessCleanup
	Browsers  platform.BrowserCleanup
	Bus       *events.Bus
}

// Engine is the session state machine: Idle -> Active -> Ending -> Idle.
// It owns the countdown and sync timers and drives the meter and the hours
// guard. All transitions are serialized; Start and End never overlap.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	now    func() time.Time

	mu             sync.Mutex
	state          models.SessionState
	sess           *models.Session
	startRemaining int64
	warned5        bool
	warned1        bool
	cancel         context.CancelFunc
	loopDone       chan struct{}
}

// NewEngine builds an idle engine.
func NewEngine(cfg Config, deps Deps, logger *zap.Logger) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = time.Minute
	}
	if cfg.EndSyncTimeout <= 0 {
		cfg.EndSyncTimeout = 5 * time.Second
	}
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		now:    time.Now,
		state:  models.StateIdle,
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() models.SessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Snapshot returns a copy of the running session, or nil when idle.
func (e *Engine) Snapshot() *models.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return nil
	}
	copied := *e.sess
	return &copied
}

// StartSession brings the engine from Idle to Active for the given user.
// Preconditions: no session on this engine, remaining time above zero, and
// now inside the open window or its grace. A stale remote active flag from
// a prior crash is recovered first; a live session on another kiosk is
// overwritten (last login wins) and that kiosk ends itself on its next sync.
func (e *Engine) StartSession(ctx context.Context, userID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != models.StateIdle {
		return ErrSessionConflict
	}

	remaining, err := e.RecoverOrphan(ctx, userID)
	if err != nil {
		return fmt.Errorf("session: orphan recovery: %w", err)
	}
	if remaining <= 0 {
		return ErrInsufficientTime
	}
	if e.deps.Guard.Phase(e.now()) == hours.PhaseClosed {
		return ErrOutsideOperatingHours
	}

	// Reset the desktop for the new user; failures degrade, never block.
	if err := e.deps.Processes.CleanupUserProcesses(ctx); err != nil {
		e.logger.Warn("process cleanup failed", zap.String("user_id", userID), zap.Error(err))
	}
	if err := e.deps.Browsers.CloseAndClearBrowsers(ctx); err != nil {
		e.logger.Warn("browser cleanup failed", zap.String("user_id", userID), zap.Error(err))
	}

	now := e.now()
	sess := &models.Session{
		UserID:               userID,
		ComputerID:           e.cfg.ComputerID,
		State:                models.StateActive,
		RemainingTimeSeconds: remaining,
		StartedAt:            now,
		ExpiresAt:            now.Add(time.Duration(remaining) * time.Second),
	}

	if err := e.deps.Users.UpdateUser(ctx, userID, map[string]any{
		"is_session_active":   true,
		"session_start_time":  now.UTC(),
		"current_computer_id": e.cfg.ComputerID,
		"updated_at":          now.UTC(),
	}); err != nil {
		return fmt.Errorf("session: mark active: %w", err)
	}

	e.sess = sess
	e.state = models.StateActive
	e.startRemaining = remaining
	// A session that begins under a threshold never crossed it.
	e.warned5 = remaining <= warnFiveMinAt
	e.warned1 = remaining <= warnOneMinAt
	e.deps.Syncer.Reset()

	e.saveSnapshotLocked(ctx)

	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.loopDone = make(chan struct{})
	go e.run(loopCtx, e.loopDone)

	if err := e.deps.Meter.Start(userID); err != nil {
		// Degraded print metering must not keep the user locked out.
		e.logger.Error("print meter failed to start", zap.String("user_id", userID), zap.Error(err))
	}
	e.deps.Guard.Start()

	e.logger.Info("session started",
		zap.String("user_id", userID),
		zap.String("computer_id", e.cfg.ComputerID),
		zap.Int64("remaining_seconds", remaining),
	)
	e.deps.Bus.Publish(events.SessionStarted{UserID: userID, ComputerID: e.cfg.ComputerID})
	return nil
}

// RecoverOrphan restores time accrued by a session that crashed before
// clearing its remote flags. The smaller of the remote value and the local
// snapshot is restored so time is never double-granted; the stale flags are
// cleared. Returns the user's spendable remaining time either way.
func (e *Engine) RecoverOrphan(ctx context.Context, userID string) (int64, error) {
	user, err := e.deps.Users.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !user.IsSessionActive {
		return user.RemainingTimeSeconds, nil
	}

	restored := user.RemainingTimeSeconds
	snap, err := e.deps.Snapshots.LoadSnapshot(ctx)
	if err == nil && snap.UserID == userID && snap.RemainingTimeSeconds < restored {
		restored = snap.RemainingTimeSeconds
	}
	if restored < 0 {
		e.logger.Error("negative remaining time in orphan recovery, clamping",
			zap.String("user_id", userID), zap.Int64("remaining", restored))
		restored = 0
	}

	if err := e.deps.Users.UpdateUser(ctx, userID, map[string]any{
		"remaining_time_seconds": restored,
		"is_session_active":      false,
		"session_start_time":     nil,
		"current_computer_id":    "",
		"updated_at":             e.now().UTC(),
	}); err != nil {
		return 0, err
	}

	e.logger.Info("orphan session recovered",
		zap.String("user_id", userID),
		zap.Int64("restored_seconds", restored),
	)
	return restored, nil
}

// EndSession stops the session and returns the engine to Idle. Idempotent:
// a second call is a no-op with no remote writes. By the time it returns,
// the timers are stopped and the meter and guard no longer fire.
func (e *Engine) EndSession(ctx context.Context, reason models.EndReason) error {
	e.mu.Lock()
	if e.state != models.StateActive {
		e.mu.Unlock()
		return nil
	}
	e.state = models.StateEnding
	sess := e.sess
	cancel := e.cancel
	done := e.loopDone
	e.cancel = nil
	e.mu.Unlock()

	cancel()
	<-done
	e.deps.Meter.Stop()
	e.deps.Guard.Stop()

	endCtx, endCancel := context.WithTimeout(context.Background(), e.cfg.EndSyncTimeout)
	defer endCancel()

	// Best-effort final sync; a dead network must not trap the user in Ending.
	res := e.deps.Syncer.PushState(endCtx, sess)
	if res.Err != nil {
		e.logger.Warn("final sync failed", zap.String("user_id", sess.UserID), zap.Error(res.Err))
	}

	if err := e.deps.Browsers.CloseAndClearBrowsers(endCtx); err != nil {
		e.logger.Warn("browser cleanup failed", zap.String("user_id", sess.UserID), zap.Error(err))
	}

	e.clearRemoteFlags(endCtx, sess)

	if err := e.deps.Snapshots.ClearSnapshot(endCtx); err != nil {
		e.logger.Warn("snapshot clear failed", zap.String("user_id", sess.UserID), zap.Error(err))
	}

	e.mu.Lock()
	e.state = models.StateIdle
	e.sess = nil
	e.mu.Unlock()

	e.logger.Info("session ended",
		zap.String("user_id", sess.UserID),
		zap.String("reason", string(reason)),
		zap.Int64("time_used_seconds", sess.TimeUsedSeconds),
	)
	e.deps.Bus.Publish(events.SessionEnded{Reason: reason})
	return nil
}

// clearRemoteFlags releases the remote active markers, but only while this
// kiosk still owns them; after a takeover they belong to the other kiosk.
func (e *Engine) clearRemoteFlags(ctx context.Context, sess *models.Session) {
	user, err := e.deps.Users.GetUser(ctx, sess.UserID)
	if err != nil {
		e.logger.Warn("remote flag check failed", zap.String("user_id", sess.UserID), zap.Error(err))
		return
	}
	if user.CurrentComputerID != "" && user.CurrentComputerID != sess.ComputerID {
		return
	}
	if err := e.deps.Users.UpdateUser(ctx, sess.UserID, map[string]any{
		"remaining_time_seconds": sess.RemainingTimeSeconds,
		"is_session_active":      false,
		"session_start_time":     nil,
		"current_computer_id":    "",
		"updated_at":             e.now().UTC(),
	}); err != nil {
		e.logger.Warn("remote flag clear failed", zap.String("user_id", sess.UserID), zap.Error(err))
	}
}

func (e *Engine) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	tick := time.NewTicker(e.cfg.TickInterval)
	defer tick.Stop()
	sync := time.NewTicker(e.cfg.SyncInterval)
	defer sync.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			e.tick(ctx)
		case <-sync.C:
			e.syncTick(ctx)
		}
	}
}

// tick recomputes remaining time from the monotonic elapsed duration since
// start, so missed ticks and wall-clock changes never distort billing.
func (e *Engine) tick(ctx context.Context) {
	e.mu.Lock()
	if e.state != models.StateActive {
		e.mu.Unlock()
		return
	}

	elapsed := int64(e.now().Sub(e.sess.StartedAt) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := e.startRemaining - elapsed
	if remaining < 0 {
		remaining = 0
	}
	e.sess.RemainingTimeSeconds = remaining
	e.sess.TimeUsedSeconds = elapsed

	fireWarn5 := remaining <= warnFiveMinAt && !e.warned5
	if fireWarn5 {
		e.warned5 = true
	}
	fireWarn1 := remaining <= warnOneMinAt && !e.warned1
	if fireWarn1 {
		e.warned1 = true
	}
	expired := remaining == 0

	e.saveSnapshotLocked(ctx)
	e.mu.Unlock()

	e.deps.Bus.Publish(events.TimeUpdated{RemainingSeconds: remaining})
	if fireWarn5 {
		e.deps.Bus.Publish(events.Warning5Min{RemainingSeconds: remaining})
	}
	if fireWarn1 {
		e.deps.Bus.Publish(events.Warning1Min{RemainingSeconds: remaining})
	}
	if expired {
		// EndSession waits for the timer loop, so it cannot run inline here.
		go func() {
			_ = e.EndSession(context.Background(), models.EndReasonExpired)
		}()
	}
}

// syncTick pushes the latest state through the syncer and turns its edge
// transitions into events.
func (e *Engine) syncTick(ctx context.Context) {
	e.mu.Lock()
	if e.state != models.StateActive {
		e.mu.Unlock()
		return
	}
	snap := *e.sess
	e.mu.Unlock()

	res := e.deps.Syncer.PushState(ctx, &snap)

	e.mu.Lock()
	if e.state == models.StateActive {
		e.sess.ConsecutiveSyncFailures = snap.ConsecutiveSyncFailures
		e.sess.LastSyncAt = snap.LastSyncAt
	}
	e.mu.Unlock()

	if res.TakenOver {
		go func() {
			_ = e.EndSession(context.Background(), models.EndReasonForceLogout)
		}()
		return
	}
	if res.WentOffline {
		e.deps.Bus.Publish(events.SyncFailed{ConsecutiveFailures: res.ConsecutiveFailures})
	}
	if res.Restored {
		e.deps.Bus.Publish(events.SyncRestored{})
	}
}

// saveSnapshotLocked persists the crash-recovery snapshot. Callers hold e.mu.
func (e *Engine) saveSnapshotLocked(ctx context.Context) {
	snap := cache.Snapshot{
		UserID:               e.sess.UserID,
		ComputerID:           e.sess.ComputerID,
		RemainingTimeSeconds: e.sess.RemainingTimeSeconds,
		TimeUsedSeconds:      e.sess.TimeUsedSeconds,
		StartedAt:            e.sess.StartedAt,
		SavedAt:              e.now().UTC(),
	}
	if err := e.deps.Snapshots.SaveSnapshot(ctx, snap); err != nil {
		e.logger.Warn("snapshot save failed", zap.String("user_id", e.sess.UserID), zap.Error(err))
	}
}
