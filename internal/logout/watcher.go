// Package logout reacts to operator-initiated force logout. An operator sets
// the force_logout flag on the user record; the watcher sees the change on
// the live stream, clears the flag, and ends the local session.
package logout

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"kiosknet/internal/remote"
)

// Stopper is a running subscription handle.
type Stopper interface {
	Stop()
}

// Streamer opens change-stream subscriptions.
type Streamer interface {
	Subscribe(path string, onEvent func(remote.StreamEvent), onError func(error)) Stopper
}

// ClientStreamer adapts *remote.Client to Streamer.
type ClientStreamer struct {
	Client *remote.Client
}

func (s ClientStreamer) Subscribe(path string, onEvent func(remote.StreamEvent), onError func(error)) Stopper {
	return s.Client.Subscribe(path, onEvent, onError)
}

// FlagStore clears the remote flag once it has been acted on.
type FlagStore interface {
	UpdateUser(ctx context.Context, userID string, fields map[string]any) error
}

// Watcher follows users/{id}/force_logout for one logged-in user.
type Watcher struct {
	stream   Streamer
	users    FlagStore
	onLogout func()
	logger   *zap.Logger

	clearTimeout time.Duration

	mu     sync.Mutex
	sub    Stopper
	userID string
	fired  bool
}

// NewWatcher builds a watcher. onLogout runs at most once per Start and is
// expected to end the session.
func NewWatcher(stream Streamer, users FlagStore, onLogout func(), logger *zap.Logger) *Watcher {
	return &Watcher{
		stream:       stream,
		users:        users,
		onLogout:     onLogout,
		logger:       logger,
		clearTimeout: 10 * time.Second,
	}
}

// Start subscribes to the user's force_logout flag. No-op when already
// watching.
func (w *Watcher) Start(userID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sub != nil {
		return
	}
	w.userID = userID
	w.fired = false
	w.sub = w.stream.Subscribe("users/"+userID+"/force_logout", w.handle, func(err error) {
		w.logger.Warn("force-logout stream error", zap.String("user_id", userID), zap.Error(err))
	})
}

// Stop tears the subscription down; the callback does not fire after Stop
// returns.
func (w *Watcher) Stop() {
	w.mu.Lock()
	sub := w.sub
	w.sub = nil
	w.mu.Unlock()

	if sub != nil {
		sub.Stop()
	}
}

func (w *Watcher) handle(ev remote.StreamEvent) {
	if ev.Type != remote.StreamPut && ev.Type != remote.StreamPatch {
		return
	}

	var flag bool
	if err := json.Unmarshal(ev.Data, &flag); err != nil {
		w.logger.Warn("malformed force_logout payload", zap.ByteString("data", ev.Data), zap.Error(err))
		return
	}
	if !flag {
		return
	}

	w.mu.Lock()
	if w.fired {
		w.mu.Unlock()
		return
	}
	w.fired = true
	userID := w.userID
	w.mu.Unlock()

	w.logger.Info("force logout requested", zap.String("user_id", userID))

	// Clear the flag first so a reconnecting stream does not replay it.
	ctx, cancel := context.WithTimeout(context.Background(), w.clearTimeout)
	defer cancel()
	if err := w.users.UpdateUser(ctx, userID, map[string]any{
		"force_logout": false,
		"updated_at":   time.Now().UTC(),
	}); err != nil {
		w.logger.Warn("force_logout flag clear failed", zap.String("user_id", userID), zap.Error(err))
	}

	w.onLogout()
}
