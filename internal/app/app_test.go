package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"kiosknet/internal/config"
	"kiosknet/internal/events"
	"kiosknet/internal/models"
	"kiosknet/internal/remote"
	"kiosknet/internal/session"
)

// remoteServer is a minimal tenant-scoped user store over httptest.
type remoteServer struct {
	mu       sync.Mutex
	user     models.UserRecord
	getDelay time.Duration
}

func (s *remoteServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/tenants/t1/users/u1" && r.Method == http.MethodGet:
		if s.getDelay > 0 {
			time.Sleep(s.getDelay)
		}
		s.mu.Lock()
		user := s.user
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(user)
	case r.URL.Path == "/tenants/t1/users/u1" && r.Method == http.MethodPatch:
		var fields map[string]any
		_ = json.NewDecoder(r.Body).Decode(&fields)
		s.mu.Lock()
		if v, ok := fields["remaining_time_seconds"].(float64); ok {
			s.user.RemainingTimeSeconds = int64(v)
		}
		if v, ok := fields["is_session_active"].(bool); ok {
			s.user.IsSessionActive = v
		}
		if v, ok := fields["current_computer_id"].(string); ok {
			s.user.CurrentComputerID = v
		}
		s.mu.Unlock()
		_, _ = w.Write([]byte("{}"))
	default:
		http.NotFound(w, r)
	}
}

func signedToken(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newAppFixture(t *testing.T, getDelay time.Duration) (*App, *remoteServer) {
	t.Helper()

	mr := miniredis.RunT(t)
	store := &remoteServer{
		user:     models.UserRecord{UserID: "u1", RemainingTimeSeconds: 600},
		getDelay: getDelay,
	}
	server := httptest.NewServer(store)
	t.Cleanup(server.Close)

	cfg := &config.Config{}
	cfg.Kiosk.ComputerID = "pc-01"
	cfg.Kiosk.MachineKey = "machine-key"
	cfg.Remote.BaseURL = server.URL
	cfg.Remote.TenantID = "t1"
	cfg.Auth.BaseURL = server.URL
	cfg.Redis.Addr = mr.Addr()
	cfg.Spool.Dir = t.TempDir()
	cfg.Print.UnitPrice = 0.5

	a, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(a.Close)
	t.Cleanup(func() { _ = a.EndSession(context.Background(), models.EndReasonUser) })

	a.tokens.SetCredentials(remote.Credentials{
		IDToken:      signedToken(t),
		RefreshToken: "refresh-1",
		UserID:       "u1",
	})
	return a, store
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestConcurrentSignInsStartOneSession(t *testing.T) {
	// The remote GetUser is slow, so both calls overlap on the slot.
	a, _ := newAppFixture(t, 150*time.Millisecond)

	var started int32
	a.Events().Subscribe(func(e events.Event) {
		if e.Kind() == events.KindSessionStarted {
			atomic.AddInt32(&started, 1)
		}
	})

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = a.startSession(context.Background(), "u1")
		}(i)
	}
	wg.Wait()

	var ok, conflict int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, session.ErrSessionConflict):
			conflict++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflict != 1 {
		t.Fatalf("expected one winner and one conflict, got ok=%d conflict=%d", ok, conflict)
	}
	if got := atomic.LoadInt32(&started); got != 1 {
		t.Fatalf("expected 1 SessionStarted, got %d", got)
	}
}

func TestEngineEndReleasesSlot(t *testing.T) {
	a, _ := newAppFixture(t, 0)

	if err := a.startSession(context.Background(), "u1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	a.mu.Lock()
	engine := a.engine
	a.mu.Unlock()

	// Expiry ends the session inside the engine, bypassing App.EndSession.
	if err := engine.EndSession(context.Background(), models.EndReasonExpired); err != nil {
		t.Fatalf("end: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.engine == nil && a.watcher == nil
	})
}

func TestReloginAfterEngineEndedInternally(t *testing.T) {
	a, _ := newAppFixture(t, 0)

	if err := a.startSession(context.Background(), "u1"); err != nil {
		t.Fatalf("first start: %v", err)
	}
	a.mu.Lock()
	engine := a.engine
	a.mu.Unlock()

	if err := engine.EndSession(context.Background(), models.EndReasonExpired); err != nil {
		t.Fatalf("end: %v", err)
	}

	// Immediately, without waiting for the release to land.
	if err := a.startSession(context.Background(), "u1"); err != nil {
		t.Fatalf("re-login refused after internal end: %v", err)
	}
}

func TestEndSessionWithNoSessionIsNoop(t *testing.T) {
	a, _ := newAppFixture(t, 0)
	if err := a.EndSession(context.Background(), models.EndReasonUser); err != nil {
		t.Fatalf("end with no session: %v", err)
	}
}
