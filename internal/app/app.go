package app

import (
	"context"
	"errors"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	libredis "kiosknet/libs/redis"

	"kiosknet/internal/auth"
	"kiosknet/internal/cache"
	"kiosknet/internal/config"
	"kiosknet/internal/events"
	"kiosknet/internal/hours"
	"kiosknet/internal/httpx"
	"kiosknet/internal/ledger"
	"kiosknet/internal/logout"
	"kiosknet/internal/models"
	"kiosknet/internal/orgmeta"
	"kiosknet/internal/platform"
	"kiosknet/internal/printmeter"
	"kiosknet/internal/remote"
	"kiosknet/internal/session"
	"kiosknet/internal/syncer"
)

// App wires kiosk agent dependencies. The UI layer drives it through
// SignIn / EndSession and renders what the event bus publishes.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	redisClient *goredis.Client
	store       *cache.Store
	journal     *ledger.Ledger
	authClient  *auth.Client
	tokens      *remote.TokenSource
	remote      *remote.Client
	spooler     *platform.SpoolDirSpooler
	sync        *syncer.Engine
	bus         *events.Bus

	mu       sync.Mutex
	engine   *session.Engine
	watcher  *logout.Watcher
	userID   string
	starting bool
}

// New constructs the application graph.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	redisClient, err := libredis.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}

	store, err := cache.NewStore(redisClient, cfg.Kiosk.ComputerID, cfg.Kiosk.MachineKey, cfg.SnapshotTTL())
	if err != nil {
		redisClient.Close()
		return nil, err
	}

	authClient := auth.NewClient(cfg.Auth.BaseURL, cfg.Auth.APIKey, httpx.NewDefaultDoer(cfg.AuthTimeout()))
	tokens := remote.NewTokenSource(remote.Credentials{}, authClient, logger)

	remoteClient := remote.NewClient(remote.Config{
		BaseURL:  cfg.Remote.BaseURL,
		TenantID: cfg.Remote.TenantID,
		Timeout:  cfg.RemoteTimeout(),
	}, tokens, httpx.NewDefaultDoer(cfg.RemoteTimeout()), logger)

	spooler, err := platform.NewSpoolDirSpooler(cfg.Spool.Dir, logger)
	if err != nil {
		redisClient.Close()
		return nil, err
	}

	var journal *ledger.Ledger
	if cfg.Ledger.DSN != "" {
		journal, err = ledger.Open(cfg.Ledger.DSN)
		if err != nil {
			redisClient.Close()
			return nil, err
		}
	}

	a := &App{
		cfg:         cfg,
		logger:      logger,
		redisClient: redisClient,
		store:       store,
		journal:     journal,
		authClient:  authClient,
		tokens:      tokens,
		remote:      remoteClient,
		spooler:     spooler,
		sync:        syncer.New(remoteClient, syncer.DefaultFailureThreshold, 0, logger),
		bus:         events.NewBus(),
	}
	a.restoreCredentials()

	// The engine ends sessions on its own for expiry, takeover, and
	// operating hours; the slot must free up for the next sign-in either way.
	a.bus.Subscribe(func(e events.Event) {
		if e.Kind() != events.KindSessionEnded {
			return
		}
		// Runs on the engine's goroutine under the bus lock.
		go a.releaseSession()
	})
	return a, nil
}

// Events returns the bus the UI layer subscribes to.
func (a *App) Events() *events.Bus { return a.bus }

// restoreCredentials reseeds the token source from the sealed refresh token
// so a kiosk restart does not force a fresh interactive sign-in.
func (a *App) restoreCredentials() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	token, err := a.store.LoadRefreshToken(ctx)
	if errors.Is(err, cache.ErrNotCached) {
		return
	}
	if err != nil {
		a.logger.Warn("cached refresh token unavailable", zap.Error(err))
		return
	}
	a.tokens.SetCredentials(remote.Credentials{RefreshToken: token})
}

// SignIn authenticates the user and starts their session. Returns the
// engine's refusal unchanged so the UI can map it to a message.
func (a *App) SignIn(ctx context.Context, email, password string) error {
	creds, err := a.authClient.SignIn(ctx, email, password)
	if err != nil {
		return err
	}
	a.tokens.SetCredentials(creds)
	if err := a.store.SaveRefreshToken(ctx, creds.RefreshToken); err != nil {
		a.logger.Warn("refresh token not cached", zap.Error(err))
	}
	return a.startSession(ctx, creds.UserID)
}

func (a *App) startSession(ctx context.Context, userID string) error {
	if err := a.reserveSession(); err != nil {
		return err
	}

	org := orgmeta.NewClient(a.remote)

	unitPrice := a.cfg.FallbackUnitPrice()
	if pricing, err := org.GetPrintPricing(ctx); err == nil {
		unitPrice = pricing.UnitPrice
	} else {
		a.logger.Warn("org print pricing unavailable, using fallback",
			zap.Float64("unit_price", unitPrice), zap.Error(err))
	}

	schedule := alwaysOpen()
	if raw, err := org.GetOperatingHours(ctx); err == nil {
		parsed, parseErr := hours.ParseSchedule(raw)
		if parseErr != nil {
			a.logger.Warn("org operating hours malformed", zap.Error(parseErr))
		} else {
			schedule = parsed
		}
	} else {
		a.logger.Warn("org operating hours unavailable", zap.Error(err))
	}

	guard := hours.NewGuard(schedule, a.bus, func(behavior hours.GraceBehavior) {
		if behavior != hours.GraceEnd {
			return
		}
		// Runs on the guard's goroutine; EndSession waits for the guard.
		go func() {
			_ = a.EndSession(context.Background(), models.EndReasonOperatingHours)
		}()
	}, a.logger)

	var recorder printmeter.Recorder
	if a.journal != nil {
		recorder = a.journal
	}
	meter := printmeter.NewMeter(a.spooler, a.remote, recorder, a.bus, printmeter.Config{
		UnitPrice:    unitPrice,
		PollInterval: a.cfg.SpoolPollInterval(),
		ComputerID:   a.cfg.Kiosk.ComputerID,
	}, a.logger)

	engine := session.NewEngine(session.Config{
		ComputerID:     a.cfg.Kiosk.ComputerID,
		SyncInterval:   a.cfg.SyncInterval(),
		EndSyncTimeout: a.cfg.EndSyncTimeout(),
	}, session.Deps{
		Users:     a.remote,
		Snapshots: a.store,
		Syncer:    a.sync,
		Meter:     meter,
		Guard:     guard,
		Processes: platform.NoopCleanup{},
		Browsers:  platform.NoopCleanup{},
		Bus:       a.bus,
	}, a.logger)

	watcher := logout.NewWatcher(logout.ClientStreamer{Client: a.remote}, a.remote, func() {
		// Runs on the stream goroutine; EndSession waits for the watcher.
		go func() {
			_ = a.EndSession(context.Background(), models.EndReasonForceLogout)
		}()
	}, a.logger)

	if err := engine.StartSession(ctx, userID); err != nil {
		a.mu.Lock()
		a.starting = false
		a.mu.Unlock()
		return err
	}
	watcher.Start(userID)

	a.mu.Lock()
	a.engine = engine
	a.watcher = watcher
	a.userID = userID
	a.starting = false
	a.mu.Unlock()
	return nil
}

// reserveSession claims the single session slot before any network I/O so
// two concurrent sign-ins cannot both start. An engine that already ended
// its session internally still occupies the slot; it counts as free here
// and its watcher is torn down.
func (a *App) reserveSession() error {
	a.mu.Lock()
	if a.starting {
		a.mu.Unlock()
		return session.ErrSessionConflict
	}
	var stale *logout.Watcher
	if a.engine != nil {
		if a.engine.State() != models.StateIdle {
			a.mu.Unlock()
			return session.ErrSessionConflict
		}
		stale = a.watcher
		a.engine = nil
		a.watcher = nil
		a.userID = ""
	}
	a.starting = true
	a.mu.Unlock()

	if stale != nil {
		stale.Stop()
	}
	return nil
}

// releaseSession frees the slot once the stored engine is idle, so an
// engine-initiated end (expiry, takeover) does not strand the kiosk or
// leave the force-logout stream running for a logged-out user.
func (a *App) releaseSession() {
	a.mu.Lock()
	if a.engine != nil && a.engine.State() != models.StateIdle {
		a.mu.Unlock()
		return
	}
	watcher := a.watcher
	a.engine = nil
	a.watcher = nil
	a.userID = ""
	a.mu.Unlock()

	if watcher != nil {
		watcher.Stop()
	}
}

// EndSession stops the active session. Safe to call with none active.
func (a *App) EndSession(ctx context.Context, reason models.EndReason) error {
	a.mu.Lock()
	engine := a.engine
	watcher := a.watcher
	a.engine = nil
	a.watcher = nil
	a.userID = ""
	a.mu.Unlock()

	if engine == nil {
		return nil
	}
	if watcher != nil {
		watcher.Stop()
	}
	return engine.EndSession(ctx, reason)
}

// SignOut ends the session and drops the cached credentials.
func (a *App) SignOut(ctx context.Context) error {
	err := a.EndSession(ctx, models.EndReasonLogout)
	if clearErr := a.store.ClearRefreshToken(ctx); clearErr != nil {
		a.logger.Warn("refresh token not cleared", zap.Error(clearErr))
	}
	a.tokens.SetCredentials(remote.Credentials{})
	return err
}

// Run blocks until ctx is cancelled, then shuts the session down so the
// final state reaches the remote store.
func (a *App) Run(ctx context.Context) error {
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.EndSession(shutdownCtx, models.EndReasonLogout); err != nil {
		a.logger.Warn("session shutdown failed", zap.Error(err))
	}
	return ctx.Err()
}

// Close releases resources.
func (a *App) Close() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn("failed to close ledger", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
}

func alwaysOpen() hours.Schedule {
	schedule, _ := hours.ParseSchedule(orgmeta.OperatingHours{OpenTime: "00:00", CloseTime: "00:00"})
	return schedule
}
