package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Credentials is what the external auth provider hands out.
type Credentials struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id"`
}

// Refresher exchanges a refresh token for fresh credentials. Implemented by
// the auth-provider client; the store never implements auth itself.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Credentials, error)
}

const defaultRefreshAhead = 5 * time.Minute

// TokenSource holds the current credentials and refreshes the id token
// ahead of its expiry so remote calls never present a stale token.
type TokenSource struct {
	mu           sync.Mutex
	creds        Credentials
	refresher    Refresher
	refreshAhead time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

// NewTokenSource builds a token source seeded with sign-in credentials.
func NewTokenSource(creds Credentials, refresher Refresher, logger *zap.Logger) *TokenSource {
	return &TokenSource{
		creds:        creds,
		refresher:    refresher,
		refreshAhead: defaultRefreshAhead,
		now:          time.Now,
		logger:       logger,
	}
}

// Token returns a valid id token, refreshing first when the current one
// expires within the refresh-ahead window.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	expiry, err := tokenExpiry(t.creds.IDToken)
	if err == nil && t.now().Add(t.refreshAhead).Before(expiry) {
		return t.creds.IDToken, nil
	}

	if refreshErr := t.refreshLocked(ctx); refreshErr != nil {
		// A refresh failure with a not-yet-expired token is survivable.
		if tokenStillValid(t.creds.IDToken, t.now()) {
			return t.creds.IDToken, nil
		}
		return "", refreshErr
	}
	return t.creds.IDToken, nil
}

// ForceRefresh refreshes immediately, bypassing the expiry check. Used when
// the server reports the token revoked.
func (t *TokenSource) ForceRefresh(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refreshLocked(ctx)
}

// SetCredentials replaces the current credentials, e.g. after a new
// interactive sign-in.
func (t *TokenSource) SetCredentials(creds Credentials) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.creds = creds
}

// Credentials returns a copy of the current credentials.
func (t *TokenSource) Credentials() Credentials {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.creds
}

func (t *TokenSource) refreshLocked(ctx context.Context) error {
	if t.refresher == nil {
		return errors.New("remote: no refresher configured")
	}
	creds, err := t.refresher.Refresh(ctx, t.creds.RefreshToken)
	if err != nil {
		return fmt.Errorf("remote: refresh token: %w", err)
	}
	if creds.RefreshToken == "" {
		creds.RefreshToken = t.creds.RefreshToken
	}
	if creds.UserID == "" {
		creds.UserID = t.creds.UserID
	}
	t.creds = creds
	if t.logger != nil {
		t.logger.Debug("id token refreshed", zap.String("user_id", creds.UserID))
	}
	return nil
}

func tokenExpiry(token string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, errors.New("remote: token has no expiry")
	}
	return claims.ExpiresAt.Time, nil
}

func tokenStillValid(token string, now time.Time) bool {
	expiry, err := tokenExpiry(token)
	return err == nil && now.Before(expiry)
}
