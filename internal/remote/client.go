package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"kiosknet/internal/httpx"
	"kiosknet/internal/models"
)

// ErrNotFound marks a missing remote document.
var ErrNotFound = errors.New("remote: not found")

// StatusError carries a non-2xx remote response code.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote: unexpected status %d", e.Code)
}

// Config describes the remote data store endpoint.
type Config struct {
	BaseURL  string
	TenantID string
	Timeout  time.Duration
}

// Client performs tenant-scoped CRUD against the remote store and opens
// realtime change-stream subscriptions.
type Client struct {
	http   *httpx.Client
	tenant string
	tokens *TokenSource
	dial   StreamDialer
	wsURL  string
	logger *zap.Logger
}

// NewClient builds a remote store client.
func NewClient(cfg Config, tokens *TokenSource, doer httpx.Doer, logger *zap.Logger) *Client {
	return &Client{
		http:   httpx.NewClient(cfg.BaseURL, doer),
		tenant: cfg.TenantID,
		tokens: tokens,
		dial:   dialWebsocket,
		wsURL:  websocketURL(cfg.BaseURL),
		logger: logger,
	}
}

func (c *Client) scoped(path string) string {
	return fmt.Sprintf("/tenants/%s/%s", c.tenant, strings.TrimPrefix(path, "/"))
}

// Get reads the document at path into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.call(ctx, http.MethodGet, path, nil, out)
}

// Set replaces the document at path.
func (c *Client) Set(ctx context.Context, path string, value any) error {
	return c.call(ctx, http.MethodPut, path, value, nil)
}

// Update merges the given fields into the document at path.
func (c *Client) Update(ctx context.Context, path string, fields map[string]any) error {
	return c.call(ctx, http.MethodPatch, path, fields, nil)
}

// Delete removes the document at path.
func (c *Client) Delete(ctx context.Context, path string) error {
	err := c.call(ctx, http.MethodDelete, path, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// GetUser reads the per-user record.
func (c *Client) GetUser(ctx context.Context, userID string) (models.UserRecord, error) {
	var user models.UserRecord
	if err := c.Get(ctx, "users/"+userID, &user); err != nil {
		return models.UserRecord{}, err
	}
	if user.UserID == "" {
		user.UserID = userID
	}
	return user, nil
}

// UpdateUser merges fields into the per-user record.
func (c *Client) UpdateUser(ctx context.Context, userID string, fields map[string]any) error {
	return c.Update(ctx, "users/"+userID, fields)
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	status, err := c.http.JSON(ctx, method, c.scoped(path), in, out, authHeader(token))
	if err != nil {
		return err
	}

	if status == http.StatusUnauthorized {
		// One refresh-and-retry covers a token revoked server-side.
		if err := c.tokens.ForceRefresh(ctx); err != nil {
			return err
		}
		token, err = c.tokens.Token(ctx)
		if err != nil {
			return err
		}
		status, err = c.http.JSON(ctx, method, c.scoped(path), in, out, authHeader(token))
		if err != nil {
			return err
		}
	}

	switch {
	case status == http.StatusNotFound:
		return ErrNotFound
	case status < 200 || status >= 300:
		return &StatusError{Code: status}
	}
	return nil
}

func authHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func websocketURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	}
	return baseURL
}
