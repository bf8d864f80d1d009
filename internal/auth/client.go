package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"kiosknet/internal/httpx"
	"kiosknet/internal/remote"
)

// ErrInvalidCredentials marks a rejected sign-in.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Client talks to the external auth provider. The engine only consumes the
// issued credentials; it never validates or mints tokens itself.
type Client struct {
	http   *httpx.Client
	apiKey string
}

// NewClient returns an auth-provider client. apiKey identifies the kiosk
// installation to the provider; empty omits the header.
func NewClient(baseURL, apiKey string, doer httpx.Doer) *Client {
	return &Client{http: httpx.NewClient(baseURL, doer), apiKey: apiKey}
}

type credentialsPayload struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id"`
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// SignIn exchanges email/password for credentials.
func (c *Client) SignIn(ctx context.Context, email, password string) (remote.Credentials, error) {
	return c.post(ctx, "/auth/signin", signInRequest{Email: email, Password: password})
}

// SignUp registers a new account and returns its credentials.
func (c *Client) SignUp(ctx context.Context, email, password string) (remote.Credentials, error) {
	return c.post(ctx, "/auth/signup", signInRequest{Email: email, Password: password})
}

// Refresh implements remote.Refresher.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (remote.Credentials, error) {
	return c.post(ctx, "/auth/refresh", refreshRequest{RefreshToken: refreshToken})
}

func (c *Client) post(ctx context.Context, path string, body any) (remote.Credentials, error) {
	var headers map[string]string
	if c.apiKey != "" {
		headers = map[string]string{"X-API-Key": c.apiKey}
	}

	var payload credentialsPayload
	status, err := c.http.JSON(ctx, http.MethodPost, path, body, &payload, headers)
	if err != nil {
		return remote.Credentials{}, err
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return remote.Credentials{}, ErrInvalidCredentials
	case status < 200 || status >= 300:
		return remote.Credentials{}, fmt.Errorf("auth: unexpected status %d", status)
	}
	return remote.Credentials{
		IDToken:      payload.IDToken,
		RefreshToken: payload.RefreshToken,
		UserID:       payload.UserID,
	}, nil
}
