package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type recordedRequest struct {
	path   string
	apiKey string
	body   map[string]string
}

func newAuthServer(t *testing.T, status int, creds map[string]string) (*httptest.Server, func() []recordedRequest) {
	t.Helper()

	var mu sync.Mutex
	var requests []recordedRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)

		mu.Lock()
		requests = append(requests, recordedRequest{
			path:   r.URL.Path,
			apiKey: r.Header.Get("X-API-Key"),
			body:   body,
		})
		mu.Unlock()

		w.WriteHeader(status)
		if creds != nil {
			_ = json.NewEncoder(w).Encode(creds)
		}
	}))
	t.Cleanup(server.Close)

	return server, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedRequest, len(requests))
		copy(out, requests)
		return out
	}
}

func TestSignInSendsAPIKeyAndMapsCredentials(t *testing.T) {
	server, requests := newAuthServer(t, http.StatusOK, map[string]string{
		"id_token":      "id-1",
		"refresh_token": "refresh-1",
		"user_id":       "u1",
	})

	client := NewClient(server.URL, "kiosk-key", server.Client())
	creds, err := client.SignIn(context.Background(), "a@b.c", "pw")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}

	if creds.IDToken != "id-1" || creds.RefreshToken != "refresh-1" || creds.UserID != "u1" {
		t.Fatalf("credentials not mapped: %+v", creds)
	}

	got := requests()
	if len(got) != 1 {
		t.Fatalf("expected 1 request, got %d", len(got))
	}
	if got[0].path != "/auth/signin" {
		t.Fatalf("unexpected path %q", got[0].path)
	}
	if got[0].apiKey != "kiosk-key" {
		t.Fatalf("api key header missing, got %q", got[0].apiKey)
	}
	if got[0].body["email"] != "a@b.c" {
		t.Fatalf("request body not sent: %+v", got[0].body)
	}
}

func TestEmptyAPIKeyOmitsHeader(t *testing.T) {
	server, requests := newAuthServer(t, http.StatusOK, map[string]string{"id_token": "id-1"})

	client := NewClient(server.URL, "", server.Client())
	if _, err := client.Refresh(context.Background(), "refresh-1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	got := requests()
	if len(got) != 1 {
		t.Fatalf("expected 1 request, got %d", len(got))
	}
	if got[0].apiKey != "" {
		t.Fatalf("unexpected api key header %q", got[0].apiKey)
	}
	if got[0].body["refresh_token"] != "refresh-1" {
		t.Fatalf("refresh token not sent: %+v", got[0].body)
	}
}

func TestRejectedSignInIsInvalidCredentials(t *testing.T) {
	server, _ := newAuthServer(t, http.StatusUnauthorized, nil)

	client := NewClient(server.URL, "kiosk-key", server.Client())
	if _, err := client.SignIn(context.Background(), "a@b.c", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}
