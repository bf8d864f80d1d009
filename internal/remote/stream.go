package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Stream event types delivered by the remote store.
const (
	StreamPut         = "put"
	StreamPatch       = "patch"
	StreamDelete      = "delete"
	StreamKeepAlive   = "keep-alive"
	StreamAuthRevoked = "auth-revoked"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 60 * time.Second
	streamReadWait = 90 * time.Second
)

// StreamEvent is one change notification on a subscribed path.
type StreamEvent struct {
	Type string          `json:"type"`
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}

// StreamConn is the connection subset the stream reader needs.
type StreamConn interface {
	ReadJSON(v any) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// StreamDialer opens a streaming connection. Swapped out in tests.
type StreamDialer func(ctx context.Context, rawURL, token string) (StreamConn, error)

var errAuthRevoked = errors.New("remote: auth revoked by server")

func dialWebsocket(ctx context.Context, rawURL, token string) (StreamConn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("remote: dial stream: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("remote: dial stream: %w", err)
	}
	return conn, nil
}

// Subscription is a handle on one long-lived stream. Stop is symmetric with
// Subscribe: after it returns no further callback fires.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop tears the subscription down and waits for the reader to exit.
func (s *Subscription) Stop() {
	s.cancel()
	<-s.done
}

// Subscribe opens a long-lived change stream scoped to one path. Disconnects
// reconnect with exponential backoff (1s doubling to a 60s cap, reset on any
// successful connect). Keep-alive events are swallowed; an auth-revoked
// event forces a token refresh and an immediate reconnect.
func (c *Client) Subscribe(path string, onEvent func(StreamEvent), onError func(error)) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}
	go c.runStream(ctx, path, onEvent, onError, sub.done)
	return sub
}

func (c *Client) runStream(ctx context.Context, path string, onEvent func(StreamEvent), onError func(error), done chan<- struct{}) {
	defer close(done)

	streamURL := c.streamURL(path)
	backoff := initialBackoff

	for ctx.Err() == nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			c.reportError(ctx, onError, err)
			if !sleepBackoff(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		conn, err := c.dial(ctx, streamURL, token)
		if err != nil {
			c.reportError(ctx, onError, err)
			if !sleepBackoff(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = initialBackoff
		c.logger.Debug("stream connected", zap.String("path", path))

		err = c.readStream(ctx, conn, onEvent)
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, errAuthRevoked) {
			// Immediate refresh and reconnect, no backoff.
			if refreshErr := c.tokens.ForceRefresh(ctx); refreshErr != nil {
				c.reportError(ctx, onError, refreshErr)
			}
			continue
		}

		c.reportError(ctx, onError, err)
		if !sleepBackoff(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func (c *Client) readStream(ctx context.Context, conn StreamConn, onEvent func(StreamEvent)) error {
	// Unblock ReadJSON when the subscription stops.
	watch := make(chan struct{})
	defer close(watch)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-watch:
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(streamReadWait))

		var ev StreamEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return err
		}

		switch ev.Type {
		case StreamKeepAlive:
			// Deadline already pushed out above.
		case StreamAuthRevoked:
			return errAuthRevoked
		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			onEvent(ev)
		}
	}
}

func (c *Client) reportError(ctx context.Context, onError func(error), err error) {
	if ctx.Err() != nil || err == nil || onError == nil {
		return
	}
	onError(err)
}

func (c *Client) streamURL(path string) string {
	return fmt.Sprintf("%s/tenants/%s/stream?path=%s",
		c.wsURL, c.tenant, url.QueryEscape(strings.TrimPrefix(path, "/")))
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func sleepBackoff(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
