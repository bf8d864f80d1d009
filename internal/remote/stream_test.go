package remote

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type streamItem struct {
	ev  StreamEvent
	err error
}

type scriptedConn struct {
	mu     sync.Mutex
	items  chan streamItem
	closed bool
}

func newScriptedConn(items ...streamItem) *scriptedConn {
	ch := make(chan streamItem, len(items)+1)
	for _, item := range items {
		ch <- item
	}
	return &scriptedConn{items: ch}
}

func (c *scriptedConn) ReadJSON(v any) error {
	item, ok := <-c.items
	if !ok {
		return errors.New("connection closed")
	}
	if item.err != nil {
		return item.err
	}
	*(v.(*StreamEvent)) = item.ev
	return nil
}

func (c *scriptedConn) SetReadDeadline(time.Time) error { return nil }

func (c *scriptedConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.items)
	}
	return nil
}

type scriptedDialer struct {
	mu    sync.Mutex
	conns []*scriptedConn
	errs  []error
	calls int
}

func (d *scriptedDialer) dial(context.Context, string, string) (StreamConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.calls
	d.calls++
	if idx < len(d.errs) && d.errs[idx] != nil {
		return nil, d.errs[idx]
	}
	if idx < len(d.conns) && d.conns[idx] != nil {
		return d.conns[idx], nil
	}
	// Default: a connection that stays open until closed.
	return newScriptedConn(), nil
}

func (d *scriptedDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func newStreamTestClient(t *testing.T, dialer *scriptedDialer, refresher *fakeRefresher) *Client {
	t.Helper()
	idToken := signedToken(t, time.Now().Add(time.Hour))
	tokens := NewTokenSource(Credentials{IDToken: idToken, RefreshToken: "r1", UserID: "u1"}, refresher, zap.NewNop())
	client := NewClient(Config{BaseURL: "http://store.local", TenantID: "org-1"}, tokens, nil, zap.NewNop())
	client.dial = dialer.dial
	return client
}

func putEvent(path, raw string) StreamEvent {
	return StreamEvent{Type: StreamPut, Path: path, Data: json.RawMessage(raw)}
}

func TestSubscribeDeliversEventsAndSkipsKeepAlives(t *testing.T) {
	conn := newScriptedConn(
		streamItem{ev: StreamEvent{Type: StreamKeepAlive}},
		streamItem{ev: putEvent("users/u1/force_logout", "true")},
		streamItem{ev: StreamEvent{Type: StreamKeepAlive}},
		streamItem{ev: putEvent("users/u1/print_balance", "12.5")},
	)
	dialer := &scriptedDialer{conns: []*scriptedConn{conn}}
	client := newStreamTestClient(t, dialer, &fakeRefresher{})

	var mu sync.Mutex
	var got []StreamEvent
	sub := client.Subscribe("users/u1", func(ev StreamEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	}, nil)
	defer sub.Stop()

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0].Path != "users/u1/force_logout" || got[1].Path != "users/u1/print_balance" {
		t.Fatalf("unexpected events: %+v", got)
	}
}

func TestSubscribeReconnectsAfterDialFailure(t *testing.T) {
	conn := newScriptedConn(streamItem{ev: putEvent("users/u1", "{}")})
	dialer := &scriptedDialer{
		errs:  []error{errors.New("connection refused"), nil},
		conns: []*scriptedConn{nil, conn},
	}
	client := newStreamTestClient(t, dialer, &fakeRefresher{})

	var mu sync.Mutex
	var errs []error
	events := 0
	sub := client.Subscribe("users/u1", func(StreamEvent) {
		mu.Lock()
		events++
		mu.Unlock()
	}, func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})
	defer sub.Stop()

	// First dial fails, second succeeds after the 1s initial backoff.
	waitFor(t, 4*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return events == 1 && len(errs) >= 1
	})

	if dialer.callCount() < 2 {
		t.Fatalf("expected at least 2 dial attempts, got %d", dialer.callCount())
	}
}

func TestSubscribeAuthRevokedRefreshesAndReconnectsImmediately(t *testing.T) {
	newToken := signedToken(t, time.Now().Add(2*time.Hour))
	refresher := &fakeRefresher{creds: Credentials{IDToken: newToken}}

	first := newScriptedConn(streamItem{ev: StreamEvent{Type: StreamAuthRevoked}})
	second := newScriptedConn(streamItem{ev: putEvent("users/u1", "{}")})
	dialer := &scriptedDialer{conns: []*scriptedConn{first, second}}
	client := newStreamTestClient(t, dialer, refresher)

	var mu sync.Mutex
	events := 0
	start := time.Now()
	sub := client.Subscribe("users/u1", func(StreamEvent) {
		mu.Lock()
		events++
		mu.Unlock()
	}, nil)
	defer sub.Stop()

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return events == 1
	})

	if elapsed := time.Since(start); elapsed > 900*time.Millisecond {
		t.Fatalf("auth-revoked reconnect should bypass backoff, took %s", elapsed)
	}
	if refresher.callCount() == 0 {
		t.Fatalf("expected a forced token refresh")
	}
}

func TestSubscriptionStopIsSymmetric(t *testing.T) {
	conn := newScriptedConn(streamItem{ev: putEvent("users/u1", "{}")})
	dialer := &scriptedDialer{conns: []*scriptedConn{conn}}
	client := newStreamTestClient(t, dialer, &fakeRefresher{})

	var mu sync.Mutex
	events := 0
	sub := client.Subscribe("users/u1", func(StreamEvent) {
		mu.Lock()
		events++
		mu.Unlock()
	}, func(error) {
		t.Errorf("onError fired around Stop")
	})

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return events == 1
	})

	sub.Stop()

	mu.Lock()
	after := events
	mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if events != after {
		t.Fatalf("callback fired after Stop returned")
	}
}

func TestNextBackoffDoublesToCap(t *testing.T) {
	d := initialBackoff
	var seen []time.Duration
	for i := 0; i < 8; i++ {
		seen = append(seen, d)
		d = nextBackoff(d)
	}
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("backoff step %d: got %s want %s", i, seen[i], want[i])
		}
	}
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
