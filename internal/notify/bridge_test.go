package notify

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBridge(t *testing.T) (*Bridge, string) {
	t.Helper()
	bridge := NewBridge(discardLogger())
	srv := httptest.NewServer(http.HandlerFunc(bridge.Subscribe))
	t.Cleanup(srv.Close)
	return bridge, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func waitForSubscribers(t *testing.T, bridge *Bridge, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return bridge.Subscribers() == want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPublishDeliversToSubscribedWindows(t *testing.T) {
	bridge, url := newTestBridge(t)
	conn := dial(t, url)
	waitForSubscribers(t, bridge, 1)

	delivered := bridge.Publish(context.Background(), "Order #42 shipped")
	require.Equal(t, 1, delivered)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var note Notification
	require.NoError(t, wsjson.Read(ctx, conn, &note))
	require.Equal(t, NotificationTitle, note.Title)
	require.Equal(t, "Order #42 shipped", note.Body)
	require.Equal(t, []string{ActionView, ActionDismiss}, note.Actions)
}

func TestPublishDefaultsEmptyBody(t *testing.T) {
	bridge, url := newTestBridge(t)
	conn := dial(t, url)
	waitForSubscribers(t, bridge, 1)

	require.Equal(t, 1, bridge.Publish(context.Background(), ""))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var note Notification
	require.NoError(t, wsjson.Read(ctx, conn, &note))
	require.Equal(t, "You have new activity.", note.Body)
}

func TestPublishWithoutSubscribers(t *testing.T) {
	bridge := NewBridge(discardLogger())
	require.Zero(t, bridge.Publish(context.Background(), "nobody home"))
}

func TestPublishFansOut(t *testing.T) {
	bridge, url := newTestBridge(t)
	first := dial(t, url)
	second := dial(t, url)
	waitForSubscribers(t, bridge, 2)

	require.Equal(t, 2, bridge.Publish(context.Background(), "hello"))

	for _, conn := range []*websocket.Conn{first, second} {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var note Notification
		require.NoError(t, wsjson.Read(ctx, conn, &note))
		cancel()
		require.Equal(t, "hello", note.Body)
	}
}

func TestSubscriberRemovedOnDisconnect(t *testing.T) {
	bridge, url := newTestBridge(t)
	conn := dial(t, url)
	waitForSubscribers(t, bridge, 1)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "done"))
	waitForSubscribers(t, bridge, 0)
}

func TestResolveDirectives(t *testing.T) {
	bridge, url := newTestBridge(t)

	require.Equal(t, Directive{Op: "open", URL: "/"}, bridge.Resolve(ActionView),
		"no subscribed window opens a fresh one")
	require.Equal(t, Directive{Op: "open", URL: "/"}, bridge.Resolve(""),
		"a bare tap behaves like view")
	require.Equal(t, Directive{Op: "dismiss"}, bridge.Resolve(ActionDismiss))

	dial(t, url)
	waitForSubscribers(t, bridge, 1)
	require.Equal(t, Directive{Op: "focus", URL: "/"}, bridge.Resolve(ActionView),
		"an existing window is focused rather than duplicated")
	require.Equal(t, Directive{Op: "dismiss"}, bridge.Resolve(ActionDismiss))
}
