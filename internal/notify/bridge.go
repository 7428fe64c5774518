// Package notify bridges push payloads to connected application windows over
// websockets and resolves notification interactions back into window
// directives.
package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// NotificationTitle is the fixed title every surfaced notification carries.
const NotificationTitle = "Louply"

// Notification is the payload broadcast to subscribed windows.
type Notification struct {
	Title   string   `json:"title"`
	Body    string   `json:"body"`
	Actions []string `json:"actions"`
}

// Directive tells a window how to react to a notification interaction.
type Directive struct {
	Op  string `json:"op"`            // focus, open or dismiss
	URL string `json:"url,omitempty"` // target for open
}

const (
	ActionView    = "view"
	ActionDismiss = "dismiss"
)

// Bridge tracks subscribed windows and fans push payloads out to them.
type Bridge struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*websocket.Conn]struct{}
}

// NewBridge assembles an empty bridge.
func NewBridge(logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		logger: logger.With(slog.String("agent", "notify")),
		subs:   make(map[*websocket.Conn]struct{}),
	}
}

// Subscribe upgrades the request to a websocket and keeps the window
// registered until it disconnects. The read loop exists only to observe the
// close; subscribers never send payloads upstream.
func (b *Bridge) Subscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		b.logger.Warn("websocket accept failed", slog.Any("error", err))
		return
	}
	b.add(conn)
	defer b.remove(conn)
	b.logger.Debug("window subscribed", slog.Int("subscribers", b.Subscribers()))

	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

// Publish broadcasts a push payload to every subscribed window and returns
// the delivery count. Windows that fail a write are dropped.
func (b *Bridge) Publish(ctx context.Context, body string) int {
	if body == "" {
		body = "You have new activity."
	}
	note := Notification{
		Title:   NotificationTitle,
		Body:    body,
		Actions: []string{ActionView, ActionDismiss},
	}

	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.subs))
	for conn := range b.subs {
		conns = append(conns, conn)
	}
	b.mu.Unlock()

	delivered := 0
	for _, conn := range conns {
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := wsjson.Write(writeCtx, conn, note)
		cancel()
		if err != nil {
			b.logger.Warn("notification write failed, dropping window",
				slog.Any("error", err))
			b.remove(conn)
			_ = conn.Close(websocket.StatusInternalError, "write failed")
			continue
		}
		delivered++
	}
	b.logger.Info("notification published",
		slog.String("body", body), slog.Int("delivered", delivered))
	return delivered
}

// Resolve maps a notification interaction to a window directive: a view (or
// absent) action focuses an existing window when one is subscribed and opens
// a new one at the root path otherwise; a dismiss does nothing.
func (b *Bridge) Resolve(action string) Directive {
	if action == ActionDismiss {
		return Directive{Op: "dismiss"}
	}
	if b.Subscribers() > 0 {
		return Directive{Op: "focus", URL: "/"}
	}
	return Directive{Op: "open", URL: "/"}
}

// Subscribers returns the number of connected windows.
func (b *Bridge) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bridge) add(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[conn] = struct{}{}
}

func (b *Bridge) remove(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, conn)
}
