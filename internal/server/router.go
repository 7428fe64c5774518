package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/louply/offramp/internal/notify"
	"github.com/louply/offramp/internal/proxy"
	"github.com/louply/offramp/internal/queue"
)

// ControlPrefix reserves a path namespace for the daemon's own endpoints so
// they never collide with intercepted application traffic.
const ControlPrefix = "/-/"

// Lifecycle is the minimal surface the router needs from the controller.
type Lifecycle interface {
	State() proxy.State
	Active() bool
}

// SyncTrigger requests an immediate reconciliation pass.
type SyncTrigger interface {
	Trigger()
}

// QueueAdmin exposes the queue operations the control plane serves.
type QueueAdmin interface {
	List(ctx context.Context) ([]queue.Action, error)
	Clear(ctx context.Context) error
	Len(ctx context.Context) (int64, error)
}

// Notifier is the bridge surface the control plane serves.
type Notifier interface {
	Subscribe(w http.ResponseWriter, r *http.Request)
	Publish(ctx context.Context, body string) int
	Resolve(action string) notify.Directive
}

// RouterOptions collects the router's collaborators.
type RouterOptions struct {
	Proxy     http.Handler
	Lifecycle Lifecycle
	Sync      SyncTrigger
	Queue     QueueAdmin
	Notifier  Notifier
	Metrics   http.Handler
	Logger    *slog.Logger
	Version   string
}

// NewRouter dispatches control-plane paths and hands everything else to the
// interception proxy.
func NewRouter(opts RouterOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rt := &router{
		proxy:     opts.Proxy,
		lifecycle: opts.Lifecycle,
		sync:      opts.Sync,
		queue:     opts.Queue,
		notifier:  opts.Notifier,
		metrics:   opts.Metrics,
		logger:    logger.With(slog.String("agent", "router")),
		version:   opts.Version,
	}
	return rt
}

type router struct {
	proxy     http.Handler
	lifecycle Lifecycle
	sync      SyncTrigger
	queue     QueueAdmin
	notifier  Notifier
	metrics   http.Handler
	logger    *slog.Logger
	version   string
}

func (rt *router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/metrics" && rt.metrics != nil {
		rt.metrics.ServeHTTP(w, r)
		return
	}
	if !strings.HasPrefix(r.URL.Path, ControlPrefix) {
		rt.proxy.ServeHTTP(w, r)
		return
	}

	route := strings.Trim(strings.TrimPrefix(r.URL.Path, ControlPrefix), "/")
	switch route {
	case "healthz":
		rt.serveHealth(w, r)
	case "sync":
		rt.serveSync(w, r)
	case "queue":
		rt.serveQueue(w, r)
	case "push":
		rt.servePush(w, r)
	case "events":
		rt.notifier.Subscribe(w, r)
	case "notify/ack":
		rt.serveNotifyAck(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (rt *router) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		rt.methodNotAllowed(w, http.MethodGet)
		return
	}
	depth := int64(-1)
	if n, err := rt.queue.Len(r.Context()); err == nil {
		depth = n
	}
	status := "degraded"
	if rt.lifecycle.Active() {
		status = "ok"
	}
	rt.writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"state":      string(rt.lifecycle.State()),
		"version":    rt.version,
		"queueDepth": depth,
	})
}

// serveSync is the connectivity-restore signal: it schedules a drain pass and
// returns immediately.
func (rt *router) serveSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rt.methodNotAllowed(w, http.MethodPost)
		return
	}
	rt.sync.Trigger()
	rt.writeJSON(w, http.StatusAccepted, map[string]any{"scheduled": true})
}

func (rt *router) serveQueue(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		actions, err := rt.queue.List(r.Context())
		if err != nil {
			rt.logger.Error("queue list failed", slog.Any("error", err))
			rt.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "queue unavailable"})
			return
		}
		rt.writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
	case http.MethodDelete:
		if err := rt.queue.Clear(r.Context()); err != nil {
			rt.logger.Error("queue clear failed", slog.Any("error", err))
			rt.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "queue unavailable"})
			return
		}
		rt.writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
	default:
		rt.methodNotAllowed(w, http.MethodGet, http.MethodDelete)
	}
}

// servePush accepts a plain-text push payload and fans it out to subscribed
// windows.
func (rt *router) servePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rt.methodNotAllowed(w, http.MethodPost)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		rt.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unreadable payload"})
		return
	}
	delivered := rt.notifier.Publish(r.Context(), strings.TrimSpace(string(payload)))
	rt.writeJSON(w, http.StatusOK, map[string]any{"delivered": delivered})
}

func (rt *router) serveNotifyAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rt.methodNotAllowed(w, http.MethodPost)
		return
	}
	directive := rt.notifier.Resolve(r.URL.Query().Get("action"))
	rt.writeJSON(w, http.StatusOK, directive)
}

func (rt *router) methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	rt.writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func (rt *router) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		rt.logger.Warn("response encode failed", slog.Any("error", err))
	}
}
